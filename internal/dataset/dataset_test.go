package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
	"github.com/ramonehamilton/forecast-experimenter/internal/grid"
	"github.com/ramonehamilton/forecast-experimenter/internal/window"
)

// hourlyCSV renders n hourly rows from 2000-01-01 with columns a = i and b = 2i.
func hourlyCSV(n int) string {
	var sb strings.Builder
	sb.WriteString("time,a,b\n")
	start := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "%s,%d,%d\n", start.Add(time.Duration(i)*time.Hour).Format(time.RFC3339), i, 2*i)
	}
	return sb.String()
}

func TestReadCSV(t *testing.T) {
	s, err := ReadCSV(strings.NewReader(hourlyCSV(3)), CSVOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, s.Features)
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, [][]float64{{0, 0}, {1, 2}, {2, 4}}, s.Values)

	s, err = ReadCSV(strings.NewReader(hourlyCSV(3)), CSVOptions{Features: []string{"b"}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0}, {2}, {4}}, s.Values)
}

func TestReadCSV_Errors(t *testing.T) {
	_, err := ReadCSV(strings.NewReader(hourlyCSV(2)), CSVOptions{Features: []string{"c"}})
	assert.ErrorIs(t, err, ErrUnknownFeature)

	_, err = ReadCSV(strings.NewReader("ts,a\n2000-01-01,1\n"), CSVOptions{})
	assert.ErrorIs(t, err, ErrUnknownFeature)

	_, err = ReadCSV(strings.NewReader("time,a\n2000-01-02,1\n2000-01-01,2\n"), CSVOptions{})
	assert.Error(t, err)

	_, err = ReadCSV(strings.NewReader("time,a\n2000-01-01,x\n"), CSVOptions{})
	assert.Error(t, err)
}

func TestSeries_Slice(t *testing.T) {
	s, err := ReadCSV(strings.NewReader("time,a\n1999-12-31 23:00:00,0\n2000-01-01,1\n2000-01-31 23:00:00,2\n2000-02-01,3\n"), CSVOptions{})
	require.NoError(t, err)

	windows, err := window.Schedule(
		time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2000, 1, 31, 0, 0, 0, 0, time.UTC), 1, 1)
	require.NoError(t, err)
	require.Len(t, windows, 1)

	sliced := s.Slice(windows[0])
	assert.Equal(t, [][]float64{{1}, {2}}, sliced.Values)
}

func testGenerator(t *testing.T, rows int, normalize bool) *Generator {
	t.Helper()
	s, err := ReadCSV(strings.NewReader(hourlyCSV(rows)), CSVOptions{})
	require.NoError(t, err)
	g, err := NewGenerator(s,
		SplitOptions{ValRatio: 0.2, TestRatio: 0.2, Normalize: normalize},
		BatchParams{OutputDim: -1, WindowIn: 2, WindowOut: 1, BatchSize: 2})
	require.NoError(t, err)
	return g
}

func TestNewGenerator_SplitsChronologically(t *testing.T) {
	// 20 rows: 12 train, 4 validation, 4 test; each sample needs 3 rows.
	g := testGenerator(t, 20, false)

	assert.Equal(t, 10, g.NumSamples(experiment.Train))
	assert.Equal(t, 2, g.NumSamples(experiment.Validation))
	assert.Equal(t, 2, g.NumSamples(experiment.Test))

	first := g.Samples[experiment.Train][0]
	assert.Equal(t, [][]float64{{0, 0}, {1, 2}}, first.Input)
	assert.Equal(t, []float64{0, 2}, first.History)
	assert.Equal(t, []float64{4}, first.Target)

	val := g.Samples[experiment.Validation][0]
	assert.Equal(t, []float64{24, 26}, val.History)
	assert.Equal(t, []float64{28}, val.Target)

	batches := g.Batches(experiment.Train)
	require.Len(t, batches, 5)
	for _, b := range batches {
		assert.Len(t, b, 2)
	}
}

func TestNewGenerator_NormalizesWithTrainStats(t *testing.T) {
	g := testGenerator(t, 20, true)
	require.NotNil(t, g.Stats)

	// train rows a = 0..11
	assert.InDelta(t, 5.5, g.Stats.Mean[0], 1e-12)
	assert.InDelta(t, 11.0, g.Stats.Mean[1], 1e-12)

	var sum float64
	var n int
	for _, s := range g.Samples[experiment.Train] {
		for _, row := range s.Input {
			sum += row[0]
			n++
		}
	}
	assert.Less(t, sum/float64(n), 1.0)
	assert.Greater(t, g.Samples[experiment.Test][0].Target[0], 1.0)
}

func TestNewGenerator_InsufficientData(t *testing.T) {
	s, err := ReadCSV(strings.NewReader(hourlyCSV(6)), CSVOptions{})
	require.NoError(t, err)

	_, err = NewGenerator(s, SplitOptions{ValRatio: 0.2, TestRatio: 0.2},
		BatchParams{OutputDim: -1, WindowIn: 2, WindowOut: 1, BatchSize: 2})
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = NewGenerator(s, SplitOptions{ValRatio: 0.6, TestRatio: 0.5},
		BatchParams{WindowIn: 1, WindowOut: 1, BatchSize: 1})
	assert.Error(t, err)
}

func TestGenerator_DecodeRoundTrip(t *testing.T) {
	g := testGenerator(t, 20, true)

	data, err := json.Marshal(g)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, g, decoded)

	_, err = Decode([]byte(`{}`))
	assert.Error(t, err)
}

func TestGenerator_HeldOut(t *testing.T) {
	g := testGenerator(t, 20, true)

	s, err := ReadCSV(strings.NewReader(hourlyCSV(5)), CSVOptions{})
	require.NoError(t, err)

	held, err := g.HeldOut(s)
	require.NoError(t, err)
	assert.Equal(t, 0, held.NumSamples(experiment.Train))
	assert.Equal(t, 3, held.NumSamples(experiment.Test))
	assert.Equal(t, g.Stats, held.Stats)
	assert.InDelta(t, (0-5.5)/g.Stats.Std[0], held.Samples[experiment.Test][0].Input[0][0], 1e-12)
}

func TestParseBatchParams(t *testing.T) {
	c, err := grid.NewCombination(grid.NewSpace(
		grid.E("input_dim", grid.Scalar([]any{0, 1})),
		grid.E("output_dim", grid.Scalar(1)),
		grid.E("window_in", grid.Scalar(10)),
		grid.E("window_out", grid.Scalar(5)),
		grid.E("batch_size", grid.Scalar(8)),
	))
	require.NoError(t, err)

	p, err := ParseBatchParams(c)
	require.NoError(t, err)
	assert.Equal(t, BatchParams{InputDims: []int{0, 1}, OutputDim: 1, WindowIn: 10, WindowOut: 5, BatchSize: 8}, p)

	c, err = grid.NewCombination(grid.NewSpace(grid.E("window_in", grid.Scalar(10))))
	require.NoError(t, err)
	_, err = ParseBatchParams(c)
	assert.ErrorIs(t, err, grid.ErrNotFound)
}

func TestBuilder_UsesCSVSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "series.csv")
	require.NoError(t, os.WriteFile(path, []byte(hourlyCSV(48)), 0o600))

	b := &Builder{
		Source: NewCSVSource(path, CSVOptions{}),
		Split:  SplitOptions{ValRatio: 0.25, TestRatio: 0.25},
		Batch:  BatchParams{OutputDim: -1, WindowIn: 2, WindowOut: 1, BatchSize: 4},
	}
	w := window.Window{
		Start: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2000, 1, 1, 23, 0, 0, 0, time.UTC),
	}

	gen, err := b.Build(context.Background(), w)
	require.NoError(t, err)
	// 24 rows in the window: 12 train, 6 validation, 6 test.
	assert.Equal(t, 10, gen.NumSamples(experiment.Train))
	assert.Equal(t, 4, gen.NumSamples(experiment.Validation))

	missing := &Builder{Source: NewCSVSource(filepath.Join(t.TempDir(), "nope.csv"), CSVOptions{})}
	_, err = missing.Build(context.Background(), w)
	assert.Error(t, err)
}
