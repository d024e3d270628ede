package report

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramonehamilton/forecast-experimenter/internal/checkpoint"
	"github.com/ramonehamilton/forecast-experimenter/internal/device"
	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
	"github.com/ramonehamilton/forecast-experimenter/internal/window"
)

type stubModel struct{ device.Placement }

func (m *stubModel) Name() string                                  { return "stub" }
func (m *stubModel) Forecast(experiment.Sample) ([]float64, error) { return nil, nil }
func (m *stubModel) MarshalState() ([]byte, error)                 { return json.Marshal(m) }
func (m *stubModel) UnmarshalState(data []byte) error              { return json.Unmarshal(data, m) }

func (m *stubModel) Step([]experiment.Sample, experiment.StepOptions) (float64, error) {
	return 0, nil
}

type stubTrainer struct{ device.Placement }

func (t *stubTrainer) Train(context.Context, experiment.Model, experiment.BatchGenerator) (experiment.TrainResult, error) {
	return experiment.TrainResult{}, nil
}

func (t *stubTrainer) Evaluate(context.Context, experiment.Model, experiment.BatchGenerator) (float64, experiment.Metrics, error) {
	return 0, nil, nil
}

func (t *stubTrainer) Predict(context.Context, experiment.Model, experiment.BatchGenerator) (float64, experiment.Metrics, error) {
	return 0, nil, nil
}

type stubData struct{}

func (stubData) Batches(experiment.Split) [][]experiment.Sample { return nil }
func (stubData) NumSamples(experiment.Split) int                { return 0 }

func saveScores(t *testing.T, exps *checkpoint.Experiments, month int, scores checkpoint.Scores) {
	t.Helper()
	id, err := exps.NextID("stub")
	require.NoError(t, err)

	start := time.Date(2000, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	_, err = checkpoint.NewStore(checkpoint.Decoders{}).Save(exps.Dir("stub", id), checkpoint.Bundle{
		Scores:         scores,
		Model:          &stubModel{},
		Trainer:        &stubTrainer{},
		BatchGenerator: stubData{},
		Config: checkpoint.RunConfig{
			Model:  "stub",
			Window: window.Window{Start: start, End: start.AddDate(1, 0, 0).Add(-time.Hour)},
		},
	})
	require.NoError(t, err)
}

func TestCollectAndRender(t *testing.T) {
	exps := checkpoint.NewExperiments(t.TempDir())
	saveScores(t, exps, 1, checkpoint.Scores{
		Stage: checkpoint.StageTest, CriterionName: "mse", Criterion: 0.4,
		EvalLoss: checkpoint.Finite(0.5), TestLoss: checkpoint.Finite(0.6),
		Test:      experiment.Metrics{"mse": 0.6, "mae": 0.3},
		TrainLoss: []float64{1, 0.5}, ValLoss: []float64{1.2, 0.7},
	})
	saveScores(t, exps, 4, checkpoint.Scores{
		Stage: checkpoint.StageSelection, CriterionName: "mse", Criterion: 0.2,
	})
	// an interrupted save leaves no manifest and is skipped
	require.NoError(t, os.MkdirAll(exps.Dir("stub", 3), 0o755))

	entries, err := Collect(exps, "stub")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "2000-01-01_2000-12-31", entries[0].Window)
	assert.Equal(t, checkpoint.StageTest, entries[0].Stage)
	assert.Equal(t, 2, entries[1].ExperimentID)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, "stub", entries, DefaultChartConfig()))
	html := buf.String()
	assert.Contains(t, html, "echarts")
	assert.Contains(t, html, "stub: scores per window")
	assert.Contains(t, html, "exp_1 loss history")
	assert.NotContains(t, html, "exp_2 loss history")
}

func TestRender_NoEntries(t *testing.T) {
	assert.Error(t, Render(&bytes.Buffer{}, "stub", nil, DefaultChartConfig()))
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "stub.html")
	entries := []Entry{{ExperimentID: 1, Window: "w", Scores: checkpoint.Scores{CriterionName: "mae", Criterion: 1}}}

	require.NoError(t, WriteFile(path, "stub", entries, DefaultChartConfig()))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "<html"))
}
