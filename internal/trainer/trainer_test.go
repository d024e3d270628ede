package trainer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramonehamilton/forecast-experimenter/internal/device"
	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
	"github.com/ramonehamilton/forecast-experimenter/internal/grid"
)

// scriptedModel forecasts target+offsets[steps], so its loss follows a fixed curve.
type scriptedModel struct {
	device.Placement
	offsets []float64
	steps   int
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Forecast(s experiment.Sample) ([]float64, error) {
	off := m.offsets[min(m.steps, len(m.offsets)-1)]
	out := make([]float64, len(s.Target))
	for i, v := range s.Target {
		out[i] = v + off
	}
	return out, nil
}

func (m *scriptedModel) Step(batch []experiment.Sample, _ experiment.StepOptions) (float64, error) {
	m.steps++
	return float64(m.steps), nil
}

func (m *scriptedModel) MarshalState() ([]byte, error) {
	return []byte(strconv.Itoa(m.steps)), nil
}

func (m *scriptedModel) UnmarshalState(data []byte) error {
	n, err := strconv.Atoi(string(data))
	m.steps = n
	return err
}

type fakeData struct {
	splits [3][]experiment.Sample
}

func (d *fakeData) Batches(split experiment.Split) [][]experiment.Sample {
	if len(d.splits[split]) == 0 {
		return nil
	}
	return [][]experiment.Sample{d.splits[split]}
}

func (d *fakeData) NumSamples(split experiment.Split) int { return len(d.splits[split]) }

func newFakeData() *fakeData {
	s := []experiment.Sample{{Target: []float64{1, 2}}, {Target: []float64{4, 5}}}
	return &fakeData{splits: [3][]experiment.Sample{s, s, s}}
}

func trainerCombination(t *testing.T, entries ...grid.Entry) grid.Combination {
	t.Helper()
	c, err := grid.NewCombination(grid.NewSpace(entries...))
	require.NoError(t, err)
	return c
}

func TestParseParams(t *testing.T) {
	p, err := ParseParams(trainerCombination(t,
		grid.E("num_epochs", grid.Scalar(10)),
		grid.E("learning_rate", grid.Scalar(0.01)),
		grid.E("l2_reg", grid.Scalar(true)),
		grid.E("clip", grid.Scalar(2)),
		grid.E("early_stop_tolerance", grid.Scalar(3)),
	))
	require.NoError(t, err)
	assert.Equal(t, Params{NumEpochs: 10, LearningRate: 0.01, L2: defaultL2, Clip: 2, EarlyStopTolerance: 3}, p)

	p, err = ParseParams(trainerCombination(t, grid.E("l2_reg", grid.Scalar(0.5))))
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.L2)
	assert.Equal(t, DefaultParams().NumEpochs, p.NumEpochs)

	_, err = ParseParams(trainerCombination(t, grid.E("num_epochs", grid.Scalar(0))))
	assert.Error(t, err)

	_, err = ParseParams(trainerCombination(t, grid.E("learning_rate", grid.Scalar("fast"))))
	assert.ErrorIs(t, err, grid.ErrInvalidValue)
}

func TestTrain_EarlyStopRestoresBestEpoch(t *testing.T) {
	tr := &Trainer{Params: Params{NumEpochs: 10, LearningRate: 0.1, EarlyStopTolerance: 2}}
	m := &scriptedModel{offsets: []float64{9, 3, 2, 1, 2, 3, 4, 5, 6, 7, 8}}

	res, err := tr.Train(context.Background(), m, newFakeData())
	require.NoError(t, err)

	assert.Equal(t, []float64{9, 4, 1, 4, 9}, res.ValLoss)
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, res.TrainLoss)
	assert.Equal(t, 3, m.steps)
	assert.InDelta(t, 1.0, res.ValMetrics[MetricMSE], 1e-12)
	assert.InDelta(t, 1.0, res.ValMetrics[MetricMAE], 1e-12)
	assert.InDelta(t, 9.0, res.FinalValLoss(), 1e-12)
}

func TestTrain_RunsAllEpochsWithoutTolerance(t *testing.T) {
	tr := &Trainer{Params: Params{NumEpochs: 4, LearningRate: 0.1}}
	m := &scriptedModel{offsets: []float64{5, 4, 6, 6, 6}}

	res, err := tr.Train(context.Background(), m, newFakeData())
	require.NoError(t, err)
	assert.Len(t, res.ValLoss, 4)
	assert.Equal(t, 1, m.steps)
}

func TestTrain_DeviceMismatch(t *testing.T) {
	tr := &Trainer{Params: DefaultParams()}
	m := &scriptedModel{offsets: []float64{1}}
	require.NoError(t, device.Relocate(m, "cuda:0"))

	_, err := tr.Train(context.Background(), m, newFakeData())
	assert.ErrorIs(t, err, ErrDeviceMismatch)

	_, _, err = tr.Predict(context.Background(), m, newFakeData())
	assert.ErrorIs(t, err, ErrDeviceMismatch)

	require.NoError(t, device.Relocate(tr, "cuda:0"))
	_, _, err = tr.Predict(context.Background(), m, newFakeData())
	assert.NoError(t, err)
}

func TestTrain_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := &Trainer{Params: DefaultParams()}
	_, err := tr.Train(ctx, &scriptedModel{offsets: []float64{1}}, newFakeData())
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestEvaluateAndPredictUseTheirSplits(t *testing.T) {
	data := newFakeData()
	data.splits[experiment.Test] = nil

	tr := &Trainer{Params: DefaultParams()}
	m := &scriptedModel{offsets: []float64{2}}

	loss, metrics, err := tr.Evaluate(context.Background(), m, data)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, loss, 1e-12)
	assert.InDelta(t, 2.0, metrics[MetricRMSE], 1e-12)
	assert.InDelta(t, 100*(2.0/1+2.0/2+2.0/4+2.0/5)/4, metrics[MetricMAPE], 1e-9)

	loss, _, err = tr.Predict(context.Background(), m, data)
	assert.ErrorIs(t, err, ErrEmptySplit)
	assert.True(t, math.IsNaN(loss))
}

func TestDecode(t *testing.T) {
	tr := &Trainer{Params: Params{NumEpochs: 3, LearningRate: 0.1, Clip: 1}, Logger: log.Default()}
	require.NoError(t, device.Relocate(tr, "mps"))

	data, err := json.Marshal(tr)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, tr, decoded)
	assert.Equal(t, device.Device("mps"), decoded.Device())

	_, err = Decode([]byte(`{"params":{}}`))
	assert.Error(t, err)
}

func TestNewFactory_LogsProgress(t *testing.T) {
	var buf bytes.Buffer
	newTrainer := NewFactory(log.New(&buf, "", 0))

	built, err := newTrainer(trainerCombination(t,
		grid.E("num_epochs", grid.Scalar(10)),
		grid.E("learning_rate", grid.Scalar(0.1)),
		grid.E("early_stop_tolerance", grid.Scalar(2)),
	))
	require.NoError(t, err)

	m := &scriptedModel{offsets: []float64{9, 3, 2, 1, 2, 3, 4, 5, 6, 7, 8}}
	_, err = built.Train(context.Background(), m, newFakeData())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "[DEBUG] epoch 1/10")
	assert.Contains(t, out, "[INFO] early stop at epoch 5")

	tr, err := New(trainerCombination(t, grid.E("num_epochs", grid.Scalar(1))))
	require.NoError(t, err)
	assert.Same(t, log.Default(), tr.Logger)
}
