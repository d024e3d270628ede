package movingavg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramonehamilton/forecast-experimenter/internal/device"
	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
	"github.com/ramonehamilton/forecast-experimenter/internal/grid"
)

func params(t *testing.T, in, out int) grid.Combination {
	t.Helper()
	c, err := grid.NewCombination(grid.NewSpace(
		grid.E("window_in", grid.Scalar(in)),
		grid.E("window_out", grid.Scalar(out)),
	))
	require.NoError(t, err)
	return c
}

func TestForecast_FeedsBackOwnPredictions(t *testing.T) {
	m, err := New(params(t, 2, 3))
	require.NoError(t, err)

	pred, err := m.Forecast(experiment.Sample{History: []float64{9, 2, 4}})
	require.NoError(t, err)

	// (2+4)/2=3, (4+3)/2=3.5, (3+3.5)/2=3.25
	assert.InDeltaSlice(t, []float64{3, 3.5, 3.25}, pred, 1e-12)
}

func TestForecast_ShortHistoryUsesWhatIsThere(t *testing.T) {
	m, err := New(params(t, 5, 1))
	require.NoError(t, err)

	pred, err := m.Forecast(experiment.Sample{History: []float64{2, 4}})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{3}, pred, 1e-12)

	_, err = m.Forecast(experiment.Sample{})
	assert.Error(t, err)
}

func TestNew_RejectsBadParams(t *testing.T) {
	_, err := New(params(t, 0, 1))
	assert.Error(t, err)

	c, err := grid.NewCombination(grid.NewSpace(grid.E("window_in", grid.Scalar(3))))
	require.NoError(t, err)
	_, err = New(c)
	assert.Error(t, err)
}

func TestStep_ReportsLossWithoutChangingModel(t *testing.T) {
	m, err := New(params(t, 1, 1))
	require.NoError(t, err)

	before, err := m.MarshalState()
	require.NoError(t, err)

	loss, err := m.Step([]experiment.Sample{
		{History: []float64{1}, Target: []float64{3}},
		{History: []float64{2}, Target: []float64{2}},
	}, experiment.StepOptions{LearningRate: 0.1})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, loss, 1e-12)

	after, err := m.MarshalState()
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
}

func TestState_RoundTripKeepsDevice(t *testing.T) {
	m, err := New(params(t, 4, 2))
	require.NoError(t, err)
	require.NoError(t, device.Relocate(m, "cuda:0"))

	state, err := m.MarshalState()
	require.NoError(t, err)

	restored, err := Restore(state)
	require.NoError(t, err)
	assert.Equal(t, m, restored)
	assert.Equal(t, device.Device("cuda:0"), restored.Device())

	_, err = Restore([]byte(`{"window_in":0,"window_out":1}`))
	assert.Error(t, err)
}
