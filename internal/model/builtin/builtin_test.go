package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramonehamilton/forecast-experimenter/internal/device"
	"github.com/ramonehamilton/forecast-experimenter/internal/grid"
	"github.com/ramonehamilton/forecast-experimenter/internal/model"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"moving_avg", "seq2seq"}, r.Names())

	params, err := grid.NewCombination(grid.NewSpace(
		grid.E("window_in", grid.Scalar(4)),
		grid.E("window_out", grid.Scalar(2)),
		grid.E("num_features", grid.Scalar(1)),
	))
	require.NoError(t, err)

	for _, name := range r.Names() {
		m, err := r.Construct(name, params, "cuda:0")
		require.NoError(t, err, name)
		assert.Equal(t, name, m.Name())
		assert.Equal(t, device.Device("cuda:0"), m.Device())

		state, err := m.MarshalState()
		require.NoError(t, err)
		restored, err := r.Restore(name, state, device.CPU)
		require.NoError(t, err)
		assert.Equal(t, device.CPU, restored.Device())
	}

	_, err = r.Construct("lstm", params, device.CPU)
	assert.ErrorIs(t, err, model.ErrUnknownModel)
}
