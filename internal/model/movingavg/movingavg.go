// Package movingavg implements the moving-average baseline forecaster.
package movingavg

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/ramonehamilton/forecast-experimenter/internal/device"
	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
	"github.com/ramonehamilton/forecast-experimenter/internal/grid"
	"github.com/ramonehamilton/forecast-experimenter/internal/model"
)

// Name is the registry name of the baseline.
const Name = "moving_avg"

// Model forecasts each future step as the mean of the previous WindowIn values,
// feeding its own forecasts back in. It has no trainable parameters.
type Model struct {
	device.Placement
	WindowIn  int `json:"window_in"`
	WindowOut int `json:"window_out"`
}

// New builds a baseline from core parameters window_in and window_out.
func New(params grid.Combination) (experiment.Model, error) {
	in, err := params.Int("window_in")
	if err != nil {
		return nil, err
	}
	out, err := params.Int("window_out")
	if err != nil {
		return nil, err
	}
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("movingavg: window_in and window_out must be positive, got %d and %d", in, out)
	}
	return &Model{WindowIn: in, WindowOut: out}, nil
}

// Restore rebuilds a baseline from MarshalState output.
func Restore(state []byte) (experiment.Model, error) {
	m := &Model{}
	if err := m.UnmarshalState(state); err != nil {
		return nil, err
	}
	return m, nil
}

// Entry is the registry entry for the baseline.
func Entry() model.Entry {
	return model.Entry{Construct: New, Restore: Restore}
}

// Name implements experiment.Model.
func (m *Model) Name() string { return Name }

// Forecast implements experiment.Model.
func (m *Model) Forecast(s experiment.Sample) ([]float64, error) {
	if len(s.History) == 0 {
		return nil, fmt.Errorf("movingavg: empty history")
	}
	n := m.WindowIn
	if n > len(s.History) {
		n = len(s.History)
	}

	window := append([]float64(nil), s.History[len(s.History)-n:]...)
	out := make([]float64, m.WindowOut)
	for i := range out {
		var sum float64
		for _, v := range window {
			sum += v
		}
		out[i] = sum / float64(len(window))
		window = append(window[1:], out[i])
	}
	return out, nil
}

// Step implements experiment.Model. There is nothing to fit, so it only reports the loss.
func (m *Model) Step(batch []experiment.Sample, _ experiment.StepOptions) (float64, error) {
	if len(batch) == 0 {
		return math.NaN(), fmt.Errorf("movingavg: empty batch")
	}
	var total float64
	for _, s := range batch {
		pred, err := m.Forecast(s)
		if err != nil {
			return math.NaN(), err
		}
		total += mse(pred, s.Target)
	}
	return total / float64(len(batch)), nil
}

// MarshalState implements experiment.Model.
func (m *Model) MarshalState() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalState implements experiment.Model.
func (m *Model) UnmarshalState(data []byte) error {
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("movingavg: decode state: %w", err)
	}
	if m.WindowIn <= 0 || m.WindowOut <= 0 {
		return fmt.Errorf("movingavg: invalid state window_in=%d window_out=%d", m.WindowIn, m.WindowOut)
	}
	return nil
}

func mse(pred, target []float64) float64 {
	n := len(pred)
	if len(target) < n {
		n = len(target)
	}
	if n == 0 {
		return math.NaN()
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := pred[i] - target[i]
		sum += d * d
	}
	return sum / float64(n)
}
