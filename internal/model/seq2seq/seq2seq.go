// Package seq2seq implements a small encoder/decoder forecaster.
//
// The model is a composite: the encoder and decoder are stages, each made of dense
// layers, and every one of them is a separately relocatable component.
package seq2seq

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/ramonehamilton/forecast-experimenter/internal/device"
	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
	"github.com/ramonehamilton/forecast-experimenter/internal/grid"
	"github.com/ramonehamilton/forecast-experimenter/internal/model"
)

// Name is the registry name of the encoder/decoder model.
const Name = "seq2seq"

// Model maps a flattened input window through the encoder to a hidden code and
// through the decoder to WindowOut forecasts.
type Model struct {
	device.Placement
	WindowIn    int    `json:"window_in"`
	WindowOut   int    `json:"window_out"`
	NumFeatures int    `json:"num_features"`
	HiddenDim   int    `json:"hidden_dim"`
	Encoder     *Stage `json:"encoder"`
	Decoder     *Stage `json:"decoder"`
}

// New builds a model from core parameters:
//
//	window_in, window_out, num_features  shapes (required)
//	encoder.hidden_dim, encoder.num_layers
//	decoder.num_layers
//	seed                                 weight initialisation (default 1)
func New(params grid.Combination) (experiment.Model, error) {
	in, err := params.Int("window_in")
	if err != nil {
		return nil, err
	}
	out, err := params.Int("window_out")
	if err != nil {
		return nil, err
	}
	features, err := params.Int("num_features")
	if err != nil {
		return nil, err
	}
	hidden, err := params.IntOr(16, "encoder", "hidden_dim")
	if err != nil {
		return nil, err
	}
	encLayers, err := params.IntOr(1, "encoder", "num_layers")
	if err != nil {
		return nil, err
	}
	decLayers, err := params.IntOr(1, "decoder", "num_layers")
	if err != nil {
		return nil, err
	}
	seed, err := params.IntOr(1, "seed")
	if err != nil {
		return nil, err
	}
	if in <= 0 || out <= 0 || features <= 0 || hidden <= 0 || encLayers <= 0 || decLayers <= 0 {
		return nil, fmt.Errorf("seq2seq: sizes must be positive")
	}

	rng := rand.New(rand.NewSource(int64(seed)))
	m := &Model{
		WindowIn:    in,
		WindowOut:   out,
		NumFeatures: features,
		HiddenDim:   hidden,
		Encoder:     &Stage{},
		Decoder:     &Stage{},
	}

	width := in * features
	for i := 0; i < encLayers; i++ {
		m.Encoder.Layers = append(m.Encoder.Layers, newLayer(width, hidden, true, rng))
		width = hidden
	}
	for i := 0; i < decLayers; i++ {
		outWidth := hidden
		last := i == decLayers-1
		if last {
			outWidth = out
		}
		m.Decoder.Layers = append(m.Decoder.Layers, newLayer(width, outWidth, !last, rng))
		width = outWidth
	}
	return m, nil
}

// Restore rebuilds a model from MarshalState output.
func Restore(state []byte) (experiment.Model, error) {
	m := &Model{}
	if err := m.UnmarshalState(state); err != nil {
		return nil, err
	}
	return m, nil
}

// Entry is the registry entry for the model.
func Entry() model.Entry {
	return model.Entry{Construct: New, Restore: Restore}
}

// Name implements experiment.Model.
func (m *Model) Name() string { return Name }

// Components implements device.Composite.
func (m *Model) Components() []device.Relocatable {
	return []device.Relocatable{m.Encoder, m.Decoder}
}

func (m *Model) flatten(s experiment.Sample) ([]float64, error) {
	if len(s.Input) != m.WindowIn {
		return nil, fmt.Errorf("seq2seq: input has %d steps, want %d", len(s.Input), m.WindowIn)
	}
	x := make([]float64, 0, m.WindowIn*m.NumFeatures)
	for i, row := range s.Input {
		if len(row) != m.NumFeatures {
			return nil, fmt.Errorf("seq2seq: step %d has %d features, want %d", i, len(row), m.NumFeatures)
		}
		x = append(x, row...)
	}
	return x, nil
}

// Forecast implements experiment.Model.
func (m *Model) Forecast(s experiment.Sample) ([]float64, error) {
	x, err := m.flatten(s)
	if err != nil {
		return nil, err
	}
	enc := m.Encoder.forward(x)
	dec := m.Decoder.forward(enc[len(enc)-1])
	return dec[len(dec)-1], nil
}

// Step implements experiment.Model with one averaged gradient step over batch.
func (m *Model) Step(batch []experiment.Sample, opts experiment.StepOptions) (float64, error) {
	if len(batch) == 0 {
		return math.NaN(), fmt.Errorf("seq2seq: empty batch")
	}

	encGrads := make([]*layerGrad, len(m.Encoder.Layers))
	for i, l := range m.Encoder.Layers {
		encGrads[i] = newGrad(l)
	}
	decGrads := make([]*layerGrad, len(m.Decoder.Layers))
	for i, l := range m.Decoder.Layers {
		decGrads[i] = newGrad(l)
	}

	var loss float64
	for _, s := range batch {
		x, err := m.flatten(s)
		if err != nil {
			return math.NaN(), err
		}
		if len(s.Target) != m.WindowOut {
			return math.NaN(), fmt.Errorf("seq2seq: target has %d steps, want %d", len(s.Target), m.WindowOut)
		}

		encActs := m.Encoder.forward(x)
		decActs := m.Decoder.forward(encActs[len(encActs)-1])
		pred := decActs[len(decActs)-1]

		dy := make([]float64, len(pred))
		for i := range pred {
			d := pred[i] - s.Target[i]
			loss += d * d / float64(len(pred))
			dy[i] = 2 * d / float64(len(pred))
		}

		dh := m.Decoder.backward(decActs, dy, decGrads)
		m.Encoder.backward(encActs, dh, encGrads)
	}

	scale := 1 / float64(len(batch))
	all := append(append([]*layerGrad{}, encGrads...), decGrads...)
	layers := append(append([]*Layer{}, m.Encoder.Layers...), m.Decoder.Layers...)

	var norm float64
	for i, g := range all {
		for r := range g.w {
			for c := range g.w[r] {
				g.w[r][c] = g.w[r][c]*scale + opts.L2*layers[i].W[r][c]
				norm += g.w[r][c] * g.w[r][c]
			}
			g.b[r] *= scale
			norm += g.b[r] * g.b[r]
		}
	}
	norm = math.Sqrt(norm)

	clip := 1.0
	if opts.Clip > 0 && norm > opts.Clip {
		clip = opts.Clip / norm
	}

	for i, g := range all {
		l := layers[i]
		for r := range l.W {
			for c := range l.W[r] {
				l.W[r][c] -= opts.LearningRate * clip * g.w[r][c]
			}
			l.B[r] -= opts.LearningRate * clip * g.b[r]
		}
	}

	return loss / float64(len(batch)), nil
}

// MarshalState implements experiment.Model.
func (m *Model) MarshalState() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalState implements experiment.Model. Device placement in the state is
// kept, so callers relocate explicitly after restoring.
func (m *Model) UnmarshalState(data []byte) error {
	var decoded Model
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("seq2seq: decode state: %w", err)
	}
	if decoded.Encoder == nil || decoded.Decoder == nil ||
		len(decoded.Encoder.Layers) == 0 || len(decoded.Decoder.Layers) == 0 {
		return fmt.Errorf("seq2seq: state is missing encoder or decoder layers")
	}
	if decoded.Encoder.Layers[0].inSize() != decoded.WindowIn*decoded.NumFeatures {
		return fmt.Errorf("seq2seq: encoder input width does not match window_in*num_features")
	}
	*m = decoded
	return nil
}
