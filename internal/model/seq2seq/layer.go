package seq2seq

import (
	"math"
	"math/rand"

	"github.com/ramonehamilton/forecast-experimenter/internal/device"
)

// Layer is a dense layer y = act(Wx + b).
type Layer struct {
	device.Placement
	W    [][]float64 `json:"w"`
	B    []float64   `json:"b"`
	Tanh bool        `json:"tanh"`
}

func newLayer(in, out int, tanh bool, rng *rand.Rand) *Layer {
	limit := math.Sqrt(6 / float64(in+out))
	l := &Layer{W: make([][]float64, out), B: make([]float64, out), Tanh: tanh}
	for i := range l.W {
		l.W[i] = make([]float64, in)
		for j := range l.W[i] {
			l.W[i][j] = (rng.Float64()*2 - 1) * limit
		}
	}
	return l
}

func (l *Layer) inSize() int {
	if len(l.W) == 0 {
		return 0
	}
	return len(l.W[0])
}

func (l *Layer) forward(x []float64) []float64 {
	y := make([]float64, len(l.W))
	for i, row := range l.W {
		s := l.B[i]
		for j, w := range row {
			s += w * x[j]
		}
		if l.Tanh {
			s = math.Tanh(s)
		}
		y[i] = s
	}
	return y
}

// backward accumulates parameter gradients for one sample and returns dL/dx.
// dy is the gradient with respect to the layer output.
func (l *Layer) backward(x, y, dy []float64, g *layerGrad) []float64 {
	dz := make([]float64, len(dy))
	for i := range dy {
		if l.Tanh {
			dz[i] = dy[i] * (1 - y[i]*y[i])
		} else {
			dz[i] = dy[i]
		}
	}

	dx := make([]float64, len(x))
	for i, row := range l.W {
		g.b[i] += dz[i]
		for j, w := range row {
			g.w[i][j] += dz[i] * x[j]
			dx[j] += dz[i] * w
		}
	}
	return dx
}

type layerGrad struct {
	w [][]float64
	b []float64
}

func newGrad(l *Layer) *layerGrad {
	g := &layerGrad{w: make([][]float64, len(l.W)), b: make([]float64, len(l.B))}
	for i := range l.W {
		g.w[i] = make([]float64, len(l.W[i]))
	}
	return g
}

// Stage is an ordered stack of layers.
type Stage struct {
	device.Placement
	Layers []*Layer `json:"layers"`
}

// Components implements device.Composite.
func (s *Stage) Components() []device.Relocatable {
	out := make([]device.Relocatable, len(s.Layers))
	for i, l := range s.Layers {
		out[i] = l
	}
	return out
}

// forward returns the activations of every layer, with the input at index 0.
func (s *Stage) forward(x []float64) [][]float64 {
	acts := make([][]float64, 0, len(s.Layers)+1)
	acts = append(acts, x)
	for _, l := range s.Layers {
		x = l.forward(x)
		acts = append(acts, x)
	}
	return acts
}

func (s *Stage) backward(acts [][]float64, dy []float64, grads []*layerGrad) []float64 {
	for i := len(s.Layers) - 1; i >= 0; i-- {
		dy = s.Layers[i].backward(acts[i], acts[i+1], dy, grads[i])
	}
	return dy
}
