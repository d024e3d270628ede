package dataset

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
	"github.com/ramonehamilton/forecast-experimenter/internal/grid"
)

// BatchParams shape the samples cut from a series.
type BatchParams struct {
	// InputDims are the feature columns fed to the model. Empty means all.
	InputDims []int `json:"input_dim"`
	// OutputDim is the forecast feature column; negative counts from the end.
	OutputDim int `json:"output_dim"`
	WindowIn  int `json:"window_in"`
	WindowOut int `json:"window_out"`
	BatchSize int `json:"batch_size"`
}

// ParseBatchParams reads batch parameters from a batch_gen combination.
// input_dim may be a single index or a list of indices.
func ParseBatchParams(c grid.Combination) (BatchParams, error) {
	var p BatchParams
	var err error

	if p.OutputDim, err = c.IntOr(-1, "output_dim"); err != nil {
		return p, err
	}
	if p.WindowIn, err = c.Int("window_in"); err != nil {
		return p, err
	}
	if p.WindowOut, err = c.Int("window_out"); err != nil {
		return p, err
	}
	if p.BatchSize, err = c.IntOr(32, "batch_size"); err != nil {
		return p, err
	}

	if raw, ok := c.Get("input_dim"); ok {
		switch v := raw.(type) {
		case int:
			p.InputDims = []int{v}
		case []any:
			for _, d := range v {
				i, ok := d.(int)
				if !ok {
					return p, fmt.Errorf("dataset: input_dim entries must be integers, got %T", d)
				}
				p.InputDims = append(p.InputDims, i)
			}
		default:
			return p, fmt.Errorf("dataset: input_dim must be an integer or a list, got %T", raw)
		}
	}

	if p.WindowIn <= 0 || p.WindowOut <= 0 || p.BatchSize <= 0 {
		return p, fmt.Errorf("dataset: window_in, window_out and batch_size must be positive")
	}
	return p, nil
}

// SplitOptions divide a window's rows into train, validation and test.
type SplitOptions struct {
	ValRatio  float64 `json:"val_ratio"`
	TestRatio float64 `json:"test_ratio"`
	Normalize bool    `json:"normalize"`
}

// Validate checks the ratios leave room for training data.
func (o SplitOptions) Validate() error {
	if o.ValRatio <= 0 || o.TestRatio < 0 || o.ValRatio+o.TestRatio >= 1 {
		return fmt.Errorf("dataset: invalid split ratios val=%.3f test=%.3f", o.ValRatio, o.TestRatio)
	}
	return nil
}

// Stats are per-feature normalisation statistics taken from the training split.
type Stats struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Generator is the batch generator for one window. It is immutable after
// construction and implements experiment.BatchGenerator.
type Generator struct {
	Params   BatchParams            `json:"params"`
	Split    SplitOptions           `json:"split"`
	Features []string               `json:"features"`
	Stats    *Stats                 `json:"stats,omitempty"`
	Samples  [3][]experiment.Sample `json:"samples"`
}

var _ experiment.BatchGenerator = (*Generator)(nil)

// NewGenerator splits s chronologically and cuts sliding samples from each split.
// Splits never share rows, so no sample straddles a boundary.
func NewGenerator(s Series, split SplitOptions, params BatchParams) (*Generator, error) {
	if err := split.Validate(); err != nil {
		return nil, err
	}

	n := s.Len()
	nVal := int(math.Round(float64(n) * split.ValRatio))
	nTest := int(math.Round(float64(n) * split.TestRatio))
	nTrain := n - nVal - nTest

	g := &Generator{Params: params, Split: split, Features: s.Features}
	if split.Normalize {
		g.Stats = computeStats(s.Values[:max(nTrain, 0)], len(s.Features))
	}

	bounds := [3][2]int{
		{0, nTrain},
		{nTrain, nTrain + nVal},
		{nTrain + nVal, n},
	}
	for i, b := range bounds {
		samples, err := g.cut(s.Values[b[0]:b[1]])
		if err != nil {
			return nil, err
		}
		if len(samples) == 0 && (experiment.Split(i) != experiment.Test || nTest > 0) {
			return nil, fmt.Errorf("%w: %s split has %d rows, need %d",
				ErrInsufficientData, experiment.Split(i), b[1]-b[0], params.WindowIn+params.WindowOut)
		}
		g.Samples[i] = samples
	}
	return g, nil
}

// HeldOut returns a generator whose test split is cut from s using this
// generator's batch parameters and normalisation statistics. Train and
// validation splits are empty.
func (g *Generator) HeldOut(s Series) (*Generator, error) {
	out := &Generator{Params: g.Params, Split: g.Split, Features: g.Features, Stats: g.Stats}
	if len(s.Features) != len(g.Features) {
		return nil, fmt.Errorf("dataset: held-out series has %d features, want %d", len(s.Features), len(g.Features))
	}
	samples, err := out.cut(s.Values)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: held-out series has %d rows", ErrInsufficientData, s.Len())
	}
	out.Samples[experiment.Test] = samples
	return out, nil
}

func (g *Generator) cut(rows [][]float64) ([]experiment.Sample, error) {
	p := g.Params
	width := len(g.Features)

	out := p.OutputDim
	if out < 0 {
		out += width
	}
	if out < 0 || out >= width {
		return nil, fmt.Errorf("dataset: output_dim %d out of range for %d features", p.OutputDim, width)
	}
	dims := p.InputDims
	if len(dims) == 0 {
		dims = make([]int, width)
		for i := range dims {
			dims[i] = i
		}
	}
	for _, d := range dims {
		if d < 0 || d >= width {
			return nil, fmt.Errorf("dataset: input_dim %d out of range for %d features", d, width)
		}
	}

	count := len(rows) - p.WindowIn - p.WindowOut + 1
	if count <= 0 {
		return nil, nil
	}

	samples := make([]experiment.Sample, count)
	for t := 0; t < count; t++ {
		s := experiment.Sample{
			Input:   make([][]float64, p.WindowIn),
			History: make([]float64, p.WindowIn),
			Target:  make([]float64, p.WindowOut),
		}
		for i := 0; i < p.WindowIn; i++ {
			row := rows[t+i]
			in := make([]float64, len(dims))
			for j, d := range dims {
				in[j] = g.normalize(row[d], d)
			}
			s.Input[i] = in
			s.History[i] = g.normalize(row[out], out)
		}
		for i := 0; i < p.WindowOut; i++ {
			s.Target[i] = g.normalize(rows[t+p.WindowIn+i][out], out)
		}
		samples[t] = s
	}
	return samples, nil
}

func (g *Generator) normalize(v float64, feature int) float64 {
	if g.Stats == nil {
		return v
	}
	return (v - g.Stats.Mean[feature]) / g.Stats.Std[feature]
}

// Batches implements experiment.BatchGenerator.
func (g *Generator) Batches(split experiment.Split) [][]experiment.Sample {
	if split < experiment.Train || split > experiment.Test {
		return nil
	}
	samples := g.Samples[split]
	size := g.Params.BatchSize
	if size <= 0 {
		size = len(samples)
	}

	var batches [][]experiment.Sample
	for lo := 0; lo < len(samples); lo += size {
		hi := min(lo+size, len(samples))
		batches = append(batches, samples[lo:hi:hi])
	}
	return batches
}

// NumSamples implements experiment.BatchGenerator.
func (g *Generator) NumSamples(split experiment.Split) int {
	if split < experiment.Train || split > experiment.Test {
		return 0
	}
	return len(g.Samples[split])
}

// Decode restores a generator encoded with encoding/json.
func Decode(data []byte) (experiment.BatchGenerator, error) {
	var g Generator
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("dataset: decode batch generator: %w", err)
	}
	if g.Params.WindowIn <= 0 || g.Params.WindowOut <= 0 {
		return nil, fmt.Errorf("dataset: decoded batch generator has no window sizes")
	}
	return &g, nil
}

func computeStats(rows [][]float64, width int) *Stats {
	st := &Stats{Mean: make([]float64, width), Std: make([]float64, width)}
	if len(rows) == 0 {
		for i := range st.Std {
			st.Std[i] = 1
		}
		return st
	}
	for _, row := range rows {
		for j, v := range row {
			st.Mean[j] += v
		}
	}
	for j := range st.Mean {
		st.Mean[j] /= float64(len(rows))
	}
	for _, row := range rows {
		for j, v := range row {
			d := v - st.Mean[j]
			st.Std[j] += d * d
		}
	}
	for j := range st.Std {
		st.Std[j] = math.Sqrt(st.Std[j] / float64(len(rows)))
		if st.Std[j] == 0 {
			st.Std[j] = 1
		}
	}
	return st
}
