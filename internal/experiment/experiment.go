// Package experiment declares the contracts between the orchestration core and
// its collaborators: models, trainers and batch generators. The orchestrator only
// ever talks to these interfaces; concrete implementations live in the model,
// trainer and dataset packages.
package experiment

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ramonehamilton/forecast-experimenter/internal/device"
)

// Metrics maps a metric name (e.g. "mse") to its value.
type Metrics map[string]float64

// Clone returns an independent copy.
func (m Metrics) Clone() Metrics {
	if m == nil {
		return nil
	}
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// String renders metrics in name order, e.g. "mae: 0.1200, mse: 0.0400".
func (m Metrics) String() string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = fmt.Sprintf("%s: %.4f", k, m[k])
	}
	return strings.Join(parts, ", ")
}

// Lookup returns the named metric, reporting false when it is absent or not finite.
func (m Metrics) Lookup(name string) (float64, bool) {
	v, ok := m[name]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return v, false
	}
	return v, true
}

// Split selects a partition of a window's samples.
type Split int

const (
	Train Split = iota
	Validation
	Test
)

// String implements fmt.Stringer.
func (s Split) String() string {
	switch s {
	case Train:
		return "train"
	case Validation:
		return "validation"
	case Test:
		return "test"
	default:
		return fmt.Sprintf("Split(%d)", int(s))
	}
}

// Sample is one supervised example: an input window of feature rows, the target
// feature's history over that window, and the values to forecast.
type Sample struct {
	Input   [][]float64 `json:"input"`
	History []float64   `json:"history"`
	Target  []float64   `json:"target"`
}

// BatchGenerator yields batches of samples for a split. Implementations are shared
// read-only across every combination of a window; callers must not modify the
// returned samples.
type BatchGenerator interface {
	Batches(split Split) [][]Sample
	NumSamples(split Split) int
}

// StepOptions configure one optimisation step.
type StepOptions struct {
	LearningRate float64
	L2           float64
	Clip         float64
}

// Model is a trainable forecaster.
type Model interface {
	device.Relocatable

	// Name is the registry name the model was built under.
	Name() string

	// Forecast predicts the target values for one input window.
	Forecast(s Sample) ([]float64, error)

	// Step runs one optimisation step over a batch and returns the batch loss
	// measured before the update.
	Step(batch []Sample, opts StepOptions) (float64, error)

	// MarshalState encodes everything needed to restore the model.
	MarshalState() ([]byte, error)

	// UnmarshalState replaces the model's parameters with a previously encoded state.
	UnmarshalState(data []byte) error
}

// TrainResult is what a trainer reports after fitting one combination.
type TrainResult struct {
	TrainLoss    []float64 `json:"train_loss"`
	ValLoss      []float64 `json:"val_loss"`
	TrainMetrics Metrics   `json:"train_metrics"`
	ValMetrics   Metrics   `json:"val_metrics"`
}

// FinalValLoss returns the last recorded validation loss, or NaN.
func (r TrainResult) FinalValLoss() float64 {
	if len(r.ValLoss) == 0 {
		return math.NaN()
	}
	return r.ValLoss[len(r.ValLoss)-1]
}

// Trainer fits and scores models. Trainers carry device placement so they can be
// relocated together with the model they drive.
type Trainer interface {
	device.Relocatable

	Train(ctx context.Context, m Model, data BatchGenerator) (TrainResult, error)

	// Evaluate scores m on the validation split.
	Evaluate(ctx context.Context, m Model, data BatchGenerator) (float64, Metrics, error)

	// Predict scores m on the held-out test split.
	Predict(ctx context.Context, m Model, data BatchGenerator) (float64, Metrics, error)
}
