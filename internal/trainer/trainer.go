// Package trainer drives the epoch loop for a forecasting model: optimisation
// steps, validation, early stopping and scoring.
package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/ramonehamilton/forecast-experimenter/internal/device"
	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
	"github.com/ramonehamilton/forecast-experimenter/internal/grid"
)

var (
	// ErrDeviceMismatch is returned when the model is not on the trainer's device.
	ErrDeviceMismatch = errors.New("trainer: model and trainer are on different devices")

	// ErrEmptySplit is returned when a split has no samples to score.
	ErrEmptySplit = errors.New("trainer: split has no samples")
)

// defaultL2 is the weight decay applied when l2_reg is given as a flag.
const defaultL2 = 1e-4

// Params configure a training run.
type Params struct {
	NumEpochs          int     `json:"num_epochs"`
	LearningRate       float64 `json:"learning_rate"`
	L2                 float64 `json:"l2_reg"`
	Clip               float64 `json:"clip"`
	EarlyStopTolerance int     `json:"early_stop_tolerance"`
}

// DefaultParams returns the parameters used for absent keys.
func DefaultParams() Params {
	return Params{
		NumEpochs:          50,
		LearningRate:       1e-3,
		Clip:               5,
		EarlyStopTolerance: 4,
	}
}

// ParseParams reads a trainer combination. l2_reg may be a bool, which selects a
// default weight decay, or a number.
func ParseParams(c grid.Combination) (Params, error) {
	p := DefaultParams()
	var err error

	if p.NumEpochs, err = c.IntOr(p.NumEpochs, "num_epochs"); err != nil {
		return p, err
	}
	if p.LearningRate, err = c.FloatOr(p.LearningRate, "learning_rate"); err != nil {
		return p, err
	}
	if p.Clip, err = c.FloatOr(p.Clip, "clip"); err != nil {
		return p, err
	}
	if p.EarlyStopTolerance, err = c.IntOr(p.EarlyStopTolerance, "early_stop_tolerance"); err != nil {
		return p, err
	}

	if raw, ok := c.Get("l2_reg"); ok {
		if b, isBool := raw.(bool); isBool {
			if b {
				p.L2 = defaultL2
			}
		} else if p.L2, err = c.Float("l2_reg"); err != nil {
			return p, err
		}
	}

	if p.NumEpochs <= 0 || p.LearningRate <= 0 {
		return p, fmt.Errorf("trainer: num_epochs and learning_rate must be positive")
	}
	return p, nil
}

// Trainer implements experiment.Trainer with minibatch steps and early stopping
// on validation loss.
type Trainer struct {
	device.Placement
	Params Params `json:"params"`

	// Logger receives per-epoch progress. New sets log.Default(); nil disables it.
	Logger *log.Logger `json:"-"`
}

var _ experiment.Trainer = (*Trainer)(nil)

// New builds a trainer from a trainer combination.
func New(c grid.Combination) (*Trainer, error) {
	p, err := ParseParams(c)
	if err != nil {
		return nil, err
	}
	return &Trainer{Params: p, Logger: log.Default()}, nil
}

// NewFactory returns a trainer constructor for the orchestrator whose trainers
// log to logger. A nil logger uses log.Default().
func NewFactory(logger *log.Logger) func(grid.Combination) (experiment.Trainer, error) {
	if logger == nil {
		logger = log.Default()
	}
	return func(c grid.Combination) (experiment.Trainer, error) {
		t, err := New(c)
		if err != nil {
			return nil, err
		}
		t.Logger = logger
		return t, nil
	}
}

// Decode restores a trainer encoded with encoding/json.
func Decode(data []byte) (experiment.Trainer, error) {
	var t Trainer
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("trainer: decode: %w", err)
	}
	if t.Params.NumEpochs <= 0 {
		return nil, fmt.Errorf("trainer: decoded state has no epochs")
	}
	t.Logger = log.Default()
	return &t, nil
}

func (t *Trainer) checkDevice(m experiment.Model) error {
	if m.Device() != t.Device() {
		return fmt.Errorf("%w: model on %s, trainer on %s", ErrDeviceMismatch, m.Device(), t.Device())
	}
	return nil
}

// Train implements experiment.Trainer. On return the model holds the parameters
// from the epoch with the lowest validation loss.
func (t *Trainer) Train(ctx context.Context, m experiment.Model, data experiment.BatchGenerator) (experiment.TrainResult, error) {
	var res experiment.TrainResult
	if err := t.checkDevice(m); err != nil {
		return res, err
	}
	if data.NumSamples(experiment.Train) == 0 {
		return res, fmt.Errorf("%w: %s", ErrEmptySplit, experiment.Train)
	}

	opts := experiment.StepOptions{
		LearningRate: t.Params.LearningRate,
		L2:           t.Params.L2,
		Clip:         t.Params.Clip,
	}

	bestVal := math.Inf(1)
	var bestState []byte
	stale := 0

	for epoch := 1; epoch <= t.Params.NumEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		var total float64
		var batches int
		for _, batch := range data.Batches(experiment.Train) {
			loss, err := m.Step(batch, opts)
			if err != nil {
				return res, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			total += loss
			batches++
		}
		trainLoss := total / float64(batches)

		valLoss, _, err := t.score(ctx, m, data, experiment.Validation)
		if err != nil {
			return res, fmt.Errorf("epoch %d: %w", epoch, err)
		}

		res.TrainLoss = append(res.TrainLoss, trainLoss)
		res.ValLoss = append(res.ValLoss, valLoss)
		t.logf("[DEBUG] epoch %d/%d train_loss=%.5f val_loss=%.5f", epoch, t.Params.NumEpochs, trainLoss, valLoss)

		if valLoss < bestVal {
			bestVal = valLoss
			stale = 0
			if bestState, err = m.MarshalState(); err != nil {
				return res, fmt.Errorf("snapshot epoch %d: %w", epoch, err)
			}
			continue
		}

		stale++
		if t.Params.EarlyStopTolerance > 0 && stale >= t.Params.EarlyStopTolerance {
			t.logf("[INFO] early stop at epoch %d, best val_loss=%.5f", epoch, bestVal)
			break
		}
	}

	if bestState != nil {
		if err := m.UnmarshalState(bestState); err != nil {
			return res, fmt.Errorf("restore best epoch: %w", err)
		}
	}

	var err error
	if _, res.TrainMetrics, err = t.score(ctx, m, data, experiment.Train); err != nil {
		return res, err
	}
	if _, res.ValMetrics, err = t.score(ctx, m, data, experiment.Validation); err != nil {
		return res, err
	}
	return res, nil
}

// Evaluate implements experiment.Trainer on the validation split.
func (t *Trainer) Evaluate(ctx context.Context, m experiment.Model, data experiment.BatchGenerator) (float64, experiment.Metrics, error) {
	if err := t.checkDevice(m); err != nil {
		return math.NaN(), nil, err
	}
	return t.score(ctx, m, data, experiment.Validation)
}

// Predict implements experiment.Trainer on the test split.
func (t *Trainer) Predict(ctx context.Context, m experiment.Model, data experiment.BatchGenerator) (float64, experiment.Metrics, error) {
	if err := t.checkDevice(m); err != nil {
		return math.NaN(), nil, err
	}
	return t.score(ctx, m, data, experiment.Test)
}

// score returns the MSE loss and full metrics of m on one split.
func (t *Trainer) score(ctx context.Context, m experiment.Model, data experiment.BatchGenerator, split experiment.Split) (float64, experiment.Metrics, error) {
	if data.NumSamples(split) == 0 {
		return math.NaN(), nil, fmt.Errorf("%w: %s", ErrEmptySplit, split)
	}

	var acc accumulator
	for _, batch := range data.Batches(split) {
		if err := ctx.Err(); err != nil {
			return math.NaN(), nil, err
		}
		for _, s := range batch {
			pred, err := m.Forecast(s)
			if err != nil {
				return math.NaN(), nil, fmt.Errorf("forecast %s: %w", split, err)
			}
			acc.add(pred, s.Target)
		}
	}

	metrics := acc.metrics()
	return metrics[MetricMSE], metrics, nil
}

func (t *Trainer) logf(format string, args ...any) {
	if t.Logger != nil {
		t.Logger.Printf(format, args...)
	}
}
