// Package inference replays a saved checkpoint: it loads the bundle of one
// experiment, moves it to the requested device and scores the best model on
// held-out data. Nothing is written to disk.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ramonehamilton/forecast-experimenter/internal/checkpoint"
	"github.com/ramonehamilton/forecast-experimenter/internal/dataset"
	"github.com/ramonehamilton/forecast-experimenter/internal/device"
	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
	"github.com/ramonehamilton/forecast-experimenter/internal/window"
)

// ErrUsage is returned for requests that cannot name a checkpoint.
var ErrUsage = errors.New("inference: an experiment id is required")

// Loader reads checkpoint bundles.
type Loader interface {
	Load(dir string) (*checkpoint.Bundle, *checkpoint.Manifest, error)
}

// Locator maps a model and experiment id to its directory.
type Locator interface {
	Dir(model string, id int) string
}

// HeldOut replaces the stored test split with rows from another source. The
// stored batch parameters and normalisation statistics are reused. A zero Start
// or End falls back to the checkpoint's window.
type HeldOut struct {
	Source dataset.Source
	Start  time.Time
	End    time.Time
}

// Request names the checkpoint to replay.
type Request struct {
	Model        string
	ExperimentID int
	Device       device.Device
	HeldOut      *HeldOut
}

// Result is the test score of a replayed checkpoint.
type Result struct {
	Model        string
	ExperimentID int
	Dir          string
	Device       device.Device
	Window       window.Window
	Samples      int
	Loss         float64
	Metrics      experiment.Metrics
}

// Runner replays checkpoints.
type Runner struct {
	store       Loader
	experiments Locator
	logger      *log.Logger
}

// NewRunner creates a runner. A nil logger uses log.Default().
func NewRunner(store Loader, experiments Locator, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{store: store, experiments: experiments, logger: logger}
}

func (r Request) validate() (device.Device, error) {
	if r.Model == "" {
		return "", fmt.Errorf("%w: model name is empty", ErrUsage)
	}
	if r.ExperimentID <= 0 {
		return "", fmt.Errorf("%w: got %d", ErrUsage, r.ExperimentID)
	}
	if r.HeldOut != nil && r.HeldOut.Source == nil {
		return "", fmt.Errorf("%w: held-out override has no source", ErrUsage)
	}
	if r.Device == "" {
		return device.CPU, nil
	}
	dev, err := device.Parse(r.Device.String())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUsage, err)
	}
	return dev, nil
}

// Run loads the checkpoint named by req and scores it with the stored trainer.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	dev, err := req.validate()
	if err != nil {
		return nil, err
	}

	dir := r.experiments.Dir(req.Model, req.ExperimentID)
	b, manifest, err := r.store.Load(dir)
	if err != nil {
		return nil, err
	}
	if manifest.Model != req.Model {
		return nil, fmt.Errorf("%w: %s holds %q, not %q", checkpoint.ErrCheckpointNotFound, dir, manifest.Model, req.Model)
	}
	r.logger.Printf("[INFO] Loaded %s (stage %s, saved %s)", dir, manifest.Stage, manifest.SavedAt.Format(time.RFC3339))

	if err := device.Relocate(b.Model, dev); err != nil {
		return nil, fmt.Errorf("move model to %s: %w", dev, err)
	}
	if err := device.Relocate(b.Trainer, dev); err != nil {
		return nil, fmt.Errorf("move trainer to %s: %w", dev, err)
	}

	data := b.BatchGenerator
	w := b.Config.Window
	if req.HeldOut != nil {
		data, w, err = r.heldOut(ctx, b, req.HeldOut)
		if err != nil {
			return nil, err
		}
	}

	loss, metrics, err := b.Trainer.Predict(ctx, b.Model, data)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	r.logger.Printf("[INFO] Inference %s exp_%d on %s: loss %.5f | %s", req.Model, req.ExperimentID, dev, loss, metrics)

	return &Result{
		Model:        req.Model,
		ExperimentID: req.ExperimentID,
		Dir:          dir,
		Device:       dev,
		Window:       w,
		Samples:      data.NumSamples(experiment.Test),
		Loss:         loss,
		Metrics:      metrics,
	}, nil
}

func (r *Runner) heldOut(ctx context.Context, b *checkpoint.Bundle, h *HeldOut) (experiment.BatchGenerator, window.Window, error) {
	w := b.Config.Window
	if !h.Start.IsZero() {
		w.Start = h.Start
	}
	if !h.End.IsZero() {
		w.End = h.End
	}

	g, ok := b.BatchGenerator.(*dataset.Generator)
	if !ok {
		return nil, w, fmt.Errorf("inference: stored batch generator %T cannot cut held-out data", b.BatchGenerator)
	}
	series, err := h.Source.Load(ctx, w)
	if err != nil {
		return nil, w, fmt.Errorf("load held-out data: %w", err)
	}
	out, err := g.HeldOut(series)
	if err != nil {
		return nil, w, err
	}
	return out, w, nil
}
