// Package orchestrator runs the window by window grid search: it trains every
// trainer x core combination of a window, keeps the best one, checkpoints each
// improvement and finishes the window with an evaluation and a test pass.
//
// Everything runs sequentially in grid order. A combination that fails or
// panics is recorded and skipped; configuration, data and checkpoint errors end
// the run.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ramonehamilton/forecast-experimenter/internal/checkpoint"
	"github.com/ramonehamilton/forecast-experimenter/internal/device"
	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
	"github.com/ramonehamilton/forecast-experimenter/internal/grid"
	"github.com/ramonehamilton/forecast-experimenter/internal/metrics"
	"github.com/ramonehamilton/forecast-experimenter/internal/model"
	"github.com/ramonehamilton/forecast-experimenter/internal/storage/models"
	"github.com/ramonehamilton/forecast-experimenter/internal/window"
)

// ErrMissingCriterion is returned for a combination whose validation metrics do
// not contain a finite value for the selected criterion.
var ErrMissingCriterion = errors.New("orchestrator: selected criterion missing from validation metrics")

// DataBuilder builds the shared, read-only batch generator of a window.
type DataBuilder interface {
	Build(ctx context.Context, w window.Window) (experiment.BatchGenerator, error)
}

// TrainerFactory builds a trainer from a trainer combination.
type TrainerFactory func(params grid.Combination) (experiment.Trainer, error)

// Checkpointer persists bundles.
type Checkpointer interface {
	Save(dir string, b checkpoint.Bundle) (*checkpoint.Manifest, error)
}

// Numbering hands out experiment directories.
type Numbering interface {
	NextID(model string) (int, error)
	Dir(model string, id int) string
}

// Options wire an Orchestrator to its collaborators. Registry, NewTrainer,
// Store and Experiments are required.
type Options struct {
	Registry    *model.Registry
	NewTrainer  TrainerFactory
	Store       Checkpointer
	Experiments Numbering

	// EncodeTrainer serialises trainers into selection snapshots. Defaults to
	// encoding/json.
	EncodeTrainer func(experiment.Trainer) ([]byte, error)

	Journal Journal
	Metrics *metrics.RunMetrics
	Logger  *log.Logger
}

// Plan is one training run: a model, its windows and its parameter spaces.
type Plan struct {
	Bundle    string
	Model     string
	Device    device.Device
	Criterion string
	Windows   []window.Window
	Trainer   *grid.Space
	Core      *grid.Space
	Data      DataBuilder

	// Config is copied into every checkpoint; Window, RunID, Trainer and Core are
	// filled in per save.
	Config checkpoint.RunConfig
}

// Orchestrator runs plans. It is not safe for concurrent use.
type Orchestrator struct {
	registry      *model.Registry
	newTrainer    TrainerFactory
	store         Checkpointer
	experiments   Numbering
	encodeTrainer func(experiment.Trainer) ([]byte, error)
	journal       Journal
	metrics       *metrics.RunMetrics
	logger        *log.Logger
	now           func() time.Time
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil || opts.NewTrainer == nil || opts.Store == nil || opts.Experiments == nil {
		return nil, fmt.Errorf("orchestrator: registry, trainer factory, store and experiments are required")
	}
	o := &Orchestrator{
		registry:      opts.Registry,
		newTrainer:    opts.NewTrainer,
		store:         opts.Store,
		experiments:   opts.Experiments,
		encodeTrainer: opts.EncodeTrainer,
		journal:       opts.Journal,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		now:           time.Now,
	}
	if o.encodeTrainer == nil {
		o.encodeTrainer = func(t experiment.Trainer) ([]byte, error) { return json.Marshal(t) }
	}
	if o.journal == nil {
		o.journal = nopJournal{}
	}
	if o.metrics == nil {
		o.metrics = metrics.NewRunMetrics()
	}
	if o.logger == nil {
		o.logger = log.Default()
	}
	return o, nil
}

// Metrics returns the collector the orchestrator records into.
func (o *Orchestrator) Metrics() *metrics.RunMetrics {
	return o.metrics
}

// validate checks everything that can be checked before any training starts.
func (o *Orchestrator) validate(p *Plan) error {
	if !o.registry.Has(p.Model) {
		return fmt.Errorf("%w: %q", model.ErrUnknownModel, p.Model)
	}
	if p.Criterion == "" {
		return fmt.Errorf("%w: selected_criterion is empty", grid.ErrConfig)
	}
	if p.Data == nil {
		return fmt.Errorf("orchestrator: plan has no data builder")
	}
	if p.Device == "" {
		p.Device = device.CPU
	}
	if _, err := grid.Count(p.Trainer); err != nil {
		return fmt.Errorf("trainer space: %w", err)
	}
	if _, err := grid.Count(p.Core); err != nil {
		return fmt.Errorf("core space: %w", err)
	}
	return nil
}

// Run executes the plan window by window and returns a summary of every window
// that finished. On error the summary covers the windows completed before it.
func (o *Orchestrator) Run(ctx context.Context, p Plan) (*Summary, error) {
	if err := o.validate(&p); err != nil {
		return nil, err
	}

	run := &models.Run{
		ID:        uuid.NewString(),
		Bundle:    p.Bundle,
		Model:     p.Model,
		Device:    p.Device.String(),
		Criterion: p.Criterion,
		Status:    models.StatusRunning,
		StartedAt: o.now().UTC(),
	}
	o.record("start run", o.journal.StartRun(ctx, run))

	summary := &Summary{RunID: run.ID, Bundle: p.Bundle, Model: p.Model}
	o.logger.Printf("[INFO] Run %s: %s over %d window(s), selecting on %s", run.ID, p.Model, len(p.Windows), p.Criterion)

	var runErr error
	for i, w := range p.Windows {
		ws, err := o.runWindow(ctx, run.ID, i, w, &p)
		if err != nil {
			runErr = fmt.Errorf("window %s: %w", w.Label(), err)
			break
		}
		summary.Windows = append(summary.Windows, *ws)
	}

	finished := o.now().UTC()
	run.FinishedAt = &finished
	switch {
	case runErr == nil:
		run.Status = models.StatusCompleted
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		run.Status = models.StatusCancelled
	default:
		run.Status = models.StatusFailed
	}
	if runErr != nil {
		msg := runErr.Error()
		run.Error = &msg
	}
	// the run outcome is journaled even when ctx is already done
	o.record("finish run", o.journal.FinishRun(context.WithoutCancel(ctx), run))

	return summary, runErr
}

// record logs journal failures; the journal is advisory.
func (o *Orchestrator) record(what string, err error) {
	if err != nil {
		o.logger.Printf("[WARN] journal %s: %v", what, err)
	}
}
