package orchestrator

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"

	"github.com/ramonehamilton/forecast-experimenter/internal/checkpoint"
	"github.com/ramonehamilton/forecast-experimenter/internal/device"
	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
	"github.com/ramonehamilton/forecast-experimenter/internal/grid"
	"github.com/ramonehamilton/forecast-experimenter/internal/selection"
	"github.com/ramonehamilton/forecast-experimenter/internal/storage/models"
	"github.com/ramonehamilton/forecast-experimenter/internal/window"
)

// windowRun is the state of one window's grid search.
type windowRun struct {
	runID   string
	index   int
	window  window.Window
	plan    *Plan
	data    experiment.BatchGenerator
	dir     string
	policy  *selection.Policy
	summary *WindowSummary
	record  *models.WindowRecord
}

func (o *Orchestrator) runWindow(ctx context.Context, runID string, idx int, w window.Window, p *Plan) (*WindowSummary, error) {
	started := o.now()
	o.metrics.WindowsStarted.Add(1)
	o.logger.Printf("[INFO] Training %s for %s", p.Model, w.Label())

	data, err := p.Data.Build(ctx, w)
	if err != nil {
		return nil, err
	}

	expID, err := o.experiments.NextID(p.Model)
	if err != nil {
		return nil, err
	}

	wr := &windowRun{
		runID:  runID,
		index:  idx,
		window: w,
		plan:   p,
		data:   data,
		dir:    o.experiments.Dir(p.Model, expID),
		policy: selection.New(o.encodeTrainer),
		summary: &WindowSummary{
			Index:        idx,
			Window:       w,
			ExperimentID: expID,
		},
		record: &models.WindowRecord{
			RunID:        runID,
			Index:        idx,
			Start:        w.Start,
			End:          w.End,
			ExperimentID: expID,
			Status:       models.StatusRunning,
			StartedAt:    started.UTC(),
		},
	}
	wr.summary.Dir = wr.dir
	o.record("start window", o.journal.StartWindow(ctx, wr.record))

	err = o.search(ctx, wr)
	if err == nil {
		err = o.finish(ctx, wr)
	}

	finished := o.now().UTC()
	wr.record.FinishedAt = &finished
	if err != nil {
		wr.record.Status = models.StatusFailed
		msg := err.Error()
		wr.record.Error = &msg
	} else {
		wr.record.Status = models.StatusCompleted
		o.metrics.WindowsCompleted.Add(1)
	}
	o.record("finish window", o.journal.FinishWindow(context.WithoutCancel(ctx), wr.record))
	if err != nil {
		return nil, err
	}

	wr.summary.Duration = o.now().Sub(started)
	return wr.summary, nil
}

// search trains the trainer x core cross product, trainer space outermost.
func (o *Orchestrator) search(ctx context.Context, wr *windowRun) error {
	trainers, err := grid.NewIterator(wr.plan.Trainer)
	if err != nil {
		return err
	}

	seq := 0
	for trainers.Next() {
		tc := trainers.Combination()

		cores, err := grid.NewIterator(wr.plan.Core)
		if err != nil {
			return err
		}
		for cores.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := o.combination(ctx, wr, seq, tc, cores.Combination()); err != nil {
				return err
			}
			seq++
		}
	}
	wr.summary.Combinations = seq
	return nil
}

// combination trains one grid point. Only cancellation and checkpoint errors
// are returned; training and snapshot failures are recorded on the window.
func (o *Orchestrator) combination(ctx context.Context, wr *windowRun, seq int, tc, cc grid.Combination) error {
	o.logger.Printf("[INFO] Combination %d: training %s for %s", seq, wr.plan.Model, wr.window.Label())

	started := o.now()
	cand, err := o.train(ctx, wr, tc, cc)
	elapsed := o.now().Sub(started)
	cand.Seq = seq

	rec := &models.CombinationRecord{
		RunID:         wr.runID,
		WindowIndex:   wr.index,
		Seq:           seq,
		TrainerParams: keyJSON(tc),
		CoreParams:    keyJSON(cc),
		DurationMs:    elapsed.Milliseconds(),
		CreatedAt:     o.now().UTC(),
	}

	var (
		snap     selection.Snapshot
		improved bool
	)
	if err == nil {
		snap, improved, err = wr.policy.Offer(cand)
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		o.metrics.RecordCombination(elapsed, true)
		cerr := &CombinationError{Window: wr.index, Seq: seq, Trainer: tc, Core: cc, Err: err}
		wr.summary.Failures = append(wr.summary.Failures, cerr)
		wr.summary.Criteria = append(wr.summary.Criteria, math.NaN())

		msg := err.Error()
		rec.Outcome = models.OutcomeFailed
		rec.Error = &msg
		o.record("combination", o.journal.RecordCombination(ctx, rec))
		o.logger.Printf("[WARN] Combination %d failed, continuing: %v", seq, err)
		return nil
	}

	o.metrics.RecordCombination(elapsed, false)
	wr.summary.Criteria = append(wr.summary.Criteria, cand.Criterion)
	rec.Criterion = checkpoint.Finite(cand.Criterion)
	rec.FinalValLoss = checkpoint.Finite(cand.Result.FinalValLoss())
	rec.Outcome = models.OutcomeTrained

	if improved {
		rec.Outcome = models.OutcomeImproved
		o.metrics.Improvements.Add(1)
		o.logger.Printf("[INFO] Combination %d improved %s to %.5f", seq, wr.plan.Criterion, cand.Criterion)

		scores := selectionScores(wr.plan.Criterion, snap)
		if err := o.save(wr, scores, cand.Model, cand.Trainer, tc, cc); err != nil {
			return err
		}
	}
	o.record("combination", o.journal.RecordCombination(ctx, rec))
	return nil
}

// train builds and fits one combination. Panics from collaborators are turned
// into errors so they stay confined to this grid point.
func (o *Orchestrator) train(ctx context.Context, wr *windowRun, tc, cc grid.Combination) (cand selection.Candidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("[ERROR] panic while training: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	p := wr.plan
	m, err := o.registry.Construct(p.Model, cc, p.Device)
	if err != nil {
		return cand, err
	}
	tr, err := o.newTrainer(tc)
	if err != nil {
		return cand, fmt.Errorf("build trainer: %w", err)
	}
	if err := device.Relocate(tr, p.Device); err != nil {
		return cand, fmt.Errorf("place trainer: %w", err)
	}

	res, err := tr.Train(ctx, m, wr.data)
	if err != nil {
		return cand, fmt.Errorf("train: %w", err)
	}

	criterion, ok := res.ValMetrics.Lookup(p.Criterion)
	if !ok {
		return cand, fmt.Errorf("%w: %q (have %s)", ErrMissingCriterion, p.Criterion, res.ValMetrics)
	}

	return selection.Candidate{
		Criterion: criterion,
		Model:     m,
		Trainer:   tr,
		Trainers:  tc,
		Core:      cc,
		Result:    res,
	}, nil
}

// finish restores the best model of the window and runs the evaluation and test
// passes, checkpointing after each.
func (o *Orchestrator) finish(ctx context.Context, wr *windowRun) error {
	best, err := wr.policy.Best()
	if err != nil {
		return err
	}
	p := wr.plan

	m, err := o.registry.Restore(p.Model, best.ModelState, p.Device)
	if err != nil {
		return fmt.Errorf("restore best model: %w", err)
	}
	tr, err := o.newTrainer(best.Trainers)
	if err != nil {
		return fmt.Errorf("rebuild best trainer: %w", err)
	}
	if err := device.Relocate(tr, p.Device); err != nil {
		return fmt.Errorf("place trainer: %w", err)
	}

	scores := selectionScores(p.Criterion, best)

	o.logger.Printf("[INFO] Evaluation for %s", wr.window.Label())
	evalLoss, evalMetrics, err := tr.Evaluate(ctx, m, wr.data)
	if err != nil {
		return fmt.Errorf("evaluate best model: %w", err)
	}
	scores.Stage = checkpoint.StageEvaluation
	scores.Evaluation = evalMetrics
	scores.EvalLoss = checkpoint.Finite(evalLoss)
	if err := o.save(wr, scores, m, tr, best.Trainers, best.Core); err != nil {
		return err
	}

	o.logger.Printf("[INFO] Test for %s", wr.window.Label())
	testLoss, testMetrics, err := tr.Predict(ctx, m, wr.data)
	if err != nil {
		return fmt.Errorf("test best model: %w", err)
	}
	scores.Stage = checkpoint.StageTest
	scores.Test = testMetrics
	scores.TestLoss = checkpoint.Finite(testLoss)
	if err := o.save(wr, scores, m, tr, best.Trainers, best.Core); err != nil {
		return err
	}

	wr.summary.Best = scores
	wr.summary.BestCore = best.Core
	wr.summary.BestTrainer = best.Trainers

	wr.record.BestSeq = &best.Seq
	wr.record.BestScore = checkpoint.Finite(best.Criterion)
	wr.record.EvalLoss = scores.EvalLoss
	wr.record.TestLoss = scores.TestLoss

	o.logger.Printf("[INFO] Experiment finished for %s: train %s | validation %s | evaluation %s | test %s",
		wr.window.Label(), scores.Train, scores.Validation, scores.Evaluation, scores.Test)
	return nil
}

func (o *Orchestrator) save(wr *windowRun, scores checkpoint.Scores, m experiment.Model, tr experiment.Trainer, tc, cc grid.Combination) error {
	cfg := wr.plan.Config
	cfg.RunID = wr.runID
	cfg.Bundle = wr.plan.Bundle
	cfg.Model = wr.plan.Model
	cfg.Window = wr.window
	cfg.Device = wr.plan.Device
	cfg.SelectedCriterion = wr.plan.Criterion
	cfg.Trainer = tc
	cfg.Core = cc

	started := o.now()
	_, err := o.store.Save(wr.dir, checkpoint.Bundle{
		Scores:         scores,
		Model:          m,
		Trainer:        tr,
		BatchGenerator: wr.data,
		Config:         cfg,
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	o.metrics.RecordCheckpoint(o.now().Sub(started))
	return nil
}

func selectionScores(criterion string, s selection.Snapshot) checkpoint.Scores {
	return checkpoint.Scores{
		Stage:         checkpoint.StageSelection,
		Generation:    s.Generation,
		Combination:   s.Seq,
		CriterionName: criterion,
		Criterion:     s.Criterion,
		BestScore:     checkpoint.Finite(s.Result.FinalValLoss()),
		Train:         s.Result.TrainMetrics.Clone(),
		Validation:    s.Result.ValMetrics.Clone(),
		TrainLoss:     append([]float64(nil), s.Result.TrainLoss...),
		ValLoss:       append([]float64(nil), s.Result.ValLoss...),
	}
}

func keyJSON(c grid.Combination) string {
	data, err := c.MarshalJSON()
	if err != nil {
		return c.Key()
	}
	return string(data)
}
