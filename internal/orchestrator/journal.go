package orchestrator

import (
	"context"

	"github.com/ramonehamilton/forecast-experimenter/internal/storage/models"
)

// Journal records the progress of a run. Implementations must not block for long;
// journal errors are logged and never abort a run.
type Journal interface {
	StartRun(ctx context.Context, run *models.Run) error
	FinishRun(ctx context.Context, run *models.Run) error
	StartWindow(ctx context.Context, w *models.WindowRecord) error
	FinishWindow(ctx context.Context, w *models.WindowRecord) error
	RecordCombination(ctx context.Context, c *models.CombinationRecord) error
}

type nopJournal struct{}

func (nopJournal) StartRun(context.Context, *models.Run) error                        { return nil }
func (nopJournal) FinishRun(context.Context, *models.Run) error                       { return nil }
func (nopJournal) StartWindow(context.Context, *models.WindowRecord) error            { return nil }
func (nopJournal) FinishWindow(context.Context, *models.WindowRecord) error           { return nil }
func (nopJournal) RecordCombination(context.Context, *models.CombinationRecord) error { return nil }
