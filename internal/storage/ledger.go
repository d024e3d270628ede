package storage

import (
	"context"
	"database/sql"

	"github.com/ramonehamilton/forecast-experimenter/internal/storage/models"
	"github.com/ramonehamilton/forecast-experimenter/internal/storage/repository"
)

// Ledger journals training runs and answers queries about them.
type Ledger struct {
	db           *DB
	runs         repository.RunRepository
	windows      repository.WindowRepository
	combinations repository.CombinationRepository
}

// NewLedger creates a ledger over an open, migrated database.
func NewLedger(db *DB) *Ledger {
	return &Ledger{
		db:           db,
		runs:         repository.NewRunRepository(db.Conn()),
		windows:      repository.NewWindowRepository(db.Conn()),
		combinations: repository.NewCombinationRepository(db.Conn()),
	}
}

// OpenLedger opens (and migrates) the ledger database at path.
func OpenLedger(path string) (*Ledger, error) {
	config := DefaultConfig(path)
	config.AutoMigrate = true
	db, err := Open(config)
	if err != nil {
		return nil, err
	}
	return NewLedger(db), nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// StartRun records a new run.
func (l *Ledger) StartRun(ctx context.Context, run *models.Run) error {
	return l.runs.Create(ctx, run)
}

// FinishRun records the final status of a run.
func (l *Ledger) FinishRun(ctx context.Context, run *models.Run) error {
	return l.runs.Finish(ctx, run)
}

// StartWindow records the start of a window's grid search.
func (l *Ledger) StartWindow(ctx context.Context, w *models.WindowRecord) error {
	return l.windows.Create(ctx, w)
}

// FinishWindow records a window's outcome and, when it completed, counts it
// on its run. Both updates land together.
func (l *Ledger) FinishWindow(ctx context.Context, w *models.WindowRecord) error {
	return l.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		if err := l.windows.Finish(ctx, tx, w); err != nil {
			return err
		}
		if w.Status != models.StatusCompleted {
			return nil
		}
		return l.runs.IncrementWindows(ctx, tx, w.RunID)
	})
}

// RecordCombination records one trained or failed combination.
func (l *Ledger) RecordCombination(ctx context.Context, c *models.CombinationRecord) error {
	return l.combinations.Create(ctx, c)
}

// Runs lists runs newest first; model filters when non-empty.
func (l *Ledger) Runs(ctx context.Context, model string, limit int) ([]*models.Run, error) {
	return l.runs.List(ctx, model, limit)
}

// Run returns one run.
func (l *Ledger) Run(ctx context.Context, id string) (*models.Run, error) {
	return l.runs.GetByID(ctx, id)
}

// Windows returns the windows of a run.
func (l *Ledger) Windows(ctx context.Context, runID string) ([]*models.WindowRecord, error) {
	return l.windows.ListByRun(ctx, runID)
}

// Combinations returns the combinations of a run; failedOnly keeps failures.
func (l *Ledger) Combinations(ctx context.Context, runID string, failedOnly bool) ([]*models.CombinationRecord, error) {
	if failedOnly {
		return l.combinations.ListFailures(ctx, runID)
	}
	return l.combinations.ListByRun(ctx, runID)
}

// Outcomes counts the combinations of a run per outcome.
func (l *Ledger) Outcomes(ctx context.Context, runID string) (map[string]int, error) {
	return l.combinations.CountByOutcome(ctx, runID)
}

// DeleteRun removes a run and everything journaled under it.
func (l *Ledger) DeleteRun(ctx context.Context, id string) error {
	return l.runs.Delete(ctx, id)
}
