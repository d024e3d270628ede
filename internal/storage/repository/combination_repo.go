package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ramonehamilton/forecast-experimenter/internal/storage/models"
)

// CombinationRepository handles database operations for trained grid points.
type CombinationRepository interface {
	// Create records one trained or failed combination.
	Create(ctx context.Context, c *models.CombinationRecord) error

	// ListByRun returns every combination of a run in training order.
	ListByRun(ctx context.Context, runID string) ([]*models.CombinationRecord, error)

	// ListFailures returns the failed combinations of a run.
	ListFailures(ctx context.Context, runID string) ([]*models.CombinationRecord, error)

	// CountByOutcome counts the combinations of a run per outcome.
	CountByOutcome(ctx context.Context, runID string) (map[string]int, error)
}

type combinationRepository struct {
	db *sql.DB
}

// NewCombinationRepository creates a new combination repository.
func NewCombinationRepository(db *sql.DB) CombinationRepository {
	return &combinationRepository{db: db}
}

const combinationColumns = `run_id, window_idx, seq, trainer_params, core_params, criterion, final_val_loss,
	outcome, error, duration_ms, created_at`

// Create records one trained or failed combination.
func (r *combinationRepository) Create(ctx context.Context, c *models.CombinationRecord) error {
	query := `
		INSERT INTO combinations (` + combinationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		c.RunID,
		c.WindowIndex,
		c.Seq,
		c.TrainerParams,
		c.CoreParams,
		c.Criterion,
		c.FinalValLoss,
		c.Outcome,
		c.Error,
		c.DurationMs,
		formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record combination: %w", err)
	}
	return nil
}

// ListByRun returns every combination of a run in training order.
func (r *combinationRepository) ListByRun(ctx context.Context, runID string) ([]*models.CombinationRecord, error) {
	query := `SELECT ` + combinationColumns + ` FROM combinations WHERE run_id = ? ORDER BY window_idx, seq`
	return r.query(ctx, query, runID)
}

// ListFailures returns the failed combinations of a run.
func (r *combinationRepository) ListFailures(ctx context.Context, runID string) ([]*models.CombinationRecord, error) {
	query := `SELECT ` + combinationColumns + ` FROM combinations WHERE run_id = ? AND outcome = ? ORDER BY window_idx, seq`
	return r.query(ctx, query, runID, models.OutcomeFailed)
}

// CountByOutcome counts the combinations of a run per outcome.
func (r *combinationRepository) CountByOutcome(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM combinations WHERE run_id = ? GROUP BY outcome`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count combinations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[string]int{}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

func (r *combinationRepository) query(ctx context.Context, query string, args ...any) ([]*models.CombinationRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list combinations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.CombinationRecord
	for rows.Next() {
		c := &models.CombinationRecord{}
		var created string
		var criterion, valLoss sql.NullFloat64
		var errMsg sql.NullString

		err := rows.Scan(
			&c.RunID,
			&c.WindowIndex,
			&c.Seq,
			&c.TrainerParams,
			&c.CoreParams,
			&criterion,
			&valLoss,
			&c.Outcome,
			&errMsg,
			&c.DurationMs,
			&created,
		)
		if err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		c.Criterion = nullFloat(criterion)
		c.FinalValLoss = nullFloat(valLoss)
		c.Error = nullString(errMsg)
		out = append(out, c)
	}
	return out, rows.Err()
}
