package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ramonehamilton/forecast-experimenter/internal/storage/models"
)

// WindowRepository handles database operations for run windows.
type WindowRepository interface {
	// Create inserts a window when its grid search starts.
	Create(ctx context.Context, w *models.WindowRecord) error

	// Finish records the outcome of a window inside tx.
	Finish(ctx context.Context, tx *sql.Tx, w *models.WindowRecord) error

	// Get retrieves one window of a run.
	Get(ctx context.Context, runID string, index int) (*models.WindowRecord, error)

	// ListByRun returns the windows of a run in schedule order.
	ListByRun(ctx context.Context, runID string) ([]*models.WindowRecord, error)
}

type windowRepository struct {
	db *sql.DB
}

// NewWindowRepository creates a new window repository.
func NewWindowRepository(db *sql.DB) WindowRepository {
	return &windowRepository{db: db}
}

const windowColumns = `run_id, idx, start_time, end_time, experiment_id, status, best_seq, best_score,
	eval_loss, test_loss, error, started_at, finished_at`

// Create inserts a window when its grid search starts.
func (r *windowRepository) Create(ctx context.Context, w *models.WindowRecord) error {
	query := `
		INSERT INTO windows (` + windowColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		w.RunID,
		w.Index,
		formatTime(w.Start),
		formatTime(w.End),
		w.ExperimentID,
		w.Status,
		w.BestSeq,
		w.BestScore,
		w.EvalLoss,
		w.TestLoss,
		w.Error,
		formatTime(w.StartedAt),
		formatTimePtr(w.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}
	return nil
}

// Finish records the outcome of a window inside tx.
func (r *windowRepository) Finish(ctx context.Context, tx *sql.Tx, w *models.WindowRecord) error {
	query := `
		UPDATE windows
		SET status = ?, best_seq = ?, best_score = ?, eval_loss = ?, test_loss = ?, error = ?, finished_at = ?
		WHERE run_id = ? AND idx = ?
	`
	result, err := tx.ExecContext(ctx, query,
		w.Status,
		w.BestSeq,
		w.BestScore,
		w.EvalLoss,
		w.TestLoss,
		w.Error,
		formatTimePtr(w.FinishedAt),
		w.RunID,
		w.Index,
	)
	if err != nil {
		return fmt.Errorf("failed to finish window: %w", err)
	}
	return expectRow(result, fmt.Sprintf("window %s/%d", w.RunID, w.Index))
}

// Get retrieves one window of a run.
func (r *windowRepository) Get(ctx context.Context, runID string, index int) (*models.WindowRecord, error) {
	query := `SELECT ` + windowColumns + ` FROM windows WHERE run_id = ? AND idx = ?`

	w, err := scanWindow(r.db.QueryRowContext(ctx, query, runID, index))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: window %s/%d", ErrNotFound, runID, index)
	}
	return w, err
}

// ListByRun returns the windows of a run in schedule order.
func (r *windowRepository) ListByRun(ctx context.Context, runID string) ([]*models.WindowRecord, error) {
	query := `SELECT ` + windowColumns + ` FROM windows WHERE run_id = ? ORDER BY idx`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list windows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var windows []*models.WindowRecord
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

func scanWindow(s scanner) (*models.WindowRecord, error) {
	w := &models.WindowRecord{}
	var start, end, started string
	var finished, errMsg sql.NullString
	var bestSeq sql.NullInt64
	var bestScore, evalLoss, testLoss sql.NullFloat64

	err := s.Scan(
		&w.RunID,
		&w.Index,
		&start,
		&end,
		&w.ExperimentID,
		&w.Status,
		&bestSeq,
		&bestScore,
		&evalLoss,
		&testLoss,
		&errMsg,
		&started,
		&finished,
	)
	if err != nil {
		return nil, err
	}

	if w.Start, err = parseTime(start); err != nil {
		return nil, err
	}
	if w.End, err = parseTime(end); err != nil {
		return nil, err
	}
	if w.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if w.FinishedAt, err = parseTimePtr(finished); err != nil {
		return nil, err
	}
	if bestSeq.Valid {
		seq := int(bestSeq.Int64)
		w.BestSeq = &seq
	}
	w.BestScore = nullFloat(bestScore)
	w.EvalLoss = nullFloat(evalLoss)
	w.TestLoss = nullFloat(testLoss)
	w.Error = nullString(errMsg)
	return w, nil
}
