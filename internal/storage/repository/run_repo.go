package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ramonehamilton/forecast-experimenter/internal/storage/models"
)

// ErrNotFound is returned when a ledger row does not exist.
var ErrNotFound = errors.New("ledger: not found")

const timeLayout = time.RFC3339Nano

// RunRepository handles database operations for training runs.
type RunRepository interface {
	// Create inserts a new run.
	Create(ctx context.Context, run *models.Run) error

	// Finish records the final status of a run.
	Finish(ctx context.Context, run *models.Run) error

	// GetByID retrieves a run by ID.
	GetByID(ctx context.Context, id string) (*models.Run, error)

	// List returns runs newest first, optionally filtered by model.
	List(ctx context.Context, model string, limit int) ([]*models.Run, error)

	// IncrementWindows bumps the completed window count of a run inside tx.
	IncrementWindows(ctx context.Context, tx *sql.Tx, id string) error

	// Delete removes a run together with its windows and combinations.
	Delete(ctx context.Context, id string) error
}

type runRepository struct {
	db *sql.DB
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB) RunRepository {
	return &runRepository{db: db}
}

// Create inserts a new run.
func (r *runRepository) Create(ctx context.Context, run *models.Run) error {
	query := `
		INSERT INTO runs (id, bundle, model, device, criterion, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.Bundle,
		run.Model,
		run.Device,
		run.Criterion,
		run.Status,
		run.Error,
		formatTime(run.StartedAt),
		formatTimePtr(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// Finish records the final status of a run.
func (r *runRepository) Finish(ctx context.Context, run *models.Run) error {
	query := `UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, run.Status, run.Error, formatTimePtr(run.FinishedAt), run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return expectRow(result, "run "+run.ID)
}

// GetByID retrieves a run by ID.
func (r *runRepository) GetByID(ctx context.Context, id string) (*models.Run, error) {
	query := `
		SELECT id, bundle, model, device, criterion, status, error, windows_completed, started_at, finished_at
		FROM runs
		WHERE id = ?
	`
	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return run, err
}

// List returns runs newest first, optionally filtered by model.
func (r *runRepository) List(ctx context.Context, model string, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, bundle, model, device, criterion, status, error, windows_completed, started_at, finished_at
		FROM runs
		WHERE (? = '' OR model = ?)
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, model, model, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// IncrementWindows bumps the completed window count of a run inside tx.
func (r *runRepository) IncrementWindows(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE runs SET windows_completed = windows_completed + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to update run windows: %w", err)
	}
	return nil
}

// Delete removes a run together with its windows and combinations.
func (r *runRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return expectRow(result, "run "+id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*models.Run, error) {
	run := &models.Run{}
	var started string
	var finished sql.NullString
	var errMsg sql.NullString

	err := s.Scan(
		&run.ID,
		&run.Bundle,
		&run.Model,
		&run.Device,
		&run.Criterion,
		&run.Status,
		&errMsg,
		&run.WindowsCompleted,
		&started,
		&finished,
	)
	if err != nil {
		return nil, err
	}

	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseTimePtr(finished); err != nil {
		return nil, err
	}
	run.Error = nullString(errMsg)
	return run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func expectRow(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return nil
}
