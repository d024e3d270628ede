package models

import "time"

// Run and window statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Combination outcomes.
const (
	OutcomeTrained  = "trained"
	OutcomeImproved = "improved"
	OutcomeFailed   = "failed"
)

// Run is one invocation of the training pipeline.
type Run struct {
	ID               string     `json:"id"`
	Bundle           string     `json:"bundle"`
	Model            string     `json:"model"`
	Device           string     `json:"device"`
	Criterion        string     `json:"criterion"`
	Status           string     `json:"status"`
	Error            *string    `json:"error,omitempty"` // Nullable
	WindowsCompleted int        `json:"windows_completed"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"` // Nullable
}

// WindowRecord is the grid search of one time window within a run.
type WindowRecord struct {
	RunID        string     `json:"run_id"`
	Index        int        `json:"index"`
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	ExperimentID int        `json:"experiment_id"`
	Status       string     `json:"status"`
	BestSeq      *int       `json:"best_seq,omitempty"`   // Nullable: combination that won
	BestScore    *float64   `json:"best_score,omitempty"` // Nullable: winning criterion value
	EvalLoss     *float64   `json:"eval_loss,omitempty"`
	TestLoss     *float64   `json:"test_loss,omitempty"`
	Error        *string    `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// CombinationRecord is one trained (or failed) grid point.
type CombinationRecord struct {
	RunID         string    `json:"run_id"`
	WindowIndex   int       `json:"window_index"`
	Seq           int       `json:"seq"`
	TrainerParams string    `json:"trainer_params"`      // JSON
	CoreParams    string    `json:"core_params"`         // JSON
	Criterion     *float64  `json:"criterion,omitempty"` // Nullable: absent for failures
	FinalValLoss  *float64  `json:"final_val_loss,omitempty"`
	Outcome       string    `json:"outcome"`
	Error         *string   `json:"error,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
}
