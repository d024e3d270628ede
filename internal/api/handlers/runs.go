package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ramonehamilton/forecast-experimenter/internal/api/response"
	"github.com/ramonehamilton/forecast-experimenter/internal/storage/models"
	"github.com/ramonehamilton/forecast-experimenter/internal/storage/repository"
)

// RunSource reads the run ledger.
type RunSource interface {
	Runs(ctx context.Context, model string, limit int) ([]*models.Run, error)
	Run(ctx context.Context, id string) (*models.Run, error)
	Windows(ctx context.Context, runID string) ([]*models.WindowRecord, error)
	Combinations(ctx context.Context, runID string, failedOnly bool) ([]*models.CombinationRecord, error)
	Outcomes(ctx context.Context, runID string) (map[string]int, error)
}

var errNoLedger = errors.New("run ledger is not configured")

// RunHandler serves the run ledger. A nil source answers 503.
type RunHandler struct {
	runs RunSource
}

// NewRunHandler creates a new RunHandler.
func NewRunHandler(runs RunSource) *RunHandler {
	return &RunHandler{runs: runs}
}

// RunDetail is a run with its windows and outcome counts.
type RunDetail struct {
	Run      *models.Run            `json:"run"`
	Windows  []*models.WindowRecord `json:"windows"`
	Outcomes map[string]int         `json:"outcomes"`
}

// GetRuns lists runs newest first. Query parameters: model, limit.
func (h *RunHandler) GetRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		response.ServiceUnavailable(w, errNoLedger)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			response.BadRequest(w, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}

	runs, err := h.runs.Runs(r.Context(), r.URL.Query().Get("model"), limit)
	if err != nil {
		response.InternalError(w, err)
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	response.List(w, runs, len(runs))
}

// GetRun returns one run with its windows.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		response.ServiceUnavailable(w, errNoLedger)
		return
	}

	id := chi.URLParam(r, "runID")
	run, err := h.runs.Run(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	windows, err := h.runs.Windows(r.Context(), id)
	if err != nil {
		response.InternalError(w, err)
		return
	}
	outcomes, err := h.runs.Outcomes(r.Context(), id)
	if err != nil {
		response.InternalError(w, err)
		return
	}
	response.Success(w, RunDetail{Run: run, Windows: windows, Outcomes: outcomes})
}

// GetCombinations lists the combinations of a run; ?failed=true keeps failures.
func (h *RunHandler) GetCombinations(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		response.ServiceUnavailable(w, errNoLedger)
		return
	}

	failedOnly := false
	if v := r.URL.Query().Get("failed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			response.BadRequest(w, fmt.Errorf("invalid failed flag %q", v))
			return
		}
		failedOnly = b
	}

	id := chi.URLParam(r, "runID")
	if _, err := h.runs.Run(r.Context(), id); err != nil {
		writeLedgerError(w, err)
		return
	}
	combos, err := h.runs.Combinations(r.Context(), id, failedOnly)
	if err != nil {
		response.InternalError(w, err)
		return
	}
	if combos == nil {
		combos = []*models.CombinationRecord{}
	}
	response.List(w, combos, len(combos))
}

func writeLedgerError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		response.NotFound(w, err)
		return
	}
	response.InternalError(w, err)
}
