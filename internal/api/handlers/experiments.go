package handlers

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ramonehamilton/forecast-experimenter/internal/api/response"
	"github.com/ramonehamilton/forecast-experimenter/internal/checkpoint"
	"github.com/ramonehamilton/forecast-experimenter/internal/window"
)

// ExperimentHandler serves the checkpoints under a results root.
type ExperimentHandler struct {
	experiments *checkpoint.Experiments
}

// NewExperimentHandler creates a new ExperimentHandler.
func NewExperimentHandler(experiments *checkpoint.Experiments) *ExperimentHandler {
	return &ExperimentHandler{experiments: experiments}
}

// ExperimentSummary is one row of an experiment listing.
type ExperimentSummary struct {
	ID            int           `json:"id"`
	Stage         string        `json:"stage"`
	Window        window.Window `json:"window"`
	CriterionName string        `json:"criterion_name"`
	Criterion     float64       `json:"criterion"`
	EvalLoss      *float64      `json:"eval_loss,omitempty"`
	TestLoss      *float64      `json:"test_loss,omitempty"`
	RunID         string        `json:"run_id,omitempty"`
	SavedAt       time.Time     `json:"saved_at"`
}

// ExperimentDetail is the full committed state of one experiment.
type ExperimentDetail struct {
	Manifest *checkpoint.Manifest `json:"manifest"`
	Scores   checkpoint.Scores    `json:"scores"`
	Config   checkpoint.RunConfig `json:"config"`
}

// GetModels lists the models that have experiments.
func (h *ExperimentHandler) GetModels(w http.ResponseWriter, _ *http.Request) {
	names, err := h.experiments.Models()
	if err != nil {
		response.InternalError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	response.List(w, names, len(names))
}

// GetExperiments lists the committed experiments of a model. Directories without
// a valid checkpoint are left out.
func (h *ExperimentHandler) GetExperiments(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	ids, err := h.experiments.List(model)
	if err != nil {
		response.InternalError(w, err)
		return
	}

	out := make([]ExperimentSummary, 0, len(ids))
	for _, id := range ids {
		m, scores, cfg, err := checkpoint.LoadScores(h.experiments.Dir(model, id))
		if err != nil {
			log.Printf("[DEBUG] Skipping %s exp_%d: %v", model, id, err)
			continue
		}
		out = append(out, ExperimentSummary{
			ID:            id,
			Stage:         scores.Stage,
			Window:        cfg.Window,
			CriterionName: scores.CriterionName,
			Criterion:     scores.Criterion,
			EvalLoss:      scores.EvalLoss,
			TestLoss:      scores.TestLoss,
			RunID:         m.RunID,
			SavedAt:       m.SavedAt,
		})
	}
	response.List(w, out, len(out))
}

// GetExperiment returns the manifest, scores and config of one experiment.
func (h *ExperimentHandler) GetExperiment(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		response.BadRequest(w, fmt.Errorf("invalid experiment id %q", chi.URLParam(r, "id")))
		return
	}

	m, scores, cfg, err := checkpoint.LoadScores(h.experiments.Dir(model, id))
	if err != nil {
		if errors.Is(err, checkpoint.ErrCheckpointNotFound) {
			response.NotFound(w, fmt.Errorf("experiment %s/exp_%d not found", model, id))
			return
		}
		response.InternalError(w, err)
		return
	}
	response.Success(w, ExperimentDetail{Manifest: m, Scores: scores, Config: cfg})
}
