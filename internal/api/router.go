package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ramonehamilton/forecast-experimenter/internal/api/handlers"
	"github.com/ramonehamilton/forecast-experimenter/internal/api/response"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ws", s.wsHub.ServeWs)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/version", handlers.NewSystemHandler(s.experiments.Root).GetVersion)

		experimentHandler := handlers.NewExperimentHandler(s.experiments)
		r.Route("/models", func(r chi.Router) {
			r.Get("/", experimentHandler.GetModels)
			r.Get("/{model}/experiments", experimentHandler.GetExperiments)
			r.Get("/{model}/experiments/{id}", experimentHandler.GetExperiment)
		})

		runHandler := handlers.NewRunHandler(s.runs)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runHandler.GetRuns)
			r.Get("/{runID}", runHandler.GetRun)
			r.Get("/{runID}/combinations", runHandler.GetCombinations)
		})
	})
}

// healthCheck returns server health status.
func (s *Server) healthCheck(w http.ResponseWriter, _ *http.Request) {
	response.JSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"service":    "forecast-experimenter-api",
		"ledger":     s.runs != nil,
		"ws_clients": s.wsHub.ClientCount(),
	})
}
