package handlers

import (
	"net/http"

	"github.com/ramonehamilton/forecast-experimenter/internal/api/response"
	"github.com/ramonehamilton/forecast-experimenter/internal/version"
)

// SystemHandler handles service-level API requests.
type SystemHandler struct {
	resultsRoot string
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(resultsRoot string) *SystemHandler {
	return &SystemHandler{resultsRoot: resultsRoot}
}

// GetVersion returns the application version.
func (h *SystemHandler) GetVersion(w http.ResponseWriter, _ *http.Request) {
	response.Success(w, map[string]string{
		"version":      version.GetVersion(),
		"service":      "forecast-experimenter-api",
		"results_root": h.resultsRoot,
	})
}
