package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramonehamilton/forecast-experimenter/internal/checkpoint"
	"github.com/ramonehamilton/forecast-experimenter/internal/device"
	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
	"github.com/ramonehamilton/forecast-experimenter/internal/storage"
	"github.com/ramonehamilton/forecast-experimenter/internal/storage/models"
	"github.com/ramonehamilton/forecast-experimenter/internal/window"
)

type stubModel struct{ device.Placement }

func (m *stubModel) Name() string                                  { return "stub" }
func (m *stubModel) Forecast(experiment.Sample) ([]float64, error) { return nil, nil }
func (m *stubModel) MarshalState() ([]byte, error)                 { return json.Marshal(m) }
func (m *stubModel) UnmarshalState(data []byte) error              { return json.Unmarshal(data, m) }

func (m *stubModel) Step([]experiment.Sample, experiment.StepOptions) (float64, error) {
	return 0, nil
}

type stubTrainer struct{ device.Placement }

func (t *stubTrainer) Train(context.Context, experiment.Model, experiment.BatchGenerator) (experiment.TrainResult, error) {
	return experiment.TrainResult{}, nil
}

func (t *stubTrainer) Evaluate(context.Context, experiment.Model, experiment.BatchGenerator) (float64, experiment.Metrics, error) {
	return 0, nil, nil
}

func (t *stubTrainer) Predict(context.Context, experiment.Model, experiment.BatchGenerator) (float64, experiment.Metrics, error) {
	return 0, nil, nil
}

type stubData struct{}

func (stubData) Batches(experiment.Split) [][]experiment.Sample { return nil }
func (stubData) NumSamples(experiment.Split) int                { return 0 }

var started = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, withLedger bool) (*Server, *checkpoint.Experiments) {
	t.Helper()
	exps := checkpoint.NewExperiments(t.TempDir())

	start := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := checkpoint.NewStore(checkpoint.Decoders{}).Save(exps.Dir("stub", 1), checkpoint.Bundle{
		Scores: checkpoint.Scores{
			Stage: checkpoint.StageTest, CriterionName: "mse", Criterion: 0.25,
			TestLoss: checkpoint.Finite(0.5), Test: experiment.Metrics{"mse": 0.5},
		},
		Model:          &stubModel{},
		Trainer:        &stubTrainer{},
		BatchGenerator: stubData{},
		Config: checkpoint.RunConfig{
			RunID:  "run-1",
			Model:  "stub",
			Window: window.Window{Start: start, End: start.AddDate(1, 0, 0).Add(-time.Hour)},
		},
	})
	require.NoError(t, err)
	// A directory without a committed checkpoint.
	require.NoError(t, os.MkdirAll(exps.Dir("stub", 2), 0o755))

	deps := Deps{Experiments: exps}
	if withLedger {
		ledger := storage.NewTestLedger(t)
		ctx := context.Background()
		run := &models.Run{ID: "run-1", Bundle: "default", Model: "stub", Device: "cpu", Criterion: "mse", Status: models.StatusRunning, StartedAt: started}
		require.NoError(t, ledger.StartRun(ctx, run))
		require.NoError(t, ledger.StartWindow(ctx, &models.WindowRecord{RunID: "run-1", ExperimentID: 1, Status: models.StatusRunning, Start: start, End: start.AddDate(1, 0, 0), StartedAt: started}))
		require.NoError(t, ledger.RecordCombination(ctx, &models.CombinationRecord{RunID: "run-1", Seq: 0, TrainerParams: "{}", CoreParams: "{}", Outcome: models.OutcomeImproved, CreatedAt: started}))
		errText := "boom"
		require.NoError(t, ledger.RecordCombination(ctx, &models.CombinationRecord{RunID: "run-1", Seq: 1, TrainerParams: "{}", CoreParams: "{}", Outcome: models.OutcomeFailed, Error: &errText, CreatedAt: started}))
		deps.Runs = ledger
	}

	s, err := NewServer(nil, deps)
	require.NoError(t, err)
	return s, exps
}

func get(t *testing.T, s *Server, path string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, Deps{})
	assert.Error(t, err)

	s, err := NewServer(&Config{Port: 9999}, Deps{Experiments: checkpoint.NewExperiments(t.TempDir())})
	require.NoError(t, err)
	assert.Equal(t, 9999, s.Port())
	assert.NotNil(t, s.WebSocketHub())
}

func TestHealthCheck(t *testing.T) {
	s, _ := newTestServer(t, false)

	var body map[string]any
	assert.Equal(t, http.StatusOK, get(t, s, "/health", &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["ledger"])
}

func TestExperimentRoutes(t *testing.T) {
	s, _ := newTestServer(t, false)

	var modelsResp struct {
		Data  []string `json:"data"`
		Count int      `json:"count"`
	}
	assert.Equal(t, http.StatusOK, get(t, s, "/api/v1/models", &modelsResp))
	assert.Equal(t, []string{"stub"}, modelsResp.Data)

	var list struct {
		Data []struct {
			ID        int      `json:"id"`
			Stage     string   `json:"stage"`
			Criterion float64  `json:"criterion"`
			TestLoss  *float64 `json:"test_loss"`
			RunID     string   `json:"run_id"`
		} `json:"data"`
		Count int `json:"count"`
	}
	assert.Equal(t, http.StatusOK, get(t, s, "/api/v1/models/stub/experiments", &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, 1, list.Data[0].ID)
	assert.Equal(t, checkpoint.StageTest, list.Data[0].Stage)
	assert.Equal(t, 0.25, list.Data[0].Criterion)
	require.NotNil(t, list.Data[0].TestLoss)
	assert.Equal(t, 0.5, *list.Data[0].TestLoss)
	assert.Equal(t, "run-1", list.Data[0].RunID)

	var detail struct {
		Data struct {
			Manifest checkpoint.Manifest  `json:"manifest"`
			Scores   checkpoint.Scores    `json:"scores"`
			Config   checkpoint.RunConfig `json:"config"`
		} `json:"data"`
	}
	assert.Equal(t, http.StatusOK, get(t, s, "/api/v1/models/stub/experiments/1", &detail))
	assert.Equal(t, "stub", detail.Data.Manifest.Model)
	assert.Equal(t, "mse", detail.Data.Scores.CriterionName)
	assert.Equal(t, 2000, detail.Data.Config.Window.Start.Year())

	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/v1/models/stub/experiments/2", nil))
	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/v1/models/other/experiments/1", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/v1/models/stub/experiments/zero", nil))

	var empty struct {
		Count int `json:"count"`
	}
	assert.Equal(t, http.StatusOK, get(t, s, "/api/v1/models/other/experiments", &empty))
	assert.Equal(t, 0, empty.Count)
}

func TestRunRoutes(t *testing.T) {
	s, _ := newTestServer(t, true)

	var runs struct {
		Data  []models.Run `json:"data"`
		Count int          `json:"count"`
	}
	assert.Equal(t, http.StatusOK, get(t, s, "/api/v1/runs?model=stub", &runs))
	require.Equal(t, 1, runs.Count)
	assert.Equal(t, "run-1", runs.Data[0].ID)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/v1/runs?limit=-1", nil))

	var detail struct {
		Data struct {
			Run      models.Run            `json:"run"`
			Windows  []models.WindowRecord `json:"windows"`
			Outcomes map[string]int        `json:"outcomes"`
		} `json:"data"`
	}
	assert.Equal(t, http.StatusOK, get(t, s, "/api/v1/runs/run-1", &detail))
	assert.Len(t, detail.Data.Windows, 1)
	assert.Equal(t, map[string]int{models.OutcomeImproved: 1, models.OutcomeFailed: 1}, detail.Data.Outcomes)

	var combos struct {
		Data  []models.CombinationRecord `json:"data"`
		Count int                        `json:"count"`
	}
	assert.Equal(t, http.StatusOK, get(t, s, "/api/v1/runs/run-1/combinations", &combos))
	assert.Equal(t, 2, combos.Count)
	assert.Equal(t, http.StatusOK, get(t, s, "/api/v1/runs/run-1/combinations?failed=true", &combos))
	require.Equal(t, 1, combos.Count)
	assert.Equal(t, 1, combos.Data[0].Seq)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/v1/runs/missing", nil))
	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/v1/runs/missing/combinations", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/v1/runs/run-1/combinations?failed=maybe", nil))
}

func TestRunRoutes_NoLedger(t *testing.T) {
	s, _ := newTestServer(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/api/v1/runs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/api/v1/runs/run-1", nil))
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	s, err := NewServer(&Config{Port: 0}, Deps{Experiments: checkpoint.NewExperiments(t.TempDir())})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	require.Eventually(t, s.WebSocketHub().IsStopped, 2*time.Second, 10*time.Millisecond)
}
