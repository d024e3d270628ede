package watch

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramonehamilton/forecast-experimenter/internal/checkpoint"
	"github.com/ramonehamilton/forecast-experimenter/internal/device"
	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
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

func save(t *testing.T, dir, stage string) {
	t.Helper()
	_, err := checkpoint.NewStore(checkpoint.Decoders{}).Save(dir, checkpoint.Bundle{
		Scores:         checkpoint.Scores{Stage: stage, CriterionName: "mse"},
		Model:          &stubModel{},
		Trainer:        &stubTrainer{},
		BatchGenerator: stubData{},
		Config:         checkpoint.RunConfig{Model: "stub", RunID: "run-1"},
	})
	require.NoError(t, err)
}

func start(t *testing.T, root string) (<-chan Event, *Watcher) {
	t.Helper()
	w := New(root, Options{Debounce: 150 * time.Millisecond, Rate: 100, Burst: 10, Logger: log.New(io.Discard, "", 0)})

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, 16)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(e Event) { events <- e })
	}()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})

	select {
	case <-w.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not start")
	}
	return events, w
}

func next(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no checkpoint event")
		return Event{}
	}
}

func TestWatcher_ReportsNewCheckpoints(t *testing.T) {
	root := t.TempDir()
	events, _ := start(t, root)

	dir := filepath.Join(root, "stub", "exp_1")
	save(t, dir, checkpoint.StageSelection)

	e := next(t, events)
	assert.Equal(t, "stub", e.Model)
	assert.Equal(t, 1, e.ExperimentID)
	assert.Equal(t, dir, e.Dir)
	assert.Equal(t, "run-1", e.RunID)
	assert.False(t, e.SavedAt.IsZero())
}

func TestWatcher_CoalescesBurstsAndSkipsExisting(t *testing.T) {
	root := t.TempDir()
	old := filepath.Join(root, "stub", "exp_1")
	save(t, old, checkpoint.StageTest)

	events, _ := start(t, root)

	dir := filepath.Join(root, "stub", "exp_2")
	save(t, dir, checkpoint.StageSelection)
	save(t, dir, checkpoint.StageEvaluation)
	save(t, dir, checkpoint.StageTest)

	e := next(t, events)
	assert.Equal(t, 2, e.ExperimentID)
	assert.Equal(t, checkpoint.StageTest, e.Stage)

	select {
	case extra := <-events:
		t.Fatalf("unexpected event %+v", extra)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatcher_IgnoresStrayFiles(t *testing.T) {
	root := t.TempDir()
	events, _ := start(t, root)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "stub", "scratch"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stub", "scratch", checkpoint.ManifestFile), []byte("{}"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "stub", "exp_1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stub", "exp_1", checkpoint.ManifestFile), []byte("not json"), 0o644))

	select {
	case e := <-events:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(400 * time.Millisecond):
	}
}
