package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramonehamilton/forecast-experimenter/internal/checkpoint"
	"github.com/ramonehamilton/forecast-experimenter/internal/device"
	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
	"github.com/ramonehamilton/forecast-experimenter/internal/grid"
	"github.com/ramonehamilton/forecast-experimenter/internal/model"
	"github.com/ramonehamilton/forecast-experimenter/internal/selection"
	"github.com/ramonehamilton/forecast-experimenter/internal/storage/models"
	"github.com/ramonehamilton/forecast-experimenter/internal/window"
)

// fakeModel's quality becomes its validation mse; behaviour switches on core params.
type fakeModel struct {
	device.Placement
	Quality float64 `json:"quality"`
	Mode    string  `json:"mode"`
	Trained int     `json:"trained"`
}

func (m *fakeModel) Name() string { return "fake" }
func (m *fakeModel) Forecast(s experiment.Sample) ([]float64, error) {
	return s.Target, nil
}
func (m *fakeModel) Step([]experiment.Sample, experiment.StepOptions) (float64, error) {
	m.Trained++
	return m.Quality, nil
}
func (m *fakeModel) MarshalState() ([]byte, error) { return json.Marshal(m) }
func (m *fakeModel) UnmarshalState(data []byte) error {
	return json.Unmarshal(data, m)
}

func newFakeModel(c grid.Combination) (experiment.Model, error) {
	q, err := c.Float("quality")
	if err != nil {
		return nil, err
	}
	mode, _ := c.Get("mode")
	s, _ := mode.(string)
	return &fakeModel{Quality: q, Mode: s}, nil
}

func restoreFakeModel(state []byte) (experiment.Model, error) {
	m := &fakeModel{}
	return m, m.UnmarshalState(state)
}

// fakeTrainer scales model quality by its factor.
type fakeTrainer struct {
	device.Placement
	Factor float64 `json:"factor"`
}

func newFakeTrainer(c grid.Combination) (experiment.Trainer, error) {
	f, err := c.FloatOr(1, "factor")
	if err != nil {
		return nil, err
	}
	return &fakeTrainer{Factor: f}, nil
}

func (t *fakeTrainer) Train(ctx context.Context, m experiment.Model, _ experiment.BatchGenerator) (experiment.TrainResult, error) {
	fm := m.(*fakeModel)
	switch fm.Mode {
	case "fail":
		return experiment.TrainResult{}, errors.New("diverged")
	case "panic":
		panic("index out of range")
	case "nocriterion":
		return experiment.TrainResult{ValMetrics: experiment.Metrics{"mae": 1}}, nil
	}
	if _, err := m.Step(nil, experiment.StepOptions{}); err != nil {
		return experiment.TrainResult{}, err
	}
	score := fm.Quality * t.Factor
	return experiment.TrainResult{
		TrainLoss:    []float64{score + 1},
		ValLoss:      []float64{score + 0.5},
		TrainMetrics: experiment.Metrics{"mse": score + 1},
		ValMetrics:   experiment.Metrics{"mse": score},
	}, nil
}

func (t *fakeTrainer) Evaluate(context.Context, experiment.Model, experiment.BatchGenerator) (float64, experiment.Metrics, error) {
	return 0.5, experiment.Metrics{"mse": 0.5}, nil
}

func (t *fakeTrainer) Predict(context.Context, experiment.Model, experiment.BatchGenerator) (float64, experiment.Metrics, error) {
	return 0.75, experiment.Metrics{"mse": 0.75}, nil
}

type fakeData struct {
	Label string `json:"label"`
}

func (d *fakeData) Batches(experiment.Split) [][]experiment.Sample { return nil }
func (d *fakeData) NumSamples(experiment.Split) int                { return 0 }

type fakeBuilder struct {
	builds int
	err    error
}

func (b *fakeBuilder) Build(_ context.Context, w window.Window) (experiment.BatchGenerator, error) {
	b.builds++
	if b.err != nil {
		return nil, b.err
	}
	return &fakeData{Label: w.Label()}, nil
}

// memJournal keeps every record in memory.
type memJournal struct {
	mu           sync.Mutex
	runs         []models.Run
	windows      []models.WindowRecord
	combinations []models.CombinationRecord
}

func (j *memJournal) StartRun(_ context.Context, r *models.Run) error { return nil }
func (j *memJournal) FinishRun(_ context.Context, r *models.Run) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs = append(j.runs, *r)
	return nil
}
func (j *memJournal) StartWindow(context.Context, *models.WindowRecord) error { return nil }
func (j *memJournal) FinishWindow(_ context.Context, w *models.WindowRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.windows = append(j.windows, *w)
	return nil
}
func (j *memJournal) RecordCombination(_ context.Context, c *models.CombinationRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.combinations = append(j.combinations, *c)
	return nil
}

type fixture struct {
	orch    *Orchestrator
	store   *checkpoint.Store
	exps    *checkpoint.Experiments
	journal *memJournal
	builder *fakeBuilder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := model.NewRegistry()
	reg.MustRegister("fake", model.Entry{Construct: newFakeModel, Restore: restoreFakeModel})

	store := checkpoint.NewStore(checkpoint.Decoders{
		Model: func(name string, state []byte) (experiment.Model, error) {
			return reg.Restore(name, state, device.CPU)
		},
		Trainer: func(data []byte) (experiment.Trainer, error) {
			tr := &fakeTrainer{}
			return tr, json.Unmarshal(data, tr)
		},
		BatchGenerator: func(data []byte) (experiment.BatchGenerator, error) {
			d := &fakeData{}
			return d, json.Unmarshal(data, d)
		},
	})
	exps := checkpoint.NewExperiments(filepath.Join(t.TempDir(), "results"))
	journal := &memJournal{}

	orch, err := New(Options{
		Registry:    reg,
		NewTrainer:  newFakeTrainer,
		Store:       store,
		Experiments: exps,
		Journal:     journal,
		Logger:      log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)

	return &fixture{orch: orch, store: store, exps: exps, journal: journal, builder: &fakeBuilder{}}
}

func threeWindows(t *testing.T) []window.Window {
	t.Helper()
	ws, err := window.Schedule(
		time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2001, 6, 30, 0, 0, 0, 0, time.UTC), 3, 12)
	require.NoError(t, err)
	require.Len(t, ws, 3)
	return ws
}

func (f *fixture) plan(t *testing.T, core *grid.Space) Plan {
	return Plan{
		Bundle:    "test",
		Model:     "fake",
		Device:    "cuda:0",
		Criterion: "mse",
		Windows:   threeWindows(t),
		Trainer:   grid.NewSpace(grid.E("factor", grid.Candidates(1.0, 2.0))),
		Core:      core,
		Data:      f.builder,
	}
}

func TestRun_ThreeWindowsTwoByTwoGrid(t *testing.T) {
	f := newFixture(t)
	p := f.plan(t, grid.NewSpace(grid.E("quality", grid.Candidates(3.0, 1.0))))

	summary, err := f.orch.Run(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, summary.Windows, 3)
	assert.Equal(t, 3, f.builder.builds)

	ids, err := f.exps.List("fake")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ids)

	for i, ws := range summary.Windows {
		assert.Equal(t, i+1, ws.ExperimentID)
		assert.Equal(t, 4, ws.Combinations)
		// trainer outer, core inner: (1,3) (1,1) (2,3) (2,1)
		assert.Equal(t, []float64{3, 1, 6, 2}, ws.Criteria)
		for _, c := range ws.Criteria {
			assert.LessOrEqual(t, ws.Best.Criterion, c)
		}
		assert.Equal(t, 1, ws.Best.Combination)
		assert.Empty(t, ws.Failures)

		b, m, err := f.store.Load(f.exps.Dir("fake", ws.ExperimentID))
		require.NoError(t, err)
		assert.Equal(t, checkpoint.StageTest, m.Stage)
		assert.Equal(t, 1.0, b.Scores.Criterion)
		require.NotNil(t, b.Scores.TestLoss)
		assert.Equal(t, 0.75, *b.Scores.TestLoss)
		require.NotNil(t, b.Scores.EvalLoss)
		assert.Equal(t, 0.5, *b.Scores.EvalLoss)
		require.NotNil(t, b.Scores.BestScore)
		assert.Equal(t, 1.5, *b.Scores.BestScore)

		// every artifact describes the winning combination
		q, err := b.Config.Core.Float("quality")
		require.NoError(t, err)
		assert.Equal(t, 1.0, q)
		factor, err := b.Config.Trainer.Float("factor")
		require.NoError(t, err)
		assert.Equal(t, 1.0, factor)
		assert.Equal(t, 1.0, b.Model.(*fakeModel).Quality)
		assert.Equal(t, 1.0, b.Trainer.(*fakeTrainer).Factor)
		assert.Equal(t, ws.Window.Label(), b.BatchGenerator.(*fakeData).Label)
		assert.Equal(t, ws.Window, b.Config.Window)
		assert.Equal(t, summary.RunID, b.Config.RunID)
	}

	stats := f.orch.Metrics().GetStats()
	assert.Equal(t, uint64(12), stats.CombinationsRun)
	assert.Equal(t, uint64(6), stats.Improvements)
	// two improvements plus evaluation and test per window
	assert.Equal(t, uint64(12), stats.CheckpointsSaved)

	require.Len(t, f.journal.runs, 1)
	assert.Equal(t, models.StatusCompleted, f.journal.runs[0].Status)
	assert.Len(t, f.journal.windows, 3)
	assert.Len(t, f.journal.combinations, 12)
	assert.Equal(t, models.OutcomeImproved, f.journal.combinations[0].Outcome)
	assert.Equal(t, `{"factor":1.0}`, f.journal.combinations[0].TrainerParams)
}

func TestRun_TiesKeepEarliestCombination(t *testing.T) {
	f := newFixture(t)
	p := f.plan(t, grid.NewSpace(
		grid.E("quality", grid.Scalar(2.0)),
		grid.E("tag", grid.Candidates("a", "b")),
	))
	p.Windows = p.Windows[:1]
	p.Trainer = grid.NewSpace(grid.E("factor", grid.Scalar(1.0)))

	summary, err := f.orch.Run(context.Background(), p)
	require.NoError(t, err)
	ws := summary.Windows[0]
	assert.Equal(t, 0, ws.Best.Combination)
	tag, err := ws.BestCore.Text("tag")
	require.NoError(t, err)
	assert.Equal(t, "a", tag)
}

func TestRun_IsolatesFailingCombinations(t *testing.T) {
	f := newFixture(t)
	p := f.plan(t, grid.NewSpace(
		grid.E("quality", grid.Scalar(1.0)),
		grid.E("mode", grid.Candidates("fail", "ok", "panic", "nocriterion")),
	))
	p.Windows = p.Windows[:1]
	p.Trainer = grid.NewSpace(grid.E("factor", grid.Scalar(1.0)))

	summary, err := f.orch.Run(context.Background(), p)
	require.NoError(t, err)

	ws := summary.Windows[0]
	assert.Equal(t, 4, ws.Combinations)
	require.Len(t, ws.Failures, 3)
	assert.Equal(t, []int{0, 2, 3}, []int{ws.Failures[0].Seq, ws.Failures[1].Seq, ws.Failures[2].Seq})
	assert.ErrorIs(t, ws.Failures[2], ErrMissingCriterion)
	assert.Contains(t, ws.Failures[1].Error(), "panic")
	assert.Equal(t, 1, ws.Best.Combination)
	assert.Len(t, summary.Failures(), 3)

	var failed int
	for _, c := range f.journal.combinations {
		if c.Outcome == models.OutcomeFailed {
			failed++
			require.NotNil(t, c.Error)
			assert.Nil(t, c.Criterion)
		}
	}
	assert.Equal(t, 3, failed)
	assert.Equal(t, uint64(3), f.orch.Metrics().GetStats().CombinationsFailed)
}

func TestRun_SnapshotFailureSkipsCombination(t *testing.T) {
	f := newFixture(t)
	f.orch.encodeTrainer = func(tr experiment.Trainer) ([]byte, error) {
		if tr.(*fakeTrainer).Factor == 1.0 {
			return nil, errors.New("trainer not encodable")
		}
		return json.Marshal(tr)
	}

	p := f.plan(t, grid.NewSpace(grid.E("quality", grid.Candidates(1.0, 2.0))))
	p.Windows = p.Windows[:1]

	summary, err := f.orch.Run(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, summary.Windows, 1)

	ws := summary.Windows[0]
	assert.Equal(t, 4, ws.Combinations)
	require.Len(t, ws.Failures, 2)
	assert.Equal(t, []int{0, 1}, []int{ws.Failures[0].Seq, ws.Failures[1].Seq})
	assert.Contains(t, ws.Failures[0].Error(), "trainer not encodable")
	assert.Equal(t, 2, ws.Best.Combination)

	outcomes := make([]string, len(f.journal.combinations))
	for i, c := range f.journal.combinations {
		outcomes[i] = c.Outcome
	}
	assert.Equal(t, []string{
		models.OutcomeFailed, models.OutcomeFailed, models.OutcomeImproved, models.OutcomeTrained,
	}, outcomes)
	assert.Equal(t, uint64(2), f.orch.Metrics().GetStats().CombinationsFailed)

	require.NoError(t, checkpoint.Verify(f.exps.Dir("fake", ws.ExperimentID)))
}

func TestRun_NoFiniteCriterionFailsWindow(t *testing.T) {
	f := newFixture(t)
	p := f.plan(t, grid.NewSpace(
		grid.E("quality", grid.Scalar(1.0)),
		grid.E("mode", grid.Scalar("fail")),
	))

	summary, err := f.orch.Run(context.Background(), p)
	assert.ErrorIs(t, err, selection.ErrNoSelection)
	assert.Empty(t, summary.Windows)

	require.Len(t, f.journal.runs, 1)
	assert.Equal(t, models.StatusFailed, f.journal.runs[0].Status)
	require.Len(t, f.journal.windows, 1)
	assert.Equal(t, models.StatusFailed, f.journal.windows[0].Status)
}

func TestRun_ConfigErrorsSurfaceBeforeTraining(t *testing.T) {
	f := newFixture(t)

	p := f.plan(t, grid.NewSpace(grid.E("quality", grid.Candidates())))
	_, err := f.orch.Run(context.Background(), p)
	assert.ErrorIs(t, err, grid.ErrConfig)

	p = f.plan(t, grid.NewSpace(grid.E("quality", grid.Scalar(1.0))))
	p.Model = "unknown"
	_, err = f.orch.Run(context.Background(), p)
	assert.ErrorIs(t, err, model.ErrUnknownModel)

	assert.Equal(t, 0, f.builder.builds)
	assert.Empty(t, f.journal.runs)
}

func TestRun_DataErrorsAbortTheRun(t *testing.T) {
	f := newFixture(t)
	f.builder.err = fmt.Errorf("missing file")

	p := f.plan(t, grid.NewSpace(grid.E("quality", grid.Scalar(1.0))))
	_, err := f.orch.Run(context.Background(), p)
	assert.Error(t, err)
	assert.Equal(t, 1, f.builder.builds)

	_, statErr := os.Stat(f.exps.Dir("fake", 1))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_Cancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := f.plan(t, grid.NewSpace(grid.E("quality", grid.Scalar(1.0))))
	_, err := f.orch.Run(ctx, p)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, f.journal.runs, 1)
	assert.Equal(t, models.StatusCancelled, f.journal.runs[0].Status)
}

func TestSummary_Print(t *testing.T) {
	f := newFixture(t)
	p := f.plan(t, grid.NewSpace(grid.E("quality", grid.Candidates(3.0, 1.0))))
	p.Windows = p.Windows[:1]

	summary, err := f.orch.Run(context.Background(), p)
	require.NoError(t, err)

	var sb strings.Builder
	summary.Print(&sb)
	out := sb.String()
	assert.Contains(t, out, "2000-01-01_2000-12-31 -> exp_1")
	assert.Contains(t, out, "test:        mse: 0.7500")
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
