// Package checkpoint persists experiment bundles and numbers experiment directories.
//
// A checkpoint directory holds five artifacts plus a manifest:
//
//	scores.json           Scores
//	model.json            model name and encoded state
//	trainer.json          trainer
//	batch_generator.json  batch generator for the window
//	config.json           RunConfig
//	manifest.json         version, digests and sizes of the five artifacts
//
// The manifest is written last. A directory without a manifest, or whose
// artifacts do not match it, is not a checkpoint.
package checkpoint

import (
	"encoding/json"
	"math"

	"github.com/ramonehamilton/forecast-experimenter/internal/device"
	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
	"github.com/ramonehamilton/forecast-experimenter/internal/grid"
	"github.com/ramonehamilton/forecast-experimenter/internal/window"
)

// Stages recorded in Scores.Stage.
const (
	StageSelection  = "selection"
	StageEvaluation = "evaluation"
	StageTest       = "test"
)

// Scores are the metrics of the best combination of one grid search.
//
// Criterion is the selected_criterion value the combination won on. BestScore is
// the last validation loss of the winning training run; the two need not be the
// same quantity.
type Scores struct {
	Stage         string             `json:"stage"`
	Generation    int                `json:"generation"`
	Combination   int                `json:"combination"`
	CriterionName string             `json:"criterion_name"`
	Criterion     float64            `json:"criterion"`
	BestScore     *float64           `json:"best_score,omitempty"`
	Train         experiment.Metrics `json:"train,omitempty"`
	Validation    experiment.Metrics `json:"validation,omitempty"`
	Evaluation    experiment.Metrics `json:"evaluation,omitempty"`
	Test          experiment.Metrics `json:"test,omitempty"`
	TrainLoss     Series             `json:"train_loss,omitempty"`
	ValLoss       Series             `json:"val_loss,omitempty"`
	EvalLoss      *float64           `json:"eval_loss,omitempty"`
	TestLoss      *float64           `json:"test_loss,omitempty"`
}

// Finite returns a pointer to v, or nil when v is NaN or infinite.
func Finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// encodable returns a copy of s without non-finite metrics, which JSON cannot
// hold. Loss series encode their own non-finite epochs.
func (s Scores) encodable() Scores {
	out := s
	out.Train = finiteMetrics(s.Train)
	out.Validation = finiteMetrics(s.Validation)
	out.Evaluation = finiteMetrics(s.Evaluation)
	out.Test = finiteMetrics(s.Test)
	if math.IsNaN(s.Criterion) || math.IsInf(s.Criterion, 0) {
		out.Criterion = 0
	}
	return out
}

func finiteMetrics(m experiment.Metrics) experiment.Metrics {
	if m == nil {
		return nil
	}
	out := make(experiment.Metrics, len(m))
	for k := range m {
		if v, ok := m.Lookup(k); ok {
			out[k] = v
		}
	}
	return out
}

// Series is a per-epoch loss history. Non-finite epochs are written as null and
// read back as NaN, so every value keeps its epoch index.
type Series []float64

// MarshalJSON implements json.Marshaler.
func (s Series) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	out := make([]*float64, len(s))
	for i, v := range s {
		out[i] = Finite(v)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Series) UnmarshalJSON(data []byte) error {
	var raw []*float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*s = nil
		return nil
	}
	out := make(Series, len(raw))
	for i, v := range raw {
		if v == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *v
	}
	*s = out
	return nil
}

// RunConfig records everything the grid search for one window was run with.
type RunConfig struct {
	RunID             string           `json:"run_id"`
	Bundle            string           `json:"bundle"`
	Model             string           `json:"model"`
	Window            window.Window    `json:"window"`
	Device            device.Device    `json:"device"`
	SelectedCriterion string           `json:"selected_criterion"`
	Experiment        grid.Combination `json:"experiment"`
	Data              grid.Combination `json:"data"`
	Trainer           grid.Combination `json:"trainer"`
	Core              grid.Combination `json:"core"`
	BatchGen          grid.Combination `json:"batch_gen"`
}

// Bundle is the unit of persistence. Every field describes the same combination.
type Bundle struct {
	Scores         Scores
	Model          experiment.Model
	Trainer        experiment.Trainer
	BatchGenerator experiment.BatchGenerator
	Config         RunConfig
}
