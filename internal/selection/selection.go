// Package selection keeps track of the best combination seen during one grid search.
//
// Every improvement is frozen into an immutable snapshot and appended to an
// arena. The current best is a generation number pointing into that history, so
// later combinations mutating their own models can never disturb it.
package selection

import (
	"errors"
	"fmt"
	"math"

	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
	"github.com/ramonehamilton/forecast-experimenter/internal/grid"
)

// ErrNoSelection is returned when no candidate ever produced a finite criterion
// below +Inf.
var ErrNoSelection = errors.New("selection: no combination improved on +Inf")

// Candidate is the outcome of training one combination.
type Candidate struct {
	Seq       int
	Criterion float64
	Model     experiment.Model
	Trainer   experiment.Trainer
	Trainers  grid.Combination
	Core      grid.Combination
	Result    experiment.TrainResult
}

// Snapshot is a frozen copy of an improving candidate. ModelState and
// TrainerState are encoded bytes and combinations are immutable, so the snapshot
// shares nothing mutable with the live objects it was taken from.
type Snapshot struct {
	Generation   int
	Seq          int
	ModelName    string
	Criterion    float64
	ModelState   []byte
	TrainerState []byte
	Trainers     grid.Combination
	Core         grid.Combination
	Result       experiment.TrainResult
}

// Policy selects by strict improvement. The zero value is not usable; call New.
type Policy struct {
	encodeTrainer func(experiment.Trainer) ([]byte, error)

	best  float64
	arena []Snapshot
}

// New creates a policy with best score +Inf. encodeTrainer serialises trainers
// into snapshots.
func New(encodeTrainer func(experiment.Trainer) ([]byte, error)) *Policy {
	return &Policy{encodeTrainer: encodeTrainer, best: math.Inf(1)}
}

// BestScore returns the criterion of the current best, or +Inf.
func (p *Policy) BestScore() float64 {
	return p.best
}

// Offer considers a candidate. It returns true, with the new snapshot, only when
// the criterion is strictly below the current best. Ties and NaN never improve.
func (p *Policy) Offer(c Candidate) (Snapshot, bool, error) {
	if !(c.Criterion < p.best) {
		return Snapshot{}, false, nil
	}

	modelState, err := c.Model.MarshalState()
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("snapshot model: %w", err)
	}
	trainerState, err := p.encodeTrainer(c.Trainer)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("snapshot trainer: %w", err)
	}

	snap := Snapshot{
		Generation:   len(p.arena),
		Seq:          c.Seq,
		ModelName:    c.Model.Name(),
		Criterion:    c.Criterion,
		ModelState:   modelState,
		TrainerState: trainerState,
		Trainers:     c.Trainers,
		Core:         c.Core,
		Result:       cloneResult(c.Result),
	}

	p.arena = append(p.arena, snap)
	p.best = c.Criterion
	return snap, true, nil
}

// Best returns the latest improving snapshot.
func (p *Policy) Best() (Snapshot, error) {
	if len(p.arena) == 0 {
		return Snapshot{}, ErrNoSelection
	}
	return p.arena[len(p.arena)-1], nil
}

// Generation returns the snapshot recorded at generation g.
func (p *Policy) Generation(g int) (Snapshot, bool) {
	if g < 0 || g >= len(p.arena) {
		return Snapshot{}, false
	}
	return p.arena[g], true
}

// History returns every improving snapshot in the order they were recorded.
func (p *Policy) History() []Snapshot {
	return append([]Snapshot(nil), p.arena...)
}

func cloneResult(r experiment.TrainResult) experiment.TrainResult {
	return experiment.TrainResult{
		TrainLoss:    append([]float64(nil), r.TrainLoss...),
		ValLoss:      append([]float64(nil), r.ValLoss...),
		TrainMetrics: r.TrainMetrics.Clone(),
		ValMetrics:   r.ValMetrics.Clone(),
	}
}
