package orchestrator

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ramonehamilton/forecast-experimenter/internal/checkpoint"
	"github.com/ramonehamilton/forecast-experimenter/internal/grid"
	"github.com/ramonehamilton/forecast-experimenter/internal/window"
)

// CombinationError is a training failure isolated to one grid point. It is
// recorded and the grid search continues.
type CombinationError struct {
	Window  int
	Seq     int
	Trainer grid.Combination
	Core    grid.Combination
	Err     error
}

func (e *CombinationError) Error() string {
	return fmt.Sprintf("window %d combination %d (trainer %s; core %s): %v",
		e.Window, e.Seq, e.Trainer.Key(), e.Core.Key(), e.Err)
}

func (e *CombinationError) Unwrap() error { return e.Err }

// WindowSummary is the outcome of one window's grid search.
type WindowSummary struct {
	Index        int
	Window       window.Window
	ExperimentID int
	Dir          string
	Combinations int

	// Criteria holds the criterion of every combination in grid order; failed
	// combinations are NaN.
	Criteria []float64
	Failures []*CombinationError

	Best        checkpoint.Scores
	BestCore    grid.Combination
	BestTrainer grid.Combination
	Duration    time.Duration
}

// Summary is the outcome of a run.
type Summary struct {
	RunID   string
	Bundle  string
	Model   string
	Windows []WindowSummary
}

// Failures returns every isolated combination failure of the run.
func (s *Summary) Failures() []*CombinationError {
	var out []*CombinationError
	for _, w := range s.Windows {
		out = append(out, w.Failures...)
	}
	return out
}

// Print writes a per-window report of train, validation, evaluation and test metrics.
func (s *Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "Run %s: %s on bundle %q, %d window(s)\n", s.RunID, s.Model, s.Bundle, len(s.Windows))
	for _, ws := range s.Windows {
		fmt.Fprintln(w, strings.Repeat("-*-", 10))
		fmt.Fprintf(w, "Window %s -> exp_%d (%d combinations, %d failed, %s)\n",
			ws.Window.Label(), ws.ExperimentID, ws.Combinations, len(ws.Failures), ws.Duration.Round(time.Millisecond))
		fmt.Fprintf(w, "  best:        combination %d, %s = %.5f\n", ws.Best.Combination, ws.Best.CriterionName, ws.Best.Criterion)
		fmt.Fprintf(w, "  train:       %s\n", ws.Best.Train)
		fmt.Fprintf(w, "  validation:  %s\n", ws.Best.Validation)
		fmt.Fprintf(w, "  evaluation:  %s\n", ws.Best.Evaluation)
		fmt.Fprintf(w, "  test:        %s\n", ws.Best.Test)
		for _, f := range ws.Failures {
			fmt.Fprintf(w, "  failed:      %v\n", f)
		}
	}
}
