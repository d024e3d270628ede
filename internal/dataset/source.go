package dataset

import (
	"context"
	"fmt"
	"sync"

	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
	"github.com/ramonehamilton/forecast-experimenter/internal/window"
)

// Source supplies the rows of one window.
type Source interface {
	Load(ctx context.Context, w window.Window) (Series, error)
}

// CSVSource reads a series file once and slices it per window.
type CSVSource struct {
	Path    string
	Options CSVOptions

	once   sync.Once
	series Series
	err    error
}

// NewCSVSource creates a source for the file at path.
func NewCSVSource(path string, opts CSVOptions) *CSVSource {
	return &CSVSource{Path: path, Options: opts}
}

// Load implements Source.
func (s *CSVSource) Load(ctx context.Context, w window.Window) (Series, error) {
	if err := ctx.Err(); err != nil {
		return Series{}, err
	}
	s.once.Do(func() {
		s.series, s.err = LoadCSV(s.Path, s.Options)
	})
	if s.err != nil {
		return Series{}, s.err
	}
	return s.series.Slice(w), nil
}

// Builder builds the batch generator for each window of a run.
type Builder struct {
	Source Source
	Split  SplitOptions
	Batch  BatchParams
}

// Build loads the window's rows and cuts them into a generator.
func (b *Builder) Build(ctx context.Context, w window.Window) (experiment.BatchGenerator, error) {
	series, err := b.Source.Load(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("load data for %s: %w", w.Label(), err)
	}
	g, err := NewGenerator(series, b.Split, b.Batch)
	if err != nil {
		return nil, fmt.Errorf("build batches for %s: %w", w.Label(), err)
	}
	return g, nil
}
