// Package dataset loads time series and turns them into batch generators for the
// training windows of an experiment.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ramonehamilton/forecast-experimenter/internal/window"
)

var (
	// ErrInsufficientData is returned when a split is too short to hold one sample.
	ErrInsufficientData = errors.New("dataset: not enough rows")

	// ErrUnknownFeature is returned when a configured column is not in the file.
	ErrUnknownFeature = errors.New("dataset: unknown feature")
)

// timeLayouts are tried in order when parsing the time column.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Series is a regularly sampled multivariate series. Values[i][j] is feature j at Times[i].
type Series struct {
	Times    []time.Time
	Features []string
	Values   [][]float64
}

// Len returns the number of rows.
func (s Series) Len() int { return len(s.Times) }

// FeatureIndex returns the column index of a feature.
func (s Series) FeatureIndex(name string) (int, error) {
	for i, f := range s.Features {
		if f == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrUnknownFeature, name)
}

// Slice returns the rows that fall inside w. Rows are shared with s.
func (s Series) Slice(w window.Window) Series {
	out := Series{Features: s.Features}
	for i, t := range s.Times {
		if w.Contains(t) {
			out.Times = append(out.Times, t)
			out.Values = append(out.Values, s.Values[i])
		}
	}
	return out
}

// Between returns the rows with start <= t < end.
func (s Series) Between(start, end time.Time) Series {
	out := Series{Features: s.Features}
	for i, t := range s.Times {
		if !t.Before(start) && t.Before(end) {
			out.Times = append(out.Times, t)
			out.Values = append(out.Values, s.Values[i])
		}
	}
	return out
}

// CSVOptions control how a series file is read.
type CSVOptions struct {
	// TimeColumn names the timestamp column. Defaults to "time".
	TimeColumn string

	// Features selects and orders the value columns. Empty means every
	// non-time column in file order.
	Features []string
}

// LoadCSV reads a series from a CSV file with a header row.
func LoadCSV(path string, opts CSVOptions) (Series, error) {
	file, err := os.Open(path)
	if err != nil {
		return Series{}, fmt.Errorf("failed to open series file: %w", err)
	}
	defer func() { _ = file.Close() }()

	s, err := ReadCSV(file, opts)
	if err != nil {
		return Series{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ReadCSV reads a series from CSV. Rows must be in ascending time order.
func ReadCSV(r io.Reader, opts CSVOptions) (Series, error) {
	if opts.TimeColumn == "" {
		opts.TimeColumn = "time"
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return Series{}, fmt.Errorf("failed to read CSV header: %w", err)
	}

	colIndex := make(map[string]int, len(header))
	for i, name := range header {
		colIndex[strings.TrimSpace(name)] = i
	}

	timeCol, ok := colIndex[opts.TimeColumn]
	if !ok {
		return Series{}, fmt.Errorf("%w: time column %q", ErrUnknownFeature, opts.TimeColumn)
	}

	features := opts.Features
	if len(features) == 0 {
		for i, name := range header {
			if i != timeCol {
				features = append(features, strings.TrimSpace(name))
			}
		}
	}
	cols := make([]int, len(features))
	for i, f := range features {
		c, ok := colIndex[f]
		if !ok {
			return Series{}, fmt.Errorf("%w: %q", ErrUnknownFeature, f)
		}
		cols[i] = c
	}

	s := Series{Features: append([]string(nil), features...)}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Series{}, fmt.Errorf("line %d: %w", line, err)
		}

		t, err := parseTime(record[timeCol])
		if err != nil {
			return Series{}, fmt.Errorf("line %d: %w", line, err)
		}
		if n := len(s.Times); n > 0 && !t.After(s.Times[n-1]) {
			return Series{}, fmt.Errorf("line %d: time %s is not after %s", line, t, s.Times[n-1])
		}

		row := make([]float64, len(cols))
		for i, c := range cols {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[c]), 64)
			if err != nil {
				return Series{}, fmt.Errorf("line %d, column %q: %w", line, features[i], err)
			}
			row[i] = v
		}

		s.Times = append(s.Times, t)
		s.Values = append(s.Values, row)
	}
	return s, nil
}

func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", v)
}
