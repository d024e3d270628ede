// Package window generates the sliding time windows an experiment trains over.
package window

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSchedule is returned for non-positive strides or lengths, or an end
// date before the start date.
var ErrInvalidSchedule = errors.New("window: invalid schedule")

// Window is one contiguous training period. End is inclusive at hourly
// resolution: a twelve month window starting 2000-01-01 ends 2000-12-31 23:00.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Label renders the window as "YYYY-MM-DD_YYYY-MM-DD".
func (w Window) Label() string {
	return w.Start.Format("2006-01-02") + "_" + w.End.Format("2006-01-02")
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// String implements fmt.Stringer.
func (w Window) String() string {
	return fmt.Sprintf("%s to %s", w.Start.Format("2006-01-02 15:04"), w.End.Format("2006-01-02 15:04"))
}

// Schedule returns the ordered windows between start and end.
//
// Window i starts at the first of start's month plus i*strideMonths months and
// spans lengthMonths months. A month counts as available only if end reaches its
// last day, so generation stops once fewer than lengthMonths whole months remain.
func Schedule(start, end time.Time, strideMonths, lengthMonths int) ([]Window, error) {
	if strideMonths <= 0 {
		return nil, fmt.Errorf("%w: stride must be positive, got %d", ErrInvalidSchedule, strideMonths)
	}
	if lengthMonths <= 0 {
		return nil, fmt.Errorf("%w: length must be positive, got %d", ErrInvalidSchedule, lengthMonths)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalidSchedule,
			end.Format("2006-01-02"), start.Format("2006-01-02"))
	}

	first := monthStart(start)
	limit := monthStart(end.AddDate(0, 0, 1))

	windows := make([]Window, 0)
	for i := 0; ; i++ {
		ws := first.AddDate(0, i*strideMonths, 0)
		we := ws.AddDate(0, lengthMonths, 0)
		if we.After(limit) {
			break
		}
		windows = append(windows, Window{
			Start: ws,
			End:   we.Add(-time.Hour),
		})
	}

	return windows, nil
}

// Limit truncates windows to at most n entries. n <= 0 means no limit.
func Limit(windows []Window, n int) []Window {
	if n <= 0 || n >= len(windows) {
		return windows
	}
	return windows[:n]
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
