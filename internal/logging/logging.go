// Package logging builds the leveled standard loggers used across the
// experimenter. Messages carry a bracketed level prefix such as "[INFO]";
// "[DEBUG]" lines are dropped unless debug mode is on.
package logging

import (
	"bytes"
	"io"
	"log"
	"sync"
)

var debugTag = []byte("[DEBUG]")

// New returns a logger writing to w with the standard date and time flags.
func New(w io.Writer, debug bool) *log.Logger {
	return log.New(Filter(w, debug), "", log.LstdFlags)
}

// Filter wraps w so that debug lines are discarded when debug is false.
func Filter(w io.Writer, debug bool) io.Writer {
	if debug {
		return w
	}
	return &levelFilter{w: w}
}

// Configure points the standard logger at w with the same filtering.
func Configure(w io.Writer, debug bool) {
	log.SetOutput(Filter(w, debug))
}

type levelFilter struct {
	mu sync.Mutex
	w  io.Writer
}

// Write receives one formatted entry per call from log.Logger.
func (f *levelFilter) Write(p []byte) (int, error) {
	if bytes.Contains(p, debugTag) {
		return len(p), nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w.Write(p)
}
