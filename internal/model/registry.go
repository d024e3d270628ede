// Package model maps model names to constructors.
//
// The Registry is an explicit object handed to the orchestrator and the inference
// runner; there is no package-level dispatch table.
package model

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ramonehamilton/forecast-experimenter/internal/device"
	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
	"github.com/ramonehamilton/forecast-experimenter/internal/grid"
)

var (
	// ErrUnknownModel is returned for names that were never registered.
	ErrUnknownModel = errors.New("model: unknown model")

	// ErrDuplicateModel is returned when a name is registered twice.
	ErrDuplicateModel = errors.New("model: model already registered")
)

// Constructor builds a fresh model from a resolved core-parameter combination.
type Constructor func(params grid.Combination) (experiment.Model, error)

// Restorer rebuilds a model from state produced by Model.MarshalState.
type Restorer func(state []byte) (experiment.Model, error)

// Entry describes how to build and restore one model type.
type Entry struct {
	Construct Constructor
	Restore   Restorer
}

// Registry is a name-keyed set of model entries. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds a model type under name.
func (r *Registry) Register(name string, e Entry) error {
	if name == "" {
		return fmt.Errorf("model: empty name")
	}
	if e.Construct == nil || e.Restore == nil {
		return fmt.Errorf("model: entry %q needs both Construct and Restore", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModel, name)
	}
	r.entries[name] = e
	return nil
}

// MustRegister is Register that panics on error, for static wiring.
func (r *Registry) MustRegister(name string, e Entry) {
	if err := r.Register(name, e); err != nil {
		panic(err)
	}
}

func (r *Registry) lookup(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return e, nil
}

// Construct builds model name from params and places it, with every component, on dev.
func (r *Registry) Construct(name string, params grid.Combination, dev device.Device) (experiment.Model, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	m, err := e.Construct(params)
	if err != nil {
		return nil, fmt.Errorf("construct %s: %w", name, err)
	}
	if err := device.Relocate(m, dev); err != nil {
		return nil, fmt.Errorf("place %s on %s: %w", name, dev, err)
	}
	return m, nil
}

// Restore rebuilds model name from encoded state and places it on dev.
func (r *Registry) Restore(name string, state []byte, dev device.Device) (experiment.Model, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	m, err := e.Restore(state)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", name, err)
	}
	if err := device.Relocate(m, dev); err != nil {
		return nil, fmt.Errorf("place %s on %s: %w", name, dev, err)
	}
	return m, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, err := r.lookup(name)
	return err == nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
