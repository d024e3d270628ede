// Package device describes compute targets and moves stateful components onto them.
//
// Every model, trainer or sub-component that holds device-bound state implements
// Relocatable. Components that own other stateful parts also implement Composite so
// that a single call to Relocate reaches the whole tree.
package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Device identifies a compute target such as "cpu" or "cuda:0".
type Device string

// CPU is the neutral, device-independent target used for checkpoints at rest.
const CPU Device = "cpu"

var (
	// ErrInvalidDevice is returned when a device identifier cannot be parsed.
	ErrInvalidDevice = errors.New("device: invalid device identifier")

	// ErrPartialRelocation is returned when some component of a tree did not reach
	// the requested device. A partially relocated component is not usable.
	ErrPartialRelocation = errors.New("device: partial relocation")
)

// Parse validates a device identifier. Accepted forms are "cpu", "mps", "cuda" and
// "cuda:<index>".
func Parse(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "cpu", s == "mps", s == "cuda":
		return Device(s), nil
	case strings.HasPrefix(s, "cuda:"):
		idx, err := strconv.Atoi(strings.TrimPrefix(s, "cuda:"))
		if err != nil || idx < 0 {
			return "", fmt.Errorf("%w: %q", ErrInvalidDevice, s)
		}
		return Device(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDevice, s)
	}
}

// String implements fmt.Stringer.
func (d Device) String() string {
	return string(d)
}

// Relocatable is implemented by anything holding device-bound state.
type Relocatable interface {
	// RelocateTo moves the component's own state to the target device.
	RelocateTo(target Device) error

	// Device reports where the component's state currently lives.
	Device() Device
}

// Composite is a Relocatable that owns further stateful components.
type Composite interface {
	Relocatable
	Components() []Relocatable
}

// Relocate moves r and, recursively, every component it owns onto target. Children
// are relocated before their parent. After the walk every node is checked; if any
// node reports a different device the result is ErrPartialRelocation.
func Relocate(r Relocatable, target Device) error {
	if r == nil {
		return nil
	}
	if target == "" {
		return fmt.Errorf("%w: empty target", ErrInvalidDevice)
	}

	nodes, err := flatten(r, nil, 0)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if err := n.RelocateTo(target); err != nil {
			return fmt.Errorf("%w: %v", ErrPartialRelocation, err)
		}
	}

	for i, n := range nodes {
		if got := n.Device(); got != target {
			return fmt.Errorf("%w: component %d is on %q, want %q", ErrPartialRelocation, i, got, target)
		}
	}
	return nil
}

// maxDepth bounds the component walk so that a component graph with a cycle fails
// instead of recursing forever.
const maxDepth = 64

// flatten returns the component tree in post-order (children first).
func flatten(r Relocatable, out []Relocatable, depth int) ([]Relocatable, error) {
	if r == nil {
		return out, nil
	}
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: component tree deeper than %d", ErrPartialRelocation, maxDepth)
	}
	if c, ok := r.(Composite); ok {
		for _, child := range c.Components() {
			var err error
			if out, err = flatten(child, out, depth+1); err != nil {
				return nil, err
			}
		}
	}
	return append(out, r), nil
}

// Placement is an embeddable Relocatable for leaf components whose only
// device-bound state is where they live.
type Placement struct {
	Current Device `json:"device"`
}

// RelocateTo implements Relocatable.
func (p *Placement) RelocateTo(target Device) error {
	p.Current = target
	return nil
}

// Device implements Relocatable. The zero Placement lives on the CPU.
func (p *Placement) Device() Device {
	if p.Current == "" {
		return CPU
	}
	return p.Current
}
