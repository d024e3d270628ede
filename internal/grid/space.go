// Package grid expands nested hyperparameter spaces into fully resolved combinations.
//
// A Space is an ordered mapping whose leaves are either fixed values or explicit
// candidate lists. Iterating a Space yields the cartesian product over every
// candidate list, in the order the leaves were declared, with the last declared
// leaf varying fastest. That order is relied on by selection tie-breaking, so it
// never depends on map iteration.
package grid

import (
	"fmt"
	"strings"
)

// Kind distinguishes the three shapes a Value can take.
type Kind int

const (
	// KindScalar is a fixed leaf copied into every combination.
	KindScalar Kind = iota
	// KindCandidates is a leaf enumerated by the grid.
	KindCandidates
	// KindNested is a sub-space.
	KindNested
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindCandidates:
		return "candidates"
	case KindNested:
		return "nested"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Value is one entry of a Space.
type Value struct {
	kind       Kind
	scalar     any
	candidates []any
	nested     *Space
}

// Scalar returns a fixed leaf. Fixed lists are allowed and are copied as a whole.
func Scalar(v any) Value {
	return Value{kind: KindScalar, scalar: v}
}

// Candidates returns a leaf that the grid enumerates, in the given order.
func Candidates(vs ...any) Value {
	return Value{kind: KindCandidates, candidates: vs}
}

// Nested returns a sub-space value.
func Nested(s *Space) Value {
	return Value{kind: KindNested, nested: s}
}

// Kind reports the value's shape.
func (v Value) Kind() Kind { return v.kind }

// Scalar returns the fixed value of a scalar leaf.
func (v Value) Scalar() any { return v.scalar }

// Candidates returns the candidate list of an enumerated leaf.
func (v Value) Candidates() []any { return v.candidates }

// Nested returns the sub-space of a nested value.
func (v Value) Nested() *Space { return v.nested }

// Entry is a key with its value.
type Entry struct {
	Key   string
	Value Value
}

// Space is an ordered parameter mapping.
type Space struct {
	entries []Entry
}

// NewSpace builds a space from entries in declaration order. A repeated key keeps
// its first position and takes the last value.
func NewSpace(entries ...Entry) *Space {
	s := &Space{entries: make([]Entry, 0, len(entries))}
	for _, e := range entries {
		s.Set(e.Key, e.Value)
	}
	return s
}

// E is shorthand for building an Entry.
func E(key string, v Value) Entry {
	return Entry{Key: key, Value: v}
}

// Set adds key or replaces its value in place.
func (s *Space) Set(key string, v Value) *Space {
	for i := range s.entries {
		if s.entries[i].Key == key {
			s.entries[i].Value = v
			return s
		}
	}
	s.entries = append(s.entries, Entry{Key: key, Value: v})
	return s
}

// Lookup returns the value stored under key.
func (s *Space) Lookup(key string) (Value, bool) {
	if s == nil {
		return Value{}, false
	}
	for _, e := range s.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// Entries returns the entries in declaration order. The slice must not be modified.
func (s *Space) Entries() []Entry {
	if s == nil {
		return nil
	}
	return s.entries
}

// Len returns the number of top-level entries.
func (s *Space) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Keys returns the top-level keys in declaration order.
func (s *Space) Keys() []string {
	keys := make([]string, 0, s.Len())
	for _, e := range s.Entries() {
		keys = append(keys, e.Key)
	}
	return keys
}

// Clone returns a deep copy of the space structure. Leaf values are shared, fixed
// lists are copied.
func (s *Space) Clone() *Space {
	if s == nil {
		return nil
	}
	out := &Space{entries: make([]Entry, len(s.entries))}
	for i, e := range s.entries {
		v := e.Value
		switch v.kind {
		case KindNested:
			v.nested = v.nested.Clone()
		case KindCandidates:
			v.candidates = append([]any(nil), v.candidates...)
		case KindScalar:
			v.scalar = cloneLeaf(v.scalar)
		}
		out.entries[i] = Entry{Key: e.Key, Value: v}
	}
	return out
}

// Validate checks that the space can be expanded: no cycles, no empty candidate
// lists, and no sub-spaces hidden inside leaves.
func (s *Space) Validate() error {
	if s == nil {
		return newConfigError(ErrInvalidValue, "", "nil space")
	}
	return s.validate("", map[*Space]bool{})
}

func (s *Space) validate(path string, onPath map[*Space]bool) error {
	if onPath[s] {
		return newConfigError(ErrCycle, path, "")
	}
	onPath[s] = true
	defer delete(onPath, s)

	for _, e := range s.entries {
		p := joinPath(path, e.Key)
		switch e.Value.kind {
		case KindNested:
			if e.Value.nested == nil {
				return newConfigError(ErrInvalidValue, p, "nil sub-space")
			}
			if err := e.Value.nested.validate(p, onPath); err != nil {
				return err
			}
		case KindCandidates:
			if len(e.Value.candidates) == 0 {
				return newConfigError(ErrEmptyCandidates, p, "")
			}
			for i, c := range e.Value.candidates {
				if err := checkLeaf(c); err != nil {
					return newConfigError(ErrInvalidValue, fmt.Sprintf("%s[%d]", p, i), err.Error())
				}
			}
		case KindScalar:
			if err := checkLeaf(e.Value.scalar); err != nil {
				return newConfigError(ErrInvalidValue, p, err.Error())
			}
		default:
			return newConfigError(ErrInvalidValue, p, "unknown value kind")
		}
	}
	return nil
}

// checkLeaf rejects values that would smuggle structure into a leaf.
func checkLeaf(v any) error {
	switch x := v.(type) {
	case *Space, Space, Value:
		return fmt.Errorf("sub-space used as leaf value")
	case []any:
		for _, item := range x {
			if err := checkLeaf(item); err != nil {
				return err
			}
		}
	case map[string]any:
		return fmt.Errorf("mapping used as leaf value")
	}
	return nil
}

func cloneLeaf(v any) any {
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = cloneLeaf(item)
		}
		return out
	}
	return v
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func splitPath(path []string) []string {
	out := make([]string, 0, len(path))
	for _, p := range path {
		out = append(out, strings.Split(p, ".")...)
	}
	return out
}
