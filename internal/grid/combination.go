package grid

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Combination is one fully resolved point of a grid: same shape as its Space, with
// every leaf a single value. Combinations are never mutated after creation.
type Combination struct {
	space *Space
}

// NewCombination wraps a space that has no candidate leaves.
func NewCombination(s *Space) (Combination, error) {
	if err := s.Validate(); err != nil {
		return Combination{}, err
	}
	if n := countCandidateLeaves(s); n > 0 {
		return Combination{}, newConfigError(ErrInvalidValue, "", fmt.Sprintf("%d unresolved candidate leaves", n))
	}
	return Combination{space: s.Clone()}, nil
}

func countCandidateLeaves(s *Space) int {
	n := 0
	for _, e := range s.entries {
		switch e.Value.kind {
		case KindCandidates:
			n++
		case KindNested:
			n += countCandidateLeaves(e.Value.nested)
		}
	}
	return n
}

// IsZero reports whether c was never populated.
func (c Combination) IsZero() bool {
	return c.space == nil
}

// Space returns a copy of the underlying space.
func (c Combination) Space() *Space {
	return c.space.Clone()
}

// Get returns the leaf at path. Path elements may themselves be dotted.
func (c Combination) Get(path ...string) (any, bool) {
	keys := splitPath(path)
	s := c.space
	for i, k := range keys {
		v, ok := s.Lookup(k)
		if !ok {
			return nil, false
		}
		if i == len(keys)-1 {
			if v.kind != KindScalar {
				return nil, false
			}
			return v.scalar, true
		}
		if v.kind != KindNested {
			return nil, false
		}
		s = v.nested
	}
	return nil, false
}

// Sub returns the nested combination at path.
func (c Combination) Sub(path ...string) (Combination, bool) {
	s := c.space
	for _, k := range splitPath(path) {
		v, ok := s.Lookup(k)
		if !ok || v.kind != KindNested {
			return Combination{}, false
		}
		s = v.nested
	}
	return Combination{space: s}, true
}

// Has reports whether a leaf exists at path.
func (c Combination) Has(path ...string) bool {
	_, ok := c.Get(path...)
	return ok
}

// Int returns the leaf at path as an int. Integral floats are accepted.
func (c Combination) Int(path ...string) (int, error) {
	v, ok := c.Get(path...)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, strings.Join(path, "."))
	}
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case uint64:
		return int(x), nil
	case float64:
		if x == math.Trunc(x) {
			return int(x), nil
		}
	}
	return 0, fmt.Errorf("%w: %s is %T, want int", ErrInvalidValue, strings.Join(path, "."), v)
}

// Float returns the leaf at path as a float64.
func (c Combination) Float(path ...string) (float64, error) {
	v, ok := c.Get(path...)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, strings.Join(path, "."))
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	}
	return 0, fmt.Errorf("%w: %s is %T, want float", ErrInvalidValue, strings.Join(path, "."), v)
}

// Bool returns the leaf at path as a bool.
func (c Combination) Bool(path ...string) (bool, error) {
	v, ok := c.Get(path...)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, strings.Join(path, "."))
	}
	b, isBool := v.(bool)
	if !isBool {
		return false, fmt.Errorf("%w: %s is %T, want bool", ErrInvalidValue, strings.Join(path, "."), v)
	}
	return b, nil
}

// Text returns the leaf at path as a string.
func (c Combination) Text(path ...string) (string, error) {
	v, ok := c.Get(path...)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, strings.Join(path, "."))
	}
	s, isString := v.(string)
	if !isString {
		return "", fmt.Errorf("%w: %s is %T, want string", ErrInvalidValue, strings.Join(path, "."), v)
	}
	return s, nil
}

// IntOr returns the int at path, or def when the leaf is absent.
func (c Combination) IntOr(def int, path ...string) (int, error) {
	if !c.Has(path...) {
		return def, nil
	}
	return c.Int(path...)
}

// FloatOr returns the float at path, or def when the leaf is absent.
func (c Combination) FloatOr(def float64, path ...string) (float64, error) {
	if !c.Has(path...) {
		return def, nil
	}
	return c.Float(path...)
}

// BoolOr returns the bool at path, or def when the leaf is absent.
func (c Combination) BoolOr(def bool, path ...string) (bool, error) {
	if !c.Has(path...) {
		return def, nil
	}
	return c.Bool(path...)
}

// Map returns the combination as nested maps. Key order is lost; use Key or
// MarshalJSON when order matters.
func (c Combination) Map() map[string]any {
	return toMap(c.space)
}

func toMap(s *Space) map[string]any {
	out := make(map[string]any, s.Len())
	for _, e := range s.Entries() {
		if e.Value.kind == KindNested {
			out[e.Key] = toMap(e.Value.nested)
			continue
		}
		out[e.Key] = cloneLeaf(e.Value.scalar)
	}
	return out
}

// Key returns a canonical single-line rendering such as "a=1,b.c=3". Leaves appear in
// declaration order, so two combinations of the same space have equal keys exactly
// when they are equal.
func (c Combination) Key() string {
	var parts []string
	flattenLeaves(c.space, "", func(path string, v any) {
		parts = append(parts, path+"="+formatLeaf(v))
	})
	return strings.Join(parts, ",")
}

// Leaves returns every leaf path in declaration order.
func (c Combination) Leaves() []string {
	var paths []string
	flattenLeaves(c.space, "", func(path string, _ any) {
		paths = append(paths, path)
	})
	return paths
}

// Equal reports whether c and other hold the same leaves in the same order.
func (c Combination) Equal(other Combination) bool {
	return c.Key() == other.Key()
}

func flattenLeaves(s *Space, prefix string, fn func(path string, v any)) {
	for _, e := range s.Entries() {
		p := joinPath(prefix, e.Key)
		if e.Value.kind == KindNested {
			flattenLeaves(e.Value.nested, p, fn)
			continue
		}
		fn(p, e.Value.scalar)
	}
}

func formatLeaf(v any) string {
	switch x := v.(type) {
	case []any:
		items := make([]string, len(x))
		for i, item := range x {
			items[i] = formatLeaf(item)
		}
		return "[" + strings.Join(items, " ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Sprintf("%v", keys)
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", x)
	}
}
