package grid

// Iterator lazily walks the combinations of a Space. Only the odometer state is
// held between calls; each Combination is materialized on demand.
//
//	it, err := grid.NewIterator(space)
//	if err != nil {
//	    return err
//	}
//	for it.Next() {
//	    c := it.Combination()
//	    ...
//	}
type Iterator struct {
	space   *Space
	leaves  [][]string // paths of candidate leaves in declaration order
	sizes   []int
	indices []int
	started bool
	done    bool
	current Combination
}

// NewIterator validates space and returns an iterator positioned before the first
// combination. The space is cloned, so later changes to it do not affect iteration.
func NewIterator(space *Space) (*Iterator, error) {
	if err := space.Validate(); err != nil {
		return nil, err
	}

	it := &Iterator{space: space.Clone()}
	collectLeaves(it.space, nil, &it.leaves, &it.sizes)
	it.indices = make([]int, len(it.leaves))
	return it, nil
}

func collectLeaves(s *Space, prefix []string, leaves *[][]string, sizes *[]int) {
	for _, e := range s.entries {
		path := append(append([]string(nil), prefix...), e.Key)
		switch e.Value.kind {
		case KindNested:
			collectLeaves(e.Value.nested, path, leaves, sizes)
		case KindCandidates:
			*leaves = append(*leaves, path)
			*sizes = append(*sizes, len(e.Value.candidates))
		}
	}
}

// Next advances to the next combination and reports whether one exists.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if !it.started {
		it.started = true
	} else if !it.advance() {
		it.done = true
		it.current = Combination{}
		return false
	}
	it.current = it.materialize()
	return true
}

// advance increments the odometer; the last declared leaf varies fastest.
func (it *Iterator) advance() bool {
	for i := len(it.indices) - 1; i >= 0; i-- {
		it.indices[i]++
		if it.indices[i] < it.sizes[i] {
			return true
		}
		it.indices[i] = 0
	}
	return false
}

// Combination returns the combination at the current position.
func (it *Iterator) Combination() Combination {
	return it.current
}

// Count returns the total number of combinations the iterator yields.
func (it *Iterator) Count() int {
	n := 1
	for _, s := range it.sizes {
		n *= s
	}
	return n
}

func (it *Iterator) materialize() Combination {
	pos := 0
	return Combination{space: resolve(it.space, it.indices, &pos)}
}

// resolve copies s, replacing every candidate leaf with the candidate selected by
// indices. pos tracks how many candidate leaves have been consumed so far.
func resolve(s *Space, indices []int, pos *int) *Space {
	out := &Space{entries: make([]Entry, len(s.entries))}
	for i, e := range s.entries {
		v := e.Value
		switch v.kind {
		case KindNested:
			v = Nested(resolve(v.nested, indices, pos))
		case KindCandidates:
			v = Scalar(cloneLeaf(v.candidates[indices[*pos]]))
			*pos++
		case KindScalar:
			v = Scalar(cloneLeaf(v.scalar))
		}
		out.entries[i] = Entry{Key: e.Key, Value: v}
	}
	return out
}

// All expands space into every combination, in iteration order.
func All(space *Space) ([]Combination, error) {
	it, err := NewIterator(space)
	if err != nil {
		return nil, err
	}
	out := make([]Combination, 0, it.Count())
	for it.Next() {
		out = append(out, it.Combination())
	}
	return out, nil
}

// Count returns the number of combinations space expands to.
func Count(space *Space) (int, error) {
	it, err := NewIterator(space)
	if err != nil {
		return 0, err
	}
	return it.Count(), nil
}
