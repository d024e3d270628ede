package grid

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// FixedTag marks a YAML sequence as a single fixed value rather than a candidate
// list, e.g. `input_size: !fixed [61, 121]`.
const FixedTag = "!fixed"

// FromYAML decodes a mapping node into a Space, keeping key declaration order.
//
// Sequences become candidate lists unless tagged !fixed. Anchors, aliases and merge
// keys (<<) are honoured; an alias that refers back to an enclosing mapping is a
// cycle and fails with ErrCycle. The returned space is validated.
func FromYAML(node *yaml.Node) (*Space, error) {
	if node == nil {
		return nil, newConfigError(ErrInvalidValue, "", "nil YAML node")
	}
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return &Space{}, nil
		}
		node = node.Content[0]
	}

	d := &yamlDecoder{onPath: map[*yaml.Node]bool{}}
	s, err := d.mapping(node, "")
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseYAML parses a YAML document into a Space.
func ParseYAML(data []byte) (*Space, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, newConfigError(ErrInvalidValue, "", err.Error())
	}
	return FromYAML(&doc)
}

type yamlDecoder struct {
	onPath map[*yaml.Node]bool
}

// deref follows alias nodes, reporting a cycle if the target is still being decoded.
func (d *yamlDecoder) deref(n *yaml.Node, path string) (*yaml.Node, error) {
	for hops := 0; n.Kind == yaml.AliasNode; hops++ {
		if n.Alias == nil || hops > 64 {
			return nil, newConfigError(ErrCycle, path, "unresolvable alias")
		}
		n = n.Alias
		if d.onPath[n] {
			return nil, newConfigError(ErrCycle, path, "alias refers to an enclosing mapping")
		}
	}
	return n, nil
}

func (d *yamlDecoder) mapping(n *yaml.Node, path string) (*Space, error) {
	n, err := d.deref(n, path)
	if err != nil {
		return nil, err
	}
	if n.Kind != yaml.MappingNode {
		return nil, newConfigError(ErrInvalidValue, path, fmt.Sprintf("expected mapping, got %s", kindName(n.Kind)))
	}

	d.onPath[n] = true
	defer delete(d.onPath, n)

	s := &Space{}
	explicit := map[string]bool{}
	for i := 0; i+1 < len(n.Content); i += 2 {
		keyNode, valNode := n.Content[i], n.Content[i+1]

		if keyNode.Tag == "!!merge" || keyNode.Value == "<<" {
			if err := d.merge(s, valNode, path, explicit); err != nil {
				return nil, err
			}
			continue
		}

		key := keyNode.Value
		p := joinPath(path, key)
		v, err := d.value(valNode, p)
		if err != nil {
			return nil, err
		}
		s.Set(key, v)
		explicit[key] = true
	}
	return s, nil
}

// merge applies a YAML merge key. Explicit keys always win over merged ones.
func (d *yamlDecoder) merge(s *Space, n *yaml.Node, path string, explicit map[string]bool) error {
	n, err := d.deref(n, path)
	if err != nil {
		return err
	}
	sources := []*yaml.Node{n}
	if n.Kind == yaml.SequenceNode {
		sources = n.Content
	}
	for _, src := range sources {
		sub, err := d.mapping(src, path)
		if err != nil {
			return err
		}
		for _, e := range sub.entries {
			if explicit[e.Key] {
				continue
			}
			if _, exists := s.Lookup(e.Key); exists {
				continue
			}
			s.Set(e.Key, e.Value)
		}
	}
	return nil
}

func (d *yamlDecoder) value(n *yaml.Node, path string) (Value, error) {
	n, err := d.deref(n, path)
	if err != nil {
		return Value{}, err
	}

	switch n.Kind {
	case yaml.MappingNode:
		sub, err := d.mapping(n, path)
		if err != nil {
			return Value{}, err
		}
		return Nested(sub), nil

	case yaml.SequenceNode:
		items := make([]any, 0, len(n.Content))
		for i, item := range n.Content {
			leaf, err := d.leaf(item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return Value{}, err
			}
			items = append(items, leaf)
		}
		if n.Tag == FixedTag {
			return Scalar(items), nil
		}
		return Candidates(items...), nil

	case yaml.ScalarNode:
		leaf, err := d.leaf(n, path)
		if err != nil {
			return Value{}, err
		}
		return Scalar(leaf), nil
	}

	return Value{}, newConfigError(ErrInvalidValue, path, fmt.Sprintf("unsupported node %s", kindName(n.Kind)))
}

// leaf decodes a scalar or a list of scalars.
func (d *yamlDecoder) leaf(n *yaml.Node, path string) (any, error) {
	n, err := d.deref(n, path)
	if err != nil {
		return nil, err
	}
	switch n.Kind {
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, newConfigError(ErrInvalidValue, path, err.Error())
		}
		return v, nil
	case yaml.SequenceNode:
		items := make([]any, 0, len(n.Content))
		for i, item := range n.Content {
			v, err := d.leaf(item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	}
	return nil, newConfigError(ErrInvalidValue, path, fmt.Sprintf("expected scalar, got %s", kindName(n.Kind)))
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return fmt.Sprintf("kind %d", k)
	}
}
