package grid

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// MarshalJSON encodes the combination as a JSON object whose keys keep their
// declaration order. Integral floats are written with a trailing ".0" so that a
// round trip preserves int versus float leaves.
func (c Combination) MarshalJSON() ([]byte, error) {
	if c.space == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	if err := encodeSpace(&buf, c.space); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an ordered JSON object produced by MarshalJSON.
func (c *Combination) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*c = Combination{}
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode combination: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("decode combination: expected object, got %v", tok)
	}
	s, err := decodeSpace(dec)
	if err != nil {
		return fmt.Errorf("decode combination: %w", err)
	}
	c.space = s
	return nil
}

func encodeSpace(buf *bytes.Buffer, s *Space) error {
	buf.WriteByte('{')
	for i, e := range s.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Key)
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteByte(':')

		switch e.Value.kind {
		case KindNested:
			if err := encodeSpace(buf, e.Value.nested); err != nil {
				return err
			}
		case KindScalar:
			if err := encodeLeaf(buf, e.Value.scalar); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: candidate leaf %q in combination", ErrInvalidValue, e.Key)
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeLeaf(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case float64:
		if math.IsInf(x, 0) || math.IsNaN(x) {
			return fmt.Errorf("%w: non-finite float %v", ErrInvalidValue, x)
		}
		s := strconv.FormatFloat(x, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		buf.WriteString(s)
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeLeaf(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return err
		}
		buf.Write(data)
		return nil
	}
}

// decodeSpace reads object members until the closing brace. The opening brace has
// already been consumed.
func decodeSpace(dec *json.Decoder) (*Space, error) {
	s := &Space{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if d, ok := tok.(json.Delim); ok && d == '}' {
			return s, nil
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected key, got %v", tok)
		}

		v, err := decodeValue(dec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if sub, isSpace := v.(*Space); isSpace {
			s.Set(key, Nested(sub))
		} else {
			s.Set(key, Scalar(v))
		}
	}
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err == io.EOF {
		return nil, io.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, err
	}

	switch x := tok.(type) {
	case json.Delim:
		switch x {
		case '{':
			return decodeSpace(dec)
		case '[':
			list := make([]any, 0)
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				if _, isSpace := item.(*Space); isSpace {
					return nil, fmt.Errorf("%w: object inside list", ErrInvalidValue)
				}
				list = append(list, item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return list, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", x)
	case json.Number:
		return numberLeaf(x)
	default:
		return x, nil
	}
}

func numberLeaf(n json.Number) (any, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.Atoi(s); err == nil {
			return i, nil
		}
	}
	return n.Float64()
}
