package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Value is an opaque structured value: test inputs, expected outputs and
// program results. It holds JSON-shaped data only (nil, bool, float64,
// string, []any, map[string]any) so equality is well defined.
type Value struct {
	v any
}

// NewValue normalizes raw into JSON-shaped data. Integers become float64 and
// maps with non-string keys are rejected by falling back to their JSON form.
func NewValue(raw any) Value {
	return Value{v: normalize(raw)}
}

// ParseValue decodes JSON text.
func ParseValue(data []byte) (Value, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return Value{}, err
	}
	if dec.More() {
		return Value{}, fmt.Errorf("trailing data after value")
	}
	return Value{v: raw}, nil
}

// Raw returns the underlying JSON-shaped data.
func (v Value) Raw() any { return v.v }

func (v Value) IsNull() bool { return v.v == nil }

// AsString returns the value when it is a string.
func (v Value) AsString() (string, bool) {
	s, ok := v.v.(string)
	return s, ok
}

// String renders the value as compact JSON.
func (v Value) String() string {
	data, err := json.Marshal(v.v)
	if err != nil {
		return fmt.Sprint(v.v)
	}
	return string(data)
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.v)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseValue(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v.v = normalize(raw)
	return nil
}

func (v Value) MarshalYAML() (interface{}, error) {
	return v.v, nil
}

func normalize(raw any) any {
	switch t := raw.(type) {
	case nil, bool, string, float64:
		return t
	case Value:
		return t.v
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	}
	// Anything else goes through its JSON form.
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Sprint(raw)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}
