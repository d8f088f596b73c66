package models

// Context is the free-form JSON tree attached to an issue. Values are the
// usual encoding/json shapes: nil, bool, float64, string, []any,
// map[string]any.
type Context map[string]any

// Clone returns a deep copy of the context.
func (c Context) Clone() Context {
	if c == nil {
		return nil
	}
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge returns a deep merge of c and other, with other winning on key
// collisions. Nested objects merge recursively; every other value type is
// replaced wholesale. Neither input is mutated.
func (c Context) Merge(other Context) Context {
	if c == nil && other == nil {
		return nil
	}
	out := c.Clone()
	if out == nil {
		out = make(Context, len(other))
	}
	for k, v := range other {
		if dst, ok := out[k].(map[string]any); ok {
			if src, ok := v.(map[string]any); ok {
				out[k] = map[string]any(Context(dst).Merge(Context(src)))
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case Context:
		return map[string]any(t.Clone())
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}
