package workflow

import (
	"maps"
	"sort"
)

// ExecutionContext maps step names to the structured view of their latest
// result within one pass. It is an immutable value: With returns a new
// context and never mutates the receiver, so a context handed to an inline
// function or kept for inspection cannot change underneath its holder.
type ExecutionContext struct {
	values map[string]any
}

// NewExecutionContext returns an empty context.
func NewExecutionContext() ExecutionContext {
	return ExecutionContext{}
}

// With returns a copy of c with step bound to value. A nil value records a
// skipped step.
func (c ExecutionContext) With(step string, value any) ExecutionContext {
	next := make(map[string]any, len(c.values)+1)
	maps.Copy(next, c.values)
	next[step] = value
	return ExecutionContext{values: next}
}

// Lookup returns the value stored for step. ok is false when the step has
// not been recorded in this context.
func (c ExecutionContext) Lookup(step string) (value any, ok bool) {
	value, ok = c.values[step]
	return value, ok
}

// Has reports whether step has been recorded, skipped steps included.
func (c ExecutionContext) Has(step string) bool {
	_, ok := c.values[step]
	return ok
}

// Len returns the number of recorded steps.
func (c ExecutionContext) Len() int { return len(c.values) }

// Steps returns the recorded step names, sorted.
func (c ExecutionContext) Steps() []string {
	names := make([]string, 0, len(c.values))
	for name := range c.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a deep copy of the context contents. Mutating the result
// does not affect c.
func (c ExecutionContext) Snapshot() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = deepCopy(v)
	}
	return out
}

// contextFrom wraps a plain map, copying it deeply.
func contextFrom(m map[string]any) ExecutionContext {
	if len(m) == 0 {
		return ExecutionContext{}
	}
	values := make(map[string]any, len(m))
	for k, v := range m {
		values[k] = deepCopy(v)
	}
	return ExecutionContext{values: values}
}

// deepCopy copies the JSON-like container types. Scalars are returned as is.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	case map[string]string:
		return maps.Clone(t)
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
