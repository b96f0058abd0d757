package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"agentflow/internal/domain"
)

// InlineInput is what an inline function receives. Context is a deep copy
// of the pass context; mutating it has no effect on the runner.
type InlineInput struct {
	Workflow string
	Step     string
	Context  map[string]any
	Params   map[string]string
	Args     map[string]string
}

// Lookup resolves a step.path reference against the input context.
func (in InlineInput) Lookup(path string) (any, error) {
	ref, err := ParseReference(path)
	if err != nil {
		return nil, err
	}
	return ref.Resolve(contextFrom(in.Context))
}

// Arg returns the named argument, or fallback when it is absent or empty.
func (in InlineInput) Arg(name, fallback string) string {
	if v := in.Args[name]; v != "" {
		return v
	}
	return fallback
}

// InlineFunc is a compiled inline computation. It returns a JSON-like record,
// nil for "no result", or an error that fails the step.
type InlineFunc func(ctx context.Context, in InlineInput) (any, error)

// InlineRegistry maps names used in workflow definitions to inline functions.
type InlineRegistry struct {
	mu     sync.RWMutex
	funcs  map[string]InlineFunc
	frozen bool
}

// NewInlineRegistry creates an empty registry.
func NewInlineRegistry() *InlineRegistry {
	return &InlineRegistry{funcs: make(map[string]InlineFunc)}
}

// Register adds fn under name.
func (r *InlineRegistry) Register(name string, fn InlineFunc) error {
	const op = "InlineRegistry.Register"
	if name == "" || fn == nil {
		return domain.NewSubSystemError("inline", op, domain.ErrInvalidInput, "name and function are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return domain.NewDomainError(op, domain.ErrConfiguration, fmt.Sprintf("registry is frozen, cannot add %q", name))
	}
	if _, ok := r.funcs[name]; ok {
		return domain.NewSubSystemError("inline", op, domain.ErrDuplicate, name)
	}
	r.funcs[name] = fn
	return nil
}

// Get returns the function registered under name.
func (r *InlineRegistry) Get(name string) (InlineFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.funcs[name]
	if !ok {
		return nil, domain.NewSubSystemError("inline", "InlineRegistry.Get", domain.ErrNotFound, name)
	}
	return fn, nil
}

// Names lists registered functions, sorted.
func (r *InlineRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Freeze makes the registry read-only.
func (r *InlineRegistry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}
