package tool

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"agentflow/internal/domain"
)

// Registry holds named tool descriptors and their compiled schemas.
// It becomes read-only once frozen; a running workflow never observes a change.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]domain.Tool
	schemas map[string]*toolSchemas
	frozen  bool
	logger  *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]domain.Tool),
		schemas: make(map[string]*toolSchemas),
		logger:  logger,
	}
}

// Register adds a tool. It fails with ErrDuplicateTool if the name is taken,
// with ErrInvalidInput if the descriptor is incomplete, and with
// ErrConfiguration if a schema does not compile or the registry is frozen.
func (r *Registry) Register(t domain.Tool) error {
	const op = "Registry.Register"

	if err := checkDescriptor(t); err != nil {
		return domain.NewSubSystemError("tool", op, domain.ErrInvalidInput, err.Error())
	}

	schemas, err := compileSchemas(t)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrConfiguration, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return domain.NewDomainError(op, domain.ErrConfiguration, fmt.Sprintf("registry is frozen, cannot add %q", t.Name))
	}
	if _, exists := r.tools[t.Name]; exists {
		return domain.NewDomainError(op, domain.ErrDuplicateTool, t.Name)
	}

	t.HTTP = cloneTemplate(t.HTTP)
	r.tools[t.Name] = t
	r.schemas[t.Name] = schemas
	r.logger.Debug("tool registered", "tool", t.Name, "method", t.HTTP.Method)
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return domain.Tool{}, domain.NewDomainError("Registry.Get", domain.ErrUnknownTool, name)
	}
	return t, nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// ValidateArguments checks resolved step arguments against the tool's
// argument schema. Tools without a schema accept anything.
func (r *Registry) ValidateArguments(name string, args map[string]string) error {
	s, err := r.schemasFor(name)
	if err != nil || s.args == nil {
		return err
	}
	return s.validateArguments(name, args)
}

// ValidateResponse checks a decoded response body against the tool's
// response schema. Tools without a schema accept anything.
func (r *Registry) ValidateResponse(name string, body any) error {
	s, err := r.schemasFor(name)
	if err != nil || s.response == nil {
		return err
	}
	return s.validateResponse(name, body)
}

// HasResponseSchema reports whether responses of the tool are validated.
func (r *Registry) HasResponseSchema(name string) bool {
	s, err := r.schemasFor(name)
	return err == nil && s.response != nil
}

func (r *Registry) schemasFor(name string) (*toolSchemas, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Schemas", domain.ErrUnknownTool, name)
	}
	return s, nil
}

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true, "HEAD": true,
}

func checkDescriptor(t domain.Tool) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.HTTP == nil {
		return fmt.Errorf("tool %q has no http template", t.Name)
	}
	if !validMethods[strings.ToUpper(t.HTTP.Method)] {
		return fmt.Errorf("tool %q: unsupported method %q", t.Name, t.HTTP.Method)
	}
	if t.HTTP.URL == "" {
		return fmt.Errorf("tool %q: url is required", t.Name)
	}
	switch t.HTTP.BodyFormat {
	case "", domain.BodyFormatText, domain.BodyFormatJSON:
	default:
		return fmt.Errorf("tool %q: unknown body_format %q", t.Name, t.HTTP.BodyFormat)
	}
	if t.Timeout < 0 || t.RatePerMinute < 0 {
		return fmt.Errorf("tool %q: timeout and rate_per_minute must be >= 0", t.Name)
	}
	return nil
}

// cloneTemplate copies the mutable parts of an HTTP template so a registered
// tool cannot be altered through the caller's pointer.
func cloneTemplate(h *domain.HTTPTemplate) *domain.HTTPTemplate {
	c := *h
	c.Method = strings.ToUpper(h.Method)
	if h.Headers != nil {
		c.Headers = make(map[string]string, len(h.Headers))
		for k, v := range h.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}
