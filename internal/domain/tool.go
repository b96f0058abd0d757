package domain

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Body formats for HTTP templates.
const (
	BodyFormatText = "text"
	BodyFormatJSON = "json"
)

// HTTPTemplate is the request template of an HTTP tool. Every string in it may
// contain ${NAME}, {name} and {{step.path}} references resolved per invocation.
type HTTPTemplate struct {
	Method     string            `json:"method" yaml:"method"`
	URL        string            `json:"url" yaml:"url"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body       any               `json:"body,omitempty" yaml:"body,omitempty"` // string, or a structured mapping/sequence
	BodyFormat string            `json:"body_format,omitempty" yaml:"body_format,omitempty"`
}

// Tool is a named external-action descriptor. Immutable once registered.
type Tool struct {
	Name           string          `json:"name" yaml:"name"`
	Description    string          `json:"description,omitempty" yaml:"description,omitempty"`
	HTTP           *HTTPTemplate   `json:"http,omitempty" yaml:"http,omitempty"`
	Timeout        time.Duration   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RatePerMinute  int             `json:"rate_per_minute,omitempty" yaml:"rate_per_minute,omitempty"`
	ArgumentSchema json.RawMessage `json:"argument_schema,omitempty" yaml:"-"`
	ResponseSchema json.RawMessage `json:"response_schema,omitempty" yaml:"-"`
}

// ToolRequest is a fully resolved HTTP request ready to be sent.
type ToolRequest struct {
	Tool    string
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Timeout time.Duration
}

// ToolResponse is the captured outcome of one tool invocation.
// Err is set for network errors, timeouts, non-2xx statuses and open circuits;
// the invoker never returns it as a Go error.
type ToolResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Err        error
	Retryable  bool // Err is transient; a later pass may succeed
	Duration   time.Duration
}

// OK reports whether the invocation produced a 2xx response without error.
func (r *ToolResponse) OK() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// ToolRegistry abstracts tool lookup.
type ToolRegistry interface {
	Get(name string) (Tool, error)
	Names() []string
}

// ToolInvoker issues the single network call behind a tool step.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool Tool, req ToolRequest) *ToolResponse
}
