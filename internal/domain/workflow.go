package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Backoff stretches the inter-pass wait after passes that had failed steps.
type Backoff struct {
	Factor float64       `json:"factor,omitempty" yaml:"factor,omitempty"`
	Max    time.Duration `json:"max,omitempty" yaml:"max,omitempty"`
	Jitter float64       `json:"jitter,omitempty" yaml:"jitter,omitempty"` // 0..1, fraction of the wait
}

// Workflow is an ordered step sequence executed in an indefinite polling loop.
type Workflow struct {
	DisplayName string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step            `json:"steps" yaml:"steps"`
	RepeatStep  string            `json:"repeat_step" yaml:"repeat_step"`
	Interval    time.Duration     `json:"interval,omitempty" yaml:"interval,omitempty"`
	Schedule    string            `json:"schedule,omitempty" yaml:"schedule,omitempty"` // cron expression, overrides Interval
	Backoff     *Backoff          `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// StepIndex returns the position of the named step, or -1.
func (w Workflow) StepIndex(name string) int {
	for i, s := range w.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Step is one node of a workflow. Exactly one of Tool or Inline is set.
type Step struct {
	Name      string            `json:"name" yaml:"name"`
	Tool      string            `json:"tool,omitempty" yaml:"tool,omitempty"`
	Inline    string            `json:"inline,omitempty" yaml:"inline,omitempty"`
	When      string            `json:"when,omitempty" yaml:"when,omitempty"`
	Arguments map[string]string `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// StepKind tags which execution path produced a result.
type StepKind string

const (
	StepKindTool    StepKind = "tool"
	StepKindInline  StepKind = "inline"
	StepKindSkipped StepKind = "skipped"
)

// Step outcome statuses.
const (
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
	StepStatusSkipped   = "skipped"
)

// StepResult records the outcome of executing (or skipping) a single step.
type StepResult struct {
	Step       string            `json:"step"`
	Seq        uint64            `json:"seq"`
	Pass       uint64            `json:"pass"`
	Kind       StepKind          `json:"kind"`
	Status     string            `json:"status"`
	StatusCode int               `json:"status_code,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	Value      any               `json:"value,omitempty"`
	Error      string            `json:"error,omitempty"`
	ErrorCode  ErrorCode         `json:"error_code,omitempty"`
	Retryable  bool              `json:"retryable,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration"`
}

// Failed reports whether the step ran and failed.
func (r StepResult) Failed() bool { return r.Status == StepStatusFailed }

// View returns the structured value stored in the execution context for this
// result. Skipped steps yield nil.
func (r StepResult) View() any {
	var errVal any
	if r.Error != "" {
		errVal = r.Error
	}

	switch r.Kind {
	case StepKindSkipped:
		return nil
	case StepKindInline:
		return map[string]any{
			"result": r.Value,
			"error":  errVal,
			"failed": r.Failed(),
		}
	default:
		headers := make(map[string]any, len(r.Headers))
		for k, v := range r.Headers {
			headers[k] = v
		}
		var body, response any
		if r.Body != "" {
			body = r.Body
			var decoded any
			if json.Unmarshal([]byte(r.Body), &decoded) == nil {
				response = decoded
			}
		}
		return map[string]any{
			"status":       r.StatusCode,
			"statusCode":   r.StatusCode,
			"ok":           !r.Failed(),
			"headers":      headers,
			"body":         body,
			"responseBody": body,
			"response":     response,
			"error":        errVal,
			"failed":       r.Failed(),
		}
	}
}

// StepOutcome is the compact per-step entry of a PassRecord.
type StepOutcome struct {
	Step       string        `json:"step"`
	Guard      bool          `json:"guard"`
	Status     string        `json:"status"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorCode  ErrorCode     `json:"error_code,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// PassRecord summarises one traversal of a workflow's step sequence.
type PassRecord struct {
	ID        string        `json:"id"`
	Workflow  string        `json:"workflow"`
	Pass      uint64        `json:"pass"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Steps     []StepOutcome `json:"steps"`
}

// PassStore persists pass records for operator inspection.
type PassStore interface {
	SavePass(ctx context.Context, rec PassRecord) error
	ListPasses(ctx context.Context, workflow string, limit int) ([]PassRecord, error)
	Close() error
}
