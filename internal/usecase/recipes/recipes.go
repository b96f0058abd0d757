// Package recipes holds the compiled inline computations used by the
// bundled workflow definitions. Each one reads upstream step results from
// its input and returns a JSON-like record, or nil when there is nothing to
// act on this pass.
package recipes

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"agentflow/internal/domain"
	"agentflow/internal/usecase/workflow"
)

// Inline function names, as referenced by a step's `inline:` field.
const (
	LatestByField      = "latest_by_field"
	EvaluateBuild      = "evaluate_build"
	StructurePubSub    = "structure_pubsub_error"
	DetectMemoryGrowth = "detect_memory_growth"
	BuildReport        = "build_report"
	RecordMitigation   = "record_mitigation"
)

// timestampLayout matches the record timestamps written to the realtime DB.
const timestampLayout = "2006-01-02T15:04:05Z"

// Set is the collection of recipe inline functions.
type Set struct {
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Set.
type Option func(*Set)

// WithClock overrides the time source used for generated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Set) { s.now = now }
}

// WithLogger sets the logger used by recipes that report progress.
func WithLogger(l *slog.Logger) Option {
	return func(s *Set) { s.logger = l }
}

// New creates a recipe set.
func New(opts ...Option) *Set {
	s := &Set{now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Funcs returns every recipe keyed by its inline name.
func (s *Set) Funcs() map[string]workflow.InlineFunc {
	return map[string]workflow.InlineFunc{
		LatestByField:      s.latestByField,
		EvaluateBuild:      s.evaluateBuild,
		StructurePubSub:    s.structurePubSubError,
		DetectMemoryGrowth: s.detectMemoryGrowth,
		BuildReport:        s.buildReport,
		RecordMitigation:   s.recordMitigation,
	}
}

// Register adds every recipe to reg.
func (s *Set) Register(reg *workflow.InlineRegistry) error {
	for name, fn := range s.Funcs() {
		if err := reg.Register(name, fn); err != nil {
			return domain.WrapOp("recipes.Register", err)
		}
	}
	return nil
}

func (s *Set) timestamp() string {
	return s.now().UTC().Format(timestampLayout)
}

// lookupOptional resolves path, treating an unresolved reference as absent.
func lookupOptional(in workflow.InlineInput, path string) (any, bool, error) {
	v, err := in.Lookup(path)
	if err != nil {
		if errors.Is(err, domain.ErrUnresolvedReference) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v, v != nil, nil
}

// splitList parses a comma separated argument, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func argFloat(in workflow.InlineInput, name string, fallback float64) (float64, error) {
	raw := in.Arg(name, "")
	if raw == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("argument %q: %w", name, err)
	}
	return f, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}
