package config

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateEngine(cfg, ve)
	validateHTTP(cfg, ve)
	validateStore(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateParameters(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateEngine(cfg *Config, ve *ValidationError) {
	if cfg.Engine.DefinitionsDir == "" {
		ve.Add("engine.definitions_dir must not be empty")
	}
	if cfg.Engine.DefaultInterval <= 0 {
		ve.Add("engine.default_interval must be > 0")
	}
	if cfg.Engine.MaxBackoff < 0 {
		ve.Add("engine.max_backoff must be >= 0")
	}
	seen := make(map[string]bool, len(cfg.Engine.Workflows))
	for i, name := range cfg.Engine.Workflows {
		if name == "" {
			ve.Add("engine.workflows[%d] must not be empty", i)
			continue
		}
		if seen[name] {
			ve.Add("engine.workflows: duplicate workflow %q", name)
		}
		seen[name] = true
	}
}

func validateHTTP(cfg *Config, ve *ValidationError) {
	if cfg.HTTP.DefaultTimeout <= 0 {
		ve.Add("http.default_timeout must be > 0")
	}
	if cfg.HTTP.MaxResponseBytes <= 0 {
		ve.Add("http.max_response_bytes must be > 0")
	}
	if cb := cfg.HTTP.CircuitBreaker; cb.Enabled {
		if cb.MaxFailures == 0 {
			ve.Add("http.circuit_breaker.max_failures must be > 0 when enabled")
		}
		if cb.Timeout <= 0 {
			ve.Add("http.circuit_breaker.timeout must be > 0 when enabled")
		}
	}
	if cfg.HTTP.Pool.MaxIdleConns < 0 || cfg.HTTP.Pool.MaxIdleConnsPerHost < 0 || cfg.HTTP.Pool.MaxConnsPerHost < 0 {
		ve.Add("http.pool connection limits must be >= 0")
	}
}

var validStoreBackends = map[string]bool{
	"none":   true,
	"file":   true,
	"sqlite": true,
}

func validateStore(cfg *Config, ve *ValidationError) {
	if !validStoreBackends[cfg.Store.Backend] {
		ve.Add("store.backend %q is invalid (want none, file or sqlite)", cfg.Store.Backend)
		return
	}
	if cfg.Store.Backend != "none" && cfg.Store.Path == "" {
		ve.Add("store.path is required for backend %q", cfg.Store.Backend)
	}
	if cfg.Store.MaxRecords < 0 {
		ve.Add("store.max_records must be >= 0")
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if lvl := strings.ToLower(cfg.Logger.Level); lvl != "" && !validLogLevels[lvl] {
		ve.Add("logger.level %q is invalid", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want text or json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is unsupported", cfg.Tracer.Exporter)
	}
}

var paramNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateParameters(cfg *Config, ve *ValidationError) {
	for name := range cfg.Parameters {
		if !paramNameRe.MatchString(name) {
			ve.Add("parameters: %q is not a valid parameter name", name)
		}
	}
}
