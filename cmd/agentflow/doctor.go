package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"agentflow/internal/adapter/passstore"
	"agentflow/internal/domain"
	"agentflow/internal/infra/config"
	"agentflow/internal/infra/logger"
	"agentflow/internal/usecase/workflow"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

func newDoctorCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run health checks on the configuration and definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.OutOrStdout(), root.configPath)
		},
	}
}

// runDoctor executes all health checks and reports results.
func runDoctor(w io.Writer, cfgPath string) error {
	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Definitions", Fn: checkDefinitions},
		{Name: "Parameters", Fn: checkParameters},
		{Name: "Pass store", Fn: checkStore},
	}

	fmt.Fprintln(w, "agentflow doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports whether the config file exists and loads. A
// missing file is only a warning: defaults and env overrides still apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and permissions (0600)",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

// checkDefinitions loads the definitions and builds every workflow.
func checkDefinitions(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	eng, err := buildEngine(cfg, logger.Discard(), engineOptions{})
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Run 'agentflow validate' for details",
		}
	}
	defer eng.Close()
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d tools, %d workflows in %s", len(eng.defs.Tools), len(eng.runners), cfg.Engine.DefinitionsDir),
	}
}

// checkParameters warns about ${NAME} references that no parameter source
// provides.
func checkParameters(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	defs, err := workflow.LoadDefinitions(cfg.Engine.DefinitionsDir, logger.Discard())
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}

	missing := missingParameters(defs, cfg.Parameters)
	if len(missing) == 0 {
		return CheckResult{Status: StatusPass, Message: "every referenced parameter is set"}
	}
	var parts []string
	for _, wf := range sortedKeys(missing) {
		parts = append(parts, fmt.Sprintf("%s: %s", wf, strings.Join(missing[wf], ", ")))
	}
	return CheckResult{
		Status:  StatusWarn,
		Message: "unset parameters, " + strings.Join(parts, "; "),
		Fix:     "Set them under parameters:, as " + config.EnvParamPrefix + "<NAME>, or with run --param NAME=VALUE",
	}
}

var paramRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// missingParameters lists, per workflow, the parameter names referenced by
// its steps and their tools that neither the workflow defaults, the given
// params, nor the step's own arguments supply.
func missingParameters(defs *workflow.Definitions, params map[string]string) map[string][]string {
	tools := make(map[string]domain.Tool, len(defs.Tools))
	for _, t := range defs.Tools {
		tools[t.Name] = t
	}

	out := make(map[string][]string)
	for _, name := range defs.WorkflowNames() {
		wf, _ := defs.Workflow(name)
		seen := make(map[string]bool)
		for _, step := range wf.Steps {
			var texts []string
			for _, v := range step.Arguments {
				texts = append(texts, v)
			}
			stepTexts := collectParams(texts)
			var toolTexts []string
			if t, ok := tools[step.Tool]; ok && t.HTTP != nil {
				toolTexts = collectParams(templateStrings(t.HTTP))
			}
			for _, p := range append(stepTexts, toolTexts...) {
				if _, ok := step.Arguments[p]; ok {
					continue
				}
				if _, ok := wf.Parameters[p]; ok {
					continue
				}
				if _, ok := params[p]; ok {
					continue
				}
				seen[p] = true
			}
		}
		if len(seen) > 0 {
			out[name] = sortedKeys(seen)
		}
	}
	return out
}

func collectParams(texts []string) []string {
	var out []string
	for _, t := range texts {
		for _, m := range paramRef.FindAllStringSubmatch(t, -1) {
			out = append(out, m[1])
		}
	}
	return out
}

// templateStrings returns every string of an HTTP template, including the
// leaves of a structured body.
func templateStrings(h *domain.HTTPTemplate) []string {
	out := []string{h.URL}
	for _, v := range h.Headers {
		out = append(out, v)
	}
	var walk func(v any)
	walk = func(v any) {
		switch b := v.(type) {
		case string:
			out = append(out, b)
		case map[string]any:
			for k, e := range b {
				out = append(out, k)
				walk(e)
			}
		case []any:
			for _, e := range b {
				walk(e)
			}
		}
	}
	walk(h.Body)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// checkStore opens the configured pass store.
func checkStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	store, err := passstore.New(cfg.Store)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     fmt.Sprintf("Make %s writable or change store.path", filepath.Dir(cfg.Store.Path)),
		}
	}
	if store == nil {
		return CheckResult{Status: StatusWarn, Message: "pass store disabled, 'history' will be empty"}
	}
	store.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s store at %s", cfg.Store.Backend, cfg.Store.Path)}
}
