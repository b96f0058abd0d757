package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"agentflow/internal/adapter/passstore"
	"agentflow/internal/adapter/tool"
	"agentflow/internal/domain"
	"agentflow/internal/infra/config"
	"agentflow/internal/usecase/eventbus"
	"agentflow/internal/usecase/recipes"
	"agentflow/internal/usecase/workflow"
)

// engineOptions tune what buildEngine wires.
type engineOptions struct {
	params    map[string]string // override config parameters
	workflows []string          // empty = cfg.Engine.Workflows, then all
	withStore bool
	invoker   domain.ToolInvoker // nil = HTTP invoker from cfg.HTTP
}

// engine is the wired set of components behind the run and validate commands.
type engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	defs    *workflow.Definitions
	tools   *tool.Registry
	exec    *workflow.Executor
	store   domain.PassStore
	bus     *eventbus.Bus
	runners []*workflow.Runner
}

// buildEngine loads the definitions and constructs one runner per selected
// workflow. Every configuration problem surfaces here, before anything runs.
func buildEngine(cfg *config.Config, logger *slog.Logger, opts engineOptions) (*engine, error) {
	defs, err := workflow.LoadDefinitions(cfg.Engine.DefinitionsDir, logger)
	if err != nil {
		return nil, fmt.Errorf("definitions: %w", err)
	}

	tools := tool.NewRegistry(logger)
	if err := defs.RegisterTools(tools); err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}
	inlines := workflow.NewInlineRegistry()
	if err := recipes.New(recipes.WithLogger(logger)).Register(inlines); err != nil {
		return nil, fmt.Errorf("inline functions: %w", err)
	}

	invoker := opts.invoker
	if invoker == nil {
		invoker = tool.NewHTTPInvoker(cfg.HTTP, logger)
	}

	e := &engine{
		cfg:    cfg,
		logger: logger,
		defs:   defs,
		tools:  tools,
		exec:   workflow.NewExecutor(tools, invoker, inlines, logger),
		bus:    eventbus.New(logger),
	}

	if opts.withStore {
		if e.store, err = passstore.New(cfg.Store); err != nil {
			e.Close()
			return nil, fmt.Errorf("store: %w", err)
		}
	}

	names, err := selectWorkflows(defs, opts.workflows, cfg.Engine.Workflows)
	if err != nil {
		e.Close()
		return nil, err
	}
	params := mergeParams(cfg.Parameters, opts.params)

	for _, name := range names {
		wf, err := defs.Workflow(name)
		if err != nil {
			e.Close()
			return nil, err
		}
		runnerOpts := []workflow.Option{
			workflow.WithParameters(params),
			workflow.WithLogger(logger),
			workflow.WithEventBus(e.bus),
			workflow.WithDefaultInterval(cfg.Engine.DefaultInterval),
			workflow.WithMaxBackoff(cfg.Engine.MaxBackoff),
		}
		if e.store != nil {
			runnerOpts = append(runnerOpts, workflow.WithStore(e.store))
		}
		r, err := workflow.NewRunner(wf, tools, e.exec, runnerOpts...)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("workflow %q (%s): %w", name, defs.Sources["workflow:"+name], err)
		}
		e.runners = append(e.runners, r)
	}
	return e, nil
}

// Close releases the store and drains event subscribers.
func (e *engine) Close() error {
	e.bus.Close()
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// run drives every runner until ctx is cancelled, or for one pass when once.
func (e *engine) run(ctx context.Context, once bool) error {
	sup := workflow.NewSupervisor(e.logger, e.runners...)
	if once {
		return sup.RunOnce(ctx)
	}
	return sup.Run(ctx)
}

// selectWorkflows resolves the requested names: flags first, then config,
// then every loaded workflow.
func selectWorkflows(defs *workflow.Definitions, flagged, configured []string) ([]string, error) {
	names := flagged
	if len(names) == 0 {
		names = configured
	}
	if len(names) == 0 {
		names = defs.WorkflowNames()
	}
	if len(names) == 0 {
		return nil, domain.NewDomainError("selectWorkflows", domain.ErrConfiguration, "no workflows defined")
	}
	for _, n := range names {
		if _, err := defs.Workflow(n); err != nil {
			return nil, err
		}
	}
	return names, nil
}

func mergeParams(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// parseParams turns repeated K=V flags into a map.
func parseParams(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, want NAME=VALUE", p)
		}
		out[k] = v
	}
	return out, nil
}
