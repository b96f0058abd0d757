package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"agentflow/internal/infra/config"
	"agentflow/internal/infra/logger"
	"agentflow/internal/infra/tracer"
	"agentflow/internal/usecase/eventbus"
)

type runOptions struct {
	once      bool
	params    []string
	workflows []string
	events    bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run workflows until interrupted",
		Long: `Run every selected workflow in its own polling loop until SIGINT or
SIGTERM. A stop request lets the in-flight tool call finish, records the
partial pass and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorkflows(cmd, root, opts)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.once, "once", false, "run a single pass of each workflow and exit")
	f.StringArrayVarP(&opts.params, "param", "p", nil, "set a process-wide parameter (NAME=VALUE, repeatable)")
	f.StringSliceVarP(&opts.workflows, "workflow", "w", nil, "workflows to run (default: engine.workflows, then all)")
	f.BoolVar(&opts.events, "events", false, "stream pass and step events to stdout as JSON lines")
	return cmd
}

func runWorkflows(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	params, err := parseParams(opts.params)
	if err != nil {
		return err
	}
	cfg, err := config.Load(root.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.WithoutCancel(ctx))

	eng, err := buildEngine(cfg, log, engineOptions{
		params:    params,
		workflows: opts.workflows,
		withStore: true,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	if opts.events {
		eng.bus.SubscribeAll(eventbus.JSONLines(cmd.OutOrStdout(), log))
	}

	log.Info("agentflow starting",
		"workflows", len(eng.runners),
		"tools", len(eng.defs.Tools),
		"once", opts.once,
		"store", cfg.Store.Backend,
	)
	err = eng.run(ctx, opts.once)
	if errors.Is(err, context.Canceled) {
		log.Info("agentflow stopped")
		return nil
	}
	return err
}
