package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"agentflow/internal/adapter/passstore"
	"agentflow/internal/domain"
	"agentflow/internal/infra/config"
	"agentflow/internal/infra/logger"
	"agentflow/internal/usecase/workflow"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	var workflows []string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load the definitions and build every workflow without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			eng, err := buildEngine(cfg, logger.Discard(), engineOptions{workflows: workflows})
			if err != nil {
				return err
			}
			defer eng.Close()

			out := cmd.OutOrStdout()
			for _, r := range eng.runners {
				fmt.Fprintf(out, "ok  %s (%d steps)\n", r.Name(), len(r.Workflow().Steps))
			}
			fmt.Fprintf(out, "%d tools, %d workflows valid\n", len(eng.defs.Tools), len(eng.runners))
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&workflows, "workflow", "w", nil, "workflows to validate (default: all)")
	return cmd
}

func newListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the loaded tools and workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			defs, err := workflow.LoadDefinitions(cfg.Engine.DefinitionsDir, logger.Discard())
			if err != nil {
				return fmt.Errorf("definitions: %w", err)
			}
			writeListing(cmd.OutOrStdout(), defs)
			return nil
		},
	}
}

func writeListing(w io.Writer, defs *workflow.Definitions) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tMETHOD\tSOURCE\tDESCRIPTION")
	for _, t := range defs.Tools {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Name, strings.ToUpper(t.HTTP.Method), defs.Sources["tool:"+t.Name], t.Description)
	}
	tw.Flush()

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKFLOW\tSTEPS\tREPEAT\tWAIT\tSOURCE")
	for _, name := range defs.WorkflowNames() {
		wf, _ := defs.Workflow(name)
		repeat := wf.RepeatStep
		if repeat == "" && len(wf.Steps) > 0 {
			repeat = wf.Steps[0].Name
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", name, len(wf.Steps), repeat, describeWait(wf), defs.Sources["workflow:"+name])
	}
	tw.Flush()
}

func describeWait(wf domain.Workflow) string {
	switch {
	case wf.Schedule != "":
		return "cron " + wf.Schedule
	case wf.Interval > 0:
		return "every " + wf.Interval.String()
	}
	return "default"
}

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var (
		name  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent passes from the pass store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			store, err := passstore.New(cfg.Store)
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("pass store is disabled (store.backend is %q)", cfg.Store.Backend)
			}
			defer store.Close()

			recs, err := store.ListPasses(cmd.Context(), name, limit)
			if err != nil {
				return err
			}
			writeHistory(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "workflow", "w", "", "only show this workflow")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of passes")
	return cmd
}

func writeHistory(w io.Writer, recs []domain.PassRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no passes recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tWORKFLOW\tPASS\tDURATION\tFAILED\tSKIPPED\tSTEPS")
	for _, r := range recs {
		steps := make([]string, 0, len(r.Steps))
		for _, s := range r.Steps {
			steps = append(steps, s.Step+"="+s.Status)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%d\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Workflow, r.Pass,
			r.Duration.Round(time.Millisecond), r.Failed, r.Skipped, strings.Join(steps, " "))
	}
	tw.Flush()
}
