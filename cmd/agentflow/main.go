package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agentflow: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "agentflow",
		Short: "Run declarative polling workflows of HTTP tools",
		Long: `agentflow loads tool and workflow definitions from YAML and runs each
workflow as an endless polling loop: every pass executes the steps in order,
guards decide which steps run, and results flow into later steps through
{{step.path}} references.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath(),
		"config file (env AGENTFLOW_CONFIG)")

	root.AddCommand(
		newRunCmd(opts),
		newValidateCmd(opts),
		newListCmd(opts),
		newHistoryCmd(opts),
		newEncryptCmd(),
		newDoctorCmd(opts),
		newVersionCmd(),
	)
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("AGENTFLOW_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentflow %s\n", version)
		},
	}
}
