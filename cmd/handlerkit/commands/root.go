package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "handlerkit",
		Short: "handlerkit - resource handler invocation orchestrator",
		Long: `handlerkit wraps a resource lifecycle handler and drives one host
invocation at a time: it validates the request, runs the handler, reports
status transitions and decides how an unfinished operation continues.

Handlers are Starlark scripts or external processes speaking a line-delimited
JSON protocol on stdio. Operations that cannot finish within the host budget
are re-invoked later from the trigger table by "handlerkit serve".`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML, JSON or CUE)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInvokeCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newReportsCommand())
	rootCmd.AddCommand(newTriggersCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newServeHandlerCommand())

	return rootCmd
}
