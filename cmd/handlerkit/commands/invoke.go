package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/openfroyo/handlerkit/pkg/budget"
)

// DefaultTarget names this host when re-invocation triggers are registered.
const DefaultTarget = "handlerkit"

func newInvokeCommand() *cobra.Command {
	var (
		requestFile string
		target      string
	)

	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "Run one handler invocation",
		Long: `Read one handler request as JSON, run it and write exactly one response
to stdout.

The invocation gets the configured budget. If the handler returns IN_PROGRESS
and the remaining budget allows it, the wrapper waits and calls the handler
again in the same process; otherwise a re-invocation trigger is stored and
picked up later by "handlerkit serve".`,
		Example: `  # Request on stdin
  handlerkit invoke < create.json

  # Request from a file with a CUE config
  handlerkit invoke -c handlerkit.cue --request create.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			in, err := openInput(requestFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer in.Close()

			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close(context.Background()) }()

			host := budget.NewDeadline(target, cfg.Budget)
			return rt.wrapper.Handle(rt.tel.WithContext(ctx), in, cmd.OutOrStdout(), host)
		},
	}

	cmd.Flags().StringVarP(&requestFile, "request", "r", "-", "request file, - for stdin")
	cmd.Flags().StringVar(&target, "target", DefaultTarget, "name under which re-invocations are registered")

	return cmd
}
