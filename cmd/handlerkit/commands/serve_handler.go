package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/handlerkit/pkg/handlers/script"
	"github.com/openfroyo/handlerkit/pkg/handlers/stdio"
	"github.com/openfroyo/handlerkit/pkg/proxy"
)

func newServeHandlerCommand() *cobra.Command {
	var (
		scriptPath string
		version    string
	)

	cmd := &cobra.Command{
		Use:   "serve-handler",
		Short: "Serve a Starlark handler over the stdio protocol",
		Long: `Run a Starlark handler as a handler process: READY is written to stdout,
then every CMD read from stdin is answered with EVENT messages for the logs
of the handler and a final DONE or ERROR.

This lets a "process" handler configuration point at handlerkit itself.`,
		Example: `  handler:
    kind: process
    command: handlerkit
    args: ["serve-handler", "--script", "bucket.star"]`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := script.Load(scriptPath, script.Options{})
			if err != nil {
				return err
			}
			return stdio.Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), h, stdio.ServeOptions{
				Version: version,
				Actions: []proxy.Action{
					proxy.ActionCreate, proxy.ActionRead, proxy.ActionUpdate, proxy.ActionDelete, proxy.ActionList,
				},
			})
		},
	}

	cmd.Flags().StringVar(&scriptPath, "script", "handler.star", "Starlark handler script")
	cmd.Flags().StringVar(&version, "protocol-version", "1.0.0", "version announced in READY")

	return cmd
}
