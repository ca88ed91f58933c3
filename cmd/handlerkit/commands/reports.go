package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/handlerkit/pkg/stores"
)

func newReportsCommand() *cobra.Command {
	var (
		bearerToken string
		limit       int
		offset      int
	)

	cmd := &cobra.Command{
		Use:   "reports",
		Short: "List recorded progress reports",
		Long: `List the progress reports recorded in the store, newest first.

Reports are recorded when callback.record_reports is set.`,
		Example: `  # Reports of one operation as JSON
  handlerkit reports --bearer-token 6f1c... --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(store stores.Store) error {
				var token *string
				if bearerToken != "" {
					token = &bearerToken
				}
				reports, err := store.ListReports(cmd.Context(), token, limit, offset)
				if err != nil {
					return err
				}
				return printReports(cmd.OutOrStdout(), reports)
			})
		},
	}

	cmd.Flags().StringVar(&bearerToken, "bearer-token", "", "only reports of this operation")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of reports")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of reports to skip")

	return cmd
}

func newTriggersCommand() *cobra.Command {
	var (
		all    bool
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "triggers",
		Short: "List re-invocation triggers",
		Long:  `List re-invocation triggers. Only pending triggers are shown unless --all is set.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(store stores.Store) error {
				triggers, err := store.ListTriggers(cmd.Context(), !all, limit, offset)
				if err != nil {
					return err
				}
				return printTriggers(cmd.OutOrStdout(), triggers)
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include fired triggers")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of triggers")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of triggers to skip")

	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(store stores.Store) error {
				if err := store.HealthCheck(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "✓ Database is up to date")
				return nil
			})
		},
	}
}

// withStore opens the configured store, which also applies migrations.
func withStore(ctx context.Context, fn func(stores.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func printReports(w io.Writer, reports []*stores.Report) error {
	if jsonOutput {
		return writeJSON(w, reports)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REPORTED\tBEARER TOKEN\tSTATUS\tPREVIOUS\tERROR\tMESSAGE")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ReportedAt.Format(time.RFC3339), r.BearerToken, r.Status, r.PreviousStatus, deref(r.ErrorCode), deref(r.Message))
	}
	return tw.Flush()
}

func printTriggers(w io.Writer, triggers []*stores.Trigger) error {
	if jsonOutput {
		return writeJSON(w, triggers)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTARGET\tINVOCATION\tFIRE AT\tFIRED")
	for _, t := range triggers {
		fired := "-"
		if t.FiredAt != nil {
			fired = t.FiredAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", t.Name, t.Target, t.Invocation, t.FireAt.Format(time.RFC3339), fired)
	}
	return tw.Flush()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
