package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/handlerkit/pkg/budget"
	"github.com/openfroyo/handlerkit/pkg/proxy"
	"github.com/openfroyo/handlerkit/pkg/scheduler"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Fire due re-invocation triggers",
		Long: `Poll the trigger table and re-invoke the handler for every trigger that is
due. Each re-invocation runs in this process with a fresh budget.

When metrics are enabled the Prometheus endpoint is served as well, and with
validation.watch set the schema and policies are reloaded on change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			rt, err := newRuntime(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close(context.Background()) }()

			return rt.serve(rt.tel.WithContext(cmd.Context()))
		},
	}
	return cmd
}

func (rt *runtime) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if rt.cfg.Validation.Watch {
		rt.watch(ctx)
	}

	if srv := rt.tel.Metrics.NewMetricsServer(); srv != nil {
		g.Go(func() error {
			rt.tel.Logger.Infof("Serving metrics on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	dispatcher := scheduler.NewDispatcher(rt.store, rt.reinvoke, scheduler.DispatcherOptions{
		Interval:  rt.cfg.Dispatcher.Interval,
		BatchSize: rt.cfg.Dispatcher.BatchSize,
		Logger:    rt.tel.Logger,
		Metrics:   rt.tel.Metrics,
		Events:    rt.tel.Events,
	})
	g.Go(func() error { return dispatcher.Run(ctx) })

	return g.Wait()
}

// reinvoke runs a stored request through the wrapper with a fresh budget.
func (rt *runtime) reinvoke(ctx context.Context, target string, payload []byte) error {
	var out bytes.Buffer
	host := budget.NewDeadline(target, rt.cfg.Budget)
	if err := rt.wrapper.Handle(ctx, bytes.NewReader(payload), &out, host); err != nil {
		return err
	}

	var resp proxy.Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		return err
	}
	rt.tel.Logger.WithFields(map[string]interface{}{
		"bearer_token": resp.BearerToken,
		"status":       resp.OperationStatus,
		"error_code":   resp.ErrorCode,
	}).Info("Re-invocation finished")
	return nil
}
