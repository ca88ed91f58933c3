package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/openfroyo/handlerkit/pkg/callback"
	"github.com/openfroyo/handlerkit/pkg/config"
	"github.com/openfroyo/handlerkit/pkg/handlers/script"
	"github.com/openfroyo/handlerkit/pkg/handlers/stdio"
	"github.com/openfroyo/handlerkit/pkg/handlers/wasm"
	"github.com/openfroyo/handlerkit/pkg/proxy"
	"github.com/openfroyo/handlerkit/pkg/scheduler"
	"github.com/openfroyo/handlerkit/pkg/stores"
	"github.com/openfroyo/handlerkit/pkg/telemetry"
	"github.com/openfroyo/handlerkit/pkg/validation"
	"github.com/openfroyo/handlerkit/pkg/wrapper"
)

// runtime holds the collaborators shared by every invocation of one process.
type runtime struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	store   *stores.SQLiteStore
	wrapper *wrapper.Wrapper
	handler proxy.Handler

	schema   *validation.FileSchemaSource
	policies *validation.PolicyValidator
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// openStore opens and migrates the configured database.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// newRuntime wires the configured handler, reporters, scheduler and
// validators into a wrapper.
func newRuntime(ctx context.Context, cfg *config.Config, stderr io.Writer) (*runtime, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	rt := &runtime{cfg: cfg, tel: tel}
	if err := rt.build(ctx, stderr); err != nil {
		_ = rt.Close(context.Background())
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) build(ctx context.Context, stderr io.Writer) error {
	cfg, tel := rt.cfg, rt.tel

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	rt.store = store

	handler, err := newHandler(ctx, cfg.Handler, stderr)
	if err != nil {
		return err
	}
	rt.handler = handler

	validator, err := rt.loadValidators(ctx)
	if err != nil {
		return err
	}

	reporter := newReporter(cfg.Callback, store, tel)

	sched := scheduler.New(scheduler.NewStoreBackend(store), scheduler.Options{
		Logger:  tel.Logger,
		Metrics: tel.Metrics,
		Events:  tel.Events,
	})

	opts := wrapper.Options{
		Handler:    handler,
		Reporter:   reporter,
		Scheduler:  sched,
		Validator:  validator,
		Refreshers: []proxy.Refresher{reporter},
		Telemetry:  tel,
	}
	if tags := cfg.Handler.ResourceTags; len(tags) > 0 {
		opts.ResourceTags = func(json.RawMessage) map[string]string { return tags }
	}

	rt.wrapper, err = wrapper.New(opts)
	return err
}

func newHandler(ctx context.Context, cfg config.HandlerConfig, stderr io.Writer) (proxy.Handler, error) {
	switch cfg.Kind {
	case config.HandlerKindScript:
		return script.Load(cfg.Script, script.Options{
			Timeout: cfg.Timeout,
			Globals: cfg.Globals,
		})
	case config.HandlerKindProcess:
		return stdio.New(stdio.Options{
			Transport: &stdio.ExecTransport{
				Path:   cfg.Command,
				Args:   cfg.Args,
				Env:    cfg.Env,
				Stderr: stderr,
			},
			StartupTimeout: cfg.StartupTimeout,
			Timeout:        cfg.Timeout,
		})
	case config.HandlerKindWASM:
		return wasm.Load(ctx, cfg.Module, wasm.Options{
			Timeout:          cfg.Timeout,
			MemoryLimitPages: cfg.MemoryLimitPages,
		})
	default:
		return nil, fmt.Errorf("unknown handler kind %q", cfg.Kind)
	}
}

func newReporter(cfg config.CallbackConfig, store stores.Store, tel *telemetry.Telemetry) callback.Multi {
	reporters := callback.Multi{
		callback.NewHTTPReporter(callback.HTTPOptions{
			Endpoint: cfg.Endpoint,
			Timeout:  cfg.Timeout,
			Retry: callback.RetryConfig{
				MaxAttempts: cfg.MaxAttempts,
				Initial:     cfg.InitialBackoff,
				Max:         cfg.MaxBackoff,
			},
			Logger:  tel.Logger,
			Metrics: tel.Metrics,
		}),
	}
	if cfg.RecordReports {
		reporters = append(reporters, callback.NewStoreReporter(store))
	}
	return reporters
}

// loadValidators builds the schema and policy validators that are configured.
// It returns nil when neither is.
func (rt *runtime) loadValidators(ctx context.Context) (validation.Validator, error) {
	cfg := rt.cfg.Validation
	var chain validation.Chain

	if cfg.SchemaPath != "" {
		schema, err := validation.NewFileSchemaSource(cfg.SchemaPath, rt.tel.Logger)
		if err != nil {
			return nil, err
		}
		rt.schema = schema
		chain = append(chain, schema)
	}

	if cfg.PolicyDir != "" {
		policies, err := validation.LoadPolicies(cfg.PolicyDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
		v, err := validation.NewPolicyValidator(ctx, policies, rt.tel.Logger)
		if err != nil {
			return nil, err
		}
		rt.policies = v
		chain = append(chain, v)
	}

	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}

// watch follows the schema and policy files until ctx is cancelled.
func (rt *runtime) watch(ctx context.Context) {
	logger := rt.tel.Logger.NewComponentLogger("cli")
	if rt.schema != nil {
		go func() {
			if err := rt.schema.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Warn("Schema watch stopped")
			}
		}()
	}
	if rt.policies != nil {
		go func() {
			if err := validation.WatchPolicies(ctx, rt.cfg.Validation.PolicyDir, rt.policies); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Warn("Policy watch stopped")
			}
		}()
	}
}

// Close releases the handler and the store and flushes telemetry.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if c, ok := rt.handler.(interface{ Close(context.Context) error }); ok {
		errs = append(errs, c.Close(ctx))
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if rt.tel != nil {
		errs = append(errs, rt.tel.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// openInput returns stdin for "" or "-", and the named file otherwise.
func openInput(path string, stdin io.Reader) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}
