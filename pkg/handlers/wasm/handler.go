package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/handlerkit/pkg/proxy"
)

const (
	// DefaultTimeout bounds a single cycle when no timeout is configured.
	DefaultTimeout = 30 * time.Second

	// DefaultMemoryLimitPages caps module memory at 16MB (64KB pages).
	DefaultMemoryLimitPages = 256
)

// Options configure a WebAssembly handler.
type Options struct {
	// Timeout bounds one cycle. The remaining host budget bounds it further.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory of a module instance in 64KB pages.
	MemoryLimitPages uint32
}

// Invocation is the input of one handle call.
type Invocation struct {
	Action          proxy.Action                  `json:"action"`
	Timeout         int                           `json:"timeout"` // seconds
	Request         *proxy.ResourceHandlerRequest `json:"request"`
	CallbackContext json.RawMessage               `json:"callback_context,omitempty"`
}

// Result is the output of one handle call. Exactly one field is set.
type Result struct {
	Event *proxy.ProgressEvent `json:"event,omitempty"`
	Error *ResultError         `json:"error,omitempty"`
}

// ResultError reports that a cycle failed before producing an event.
type ResultError struct {
	Code    proxy.HandlerErrorCode `json:"code"`
	Message string                 `json:"message"`
}

// Handler runs resource lifecycle actions implemented in a WebAssembly module.
type Handler struct {
	name     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	timeout  time.Duration
}

// New compiles module and checks that it exports the handler ABI.
func New(ctx context.Context, name string, module []byte, opts Options) (*Handler, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MemoryLimitPages == 0 {
		opts.MemoryLimitPages = DefaultMemoryLimitPages
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(opts.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if _, err := registerHostFunctions(runtime.NewHostModuleBuilder("env")).Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, module)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile module %s: %w", name, err)
	}
	if err := checkExports(compiled); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("module %s: %w", name, err)
	}

	return &Handler{
		name:     name,
		runtime:  runtime,
		compiled: compiled,
		timeout:  opts.Timeout,
	}, nil
}

// Load reads a module from disk.
func Load(ctx context.Context, path string, opts Options) (*Handler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	return New(ctx, filepath.Base(path), data, opts)
}

// HandleRequest runs one cycle of action in a fresh module instance.
func (h *Handler) HandleRequest(ctx context.Context, client *proxy.ClientProxy, req *proxy.ResourceHandlerRequest, action proxy.Action, callbackContext json.RawMessage) (*proxy.ProgressEvent, error) {
	timeout := h.timeout
	if remaining := client.RemainingTime(); remaining > 0 && remaining < timeout {
		timeout = remaining
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := zerolog.Nop()
	if client != nil {
		logger = client.Logger
	}
	logger = logger.With().Str("module", h.name).Logger()

	input, err := json.Marshal(&Invocation{
		Action:          action,
		Timeout:         max(1, int(timeout.Round(time.Second)/time.Second)),
		Request:         req,
		CallbackContext: callbackContext,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invocation: %w", err)
	}

	callCtx := withLogger(runCtx, logger)
	mod, err := h.runtime.InstantiateModule(callCtx, h.compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions("_initialize"))
	if err != nil {
		return nil, h.wrap(runCtx, fmt.Errorf("failed to instantiate: %w", err))
	}
	defer mod.Close(context.Background())

	b, err := newBridge(mod)
	if err != nil {
		return nil, err
	}
	output, err := b.call(callCtx, input)
	if err != nil {
		return nil, h.wrap(runCtx, err)
	}

	var result Result
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("module %s returned an invalid result: %w", h.name, err)
	}
	if result.Error != nil {
		code := result.Error.Code
		if code == "" {
			code = proxy.ErrorCodeInternalFailure
		}
		return nil, proxy.NewHandlerError(code, result.Error.Message, nil)
	}
	return result.Event, nil
}

// Close releases the compiled module and the runtime.
func (h *Handler) Close(ctx context.Context) error {
	if err := h.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}

// wrap marks failures caused by the cycle running out of time.
func (h *Handler) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return proxy.NewHandlerError(proxy.ErrorCodeNotStabilized,
			fmt.Sprintf("module %s did not finish in time", h.name), errors.Join(ctxErr, err))
	}
	return fmt.Errorf("module %s failed: %w", h.name, err)
}

// checkExports verifies the memory and function exports of the handler ABI.
func checkExports(compiled wazero.CompiledModule) error {
	if _, ok := compiled.ExportedMemories()[exportMemory]; !ok {
		return fmt.Errorf("does not export %s", exportMemory)
	}

	i32, i64 := api.ValueTypeI32, api.ValueTypeI64
	want := []struct {
		name    string
		params  []api.ValueType
		results []api.ValueType
	}{
		{exportMalloc, []api.ValueType{i32}, []api.ValueType{i32}},
		{exportFree, []api.ValueType{i32}, nil},
		{exportHandle, []api.ValueType{i32, i32}, []api.ValueType{i64}},
	}

	funcs := compiled.ExportedFunctions()
	for _, w := range want {
		def, ok := funcs[w.name]
		if !ok {
			return fmt.Errorf("does not export %s", w.name)
		}
		if !sameTypes(def.ParamTypes(), w.params) || !sameTypes(def.ResultTypes(), w.results) {
			return fmt.Errorf("%s has signature %v -> %v, want %v -> %v",
				w.name, def.ParamTypes(), def.ResultTypes(), w.params, w.results)
		}
	}
	return nil
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
