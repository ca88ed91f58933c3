package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/handlerkit/pkg/proxy"
)

// EntryPoint is the function every script must define.
const EntryPoint = "handle"

// DefaultTimeout bounds a single script cycle when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// Options configure a script handler.
type Options struct {
	// Timeout bounds one cycle. The remaining host budget bounds it further.
	Timeout time.Duration

	// Globals are exposed to the script as predeclared values.
	Globals map[string]interface{}
}

// Handler runs resource lifecycle actions implemented in Starlark.
//
// The script defines handle(request, action, callback_context) and returns a
// dict shaped like a progress event, usually built with the success,
// in_progress and failed builtins.
type Handler struct {
	name        string
	source      string
	timeout     time.Duration
	predeclared starlark.StringDict
}

// New compiles source and checks that it defines the entry point.
func New(name, source string, opts Options) (*Handler, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	predeclared := builtins()
	for key, val := range opts.Globals {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert global %s: %w", key, err)
		}
		starlarkVal.Freeze()
		predeclared[key] = starlarkVal
	}

	h := &Handler{
		name:        name,
		source:      source,
		timeout:     opts.Timeout,
		predeclared: predeclared,
	}

	thread := &starlark.Thread{Name: name}
	globals, err := starlark.ExecFile(thread, name, source, predeclared)
	if err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", name, err)
	}
	if _, err := entryPoint(globals); err != nil {
		return nil, fmt.Errorf("script %s: %w", name, err)
	}

	return h, nil
}

// Load reads a script from disk.
func Load(path string, opts Options) (*Handler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return New(filepath.Base(path), string(data), opts)
}

// HandleRequest runs one cycle of action in a fresh Starlark thread.
func (h *Handler) HandleRequest(ctx context.Context, client *proxy.ClientProxy, req *proxy.ResourceHandlerRequest, action proxy.Action, callbackContext json.RawMessage) (*proxy.ProgressEvent, error) {
	timeout := h.timeout
	if remaining := client.RemainingTime(); remaining > 0 && remaining < timeout {
		timeout = remaining
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: h.name,
		Print: func(_ *starlark.Thread, msg string) {
			if client != nil {
				client.Logger.Info().Str("script", h.name).Msg(msg)
			}
		},
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-runCtx.Done():
			thread.Cancel(runCtx.Err().Error())
		case <-done:
		}
	}()

	globals, err := starlark.ExecFile(thread, h.name, h.source, h.predeclared)
	if err != nil {
		return nil, h.wrap(runCtx, err)
	}
	fn, err := entryPoint(globals)
	if err != nil {
		return nil, err
	}

	args, err := h.arguments(req, action, callbackContext)
	if err != nil {
		return nil, err
	}

	result, err := starlark.Call(thread, fn, args, nil)
	if err != nil {
		return nil, h.wrap(runCtx, err)
	}

	return toProgressEvent(result)
}

func (h *Handler) arguments(req *proxy.ResourceHandlerRequest, action proxy.Action, callbackContext json.RawMessage) (starlark.Tuple, error) {
	request, err := decodeJSON(req)
	if err != nil {
		return nil, fmt.Errorf("failed to convert request: %w", err)
	}
	cbctx := starlark.Value(starlark.None)
	if len(callbackContext) > 0 {
		var v interface{}
		if err := json.Unmarshal(callbackContext, &v); err != nil {
			return nil, fmt.Errorf("failed to decode callback context: %w", err)
		}
		if cbctx, err = toStarlarkValue(v); err != nil {
			return nil, fmt.Errorf("failed to convert callback context: %w", err)
		}
	}
	return starlark.Tuple{request, starlark.String(action), cbctx}, nil
}

// wrap keeps handler errors raised with fail_with intact and marks timeouts.
func (h *Handler) wrap(ctx context.Context, err error) error {
	var handlerErr *proxy.HandlerError
	if errors.As(err, &handlerErr) {
		return handlerErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return proxy.NewHandlerError(proxy.ErrorCodeNotStabilized,
			fmt.Sprintf("script %s did not finish in time", h.name), ctxErr)
	}
	return fmt.Errorf("script %s failed: %w", h.name, err)
}

func entryPoint(globals starlark.StringDict) (starlark.Callable, error) {
	val, ok := globals[EntryPoint]
	if !ok {
		return nil, fmt.Errorf("missing %s function", EntryPoint)
	}
	fn, ok := val.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s is a %s, not a function", EntryPoint, val.Type())
	}
	return fn, nil
}

func decodeJSON(v interface{}) (starlark.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return toStarlarkValue(generic)
}

// toProgressEvent reads the dict returned by a script.
func toProgressEvent(v starlark.Value) (*proxy.ProgressEvent, error) {
	if v == starlark.None {
		return nil, nil
	}
	if _, ok := v.(*starlark.Dict); !ok {
		if _, ok := v.(*starlarkstruct.Struct); !ok {
			return nil, fmt.Errorf("%s must return a dict, got %s", EntryPoint, v.Type())
		}
	}

	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return nil, fmt.Errorf("failed to convert result: %w", err)
	}
	data, err := json.Marshal(goVal)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	var event proxy.ProgressEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("invalid progress event: %w", err)
	}
	return &event, nil
}
