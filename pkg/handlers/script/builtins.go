package script

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/handlerkit/pkg/proxy"
)

func builtins() starlark.StringDict {
	return starlark.StringDict{
		"struct":      starlarkstruct.Default,
		"range":       starlark.NewBuiltin("range", builtinRange),
		"enumerate":   starlark.NewBuiltin("enumerate", builtinEnumerate),
		"zip":         starlark.NewBuiltin("zip", builtinZip),
		"success":     starlark.NewBuiltin("success", builtinSuccess),
		"in_progress": starlark.NewBuiltin("in_progress", builtinInProgress),
		"failed":      starlark.NewBuiltin("failed", builtinFailed),
		"fail_with":   starlark.NewBuiltin("fail_with", builtinFailWith),
	}
}

func event(status proxy.OperationStatus, fields ...starlark.Tuple) (*starlark.Dict, error) {
	dict := starlark.NewDict(len(fields) + 1)
	if err := dict.SetKey(starlark.String("status"), starlark.String(status)); err != nil {
		return nil, err
	}
	for _, f := range fields {
		if f[1] == starlark.None {
			continue
		}
		if err := dict.SetKey(f[0], f[1]); err != nil {
			return nil, err
		}
	}
	return dict, nil
}

// builtinSuccess implements success(model=None).
func builtinSuccess(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var model starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "model?", &model); err != nil {
		return nil, err
	}
	return event(proxy.OperationStatusSuccess,
		starlark.Tuple{starlark.String("resourceModel"), model})
}

// builtinInProgress implements in_progress(callback_context=None, delay=0, model=None).
func builtinInProgress(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var cbctx, model starlark.Value = starlark.None, starlark.None
	var delay int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"callback_context?", &cbctx, "delay?", &delay, "model?", &model); err != nil {
		return nil, err
	}
	return event(proxy.OperationStatusInProgress,
		starlark.Tuple{starlark.String("callbackContext"), cbctx},
		starlark.Tuple{starlark.String("callbackDelaySeconds"), starlark.MakeInt(delay)},
		starlark.Tuple{starlark.String("resourceModel"), model})
}

// builtinFailed implements failed(code, message="").
func builtinFailed(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var code, message string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "code", &code, "message?", &message); err != nil {
		return nil, err
	}
	if err := proxy.HandlerErrorCode(code).Validate(); err != nil {
		return nil, err
	}
	return event(proxy.OperationStatusFailed,
		starlark.Tuple{starlark.String("errorCode"), starlark.String(code)},
		starlark.Tuple{starlark.String("message"), starlark.String(message)})
}

// builtinFailWith implements fail_with(code, message), which aborts the script
// with a classified handler error.
func builtinFailWith(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var code, message string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "code", &code, "message", &message); err != nil {
		return nil, err
	}
	if err := proxy.HandlerErrorCode(code).Validate(); err != nil {
		return nil, err
	}
	return nil, proxy.NewHandlerError(proxy.HandlerErrorCode(code), message, nil)
}

// builtinRange implements the range() built-in function.
func builtinRange(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var start, stop, step int64 = 0, 0, 1

	switch len(args) {
	case 1:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "stop", &stop); err != nil {
			return nil, err
		}
	case 2:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "start", &start, "stop", &stop); err != nil {
			return nil, err
		}
	case 3:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "start", &start, "stop", &stop, "step", &step); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("range takes 1 to 3 arguments, got %d", len(args))
	}

	if step == 0 {
		return nil, fmt.Errorf("range step cannot be zero")
	}

	var list []starlark.Value
	if step > 0 {
		for i := start; i < stop; i += step {
			list = append(list, starlark.MakeInt64(i))
		}
	} else {
		for i := start; i > stop; i += step {
			list = append(list, starlark.MakeInt64(i))
		}
	}

	return starlark.NewList(list), nil
}

// builtinEnumerate implements the enumerate() built-in function.
func builtinEnumerate(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start int64

	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}

	iter := iterable.Iterate()
	defer iter.Done()

	var list []starlark.Value
	var x starlark.Value
	i := start
	for iter.Next(&x) {
		list = append(list, starlark.Tuple{starlark.MakeInt64(i), x})
		i++
	}

	return starlark.NewList(list), nil
}

// builtinZip implements the zip() built-in function.
func builtinZip(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) == 0 {
		return starlark.NewList(nil), nil
	}

	iters := make([]starlark.Iterator, len(args))
	for i, arg := range args {
		iterable, ok := arg.(starlark.Iterable)
		if !ok {
			return nil, fmt.Errorf("zip argument %d is not iterable", i)
		}
		iters[i] = iterable.Iterate()
		defer iters[i].Done()
	}

	var list []starlark.Value
	for {
		tuple := make(starlark.Tuple, len(iters))
		for i, iter := range iters {
			if !iter.Next(&tuple[i]) {
				return starlark.NewList(list), nil
			}
		}
		list = append(list, tuple)
	}
}
