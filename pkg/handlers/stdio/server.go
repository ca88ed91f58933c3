package stdio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/handlerkit/pkg/proxy"
)

// ServeOptions configure the process side of the protocol.
type ServeOptions struct {
	Version string
	Actions []proxy.Action
}

// Serve runs handler inside a handler process. It announces itself, answers
// commands read from r until r is exhausted and sends EXIT before returning.
// Log lines written through the client logger are forwarded as EVENT messages.
func Serve(ctx context.Context, r io.Reader, w io.Writer, handler proxy.Handler, opts ServeOptions) error {
	enc := NewEncoder(w)
	dec := NewDecoder(r)

	ready := &ReadyMessage{
		Version: opts.Version,
		PID:     os.Getpid(),
		Actions: opts.Actions,
	}
	if err := enc.Encode(MessageTypeReady, ready); err != nil {
		return err
	}

	count := 0
	reason := "stdin_closed"
	var loopErr error
	for {
		if ctx.Err() != nil {
			reason = "cancelled"
			break
		}
		cmd, err := dec.DecodeCommand()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			reason = "error"
			loopErr = err
			_ = enc.Encode(MessageTypeError, &ErrorMessage{
				Code:    proxy.ErrorCodeInternalFailure,
				Message: err.Error(),
			})
			break
		}

		count++
		if err := serveCommand(ctx, enc, handler, cmd); err != nil {
			reason = "error"
			loopErr = err
			break
		}
	}

	if err := enc.Encode(MessageTypeExit, &ExitMessage{Reason: reason, CommandsTotal: count}); err != nil && loopErr == nil {
		loopErr = err
	}
	return loopErr
}

func serveCommand(ctx context.Context, enc *Encoder, handler proxy.Handler, cmd *CommandMessage) error {
	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	logger := zerolog.New(&eventWriter{enc: enc, commandID: cmd.ID}).Level(zerolog.DebugLevel)
	deadline, _ := cmdCtx.Deadline()
	client := proxy.NewClientProxy(nil, logger, func() time.Duration { return time.Until(deadline) })

	start := time.Now()
	event, err := safeHandle(cmdCtx, handler, client, cmd)
	if err != nil {
		code, ok := proxy.CodeOf(err)
		if !ok {
			code = proxy.ErrorCodeInternalFailure
		}
		return enc.Encode(MessageTypeError, &ErrorMessage{
			CommandID: cmd.ID,
			Code:      code,
			Message:   err.Error(),
		})
	}

	return enc.Encode(MessageTypeDone, &DoneMessage{
		CommandID: cmd.ID,
		Event:     event,
		Duration:  time.Since(start).Seconds(),
	})
}

func safeHandle(ctx context.Context, handler proxy.Handler, client *proxy.ClientProxy, cmd *CommandMessage) (event *proxy.ProgressEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.HandleRequest(ctx, client, cmd.Request, cmd.Action, cmd.CallbackContext)
}

// eventWriter turns zerolog JSON lines into EVENT messages.
type eventWriter struct {
	enc       *Encoder
	commandID string
}

func (w *eventWriter) Write(p []byte) (int, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(p, &fields); err != nil {
		return 0, err
	}

	event := &EventMessage{CommandID: w.commandID, Level: "info"}
	for k, v := range fields {
		s := fmt.Sprint(v)
		switch k {
		case zerolog.LevelFieldName:
			event.Level = levelName(s)
		case zerolog.MessageFieldName:
			event.Message = s
		default:
			if event.Metadata == nil {
				event.Metadata = make(map[string]string)
			}
			event.Metadata[k] = s
		}
	}

	if err := w.enc.EncodeEvent(event); err != nil {
		return 0, err
	}
	return len(p), nil
}

func levelName(s string) string {
	switch s {
	case "debug", "info", "warn", "error":
		return s
	case "trace":
		return "debug"
	case "fatal", "panic":
		return "error"
	default:
		return "info"
	}
}
