package stdio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/handlerkit/pkg/proxy"
)

// Transport starts a handler process and exposes its standard streams.
type Transport interface {
	// Start launches the process. wait blocks until it has exited.
	Start(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, wait func() error, err error)
}

// ExecTransport runs a local executable.
type ExecTransport struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Stderr io.Writer
}

// Start implements Transport.
func (t *ExecTransport) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, t.Path, t.Args...)
	cmd.Env = append(os.Environ(), t.Env...)
	cmd.Dir = t.Dir
	cmd.Stderr = t.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to start %s: %w", t.Path, err)
	}
	return stdin, stdout, cmd.Wait, nil
}

// Options configure a process-backed handler.
type Options struct {
	Transport Transport

	// StartupTimeout bounds the wait for the READY message.
	StartupTimeout time.Duration

	// Timeout bounds one cycle. The remaining host budget bounds it further.
	Timeout time.Duration

	// ExitGrace is how long the process may take to exit after its input closes.
	ExitGrace time.Duration
}

// Handler runs each cycle in a handler process that speaks the line protocol.
type Handler struct {
	transport      Transport
	startupTimeout time.Duration
	timeout        time.Duration
	exitGrace      time.Duration
}

// New creates a process-backed handler.
func New(opts Options) (*Handler, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.StartupTimeout == 0 {
		opts.StartupTimeout = 10 * time.Second
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.ExitGrace == 0 {
		opts.ExitGrace = 5 * time.Second
	}
	return &Handler{
		transport:      opts.Transport,
		startupTimeout: opts.StartupTimeout,
		timeout:        opts.Timeout,
		exitGrace:      opts.ExitGrace,
	}, nil
}

type outcome struct {
	event *proxy.ProgressEvent
	err   error
}

// HandleRequest starts the process, sends one command and waits for its result.
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

	stdin, stdout, wait, err := h.transport.Start(runCtx)
	if err != nil {
		return nil, err
	}

	cmd := &CommandMessage{
		ID:              uuid.New().String(),
		Action:          action,
		Timeout:         int(timeout.Round(time.Second) / time.Second),
		Request:         req,
		CallbackContext: callbackContext,
	}
	if cmd.Timeout < 1 {
		cmd.Timeout = 1
	}

	enc := NewEncoder(stdin)
	dec := NewDecoder(stdout)
	readyCh := make(chan error, 1)
	doneCh := make(chan outcome, 1)

	go func() {
		if err := awaitReady(dec); err != nil {
			readyCh <- err
			return
		}
		readyCh <- nil
		event, err := exchange(enc, dec, cmd, logger)
		doneCh <- outcome{event: event, err: err}
	}()

	abort := func(err error) (*proxy.ProgressEvent, error) {
		cancel()
		_ = stdin.Close()
		_ = stdout.Close()
		_ = wait()
		return nil, err
	}

	startup := time.NewTimer(h.startupTimeout)
	defer startup.Stop()

	select {
	case err := <-readyCh:
		if err != nil {
			return abort(fmt.Errorf("failed to receive READY: %w", err))
		}
	case <-startup.C:
		return abort(fmt.Errorf("timeout waiting for READY message"))
	case <-runCtx.Done():
		return abort(timeoutError(runCtx))
	}

	select {
	case out := <-doneCh:
		if err := h.finish(stdin, stdout, wait, cancel); err != nil {
			logger.Debug().Err(err).Msg("Handler process exited with error")
		}
		return out.event, out.err
	case <-runCtx.Done():
		return abort(timeoutError(runCtx))
	}
}

// finish closes the input of the process, drains its output and waits for it
// to exit. The process is killed if it outlives the grace period.
func (h *Handler) finish(stdin io.Closer, stdout io.ReadCloser, wait func() error, kill func()) error {
	_ = stdin.Close()

	drained := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, stdout)
		close(drained)
	}()

	grace := time.NewTimer(h.exitGrace)
	defer grace.Stop()

	select {
	case <-drained:
	case <-grace.C:
		kill()
		_ = stdout.Close()
		<-drained
	}
	return wait()
}

func timeoutError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return proxy.NewHandlerError(proxy.ErrorCodeNotStabilized, "handler process did not finish in time", err)
	}
	return err
}

func awaitReady(dec *Decoder) error {
	msg, err := dec.Decode()
	if err != nil {
		return err
	}
	if msg.Type != MessageTypeReady {
		return fmt.Errorf("expected READY, got %s", msg.Type)
	}
	var ready ReadyMessage
	return ParseData(msg.Data, &ready)
}

// exchange sends cmd and reads messages until the cycle resolves.
func exchange(enc *Encoder, dec *Decoder, cmd *CommandMessage, logger zerolog.Logger) (*proxy.ProgressEvent, error) {
	if err := enc.Encode(MessageTypeCommand, cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("handler process closed its output without a result")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case MessageTypeEvent:
			var event EventMessage
			if err := ParseData(msg.Data, &event); err != nil {
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			logEvent(logger, &event)

		case MessageTypeDone:
			var done DoneMessage
			if err := ParseData(msg.Data, &done); err != nil {
				return nil, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
			}
			return done.Event, nil

		case MessageTypeError:
			var errMsg ErrorMessage
			if err := ParseData(msg.Data, &errMsg); err != nil {
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID)
			}
			code := errMsg.Code
			if code == "" {
				code = proxy.ErrorCodeInternalFailure
			}
			return nil, proxy.NewHandlerError(code, errMsg.Message, nil)

		case MessageTypeExit:
			return nil, fmt.Errorf("handler process exited unexpectedly")

		default:
			return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

func logEvent(logger zerolog.Logger, event *EventMessage) {
	level, err := zerolog.ParseLevel(event.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	e := logger.WithLevel(level).Str("command_id", event.CommandID)
	for k, v := range event.Metadata {
		e = e.Str(k, v)
	}
	e.Msg(event.Message)
}
