package proxy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Handler implements the lifecycle actions of one resource type.
// A handler may return a FAILED event or an error; the wrapper maps both to the
// same taxonomy before anything is reported.
type Handler interface {
	// HandleRequest runs one cycle of the given action.
	HandleRequest(ctx context.Context, client *ClientProxy, req *ResourceHandlerRequest, action Action, callbackContext json.RawMessage) (*ProgressEvent, error)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, client *ClientProxy, req *ResourceHandlerRequest, action Action, callbackContext json.RawMessage) (*ProgressEvent, error)

// HandleRequest calls f.
func (f HandlerFunc) HandleRequest(ctx context.Context, client *ClientProxy, req *ResourceHandlerRequest, action Action, callbackContext json.RawMessage) (*ProgressEvent, error) {
	return f(ctx, client, req, action, callbackContext)
}

// CallbackReporter delivers status transitions to the orchestrator.
// Reports may be emitted many times for the same bearer token; implementations
// must not deduplicate.
type CallbackReporter interface {
	Report(ctx context.Context, report ProgressReport) error
}

// MetricsPublisher records per-action invocation metrics.
type MetricsPublisher interface {
	// PublishInvocation records one host invocation.
	PublishInvocation(ctx context.Context, action Action)

	// PublishDuration records the duration of one handler cycle.
	PublishDuration(ctx context.Context, action Action, d time.Duration)

	// PublishException records one mapped failure.
	PublishException(ctx context.Context, action Action, code HandlerErrorCode, err error)
}

// Refresher is implemented by collaborators that need the per-invocation
// endpoint and credentials.
type Refresher interface {
	Refresh(cfg RuntimeConfig) error
}

// ClientProxy is handed to handlers for the duration of one cycle.
type ClientProxy struct {
	// Credentials are the caller credentials from the request, if any.
	Credentials *Credentials

	// Logger is scoped to the current invocation.
	Logger zerolog.Logger

	remaining func() time.Duration
}

// NewClientProxy creates a client proxy. remaining may be nil.
func NewClientProxy(creds *Credentials, logger zerolog.Logger, remaining func() time.Duration) *ClientProxy {
	return &ClientProxy{
		Credentials: creds,
		Logger:      logger,
		remaining:   remaining,
	}
}

// RemainingTime reports how much of the host budget is left.
func (c *ClientProxy) RemainingTime() time.Duration {
	if c == nil || c.remaining == nil {
		return 0
	}
	return c.remaining()
}

// NopMetrics is a MetricsPublisher that discards everything.
type NopMetrics struct{}

func (NopMetrics) PublishInvocation(context.Context, Action) {}

func (NopMetrics) PublishDuration(context.Context, Action, time.Duration) {}

func (NopMetrics) PublishException(context.Context, Action, HandlerErrorCode, error) {}
