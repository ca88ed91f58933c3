// Package scheduler decides how an IN_PROGRESS operation is continued: by a
// local sleep inside the current invocation, or by a delayed re-invocation
// registered with a Backend.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/handlerkit/pkg/budget"
	"github.com/openfroyo/handlerkit/pkg/proxy"
	"github.com/openfroyo/handlerkit/pkg/telemetry"
)

// Continuation modes recorded in metrics.
const (
	ModeLocal    = "local"
	ModeExternal = "external"
	ModeFailed   = "failed"
)

// Backend registers and removes delayed re-invocations.
type Backend interface {
	// RescheduleAfterMinutes arranges for target to be invoked with req after minutes.
	// Implementations record their bookkeeping in req.RequestContext.
	RescheduleAfterMinutes(ctx context.Context, target string, minutes int, req *proxy.HandlerRequest) error

	// Cleanup removes a previously registered trigger. Unknown or empty names are a no-op.
	Cleanup(ctx context.Context, triggerName, targetID string) error
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Options configures a Scheduler.
type Options struct {
	Sleep   Sleeper
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

// Scheduler implements the continue-locally decision.
type Scheduler struct {
	backend Backend
	sleep   Sleeper
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
}

// New creates a scheduler over backend.
func New(backend Backend, opts Options) *Scheduler {
	s := &Scheduler{
		backend: backend,
		sleep:   opts.Sleep,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		events:  opts.Events,
	}
	if s.sleep == nil {
		s.sleep = SleepContext
	}
	if s.logger == nil {
		s.logger = telemetry.NewNopLogger()
	}
	if s.metrics == nil {
		s.metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	return s
}

// Reschedule inspects event and returns true if the caller should run the
// handler again within the current invocation.
//
// For IN_PROGRESS events that fit the remaining budget it sleeps for the
// requested delay and threads the new callback context into req without
// touching the invocation counter. Otherwise it attaches a fresh resume context
// with an incremented counter and registers a delayed re-invocation; if that
// fails the event is rewritten to FAILED/InternalFailure.
func (s *Scheduler) Reschedule(ctx context.Context, req *proxy.HandlerRequest, event *proxy.ProgressEvent, tracker *budget.Tracker) bool {
	if event == nil || event.Status != proxy.OperationStatusInProgress {
		return false
	}

	delay := event.CallbackDelaySeconds
	logger := s.logger.WithField("bearer_token", req.BearerToken)

	if tracker.CanSleepLocally(delay) {
		logger.Debugf("Scheduling re-invoke locally after %d seconds, with Context {%s}", delay, string(event.CallbackContext))

		err := s.sleep(ctx, budget.LocalSleep(delay))
		if err == nil {
			if req.RequestContext == nil {
				req.RequestContext = &proxy.RequestContext{}
			}
			req.RequestContext.CallbackContext = event.CallbackContext
			s.metrics.RecordReinvocation(ModeLocal)
			return true
		}
		logger.WithError(err).Warn("Local sleep interrupted, falling back to delayed re-invocation")
	}

	minutes := budget.ExternalDelayMinutes(delay)
	req.RequestContext = &proxy.RequestContext{
		Invocation:      req.Invocation() + 1,
		CallbackContext: event.CallbackContext,
	}

	target := tracker.Target()
	if err := s.backend.RescheduleAfterMinutes(ctx, target, minutes, req); err != nil {
		logger.WithError(err).Errorf("Failed to schedule re-invoke after %d minute(s)", minutes)
		event.Status = proxy.OperationStatusFailed
		event.ErrorCode = proxy.ErrorCodeInternalFailure
		event.Message = fmt.Sprintf("failed to schedule re-invocation: %v", err)
		s.metrics.RecordReinvocation(ModeFailed)
		return false
	}

	logger.Infof("Scheduled re-invoke %d of %s after %d minute(s)", req.RequestContext.Invocation, target, minutes)
	s.metrics.RecordReinvocation(ModeExternal)
	_ = s.events.PublishReinvocationScheduled(req.BearerToken, req.RequestContext.TriggerName, minutes, req.RequestContext.Invocation)
	return false
}

// Cleanup removes the trigger referenced by the request's resume context.
// It is a no-op when the request carries no trigger.
func (s *Scheduler) Cleanup(ctx context.Context, req *proxy.HandlerRequest) error {
	rc := req.RequestContext
	if rc == nil || rc.TriggerName == "" {
		return nil
	}

	if err := s.backend.Cleanup(ctx, rc.TriggerName, rc.TriggerTargetID); err != nil {
		return fmt.Errorf("cleanup trigger %s: %w", rc.TriggerName, err)
	}
	s.logger.WithField("trigger", rc.TriggerName).Debug("Cleaned up re-invocation trigger")
	return nil
}
