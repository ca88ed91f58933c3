package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/handlerkit/pkg/stores"
	"github.com/openfroyo/handlerkit/pkg/telemetry"
)

// Invoker re-invokes target with a serialized HandlerRequest.
type Invoker func(ctx context.Context, target string, payload []byte) error

// Dispatch outcomes recorded in metrics.
const (
	DispatchOK     = "ok"
	DispatchFailed = "failed"
)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Interval between polls of the trigger table. Defaults to 5s.
	Interval time.Duration

	// BatchSize caps the number of triggers claimed per poll. Defaults to 10.
	BatchSize int

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

// Dispatcher fires due triggers for a long-lived host. Triggers are claimed
// before they are invoked, so each one fires at most once.
type Dispatcher struct {
	store    stores.Store
	invoke   Invoker
	interval time.Duration
	batch    int
	now      func() time.Time

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
}

// NewDispatcher creates a dispatcher that claims triggers from store and passes them to invoke.
func NewDispatcher(store stores.Store, invoke Invoker, opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		invoke:   invoke,
		interval: opts.Interval,
		batch:    opts.BatchSize,
		now:      time.Now,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		events:   opts.Events,
	}
	if d.interval <= 0 {
		d.interval = 5 * time.Second
	}
	if d.batch <= 0 {
		d.batch = 10
	}
	if d.logger == nil {
		d.logger = telemetry.NewNopLogger()
	}
	if d.metrics == nil {
		d.metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	d.logger = d.logger.NewComponentLogger("dispatcher")
	return d
}

// WithClock overrides the clock used to decide which triggers are due.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// DispatchDue claims every trigger due now and invokes it. It returns the
// number of triggers claimed. Invocation failures are logged and joined into
// the returned error; a claimed trigger is never retried. Triggers claimed
// before a claim error are still invoked.
func (d *Dispatcher) DispatchDue(ctx context.Context) (int, error) {
	triggers, err := d.store.ClaimDueTriggers(ctx, d.now(), d.batch)

	var errs []error
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to claim due triggers: %w", err))
	}
	for _, trigger := range triggers {
		if err := d.fire(ctx, trigger); err != nil {
			errs = append(errs, err)
		}
	}
	return len(triggers), errors.Join(errs...)
}

func (d *Dispatcher) fire(ctx context.Context, trigger *stores.Trigger) error {
	op := telemetry.StartOperation(ctx, "trigger.dispatch", telemetry.AttrTriggerName.String(trigger.Name))

	logger := d.logger.WithFields(map[string]interface{}{
		"trigger":      trigger.Name,
		"bearer_token": trigger.BearerToken,
		"invocation":   trigger.Invocation,
	})

	err := d.invoke(op.Ctx, trigger.Target, []byte(trigger.Payload))
	op.End(err)
	_ = d.events.PublishTriggerDispatched(trigger.BearerToken, trigger.Name, err)

	if err != nil {
		logger.WithError(err).Error("Re-invocation failed")
		d.metrics.RecordTriggerDispatch(DispatchFailed)
		return fmt.Errorf("trigger %s: %w", trigger.Name, err)
	}

	logger.Debugf("Re-invoked %s after %s", trigger.Target, op.Timer.Duration())
	d.metrics.RecordTriggerDispatch(DispatchOK)
	return nil
}

// Run polls for due triggers until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Infof("Dispatching due triggers every %s", d.interval)
	for {
		if n, err := d.DispatchDue(ctx); err != nil {
			d.logger.WithError(err).Warn("Trigger dispatch finished with errors")
		} else if n > 0 {
			d.logger.Debugf("Dispatched %d trigger(s)", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
