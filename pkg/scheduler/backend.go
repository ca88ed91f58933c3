package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/handlerkit/pkg/proxy"
	"github.com/openfroyo/handlerkit/pkg/stores"
)

// Trigger name prefixes.
const (
	HandlerTriggerPrefix = "reinvoke-handler-"
	TargetTriggerPrefix  = "reinvoke-target-"
)

// StoreBackend persists delayed re-invocations as triggers in a store.
type StoreBackend struct {
	store stores.Store
	now   func() time.Time
}

// NewStoreBackend creates a backend over store.
func NewStoreBackend(store stores.Store) *StoreBackend {
	return &StoreBackend{store: store, now: time.Now}
}

// WithClock overrides the clock used to compute fire times.
func (b *StoreBackend) WithClock(now func() time.Time) *StoreBackend {
	b.now = now
	return b
}

// RescheduleAfterMinutes records a trigger that fires minutes from now. The
// trigger name and target id are written into req.RequestContext before the
// request is serialized, so the re-invoked request can clean up after itself.
func (b *StoreBackend) RescheduleAfterMinutes(ctx context.Context, target string, minutes int, req *proxy.HandlerRequest) error {
	if req.RequestContext == nil {
		req.RequestContext = &proxy.RequestContext{}
	}

	id := uuid.New().String()
	req.RequestContext.TriggerName = HandlerTriggerPrefix + id
	req.RequestContext.TriggerTargetID = TargetTriggerPrefix + id

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal re-invocation request: %w", err)
	}

	now := b.now()
	trigger := &stores.Trigger{
		Name:        req.RequestContext.TriggerName,
		TargetID:    req.RequestContext.TriggerTargetID,
		Target:      target,
		BearerToken: req.BearerToken,
		Invocation:  req.RequestContext.Invocation,
		Payload:     string(payload),
		FireAt:      now.Add(time.Duration(minutes) * time.Minute),
		CreatedAt:   now,
	}

	if err := b.store.CreateTrigger(ctx, trigger); err != nil {
		return fmt.Errorf("failed to create trigger: %w", err)
	}
	return nil
}

// Cleanup deletes the named trigger. Empty or unknown names are ignored.
func (b *StoreBackend) Cleanup(ctx context.Context, triggerName, _ string) error {
	if triggerName == "" {
		return nil
	}
	if _, err := b.store.DeleteTrigger(ctx, triggerName); err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}
	return nil
}
