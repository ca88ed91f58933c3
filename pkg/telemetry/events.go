package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle event emitted while handling invocations.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// BearerToken correlates the event with one logical operation.
	BearerToken string `json:"bearer_token,omitempty"`

	// Action is the lifecycle action being handled.
	Action string `json:"action,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for invocation lifecycle events.
const (
	EventTypeInvocationStarted     = "invocation.started"
	EventTypeInvocationCompleted   = "invocation.completed"
	EventTypeValidationFailed      = "validation.failed"
	EventTypeReinvocationScheduled = "reinvocation.scheduled"
	EventTypeTriggerDispatched     = "trigger.dispatched"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans lifecycle events out to subscribers.
// In synchronous mode subscribers run on the publishing goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		if cfg.BufferSize <= 0 {
			cancel()
			return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
		}
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers. A nil publisher discards events.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishInvocationStarted publishes an invocation started event.
func (ep *EventPublisher) PublishInvocationStarted(bearerToken, action string, invocation int) error {
	return ep.Publish(Event{
		Type:        EventTypeInvocationStarted,
		BearerToken: bearerToken,
		Action:      action,
		Message:     fmt.Sprintf("Invocation %d started", invocation),
		Data: map[string]interface{}{
			"invocation": invocation,
		},
	})
}

// PublishInvocationCompleted publishes the final status of an invocation.
func (ep *EventPublisher) PublishInvocationCompleted(bearerToken, action, status, errorCode string) error {
	level := EventLevelInfo
	if errorCode != "" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:        EventTypeInvocationCompleted,
		BearerToken: bearerToken,
		Action:      action,
		Level:       level,
		Message:     fmt.Sprintf("Invocation returned %s", status),
		Data: map[string]interface{}{
			"status":     status,
			"error_code": errorCode,
		},
	})
}

// PublishValidationFailed publishes a schema validation failure.
func (ep *EventPublisher) PublishValidationFailed(bearerToken, action, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypeValidationFailed,
		BearerToken: bearerToken,
		Action:      action,
		Level:       EventLevelWarning,
		Message:     reason,
	})
}

// PublishReinvocationScheduled publishes the registration of a delayed re-invocation.
func (ep *EventPublisher) PublishReinvocationScheduled(bearerToken, triggerName string, minutes, invocation int) error {
	return ep.Publish(Event{
		Type:        EventTypeReinvocationScheduled,
		BearerToken: bearerToken,
		Message:     fmt.Sprintf("Re-invocation %d scheduled in %d minute(s)", invocation, minutes),
		Data: map[string]interface{}{
			"trigger":    triggerName,
			"minutes":    minutes,
			"invocation": invocation,
		},
	})
}

// PublishTriggerDispatched publishes the dispatch of a due trigger.
func (ep *EventPublisher) PublishTriggerDispatched(bearerToken, triggerName string, err error) error {
	event := Event{
		Type:        EventTypeTriggerDispatched,
		BearerToken: bearerToken,
		Message:     "Trigger dispatched",
		Data: map[string]interface{}{
			"trigger": triggerName,
		},
	}
	if err != nil {
		event.Level = EventLevelError
		event.Message = err.Error()
	}
	return ep.Publish(event)
}

// Subscribe adds a new event subscriber. filter may be nil.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events until shutdown, then drains the buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all matching subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher, delivering any buffered events first.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByBearerToken creates a filter that only allows events of one operation.
func FilterByBearerToken(bearerToken string) EventFilter {
	return func(event Event) bool {
		return event.BearerToken == bearerToken
	}
}
