// Package budget tracks the wall-clock budget of a host invocation.
package budget

import (
	"math"
	"time"
)

const (
	// SafetyMargin is the time reserved for the wrapper's own bookkeeping
	// after the last local cycle.
	SafetyMargin = 60 * time.Second

	// LocalSleepCutoff is the exclusive upper bound for delays eligible for a local sleep.
	LocalSleepCutoff = 60 * time.Second

	// LocalSleepMultiplier inflates the requested delay when checking the remaining budget.
	LocalSleepMultiplier = 1.2
)

// HostContext is what the host exposes about the running invocation.
type HostContext interface {
	// RemainingTime returns the wall-clock time left before the host kills the invocation.
	RemainingTime() time.Duration

	// InvokedTarget identifies the function or endpoint that re-invocations must target.
	InvokedTarget() string
}

// Deadline is a HostContext backed by a fixed deadline.
type Deadline struct {
	target   string
	deadline time.Time
	now      func() time.Time
}

// NewDeadline creates a host context that expires after budget.
func NewDeadline(target string, budget time.Duration) *Deadline {
	return NewDeadlineWithClock(target, budget, time.Now)
}

// NewDeadlineWithClock creates a host context using now as its clock.
func NewDeadlineWithClock(target string, budget time.Duration, now func() time.Time) *Deadline {
	return &Deadline{
		target:   target,
		deadline: now().Add(budget),
		now:      now,
	}
}

// RemainingTime returns the time until the deadline, never negative.
func (d *Deadline) RemainingTime() time.Duration {
	remaining := d.deadline.Sub(d.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// InvokedTarget returns the target name.
func (d *Deadline) InvokedTarget() string {
	return d.target
}

// Deadline returns the absolute deadline.
func (d *Deadline) Deadline() time.Time {
	return d.deadline
}

// Tracker turns a HostContext into scheduling decisions.
type Tracker struct {
	host HostContext
}

// NewTracker creates a tracker over host.
func NewTracker(host HostContext) *Tracker {
	return &Tracker{host: host}
}

// Remaining returns the remaining host budget. A nil host has no budget.
func (t *Tracker) Remaining() time.Duration {
	if t == nil || t.host == nil {
		return 0
	}
	return t.host.RemainingTime()
}

// Target returns the invoked target of the host.
func (t *Tracker) Target() string {
	if t == nil || t.host == nil {
		return ""
	}
	return t.host.InvokedTarget()
}

// CanSleepLocally reports whether a local sleep of delaySeconds fits the budget.
// The delay must be strictly below the cutoff and the remaining budget must
// exceed the inflated delay plus the safety margin.
func (t *Tracker) CanSleepLocally(delaySeconds int) bool {
	delay := time.Duration(delaySeconds) * time.Second
	if delay >= LocalSleepCutoff {
		return false
	}
	return t.Remaining() > Required(delaySeconds)
}

// Required returns the remaining budget needed before sleeping delaySeconds locally.
func Required(delaySeconds int) time.Duration {
	ms := math.Round(math.Abs(float64(delaySeconds)) * 1000 * LocalSleepMultiplier)
	return time.Duration(ms)*time.Millisecond + SafetyMargin
}

// LocalSleep returns how long to sleep for a delay that passed
// CanSleepLocally. Negative delays do not sleep.
func LocalSleep(delaySeconds int) time.Duration {
	if delaySeconds <= 0 {
		return 0
	}
	return time.Duration(delaySeconds) * time.Second
}

// ExternalDelayMinutes converts a delay into whole minutes for an external timer.
// Whole minutes are truncated; a sub-minute delay still waits one minute.
func ExternalDelayMinutes(delaySeconds int) int {
	if delaySeconds < 0 {
		delaySeconds = -delaySeconds
	}
	return max(1, delaySeconds/60)
}
