package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Trigger is a delayed re-invocation registered by the resume scheduler.
type Trigger struct {
	Name        string     `json:"name"`
	TargetID    string     `json:"target_id"`
	Target      string     `json:"target"`
	BearerToken string     `json:"bearer_token"`
	Invocation  int        `json:"invocation"`
	Payload     string     `json:"payload"` // JSON blob of the request to re-invoke with
	FireAt      time.Time  `json:"fire_at"`
	FiredAt     *time.Time `json:"fired_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Report is one progress report persisted for a bearer token.
type Report struct {
	ID             int64     `json:"id"`
	BearerToken    string    `json:"bearer_token"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status"`
	ErrorCode      *string   `json:"error_code,omitempty"`
	Message        *string   `json:"message,omitempty"`
	ResourceModel  *string   `json:"resource_model,omitempty"` // JSON blob
	ReportedAt     time.Time `json:"reported_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Trigger operations
	CreateTrigger(ctx context.Context, trigger *Trigger) error
	GetTrigger(ctx context.Context, name string) (*Trigger, error)
	DeleteTrigger(ctx context.Context, name string) (bool, error)
	ListTriggers(ctx context.Context, pendingOnly bool, limit, offset int) ([]*Trigger, error)
	ClaimDueTriggers(ctx context.Context, now time.Time, limit int) ([]*Trigger, error)

	// Report operations
	AppendReport(ctx context.Context, report *Report) error
	ListReports(ctx context.Context, bearerToken *string, limit, offset int) ([]*Report, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
