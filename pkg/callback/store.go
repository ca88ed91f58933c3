package callback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/handlerkit/pkg/proxy"
	"github.com/openfroyo/handlerkit/pkg/stores"
)

// StoreReporter appends every report to a store.
type StoreReporter struct {
	store stores.Store
	now   func() time.Time
}

// NewStoreReporter creates a reporter over store.
func NewStoreReporter(store stores.Store) *StoreReporter {
	return &StoreReporter{store: store, now: time.Now}
}

// Report implements proxy.CallbackReporter.
func (r *StoreReporter) Report(ctx context.Context, report proxy.ProgressReport) error {
	reportedAt := report.ReportedAt
	if reportedAt.IsZero() {
		reportedAt = r.now()
	}

	rec := &stores.Report{
		BearerToken:    report.BearerToken,
		Status:         string(report.Status),
		PreviousStatus: string(report.PreviousStatus),
		ReportedAt:     reportedAt,
	}
	if report.ErrorCode != "" {
		code := string(report.ErrorCode)
		rec.ErrorCode = &code
	}
	if report.Message != "" {
		msg := report.Message
		rec.Message = &msg
	}
	if len(report.ResourceModel) > 0 {
		model := string(report.ResourceModel)
		rec.ResourceModel = &model
	}

	if err := r.store.AppendReport(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist report: %w", err)
	}
	return nil
}

// Multi fans a report out to several reporters. Every reporter is called even
// when an earlier one fails.
type Multi []proxy.CallbackReporter

// Report implements proxy.CallbackReporter.
func (m Multi) Report(ctx context.Context, report proxy.ProgressReport) error {
	var errs []error
	for _, r := range m {
		if err := r.Report(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Refresh forwards the runtime config to every reporter that accepts it.
func (m Multi) Refresh(cfg proxy.RuntimeConfig) error {
	var errs []error
	for _, r := range m {
		if rf, ok := r.(proxy.Refresher); ok {
			if err := rf.Refresh(cfg); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
