package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/openfroyo/handlerkit/pkg/proxy"
	"github.com/openfroyo/handlerkit/pkg/telemetry"
)

// Request headers set on every report.
const (
	HeaderAccessKeyID  = "X-Platform-Access-Key-Id"
	HeaderSessionToken = "X-Platform-Session-Token"
	HeaderBearerToken  = "X-Bearer-Token"
)

// ErrNoEndpoint is returned when a report is sent before an endpoint is known.
var ErrNoEndpoint = errors.New("callback endpoint not configured")

// HTTPError is a non-2xx response from the callback endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// IsClientError returns true for 4xx errors, which are not retried.
func IsClientError(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 400 && he.StatusCode < 500
	}
	return false
}

// RetryConfig bounds report retries. Zero values use defaults.
type RetryConfig struct {
	MaxAttempts int           // default: 3
	Initial     time.Duration // default: 100ms
	Max         time.Duration // default: 2s
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Initial <= 0 {
		c.Initial = 100 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 2 * time.Second
	}
	return c
}

// backoff returns the wait before retry number attempt (1-based).
func (c RetryConfig) backoff(attempt int) time.Duration {
	if attempt < 1 {
		return c.Initial
	}
	d := float64(c.Initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(c.Max) {
		d = float64(c.Max)
	}
	return time.Duration(d)
}

// HTTPOptions configures an HTTPReporter.
type HTTPOptions struct {
	Endpoint string
	Timeout  time.Duration
	Retry    RetryConfig
	Logger   *telemetry.Logger
	Metrics  *telemetry.Metrics

	// Transport is wrapped with OpenTelemetry instrumentation. Defaults to a pooled transport.
	Transport http.RoundTripper
}

// HTTPReporter posts progress reports as JSON to the orchestrator.
// The endpoint and credentials are replaced on every Refresh; the underlying
// client is built once and reused.
type HTTPReporter struct {
	client  *http.Client
	retry   RetryConfig
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	sleep   func(ctx context.Context, d time.Duration) error

	mu       sync.RWMutex
	endpoint string
	creds    *proxy.Credentials
}

// NewHTTPReporter creates a reporter.
func NewHTTPReporter(opts HTTPOptions) *HTTPReporter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	base := opts.Transport
	if base == nil {
		base = &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}

	return &HTTPReporter{
		client: &http.Client{
			Timeout: timeout,
			Transport: otelhttp.NewTransport(base,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "callback.report " + r.Method
				}),
			),
		},
		retry:    opts.Retry.withDefaults(),
		logger:   logger.NewComponentLogger("callback"),
		metrics:  metrics,
		sleep:    sleepContext,
		endpoint: opts.Endpoint,
	}
}

// Refresh implements proxy.Refresher.
func (r *HTTPReporter) Refresh(cfg proxy.RuntimeConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg.CallbackEndpoint != "" {
		r.endpoint = cfg.CallbackEndpoint
	}
	r.creds = cfg.PlatformCredentials
	return nil
}

// Endpoint returns the current callback endpoint.
func (r *HTTPReporter) Endpoint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoint
}

// Report implements proxy.CallbackReporter.
func (r *HTTPReporter) Report(ctx context.Context, report proxy.ProgressReport) error {
	err := r.report(ctx, report)
	r.metrics.RecordCallbackReport(report.Status, err)
	return err
}

func (r *HTTPReporter) report(ctx context.Context, report proxy.ProgressReport) error {
	r.mu.RLock()
	endpoint, creds := r.endpoint, r.creds
	r.mu.RUnlock()

	if endpoint == "" {
		return ErrNoEndpoint
	}
	if report.ReportedAt.IsZero() {
		report.ReportedAt = time.Now().UTC()
	}

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		lastErr = r.send(ctx, endpoint, creds, report.BearerToken, body)
		if lastErr == nil || IsClientError(lastErr) {
			return lastErr
		}
		if attempt == r.retry.MaxAttempts {
			break
		}

		wait := r.retry.backoff(attempt)
		r.logger.WithError(lastErr).
			WithField("bearer_token", report.BearerToken).
			Debugf("Report attempt %d failed, retrying in %s", attempt, wait)
		if err := r.sleep(ctx, wait); err != nil {
			return fmt.Errorf("report cancelled after %d attempt(s): %w", attempt, lastErr)
		}
	}
	return fmt.Errorf("report failed after %d attempt(s): %w", r.retry.MaxAttempts, lastErr)
}

func (r *HTTPReporter) send(ctx context.Context, endpoint string, creds *proxy.Credentials, bearerToken string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderBearerToken, bearerToken)
	if creds != nil {
		req.Header.Set(HeaderAccessKeyID, creds.AccessKeyID)
		if creds.SessionToken != "" {
			req.Header.Set(HeaderSessionToken, creds.SessionToken)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &HTTPError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
