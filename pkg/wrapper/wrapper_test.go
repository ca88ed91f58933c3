package wrapper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/handlerkit/pkg/proxy"
	"github.com/openfroyo/handlerkit/pkg/scheduler"
	"github.com/openfroyo/handlerkit/pkg/validation"
)

type fakeHost struct {
	remaining time.Duration
}

func (h fakeHost) RemainingTime() time.Duration { return h.remaining }
func (h fakeHost) InvokedTarget() string        { return "arn:handler" }

// recordingReporter records every report in order.
type recordingReporter struct {
	mu      sync.Mutex
	reports []proxy.ProgressReport
	err     error
}

func (r *recordingReporter) Report(_ context.Context, report proxy.ProgressReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return r.err
}

func (r *recordingReporter) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.reports))
	for _, rep := range r.reports {
		out = append(out, string(rep.PreviousStatus)+"->"+string(rep.Status))
	}
	return out
}

// recordingMetrics counts published metrics.
type recordingMetrics struct {
	mu          sync.Mutex
	invocations int
	durations   int
	exceptions  []proxy.HandlerErrorCode
}

func (m *recordingMetrics) PublishInvocation(context.Context, proxy.Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invocations++
}

func (m *recordingMetrics) PublishDuration(context.Context, proxy.Action, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations++
}

func (m *recordingMetrics) PublishException(_ context.Context, _ proxy.Action, code proxy.HandlerErrorCode, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exceptions = append(m.exceptions, code)
}

type rescheduleCall struct {
	minutes int
	req     proxy.HandlerRequest
}

type mockBackend struct {
	mu       sync.Mutex
	calls    []rescheduleCall
	cleanups []string
	err      error
}

func (b *mockBackend) RescheduleAfterMinutes(_ context.Context, _ string, minutes int, req *proxy.HandlerRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rc := *req.RequestContext
	copied := *req
	copied.RequestContext = &rc
	b.calls = append(b.calls, rescheduleCall{minutes: minutes, req: copied})
	return b.err
}

func (b *mockBackend) Cleanup(_ context.Context, name, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanups = append(b.cleanups, name)
	return nil
}

// scriptedHandler returns the scripted results in order and records what it saw.
type scriptedHandler struct {
	mu       sync.Mutex
	results  []func() (*proxy.ProgressEvent, error)
	calls    int
	contexts []string
	requests []*proxy.ResourceHandlerRequest
}

func (h *scriptedHandler) HandleRequest(_ context.Context, client *proxy.ClientProxy, req *proxy.ResourceHandlerRequest, _ proxy.Action, cbctx json.RawMessage) (*proxy.ProgressEvent, error) {
	h.mu.Lock()
	i := h.calls
	h.calls++
	h.contexts = append(h.contexts, string(cbctx))
	h.requests = append(h.requests, req)
	h.mu.Unlock()

	if client == nil {
		return nil, errors.New("missing client proxy")
	}
	if i >= len(h.results) {
		return nil, errors.New("unexpected handler call")
	}
	return h.results[i]()
}

func returns(event *proxy.ProgressEvent) func() (*proxy.ProgressEvent, error) {
	return func() (*proxy.ProgressEvent, error) { return event, nil }
}

func fails(err error) func() (*proxy.ProgressEvent, error) {
	return func() (*proxy.ProgressEvent, error) { return nil, err }
}

type harness struct {
	wrapper  *Wrapper
	handler  *scriptedHandler
	reporter *recordingReporter
	metrics  *recordingMetrics
	backend  *mockBackend
	slept    []time.Duration
}

func setupHarness(t *testing.T, validator validation.Validator, results ...func() (*proxy.ProgressEvent, error)) *harness {
	t.Helper()

	h := &harness{
		handler:  &scriptedHandler{results: results},
		reporter: &recordingReporter{},
		metrics:  &recordingMetrics{},
		backend:  &mockBackend{},
	}
	sched := scheduler.New(h.backend, scheduler.Options{
		Sleep: func(_ context.Context, d time.Duration) error {
			h.slept = append(h.slept, d)
			return nil
		},
	})

	w, err := New(Options{
		Handler:   h.handler,
		Reporter:  h.reporter,
		Scheduler: sched,
		Validator: validator,
		Metrics:   h.metrics,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.wrapper = w
	return h
}

func (h *harness) handle(t *testing.T, req map[string]interface{}, remaining time.Duration) *proxy.Response {
	t.Helper()

	in, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	return h.handleRaw(t, in, remaining)
}

func (h *harness) handleRaw(t *testing.T, in []byte, remaining time.Duration) *proxy.Response {
	t.Helper()

	var out bytes.Buffer
	if err := h.wrapper.Handle(context.Background(), bytes.NewReader(in), &out, fakeHost{remaining: remaining}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	dec := json.NewDecoder(&out)
	var resp proxy.Response
	if err := dec.Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if dec.More() {
		t.Fatal("expected exactly one response")
	}
	return &resp
}

func baseRequest(action string) map[string]interface{} {
	return map[string]interface{}{
		"bearerToken":      "tok-1",
		"action":           action,
		"responseEndpoint": "https://orchestrator.example.com",
		"resourceType":     "Example::Thing",
		"region":           "eu-west-1",
		"requestData": map[string]interface{}{
			"platformCredentials": map[string]string{"accessKeyId": "AKID", "secretAccessKey": "secret"},
			"resourceProperties":  map[string]interface{}{"name": "a"},
			"stackTags":           map[string]string{"team": "infra", "env": "dev"},
		},
	}
}

func withInvocation(req map[string]interface{}, invocation int, cbctx string) map[string]interface{} {
	rc := map[string]interface{}{"invocation": invocation}
	if cbctx != "" {
		rc["callbackContext"] = json.RawMessage(cbctx)
	}
	req["requestContext"] = rc
	return req
}

func TestHandle_CreateScenario(t *testing.T) {
	h := setupHarness(t, nil,
		returns(proxy.InProgress(json.RawMessage(`{"step":1}`), 0, nil)),
		returns(proxy.Success(json.RawMessage(`{"name":"a","id":"t-1"}`))),
	)

	resp := h.handle(t, baseRequest("CREATE"), 5*time.Minute)

	if resp.OperationStatus != proxy.OperationStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s (%s)", resp.OperationStatus, resp.Message)
	}
	if resp.BearerToken != "tok-1" {
		t.Errorf("expected bearer token echoed, got %q", resp.BearerToken)
	}
	if string(resp.ResourceModel) != `{"name":"a","id":"t-1"}` {
		t.Errorf("unexpected resource model: %s", resp.ResourceModel)
	}

	want := []string{"PENDING->IN_PROGRESS", "IN_PROGRESS->IN_PROGRESS", "IN_PROGRESS->SUCCESS"}
	if got := h.reporter.statuses(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("reports = %v, want %v", got, want)
	}
	if h.handler.calls != 2 {
		t.Errorf("expected 2 handler calls, got %d", h.handler.calls)
	}
	if h.handler.contexts[1] != `{"step":1}` {
		t.Errorf("expected callback context threaded to second cycle, got %q", h.handler.contexts[1])
	}
	if len(h.slept) != 1 || h.slept[0] != 0 {
		t.Errorf("expected one zero-length local sleep, got %v", h.slept)
	}
	if len(h.backend.calls) != 0 {
		t.Error("expected no external scheduling")
	}
	if h.metrics.invocations != 1 || h.metrics.durations != 2 {
		t.Errorf("expected 1 invocation and 2 duration metrics, got %d and %d", h.metrics.invocations, h.metrics.durations)
	}
}

func TestHandle_LocalContinuationKeepsInvocation(t *testing.T) {
	h := setupHarness(t, nil,
		returns(proxy.InProgress(json.RawMessage(`{"step":2}`), 10, nil)),
		returns(proxy.Success(nil)),
	)

	resp := h.handle(t, withInvocation(baseRequest("UPDATE"), 2, `{"step":1}`), 5*time.Minute)

	if resp.OperationStatus != proxy.OperationStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", resp.OperationStatus)
	}
	if len(h.slept) != 1 || h.slept[0] != 10*time.Second {
		t.Errorf("expected a 10s local sleep, got %v", h.slept)
	}
	if len(h.backend.calls) != 0 {
		t.Error("expected no external scheduling")
	}
	// No acknowledgement on later invocations.
	want := []string{"IN_PROGRESS->IN_PROGRESS", "IN_PROGRESS->SUCCESS"}
	if got := h.reporter.statuses(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("reports = %v, want %v", got, want)
	}
	if got := h.handler.contexts; got[0] != `{"step":1}` || got[1] != `{"step":2}` {
		t.Errorf("unexpected callback contexts %v", got)
	}
}

func TestHandle_ExternalReinvocation(t *testing.T) {
	h := setupHarness(t, nil,
		returns(proxy.InProgress(json.RawMessage(`{"step":2}`), 300, json.RawMessage(`{"name":"a"}`))),
	)

	resp := h.handle(t, withInvocation(baseRequest("CREATE"), 3, `{"step":1}`), 5*time.Minute)

	if resp.OperationStatus != proxy.OperationStatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s (%s)", resp.OperationStatus, resp.Message)
	}
	if len(h.backend.calls) != 1 {
		t.Fatalf("expected one external reschedule, got %d", len(h.backend.calls))
	}
	call := h.backend.calls[0]
	if call.minutes != 5 {
		t.Errorf("expected 5 minutes, got %d", call.minutes)
	}
	if call.req.RequestContext.Invocation != 4 {
		t.Errorf("expected invocation 4, got %d", call.req.RequestContext.Invocation)
	}
	if string(call.req.RequestContext.CallbackContext) != `{"step":2}` {
		t.Errorf("expected new callback context, got %s", call.req.RequestContext.CallbackContext)
	}
	if h.handler.calls != 1 || len(h.slept) != 0 {
		t.Error("expected the invocation to end without further local cycles")
	}
}

func TestHandle_SchedulerFailure(t *testing.T) {
	h := setupHarness(t, nil, returns(proxy.InProgress(nil, 120, nil)))
	h.backend.err = errors.New("timer quota exceeded")

	resp := h.handle(t, withInvocation(baseRequest("DELETE"), 1, ""), time.Hour)

	if resp.OperationStatus != proxy.OperationStatusFailed || resp.ErrorCode != proxy.ErrorCodeInternalFailure {
		t.Fatalf("expected FAILED/InternalFailure, got %s/%s", resp.OperationStatus, resp.ErrorCode)
	}
	if !strings.Contains(resp.Message, "timer quota exceeded") {
		t.Errorf("expected scheduler error in message, got %q", resp.Message)
	}
}

func TestHandle_SynchronousActionInProgress(t *testing.T) {
	for _, action := range []string{"READ", "LIST"} {
		t.Run(action, func(t *testing.T) {
			h := setupHarness(t, nil, returns(proxy.InProgress(nil, 5, nil)))

			resp := h.handle(t, baseRequest(action), 5*time.Minute)

			if resp.OperationStatus != proxy.OperationStatusFailed || resp.ErrorCode != proxy.ErrorCodeInternalFailure {
				t.Fatalf("expected FAILED/InternalFailure, got %s/%s", resp.OperationStatus, resp.ErrorCode)
			}
			if resp.Message != MsgSynchronousAction {
				t.Errorf("unexpected message %q", resp.Message)
			}
			for _, r := range h.reporter.reports {
				if r.Status != proxy.OperationStatusInProgress || r.PreviousStatus != proxy.OperationStatusPending {
					t.Errorf("expected only the acknowledgement to be reported, got %+v", r)
				}
			}
			if len(h.backend.calls) != 0 || len(h.slept) != 0 {
				t.Error("expected no continuation")
			}
		})
	}
}

func TestHandle_ListSuccess(t *testing.T) {
	event := &proxy.ProgressEvent{
		Status:         proxy.OperationStatusSuccess,
		ResourceModels: []json.RawMessage{json.RawMessage(`{"name":"a"}`), json.RawMessage(`{"name":"b"}`)},
		NextToken:      "page-2",
	}
	h := setupHarness(t, nil, returns(event))

	resp := h.handle(t, withInvocation(baseRequest("LIST"), 1, ""), time.Minute)

	if resp.OperationStatus != proxy.OperationStatusSuccess || len(resp.ResourceModels) != 2 || resp.NextToken != "page-2" {
		t.Errorf("unexpected LIST response: %+v", resp)
	}
	if len(h.reporter.reports) != 0 {
		t.Errorf("expected no reports for LIST, got %v", h.reporter.statuses())
	}
}

func TestHandle_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		result   func() (*proxy.ProgressEvent, error)
		wantCode proxy.HandlerErrorCode
	}{
		{"unclassified error", fails(errors.New("boom")), proxy.ErrorCodeInternalFailure},
		{"classified error", fails(proxy.NewNotFoundError("Example::Thing", "t-1")), proxy.ErrorCodeNotFound},
		{"wrapped classified error", fails(errorsWrap(proxy.NewThrottlingError("slow down", nil))), proxy.ErrorCodeThrottling},
		{"downstream service error", fails(&proxy.ServiceError{Service: "ec2", StatusCode: 500, Err: errors.New("oops")}), proxy.ErrorCodeGeneralServiceException},
		{"validation error", fails(&validation.Error{Violations: []validation.Violation{{Pointer: "#/name", Message: "bad"}}}), proxy.ErrorCodeInvalidRequest},
		{"nil event", returns(nil), proxy.ErrorCodeInternalFailure},
		{"panic", func() (*proxy.ProgressEvent, error) { panic("kaboom") }, proxy.ErrorCodeInternalFailure},
		{"failed event without code", returns(&proxy.ProgressEvent{Status: proxy.OperationStatusFailed, Message: "x"}), proxy.ErrorCodeInternalFailure},
		{"failed event with code", returns(proxy.Failed(proxy.ErrorCodeAlreadyExists, "exists")), proxy.ErrorCodeAlreadyExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupHarness(t, nil, tt.result)

			resp := h.handle(t, withInvocation(baseRequest("CREATE"), 1, ""), 5*time.Minute)

			if resp.OperationStatus != proxy.OperationStatusFailed || resp.ErrorCode != tt.wantCode {
				t.Fatalf("expected FAILED/%s, got %s/%s (%s)", tt.wantCode, resp.OperationStatus, resp.ErrorCode, resp.Message)
			}

			failures := 0
			for _, r := range h.reporter.reports {
				if r.Status == proxy.OperationStatusFailed {
					failures++
					if r.ErrorCode != tt.wantCode {
						t.Errorf("expected reported code %s, got %s", tt.wantCode, r.ErrorCode)
					}
				}
			}
			if failures != 1 {
				t.Errorf("expected exactly one failure report, got %d", failures)
			}
			if h.metrics.durations != 1 {
				t.Errorf("expected exactly one duration metric, got %d", h.metrics.durations)
			}
		})
	}
}

func errorsWrap(err error) error {
	return errors.Join(errors.New("context"), err)
}

func TestHandle_ExceptionMetric(t *testing.T) {
	h := setupHarness(t, nil, fails(errors.New("boom")))

	h.handle(t, withInvocation(baseRequest("CREATE"), 1, ""), 5*time.Minute)

	if len(h.metrics.exceptions) != 1 || h.metrics.exceptions[0] != proxy.ErrorCodeInternalFailure {
		t.Errorf("expected one InternalFailure exception metric, got %v", h.metrics.exceptions)
	}
}

func TestHandle_NonFailedEventDropsErrorCode(t *testing.T) {
	tests := []struct {
		name   string
		event  *proxy.ProgressEvent
		status proxy.OperationStatus
	}{
		{"success", &proxy.ProgressEvent{Status: proxy.OperationStatusSuccess, ErrorCode: proxy.ErrorCodeNotFound}, proxy.OperationStatusSuccess},
		{"in progress", &proxy.ProgressEvent{Status: proxy.OperationStatusInProgress, CallbackDelaySeconds: 300, ErrorCode: proxy.ErrorCodeThrottling}, proxy.OperationStatusInProgress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupHarness(t, nil, returns(tt.event))

			resp := h.handle(t, withInvocation(baseRequest("UPDATE"), 1, ""), 5*time.Minute)

			if resp.OperationStatus != tt.status {
				t.Fatalf("expected %s, got %s (%s)", tt.status, resp.OperationStatus, resp.Message)
			}
			if resp.ErrorCode != "" {
				t.Errorf("expected no error code on %s response, got %s", tt.status, resp.ErrorCode)
			}
			for _, r := range h.reporter.reports {
				if r.ErrorCode != "" {
					t.Errorf("expected no error code on %s report, got %s", r.Status, r.ErrorCode)
				}
			}
		})
	}
}

type rejectingValidator struct{ err error }

func (v rejectingValidator) Validate(context.Context, json.RawMessage) error { return v.err }

func TestHandle_ModelValidationFailure(t *testing.T) {
	schema, err := validation.NewSchemaValidator([]byte(`{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"additionalProperties": false
	}`))
	if err != nil {
		t.Fatalf("NewSchemaValidator() error = %v", err)
	}
	h := setupHarness(t, schema, returns(proxy.Success(nil)))

	req := baseRequest("CREATE")
	req["requestData"].(map[string]interface{})["resourceProperties"] = map[string]interface{}{"name": "a", "colour": "red"}

	resp := h.handle(t, req, 5*time.Minute)

	if resp.OperationStatus != proxy.OperationStatusFailed || resp.ErrorCode != proxy.ErrorCodeInvalidRequest {
		t.Fatalf("expected FAILED/InvalidRequest, got %s/%s", resp.OperationStatus, resp.ErrorCode)
	}
	if !strings.HasPrefix(resp.Message, "Model validation failed (") || !strings.Contains(resp.Message, "#/colour") {
		t.Errorf("unexpected message %q", resp.Message)
	}
	if h.handler.calls != 0 {
		t.Error("expected handler not to be invoked")
	}
	want := []string{"PENDING->IN_PROGRESS", "IN_PROGRESS->FAILED"}
	if got := h.reporter.statuses(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("reports = %v, want %v", got, want)
	}
	if len(h.metrics.exceptions) != 1 || h.metrics.exceptions[0] != proxy.ErrorCodeInvalidRequest {
		t.Errorf("expected one InvalidRequest exception metric, got %v", h.metrics.exceptions)
	}
}

func TestHandle_OpenSchemaRejectsUndeclaredProperty(t *testing.T) {
	schema, err := validation.NewSchemaValidator([]byte(`{
		"type": "object",
		"properties": {"name": {"type": "string"}}
	}`))
	if err != nil {
		t.Fatalf("NewSchemaValidator() error = %v", err)
	}
	h := setupHarness(t, schema, returns(proxy.Success(nil)))

	req := baseRequest("CREATE")
	req["requestData"].(map[string]interface{})["resourceProperties"] = map[string]interface{}{"name": "a", "extra": 1}

	resp := h.handle(t, req, 5*time.Minute)

	if resp.OperationStatus != proxy.OperationStatusFailed || resp.ErrorCode != proxy.ErrorCodeInvalidRequest {
		t.Fatalf("expected FAILED/InvalidRequest, got %s/%s", resp.OperationStatus, resp.ErrorCode)
	}
	if !strings.Contains(resp.Message, "#/extra") {
		t.Errorf("expected message to name #/extra, got %q", resp.Message)
	}
	if h.handler.calls != 0 {
		t.Error("expected handler not to be invoked")
	}
}

func TestHandle_ModelValidationSkippedForRead(t *testing.T) {
	reject := &validation.Error{}
	reject.Add("#", "never valid", "test")
	h := setupHarness(t, rejectingValidator{err: reject}, returns(proxy.Success(json.RawMessage(`{"name":"a"}`))))

	resp := h.handle(t, baseRequest("READ"), 5*time.Minute)

	if resp.OperationStatus != proxy.OperationStatusSuccess {
		t.Errorf("expected READ to skip model validation, got %s", resp.OperationStatus)
	}
}

func TestHandle_ValidatorInfrastructureError(t *testing.T) {
	h := setupHarness(t, rejectingValidator{err: errors.New("policy engine down")}, returns(proxy.Success(nil)))

	resp := h.handle(t, withInvocation(baseRequest("UPDATE"), 1, ""), 5*time.Minute)

	if resp.OperationStatus != proxy.OperationStatusFailed || resp.ErrorCode != proxy.ErrorCodeInternalFailure {
		t.Fatalf("expected FAILED/InternalFailure, got %s/%s", resp.OperationStatus, resp.ErrorCode)
	}
	if string(resp.ResourceModel) != `{"name":"a"}` {
		t.Errorf("expected desired model echoed, got %s", resp.ResourceModel)
	}
	if h.handler.calls != 0 {
		t.Error("expected handler not to be invoked")
	}
}

func TestHandle_StructuralFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(req map[string]interface{})
	}{
		{"missing response endpoint", func(req map[string]interface{}) { delete(req, "responseEndpoint") }},
		{"missing platform credentials", func(req map[string]interface{}) {
			delete(req["requestData"].(map[string]interface{}), "platformCredentials")
		}},
		{"missing request data", func(req map[string]interface{}) { delete(req, "requestData") }},
		{"missing resource properties", func(req map[string]interface{}) {
			delete(req["requestData"].(map[string]interface{}), "resourceProperties")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupHarness(t, nil, returns(proxy.Success(nil)))
			req := baseRequest("CREATE")
			tt.mutate(req)

			resp := h.handle(t, req, 5*time.Minute)

			if resp.OperationStatus != proxy.OperationStatusFailed || resp.ErrorCode != proxy.ErrorCodeInternalFailure {
				t.Fatalf("expected FAILED/InternalFailure, got %s/%s", resp.OperationStatus, resp.ErrorCode)
			}
			if h.handler.calls != 0 {
				t.Error("expected handler not to be invoked")
			}
			if len(h.reporter.reports) != 0 {
				t.Errorf("expected no reports, got %v", h.reporter.statuses())
			}
		})
	}
}

func TestHandle_UnparseableRequest(t *testing.T) {
	for _, in := range []string{`{not json`, `{"action":"PATCH"}`, ``} {
		h := setupHarness(t, nil, returns(proxy.Success(nil)))

		resp := h.handleRaw(t, []byte(in), time.Minute)

		if resp.OperationStatus != proxy.OperationStatusFailed || resp.ErrorCode != proxy.ErrorCodeInternalFailure {
			t.Errorf("input %q: expected FAILED/InternalFailure, got %s/%s", in, resp.OperationStatus, resp.ErrorCode)
		}
		if h.handler.calls != 0 {
			t.Errorf("input %q: expected handler not to be invoked", in)
		}
	}
}

func TestHandle_TriggerCleanup(t *testing.T) {
	h := setupHarness(t, nil, returns(proxy.Success(nil)))

	req := withInvocation(baseRequest("CREATE"), 1, "")
	h.handle(t, req, time.Minute)
	if len(h.backend.cleanups) != 0 {
		t.Errorf("expected no cleanup without a trigger, got %v", h.backend.cleanups)
	}

	h = setupHarness(t, nil, returns(proxy.Success(nil)))
	req = withInvocation(baseRequest("CREATE"), 1, "")
	req["requestContext"].(map[string]interface{})["triggerName"] = "reinvoke-handler-1"
	h.handle(t, req, time.Minute)
	if len(h.backend.cleanups) != 1 || h.backend.cleanups[0] != "reinvoke-handler-1" {
		t.Errorf("expected cleanup of reinvoke-handler-1, got %v", h.backend.cleanups)
	}
}

func TestHandle_ReporterFailureIsNotFatal(t *testing.T) {
	h := setupHarness(t, nil, returns(proxy.Success(nil)))
	h.reporter.err = errors.New("orchestrator unreachable")

	resp := h.handle(t, baseRequest("CREATE"), time.Minute)

	if resp.OperationStatus != proxy.OperationStatusSuccess {
		t.Errorf("expected SUCCESS despite reporter failure, got %s", resp.OperationStatus)
	}
}

func TestHandle_TransformAndTags(t *testing.T) {
	h := setupHarness(t, nil, returns(proxy.Success(nil)))
	h.wrapper.resourceTags = func(model json.RawMessage) map[string]string {
		var m struct {
			Tags map[string]string `json:"tags"`
		}
		_ = json.Unmarshal(model, &m)
		return m.Tags
	}

	req := withInvocation(baseRequest("UPDATE"), 1, "")
	data := req["requestData"].(map[string]interface{})
	data["resourceProperties"] = map[string]interface{}{"name": "b", "tags": map[string]string{"env": "prod"}}
	data["previousResourceProperties"] = map[string]interface{}{"name": "a"}
	data["previousStackTags"] = map[string]string{"team": "platform"}
	data["logicalResourceId"] = "MyThing"

	h.handle(t, req, time.Minute)

	got := h.handler.requests[0]
	if got.ClientRequestToken != "tok-1" || got.LogicalResourceIdentifier != "MyThing" || got.Region != "eu-west-1" {
		t.Errorf("unexpected handler request: %+v", got)
	}
	if got.DesiredResourceTags["env"] != "prod" || got.DesiredResourceTags["team"] != "infra" {
		t.Errorf("expected resource tags overlaid on stack tags, got %v", got.DesiredResourceTags)
	}
	if got.PreviousResourceTags["team"] != "platform" || len(got.PreviousResourceTags) != 1 {
		t.Errorf("unexpected previous tags %v", got.PreviousResourceTags)
	}
	if string(got.PreviousResourceState) != `{"name":"a"}` {
		t.Errorf("unexpected previous state %s", got.PreviousResourceState)
	}
}

type refresherFunc func(proxy.RuntimeConfig) error

func (f refresherFunc) Refresh(cfg proxy.RuntimeConfig) error { return f(cfg) }

func TestHandle_Refresh(t *testing.T) {
	var seen proxy.RuntimeConfig
	h := setupHarness(t, nil, returns(proxy.Success(nil)), returns(proxy.Success(nil)))
	h.wrapper.refreshers = []proxy.Refresher{refresherFunc(func(cfg proxy.RuntimeConfig) error {
		seen = cfg
		return nil
	})}

	h.handle(t, baseRequest("CREATE"), time.Minute)
	if seen.CallbackEndpoint != "https://orchestrator.example.com" || seen.PlatformCredentials == nil {
		t.Errorf("unexpected runtime config %+v", seen)
	}

	h.wrapper.refreshers = []proxy.Refresher{refresherFunc(func(proxy.RuntimeConfig) error {
		return errors.New("bad credentials")
	})}
	resp := h.handle(t, baseRequest("CREATE"), time.Minute)
	if resp.OperationStatus != proxy.OperationStatusFailed || resp.ErrorCode != proxy.ErrorCodeInternalFailure {
		t.Errorf("expected FAILED/InternalFailure on refresh error, got %s/%s", resp.OperationStatus, resp.ErrorCode)
	}
	if string(resp.ResourceModel) != `{"name":"a"}` {
		t.Errorf("expected desired model echoed, got %s", resp.ResourceModel)
	}
}

func TestNew_RequiresHandler(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected error without handler")
	}
}

func TestHandle_DefaultSchedulerFailsExternal(t *testing.T) {
	w, err := New(Options{Handler: proxy.HandlerFunc(func(context.Context, *proxy.ClientProxy, *proxy.ResourceHandlerRequest, proxy.Action, json.RawMessage) (*proxy.ProgressEvent, error) {
		return proxy.InProgress(nil, 120, nil), nil
	})})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	in, _ := json.Marshal(withInvocation(baseRequest("CREATE"), 1, ""))
	var out bytes.Buffer
	if err := w.Handle(context.Background(), bytes.NewReader(in), &out, fakeHost{remaining: time.Hour}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	var resp proxy.Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ErrorCode != proxy.ErrorCodeInternalFailure {
		t.Errorf("expected InternalFailure without a backend, got %s", resp.ErrorCode)
	}
}
