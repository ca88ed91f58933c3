package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAction_Classification(t *testing.T) {
	tests := []struct {
		action      Action
		mutating    bool
		synchronous bool
	}{
		{ActionCreate, true, false},
		{ActionUpdate, true, false},
		{ActionDelete, true, false},
		{ActionRead, false, true},
		{ActionList, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			if got := tt.action.IsMutating(); got != tt.mutating {
				t.Errorf("IsMutating() = %v, want %v", got, tt.mutating)
			}
			if got := tt.action.IsSynchronous(); got != tt.synchronous {
				t.Errorf("IsSynchronous() = %v, want %v", got, tt.synchronous)
			}
		})
	}
}

func TestAction_UnmarshalJSON(t *testing.T) {
	var a Action
	if err := json.Unmarshal([]byte(`"UPDATE"`), &a); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if a != ActionUpdate {
		t.Errorf("Unmarshal() = %v, want UPDATE", a)
	}

	if err := json.Unmarshal([]byte(`"RESTART"`), &a); err == nil {
		t.Error("Expected error for unknown action")
	}
}

func TestOperationStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   OperationStatus
		terminal bool
	}{
		{OperationStatusPending, false},
		{OperationStatusInProgress, false},
		{OperationStatusSuccess, true},
		{OperationStatusFailed, true},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestHandlerErrorCode_UnmarshalJSON(t *testing.T) {
	var c HandlerErrorCode
	if err := json.Unmarshal([]byte(`""`), &c); err != nil {
		t.Errorf("Expected empty code to be accepted, got %v", err)
	}
	if err := json.Unmarshal([]byte(`"NotFound"`), &c); err != nil || c != ErrorCodeNotFound {
		t.Errorf("Unmarshal() = %v, %v", c, err)
	}
	if err := json.Unmarshal([]byte(`"Kaboom"`), &c); err == nil {
		t.Error("Expected error for code outside the taxonomy")
	}
}

func TestHandlerErrorCode_Class(t *testing.T) {
	tests := []struct {
		code HandlerErrorCode
		want ErrorClass
	}{
		{ErrorCodeThrottling, ErrorClassThrottled},
		{ErrorCodeServiceLimitExceeded, ErrorClassThrottled},
		{ErrorCodeResourceConflict, ErrorClassConflict},
		{ErrorCodeNotStabilized, ErrorClassConflict},
		{ErrorCodeNetworkFailure, ErrorClassTransient},
		{ErrorCodeGeneralServiceException, ErrorClassTransient},
		{ErrorCodeInvalidRequest, ErrorClassPermanent},
		{ErrorCodeInternalFailure, ErrorClassPermanent},
		{ErrorCodeNotFound, ErrorClassPermanent},
	}

	for _, tt := range tests {
		if got := tt.code.Class(); got != tt.want {
			t.Errorf("%s.Class() = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		want   HandlerErrorCode
		wantOK bool
	}{
		{
			name:   "handler error",
			err:    NewNotFoundError("Example::Thing", "abc"),
			want:   ErrorCodeNotFound,
			wantOK: true,
		},
		{
			name:   "wrapped handler error",
			err:    fmt.Errorf("describe: %w", NewThrottlingError("slow down", nil)),
			want:   ErrorCodeThrottling,
			wantOK: true,
		},
		{
			name:   "service error",
			err:    &ServiceError{Service: "things", StatusCode: 503, Err: errors.New("unavailable")},
			want:   ErrorCodeGeneralServiceException,
			wantOK: true,
		},
		{
			name:   "plain error",
			err:    errors.New("boom"),
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CodeOf(tt.err)
			if ok != tt.wantOK {
				t.Fatalf("CodeOf() ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("CodeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandlerError_IsAndMessage(t *testing.T) {
	err := NewNotFoundError("Example::Thing", "abc")

	if !errors.Is(err, &HandlerError{Code: ErrorCodeNotFound}) {
		t.Error("Expected errors.Is to match on code")
	}
	if errors.Is(err, &HandlerError{Code: ErrorCodeAlreadyExists}) {
		t.Error("Expected errors.Is not to match a different code")
	}
	if !strings.Contains(err.Error(), "identifier=abc") {
		t.Errorf("Error() = %q, want identifier context", err.Error())
	}

	cause := errors.New("socket closed")
	wrapped := NewHandlerError(ErrorCodeNetworkFailure, "call failed", cause)
	if !errors.Is(wrapped, cause) {
		t.Error("Expected Unwrap to expose the cause")
	}
	if !IsRetryable(wrapped) {
		t.Error("Expected network failure to be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("Expected unclassified error not to be retryable")
	}
}

func TestProgressEventConstructors(t *testing.T) {
	model := json.RawMessage(`{"Name":"a"}`)

	if e := Success(model); !e.IsSuccess() || string(e.ResourceModel) != `{"Name":"a"}` {
		t.Errorf("Success() = %+v", e)
	}

	e := InProgress(json.RawMessage(`{"step":2}`), 5, model)
	if !e.IsInProgress() || e.CallbackDelaySeconds != 5 || string(e.CallbackContext) != `{"step":2}` {
		t.Errorf("InProgress() = %+v", e)
	}

	e = DefaultFailureHandler(errors.New("nope"), ErrorCodeAccessDenied)
	if !e.IsFailed() || e.ErrorCode != ErrorCodeAccessDenied || e.Message != "nope" {
		t.Errorf("DefaultFailureHandler() = %+v", e)
	}
}

func TestNewResponse(t *testing.T) {
	event := &ProgressEvent{
		Status:          OperationStatusSuccess,
		ResourceModels:  []json.RawMessage{json.RawMessage(`{"a":1}`)},
		NextToken:       "page-2",
		CallbackContext: json.RawMessage(`{"ignored":true}`),
	}

	resp := NewResponse(event, "token-1")
	if resp.BearerToken != "token-1" || resp.NextToken != "page-2" || len(resp.ResourceModels) != 1 {
		t.Errorf("NewResponse() = %+v", resp)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(data), "ignored") {
		t.Errorf("Response must not carry the callback context: %s", data)
	}
}

func TestHandlerRequest_Decode(t *testing.T) {
	raw := `{
		"action": "CREATE",
		"bearerToken": "t",
		"responseEndpoint": "http://localhost",
		"resourceType": "Example::Thing",
		"requestData": {
			"platformCredentials": {"accessKeyId": "a", "secretAccessKey": "b"},
			"resourceProperties": {"Name": "x"}
		},
		"requestContext": {"invocation": 2, "callbackContext": {"k": "v"}}
	}`

	var req HandlerRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if req.Invocation() != 2 {
		t.Errorf("Invocation() = %d, want 2", req.Invocation())
	}
	if string(req.CallbackContext()) != `{"k": "v"}` {
		t.Errorf("CallbackContext() = %s", req.CallbackContext())
	}

	var empty HandlerRequest
	if empty.Invocation() != 0 || empty.CallbackContext() != nil {
		t.Error("Expected zero resume context for request without requestContext")
	}
}

func TestCredentials_StringRedacts(t *testing.T) {
	c := Credentials{AccessKeyID: "AKID", SecretAccessKey: "s3cr3t", SessionToken: "tok"}
	s := fmt.Sprint(c)
	if strings.Contains(s, "s3cr3t") || strings.Contains(s, "tok") {
		t.Errorf("String() leaked secrets: %s", s)
	}
}

func TestClientProxy_RemainingTime(t *testing.T) {
	var nilProxy *ClientProxy
	if nilProxy.RemainingTime() != 0 {
		t.Error("Expected zero remaining time for nil proxy")
	}

	p := NewClientProxy(nil, zerolog.Nop(), func() time.Duration { return 3 * time.Second })
	if p.RemainingTime() != 3*time.Second {
		t.Errorf("RemainingTime() = %v", p.RemainingTime())
	}
}
