package proxy

import (
	"encoding/json"
	"time"
)

// Credentials are short-lived credentials passed with a request.
type Credentials struct {
	AccessKeyID     string `json:"accessKeyId" validate:"required"`
	SecretAccessKey string `json:"secretAccessKey" validate:"required"`
	SessionToken    string `json:"sessionToken,omitempty"`
}

// String redacts the secret parts of the credentials.
func (c Credentials) String() string {
	return "Credentials{AccessKeyID: " + c.AccessKeyID + ", SecretAccessKey: ****}"
}

// RequestData carries the payloads and credentials of a request.
type RequestData struct {
	// CallerCredentials are used by handlers to call downstream services.
	// They are passed through as given and never checked.
	CallerCredentials *Credentials `json:"callerCredentials,omitempty" validate:"-"`

	// PlatformCredentials are used by the wrapper to reach the orchestrator and scheduler.
	PlatformCredentials *Credentials `json:"platformCredentials" validate:"required"`

	// ProviderCredentials belong to the resource owner and are optional.
	ProviderCredentials *Credentials `json:"providerCredentials,omitempty" validate:"-"`

	// ProviderLogGroupName is the owner's log destination, set together with ProviderCredentials.
	ProviderLogGroupName string `json:"providerLogGroupName,omitempty"`

	// LogicalResourceID is the caller's logical name for the resource.
	LogicalResourceID string `json:"logicalResourceId,omitempty"`

	// ResourceProperties is the desired state. Required for mutating actions.
	ResourceProperties json.RawMessage `json:"resourceProperties,omitempty"`

	// PreviousResourceProperties is the last known state, for UPDATE.
	PreviousResourceProperties json.RawMessage `json:"previousResourceProperties,omitempty"`

	// SystemTags are tags applied by the platform.
	SystemTags map[string]string `json:"systemTags,omitempty"`

	// StackTags are tags applied by the caller to every resource of the stack.
	StackTags map[string]string `json:"stackTags,omitempty"`

	// PreviousStackTags are the stack tags before an update.
	PreviousStackTags map[string]string `json:"previousStackTags,omitempty"`
}

// RequestContext is the resume context threaded between invocations of one operation.
type RequestContext struct {
	// Invocation counts re-invocations of the same logical operation, starting at 0.
	Invocation int `json:"invocation"`

	// CallbackContext is opaque handler state. The wrapper never inspects it.
	CallbackContext json.RawMessage `json:"callbackContext,omitempty"`

	// TriggerName identifies the delayed-invocation trigger that caused this invocation.
	TriggerName string `json:"triggerName,omitempty"`

	// TriggerTargetID identifies the target registered on the trigger.
	TriggerTargetID string `json:"triggerTargetId,omitempty"`
}

// HandlerRequest is the inbound payload of one host invocation.
type HandlerRequest struct {
	AccountID           string          `json:"accountId,omitempty"`
	BearerToken         string          `json:"bearerToken,omitempty"`
	NextToken           string          `json:"nextToken,omitempty"`
	Region              string          `json:"region,omitempty"`
	Action              Action          `json:"action" validate:"required"`
	ResponseEndpoint    string          `json:"responseEndpoint" validate:"required"`
	ResourceType        string          `json:"resourceType" validate:"required"`
	ResourceTypeVersion string          `json:"resourceTypeVersion,omitempty"`
	StackID             string          `json:"stackId,omitempty"`
	RequestData         *RequestData    `json:"requestData" validate:"required"`
	RequestContext      *RequestContext `json:"requestContext,omitempty"`
}

// Invocation returns the invocation counter, 0 when no resume context is present.
func (r *HandlerRequest) Invocation() int {
	if r.RequestContext == nil {
		return 0
	}
	return r.RequestContext.Invocation
}

// CallbackContext returns the opaque callback context of the current resume context.
func (r *HandlerRequest) CallbackContext() json.RawMessage {
	if r.RequestContext == nil {
		return nil
	}
	return r.RequestContext.CallbackContext
}

// ResourceHandlerRequest is the subset of a HandlerRequest that handlers need.
type ResourceHandlerRequest struct {
	AccountID                 string            `json:"accountId,omitempty"`
	ClientRequestToken        string            `json:"clientRequestToken,omitempty"`
	NextToken                 string            `json:"nextToken,omitempty"`
	Region                    string            `json:"region,omitempty"`
	ResourceType              string            `json:"resourceType"`
	ResourceTypeVersion       string            `json:"resourceTypeVersion,omitempty"`
	LogicalResourceIdentifier string            `json:"logicalResourceIdentifier,omitempty"`
	StackID                   string            `json:"stackId,omitempty"`
	DesiredResourceState      json.RawMessage   `json:"desiredResourceState,omitempty"`
	PreviousResourceState     json.RawMessage   `json:"previousResourceState,omitempty"`
	DesiredResourceTags       map[string]string `json:"desiredResourceTags,omitempty"`
	PreviousResourceTags      map[string]string `json:"previousResourceTags,omitempty"`
	SystemTags                map[string]string `json:"systemTags,omitempty"`
}

// ProgressEvent is the result of one handler call.
type ProgressEvent struct {
	// Status drives the continue/suspend/terminate decision.
	Status OperationStatus `json:"status"`

	// ErrorCode is set if and only if Status is FAILED.
	ErrorCode HandlerErrorCode `json:"errorCode,omitempty"`

	// Message is a human-readable status message.
	Message string `json:"message,omitempty"`

	// ResourceModel is the resulting model for mutating actions and READ.
	ResourceModel json.RawMessage `json:"resourceModel,omitempty"`

	// ResourceModels is the page of models returned by LIST.
	ResourceModels []json.RawMessage `json:"resourceModels,omitempty"`

	// NextToken is the pagination token returned by LIST.
	NextToken string `json:"nextToken,omitempty"`

	// CallbackDelaySeconds is the requested delay before the next cycle when IN_PROGRESS.
	CallbackDelaySeconds int `json:"callbackDelaySeconds,omitempty"`

	// CallbackContext is forwarded into the next resume context.
	CallbackContext json.RawMessage `json:"callbackContext,omitempty"`
}

// Success creates a SUCCESS event carrying the resulting model.
func Success(model json.RawMessage) *ProgressEvent {
	return &ProgressEvent{
		Status:        OperationStatusSuccess,
		ResourceModel: model,
	}
}

// InProgress creates an IN_PROGRESS event that asks to be resumed after delaySeconds.
func InProgress(callbackContext json.RawMessage, delaySeconds int, model json.RawMessage) *ProgressEvent {
	return &ProgressEvent{
		Status:               OperationStatusInProgress,
		CallbackContext:      callbackContext,
		CallbackDelaySeconds: delaySeconds,
		ResourceModel:        model,
	}
}

// Failed creates a FAILED event with the given code and message.
func Failed(code HandlerErrorCode, message string) *ProgressEvent {
	return &ProgressEvent{
		Status:    OperationStatusFailed,
		ErrorCode: code,
		Message:   message,
	}
}

// DefaultFailureHandler converts an error into a FAILED event with the given code.
func DefaultFailureHandler(err error, code HandlerErrorCode) *ProgressEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Failed(code, msg)
}

// IsSuccess returns true if the event is SUCCESS.
func (p *ProgressEvent) IsSuccess() bool {
	return p.Status == OperationStatusSuccess
}

// IsFailed returns true if the event is FAILED.
func (p *ProgressEvent) IsFailed() bool {
	return p.Status == OperationStatusFailed
}

// IsInProgress returns true if the event is IN_PROGRESS.
func (p *ProgressEvent) IsInProgress() bool {
	return p.Status == OperationStatusInProgress
}

// Response is written back to the host exactly once per invocation.
type Response struct {
	OperationStatus OperationStatus   `json:"operationStatus"`
	ErrorCode       HandlerErrorCode  `json:"errorCode,omitempty"`
	Message         string            `json:"message,omitempty"`
	ResourceModel   json.RawMessage   `json:"resourceModel,omitempty"`
	ResourceModels  []json.RawMessage `json:"resourceModels,omitempty"`
	NextToken       string            `json:"nextToken,omitempty"`
	BearerToken     string            `json:"bearerToken,omitempty"`
}

// NewResponse mirrors a progress event into a host response.
func NewResponse(event *ProgressEvent, bearerToken string) *Response {
	return &Response{
		OperationStatus: event.Status,
		ErrorCode:       event.ErrorCode,
		Message:         event.Message,
		ResourceModel:   event.ResourceModel,
		ResourceModels:  event.ResourceModels,
		NextToken:       event.NextToken,
		BearerToken:     bearerToken,
	}
}

// ProgressReport is one status transition sent to the callback reporter.
type ProgressReport struct {
	BearerToken    string           `json:"bearerToken"`
	ErrorCode      HandlerErrorCode `json:"errorCode,omitempty"`
	Status         OperationStatus  `json:"operationStatus"`
	PreviousStatus OperationStatus  `json:"currentOperationStatus"`
	ResourceModel  json.RawMessage  `json:"resourceModel,omitempty"`
	Message        string           `json:"statusMessage,omitempty"`
	ReportedAt     time.Time        `json:"reportedAt"`
}

// RuntimeConfig is the per-invocation configuration collaborators are refreshed with.
type RuntimeConfig struct {
	AccountID           string
	ResourceType        string
	CallbackEndpoint    string
	PlatformCredentials *Credentials
	ProviderCredentials *Credentials
	ProviderLogGroup    string
}
