package proxy

import (
	"encoding/json"
	"fmt"
)

// Action is the lifecycle operation requested for a resource.
type Action string

const (
	// ActionCreate provisions a new resource.
	ActionCreate Action = "CREATE"

	// ActionRead returns the current state of an existing resource.
	ActionRead Action = "READ"

	// ActionUpdate changes an existing resource towards its desired state.
	ActionUpdate Action = "UPDATE"

	// ActionDelete removes an existing resource.
	ActionDelete Action = "DELETE"

	// ActionList enumerates resources of a type.
	ActionList Action = "LIST"
)

// IsMutating returns true if the action changes resource state.
// Mutating actions may be long-running and are reported on every cycle.
func (a Action) IsMutating() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// IsSynchronous returns true if the action must resolve within one handler call.
func (a Action) IsSynchronous() bool {
	return a == ActionRead || a == ActionList
}

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionList:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (a *Action) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*a = Action(str)
	return a.Validate()
}

// OperationStatus is the status of an operation as reported to the orchestrator.
type OperationStatus string

const (
	// OperationStatusPending indicates the operation was received but not yet acknowledged.
	OperationStatusPending OperationStatus = "PENDING"

	// OperationStatusInProgress indicates the operation is running and will be resumed.
	OperationStatusInProgress OperationStatus = "IN_PROGRESS"

	// OperationStatusSuccess indicates the operation completed successfully.
	OperationStatusSuccess OperationStatus = "SUCCESS"

	// OperationStatusFailed indicates the operation failed permanently.
	OperationStatusFailed OperationStatus = "FAILED"
)

// IsTerminal returns true if the status represents a final state.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationStatusSuccess || s == OperationStatusFailed
}

// Validate checks if the operation status is valid.
func (s OperationStatus) Validate() error {
	switch s {
	case OperationStatusPending, OperationStatusInProgress,
		OperationStatusSuccess, OperationStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid operation status: %s", s)
	}
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *OperationStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = OperationStatus(str)
	return s.Validate()
}

// HandlerErrorCode is the closed taxonomy of failure kinds surfaced to callers.
type HandlerErrorCode string

const (
	// ErrorCodeInvalidRequest marks malformed or schema-violating input.
	ErrorCodeInvalidRequest HandlerErrorCode = "InvalidRequest"

	// ErrorCodeGeneralServiceException marks a failed downstream dependency.
	ErrorCodeGeneralServiceException HandlerErrorCode = "GeneralServiceException"

	// ErrorCodeInternalFailure marks unclassified faults, contract violations and scheduling failures.
	ErrorCodeInternalFailure HandlerErrorCode = "InternalFailure"

	// Handler-declared codes, passed through unchanged.
	ErrorCodeNotUpdatable         HandlerErrorCode = "NotUpdatable"
	ErrorCodeInvalidCredentials   HandlerErrorCode = "InvalidCredentials"
	ErrorCodeAccessDenied         HandlerErrorCode = "AccessDenied"
	ErrorCodeAlreadyExists        HandlerErrorCode = "AlreadyExists"
	ErrorCodeNotFound             HandlerErrorCode = "NotFound"
	ErrorCodeResourceConflict     HandlerErrorCode = "ResourceConflict"
	ErrorCodeThrottling           HandlerErrorCode = "Throttling"
	ErrorCodeServiceLimitExceeded HandlerErrorCode = "ServiceLimitExceeded"
	ErrorCodeNotStabilized        HandlerErrorCode = "NotStabilized"
	ErrorCodeServiceInternalError HandlerErrorCode = "ServiceInternalError"
	ErrorCodeNetworkFailure       HandlerErrorCode = "NetworkFailure"
)

// Class returns the retry classification of the error code.
func (c HandlerErrorCode) Class() ErrorClass {
	switch c {
	case ErrorCodeThrottling, ErrorCodeServiceLimitExceeded:
		return ErrorClassThrottled
	case ErrorCodeResourceConflict, ErrorCodeNotStabilized:
		return ErrorClassConflict
	case ErrorCodeNetworkFailure, ErrorCodeServiceInternalError, ErrorCodeGeneralServiceException:
		return ErrorClassTransient
	default:
		return ErrorClassPermanent
	}
}

// Validate checks if the error code belongs to the taxonomy.
func (c HandlerErrorCode) Validate() error {
	switch c {
	case ErrorCodeInvalidRequest, ErrorCodeGeneralServiceException, ErrorCodeInternalFailure,
		ErrorCodeNotUpdatable, ErrorCodeInvalidCredentials, ErrorCodeAccessDenied,
		ErrorCodeAlreadyExists, ErrorCodeNotFound, ErrorCodeResourceConflict,
		ErrorCodeThrottling, ErrorCodeServiceLimitExceeded, ErrorCodeNotStabilized,
		ErrorCodeServiceInternalError, ErrorCodeNetworkFailure:
		return nil
	default:
		return fmt.Errorf("invalid handler error code: %s", c)
	}
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (c *HandlerErrorCode) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*c = HandlerErrorCode(str)
	if str == "" {
		return nil
	}
	return c.Validate()
}
