// Package proxy defines the progress model shared by the invocation wrapper,
// its collaborators and resource handlers.
//
// # Overview
//
// A resource handler implements the lifecycle actions of a resource type. Each
// host invocation carries a HandlerRequest; the wrapper turns it into a
// ResourceHandlerRequest, calls the handler and interprets the returned
// ProgressEvent:
//
//   - SUCCESS and FAILED are terminal and written back to the host.
//   - IN_PROGRESS asks to be resumed after CallbackDelaySeconds, either in the
//     same invocation or through a delayed re-invocation.
//
// READ and LIST are synchronous: they must resolve within one handler call.
//
// # Resume Context
//
// Between invocations the operation state lives in RequestContext. The
// callback context is an opaque json.RawMessage owned by the handler; the
// invocation counter is only advanced by external re-invocations.
//
// # Errors
//
// Handlers signal classified failures with *HandlerError. Failures of
// downstream services are wrapped in *ServiceError and map to
// GeneralServiceException. Every other error maps to InternalFailure.
//
//	if errors.Is(err, proxy.NewNotFoundError("", "")) {
//	    // resource does not exist
//	}
package proxy
