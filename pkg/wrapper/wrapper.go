package wrapper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/openfroyo/handlerkit/pkg/budget"
	"github.com/openfroyo/handlerkit/pkg/proxy"
	"github.com/openfroyo/handlerkit/pkg/scheduler"
	"github.com/openfroyo/handlerkit/pkg/telemetry"
	"github.com/openfroyo/handlerkit/pkg/validation"
)

// Messages returned for contract violations.
const (
	MsgNilEvent          = "Handler failed to provide a response."
	MsgSynchronousAction = "READ and LIST handlers must return synchronously."
)

// Options configures a Wrapper. Only Handler is required.
type Options struct {
	Handler proxy.Handler

	// Reporter receives status transitions of mutating actions.
	Reporter proxy.CallbackReporter

	// Scheduler continues IN_PROGRESS operations. Without one, operations that
	// cannot continue locally fail.
	Scheduler *scheduler.Scheduler

	// Validator checks the raw model of mutating requests.
	Validator validation.Validator

	// Metrics defaults to Telemetry.Metrics.
	Metrics proxy.MetricsPublisher

	// Refreshers receive the per-invocation runtime config before the handler runs.
	Refreshers []proxy.Refresher

	// ResourceTags extracts the tags a resource model declares about itself.
	// They are overlaid on the stack tags.
	ResourceTags func(model json.RawMessage) map[string]string

	Telemetry *telemetry.Telemetry
}

// Wrapper runs one host invocation of a resource handler.
type Wrapper struct {
	handler      proxy.Handler
	reporter     proxy.CallbackReporter
	scheduler    *scheduler.Scheduler
	validator    validation.Validator
	metrics      proxy.MetricsPublisher
	refreshers   []proxy.Refresher
	resourceTags func(model json.RawMessage) map[string]string

	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// New creates a wrapper. Collaborators are built once and reused across invocations.
func New(opts Options) (*Wrapper, error) {
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}

	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNop()
	}

	w := &Wrapper{
		handler:      opts.Handler,
		reporter:     opts.Reporter,
		scheduler:    opts.Scheduler,
		validator:    opts.Validator,
		metrics:      opts.Metrics,
		refreshers:   opts.Refreshers,
		resourceTags: opts.ResourceTags,
		tel:          tel,
		logger:       tel.Logger.NewComponentLogger("wrapper"),
	}
	if w.reporter == nil {
		w.reporter = nopReporter{}
	}
	if w.metrics == nil {
		w.metrics = tel.Metrics
	}
	if w.scheduler == nil {
		w.scheduler = scheduler.New(noBackend{}, scheduler.Options{
			Logger:  tel.Logger,
			Metrics: tel.Metrics,
			Events:  tel.Events,
		})
	}
	return w, nil
}

// Handle reads one request from in, runs it, and writes exactly one response
// to out. Failures of the operation are reported in the response; the
// returned error is only set when the response could not be written.
func (w *Wrapper) Handle(ctx context.Context, in io.Reader, out io.Writer, host budget.HostContext) error {
	defer w.tel.Metrics.InvocationStarted()()

	var (
		req   proxy.HandlerRequest
		event *proxy.ProgressEvent
	)

	raw, err := io.ReadAll(in)
	if err == nil {
		err = json.Unmarshal(raw, &req)
	}
	if err != nil {
		w.logger.WithError(err).Error("Failed to parse request")
		event = proxy.DefaultFailureHandler(fmt.Errorf("invalid request payload: %w", err), proxy.ErrorCodeInternalFailure)
	} else {
		event = w.process(ctx, &req, host)
	}

	resp := proxy.NewResponse(event, req.BearerToken)
	if err := json.NewEncoder(out).Encode(resp); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

func (w *Wrapper) process(ctx context.Context, req *proxy.HandlerRequest, host budget.HostContext) *proxy.ProgressEvent {
	if err := validation.ValidateRequest(req); err != nil {
		w.logger.WithError(err).WithField("bearer_token", req.BearerToken).Error("Rejected structurally invalid request")
		if req.Action.Validate() == nil {
			w.metrics.PublishException(ctx, req.Action, proxy.ErrorCodeInternalFailure, err)
		}
		return w.failure(req, err, proxy.ErrorCodeInternalFailure)
	}

	action := string(req.Action)
	logger := w.logger.WithInvocation(req.BearerToken, action, req.ResourceType, req.Invocation())
	ctx = logger.WithContext(ctx)
	ctx, span := w.tel.Tracer.StartInvocationSpan(ctx, req.BearerToken, action, req.ResourceType, req.Invocation())
	defer span.End()

	_ = w.tel.Events.PublishInvocationStarted(req.BearerToken, action, req.Invocation())

	event := w.run(ctx, req, host, logger)

	if event.IsFailed() {
		telemetry.RecordError(span, errors.New(event.Message))
	} else {
		telemetry.RecordSuccess(span)
	}
	span.SetAttributes(telemetry.AttrStatus.String(string(event.Status)))
	_ = w.tel.Events.PublishInvocationCompleted(req.BearerToken, action, string(event.Status), string(event.ErrorCode))
	return event
}

func (w *Wrapper) run(ctx context.Context, req *proxy.HandlerRequest, host budget.HostContext, logger *telemetry.Logger) *proxy.ProgressEvent {
	if err := w.refresh(req); err != nil {
		logger.WithError(err).Error("Failed to initialise runtime")
		w.metrics.PublishException(ctx, req.Action, proxy.ErrorCodeInternalFailure, err)
		return w.failure(req, err, proxy.ErrorCodeInternalFailure)
	}

	if err := w.scheduler.Cleanup(ctx, req); err != nil {
		logger.WithError(err).Warn("Failed to clean up re-invocation trigger")
	}

	w.metrics.PublishInvocation(ctx, req.Action)

	if req.Invocation() == 0 {
		w.report(ctx, req, proxy.OperationStatusInProgress, proxy.OperationStatusPending, "", nil, "")
	}

	mutating := req.Action.IsMutating()
	if mutating && w.validator != nil {
		if event := w.validateModel(ctx, req, logger); event != nil {
			return event
		}
	}

	tracker := budget.NewTracker(host)
	handlerReq := w.transform(req)
	client := proxy.NewClientProxy(req.RequestData.CallerCredentials, logger.Zerolog(), tracker.Remaining)

	for {
		event := w.invokeHandler(ctx, client, handlerReq, req.Action, req.CallbackContext(), logger)

		if mutating {
			w.report(ctx, req, event.Status, proxy.OperationStatusInProgress, event.ErrorCode, event.ResourceModel, event.Message)
		} else if event.IsInProgress() {
			err := errors.New(MsgSynchronousAction)
			logger.Error(MsgSynchronousAction)
			w.metrics.PublishException(ctx, req.Action, proxy.ErrorCodeInternalFailure, err)
			return proxy.DefaultFailureHandler(err, proxy.ErrorCodeInternalFailure)
		}

		if !w.scheduler.Reschedule(ctx, req, event, tracker) {
			return event
		}
	}
}

// validateModel returns a terminal event when the raw model is rejected.
func (w *Wrapper) validateModel(ctx context.Context, req *proxy.HandlerRequest, logger *telemetry.Logger) *proxy.ProgressEvent {
	err := w.validator.Validate(ctx, req.RequestData.ResourceProperties)
	if err == nil {
		return nil
	}

	var verr *validation.Error
	if !errors.As(err, &verr) {
		logger.WithError(err).Error("Model validation could not run")
		w.metrics.PublishException(ctx, req.Action, proxy.ErrorCodeInternalFailure, err)
		return w.failure(req, err, proxy.ErrorCodeInternalFailure)
	}

	msg := validation.FormatMessage(verr)
	logger.WithField("violations", len(verr.Violations)).Warn(msg)
	w.metrics.PublishException(ctx, req.Action, proxy.ErrorCodeInvalidRequest, err)
	w.report(ctx, req, proxy.OperationStatusFailed, proxy.OperationStatusInProgress, proxy.ErrorCodeInvalidRequest, nil, msg)
	_ = w.tel.Events.PublishValidationFailed(req.BearerToken, string(req.Action), msg)
	return proxy.Failed(proxy.ErrorCodeInvalidRequest, msg)
}

// invokeHandler runs one handler cycle and maps every failure mode into a
// FAILED event. Exactly one duration metric is published per call.
func (w *Wrapper) invokeHandler(
	ctx context.Context,
	client *proxy.ClientProxy,
	handlerReq *proxy.ResourceHandlerRequest,
	action proxy.Action,
	callbackContext json.RawMessage,
	logger *telemetry.Logger,
) (event *proxy.ProgressEvent) {
	ctx, span := w.tel.Tracer.StartHandlerSpan(ctx, string(action))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v", r)
			logger.WithField("stack", string(debug.Stack())).Error(err.Error())
			event = w.mapError(ctx, action, err, logger)
		}

		w.metrics.PublishDuration(ctx, action, time.Since(start))
		if event.IsFailed() {
			telemetry.RecordError(span, errors.New(event.Message))
			span.SetAttributes(telemetry.AttrErrorCode.String(string(event.ErrorCode)))
		} else {
			telemetry.RecordSuccess(span)
		}
		span.SetAttributes(telemetry.AttrStatus.String(string(event.Status)))
		span.End()
	}()

	event, err := w.handler.HandleRequest(ctx, client, handlerReq, action, callbackContext)
	if err != nil {
		return w.mapError(ctx, action, err, logger)
	}
	if event == nil {
		logger.Error("Handler returned nil")
		return w.mapError(ctx, action, proxy.NewTerminalError(MsgNilEvent, nil), logger)
	}

	switch {
	case event.IsFailed() && event.ErrorCode == "":
		event.ErrorCode = proxy.ErrorCodeInternalFailure
	case !event.IsFailed() && event.ErrorCode != "":
		logger.WithField("error_code", string(event.ErrorCode)).Warn("Dropping error code from non-failed event")
		event.ErrorCode = ""
	}
	logger.Infof("Handler returned %s", event.Status)
	return event
}

// mapError classifies err into the error taxonomy and publishes the exception metric.
func (w *Wrapper) mapError(ctx context.Context, action proxy.Action, err error, logger *telemetry.Logger) *proxy.ProgressEvent {
	code, ok := proxy.CodeOf(err)
	var verr *validation.Error
	switch {
	case ok:
	case errors.As(err, &verr):
		code = proxy.ErrorCodeInvalidRequest
	default:
		code = proxy.ErrorCodeInternalFailure
	}

	logger.WithError(err).
		WithField("error_code", string(code)).
		WithField("error_class", string(code.Class())).
		Errorf("%s action failed", action)
	w.metrics.PublishException(ctx, action, code, err)
	return proxy.DefaultFailureHandler(err, code)
}

// failure builds a FAILED event for faults outside the handler. Mutating
// actions echo the desired model back to the caller.
func (w *Wrapper) failure(req *proxy.HandlerRequest, err error, code proxy.HandlerErrorCode) *proxy.ProgressEvent {
	event := proxy.DefaultFailureHandler(err, code)
	if req.RequestData != nil && req.Action.IsMutating() {
		event.ResourceModel = req.RequestData.ResourceProperties
	}
	return event
}

func (w *Wrapper) report(
	ctx context.Context,
	req *proxy.HandlerRequest,
	status, previous proxy.OperationStatus,
	code proxy.HandlerErrorCode,
	model json.RawMessage,
	message string,
) {
	err := w.reporter.Report(ctx, proxy.ProgressReport{
		BearerToken:    req.BearerToken,
		ErrorCode:      code,
		Status:         status,
		PreviousStatus: previous,
		ResourceModel:  model,
		Message:        message,
		ReportedAt:     time.Now().UTC(),
	})
	if err != nil {
		telemetry.FromContext(ctx).WithError(err).
			Warnf("Failed to report %s (previous %s)", status, previous)
	}
}

func (w *Wrapper) refresh(req *proxy.HandlerRequest) error {
	cfg := proxy.RuntimeConfig{
		AccountID:           req.AccountID,
		ResourceType:        req.ResourceType,
		CallbackEndpoint:    req.ResponseEndpoint,
		PlatformCredentials: req.RequestData.PlatformCredentials,
		ProviderCredentials: req.RequestData.ProviderCredentials,
		ProviderLogGroup:    req.RequestData.ProviderLogGroupName,
	}

	var errs []error
	for _, r := range w.refreshers {
		if err := r.Refresh(cfg); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to refresh runtime: %w", err)
	}
	return nil
}

// transform builds the handler's view of the request.
func (w *Wrapper) transform(req *proxy.HandlerRequest) *proxy.ResourceHandlerRequest {
	data := req.RequestData
	return &proxy.ResourceHandlerRequest{
		AccountID:                 req.AccountID,
		ClientRequestToken:        req.BearerToken,
		NextToken:                 req.NextToken,
		Region:                    req.Region,
		ResourceType:              req.ResourceType,
		ResourceTypeVersion:       req.ResourceTypeVersion,
		LogicalResourceIdentifier: data.LogicalResourceID,
		StackID:                   req.StackID,
		DesiredResourceState:      data.ResourceProperties,
		PreviousResourceState:     data.PreviousResourceProperties,
		DesiredResourceTags:       w.mergeTags(data.StackTags, data.ResourceProperties),
		PreviousResourceTags:      w.mergeTags(data.PreviousStackTags, data.PreviousResourceProperties),
		SystemTags:                data.SystemTags,
	}
}

// mergeTags overlays the model's own tags on the stack tags.
func (w *Wrapper) mergeTags(stackTags map[string]string, model json.RawMessage) map[string]string {
	var resourceTags map[string]string
	if w.resourceTags != nil && len(model) > 0 {
		resourceTags = w.resourceTags(model)
	}
	if len(stackTags) == 0 && len(resourceTags) == 0 {
		return nil
	}

	merged := make(map[string]string, len(stackTags)+len(resourceTags))
	for k, v := range stackTags {
		merged[k] = v
	}
	for k, v := range resourceTags {
		merged[k] = v
	}
	return merged
}

type nopReporter struct{}

func (nopReporter) Report(context.Context, proxy.ProgressReport) error { return nil }

type noBackend struct{}

func (noBackend) RescheduleAfterMinutes(context.Context, string, int, *proxy.HandlerRequest) error {
	return errors.New("no re-invocation backend configured")
}

func (noBackend) Cleanup(context.Context, string, string) error { return nil }
