// Package telemetry provides observability instrumentation for handlerkit.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and lifecycle event publishing.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("wrapper")
//	logger = logger.WithInvocation(bearerToken, "CREATE", "Example::Thing", 0)
//	logger.Info("Handler returned SUCCESS")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Metrics
//
// Metrics implements proxy.MetricsPublisher. With the default namespace it exposes:
//
//   - handlerkit_invocations_total{action}
//   - handlerkit_handler_duration_seconds{action}
//   - handlerkit_handler_exceptions_total{action,error_code}
//   - handlerkit_errors_by_class_total{class}
//   - handlerkit_reinvocations_total{mode}
//   - handlerkit_callback_reports_total{status,outcome}
//   - handlerkit_triggers_dispatched_total{outcome}
//
// A disabled Metrics instance is a no-op.
//
// # Tracing
//
// Each invocation is covered by an "invocation.handle" span with one
// "handler.invoke" child per handler cycle. Exporters: otlp (gRPC), stdout, none.
package telemetry
