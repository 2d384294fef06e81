// Package telemetry provides observability instrumentation for the CSE.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry) and metrics (Prometheus) into a unified system for
// monitoring and debugging CSE operations.
//
// # Architecture
//
// The telemetry system is built on three pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "auriga"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("dispatcher")
//	logger = logger.WithRequestID("rqi-123").WithOriginator("CAE1")
//	logger.Info("handling create request")
//	logger.WithError(err).Error("create failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into request flow and performance:
//
//	ctx, span := tel.Tracer.StartRequestSpan(ctx, rqi, "CREATE", target, originator)
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development), none.
//
// # Metrics
//
// Prometheus metrics track request handling, notification delivery, group
// fan-outs, announcements and scheduled task runs:
//
//	tel.Metrics.RecordRequestReceived("CREATE")
//	tel.Metrics.RecordRequestHandled("CREATE", "2001", "container", duration)
//	tel.Metrics.RecordNotification("ok", duration)
//
// The metrics handler is normally mounted on the admin listener; a
// standalone metrics server can be started with StartMetricsServer when a
// listen address is configured.
package telemetry
