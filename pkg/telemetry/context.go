package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging,
// tracing and metrics.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	// Initialize tracer
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	// Initialize metrics
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	// Metrics server is not explicitly shut down here as it may need to
	// continue serving metrics until the very end of the application
	// lifecycle
	return t.Tracer.Shutdown(ctx)
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// Context Helpers for common instrumentation patterns

// InstrumentedContext creates a context with telemetry, logger fields, and a trace span.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	// Start trace span
	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	// Create logger with operation field
	logger := tel.Logger.WithField("operation", operation)

	// Add trace context to logger if available
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}
}

// WithRequestContext creates a context enriched with request-specific
// telemetry: a dispatch span, a request-scoped logger and the received
// request metric.
func WithRequestContext(ctx context.Context, requestID, operation, target, originator string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	// Start request span
	spanCtx, span := tel.Tracer.StartRequestSpan(ctx, requestID, operation, target, originator)

	// Create request-specific logger
	logger := tel.Logger.
		WithRequestID(requestID).
		WithOriginator(originator).
		WithTarget(target).
		WithField("operation", operation)
	spanCtx = logger.WithContext(spanCtx)

	// Record request received metric
	tel.Metrics.RecordRequestReceived(operation)

	// Store the span and timer in context for later retrieval
	spanCtx = context.WithValue(spanCtx, requestSpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, requestTimerKey{}, NewTimer())

	return spanCtx
}

// requestSpanKey is the context key for request spans.
type requestSpanKey struct{}

// requestTimerKey is the context key for request timers.
type requestTimerKey struct{}

// EndRequestContext completes the request context, recording metrics and
// closing the span.
func EndRequestContext(ctx context.Context, operation, rsc, resourceType string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	// Get the request span from context
	if span, ok := ctx.Value(requestSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrRSC.String(rsc))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	// Get the timer from context
	timer, ok := ctx.Value(requestTimerKey{}).(*Timer)
	if !ok {
		timer = NewTimer()
	}

	// Record metrics
	tel.Metrics.RecordRequestHandled(operation, rsc, resourceType, timer.Duration())
	if err != nil {
		tel.Metrics.RecordError(rsc)
	}
}

// RecordDelivery records a notification delivery with metrics and tracing.
func RecordDelivery(ctx context.Context, subscriptionID, notifyURI string, fn func() error) error {
	tel := FromTelemetryContext(ctx)

	// Start span
	var span trace.Span
	if tel != nil {
		_, span = tel.Tracer.StartNotifySpan(ctx, subscriptionID, notifyURI)
		defer span.End()
	}

	// Start timer
	timer := NewTimer()

	// Execute delivery
	err := fn()

	// Record metrics
	if tel != nil {
		status := "ok"
		if err != nil {
			status = "failed"
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		tel.Metrics.RecordNotification(status, timer.Duration())
	}

	return err
}
