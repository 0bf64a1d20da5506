// Package telemetry configures OpenTelemetry context propagation for outboxd.
//
// No exporter is installed: spans stay in-process unless the embedding
// program registers its own TracerProvider. Replayed requests still carry
// W3C trace headers so the remote service can correlate them.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName identifies outboxd spans.
const ServiceName = "outboxd"

var (
	mu      sync.Mutex
	enabled bool
)

// Setup installs the trace-context and baggage propagators. It is safe to
// call more than once.
func Setup() {
	mu.Lock()
	defer mu.Unlock()
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	enabled = true
}

// IsEnabled reports whether Setup has run.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled
}

// Tracer returns the outboxd tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(ServiceName)
}

// Inject writes the span context of ctx into headers.
func Inject(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

// Shutdown resets propagation to the no-op default.
func Shutdown(context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())
	enabled = false
	return nil
}
