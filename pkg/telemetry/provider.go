package telemetry

import (
	"context"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerProvider is a trace.TracerProvider that can be flushed on shutdown.
type TracerProvider interface {
	trace.TracerProvider

	Close(context.Context) error
	RegisterSpanProcessor(sdktrace.SpanProcessor)
}

type tracerProvider struct {
	embedded.TracerProvider

	mu sync.Mutex
	tp *sdktrace.TracerProvider
}

func (t *tracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return t.tp.Tracer(name, options...)
}

// Close flushes pending spans and shuts the provider down. Later calls are no-ops.
func (t *tracerProvider) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tp == nil {
		return nil
	}
	if err := t.tp.ForceFlush(ctx); err != nil {
		return err
	}
	if err := t.tp.Shutdown(ctx); err != nil {
		return err
	}
	t.tp = nil
	return nil
}

func (t *tracerProvider) RegisterSpanProcessor(spanProcessor sdktrace.SpanProcessor) {
	t.tp.RegisterSpanProcessor(spanProcessor)
}

type noopTracerProvider struct {
	embedded.TracerProvider
	tp trace.TracerProvider
}

func (t *noopTracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return t.tp.Tracer(name, options...)
}

func (t *noopTracerProvider) Close(context.Context) error {
	return nil
}

func (t *noopTracerProvider) RegisterSpanProcessor(sdktrace.SpanProcessor) {}

// Noop returns the provider used when tracing is disabled.
func Noop() TracerProvider {
	return &noopTracerProvider{tp: noop.NewTracerProvider()}
}
