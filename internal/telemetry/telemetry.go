// Package telemetry exports finished cycles as OTLP spans. The
// exporter is gated on OTEL_EXPORTER_OTLP_ENDPOINT; without it every
// call is a no-op on a nil receiver.
package telemetry

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Phase is one timed slice of a cycle.
type Phase struct {
	Name  string
	Start time.Time
	End   time.Time
}

// CycleSpan is a finished cycle ready for export. The engine fills it
// from the cycle record it just appended.
type CycleSpan struct {
	ID        string
	Worker    string
	Outcome   string
	CostUSD   float64
	Retries   int
	BatchSize int
	Pipeline  string
	Start     time.Time
	End       time.Time
	Phases    []Phase
}

// Exporter ships cycle spans to an OTLP endpoint over HTTP.
type Exporter struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
	log      *zap.Logger
}

// New builds the exporter when OTEL_EXPORTER_OTLP_ENDPOINT is set and
// returns nil when it is not.
func New(ctx context.Context, logger *zap.Logger) (*Exporter, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	service := os.Getenv("OTEL_SERVICE_NAME")
	if service == "" {
		service = "fixpoint"
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(service),
		)),
	)

	logger.Info("trace export enabled", zap.String("endpoint", endpoint))
	return &Exporter{
		provider: provider,
		tracer:   provider.Tracer("fixpoint/engine"),
		log:      logger,
	}, nil
}

// ExportCycle emits one root span for the cycle with a child per
// recorded phase, stamped with the cycle's own timestamps rather than
// the wall clock at export time.
func (e *Exporter) ExportCycle(ctx context.Context, cs CycleSpan) {
	if e == nil {
		return
	}

	name := "cycle"
	if cs.Worker != "" {
		name = "worker_cycle"
	}
	spanCtx, root := e.tracer.Start(ctx, name, oteltrace.WithTimestamp(cs.Start))

	attrs := []attribute.KeyValue{
		attribute.String("fixpoint.cycle.id", cs.ID),
		attribute.String("fixpoint.outcome", cs.Outcome),
		attribute.Float64("fixpoint.cost_usd", cs.CostUSD),
		attribute.Int("fixpoint.retries", cs.Retries),
		attribute.Int("fixpoint.batch_size", cs.BatchSize),
	}
	if cs.Worker != "" {
		attrs = append(attrs, attribute.String("fixpoint.worker", cs.Worker))
	}
	if cs.Pipeline != "" {
		attrs = append(attrs, attribute.String("fixpoint.pipeline", cs.Pipeline))
	}
	root.SetAttributes(attrs...)

	for _, p := range cs.Phases {
		end := p.End
		if end.IsZero() {
			end = cs.End
		}
		_, span := e.tracer.Start(spanCtx, p.Name, oteltrace.WithTimestamp(p.Start))
		span.End(oteltrace.WithTimestamp(end))
	}

	root.End(oteltrace.WithTimestamp(cs.End))
}

// Shutdown flushes buffered spans.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	return e.provider.Shutdown(ctx)
}
