package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/skein-run/skein/pkg/engine"
)

// Tracer wraps the OpenTelemetry tracer for plan runs.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewTracer creates a tracer. Disabled tracing yields a provider with
// no exporter, so spans cost nothing.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion string) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{
			provider: sdktrace.NewTracerProvider(),
			tracer:   otel.Tracer(serviceName),
			config:   cfg,
		}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	switch cfg.Exporter {
	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	case "none", "":
		// Spans are generated but never exported.
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   cfg,
	}, nil
}

// StartRun opens a span covering one plan run.
func (t *Tracer) StartRun(ctx context.Context, planID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "plan.run",
		trace.WithAttributes(attribute.String("plan_id", planID)))
}

// StartNode opens a span covering one node dispatch.
func (t *Tracer) StartNode(ctx context.Context, nodeID, kind string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "node.dispatch",
		trace.WithAttributes(
			attribute.String("node_id", nodeID),
			attribute.String("node_kind", kind),
		))
}

// ObserveEvents returns a broker handler that opens a node span on
// node_started and closes it on node_finished, parented on the run
// span carried by ctx. Failed nodes set error status on the span.
// Broker delivery is synchronous, so the span map needs no lock.
func (t *Tracer) ObserveEvents(ctx context.Context, graph *engine.Graph) func(engine.Event) {
	spans := make(map[string]trace.Span)
	return func(evt engine.Event) {
		switch evt.Type {
		case engine.EventNodeStarted:
			kind := ""
			if node := graph.Node(evt.NodeID); node != nil {
				kind = string(node.Kind())
			}
			_, span := t.StartNode(ctx, evt.NodeID, kind)
			spans[evt.NodeID] = span
		case engine.EventNodeFinished:
			span, ok := spans[evt.NodeID]
			if !ok {
				return
			}
			delete(spans, evt.NodeID)
			if status, _ := evt.Payload["status"].(string); status == string(engine.StatusFailed) {
				msg, _ := evt.Payload["error"].(string)
				span.SetStatus(codes.Error, msg)
			}
			span.End()
		}
	}
}

// RecordError marks a span failed with the error.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Shutdown flushes buffered spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}
