package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Instruments are the engine's metrics. A nil *Instruments records nothing.
type Instruments struct {
	tracer trace.Tracer

	operations metric.Int64Counter
	errors     metric.Int64Counter
	duration   metric.Float64Histogram
	queries    metric.Int64Counter
	responses  metric.Int64Counter
	resolved   metric.Int64Counter
	payouts    metric.Float64Counter
}

func NewInstruments(tracer trace.Tracer, meter metric.Meter) (*Instruments, error) {
	in := &Instruments{tracer: tracer}
	var err error

	if in.operations, err = meter.Int64Counter("flightcover.operations.total",
		metric.WithDescription("Engine operations processed"),
		metric.WithUnit("{operation}")); err != nil {
		return nil, err
	}
	if in.errors, err = meter.Int64Counter("flightcover.errors.total",
		metric.WithDescription("Engine operations that failed"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if in.duration, err = meter.Float64Histogram("flightcover.operation.duration",
		metric.WithDescription("Engine operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0)); err != nil {
		return nil, err
	}
	if in.queries, err = meter.Int64Counter("flightcover.oracle.queries",
		metric.WithDescription("Oracle queries issued"),
		metric.WithUnit("{query}")); err != nil {
		return nil, err
	}
	if in.responses, err = meter.Int64Counter("flightcover.oracle.responses",
		metric.WithDescription("Oracle responses accepted"),
		metric.WithUnit("{response}")); err != nil {
		return nil, err
	}
	if in.resolved, err = meter.Int64Counter("flightcover.policies.resolved",
		metric.WithDescription("Policies resolved, by outcome"),
		metric.WithUnit("{policy}")); err != nil {
		return nil, err
	}
	if in.payouts, err = meter.Float64Counter("flightcover.payouts.total",
		metric.WithDescription("Sum of payouts settled"),
		metric.WithUnit("{currency}")); err != nil {
		return nil, err
	}
	return in, nil
}

// TrackOperation starts a span and returns the function that ends it and
// records the RED metrics.
func (in *Instruments) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if in == nil {
		return ctx, func(error) {}
	}
	start := time.Now()
	all := append([]attribute.KeyValue{AttrOperation.String(name)}, attrs...)
	ctx, span := in.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(all...),
	)
	opAttr := metric.WithAttributes(AttrOperation.String(name))
	in.operations.Add(ctx, 1, opAttr)

	return ctx, func(err error) {
		in.duration.Record(ctx, time.Since(start).Seconds(), opAttr)
		if err != nil {
			span.RecordError(err)
			in.errors.Add(ctx, 1, metric.WithAttributes(
				AttrOperation.String(name),
				attribute.String("error.type", fmt.Sprintf("%T", err)),
			))
		}
		span.End()
	}
}

func (in *Instruments) QueryIssued(ctx context.Context, kind string) {
	if in == nil {
		return
	}
	in.queries.Add(ctx, 1, metric.WithAttributes(AttrJobKind.String(kind)))
}

func (in *Instruments) ResponseReceived(ctx context.Context) {
	if in == nil {
		return
	}
	in.responses.Add(ctx, 1)
}

// Resolved counts one decision. payout is in currency units.
func (in *Instruments) Resolved(ctx context.Context, outcome string, payout float64) {
	if in == nil {
		return
	}
	in.resolved.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
	if payout > 0 {
		in.payouts.Add(ctx, payout)
	}
}
