package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pior/redis/resp"
)

const instrumentationName = "github.com/pior/redis"

// instrumentation wraps client operations with OpenTelemetry spans and metrics.
type instrumentation struct {
	tracer   trace.Tracer
	attrs    []attribute.KeyValue
	counter  metric.Int64Counter
	duration metric.Float64Histogram
}

func newInstrumentation(addr string, tp trace.TracerProvider, mp metric.MeterProvider) *instrumentation {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	in := &instrumentation{
		tracer: tp.Tracer(instrumentationName),
		attrs: []attribute.KeyValue{
			attribute.String("db.system.name", "redis"),
			attribute.String("server.address", addr),
		},
	}

	meter := mp.Meter(instrumentationName)
	in.counter, _ = meter.Int64Counter("db.client.operations",
		metric.WithUnit("{operation}"),
		metric.WithDescription("Number of operations sent to the server"),
	)
	in.duration, _ = meter.Float64Histogram("db.client.operation.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of operations, including pool wait"),
	)
	return in
}

// opToken carries the state of one instrumented operation.
type opToken struct {
	span  trace.Span
	op    string
	start time.Time
}

func (in *instrumentation) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, *opToken) {
	all := make([]attribute.KeyValue, 0, len(in.attrs)+len(attrs)+1)
	all = append(all, in.attrs...)
	all = append(all, attribute.String("db.operation.name", op))
	all = append(all, attrs...)

	ctx, span := in.tracer.Start(ctx, "redis "+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(all...),
	)
	return ctx, &opToken{span: span, op: op, start: time.Now()}
}

func (in *instrumentation) end(ctx context.Context, tok *opToken, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}

	attrs := metric.WithAttributes(
		attribute.String("db.system.name", "redis"),
		attribute.String("db.operation.name", tok.op),
		attribute.String("status", status),
	)
	if in.counter != nil {
		in.counter.Add(ctx, 1, attrs)
	}
	if in.duration != nil {
		in.duration.Record(ctx, time.Since(tok.start).Seconds(), attrs)
	}

	if tok.span.IsRecording() {
		if err != nil {
			tok.span.SetStatus(codes.Error, err.Error())
			tok.span.RecordError(err)
			tok.span.SetAttributes(attribute.String("error.type", errorType(err)))
		} else {
			tok.span.SetStatus(codes.Ok, "")
		}
	}
	tok.span.End()
}

func errorType(err error) string {
	var serverErr *resp.ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Prefix
	}
	return fmt.Sprintf("%T", err)
}
