package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"worker-rpc/message"
)

const instrumentationName = "worker-rpc"

// TracingConfig configures TracingMiddleware.
type TracingConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// ServiceName is the rpc.service attribute value.
	ServiceName string
}

// TracingMiddleware starts a server span per call and records a call counter
// and a duration histogram.
func TracingMiddleware(cfg TracingConfig) Middleware {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "worker"
	}

	tracer := cfg.TracerProvider.Tracer(instrumentationName)
	meter := cfg.MeterProvider.Meter(instrumentationName)
	calls, _ := meter.Int64Counter("rpc.server.requests",
		metric.WithUnit("{request}"),
		metric.WithDescription("Number of handled calls"),
	)
	durations, _ := meter.Float64Histogram("rpc.server.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of handled calls"),
	)

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Reply {
			kind := "request"
			if call.Notify {
				kind = "notify"
			}
			attrs := []attribute.KeyValue{
				attribute.String("rpc.system", instrumentationName),
				attribute.String("rpc.service", cfg.ServiceName),
				attribute.String("rpc.method", call.Method),
				attribute.String("rpc.worker_rpc.kind", kind),
			}

			ctx, span := tracer.Start(ctx, instrumentationName+"/"+call.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			start := time.Now()
			reply := next(ctx, call)

			status := "ok"
			if reply != nil && reply.Err != nil {
				status = "error"
				span.RecordError(reply.Err)
				span.SetStatus(codes.Error, reply.Err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}

			metricAttrs := metric.WithAttributes(append(attrs, attribute.String("status", status))...)
			if calls != nil {
				calls.Add(ctx, 1, metricAttrs)
			}
			if durations != nil {
				durations.Record(ctx, time.Since(start).Seconds(), metricAttrs)
			}
			return reply
		}
	}
}
