package app

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"jobcore/internal/queue"
)

// Instrumentation scope for spans and metrics. Without a global provider
// the otel API hands out noop implementations.
const scopeName = "jobcore"

type telemetry struct {
	tracer     trace.Tracer
	duration   metric.Float64Histogram
	executions metric.Int64Counter
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) *telemetry {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(scopeName)
	// On error the API returns usable noop instruments.
	duration, _ := meter.Float64Histogram("jobcore.job.duration",
		metric.WithDescription("Duration of one job attempt in seconds"),
		metric.WithUnit("s"))
	executions, _ := meter.Int64Counter("jobcore.job.executions",
		metric.WithDescription("Job attempts by outcome"),
		metric.WithUnit("{attempt}"))
	return &telemetry{tracer: tp.Tracer(scopeName), duration: duration, executions: executions}
}

// wrap runs each attempt of p inside a span and records its duration and
// outcome.
func (t *telemetry) wrap(queueName string, p queue.Processor[json.RawMessage]) queue.Processor[json.RawMessage] {
	return func(ctx context.Context, job queue.Job[json.RawMessage]) (any, error) {
		ctx, span := t.tracer.Start(ctx, "jobcore.job.attempt",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("jobcore.queue", queueName),
				attribute.String("jobcore.job.id", job.ID),
				attribute.String("jobcore.job.name", job.Name),
				attribute.Int("jobcore.job.attempt", job.Attempts),
				attribute.Int("jobcore.job.priority", job.Opts.Priority),
			))
		defer span.End()

		start := time.Now()
		out, err := p(ctx, job)

		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		attrs := metric.WithAttributes(
			attribute.String("queue", queueName),
			attribute.String("job_name", job.Name),
			attribute.String("status", status),
		)
		t.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		t.executions.Add(ctx, 1, attrs)
		return out, err
	}
}
