package dispatcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"goa.design/jobq/job"
)

// instrumentationName is the instrumentation scope of the dispatcher metrics
// and spans.
const instrumentationName = "goa.design/jobq/dispatcher"

// metrics holds the dispatcher instruments. Instrument creation errors are
// ignored, the OpenTelemetry API returns no-op instruments in that case.
type metrics struct {
	submitted metric.Int64Counter
	completed metric.Int64Counter
	recovered metric.Int64Counter
	duration  metric.Float64Histogram
}

func newMetrics(mp metric.MeterProvider) *metrics {
	meter := mp.Meter(instrumentationName)
	submitted, _ := meter.Int64Counter("jobq.jobs.submitted",
		metric.WithDescription("Number of submitted jobs"),
		metric.WithUnit("{job}"))
	completed, _ := meter.Int64Counter("jobq.jobs.completed",
		metric.WithDescription("Number of jobs that reached a terminal status"),
		metric.WithUnit("{job}"))
	recovered, _ := meter.Int64Counter("jobq.items.recovered",
		metric.WithDescription("Number of orphaned queue items recovered by the sweep"),
		metric.WithUnit("{item}"))
	duration, _ := meter.Float64Histogram("jobq.handler.duration",
		metric.WithDescription("Duration of handler executions in seconds"),
		metric.WithUnit("s"))
	return &metrics{submitted: submitted, completed: completed, recovered: recovered, duration: duration}
}

func (m *metrics) jobSubmitted(ctx context.Context, command string) {
	m.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("command", command)))
}

func (m *metrics) jobCompleted(ctx context.Context, command string, status job.Status) {
	m.completed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("status", string(status))))
}

func (m *metrics) itemsRecovered(ctx context.Context, n int) {
	if n > 0 {
		m.recovered.Add(ctx, int64(n))
	}
}

func (m *metrics) handlerDone(ctx context.Context, command string, elapsed time.Duration, failed bool) {
	status := "ok"
	if failed {
		status = "error"
	}
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("status", status)))
}
