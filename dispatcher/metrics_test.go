package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"goa.design/jobq/cluster"
	"goa.design/jobq/job"
)

func TestMetricsAndTracing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	d := env.dispatcher(t, cluster.Local(""), WithMeterProvider(mp), WithTracerProvider(tp))
	require.NoError(t, d.Register("vm.start", HandlerFunc(func(context.Context, *job.Job) ([]byte, error) {
		return []byte("ok"), nil
	})))
	id, err := d.Submit(ctx, &SubmitRequest{InstanceType: "vm", InstanceID: 7, Command: "vm.start"})
	require.NoError(t, err)
	require.NoError(t, d.Start(ctx))
	waitStatus(t, d, id, job.StatusSucceeded)

	var rm metricdata.ResourceMetrics
	require.Eventually(t, func() bool {
		require.NoError(t, reader.Collect(ctx, &rm))
		return findMetric(rm, "jobq.jobs.completed") != nil
	}, max, delay)

	submitted := findMetric(rm, "jobq.jobs.submitted")
	require.NotNil(t, submitted)
	sum, ok := submitted.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)

	completed := findMetric(rm, "jobq.jobs.completed")
	sum, ok = completed.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)
	status, ok := sum.DataPoints[0].Attributes.Value(attribute.Key("status"))
	require.True(t, ok)
	assert.Equal(t, string(job.StatusSucceeded), status.AsString())

	duration := findMetric(rm, "jobq.handler.duration")
	require.NotNil(t, duration)
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "jobq.job.execute", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, id, attrs["jobq.job.id"].AsInt64())
	assert.Equal(t, "vm.start", attrs["jobq.job.command"].AsString())
	assert.Equal(t, int64(7), attrs["jobq.instance.id"].AsInt64())
}

func TestFailedSpan(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	d := env.dispatcher(t, cluster.Local(""), WithTracerProvider(tp))
	require.NoError(t, d.Register("panic", HandlerFunc(func(context.Context, *job.Job) ([]byte, error) {
		panic("boom")
	})))
	id, err := d.Submit(ctx, &SubmitRequest{InstanceType: "vm", InstanceID: 1, Command: "panic"})
	require.NoError(t, err)
	require.NoError(t, d.Start(ctx))
	waitStatus(t, d, id, job.StatusFailed)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.NotEmpty(t, spans[0].Events())
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}
