package dispatcher

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"goa.design/jobq/jobq"
)

type (
	// Option is a dispatcher creation option.
	Option func(*options)

	options struct {
		workers           int
		batchSize         int
		pollInterval      time.Duration
		claimTimeout      time.Duration
		recoverySchedule  string
		skipLiveOwners    bool
		retention         time.Duration
		retentionInterval time.Duration
		clientOnly        bool
		locker            Locker
		logger            jobq.Logger
		meterProvider     metric.MeterProvider
		tracerProvider    trace.TracerProvider
	}
)

// WithWorkers sets the number of worker loops. The default is 4.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithBatchSize sets the maximum number of items a worker loop claims at once
// across distinct queues. The default is 10.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithPollInterval sets the delay between two polls when no work is available
// or the store returns an error. The default is 1s.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithClaimTimeout sets the age after which a claim is considered orphaned by
// the recovery sweep. The default is 5 minutes.
func WithClaimTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.claimTimeout = d
		}
	}
}

// WithRecoverySchedule sets the cron schedule of the recovery sweep, for
// example "@every 30s" (the default) or "*/5 * * * *".
func WithRecoverySchedule(schedule string) Option {
	return func(o *options) {
		o.recoverySchedule = schedule
	}
}

// WithSkipLiveOwners makes the recovery sweep leave alone the orphan
// candidates owned by nodes that the cluster reports alive.
func WithSkipLiveOwners() Option {
	return func(o *options) {
		o.skipLiveOwners = true
	}
}

// WithRetention enables the periodic purge of terminal jobs completed more
// than maxAge ago. Disabled by default.
func WithRetention(maxAge time.Duration) Option {
	return func(o *options) {
		o.retention = maxAge
	}
}

// WithRetentionInterval sets the period of the retention purge. A single node
// of the cluster purges per period. The default is 1 minute.
func WithRetentionInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retentionInterval = d
		}
	}
}

// WithClientOnly creates a dispatcher that can only submit, query and cancel
// jobs. Such a dispatcher does not require handlers and cannot be started.
func WithClientOnly() Option {
	return func(o *options) {
		o.clientOnly = true
	}
}

// WithLocker sets the named lock used to make idempotent submissions atomic
// across processes. The default only synchronizes the current process.
func WithLocker(l Locker) Option {
	return func(o *options) {
		o.locker = l
	}
}

// WithLogger sets the logger.
func WithLogger(logger jobq.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider. The default is the
// global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider. The default is
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// parseOptions parses the given options and returns the corresponding
// options.
func parseOptions(opts ...Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// defaultOptions returns the default options.
func defaultOptions() *options {
	return &options{
		workers:           4,
		batchSize:         10,
		pollInterval:      time.Second,
		claimTimeout:      5 * time.Minute,
		recoverySchedule:  "@every 30s",
		retentionInterval: time.Minute,
		logger:            jobq.NoopLogger(),
		meterProvider:     otel.GetMeterProvider(),
		tracerProvider:    otel.GetTracerProvider(),
	}
}
