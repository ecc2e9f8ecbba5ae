package queue

import (
	"time"

	"goa.design/jobq/jobq"
)

type (
	// ManagerOption is a manager creation option.
	ManagerOption func(*managerOptions)

	// StoreOption is a Redis store creation option.
	StoreOption func(*storeOptions)

	managerOptions struct {
		logger     jobq.Logger
		scanFactor int
		clock      func() time.Time
	}

	storeOptions struct {
		namespace string
	}
)

// WithLogger sets the manager logger.
func WithLogger(logger jobq.Logger) ManagerOption {
	return func(o *managerOptions) {
		o.logger = logger
	}
}

// WithScanFactor sets how many candidate queue heads DequeueFromAny reads per
// requested item. Higher values reduce the number of empty results when many
// nodes compete for the same heads. The default is 2.
func WithScanFactor(f int) ManagerOption {
	return func(o *managerOptions) {
		if f > 0 {
			o.scanFactor = f
		}
	}
}

// WithClock sets the function used to read the current time.
func WithClock(clock func() time.Time) ManagerOption {
	return func(o *managerOptions) {
		o.clock = clock
	}
}

// WithNamespace sets the prefix of all the Redis keys used by the store. The
// default is "jobq".
func WithNamespace(ns string) StoreOption {
	return func(o *storeOptions) {
		o.namespace = ns
	}
}

// parseOptions parses the given options and returns the corresponding
// options.
func parseOptions(opts ...ManagerOption) *managerOptions {
	o := defaultManagerOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func parseStoreOptions(opts ...StoreOption) *storeOptions {
	o := &storeOptions{namespace: "jobq"}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// defaultManagerOptions returns the default options.
func defaultManagerOptions() *managerOptions {
	return &managerOptions{
		logger:     jobq.NoopLogger(),
		scanFactor: 2,
		clock:      time.Now,
	}
}
