package cluster

import (
	"time"

	"goa.design/jobq/jobq"
)

type (
	// NodeOption is a node creation option.
	NodeOption func(*nodeOptions)

	nodeOptions struct {
		ttl    time.Duration
		nodeID string
		logger jobq.Logger
	}
)

// WithTTL sets the duration after which a node that did not refresh its
// keep-alive is considered dead. The default is 10s. A lower number causes
// more frequent keep-alive updates from all nodes.
func WithTTL(ttl time.Duration) NodeOption {
	return func(o *nodeOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithNodeID sets the ID of the node. The ID must be unique in the cluster,
// a new ULID is generated by default.
func WithNodeID(id string) NodeOption {
	return func(o *nodeOptions) {
		o.nodeID = id
	}
}

// WithLogger sets the handler used to report temporary errors.
func WithLogger(logger jobq.Logger) NodeOption {
	return func(o *nodeOptions) {
		o.logger = logger
	}
}

// parseOptions parses the given options and returns the corresponding
// options.
func parseOptions(opts ...NodeOption) *nodeOptions {
	o := defaultNodeOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// defaultNodeOptions returns the default options.
func defaultNodeOptions() *nodeOptions {
	return &nodeOptions{
		ttl:    10 * time.Second,
		logger: jobq.NoopLogger(),
	}
}
