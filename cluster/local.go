package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// LocalNode is a single process cluster. It is used when the stores are not
// shared with other processes, for example with SQLite.
type LocalNode struct {
	nodeID string
}

// Local returns a single process cluster made of the node with the given ID.
// A new unique ID is generated if nodeID is empty.
func Local(nodeID string) *LocalNode {
	if nodeID == "" {
		nodeID = ulid.Make().String()
	}
	return &LocalNode{nodeID: nodeID}
}

// CurrentNodeID returns the ID of the node.
func (l *LocalNode) CurrentNodeID() string {
	return l.nodeID
}

// IsNodeAlive returns true only for the current node, claims held by any other
// node ID were made by a previous run of the process.
func (l *LocalNode) IsNodeAlive(nodeID string) bool {
	return nodeID == l.nodeID
}

// Nodes returns the current node ID.
func (l *LocalNode) Nodes() []string {
	return []string{l.nodeID}
}

// NewTicker returns a ticker backed by a time.Ticker.
func (l *LocalNode) NewTicker(_ context.Context, name string, d time.Duration) (*Ticker, error) {
	if d <= 0 {
		return nil, fmt.Errorf("jobq cluster: non-positive interval for ticker %q", name)
	}
	tt := time.NewTicker(d)
	return &Ticker{C: tt.C, name: name, local: tt}, nil
}

// Leave is a no-op.
func (l *LocalNode) Leave(context.Context) error {
	return nil
}
