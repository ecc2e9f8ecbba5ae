package cluster

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"

	"goa.design/jobq/jobq"
	"goa.design/jobq/rmap"
)

type (
	// Node is the membership of the current process in a cluster of nodes
	// sharing the same Redis server. It supplies the identity of the
	// current node and liveness information about the others.
	Node struct {
		Name         string
		NodeID       string
		nodeMap      *rmap.Map     // node join times indexed by ID
		keepAliveMap *rmap.Map     // node keep-alive timestamps indexed by ID
		tickerMap    *rmap.Map     // ticker next tick time indexed by name
		ttl          time.Duration // node considered dead if keep-alive not updated after this duration
		logger       jobq.Logger
		stop         chan struct{}  // closed when node leaves
		wg           sync.WaitGroup // allows to wait until all goroutines exit

		lock   sync.Mutex
		closed bool
	}
)

// Join adds a node to the cluster with the given name.
// The node refreshes its keep-alive timestamp every TTL/2 until Leave is
// called and removes nodes whose keep-alive expired.
func Join(ctx context.Context, name string, rdb *redis.Client, opts ...NodeOption) (*Node, error) {
	o := parseOptions(opts...)
	nodeID := o.nodeID
	if nodeID == "" {
		nodeID = ulid.Make().String()
	}
	logger := o.logger.WithPrefix("cluster", name, "node", nodeID)
	nm, err := rmap.Join(ctx, nodeMapName(name), rdb, rmap.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("jobq cluster: failed to join nodes replicated map %q: %w", nodeMapName(name), err)
	}
	km, err := rmap.Join(ctx, keepAliveMapName(name), rdb, rmap.WithLogger(o.logger))
	if err != nil {
		nm.Close()
		return nil, fmt.Errorf("jobq cluster: failed to join keep-alive replicated map %q: %w", keepAliveMapName(name), err)
	}
	tm, err := rmap.Join(ctx, tickerMapName(name), rdb, rmap.WithLogger(o.logger))
	if err != nil {
		nm.Close()
		km.Close()
		return nil, fmt.Errorf("jobq cluster: failed to join ticker replicated map %q: %w", tickerMapName(name), err)
	}
	closeMaps := func() {
		tm.Close()
		km.Close()
		nm.Close()
	}
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	if _, err := km.SetAndWait(ctx, nodeID, now); err != nil {
		closeMaps()
		return nil, fmt.Errorf("jobq cluster: failed to register keep-alive: %w", err)
	}
	if _, err := nm.SetAndWait(ctx, nodeID, now); err != nil {
		if _, derr := km.Delete(context.WithoutCancel(ctx), nodeID); derr != nil {
			logger.Error(fmt.Errorf("failed to delete keep-alive: %w", derr))
		}
		closeMaps()
		return nil, fmt.Errorf("jobq cluster: failed to register node: %w", err)
	}

	node := &Node{
		Name:         name,
		NodeID:       nodeID,
		nodeMap:      nm,
		keepAliveMap: km,
		tickerMap:    tm,
		ttl:          o.ttl,
		logger:       logger,
		stop:         make(chan struct{}),
	}
	node.wg.Add(1)
	jobq.Go(logger, node.keepAlive)
	logger.Info("joined", "ttl", o.ttl)
	return node, nil
}

// CurrentNodeID returns the ID of the node.
func (node *Node) CurrentNodeID() string {
	return node.NodeID
}

// IsNodeAlive returns true if the node with the given ID refreshed its
// keep-alive within the TTL.
func (node *Node) IsNodeAlive(nodeID string) bool {
	if nodeID == node.NodeID {
		node.lock.Lock()
		defer node.lock.Unlock()
		return !node.closed
	}
	ls, ok := node.keepAliveMap.Get(nodeID)
	if !ok {
		return false
	}
	return node.alive(nodeID, ls, time.Now())
}

// Nodes returns the IDs of the alive nodes sorted by join time.
func (node *Node) Nodes() []string {
	joined := node.nodeMap.Map()
	keepAlive := node.keepAliveMap.Map()
	now := time.Now()
	ids := make([]string, 0, len(joined))
	joinedAt := make(map[string]int64, len(joined))
	for id, at := range joined {
		ls, ok := keepAlive[id]
		if !ok || !node.alive(id, ls, now) {
			continue
		}
		joinedAt[id], _ = strconv.ParseInt(at, 10, 64)
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if joinedAt[ids[i]] == joinedAt[ids[j]] {
			return ids[i] < ids[j]
		}
		return joinedAt[ids[i]] < joinedAt[ids[j]]
	})
	return ids
}

// Leave removes the node from the cluster and releases its resources. It is
// safe to call Leave multiple times.
func (node *Node) Leave(ctx context.Context) error {
	node.lock.Lock()
	if node.closed {
		node.lock.Unlock()
		return nil
	}
	node.closed = true
	close(node.stop)
	node.lock.Unlock()
	node.wg.Wait()

	if _, err := node.keepAliveMap.Delete(ctx, node.NodeID); err != nil {
		node.logger.Error(fmt.Errorf("failed to delete keep-alive: %w", err))
	}
	if _, err := node.nodeMap.Delete(ctx, node.NodeID); err != nil {
		node.logger.Error(fmt.Errorf("failed to delete node: %w", err))
	}
	node.tickerMap.Close()
	node.keepAliveMap.Close()
	node.nodeMap.Close()
	node.logger.Info("left")
	return nil
}

// keepAlive refreshes the node keep-alive and removes expired nodes until the
// node leaves.
func (node *Node) keepAlive() {
	defer node.wg.Done()
	ticker := time.NewTicker(node.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			aliveAt := strconv.FormatInt(time.Now().UnixNano(), 10)
			if _, err := node.keepAliveMap.Set(ctx, node.NodeID, aliveAt); err != nil {
				node.logger.Error(fmt.Errorf("failed to update keep-alive: %w", err))
			}
			node.removeExpired(ctx)
		case <-node.stop:
			return
		}
	}
}

// removeExpired deletes the nodes whose keep-alive expired. The keep-alive
// entry is removed conditionally so that a node refreshing concurrently is
// not removed.
func (node *Node) removeExpired(ctx context.Context) {
	now := time.Now()
	for id, ls := range node.keepAliveMap.Map() {
		if id == node.NodeID || node.alive(id, ls, now) {
			continue
		}
		prev, err := node.keepAliveMap.TestAndDelete(ctx, id, ls)
		if err != nil {
			node.logger.Error(fmt.Errorf("failed to delete expired keep-alive of %q: %w", id, err))
			continue
		}
		if prev != ls {
			continue // refreshed or already removed
		}
		if _, err := node.nodeMap.Delete(ctx, id); err != nil {
			node.logger.Error(fmt.Errorf("failed to delete expired node %q: %w", id, err))
			continue
		}
		node.logger.Info("removed expired node", "expired", id)
	}
}

// alive returns true if the serialized keep-alive timestamp ls is within the
// TTL.
func (node *Node) alive(id, ls string, now time.Time) bool {
	lsi, err := strconv.ParseInt(ls, 10, 64)
	if err != nil {
		node.logger.Error(fmt.Errorf("failed to parse keep-alive of %q: %w", id, err))
		return false
	}
	return now.Sub(time.Unix(0, lsi)) <= node.ttl
}

// nodeMapName returns the name of the replicated map used to store the
// node join times.
func nodeMapName(cluster string) string {
	return fmt.Sprintf("cluster:%s:nodes", cluster)
}

// keepAliveMapName returns the name of the replicated map used to store the
// node keep-alive timestamps.
func keepAliveMapName(cluster string) string {
	return fmt.Sprintf("cluster:%s:keepalive", cluster)
}

// tickerMapName returns the name of the replicated map used to store ticker
// ticks.
func tickerMapName(cluster string) string {
	return fmt.Sprintf("cluster:%s:ticker", cluster)
}
