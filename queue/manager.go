package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"goa.design/jobq/jobq"
)

type (
	// Manager implements per-queue mutual exclusion and cross-queue fairness
	// on top of a Store. A Manager holds no state besides its configuration,
	// any number of managers in any number of processes may share the same
	// store.
	Manager struct {
		store      Store
		logger     jobq.Logger
		scanFactor int
		now        func() time.Time
	}
)

// NewManager returns a manager that uses the given store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	o := parseOptions(opts...)
	return &Manager{
		store:      store,
		logger:     o.logger.WithPrefix("component", "queue"),
		scanFactor: o.scanFactor,
		now:        o.clock,
	}
}

// Enqueue appends a new unclaimed item to the queue identified by queueType
// and resourceID, creating the queue if needed. It returns the ID of the new
// item.
func (m *Manager) Enqueue(ctx context.Context, queueType string, resourceID int64, contentType string, contentID int64, priority int) (int64, error) {
	if queueType == "" {
		return 0, fmt.Errorf("%w: queue type cannot be empty", ErrInvalidArgument)
	}
	if contentType == "" {
		return 0, fmt.Errorf("%w: content type cannot be empty", ErrInvalidArgument)
	}
	item, err := m.store.Enqueue(ctx, queueType, resourceID, contentType, contentID, priority, m.now())
	if err != nil {
		return 0, err
	}
	m.logger.Debug("enqueued", "queue", item.QueueID, "item", item.ID, "content", contentID)
	return item.ID, nil
}

// DequeueFromOne claims the head of the given queue on behalf of nodeID. It
// returns nil if the queue is empty or its head is already claimed.
func (m *Manager) DequeueFromOne(ctx context.Context, queueID int64, nodeID string) (*Item, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("%w: node ID cannot be empty", ErrInvalidArgument)
	}
	item, err := m.store.ClaimHead(ctx, queueID, nodeID, m.now())
	if err != nil {
		return nil, err
	}
	if item != nil {
		m.logger.Debug("claimed", "queue", queueID, "item", item.ID, "node", nodeID)
	}
	return item, nil
}

// DequeueFromAny claims up to maxItems items on behalf of nodeID, at most one
// per queue. Queues are considered oldest head first, ties are broken by
// priority then item ID. It may return fewer items than requested when other
// callers win the race for some heads.
//
// The returned items are claimed even when err is not nil, callers must
// process or purge them.
func (m *Manager) DequeueFromAny(ctx context.Context, nodeID string, maxItems int) ([]*Item, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("%w: node ID cannot be empty", ErrInvalidArgument)
	}
	if maxItems <= 0 {
		return nil, nil
	}
	heads, err := m.store.ReadyHeads(ctx, maxItems*m.scanFactor)
	if err != nil {
		return nil, err
	}
	sortHeads(heads)
	var (
		items  = make([]*Item, 0, maxItems)
		queues = make(map[int64]struct{}, len(heads))
	)
	for _, head := range heads {
		if len(items) == maxItems {
			break
		}
		if _, ok := queues[head.QueueID]; ok {
			continue
		}
		queues[head.QueueID] = struct{}{}
		item, err := m.store.ClaimHead(ctx, head.QueueID, nodeID, m.now())
		if err != nil {
			return items, err
		}
		if item == nil {
			continue // lost the race
		}
		items = append(items, item)
	}
	if len(items) > 0 {
		m.logger.Debug("claimed batch", "node", nodeID, "count", len(items))
	}
	return items, nil
}

// PurgeItem removes the item. It is idempotent and may be called on
// unclaimed items.
func (m *Manager) PurgeItem(ctx context.Context, itemID int64) error {
	if err := m.store.Purge(ctx, itemID, m.now()); err != nil {
		return err
	}
	m.logger.Debug("purged", "item", itemID)
	return nil
}

// GetActiveQueueItems returns all the claimed items, excluding the ones owned
// by nodeID if excludeSelf is true. It returns ErrInvariantViolation if two
// claimed items belong to the same queue.
func (m *Manager) GetActiveQueueItems(ctx context.Context, nodeID string, excludeSelf bool) ([]*Item, error) {
	claimed, err := m.claimedItems(ctx)
	if err != nil {
		return nil, err
	}
	return filterOwner(claimed, nodeID, excludeSelf), nil
}

// GetBlockedQueueItems returns the claimed items whose claim is older than
// timeout, excluding the ones owned by nodeID if excludeSelf is true.
func (m *Manager) GetBlockedQueueItems(ctx context.Context, timeout time.Duration, nodeID string, excludeSelf bool) ([]*Item, error) {
	claimed, err := m.claimedItems(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := m.now().Add(-timeout)
	blocked := make([]*Item, 0, len(claimed))
	for _, item := range filterOwner(claimed, nodeID, excludeSelf) {
		if item.ClaimedAt.Before(cutoff) {
			blocked = append(blocked, item)
		}
	}
	return blocked, nil
}

// ReclaimItem transfers the claim of the item from expectedOwner to newOwner.
// It returns false if another caller changed the claim first or the item no
// longer exists.
func (m *Manager) ReclaimItem(ctx context.Context, itemID int64, expectedOwner, newOwner string) (bool, error) {
	if expectedOwner == "" || newOwner == "" {
		return false, fmt.Errorf("%w: claim owners cannot be empty", ErrInvalidArgument)
	}
	ok, err := m.store.Reclaim(ctx, itemID, expectedOwner, newOwner, m.now())
	if err != nil {
		return false, err
	}
	if ok {
		m.logger.Info("reclaimed", "item", itemID, "from", expectedOwner, "to", newOwner)
	}
	return ok, nil
}

// RefreshClaim resets the claim time of an item held by owner so that the
// item is not reported as blocked. It returns false if owner lost the claim.
func (m *Manager) RefreshClaim(ctx context.Context, itemID int64, owner string) (bool, error) {
	if owner == "" {
		return false, fmt.Errorf("%w: claim owner cannot be empty", ErrInvalidArgument)
	}
	return m.store.Reclaim(ctx, itemID, owner, owner, m.now())
}

// ReleaseItem gives up the claim of an item held by owner without purging
// it. The item becomes the unclaimed head of its queue again. It returns
// false if owner does not hold the claim.
func (m *Manager) ReleaseItem(ctx context.Context, itemID int64, owner string) (bool, error) {
	if owner == "" {
		return false, fmt.Errorf("%w: claim owner cannot be empty", ErrInvalidArgument)
	}
	ok, err := m.store.Release(ctx, itemID, owner, m.now())
	if err != nil {
		return false, err
	}
	if ok {
		m.logger.Debug("released", "item", itemID, "owner", owner)
	}
	return ok, nil
}

// Queue returns the queue with the given ID.
func (m *Manager) Queue(ctx context.Context, queueID int64) (*Queue, error) {
	return m.store.Queue(ctx, queueID)
}

// Queues returns all the known queues.
func (m *Manager) Queues(ctx context.Context) ([]*Queue, error) {
	return m.store.Queues(ctx)
}

// QueueItems returns the items of the given queue in FIFO order.
func (m *Manager) QueueItems(ctx context.Context, queueID int64) ([]*Item, error) {
	return m.store.QueueItems(ctx, queueID)
}

// claimedItems returns all the claimed items after checking that no queue has
// more than one.
func (m *Manager) claimedItems(ctx context.Context) ([]*Item, error) {
	claimed, err := m.store.ClaimedItems(ctx)
	if err != nil {
		return nil, err
	}
	owners := make(map[int64]*Item, len(claimed))
	for _, item := range claimed {
		if other, ok := owners[item.QueueID]; ok {
			err := fmt.Errorf("%w: queue %d has claimed items %d (%s) and %d (%s)",
				ErrInvariantViolation, item.QueueID, other.ID, other.ClaimOwner, item.ID, item.ClaimOwner)
			m.logger.Error(err)
			return nil, err
		}
		owners[item.QueueID] = item
	}
	return claimed, nil
}

func filterOwner(items []*Item, nodeID string, excludeSelf bool) []*Item {
	if !excludeSelf {
		return items
	}
	res := make([]*Item, 0, len(items))
	for _, item := range items {
		if item.ClaimOwner != nodeID {
			res = append(res, item)
		}
	}
	return res
}

// sortHeads orders queue heads oldest first, then by priority, then by item ID.
func sortHeads(heads []*Item) {
	sort.SliceStable(heads, func(i, j int) bool {
		a, b := heads[i], heads[j]
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
}
