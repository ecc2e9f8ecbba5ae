package queue

import (
	"context"
	"time"
)

// Store is the durable storage of queues and items. Implementations must make
// Enqueue, ClaimHead, Purge and Reclaim atomic with respect to each other
// across processes: all cross-node coordination relies on them.
type Store interface {
	// Enqueue looks up or creates the queue for the given type and resource
	// and appends a new unclaimed item to it.
	Enqueue(ctx context.Context, queueType string, resourceID int64, contentType string, contentID int64, priority int, now time.Time) (*Item, error)
	// ClaimHead claims the oldest item of the queue for owner iff it is
	// unclaimed. It returns nil if the queue is empty or its head is
	// already claimed.
	ClaimHead(ctx context.Context, queueID int64, owner string, now time.Time) (*Item, error)
	// ReadyHeads returns up to limit unclaimed queue heads, oldest first.
	ReadyHeads(ctx context.Context, limit int) ([]*Item, error)
	// Purge removes the item. Purging an unknown item is a no-op.
	Purge(ctx context.Context, itemID int64, now time.Time) error
	// Reclaim transfers the claim of the item from expectedOwner to
	// newOwner. It returns false if the item is gone or owned by someone
	// else.
	Reclaim(ctx context.Context, itemID int64, expectedOwner, newOwner string, now time.Time) (bool, error)
	// Release clears the claim of the item iff owner holds it, making the
	// item claimable again. It returns false otherwise.
	Release(ctx context.Context, itemID int64, owner string, now time.Time) (bool, error)
	// ClaimedItems returns all the claimed items.
	ClaimedItems(ctx context.Context) ([]*Item, error)
	// Queue returns the queue with the given ID or ErrQueueNotFound.
	Queue(ctx context.Context, queueID int64) (*Queue, error)
	// Queues returns all the queues.
	Queues(ctx context.Context) ([]*Queue, error)
	// QueueItems returns the items of the given queue in FIFO order.
	QueueItems(ctx context.Context, queueID int64) ([]*Item, error)
}
