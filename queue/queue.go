package queue

import "time"

type (
	// Queue is the serialization domain of a single managed resource. All the
	// items that target the same resource are totally ordered through it.
	Queue struct {
		// ID is generated by the store when the queue is first used.
		ID int64
		// Type is the resource kind, e.g. "vm_instance".
		Type string
		// ResourceID identifies the resource within its kind.
		ResourceID int64
		// CreatedAt is the time the first item was enqueued.
		CreatedAt time.Time
		// LastUpdated is the last time an item was enqueued, claimed or
		// purged.
		LastUpdated time.Time
	}

	// Item is one claimable unit of work in a queue.
	Item struct {
		// ID is unique and monotonically assigned by the store, it
		// defines the FIFO order of items within a queue.
		ID int64
		// QueueID is the ID of the owning queue.
		QueueID int64
		// ContentType describes the payload, e.g. "async-job".
		ContentType string
		// ContentID identifies the payload, e.g. the job ID.
		ContentID int64
		// Priority breaks ties between the heads of different queues, a
		// lower value is more urgent. It never affects the order of items
		// within a queue.
		Priority int
		// EnqueuedAt is the time the item was enqueued.
		EnqueuedAt time.Time
		// ClaimOwner is the identity of the node holding the claim, empty if
		// unclaimed.
		ClaimOwner string
		// ClaimedAt is the time of the current claim, zero if unclaimed.
		ClaimedAt time.Time
	}

	// ItemState is the state of an item.
	ItemState int
)

const (
	// StateUnclaimed is the state of an item waiting to be claimed.
	StateUnclaimed ItemState = iota + 1
	// StateClaimed is the state of an item held by a node.
	StateClaimed
)

// ContentTypeJob is the content type of items that reference a job.
const ContentTypeJob = "async-job"

// State returns the current state of the item. Purged items are not returned
// by stores so they have no representation.
func (i *Item) State() ItemState {
	if i.ClaimOwner == "" {
		return StateUnclaimed
	}
	return StateClaimed
}

// String returns a human friendly representation of the state.
func (s ItemState) String() string {
	switch s {
	case StateUnclaimed:
		return "unclaimed"
	case StateClaimed:
		return "claimed"
	default:
		return "unknown"
	}
}
