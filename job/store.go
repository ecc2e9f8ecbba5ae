package job

import (
	"context"
	"time"
)

// Store is the durable storage of jobs. Complete must be atomic across
// processes: a job transitions to a terminal status exactly once.
type Store interface {
	// Create stores a new in-progress job and returns its ID. The ID,
	// Status and timestamps of j are ignored.
	Create(ctx context.Context, j *Job, now time.Time) (int64, error)
	// Get returns the job with the given ID or ErrNotFound.
	Get(ctx context.Context, id int64) (*Job, error)
	// FindByKey returns the job with the given idempotency key or
	// ErrNotFound.
	FindByKey(ctx context.Context, key string) (*Job, error)
	// SetOwner records the node executing the job. It returns false if the
	// job is not in progress.
	SetOwner(ctx context.Context, id int64, node string, now time.Time) (bool, error)
	// Complete moves the job from in progress to the given terminal status.
	// It returns false if the job was not in progress.
	Complete(ctx context.Context, id int64, status Status, result []byte, detail string, now time.Time) (bool, error)
	// Cancel moves the job to StatusCancelled iff it is in progress and no
	// node started executing it (see SetOwner). It returns false otherwise.
	Cancel(ctx context.Context, id int64, detail string, now time.Time) (bool, error)
	// PurgeCompletedBefore deletes terminal jobs completed before the given
	// time and returns how many were deleted.
	PurgeCompletedBefore(ctx context.Context, before time.Time) (int, error)
}
