package job

import (
	"errors"
	"time"
)

type (
	// Job is the durable record of one business operation. A job is paired
	// with the queue item whose content ID is the job ID.
	Job struct {
		// ID is assigned by the store on creation.
		ID int64
		// Type is the business job type, e.g. "vm.deploy".
		Type string
		// InstanceType is the kind of the target resource, it is also the
		// type of the queue that serializes the job.
		InstanceType string
		// InstanceID identifies the target resource.
		InstanceID int64
		// Command selects the handler that executes the job.
		Command string
		// Params is the opaque handler input.
		Params []byte
		// Status is the job status.
		Status Status
		// Result is the opaque handler output on success.
		Result []byte
		// Error describes the failure when Status is StatusFailed or
		// StatusCancelled.
		Error string
		// OwnerNode is the ID of the node executing the job.
		OwnerNode string
		// IdempotencyKey deduplicates submissions when not empty.
		IdempotencyKey string
		// CreatedAt is the submission time.
		CreatedAt time.Time
		// UpdatedAt is the time of the last change.
		UpdatedAt time.Time
		// CompletedAt is the time the job reached a terminal status.
		CompletedAt time.Time
	}

	// Status is the status of a job.
	Status string
)

const (
	// StatusInProgress is the status of jobs that have not completed yet.
	StatusInProgress Status = "in_progress"
	// StatusSucceeded is the status of jobs whose handler succeeded.
	StatusSucceeded Status = "succeeded"
	// StatusFailed is the status of jobs whose handler failed or whose node
	// was lost.
	StatusFailed Status = "failed"
	// StatusCancelled is the status of jobs cancelled before execution.
	StatusCancelled Status = "cancelled"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = errors.New("jobq job: not found")

// ErrDuplicateKey is returned by Create when a job with the same idempotency
// key already exists.
var ErrDuplicateKey = errors.New("jobq job: duplicate idempotency key")

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Valid returns true if s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusInProgress || s.IsTerminal()
}
