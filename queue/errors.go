package queue

import "errors"

var (
	// ErrInvalidArgument is returned when a manager method is called with
	// missing or malformed arguments.
	ErrInvalidArgument = errors.New("jobq queue: invalid argument")

	// ErrInvariantViolation is returned when the store reports more than one
	// claimed item for the same queue. It indicates a broken claim protocol
	// and must not be tolerated.
	ErrInvariantViolation = errors.New("jobq queue: invariant violation")

	// ErrQueueNotFound is returned by Queue when no queue has the given ID.
	ErrQueueNotFound = errors.New("jobq queue: queue not found")
)
