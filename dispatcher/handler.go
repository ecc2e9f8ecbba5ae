package dispatcher

import (
	"context"

	"goa.design/jobq/job"
)

type (
	// Handler executes the business logic of jobs with a given command. The
	// returned bytes are recorded as the job result on success, a non-nil
	// error marks the job as failed. Handlers may block on I/O, they hold
	// no lock besides the durable claim of the job queue item.
	Handler interface {
		Handle(ctx context.Context, j *job.Job) ([]byte, error)
	}

	// HandlerFunc adapts a function to the Handler interface.
	HandlerFunc func(ctx context.Context, j *job.Job) ([]byte, error)

	// SubmitRequest describes a job to submit.
	SubmitRequest struct {
		// Type is the business job type, informational.
		Type string
		// InstanceType is the kind of the target resource, required.
		InstanceType string
		// InstanceID identifies the target resource.
		InstanceID int64
		// Command selects the handler, required.
		Command string
		// Params is passed to the handler as is.
		Params []byte
		// Priority breaks ties between resource queues, lower is more
		// urgent.
		Priority int
		// IdempotencyKey makes the submission idempotent when not empty:
		// submitting again with the same key returns the original job ID.
		IdempotencyKey string
	}
)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, j *job.Job) ([]byte, error) {
	return f(ctx, j)
}
