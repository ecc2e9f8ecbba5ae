package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/jobq/job"
	"goa.design/jobq/jobq"
	"goa.design/jobq/queue"
)

// worker is a dispatcher loop that claims queue items and runs the
// corresponding jobs one at a time.
type worker struct {
	ID     string
	d      *Dispatcher
	logger jobq.Logger
}

func newWorker(d *Dispatcher) *worker {
	id := uuid.NewString()
	return &worker{ID: id, d: d, logger: d.logger.WithPrefix("worker", id)}
}

// run claims and processes items until ctx is done. After processing an item
// the worker first tries to claim the next item of the same queue, falling
// back to a batch claim across all queues.
func (w *worker) run(ctx context.Context) error {
	var last int64
	for ctx.Err() == nil {
		var (
			items []*queue.Item
			err   error
		)
		if last != 0 {
			var item *queue.Item
			item, err = w.d.queues.DequeueFromOne(ctx, last, w.d.NodeID)
			if item != nil {
				items = []*queue.Item{item}
			}
			last = 0
		}
		if err == nil && len(items) == 0 {
			items, err = w.d.queues.DequeueFromAny(ctx, w.d.NodeID, w.d.batchSize)
		}
		if err != nil && ctx.Err() == nil {
			w.logger.Error(fmt.Errorf("failed to claim items: %w", err))
		}
		for i, item := range items {
			if ctx.Err() != nil {
				w.release(ctx, items[i:])
				break
			}
			stop := w.holdClaims(items[i+1:])
			w.process(ctx, item)
			stop()
			last = item.QueueID
		}
		if len(items) == 0 || err != nil {
			last = 0
			if !sleep(ctx, w.d.pollInterval) {
				break
			}
		}
	}
	return nil
}

// process runs the job of a claimed item and purges the item. Store errors
// are retried until they succeed or ctx is done, in the latter case the item
// stays claimed and is eventually recovered by the recovery sweep.
func (w *worker) process(ctx context.Context, item *queue.Item) {
	logger := w.logger.WithPrefix("item", item.ID)
	if item.ContentType != queue.ContentTypeJob {
		logger.Error(fmt.Errorf("unsupported content type %q, discarding", item.ContentType))
		w.purge(ctx, logger, item)
		return
	}

	// The claim may have aged while the item waited behind the previous
	// items of the batch.
	var held bool
	err := w.retry(ctx, logger, "refresh claim", func(ctx context.Context) error {
		var err error
		held, err = w.d.queues.RefreshClaim(ctx, item.ID, w.d.NodeID)
		return err
	})
	if err != nil {
		return
	}
	if !held {
		logger.Info("claim lost, skipping")
		return
	}

	var j *job.Job
	err = w.retry(ctx, logger, "load job", func(ctx context.Context) error {
		var err error
		j, err = w.d.jobs.Get(ctx, item.ContentID)
		if errors.Is(err, job.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return
	}
	if j == nil {
		logger.Info("job not found, discarding", "job", item.ContentID)
		w.purge(ctx, logger, item)
		return
	}
	if j.Status.IsTerminal() {
		logger.Debug("job already completed, discarding", "job", j.ID, "status", j.Status)
		w.purge(ctx, logger, item)
		return
	}

	var owned bool
	err = w.retry(ctx, logger, "set owner", func(ctx context.Context) error {
		var err error
		owned, err = w.d.jobs.SetOwner(ctx, j.ID, w.d.NodeID, w.d.now())
		return err
	})
	if err != nil {
		return
	}
	if !owned {
		logger.Debug("job completed concurrently, discarding", "job", j.ID)
		w.purge(ctx, logger, item)
		return
	}

	status, result, detail := job.StatusSucceeded, []byte(nil), ""
	if h, ok := w.d.handler(j.Command); !ok {
		status, detail = job.StatusFailed, fmt.Sprintf("unknown command %q", j.Command)
	} else {
		// Handlers run to completion even when the dispatcher stops.
		res, herr := w.execute(context.WithoutCancel(ctx), h, j)
		if herr != nil {
			status, detail = job.StatusFailed, herr.Error()
		} else {
			result = res
		}
	}

	var completed bool
	err = w.retry(ctx, logger, "complete job", func(ctx context.Context) error {
		var err error
		completed, err = w.d.jobs.Complete(ctx, j.ID, status, result, detail, w.d.now())
		return err
	})
	if err != nil {
		return
	}
	if completed {
		w.d.metrics.jobCompleted(ctx, j.Command, status)
		logger.Debug("completed", "job", j.ID, "status", status)
	} else {
		logger.Info("job completed concurrently, result dropped", "job", j.ID)
	}
	w.purge(ctx, logger, item)
}

// execute runs the handler in a span, recovering from panics.
func (w *worker) execute(ctx context.Context, h Handler, j *job.Job) (res []byte, err error) {
	ctx, span := w.d.tracer.Start(ctx, "jobq.job.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int64("jobq.job.id", j.ID),
			attribute.String("jobq.job.command", j.Command),
			attribute.String("jobq.instance.type", j.InstanceType),
			attribute.Int64("jobq.instance.id", j.InstanceID),
			attribute.String("jobq.node", w.d.NodeID),
		))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error(fmt.Errorf("handler panic: %v\n%s", r, debug.Stack()), "job", j.ID)
			err = fmt.Errorf("handler panic: %v", r)
		}
		w.d.metrics.handlerDone(ctx, j.Command, time.Since(start), err != nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()
	return h.Handle(ctx, j)
}

// holdClaims refreshes the claims of the items still waiting in the batch
// until the returned function is called, so that the recovery sweep does not
// mistake them for the items of a lost node.
func (w *worker) holdClaims(items []*queue.Item) (stop func()) {
	if len(items) == 0 {
		return func() {}
	}
	var (
		quit = make(chan struct{})
		done = make(chan struct{})
	)
	jobq.Go(w.logger, func() {
		defer close(done)
		every := w.d.claimTimeout / 3
		if every < time.Millisecond {
			every = time.Millisecond
		}
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-quit:
				return
			case <-t.C:
				for _, item := range items {
					if _, err := w.d.queues.RefreshClaim(context.Background(), item.ID, w.d.NodeID); err != nil {
						w.logger.Error(fmt.Errorf("failed to refresh claim: %w", err), "item", item.ID)
					}
				}
			}
		}
	})
	return func() {
		close(quit)
		<-done
	}
}

// release gives up the claims of items that were not started so that other
// workers pick them up.
func (w *worker) release(ctx context.Context, items []*queue.Item) {
	ctx = context.WithoutCancel(ctx)
	for _, item := range items {
		if _, err := w.d.queues.ReleaseItem(ctx, item.ID, w.d.NodeID); err != nil {
			w.logger.Error(fmt.Errorf("failed to release claim: %w", err), "item", item.ID)
		}
	}
}

// purge removes the item from its queue.
func (w *worker) purge(ctx context.Context, logger jobq.Logger, item *queue.Item) {
	_ = w.retry(ctx, logger, "purge item", func(ctx context.Context) error {
		return w.d.queues.PurgeItem(ctx, item.ID)
	})
}

// retry calls fn until it succeeds, sleeping the poll interval between
// attempts. fn does not observe the cancellation of ctx so that a step that
// started completes, retries stop once ctx is done.
func (w *worker) retry(ctx context.Context, logger jobq.Logger, op string, fn func(context.Context) error) error {
	fctx := context.WithoutCancel(ctx)
	for {
		err := fn(fctx)
		if err == nil {
			return nil
		}
		logger.Error(fmt.Errorf("failed to %s, retrying: %w", op, err))
		if !sleep(ctx, w.d.pollInterval) {
			return ctx.Err()
		}
	}
}
