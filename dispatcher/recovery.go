package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"goa.design/jobq/cluster"
	"goa.design/jobq/job"
	"goa.design/jobq/jobq"
	"goa.design/jobq/queue"
)

// cronLogger adapts a jobq logger to the cron logger interface.
type cronLogger struct {
	logger jobq.Logger
}

// Sweep recovers the items whose claim is older than the claim timeout: the
// claim is transferred to a recovery owner, the job is failed with a "node
// lost" detail and the item is purged so that the queue makes progress. It
// returns the number of recovered items. Any number of nodes may sweep
// concurrently, each item is recovered by a single one.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	blocked, err := d.queues.GetBlockedQueueItems(ctx, d.claimTimeout, d.NodeID, false)
	if err != nil {
		return 0, err
	}
	owner := recoveryOwnerPrefix + d.NodeID
	var recovered int
	for _, item := range blocked {
		if d.skipLiveOwners && d.cluster.IsNodeAlive(item.ClaimOwner) {
			d.logger.Debug("skipping item of live node", "item", item.ID, "owner", item.ClaimOwner)
			continue
		}
		ok, err := d.queues.ReclaimItem(ctx, item.ID, item.ClaimOwner, owner)
		if err != nil {
			return recovered, err
		}
		if !ok {
			continue // recovered or completed concurrently
		}
		if item.ContentType == queue.ContentTypeJob {
			if _, err := d.jobs.Complete(ctx, item.ContentID, job.StatusFailed, nil, nodeLostDetail+": "+item.ClaimOwner, d.now()); err != nil {
				return recovered, err
			}
		}
		if err := d.queues.PurgeItem(ctx, item.ID); err != nil {
			return recovered, err
		}
		d.logger.Info("recovered", "item", item.ID, "queue", item.QueueID, "job", item.ContentID, "owner", item.ClaimOwner)
		recovered++
	}
	d.metrics.itemsRecovered(ctx, recovered)
	return recovered, nil
}

// recoveryLoop runs a sweep each time the cron schedule fires. It returns an
// error and thus halts the dispatcher if the sweep detects an invariant
// violation.
func (d *Dispatcher) recoveryLoop(ctx context.Context, sweeps <-chan struct{}) error {
	for {
		select {
		case <-sweeps:
			if _, err := d.Sweep(ctx); err != nil {
				if errors.Is(err, queue.ErrInvariantViolation) {
					return err
				}
				if ctx.Err() == nil {
					d.logger.Error(fmt.Errorf("recovery sweep failed: %w", err))
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// retentionLoop purges old terminal jobs each time the cluster ticker fires.
func (d *Dispatcher) retentionLoop(ctx context.Context, ticker *cluster.Ticker) error {
	for {
		select {
		case <-ticker.C:
			n, err := d.jobs.PurgeCompletedBefore(ctx, d.now().Add(-d.retention))
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Error(fmt.Errorf("retention purge failed: %w", err))
				}
				continue
			}
			if n > 0 {
				d.logger.Info("purged completed jobs", "count", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (l cronLogger) Info(msg string, kvs ...any) {
	l.logger.Debug(msg, kvs...)
}

func (l cronLogger) Error(err error, msg string, kvs ...any) {
	l.logger.Error(fmt.Errorf("%s: %w", msg, err), kvs...)
}
