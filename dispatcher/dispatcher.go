package dispatcher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"goa.design/jobq/cluster"
	"goa.design/jobq/job"
	"goa.design/jobq/jobq"
	"goa.design/jobq/queue"
)

type (
	// Dispatcher runs jobs through the resource queues. Jobs that target the
	// same resource run one at a time in submission order, jobs that target
	// different resources run concurrently across all the dispatchers that
	// share the same stores.
	Dispatcher struct {
		// NodeID is the ID of the node the dispatcher runs on, used as
		// claim owner.
		NodeID string

		queues  *queue.Manager
		jobs    job.Store
		cluster Cluster
		locker  Locker
		logger  jobq.Logger
		metrics *metrics
		tracer  trace.Tracer
		now     func() time.Time

		workers           int
		batchSize         int
		pollInterval      time.Duration
		claimTimeout      time.Duration
		recoverySchedule  string
		skipLiveOwners    bool
		retention         time.Duration
		retentionInterval time.Duration
		clientOnly        bool

		lock     sync.Mutex
		handlers map[string]Handler
		starting bool // set while the startup sweep runs
		started  bool
		stopped  bool
		cancel   context.CancelCauseFunc
		cron     *cron.Cron
		ticker   *cluster.Ticker
		done     chan struct{}
		err      error
	}

	// Cluster is the view of the cluster needed by the dispatcher. It is
	// implemented by cluster.Node and cluster.LocalNode.
	Cluster interface {
		// CurrentNodeID returns the ID of the current node.
		CurrentNodeID() string
		// IsNodeAlive returns true if the node is part of the cluster.
		IsNodeAlive(nodeID string) bool
		// NewTicker returns a ticker that fires on a single node per
		// period.
		NewTicker(ctx context.Context, name string, d time.Duration) (*cluster.Ticker, error)
	}

	// Locker provides named locks, see lock.Locker.
	Locker interface {
		WithLock(ctx context.Context, name string, ttl, wait time.Duration, fn func(context.Context) error) error
	}
)

const (
	// recoveryOwnerPrefix prefixes the claim owner used while recovering an
	// orphaned item. It never matches a live node so that an interrupted
	// recovery gets retried by the next sweep.
	recoveryOwnerPrefix = "recovery:"

	// nodeLostDetail is recorded on jobs failed by the recovery sweep.
	nodeLostDetail = "node lost"

	// submitLockTTL bounds how long an idempotent submission may hold its
	// lock.
	submitLockTTL = 30 * time.Second

	// submitLockWait bounds how long an idempotent submission waits for a
	// concurrent submission with the same key.
	submitLockWait = 10 * time.Second
)

// New returns a dispatcher that claims items of queues and executes the
// corresponding jobs stored in jobs. Handlers must be registered before the
// dispatcher is started.
func New(queues *queue.Manager, jobs job.Store, c Cluster, opts ...Option) *Dispatcher {
	o := parseOptions(opts...)
	nodeID := c.CurrentNodeID()
	locker := o.locker
	if locker == nil {
		locker = newLocalLocker()
	}
	return &Dispatcher{
		NodeID:            nodeID,
		queues:            queues,
		jobs:              jobs,
		cluster:           c,
		locker:            locker,
		logger:            o.logger.WithPrefix("dispatcher", nodeID),
		metrics:           newMetrics(o.meterProvider),
		tracer:            o.tracerProvider.Tracer(instrumentationName),
		now:               time.Now,
		workers:           o.workers,
		batchSize:         o.batchSize,
		pollInterval:      o.pollInterval,
		claimTimeout:      o.claimTimeout,
		recoverySchedule:  o.recoverySchedule,
		skipLiveOwners:    o.skipLiveOwners,
		retention:         o.retention,
		retentionInterval: o.retentionInterval,
		clientOnly:        o.clientOnly,
		handlers:          make(map[string]Handler),
		done:              make(chan struct{}),
	}
}

// Register registers the handler for the given command.
func (d *Dispatcher) Register(command string, h Handler) error {
	if command == "" {
		return fmt.Errorf("jobq dispatcher: command cannot be empty")
	}
	if h == nil {
		return fmt.Errorf("jobq dispatcher: handler for %q cannot be nil", command)
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.started || d.starting {
		return ErrStarted
	}
	if _, ok := d.handlers[command]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, command)
	}
	d.handlers[command] = h
	return nil
}

// Start reports leftover claims, runs a first recovery sweep and starts the
// worker loops, the recovery schedule and the retention purge. The loops keep
// the values of ctx but not its cancellation, use Stop to stop them.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.lock.Lock()
	if d.clientOnly {
		d.lock.Unlock()
		return ErrClientOnly
	}
	if d.started || d.starting {
		d.lock.Unlock()
		return ErrStarted
	}
	d.starting = true
	d.lock.Unlock()

	// The startup sweep does store I/O, it runs without holding d.lock.
	err := d.recoverLeftovers(ctx)
	d.lock.Lock()
	defer d.lock.Unlock()
	d.starting = false
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	sweeps := make(chan struct{}, 1)
	c := cron.New(cron.WithLogger(cronLogger{d.logger}))
	if _, err := c.AddFunc(d.recoverySchedule, func() {
		select {
		case sweeps <- struct{}{}:
		default: // a sweep is already pending
		}
	}); err != nil {
		cancel(nil)
		return fmt.Errorf("jobq dispatcher: invalid recovery schedule %q: %w", d.recoverySchedule, err)
	}
	var ticker *cluster.Ticker
	if d.retention > 0 {
		t, err := d.cluster.NewTicker(ctx, "jobq-retention", d.retentionInterval)
		if err != nil {
			cancel(nil)
			return fmt.Errorf("jobq dispatcher: failed to create retention ticker: %w", err)
		}
		ticker = t
	}

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < d.workers; i++ {
		w := newWorker(d)
		g.Go(func() error { return w.run(gctx) })
	}
	g.Go(func() error { return d.recoveryLoop(gctx, sweeps) })
	if ticker != nil {
		g.Go(func() error { return d.retentionLoop(gctx, ticker) })
	}
	c.Start()

	d.cancel = cancel
	d.cron = c
	d.ticker = ticker
	d.started = true
	jobq.Go(d.logger, func() {
		err := g.Wait()
		d.lock.Lock()
		if err != nil {
			d.logger.Error(fmt.Errorf("dispatcher halted: %w", err))
			d.err = err
		}
		d.lock.Unlock()
		cancel(err)
		<-c.Stop().Done()
		if ticker != nil {
			ticker.Stop()
		}
		close(d.done)
	})
	d.logger.Info("started", "workers", d.workers, "handlers", len(d.handlers))
	return nil
}

// recoverLeftovers reports the claims of other nodes and runs a first
// recovery sweep. Only an invariant violation fails the sweep.
func (d *Dispatcher) recoverLeftovers(ctx context.Context) error {
	if _, err := d.Reconcile(ctx); err != nil {
		return err
	}
	if _, err := d.Sweep(ctx); err != nil {
		if errors.Is(err, queue.ErrInvariantViolation) {
			return err
		}
		d.logger.Error(fmt.Errorf("initial recovery sweep failed: %w", err))
	}
	return nil
}

// Stop stops the worker loops and waits for the handlers in flight to
// complete or ctx to be done. Claimed items whose execution has not started
// are released. Items claimed by handlers that did not complete are recovered
// by the recovery sweep of another node.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.lock.Lock()
	if !d.started || d.stopped {
		d.lock.Unlock()
		return nil
	}
	d.stopped = true
	d.lock.Unlock()

	d.cancel(errStopped)
	select {
	case <-d.done:
		d.logger.Info("stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the dispatcher loops have exited, either
// because Stop was called or because the dispatcher halted.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Err returns the error that halted the dispatcher, nil if the dispatcher is
// running or was stopped.
func (d *Dispatcher) Err() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.err
}

// Submit validates the request, records the job and enqueues it on the queue
// of its target resource. It returns the job ID. Submitting twice with the
// same idempotency key returns the ID of the first job.
func (d *Dispatcher) Submit(ctx context.Context, req *SubmitRequest) (int64, error) {
	if req == nil || req.Command == "" {
		return 0, fmt.Errorf("%w: command cannot be empty", ErrInvalidRequest)
	}
	if req.InstanceType == "" {
		return 0, fmt.Errorf("%w: instance type cannot be empty", ErrInvalidRequest)
	}
	if !d.clientOnly {
		d.lock.Lock()
		_, ok := d.handlers[req.Command]
		d.lock.Unlock()
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, req.Command)
		}
	}
	if req.IdempotencyKey == "" {
		return d.submit(ctx, req)
	}

	var id int64
	err := d.locker.WithLock(ctx, submitLockName(req.IdempotencyKey), submitLockTTL, submitLockWait, func(ctx context.Context) error {
		existing, err := d.jobs.FindByKey(ctx, req.IdempotencyKey)
		if err == nil {
			id = existing.ID
			d.logger.Debug("duplicate submission", "key", req.IdempotencyKey, "job", id)
			return nil
		}
		if !errors.Is(err, job.ErrNotFound) {
			return err
		}
		id, err = d.submit(ctx, req)
		if !errors.Is(err, job.ErrDuplicateKey) {
			return err
		}
		// A process that does not share the lock created the job first.
		existing, err = d.jobs.FindByKey(ctx, req.IdempotencyKey)
		if err != nil {
			return err
		}
		id = existing.ID
		d.logger.Debug("duplicate submission", "key", req.IdempotencyKey, "job", id)
		return nil
	})
	return id, err
}

// submitLockName returns the name of the lock that serializes submissions
// with the given idempotency key. Keys are encoded since lock names cannot
// contain every character.
func submitLockName(key string) string {
	return "submit:" + base64.RawURLEncoding.EncodeToString([]byte(key))
}

// Query returns the job with the given ID.
func (d *Dispatcher) Query(ctx context.Context, id int64) (*job.Job, error) {
	return d.jobs.Get(ctx, id)
}

// Cancel marks the job as cancelled if its execution has not started. It
// returns false if the job already reached a terminal status or a node
// started executing it, in which case the handler runs to completion and its
// outcome is recorded. A cancelled job is discarded without execution when
// its item reaches the head of the queue.
func (d *Dispatcher) Cancel(ctx context.Context, id int64) (bool, error) {
	ok, err := d.jobs.Cancel(ctx, id, "cancelled", d.now())
	if err != nil {
		return false, err
	}
	if ok {
		d.logger.Info("cancelled", "job", id)
	}
	return ok, nil
}

// Reconcile returns the items claimed by other nodes and logs them. Items
// owned by nodes that are no longer alive are recovered by the recovery
// sweep once their claim times out.
func (d *Dispatcher) Reconcile(ctx context.Context) ([]*queue.Item, error) {
	items, err := d.queues.GetActiveQueueItems(ctx, d.NodeID, true)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		d.logger.Info("leftover claim",
			"item", item.ID,
			"queue", item.QueueID,
			"owner", item.ClaimOwner,
			"alive", d.cluster.IsNodeAlive(item.ClaimOwner),
			"since", item.ClaimedAt.Format(time.RFC3339))
	}
	return items, nil
}

// submit creates the job and enqueues it.
func (d *Dispatcher) submit(ctx context.Context, req *SubmitRequest) (int64, error) {
	now := d.now()
	id, err := d.jobs.Create(ctx, &job.Job{
		Type:           req.Type,
		InstanceType:   req.InstanceType,
		InstanceID:     req.InstanceID,
		Command:        req.Command,
		Params:         req.Params,
		Status:         job.StatusInProgress,
		IdempotencyKey: req.IdempotencyKey,
	}, now)
	if err != nil {
		return 0, err
	}
	itemID, err := d.queues.Enqueue(ctx, req.InstanceType, req.InstanceID, queue.ContentTypeJob, id, req.Priority)
	if err != nil {
		// The job would never run, fail it so that it does not stay in
		// progress forever.
		if _, cerr := d.jobs.Complete(context.WithoutCancel(ctx), id, job.StatusFailed, nil, "enqueue failed: "+err.Error(), d.now()); cerr != nil {
			d.logger.Error(fmt.Errorf("failed to fail job %d: %w", id, cerr))
		}
		return 0, err
	}
	d.metrics.jobSubmitted(ctx, req.Command)
	d.logger.Debug("submitted", "job", id, "item", itemID, "command", req.Command, "instance", req.InstanceID)
	return id, nil
}

// handler returns the handler registered for command.
func (d *Dispatcher) handler(command string) (Handler, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	h, ok := d.handlers[command]
	return h, ok
}

// errStopped is the cancellation cause of the loops when Stop is called.
var errStopped = errors.New("jobq dispatcher: stopped")

// sleep waits for d or ctx to be done, it returns false in the latter case.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
