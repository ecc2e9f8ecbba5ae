package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"goa.design/jobq/cluster"
	"goa.design/jobq/config"
	"goa.design/jobq/dispatcher"
	"goa.design/jobq/job"
	"goa.design/jobq/jobq"
	"goa.design/jobq/lock"
	"goa.design/jobq/queue"
	"goa.design/jobq/rmap"
	"goa.design/jobq/sqlstore"
)

// backend groups the stores and coordination primitives used by a
// dispatcher.
type backend struct {
	queues  *queue.Manager
	jobs    job.Store
	cluster dispatcher.Cluster
	locker  *lock.Locker // nil for SQL backends
	closers []func(context.Context) error
}

// sqliteDSNOptions is appended to SQLite paths that carry no options.
const sqliteDSNOptions = "?_busy_timeout=5000&_journal_mode=WAL"

// openBackend opens the stores selected by cfg.
func openBackend(ctx context.Context, cfg *config.Config, logger jobq.Logger, join bool) (*backend, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		return openRedis(ctx, cfg, logger, join)
	case config.BackendPostgres:
		return openSQL(ctx, cfg, logger, sqlstore.DriverPostgres, cfg.Postgres.DSN)
	case config.BackendSQLite:
		dsn := cfg.SQLite.Path
		if !strings.Contains(dsn, "?") {
			dsn += sqliteDSNOptions
		}
		return openSQL(ctx, cfg, logger, sqlstore.DriverSQLite, dsn)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func openRedis(ctx context.Context, cfg *config.Config, logger jobq.Logger, join bool) (*backend, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Redis.Addr, err)
	}
	b := &backend{
		queues:  queue.NewManager(queue.NewRedisStore(rdb, queue.WithNamespace(cfg.Namespace)), queue.WithLogger(logger)),
		jobs:    job.NewRedisStore(rdb, job.WithNamespace(cfg.Namespace)),
		closers: []func(context.Context) error{func(context.Context) error { return rdb.Close() }},
	}
	if join {
		node, err := cluster.Join(ctx, cfg.Cluster, rdb,
			cluster.WithNodeID(cfg.NodeID),
			cluster.WithTTL(cfg.NodeTTL),
			cluster.WithLogger(logger))
		if err != nil {
			_ = b.close(ctx)
			return nil, err
		}
		b.cluster = node
		b.closers = append(b.closers, node.Leave)
	} else {
		b.cluster = cluster.Local(cfg.NodeID)
	}
	locks, err := rmap.Join(ctx, cfg.Cluster+":locks", rdb, rmap.WithLogger(logger))
	if err != nil {
		_ = b.close(ctx)
		return nil, fmt.Errorf("failed to join locks map: %w", err)
	}
	b.closers = append(b.closers, func(context.Context) error { locks.Close(); return nil })
	b.locker = lock.New(locks, b.cluster.CurrentNodeID(), lock.WithLogger(logger))
	return b, nil
}

func openSQL(ctx context.Context, cfg *config.Config, logger jobq.Logger, driver, dsn string) (*backend, error) {
	db, err := sqlstore.Open(ctx, driver, dsn, sqlstore.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &backend{
		queues:  queue.NewManager(db.Queues(), queue.WithLogger(logger)),
		jobs:    db.Jobs(),
		cluster: cluster.Local(cfg.NodeID),
		closers: []func(context.Context) error{func(context.Context) error { return db.Close() }},
	}, nil
}

// close releases the backend resources in reverse order of acquisition.
func (b *backend) close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
