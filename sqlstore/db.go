package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	// Database drivers
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"goa.design/jobq/jobq"
)

type (
	// DB gives access to the queue and job stores kept in a SQL database.
	DB struct {
		db      *sql.DB
		dialect *dialect
		logger  jobq.Logger
	}

	// Option is a DB creation option.
	Option func(*options)

	options struct {
		logger jobq.Logger
	}

	// dialect captures the differences between the supported databases.
	dialect struct {
		name       string
		numbered   bool // use $1, $2... placeholders
		serialPK   string
		blobType   string
		maxOpenCon int
	}
)

const (
	// DriverPostgres is the name of the PostgreSQL driver.
	DriverPostgres = "postgres"
	// DriverSQLite is the name of the SQLite driver.
	DriverSQLite = "sqlite3"
)

var dialects = map[string]*dialect{
	DriverPostgres: {
		name:     DriverPostgres,
		numbered: true,
		serialPK: "BIGSERIAL PRIMARY KEY",
		blobType: "BYTEA",
	},
	DriverSQLite: {
		name:     DriverSQLite,
		serialPK: "INTEGER PRIMARY KEY AUTOINCREMENT",
		blobType: "BLOB",
		// SQLite allows a single writer, serializing in the pool avoids
		// SQLITE_BUSY errors.
		maxOpenCon: 1,
	},
}

// WithLogger sets the logger.
func WithLogger(logger jobq.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Open opens the database with the given driver (DriverPostgres or
// DriverSQLite) and data source name.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*DB, error) {
	if _, ok := dialects[driver]; !ok {
		return nil, fmt.Errorf("jobq sql: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("jobq sql: failed to open %s database: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("jobq sql: failed to connect to %s database: %w", driver, err)
	}
	return New(db, driver, opts...)
}

// New wraps an existing connection pool.
func New(db *sql.DB, driver string, opts ...Option) (*DB, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("jobq sql: unsupported driver %q", driver)
	}
	o := &options{logger: jobq.NoopLogger()}
	for _, opt := range opts {
		opt(o)
	}
	if d.maxOpenCon > 0 {
		db.SetMaxOpenConns(d.maxOpenCon)
	}
	return &DB{db: db, dialect: d, logger: o.logger.WithPrefix("store", driver)}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range d.dialect.schema() {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("jobq sql: migration failed: %w", err)
		}
	}
	d.logger.Info("migrated")
	return nil
}

// Queues returns the queue store.
func (d *DB) Queues() *QueueStore {
	return &QueueStore{db: d.db, d: d.dialect}
}

// Jobs returns the job store.
func (d *DB) Jobs() *JobStore {
	return &JobStore{db: d.db, d: d.dialect}
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// rebind rewrites the '?' placeholders of q for the dialect.
func (d *dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(q) + 8)
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// schema returns the DDL statements for the dialect.
func (d *dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS jobq_queues (
			id ` + d.serialPK + `,
			queue_type TEXT NOT NULL,
			resource_id BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE (queue_type, resource_id)
		)`,
		`CREATE TABLE IF NOT EXISTS jobq_queue_items (
			id ` + d.serialPK + `,
			queue_id BIGINT NOT NULL,
			content_type TEXT NOT NULL,
			content_id BIGINT NOT NULL,
			priority INTEGER NOT NULL,
			enqueued_at BIGINT NOT NULL,
			claim_owner TEXT,
			claimed_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS jobq_queue_items_queue ON jobq_queue_items (queue_id, id)`,
		`CREATE INDEX IF NOT EXISTS jobq_queue_items_owner ON jobq_queue_items (claim_owner)`,
		`CREATE TABLE IF NOT EXISTS jobq_jobs (
			id ` + d.serialPK + `,
			job_type TEXT NOT NULL,
			instance_type TEXT NOT NULL,
			instance_id BIGINT NOT NULL,
			command TEXT NOT NULL,
			params ` + d.blobType + `,
			status TEXT NOT NULL,
			result ` + d.blobType + `,
			error TEXT NOT NULL DEFAULT '',
			owner_node TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			completed_at BIGINT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS jobq_jobs_key ON jobq_jobs (idempotency_key)`,
		`CREATE INDEX IF NOT EXISTS jobq_jobs_completed ON jobq_jobs (completed_at)`,
	}
}

// fromMicros converts a nullable unix microseconds column.
func fromMicros(n sql.NullInt64) time.Time {
	if !n.Valid || n.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMicro(n.Int64)
}
