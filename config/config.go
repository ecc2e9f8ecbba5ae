// Package config loads the configuration of the jobq command from a YAML file
// overlaid by JOBQ_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type (
	// Config is the jobq node configuration.
	Config struct {
		// Backend selects the stores: "redis", "postgres" or "sqlite".
		Backend string `yaml:"backend"`
		// NodeID is the ID of the node, generated when empty.
		NodeID string `yaml:"node_id"`
		// Cluster is the name of the cluster joined by Redis nodes.
		Cluster string `yaml:"cluster"`
		// Namespace prefixes the Redis keys of the stores.
		Namespace string `yaml:"namespace"`
		// NodeTTL is the time after which a silent node is considered
		// lost.
		NodeTTL time.Duration `yaml:"node_ttl"`
		// LogFormat is "terminal", "text" or "json".
		LogFormat string `yaml:"log_format"`
		// Debug enables debug logs.
		Debug bool `yaml:"debug"`

		Redis      RedisConfig      `yaml:"redis"`
		Postgres   PostgresConfig   `yaml:"postgres"`
		SQLite     SQLiteConfig     `yaml:"sqlite"`
		Dispatcher DispatcherConfig `yaml:"dispatcher"`
	}

	// RedisConfig configures the Redis client.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// PostgresConfig configures the PostgreSQL stores.
	PostgresConfig struct {
		DSN string `yaml:"dsn"`
	}

	// SQLiteConfig configures the SQLite stores.
	SQLiteConfig struct {
		Path string `yaml:"path"`
	}

	// DispatcherConfig configures the job dispatcher.
	DispatcherConfig struct {
		Workers           int           `yaml:"workers"`
		BatchSize         int           `yaml:"batch_size"`
		PollInterval      time.Duration `yaml:"poll_interval"`
		ClaimTimeout      time.Duration `yaml:"claim_timeout"`
		RecoverySchedule  string        `yaml:"recovery_schedule"`
		SkipLiveOwners    bool          `yaml:"skip_live_owners"`
		Retention         time.Duration `yaml:"retention"`
		RetentionInterval time.Duration `yaml:"retention_interval"`
	}
)

const (
	// BackendRedis stores queues and jobs in Redis and coordinates nodes
	// through Redis.
	BackendRedis = "redis"
	// BackendPostgres stores queues and jobs in PostgreSQL.
	BackendPostgres = "postgres"
	// BackendSQLite stores queues and jobs in a SQLite file, single process
	// only.
	BackendSQLite = "sqlite"
)

// envPrefix prefixes all the environment variables read by Load.
const envPrefix = "JOBQ_"

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Backend:   BackendRedis,
		Cluster:   "jobq",
		Namespace: "jobq",
		NodeTTL:   10 * time.Second,
		LogFormat: "terminal",
		Redis:     RedisConfig{Addr: "localhost:6379"},
		SQLite:    SQLiteConfig{Path: "jobq.db"},
		Dispatcher: DispatcherConfig{
			Workers:           4,
			BatchSize:         10,
			PollInterval:      time.Second,
			ClaimTimeout:      5 * time.Minute,
			RecoverySchedule:  "@every 30s",
			RetentionInterval: time.Minute,
		},
	}
}

// Load returns the default configuration overridden by the YAML file at path
// if not empty, then by the environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("jobq config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("jobq config: parse %s: %w", path, err)
		}
	}
	if err := cfg.overlayEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns all the configuration errors joined.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required with the redis backend"))
		}
		if c.Cluster == "" {
			errs = append(errs, errors.New("cluster is required with the redis backend"))
		}
		if c.NodeTTL <= 0 {
			errs = append(errs, errors.New("node_ttl must be positive"))
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required with the postgres backend"))
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			errs = append(errs, errors.New("sqlite.path is required with the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q, must be one of redis, postgres or sqlite", c.Backend))
	}
	switch c.LogFormat {
	case "terminal", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q, must be one of terminal, text or json", c.LogFormat))
	}
	d := c.Dispatcher
	if d.Workers <= 0 {
		errs = append(errs, errors.New("dispatcher.workers must be positive"))
	}
	if d.BatchSize <= 0 {
		errs = append(errs, errors.New("dispatcher.batch_size must be positive"))
	}
	if d.PollInterval <= 0 {
		errs = append(errs, errors.New("dispatcher.poll_interval must be positive"))
	}
	if d.ClaimTimeout <= 0 {
		errs = append(errs, errors.New("dispatcher.claim_timeout must be positive"))
	}
	if _, err := cron.ParseStandard(d.RecoverySchedule); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher.recovery_schedule: %w", err))
	}
	if d.Retention < 0 {
		errs = append(errs, errors.New("dispatcher.retention cannot be negative"))
	}
	if d.Retention > 0 && d.RetentionInterval <= 0 {
		errs = append(errs, errors.New("dispatcher.retention_interval must be positive"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("jobq config: invalid configuration: %w", errors.Join(errs...))
}

// overlayEnv overrides the fields whose environment variable is set. lookup
// has the signature of os.LookupEnv.
func (c *Config) overlayEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}
	e.string("BACKEND", &c.Backend)
	e.string("NODE_ID", &c.NodeID)
	e.string("CLUSTER", &c.Cluster)
	e.string("NAMESPACE", &c.Namespace)
	e.duration("NODE_TTL", &c.NodeTTL)
	e.string("LOG_FORMAT", &c.LogFormat)
	e.bool("DEBUG", &c.Debug)
	e.string("REDIS_ADDR", &c.Redis.Addr)
	e.string("REDIS_PASSWORD", &c.Redis.Password)
	e.int("REDIS_DB", &c.Redis.DB)
	e.string("POSTGRES_DSN", &c.Postgres.DSN)
	e.string("SQLITE_PATH", &c.SQLite.Path)
	e.int("WORKERS", &c.Dispatcher.Workers)
	e.int("BATCH_SIZE", &c.Dispatcher.BatchSize)
	e.duration("POLL_INTERVAL", &c.Dispatcher.PollInterval)
	e.duration("CLAIM_TIMEOUT", &c.Dispatcher.ClaimTimeout)
	e.string("RECOVERY_SCHEDULE", &c.Dispatcher.RecoverySchedule)
	e.bool("SKIP_LIVE_OWNERS", &c.Dispatcher.SkipLiveOwners)
	e.duration("RETENTION", &c.Dispatcher.Retention)
	e.duration("RETENTION_INTERVAL", &c.Dispatcher.RetentionInterval)
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("jobq config: invalid environment: %w", errors.Join(e.errs...))
}

// envReader reads typed environment variables and accumulates parse errors.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, string, bool) {
	name := envPrefix + key
	v, ok := e.lookup(name)
	return name, strings.TrimSpace(v), ok
}

func (e *envReader) string(key string, dst *string) {
	if _, v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	name, v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = n
}

func (e *envReader) bool(key string, dst *bool) {
	name, v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	name, v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = d
}
