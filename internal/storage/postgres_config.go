package storage

import (
	"time"
)

const defaultPostgresOperationTimeout = 5 * time.Second

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	EnsureSchema        bool
	Clock               func() time.Time
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:            dsn,
		MinConnections: -1,
		AcquireTimeout: defaultPostgresOperationTimeout,
		Clock:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultPostgresOperationTimeout
	}
	return cfg
}
