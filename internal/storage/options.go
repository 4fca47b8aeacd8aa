package storage

import (
	"strings"
	"time"
)

// Option configures a repository. Each option knows how to apply itself to
// every backend it is meaningful for and is ignored by the rest.
type Option interface {
	applyJSON(*JSONRepository)
	applyPostgres(*PostgresConfig)
	applyDynamo(*DynamoConfig)
}

type optionAdapter struct {
	json   func(*JSONRepository)
	pg     func(*PostgresConfig)
	dynamo func(*DynamoConfig)
}

func (o optionAdapter) applyJSON(store *JSONRepository) {
	if o.json != nil && store != nil {
		o.json(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func (o optionAdapter) applyDynamo(cfg *DynamoConfig) {
	if o.dynamo != nil && cfg != nil {
		o.dynamo(cfg)
	}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithClock overrides the time source used to stamp records.
func WithClock(now func() time.Time) Option {
	if now == nil {
		return optionAdapter{}
	}
	return optionAdapter{
		json:   func(s *JSONRepository) { s.now = now },
		pg:     func(cfg *PostgresConfig) { cfg.Clock = now },
		dynamo: func(cfg *DynamoConfig) { cfg.Clock = now },
	}
}

// WithOperationTimeout bounds each individual store call.
func WithOperationTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		return optionAdapter{}
	}
	return optionAdapter{
		pg:     func(cfg *PostgresConfig) { cfg.AcquireTimeout = timeout },
		dynamo: func(cfg *DynamoConfig) { cfg.RequestTimeout = timeout },
	}
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresAcquireTimeout configures how long the repository waits to obtain
// a connection from the pool. The same deadline covers the statement run on
// that connection.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}

// WithPostgresSchemaSetup makes NewPostgresRepository create the videos table
// when it does not exist.
func WithPostgresSchemaSetup(enabled bool) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		cfg.EnsureSchema = enabled
	})
}
