// Package config loads the service configuration from BITRIVER_VOD_*
// environment variables. Command-line flags in cmd/server override it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"bitriver-vod/internal/storage"
	"bitriver-vod/internal/transcode"
)

// Prefix is prepended to every variable name, e.g. BITRIVER_VOD_HTTP_ADDR.
const Prefix = "BITRIVER_VOD"

const (
	JobStoreMemory = "memory"
	JobStoreRedis  = "redis"
)

type Config struct {
	HTTP      HTTPConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	Media     MediaConfig
	Mirror    MirrorConfig
	Transcode TranscodeConfig
	Jobs      JobsConfig
	Log       LogConfig
}

type HTTPConfig struct {
	Addr            string        `envconfig:"HTTP_ADDR" default:":8080"`
	TLSCertFile     string        `envconfig:"TLS_CERT"`
	TLSKeyFile      string        `envconfig:"TLS_KEY"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	MaxUploadBytes  int64         `envconfig:"MAX_UPLOAD_BYTES" default:"4294967296"`
	SpoolDir        string        `envconfig:"SPOOL_DIR"`
	CORSOrigins     []string      `envconfig:"CORS_ORIGINS" default:"*"`
	HSTSMaxAge      string        `envconfig:"HSTS_MAX_AGE"`
}

type RateLimitConfig struct {
	GlobalRPS      float64       `envconfig:"GLOBAL_RPS" default:"0"`
	GlobalBurst    int           `envconfig:"GLOBAL_BURST" default:"0"`
	UploadLimit    int           `envconfig:"UPLOAD_LIMIT" default:"10"`
	UploadWindow   time.Duration `envconfig:"UPLOAD_WINDOW" default:"1m"`
	RedisAddr      string        `envconfig:"RATE_LIMIT_REDIS_ADDR"`
	RedisPassword  string        `envconfig:"RATE_LIMIT_REDIS_PASSWORD"`
	RedisTimeout   time.Duration `envconfig:"RATE_LIMIT_REDIS_TIMEOUT" default:"2s"`
	TrustForwarded bool          `envconfig:"TRUST_FORWARDED_HEADERS" default:"false"`
	TrustedProxies []string      `envconfig:"TRUSTED_PROXIES"`
}

type StorageConfig struct {
	Driver             string        `envconfig:"STORAGE_DRIVER" default:"json"`
	JSONPath           string        `envconfig:"DATA" default:"data/store.json"`
	PostgresDSN        string        `envconfig:"POSTGRES_DSN"`
	PostgresMaxConns   int32         `envconfig:"POSTGRES_MAX_CONNS" default:"0"`
	PostgresMinConns   int32         `envconfig:"POSTGRES_MIN_CONNS" default:"0"`
	PostgresAcquire    time.Duration `envconfig:"POSTGRES_ACQUIRE_TIMEOUT" default:"0"`
	PostgresAppName    string        `envconfig:"POSTGRES_APP_NAME" default:"bitriver-vod"`
	DynamoTable        string        `envconfig:"DYNAMODB_TABLE"`
	DynamoRegion       string        `envconfig:"DYNAMODB_REGION"`
	DynamoEndpoint     string        `envconfig:"DYNAMODB_ENDPOINT"`
	DynamoCreateTable  bool          `envconfig:"DYNAMODB_CREATE_TABLE" default:"false"`
	OperationTimeout   time.Duration `envconfig:"STORAGE_TIMEOUT" default:"5s"`
	AWSAccessKeyID     string        `envconfig:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string        `envconfig:"AWS_SECRET_ACCESS_KEY"`
}

type MediaConfig struct {
	VideoRoot   string `envconfig:"VIDEO_ROOT" default:"uploads/videos"`
	SegmentRoot string `envconfig:"SEGMENT_ROOT" default:"uploads/segments"`
}

// MirrorConfig enables copying finished segments to an S3 bucket. An empty
// bucket disables the mirror.
type MirrorConfig struct {
	Bucket      string `envconfig:"S3_BUCKET"`
	Prefix      string `envconfig:"S3_PREFIX" default:"segments"`
	Region      string `envconfig:"S3_REGION"`
	Endpoint    string `envconfig:"S3_ENDPOINT"`
	PathStyle   bool   `envconfig:"S3_PATH_STYLE" default:"false"`
	Concurrency int    `envconfig:"S3_CONCURRENCY" default:"4"`
}

type TranscodeConfig struct {
	FFmpegPath      string        `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	LadderPath      string        `envconfig:"LADDER_FILE"`
	Preset          string        `envconfig:"FFMPEG_PRESET" default:"veryfast"`
	SegmentDuration time.Duration `envconfig:"SEGMENT_DURATION" default:"4s"`
	Workers         int           `envconfig:"TRANSCODE_WORKERS" default:"2"`
	QueueSize       int           `envconfig:"TRANSCODE_QUEUE" default:"32"`
	JobTimeout      time.Duration `envconfig:"TRANSCODE_TIMEOUT" default:"2h"`
	KillGrace       time.Duration `envconfig:"TRANSCODE_KILL_GRACE" default:"10s"`
}

type JobsConfig struct {
	Driver        string        `envconfig:"JOB_STORE" default:"memory"`
	RedisAddr     string        `envconfig:"JOB_REDIS_ADDR"`
	RedisPassword string        `envconfig:"JOB_REDIS_PASSWORD"`
	RedisPrefix   string        `envconfig:"JOB_REDIS_PREFIX"`
	RedisTTL      time.Duration `envconfig:"JOB_REDIS_TTL" default:"24h"`
}

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load reads every section from the environment.
func Load() (*Config, error) {
	var cfg Config
	sections := []struct {
		name   string
		target any
	}{
		{"http", &cfg.HTTP},
		{"rate limit", &cfg.RateLimit},
		{"storage", &cfg.Storage},
		{"media", &cfg.Media},
		{"mirror", &cfg.Mirror},
		{"transcode", &cfg.Transcode},
		{"jobs", &cfg.Jobs},
		{"log", &cfg.Log},
	}
	for _, section := range sections {
		if err := envconfig.Process(Prefix, section.target); err != nil {
			return nil, fmt.Errorf("failed to load %s config: %w", section.name, err)
		}
	}
	return &cfg, nil
}

// Validate reports the first setting that would stop the service from
// starting.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Storage.Driver) {
	case storage.DriverJSON:
		if strings.TrimSpace(c.Storage.JSONPath) == "" {
			return fmt.Errorf("%s_DATA is required for the json driver", Prefix)
		}
	case storage.DriverPostgres, "postgresql":
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			return fmt.Errorf("%s_POSTGRES_DSN is required for the postgres driver", Prefix)
		}
	case storage.DriverDynamo, "dynamo":
		if strings.TrimSpace(c.Storage.DynamoTable) == "" {
			return fmt.Errorf("%s_DYNAMODB_TABLE is required for the dynamodb driver", Prefix)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}

	switch strings.ToLower(c.Jobs.Driver) {
	case JobStoreMemory:
	case JobStoreRedis:
		if strings.TrimSpace(c.Jobs.RedisAddr) == "" {
			return fmt.Errorf("%s_JOB_REDIS_ADDR is required for the redis job store", Prefix)
		}
	default:
		return fmt.Errorf("unsupported job store %q", c.Jobs.Driver)
	}

	if strings.TrimSpace(c.Media.VideoRoot) == "" || strings.TrimSpace(c.Media.SegmentRoot) == "" {
		return fmt.Errorf("%s_VIDEO_ROOT and %s_SEGMENT_ROOT are required", Prefix, Prefix)
	}
	if c.Transcode.Workers <= 0 {
		return fmt.Errorf("%s_TRANSCODE_WORKERS must be positive", Prefix)
	}
	if c.Transcode.QueueSize <= 0 {
		return fmt.Errorf("%s_TRANSCODE_QUEUE must be positive", Prefix)
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		return fmt.Errorf("%s_MAX_UPLOAD_BYTES must be positive", Prefix)
	}
	if c.RateLimit.UploadLimit < 0 {
		return fmt.Errorf("%s_UPLOAD_LIMIT must not be negative", Prefix)
	}
	if c.RateLimit.GlobalRPS < 0 {
		return fmt.Errorf("%s_GLOBAL_RPS must not be negative", Prefix)
	}
	if (c.HTTP.TLSCertFile == "") != (c.HTTP.TLSKeyFile == "") {
		return fmt.Errorf("%s_TLS_CERT and %s_TLS_KEY must be set together", Prefix, Prefix)
	}
	return nil
}

// StorageBackend translates the storage section for storage.Open.
func (c *Config) StorageBackend() storage.Backend {
	return storage.Backend{
		Driver:      strings.ToLower(c.Storage.Driver),
		JSONPath:    c.Storage.JSONPath,
		PostgresDSN: c.Storage.PostgresDSN,
		Dynamo: storage.DynamoConfig{
			Table:          c.Storage.DynamoTable,
			Region:         c.Storage.DynamoRegion,
			Endpoint:       c.Storage.DynamoEndpoint,
			AccessKey:      c.Storage.AWSAccessKeyID,
			SecretKey:      c.Storage.AWSSecretAccessKey,
			CreateTable:    c.Storage.DynamoCreateTable,
			RequestTimeout: c.Storage.OperationTimeout,
		},
	}
}

// Ladder loads the rung file when one is configured, otherwise the default
// ladder.
func (c *Config) Ladder() (transcode.Ladder, error) {
	path := strings.TrimSpace(c.Transcode.LadderPath)
	if path == "" {
		return transcode.DefaultLadder(), nil
	}
	ladder, err := transcode.LoadLadder(path)
	if err != nil {
		return nil, fmt.Errorf("load ladder %s: %w", path, err)
	}
	return ladder, nil
}
