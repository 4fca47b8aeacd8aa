package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bitriver-vod/internal/models"
	redis "github.com/redis/go-redis/v9"
)

const (
	DefaultRedisJobPrefix = "bitriver:vod:job:"
	DefaultRedisJobTTL    = 24 * time.Hour
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

type RedisJobStoreConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	Prefix       string
	TTL          time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// RedisJobStore stores each job as a JSON string under prefix+id with a TTL.
type RedisJobStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisJobStore connects to a standalone, sentinel or cluster deployment
// depending on the addresses supplied.
func NewRedisJobStore(cfg RedisJobStoreConfig) (*RedisJobStore, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	return NewRedisJobStoreWithClient(client, cfg.Prefix, cfg.TTL), nil
}

func NewRedisJobStoreWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisJobStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultRedisJobPrefix
	}
	if ttl <= 0 {
		ttl = DefaultRedisJobTTL
	}
	return &RedisJobStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisJobStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisJobStore) Put(ctx context.Context, job models.TranscodeJob) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := s.client.Set(ctx, s.key(job.ID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (models.TranscodeJob, error) {
	payload, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.TranscodeJob{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return models.TranscodeJob{}, fmt.Errorf("load job %s: %w", id, err)
	}
	var job models.TranscodeJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return models.TranscodeJob{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

// List scans the key space under the prefix. Keys that expire between the
// scan and the read are skipped.
func (s *RedisJobStore) List(ctx context.Context) ([]models.TranscodeJob, error) {
	var jobs []models.TranscodeJob
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), s.prefix)
		job, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}
	sortJobs(jobs)
	return jobs, nil
}

func (s *RedisJobStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisJobStore) Close() error {
	return s.client.Close()
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
