package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultRedisRatePrefix = "bitriver:vod:ratelimit:"

type redisStoreConfig struct {
	Addr     string
	Password string
	Timeout  time.Duration
	Prefix   string
}

// redisStore implements a fixed window counter: INCR the key, start its
// expiry on the first hit, and report the remaining TTL once over the limit.
type redisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

func newRedisStore(cfg redisStoreConfig) *redisStore {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{strings.TrimSpace(cfg.Addr)},
		Password:     cfg.Password,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		MaxRetries:   1,
	})
	return newRedisStoreWithClient(client, cfg.Prefix, cfg.Timeout)
}

func newRedisStoreWithClient(client redis.UniversalClient, prefix string, timeout time.Duration) *redisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisRatePrefix
	}
	return &redisStore{client: client, prefix: prefix, timeout: timeout}
}

func (s *redisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	key = s.prefix + key

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit incr: %w", err)
	}
	if window < time.Second {
		window = time.Second
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit ttl: %w", err)
	}
	if ttl < 0 {
		// A counter without expiry would throttle forever; restart the window.
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("rate limit expire: %w", err)
		}
		return false, window, nil
	}
	return false, ttl, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
