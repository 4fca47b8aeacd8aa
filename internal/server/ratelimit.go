package server

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	// GlobalRPS and GlobalBurst bound every request the server accepts.
	GlobalRPS   float64
	GlobalBurst int
	// UploadLimit uploads per UploadWindow are allowed for each client IP.
	UploadLimit   int
	UploadWindow  time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
	RedisPrefix   string
	// TrustForwardedHeaders honours X-Forwarded-For and X-Real-IP from any
	// peer. TrustedProxies limits that to peers inside the listed CIDRs.
	TrustForwardedHeaders bool
	TrustedProxies        []string
}

type rateLimiter struct {
	global        *rate.Limiter
	uploadLimit   int
	uploadWindow  time.Duration
	uploadMu      sync.Mutex
	uploadBuckets map[string]*ipLimiter
	store         windowStore
	now           func() time.Time
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// windowStore counts attempts in a shared fixed window so several replicas
// enforce one limit.
type windowStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		uploadLimit:   cfg.UploadLimit,
		uploadWindow:  cfg.UploadWindow,
		uploadBuckets: make(map[string]*ipLimiter),
		now:           time.Now,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(math.Ceil(cfg.GlobalRPS))
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.uploadLimit < 0 {
		rl.uploadLimit = 0
	}
	if rl.uploadWindow <= 0 {
		rl.uploadWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.uploadLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(redisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Timeout:  timeout,
			Prefix:   cfg.RedisPrefix,
		})
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowUpload applies the per-client upload limit. retryAfter is a hint for
// the Retry-After header when the upload is refused.
func (r *rateLimiter) AllowUpload(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.uploadLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, "upload:"+key, r.uploadLimit, r.uploadWindow)
	}

	now := r.now()
	r.uploadMu.Lock()
	bucket, exists := r.uploadBuckets[key]
	if !exists {
		every := r.uploadWindow / time.Duration(r.uploadLimit)
		bucket = &ipLimiter{limiter: rate.NewLimiter(rate.Every(every), r.uploadLimit)}
		r.uploadBuckets[key] = bucket
	}
	bucket.lastSeen = now
	r.cleanupLocked(now)
	r.uploadMu.Unlock()

	reservation := bucket.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, r.uploadWindow, nil
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

func (r *rateLimiter) cleanupLocked(now time.Time) {
	if len(r.uploadBuckets) == 0 {
		return
	}
	cutoff := now.Add(-2 * r.uploadWindow)
	for key, bucket := range r.uploadBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.uploadBuckets, key)
		}
	}
}

// Ping reports the health of the shared store. The in-process limiter has
// nothing to check.
func (r *rateLimiter) Ping(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Ping(ctx)
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

func isUploadRequest(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	switch r.URL.Path {
	case "/videos", "/videos/", "/api/videos", "/api/videos/":
		return true
	default:
		return false
	}
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int64(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return fmt.Sprintf("%d", seconds)
}
