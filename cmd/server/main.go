// Command server starts the BitRiver VOD HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitriver-vod/internal/api"
	"bitriver-vod/internal/config"
	"bitriver-vod/internal/delivery"
	"bitriver-vod/internal/filestore"
	"bitriver-vod/internal/ingest"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/observability/metrics"
	"bitriver-vod/internal/server"
	"bitriver-vod/internal/serverutil"
	"bitriver-vod/internal/storage"
	"bitriver-vod/internal/transcode"
)

// flagValues mirrors the subset of config.Config that can be overridden on
// the command line. Zero values leave the environment setting in place.
type flagValues struct {
	addr            string
	dataPath        string
	storageDriver   string
	postgresDSN     string
	videoRoot       string
	segmentRoot     string
	ffmpegPath      string
	ladderPath      string
	workers         int
	queueSize       int
	jobTimeout      time.Duration
	maxUploadBytes  int64
	jobStore        string
	jobRedisAddr    string
	tlsCert         string
	tlsKey          string
	logLevel        string
	logFormat       string
	corsOrigins     string
	globalRPS       float64
	globalBurst     int
	uploadLimit     int
	uploadWindow    time.Duration
	rateRedisAddr   string
	trustForwarded  bool
	trustedProxies  string
	s3Bucket        string
	s3Endpoint      string
	shutdownTimeout time.Duration
}

func parseFlags(args []string) (flagValues, error) {
	var v flagValues
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&v.addr, "addr", "", "HTTP listen address")
	fs.StringVar(&v.dataPath, "data", "", "path to JSON datastore")
	fs.StringVar(&v.storageDriver, "storage-driver", "", "datastore driver (json, postgres or dynamodb)")
	fs.StringVar(&v.postgresDSN, "postgres-dsn", "", "Postgres connection string")
	fs.StringVar(&v.videoRoot, "video-root", "", "directory for uploaded originals")
	fs.StringVar(&v.segmentRoot, "segment-root", "", "directory for DASH output")
	fs.StringVar(&v.ffmpegPath, "ffmpeg", "", "path to the ffmpeg binary")
	fs.StringVar(&v.ladderPath, "ladder", "", "YAML file describing the bitrate ladder")
	fs.IntVar(&v.workers, "transcode-workers", 0, "concurrent transcode jobs")
	fs.IntVar(&v.queueSize, "transcode-queue", 0, "transcode jobs that may wait for a worker")
	fs.DurationVar(&v.jobTimeout, "transcode-timeout", 0, "maximum duration of one transcode job")
	fs.Int64Var(&v.maxUploadBytes, "max-upload-bytes", 0, "maximum size of one upload")
	fs.StringVar(&v.jobStore, "job-store", "", "job status store (memory or redis)")
	fs.StringVar(&v.jobRedisAddr, "job-redis-addr", "", "Redis address for job status")
	fs.StringVar(&v.tlsCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&v.tlsKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&v.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&v.logFormat, "log-format", "", "log format (json or text)")
	fs.StringVar(&v.corsOrigins, "cors-origins", "", "comma separated origins allowed to call the API")
	fs.Float64Var(&v.globalRPS, "rate-global-rps", 0, "global request rate limit in requests per second")
	fs.IntVar(&v.globalBurst, "rate-global-burst", 0, "global rate limit burst allowance")
	fs.IntVar(&v.uploadLimit, "rate-upload-limit", 0, "maximum uploads per window for a single IP")
	fs.DurationVar(&v.uploadWindow, "rate-upload-window", 0, "window for counting uploads")
	fs.StringVar(&v.rateRedisAddr, "rate-redis-addr", "", "Redis address for distributed upload throttling")
	fs.BoolVar(&v.trustForwarded, "rate-trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	fs.StringVar(&v.trustedProxies, "rate-trusted-proxies", "", "comma separated CIDR blocks or IPs of trusted proxies")
	fs.StringVar(&v.s3Bucket, "s3-bucket", "", "bucket that receives a copy of finished segments")
	fs.StringVar(&v.s3Endpoint, "s3-endpoint", "", "S3-compatible endpoint (e.g. http://127.0.0.1:9000)")
	fs.DurationVar(&v.shutdownTimeout, "shutdown-timeout", 0, "grace period for in-flight requests and jobs")
	if err := fs.Parse(args); err != nil {
		return flagValues{}, err
	}
	return v, nil
}

// applyFlags overlays command-line values on the environment configuration.
func applyFlags(cfg *config.Config, v flagValues) {
	cfg.HTTP.Addr = firstNonEmpty(v.addr, cfg.HTTP.Addr)
	cfg.HTTP.TLSCertFile = firstNonEmpty(v.tlsCert, cfg.HTTP.TLSCertFile)
	cfg.HTTP.TLSKeyFile = firstNonEmpty(v.tlsKey, cfg.HTTP.TLSKeyFile)
	cfg.HTTP.MaxUploadBytes = resolveInt64(v.maxUploadBytes, cfg.HTTP.MaxUploadBytes)
	cfg.HTTP.ShutdownTimeout = resolveDuration(v.shutdownTimeout, cfg.HTTP.ShutdownTimeout)
	if origins := splitAndTrim(v.corsOrigins); origins != nil {
		cfg.HTTP.CORSOrigins = origins
	}

	cfg.Storage.Driver = firstNonEmpty(v.storageDriver, cfg.Storage.Driver)
	cfg.Storage.JSONPath = firstNonEmpty(v.dataPath, cfg.Storage.JSONPath)
	cfg.Storage.PostgresDSN = firstNonEmpty(v.postgresDSN, cfg.Storage.PostgresDSN, os.Getenv("DATABASE_URL"))
	cfg.Media.VideoRoot = firstNonEmpty(v.videoRoot, cfg.Media.VideoRoot)
	cfg.Media.SegmentRoot = firstNonEmpty(v.segmentRoot, cfg.Media.SegmentRoot)
	cfg.Mirror.Bucket = firstNonEmpty(v.s3Bucket, cfg.Mirror.Bucket)
	cfg.Mirror.Endpoint = firstNonEmpty(v.s3Endpoint, cfg.Mirror.Endpoint)

	cfg.Transcode.FFmpegPath = firstNonEmpty(v.ffmpegPath, cfg.Transcode.FFmpegPath)
	cfg.Transcode.LadderPath = firstNonEmpty(v.ladderPath, cfg.Transcode.LadderPath)
	cfg.Transcode.Workers = resolveInt(v.workers, cfg.Transcode.Workers)
	cfg.Transcode.QueueSize = resolveInt(v.queueSize, cfg.Transcode.QueueSize)
	cfg.Transcode.JobTimeout = resolveDuration(v.jobTimeout, cfg.Transcode.JobTimeout)
	cfg.Jobs.Driver = firstNonEmpty(v.jobStore, cfg.Jobs.Driver)
	cfg.Jobs.RedisAddr = firstNonEmpty(v.jobRedisAddr, cfg.Jobs.RedisAddr)

	cfg.RateLimit.GlobalRPS = resolveFloat(v.globalRPS, cfg.RateLimit.GlobalRPS)
	cfg.RateLimit.GlobalBurst = resolveInt(v.globalBurst, cfg.RateLimit.GlobalBurst)
	cfg.RateLimit.UploadLimit = resolveInt(v.uploadLimit, cfg.RateLimit.UploadLimit)
	cfg.RateLimit.UploadWindow = resolveDuration(v.uploadWindow, cfg.RateLimit.UploadWindow)
	cfg.RateLimit.RedisAddr = firstNonEmpty(v.rateRedisAddr, cfg.RateLimit.RedisAddr)
	cfg.RateLimit.TrustForwarded = v.trustForwarded || cfg.RateLimit.TrustForwarded
	if proxies := splitAndTrim(v.trustedProxies); proxies != nil {
		cfg.RateLimit.TrustedProxies = proxies
	}

	cfg.Log.Level = firstNonEmpty(v.logLevel, cfg.Log.Level)
	cfg.Log.Format = firstNonEmpty(v.logFormat, cfg.Log.Format)
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyFlags(cfg, flags)

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, metrics.Default(), nil); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// run assembles the service from cfg and blocks until ctx is cancelled.
// Ready, when non-nil, receives the bound listen address.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, recorder *metrics.Recorder, ready chan<- net.Addr) error {
	store, err := storage.Open(ctx, cfg.StorageBackend(), storageOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	hooks := []serverutil.Hook{}
	closeStore := serverutil.Hook{Name: "datastore", Fn: store.Close}
	fail := func(err error) error {
		return errors.Join(err, closeStore.Fn(context.Background()))
	}

	files, err := filestore.New(filestore.Config{
		VideoRoot:      cfg.Media.VideoRoot,
		SegmentRoot:    cfg.Media.SegmentRoot,
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		Logger:         logging.WithComponent(logger, "filestore"),
	})
	if err != nil {
		return fail(fmt.Errorf("prepare media roots: %w", err))
	}
	mirror, err := filestore.NewS3Mirror(ctx, filestore.S3Config{
		Bucket:       cfg.Mirror.Bucket,
		Prefix:       cfg.Mirror.Prefix,
		Region:       cfg.Mirror.Region,
		Endpoint:     cfg.Mirror.Endpoint,
		AccessKey:    cfg.Storage.AWSAccessKeyID,
		SecretKey:    cfg.Storage.AWSSecretAccessKey,
		UsePathStyle: cfg.Mirror.PathStyle,
		Concurrency:  cfg.Mirror.Concurrency,
	}, logging.WithComponent(logger, "mirror"))
	if err != nil {
		return fail(fmt.Errorf("configure segment mirror: %w", err))
	}

	ladder, err := cfg.Ladder()
	if err != nil {
		return fail(err)
	}
	transcodeLogger := logging.WithComponent(logger, "transcode")
	orchestrator, err := transcode.NewOrchestrator(ladder, &transcode.Runner{
		Binary:    cfg.Transcode.FFmpegPath,
		Logger:    transcodeLogger,
		KillGrace: cfg.Transcode.KillGrace,
	}, transcode.PlanOptions{
		SegmentDuration: cfg.Transcode.SegmentDuration,
		Preset:          cfg.Transcode.Preset,
	}, transcodeLogger)
	if err != nil {
		return fail(fmt.Errorf("configure transcoder: %w", err))
	}

	jobs, closeJobs, err := openJobStore(cfg.Jobs)
	if err != nil {
		return fail(fmt.Errorf("open job store: %w", err))
	}

	ingestLogger := logging.WithComponent(logger, "ingest")
	processor := ingest.NewProcessor(ingest.ProcessorConfig{
		Workers:   cfg.Transcode.Workers,
		QueueSize: cfg.Transcode.QueueSize,
		Timeout:   cfg.Transcode.JobTimeout,
		Jobs:      jobs,
		Profile:   strings.Join(ladder.Names(), ","),
		Logger:    ingestLogger,
		Metrics:   recorder,
	})
	coordinator, err := ingest.NewCoordinator(ingest.CoordinatorConfig{
		Store:      store,
		Files:      files,
		Mirror:     mirror,
		Transcoder: orchestrator,
		Processor:  processor,
		Logger:     ingestLogger,
		Metrics:    recorder,
	})
	if err != nil {
		return fail(errors.Join(err, closeJobs.Fn(context.Background())))
	}

	hooks = append(hooks, serverutil.Hook{Name: "transcode queue", Fn: processor.Shutdown}, closeJobs, closeStore)

	processor.Start()
	if recovered, err := coordinator.Recover(ctx); err != nil {
		logger.Warn("recovery of pending uploads incomplete", "recovered", recovered, "error", err)
	}

	handler := api.NewHandler(store, coordinator, &delivery.ArtifactServer{
		Store:  store,
		Files:  files,
		Logger: logging.WithComponent(logger, "delivery"),
	})
	handler.Jobs = jobs
	handler.Logger = logging.WithComponent(logger, "api")
	handler.MaxUploadBytes = cfg.HTTP.MaxUploadBytes
	handler.SpoolDir = cfg.HTTP.SpoolDir

	srv, err := server.New(handler, server.Config{
		Addr: cfg.HTTP.Addr,
		TLS:  server.TLSConfig{CertFile: cfg.HTTP.TLSCertFile, KeyFile: cfg.HTTP.TLSKeyFile},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:             cfg.RateLimit.GlobalRPS,
			GlobalBurst:           cfg.RateLimit.GlobalBurst,
			UploadLimit:           cfg.RateLimit.UploadLimit,
			UploadWindow:          cfg.RateLimit.UploadWindow,
			RedisAddr:             cfg.RateLimit.RedisAddr,
			RedisPassword:         cfg.RateLimit.RedisPassword,
			RedisTimeout:          cfg.RateLimit.RedisTimeout,
			TrustForwardedHeaders: cfg.RateLimit.TrustForwarded,
			TrustedProxies:        cfg.RateLimit.TrustedProxies,
		},
		CORS:     server.CORSConfig{AllowedOrigins: cfg.HTTP.CORSOrigins},
		Security: server.SecurityConfig{HSTSMaxAge: cfg.HTTP.HSTSMaxAge},
		Logger:   logger,
		Metrics:  recorder,
	})
	if err != nil {
		return errors.Join(fmt.Errorf("configure http server: %w", err), shutdownAll(hooks, cfg.HTTP.ShutdownTimeout))
	}

	// serverutil drains the http.Server directly, so the limiter's Redis
	// client is released as the first hook.
	hooks = append([]serverutil.Hook{{Name: "rate limiter", Fn: srv.CloseLimiter}}, hooks...)

	return serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: cfg.HTTP.TLSCertFile, KeyFile: cfg.HTTP.TLSKeyFile},
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		Ready:           ready,
		Hooks:           hooks,
		Logger:          logger,
	})
}

func storageOptions(cfg *config.Config) []storage.Option {
	opts := []storage.Option{storage.WithOperationTimeout(cfg.Storage.OperationTimeout)}
	if cfg.Storage.PostgresMaxConns > 0 || cfg.Storage.PostgresMinConns > 0 {
		opts = append(opts, storage.WithPostgresPoolLimits(cfg.Storage.PostgresMaxConns, cfg.Storage.PostgresMinConns))
	}
	if cfg.Storage.PostgresAcquire > 0 {
		opts = append(opts, storage.WithPostgresAcquireTimeout(cfg.Storage.PostgresAcquire))
	}
	if name := strings.TrimSpace(cfg.Storage.PostgresAppName); name != "" {
		opts = append(opts, storage.WithPostgresApplicationName(name))
	}
	return opts
}

func openJobStore(cfg config.JobsConfig) (ingest.JobStore, serverutil.Hook, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", config.JobStoreMemory:
		return ingest.NewMemoryJobStore(), serverutil.Hook{Name: "job store"}, nil
	case config.JobStoreRedis:
		store, err := ingest.NewRedisJobStore(ingest.RedisJobStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   cfg.RedisPrefix,
			TTL:      cfg.RedisTTL,
		})
		if err != nil {
			return nil, serverutil.Hook{}, err
		}
		return store, serverutil.Hook{Name: "job store", Fn: func(context.Context) error { return store.Close() }}, nil
	default:
		return nil, serverutil.Hook{}, fmt.Errorf("unsupported job store %q", cfg.Driver)
	}
}

func shutdownAll(hooks []serverutil.Hook, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = serverutil.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var errs []error
	for _, hook := range hooks {
		if hook.Fn == nil {
			continue
		}
		if err := hook.Fn(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
		}
	}
	return errors.Join(errs...)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue, configured float64) float64 {
	if flagValue > 0 {
		return flagValue
	}
	return configured
}

func resolveInt(flagValue, configured int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configured
}

func resolveInt64(flagValue, configured int64) int64 {
	if flagValue > 0 {
		return flagValue
	}
	return configured
}

func resolveDuration(flagValue, configured time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	return configured
}
