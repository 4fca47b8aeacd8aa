package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"bitriver-vod/internal/api"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/observability/metrics"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// WriteTimeout stays unset by default; range responses and synchronous
	// uploads can legitimately run for minutes.
	WriteTimeout time.Duration
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "http")

	cors, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}

	resolver, err := newClientIPResolver(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	rl := newRateLimiter(cfg.RateLimit)
	if handler.RateLimiter == nil && rl.store != nil {
		handler.RateLimiter = rl
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/videos", handler.ServeVideos)
	mux.HandleFunc("/videos/", handler.ServeVideos)
	mux.HandleFunc("/api/videos", handler.ServeVideos)
	mux.HandleFunc("/api/videos/", handler.ServeVideos)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusNotFound, fmt.Errorf("unknown path %s", r.URL.Path))
	})

	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, resolver, logger, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = corsMiddleware(cors, resolver, logger, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			ip, source := resolveClientIP(r, resolver)
			return []any{"remote_ip", ip, "ip_source", source}
		},
		DisableRemoteAddr: true,
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		metrics:     recorder,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Handler exposes the assembled middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer returns the underlying server for callers that manage the
// listener themselves.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// CloseLimiter releases the shared rate limit store, if any.
func (s *Server) CloseLimiter(context.Context) error {
	return s.rateLimiter.Close()
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}

	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}

	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ServeTLS(ln, s.tlsCertFile, s.tlsKeyFile)
	}
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	if closeErr := s.rateLimiter.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("close rate limiter: %w", closeErr))
	}
	return err
}

func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if isUploadRequest(r) {
			ip, _ := resolveClientIP(r, resolver)
			allowed, retryAfter, err := rl.AllowUpload(r.Context(), ip)
			if err != nil {
				if requestLogger := loggingWithRequest(logger, resolver, r); requestLogger != nil {
					requestLogger.Error("rate limiter failure", "error", err)
				}
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many uploads")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
