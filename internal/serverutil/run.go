package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// TLSConfig defines certificate and key paths for enabling TLS listeners.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Hook releases one dependency during shutdown, after the HTTP listener has
// stopped accepting requests.
type Hook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Config controls the HTTP server runtime behaviour.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Ready receives the bound address once the listener is open.
	Ready chan<- net.Addr
	// Hooks run in order once the server has drained. The transcode queue
	// goes before the stores it writes to.
	Hooks  []Hook
	Logger *slog.Logger
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 30 * time.Second

// Run starts the provided HTTP server and blocks until it stops. If TLS
// certificate and key files are provided, the server will listen with TLS.
// When the context is cancelled, Run drains the server and then runs each
// hook, all within ShutdownTimeout.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := listen(cfg)
	if err != nil {
		return errors.Join(err, runHooks(context.Background(), timeout, cfg.Hooks, logger))
	}
	if cfg.Ready != nil {
		cfg.Ready <- ln.Addr()
		close(cfg.Ready)
	}
	logger.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.TLS.CertFile != "")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := cfg.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		var errs []error
		if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http: %w", err))
		}
		if err := runHooks(shutdownCtx, 0, cfg.Hooks, logger); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
	return group.Wait()
}

func listen(cfg Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	if cfg.TLS.CertFile == "" {
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		ln.Close()
		return nil, err
	}
	tlsCfg := cfg.Server.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}

// runHooks calls every hook even when an earlier one fails. A positive
// timeout bounds the whole sequence.
func runHooks(ctx context.Context, timeout time.Duration, hooks []Hook, logger *slog.Logger) error {
	if len(hooks) == 0 {
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var errs []error
	for _, hook := range hooks {
		if hook.Fn == nil {
			continue
		}
		if err := hook.Fn(ctx); err != nil {
			logger.Error("shutdown hook failed", "hook", hook.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
			continue
		}
		logger.Debug("shutdown hook completed", "hook", hook.Name)
	}
	return errors.Join(errs...)
}
