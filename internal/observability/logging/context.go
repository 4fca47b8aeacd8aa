package logging

import (
	"context"
	"log/slog"
	"strings"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	videoIDKey   contextKey = "video_id"
	jobIDKey     contextKey = "job_id"
	loggerKey    contextKey = "logger"
)

func withValue(ctx context.Context, key contextKey, value string) context.Context {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ctx
	}
	return context.WithValue(ctx, key, trimmed)
}

func valueFrom(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(key).(string)
	return value, ok && value != ""
}

// ContextWithRequestID stores a non-empty request ID on the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	return valueFrom(ctx, requestIDKey)
}

// ContextWithVideoID stores a non-empty video ID on the context.
func ContextWithVideoID(ctx context.Context, id string) context.Context {
	return withValue(ctx, videoIDKey, id)
}

func VideoIDFromContext(ctx context.Context) (string, bool) {
	return valueFrom(ctx, videoIDKey)
}

// ContextWithJobID stores a non-empty transcode job ID on the context.
func ContextWithJobID(ctx context.Context, id string) context.Context {
	return withValue(ctx, jobIDKey, id)
}

func JobIDFromContext(ctx context.Context) (string, bool) {
	return valueFrom(ctx, jobIDKey)
}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// WithContext annotates logger with the request, video and job IDs held in ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	if id, ok := RequestIDFromContext(ctx); ok {
		logger = logger.With("request_id", id)
	}
	if id, ok := VideoIDFromContext(ctx); ok {
		logger = logger.With("video_id", id)
	}
	if id, ok := JobIDFromContext(ctx); ok {
		logger = logger.With("job_id", id)
	}
	return logger
}

// FromContext returns the logger stored on ctx, or fallback annotated with the
// IDs carried by ctx.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger := LoggerFromContext(ctx); logger != nil {
		return logger
	}
	if fallback == nil {
		fallback = slog.Default()
	}
	return WithContext(ctx, fallback)
}
