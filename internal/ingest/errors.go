package ingest

import (
	"context"
	"errors"

	"bitriver-vod/internal/transcode"
)

var (
	ErrQueueFull    = errors.New("transcode queue is full")
	ErrInvalidInput = errors.New("invalid input")
	ErrJobNotFound  = errors.New("job not found")
	ErrIOFailure    = errors.New("upload storage failure")
	ErrShutdown     = errors.New("transcode processor is shut down")
)

// PublicMessage renders err in a form that is safe to return to clients.
// Encoder output and filesystem paths never appear in it.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var failure *transcode.Failure
	switch {
	case errors.As(err, &failure):
		return failure.Error()
	case errors.Is(err, ErrShutdown):
		return "transcode interrupted by shutdown"
	case errors.Is(err, context.DeadlineExceeded):
		return "transcode timed out"
	case errors.Is(err, context.Canceled):
		return "transcode cancelled"
	default:
		return "video could not be processed"
	}
}
