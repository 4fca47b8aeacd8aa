package transcode

import (
	"errors"
	"fmt"
)

// Failure is the caller-facing transcode error. Error() is safe to return to
// clients; the wrapped error carries diagnostics such as the stderr tail.
type Failure struct {
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	return "transcode failed: " + f.Reason
}

func (f *Failure) Unwrap() error { return f.Err }

// LaunchError means the encoder binary could not be started.
type LaunchError struct {
	Binary string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Binary, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// IOError covers pipe and directory failures around the encoder process.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ExitError reports a completed encoder run that did not succeed.
type ExitError struct {
	Code       int
	StderrTail string
}

func (e *ExitError) Error() string {
	if e.StderrTail == "" {
		return fmt.Sprintf("encoder exited with code %d", e.Code)
	}
	return fmt.Sprintf("encoder exited with code %d: %s", e.Code, e.StderrTail)
}

// InterruptedError is returned when the run was cancelled or timed out.
// errors.Is matches the underlying context error.
type InterruptedError struct {
	Err error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("encoder interrupted: %v", e.Err)
}

func (e *InterruptedError) Unwrap() error { return e.Err }

// Retryable reports whether err stems from an interruption rather than a
// defect in the input or encoder.
func Retryable(err error) bool {
	var interrupted *InterruptedError
	return errors.As(err, &interrupted)
}

// StderrTail extracts the captured encoder stderr from err, if any.
func StderrTail(err error) string {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.StderrTail
	}
	return ""
}
