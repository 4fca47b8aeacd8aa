package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"bitriver-vod/internal/observability/logging"
)

const (
	DefaultBinary     = "ffmpeg"
	DefaultStderrTail = 8 << 10
	DefaultKillGrace  = 10 * time.Second
)

// Runner executes encoder plans as child processes.
type Runner struct {
	Binary string
	Logger *slog.Logger
	// StderrTail bounds how much trailing stderr is kept for diagnostics.
	StderrTail int
	// KillGrace is how long a cancelled encoder may take to exit after
	// SIGTERM before it is killed.
	KillGrace time.Duration
	// Env overrides the child environment when non-nil.
	Env []string
}

func (r *Runner) binary() string {
	if r.Binary == "" {
		return DefaultBinary
	}
	return r.Binary
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Run starts the encoder in plan.OutputDir and waits for it. Cancelling ctx
// terminates the process and still waits for it to exit.
func (r *Runner) Run(ctx context.Context, plan *Plan) error {
	if plan == nil {
		return &Failure{Reason: "no transcode plan", Err: errors.New("transcode plan is required")}
	}
	if err := ctx.Err(); err != nil {
		return &Failure{Reason: "transcode interrupted", Err: &InterruptedError{Err: err}}
	}

	logger := logging.WithContext(ctx, r.logger())
	tailSize := r.StderrTail
	if tailSize <= 0 {
		tailSize = DefaultStderrTail
	}
	grace := r.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	stdout := logging.NewLineWriter(logger.With("stream", "stdout"), slog.LevelDebug, "encoder output")
	stderr := logging.NewLineWriter(logger.With("stream", "stderr"), slog.LevelDebug, "encoder output")
	tail := newTailBuffer(tailSize)

	cmd := exec.CommandContext(ctx, r.binary(), plan.Args...)
	cmd.Dir = plan.OutputDir
	cmd.Stdout = stdout
	cmd.Stderr = io.MultiWriter(stderr, tail)
	cmd.Cancel = func() error { return terminate(cmd.Process) }
	cmd.WaitDelay = grace
	if r.Env != nil {
		cmd.Env = r.Env
	}

	logger.Info("starting encoder", "binary", r.binary(), "output_dir", plan.OutputDir, "rungs", len(plan.Ladder))
	if err := cmd.Start(); err != nil {
		return &Failure{Reason: "encoder could not be started", Err: &LaunchError{Binary: r.binary(), Err: err}}
	}

	waitErr := cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	if ctxErr := ctx.Err(); ctxErr != nil {
		logger.Warn("encoder interrupted", "error", ctxErr)
		return &Failure{Reason: "transcode interrupted", Err: &InterruptedError{Err: ctxErr}}
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code := exitErr.ExitCode()
			logger.Error("encoder failed", "exit_code", code, "stderr_tail", tail.String())
			return &Failure{
				Reason: fmt.Sprintf("encoder exited with code %d", code),
				Err:    &ExitError{Code: code, StderrTail: tail.String()},
			}
		}
		logger.Error("encoder output failed", "error", waitErr)
		return &Failure{Reason: "encoder output could not be read", Err: &IOError{Op: "wait for encoder", Err: waitErr}}
	}
	logger.Info("encoder completed", "output_dir", plan.OutputDir)
	return nil
}

// Verify checks that a successful run actually produced a manifest.
func Verify(plan *Plan) error {
	info, err := os.Stat(plan.ManifestPath)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return &Failure{Reason: "encoder produced no manifest", Err: &ExitError{Code: 0}}
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
