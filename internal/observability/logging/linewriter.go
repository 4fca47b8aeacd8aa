package logging

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// LineWriter is an io.Writer that emits one log record per line of input.
// Partial lines are buffered until a newline or Flush.
type LineWriter struct {
	mu      sync.Mutex
	logger  *slog.Logger
	level   slog.Level
	message string
	buf     []byte
}

// NewLineWriter returns a writer logging each line at level with the given
// message; the line itself is recorded under the "line" key.
func NewLineWriter(logger *slog.Logger, level slog.Level, message string) *LineWriter {
	if logger == nil {
		logger = Discard()
	}
	return &LineWriter{logger: logger, level: level, message: message}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.emit(w.buf[:idx])
		w.buf = w.buf[idx+1:]
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimSpace(bytes.TrimSuffix(line, []byte("\r")))
	if len(line) == 0 {
		return
	}
	w.logger.Log(context.Background(), w.level, w.message, "line", string(line))
}
