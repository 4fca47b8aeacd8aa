// Command transcoder runs the DASH ladder encode for one local file using the
// same planner and runner as the server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"bitriver-vod/internal/config"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/transcode"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type summary struct {
	Manifest        string   `json:"manifest"`
	Representations []string `json:"representations"`
	DurationMS      int64    `json:"durationMs"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	fs := flag.NewFlagSet("transcoder", flag.ContinueOnError)
	fs.SetOutput(stderr)
	input := fs.String("input", "", "source video file")
	output := fs.String("output", "", "directory for the manifest and segments")
	ladderPath := fs.String("ladder", "", "YAML file describing the bitrate ladder")
	ffmpegPath := fs.String("ffmpeg", "", "path to the ffmpeg binary")
	preset := fs.String("preset", "", "x264 preset")
	segmentDuration := fs.Duration("segment-duration", 0, "target DASH segment duration")
	timeout := fs.Duration("timeout", 0, "abort the encode after this long")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if strings.TrimSpace(*input) == "" || strings.TrimSpace(*output) == "" {
		fmt.Fprintln(stderr, "both -input and -output are required")
		fs.Usage()
		return exitUsage
	}

	cfg.Transcode.LadderPath = firstNonEmpty(*ladderPath, cfg.Transcode.LadderPath)
	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, cfg.Log.Level),
		Format: string(logging.FormatText),
		Writer: stderr,
	})

	ladder, err := cfg.Ladder()
	if err != nil {
		logger.Error("invalid ladder", "error", err)
		return exitUsage
	}
	source, err := filepath.Abs(*input)
	if err != nil {
		logger.Error("resolve input", "error", err)
		return exitUsage
	}
	if _, err := os.Stat(source); err != nil {
		logger.Error("input not readable", "input", source, "error", err)
		return exitUsage
	}
	outputDir, err := filepath.Abs(*output)
	if err != nil {
		logger.Error("resolve output", "error", err)
		return exitUsage
	}

	duration := cfg.Transcode.SegmentDuration
	if *segmentDuration > 0 {
		duration = *segmentDuration
	}
	orchestrator, err := transcode.NewOrchestrator(ladder, &transcode.Runner{
		Binary:    firstNonEmpty(*ffmpegPath, cfg.Transcode.FFmpegPath),
		KillGrace: cfg.Transcode.KillGrace,
	}, transcode.PlanOptions{
		SegmentDuration: duration,
		Preset:          firstNonEmpty(*preset, cfg.Transcode.Preset),
	}, logger)
	if err != nil {
		logger.Error("invalid transcode settings", "error", err)
		return exitUsage
	}

	limit := cfg.Transcode.JobTimeout
	if *timeout > 0 {
		limit = *timeout
	}
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	result, err := orchestrator.Transcode(ctx, source, outputDir)
	if err != nil {
		attrs := []any{"error", err}
		if tail := transcode.StderrTail(err); tail != "" {
			attrs = append(attrs, "stderr_tail", tail)
		}
		var failure *transcode.Failure
		if errors.As(err, &failure) {
			attrs = append(attrs, "reason", failure.Reason)
		}
		logger.Error("transcode failed", attrs...)
		return exitFailure
	}

	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(summary{
		Manifest:        result.ManifestPath,
		Representations: result.Representations,
		DurationMS:      result.Duration.Round(time.Millisecond).Milliseconds(),
	}); err != nil {
		logger.Error("write summary", "error", err)
		return exitFailure
	}
	return exitOK
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
