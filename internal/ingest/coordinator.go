package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"bitriver-vod/internal/filestore"
	"bitriver-vod/internal/models"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/observability/metrics"
	"bitriver-vod/internal/storage"
	"bitriver-vod/internal/transcode"
)

const (
	defaultOriginalContentType = "video/mp4"

	stageSanitize = "sanitize"
	stageWrite    = "write"
	stageRecord   = "record"
	stageQueue    = "queue"
	stageFinalize = "finalize"

	compensationRemoved      = "removed"
	compensationMarkedFailed = "marked_failed"
	compensationFailed       = "failed"
)

// Upload is one multipart submission.
type Upload struct {
	FileName    string
	ContentType string
	Body        io.Reader
	Title       string
	Description string
	Uploader    string
	Tags        []string
}

// Submission is returned once the upload is stored and its job is queued.
type Submission struct {
	Video   models.Video
	Job     models.TranscodeJob
	Message string
	handle  *JobHandle
}

// Outcome is the settled result of a synchronous ingest. Succeeded is false
// when transcoding failed and the upload was rolled back.
type Outcome struct {
	Video     models.Video
	Job       models.TranscodeJob
	Message   string
	Succeeded bool
}

type CoordinatorConfig struct {
	Store      storage.Repository
	Files      *filestore.Store
	Mirror     filestore.Mirror
	Transcoder transcode.Transcoder
	Processor  *Processor
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Clock      func() time.Time
}

// Coordinator owns the upload protocol and its compensation.
type Coordinator struct {
	store      storage.Repository
	files      *filestore.Store
	mirror     filestore.Mirror
	transcoder transcode.Transcoder
	processor  *Processor
	logger     *slog.Logger
	metrics    *metrics.Recorder
	now        func() time.Time
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if cfg.Files == nil {
		return nil, fmt.Errorf("file store is required")
	}
	if cfg.Transcoder == nil {
		return nil, fmt.Errorf("transcoder is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	mirror := cfg.Mirror
	if mirror == nil {
		mirror = filestore.NoopMirror{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:      cfg.Store,
		files:      cfg.Files,
		mirror:     mirror,
		transcoder: cfg.Transcoder,
		processor:  cfg.Processor,
		logger:     logging.WithComponent(logger, "ingest"),
		metrics:    recorder,
		now:        now,
	}, nil
}

func AcceptedMessage(id string) string {
	return fmt.Sprintf("Video with ID %s accepted for processing.", id)
}

func SuccessMessage(id string) string {
	return fmt.Sprintf("Video with ID %s added and processed successfully.", id)
}

func RollbackMessage(reason string) string {
	return fmt.Sprintf("Video processing failed and video was removed: %s", reason)
}

func UploadErrorMessage(reason string) string {
	return fmt.Sprintf("Error adding or processing video: %s", reason)
}

func RemovedMessage(id string) string {
	return fmt.Sprintf("Video with ID %s removed successfully.", id)
}

// Ingest stores the original, records it and queues the transcode. Errors
// wrap ErrInvalidInput, ErrIOFailure, filestore.ErrTooLarge or ErrQueueFull.
// Nothing is left behind when an error is returned.
func (c *Coordinator) Ingest(ctx context.Context, upload Upload) (Submission, error) {
	c.metrics.ObserveIngestAttempt(stageSanitize)
	name, err := filestore.SanitizeFileName(upload.FileName)
	if err != nil {
		c.metrics.ObserveIngestFailure(stageSanitize)
		return Submission{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if upload.Body == nil {
		c.metrics.ObserveIngestFailure(stageSanitize)
		return Submission{}, fmt.Errorf("%w: file is required", ErrInvalidInput)
	}
	draft, err := models.NewVideo(models.NewVideoParams{
		Title:       upload.Title,
		Description: upload.Description,
		Uploader:    upload.Uploader,
		Tags:        upload.Tags,
	})
	if err != nil {
		c.metrics.ObserveIngestFailure(stageSanitize)
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	c.metrics.ObserveIngestAttempt(stageWrite)
	original, err := c.files.WriteOriginal(ctx, name, upload.Body)
	if err != nil {
		c.metrics.ObserveIngestFailure(stageWrite)
		if errors.Is(err, filestore.ErrTooLarge) || errors.Is(err, filestore.ErrInvalidName) {
			return Submission{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return Submission{}, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}

	c.metrics.ObserveIngestAttempt(stageRecord)
	committed := draft.Commit(original.Path, originalContentType(upload.ContentType, original.Name), original.Size, original.Checksum, c.now())
	saved, err := c.store.Save(ctx, committed)
	if err != nil {
		c.metrics.ObserveIngestFailure(stageRecord)
		if removeErr := c.files.RemoveOriginal(original.Path); removeErr != nil {
			c.logger.Error("failed to remove original after record failure", "path", original.Path, "error", removeErr)
		}
		return Submission{}, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}

	ctx = logging.ContextWithVideoID(ctx, saved.ID)
	c.metrics.ObserveIngestAttempt(stageQueue)
	handle, err := c.processor.Submit(saved.ID, c.task(saved))
	if err != nil {
		c.metrics.ObserveIngestFailure(stageQueue)
		c.compensate(context.WithoutCancel(ctx), saved)
		return Submission{}, err
	}

	logging.WithContext(ctx, c.logger).Info("upload accepted",
		"job_id", handle.ID(),
		"file", original.Name,
		"size_bytes", original.Size,
	)
	return Submission{
		Video:   saved,
		Job:     handle.Snapshot(),
		Message: AcceptedMessage(saved.ID),
		handle:  handle,
	}, nil
}

// IngestAndWait runs Ingest and blocks until the job settles. If ctx ends
// first the job is cancelled and its cleanup is awaited before returning.
func (c *Coordinator) IngestAndWait(ctx context.Context, upload Upload) (Outcome, error) {
	submission, err := c.Ingest(ctx, upload)
	if err != nil {
		return Outcome{}, err
	}
	handle := submission.handle

	job, runErr := handle.Wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && !job.Status.Terminal() {
		if _, err := c.processor.Cancel(context.WithoutCancel(ctx), handle.ID()); err != nil {
			c.logger.Warn("failed to cancel job", "job_id", handle.ID(), "error", err)
		}
		<-handle.Done()
		return Outcome{Video: submission.Video, Job: handle.Snapshot()}, ctxErr
	}

	if job.Status == models.JobStatusSucceeded {
		video, ok, err := c.store.FindByID(context.WithoutCancel(ctx), submission.Video.ID)
		if err != nil || !ok {
			video = submission.Video
		}
		return Outcome{
			Video:     video,
			Job:       job,
			Message:   SuccessMessage(video.ID),
			Succeeded: true,
		}, nil
	}
	return Outcome{
		Video:   submission.Video,
		Job:     job,
		Message: RollbackMessage(PublicMessage(runErr)),
	}, nil
}

// task builds the transcode run and its completion callback for video.
func (c *Coordinator) task(video models.Video) Task {
	var result transcode.Result
	return Task{
		Run: func(ctx context.Context) error {
			dir, err := c.files.PrepareSegmentDir(video.ID)
			if err != nil {
				return &transcode.Failure{Reason: "output directory unavailable", Err: &transcode.IOError{Op: "prepare output", Err: err}}
			}
			result, err = c.transcoder.Transcode(ctx, video.FilePath, dir)
			return err
		},
		Complete: func(ctx context.Context, runErr error) error {
			if runErr != nil {
				c.compensate(ctx, video)
				return runErr
			}
			return c.finalize(ctx, video, result)
		},
	}
}

// finalize mirrors the output and flips the record to ready. A record that
// cannot be updated is compensated like any other failure.
func (c *Coordinator) finalize(ctx context.Context, video models.Video, result transcode.Result) error {
	logger := logging.WithContext(ctx, c.logger)
	c.metrics.ObserveIngestAttempt(stageFinalize)
	if c.mirror.Enabled() {
		dir, err := c.files.SegmentDir(video.ID)
		if err == nil {
			var count int
			count, err = c.mirror.MirrorSegments(ctx, video.ID, dir)
			if err == nil {
				logger.Info("segments mirrored", "objects", count)
			}
		}
		if err != nil {
			logger.Warn("segment mirror failed; serving from local storage", "error", err)
		}
	}

	ready := video.MarkReady(result.ManifestPath, c.now())
	if _, err := c.store.Save(ctx, ready); err != nil {
		c.metrics.ObserveIngestFailure(stageFinalize)
		c.compensate(ctx, video)
		return fmt.Errorf("%w: mark ready: %w", ErrIOFailure, err)
	}
	logger.Info("video ready",
		"representations", result.Representations,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return nil
}

// compensate removes every artifact of video. Each step is best effort and
// idempotent; the record goes last so a crash mid-way leaves something for
// recovery to find.
func (c *Coordinator) compensate(ctx context.Context, video models.Video) {
	logger := logging.WithContext(logging.ContextWithVideoID(ctx, video.ID), c.logger)

	if err := c.files.RemoveOriginal(video.FilePath); err != nil {
		logger.Error("failed to remove original", "path", video.FilePath, "error", err)
	}
	if err := c.files.RemoveSegments(video.ID); err != nil {
		logger.Error("failed to remove segments", "error", err)
	}
	if c.mirror.Enabled() {
		if err := c.mirror.DeleteSegments(ctx, video.ID); err != nil {
			logger.Error("failed to remove mirrored segments", "error", err)
		}
	}

	if err := c.store.DeleteByID(ctx, video.ID); err != nil {
		logger.Error("failed to delete record; marking failed", "error", err)
		if _, saveErr := c.store.Save(ctx, video.MarkFailed(c.now())); saveErr != nil {
			logger.Error("failed to mark record failed", "error", saveErr)
			c.metrics.ObserveCompensation(compensationFailed)
			return
		}
		c.metrics.ObserveCompensation(compensationMarkedFailed)
		return
	}
	c.metrics.ObserveCompensation(compensationRemoved)
	logger.Info("upload rolled back")
}

// Remove deletes a video and everything derived from it. An active job for
// the video is cancelled and allowed to clean up first.
func (c *Coordinator) Remove(ctx context.Context, id string) (string, error) {
	if !storage.ValidID(id) {
		return "", fmt.Errorf("%w: malformed video id", ErrInvalidInput)
	}
	video, err := storage.Get(ctx, c.store, id)
	if err != nil {
		return "", err
	}
	if handle, ok := c.processor.CancelVideo(id); ok {
		select {
		case <-handle.Done():
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if err := c.files.RemoveOriginal(video.FilePath); err != nil {
		return "", fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	if err := c.files.RemoveSegments(id); err != nil {
		return "", fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	if c.mirror.Enabled() {
		if err := c.mirror.DeleteSegments(ctx, id); err != nil {
			return "", fmt.Errorf("%w: %w", ErrIOFailure, err)
		}
	}
	if err := c.store.DeleteByID(ctx, id); err != nil {
		return "", fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	logging.WithContext(logging.ContextWithVideoID(ctx, id), c.logger).Info("video removed")
	return RemovedMessage(id), nil
}

// Recover queues every pending record whose original is still on disk. It
// stops early when the queue fills; the remainder waits for the next start.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	videos, err := c.store.FindAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list videos: %w", err)
	}
	queued := 0
	for _, video := range videos {
		if err := ctx.Err(); err != nil {
			return queued, err
		}
		if video.Status != models.VideoStatusPending || video.IsDraft() {
			continue
		}
		logger := logging.WithContext(logging.ContextWithVideoID(ctx, video.ID), c.logger)
		file, _, err := c.files.Open(video.FilePath)
		if err != nil {
			logger.Warn("pending video has no original; rolling back", "error", err)
			c.compensate(ctx, video)
			continue
		}
		file.Close()

		if _, err := c.processor.Submit(video.ID, c.task(video)); err != nil {
			if errors.Is(err, ErrQueueFull) {
				logger.Warn("queue full during recovery", "queued", queued)
				return queued, nil
			}
			return queued, err
		}
		queued++
	}
	if queued > 0 {
		c.logger.Info("recovered pending uploads", "count", queued)
	}
	return queued, nil
}

func (c *Coordinator) Job(ctx context.Context, jobID string) (models.TranscodeJob, error) {
	return c.processor.Job(ctx, jobID)
}

func (c *Coordinator) CancelJob(ctx context.Context, jobID string) (models.TranscodeJob, error) {
	return c.processor.Cancel(ctx, jobID)
}

func originalContentType(declared, name string) string {
	declared = strings.TrimSpace(declared)
	if mediaType, _, err := mime.ParseMediaType(declared); err == nil && mediaType != "application/octet-stream" {
		return mediaType
	}
	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		return byExt
	}
	return defaultOriginalContentType
}
