package ingest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bitriver-vod/internal/models"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/observability/metrics"
)

const (
	defaultWorkers           = 2
	defaultQueueSize         = 64
	defaultJobTimeout        = 30 * time.Minute
	defaultCompletionTimeout = 2 * time.Minute
	defaultProfile           = "dash"
)

// Task is one unit of transcode work. Run does the encoding under the job
// context; Complete is always called afterwards with Run's error, on a
// context that is not cancelled with the job, and its return value becomes
// the job's final error.
type Task struct {
	Run      func(ctx context.Context) error
	Complete func(ctx context.Context, runErr error) error
}

type ProcessorConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	// CompletionTimeout bounds the completion callback.
	CompletionTimeout time.Duration
	Jobs              JobStore
	Profile           string
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	Clock             func() time.Time
}

// Processor runs transcode tasks on a fixed number of workers fed by a
// bounded queue. At most one job per video is queued or running.
type Processor struct {
	workers           int
	timeout           time.Duration
	completionTimeout time.Duration
	jobs              JobStore
	profile           string
	logger            *slog.Logger
	metrics           *metrics.Recorder
	now               func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	queue chan *queuedJob
	wg    sync.WaitGroup

	mu       sync.Mutex
	byID     map[string]*queuedJob
	inFlight map[string]*queuedJob
	started  bool
	closed   bool
}

type queuedJob struct {
	handle *JobHandle
	task   Task

	// guarded by Processor.mu
	cancelRequested bool
	cancel          context.CancelFunc
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	completionTimeout := cfg.CompletionTimeout
	if completionTimeout <= 0 {
		completionTimeout = defaultCompletionTimeout
	}
	jobs := cfg.Jobs
	if jobs == nil {
		jobs = NewMemoryJobStore()
	}
	profile := strings.TrimSpace(cfg.Profile)
	if profile == "" {
		profile = defaultProfile
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
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		workers:           workers,
		timeout:           timeout,
		completionTimeout: completionTimeout,
		jobs:              jobs,
		profile:           profile,
		logger:            logging.WithComponent(logger, "processor"),
		metrics:           recorder,
		now:               now,
		ctx:               ctx,
		cancel:            cancel,
		queue:             make(chan *queuedJob, queueSize),
		byID:              make(map[string]*queuedJob),
		inFlight:          make(map[string]*queuedJob),
	}
}

func (p *Processor) Start() {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Shutdown cancels running jobs and waits for their completion callbacks.
// Jobs that never started are marked cancelled without running Complete, so
// their records stay pending and are picked up by the next recovery pass.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		select {
		case entry := <-p.queue:
			p.abandon(entry)
		default:
			p.metrics.SetQueueDepth(0)
			return nil
		}
	}
}

// Submit queues task for videoID. A video that already has a queued or
// running job gets that job's handle back. ErrQueueFull is returned without
// side effects when the queue has no room.
func (p *Processor) Submit(videoID string, task Task) (*JobHandle, error) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return nil, fmt.Errorf("%w: video id is required", ErrInvalidInput)
	}
	if task.Run == nil || task.Complete == nil {
		return nil, fmt.Errorf("%w: task requires run and complete callbacks", ErrInvalidInput)
	}
	id, err := newJobID()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrShutdown
	}
	if existing, ok := p.inFlight[videoID]; ok {
		p.mu.Unlock()
		return existing.handle, nil
	}
	entry := &queuedJob{
		handle: newJobHandle(models.TranscodeJob{
			ID:        id,
			VideoID:   videoID,
			Status:    models.JobStatusQueued,
			CreatedAt: p.now().UTC(),
		}),
		task: task,
	}
	select {
	case p.queue <- entry:
	default:
		p.mu.Unlock()
		return nil, ErrQueueFull
	}
	p.byID[id] = entry
	p.inFlight[videoID] = entry
	p.mu.Unlock()

	p.metrics.SetQueueDepth(len(p.queue))
	p.persist(entry.handle.Snapshot())
	return entry.handle, nil
}

// Cancel stops a queued or running job. The job still runs its completion
// callback. Cancelling a finished job is a no-op that returns its snapshot.
func (p *Processor) Cancel(ctx context.Context, jobID string) (models.TranscodeJob, error) {
	p.mu.Lock()
	entry, ok := p.byID[jobID]
	if ok {
		entry.cancelRequested = true
		if entry.cancel != nil {
			entry.cancel()
		}
	}
	p.mu.Unlock()
	if ok {
		return entry.handle.Snapshot(), nil
	}

	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return models.TranscodeJob{}, err
	}
	if !job.Status.Terminal() {
		return models.TranscodeJob{}, fmt.Errorf("%w: %s is not running on this instance", ErrJobNotFound, jobID)
	}
	return job, nil
}

// CancelVideo cancels the active job for videoID, if any, and returns its
// handle so the caller can wait for cleanup.
func (p *Processor) CancelVideo(videoID string) (*JobHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.inFlight[videoID]
	if !ok {
		return nil, false
	}
	entry.cancelRequested = true
	if entry.cancel != nil {
		entry.cancel()
	}
	return entry.handle, true
}

// Job returns the latest snapshot, preferring local state over the store.
func (p *Processor) Job(ctx context.Context, jobID string) (models.TranscodeJob, error) {
	p.mu.Lock()
	entry, ok := p.byID[jobID]
	p.mu.Unlock()
	if ok {
		return entry.handle.Snapshot(), nil
	}
	return p.jobs.Get(ctx, jobID)
}

func (p *Processor) QueueDepth() int {
	return len(p.queue)
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case entry := <-p.queue:
			p.metrics.SetQueueDepth(len(p.queue))
			if p.ctx.Err() != nil {
				p.abandon(entry)
				return
			}
			p.execute(entry)
		}
	}
}

func (p *Processor) execute(entry *queuedJob) {
	job := entry.handle.Snapshot()
	jobCtx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	jobCtx = logging.ContextWithJobID(logging.ContextWithVideoID(jobCtx, job.VideoID), job.ID)
	logger := logging.WithContext(jobCtx, p.logger)

	p.mu.Lock()
	entry.cancel = cancel
	skip := entry.cancelRequested
	p.mu.Unlock()

	var runErr error
	if skip {
		runErr = context.Canceled
	} else {
		started := p.now().UTC()
		job = entry.handle.update(func(j *models.TranscodeJob) {
			j.Status = models.JobStatusRunning
			j.Attempt++
			j.StartedAt = &started
		})
		p.persist(job)
		p.metrics.TranscodeJobStarted(p.profile)
		logger.Info("transcode started", "attempt", job.Attempt)
		runErr = entry.task.Run(jobCtx)
	}

	completionCtx, completionCancel := context.WithTimeout(context.WithoutCancel(jobCtx), p.completionTimeout)
	finalErr := entry.task.Complete(completionCtx, runErr)
	completionCancel()

	p.mu.Lock()
	cancelled := entry.cancelRequested || p.ctx.Err() != nil
	p.mu.Unlock()

	status := models.JobStatusSucceeded
	switch {
	case finalErr == nil:
	case cancelled && errors.Is(runErr, context.Canceled):
		status = models.JobStatusCancelled
	default:
		status = models.JobStatusFailed
	}

	if !skip {
		switch status {
		case models.JobStatusSucceeded:
			p.metrics.TranscodeJobCompleted(p.profile)
		case models.JobStatusCancelled:
			p.metrics.TranscodeJobCancelled(p.profile)
		default:
			p.metrics.TranscodeJobFailed(p.profile)
		}
	}

	job = p.finish(entry, status, finalErr)
	if finalErr != nil {
		logger.Warn("transcode did not complete", "status", job.Status, "error", finalErr)
	} else {
		logger.Info("transcode completed")
	}
}

// abandon settles a job that was still queued when the processor stopped.
func (p *Processor) abandon(entry *queuedJob) {
	p.finish(entry, models.JobStatusCancelled, ErrShutdown)
}

func (p *Processor) finish(entry *queuedJob, status models.JobStatus, err error) models.TranscodeJob {
	finished := p.now().UTC()
	job := entry.handle.update(func(j *models.TranscodeJob) {
		j.Status = status
		j.FinishedAt = &finished
		j.Error = PublicMessage(err)
	})

	p.mu.Lock()
	delete(p.byID, job.ID)
	if current, ok := p.inFlight[job.VideoID]; ok && current == entry {
		delete(p.inFlight, job.VideoID)
	}
	p.mu.Unlock()

	p.persist(job)
	entry.handle.resolve(err)
	return job
}

func (p *Processor) persist(job models.TranscodeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.jobs.Put(ctx, job); err != nil {
		p.logger.Warn("failed to record job state", "job_id", job.ID, "status", job.Status, "error", err)
	}
}

func newJobID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// JobHandle follows a submitted job until it settles.
type JobHandle struct {
	done chan struct{}

	mu  sync.Mutex
	job models.TranscodeJob
	err error
}

func newJobHandle(job models.TranscodeJob) *JobHandle {
	return &JobHandle{job: job, done: make(chan struct{})}
}

func (h *JobHandle) ID() string {
	return h.Snapshot().ID
}

func (h *JobHandle) Snapshot() models.TranscodeJob {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job
}

// Done is closed once the job reaches a terminal state.
func (h *JobHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job settles or ctx ends. The returned error is the
// job's own failure cause when it settled, or ctx.Err() otherwise.
func (h *JobHandle) Wait(ctx context.Context) (models.TranscodeJob, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.job, h.err
	case <-ctx.Done():
		return h.Snapshot(), ctx.Err()
	}
}

func (h *JobHandle) update(fn func(*models.TranscodeJob)) models.TranscodeJob {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.job)
	return h.job
}

func (h *JobHandle) resolve(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
