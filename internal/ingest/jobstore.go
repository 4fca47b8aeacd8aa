package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"bitriver-vod/internal/models"
)

// JobStore records transcode job snapshots for status polling.
type JobStore interface {
	Put(ctx context.Context, job models.TranscodeJob) error
	Get(ctx context.Context, id string) (models.TranscodeJob, error)
	List(ctx context.Context) ([]models.TranscodeJob, error)
}

// MemoryJobStore keeps jobs for the lifetime of the process.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]models.TranscodeJob
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]models.TranscodeJob)}
}

func (s *MemoryJobStore) Put(_ context.Context, job models.TranscodeJob) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (models.TranscodeJob, error) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return models.TranscodeJob{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

func (s *MemoryJobStore) List(_ context.Context) ([]models.TranscodeJob, error) {
	s.mu.RLock()
	jobs := make([]models.TranscodeJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.mu.RUnlock()
	sortJobs(jobs)
	return jobs, nil
}

func sortJobs(jobs []models.TranscodeJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
