package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bitriver-vod/internal/models"
)

type dataset struct {
	Videos map[string]models.Video `json:"videos"`
}

func newDataset() dataset {
	return dataset{Videos: make(map[string]models.Video)}
}

// JSONRepository keeps every record in memory and rewrites a single JSON file
// on each change. It suits single-node deployments and tests.
type JSONRepository struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

var _ Repository = (*JSONRepository)(nil)

// NewJSONRepository loads path, creating an empty store when it does not
// exist yet.
func NewJSONRepository(path string, opts ...Option) (*JSONRepository, error) {
	store := &JSONRepository{
		filePath: path,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *JSONRepository) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	var data dataset
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if data.Videos == nil {
		data.Videos = make(map[string]models.Video)
	}
	s.data = data
	return nil
}

func (s *JSONRepository) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (s *JSONRepository) cloneVideosLocked() dataset {
	clone := newDataset()
	for id, video := range s.data.Videos {
		clone.Videos[id] = video
	}
	return clone
}

func (s *JSONRepository) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.Videos == nil {
		return errors.New("json store not loaded")
	}
	return nil
}

func (s *JSONRepository) Save(ctx context.Context, video models.Video) (models.Video, error) {
	if err := ctx.Err(); err != nil {
		return models.Video{}, err
	}
	prepared, err := prepareForSave(video, s.now)
	if err != nil {
		return models.Video{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.data.Videos[prepared.ID]; ok && video.CreatedAt.IsZero() {
		prepared.CreatedAt = existing.CreatedAt
	}
	next := s.cloneVideosLocked()
	next.Videos[prepared.ID] = prepared
	if err := s.persistDataset(next); err != nil {
		return models.Video{}, err
	}
	s.data = next
	return prepared, nil
}

func (s *JSONRepository) FindByID(ctx context.Context, id string) (models.Video, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Video{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, false, nil
	}
	return video.WithID(video.ID), true, nil
}

func (s *JSONRepository) DeleteByID(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Videos[id]; !ok {
		return nil
	}
	next := s.cloneVideosLocked()
	delete(next.Videos, id)
	if err := s.persistDataset(next); err != nil {
		return err
	}
	s.data = next
	return nil
}

func (s *JSONRepository) FindAll(ctx context.Context) ([]models.Video, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	videos := make([]models.Video, 0, len(s.data.Videos))
	for _, video := range s.data.Videos {
		videos = append(videos, video.WithID(video.ID))
	}
	s.mu.RUnlock()
	sortVideos(videos)
	return videos, nil
}

func (s *JSONRepository) Close(ctx context.Context) error {
	return nil
}
