package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"bitriver-vod/internal/models"
)

var (
	// ErrNotFound is returned by Get for unknown video ids.
	ErrNotFound = errors.New("storage: video not found")
	// ErrDraft rejects records that do not reference a stored original yet.
	ErrDraft = errors.New("storage: draft videos cannot be persisted")
)

// Repository persists video metadata. Implementations are safe for concurrent
// use.
type Repository interface {
	Ping(ctx context.Context) error
	// Save inserts or replaces a record, assigning an id when it has none.
	Save(ctx context.Context, video models.Video) (models.Video, error)
	FindByID(ctx context.Context, id string) (models.Video, bool, error)
	// DeleteByID removes a record. Deleting an unknown id succeeds.
	DeleteByID(ctx context.Context, id string) error
	// FindAll lists every record ordered by creation time, then id.
	FindAll(ctx context.Context) ([]models.Video, error)
	Close(ctx context.Context) error
}

var idPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// ValidID reports whether id has the shape of an id assigned by Save.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Get wraps FindByID and maps a missing record to ErrNotFound.
func Get(ctx context.Context, repo Repository, id string) (models.Video, error) {
	video, ok, err := repo.FindByID(ctx, id)
	if err != nil {
		return models.Video{}, err
	}
	if !ok {
		return models.Video{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return video, nil
}

// prepareForSave validates video and fills the id and timestamps. Every
// backend funnels writes through it so they agree on the stored shape.
func prepareForSave(video models.Video, now func() time.Time) (models.Video, error) {
	if video.IsDraft() {
		return models.Video{}, ErrDraft
	}
	if strings.TrimSpace(video.Title) == "" {
		return models.Video{}, fmt.Errorf("title is required")
	}
	if video.Status == "" {
		video.Status = models.VideoStatusPending
	}
	if !video.Status.Valid() {
		return models.Video{}, fmt.Errorf("invalid status %q", video.Status)
	}
	if video.ID == "" {
		id, err := generateID()
		if err != nil {
			return models.Video{}, err
		}
		video = video.WithID(id)
	}
	current := now().UTC()
	if video.CreatedAt.IsZero() {
		video.CreatedAt = current
	}
	if video.UpdatedAt.IsZero() {
		video.UpdatedAt = current
	}
	if video.Tags == nil {
		video.Tags = []string{}
	}
	return video, nil
}

func sortVideos(videos []models.Video) {
	sort.Slice(videos, func(i, j int) bool {
		if !videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].CreatedAt.Before(videos[j].CreatedAt)
		}
		return videos[i].ID < videos[j].ID
	})
}
