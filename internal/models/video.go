package models

import (
	"fmt"
	"strings"
	"time"
)

// VideoStatus tracks where a video is in the ingest lifecycle.
type VideoStatus string

const (
	VideoStatusPending VideoStatus = "pending"
	VideoStatusReady   VideoStatus = "ready"
	VideoStatusFailed  VideoStatus = "failed"
)

const (
	DefaultUploader     = "Unknown"
	DefaultThumbnailURL = "https://i.ytimg.com/vi/MxTUvs_wNc8/hqdefault.jpg"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s VideoStatus) Valid() bool {
	switch s {
	case VideoStatusPending, VideoStatusReady, VideoStatusFailed:
		return true
	default:
		return false
	}
}

// Video is the metadata record for an uploaded video. Values are treated as
// immutable: lifecycle changes go through Commit, MarkReady and MarkFailed,
// each of which returns a new record.
type Video struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	FilePath     string      `json:"filePath"`
	ContentType  string      `json:"contentType"`
	ThumbnailURL string      `json:"thumbnailUrl"`
	Uploader     string      `json:"uploader"`
	UploadDate   string      `json:"uploadDate"`
	Duration     int         `json:"duration"`
	Views        int         `json:"views"`
	Likes        int         `json:"likes"`
	Dislikes     int         `json:"dislikes"`
	Tags         []string    `json:"tags"`
	Status       VideoStatus `json:"status"`
	ManifestPath string      `json:"manifestPath,omitempty"`
	Checksum     string      `json:"checksum,omitempty"`
	SizeBytes    int64       `json:"sizeBytes"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

type NewVideoParams struct {
	Title        string
	Description  string
	Uploader     string
	ThumbnailURL string
	Tags         []string
}

// NewVideo builds a draft record. Drafts carry no file reference and are not
// meant to be persisted until Commit attaches the stored original.
func NewVideo(params NewVideoParams) (Video, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return Video{}, fmt.Errorf("title is required")
	}
	description := strings.TrimSpace(params.Description)
	if description == "" {
		return Video{}, fmt.Errorf("description is required")
	}
	uploader := strings.TrimSpace(params.Uploader)
	if uploader == "" {
		uploader = DefaultUploader
	}
	thumbnail := strings.TrimSpace(params.ThumbnailURL)
	if thumbnail == "" {
		thumbnail = DefaultThumbnailURL
	}
	return Video{
		Title:        title,
		Description:  description,
		ThumbnailURL: thumbnail,
		Uploader:     uploader,
		Tags:         normalizeTags(params.Tags),
		Status:       VideoStatusPending,
	}, nil
}

// IsDraft reports whether the record has no stored original yet.
func (v Video) IsDraft() bool {
	return v.FilePath == ""
}

// Commit returns a pending record referencing the durably written original.
func (v Video) Commit(filePath, contentType string, size int64, checksum string, now time.Time) Video {
	next := v.clone()
	next.FilePath = filePath
	next.ContentType = contentType
	next.SizeBytes = size
	next.Checksum = checksum
	next.Status = VideoStatusPending
	next.UploadDate = now.UTC().Format(time.RFC3339)
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now.UTC()
	}
	next.UpdatedAt = now.UTC()
	return next
}

// WithID returns a copy carrying the identifier assigned by a store.
func (v Video) WithID(id string) Video {
	next := v.clone()
	next.ID = id
	return next
}

// MarkReady returns a copy whose segmented output is available at manifestPath.
func (v Video) MarkReady(manifestPath string, now time.Time) Video {
	next := v.clone()
	next.Status = VideoStatusReady
	next.ManifestPath = manifestPath
	next.UpdatedAt = now.UTC()
	return next
}

// MarkFailed returns a copy flagged as failed. Failed records are never served.
func (v Video) MarkFailed(now time.Time) Video {
	next := v.clone()
	next.Status = VideoStatusFailed
	next.ManifestPath = ""
	next.UpdatedAt = now.UTC()
	return next
}

func (v Video) clone() Video {
	out := v
	if v.Tags != nil {
		out.Tags = append([]string(nil), v.Tags...)
	}
	return out
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
