package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"bitriver-vod/internal/filestore"
	"bitriver-vod/internal/models"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/storage"
)

const (
	ManifestContentType = "application/dash+xml"
	SegmentContentType  = "video/iso.segment"
	OriginalContentType = "video/mp4"
)

var (
	ErrInvalidID      = errors.New("invalid video id")
	ErrInvalidSegment = errors.New("invalid segment name")
	ErrVideoNotFound  = errors.New("video not found")
	ErrNotReady       = errors.New("video is still processing")
	ErrVideoFailed    = errors.New("video failed processing")
	ErrFileMissing    = errors.New("file not found")
)

// VideoLookup is the read side of the metadata store.
type VideoLookup interface {
	FindByID(ctx context.Context, id string) (models.Video, bool, error)
}

// ArtifactServer resolves records to files and streams them. Errors returned
// by its methods mean nothing was written and the caller should render them.
type ArtifactServer struct {
	Store    VideoLookup
	Files    *filestore.Store
	MaxChunk int64
	Logger   *slog.Logger
}

func (s *ArtifactServer) logger(ctx context.Context) *slog.Logger {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logging.WithContext(ctx, logging.WithComponent(logger, "delivery"))
}

func (s *ArtifactServer) lookup(ctx context.Context, id string) (models.Video, error) {
	if !storage.ValidID(id) {
		return models.Video{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	video, ok, err := s.Store.FindByID(ctx, id)
	if err != nil {
		return models.Video{}, fmt.Errorf("load video %s: %w", id, err)
	}
	if !ok {
		return models.Video{}, fmt.Errorf("%w: %s", ErrVideoNotFound, id)
	}
	return video, nil
}

// lookupReady additionally requires transcoding to have finished.
func (s *ArtifactServer) lookupReady(ctx context.Context, id string) (models.Video, error) {
	video, err := s.lookup(ctx, id)
	if err != nil {
		return models.Video{}, err
	}
	switch video.Status {
	case models.VideoStatusReady:
		return video, nil
	case models.VideoStatusFailed:
		return models.Video{}, fmt.Errorf("%w: %s", ErrVideoFailed, id)
	default:
		return models.Video{}, fmt.Errorf("%w: %s", ErrNotReady, id)
	}
}

func openMapped(files *filestore.Store, path string) (*os.File, int64, error) {
	file, size, err := files.Open(path)
	if err != nil {
		if errors.Is(err, filestore.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %v", ErrFileMissing, err)
		}
		return nil, 0, err
	}
	return file, size, nil
}

// ServeManifest writes the whole DASH manifest for a ready video.
func (s *ArtifactServer) ServeManifest(w http.ResponseWriter, r *http.Request, id string) error {
	ctx := logging.ContextWithVideoID(r.Context(), id)
	if _, err := s.lookupReady(ctx, id); err != nil {
		return err
	}
	path, err := s.Files.ManifestPath(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	file, size, err := openMapped(s.Files, path)
	if err != nil {
		return err
	}
	defer file.Close()

	header := w.Header()
	header.Set("Content-Type", ManifestContentType)
	header.Set("Content-Length", strconv.FormatInt(size, 10))
	header.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(w, file); err != nil {
		s.logger(ctx).Debug("manifest copy interrupted", "error", err)
	}
	return nil
}

// ServeSegment streams one init or media segment through the range engine.
func (s *ArtifactServer) ServeSegment(w http.ResponseWriter, r *http.Request, id, name string) error {
	ctx := logging.ContextWithVideoID(r.Context(), id)
	if !filestore.IsSegmentName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidSegment, name)
	}
	if _, err := s.lookupReady(ctx, id); err != nil {
		return err
	}
	path, err := s.Files.SegmentPath(id, name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSegment, err)
	}
	return s.serveFile(ctx, w, r, path, filestore.ArtifactContentType(name), SegmentContentType)
}

// ServeOriginal streams the stored upload. Pending videos are playable in
// their original form; failed ones are not.
func (s *ArtifactServer) ServeOriginal(w http.ResponseWriter, r *http.Request, id string) error {
	ctx := logging.ContextWithVideoID(r.Context(), id)
	video, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if video.Status == models.VideoStatusFailed {
		return fmt.Errorf("%w: %s", ErrVideoFailed, id)
	}
	if video.FilePath == "" {
		return fmt.Errorf("%w: %s has no original", ErrFileMissing, id)
	}
	return s.serveFile(ctx, w, r, video.FilePath, video.ContentType, OriginalContentType)
}

func (s *ArtifactServer) serveFile(ctx context.Context, w http.ResponseWriter, r *http.Request, path, explicitType, fallback string) error {
	file, size, err := openMapped(s.Files, path)
	if err != nil {
		return err
	}
	defer file.Close()

	contentType := ProbeContentType(explicitType, path, file, fallback)
	window, err := ServeRange(w, r, file, size, contentType, s.MaxChunk)
	if err != nil {
		s.logger(ctx).Debug("range copy interrupted",
			"start", window.Start,
			"end", window.End,
			"error", err,
		)
	}
	return nil
}
