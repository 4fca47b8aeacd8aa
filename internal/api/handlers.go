package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"bitriver-vod/internal/delivery"
	"bitriver-vod/internal/ingest"
	"bitriver-vod/internal/models"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/storage"
)

// DefaultMaxUploadBytes bounds a multipart request when no limit is configured.
const DefaultMaxUploadBytes int64 = 4 << 30

// VideoService is the write side used by the handlers. ingest.Coordinator
// implements it.
type VideoService interface {
	Ingest(ctx context.Context, upload ingest.Upload) (ingest.Submission, error)
	IngestAndWait(ctx context.Context, upload ingest.Upload) (ingest.Outcome, error)
	Remove(ctx context.Context, id string) (string, error)
	Job(ctx context.Context, jobID string) (models.TranscodeJob, error)
	CancelJob(ctx context.Context, jobID string) (models.TranscodeJob, error)
}

type Handler struct {
	Store       storage.Repository
	Videos      VideoService
	Artifacts   *delivery.ArtifactServer
	Jobs        ingest.JobStore
	RateLimiter Pinger
	Logger      *slog.Logger
	// MaxUploadBytes caps the whole multipart body.
	MaxUploadBytes int64
	// SpoolDir holds multipart file parts until the form is fully read.
	SpoolDir string
}

func NewHandler(store storage.Repository, videos VideoService, artifacts *delivery.ArtifactServer) *Handler {
	return &Handler{Store: store, Videos: videos, Artifacts: artifacts}
}

func (h *Handler) logger(ctx context.Context) *slog.Logger {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logging.FromContext(ctx, logging.WithComponent(logger, "api"))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, "GET, HEAD")
		return
	}
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

// videoPrefixes are the mount points of the video routes. The /api form is
// kept for clients of the earlier service.
var videoPrefixes = []string{"/api/videos", "/videos"}

func splitVideoPath(path string) ([]string, bool) {
	for _, prefix := range videoPrefixes {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok {
			continue
		}
		if rest != "" && !strings.HasPrefix(rest, "/") {
			return nil, false
		}
		rest = strings.Trim(rest, "/")
		if rest == "" {
			return nil, true
		}
		return strings.Split(rest, "/"), true
	}
	return nil, false
}

// ServeVideos dispatches every route below the video mount points.
func (h *Handler) ServeVideos(w http.ResponseWriter, r *http.Request) {
	parts, ok := splitVideoPath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown path"))
		return
	}
	switch {
	case len(parts) == 0:
		h.videoCollection(w, r)
	case len(parts) == 2 && parts[0] == "stream":
		h.streamOriginal(w, r, parts[1])
	case len(parts) == 2 && parts[0] == "jobs":
		h.jobByID(w, r, parts[1])
	case len(parts) == 1:
		h.videoByID(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "manifest.mpd":
		h.manifest(w, r, parts[0])
	case len(parts) == 2:
		h.segment(w, r, parts[0], parts[1])
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown video path"))
	}
}

func (h *Handler) videoCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listVideos(w, r)
	case http.MethodPost:
		h.createVideo(w, r)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func (h *Handler) listVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := h.Store.FindAll(r.Context())
	if err != nil {
		h.logger(r.Context()).Error("list videos failed", "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("list videos failed"))
		return
	}
	if videos == nil {
		videos = []models.Video{}
	}
	writeJSON(w, http.StatusOK, videos)
}

func (h *Handler) videoByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		if !storage.ValidID(id) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("malformed video id %q", id))
			return
		}
		video, err := storage.Get(r.Context(), h.Store, id)
		if err != nil {
			h.writeStoreError(w, r, id, err)
			return
		}
		writeJSON(w, http.StatusOK, video)
	case http.MethodDelete:
		message, err := h.Videos.Remove(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, ingest.ErrInvalidInput):
				writeError(w, http.StatusBadRequest, fmt.Errorf("malformed video id %q", id))
			case errors.Is(err, storage.ErrNotFound):
				writeError(w, http.StatusNotFound, fmt.Errorf("video not found with ID: %s", id))
			default:
				h.logger(r.Context()).Error("remove video failed", "video_id", id, "error", err)
				writeError(w, http.StatusInternalServerError, fmt.Errorf("remove video failed"))
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": message})
	default:
		methodNotAllowed(w, r, "GET, DELETE")
	}
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, id string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("video not found with ID: %s", id))
		return
	}
	h.logger(r.Context()).Error("load video failed", "video_id", id, "error", err)
	writeError(w, http.StatusInternalServerError, fmt.Errorf("load video failed"))
}

func (h *Handler) jobByID(w http.ResponseWriter, r *http.Request, jobID string) {
	var (
		job models.TranscodeJob
		err error
	)
	switch r.Method {
	case http.MethodGet:
		job, err = h.Videos.Job(r.Context(), jobID)
	case http.MethodDelete:
		job, err = h.Videos.CancelJob(r.Context(), jobID)
	default:
		methodNotAllowed(w, r, "GET, DELETE")
		return
	}
	if err != nil {
		if errors.Is(err, ingest.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", jobID))
			return
		}
		h.logger(r.Context()).Error("job lookup failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("job lookup failed"))
		return
	}
	status := http.StatusOK
	if r.Method == http.MethodDelete && !job.Status.Terminal() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, job)
}
