package api

import (
	"errors"
	"net/http"

	"bitriver-vod/internal/delivery"
)

func (h *Handler) streamOriginal(w http.ResponseWriter, r *http.Request, id string) {
	if !allowRead(w, r) {
		return
	}
	h.writeDeliveryError(w, r, id, h.Artifacts.ServeOriginal(w, r, id))
}

func (h *Handler) manifest(w http.ResponseWriter, r *http.Request, id string) {
	if !allowRead(w, r) {
		return
	}
	h.writeDeliveryError(w, r, id, h.Artifacts.ServeManifest(w, r, id))
}

func (h *Handler) segment(w http.ResponseWriter, r *http.Request, id, name string) {
	if !allowRead(w, r) {
		return
	}
	h.writeDeliveryError(w, r, id, h.Artifacts.ServeSegment(w, r, id, name))
}

func allowRead(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	methodNotAllowed(w, r, "GET, HEAD")
	return false
}

// writeDeliveryError renders an artifact lookup failure. A nil err means the
// response has already been written.
func (h *Handler) writeDeliveryError(w http.ResponseWriter, r *http.Request, id string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, delivery.ErrInvalidID), errors.Is(err, delivery.ErrInvalidSegment):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, delivery.ErrNotReady):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, delivery.ErrVideoNotFound), errors.Is(err, delivery.ErrVideoFailed):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, delivery.ErrFileMissing):
		h.logger(r.Context()).Warn("artifact missing on disk", "video_id", id, "error", err)
		writeError(w, http.StatusNotFound, delivery.ErrFileMissing)
	default:
		h.logger(r.Context()).Error("artifact lookup failed", "video_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("artifact lookup failed"))
	}
}
