package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"

	"bitriver-vod/internal/filestore"
	"bitriver-vod/internal/ingest"
	"bitriver-vod/internal/models"
)

// maxFieldBytes caps each non-file form value.
const maxFieldBytes = 64 << 10

type uploadResponse struct {
	Message string           `json:"message"`
	VideoID string           `json:"videoId"`
	JobID   string           `json:"jobId"`
	Status  models.JobStatus `json:"status"`
	Video   *models.Video    `json:"video,omitempty"`
}

// uploadForm is a parsed multipart request. The file part is spooled to disk
// so the remaining fields can arrive in any order.
type uploadForm struct {
	title       string
	description string
	uploader    string
	tags        []string
	fileName    string
	contentType string
	spool       *os.File
}

func (f *uploadForm) Close() {
	if f.spool == nil {
		return
	}
	name := f.spool.Name()
	_ = f.spool.Close()
	_ = os.Remove(name)
}

func (h *Handler) maxUploadBytes() int64 {
	if h.MaxUploadBytes > 0 {
		return h.MaxUploadBytes
	}
	return DefaultMaxUploadBytes
}

func (h *Handler) createVideo(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes())
	form, err := h.readUploadForm(r)
	if form != nil {
		defer form.Close()
	}
	if err != nil {
		h.writeUploadError(w, r, err)
		return
	}

	upload := ingest.Upload{
		FileName:    form.fileName,
		ContentType: form.contentType,
		Body:        form.spool,
		Title:       form.title,
		Description: form.description,
		Uploader:    form.uploader,
		Tags:        form.tags,
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		outcome, err := h.Videos.IngestAndWait(r.Context(), upload)
		if err != nil {
			h.writeUploadError(w, r, err)
			return
		}
		status := http.StatusCreated
		resp := uploadResponse{
			Message: outcome.Message,
			VideoID: outcome.Video.ID,
			JobID:   outcome.Job.ID,
			Status:  outcome.Job.Status,
		}
		if outcome.Succeeded {
			video := outcome.Video
			resp.Video = &video
		} else {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, resp)
		return
	}

	submission, err := h.Videos.Ingest(r.Context(), upload)
	if err != nil {
		h.writeUploadError(w, r, err)
		return
	}
	w.Header().Set("Location", "/videos/jobs/"+submission.Job.ID)
	writeJSON(w, http.StatusAccepted, uploadResponse{
		Message: submission.Message,
		VideoID: submission.Video.ID,
		JobID:   submission.Job.ID,
		Status:  submission.Job.Status,
	})
}

func (h *Handler) readUploadForm(r *http.Request) (*uploadForm, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: invalid multipart payload", ingest.ErrInvalidInput)
	}
	form := &uploadForm{}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return form, classifyBodyError(err, "read multipart data")
		}
		name := part.FormName()
		if name == "" {
			_ = part.Close()
			continue
		}
		if name == "file" {
			if form.spool != nil {
				_ = part.Close()
				continue
			}
			if err := h.spoolFilePart(form, part); err != nil {
				return form, err
			}
			continue
		}
		payload, readErr := io.ReadAll(io.LimitReader(part, maxFieldBytes))
		_ = part.Close()
		if readErr != nil {
			return form, classifyBodyError(readErr, "read form field")
		}
		value := strings.TrimSpace(string(payload))
		switch name {
		case "title":
			form.title = value
		case "description":
			form.description = value
		case "uploader":
			form.uploader = value
		case "tags", "tags[]":
			form.tags = append(form.tags, splitTags(value)...)
		}
	}
	if form.spool == nil {
		return form, fmt.Errorf("%w: file is required", ingest.ErrInvalidInput)
	}
	if _, err := form.spool.Seek(0, io.SeekStart); err != nil {
		return form, fmt.Errorf("%w: rewind spooled upload: %v", ingest.ErrIOFailure, err)
	}
	return form, nil
}

func (h *Handler) spoolFilePart(form *uploadForm, part *multipart.Part) error {
	defer part.Close()
	tmp, err := os.CreateTemp(h.SpoolDir, "pending-upload-*")
	if err != nil {
		return fmt.Errorf("%w: create spool file: %v", ingest.ErrIOFailure, err)
	}
	form.spool = tmp
	form.fileName = part.FileName()
	form.contentType = part.Header.Get("Content-Type")
	if _, err := io.Copy(tmp, part); err != nil {
		return classifyBodyError(err, "save upload")
	}
	return nil
}

func splitTags(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, ",")
}

// classifyBodyError separates oversized bodies and client disconnects from
// malformed payloads.
func classifyBodyError(err error, op string) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: limit %d bytes", filestore.ErrTooLarge, maxErr.Limit)
	}
	return fmt.Errorf("%w: %s: %v", ingest.ErrInvalidInput, op, err)
}

func (h *Handler) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, filestore.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, errors.New(ingest.UploadErrorMessage("file exceeds the upload size limit")))
	case errors.Is(err, ingest.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, errors.New(ingest.UploadErrorMessage(err.Error())))
	case errors.Is(err, ingest.ErrQueueFull), errors.Is(err, ingest.ErrShutdown):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, errors.New(ingest.UploadErrorMessage(err.Error())))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.logger(r.Context()).Warn("upload abandoned before completion", "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New(ingest.UploadErrorMessage(ingest.PublicMessage(err))))
	default:
		h.logger(r.Context()).Error("upload failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New(ingest.UploadErrorMessage(ingest.ErrIOFailure.Error())))
	}
}
