package delivery

import (
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"bitriver-vod/internal/observability/metrics"
)

const (
	outcomePartial       = "partial"
	outcomeUnsatisfiable = "unsatisfiable"

	sniffLen = 512
)

// ServeRange writes the window selected by the request's Range header. A
// satisfiable window is answered with 206 and exactly Length() bytes read
// from src; anything else gets 416 with an empty body. HEAD requests receive
// the same headers without a body. The returned error only reports failures
// while copying the body, after the headers have been committed.
func ServeRange(w http.ResponseWriter, r *http.Request, src io.ReaderAt, total int64, contentType string, maxChunk int64) (Window, error) {
	window := Resolve(r.Header.Get("Range"), total, maxChunk)
	header := w.Header()
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Range", window.ContentRange())

	if !window.Satisfiable {
		header.Set("Content-Length", "0")
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		metrics.Default().ObserveRange(outcomeUnsatisfiable, 0)
		return window, nil
	}

	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	header.Set("Content-Length", strconv.FormatInt(window.Length(), 10))
	w.WriteHeader(http.StatusPartialContent)

	if r.Method == http.MethodHead {
		metrics.Default().ObserveRange(outcomePartial, 0)
		return window, nil
	}

	written, err := io.Copy(w, io.NewSectionReader(src, window.Start, window.Length()))
	metrics.Default().ObserveRange(outcomePartial, written)
	return window, err
}

// ProbeContentType picks the media type for a served file: the explicit
// value when set, then the file extension, then a sniff of the leading bytes
// of src. fallback is used when none of those yield a specific type.
func ProbeContentType(explicit, name string, src io.ReaderAt, fallback string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	if ext := filepath.Ext(name); ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			return byExt
		}
	}
	if src != nil {
		buf := make([]byte, sniffLen)
		n, err := src.ReadAt(buf, 0)
		if n > 0 && (err == nil || err == io.EOF) {
			if sniffed := http.DetectContentType(buf[:n]); sniffed != "application/octet-stream" {
				return sniffed
			}
		}
	}
	return fallback
}
