package delivery

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bitriver-vod/internal/observability/metrics"
)

// patternReader is a virtual file whose byte at offset i is i % 251.
type patternReader struct{ size int64 }

func (p patternReader) ReadAt(b []byte, off int64) (int, error) {
	if off >= p.size {
		return 0, io.EOF
	}
	n := len(b)
	if remaining := p.size - off; int64(n) > remaining {
		n = int(remaining)
	}
	for i := 0; i < n; i++ {
		b[i] = byte((off + int64(i)) % 251)
	}
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func withRecorder(t *testing.T) *metrics.Recorder {
	t.Helper()
	previous := metrics.Default()
	recorder := metrics.New()
	metrics.SetDefault(recorder)
	t.Cleanup(func() { metrics.SetDefault(previous) })
	return recorder
}

func TestServeRangeOpenEndedOn100MiB(t *testing.T) {
	recorder := withRecorder(t)
	src := patternReader{size: 100 * mib}
	req := httptest.NewRequest(http.MethodGet, "/videos/stream/x", nil)
	req.Header.Set("Range", "bytes=50000000-")
	rec := httptest.NewRecorder()

	window, err := ServeRange(rec, req, src, src.size, "video/mp4", 0)
	if err != nil {
		t.Fatalf("ServeRange: %v", err)
	}
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 50000000-70971519/104857600" {
		t.Fatalf("unexpected Content-Range %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "20971520" {
		t.Fatalf("unexpected Content-Length %q", got)
	}
	if rec.Header().Get("Accept-Ranges") != "bytes" || rec.Header().Get("Content-Type") != "video/mp4" {
		t.Fatalf("unexpected headers %v", rec.Header())
	}
	body := rec.Body.Bytes()
	if int64(len(body)) != window.Length() {
		t.Fatalf("expected %d body bytes, got %d", window.Length(), len(body))
	}
	for _, i := range []int{0, 1, len(body) / 2, len(body) - 1} {
		if want := byte((window.Start + int64(i)) % 251); body[i] != want {
			t.Fatalf("byte %d = %d, want %d", i, body[i], want)
		}
	}

	responses, bytes := recorder.RangeCounts()
	if responses["partial"] != 1 || bytes["partial"] != 20971520 {
		t.Fatalf("unexpected range metrics %v %v", responses, bytes)
	}
}

func TestServeRangeUnsatisfiable(t *testing.T) {
	recorder := withRecorder(t)
	src := patternReader{size: 100 * mib}
	req := httptest.NewRequest(http.MethodGet, "/videos/stream/x", nil)
	req.Header.Set("Range", "bytes=999999999-")
	rec := httptest.NewRecorder()

	if _, err := ServeRange(rec, req, src, src.size, "video/mp4", 0); err != nil {
		t.Fatalf("ServeRange: %v", err)
	}
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("expected 416, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes */104857600" {
		t.Fatalf("unexpected Content-Range %q", got)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %d bytes", rec.Body.Len())
	}
	responses, _ := recorder.RangeCounts()
	if responses["unsatisfiable"] != 1 {
		t.Fatalf("expected unsatisfiable metric, got %v", responses)
	}
}

func TestServeRangeHeadSendsHeadersOnly(t *testing.T) {
	withRecorder(t)
	req := httptest.NewRequest(http.MethodHead, "/videos/stream/x", nil)
	rec := httptest.NewRecorder()
	if _, err := ServeRange(rec, req, strings.NewReader("hello world"), 11, "text/plain", 0); err != nil {
		t.Fatalf("ServeRange: %v", err)
	}
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Length") != "11" || rec.Header().Get("Content-Range") != "bytes 0-10/11" {
		t.Fatalf("unexpected headers %v", rec.Header())
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("HEAD wrote a body")
	}
}

func TestProbeContentType(t *testing.T) {
	png := "\x89PNG\r\n\x1a\n" + strings.Repeat("\x00", 16)
	cases := []struct {
		name     string
		explicit string
		file     string
		src      io.ReaderAt
		fallback string
		want     string
	}{
		{"explicit wins", "video/webm", "clip.mp4", nil, "video/mp4", "video/webm"},
		{"extension", "", "poster.png", nil, "application/octet-stream", "image/png"},
		{"sniffed", "", "clip", strings.NewReader(png), "video/mp4", "image/png"},
		{"fallback", "", "clip", strings.NewReader("\x00\x01\x02\x03"), "video/mp4", "video/mp4"},
		{"no source", "", "clip", nil, "video/mp4", "video/mp4"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := ProbeContentType(tc.explicit, tc.file, tc.src, tc.fallback); got != tc.want {
				t.Fatalf("ProbeContentType = %q, want %q", got, tc.want)
			}
		})
	}
}
