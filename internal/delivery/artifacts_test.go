package delivery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"bitriver-vod/internal/filestore"
	"bitriver-vod/internal/models"
	"bitriver-vod/internal/observability/logging"
)

const (
	readyID   = "0123456789abcdef0123456789abcdef"
	pendingID = "11111111111111111111111111111111"
	failedID  = "22222222222222222222222222222222"
	missingID = "33333333333333333333333333333333"
	brokenID  = "44444444444444444444444444444444"
)

type fakeLookup map[string]models.Video

func (f fakeLookup) FindByID(_ context.Context, id string) (models.Video, bool, error) {
	video, ok := f[id]
	return video, ok, nil
}

func newArtifactServer(t *testing.T) *ArtifactServer {
	t.Helper()
	root := t.TempDir()
	files, err := filestore.New(filestore.Config{
		VideoRoot:   filepath.Join(root, "videos"),
		SegmentRoot: filepath.Join(root, "segments"),
	})
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}

	dir, err := files.PrepareSegmentDir(readyID)
	if err != nil {
		t.Fatalf("PrepareSegmentDir: %v", err)
	}
	writeFile(t, filepath.Join(dir, filestore.ManifestName), "<MPD></MPD>")
	writeFile(t, filepath.Join(dir, "init-stream0.m4s"), "init-bytes")
	writeFile(t, filepath.Join(dir, "chunk-stream0-00001.m4s"), "0123456789")

	original := filepath.Join(files.VideoRoot(), "clip.mp4")
	writeFile(t, original, "original-bytes")

	ready := models.Video{ID: readyID, Status: models.VideoStatusReady, FilePath: original, ContentType: "video/mp4"}
	return &ArtifactServer{
		Store: fakeLookup{
			readyID:   ready,
			pendingID: {ID: pendingID, Status: models.VideoStatusPending, FilePath: original},
			failedID:  {ID: failedID, Status: models.VideoStatusFailed, FilePath: original},
			brokenID:  {ID: brokenID, Status: models.VideoStatusReady, FilePath: filepath.Join(files.VideoRoot(), "gone.mp4")},
		},
		Files:  files,
		Logger: logging.Discard(),
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestServeManifest(t *testing.T) {
	server := newArtifactServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/videos/"+readyID+"/manifest.mpd", nil)
	if err := server.ServeManifest(rec, req, readyID); err != nil {
		t.Fatalf("ServeManifest: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != ManifestContentType {
		t.Fatalf("unexpected content type %q", got)
	}
	if rec.Body.String() != "<MPD></MPD>" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Range") != "" {
		t.Fatalf("manifest must not be range framed")
	}
}

func TestServeManifestStatusErrors(t *testing.T) {
	server := newArtifactServer(t)
	cases := []struct {
		id   string
		want error
	}{
		{pendingID, ErrNotReady},
		{failedID, ErrVideoFailed},
		{missingID, ErrVideoNotFound},
		{brokenID, ErrFileMissing},
		{"../etc", ErrInvalidID},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/videos/x/manifest.mpd", nil)
		err := server.ServeManifest(rec, req, tc.id)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.id, tc.want, err)
		}
		if rec.Body.Len() != 0 {
			t.Fatalf("%s: error path wrote a body", tc.id)
		}
	}
}

func TestServeSegmentRanges(t *testing.T) {
	server := newArtifactServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/videos/"+readyID+"/chunk-stream0-00001.m4s", nil)
	req.Header.Set("Range", "bytes=2-5")
	if err := server.ServeSegment(rec, req, readyID, "chunk-stream0-00001.m4s"); err != nil {
		t.Fatalf("ServeSegment: %v", err)
	}
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if rec.Body.String() != "2345" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != SegmentContentType {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 2-5/10" {
		t.Fatalf("unexpected content range %q", got)
	}
}

func TestServeSegmentRejections(t *testing.T) {
	server := newArtifactServer(t)
	cases := []struct {
		id, name string
		want     error
	}{
		{readyID, "../manifest.mpd", ErrInvalidSegment},
		{readyID, "manifest.mpd", ErrInvalidSegment},
		{readyID, "chunk-stream0-1.mp4", ErrInvalidSegment},
		{readyID, "chunk-stream9-00042.m4s", ErrFileMissing},
		{pendingID, "init-stream0.m4s", ErrNotReady},
		{failedID, "init-stream0.m4s", ErrVideoFailed},
		{missingID, "init-stream0.m4s", ErrVideoNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/videos/x/y", nil)
		if err := server.ServeSegment(rec, req, tc.id, tc.name); !errors.Is(err, tc.want) {
			t.Fatalf("%s/%s: expected %v, got %v", tc.id, tc.name, tc.want, err)
		}
	}
}

func TestServeOriginal(t *testing.T) {
	server := newArtifactServer(t)

	for _, id := range []string{readyID, pendingID} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/videos/stream/"+id, nil)
		if err := server.ServeOriginal(rec, req, id); err != nil {
			t.Fatalf("ServeOriginal(%s): %v", id, err)
		}
		if rec.Code != http.StatusPartialContent || rec.Body.String() != "original-bytes" {
			t.Fatalf("%s: unexpected response %d %q", id, rec.Code, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/videos/stream/"+readyID, nil)
	req.Header.Set("Range", "bytes=100-")
	if err := server.ServeOriginal(rec, req, readyID); err != nil {
		t.Fatalf("ServeOriginal: %v", err)
	}
	if rec.Code != http.StatusRequestedRangeNotSatisfiable || rec.Header().Get("Content-Range") != "bytes */14" {
		t.Fatalf("unexpected 416 response %d %v", rec.Code, rec.Header())
	}

	if err := server.ServeOriginal(httptest.NewRecorder(), req, failedID); !errors.Is(err, ErrVideoFailed) {
		t.Fatalf("expected failed error, got %v", err)
	}
	if err := server.ServeOriginal(httptest.NewRecorder(), req, brokenID); !errors.Is(err, ErrFileMissing) {
		t.Fatalf("expected missing file error, got %v", err)
	}
}
