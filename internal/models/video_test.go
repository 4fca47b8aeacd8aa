package models

import (
	"testing"
	"time"
)

func TestNewVideoValidatesAndDefaults(t *testing.T) {
	if _, err := NewVideo(NewVideoParams{Title: " ", Description: "d"}); err == nil {
		t.Fatalf("expected error for blank title")
	}
	if _, err := NewVideo(NewVideoParams{Title: "t", Description: ""}); err == nil {
		t.Fatalf("expected error for blank description")
	}

	video, err := NewVideo(NewVideoParams{
		Title:       "  Launch  ",
		Description: "first upload",
		Tags:        []string{"news", " News ", "", "sport"},
	})
	if err != nil {
		t.Fatalf("NewVideo error: %v", err)
	}
	if video.Title != "Launch" {
		t.Fatalf("expected trimmed title, got %q", video.Title)
	}
	if video.Uploader != DefaultUploader {
		t.Fatalf("expected default uploader, got %q", video.Uploader)
	}
	if video.ThumbnailURL != DefaultThumbnailURL {
		t.Fatalf("expected placeholder thumbnail, got %q", video.ThumbnailURL)
	}
	if video.Status != VideoStatusPending {
		t.Fatalf("expected pending status, got %q", video.Status)
	}
	if !video.IsDraft() {
		t.Fatalf("expected draft without file path")
	}
	if len(video.Tags) != 2 || video.Tags[0] != "news" || video.Tags[1] != "sport" {
		t.Fatalf("unexpected tags %v", video.Tags)
	}
}

func TestVideoTransitionsDoNotMutateReceiver(t *testing.T) {
	draft, err := NewVideo(NewVideoParams{Title: "t", Description: "d", Tags: []string{"a"}})
	if err != nil {
		t.Fatalf("NewVideo error: %v", err)
	}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	committed := draft.Commit("/videos/a.mp4", "video/mp4", 42, "abc", now)
	if !draft.IsDraft() {
		t.Fatalf("commit mutated the draft")
	}
	if committed.FilePath != "/videos/a.mp4" || committed.ContentType != "video/mp4" || committed.SizeBytes != 42 {
		t.Fatalf("unexpected committed record %+v", committed)
	}
	if committed.UploadDate != "2024-03-01T12:00:00Z" {
		t.Fatalf("unexpected upload date %q", committed.UploadDate)
	}

	committed.Tags[0] = "changed"
	if draft.Tags[0] != "a" {
		t.Fatalf("tags slice shared between records")
	}

	ready := committed.WithID("abc123").MarkReady("/segments/abc123/manifest.mpd", now.Add(time.Minute))
	if committed.Status != VideoStatusPending || committed.ID != "" {
		t.Fatalf("transition mutated committed record")
	}
	if ready.Status != VideoStatusReady || ready.ManifestPath == "" || ready.ID != "abc123" {
		t.Fatalf("unexpected ready record %+v", ready)
	}

	failed := ready.MarkFailed(now.Add(2 * time.Minute))
	if failed.Status != VideoStatusFailed || failed.ManifestPath != "" {
		t.Fatalf("unexpected failed record %+v", failed)
	}
	if ready.Status != VideoStatusReady {
		t.Fatalf("MarkFailed mutated receiver")
	}
}

func TestJobStatusTerminal(t *testing.T) {
	cases := map[JobStatus]bool{
		JobStatusQueued:    false,
		JobStatusRunning:   false,
		JobStatusSucceeded: true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Fatalf("%s: expected terminal=%v, got %v", status, want, got)
		}
	}
}
