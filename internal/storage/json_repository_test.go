package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestJSONVideoLifecycle(t *testing.T) {
	RunRepositoryVideoLifecycle(t, jsonRepositoryFactory)
}

func TestJSONOrdering(t *testing.T) {
	RunRepositoryOrdering(t, jsonRepositoryFactory)
}

func TestJSONRejectsDrafts(t *testing.T) {
	RunRepositoryRejectsDrafts(t, jsonRepositoryFactory)
}

func TestJSONRepositoryReloadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	store, err := NewJSONRepository(path)
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	saved, err := store.Save(context.Background(), committedVideo(t, "persisted", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	reopened, err := NewJSONRepository(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	loaded, ok, err := reopened.FindByID(context.Background(), saved.ID)
	if err != nil || !ok {
		t.Fatalf("expected record after reload, ok=%v err=%v", ok, err)
	}
	if loaded.Title != "persisted" || loaded.Checksum != saved.Checksum {
		t.Fatalf("unexpected reloaded record %+v", loaded)
	}
}

func TestJSONRepositoryPersistFailureKeepsState(t *testing.T) {
	store := newTestRepository(t)
	ctx := context.Background()
	saved, err := store.Save(ctx, committedVideo(t, "kept", time.Now()))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	store.persistOverride = func(dataset) error { return errors.New("disk full") }

	if _, err := store.Save(ctx, committedVideo(t, "lost", time.Now())); err == nil {
		t.Fatalf("expected persist failure")
	}
	if err := store.DeleteByID(ctx, saved.ID); err == nil {
		t.Fatalf("expected persist failure on delete")
	}
	all, err := store.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(all) != 1 || all[0].ID != saved.ID {
		t.Fatalf("failed writes leaked into memory: %+v", all)
	}
}

func TestJSONRepositoryEmptyAndCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewJSONRepository(empty); err != nil {
		t.Fatalf("empty file should load: %v", err)
	}

	corrupt := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewJSONRepository(corrupt); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestJSONRepositoryUsesClock(t *testing.T) {
	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newTestRepository(t, WithClock(func() time.Time { return fixed }))
	video := committedVideo(t, "clocked", time.Now())
	video.CreatedAt = time.Time{}
	video.UpdatedAt = time.Time{}
	saved, err := store.Save(context.Background(), video)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !saved.CreatedAt.Equal(fixed) || !saved.UpdatedAt.Equal(fixed) {
		t.Fatalf("expected clock timestamps, got %s / %s", saved.CreatedAt, saved.UpdatedAt)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(ctx, Backend{Driver: "json", JSONPath: filepath.Join(t.TempDir(), "s.json")})
	if err != nil {
		t.Fatalf("Open json: %v", err)
	}
	if _, ok := repo.(*JSONRepository); !ok {
		t.Fatalf("expected JSON repository, got %T", repo)
	}
	if _, err := Open(ctx, Backend{Driver: "json"}); err == nil {
		t.Fatalf("expected missing path error")
	}
	if _, err := Open(ctx, Backend{Driver: "postgres"}); err == nil {
		t.Fatalf("expected missing dsn error")
	}
	if _, err := Open(ctx, Backend{Driver: "mongo"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}
