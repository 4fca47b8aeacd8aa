package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestRepository(t *testing.T, opts ...Option) *JSONRepository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewJSONRepository(path, opts...)
	if err != nil {
		t.Fatalf("NewJSONRepository error: %v", err)
	}
	return store
}

func jsonRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewJSONRepository(path, opts...)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

func fixedTime() time.Time {
	return time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)
}
