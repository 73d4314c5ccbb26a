// Package storagetest opens throwaway SQLite stores for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"

	"starchat/internal/storage"
)

func Open(t testing.TB) *storage.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db")
	store, err := storage.Open(context.Background(), "sqlite", dsn, true)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
