package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/sessionstate/internal/services/state/storage/integrity"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testKeyring(t *testing.T) *integrity.Keyring {
	t.Helper()
	ring, err := integrity.NewKeyring(map[string][]byte{"v1": []byte("test-secret")}, "v1")
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	return ring
}

func openTestEvents(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.sqlite")
	store, err := OpenEvents(context.Background(), path, testKeyring(t), WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("open events store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func openTestArchive(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.sqlite")
	store, err := OpenArchive(context.Background(), path, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("open archive store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
