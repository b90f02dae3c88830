package snapshot

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "github.com/louisbranch/sessionstate/internal/platform/errors"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
)

type failingStore struct {
	*Memory
	name    string
	putErr  error
	readErr error
}

func (f *failingStore) Name() string { return f.name }

func (f *failingStore) PutSnapshot(ctx context.Context, snap Snapshot) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.Memory.PutSnapshot(ctx, snap)
}

func (f *failingStore) LatestSnapshot(ctx context.Context, entityID string) (Snapshot, error) {
	if f.readErr != nil {
		return Snapshot{}, f.readErr
	}
	return f.Memory.LatestSnapshot(ctx, entityID)
}

func (f *failingStore) ListSnapshots(ctx context.Context, entityID string) ([]Snapshot, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.Memory.ListSnapshots(ctx, entityID)
}

func fixedClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		current := now
		now = now.Add(time.Second)
		return current
	}
}

func sessionState(seq uint64, payload string) entity.State {
	return entity.State{ID: "g1", Type: "session", SchemaVersion: 1, Seq: seq, Payload: []byte(payload)}
}

func TestNewManagerRequiresStore(t *testing.T) {
	if _, err := NewManager(nil); !errors.Is(err, ErrStoreRequired) {
		t.Fatalf("error = %v, want %v", err, ErrStoreRequired)
	}
}

func TestCreateSnapshotFansOutToEveryStore(t *testing.T) {
	first := NewMemory()
	second := &failingStore{Memory: NewMemory(), name: "secondary"}
	manager, err := NewManager([]Store{first, second})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	snap, err := manager.CreateSnapshot(context.Background(), sessionState(4, `{"turn":4}`), map[string]string{MetaReason: "test"})
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	if got := snap.Metadata[MetaStoredIn]; got != "memory,secondary" {
		t.Fatalf("stored_in = %q, want %q", got, "memory,secondary")
	}
	if _, ok := snap.Metadata[MetaFailedStores]; ok {
		t.Fatal("did not expect failed stores")
	}
	for _, store := range []Store{first, second} {
		loaded, err := store.GetSnapshot(context.Background(), "g1", snap.ID)
		if err != nil {
			t.Fatalf("%s get snapshot: %v", store.Name(), err)
		}
		if loaded.Seq != 4 {
			t.Fatalf("%s seq = %d, want 4", store.Name(), loaded.Seq)
		}
	}
}

func TestCreateSnapshotReportsPartialFailure(t *testing.T) {
	good := NewMemory()
	bad := &failingStore{Memory: NewMemory(), name: "disk", putErr: errors.New("disk full")}
	manager, err := NewManager([]Store{bad, good})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	snap, err := manager.CreateSnapshot(context.Background(), sessionState(1, `{}`), nil)
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	if got := snap.Metadata[MetaStoredIn]; got != "memory" {
		t.Fatalf("stored_in = %q, want memory", got)
	}
	if got := snap.Metadata[MetaFailedStores]; !strings.Contains(got, "disk full") {
		t.Fatalf("failed_stores = %q, want disk full", got)
	}
}

func TestCreateSnapshotAllStoresFail(t *testing.T) {
	manager, err := NewManager([]Store{
		&failingStore{Memory: NewMemory(), name: "a", putErr: errors.New("down")},
		&failingStore{Memory: NewMemory(), name: "b", putErr: errors.New("down")},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	_, err = manager.CreateSnapshot(context.Background(), sessionState(1, `{}`), nil)
	if !apperrors.HasCode(err, apperrors.CodePersistenceUnavailable) {
		t.Fatalf("error = %v, want persistence unavailable", err)
	}
}

func TestCreateSnapshotCompressesAboveThreshold(t *testing.T) {
	store := NewMemory()
	manager, err := NewManager([]Store{store}, WithCompressionThreshold(32))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	payload := strings.Repeat("a", 256)

	snap, err := manager.CreateSnapshot(context.Background(), sessionState(2, payload), nil)
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	if !snap.Compressed {
		t.Fatal("expected compressed snapshot")
	}
	restored, err := manager.RestoreLatest(context.Background(), "g1")
	if err != nil {
		t.Fatalf("restore latest: %v", err)
	}
	state, err := restored.State()
	if err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if !bytes.Equal(state.Payload, []byte(payload)) {
		t.Fatal("payload mismatch after decompression")
	}
}

func TestRestoreLatestReadsStoresInPriorityOrder(t *testing.T) {
	primary := &failingStore{Memory: NewMemory(), name: "primary", readErr: errors.New("unreachable")}
	secondary := NewMemory()
	manager, err := NewManager([]Store{primary, secondary})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := manager.CreateSnapshot(context.Background(), sessionState(7, `{}`), nil); err != nil {
		t.Fatalf("create snapshot: %v", err)
	}

	snap, err := manager.RestoreLatest(context.Background(), "g1")
	if err != nil {
		t.Fatalf("restore latest: %v", err)
	}
	if snap.Seq != 7 {
		t.Fatalf("seq = %d, want 7", snap.Seq)
	}

	_, err = manager.RestoreLatest(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want not found", err)
	}
}

func TestRestoreReadsNewestAcrossDivergentStores(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	primary := &failingStore{Memory: NewMemory(), name: "primary"}
	secondary := NewMemory()
	manager, err := NewManager([]Store{primary, secondary}, WithClock(fixedClock(start)))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := manager.CreateSnapshot(context.Background(), sessionState(100, `{"v":100}`), nil); err != nil {
		t.Fatalf("create snapshot 100: %v", err)
	}
	primary.putErr = errors.New("disk full")
	snap, err := manager.CreateSnapshot(context.Background(), sessionState(200, `{"v":200}`), nil)
	if err != nil {
		t.Fatalf("create snapshot 200: %v", err)
	}
	if snap.Metadata[MetaStoredIn] != "memory" {
		t.Fatalf("stored in = %q, want memory", snap.Metadata[MetaStoredIn])
	}

	latest, err := manager.RestoreLatest(context.Background(), "g1")
	if err != nil {
		t.Fatalf("restore latest: %v", err)
	}
	if latest.Seq != 200 {
		t.Fatalf("latest seq = %d, want 200", latest.Seq)
	}

	tests := []struct {
		name    string
		point   Point
		wantSeq uint64
	}{
		{name: "beyond latest", point: AtSeq(500), wantSeq: 200},
		{name: "between", point: AtSeq(150), wantSeq: 100},
		{name: "time of second", point: AtTime(start.Add(time.Second)), wantSeq: 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := manager.RestoreAt(context.Background(), "g1", tt.point)
			if err != nil {
				t.Fatalf("restore at: %v", err)
			}
			if got.Seq != tt.wantSeq {
				t.Fatalf("seq = %d, want %d", got.Seq, tt.wantSeq)
			}
		})
	}
}

func TestRestoreLatestPrefersEarlierStoreOnEqualSeq(t *testing.T) {
	primary := NewMemory()
	secondary := &failingStore{Memory: NewMemory(), name: "secondary"}
	manager, err := NewManager([]Store{primary, secondary})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := primary.PutSnapshot(context.Background(), Snapshot{ID: "snap-a", EntityID: "g1", Seq: 4}); err != nil {
		t.Fatalf("put primary: %v", err)
	}
	if err := secondary.PutSnapshot(context.Background(), Snapshot{ID: "snap-b", EntityID: "g1", Seq: 4}); err != nil {
		t.Fatalf("put secondary: %v", err)
	}
	snap, err := manager.RestoreLatest(context.Background(), "g1")
	if err != nil {
		t.Fatalf("restore latest: %v", err)
	}
	if snap.ID != "snap-a" {
		t.Fatalf("id = %q, want snap-a", snap.ID)
	}
}

func TestRestoreLatestAllStoresUnavailable(t *testing.T) {
	manager, err := NewManager([]Store{&failingStore{Memory: NewMemory(), name: "a", readErr: errors.New("down")}})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	_, err = manager.RestoreLatest(context.Background(), "g1")
	if !apperrors.HasCode(err, apperrors.CodePersistenceUnavailable) {
		t.Fatalf("error = %v, want persistence unavailable", err)
	}
}

func TestRestoreAtSelectsBySeqAndTime(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager, err := NewManager([]Store{NewMemory()}, WithClock(fixedClock(start)))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	for _, seq := range []uint64{0, 10, 20} {
		if _, err := manager.CreateSnapshot(context.Background(), sessionState(seq, `{}`), nil); err != nil {
			t.Fatalf("create snapshot %d: %v", seq, err)
		}
	}

	tests := []struct {
		name    string
		point   Point
		wantSeq uint64
		wantErr bool
	}{
		{name: "exact seq", point: AtSeq(10), wantSeq: 10},
		{name: "between seqs", point: AtSeq(15), wantSeq: 10},
		{name: "beyond latest", point: AtSeq(99), wantSeq: 20},
		{name: "time of second", point: AtTime(start.Add(time.Second)), wantSeq: 10},
		{name: "before first", point: AtTime(start.Add(-time.Minute)), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := manager.RestoreAt(context.Background(), "g1", tt.point)
			if tt.wantErr {
				if !errors.Is(err, ErrNotFound) {
					t.Fatalf("error = %v, want not found", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("restore at: %v", err)
			}
			if snap.Seq != tt.wantSeq {
				t.Fatalf("seq = %d, want %d", snap.Seq, tt.wantSeq)
			}
		})
	}
}

func TestListSnapshotsMergesStores(t *testing.T) {
	first := NewMemory()
	second := NewMemory()
	manager, err := NewManager([]Store{first, second})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	shared, err := manager.CreateSnapshot(context.Background(), sessionState(5, `{}`), nil)
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	onlySecond := shared
	onlySecond.ID = "snap_only_second"
	onlySecond.Seq = 9
	if err := second.PutSnapshot(context.Background(), onlySecond); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}

	snaps, err := manager.ListSnapshots(context.Background(), "g1")
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snaps))
	}
	if snaps[0].ID != "snap_only_second" || snaps[1].ID != shared.ID {
		t.Fatalf("order = [%s %s]", snaps[0].ID, snaps[1].ID)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	store := NewMemory()
	manager, err := NewManager([]Store{store})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	for _, seq := range []uint64{0, 100, 200, 300} {
		if _, err := manager.CreateSnapshot(context.Background(), sessionState(seq, `{}`), nil); err != nil {
			t.Fatalf("create snapshot: %v", err)
		}
	}

	removed, err := manager.Prune(context.Background(), "g1", 2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	snaps, err := store.ListSnapshots(context.Background(), "g1")
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 2 || snaps[0].Seq != 300 || snaps[1].Seq != 200 {
		t.Fatalf("remaining = %+v", snaps)
	}
}
