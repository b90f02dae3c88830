package snapshot

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrEntityIDRequired indicates a missing entity id.
var ErrEntityIDRequired = errors.New("entity id is required")

// Memory stores snapshots in memory.
type Memory struct {
	mu        sync.Mutex
	snapshots map[string][]Snapshot
}

// NewMemory creates a new in-memory snapshot store.
func NewMemory() *Memory {
	return &Memory{snapshots: make(map[string][]Snapshot)}
}

// Name identifies the store.
func (m *Memory) Name() string {
	return "memory"
}

// PutSnapshot persists a snapshot.
func (m *Memory) PutSnapshot(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil {
		return errors.New("snapshot store is required")
	}
	entityID := strings.TrimSpace(snap.EntityID)
	if entityID == "" {
		return ErrEntityIDRequired
	}
	snap.EntityID = entityID

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.snapshots[entityID]
	for i := range existing {
		if existing[i].ID == snap.ID {
			existing[i] = snap.Clone()
			SortNewestFirst(existing)
			return nil
		}
	}
	existing = append(existing, snap.Clone())
	SortNewestFirst(existing)
	m.snapshots[entityID] = existing
	return nil
}

// GetSnapshot retrieves a snapshot by id.
func (m *Memory) GetSnapshot(ctx context.Context, entityID, snapshotID string) (Snapshot, error) {
	snaps, err := m.ListSnapshots(ctx, entityID)
	if err != nil {
		return Snapshot{}, err
	}
	snapshotID = strings.TrimSpace(snapshotID)
	for _, snap := range snaps {
		if snap.ID == snapshotID {
			return snap, nil
		}
	}
	return Snapshot{}, ErrNotFound
}

// LatestSnapshot retrieves the snapshot with the highest sequence.
func (m *Memory) LatestSnapshot(ctx context.Context, entityID string) (Snapshot, error) {
	snaps, err := m.ListSnapshots(ctx, entityID)
	if err != nil {
		return Snapshot{}, err
	}
	if len(snaps) == 0 {
		return Snapshot{}, ErrNotFound
	}
	return snaps[0], nil
}

// ListSnapshots returns copies of every snapshot for an entity, newest first.
func (m *Memory) ListSnapshots(ctx context.Context, entityID string) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("snapshot store is required")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, ErrEntityIDRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.snapshots[entityID]
	out := make([]Snapshot, 0, len(existing))
	for _, snap := range existing {
		out = append(out, snap.Clone())
	}
	return out, nil
}

// DeleteSnapshots removes the given snapshot ids. Unknown ids are ignored.
func (m *Memory) DeleteSnapshots(ctx context.Context, entityID string, snapshotIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil {
		return errors.New("snapshot store is required")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return ErrEntityIDRequired
	}
	drop := make(map[string]struct{}, len(snapshotIDs))
	for _, id := range snapshotIDs {
		drop[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.snapshots[entityID]
	kept := existing[:0]
	for _, snap := range existing {
		if _, ok := drop[snap.ID]; ok {
			continue
		}
		kept = append(kept, snap)
	}
	if len(kept) == 0 {
		delete(m.snapshots, entityID)
		return nil
	}
	m.snapshots[entityID] = kept
	return nil
}
