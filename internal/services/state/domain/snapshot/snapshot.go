// Package snapshot persists point-in-time copies of entity state across one
// or more stores and picks the copy a reader should see.
package snapshot

import (
	"context"
	"sort"
	"time"

	"github.com/louisbranch/sessionstate/internal/platform/compress"
	apperrors "github.com/louisbranch/sessionstate/internal/platform/errors"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
)

// Metadata keys written by the manager.
const (
	MetaStoredIn     = "stored_in"
	MetaFailedStores = "failed_stores"
	MetaReason       = "reason"
)

// ErrNotFound indicates no snapshot matched the request.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "snapshot not found")

// Snapshot is a durable copy of an entity state at sequence Seq.
type Snapshot struct {
	ID            string
	EntityID      string
	EntityType    string
	SchemaVersion int
	Seq           uint64
	Status        string
	Completed     bool
	LastActivity  time.Time
	CreatedAt     time.Time
	Payload       []byte
	Compressed    bool
	Metadata      map[string]string
}

// State decodes the snapshot back into an entity state.
func (s Snapshot) State() (entity.State, error) {
	payload := s.Payload
	if s.Compressed {
		decoded, err := compress.Decompress(payload)
		if err != nil {
			return entity.State{}, apperrors.WrapWithMetadata(apperrors.CodeValidationFailed, "decode snapshot payload",
				map[string]string{"snapshot_id": s.ID, "entity_id": s.EntityID}, err)
		}
		payload = decoded
	} else if payload != nil {
		payload = append([]byte(nil), payload...)
	}
	return entity.State{
		ID:            s.EntityID,
		Type:          s.EntityType,
		SchemaVersion: s.SchemaVersion,
		Seq:           s.Seq,
		Status:        s.Status,
		Payload:       payload,
		Completed:     s.Completed,
		LastActivity:  s.LastActivity,
	}, nil
}

// Clone returns a copy that shares no memory with s.
func (s Snapshot) Clone() Snapshot {
	cloned := s
	if s.Payload != nil {
		cloned.Payload = append([]byte(nil), s.Payload...)
	}
	if s.Metadata != nil {
		cloned.Metadata = make(map[string]string, len(s.Metadata))
		for key, value := range s.Metadata {
			cloned.Metadata[key] = value
		}
	}
	return cloned
}

// Point selects a snapshot by sequence number or by creation time.
type Point struct {
	Seq   uint64
	Time  time.Time
	bySeq bool
}

// AtSeq selects the newest snapshot whose sequence is at or below seq.
func AtSeq(seq uint64) Point {
	return Point{Seq: seq, bySeq: true}
}

// AtTime selects the newest snapshot created at or before t.
func AtTime(t time.Time) Point {
	return Point{Time: t}
}

// BySeq reports whether the point selects by sequence number.
func (p Point) BySeq() bool {
	return p.bySeq
}

// Matches reports whether snap lies at or before the point.
func (p Point) Matches(snap Snapshot) bool {
	if p.bySeq {
		return snap.Seq <= p.Seq
	}
	return !snap.CreatedAt.After(p.Time)
}

// Store persists snapshots for one backend.
type Store interface {
	// Name identifies the store in logs and metadata.
	Name() string
	PutSnapshot(ctx context.Context, snap Snapshot) error
	GetSnapshot(ctx context.Context, entityID, snapshotID string) (Snapshot, error)
	LatestSnapshot(ctx context.Context, entityID string) (Snapshot, error)
	// ListSnapshots returns every snapshot for an entity, newest first.
	ListSnapshots(ctx context.Context, entityID string) ([]Snapshot, error)
	DeleteSnapshots(ctx context.Context, entityID string, snapshotIDs []string) error
}

// SortNewestFirst orders snapshots by sequence, then creation time, then id,
// all descending.
func SortNewestFirst(snaps []Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		if snaps[i].Seq != snaps[j].Seq {
			return snaps[i].Seq > snaps[j].Seq
		}
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
		}
		return snaps[i].ID > snaps[j].ID
	})
}
