package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/sessionstate/internal/services/state/domain/snapshot"
	"go.etcd.io/bbolt"
)

const snapshotBucket = "snapshots"

// Store provides a BoltDB-backed snapshot store.
type Store struct {
	db *bbolt.DB
}

// snapshotRecord is the stored form of a snapshot.
type snapshotRecord struct {
	ID            string            `json:"id"`
	EntityID      string            `json:"entity_id"`
	EntityType    string            `json:"entity_type"`
	SchemaVersion int               `json:"schema_version"`
	Seq           uint64            `json:"seq"`
	Status        string            `json:"status,omitempty"`
	Completed     bool              `json:"completed,omitempty"`
	LastActivity  time.Time         `json:"last_activity"`
	CreatedAt     time.Time         `json:"created_at"`
	Payload       []byte            `json:"payload,omitempty"`
	Compressed    bool              `json:"compressed,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Name identifies the store.
func (s *Store) Name() string {
	return "bbolt"
}

// PutSnapshot persists a snapshot, replacing one with the same id.
func (s *Store) PutSnapshot(ctx context.Context, snap snapshot.Snapshot) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	snap.EntityID = strings.TrimSpace(snap.EntityID)
	if snap.EntityID == "" {
		return snapshot.ErrEntityIDRequired
	}
	if strings.TrimSpace(snap.ID) == "" {
		return fmt.Errorf("snapshot id is required")
	}

	payload, err := json.Marshal(toRecord(snap))
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(snapshotBucket))
		if root == nil {
			return fmt.Errorf("snapshot bucket is missing")
		}
		bucket, err := root.CreateBucketIfNotExists([]byte(snap.EntityID))
		if err != nil {
			return fmt.Errorf("create entity bucket: %w", err)
		}
		return bucket.Put([]byte(snap.ID), payload)
	})
}

// GetSnapshot retrieves a snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, entityID, snapshotID string) (snapshot.Snapshot, error) {
	if err := s.ready(ctx); err != nil {
		return snapshot.Snapshot{}, err
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return snapshot.Snapshot{}, snapshot.ErrEntityIDRequired
	}

	var snap snapshot.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := entityBucket(tx, entityID)
		if bucket == nil {
			return snapshot.ErrNotFound
		}
		payload := bucket.Get([]byte(strings.TrimSpace(snapshotID)))
		if payload == nil {
			return snapshot.ErrNotFound
		}
		decoded, err := decodeSnapshot(payload)
		if err != nil {
			return err
		}
		snap = decoded
		return nil
	})
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	return snap, nil
}

// LatestSnapshot retrieves the snapshot with the highest sequence.
func (s *Store) LatestSnapshot(ctx context.Context, entityID string) (snapshot.Snapshot, error) {
	snaps, err := s.ListSnapshots(ctx, entityID)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	if len(snaps) == 0 {
		return snapshot.Snapshot{}, snapshot.ErrNotFound
	}
	return snaps[0], nil
}

// ListSnapshots returns every snapshot for an entity, newest first.
func (s *Store) ListSnapshots(ctx context.Context, entityID string) ([]snapshot.Snapshot, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, snapshot.ErrEntityIDRequired
	}

	var snaps []snapshot.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := entityBucket(tx, entityID)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, value []byte) error {
			snap, err := decodeSnapshot(value)
			if err != nil {
				return err
			}
			snaps = append(snaps, snap)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	snapshot.SortNewestFirst(snaps)
	return snaps, nil
}

// DeleteSnapshots removes the given snapshot ids. Unknown ids are ignored
// and an emptied entity bucket is dropped.
func (s *Store) DeleteSnapshots(ctx context.Context, entityID string, snapshotIDs []string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return snapshot.ErrEntityIDRequired
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(snapshotBucket))
		if root == nil {
			return fmt.Errorf("snapshot bucket is missing")
		}
		bucket := root.Bucket([]byte(entityID))
		if bucket == nil {
			return nil
		}
		for _, snapshotID := range snapshotIDs {
			if err := bucket.Delete([]byte(snapshotID)); err != nil {
				return fmt.Errorf("delete snapshot %s: %w", snapshotID, err)
			}
		}
		if first, _ := bucket.Cursor().First(); first == nil {
			return root.DeleteBucket([]byte(entityID))
		}
		return nil
	})
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(snapshotBucket)); err != nil {
			return fmt.Errorf("create snapshot bucket: %w", err)
		}
		return nil
	})
}

func entityBucket(tx *bbolt.Tx, entityID string) *bbolt.Bucket {
	root := tx.Bucket([]byte(snapshotBucket))
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(entityID))
}

func toRecord(snap snapshot.Snapshot) snapshotRecord {
	return snapshotRecord{
		ID:            snap.ID,
		EntityID:      snap.EntityID,
		EntityType:    snap.EntityType,
		SchemaVersion: snap.SchemaVersion,
		Seq:           snap.Seq,
		Status:        snap.Status,
		Completed:     snap.Completed,
		LastActivity:  snap.LastActivity.UTC(),
		CreatedAt:     snap.CreatedAt.UTC(),
		Payload:       snap.Payload,
		Compressed:    snap.Compressed,
		Metadata:      snap.Metadata,
	}
}

// decodeSnapshot copies out of bbolt-owned memory, which is only valid
// inside the transaction.
func decodeSnapshot(payload []byte) (snapshot.Snapshot, error) {
	var record snapshotRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snapshot.Snapshot{
		ID:            record.ID,
		EntityID:      record.EntityID,
		EntityType:    record.EntityType,
		SchemaVersion: record.SchemaVersion,
		Seq:           record.Seq,
		Status:        record.Status,
		Completed:     record.Completed,
		LastActivity:  record.LastActivity,
		CreatedAt:     record.CreatedAt,
		Payload:       record.Payload,
		Compressed:    record.Compressed,
		Metadata:      record.Metadata,
	}, nil
}

var _ snapshot.Store = (*Store)(nil)
