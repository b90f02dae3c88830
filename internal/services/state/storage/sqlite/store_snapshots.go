package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/sessionstate/internal/services/state/domain/snapshot"
)

const snapshotColumns = `id, entity_id, entity_type, schema_version, seq, status, completed,
	last_activity, created_at, payload, compressed, metadata_json`

// PutSnapshot stores a snapshot, replacing one with the same id.
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
	metadata := snap.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode snapshot metadata: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO snapshots (`+snapshotColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	entity_id = excluded.entity_id,
	entity_type = excluded.entity_type,
	schema_version = excluded.schema_version,
	seq = excluded.seq,
	status = excluded.status,
	completed = excluded.completed,
	last_activity = excluded.last_activity,
	created_at = excluded.created_at,
	payload = excluded.payload,
	compressed = excluded.compressed,
	metadata_json = excluded.metadata_json`,
			snap.ID, snap.EntityID, snap.EntityType, snap.SchemaVersion, snap.Seq, snap.Status,
			boolToInt(snap.Completed), toMillis(snap.LastActivity), toMillis(snap.CreatedAt),
			snap.Payload, boolToInt(snap.Compressed), string(metadataJSON),
		); err != nil {
			return storageError("put snapshot", err)
		}
		return nil
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

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+snapshotColumns+`
FROM snapshots
WHERE entity_id = ? AND id = ?`, entityID, strings.TrimSpace(snapshotID))
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return snapshot.Snapshot{}, snapshot.ErrNotFound
	}
	if err != nil {
		return snapshot.Snapshot{}, storageError("get snapshot", err)
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

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+snapshotColumns+`
FROM snapshots
WHERE entity_id = ?
ORDER BY seq DESC, created_at DESC, id DESC`, entityID)
	if err != nil {
		return nil, storageError("list snapshots", err)
	}
	defer rows.Close()

	var snaps []snapshot.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list snapshots", err)
	}
	// Keep the tie-break identical to the in-memory store.
	snapshot.SortNewestFirst(snaps)
	return snaps, nil
}

// DeleteSnapshots removes the given snapshot ids. Unknown ids are ignored.
func (s *Store) DeleteSnapshots(ctx context.Context, entityID string, snapshotIDs []string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return snapshot.ErrEntityIDRequired
	}
	if len(snapshotIDs) == 0 {
		return nil
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, snapshotID := range snapshotIDs {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM snapshots WHERE entity_id = ? AND id = ?`, entityID, snapshotID,
			); err != nil {
				return storageError("delete snapshot", err)
			}
		}
		return nil
	})
}

func scanSnapshot(row rowScanner) (snapshot.Snapshot, error) {
	var (
		snap         snapshot.Snapshot
		completed    int
		compressed   int
		lastActivity int64
		createdAt    int64
		metadataJSON string
	)
	if err := row.Scan(
		&snap.ID, &snap.EntityID, &snap.EntityType, &snap.SchemaVersion, &snap.Seq, &snap.Status, &completed,
		&lastActivity, &createdAt, &snap.Payload, &compressed, &metadataJSON,
	); err != nil {
		return snapshot.Snapshot{}, err
	}
	snap.Completed = completed != 0
	snap.Compressed = compressed != 0
	snap.LastActivity = fromMillis(lastActivity)
	snap.CreatedAt = fromMillis(createdAt)
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &snap.Metadata); err != nil {
			return snapshot.Snapshot{}, fmt.Errorf("decode snapshot metadata: %w", err)
		}
	}
	return snap, nil
}
