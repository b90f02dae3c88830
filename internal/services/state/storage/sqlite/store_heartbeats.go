package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/louisbranch/sessionstate/internal/services/state/domain/machine"
)

// RecordHeartbeat stores at unless a later heartbeat is already known.
func (s *Store) RecordHeartbeat(ctx context.Context, entityID string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return machine.ErrEntityIDRequired
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO heartbeats (entity_id, beat_at) VALUES (?, ?)
ON CONFLICT (entity_id) DO UPDATE SET beat_at = MAX(beat_at, excluded.beat_at)`,
			entityID, toMillis(at),
		); err != nil {
			return storageError("record heartbeat", err)
		}
		return nil
	})
}

// LastHeartbeat returns the latest heartbeat for an entity.
func (s *Store) LastHeartbeat(ctx context.Context, entityID string) (time.Time, error) {
	if err := s.ready(ctx); err != nil {
		return time.Time{}, err
	}

	var beatAt int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT beat_at FROM heartbeats WHERE entity_id = ?`, strings.TrimSpace(entityID),
	).Scan(&beatAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, machine.ErrNoHeartbeat
	}
	if err != nil {
		return time.Time{}, storageError("last heartbeat", err)
	}
	return fromMillis(beatAt), nil
}
