package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/louisbranch/sessionstate/internal/services/state/archive"
)

// AddDeadLetter stores or replaces the dead letter for an entity. The
// released state is kept in the archive envelope format.
func (s *Store) AddDeadLetter(ctx context.Context, letter archive.DeadLetter) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	entityID := strings.TrimSpace(letter.Job.EntityID)
	if entityID == "" {
		return fmt.Errorf("entity id is required")
	}
	var stateBlob []byte
	if letter.HasState {
		encoded, _, err := archive.Encode(letter.State, letter.FailedAt, false)
		if err != nil {
			return fmt.Errorf("encode dead-letter state: %w", err)
		}
		stateBlob = encoded
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO dead_letters (entity_id, entity_type, trigger_name, priority, enqueued_at, attempts,
	last_error, reason, failed_at, state_blob)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (entity_id) DO UPDATE SET
	entity_type = excluded.entity_type,
	trigger_name = excluded.trigger_name,
	priority = excluded.priority,
	enqueued_at = excluded.enqueued_at,
	attempts = excluded.attempts,
	last_error = excluded.last_error,
	reason = excluded.reason,
	failed_at = excluded.failed_at,
	state_blob = excluded.state_blob`,
			entityID, letter.Job.EntityType, string(letter.Job.Trigger), int(letter.Job.Priority),
			toMillis(letter.Job.EnqueuedAt), letter.Job.Attempts, letter.Job.LastError, letter.Reason,
			toMillis(letter.FailedAt), stateBlob,
		); err != nil {
			return storageError("add dead letter", err)
		}
		return nil
	})
}

// ListDeadLetters returns dead letters oldest failure first.
func (s *Store) ListDeadLetters(ctx context.Context) ([]archive.DeadLetter, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT entity_id, entity_type, trigger_name, priority, enqueued_at, attempts, last_error, reason,
	failed_at, state_blob
FROM dead_letters
ORDER BY failed_at, entity_id`)
	if err != nil {
		return nil, storageError("list dead letters", err)
	}
	defer rows.Close()

	var letters []archive.DeadLetter
	for rows.Next() {
		var (
			letter     archive.DeadLetter
			trigger    string
			priority   int
			enqueuedAt int64
			failedAt   int64
			stateBlob  []byte
		)
		if err := rows.Scan(
			&letter.Job.EntityID, &letter.Job.EntityType, &trigger, &priority, &enqueuedAt,
			&letter.Job.Attempts, &letter.Job.LastError, &letter.Reason, &failedAt, &stateBlob,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letter.Job.Trigger = archive.Trigger(trigger)
		letter.Job.Priority = archive.Priority(priority)
		letter.Job.EnqueuedAt = fromMillis(enqueuedAt)
		letter.FailedAt = fromMillis(failedAt)
		if len(stateBlob) > 0 {
			state, _, err := archive.Decode(stateBlob)
			if err != nil {
				return nil, fmt.Errorf("decode dead-letter state for %s: %w", letter.Job.EntityID, err)
			}
			letter.State = state
			letter.HasState = true
		}
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list dead letters", err)
	}
	return letters, nil
}

// RemoveDeadLetter drops the dead letter for an entity. Missing entries are
// ignored.
func (s *Store) RemoveDeadLetter(ctx context.Context, entityID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM dead_letters WHERE entity_id = ?`, strings.TrimSpace(entityID),
		); err != nil {
			return storageError("delete dead letter", err)
		}
		return nil
	})
}
