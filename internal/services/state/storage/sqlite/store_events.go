package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/sessionstate/internal/platform/errors"
	"github.com/louisbranch/sessionstate/internal/platform/id"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/eventlog"
	"github.com/louisbranch/sessionstate/internal/services/state/storage/integrity"
)

// verifyPageSize bounds how many events VerifyIntegrity loads at once.
const verifyPageSize = 200

const eventColumns = `id, entity_id, entity_type, seq, event_type, from_state, to_state, delta,
	schema_version, timestamp, event_hash, prev_chain_hash, chain_hash, signature, signature_key_id`

// AppendEvent appends evt as the next event of its entity, sealing it into
// the entity's hash chain.
func (s *Store) AppendEvent(ctx context.Context, evt eventlog.Event) (eventlog.Event, error) {
	if err := s.ready(ctx); err != nil {
		return eventlog.Event{}, err
	}
	if s.keyring == nil {
		return eventlog.Event{}, fmt.Errorf("event integrity keyring is required")
	}
	evt, err := eventlog.Normalize(evt)
	if err != nil {
		return eventlog.Event{}, err
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock()
	}
	evt.Timestamp = evt.Timestamp.UTC().Truncate(time.Millisecond)
	if evt.ID == "" {
		eventID, err := id.NewPrefixedID("evt")
		if err != nil {
			return eventlog.Event{}, err
		}
		evt.ID = eventID
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_seq (entity_id) VALUES (?) ON CONFLICT (entity_id) DO NOTHING`,
			evt.EntityID,
		); err != nil {
			return storageError("init event seq", err)
		}

		var latest uint64
		var anchor string
		if err := tx.QueryRowContext(ctx,
			`SELECT latest_seq, anchor_hash FROM event_seq WHERE entity_id = ?`,
			evt.EntityID,
		).Scan(&latest, &anchor); err != nil {
			return storageError("get event seq", err)
		}

		switch {
		case evt.Seq == 0:
			evt.Seq = latest + 1
		case evt.Seq <= latest:
			existing, err := eventIDAt(ctx, tx, evt.EntityID, evt.Seq)
			if err != nil {
				return err
			}
			return eventlog.DuplicateError(evt.EntityID, evt.Seq, existing)
		case evt.Seq > latest+1:
			return eventlog.GapError(evt.EntityID, latest, evt.Seq)
		}

		prevChainHash := anchor
		if latest > 0 {
			var stored string
			err := tx.QueryRowContext(ctx,
				`SELECT chain_hash FROM events WHERE entity_id = ? AND seq = ?`,
				evt.EntityID, latest,
			).Scan(&stored)
			switch {
			case err == nil:
				prevChainHash = stored
			case errors.Is(err, sql.ErrNoRows):
				// the previous event was pruned, the anchor holds its link
			default:
				return storageError("load previous event", err)
			}
		}

		signer, err := s.keyring.ForEntity(evt.EntityID)
		if err != nil {
			return err
		}
		sealed, err := integrity.Seal(signer, evt, prevChainHash)
		if err != nil {
			return err
		}
		evt = sealed

		if _, err := tx.ExecContext(ctx, `
INSERT INTO events (`+eventColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			evt.ID, evt.EntityID, evt.EntityType, evt.Seq, evt.Type, evt.FromState, evt.ToState, evt.Delta,
			evt.SchemaVersion, toMillis(evt.Timestamp), evt.Hash, evt.PrevHash, evt.ChainHash,
			evt.Signature, evt.SignatureKeyID,
		); err != nil {
			if isConstraintError(err) {
				existing, lookupErr := eventIDAt(ctx, tx, evt.EntityID, evt.Seq)
				if lookupErr == nil {
					return eventlog.DuplicateError(evt.EntityID, evt.Seq, existing)
				}
			}
			return storageError("append event", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE event_seq SET latest_seq = ? WHERE entity_id = ?`,
			evt.Seq, evt.EntityID,
		); err != nil {
			return storageError("increment event seq", err)
		}
		return nil
	})
	if err != nil {
		return eventlog.Event{}, err
	}
	return evt, nil
}

func eventIDAt(ctx context.Context, tx *sql.Tx, entityID string, seq uint64) (string, error) {
	var eventID string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM events WHERE entity_id = ? AND seq = ?`, entityID, seq,
	).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storageError("lookup event", err)
	}
	return eventID, nil
}

// ListEvents returns up to limit events with sequence above afterSeq.
// A limit of zero or less returns every remaining event.
func (s *Store) ListEvents(ctx context.Context, entityID string, afterSeq uint64, limit int) ([]eventlog.Event, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, eventlog.ErrEntityIDRequired
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+eventColumns+`
FROM events
WHERE entity_id = ? AND seq > ?
ORDER BY seq
LIMIT ?`, entityID, afterSeq, limit)
	if err != nil {
		return nil, storageError("list events", err)
	}
	defer rows.Close()

	var events []eventlog.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list events", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (eventlog.Event, error) {
	var (
		evt       eventlog.Event
		timestamp int64
	)
	if err := row.Scan(
		&evt.ID, &evt.EntityID, &evt.EntityType, &evt.Seq, &evt.Type, &evt.FromState, &evt.ToState, &evt.Delta,
		&evt.SchemaVersion, &timestamp, &evt.Hash, &evt.PrevHash, &evt.ChainHash, &evt.Signature, &evt.SignatureKeyID,
	); err != nil {
		return eventlog.Event{}, fmt.Errorf("scan event: %w", err)
	}
	evt.Timestamp = fromMillis(timestamp)
	return evt, nil
}

// LatestEventSeq returns the last assigned sequence number, zero if none.
// Pruning never lowers it.
func (s *Store) LatestEventSeq(ctx context.Context, entityID string) (uint64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return 0, eventlog.ErrEntityIDRequired
	}

	var latest uint64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT latest_seq FROM event_seq WHERE entity_id = ?`, entityID,
	).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storageError("get event seq", err)
	}
	return latest, nil
}

// PruneEvents drops events at or below throughSeq and remembers the chain
// hash of the newest dropped event so the remaining chain still verifies.
func (s *Store) PruneEvents(ctx context.Context, entityID string, throughSeq uint64) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return 0, eventlog.ErrEntityIDRequired
	}

	var pruned int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var anchor string
		err := tx.QueryRowContext(ctx, `
SELECT chain_hash FROM events
WHERE entity_id = ? AND seq <= ?
ORDER BY seq DESC
LIMIT 1`, entityID, throughSeq).Scan(&anchor)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return storageError("load prune anchor", err)
		}

		result, err := tx.ExecContext(ctx,
			`DELETE FROM events WHERE entity_id = ? AND seq <= ?`, entityID, throughSeq)
		if err != nil {
			return storageError("prune events", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return storageError("prune events", err)
		}
		pruned = int(affected)

		if _, err := tx.ExecContext(ctx,
			`UPDATE event_seq SET anchor_hash = ? WHERE entity_id = ?`, anchor, entityID,
		); err != nil {
			return storageError("update prune anchor", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

// VerifyIntegrity walks an entity's retained events and checks sequence
// continuity, hashes, chain links and signatures. It returns the number of
// events checked.
func (s *Store) VerifyIntegrity(ctx context.Context, entityID string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if s.keyring == nil {
		return 0, fmt.Errorf("event integrity keyring is required")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return 0, eventlog.ErrEntityIDRequired
	}

	var anchor string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT anchor_hash FROM event_seq WHERE entity_id = ?`, entityID,
	).Scan(&anchor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storageError("load chain anchor", err)
	}

	signer, err := s.keyring.ForEntity(entityID)
	if err != nil {
		return 0, err
	}
	var (
		checked  int
		afterSeq uint64
		prevSeq  uint64
		prevHash = anchor
	)
	for {
		page, err := s.ListEvents(ctx, entityID, afterSeq, verifyPageSize)
		if err != nil {
			return checked, err
		}
		for _, evt := range page {
			if prevSeq != 0 && evt.Seq != prevSeq+1 {
				return checked, integrityError(entityID, evt.Seq,
					fmt.Errorf("sequence gap: expected %d got %d", prevSeq+1, evt.Seq))
			}
			if err := integrity.Verify(signer, evt, prevHash); err != nil {
				return checked, integrityError(entityID, evt.Seq, err)
			}
			prevSeq = evt.Seq
			prevHash = evt.ChainHash
			checked++
		}
		if len(page) < verifyPageSize {
			return checked, nil
		}
		afterSeq = page[len(page)-1].Seq
	}
}

func integrityError(entityID string, seq uint64, cause error) error {
	return apperrors.WrapWithMetadata(apperrors.CodeIntegrityViolation, "event chain verification failed",
		map[string]string{"entity_id": entityID, "seq": fmt.Sprintf("%d", seq)}, cause)
}
