package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/sessionstate/internal/platform/id"
	"github.com/louisbranch/sessionstate/internal/services/state/archive"
)

// Archive stores one blob and returns its token.
func (s *Store) Archive(ctx context.Context, entityID, entityType string, data []byte) (string, error) {
	tokens, err := s.ArchiveBatch(ctx, []archive.Item{{EntityID: entityID, EntityType: entityType, Data: data}})
	if err != nil {
		return "", err
	}
	return tokens[0], nil
}

// ArchiveBatch stores every item in one transaction.
func (s *Store) ArchiveBatch(ctx context.Context, items []archive.Item) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	tokens := make([]string, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.EntityID) == "" {
			return nil, fmt.Errorf("entity id is required")
		}
		token, err := id.NewPrefixedID("arc")
		if err != nil {
			return nil, fmt.Errorf("generate archive token: %w", err)
		}
		tokens[i] = token
	}
	createdAt := toMillis(s.clock())

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for i, item := range items {
			data := item.Data
			if data == nil {
				data = []byte{}
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO archive_blobs (token, entity_id, entity_type, data, created_at)
VALUES (?, ?, ?, ?, ?)`,
				tokens[i], strings.TrimSpace(item.EntityID), item.EntityType, data, createdAt,
			); err != nil {
				return storageError("archive blob", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// Retrieve returns the blob stored under token.
func (s *Store) Retrieve(ctx context.Context, token string) ([]byte, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var data []byte
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT data FROM archive_blobs WHERE token = ?`, token,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, archive.ErrTokenNotFound
	}
	if err != nil {
		return nil, storageError("retrieve blob", err)
	}
	return data, nil
}

// Delete removes the blob stored under token. Missing tokens are ignored.
func (s *Store) Delete(ctx context.Context, token string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM archive_blobs WHERE token = ?`, token); err != nil {
			return storageError("delete blob", err)
		}
		return nil
	})
}

const recordColumns = `entity_id, entity_type, token, backend, size, compressed, seq, trigger_name,
	last_activity, created_at, archived_at`

// PutRecord stores or replaces the archive record for an entity.
func (s *Store) PutRecord(ctx context.Context, record archive.Record) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	record.EntityID = strings.TrimSpace(record.EntityID)
	if record.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO archive_records (`+recordColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (entity_id) DO UPDATE SET
	entity_type = excluded.entity_type,
	token = excluded.token,
	backend = excluded.backend,
	size = excluded.size,
	compressed = excluded.compressed,
	seq = excluded.seq,
	trigger_name = excluded.trigger_name,
	last_activity = excluded.last_activity,
	created_at = excluded.created_at,
	archived_at = excluded.archived_at`,
			record.EntityID, record.EntityType, record.Token, record.Backend, record.Size,
			boolToInt(record.Compressed), record.Seq, string(record.Trigger),
			toMillis(record.LastActivity), toMillis(record.CreatedAt), toMillis(record.ArchivedAt),
		); err != nil {
			return storageError("put archive record", err)
		}
		return nil
	})
}

// GetRecord returns the archive record for an entity.
func (s *Store) GetRecord(ctx context.Context, entityID string) (archive.Record, error) {
	if err := s.ready(ctx); err != nil {
		return archive.Record{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+recordColumns+`
FROM archive_records
WHERE entity_id = ?`, strings.TrimSpace(entityID))
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return archive.Record{}, archive.ErrNotArchived
	}
	if err != nil {
		return archive.Record{}, storageError("get archive record", err)
	}
	return record, nil
}

// DeleteRecord removes the archive record for an entity. Missing records
// are ignored.
func (s *Store) DeleteRecord(ctx context.Context, entityID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM archive_records WHERE entity_id = ?`, strings.TrimSpace(entityID),
		); err != nil {
			return storageError("delete archive record", err)
		}
		return nil
	})
}

// QueryRecords returns records matching filter, oldest archive first.
func (s *Store) QueryRecords(ctx context.Context, filter archive.Filter) ([]archive.Record, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var (
		clauses []string
		args    []any
	)
	if filter.EntityType != "" {
		clauses = append(clauses, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.Trigger != "" {
		clauses = append(clauses, "trigger_name = ?")
		args = append(args, string(filter.Trigger))
	}
	if !filter.ArchivedAfter.IsZero() {
		clauses = append(clauses, "archived_at > ?")
		args = append(args, toMillis(filter.ArchivedAfter))
	}
	if !filter.ArchivedBefore.IsZero() {
		clauses = append(clauses, "archived_at < ?")
		args = append(args, toMillis(filter.ArchivedBefore))
	}
	query := `SELECT ` + recordColumns + ` FROM archive_records`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY archived_at, entity_id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError("query archive records", err)
	}
	defer rows.Close()

	var records []archive.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archive record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("query archive records", err)
	}
	return records, nil
}

func scanRecord(row rowScanner) (archive.Record, error) {
	var (
		record       archive.Record
		compressed   int
		trigger      string
		lastActivity int64
		createdAt    int64
		archivedAt   int64
	)
	if err := row.Scan(
		&record.EntityID, &record.EntityType, &record.Token, &record.Backend, &record.Size, &compressed,
		&record.Seq, &trigger, &lastActivity, &createdAt, &archivedAt,
	); err != nil {
		return archive.Record{}, err
	}
	record.Compressed = compressed != 0
	record.Trigger = archive.Trigger(trigger)
	record.LastActivity = fromMillis(lastActivity)
	record.CreatedAt = fromMillis(createdAt)
	record.ArchivedAt = fromMillis(archivedAt)
	return record, nil
}
