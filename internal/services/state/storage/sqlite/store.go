package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/sessionstate/internal/platform/errors"
	"github.com/louisbranch/sessionstate/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/sessionstate/internal/services/state/archive"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/eventlog"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/machine"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/snapshot"
	"github.com/louisbranch/sessionstate/internal/services/state/storage/integrity"
	"github.com/louisbranch/sessionstate/internal/services/state/storage/sqlite/migrations"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

// fromMillis reverses toMillis. Zero stays the zero time.
func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// Store provides a SQLite-backed store. The events database serves the
// event log, snapshot and heartbeat interfaces; the archive database serves
// the archive backend, index and dead-letter interfaces.
type Store struct {
	sqlDB   *sql.DB
	keyring *integrity.Keyring
	clock   func() time.Time

	// writeMu serialises write transactions so a read-then-write
	// transaction never has to upgrade its lock against another writer.
	writeMu sync.Mutex
}

// Option configures a store.
type Option func(*Store)

// WithClock overrides the time source used for defaults.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// OpenEvents opens the events database at path. Every appended event is
// hashed, chained and signed with keyring.
func OpenEvents(ctx context.Context, path string, keyring *integrity.Keyring, opts ...Option) (*Store, error) {
	if keyring == nil {
		return nil, fmt.Errorf("event integrity keyring is required")
	}
	store, err := openStore(ctx, path, migrations.EventsFS, "events", opts...)
	if err != nil {
		return nil, err
	}
	store.keyring = keyring
	return store, nil
}

// OpenArchive opens the archive database at path.
func OpenArchive(ctx context.Context, path string, opts ...Option) (*Store, error) {
	return openStore(ctx, path, migrations.ArchiveFS, "archive", opts...)
}

func openStore(ctx context.Context, path string, migrationFS fs.FS, migrationRoot string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	sqlDB, err := sqlitemigrate.Open(ctx, path, migrationFS, migrationRoot)
	if err != nil {
		return nil, err
	}
	store := &Store{sqlDB: sqlDB, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Close closes the underlying database. It is nil-safe.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Name identifies the store as a snapshot store and archive backend.
func (s *Store) Name() string {
	return "sqlite"
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// inTx runs fn inside a write transaction.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isSQLiteBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// storageError wraps err for operation op. Lock contention is reported as
// an unavailable backend so callers can retry.
func storageError(op string, err error) error {
	if isSQLiteBusyError(err) {
		return apperrors.Wrap(apperrors.CodePersistenceUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var (
	_ eventlog.Log            = (*Store)(nil)
	_ snapshot.Store          = (*Store)(nil)
	_ machine.HeartbeatStore  = (*Store)(nil)
	_ archive.BatchBackend    = (*Store)(nil)
	_ archive.Index           = (*Store)(nil)
	_ archive.DeadLetterStore = (*Store)(nil)
)
