package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/louisbranch/sessionstate/internal/platform/logging"
	"github.com/louisbranch/sessionstate/internal/services/state/archive"
	"github.com/louisbranch/sessionstate/internal/services/state/archive/backend"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/snapshot"
	"github.com/louisbranch/sessionstate/internal/services/state/engine"
	statebbolt "github.com/louisbranch/sessionstate/internal/services/state/storage/bbolt"
	"github.com/louisbranch/sessionstate/internal/services/state/storage/integrity"
	statesqlite "github.com/louisbranch/sessionstate/internal/services/state/storage/sqlite"
)

// Snapshot store names.
const (
	SnapshotStoreMemory = "memory"
	SnapshotStoreSQLite = "sqlite"
	SnapshotStoreBbolt  = "bbolt"
)

// Archive backend names.
const (
	ArchiveMemory = "memory"
	ArchiveSQLite = "sqlite"
	ArchiveRedis  = "redis"
	ArchiveGCS    = "gcs"
	// ArchiveTiered writes to Redis and GCS and reads Redis first.
	ArchiveTiered = "tiered"
)

const (
	eventsDBFile  = "events.db"
	archiveDBFile = "archive.db"
	snapshotsBolt = "snapshots.bolt"
	dataDirPerm   = 0o755
)

// StorageConfig selects and locates the persistence backends.
type StorageConfig struct {
	// DataDir holds the SQLite and bbolt files. Empty keeps everything in
	// memory.
	DataDir        string
	SnapshotStores []string
	ArchiveBackend string
	HMACKeys       string
	HMACKey        string
	HMACKeyID      string
	Redis          backend.RedisConfig
	GCS            backend.GCSConfig
}

// storageSet owns the opened stores and closes them in reverse order.
type storageSet struct {
	stores  engine.Stores
	closers []func() error
}

func (s *storageSet) add(closer func() error) {
	s.closers = append(s.closers, closer)
}

// Close releases every opened store.
func (s *storageSet) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (c StorageConfig) normalized() StorageConfig {
	c.DataDir = strings.TrimSpace(c.DataDir)
	stores := make([]string, 0, len(c.SnapshotStores))
	for _, name := range c.SnapshotStores {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" && !containsName(stores, name) {
			stores = append(stores, name)
		}
	}
	c.SnapshotStores = stores
	c.ArchiveBackend = strings.ToLower(strings.TrimSpace(c.ArchiveBackend))
	if len(c.SnapshotStores) == 0 {
		if c.DataDir == "" {
			c.SnapshotStores = []string{SnapshotStoreMemory}
		} else {
			c.SnapshotStores = []string{SnapshotStoreSQLite}
		}
	}
	if c.ArchiveBackend == "" {
		if c.DataDir == "" {
			c.ArchiveBackend = ArchiveMemory
		} else {
			c.ArchiveBackend = ArchiveSQLite
		}
	}
	return c
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// openStorage opens the stores named by cfg. With a data dir, events,
// heartbeats, the archive index and dead letters live in SQLite.
func openStorage(ctx context.Context, cfg StorageConfig, logger *logging.Logger) (_ *storageSet, err error) {
	cfg = cfg.normalized()
	set := &storageSet{}
	defer func() {
		if err != nil {
			_ = set.Close()
		}
	}()

	if cfg.DataDir == "" {
		for _, name := range cfg.SnapshotStores {
			if name != SnapshotStoreMemory {
				return nil, fmt.Errorf("snapshot store %q requires a data dir", name)
			}
		}
		if cfg.ArchiveBackend == ArchiveSQLite {
			return nil, fmt.Errorf("archive backend %q requires a data dir", cfg.ArchiveBackend)
		}
	}

	var events, archives *statesqlite.Store
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, dataDirPerm); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		keyring, err := integrity.ParseKeyring(cfg.HMACKeys, cfg.HMACKey, cfg.HMACKeyID)
		if err != nil {
			return nil, fmt.Errorf("load event keyring: %w", err)
		}
		events, err = statesqlite.OpenEvents(ctx, filepath.Join(cfg.DataDir, eventsDBFile), keyring)
		if err != nil {
			return nil, err
		}
		set.add(events.Close)
		set.stores.Events = events
		set.stores.Heartbeats = events

		archives, err = statesqlite.OpenArchive(ctx, filepath.Join(cfg.DataDir, archiveDBFile))
		if err != nil {
			return nil, err
		}
		set.add(archives.Close)
		set.stores.Index = archives
		set.stores.DeadLetters = archives
	}

	for _, name := range cfg.SnapshotStores {
		switch name {
		case SnapshotStoreMemory:
			set.stores.Snapshots = append(set.stores.Snapshots, snapshot.NewMemory())
		case SnapshotStoreSQLite:
			set.stores.Snapshots = append(set.stores.Snapshots, events)
		case SnapshotStoreBbolt:
			bolt, err := statebbolt.Open(filepath.Join(cfg.DataDir, snapshotsBolt))
			if err != nil {
				return nil, err
			}
			set.add(bolt.Close)
			set.stores.Snapshots = append(set.stores.Snapshots, bolt)
		default:
			return nil, fmt.Errorf("unknown snapshot store %q", name)
		}
	}

	switch cfg.ArchiveBackend {
	case ArchiveMemory:
		set.stores.Backend = archive.NewMemoryBackend()
	case ArchiveSQLite:
		set.stores.Backend = archives
	case ArchiveRedis:
		hot, err := backend.DialRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		set.add(hot.Close)
		set.stores.Backend = hot
	case ArchiveGCS:
		cold, err := backend.DialGCS(ctx, cfg.GCS)
		if err != nil {
			return nil, err
		}
		set.add(cold.Close)
		set.stores.Backend = cold
	case ArchiveTiered:
		hot, err := backend.DialRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		set.add(hot.Close)
		cold, err := backend.DialGCS(ctx, cfg.GCS)
		if err != nil {
			return nil, err
		}
		set.add(cold.Close)
		tiered, err := backend.NewComposite(hot, cold, logger)
		if err != nil {
			return nil, err
		}
		set.stores.Backend = tiered
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.ArchiveBackend)
	}
	return set, nil
}
