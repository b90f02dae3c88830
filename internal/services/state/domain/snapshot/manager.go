package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/louisbranch/sessionstate/internal/platform/compress"
	apperrors "github.com/louisbranch/sessionstate/internal/platform/errors"
	"github.com/louisbranch/sessionstate/internal/platform/id"
	"github.com/louisbranch/sessionstate/internal/platform/logging"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
)

// DefaultCompressionThreshold is the payload size above which snapshots are
// compressed when no threshold is configured.
const DefaultCompressionThreshold = 4 << 10

// ErrStoreRequired indicates a manager built without stores.
var ErrStoreRequired = errors.New("at least one snapshot store is required")

// Option configures a Manager.
type Option func(*Manager)

// WithCompressionThreshold sets the payload size above which snapshots are
// compressed. A negative value disables compression.
func WithCompressionThreshold(threshold int) Option {
	return func(m *Manager) {
		m.compressionThreshold = threshold
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the snapshot creation clock.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// Manager fans snapshot writes out to every store and reads them back in
// store priority order.
type Manager struct {
	stores               []Store
	compressionThreshold int
	logger               *logging.Logger
	clock                func() time.Time
}

// NewManager builds a manager over stores, listed highest read priority first.
func NewManager(stores []Store, opts ...Option) (*Manager, error) {
	filtered := make([]Store, 0, len(stores))
	for _, store := range stores {
		if store != nil {
			filtered = append(filtered, store)
		}
	}
	if len(filtered) == 0 {
		return nil, ErrStoreRequired
	}
	m := &Manager{
		stores:               filtered,
		compressionThreshold: DefaultCompressionThreshold,
		clock:                time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// StoreNames lists the configured stores in read priority order.
func (m *Manager) StoreNames() []string {
	names := make([]string, 0, len(m.stores))
	for _, store := range m.stores {
		names = append(names, store.Name())
	}
	return names
}

// CreateSnapshot writes state to every store concurrently. It succeeds when
// at least one store accepts the write; stores that failed are listed in the
// returned snapshot's metadata.
func (m *Manager) CreateSnapshot(ctx context.Context, state entity.State, metadata map[string]string) (Snapshot, error) {
	state, err := state.Normalize()
	if err != nil {
		return Snapshot{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "create snapshot", err)
	}
	snapshotID, err := id.NewPrefixedID("snap")
	if err != nil {
		return Snapshot{}, fmt.Errorf("generate snapshot id: %w", err)
	}
	payload, compressed, err := compress.MaybeCompress(state.Payload, m.compressionThreshold)
	if err != nil {
		return Snapshot{}, fmt.Errorf("compress snapshot: %w", err)
	}
	snap := Snapshot{
		ID:            snapshotID,
		EntityID:      state.ID,
		EntityType:    state.Type,
		SchemaVersion: state.SchemaVersion,
		Seq:           state.Seq,
		Status:        state.Status,
		Completed:     state.Completed,
		LastActivity:  state.LastActivity,
		CreatedAt:     m.clock().UTC(),
		Payload:       payload,
		Compressed:    compressed,
		Metadata:      make(map[string]string, len(metadata)+2),
	}
	for key, value := range metadata {
		snap.Metadata[key] = value
	}

	var (
		mu       sync.Mutex
		stored   []string
		failures = make(map[string]error)
		group    errgroup.Group
	)
	for _, store := range m.stores {
		group.Go(func() error {
			err := store.PutSnapshot(ctx, snap)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[store.Name()] = err
				return nil
			}
			stored = append(stored, store.Name())
			return nil
		})
	}
	_ = group.Wait()

	if len(stored) == 0 {
		return Snapshot{}, apperrors.WrapWithMetadata(apperrors.CodePersistenceUnavailable, "all snapshot stores failed",
			map[string]string{"entity_id": state.ID, MetaFailedStores: describeFailures(failures)}, errors.Join(failureList(failures)...))
	}
	sort.Strings(stored)
	snap.Metadata[MetaStoredIn] = strings.Join(stored, ",")
	if len(failures) > 0 {
		snap.Metadata[MetaFailedStores] = describeFailures(failures)
		m.logger.Warn("snapshot partially persisted",
			"entity_id", state.ID,
			"snapshot_id", snap.ID,
			"stored_in", snap.Metadata[MetaStoredIn],
			"failed_stores", snap.Metadata[MetaFailedStores])
	}
	return snap, nil
}

// RestoreLatest returns the highest-sequence snapshot held by any reachable
// store. On equal sequences the earlier store wins.
func (m *Manager) RestoreLatest(ctx context.Context, entityID string) (Snapshot, error) {
	return m.read(ctx, entityID, "restore latest snapshot", true, func(store Store) (Snapshot, error) {
		return store.LatestSnapshot(ctx, entityID)
	})
}

// RestoreAt returns the newest snapshot at or before point across all
// reachable stores.
func (m *Manager) RestoreAt(ctx context.Context, entityID string, point Point) (Snapshot, error) {
	return m.read(ctx, entityID, "restore snapshot", true, func(store Store) (Snapshot, error) {
		snaps, err := store.ListSnapshots(ctx, entityID)
		if err != nil {
			return Snapshot{}, err
		}
		for _, snap := range snaps {
			if point.Matches(snap) {
				return snap, nil
			}
		}
		return Snapshot{}, ErrNotFound
	})
}

// Get returns a snapshot by id.
func (m *Manager) Get(ctx context.Context, entityID, snapshotID string) (Snapshot, error) {
	return m.read(ctx, entityID, "get snapshot", false, func(store Store) (Snapshot, error) {
		return store.GetSnapshot(ctx, entityID, snapshotID)
	})
}

// ListSnapshots merges the snapshots held by every reachable store, newest
// first. Copies of the same snapshot held by several stores appear once.
func (m *Manager) ListSnapshots(ctx context.Context, entityID string) ([]Snapshot, error) {
	seen := make(map[string]struct{})
	var (
		merged   []Snapshot
		failures = make(map[string]error)
	)
	for _, store := range m.stores {
		snaps, err := store.ListSnapshots(ctx, entityID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			failures[store.Name()] = err
			m.logger.Warn("list snapshots failed", "store", store.Name(), "entity_id", entityID, "error", err)
			continue
		}
		for _, snap := range snaps {
			if _, ok := seen[snap.ID]; ok {
				continue
			}
			seen[snap.ID] = struct{}{}
			merged = append(merged, snap)
		}
	}
	if len(failures) == len(m.stores) {
		return nil, apperrors.WrapWithMetadata(apperrors.CodePersistenceUnavailable, "all snapshot stores failed",
			map[string]string{"entity_id": entityID, MetaFailedStores: describeFailures(failures)}, errors.Join(failureList(failures)...))
	}
	SortNewestFirst(merged)
	return merged, nil
}

// Prune keeps the newest keep snapshots of an entity in every store and
// deletes the rest. It returns how many distinct snapshots were removed.
func (m *Manager) Prune(ctx context.Context, entityID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	snaps, err := m.ListSnapshots(ctx, entityID)
	if err != nil {
		return 0, err
	}
	if len(snaps) <= keep {
		return 0, nil
	}
	drop := make([]string, 0, len(snaps)-keep)
	for _, snap := range snaps[keep:] {
		drop = append(drop, snap.ID)
	}
	var errs []error
	for _, store := range m.stores {
		if err := store.DeleteSnapshots(ctx, entityID, drop); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
		}
	}
	if len(errs) == len(m.stores) {
		return 0, apperrors.Wrap(apperrors.CodePersistenceUnavailable, "prune snapshots", errors.Join(errs...))
	}
	if len(errs) > 0 {
		m.logger.Warn("prune snapshots partially failed", "entity_id", entityID, "error", errors.Join(errs...))
	}
	return len(drop), nil
}

// read queries stores in priority order. With newest set every store is
// consulted and the highest sequence wins; otherwise the first hit is returned.
func (m *Manager) read(ctx context.Context, entityID, operation string, newest bool, fetch func(Store) (Snapshot, error)) (Snapshot, error) {
	var (
		best     Snapshot
		found    bool
		failures = make(map[string]error)
	)
	for _, store := range m.stores {
		snap, err := fetch(store)
		if err == nil {
			if !newest {
				return snap, nil
			}
			if !found || snap.Seq > best.Seq {
				best, found = snap, true
			}
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Snapshot{}, ctxErr
		}
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			continue
		}
		failures[store.Name()] = err
		m.logger.Warn("snapshot store read failed", "store", store.Name(), "entity_id", entityID, "error", err)
	}
	if found {
		return best, nil
	}
	if len(failures) == len(m.stores) {
		return Snapshot{}, apperrors.WrapWithMetadata(apperrors.CodePersistenceUnavailable, operation,
			map[string]string{"entity_id": entityID, MetaFailedStores: describeFailures(failures)}, errors.Join(failureList(failures)...))
	}
	return Snapshot{}, ErrNotFound
}

func describeFailures(failures map[string]error) string {
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+failures[name].Error())
	}
	return strings.Join(parts, "; ")
}

func failureList(failures map[string]error) []error {
	out := make([]error, 0, len(failures))
	for name, err := range failures {
		out = append(out, fmt.Errorf("%s: %w", name, err))
	}
	return out
}
