// Package machine reconstructs entity state from snapshots plus the event
// log and records new transitions with periodic compaction.
package machine

import (
	"context"
	"errors"
	"strings"
	"time"

	apperrors "github.com/louisbranch/sessionstate/internal/platform/errors"
	"github.com/louisbranch/sessionstate/internal/platform/keylock"
	"github.com/louisbranch/sessionstate/internal/platform/logging"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/eventlog"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/migration"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/replay"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/snapshot"
)

// DefaultSnapshotFrequency is the number of events between automatic
// compactions when none is configured.
const DefaultSnapshotFrequency = 100

var (
	// ErrEventLogRequired indicates a missing event log.
	ErrEventLogRequired = errors.New("event log is required")
	// ErrSnapshotManagerRequired indicates a missing snapshot manager.
	ErrSnapshotManagerRequired = errors.New("snapshot manager is required")
	// ErrApplierRequired indicates a missing applier.
	ErrApplierRequired = errors.New("applier is required")
	// ErrEntityIDRequired indicates a missing entity id.
	ErrEntityIDRequired = errors.New("entity id is required")
	// ErrNotFound indicates the entity has neither snapshots nor events.
	ErrNotFound = apperrors.New(apperrors.CodeNotFound, "entity has no recorded history")
)

// Config tunes compaction.
type Config struct {
	// SnapshotFrequency triggers a compaction whenever the sequence number is
	// a multiple of it. Zero selects DefaultSnapshotFrequency; negative
	// disables automatic compaction.
	SnapshotFrequency int
	// PruneOnCompact drops events covered by a fresh compaction snapshot.
	PruneOnCompact bool
	// KeepSnapshots bounds how many snapshots survive a compaction. Zero
	// keeps all of them.
	KeepSnapshots int
}

// Option configures a Machine.
type Option func(*Machine)

// WithConfig sets compaction behavior.
func WithConfig(cfg Config) Option {
	return func(m *Machine) {
		m.cfg = cfg
	}
}

// WithInitialState sets how a new entity's starting state is built.
func WithInitialState(initial entity.InitialStateFunc) Option {
	return func(m *Machine) {
		m.initial = initial
	}
}

// WithMigrations upgrades snapshot payloads to the latest schema on load.
func WithMigrations(migrations *migration.Manager) Option {
	return func(m *Machine) {
		m.migrations = migrations
	}
}

// WithHeartbeats sets the heartbeat tracker.
func WithHeartbeats(heartbeats HeartbeatStore) Option {
	return func(m *Machine) {
		if heartbeats != nil {
			m.heartbeats = heartbeats
		}
	}
}

// WithLogger sets the machine logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithClock overrides the event timestamp clock.
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// Machine is the event-sourced state machine for every entity it serves.
type Machine struct {
	events     eventlog.Log
	snapshots  *snapshot.Manager
	applier    entity.Applier
	initial    entity.InitialStateFunc
	migrations *migration.Manager
	heartbeats HeartbeatStore
	cfg        Config
	locks      keylock.Locks
	logger     *logging.Logger
	clock      func() time.Time
}

// New builds a machine over an event log and snapshot manager.
func New(events eventlog.Log, snapshots *snapshot.Manager, applier entity.Applier, opts ...Option) (*Machine, error) {
	if events == nil {
		return nil, ErrEventLogRequired
	}
	if snapshots == nil {
		return nil, ErrSnapshotManagerRequired
	}
	if applier == nil {
		return nil, ErrApplierRequired
	}
	m := &Machine{
		events:     events,
		snapshots:  snapshots,
		applier:    applier,
		heartbeats: NewMemoryHeartbeats(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.cfg.SnapshotFrequency == 0 {
		m.cfg.SnapshotFrequency = DefaultSnapshotFrequency
	}
	return m, nil
}

// Events exposes the underlying event log.
func (m *Machine) Events() eventlog.Log {
	return m.events
}

// Snapshots exposes the underlying snapshot manager.
func (m *Machine) Snapshots() *snapshot.Manager {
	return m.snapshots
}

// Applier exposes the transition function.
func (m *Machine) Applier() entity.Applier {
	return m.applier
}

// Migrations exposes the schema migration manager, nil when unset.
func (m *Machine) Migrations() *migration.Manager {
	return m.migrations
}

// Heartbeats exposes the heartbeat tracker.
func (m *Machine) Heartbeats() HeartbeatStore {
	return m.heartbeats
}

// InitialState builds the starting state for an entity.
func (m *Machine) InitialState(entityID, entityType string) (entity.State, error) {
	if m.initial == nil {
		return entity.State{ID: entityID, Type: entityType, SchemaVersion: m.migrations.Latest()}, nil
	}
	state, err := m.initial(entityID, entityType)
	if err != nil {
		return entity.State{}, err
	}
	state.ID = entityID
	state.Type = entityType
	state.Seq = 0
	return state, nil
}

// LoadResult describes how a state was reconstructed.
type LoadResult struct {
	State       entity.State
	SnapshotID  string
	SnapshotSeq uint64
	// Replayed counts the events folded on top of the snapshot.
	Replayed int
}

// CurrentState rebuilds the latest state of an entity.
func (m *Machine) CurrentState(ctx context.Context, entityID string) (entity.State, error) {
	result, err := m.Load(ctx, entityID)
	if err != nil {
		return entity.State{}, err
	}
	return result.State, nil
}

// Load rebuilds the latest state from the newest snapshot plus the events
// recorded after it.
func (m *Machine) Load(ctx context.Context, entityID string) (LoadResult, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return LoadResult{}, ErrEntityIDRequired
	}

	var result LoadResult
	snap, err := m.snapshots.RestoreLatest(ctx, entityID)
	switch {
	case err == nil:
		state, err := snap.State()
		if err != nil {
			return LoadResult{}, err
		}
		state, err = m.migrations.UpgradeState(state)
		if err != nil {
			return LoadResult{}, err
		}
		result.State = state
		result.SnapshotID = snap.ID
		result.SnapshotSeq = snap.Seq
	case apperrors.HasCode(err, apperrors.CodeNotFound):
		state, err := m.initialFromLog(ctx, entityID)
		if err != nil {
			return LoadResult{}, err
		}
		result.State = state
	default:
		return LoadResult{}, err
	}

	replayed, err := replay.Replay(ctx, m.events, m.applier, result.State, replay.Options{})
	if err != nil {
		return LoadResult{}, err
	}
	// A restore event may carry a payload from an older schema.
	state, err := m.migrations.UpgradeState(replayed.State)
	if err != nil {
		return LoadResult{}, err
	}
	result.State = state
	result.Replayed = replayed.Applied
	return result, nil
}

func (m *Machine) initialFromLog(ctx context.Context, entityID string) (entity.State, error) {
	first, err := m.events.ListEvents(ctx, entityID, 0, 1)
	if err != nil {
		return entity.State{}, err
	}
	if len(first) == 0 {
		return entity.State{}, ErrNotFound
	}
	return m.InitialState(entityID, first[0].EntityType)
}

// RecordTransition loads the current state of an entity, or its initial
// state when it has no history, and records t on top of it.
func (m *Machine) RecordTransition(ctx context.Context, entityID, entityType string, t entity.Transition) (eventlog.Event, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return eventlog.Event{}, ErrEntityIDRequired
	}
	unlock := m.locks.Lock(entityID)
	defer unlock()

	current, err := m.CurrentState(ctx, entityID)
	if errors.Is(err, ErrNotFound) {
		current, err = m.InitialState(entityID, entityType)
	}
	if err != nil {
		return eventlog.Event{}, err
	}
	_, evt, err := m.recordLocked(ctx, current, t)
	return evt, err
}

// Record applies t to current, appends it to the log and returns the new
// state. current must reflect every event recorded so far.
func (m *Machine) Record(ctx context.Context, current entity.State, t entity.Transition) (entity.State, eventlog.Event, error) {
	current, err := current.Normalize()
	if err != nil {
		return current, eventlog.Event{}, err
	}
	unlock := m.locks.Lock(current.ID)
	defer unlock()
	return m.recordLocked(ctx, current, t)
}

func (m *Machine) recordLocked(ctx context.Context, current entity.State, t entity.Transition) (entity.State, eventlog.Event, error) {
	latest, err := m.events.LatestEventSeq(ctx, current.ID)
	if err != nil {
		return current, eventlog.Event{}, err
	}
	if t.Seq != 0 && t.Seq <= latest {
		// Let the log report the duplicate with the id it already holds.
		_, err := m.events.AppendEvent(ctx, eventlog.FromTransition(current.ID, current.Type, t))
		if err == nil {
			err = eventlog.DuplicateError(current.ID, t.Seq, "")
		}
		return current, eventlog.Event{}, err
	}
	if t.Seq > latest+1 {
		return current, eventlog.Event{}, eventlog.GapError(current.ID, latest, t.Seq)
	}
	if current.Seq != latest {
		return current, eventlog.Event{}, eventlog.GapError(current.ID, current.Seq, latest+1)
	}
	if latest == 0 {
		if err := m.ensureInitialSnapshot(ctx, current); err != nil {
			return current, eventlog.Event{}, err
		}
	}

	evt := eventlog.FromTransition(current.ID, current.Type, t)
	evt.Seq = latest + 1
	if evt.Timestamp.IsZero() {
		evt.Timestamp = m.clock()
	}
	evt.Timestamp = evt.Timestamp.UTC()
	if evt.SchemaVersion == 0 {
		evt.SchemaVersion = current.SchemaVersion
	}
	next, err := replay.Step(m.applier, current, evt)
	if err != nil {
		return current, eventlog.Event{}, err
	}
	stored, err := m.events.AppendEvent(ctx, evt)
	if err != nil {
		return current, eventlog.Event{}, err
	}

	if freq := m.cfg.SnapshotFrequency; freq > 0 && stored.Seq%uint64(freq) == 0 {
		if _, err := m.compactLocked(ctx, next); err != nil {
			m.logger.Warn("automatic compaction failed", "entity_id", current.ID, "seq", stored.Seq, "error", err)
		}
	}
	return next, stored, nil
}

// Restore makes recovered the head of its entity's history. When the log
// has moved past recovered.Seq, a TransitionRestored event is appended after
// the latest one and the result is snapshotted, so later transitions build
// on the recovered state. The returned event is zero when nothing was
// appended.
func (m *Machine) Restore(ctx context.Context, recovered entity.State) (entity.State, eventlog.Event, error) {
	recovered, err := recovered.Normalize()
	if err != nil {
		return recovered, eventlog.Event{}, err
	}
	unlock := m.locks.Lock(recovered.ID)
	defer unlock()

	latest, err := m.events.LatestEventSeq(ctx, recovered.ID)
	if err != nil {
		return recovered, eventlog.Event{}, err
	}
	if recovered.Seq >= latest {
		return recovered, eventlog.Event{}, nil
	}

	t, err := entity.RestoreTransition(recovered)
	if err != nil {
		return recovered, eventlog.Event{}, err
	}
	head := recovered.Clone()
	head.Seq = latest
	next, evt, err := m.recordLocked(ctx, head, t)
	if err != nil {
		return recovered, eventlog.Event{}, err
	}
	if _, err := m.compactLocked(ctx, next); err != nil {
		m.logger.Warn("snapshot after restore failed", "entity_id", next.ID, "seq", next.Seq, "error", err)
	}
	m.logger.Info("entity restored", "entity_id", next.ID, "from_seq", recovered.Seq, "seq", next.Seq)
	return next, evt, nil
}

func (m *Machine) ensureInitialSnapshot(ctx context.Context, initial entity.State) error {
	_, err := m.snapshots.RestoreLatest(ctx, initial.ID)
	if err == nil {
		return nil
	}
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		return err
	}
	_, err = m.snapshots.CreateSnapshot(ctx, initial, map[string]string{snapshot.MetaReason: "initial"})
	return err
}

// Compact snapshots the current state of an entity and applies retention.
func (m *Machine) Compact(ctx context.Context, entityID string) (snapshot.Snapshot, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return snapshot.Snapshot{}, ErrEntityIDRequired
	}
	unlock := m.locks.Lock(entityID)
	defer unlock()

	state, err := m.CurrentState(ctx, entityID)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	return m.compactLocked(ctx, state)
}

func (m *Machine) compactLocked(ctx context.Context, state entity.State) (snapshot.Snapshot, error) {
	snap, err := m.snapshots.CreateSnapshot(ctx, state, map[string]string{snapshot.MetaReason: "compaction"})
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	if m.cfg.PruneOnCompact && state.Seq > 0 {
		removed, err := m.events.PruneEvents(ctx, state.ID, state.Seq)
		if err != nil {
			m.logger.Warn("prune events failed", "entity_id", state.ID, "through_seq", state.Seq, "error", err)
		} else if removed > 0 {
			m.logger.Debug("pruned events", "entity_id", state.ID, "through_seq", state.Seq, "removed", removed)
		}
	}
	if m.cfg.KeepSnapshots > 0 {
		if _, err := m.snapshots.Prune(ctx, state.ID, m.cfg.KeepSnapshots); err != nil {
			m.logger.Warn("prune snapshots failed", "entity_id", state.ID, "error", err)
		}
	}
	return snap, nil
}

// Heartbeat records that an entity was known to be healthy at at.
func (m *Machine) Heartbeat(ctx context.Context, entityID string, at time.Time) error {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return ErrEntityIDRequired
	}
	if at.IsZero() {
		at = m.clock()
	}
	return m.heartbeats.RecordHeartbeat(ctx, entityID, at)
}

// LastHeartbeat returns the last known-good time of an entity.
func (m *Machine) LastHeartbeat(ctx context.Context, entityID string) (time.Time, error) {
	return m.heartbeats.LastHeartbeat(ctx, entityID)
}
