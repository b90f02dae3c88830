// Package repository joins the active table and the archive tier behind
// one read/write surface. An entity lives in exactly one tier at a time:
// the archive worker removes it from the active table only after its
// archive record is written.
package repository

import (
	"container/list"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/louisbranch/sessionstate/internal/platform/errors"
	"github.com/louisbranch/sessionstate/internal/platform/keylock"
	"github.com/louisbranch/sessionstate/internal/platform/logging"
	"github.com/louisbranch/sessionstate/internal/services/state/archive"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/eventlog"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/machine"
)

var (
	// ErrNotFound indicates an entity is in neither tier.
	ErrNotFound = apperrors.New(apperrors.CodeNotFound, "entity not found")
	// ErrNotActive indicates an operation that needs the entity in the
	// active table.
	ErrNotActive = apperrors.New(apperrors.CodeNotFound, "entity is not active")
	// ErrMachineRequired indicates a repository built without a state machine.
	ErrMachineRequired = errors.New("state machine is required")
	// ErrArchiveRequired indicates a repository built without an archive
	// manager.
	ErrArchiveRequired = errors.New("archive manager is required")
)

// Config bounds the active table.
type Config struct {
	// MaxActive is the number of active entities above which the least
	// recently used unpinned ones are evicted to the archive. Zero means
	// unbounded.
	MaxActive int
}

// Option configures a Repository.
type Option func(*Repository)

// WithConfig sets the active table bounds.
func WithConfig(cfg Config) Option {
	return func(r *Repository) {
		r.cfg = cfg
	}
}

// WithValidator gates heartbeats on entity validation.
func WithValidator(validator entity.Validator) Option {
	return func(r *Repository) {
		r.validator = validator
	}
}

// WithLogger sets the repository logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Repository) {
		r.logger = logger
	}
}

// WithClock overrides the repository clock.
func WithClock(clock func() time.Time) Option {
	return func(r *Repository) {
		if clock != nil {
			r.clock = clock
		}
	}
}

type activeEntry struct {
	state    entity.State
	version  uint64
	pinned   bool
	evicting bool
}

// Repository is the hybrid store: an in-memory active table in front of
// the archive tier.
type Repository struct {
	machine   *machine.Machine
	archive   *archive.Manager
	validator entity.Validator
	cfg       Config
	logger    *logging.Logger
	clock     func() time.Time

	// locks serialises mutations of one entity.
	locks   keylock.Locks
	version atomic.Uint64

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
}

// New builds a repository and attaches it to the archive manager as its
// source.
func New(sm *machine.Machine, archives *archive.Manager, opts ...Option) (*Repository, error) {
	if sm == nil {
		return nil, ErrMachineRequired
	}
	if archives == nil {
		return nil, ErrArchiveRequired
	}
	r := &Repository{
		machine: sm,
		archive: archives,
		clock:   time.Now,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	archives.Attach(r)
	return r, nil
}

// Machine returns the state machine behind RecordTransition.
func (r *Repository) Machine() *machine.Machine {
	return r.machine
}

// Archive returns the archive manager.
func (r *Repository) Archive() *archive.Manager {
	return r.archive
}

func (r *Repository) lookup(entityID string) (*activeEntry, bool) {
	elem, ok := r.entries[entityID]
	if !ok {
		return nil, false
	}
	return elem.Value.(*activeEntry), true
}

// putLocked installs state as the newest version. Callers hold the entity
// lock.
func (r *Repository) putLocked(state entity.State) {
	version := r.version.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if elem, ok := r.entries[state.ID]; ok {
		e := elem.Value.(*activeEntry)
		e.state = state.Clone()
		e.version = version
		e.evicting = false
		r.lru.MoveToFront(elem)
		return
	}
	r.entries[state.ID] = r.lru.PushFront(&activeEntry{state: state.Clone(), version: version})
}

func (r *Repository) removeLocked(entityID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.entries[entityID]
	if !ok {
		return false
	}
	r.lru.Remove(elem)
	delete(r.entries, entityID)
	return true
}

func (r *Repository) active(entityID string, touch bool) (entity.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.entries[entityID]
	if !ok {
		return entity.State{}, false
	}
	if touch {
		r.lru.MoveToFront(elem)
	}
	return elem.Value.(*activeEntry).state.Clone(), true
}

// Get returns the entity from the active table, falling back to the
// archive and then to the dead letters. Archived reads do not bring the
// entity back into the active table.
func (r *Repository) Get(ctx context.Context, entityID string) (entity.State, error) {
	if err := ctx.Err(); err != nil {
		return entity.State{}, err
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return entity.State{}, apperrors.New(apperrors.CodeInvalidArgument, "entity id is required")
	}
	if state, ok := r.active(entityID, true); ok {
		return state, nil
	}
	return r.readArchived(ctx, entityID)
}

// readArchived loads an inactive entity from the archive or the dead
// letters, upgraded to the current schema version.
func (r *Repository) readArchived(ctx context.Context, entityID string) (entity.State, error) {
	state, _, err := r.archive.Retrieve(ctx, entityID)
	if err == nil {
		return r.machine.Migrations().UpgradeState(state)
	}
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		return entity.State{}, err
	}
	letter, ok, err := r.archive.DeadLetter(ctx, entityID)
	if err != nil {
		return entity.State{}, err
	}
	if ok && letter.HasState {
		return r.machine.Migrations().UpgradeState(letter.State)
	}
	return entity.State{}, apperrors.WithMetadata(apperrors.CodeNotFound, "entity not found", map[string]string{"entity_id": entityID})
}

// Save writes state to the active table. If the entity was archived, its
// archive record is released so it has one owner again; the blob itself is
// deleted in the background.
func (r *Repository) Save(ctx context.Context, state entity.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := state.Normalize()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid entity", err)
	}
	if state.LastActivity.IsZero() {
		state.LastActivity = r.clock()
	}
	state.LastActivity = state.LastActivity.UTC()

	unlock := r.locks.Lock(state.ID)
	err = r.saveLocked(ctx, state)
	unlock()
	if err != nil {
		return err
	}
	r.evict(ctx)
	return nil
}

func (r *Repository) saveLocked(ctx context.Context, state entity.State) error {
	r.mu.Lock()
	_, wasActive := r.entries[state.ID]
	r.mu.Unlock()
	if !wasActive {
		if _, err := r.archive.Release(ctx, state.ID); err != nil {
			return err
		}
	}
	r.putLocked(state)
	return nil
}

// Restore makes a recovered state the active one. The state machine first
// records it as the head of the entity's history, so transitions recorded
// afterwards continue from it.
func (r *Repository) Restore(ctx context.Context, recovered entity.State) (entity.State, error) {
	if err := ctx.Err(); err != nil {
		return entity.State{}, err
	}
	recovered, err := recovered.Normalize()
	if err != nil {
		return entity.State{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid entity", err)
	}

	unlock := r.locks.Lock(recovered.ID)
	state, _, err := r.machine.Restore(ctx, recovered)
	if err == nil {
		state.LastActivity = r.clock().UTC()
		err = r.saveLocked(ctx, state)
	}
	unlock()
	if err != nil {
		return entity.State{}, err
	}
	r.evict(ctx)
	return state.Clone(), nil
}

// Delete removes the entity from both tiers. Its event history and
// snapshots are kept for recovery.
func (r *Repository) Delete(ctx context.Context, entityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "entity id is required")
	}
	unlock := r.locks.Lock(entityID)
	defer unlock()

	r.removeLocked(entityID)
	return r.archive.Delete(ctx, entityID)
}

// RecordTransition applies t to the entity through the state machine and
// stores the result in the active table. An archived entity is brought
// back first; an unknown one starts from its initial state.
func (r *Repository) RecordTransition(ctx context.Context, entityID, entityType string, t entity.Transition) (entity.State, eventlog.Event, error) {
	if err := ctx.Err(); err != nil {
		return entity.State{}, eventlog.Event{}, err
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return entity.State{}, eventlog.Event{}, apperrors.New(apperrors.CodeInvalidArgument, "entity id is required")
	}

	unlock := r.locks.Lock(entityID)
	next, evt, err := r.recordLocked(ctx, entityID, entityType, t)
	unlock()
	if err != nil {
		return entity.State{}, eventlog.Event{}, err
	}
	r.evict(ctx)
	return next, evt, nil
}

func (r *Repository) recordLocked(ctx context.Context, entityID, entityType string, t entity.Transition) (entity.State, eventlog.Event, error) {
	current, wasActive := r.active(entityID, false)
	if !wasActive {
		var err error
		current, err = r.readArchived(ctx, entityID)
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			current, err = r.machine.CurrentState(ctx, entityID)
			if errors.Is(err, machine.ErrNotFound) {
				current, err = r.machine.InitialState(entityID, entityType)
			}
		}
		if err != nil {
			return entity.State{}, eventlog.Event{}, err
		}
	}

	next, evt, err := r.machine.Record(ctx, current, t)
	if err != nil {
		return entity.State{}, eventlog.Event{}, err
	}
	next.LastActivity = latest(next.LastActivity, r.clock()).UTC()
	if !wasActive {
		if _, err := r.archive.Release(ctx, entityID); err != nil {
			return entity.State{}, eventlog.Event{}, err
		}
	}
	r.putLocked(next)
	return next.Clone(), evt, nil
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// Pin keeps an active entity out of every archival path until Unpin.
func (r *Repository) Pin(ctx context.Context, entityID string) error {
	return r.setPinned(ctx, entityID, true)
}

// Unpin makes an entity eligible for archival again.
func (r *Repository) Unpin(ctx context.Context, entityID string) error {
	return r.setPinned(ctx, entityID, false)
}

func (r *Repository) setPinned(ctx context.Context, entityID string, pinned bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entityID = strings.TrimSpace(entityID)
	unlock := r.locks.Lock(entityID)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.lookup(entityID)
	if !ok {
		return apperrors.WrapWithMetadata(apperrors.CodeNotFound, "entity is not active", map[string]string{"entity_id": entityID}, ErrNotActive)
	}
	e.pinned = pinned
	if pinned {
		e.evicting = false
	}
	return nil
}

// Len returns the number of active entities.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IsActive reports whether an entity is in the active table.
func (r *Repository) IsActive(entityID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[strings.TrimSpace(entityID)]
	return ok
}

// evict queues critical archival for the least recently used unpinned
// entities above MaxActive. They stay readable until archived.
func (r *Repository) evict(ctx context.Context) {
	if r.cfg.MaxActive <= 0 {
		return
	}
	type victim struct{ id, entityType string }
	var victims []victim

	r.mu.Lock()
	excess := len(r.entries) - r.cfg.MaxActive
	for elem := r.lru.Back(); elem != nil && excess > 0; elem = elem.Prev() {
		e := elem.Value.(*activeEntry)
		if e.evicting {
			excess--
			continue
		}
		if e.pinned {
			continue
		}
		e.evicting = true
		victims = append(victims, victim{id: e.state.ID, entityType: e.state.Type})
		excess--
	}
	r.mu.Unlock()

	if excess > 0 {
		r.logger.Warn("active table over capacity with only pinned entities left", "max_active", r.cfg.MaxActive, "excess", excess)
	}
	for _, v := range victims {
		err := r.archive.ArchiveEntity(ctx, v.id, v.entityType, archive.TriggerMemoryPressure, archive.PriorityCritical)
		if err != nil && !apperrors.HasCode(err, apperrors.CodeNotFound) {
			r.logger.Warn("eviction enqueue failed", "entity_id", v.id, "error", err)
			r.clearEvicting(v.id)
		}
	}
}

func (r *Repository) clearEvicting(entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.lookup(entityID); ok {
		e.evicting = false
	}
}
