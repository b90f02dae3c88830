package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/sessionstate/internal/platform/errors"
	"github.com/louisbranch/sessionstate/internal/platform/logging"
	"github.com/louisbranch/sessionstate/internal/services/state/archive"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/eventlog"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/machine"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/migration"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/recovery"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/snapshot"
	"github.com/louisbranch/sessionstate/internal/services/state/repository"
)

// ErrApplierRequired indicates an engine built without a transition applier.
var ErrApplierRequired = errors.New("transition applier is required")

// Stores are the persistence collaborators of an engine. Nil fields fall
// back to in-memory implementations.
type Stores struct {
	Events      eventlog.Log
	Snapshots   []snapshot.Store
	Heartbeats  machine.HeartbeatStore
	Backend     archive.Backend
	Index       archive.Index
	DeadLetters archive.DeadLetterStore
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	validator  entity.Validator
	initial    entity.InitialStateFunc
	migrations *migration.Manager
	logger     *logging.Logger
	clock      func() time.Time
}

// WithValidator sets the validator applied to recovered states and to
// active states before a heartbeat is recorded.
func WithValidator(validator entity.Validator) Option {
	return func(o *options) {
		o.validator = validator
	}
}

// WithInitialState sets how a new entity's starting state is built.
func WithInitialState(initial entity.InitialStateFunc) Option {
	return func(o *options) {
		o.initial = initial
	}
}

// WithMigrations sets the schema migrations. They are validated when the
// engine is built.
func WithMigrations(migrations *migration.Manager) Option {
	return func(o *options) {
		o.migrations = migrations
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock overrides the clock of every component.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// Engine is the session state persistence and recovery engine.
type Engine struct {
	cfg        Config
	machine    *machine.Machine
	snapshots  *snapshot.Manager
	recovery   *recovery.Manager
	archive    *archive.Manager
	repository *repository.Repository
	events     eventlog.Log
	logger     *logging.Logger
	clock      func() time.Time
}

// New wires an engine over stores.
func New(stores Stores, applier entity.Applier, cfg Config, opts ...Option) (*Engine, error) {
	if applier == nil {
		return nil, ErrApplierRequired
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	o := options{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.migrations != nil {
		if err := o.migrations.Validate(); err != nil {
			return nil, err
		}
	}

	if stores.Events == nil {
		stores.Events = eventlog.NewMemory()
	}
	if len(stores.Snapshots) == 0 {
		stores.Snapshots = []snapshot.Store{snapshot.NewMemory()}
	}
	if stores.Backend == nil {
		stores.Backend = archive.NewMemoryBackend()
	}

	snapshots, err := snapshot.NewManager(stores.Snapshots,
		snapshot.WithCompressionThreshold(cfg.CompressionThreshold),
		snapshot.WithLogger(o.logger),
		snapshot.WithClock(o.clock))
	if err != nil {
		return nil, err
	}

	machineOpts := []machine.Option{
		machine.WithConfig(machine.Config{
			SnapshotFrequency: cfg.SnapshotFrequency,
			PruneOnCompact:    cfg.PruneOnCompact,
			KeepSnapshots:     cfg.KeepSnapshots,
		}),
		machine.WithHeartbeats(stores.Heartbeats),
		machine.WithLogger(o.logger),
		machine.WithClock(o.clock),
	}
	if o.initial != nil {
		machineOpts = append(machineOpts, machine.WithInitialState(o.initial))
	}
	if o.migrations != nil {
		machineOpts = append(machineOpts, machine.WithMigrations(o.migrations))
	}
	sm, err := machine.New(stores.Events, snapshots, applier, machineOpts...)
	if err != nil {
		return nil, err
	}

	recoveries, err := recovery.New(sm,
		recovery.WithValidator(o.validator),
		recovery.WithMaxFallbackAttempts(cfg.MaxFallbackAttempts),
		recovery.WithTimeout(cfg.RecoveryTimeout),
		recovery.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	archives, err := archive.NewManager(stores.Backend,
		archive.WithPolicies(cfg.Policies),
		archive.WithIndex(stores.Index),
		archive.WithDeadLetters(stores.DeadLetters),
		archive.WithLogger(o.logger),
		archive.WithClock(o.clock),
		archive.WithTimeouts(cfg.ArchiveTimeout, cfg.RetrieveTimeout, cfg.ShutdownTimeout),
		archive.WithRetryBackoff(cfg.RetryInitial, cfg.RetryMax))
	if err != nil {
		return nil, err
	}

	repo, err := repository.New(sm, archives,
		repository.WithConfig(repository.Config{MaxActive: cfg.MaxActive}),
		repository.WithValidator(o.validator),
		repository.WithLogger(o.logger),
		repository.WithClock(o.clock))
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:        cfg,
		machine:    sm,
		snapshots:  snapshots,
		recovery:   recoveries,
		archive:    archives,
		repository: repo,
		events:     stores.Events,
		logger:     o.logger,
		clock:      o.clock,
	}, nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config {
	return e.cfg
}

// Machine exposes the event-sourced state machine.
func (e *Engine) Machine() *machine.Machine {
	return e.machine
}

// Archive exposes the archive manager.
func (e *Engine) Archive() *archive.Manager {
	return e.archive
}

// Repository exposes the hybrid repository.
func (e *Engine) Repository() *repository.Repository {
	return e.repository
}

// Get returns an entity from the active table, or from the archive when
// it is not active.
func (e *Engine) Get(ctx context.Context, entityID string) (entity.State, error) {
	return e.repository.Get(ctx, entityID)
}

// Save writes an entity to the active table. It never waits on the
// archive backend.
func (e *Engine) Save(ctx context.Context, state entity.State) error {
	return e.repository.Save(ctx, state)
}

// Delete removes an entity from both tiers. Its event and snapshot history
// is kept for recovery.
func (e *Engine) Delete(ctx context.Context, entityID string) error {
	return e.repository.Delete(ctx, entityID)
}

// RecordTransition applies a transition to an entity, appends it to the
// event log and stores the result in the active table.
func (e *Engine) RecordTransition(ctx context.Context, entityID, entityType string, t entity.Transition) (entity.State, eventlog.Event, error) {
	return e.repository.RecordTransition(ctx, entityID, entityType, t)
}

// Recover rebuilds an entity for req. The result is not written back; the
// caller decides whether to Save it.
func (e *Engine) Recover(ctx context.Context, req recovery.Request) (recovery.Result, error) {
	return e.recovery.Recover(ctx, req)
}

// Resume recovers an entity and makes the recovered state the active one.
// A state older than the event log head is recorded as a restore event, so
// play continues from it with the next sequence number.
func (e *Engine) Resume(ctx context.Context, req recovery.Request) (recovery.Result, error) {
	result, err := e.recovery.Recover(ctx, req)
	if err != nil {
		return recovery.Result{}, err
	}
	state, err := e.repository.Restore(ctx, result.State)
	if err != nil {
		return recovery.Result{}, err
	}
	result.State = state
	return result, nil
}

// ArchiveEntity enqueues a manual archival of an active entity at
// priority. It is refused when the entity type's policy disables manual
// archival.
func (e *Engine) ArchiveEntity(ctx context.Context, entityID string, priority archive.Priority) error {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "entity id is required")
	}
	state, _, ok := e.repository.ArchiveCandidate(ctx, entityID)
	if ok && !e.archive.Policies().For(state.Type).Enabled(archive.TriggerManual) {
		return apperrors.WithMetadata(apperrors.CodeInvalidArgument, "manual archival is disabled",
			map[string]string{"entity_id": entityID, "entity_type": state.Type})
	}
	return e.archive.ArchiveEntity(ctx, entityID, state.Type, archive.TriggerManual, priority)
}

// QueryArchives lists archive records matching filter, oldest first.
func (e *Engine) QueryArchives(ctx context.Context, filter archive.Filter) ([]archive.Record, error) {
	return e.archive.QueryArchives(ctx, filter)
}

// Pin keeps an active entity out of eviction and automatic archival.
func (e *Engine) Pin(ctx context.Context, entityID string) error {
	return e.repository.Pin(ctx, entityID)
}

// Unpin releases a pin.
func (e *Engine) Unpin(ctx context.Context, entityID string) error {
	return e.repository.Unpin(ctx, entityID)
}

// Heartbeat marks an entity known-good at at.
func (e *Engine) Heartbeat(ctx context.Context, entityID string, at time.Time) error {
	return e.machine.Heartbeat(ctx, entityID, at)
}

// Compact snapshots the current state of an entity.
func (e *Engine) Compact(ctx context.Context, entityID string) (snapshot.Snapshot, error) {
	return e.machine.Compact(ctx, entityID)
}

// ListSnapshots returns the snapshots of an entity, newest first.
func (e *Engine) ListSnapshots(ctx context.Context, entityID string) ([]snapshot.Snapshot, error) {
	return e.snapshots.ListSnapshots(ctx, entityID)
}

// Tick evaluates the archival strategy over the active table.
func (e *Engine) Tick(ctx context.Context, pressure bool) (repository.TickResult, error) {
	return e.repository.Tick(ctx, e.clock(), pressure)
}

// Sweep applies archive retention and recompression.
func (e *Engine) Sweep(ctx context.Context) (archive.SweepResult, error) {
	return e.archive.Sweep(ctx, e.clock())
}

// Summary reports the archive queue and worker counters.
func (e *Engine) Summary(ctx context.Context) (archive.Summary, error) {
	return e.archive.Summary(ctx)
}

// DeadLetters lists archival jobs that exhausted their retries.
func (e *Engine) DeadLetters(ctx context.Context) ([]archive.DeadLetter, error) {
	return e.archive.DeadLetters(ctx)
}

// RequeueDeadLetters moves dead letters back onto the queue. No ids means
// all of them.
func (e *Engine) RequeueDeadLetters(ctx context.Context, entityIDs ...string) (int, error) {
	return e.archive.RequeueDeadLetters(ctx, entityIDs...)
}

// IntegrityVerifier is implemented by event logs that chain their events.
type IntegrityVerifier interface {
	VerifyIntegrity(ctx context.Context, entityID string) (int, error)
}

// VerifyIntegrity checks the event chain of an entity. It returns
// ErrIntegrityUnsupported when the event log keeps no chain.
func (e *Engine) VerifyIntegrity(ctx context.Context, entityID string) (int, error) {
	verifier, ok := e.events.(IntegrityVerifier)
	if !ok {
		return 0, ErrIntegrityUnsupported
	}
	return verifier.VerifyIntegrity(ctx, entityID)
}

// ErrIntegrityUnsupported indicates an event log without a hash chain.
var ErrIntegrityUnsupported = errors.New("event log does not support integrity verification")

// Run drives the archive worker pool until ctx is cancelled, then drains
// the queue within the shutdown timeout.
func (e *Engine) Run(ctx context.Context) error {
	return e.archive.Run(ctx)
}
