package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/sessionstate/internal/platform/errors"
	"github.com/louisbranch/sessionstate/internal/platform/keylock"
	"github.com/louisbranch/sessionstate/internal/platform/logging"
	platformotel "github.com/louisbranch/sessionstate/internal/platform/otel"
	"github.com/louisbranch/sessionstate/internal/platform/timeouts"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
)

var (
	// ErrBackendRequired indicates a manager built without a backend.
	ErrBackendRequired = errors.New("archive backend is required")
	// ErrSourceRequired indicates the manager has no active table attached.
	ErrSourceRequired = errors.New("archive source is not attached")
	// ErrNotActive indicates an archive request for an entity that is
	// neither active nor archived.
	ErrNotActive = apperrors.New(apperrors.CodeNotFound, "entity is not active")
)

const (
	defaultRetryInitial = time.Second
	defaultRetryMax     = 5 * time.Minute
)

// Source is the active table the worker archives from. All callbacks run
// under the entity's lock in the active table.
type Source interface {
	// ArchiveCandidate returns the active state of an entity and a version
	// that changes on every mutation.
	ArchiveCandidate(ctx context.Context, entityID string) (entity.State, uint64, bool)
	// CommitArchived runs commit and removes the entity from the active table,
	// provided its version still matches. It reports whether it committed.
	CommitArchived(ctx context.Context, entityID string, version uint64, commit func() error) (bool, error)
	// Abandon runs commit with the active state, if any, and removes the
	// entity from the active table once commit succeeds.
	Abandon(ctx context.Context, entityID string, commit func(state entity.State, ok bool) error) error
	// Restore puts a state back into the active table.
	Restore(ctx context.Context, state entity.State) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicies sets the archive policies.
func WithPolicies(policies Policies) Option {
	return func(m *Manager) {
		m.policies = policies
	}
}

// WithIndex sets where archive records are kept. Defaults to memory.
func WithIndex(index Index) Option {
	return func(m *Manager) {
		if index != nil {
			m.index = index
		}
	}
}

// WithDeadLetters sets where exhausted jobs are kept. Defaults to memory.
func WithDeadLetters(store DeadLetterStore) Option {
	return func(m *Manager) {
		if store != nil {
			m.deadLetters = store
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the manager clock.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithTimeouts overrides the bulk archive, retrieve and shutdown drain
// timeouts. Non-positive values keep the defaults.
func WithTimeouts(archive, retrieve, shutdown time.Duration) Option {
	return func(m *Manager) {
		if archive > 0 {
			m.archiveTimeout = archive
		}
		if retrieve > 0 {
			m.retrieveTimeout = retrieve
		}
		if shutdown > 0 {
			m.shutdownTimeout = shutdown
		}
	}
}

// WithRetryBackoff sets the first and the largest retry delay.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(m *Manager) {
		if initial > 0 {
			m.retryInitial = initial
		}
		if max > 0 {
			m.retryMax = max
		}
	}
}

// Manager owns the archive tier: the job queue, the worker pool, the index
// of archived entities and the dead letters.
type Manager struct {
	backend     Backend
	index       Index
	deadLetters DeadLetterStore
	policies    Policies
	queue       *Queue
	locks       keylock.Locks
	counters    *counters
	logger      *logging.Logger
	tracer      trace.Tracer
	clock       func() time.Time

	archiveTimeout  time.Duration
	retrieveTimeout time.Duration
	shutdownTimeout time.Duration
	retryInitial    time.Duration
	retryMax        time.Duration

	mu     sync.RWMutex
	source Source
	// releases tracks background blob deletions.
	releases sync.WaitGroup
}

// NewManager builds a manager over backend.
func NewManager(backend Backend, opts ...Option) (*Manager, error) {
	if backend == nil {
		return nil, ErrBackendRequired
	}
	m := &Manager{
		backend:         backend,
		index:           NewMemoryIndex(),
		deadLetters:     NewMemoryDeadLetters(),
		policies:        NewPolicies(DefaultPolicy()),
		counters:        newCounters(),
		tracer:          platformotel.Tracer("archive"),
		clock:           time.Now,
		archiveTimeout:  timeouts.ArchiveBatch,
		retrieveTimeout: timeouts.ArchiveRetrieve,
		shutdownTimeout: timeouts.Shutdown,
		retryInitial:    defaultRetryInitial,
		retryMax:        defaultRetryMax,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if err := m.policies.Validate(); err != nil {
		return nil, fmt.Errorf("archive policies: %w", err)
	}
	if m.retryMax < m.retryInitial {
		m.retryMax = m.retryInitial
	}
	m.queue = NewQueue(m.clock)
	return m, nil
}

// Attach connects the active table the worker archives from.
func (m *Manager) Attach(source Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source = source
}

func (m *Manager) attached() Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.source
}

// Backend returns the archive backend.
func (m *Manager) Backend() Backend {
	return m.backend
}

// Policies returns the archive policies.
func (m *Manager) Policies() Policies {
	return m.policies
}

// Queue returns the job queue.
func (m *Manager) Queue() *Queue {
	return m.queue
}

// ArchiveEntity enqueues an archival job. An entity that is already
// archived is left alone.
func (m *Manager) ArchiveEntity(ctx context.Context, entityID, entityType string, trigger Trigger, priority Priority) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "entity id is required")
	}
	if trigger == "" {
		trigger = TriggerManual
	}
	if _, err := ParseTrigger(string(trigger)); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid archive trigger", err)
	}
	if !priority.valid() {
		return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("invalid archive priority %d", int(priority)))
	}

	source := m.attached()
	if source == nil {
		return ErrSourceRequired
	}
	state, _, ok := source.ArchiveCandidate(ctx, entityID)
	if !ok {
		if _, err := m.index.GetRecord(ctx, entityID); err == nil {
			return nil
		} else if !errors.Is(err, ErrNotArchived) {
			return apperrors.Wrap(apperrors.CodePersistenceUnavailable, "archive index unavailable", err)
		}
		return apperrors.WrapWithMetadata(apperrors.CodeNotFound, "entity is not active", map[string]string{"entity_id": entityID}, ErrNotActive)
	}
	if entityType == "" {
		entityType = state.Type
	}

	if _, err := m.queue.Push(Job{EntityID: entityID, EntityType: entityType, Trigger: trigger, Priority: priority}); err != nil {
		return apperrors.Wrap(apperrors.CodeArchivalFailed, "enqueue archive job", err)
	}
	return nil
}

// Lookup returns the archive record of an entity.
func (m *Manager) Lookup(ctx context.Context, entityID string) (Record, error) {
	record, err := m.index.GetRecord(ctx, strings.TrimSpace(entityID))
	if err != nil {
		return Record{}, indexError(err)
	}
	return record, nil
}

// QueryArchives lists archive records matching filter.
func (m *Manager) QueryArchives(ctx context.Context, filter Filter) ([]Record, error) {
	records, err := m.index.QueryRecords(ctx, filter)
	if err != nil {
		return nil, indexError(err)
	}
	return records, nil
}

// Retrieve reads an archived entity back. It never touches the active
// table.
func (m *Manager) Retrieve(ctx context.Context, entityID string) (entity.State, Record, error) {
	ctx, cancel := context.WithTimeout(ctx, m.retrieveTimeout)
	defer cancel()

	record, err := m.Lookup(ctx, entityID)
	if err != nil {
		return entity.State{}, Record{}, err
	}
	data, err := m.backend.Retrieve(ctx, record.Token)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return entity.State{}, Record{}, apperrors.WrapWithMetadata(apperrors.CodeNotFound, "archived blob missing",
				map[string]string{"entity_id": record.EntityID, "backend": record.Backend}, err)
		}
		return entity.State{}, Record{}, apperrors.WrapWithMetadata(apperrors.CodePersistenceUnavailable, "retrieve archive",
			map[string]string{"entity_id": record.EntityID, "backend": record.Backend}, err)
	}
	state, _, err := Decode(data)
	if err != nil {
		return entity.State{}, Record{}, apperrors.WrapWithMetadata(apperrors.CodeValidationFailed, "decode archive",
			map[string]string{"entity_id": record.EntityID}, err)
	}
	return state, record, nil
}

// Delete removes an entity from the archive tier: its queued job, its
// record, its blob and any dead letter.
func (m *Manager) Delete(ctx context.Context, entityID string) error {
	entityID = strings.TrimSpace(entityID)
	unlock := m.locks.Lock(entityID)
	defer unlock()

	m.queue.Remove(entityID)
	if err := m.deadLetters.RemoveDeadLetter(ctx, entityID); err != nil {
		return apperrors.Wrap(apperrors.CodePersistenceUnavailable, "remove dead letter", err)
	}
	record, err := m.index.GetRecord(ctx, entityID)
	if errors.Is(err, ErrNotArchived) {
		return nil
	}
	if err != nil {
		return indexError(err)
	}
	if err := m.index.DeleteRecord(ctx, entityID); err != nil {
		return indexError(err)
	}
	if err := m.backend.Delete(ctx, record.Token); err != nil && !errors.Is(err, ErrTokenNotFound) {
		// The record is gone, so the blob is unreachable. Sweep cannot find
		// it either; log it for manual cleanup.
		m.logger.Warn("archive blob delete failed", "entity_id", entityID, "token", record.Token, "error", err)
	}
	return nil
}

// Release hands an archived entity back to the active table. The record
// and any dead letter are removed before it returns; the blob is deleted
// in the background. It reports whether the entity had an archive record.
func (m *Manager) Release(ctx context.Context, entityID string) (bool, error) {
	entityID = strings.TrimSpace(entityID)
	unlock := m.locks.Lock(entityID)
	defer unlock()

	m.queue.Remove(entityID)
	if err := m.deadLetters.RemoveDeadLetter(ctx, entityID); err != nil {
		return false, apperrors.Wrap(apperrors.CodePersistenceUnavailable, "remove dead letter", err)
	}
	record, err := m.index.GetRecord(ctx, entityID)
	if errors.Is(err, ErrNotArchived) {
		return false, nil
	}
	if err != nil {
		return false, indexError(err)
	}
	if err := m.index.DeleteRecord(ctx, entityID); err != nil {
		return false, indexError(err)
	}
	m.deleteBlobAsync(ctx, record.Token)
	return true, nil
}

func (m *Manager) deleteBlobAsync(ctx context.Context, token string) {
	m.releases.Add(1)
	go func() {
		defer m.releases.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.archiveTimeout)
		defer cancel()
		if err := m.backend.Delete(ctx, token); err != nil && !errors.Is(err, ErrTokenNotFound) {
			m.logger.Warn("archive blob delete failed", "token", token, "error", err)
		}
	}()
}

// WaitReleases blocks until background blob deletions finish.
func (m *Manager) WaitReleases() {
	m.releases.Wait()
}

// SweepResult counts what a sweep changed.
type SweepResult struct {
	Expired      int
	Recompressed int
	Failed       int
}

// Sweep deletes archives past their retention and recompresses archives
// whose entities have been idle past compress_after.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	records, err := m.QueryArchives(ctx, Filter{})
	if err != nil {
		return SweepResult{}, err
	}
	var result SweepResult
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		policy := m.policies.For(record.EntityType)
		switch {
		case policy.Retention > 0 && now.Sub(record.ArchivedAt) >= policy.Retention:
			if err := m.Delete(ctx, record.EntityID); err != nil {
				result.Failed++
				m.logger.Warn("archive retention delete failed", "entity_id", record.EntityID, "error", err)
				continue
			}
			result.Expired++
		case !record.Compressed && shouldCompress(policy, record.LastActivity, now):
			changed, err := m.recompress(ctx, record)
			if err != nil {
				result.Failed++
				m.logger.Warn("archive recompression failed", "entity_id", record.EntityID, "error", err)
				continue
			}
			if changed {
				result.Recompressed++
			}
		}
	}
	return result, nil
}

func (m *Manager) recompress(ctx context.Context, record Record) (bool, error) {
	unlock := m.locks.Lock(record.EntityID)
	defer unlock()

	current, err := m.index.GetRecord(ctx, record.EntityID)
	if errors.Is(err, ErrNotArchived) || (err == nil && current.Token != record.Token) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	data, err := m.backend.Retrieve(ctx, current.Token)
	if err != nil {
		return false, err
	}
	state, header, err := Decode(data)
	if err != nil {
		return false, err
	}
	blob, _, err := Encode(state, header.CreatedAt, true)
	if err != nil {
		return false, err
	}
	token, err := m.backend.Archive(ctx, state.ID, state.Type, blob)
	if err != nil {
		return false, err
	}
	updated := current
	updated.Token = token
	updated.Size = len(blob)
	updated.Compressed = true
	if err := m.index.PutRecord(ctx, updated); err != nil {
		_ = m.backend.Delete(context.WithoutCancel(ctx), token)
		return false, err
	}
	if err := m.backend.Delete(ctx, current.Token); err != nil && !errors.Is(err, ErrTokenNotFound) {
		m.logger.Warn("archive blob delete failed", "entity_id", record.EntityID, "token", current.Token, "error", err)
	}
	return true, nil
}

func shouldCompress(policy Policy, lastActivity, now time.Time) bool {
	return now.Sub(lastActivity) >= policy.CompressAfter
}

// DeadLetters lists jobs that exhausted their retries.
func (m *Manager) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	letters, err := m.deadLetters.ListDeadLetters(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistenceUnavailable, "list dead letters", err)
	}
	return letters, nil
}

// DeadLetter returns the dead letter of one entity.
func (m *Manager) DeadLetter(ctx context.Context, entityID string) (DeadLetter, bool, error) {
	letters, err := m.DeadLetters(ctx)
	if err != nil {
		return DeadLetter{}, false, err
	}
	for _, letter := range letters {
		if letter.Job.EntityID == entityID {
			return letter, true, nil
		}
	}
	return DeadLetter{}, false, nil
}

// RequeueDeadLetters puts dead-lettered entities back into the active table
// and queues them again at high priority with a fresh retry budget. With no
// ids every dead letter is requeued. It returns how many were requeued.
func (m *Manager) RequeueDeadLetters(ctx context.Context, entityIDs ...string) (int, error) {
	source := m.attached()
	if source == nil {
		return 0, ErrSourceRequired
	}
	letters, err := m.DeadLetters(ctx)
	if err != nil {
		return 0, err
	}
	wanted := make(map[string]bool, len(entityIDs))
	for _, entityID := range entityIDs {
		wanted[strings.TrimSpace(entityID)] = true
	}

	requeued := 0
	for _, letter := range letters {
		if len(wanted) > 0 && !wanted[letter.Job.EntityID] {
			continue
		}
		if letter.HasState {
			if err := source.Restore(ctx, letter.State); err != nil {
				return requeued, fmt.Errorf("restore %s: %w", letter.Job.EntityID, err)
			}
		}
		if err := m.deadLetters.RemoveDeadLetter(ctx, letter.Job.EntityID); err != nil {
			return requeued, apperrors.Wrap(apperrors.CodePersistenceUnavailable, "remove dead letter", err)
		}
		if !letter.HasState {
			continue
		}
		job := Job{
			EntityID:   letter.Job.EntityID,
			EntityType: letter.Job.EntityType,
			Trigger:    TriggerManual,
			Priority:   PriorityHigh,
		}
		if _, err := m.queue.Push(job); err != nil {
			return requeued, apperrors.Wrap(apperrors.CodeArchivalFailed, "enqueue archive job", err)
		}
		requeued++
	}
	return requeued, nil
}

// Summary reports the state of the archive tier.
type Summary struct {
	Queue        QueueSummary
	DeadLetters  int
	Archived     int64
	Failed       int64
	DeadLettered int64
	Discarded    int64
}

// Summary returns queue depth, dead-letter count and worker counters.
func (m *Manager) Summary(ctx context.Context) (Summary, error) {
	letters, err := m.DeadLetters(ctx)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Queue:        m.queue.Summary(),
		DeadLetters:  len(letters),
		Archived:     m.counters.archived.Load(),
		Failed:       m.counters.failed.Load(),
		DeadLettered: m.counters.deadLettered.Load(),
		Discarded:    m.counters.discarded.Load(),
	}, nil
}

func indexError(err error) error {
	if errors.Is(err, ErrNotArchived) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.Wrap(apperrors.CodePersistenceUnavailable, "archive index unavailable", err)
}
