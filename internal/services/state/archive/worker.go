package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/sessionstate/internal/platform/errors"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
)

// Run starts the worker pool and blocks until ctx ends. It then closes the
// queue, keeps archiving ready jobs until the shutdown timeout and discards
// whatever is left.
func (m *Manager) Run(ctx context.Context) error {
	if m.attached() == nil {
		return ErrSourceRequired
	}
	workers := m.policies.Default.MaxConcurrency
	if workers <= 0 {
		workers = 1
	}
	m.logger.Info("archive worker started", "workers", workers, "backend", m.backend.Name())

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.work(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()

	m.queue.Close()
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.shutdownTimeout)
	defer cancel()
	m.drain(drainCtx)
	m.releases.Wait()
	m.logger.Info("archive worker stopped")
	return nil
}

func (m *Manager) work(ctx context.Context) {
	for {
		batch, err := m.nextBatch(ctx)
		if len(batch) > 0 {
			// In-flight batches finish even when ctx ends mid-batch.
			m.processBatch(context.WithoutCancel(ctx), batch)
		}
		if err != nil {
			return
		}
	}
}

// nextBatch blocks for one job and then collects more until the batch is
// full or batch_timeout elapses.
func (m *Manager) nextBatch(ctx context.Context) ([]Job, error) {
	first, err := m.queue.Pop(ctx)
	if err != nil {
		return nil, err
	}
	batch := []Job{first}
	size := m.policies.Default.BatchSize
	if size <= 1 {
		return batch, nil
	}

	batchCtx, cancel := context.WithTimeout(ctx, m.policies.Default.BatchTimeout)
	defer cancel()
	for len(batch) < size {
		if job, ok := m.queue.TryPop(); ok {
			batch = append(batch, job)
			continue
		}
		job, err := m.queue.Pop(batchCtx)
		if err != nil {
			break
		}
		batch = append(batch, job)
	}
	return batch, nil
}

// ProcessReady archives every job that is ready now, in batches, without
// starting the pool. It returns the number of jobs processed.
func (m *Manager) ProcessReady(ctx context.Context) (int, error) {
	if m.attached() == nil {
		return 0, ErrSourceRequired
	}
	processed := 0
	for ctx.Err() == nil {
		batch := m.readyBatch()
		if len(batch) == 0 {
			break
		}
		m.processBatch(ctx, batch)
		processed += len(batch)
	}
	return processed, ctx.Err()
}

func (m *Manager) readyBatch() []Job {
	size := m.policies.Default.BatchSize
	if size <= 0 {
		size = 1
	}
	var batch []Job
	for len(batch) < size {
		job, ok := m.queue.TryPop()
		if !ok {
			break
		}
		batch = append(batch, job)
	}
	return batch
}

func (m *Manager) drain(ctx context.Context) {
	processed, _ := m.ProcessReady(ctx)
	remaining := m.queue.Drain()
	for _, job := range remaining {
		m.logger.Warn("archive job discarded at shutdown",
			"entity_id", job.EntityID,
			"entity_type", job.EntityType,
			"priority", job.Priority.String(),
			"attempts", job.Attempts,
		)
	}
	m.counters.addDiscarded(ctx, len(remaining))
	if processed > 0 || len(remaining) > 0 {
		m.logger.Info("archive queue drained", "processed", processed, "discarded", len(remaining))
	}
}

type pending struct {
	job     Job
	state   entity.State
	version uint64
	header  Header
	item    Item
}

// processBatch archives a batch in one bulk backend call and commits each
// entity back to the active table.
func (m *Manager) processBatch(ctx context.Context, batch []Job) {
	source := m.attached()
	if source == nil {
		return
	}
	ctx, span := m.tracer.Start(ctx, "archive.batch", trace.WithAttributes(
		attribute.Int("archive.batch_size", len(batch)),
		attribute.String("archive.backend", m.backend.Name()),
	))
	defer span.End()

	now := m.clock()
	items := make([]pending, 0, len(batch))
	for _, job := range batch {
		state, version, ok := source.ArchiveCandidate(ctx, job.EntityID)
		if !ok {
			m.logger.Debug("archive job skipped, entity not active", "entity_id", job.EntityID)
			continue
		}
		policy := m.policies.For(state.Type)
		blob, header, err := Encode(state, now, shouldCompress(policy, state.LastActivity, now))
		if err != nil {
			m.fail(ctx, job, err)
			continue
		}
		job.EntityType = state.Type
		items = append(items, pending{
			job:     job,
			state:   state,
			version: version,
			header:  header,
			item:    Item{EntityID: state.ID, EntityType: state.Type, Data: blob},
		})
	}
	if len(items) == 0 {
		return
	}

	bulk := make([]Item, len(items))
	for i, p := range items {
		bulk[i] = p.item
	}
	archiveCtx, cancel := context.WithTimeout(ctx, m.archiveTimeout)
	tokens, err := ArchiveBatch(archiveCtx, m.backend, bulk)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		for _, p := range items {
			m.fail(ctx, p.job, err)
		}
		return
	}

	archived := 0
	for i, p := range items {
		if m.commit(ctx, source, p, tokens[i], now) {
			archived++
		}
	}
	span.SetAttributes(attribute.Int("archive.archived", archived))
}

func (m *Manager) commit(ctx context.Context, source Source, p pending, token string, now time.Time) bool {
	record := Record{
		EntityID:     p.state.ID,
		EntityType:   p.state.Type,
		Token:        token,
		Backend:      m.backend.Name(),
		Size:         len(p.item.Data),
		Compressed:   p.header.Compressed,
		Seq:          p.state.Seq,
		Trigger:      p.job.Trigger,
		LastActivity: p.state.LastActivity,
		CreatedAt:    p.header.CreatedAt,
		ArchivedAt:   now,
	}

	committed, err := source.CommitArchived(ctx, record.EntityID, p.version, func() error {
		unlock := m.locks.Lock(record.EntityID)
		defer unlock()
		return m.index.PutRecord(ctx, record)
	})
	if err != nil {
		m.deleteBlob(ctx, token)
		m.fail(ctx, p.job, fmt.Errorf("commit archive record: %w", err))
		return false
	}
	if !committed {
		// The entity changed or left the active table after the job was
		// queued. It stays where it is and the blob is dropped.
		m.deleteBlob(ctx, token)
		m.logger.Debug("stale archive discarded", "entity_id", record.EntityID)
		return false
	}
	m.counters.addArchived(ctx, p.job.Trigger)
	m.logger.Debug("entity archived",
		"entity_id", record.EntityID,
		"trigger", string(record.Trigger),
		"backend", record.Backend,
		"compressed", record.Compressed,
	)
	return true
}

func (m *Manager) deleteBlob(ctx context.Context, token string) {
	if err := m.backend.Delete(ctx, token); err != nil && !errors.Is(err, ErrTokenNotFound) {
		m.logger.Warn("archive blob delete failed", "token", token, "error", err)
	}
}

// fail retries a job with exponential backoff, or dead-letters it once it
// has used max_retries attempts.
func (m *Manager) fail(ctx context.Context, job Job, cause error) {
	job.Attempts++
	job.LastError = cause.Error()
	m.counters.addFailed(ctx, m.backend.Name())
	policy := m.policies.For(job.EntityType)

	if job.Attempts >= policy.MaxRetries {
		m.deadLetter(ctx, job, cause)
		return
	}

	delay := m.retryDelay(job.Attempts)
	job.NotBefore = m.clock().Add(delay)
	m.logger.Warn("archive attempt failed, retrying",
		"entity_id", job.EntityID,
		"attempt", job.Attempts,
		"retry_in", delay.String(),
		"error", cause,
	)
	if _, err := m.queue.Push(job); err != nil {
		m.counters.addDiscarded(ctx, 1)
		m.logger.Warn("archive retry dropped", "entity_id", job.EntityID, "error", err)
	}
}

func (m *Manager) deadLetter(ctx context.Context, job Job, cause error) {
	source := m.attached()
	if source == nil {
		return
	}
	failedAt := m.clock()
	reason := apperrors.Wrap(apperrors.CodeArchivalFailed,
		fmt.Sprintf("archive failed after %d attempts", job.Attempts), cause).Error()

	err := source.Abandon(ctx, job.EntityID, func(state entity.State, ok bool) error {
		unlock := m.locks.Lock(job.EntityID)
		defer unlock()
		return m.deadLetters.AddDeadLetter(ctx, DeadLetter{
			Job:      job,
			Reason:   reason,
			FailedAt: failedAt,
			State:    state,
			HasState: ok,
		})
	})
	if err != nil {
		m.logger.Error("dead letter write failed", "entity_id", job.EntityID, "error", err)
		return
	}
	m.counters.addDeadLettered(ctx, job.EntityType)
	m.logger.Error("archive job dead-lettered",
		"entity_id", job.EntityID,
		"attempts", job.Attempts,
		"error", cause,
	)
}

// retryDelay returns the backoff before the given attempt is retried.
func (m *Manager) retryDelay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     m.retryInitial,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         m.retryMax,
	}
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay > m.retryMax || delay < 0 {
		delay = m.retryMax
	}
	return delay
}
