package archive

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueClosed indicates the queue no longer accepts or hands out jobs.
var ErrQueueClosed = errors.New("archive queue is closed")

type queued struct {
	job      Job
	priority Priority
	elem     *list.Element
}

// Queue is a thread-safe priority queue of archival jobs, FIFO within each
// priority level and holding at most one job per entity.
type Queue struct {
	mu     sync.Mutex
	levels [PriorityCritical + 1]*list.List
	byID   map[string]*queued
	notify chan struct{}
	done   chan struct{}
	closed bool
	clock  func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue(clock func() time.Time) *Queue {
	if clock == nil {
		clock = time.Now
	}
	q := &Queue{
		byID:   make(map[string]*queued),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		clock:  clock,
	}
	for i := range q.levels {
		q.levels[i] = list.New()
	}
	return q
}

// Push enqueues job. If the entity already has a queued job, the existing
// job keeps its place unless job carries a higher priority, in which case
// it moves to the back of that level and becomes ready immediately. Push
// reports whether a new job was added.
func (q *Queue) Push(job Job) (bool, error) {
	if !job.Priority.valid() {
		job.Priority = PriorityNormal
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.clock()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrQueueClosed
	}
	if existing, ok := q.byID[job.EntityID]; ok {
		if job.Priority > existing.priority {
			q.levels[existing.priority].Remove(existing.elem)
			existing.priority = job.Priority
			existing.job.Priority = job.Priority
			existing.job.Trigger = job.Trigger
			existing.job.NotBefore = time.Time{}
			existing.elem = q.levels[job.Priority].PushBack(existing)
			q.signal()
		}
		return false, nil
	}
	entry := &queued{job: job, priority: job.Priority}
	entry.elem = q.levels[job.Priority].PushBack(entry)
	q.byID[job.EntityID] = entry
	q.signal()
	return true, nil
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until a ready job is available, ctx ends or the queue closes.
func (q *Queue) Pop(ctx context.Context) (Job, error) {
	for {
		job, wait, err := q.tryPop()
		if err != nil {
			return Job{}, err
		}
		if job != nil {
			return *job, nil
		}

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return Job{}, ctx.Err()
		case <-q.done:
		case <-q.notify:
		case <-timeout:
		}
		stopTimer(timer)
	}
}

func stopTimer(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}

// TryPop returns a ready job without blocking.
func (q *Queue) TryPop() (Job, bool) {
	job, _, _ := q.tryPop()
	if job == nil {
		return Job{}, false
	}
	return *job, true
}

// tryPop takes the oldest ready job of the highest non-empty level. When
// nothing is ready it returns how long until the earliest delayed job.
func (q *Queue) tryPop() (*Job, time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	var wait time.Duration
	for level := PriorityCritical; level >= PriorityLow; level-- {
		for elem := q.levels[level].Front(); elem != nil; elem = elem.Next() {
			entry := elem.Value.(*queued)
			if entry.job.NotBefore.After(now) {
				if delay := entry.job.NotBefore.Sub(now); wait == 0 || delay < wait {
					wait = delay
				}
				continue
			}
			q.levels[level].Remove(elem)
			delete(q.byID, entry.job.EntityID)
			if len(q.byID) > 0 {
				// Wake another waiter for the remaining jobs.
				q.signal()
			}
			job := entry.job
			return &job, 0, nil
		}
	}
	if q.closed {
		return nil, 0, ErrQueueClosed
	}
	return nil, wait, nil
}

// Remove drops the queued job for an entity.
func (q *Queue) Remove(entityID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.byID[entityID]
	if !ok {
		return false
	}
	q.levels[entry.priority].Remove(entry.elem)
	delete(q.byID, entityID)
	return true
}

// Contains reports whether an entity has a queued job.
func (q *Queue) Contains(entityID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[entityID]
	return ok
}

// Len returns the number of queued jobs, delayed ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// QueueSummary counts queued jobs.
type QueueSummary struct {
	ByPriority map[Priority]int
	Total      int
	// Delayed counts jobs waiting out a retry backoff.
	Delayed int
	// Oldest is the enqueue time of the oldest queued job.
	Oldest time.Time
}

// Summary reports queue depth by priority.
func (q *Queue) Summary() QueueSummary {
	q.mu.Lock()
	defer q.mu.Unlock()

	summary := QueueSummary{ByPriority: make(map[Priority]int)}
	now := q.clock()
	for level := PriorityLow; level <= PriorityCritical; level++ {
		for elem := q.levels[level].Front(); elem != nil; elem = elem.Next() {
			entry := elem.Value.(*queued)
			summary.ByPriority[level]++
			summary.Total++
			if entry.job.NotBefore.After(now) {
				summary.Delayed++
			}
			if summary.Oldest.IsZero() || entry.job.EnqueuedAt.Before(summary.Oldest) {
				summary.Oldest = entry.job.EnqueuedAt
			}
		}
	}
	return summary
}

// Close stops the queue from accepting jobs and wakes every waiter. Jobs
// already queued can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Drain removes and returns every queued job, highest priority first.
func (q *Queue) Drain() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Job
	for level := PriorityCritical; level >= PriorityLow; level-- {
		for elem := q.levels[level].Front(); elem != nil; elem = elem.Next() {
			out = append(out, elem.Value.(*queued).job)
		}
		q.levels[level].Init()
	}
	q.byID = make(map[string]*queued)
	return out
}
