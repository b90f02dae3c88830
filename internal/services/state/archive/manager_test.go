package archive

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	apperrors "github.com/louisbranch/sessionstate/internal/platform/errors"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
)

type fakeSource struct {
	mu           sync.Mutex
	states       map[string]entity.State
	versions     map[string]uint64
	beforeCommit func(entityID string)
}

func newFakeSource(states ...entity.State) *fakeSource {
	s := &fakeSource{states: map[string]entity.State{}, versions: map[string]uint64{}}
	for _, state := range states {
		s.put(state)
	}
	return s
}

func (s *fakeSource) put(state entity.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ID] = state.Clone()
	s.versions[state.ID]++
}

func (s *fakeSource) has(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.states[entityID]
	return ok
}

func (s *fakeSource) ArchiveCandidate(_ context.Context, entityID string) (entity.State, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[entityID]
	return state.Clone(), s.versions[entityID], ok
}

func (s *fakeSource) CommitArchived(_ context.Context, entityID string, version uint64, commit func() error) (bool, error) {
	if s.beforeCommit != nil {
		s.beforeCommit(entityID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[entityID]; !ok || s.versions[entityID] != version {
		return false, nil
	}
	if err := commit(); err != nil {
		return false, err
	}
	delete(s.states, entityID)
	return true, nil
}

func (s *fakeSource) Abandon(_ context.Context, entityID string, commit func(entity.State, bool) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[entityID]
	if err := commit(state.Clone(), ok); err != nil {
		return err
	}
	delete(s.states, entityID)
	return nil
}

func (s *fakeSource) Restore(_ context.Context, state entity.State) error {
	s.put(state)
	return nil
}

// flakyBackend fails bulk archive calls while down is set.
type flakyBackend struct {
	*MemoryBackend
	mu    sync.Mutex
	down  bool
	calls int
}

func (f *flakyBackend) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *flakyBackend) ArchiveBatch(ctx context.Context, items []Item) ([]string, error) {
	f.mu.Lock()
	f.calls++
	down := f.down
	f.mu.Unlock()
	if down {
		return nil, errors.New("backend unavailable")
	}
	return f.MemoryBackend.ArchiveBatch(ctx, items)
}

func testPolicy() Policy {
	policy := DefaultPolicy()
	policy.MaxRetries = 3
	policy.BatchSize = 8
	policy.BatchTimeout = 10 * time.Millisecond
	policy.MaxConcurrency = 2
	return policy
}

func testState(entityID string, lastActivity time.Time) entity.State {
	return entity.State{
		ID:            entityID,
		Type:          "chess",
		SchemaVersion: 1,
		Seq:           7,
		Status:        "finished",
		Payload:       bytes.Repeat([]byte(`{"board":"rnbqkbnr"}`), 20),
		Completed:     true,
		LastActivity:  lastActivity,
	}
}

func newTestManager(t *testing.T, backend Backend, clock *stepClock, source Source) *Manager {
	t.Helper()
	m, err := NewManager(backend,
		WithPolicies(NewPolicies(testPolicy())),
		WithClock(clock.Now),
		WithRetryBackoff(time.Second, time.Minute),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.Attach(source)
	return m
}

func TestManagerArchivesEntity(t *testing.T) {
	ctx := context.Background()
	clock := newStepClock()
	state := testState("game-1", clock.Now().Add(-2*time.Hour))
	source := newFakeSource(state)
	backend := NewMemoryBackend()
	m := newTestManager(t, backend, clock, source)

	if err := m.ArchiveEntity(ctx, "game-1", "", TriggerOnCompletion, PriorityNormal); err != nil {
		t.Fatalf("archive entity: %v", err)
	}
	if n, err := m.ProcessReady(ctx); err != nil || n != 1 {
		t.Fatalf("process = %d, %v", n, err)
	}

	if source.has("game-1") {
		t.Fatal("archived entity must leave the active table")
	}
	record, err := m.Lookup(ctx, "game-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !record.Compressed || record.Trigger != TriggerOnCompletion || record.Backend != "memory" || record.Seq != 7 {
		t.Fatalf("record = %+v", record)
	}
	got, _, err := m.Retrieve(ctx, "game-1")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if diff := cmp.Diff(state, got); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}

	// Archiving an archived entity again is a no-op.
	if err := m.ArchiveEntity(ctx, "game-1", "chess", TriggerManual, PriorityHigh); err != nil {
		t.Fatalf("archive archived entity: %v", err)
	}
	if m.Queue().Len() != 0 {
		t.Fatal("expected no job for archived entity")
	}
}

func TestManagerArchiveEntityValidation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryBackend(), newStepClock(), newFakeSource())

	if err := m.ArchiveEntity(ctx, "missing", "chess", TriggerManual, PriorityHigh); !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Fatalf("error = %v, want not found", err)
	}
	if err := m.ArchiveEntity(ctx, " ", "chess", TriggerManual, PriorityHigh); !apperrors.HasCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("error = %v, want invalid argument", err)
	}
	if err := m.ArchiveEntity(ctx, "g", "chess", Trigger("weekly"), PriorityHigh); !apperrors.HasCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("error = %v, want invalid argument", err)
	}
	if _, err := NewManager(nil); !errors.Is(err, ErrBackendRequired) {
		t.Fatalf("error = %v, want backend required", err)
	}

	detached, err := NewManager(NewMemoryBackend())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := detached.ArchiveEntity(ctx, "g", "chess", TriggerManual, PriorityHigh); !errors.Is(err, ErrSourceRequired) {
		t.Fatalf("error = %v, want source required", err)
	}
}

func TestManagerDeadLettersAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	clock := newStepClock()
	state := testState("game-2", clock.Now())
	source := newFakeSource(state)
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(), down: true}
	m := newTestManager(t, backend, clock, source)

	if err := m.ArchiveEntity(ctx, "game-2", "chess", TriggerManual, PriorityHigh); err != nil {
		t.Fatalf("archive entity: %v", err)
	}
	for attempt := 1; attempt <= 3; attempt++ {
		if n, err := m.ProcessReady(ctx); err != nil || n != 1 {
			t.Fatalf("attempt %d: process = %d, %v", attempt, n, err)
		}
		if attempt < 3 && !source.has("game-2") {
			t.Fatalf("attempt %d: entity must stay active while retrying", attempt)
		}
		clock.Advance(time.Hour)
	}

	if backend.calls != 3 {
		t.Fatalf("backend calls = %d, want 3", backend.calls)
	}
	if source.has("game-2") {
		t.Fatal("dead-lettered entity must leave the active table")
	}
	if _, err := m.Lookup(ctx, "game-2"); !errors.Is(err, ErrNotArchived) {
		t.Fatalf("lookup error = %v, want not archived", err)
	}
	letters, err := m.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	letter := letters[0]
	if letter.Job.Attempts != 3 || !letter.HasState || letter.Job.LastError == "" {
		t.Fatalf("dead letter = %+v", letter)
	}
	if diff := cmp.Diff(state, letter.State); diff != "" {
		t.Fatalf("dead letter state mismatch (-want +got):\n%s", diff)
	}
	if m.Queue().Len() != 0 {
		t.Fatalf("queue len = %d, want 0", m.Queue().Len())
	}
	summary, err := m.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.DeadLetters != 1 || summary.Failed != 3 || summary.DeadLettered != 1 || summary.Archived != 0 {
		t.Fatalf("summary = %+v", summary)
	}

	// Once the backend recovers the dead letter can be requeued.
	backend.setDown(false)
	requeued, err := m.RequeueDeadLetters(ctx)
	if err != nil || requeued != 1 {
		t.Fatalf("requeue = %d, %v", requeued, err)
	}
	if !source.has("game-2") {
		t.Fatal("requeued entity must be active again")
	}
	if _, err := m.ProcessReady(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if source.has("game-2") {
		t.Fatal("requeued entity should be archived")
	}
	if _, err := m.Lookup(ctx, "game-2"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if letters, _ := m.DeadLetters(ctx); len(letters) != 0 {
		t.Fatalf("dead letters = %d, want 0", len(letters))
	}
}

func TestManagerRetryIsDelayed(t *testing.T) {
	ctx := context.Background()
	clock := newStepClock()
	source := newFakeSource(testState("game-3", clock.Now()))
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(), down: true}
	m := newTestManager(t, backend, clock, source)

	if err := m.ArchiveEntity(ctx, "game-3", "chess", TriggerManual, PriorityHigh); err != nil {
		t.Fatalf("archive entity: %v", err)
	}
	if _, err := m.ProcessReady(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	// The retry waits out its backoff.
	if n, _ := m.ProcessReady(ctx); n != 0 {
		t.Fatalf("processed %d jobs before the backoff elapsed", n)
	}
	summary := m.Queue().Summary()
	if summary.Delayed != 1 {
		t.Fatalf("queue summary = %+v", summary)
	}
}

func TestManagerDiscardsStaleArchive(t *testing.T) {
	ctx := context.Background()
	clock := newStepClock()
	state := testState("game-4", clock.Now())
	source := newFakeSource(state)
	backend := NewMemoryBackend()
	m := newTestManager(t, backend, clock, source)

	mutated := state.Clone()
	mutated.Seq = 8
	source.beforeCommit = func(string) {
		source.beforeCommit = nil
		source.put(mutated)
	}

	if err := m.ArchiveEntity(ctx, "game-4", "chess", TriggerManual, PriorityHigh); err != nil {
		t.Fatalf("archive entity: %v", err)
	}
	if _, err := m.ProcessReady(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !source.has("game-4") {
		t.Fatal("mutated entity must stay active")
	}
	if _, err := m.Lookup(ctx, "game-4"); !errors.Is(err, ErrNotArchived) {
		t.Fatalf("lookup error = %v, want not archived", err)
	}
	if backend.Len() != 0 {
		t.Fatalf("backend blobs = %d, want 0", backend.Len())
	}
}

func TestManagerReleaseAndDelete(t *testing.T) {
	ctx := context.Background()
	clock := newStepClock()
	source := newFakeSource(testState("game-5", clock.Now()), testState("game-6", clock.Now()))
	backend := NewMemoryBackend()
	m := newTestManager(t, backend, clock, source)

	for _, entityID := range []string{"game-5", "game-6"} {
		if err := m.ArchiveEntity(ctx, entityID, "chess", TriggerManual, PriorityNormal); err != nil {
			t.Fatalf("archive %s: %v", entityID, err)
		}
	}
	if n, err := m.ProcessReady(ctx); err != nil || n != 2 {
		t.Fatalf("process = %d, %v", n, err)
	}

	released, err := m.Release(ctx, "game-5")
	if err != nil || !released {
		t.Fatalf("release = %v, %v", released, err)
	}
	m.WaitReleases()
	if _, err := m.Lookup(ctx, "game-5"); !errors.Is(err, ErrNotArchived) {
		t.Fatalf("lookup error = %v, want not archived", err)
	}
	if released, _ := m.Release(ctx, "game-5"); released {
		t.Fatal("second release should find nothing")
	}

	if err := m.Delete(ctx, "game-6"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if backend.Len() != 0 {
		t.Fatalf("backend blobs = %d, want 0", backend.Len())
	}
	records, err := m.QueryArchives(ctx, Filter{})
	if err != nil || len(records) != 0 {
		t.Fatalf("records = %v, %v", records, err)
	}
}

func TestManagerSweep(t *testing.T) {
	ctx := context.Background()
	clock := newStepClock()
	state := testState("game-7", clock.Now())
	source := newFakeSource(state)
	backend := NewMemoryBackend()
	m := newTestManager(t, backend, clock, source)

	if err := m.ArchiveEntity(ctx, "game-7", "chess", TriggerManual, PriorityNormal); err != nil {
		t.Fatalf("archive entity: %v", err)
	}
	if _, err := m.ProcessReady(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	record, err := m.Lookup(ctx, "game-7")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if record.Compressed {
		t.Fatal("fresh archive should not be compressed")
	}

	result, err := m.Sweep(ctx, clock.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Recompressed != 1 || result.Expired != 0 {
		t.Fatalf("sweep = %+v", result)
	}
	recompressed, err := m.Lookup(ctx, "game-7")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !recompressed.Compressed || recompressed.Token == record.Token || recompressed.Size >= record.Size {
		t.Fatalf("recompressed record = %+v, before %+v", recompressed, record)
	}
	got, _, err := m.Retrieve(ctx, "game-7")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if diff := cmp.Diff(state, got); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
	if backend.Len() != 1 {
		t.Fatalf("backend blobs = %d, want 1", backend.Len())
	}

	result, err = m.Sweep(ctx, clock.Now().Add(91*24*time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Expired != 1 {
		t.Fatalf("sweep = %+v", result)
	}
	if _, err := m.Lookup(ctx, "game-7"); !errors.Is(err, ErrNotArchived) {
		t.Fatalf("lookup error = %v, want not archived", err)
	}
	if backend.Len() != 0 {
		t.Fatalf("backend blobs = %d, want 0", backend.Len())
	}
}

func TestManagerQueryArchives(t *testing.T) {
	ctx := context.Background()
	clock := newStepClock()
	chess := testState("game-8", clock.Now())
	goGame := testState("game-9", clock.Now())
	goGame.Type = "go"
	source := newFakeSource(chess, goGame)
	m := newTestManager(t, NewMemoryBackend(), clock, source)

	if err := m.ArchiveEntity(ctx, "game-8", "", TriggerManual, PriorityNormal); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := m.ProcessReady(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	clock.Advance(time.Minute)
	if err := m.ArchiveEntity(ctx, "game-9", "", TriggerTimeBased, PriorityLow); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := m.ProcessReady(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "all", filter: Filter{}, want: []string{"game-8", "game-9"}},
		{name: "by type", filter: Filter{EntityType: "go"}, want: []string{"game-9"}},
		{name: "by trigger", filter: Filter{Trigger: TriggerManual}, want: []string{"game-8"}},
		{name: "archived after", filter: Filter{ArchivedAfter: clock.Now().Add(-30 * time.Second)}, want: []string{"game-9"}},
		{name: "limit", filter: Filter{Limit: 1}, want: []string{"game-8"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := m.QueryArchives(ctx, tt.filter)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			got := make([]string, 0, len(records))
			for _, record := range records {
				got = append(got, record.EntityID)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("records mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestManagerRunArchivesAndDrains(t *testing.T) {
	source := newFakeSource(testState("game-10", time.Now()))
	m, err := NewManager(NewMemoryBackend(),
		WithPolicies(NewPolicies(testPolicy())),
		WithTimeouts(0, 0, 100*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.Attach(source)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	if err := m.ArchiveEntity(context.Background(), "game-10", "chess", TriggerManual, PriorityHigh); err != nil {
		t.Fatalf("archive entity: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for source.has("game-10") {
		if time.Now().After(deadline) {
			t.Fatal("worker did not archive the entity")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A job still backing off at shutdown is discarded.
	if _, err := m.Queue().Push(Job{EntityID: "later", NotBefore: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("push: %v", err)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	summary, err := m.Summary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Archived != 1 || summary.Discarded != 1 || summary.Queue.Total != 0 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	m, err := NewManager(NewMemoryBackend(), WithRetryBackoff(time.Second, 10*time.Second))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	first := m.retryDelay(1)
	if first < 800*time.Millisecond || first > 1200*time.Millisecond {
		t.Fatalf("first delay = %s", first)
	}
	third := m.retryDelay(3)
	if third < 3200*time.Millisecond || third > 4800*time.Millisecond {
		t.Fatalf("third delay = %s", third)
	}
	if capped := m.retryDelay(20); capped > 10*time.Second {
		t.Fatalf("capped delay = %s", capped)
	}
}
