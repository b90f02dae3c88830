package replay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	apperrors "github.com/louisbranch/sessionstate/internal/platform/errors"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/eventlog"
)

type counter struct {
	Total int `json:"total"`
}

var sumApplier = entity.ApplierFunc(func(state entity.State, transition entity.Transition) (entity.State, error) {
	var current counter
	if len(state.Payload) > 0 {
		if err := json.Unmarshal(state.Payload, &current); err != nil {
			return state, err
		}
	}
	var delta counter
	if err := json.Unmarshal(transition.Delta, &delta); err != nil {
		return state, err
	}
	current.Total += delta.Total
	payload, err := json.Marshal(current)
	if err != nil {
		return state, err
	}
	state.Payload = payload
	return state, nil
})

func seedLog(t *testing.T, n int, start time.Time) *eventlog.Memory {
	t.Helper()
	log := eventlog.NewMemory()
	for i := 1; i <= n; i++ {
		_, err := log.AppendEvent(context.Background(), eventlog.Event{
			EntityID:  "g1",
			Type:      "score.added",
			ToState:   "playing",
			Delta:     []byte(`{"total":1}`),
			Timestamp: start.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
	}
	return log
}

func totalOf(t *testing.T, state entity.State) int {
	t.Helper()
	var c counter
	if err := json.Unmarshal(state.Payload, &c); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return c.Total
}

func TestReplayAppliesEventsAfterStateSeq(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	log := seedLog(t, 10, start)
	initial := entity.State{ID: "g1", Type: "session", Seq: 4, Payload: []byte(`{"total":4}`)}

	result, err := Replay(context.Background(), log, sumApplier, initial, Options{PageSize: 3})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Applied != 6 {
		t.Fatalf("applied = %d, want 6", result.Applied)
	}
	if result.LastSeq != 10 || result.State.Seq != 10 {
		t.Fatalf("last seq = %d, state seq = %d", result.LastSeq, result.State.Seq)
	}
	if got := totalOf(t, result.State); got != 10 {
		t.Fatalf("total = %d, want 10", got)
	}
	if result.State.Status != "playing" {
		t.Fatalf("status = %q, want playing", result.State.Status)
	}
	if !result.State.LastActivity.Equal(start.Add(10 * time.Minute)) {
		t.Fatalf("last activity = %v", result.State.LastActivity)
	}
}

func TestReplayStopsAtBounds(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	log := seedLog(t, 10, start)
	initial := entity.State{ID: "g1", Type: "session"}

	bySeq, err := Replay(context.Background(), log, sumApplier, initial, Options{UntilSeq: 7})
	if err != nil {
		t.Fatalf("replay until seq: %v", err)
	}
	if bySeq.Applied != 7 {
		t.Fatalf("applied = %d, want 7", bySeq.Applied)
	}

	byTime, err := Replay(context.Background(), log, sumApplier, initial, Options{UntilTime: start.Add(3 * time.Minute)})
	if err != nil {
		t.Fatalf("replay until time: %v", err)
	}
	if byTime.Applied != 3 || totalOf(t, byTime.State) != 3 {
		t.Fatalf("applied = %d, total = %d", byTime.Applied, totalOf(t, byTime.State))
	}
}

func TestReplayDetectsGapAfterPrune(t *testing.T) {
	log := seedLog(t, 5, time.Now())
	if _, err := log.PruneEvents(context.Background(), "g1", 3); err != nil {
		t.Fatalf("prune: %v", err)
	}
	_, err := Replay(context.Background(), log, sumApplier, entity.State{ID: "g1", Seq: 1}, Options{})
	if !apperrors.HasCode(err, apperrors.CodeSequenceGap) {
		t.Fatalf("error = %v, want sequence gap", err)
	}
}

func TestReplayValidatesInputs(t *testing.T) {
	log := eventlog.NewMemory()
	tests := []struct {
		name    string
		store   EventStore
		applier entity.Applier
		state   entity.State
		want    error
	}{
		{name: "store", applier: sumApplier, state: entity.State{ID: "g1"}, want: ErrEventStoreRequired},
		{name: "applier", store: log, state: entity.State{ID: "g1"}, want: ErrApplierRequired},
		{name: "entity", store: log, applier: sumApplier, want: ErrEntityIDRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Replay(context.Background(), tt.store, tt.applier, tt.state, Options{})
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStepKeepsInputUntouchedOnError(t *testing.T) {
	failing := entity.ApplierFunc(func(state entity.State, _ entity.Transition) (entity.State, error) {
		state.Payload[0] = 'X'
		return state, errors.New("boom")
	})
	original := entity.State{ID: "g1", Payload: []byte(`{}`)}
	got, err := Step(failing, original, eventlog.Event{Seq: 1})
	if err == nil {
		t.Fatal("expected error")
	}
	if string(got.Payload) != `{}` || string(original.Payload) != `{}` {
		t.Fatalf("state mutated: %s", got.Payload)
	}
}

func TestReplayFoldsRestoreWithoutApplier(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log := seedLog(t, 3, start)

	restore, err := entity.RestoreTransition(entity.State{ID: "g1", Type: "chess", Status: "paused", Payload: []byte(`{"total":1}`)})
	if err != nil {
		t.Fatalf("restore transition: %v", err)
	}
	restoreEvent := eventlog.FromTransition("g1", "chess", restore)
	restoreEvent.Timestamp = start.Add(10 * time.Minute)
	if _, err := log.AppendEvent(context.Background(), restoreEvent); err != nil {
		t.Fatalf("append restore: %v", err)
	}
	if _, err := log.AppendEvent(context.Background(), eventlog.Event{
		EntityID:  "g1",
		Type:      "score.added",
		Delta:     []byte(`{"total":1}`),
		Timestamp: start.Add(11 * time.Minute),
	}); err != nil {
		t.Fatalf("append after restore: %v", err)
	}

	result, err := Replay(context.Background(), log, sumApplier, entity.State{ID: "g1", Type: "chess"}, Options{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.LastSeq != 5 || result.Applied != 5 {
		t.Fatalf("last seq = %d applied = %d, want 5 and 5", result.LastSeq, result.Applied)
	}
	if got := totalOf(t, result.State); got != 2 {
		t.Fatalf("total = %d, want 2 (restored 1 plus one event)", got)
	}
	if result.State.Status != "paused" {
		t.Fatalf("status = %q, want paused", result.State.Status)
	}
}
