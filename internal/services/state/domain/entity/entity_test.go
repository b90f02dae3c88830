package entity

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStateCloneCopiesPayload(t *testing.T) {
	original := State{ID: "g1", Type: "session", Payload: []byte(`{"turn":1}`)}
	cloned := original.Clone()
	cloned.Payload[0] = '['
	if string(original.Payload) != `{"turn":1}` {
		t.Fatalf("original payload mutated: %s", original.Payload)
	}
}

func TestStateNormalize(t *testing.T) {
	tests := []struct {
		name    string
		state   State
		wantErr error
	}{
		{name: "trims", state: State{ID: " g1 ", Type: " session "}},
		{name: "missing id", state: State{Type: "session"}, wantErr: ErrIDRequired},
		{name: "missing type", state: State{ID: "g1"}, wantErr: ErrTypeRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.state.Normalize()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && (got.ID != "g1" || got.Type != "session") {
				t.Fatalf("normalized = %+v", got)
			}
		})
	}
}

func TestApplierFunc(t *testing.T) {
	applier := ApplierFunc(func(state State, transition Transition) (State, error) {
		state.Status = transition.ToState
		state.Seq = transition.Seq
		return state, nil
	})
	got, err := applier.Apply(State{ID: "g1"}, Transition{Seq: 3, ToState: "playing"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got.Status != "playing" || got.Seq != 3 {
		t.Fatalf("state = %+v", got)
	}
}

func TestRestoreTransitionRoundTrip(t *testing.T) {
	recovered := State{
		ID:            "g1",
		Type:          "chess",
		SchemaVersion: 2,
		Seq:           3,
		Status:        "paused",
		Completed:     true,
		Payload:       []byte(`{"points":6}`),
	}
	transition, err := RestoreTransition(recovered)
	if err != nil {
		t.Fatalf("restore transition: %v", err)
	}
	if transition.Type != TransitionRestored || transition.ToState != "paused" || transition.SchemaVersion != 2 {
		t.Fatalf("transition = %+v", transition)
	}

	head := State{ID: "g1", Type: "chess", SchemaVersion: 1, Seq: 9, Status: "playing", Payload: []byte(`{"points":99}`)}
	got, err := ApplyRestore(head, transition)
	if err != nil {
		t.Fatalf("apply restore: %v", err)
	}
	want := head
	want.SchemaVersion = 2
	want.Status = "paused"
	want.Completed = true
	want.Payload = []byte(`{"points":6}`)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("restored state mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyRestoreRejectsOtherTransitions(t *testing.T) {
	if _, err := ApplyRestore(State{ID: "g1", Type: "chess"}, Transition{Type: "move"}); err == nil {
		t.Fatal("expected error for non-restore transition")
	}
	if _, err := ApplyRestore(State{ID: "g1", Type: "chess"}, Transition{Type: TransitionRestored, Delta: []byte("{")}); err == nil {
		t.Fatal("expected error for corrupt delta")
	}
}
