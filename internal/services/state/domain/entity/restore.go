package entity

import (
	"encoding/json"
	"fmt"
)

// TransitionRestored is the transition type that replaces an entity's whole
// state with a recovered one. It is folded without the Applier.
const TransitionRestored = "state.restored"

type restoredDelta struct {
	SchemaVersion int    `json:"schema_version"`
	Status        string `json:"status,omitempty"`
	Completed     bool   `json:"completed,omitempty"`
	Payload       []byte `json:"payload"`
}

// RestoreTransition builds the transition that makes state the current
// state of its entity again.
func RestoreTransition(state State) (Transition, error) {
	delta, err := json.Marshal(restoredDelta{
		SchemaVersion: state.SchemaVersion,
		Status:        state.Status,
		Completed:     state.Completed,
		Payload:       state.Payload,
	})
	if err != nil {
		return Transition{}, fmt.Errorf("encode restored state: %w", err)
	}
	return Transition{
		Type:          TransitionRestored,
		ToState:       state.Status,
		Delta:         delta,
		SchemaVersion: state.SchemaVersion,
	}, nil
}

// ApplyRestore folds a TransitionRestored onto state. Identity and sequence
// are left to the caller.
func ApplyRestore(state State, t Transition) (State, error) {
	if t.Type != TransitionRestored {
		return state, fmt.Errorf("transition %q is not a restore", t.Type)
	}
	var delta restoredDelta
	if err := json.Unmarshal(t.Delta, &delta); err != nil {
		return state, fmt.Errorf("decode restored state: %w", err)
	}
	next := state.Clone()
	next.SchemaVersion = delta.SchemaVersion
	next.Status = delta.Status
	next.Completed = delta.Completed
	next.Payload = append([]byte(nil), delta.Payload...)
	return next, nil
}
