package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
)

// MergeApplier folds a transition by merging its JSON object delta into the
// payload one key at a time. A null value removes the key.
type MergeApplier struct {
	// Terminal lists the statuses that mark an entity completed.
	Terminal []string
}

// Apply implements entity.Applier.
func (a MergeApplier) Apply(state entity.State, t entity.Transition) (entity.State, error) {
	doc := map[string]json.RawMessage{}
	if len(state.Payload) > 0 {
		if err := json.Unmarshal(state.Payload, &doc); err != nil {
			return state, fmt.Errorf("decode payload: %w", err)
		}
	}
	if len(bytes.TrimSpace(t.Delta)) > 0 {
		var delta map[string]json.RawMessage
		if err := json.Unmarshal(t.Delta, &delta); err != nil {
			return state, fmt.Errorf("decode delta: %w", err)
		}
		for key, value := range delta {
			if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
				delete(doc, key)
				continue
			}
			doc[key] = value
		}
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return state, fmt.Errorf("encode payload: %w", err)
	}
	state.Payload = payload
	if t.ToState != "" {
		state.Status = t.ToState
	}
	if slices.Contains(a.Terminal, state.Status) {
		state.Completed = true
	}
	return state, nil
}

// ValidateJSONObject rejects payloads that are not a JSON object.
var ValidateJSONObject = entity.ValidatorFunc(func(state entity.State) error {
	if len(state.Payload) == 0 {
		return nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(state.Payload, &doc); err != nil {
		return fmt.Errorf("payload is not a JSON object: %w", err)
	}
	return nil
})
