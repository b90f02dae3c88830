package entity

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrIDRequired indicates a missing entity id.
	ErrIDRequired = errors.New("entity id is required")
	// ErrTypeRequired indicates a missing entity type.
	ErrTypeRequired = errors.New("entity type is required")
)

// State is one entity's full state at a point in time.
type State struct {
	ID            string
	Type          string
	SchemaVersion int
	// Seq is the sequence number of the last transition folded into Payload.
	Seq          uint64
	Status       string
	Payload      []byte
	Completed    bool
	LastActivity time.Time
}

// Clone returns a copy that shares no memory with s.
func (s State) Clone() State {
	cloned := s
	if s.Payload != nil {
		cloned.Payload = append([]byte(nil), s.Payload...)
	}
	return cloned
}

// Normalize trims identifiers and checks the required fields.
func (s State) Normalize() (State, error) {
	s.ID = strings.TrimSpace(s.ID)
	s.Type = strings.TrimSpace(s.Type)
	if s.ID == "" {
		return State{}, ErrIDRequired
	}
	if s.Type == "" {
		return State{}, ErrTypeRequired
	}
	return s, nil
}

// Transition is a single state change submitted by the rules engine.
type Transition struct {
	// Seq is the caller's expected sequence number. Zero lets the log assign
	// the next one.
	Seq           uint64
	Type          string
	FromState     string
	ToState       string
	Delta         []byte
	SchemaVersion int
	Timestamp     time.Time
}

// Applier folds a transition onto a state. It must be deterministic: the
// same state and transition always produce the same result.
type Applier interface {
	Apply(state State, transition Transition) (State, error)
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(state State, transition Transition) (State, error)

// Apply calls f.
func (f ApplierFunc) Apply(state State, transition Transition) (State, error) {
	return f(state, transition)
}

// Validator checks structural and invariant rules for a state.
type Validator interface {
	Validate(state State) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(state State) error

// Validate calls f.
func (f ValidatorFunc) Validate(state State) error {
	return f(state)
}

// InitialStateFunc builds the defined starting state for an entity type.
type InitialStateFunc func(entityID, entityType string) (State, error)
