// Package eventlog defines the append-only per-entity record of transitions
// and an in-memory implementation of it.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/sessionstate/internal/platform/errors"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
)

// MetaExistingEventID carries the id of the event that already holds a
// duplicated sequence number.
const MetaExistingEventID = "existing_event_id"

var (
	// ErrDuplicateTransition indicates the sequence number is already recorded.
	ErrDuplicateTransition = apperrors.New(apperrors.CodeDuplicateTransition, "transition already recorded")
	// ErrSequenceGap indicates an append that would leave a gap in the sequence.
	ErrSequenceGap = apperrors.New(apperrors.CodeSequenceGap, "event sequence gap")
	// ErrEntityIDRequired indicates a missing entity id.
	ErrEntityIDRequired = errors.New("entity id is required")
	// ErrTypeRequired indicates a missing transition type.
	ErrTypeRequired = errors.New("transition type is required")
)

// Event is one recorded transition.
type Event struct {
	ID            string
	EntityID      string
	EntityType    string
	Seq           uint64
	Type          string
	FromState     string
	ToState       string
	Delta         []byte
	SchemaVersion int
	Timestamp     time.Time

	// Integrity fields, filled by logs that chain events.
	Hash           string
	PrevHash       string
	ChainHash      string
	Signature      string
	SignatureKeyID string
}

// FromTransition builds an event for entityID out of a submitted transition.
func FromTransition(entityID, entityType string, transition entity.Transition) Event {
	return Event{
		EntityID:      entityID,
		EntityType:    entityType,
		Seq:           transition.Seq,
		Type:          transition.Type,
		FromState:     transition.FromState,
		ToState:       transition.ToState,
		Delta:         append([]byte(nil), transition.Delta...),
		SchemaVersion: transition.SchemaVersion,
		Timestamp:     transition.Timestamp,
	}
}

// Transition returns the transition this event records.
func (e Event) Transition() entity.Transition {
	return entity.Transition{
		Seq:           e.Seq,
		Type:          e.Type,
		FromState:     e.FromState,
		ToState:       e.ToState,
		Delta:         append([]byte(nil), e.Delta...),
		SchemaVersion: e.SchemaVersion,
		Timestamp:     e.Timestamp,
	}
}

// Log is an append-only ordered record of transitions per entity.
//
// AppendEvent assigns the next sequence number when evt.Seq is zero. A
// non-zero evt.Seq must equal the next number: lower values fail with
// ErrDuplicateTransition and higher values with ErrSequenceGap.
type Log interface {
	AppendEvent(ctx context.Context, evt Event) (Event, error)
	ListEvents(ctx context.Context, entityID string, afterSeq uint64, limit int) ([]Event, error)
	LatestEventSeq(ctx context.Context, entityID string) (uint64, error)
	// PruneEvents drops events at or below throughSeq. The latest sequence
	// number is retained so numbering never restarts.
	PruneEvents(ctx context.Context, entityID string, throughSeq uint64) (int, error)
}

// Normalize validates evt ahead of an append.
func Normalize(evt Event) (Event, error) {
	evt.EntityID = strings.TrimSpace(evt.EntityID)
	evt.EntityType = strings.TrimSpace(evt.EntityType)
	evt.Type = strings.TrimSpace(evt.Type)
	if evt.EntityID == "" {
		return Event{}, ErrEntityIDRequired
	}
	if evt.Type == "" {
		return Event{}, ErrTypeRequired
	}
	return evt, nil
}

// DuplicateError reports that seq is already recorded for entityID.
// existingID may be empty when the original event was pruned.
func DuplicateError(entityID string, seq uint64, existingID string) error {
	metadata := map[string]string{
		"entity_id": entityID,
		"seq":       fmt.Sprintf("%d", seq),
	}
	if existingID != "" {
		metadata[MetaExistingEventID] = existingID
	}
	return apperrors.WithMetadata(apperrors.CodeDuplicateTransition, "transition already recorded", metadata)
}

// GapError reports an append at seq when latest is the last recorded number.
func GapError(entityID string, latest, seq uint64) error {
	return apperrors.WithMetadata(apperrors.CodeSequenceGap,
		fmt.Sprintf("event sequence gap: expected %d got %d", latest+1, seq),
		map[string]string{"entity_id": entityID})
}

// ExistingEventID extracts the id carried by a duplicate transition error.
func ExistingEventID(err error) (string, bool) {
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) || domainErr.Code != apperrors.CodeDuplicateTransition {
		return "", false
	}
	value, ok := domainErr.Metadata[MetaExistingEventID]
	return value, ok
}
