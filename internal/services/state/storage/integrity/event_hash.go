package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/louisbranch/sessionstate/internal/services/state/domain/eventlog"
)

// hashEnvelope fixes the field order hashed for an event. Integrity fields
// and the storage-assigned id are excluded.
type hashEnvelope struct {
	EntityID      string `json:"entity_id"`
	EntityType    string `json:"entity_type"`
	Seq           uint64 `json:"seq"`
	Type          string `json:"type"`
	FromState     string `json:"from_state,omitempty"`
	ToState       string `json:"to_state,omitempty"`
	Delta         []byte `json:"delta,omitempty"`
	SchemaVersion int    `json:"schema_version"`
	Timestamp     string `json:"timestamp"`
}

type chainEnvelope struct {
	PrevHash  string `json:"prev_hash"`
	EventHash string `json:"event_hash"`
	Seq       uint64 `json:"seq"`
}

// EventHash computes the content hash of a single event.
func EventHash(evt eventlog.Event) (string, error) {
	if evt.EntityID == "" {
		return "", fmt.Errorf("entity id is required")
	}
	return sha256JSON(hashEnvelope{
		EntityID:      evt.EntityID,
		EntityType:    evt.EntityType,
		Seq:           evt.Seq,
		Type:          evt.Type,
		FromState:     evt.FromState,
		ToState:       evt.ToState,
		Delta:         evt.Delta,
		SchemaVersion: evt.SchemaVersion,
		Timestamp:     evt.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// ChainHash links an event to its predecessor. prevHash is empty for the
// first event of an entity.
func ChainHash(evt eventlog.Event, prevHash string) (string, error) {
	eventHash := evt.Hash
	if eventHash == "" {
		computed, err := EventHash(evt)
		if err != nil {
			return "", err
		}
		eventHash = computed
	}
	return sha256JSON(chainEnvelope{PrevHash: prevHash, EventHash: eventHash, Seq: evt.Seq})
}

func sha256JSON(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode hash input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
