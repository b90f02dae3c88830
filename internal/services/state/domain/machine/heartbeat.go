package machine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/sessionstate/internal/platform/errors"
)

// ErrNoHeartbeat indicates no known-good heartbeat was recorded for an entity.
var ErrNoHeartbeat = apperrors.New(apperrors.CodeNotFound, "no heartbeat recorded")

// HeartbeatStore tracks the last time each entity was known to be healthy.
type HeartbeatStore interface {
	RecordHeartbeat(ctx context.Context, entityID string, at time.Time) error
	LastHeartbeat(ctx context.Context, entityID string) (time.Time, error)
}

// MemoryHeartbeats keeps heartbeats in memory.
type MemoryHeartbeats struct {
	mu    sync.Mutex
	beats map[string]time.Time
}

// NewMemoryHeartbeats creates an empty heartbeat tracker.
func NewMemoryHeartbeats() *MemoryHeartbeats {
	return &MemoryHeartbeats{beats: make(map[string]time.Time)}
}

// RecordHeartbeat stores at unless a later heartbeat is already known.
func (h *MemoryHeartbeats) RecordHeartbeat(ctx context.Context, entityID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h == nil {
		return errors.New("heartbeat store is required")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return ErrEntityIDRequired
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.beats[entityID]; ok && existing.After(at) {
		return nil
	}
	h.beats[entityID] = at.UTC()
	return nil
}

// LastHeartbeat returns the latest heartbeat for an entity.
func (h *MemoryHeartbeats) LastHeartbeat(ctx context.Context, entityID string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if h == nil {
		return time.Time{}, errors.New("heartbeat store is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	at, ok := h.beats[strings.TrimSpace(entityID)]
	if !ok {
		return time.Time{}, ErrNoHeartbeat
	}
	return at, nil
}
