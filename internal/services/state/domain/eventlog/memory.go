package eventlog

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/sessionstate/internal/platform/id"
)

// Memory stores events in memory.
type Memory struct {
	mu     sync.Mutex
	events map[string][]Event
	latest map[string]uint64
	clock  func() time.Time
}

// NewMemory creates a new in-memory event log.
func NewMemory() *Memory {
	return &Memory{
		events: make(map[string][]Event),
		latest: make(map[string]uint64),
		clock:  time.Now,
	}
}

// AppendEvent records evt as the next event for its entity.
func (m *Memory) AppendEvent(ctx context.Context, evt Event) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if m == nil {
		return Event{}, errors.New("event log is required")
	}
	evt, err := Normalize(evt)
	if err != nil {
		return Event{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	latest := m.latest[evt.EntityID]
	switch {
	case evt.Seq == 0:
		evt.Seq = latest + 1
	case evt.Seq <= latest:
		return Event{}, DuplicateError(evt.EntityID, evt.Seq, m.eventIDLocked(evt.EntityID, evt.Seq))
	case evt.Seq > latest+1:
		return Event{}, GapError(evt.EntityID, latest, evt.Seq)
	}
	if evt.ID == "" {
		eventID, err := id.NewPrefixedID("evt")
		if err != nil {
			return Event{}, err
		}
		evt.ID = eventID
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = m.clock()
	}
	evt.Timestamp = evt.Timestamp.UTC()
	evt.Delta = append([]byte(nil), evt.Delta...)

	m.events[evt.EntityID] = append(m.events[evt.EntityID], evt)
	m.latest[evt.EntityID] = evt.Seq
	return evt, nil
}

func (m *Memory) eventIDLocked(entityID string, seq uint64) string {
	events := m.events[entityID]
	idx := sort.Search(len(events), func(i int) bool { return events[i].Seq >= seq })
	if idx < len(events) && events[idx].Seq == seq {
		return events[idx].ID
	}
	return ""
}

// ListEvents returns up to limit events with sequence above afterSeq.
func (m *Memory) ListEvents(ctx context.Context, entityID string, afterSeq uint64, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("event log is required")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, ErrEntityIDRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events[entityID]
	idx := sort.Search(len(events), func(i int) bool { return events[i].Seq > afterSeq })
	end := len(events)
	if limit > 0 && idx+limit < end {
		end = idx + limit
	}
	out := make([]Event, 0, end-idx)
	for _, evt := range events[idx:end] {
		evt.Delta = append([]byte(nil), evt.Delta...)
		out = append(out, evt)
	}
	return out, nil
}

// LatestEventSeq returns the last recorded sequence number, zero if none.
func (m *Memory) LatestEventSeq(ctx context.Context, entityID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if m == nil {
		return 0, errors.New("event log is required")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return 0, ErrEntityIDRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.latest[entityID], nil
}

// PruneEvents drops events at or below throughSeq.
func (m *Memory) PruneEvents(ctx context.Context, entityID string, throughSeq uint64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if m == nil {
		return 0, errors.New("event log is required")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return 0, ErrEntityIDRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events[entityID]
	idx := sort.Search(len(events), func(i int) bool { return events[i].Seq > throughSeq })
	m.events[entityID] = append([]Event(nil), events[idx:]...)
	return idx, nil
}
