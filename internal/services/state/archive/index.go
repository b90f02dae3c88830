package archive

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/sessionstate/internal/platform/errors"
)

// ErrNotArchived indicates an entity has no archive record.
var ErrNotArchived = apperrors.New(apperrors.CodeNotFound, "entity is not archived")

// Record locates one archived entity.
type Record struct {
	EntityID   string
	EntityType string
	Token      string
	Backend    string
	// Size is the stored blob size in bytes.
	Size         int
	Compressed   bool
	Seq          uint64
	Trigger      Trigger
	LastActivity time.Time
	CreatedAt    time.Time
	ArchivedAt   time.Time
}

// Filter selects archive records. Zero fields match everything.
type Filter struct {
	EntityType     string
	Trigger        Trigger
	ArchivedAfter  time.Time
	ArchivedBefore time.Time
	Limit          int
}

// Matches reports whether r passes the filter, ignoring Limit.
func (f Filter) Matches(r Record) bool {
	if f.EntityType != "" && r.EntityType != f.EntityType {
		return false
	}
	if f.Trigger != "" && r.Trigger != f.Trigger {
		return false
	}
	if !f.ArchivedAfter.IsZero() && !r.ArchivedAt.After(f.ArchivedAfter) {
		return false
	}
	if !f.ArchivedBefore.IsZero() && !r.ArchivedAt.Before(f.ArchivedBefore) {
		return false
	}
	return true
}

// Index maps entity ids to archive records. An entity has at most one
// record; PutRecord replaces it.
type Index interface {
	PutRecord(ctx context.Context, record Record) error
	GetRecord(ctx context.Context, entityID string) (Record, error)
	DeleteRecord(ctx context.Context, entityID string) error
	// QueryRecords returns matching records ordered by archive time, oldest
	// first.
	QueryRecords(ctx context.Context, filter Filter) ([]Record, error)
}

// SortRecords orders records oldest archive first, then by entity id.
func SortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].ArchivedAt.Equal(records[j].ArchivedAt) {
			return records[i].ArchivedAt.Before(records[j].ArchivedAt)
		}
		return records[i].EntityID < records[j].EntityID
	})
}

// MemoryIndex keeps archive records in process memory.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]Record)}
}

// PutRecord stores or replaces the record for an entity.
func (m *MemoryIndex) PutRecord(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil {
		return errors.New("archive index is required")
	}
	record.EntityID = strings.TrimSpace(record.EntityID)
	if record.EntityID == "" {
		return errors.New("entity id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.EntityID] = record
	return nil
}

// GetRecord returns the record for an entity.
func (m *MemoryIndex) GetRecord(ctx context.Context, entityID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if m == nil {
		return Record{}, errors.New("archive index is required")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[strings.TrimSpace(entityID)]
	if !ok {
		return Record{}, ErrNotArchived
	}
	return record, nil
}

// DeleteRecord removes the record for an entity. Missing records are
// ignored.
func (m *MemoryIndex) DeleteRecord(ctx context.Context, entityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil {
		return errors.New("archive index is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, strings.TrimSpace(entityID))
	return nil
}

// QueryRecords returns records matching filter.
func (m *MemoryIndex) QueryRecords(ctx context.Context, filter Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("archive index is required")
	}

	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, record := range m.records {
		if filter.Matches(record) {
			out = append(out, record)
		}
	}
	m.mu.RUnlock()

	SortRecords(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
