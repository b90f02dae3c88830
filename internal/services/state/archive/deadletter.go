package archive

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// DeadLetterStore keeps jobs that exhausted their retries. Each entity has
// at most one dead letter.
type DeadLetterStore interface {
	AddDeadLetter(ctx context.Context, letter DeadLetter) error
	// ListDeadLetters returns dead letters oldest failure first.
	ListDeadLetters(ctx context.Context) ([]DeadLetter, error)
	RemoveDeadLetter(ctx context.Context, entityID string) error
}

// MemoryDeadLetters is an in-memory DeadLetterStore.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters map[string]DeadLetter
}

// NewMemoryDeadLetters creates an empty dead-letter store.
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{letters: make(map[string]DeadLetter)}
}

func (m *MemoryDeadLetters) AddDeadLetter(ctx context.Context, letter DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil {
		return errors.New("dead-letter store is required")
	}
	if letter.Job.EntityID == "" {
		return errors.New("entity id is required")
	}
	letter.State = letter.State.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.letters[letter.Job.EntityID] = letter
	return nil
}

func (m *MemoryDeadLetters) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("dead-letter store is required")
	}

	m.mu.Lock()
	out := make([]DeadLetter, 0, len(m.letters))
	for _, letter := range m.letters {
		letter.State = letter.State.Clone()
		out = append(out, letter)
	}
	m.mu.Unlock()

	SortDeadLetters(out)
	return out, nil
}

func (m *MemoryDeadLetters) RemoveDeadLetter(ctx context.Context, entityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil {
		return errors.New("dead-letter store is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.letters, entityID)
	return nil
}

// SortDeadLetters orders dead letters oldest failure first.
func SortDeadLetters(letters []DeadLetter) {
	sort.Slice(letters, func(i, j int) bool {
		if !letters[i].FailedAt.Equal(letters[j].FailedAt) {
			return letters[i].FailedAt.Before(letters[j].FailedAt)
		}
		return letters[i].Job.EntityID < letters[j].Job.EntityID
	})
}
