package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/louisbranch/sessionstate/internal/platform/errors"
	"github.com/louisbranch/sessionstate/internal/platform/id"
)

// ErrTokenNotFound indicates a backend holds nothing under a token.
var ErrTokenNotFound = apperrors.New(apperrors.CodeNotFound, "archive token not found")

// Item is one blob in a bulk archive call.
type Item struct {
	EntityID   string
	EntityType string
	Data       []byte
}

// Backend stores archive blobs. Tokens are opaque to callers.
type Backend interface {
	Name() string
	Archive(ctx context.Context, entityID, entityType string, data []byte) (string, error)
	Retrieve(ctx context.Context, token string) ([]byte, error)
	Delete(ctx context.Context, token string) error
}

// BatchBackend is implemented by backends that can store several blobs in
// one call. The returned tokens line up with items. A failed batch must not
// leave partial writes behind.
type BatchBackend interface {
	Backend
	ArchiveBatch(ctx context.Context, items []Item) ([]string, error)
}

// ArchiveBatch stores items through b, in one call when b supports it and
// one at a time otherwise. On a sequential failure the blobs already
// written are deleted again.
func ArchiveBatch(ctx context.Context, b Backend, items []Item) ([]string, error) {
	if b == nil {
		return nil, errors.New("archive backend is required")
	}
	if len(items) == 0 {
		return nil, nil
	}
	if batcher, ok := b.(BatchBackend); ok {
		tokens, err := batcher.ArchiveBatch(ctx, items)
		if err != nil {
			return nil, err
		}
		if len(tokens) != len(items) {
			return nil, fmt.Errorf("backend %s returned %d tokens for %d items", b.Name(), len(tokens), len(items))
		}
		return tokens, nil
	}

	tokens := make([]string, 0, len(items))
	for _, item := range items {
		token, err := b.Archive(ctx, item.EntityID, item.EntityType, item.Data)
		if err != nil {
			for _, written := range tokens {
				_ = b.Delete(context.WithoutCancel(ctx), written)
			}
			return nil, fmt.Errorf("archive %s: %w", item.EntityID, err)
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// MemoryBackend keeps blobs in process memory.
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[string][]byte)}
}

// Name returns "memory".
func (m *MemoryBackend) Name() string {
	return "memory"
}

// Archive stores a copy of data.
func (m *MemoryBackend) Archive(ctx context.Context, entityID, entityType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m == nil {
		return "", errors.New("memory backend is required")
	}
	if strings.TrimSpace(entityID) == "" {
		return "", errors.New("entity id is required")
	}
	token, err := id.NewPrefixedID("arc")
	if err != nil {
		return "", fmt.Errorf("generate archive token: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[token] = append([]byte(nil), data...)
	return token, nil
}

// ArchiveBatch stores every item or none.
func (m *MemoryBackend) ArchiveBatch(ctx context.Context, items []Item) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("memory backend is required")
	}
	tokens := make([]string, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.EntityID) == "" {
			return nil, errors.New("entity id is required")
		}
		token, err := id.NewPrefixedID("arc")
		if err != nil {
			return nil, fmt.Errorf("generate archive token: %w", err)
		}
		tokens[i] = token
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, item := range items {
		m.blobs[tokens[i]] = append([]byte(nil), item.Data...)
	}
	return tokens, nil
}

// Retrieve returns a copy of the blob stored under token.
func (m *MemoryBackend) Retrieve(ctx context.Context, token string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("memory backend is required")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return append([]byte(nil), data...), nil
}

// Delete removes the blob stored under token. Missing tokens are ignored.
func (m *MemoryBackend) Delete(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil {
		return errors.New("memory backend is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, token)
	return nil
}

// Len returns the number of stored blobs.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
