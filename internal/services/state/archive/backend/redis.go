package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/louisbranch/sessionstate/internal/platform/id"
	"github.com/louisbranch/sessionstate/internal/platform/timeouts"
	"github.com/louisbranch/sessionstate/internal/services/state/archive"
)

// RedisClient is the subset of go-redis used by the hot tier.
type RedisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// RedisConfig configures the hot tier.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key.
	Prefix string
	// TTL expires hot copies. Zero keeps them until deleted.
	TTL time.Duration
}

// Redis stores archive blobs as Redis strings.
type Redis struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	closer func() error
}

// NewRedis wraps an existing client.
func NewRedis(client RedisClient, cfg RedisConfig) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "sessionstate:archive:"
	}
	return &Redis{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

// DialRedis connects to cfg.Addr and checks the connection.
func DialRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, timeouts.BackendDial)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	r, err := NewRedis(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	r.closer = client.Close
	return r, nil
}

// Name returns "redis".
func (r *Redis) Name() string {
	return "redis"
}

func (r *Redis) key(entityID string) (string, error) {
	suffix, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate archive token: %w", err)
	}
	return r.prefix + entityID + ":" + suffix, nil
}

func (r *Redis) owns(token string) bool {
	return strings.HasPrefix(token, r.prefix)
}

// Archive stores data under a fresh key and returns the key as the token.
func (r *Redis) Archive(ctx context.Context, entityID, entityType string, data []byte) (string, error) {
	if strings.TrimSpace(entityID) == "" {
		return "", errors.New("entity id is required")
	}
	key, err := r.key(entityID)
	if err != nil {
		return "", err
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return "", fmt.Errorf("redis set %s: %w", key, err)
	}
	return key, nil
}

// ArchiveBatch writes every item in one MULTI/EXEC transaction.
func (r *Redis) ArchiveBatch(ctx context.Context, items []archive.Item) ([]string, error) {
	keys := make([]string, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.EntityID) == "" {
			return nil, errors.New("entity id is required")
		}
		key, err := r.key(item.EntityID)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, item := range items {
			pipe.Set(ctx, keys[i], item.Data, r.ttl)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis batch set: %w", err)
	}
	return keys, nil
}

// Retrieve reads the blob stored under token.
func (r *Redis) Retrieve(ctx context.Context, token string) ([]byte, error) {
	if !r.owns(token) {
		return nil, archive.ErrTokenNotFound
	}
	data, err := r.client.Get(ctx, token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, archive.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", token, err)
	}
	return data, nil
}

// Delete removes the blob stored under token.
func (r *Redis) Delete(ctx context.Context, token string) error {
	if !r.owns(token) {
		return nil
	}
	if err := r.client.Del(ctx, token).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", token, err)
	}
	return nil
}

// Close releases the connection opened by DialRedis.
func (r *Redis) Close() error {
	if r == nil || r.closer == nil {
		return nil
	}
	return r.closer()
}
