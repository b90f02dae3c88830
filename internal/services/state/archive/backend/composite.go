package backend

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/louisbranch/sessionstate/internal/platform/logging"
	"github.com/louisbranch/sessionstate/internal/services/state/archive"
)

const tokenSeparator = "|"

// Composite writes every blob to a cold tier and, best effort, to a hot
// tier. Reads prefer the hot copy and fall back to the cold one.
type Composite struct {
	hot    archive.Backend
	cold   archive.Backend
	logger *logging.Logger
}

// NewComposite layers hot over cold.
func NewComposite(hot, cold archive.Backend, logger *logging.Logger) (*Composite, error) {
	if hot == nil || cold == nil {
		return nil, errors.New("hot and cold backends are required")
	}
	return &Composite{hot: hot, cold: cold, logger: logger}, nil
}

// Name returns "hot+cold", for example "redis+gcs".
func (c *Composite) Name() string {
	return c.hot.Name() + "+" + c.cold.Name()
}

func joinToken(hot, cold string) string {
	return url.PathEscape(hot) + tokenSeparator + url.PathEscape(cold)
}

func splitToken(token string) (string, string, error) {
	hotPart, coldPart, ok := strings.Cut(token, tokenSeparator)
	if !ok {
		return "", "", fmt.Errorf("malformed composite token %q", token)
	}
	hot, err := url.PathUnescape(hotPart)
	if err != nil {
		return "", "", fmt.Errorf("malformed composite token %q: %w", token, err)
	}
	cold, err := url.PathUnescape(coldPart)
	if err != nil {
		return "", "", fmt.Errorf("malformed composite token %q: %w", token, err)
	}
	return hot, cold, nil
}

// Archive writes data to the cold tier, then to the hot tier. A hot-tier
// failure leaves the token without a hot part.
func (c *Composite) Archive(ctx context.Context, entityID, entityType string, data []byte) (string, error) {
	cold, err := c.cold.Archive(ctx, entityID, entityType, data)
	if err != nil {
		return "", fmt.Errorf("cold tier %s: %w", c.cold.Name(), err)
	}
	hot, err := c.hot.Archive(ctx, entityID, entityType, data)
	if err != nil {
		c.logger.Warn("hot archive tier write failed", "backend", c.hot.Name(), "entity_id", entityID, "error", err)
		hot = ""
	}
	return joinToken(hot, cold), nil
}

// ArchiveBatch writes the batch to the cold tier, then to the hot tier.
func (c *Composite) ArchiveBatch(ctx context.Context, items []archive.Item) ([]string, error) {
	cold, err := archive.ArchiveBatch(ctx, c.cold, items)
	if err != nil {
		return nil, fmt.Errorf("cold tier %s: %w", c.cold.Name(), err)
	}
	hot, err := archive.ArchiveBatch(ctx, c.hot, items)
	if err != nil {
		c.logger.Warn("hot archive tier batch failed", "backend", c.hot.Name(), "items", len(items), "error", err)
		hot = make([]string, len(items))
	}
	tokens := make([]string, len(items))
	for i := range items {
		tokens[i] = joinToken(hot[i], cold[i])
	}
	return tokens, nil
}

// Retrieve reads the hot copy when it exists and the cold copy otherwise.
func (c *Composite) Retrieve(ctx context.Context, token string) ([]byte, error) {
	hot, cold, err := splitToken(token)
	if err != nil {
		return nil, archive.ErrTokenNotFound
	}
	if hot != "" {
		data, err := c.hot.Retrieve(ctx, hot)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, archive.ErrTokenNotFound) {
			c.logger.Warn("hot archive tier read failed", "backend", c.hot.Name(), "error", err)
		}
	}
	return c.cold.Retrieve(ctx, cold)
}

// Delete removes both copies.
func (c *Composite) Delete(ctx context.Context, token string) error {
	hot, cold, err := splitToken(token)
	if err != nil {
		return nil
	}
	var errs []error
	if hot != "" {
		if err := c.hot.Delete(ctx, hot); err != nil {
			errs = append(errs, fmt.Errorf("hot tier %s: %w", c.hot.Name(), err))
		}
	}
	if err := c.cold.Delete(ctx, cold); err != nil {
		errs = append(errs, fmt.Errorf("cold tier %s: %w", c.cold.Name(), err))
	}
	return errors.Join(errs...)
}
