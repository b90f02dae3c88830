package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/louisbranch/sessionstate/internal/platform/id"
	"github.com/louisbranch/sessionstate/internal/platform/timeouts"
	"github.com/louisbranch/sessionstate/internal/services/state/archive"
)

// GCSConfig configures the cold tier.
type GCSConfig struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
	// EmulatorHost points the client at a storage emulator and disables
	// authentication.
	EmulatorHost string
}

// GCS stores archive blobs as objects in one bucket.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
	closer func() error
}

// NewGCS wraps an existing storage client.
func NewGCS(client *storage.Client, cfg GCSConfig) (*GCS, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	return &GCS{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
	}, nil
}

// DialGCS creates a storage client and checks the bucket is reachable.
func DialGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	var opts []option.ClientOption
	if host := strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/"); host != "" {
		_ = os.Setenv("STORAGE_EMULATOR_HOST", host)
		opts = append(opts, option.WithoutAuthentication())
	} else {
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	g, err := NewGCS(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeouts.BackendDial)
	defer cancel()
	if _, err := client.Bucket(g.bucket).Attrs(checkCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("open bucket %s: %w", g.bucket, err)
	}
	g.closer = client.Close
	return g, nil
}

// Name returns "gcs".
func (g *GCS) Name() string {
	return "gcs"
}

func (g *GCS) objectName(entityType, entityID string) (string, error) {
	suffix, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate archive token: %w", err)
	}
	if strings.TrimSpace(entityType) == "" {
		entityType = "_"
	}
	return path.Join(g.prefix, entityType, entityID, suffix+".ssa"), nil
}

func (g *GCS) owns(token string) bool {
	return g.prefix == "" || strings.HasPrefix(token, g.prefix+"/")
}

// Archive writes data to a new object and returns its name as the token.
func (g *GCS) Archive(ctx context.Context, entityID, entityType string, data []byte) (string, error) {
	if strings.TrimSpace(entityID) == "" {
		return "", errors.New("entity id is required")
	}
	name, err := g.objectName(entityType, entityID)
	if err != nil {
		return "", err
	}
	// DoesNotExist keeps retried uploads from overwriting a different blob.
	obj := g.client.Bucket(g.bucket).Object(name).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = map[string]string{
		"entity_id":   entityID,
		"entity_type": entityType,
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write gcs object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close gcs object %s: %w", name, err)
	}
	return name, nil
}

// Retrieve reads the object named by token.
func (g *GCS) Retrieve(ctx context.Context, token string) ([]byte, error) {
	if !g.owns(token) {
		return nil, archive.ErrTokenNotFound
	}
	r, err := g.client.Bucket(g.bucket).Object(token).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, archive.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open gcs object %s: %w", token, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gcs object %s: %w", token, err)
	}
	return data, nil
}

// Delete removes the object named by token.
func (g *GCS) Delete(ctx context.Context, token string) error {
	if !g.owns(token) {
		return nil
	}
	err := g.client.Bucket(g.bucket).Object(token).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete gcs object %s: %w", token, err)
	}
	return nil
}

// Tokens lists the objects stored for an entity.
func (g *GCS) Tokens(ctx context.Context, entityType, entityID string) ([]string, error) {
	if strings.TrimSpace(entityType) == "" {
		entityType = "_"
	}
	prefix := path.Join(g.prefix, entityType, entityID) + "/"
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var out []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gcs objects %s: %w", prefix, err)
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

// Close releases the client opened by DialGCS.
func (g *GCS) Close() error {
	if g == nil || g.closer == nil {
		return nil
	}
	return g.closer()
}
