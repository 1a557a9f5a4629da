package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/joseph-ayodele/formsign/internal/common"
)

// GCS stores artifacts in a Cloud Storage bucket.
type GCS struct {
	client  *storage.Client
	bucket  string
	baseURL string
	logger  *slog.Logger
}

// NewGCS connects with credFile when set, otherwise with application default credentials.
// An empty baseURL serves objects from storage.googleapis.com.
func NewGCS(ctx context.Context, bucket, credFile, baseURL string, logger *slog.Logger) (*GCS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var opts []option.ClientOption
	if credFile != "" {
		opts = append(opts, option.WithCredentialsFile(credFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return NewGCSWithClient(client, bucket, baseURL, logger), nil
}

func NewGCSWithClient(client *storage.Client, bucket, baseURL string, logger *slog.Logger) *GCS {
	if baseURL == "" {
		baseURL = "https://storage.googleapis.com/" + bucket
	}
	return &GCS{client: client, bucket: bucket, baseURL: baseURL, logger: logger}
}

func (g *GCS) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", err
	}
	w := g.client.Bucket(g.bucket).Object(clean).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", common.PersistenceError(fmt.Sprintf("write gs://%s/%s", g.bucket, clean), err)
	}
	if err := w.Close(); err != nil {
		return "", common.PersistenceError(fmt.Sprintf("finalize gs://%s/%s", g.bucket, clean), err)
	}
	g.logger.Info("storage.put", "backend", "gcs", "bucket", g.bucket, "path", clean, "bytes", len(data))
	return g.URL(clean), nil
}

func (g *GCS) Get(ctx context.Context, name string) ([]byte, error) {
	clean, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	r, err := g.client.Bucket(g.bucket).Object(clean).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, common.NotFoundErrorf("artifact gs://%s/%s not found", g.bucket, clean)
	}
	if err != nil {
		return nil, common.PersistenceError(fmt.Sprintf("open gs://%s/%s", g.bucket, clean), err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, common.PersistenceError(fmt.Sprintf("read gs://%s/%s", g.bucket, clean), err)
	}
	return data, nil
}

func (g *GCS) URL(name string) string {
	return joinURL(g.baseURL, name)
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}
