// Package storage keeps binary artifacts under convention paths and hands out stable URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/formsign/internal/common"
)

// Store writes and reads artifacts by relative path.
type Store interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (url string, err error)
	Get(ctx context.Context, name string) ([]byte, error)
	URL(name string) string
}

// New builds the backend selected by cfg.Backend.
func New(ctx context.Context, cfg common.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.LocalDir, cfg.PublicBaseURL, logger)
	case "gcs":
		return NewGCS(ctx, cfg.GCSBucket, cfg.GCSCredFile, cfg.PublicBaseURL, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// cleanName rejects names that would leave the storage root.
func cleanName(name string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))[1:]
	if clean == "" || clean != strings.TrimPrefix(name, "/") {
		return "", common.ValidationErrorf("invalid storage path %q", name)
	}
	return clean, nil
}

func joinURL(base, name string) string {
	return strings.TrimRight(base, "/") + "/" + name
}

// Local stores artifacts on the filesystem.
type Local struct {
	root    string
	baseURL string
	logger  *slog.Logger
}

func NewLocal(root, baseURL string, logger *slog.Logger) (*Local, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Local{root: abs, baseURL: baseURL, logger: logger}, nil
}

func (l *Local) Put(_ context.Context, name string, data []byte, _ string) (string, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(l.root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", common.PersistenceError("create storage dir", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", common.PersistenceError("create temp file", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", common.PersistenceError("write "+clean, err)
	}
	if err := tmp.Close(); err != nil {
		return "", common.PersistenceError("close "+clean, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", common.PersistenceError("move "+clean, err)
	}
	l.logger.Info("storage.put", "backend", "local", "path", clean, "bytes", len(data))
	return l.URL(clean), nil
}

func (l *Local) Get(_ context.Context, name string) ([]byte, error) {
	clean, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(l.root, filepath.FromSlash(clean)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, common.NotFoundErrorf("artifact %s not found", clean)
	}
	if err != nil {
		return nil, common.PersistenceError("read "+clean, err)
	}
	return data, nil
}

func (l *Local) URL(name string) string {
	return joinURL(l.baseURL, strings.TrimPrefix(name, "/"))
}
