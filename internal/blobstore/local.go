package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dvloznov/statement-extractor/internal/domain"
)

// Local stores objects under a root directory.
type Local struct {
	root string
}

var _ Store = (*Local)(nil)

// NewLocal creates root if needed.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("NewLocal: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("NewLocal: creating %s: %w", abs, err)
	}
	return &Local{root: abs}, nil
}

// path resolves uri to a file inside the root.
func (l *Local) path(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", fmt.Errorf("invalid file URI: %s", uri)
	}
	p := filepath.Clean(strings.TrimPrefix(uri, "file://"))
	rel, err := filepath.Rel(l.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("file URI outside %s: %s", l.root, uri)
	}
	return p, nil
}

func (l *Local) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p := filepath.Join(l.root, filepath.FromSlash(key))
	uri := "file://" + p
	if _, err := l.path(uri); err != nil {
		return "", fmt.Errorf("Put: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("Put: creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("Put: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("Put: writing %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("Put: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", fmt.Errorf("Put: %w", err)
	}
	return uri, nil
}

func (l *Local) Get(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.path(uri)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("Get: %s: %w", uri, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return data, nil
}

func (l *Local) Delete(ctx context.Context, uri string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := l.path(uri)
	if err != nil {
		return fmt.Errorf("Delete: %w", err)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("Delete: %w", err)
	}
	return nil
}
