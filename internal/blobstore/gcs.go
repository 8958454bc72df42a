package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/dvloznov/statement-extractor/internal/domain"
	"google.golang.org/api/option"
)

const uploadTimeout = 2 * time.Minute

// GCS stores objects in one Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
}

var _ Store = (*GCS)(nil)

// NewGCS creates a storage client. Without options it uses Application
// Default Credentials.
func NewGCS(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCS, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewGCS: create storage client: %w", err)
	}
	return NewGCSWithClient(client, bucket), nil
}

// NewGCSWithClient wraps an existing client.
func NewGCSWithClient(client *storage.Client, bucket string) *GCS {
	return &GCS{client: client, bucket: bucket}
}

// Close closes the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/pdf"

	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return "", fmt.Errorf("Put: copy to GCS writer: %w", err)
	}
	// Close to finalize the upload
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("Put: finalize upload: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, key), nil
}

func (g *GCS) Get(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := ParseGCSURI(uri)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}

	rc, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("Get: object %s: %w", uri, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: reading object %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("Get: reading bytes: %w", err)
	}
	return data, nil
}

func (g *GCS) Delete(ctx context.Context, uri string) error {
	bucket, object, err := ParseGCSURI(uri)
	if err != nil {
		return fmt.Errorf("Delete: %w", err)
	}
	err = g.client.Bucket(bucket).Object(object).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("Delete: %s: %w", uri, err)
	}
	return nil
}
