// Package blobstore keeps uploaded statement PDFs on local disk or in Google
// Cloud Storage. Objects are addressed by URI: file:///abs/path or
// gs://bucket/object.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"
)

// Store stores and fetches uploaded files.
type Store interface {
	// Put writes r under key and returns the object's URI.
	Put(ctx context.Context, key string, r io.Reader) (string, error)
	// Get reads the object at uri. A missing object wraps domain.ErrNotFound.
	Get(ctx context.Context, uri string) ([]byte, error)
	// Delete removes the object at uri. Deleting a missing object is not an error.
	Delete(ctx context.Context, uri string) error
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename reduces name to a safe base name.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "._")
	if name == "" {
		return "statement.pdf"
	}
	return name
}

// UploadKey builds the date-wise key of an upload:
// uploads/YYYY/MM/DD/<first 16 hash chars>_<name>.
func UploadKey(hash, filename string, at time.Time) string {
	prefix := hash
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return fmt.Sprintf("uploads/%s/%s_%s", at.UTC().Format("2006/01/02"), prefix, SanitizeFilename(filename))
}

// ParseGCSURI splits gs://bucket/object.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}

	trimmed := strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// FilenameFromURI extracts the file name from a blob URI.
// e.g., "gs://bucket/folder/file.pdf" → "file.pdf"
func FilenameFromURI(uri string) string {
	trimmed := uri
	for _, scheme := range []string{"gs://", "file://"} {
		trimmed = strings.TrimPrefix(trimmed, scheme)
	}
	return path.Base(trimmed)
}
