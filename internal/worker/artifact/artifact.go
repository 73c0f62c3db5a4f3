// Package artifact provides uniform get/put of byte objects against an
// S3-compatible object store, plus the workspace transfer helpers used by the
// pipeline.
package artifact

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrNotFound is returned when the requested key does not exist.
// Any other error from a Store is a transport error.
var ErrNotFound = errors.New("object not found")

// Store defines the object-store operations the pipeline consumes.
type Store interface {
	// Get returns a stream for key. The caller closes it.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put writes size bytes from body under key with the given content type.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

// PublicURL joins the public base URL of the bucket and an object key.
func PublicURL(baseURL, key string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(key, "/")
}
