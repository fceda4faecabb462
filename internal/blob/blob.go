// Package blob stores uploaded audio.
package blob

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("blob not found")

// Object identifies a stored blob.
type Object struct {
	Key         string
	URL         string
	ContentType string
	Size        int64
}

// Store is the blob store used by the pipeline. Failures are treated by
// callers as retryable stage errors.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (Object, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
