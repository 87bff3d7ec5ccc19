// Package storage provides the durable blob store that materialized
// images are copied into.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no blob exists under the requested key.
var ErrNotFound = errors.New("blob not found")

// Blob is stored bytes plus their content type.
type Blob struct {
	Data        []byte
	ContentType string
}

// BlobStore is a key→bytes object store with content-type metadata.
// Put overwrites; re-running a materialization step writes identical
// content, so overwriting keeps the step idempotent.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (*Blob, error)
	Close() error
}
