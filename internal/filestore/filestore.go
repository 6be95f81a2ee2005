// Package filestore stores uploaded files for the file-hosting endpoints.
// Keys are "<deviceId>/<filename>"; backends never interpret them further.
package filestore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// Object describes one stored file.
type Object struct {
	Name    string    `json:"filename"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"uploadedAt"`
}

// Store is implemented by the local-disk and S3 backends.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// List returns objects under prefix; Name is the key without prefix.
	List(ctx context.Context, prefix string) ([]Object, error)
	Stat(ctx context.Context, key string) (Object, error)
	Delete(ctx context.Context, key string) error
	// URL returns an address the protocol client can fetch the object from.
	URL(ctx context.Context, key string) (string, error)
}
