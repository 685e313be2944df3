// Package store provides a uniform durable read/write surface over either a
// local filesystem or a remote repository exposed through the hosting
// platform's REST API. All registry, manifest, crawl-state and artifact
// writes pass through a Store.
package store

import (
	"context"
	"errors"
)

// File is one path/content pair within a batch.
type File struct {
	Path string
	Data []byte
}

// ErrNotFound is returned by Get when no object exists at the path.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a remote batch could not be committed after
// exhausting fast-forward retries.
var ErrConflict = errors.New("store: commit conflict")

// Store is the durable persistence contract. A PutBatch is atomic from any
// outside observer's perspective: either all files land, or none do.
type Store interface {
	// Get reads the object at path, or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)
	// Put durably writes a single object.
	Put(ctx context.Context, path string, data []byte, message string) error
	// PutBatch durably writes all files as one atomic unit.
	PutBatch(ctx context.Context, files []File, message string) error
	// Delete removes the object at path. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, path string, message string) error
}
