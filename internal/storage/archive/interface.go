// internal/storage/archive/interface.go
package archive

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Read when nothing is stored at a path
var ErrNotFound = errors.New("archive object not found")

// Storage is a flat object store for enrichment snapshots and batch reports
type Storage interface {
	// Write stores data at the given path, replacing any previous object
	Write(ctx context.Context, path string, data []byte) error

	// Read retrieves data from the given path
	Read(ctx context.Context, path string) ([]byte, error)

	// List returns all paths under the prefix, sorted
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks if data exists at the given path
	Exists(ctx context.Context, path string) (bool, error)
}
