// Package catalog tracks containers the service has recently opened so
// the UI can offer them again without a fresh upload. Entries are keyed
// by the staged container path and ordered by the time they were last
// opened.
//
// Two implementations are provided: an in-memory catalog for development
// and single-instance deployments, and a Redis-backed catalog for
// deployments where uploads and API traffic are served by more than one
// process.
package catalog

import (
	"context"
	"errors"
	"time"
)

// Entry describes one container known to the catalog.
type Entry struct {
	// Path is the staged location of the container under the storage
	// directory. It is the catalog key.
	Path string `json:"path"`

	// Name is the filename the container was uploaded as.
	Name string `json:"name"`

	// Size is the container size in bytes at the time it was staged.
	Size int64 `json:"size"`

	// ModuleCount mirrors the container's module count from the most
	// recent open or save.
	ModuleCount int `json:"moduleCount"`

	// LastOpenedAt is when the container was last opened or saved.
	LastOpenedAt time.Time `json:"lastOpenedAt"`
}

// Catalog is the interface shared by the memory and Redis backends.
type Catalog interface {
	// Put records or refreshes an entry. An entry with a zero
	// LastOpenedAt is stamped with the current time.
	Put(ctx context.Context, entry *Entry) error

	// Get retrieves an entry by container path.
	// Returns ErrNotFound if the path is not cataloged.
	Get(ctx context.Context, path string) (*Entry, error)

	// Recent returns entries ordered most recently opened first.
	// A limit of 0 applies the default limit.
	Recent(ctx context.Context, limit int) ([]Entry, error)

	// Remove deletes an entry. Returns ErrNotFound if absent.
	Remove(ctx context.Context, path string) error
}

// defaultRecentLimit caps Recent listings when the caller passes 0.
const defaultRecentLimit = 50

// ErrNotFound is returned when a container path is not in the catalog.
var ErrNotFound = errors.New("catalog: container not found")

// ErrInvalidPath is returned when an empty container path is provided.
var ErrInvalidPath = errors.New("catalog: container path must not be empty")

// ErrInvalidEntry is returned when a nil entry is provided.
var ErrInvalidEntry = errors.New("catalog: entry must not be nil")
