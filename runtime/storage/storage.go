// Package storage defines the contract for staging uploaded container
// files before the engine opens them.
package storage

import (
	"context"
	"io"
	"time"
)

// Upload describes one staged container file.
type Upload struct {
	// Path is the filesystem path the engine opens.
	Path string `json:"path"`

	// Name is the filename the client uploaded under.
	Name string `json:"name"`

	Size     int64     `json:"size"`
	StoredAt time.Time `json:"storedAt"`
}

// Service stages uploaded containers and hands back filesystem paths.
type Service interface {
	// Stage writes the uploaded content under a collision-free name.
	Stage(ctx context.Context, filename string, r io.Reader) (*Upload, error)

	// List returns the staged uploads, newest first.
	List(ctx context.Context) ([]Upload, error)

	// Remove deletes a staged upload. Removing a path that is already
	// gone is not an error.
	Remove(ctx context.Context, path string) error

	// Sweep removes staged uploads older than maxAge and reports how
	// many were deleted.
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}
