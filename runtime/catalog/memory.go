package catalog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryCatalog provides an in-memory implementation of the Catalog
// interface. It is thread-safe and suitable for development, testing,
// and single-instance deployments. For distributed deployments, use
// RedisCatalog.
type MemoryCatalog struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{entries: make(map[string]*Entry)}
}

// Put records or refreshes an entry. The entry is copied, so later
// mutations by the caller do not reach the catalog.
func (c *MemoryCatalog) Put(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return ErrInvalidEntry
	}
	if entry.Path == "" {
		return ErrInvalidPath
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stored := *entry
	if stored.LastOpenedAt.IsZero() {
		stored.LastOpenedAt = time.Now()
	}
	c.entries[stored.Path] = &stored
	return nil
}

// Get retrieves an entry by container path.
// Returns a copy to prevent external mutations.
func (c *MemoryCatalog) Get(ctx context.Context, path string) (*Entry, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[path]
	if !ok {
		return nil, ErrNotFound
	}

	out := *entry
	return &out, nil
}

// Recent returns entries ordered most recently opened first.
func (c *MemoryCatalog) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastOpenedAt.After(out[j].LastOpenedAt)
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Remove deletes an entry by container path.
func (c *MemoryCatalog) Remove(ctx context.Context, path string) error {
	if path == "" {
		return ErrInvalidPath
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[path]; !ok {
		return ErrNotFound
	}
	delete(c.entries, path)
	return nil
}
