package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultTTL keeps catalog entries for a week unless configured otherwise.
const defaultTTL = 7 * 24 * time.Hour

// RedisCatalog provides a Redis-backed implementation of the Catalog
// interface. Entries are stored as JSON under per-container keys with a
// sorted-set recency index, and expire after the configured TTL. This
// implementation is suitable for deployments where uploads and API
// traffic are served by more than one process.
type RedisCatalog struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisCatalog.
type RedisOption func(*RedisCatalog)

// WithTTL sets the time-to-live for catalog entries. After this duration
// entries are automatically deleted. Default is 7 days. Set to 0 for no
// expiration.
func WithTTL(ttl time.Duration) RedisOption {
	return func(c *RedisCatalog) {
		c.ttl = ttl
	}
}

// WithPrefix sets the key prefix for Redis keys.
// Default is "umdf".
func WithPrefix(prefix string) RedisOption {
	return func(c *RedisCatalog) {
		c.prefix = prefix
	}
}

// NewRedisCatalog creates a new Redis-backed catalog.
//
// Example:
//
//	cat := catalog.NewRedisCatalog(
//	    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	    catalog.WithTTL(24*time.Hour),
//	    catalog.WithPrefix("myapp"),
//	)
func NewRedisCatalog(client *redis.Client, opts ...RedisOption) *RedisCatalog {
	cat := &RedisCatalog{
		client: client,
		ttl:    defaultTTL,
		prefix: "umdf",
	}

	for _, opt := range opts {
		opt(cat)
	}

	return cat
}

// Put records or refreshes an entry.
// Uses a pipeline to batch the SET and recency index update into a single
// round-trip.
func (c *RedisCatalog) Put(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return ErrInvalidEntry
	}
	if entry.Path == "" {
		return ErrInvalidPath
	}

	stored := *entry
	if stored.LastOpenedAt.IsZero() {
		stored.LastOpenedAt = time.Now()
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, c.entryKey(stored.Path), data, c.ttl)
	pipe.ZAdd(ctx, c.indexKey(), redis.Z{
		Score:  float64(stored.LastOpenedAt.UnixMilli()),
		Member: stored.Path,
	})
	if c.ttl > 0 {
		pipe.Expire(ctx, c.indexKey(), c.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}

	return nil
}

// Get retrieves an entry by container path from Redis.
func (c *RedisCatalog) Get(ctx context.Context, path string) (*Entry, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}

	data, err := c.client.Get(ctx, c.entryKey(path)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	return &entry, nil
}

// Recent returns entries ordered most recently opened first. Entry keys
// that expired ahead of the recency index are dropped from the listing.
// Uses a pipelined GET to fetch all entries in a single round-trip.
func (c *RedisCatalog) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	paths, err := c.client.ZRevRange(ctx, c.indexKey(), 0, int64(limit-1)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis zrevrange failed: %w", err)
	}
	if len(paths) == 0 {
		return nil, nil
	}

	pipe := c.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(paths))
	for i, path := range paths {
		cmds[i] = pipe.Get(ctx, c.entryKey(path))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	entries := make([]Entry, 0, len(paths))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("redis get failed: %w", err)
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Remove deletes an entry from Redis.
// Uses a pipeline to batch the DEL and index cleanup.
func (c *RedisCatalog) Remove(ctx context.Context, path string) error {
	if path == "" {
		return ErrInvalidPath
	}

	pipe := c.client.Pipeline()
	delCmd := pipe.Del(ctx, c.entryKey(path))
	pipe.ZRem(ctx, c.indexKey(), path)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}

	if delCmd.Val() == 0 {
		return ErrNotFound
	}

	return nil
}

// entryKey generates the Redis key for a container entry.
func (c *RedisCatalog) entryKey(path string) string {
	return fmt.Sprintf("%s:container:%s", c.prefix, path)
}

// indexKey generates the Redis key for the recency index.
func (c *RedisCatalog) indexKey() string {
	return fmt.Sprintf("%s:containers:recent", c.prefix)
}
