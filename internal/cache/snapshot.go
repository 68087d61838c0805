package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const versionKey = "tokens:snapshot:version"

// SnapshotCache keeps recently served ticket lists so a wall of displays
// polling every few seconds does not turn into a wall of table scans.
// Entries are namespaced by a version counter; bumping it on every write
// orphans all cached lists at once and lets the TTL collect them.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &SnapshotCache{client: client, ttl: ttl}
}

// Get returns the cached payload for key and the version it was looked up
// under. A miss is filled by passing that version back to Set. A nil cache
// always misses.
func (c *SnapshotCache) Get(ctx context.Context, key string) ([]byte, int64, bool, error) {
	if c == nil || c.client == nil {
		return nil, 0, false, nil
	}
	version, err := c.version(ctx)
	if err != nil {
		return nil, 0, false, err
	}
	data, err := c.client.Get(ctx, entryKey(version, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, version, false, nil
	}
	if err != nil {
		return nil, version, false, err
	}
	return data, version, true, nil
}

// Set stores payload under the version it was read at. If a write
// invalidated the cache in between, the entry lands under the old version
// and is never served.
func (c *SnapshotCache) Set(ctx context.Context, key string, version int64, payload []byte) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, entryKey(version, key), payload, c.ttl).Err()
}

// Invalidate drops every cached list.
func (c *SnapshotCache) Invalidate(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, versionKey).Err()
}

func (c *SnapshotCache) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func (c *SnapshotCache) version(ctx context.Context) (int64, error) {
	version, err := c.client.Get(ctx, versionKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return version, err
}

func entryKey(version int64, key string) string {
	return fmt.Sprintf("tokens:snapshot:v%d:%s", version, key)
}

// ListKey builds the cache key for a ticket list query.
func ListKey(day string, departmentID, divisionID int64, status string) string {
	return fmt.Sprintf("%s:%d:%d:%s", day, departmentID, divisionID, status)
}

// NewRedisClient parses url as a redis:// URL, falling back to a bare address.
func NewRedisClient(url string) *redis.Client {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	opts.PoolSize = 20
	opts.MinIdleConns = 2
	opts.MaxRetries = 2
	return redis.NewClient(opts)
}
