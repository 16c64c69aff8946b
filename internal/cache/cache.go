// Package cache is the Redis-backed read cache and its invalidation
// protocol.
//
// The cache is advisory: every operation logs failures and reports them to
// the caller as zero values, never as errors that could block a mutation.
// The document store stays the source of truth.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quay/zlog"
	"github.com/redis/go-redis/v9"

	"github.com/cvelab/cvehub"
)

// Key prefixes. Every cached value lives under one of these.
const (
	PrefixCVEDetail     = "cve_detail:"
	PrefixCVEList       = "cve_list:"
	PrefixCrawlerResult = "crawler_result:"
	PrefixUser          = "user:"
	PrefixStats         = "stats:"
)

// Default TTLs per key kind.
const (
	TTLDetail        = 3600 * time.Second
	TTLList          = 300 * time.Second
	TTLCrawlerResult = 86400 * time.Second
	TTLUser          = 1800 * time.Second
	TTLStats         = 600 * time.Second
)

// envelope wraps every cached value with the instant it was written.
type envelope struct {
	CachedAt string          `json:"_cached_at"`
	Data     json.RawMessage `json:"data"`
}

// Cache wraps a redis client.
type Cache struct {
	rdb *redis.Client
}

// New returns a Cache over the given client.
func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Connect dials redis and verifies the connection.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

// Get loads and unwraps a cached value into dst, reporting whether the key
// was present. Errors are logged and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	ctx = zlog.ContextWithValues(ctx, "component", "internal/cache/Cache.Get")
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
	case errors.Is(err, redis.Nil):
		return false
	default:
		zlog.Warn(ctx).Err(err).Str("key", key).Msg("cache read failed")
		return false
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		zlog.Warn(ctx).Err(err).Str("key", key).Msg("cache entry corrupt")
		return false
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		zlog.Warn(ctx).Err(err).Str("key", key).Msg("cache entry corrupt")
		return false
	}
	return true
}

// Set wraps and stores a value under the key with the given TTL. Errors
// are logged and dropped.
func (c *Cache) Set(ctx context.Context, key string, val any, ttl time.Duration) {
	ctx = zlog.ContextWithValues(ctx, "component", "internal/cache/Cache.Set")
	data, err := json.Marshal(val)
	if err != nil {
		zlog.Warn(ctx).Err(err).Str("key", key).Msg("cache value not serializable")
		return
	}
	raw, err := json.Marshal(envelope{
		CachedAt: cvehub.ISO8601(time.Now()),
		Data:     data,
	})
	if err != nil {
		zlog.Warn(ctx).Err(err).Str("key", key).Msg("cache envelope encode failed")
		return
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		zlog.Warn(ctx).Err(err).Str("key", key).Msg("cache write failed")
	}
}

// Delete removes keys. Errors are logged and dropped.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	ctx = zlog.ContextWithValues(ctx, "component", "internal/cache/Cache.Delete")
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		zlog.Warn(ctx).Err(err).Strs("keys", keys).Msg("cache delete failed")
	}
}

// DeletePattern scans for keys matching the pattern and deletes them in
// one pipelined batch. Returns how many keys went away.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) int {
	ctx = zlog.ContextWithValues(ctx, "component", "internal/cache/Cache.DeletePattern")

	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		zlog.Warn(ctx).Err(err).Str("pattern", pattern).Msg("cache scan failed")
		return 0
	}
	if len(keys) == 0 {
		return 0
	}
	pipe := c.rdb.Pipeline()
	for _, k := range keys {
		pipe.Del(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		zlog.Warn(ctx).Err(err).Str("pattern", pattern).Msg("cache pipeline delete failed")
		return 0
	}
	return len(keys)
}

// Invalidation is the outcome of an invalidation pass; it becomes the
// payload of the cache_invalidated push event.
type Invalidation struct {
	CVEID             string `json:"cve_id"`
	InvalidatedDetail bool   `json:"invalidated_detail"`
	InvalidatedLists  bool   `json:"invalidated_lists"`
}

// InvalidateCVE implements the full mutation protocol: drop the detail
// key and any pattern-matched variants, then every list key.
func (c *Cache) InvalidateCVE(ctx context.Context, id string) Invalidation {
	ctx = zlog.ContextWithValues(ctx, "component", "internal/cache/Cache.InvalidateCVE")
	c.Delete(ctx, PrefixCVEDetail+id)
	n := c.DeletePattern(ctx, PrefixCVEDetail+"*"+id+"*")
	lists := c.DeletePattern(ctx, PrefixCVEList+"*")
	zlog.Debug(ctx).Str("cve_id", id).Int("detail_variants", n).Int("lists", lists).Msg("caches invalidated")
	return Invalidation{
		CVEID:             id,
		InvalidatedDetail: true,
		InvalidatedLists:  true,
	}
}

// InvalidateCVEDetail drops only the detail key; used for comment-only
// mutations which do not move list ordering.
func (c *Cache) InvalidateCVEDetail(ctx context.Context, id string) Invalidation {
	c.Delete(ctx, PrefixCVEDetail+id)
	return Invalidation{CVEID: id, InvalidatedDetail: true}
}
