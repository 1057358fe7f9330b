// Package cache keeps immutable historical report pages in Redis so repeated
// runs over a review site only download the pages they have not seen.
package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/redis"
)

const keyPrefix = "ri:page:"

// Backend is the subset of the Redis client the cache needs.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

var _ Backend = (*pkgredis.Client)(nil)

type PageCache struct {
	backend Backend
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// New wraps backend. m may be nil.
func New(backend Backend, ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) *PageCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &PageCache{
		backend: backend,
		ttl:     ttl,
		metrics: m,
		logger:  logger.With("component", "page-cache"),
	}
}

// Get returns the cached body for url. Concurrent lookups of the same URL
// share one round trip. Any backend error is logged and treated as a miss.
func (c *PageCache) Get(ctx context.Context, url string) ([]byte, bool) {
	key := buildKey(url)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.backend.Get(ctx, key)
	})
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.miss()
		return nil, false
	}
	body := v.([]byte)
	c.hit()
	c.logger.Debug("cache hit", "url", url, "key", key)
	return body, true
}

// Set stores body under url. Failures are logged; callers never see them.
func (c *PageCache) Set(ctx context.Context, url string, body []byte) {
	key := buildKey(url)
	if err := c.backend.Set(ctx, key, body, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// Invalidate drops every cached page.
func (c *PageCache) Invalidate(ctx context.Context) error {
	deleted, err := c.backend.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating page cache: %w", err)
	}
	c.logger.Info("cache invalidate", "keys_deleted", deleted)
	return nil
}

func (c *PageCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *PageCache) hit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
}

func (c *PageCache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

func buildKey(url string) string {
	hash := sha256.Sum256([]byte(url))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}
