// Package cache is the in-process TTL read cache in front of the document
// store. Entries are never invalidated on write; readers may observe a value
// up to TTL old.
package cache

import (
	"time"

	"github.com/ammario/tlru"
	"github.com/coder/quartz"

	"example.com/nfcstats/internal/metrics"
)

const DefaultMaxEntries = 10_000

type Options struct {
	// Name labels the cache in metrics.
	Name       string
	TTL        time.Duration
	MaxEntries int
	Clock      quartz.Clock
	// Metrics is optional.
	Metrics *metrics.Metrics
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache maps string keys to values of type V. Safe for concurrent use.
type Cache[V any] struct {
	name    string
	ttl     time.Duration
	clock   quartz.Clock
	lru     *tlru.Cache[string, entry[V]]
	metrics *metrics.Metrics
}

func New[V any](opts Options) *Cache[V] {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Cache[V]{
		name:    opts.Name,
		ttl:     opts.TTL,
		clock:   opts.Clock,
		lru:     tlru.New[string](tlru.ConstantCost[entry[V]], opts.MaxEntries),
		metrics: opts.Metrics,
	}
}

// Get returns the live value for key. Expiry is judged against the cache's
// clock so it can be driven by a mock in tests.
func (c *Cache[V]) Get(key string) (V, bool) {
	e, _, ok := c.lru.Get(key)
	if ok && c.clock.Now().Before(e.expiresAt) {
		c.observe(metrics.ResultHit)
		return e.value, true
	}
	c.observe(metrics.ResultMiss)
	var zero V
	return zero, false
}

// Set stores value for the cache's default TTL.
func (c *Cache[V]) Set(key string, value V) { c.SetWithTTL(key, value, c.ttl) }

// SetWithTTL stores value for ttl. A non-positive ttl is a no-op.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.lru.Set(key, entry[V]{value: value, expiresAt: c.clock.Now().Add(ttl)}, ttl)
}

func (c *Cache[V]) observe(result string) {
	if c.metrics == nil {
		return
	}
	c.metrics.CacheLookups.WithLabelValues(c.name, result).Inc()
}
