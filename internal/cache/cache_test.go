package cache_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"example.com/nfcstats/internal/cache"
	"example.com/nfcstats/internal/metrics"
)

func TestCacheExpiresOnClock(t *testing.T) {
	t.Parallel()

	clock := quartz.NewMock(t)
	c := cache.New[string](cache.Options{Name: "stats", TTL: time.Minute, Clock: clock})

	c.Set("stats:u1", "v1")
	v, ok := c.Get("stats:u1")
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	clock.Advance(59 * time.Second)
	_, ok = c.Get("stats:u1")
	assert.True(t, ok, "entry should live until its TTL elapses")

	clock.Advance(time.Second)
	_, ok = c.Get("stats:u1")
	assert.False(t, ok)
}

func TestCacheSetWithTTL(t *testing.T) {
	t.Parallel()

	clock := quartz.NewMock(t)
	c := cache.New[int](cache.Options{TTL: time.Minute, Clock: clock})

	c.SetWithTTL("scan:t1", 1, 2*time.Second)
	clock.Advance(time.Second)
	_, ok := c.Get("scan:t1")
	assert.True(t, ok)
	clock.Advance(time.Second)
	_, ok = c.Get("scan:t1")
	assert.False(t, ok)

	c.SetWithTTL("noop", 1, 0)
	_, ok = c.Get("noop")
	assert.False(t, ok)
}

func TestCacheEvictsBeyondCapacity(t *testing.T) {
	t.Parallel()

	c := cache.New[int](cache.Options{TTL: time.Hour, MaxEntries: 2, Clock: quartz.NewMock(t)})
	for i := range 3 {
		c.Set(fmt.Sprint(i), i)
	}
	_, ok := c.Get("0")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get("2")
	assert.True(t, ok)
}

func TestCacheRecordsLookups(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())
	c := cache.New[int](cache.Options{Name: "tags", TTL: time.Minute, Clock: quartz.NewMock(t), Metrics: m})

	c.Get("missing")
	c.Set("k", 1)
	c.Get("k")
	c.Get("k")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("tags", metrics.ResultMiss)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("tags", metrics.ResultHit)))
}
