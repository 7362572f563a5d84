package signals

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mr1hm/report-verification/internal/models"
	"github.com/mr1hm/report-verification/internal/observability"
)

// CachedAdapter wraps an Adapter with an expiring LRU cache keyed by query.
type CachedAdapter struct {
	inner   Adapter
	cache   *expirable.LRU[string, Result]
	metrics *observability.Metrics
}

func NewCachedAdapter(inner Adapter, size int, ttl time.Duration, metrics *observability.Metrics) *CachedAdapter {
	return &CachedAdapter{
		inner:   inner,
		cache:   expirable.NewLRU[string, Result](size, nil, ttl),
		metrics: metrics,
	}
}

func (c *CachedAdapter) Channel() models.Channel { return c.inner.Channel() }

func (c *CachedAdapter) Check(ctx context.Context, q Query) (Result, error) {
	key := q.cacheKey()
	if res, ok := c.cache.Get(key); ok {
		c.observe("hit")
		return res, nil
	}
	c.observe("miss")

	res, err := c.inner.Check(ctx, q)
	if err != nil {
		return res, err
	}
	if cacheable(res, q) {
		c.cache.Add(key, res)
	}
	return res, nil
}

// cacheable keeps not-available out of the cache so it is retried. A miss is
// only final once the window is settled; until then new posts may still match.
func cacheable(res Result, q Query) bool {
	switch res.Status {
	case models.ChannelVerified:
		return true
	case models.ChannelNotMatched:
		return q.Settled
	default:
		return false
	}
}

func (c *CachedAdapter) observe(result string) {
	if c.metrics != nil {
		c.metrics.AdapterCache.WithLabelValues(string(c.inner.Channel()), result).Inc()
	}
}
