package usage

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

type cachedPricing struct {
	pricing   Pricing
	fetchedAt time.Time
}

// PricingCache memoizes pricing lookups. Entries older than the TTL are
// still returned but flagged stale so the resolver can prefer a refresh.
type PricingCache struct {
	entries *lru.Cache[string, cachedPricing]
	ttl     time.Duration
	now     func() time.Time
}

func NewPricingCache(size int, ttl time.Duration) (*PricingCache, error) {
	if size <= 0 {
		size = 64
	}
	entries, err := lru.New[string, cachedPricing](size)
	if err != nil {
		return nil, err
	}
	return &PricingCache{
		entries: entries,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// Get returns the cached pricing for model and whether it is still fresh.
func (c *PricingCache) Get(model string) (p Pricing, fresh bool, ok bool) {
	entry, ok := c.entries.Get(model)
	if !ok {
		return Pricing{}, false, false
	}
	fresh = c.ttl <= 0 || c.now().Sub(entry.fetchedAt) < c.ttl
	return entry.pricing, fresh, true
}

func (c *PricingCache) Put(model string, p Pricing) {
	c.entries.Add(model, cachedPricing{pricing: p, fetchedAt: c.now()})
}

func (c *PricingCache) Purge() {
	c.entries.Purge()
}

// Pricing origins reported by PricingResolver.Resolve.
const (
	PricingFromCache   = "cache"
	PricingFromStore   = "store"
	PricingFromStale   = "stale"
	PricingFromDefault = "default"
)

// PricingResolver resolves model pricing: fresh cache entry, then the
// store, then a stale cache entry, then the built-in table. It never fails.
type PricingResolver struct {
	source PricingSource
	cache  *PricingCache
	logger *zap.Logger
	now    func() time.Time
}

func NewPricingResolver(source PricingSource, cache *PricingCache, logger *zap.Logger) *PricingResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PricingResolver{
		source: source,
		cache:  cache,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *PricingResolver) Resolve(ctx context.Context, model string) (Pricing, string) {
	var (
		stale    Pricing
		hasStale bool
	)
	if r.cache != nil {
		if p, fresh, ok := r.cache.Get(model); ok {
			if fresh {
				return p, PricingFromCache
			}
			stale, hasStale = p, true
		}
	}

	if r.source != nil {
		p, err := r.source.LookupPricing(ctx, model, r.now())
		if err == nil {
			if r.cache != nil {
				r.cache.Put(model, p)
			}
			return p, PricingFromStore
		}
		r.logger.Warn("pricing lookup failed, falling back",
			zap.String("model", model),
			zap.Bool("stale_available", hasStale),
			zap.Error(err),
		)
	}

	if hasStale {
		return stale, PricingFromStale
	}
	return DefaultPricing(model), PricingFromDefault
}
