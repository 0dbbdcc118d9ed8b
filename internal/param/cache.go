package param

import (
	"context"
	"time"

	"github.com/omniaura/mapcache"
)

// CachedFetcher keeps fetched parameters for a TTL so warm invocations skip
// the round trip to the parameter store.
type CachedFetcher struct {
	next  Fetcher
	cache *mapcache.MapCache[string, string]
}

func NewCachedFetcher(ctx context.Context, next Fetcher, ttl time.Duration) (*CachedFetcher, error) {
	cache, err := mapcache.New[string, string](
		mapcache.WithTTL(ttl),
		mapcache.WithCleanup(ctx, 2*ttl),
	)
	if err != nil {
		return nil, err
	}
	return &CachedFetcher{next: next, cache: cache}, nil
}

func (f *CachedFetcher) Fetch(ctx context.Context, path string) (string, error) {
	return f.cache.Get(path, func() (string, error) {
		return f.next.Fetch(ctx, path)
	})
}
