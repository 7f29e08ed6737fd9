package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
)

// CounterCache keeps computed per-post interaction tallies so the batch
// counts endpoint does not hit the store for every call. Entries are dropped
// when a new interaction lands on the post.
type CounterCache struct {
	c *gocache.Cache
}

// NewCounterCache returns a CounterCache whose entries expire after ttl.
func NewCounterCache(ttl time.Duration) *CounterCache {
	return &CounterCache{
		c: gocache.New(ttl, 2*ttl),
	}
}

// Get returns the cached tally for a post.
func (cc *CounterCache) Get(key types.PostKey) (store.Counts, bool) {
	v, ok := cc.c.Get(key.String())
	if !ok {
		return nil, false
	}
	return v.(store.Counts), true
}

// Set stores a tally.
func (cc *CounterCache) Set(key types.PostKey, counts store.Counts) {
	cc.c.Set(key.String(), counts, gocache.DefaultExpiration)
}

// Invalidate drops the tally for a post.
func (cc *CounterCache) Invalidate(key types.PostKey) {
	cc.c.Delete(key.String())
}
