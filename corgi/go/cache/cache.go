// Package cache provides the two-tier response cache: an in-process LRU in
// front of an optional shared Redis tier. Cache failures of either tier are
// treated as misses; the caller never sees a cache error.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/config"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/metrics2"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/now"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
)

// Class buckets endpoints by how long their responses stay fresh.
type Class string

const (
	ClassTimeline Class = "timeline"
	ClassProfile  Class = "profile"
	ClassInstance Class = "instance"
	ClassStatus   Class = "status"
	ClassDefault  Class = "default"
)

// publicScope is the alias slot for unauthenticated responses.
const publicScope = "public"

// redisPrefix namespaces all response cache keys in Redis.
const redisPrefix = "corgi:rc:"

// defaultHotSize is the hot tier capacity when the caller passes 0.
const defaultHotSize = 1024

// Key identifies one cacheable response.
type Key struct {
	Class    Class
	Method   string
	Path     string
	Params   url.Values
	Alias    string
	Instance string
}

// scope returns the alias component of the key. Responses for anonymous
// callers share one public scope.
func (k Key) scope() string {
	if k.Alias == "" {
		return publicScope
	}
	return k.Alias
}

// Fingerprint returns the SHA-256 hex digest identifying this response.
// Parameter order does not affect the result.
func (k Key) Fingerprint() string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(string(k.Class))
	write(strings.ToUpper(k.Method))
	write(k.Path)
	names := make([]string, 0, len(k.Params))
	for name := range k.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		values := append([]string(nil), k.Params[name]...)
		sort.Strings(values)
		for _, v := range values {
			write(name + "=" + v)
		}
	}
	write(k.scope())
	write(k.Instance)
	return hex.EncodeToString(h.Sum(nil))
}

// storageKey is the composite key used in both tiers. The scope prefix makes
// per-alias invalidation a prefix operation.
func (k Key) storageKey() string {
	return k.scope() + ":" + k.Fingerprint()
}

// Entry is one cached response.
type Entry struct {
	Body     []byte      `json:"body"`
	Header   http.Header `json:"header,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

type hotEntry struct {
	entry     *Entry
	expiresAt time.Time
}

// ResponseCache is the two-tier cache.
type ResponseCache struct {
	hot  *lru.Cache
	rdb  redis.UniversalClient
	ttls config.CacheTTLs

	hits   metrics2.Counter
	misses metrics2.Counter
}

// New returns a ResponseCache. rdb may be nil, leaving only the hot tier.
func New(ttls config.CacheTTLs, hotSize int, rdb redis.UniversalClient) (*ResponseCache, error) {
	if hotSize <= 0 {
		hotSize = defaultHotSize
	}
	hot, err := lru.New(hotSize)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return &ResponseCache{
		hot:    hot,
		rdb:    rdb,
		ttls:   ttls,
		hits:   metrics2.GetCounter("corgi_response_cache", map[string]string{"result": "hit"}),
		misses: metrics2.GetCounter("corgi_response_cache", map[string]string{"result": "miss"}),
	}, nil
}

// TTLFor returns the freshness window for a content class.
func (c *ResponseCache) TTLFor(class Class) time.Duration {
	switch class {
	case ClassTimeline:
		return c.ttls.Timeline
	case ClassProfile:
		return c.ttls.Profile
	case ClassInstance:
		return c.ttls.Instance
	case ClassStatus:
		return c.ttls.Status
	default:
		return c.ttls.Default
	}
}

// Get returns the cached entry or (nil, false). Redis errors degrade to a
// miss.
func (c *ResponseCache) Get(ctx context.Context, key Key) (*Entry, bool) {
	storageKey := key.storageKey()
	if v, ok := c.hot.Get(storageKey); ok {
		he := v.(hotEntry)
		if now.Now(ctx).Before(he.expiresAt) {
			c.hits.Inc(1)
			return he.entry, true
		}
		c.hot.Remove(storageKey)
	}
	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, redisPrefix+storageKey).Bytes()
		if err == nil {
			var e Entry
			if err := json.Unmarshal(raw, &e); err == nil {
				// Promote to the hot tier for the remainder of the TTL.
				expiresAt := e.StoredAt.Add(c.TTLFor(key.Class))
				if now.Now(ctx).Before(expiresAt) {
					c.hot.Add(storageKey, hotEntry{entry: &e, expiresAt: expiresAt})
					c.hits.Inc(1)
					return &e, true
				}
			} else {
				sklog.Debugf("Undecodable cache entry for %s: %s", storageKey, err)
			}
		} else if err != redis.Nil {
			sklog.Debugf("Redis get failed, treating as miss: %s", err)
		}
	}
	c.misses.Inc(1)
	return nil, false
}

// Set stores an entry in both tiers. Redis errors are logged and ignored.
func (c *ResponseCache) Set(ctx context.Context, key Key, e *Entry) {
	ttl := c.TTLFor(key.Class)
	if ttl <= 0 {
		return
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = now.Now(ctx)
	}
	storageKey := key.storageKey()
	c.hot.Add(storageKey, hotEntry{entry: e, expiresAt: e.StoredAt.Add(ttl)})
	if c.rdb != nil {
		raw, err := json.Marshal(e)
		if err != nil {
			sklog.Debugf("Unencodable cache entry for %s: %s", storageKey, err)
			return
		}
		if err := c.rdb.Set(ctx, redisPrefix+storageKey, raw, ttl).Err(); err != nil {
			sklog.Debugf("Redis set failed: %s", err)
		}
	}
}

// InvalidateAlias drops every cached response scoped to the alias. Used when
// a new interaction changes what the alias should be served.
func (c *ResponseCache) InvalidateAlias(ctx context.Context, alias string) {
	if alias == "" {
		alias = publicScope
	}
	prefix := alias + ":"
	for _, k := range c.hot.Keys() {
		if sk, ok := k.(string); ok && strings.HasPrefix(sk, prefix) {
			c.hot.Remove(k)
		}
	}
	if c.rdb != nil {
		iter := c.rdb.Scan(ctx, 0, redisPrefix+prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
				sklog.Debugf("Redis del failed for %s: %s", iter.Val(), err)
			}
		}
		if err := iter.Err(); err != nil {
			sklog.Debugf("Redis scan failed during invalidation: %s", err)
		}
	}
}
