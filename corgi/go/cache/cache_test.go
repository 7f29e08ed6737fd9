package cache

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/config"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/now"
)

var testTTLs = config.CacheTTLs{
	Timeline: 120 * time.Second,
	Profile:  600 * time.Second,
	Instance: 3600 * time.Second,
	Status:   1800 * time.Second,
	Default:  900 * time.Second,
}

func timelineKey(alias string) Key {
	return Key{
		Class:    ClassTimeline,
		Method:   "GET",
		Path:     "/api/v1/timelines/home",
		Params:   url.Values{"limit": []string{"20"}},
		Alias:    alias,
		Instance: "mastodon.social",
	}
}

func TestFingerprint_StableAcrossParamOrder(t *testing.T) {
	k1 := timelineKey("alias-a")
	k1.Params = url.Values{"limit": []string{"20"}, "max_id": []string{"99"}}
	k2 := timelineKey("alias-a")
	k2.Params = url.Values{"max_id": []string{"99"}, "limit": []string{"20"}}
	assert.Equal(t, k1.Fingerprint(), k2.Fingerprint())
}

func TestFingerprint_DistinguishesEveryComponent(t *testing.T) {
	base := timelineKey("alias-a")
	fingerprints := map[string]bool{base.Fingerprint(): true}

	k := timelineKey("alias-b")
	fingerprints[k.Fingerprint()] = true

	k = timelineKey("alias-a")
	k.Path = "/api/v1/timelines/public"
	fingerprints[k.Fingerprint()] = true

	k = timelineKey("alias-a")
	k.Instance = "fosstodon.org"
	fingerprints[k.Fingerprint()] = true

	k = timelineKey("alias-a")
	k.Params = url.Values{"limit": []string{"40"}}
	fingerprints[k.Fingerprint()] = true

	assert.Len(t, fingerprints, 5)
}

func TestGetSet_RoundTrip(t *testing.T) {
	c, err := New(testTTLs, 0, nil)
	require.NoError(t, err)
	ctx := now.TimeTravelingContext(time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC))

	key := timelineKey("alias-a")
	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	c.Set(ctx, key, &Entry{Body: []byte(`[]`)})
	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, []byte(`[]`), got.Body)
}

func TestGet_ExpiredEntryIsAMiss(t *testing.T) {
	c, err := New(testTTLs, 0, nil)
	require.NoError(t, err)
	ctx := now.TimeTravelingContext(time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC))

	key := timelineKey("alias-a")
	c.Set(ctx, key, &Entry{Body: []byte(`[]`)})

	ctx.SetTime(time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC).Add(testTTLs.Timeline + time.Second))
	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
}

func TestGet_AliasesAreIsolated(t *testing.T) {
	c, err := New(testTTLs, 0, nil)
	require.NoError(t, err)
	ctx := now.TimeTravelingContext(time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC))

	c.Set(ctx, timelineKey("alias-a"), &Entry{Body: []byte(`["a"]`)})

	_, ok := c.Get(ctx, timelineKey("alias-b"))
	assert.False(t, ok)

	c.Set(ctx, timelineKey("alias-b"), &Entry{Body: []byte(`["b"]`)})
	got, ok := c.Get(ctx, timelineKey("alias-a"))
	require.True(t, ok)
	assert.Equal(t, []byte(`["a"]`), got.Body)
}

func TestInvalidateAlias_OnlyDropsThatAlias(t *testing.T) {
	c, err := New(testTTLs, 0, nil)
	require.NoError(t, err)
	ctx := now.TimeTravelingContext(time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC))

	c.Set(ctx, timelineKey("alias-a"), &Entry{Body: []byte(`["a"]`)})
	c.Set(ctx, timelineKey("alias-b"), &Entry{Body: []byte(`["b"]`)})

	c.InvalidateAlias(ctx, "alias-a")

	_, ok := c.Get(ctx, timelineKey("alias-a"))
	assert.False(t, ok)
	_, ok = c.Get(ctx, timelineKey("alias-b"))
	assert.True(t, ok)
}

func TestTTLFor(t *testing.T) {
	c, err := New(testTTLs, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, c.TTLFor(ClassTimeline))
	assert.Equal(t, 600*time.Second, c.TTLFor(ClassProfile))
	assert.Equal(t, 3600*time.Second, c.TTLFor(ClassInstance))
	assert.Equal(t, 1800*time.Second, c.TTLFor(ClassStatus))
	assert.Equal(t, 900*time.Second, c.TTLFor(Class("something-else")))
}

func TestCounterCache(t *testing.T) {
	cc := NewCounterCache(time.Minute)
	key := types.PostKey{Instance: "mastodon.social", PostID: "1"}

	_, ok := cc.Get(key)
	assert.False(t, ok)

	counts := store.Counts{types.ActionFavorite: 3}
	cc.Set(key, counts)
	got, ok := cc.Get(key)
	require.True(t, ok)
	assert.Equal(t, int64(3), got[types.ActionFavorite])

	cc.Invalidate(key)
	_, ok = cc.Get(key)
	assert.False(t, ok)
}
