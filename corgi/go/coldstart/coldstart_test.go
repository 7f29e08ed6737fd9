package coldstart

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store/boltstore"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/now"
)

var testTime = time.Date(2026, time.March, 9, 12, 0, 0, 0, time.UTC)

func newEngineForTest(t *testing.T) (*Engine, store.Stores, context.Context) {
	t.Helper()
	bs, err := boltstore.New(filepath.Join(t.TempDir(), "corgi.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, bs.Close())
	})
	st := bs.Stores()
	e, err := New(st.Posts, nil, 14*24*time.Hour, 3, 5)
	require.NoError(t, err)
	return e, st, now.TimeTravelingContext(testTime)
}

// seedCorpus inserts a post created age ago with the given engagement.
func seedCorpus(t *testing.T, ctx context.Context, st store.Stores, id, author, lang string, age time.Duration, favs int64) *types.Post {
	t.Helper()
	p := &types.Post{
		Key:          types.PostKey{Instance: "mastodon.example", PostID: id},
		AuthorHandle: author,
		Content:      "<p>post " + id + "</p>",
		CreatedAt:    testTime.Add(-age),
		Language:     lang,
		Favorites:    favs,
	}
	require.NoError(t, st.Posts.UpsertPost(ctx, p))
	return p
}

func TestRecencyFactor(t *testing.T) {
	assert.Equal(t, 1.0, RecencyFactor(time.Hour))
	assert.Equal(t, 1.0, RecencyFactor(24*time.Hour))
	assert.Equal(t, 0.8, RecencyFactor(25*time.Hour))
	assert.Equal(t, 0.8, RecencyFactor(7*24*time.Hour))
	assert.Equal(t, 0.5, RecencyFactor(8*24*time.Hour))
}

func TestTrendingScore_WeightsEngagementByAge(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	p := &types.Post{
		CreatedAt: testTime.Add(-2 * 24 * time.Hour),
		Favorites: 4,
		Reblogs:   2,
		Replies:   2,
	}
	// (4 + 2*2 + 1.5*2) * 0.8
	assert.InDelta(t, 8.8, TrendingScore(ctx, p), 1e-9)
}

func TestTrending_StrictStageOrdersByScore(t *testing.T) {
	e, st, ctx := newEngineForTest(t)
	seedCorpus(t, ctx, st, "old-hot", "a@mastodon.example", "en", 3*24*time.Hour, 20) // 20*0.8=16
	seedCorpus(t, ctx, st, "new-warm", "b@mastodon.example", "en", time.Hour, 10)     // 10*1.0=10
	seedCorpus(t, ctx, st, "new-hot", "c@mastodon.example", "en", time.Hour, 30)      // 30

	scored, stage, err := e.Trending(ctx, Request{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, StageStrict, stage)
	require.Len(t, scored, 3)
	assert.Equal(t, "new-hot", scored[0].Post.Key.PostID)
	assert.Equal(t, "old-hot", scored[1].Post.Key.PostID)
	assert.Equal(t, "new-warm", scored[2].Post.Key.PostID)
}

func TestTrending_LanguageFilter(t *testing.T) {
	e, st, ctx := newEngineForTest(t)
	for i := 0; i < 3; i++ {
		seedCorpus(t, ctx, st, fmt.Sprintf("es-%d", i), fmt.Sprintf("e%d@mastodon.example", i), "es", time.Hour, int64(10+i))
	}
	for i := 0; i < 7; i++ {
		seedCorpus(t, ctx, st, fmt.Sprintf("en-%d", i), fmt.Sprintf("a%d@mastodon.example", i), "en", time.Hour, int64(20+i))
	}

	scored, stage, err := e.Trending(ctx, Request{Languages: []string{"es"}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, StageStrict, stage)
	require.Len(t, scored, 3)
	for _, sp := range scored {
		assert.Equal(t, "es", sp.Post.Language)
	}
	// Trending order within the filtered set.
	assert.Equal(t, "es-2", scored[0].Post.Key.PostID)
}

func TestTrending_RelaxedStageDropsEngagementFloor(t *testing.T) {
	e, st, ctx := newEngineForTest(t)
	// Engagement 0 fails the strict floor.
	seedCorpus(t, ctx, st, "quiet", "a@mastodon.example", "en", time.Hour, 0)

	scored, stage, err := e.Trending(ctx, Request{Languages: []string{"en"}, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, StageRelaxed, stage)
	require.Len(t, scored, 1)
	assert.Equal(t, "quiet", scored[0].Post.Key.PostID)
}

func TestTrending_AnyRecentStageDropsLanguageFilter(t *testing.T) {
	e, st, ctx := newEngineForTest(t)
	seedCorpus(t, ctx, st, "german", "a@mastodon.example", "de", time.Hour, 0)

	scored, stage, err := e.Trending(ctx, Request{Languages: []string{"pt"}, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, StageAnyRecent, stage)
	require.Len(t, scored, 1)
	assert.Equal(t, "german", scored[0].Post.Key.PostID)
}

func TestTrending_SeedStageOnEmptyCorpus(t *testing.T) {
	e, _, ctx := newEngineForTest(t)

	scored, stage, err := e.Trending(ctx, Request{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, StageSeed, stage)
	require.Len(t, scored, 5)
	for _, sp := range scored {
		assert.Equal(t, types.SyntheticInstance, sp.Post.Key.Instance)
	}
	// Engagement-ordered: the welcome post carries the highest counters.
	assert.Equal(t, "seed-welcome", scored[0].Post.Key.PostID)
}

func TestTrending_SeedStageHonorsLanguageFilter(t *testing.T) {
	e, _, ctx := newEngineForTest(t)

	scored, stage, err := e.Trending(ctx, Request{Languages: []string{"es"}, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, StageSeed, stage)
	require.NotEmpty(t, scored)
	for _, sp := range scored {
		assert.Equal(t, "es", sp.Post.Language)
	}
}

func TestTrending_SeedStageUnknownLanguageServesAll(t *testing.T) {
	e, _, ctx := newEngineForTest(t)

	scored, stage, err := e.Trending(ctx, Request{Languages: []string{"xx"}, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, StageSeed, stage)
	assert.Len(t, scored, 3)
}

func TestTrending_ExcludeDropsKeys(t *testing.T) {
	e, st, ctx := newEngineForTest(t)
	p := seedCorpus(t, ctx, st, "seen", "a@mastodon.example", "en", time.Hour, 10)
	seedCorpus(t, ctx, st, "fresh", "b@mastodon.example", "en", time.Hour, 5)

	scored, _, err := e.Trending(ctx, Request{Limit: 10, Exclude: map[types.PostKey]bool{p.Key: true}})
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.Equal(t, "fresh", scored[0].Post.Key.PostID)
}

func TestTrending_ZeroLimit(t *testing.T) {
	e, _, ctx := newEngineForTest(t)
	scored, _, err := e.Trending(ctx, Request{Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, scored)
}

func TestApplyCaps(t *testing.T) {
	mk := func(id, author, instance string) ScoredPost {
		return ScoredPost{Post: &types.Post{
			Key:          types.PostKey{Instance: instance, PostID: id},
			AuthorHandle: author,
		}}
	}
	in := []ScoredPost{
		mk("1", "a@x.example", "x.example"),
		mk("2", "a@x.example", "x.example"),
		mk("3", "a@x.example", "x.example"),
		mk("4", "b@x.example", "x.example"),
		mk("5", "c@y.example", "y.example"),
	}

	capped := ApplyCaps(in, 2, 3)
	ids := make([]string, 0, len(capped))
	for _, sp := range capped {
		ids = append(ids, sp.Post.Key.PostID)
	}
	// Author a capped at 2; instance x capped at 3.
	assert.Equal(t, []string{"1", "2", "4", "5"}, ids)

	assert.Len(t, ApplyCaps(in, 0, 0), 5)
}

func TestRecords_SharesGeneratedAt(t *testing.T) {
	e, _, ctx := newEngineForTest(t)
	scored, _, err := e.Trending(ctx, Request{Limit: 4})
	require.NoError(t, err)

	gen := now.Now(ctx)
	recs := Records("", scored, gen)
	require.Len(t, recs, 4)
	for _, r := range recs {
		assert.True(t, r.GeneratedAt.Equal(gen))
		assert.Equal(t, types.ReasonTrending, r.ReasonCategory)
	}
}
