package boltstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
)

func newStoreForTest(t *testing.T) *Store {
	s, err := New(filepath.Join(t.TempDir(), "corgi-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func testPost(id string, author string, createdAt time.Time) *types.Post {
	return &types.Post{
		Key:          types.PostKey{Instance: "mastodon.social", PostID: id},
		AuthorHandle: author,
		AuthorID:     "acct-" + author,
		Content:      "<p>post " + id + "</p>",
		CreatedAt:    createdAt,
		Language:     "en",
		Tags:         []string{"golang"},
		Favorites:    3,
		Reblogs:      1,
		Replies:      0,
		Source:       types.SourceTimeline,
	}
}

func TestUpsertPost_RoundTrip(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()
	created := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	p := testPost("100", "alice@mastodon.social", created)
	require.NoError(t, s.UpsertPost(ctx, p))

	got, err := s.GetPost(ctx, p.Key)
	require.NoError(t, err)
	assert.Equal(t, p.Key, got.Key)
	assert.Equal(t, "alice@mastodon.social", got.AuthorHandle)
	assert.Equal(t, created, got.CreatedAt)
	assert.False(t, got.DiscoveredAt.IsZero())
}

func TestUpsertPost_RecrawlPreservesDiscovery(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()
	created := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	discovered := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)

	p := testPost("100", "alice@mastodon.social", created)
	p.DiscoveredAt = discovered
	p.Source = types.SourceHashtag
	p.DiscoveryReason = "#golang"
	require.NoError(t, s.UpsertPost(ctx, p))

	// Re-crawl with fresher counters and a different claimed source.
	p2 := testPost("100", "alice@mastodon.social", created)
	p2.Favorites = 50
	p2.Source = types.SourceTimeline
	p2.DiscoveredAt = time.Now().UTC()
	require.NoError(t, s.UpsertPost(ctx, p2))

	got, err := s.GetPost(ctx, p.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Favorites)
	assert.Equal(t, discovered, got.DiscoveredAt)
	assert.Equal(t, types.SourceHashtag, got.Source)
	assert.Equal(t, "#golang", got.DiscoveryReason)
}

func TestGetPost_Missing_ErrNotFound(t *testing.T) {
	s := newStoreForTest(t)
	_, err := s.GetPost(context.Background(), types.PostKey{Instance: "x", PostID: "1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestGetPosts_MissingKeysAbsent(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()
	p := testPost("100", "alice@mastodon.social", time.Now().UTC())
	require.NoError(t, s.UpsertPost(ctx, p))

	got, err := s.GetPosts(ctx, []types.PostKey{p.Key, {Instance: "x", PostID: "none"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got, p.Key)
}

func TestRecentPosts_NewestFirstSinceAndLimit(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		p := testPost(string(rune('a'+i)), "alice@mastodon.social", base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, s.UpsertPost(ctx, p))
	}

	got, err := s.RecentPosts(ctx, base.Add(time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e", got[0].Key.PostID)
	assert.Equal(t, "d", got[1].Key.PostID)

	all, err := s.RecentPosts(ctx, base.Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestPostsByAuthors(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertPost(ctx, testPost("1", "alice@mastodon.social", base)))
	require.NoError(t, s.UpsertPost(ctx, testPost("2", "bob@mastodon.social", base.Add(time.Hour))))
	require.NoError(t, s.UpsertPost(ctx, testPost("3", "alice@mastodon.social", base.Add(2*time.Hour))))
	require.NoError(t, s.UpsertPost(ctx, testPost("4", "carol@mastodon.social", base.Add(3*time.Hour))))

	got, err := s.PostsByAuthors(ctx, []string{"alice@mastodon.social", "bob@mastodon.social"}, base, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "3", got[0].Key.PostID)
	assert.Equal(t, "2", got[1].Key.PostID)
	assert.Equal(t, "1", got[2].Key.PostID)
}

func TestUpdateCounters(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()
	p := testPost("100", "alice@mastodon.social", time.Now().UTC())
	require.NoError(t, s.UpsertPost(ctx, p))

	require.NoError(t, s.UpdateCounters(ctx, p.Key, 10, 20, 30))
	got, err := s.GetPost(ctx, p.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Favorites)
	assert.Equal(t, int64(20), got.Reblogs)
	assert.Equal(t, int64(30), got.Replies)

	err = s.UpdateCounters(ctx, types.PostKey{Instance: "x", PostID: "none"}, 1, 1, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestSweepOlderThan(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertPost(ctx, testPost("old1", "alice@mastodon.social", base)))
	require.NoError(t, s.UpsertPost(ctx, testPost("old2", "bob@mastodon.social", base.Add(time.Hour))))
	require.NoError(t, s.UpsertPost(ctx, testPost("new", "alice@mastodon.social", base.Add(30*24*time.Hour))))

	removed, err := s.SweepOlderThan(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	n, err := s.CountPosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Swept posts also leave the author index.
	got, err := s.PostsByAuthors(ctx, []string{"bob@mastodon.social"}, base.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func appendInteraction(t *testing.T, s *Store, alias, postID string, action types.Action) *types.Interaction {
	in := &types.Interaction{
		Alias:  alias,
		Post:   types.PostKey{Instance: "mastodon.social", PostID: postID},
		Action: action,
	}
	require.NoError(t, s.Append(context.Background(), in))
	return in
}

func TestAppend_AssignsIncreasingIDsAndTimestamps(t *testing.T) {
	s := newStoreForTest(t)
	first := appendInteraction(t, s, "alias-a", "1", types.ActionFavorite)
	second := appendInteraction(t, s, "alias-a", "1", types.ActionUnfavorite)
	assert.Greater(t, second.ID, first.ID)
	assert.False(t, first.CreatedAt.IsZero())
}

func TestCountsForPosts(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()
	appendInteraction(t, s, "alias-a", "1", types.ActionFavorite)
	appendInteraction(t, s, "alias-b", "1", types.ActionFavorite)
	appendInteraction(t, s, "alias-b", "1", types.ActionReblog)
	appendInteraction(t, s, "alias-b", "2", types.ActionReply)

	key1 := types.PostKey{Instance: "mastodon.social", PostID: "1"}
	key2 := types.PostKey{Instance: "mastodon.social", PostID: "2"}
	keyNone := types.PostKey{Instance: "mastodon.social", PostID: "none"}

	got, err := s.CountsForPosts(ctx, []types.PostKey{key1, key2, keyNone})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got[key1][types.ActionFavorite])
	assert.Equal(t, int64(1), got[key1][types.ActionReblog])
	assert.Equal(t, int64(1), got[key2][types.ActionReply])
	assert.NotContains(t, got, keyNone)
}

func TestAffinityByAuthor(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.UpsertPost(ctx, testPost("1", "alice@mastodon.social", now)))
	require.NoError(t, s.UpsertPost(ctx, testPost("2", "alice@mastodon.social", now)))
	require.NoError(t, s.UpsertPost(ctx, testPost("3", "bob@mastodon.social", now)))

	appendInteraction(t, s, "alias-a", "1", types.ActionFavorite)
	appendInteraction(t, s, "alias-a", "2", types.ActionLessLikeThis)
	appendInteraction(t, s, "alias-a", "3", types.ActionView)
	// Post never crawled: no author, so it cannot count.
	appendInteraction(t, s, "alias-a", "uncrawled", types.ActionFavorite)

	got, err := s.AffinityByAuthor(ctx, "alias-a", false)
	require.NoError(t, err)
	assert.Equal(t, types.AffinityCounts{PositiveCount: 1, TotalCount: 2}, got["alice@mastodon.social"])
	assert.NotContains(t, got, "bob@mastodon.social")

	withViews, err := s.AffinityByAuthor(ctx, "alias-a", true)
	require.NoError(t, err)
	assert.Equal(t, types.AffinityCounts{PositiveCount: 1, TotalCount: 1}, withViews["bob@mastodon.social"])
}

func TestOverlapAliases(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()
	appendInteraction(t, s, "alias-a", "1", types.ActionFavorite)
	appendInteraction(t, s, "alias-b", "1", types.ActionReblog)
	appendInteraction(t, s, "alias-c", "1", types.ActionView)
	appendInteraction(t, s, "alias-d", "2", types.ActionFavorite)

	got, err := s.OverlapAliases(ctx, "alias-a", 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alias-b", "alias-c"}, got)

	capped, err := s.OverlapAliases(ctx, "alias-a", 1)
	require.NoError(t, err)
	assert.Len(t, capped, 1)
}

func TestPostKeysForAliases_Dedups(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()
	appendInteraction(t, s, "alias-a", "1", types.ActionFavorite)
	appendInteraction(t, s, "alias-a", "1", types.ActionReblog)
	appendInteraction(t, s, "alias-b", "1", types.ActionFavorite)
	appendInteraction(t, s, "alias-b", "2", types.ActionFavorite)

	got, err := s.PostKeysForAliases(ctx, []string{"alias-a", "alias-b"}, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.PostKey{
		{Instance: "mastodon.social", PostID: "1"},
		{Instance: "mastodon.social", PostID: "2"},
	}, got)
}

func TestForAliasAndPost_OldestFirst(t *testing.T) {
	s := newStoreForTest(t)
	appendInteraction(t, s, "alias-a", "1", types.ActionFavorite)
	appendInteraction(t, s, "alias-a", "2", types.ActionFavorite)
	appendInteraction(t, s, "alias-a", "1", types.ActionUnfavorite)

	got, err := s.ForAliasAndPost(context.Background(), "alias-a", types.PostKey{Instance: "mastodon.social", PostID: "1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.ActionFavorite, got[0].Action)
	assert.Equal(t, types.ActionUnfavorite, got[1].Action)
}

func TestDeleteForAlias_RemovesLogAndIndex(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()
	appendInteraction(t, s, "alias-a", "1", types.ActionFavorite)
	appendInteraction(t, s, "alias-a", "2", types.ActionReblog)
	appendInteraction(t, s, "alias-b", "1", types.ActionFavorite)

	removed, err := s.DeleteForAlias(ctx, "alias-a")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	left, err := s.ForAlias(ctx, "alias-a", 0)
	require.NoError(t, err)
	assert.Empty(t, left)

	key1 := types.PostKey{Instance: "mastodon.social", PostID: "1"}
	counts, err := s.CountsForPosts(ctx, []types.PostKey{key1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[key1][types.ActionFavorite])
}

func TestRankings_SaveAndLatest(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()
	generated := time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC)
	recs := []types.RankingRecord{
		{Alias: "alias-a", Post: types.PostKey{Instance: "m", PostID: "1"}, Score: 0.4, ReasonCategory: types.ReasonRecency, GeneratedAt: generated},
		{Alias: "alias-a", Post: types.PostKey{Instance: "m", PostID: "2"}, Score: 0.9, ReasonCategory: types.ReasonAuthorAffinity, GeneratedAt: generated},
	}
	require.NoError(t, s.Save(ctx, "alias-a", recs))

	got, err := s.Latest(ctx, "alias-a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0.9, got[0].Score)
	assert.Equal(t, generated, got[0].GeneratedAt)
}

func TestRankings_SaveValidation(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()
	generated := time.Now().UTC()

	err := s.Save(ctx, "alias-a", nil)
	require.Error(t, err)

	dup := []types.RankingRecord{
		{Post: types.PostKey{Instance: "m", PostID: "1"}, GeneratedAt: generated},
		{Post: types.PostKey{Instance: "m", PostID: "1"}, GeneratedAt: generated},
	}
	err = s.Save(ctx, "alias-a", dup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate post key")

	mixed := []types.RankingRecord{
		{Post: types.PostKey{Instance: "m", PostID: "1"}, GeneratedAt: generated},
		{Post: types.PostKey{Instance: "m", PostID: "2"}, GeneratedAt: generated.Add(time.Second)},
	}
	err = s.Save(ctx, "alias-a", mixed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generated_at")
}

func TestRankings_DeleteAndNotFound(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	_, err := s.Latest(ctx, "alias-a")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	generated := time.Now().UTC()
	require.NoError(t, s.Save(ctx, "alias-a", []types.RankingRecord{
		{Post: types.PostKey{Instance: "m", PostID: "1"}, GeneratedAt: generated},
	}))
	require.NoError(t, s.Delete(ctx, "alias-a"))

	_, err = s.Latest(ctx, "alias-a")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestTokens_RoundTrip(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()
	m := types.TokenMapping{
		Token:     "hash-1",
		Alias:     "alias-a",
		Instance:  "mastodon.social",
		ExpiresAt: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Upsert(ctx, m))

	got, err := s.Lookup(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = s.Lookup(ctx, "hash-none")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	require.NoError(t, s.Upsert(ctx, types.TokenMapping{Token: "hash-2", Alias: "alias-a"}))
	require.NoError(t, s.Upsert(ctx, types.TokenMapping{Token: "hash-3", Alias: "alias-b"}))
	removed, err := s.RevokeForAlias(ctx, "alias-a")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	_, err = s.Lookup(ctx, "hash-3")
	require.NoError(t, err)
}

func TestHealth_DefaultAndRoundTrip(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	got, err := s.GetHealth(ctx, "mastodon.social")
	require.NoError(t, err)
	assert.Equal(t, "mastodon.social", got.Instance)
	assert.Equal(t, 0, got.ConsecutiveFailures)

	h := types.InstanceHealth{
		Instance:            "mastodon.social",
		ConsecutiveFailures: 3,
		LastSuccessAt:       time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC),
		CooldownUntil:       time.Date(2026, 8, 22, 1, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SetHealth(ctx, h))

	got, err = s.GetHealth(ctx, "mastodon.social")
	require.NoError(t, err)
	assert.Equal(t, h, got)

	all, err := s.ListHealth(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestWatermarks(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	got, err := s.GetWatermark(ctx, "mastodon.social", "timeline")
	require.NoError(t, err)
	assert.Equal(t, "", got)

	require.NoError(t, s.SetWatermark(ctx, "mastodon.social", "timeline", "109501"))
	got, err = s.GetWatermark(ctx, "mastodon.social", "timeline")
	require.NoError(t, err)
	assert.Equal(t, "109501", got)

	// Streams are independent.
	got, err = s.GetWatermark(ctx, "mastodon.social", "tag:golang")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestOptOut_RoundTrip(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	_, err := s.GetOptOut(ctx, "alice@mastodon.social")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	e := types.OptOutEntry{
		AuthorHandle: "alice@mastodon.social",
		OptedOut:     true,
		FetchedAt:    time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SetOptOut(ctx, e))
	got, err := s.GetOptOut(ctx, "alice@mastodon.social")
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestExpireOptOutsBefore(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	require.NoError(t, s.SetOptOut(ctx, types.OptOutEntry{
		AuthorHandle: "stale@mastodon.social",
		OptedOut:     true,
		FetchedAt:    time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, s.SetOptOut(ctx, types.OptOutEntry{
		AuthorHandle: "fresh@mastodon.social",
		OptedOut:     false,
		FetchedAt:    time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC),
	}))

	removed, err := s.ExpireOptOutsBefore(ctx, time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.GetOptOut(ctx, "stale@mastodon.social")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = s.GetOptOut(ctx, "fresh@mastodon.social")
	require.NoError(t, err)
}

func TestDLQ_AppendListPurge(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	require.NoError(t, s.AppendDead(ctx, store.DeadJob{Class: "crawl", Key: "a", LastError: "boom", FailedAt: time.Now().UTC()}))
	require.NoError(t, s.AppendDead(ctx, store.DeadJob{Class: "rank", Key: "b", LastError: "bang", FailedAt: time.Now().UTC()}))

	got, err := s.ListDead(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "rank", got[0].Class)
	assert.NotEmpty(t, got[0].ID)

	one, err := s.ListDead(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)

	removed, err := s.PurgeDead(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	empty, err := s.ListDead(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
