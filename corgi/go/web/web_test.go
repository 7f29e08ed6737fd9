package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cache"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/coldstart"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/config"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/identity"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/interactions"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/ranking"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/ratelimit"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store/boltstore"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/now"
)

var testTime = time.Date(2026, time.March, 9, 12, 0, 0, 0, time.UTC)

const (
	testInstance  = "mastodon.example"
	testFreshness = 14 * 24 * time.Hour
)

func testRates() config.RateConfig {
	return config.RateConfig{
		AuthTimeline: 1000,
		AnonTimeline: 1000,
		AuthInteract: 1000,
		AnonInteract: 1000,
		Window:       time.Minute,
	}
}

type fixture struct {
	router *chi.Mux
	st     store.Stores
	ctx    context.Context
}

func newFixture(t *testing.T, rates config.RateConfig) *fixture {
	t.Helper()
	bs, err := boltstore.New(filepath.Join(t.TempDir(), "corgi.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, bs.Close())
	})
	st := bs.Stores()
	rcfg := config.RankingConfig{
		CandidateCap:     2000,
		InClauseLimit:    5000,
		Staleness:        10 * time.Minute,
		Weights:          config.Weights{Author: 0.35, Engagement: 0.25, Recency: 0.25, Content: 0.15},
		RecencyHalfLife:  24 * time.Hour,
		AffinityAlpha:    5,
		DiversityRatios:  [3]float64{0.7, 0.2, 0.1},
		MaxAuthorShare:   3,
		MaxInstanceShare: 5,
	}
	cold, err := coldstart.New(st.Posts, nil, testFreshness, rcfg.MaxAuthorShare, rcfg.MaxInstanceShare)
	require.NoError(t, err)
	engine := ranking.New(st, nil, cold, rcfg, testFreshness)
	responses, err := cache.New(config.CacheTTLs{
		Timeline: 2 * time.Minute,
		Profile:  10 * time.Minute,
		Instance: time.Hour,
		Status:   30 * time.Minute,
		Default:  time.Minute,
	}, 128, nil)
	require.NoError(t, err)
	pipeline := interactions.New(st, responses, cache.NewCounterCache(time.Minute), engine, 4, 5000)
	api := NewApi(engine, pipeline, ratelimit.New(rates), responses, st, nil)
	router := chi.NewRouter()
	api.RegisterHandlers(router)
	return &fixture{router: router, st: st, ctx: now.TimeTravelingContext(testTime)}
}

func anonIdentity() identity.Identity {
	return identity.Identity{Alias: identity.Anonymous, Tier: identity.TierAnonymous}
}

func authIdentity(alias string) identity.Identity {
	return identity.Identity{
		Alias:    identity.Alias(alias),
		Tier:     identity.TierAuthenticated,
		Instance: testInstance,
	}
}

// do serves one request through the router with the identity already
// resolved, as the proxy middleware would leave it.
func (f *fixture) do(method, target, body string, id identity.Identity) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req = req.WithContext(identity.WithIdentity(f.ctx, id))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// doAuthFailed is do with the failed-credentials marker set.
func (f *fixture) doAuthFailed(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	ctx := identity.WithAuthFailure(identity.WithIdentity(f.ctx, anonIdentity()))
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) upsertPost(t *testing.T, id, author, lang string, age time.Duration, favs int64) *types.Post {
	t.Helper()
	p := &types.Post{
		Key:          types.PostKey{Instance: testInstance, PostID: id},
		AuthorID:     "acct-" + author,
		AuthorHandle: author + "@" + testInstance,
		Content:      "<p>" + id + "</p>",
		CreatedAt:    testTime.Add(-age),
		Language:     lang,
		Favorites:    favs,
	}
	require.NoError(t, f.st.Posts.UpsertPost(f.ctx, p))
	return p
}

func (f *fixture) favorite(t *testing.T, alias, postID string) {
	t.Helper()
	require.NoError(t, f.st.Interactions.Append(f.ctx, &types.Interaction{
		Alias:     alias,
		Post:      types.PostKey{Instance: testInstance, PostID: postID},
		Action:    types.ActionFavorite,
		CreatedAt: testTime.Add(-time.Hour),
	}))
}

// errEnvelope mirrors the JSON error body.
type errEnvelope struct {
	Error      string   `json:"error"`
	Code       string   `json:"code"`
	Details    []string `json:"details"`
	RetryAfter int      `json:"retry_after"`
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) errEnvelope {
	t.Helper()
	var e errEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func decodeStatuses(t *testing.T, rec *httptest.ResponseRecorder) []types.Status {
	t.Helper()
	var out []types.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRecommendedTimeline_ExplicitZeroLimit_ReturnsEmptyPage(t *testing.T) {
	f := newFixture(t, testRates())
	f.upsertPost(t, "p1", "amy", "en", time.Hour, 10)

	rec := f.do(http.MethodGet, "/api/v1/timelines/recommended?limit=0", "", anonIdentity())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeStatuses(t, rec))
}

func TestRecommendedTimeline_LimitAboveCeiling_Refused(t *testing.T) {
	f := newFixture(t, testRates())

	rec := f.do(http.MethodGet, "/api/v1/timelines/recommended?limit=101", "", anonIdentity())

	require.Equal(t, http.StatusBadRequest, rec.Code)
	e := decodeErr(t, rec)
	assert.Equal(t, "validation_error", e.Code)
	assert.Contains(t, e.Details, "limit")
}

func TestRecommendedTimeline_BadMinScore_Refused(t *testing.T) {
	f := newFixture(t, testRates())

	rec := f.do(http.MethodGet, "/api/v1/timelines/recommended?min_score=1.5", "", anonIdentity())

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeErr(t, rec).Code)
}

func TestRecommendedTimeline_AnonymousServesColdStart(t *testing.T) {
	f := newFixture(t, testRates())
	f.upsertPost(t, "p1", "amy", "en", time.Hour, 50)
	f.upsertPost(t, "p2", "bob", "en", time.Hour, 20)

	rec := f.do(http.MethodGet, "/api/v1/timelines/recommended?limit=10", "", anonIdentity())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cold_start", rec.Header().Get(types.HeaderSource))
	statuses := decodeStatuses(t, rec)
	require.Len(t, statuses, 2)
	assert.Equal(t, "p1", statuses[0].ID)
	for _, s := range statuses {
		assert.True(t, s.IsRecommendation)
	}
}

func TestRecommendedTimeline_LanguageFilterKeepsOnlyMatches(t *testing.T) {
	f := newFixture(t, testRates())
	for i := 0; i < 7; i++ {
		f.upsertPost(t, fmt.Sprintf("en%d", i), fmt.Sprintf("en-author-%d", i), "en", time.Hour, 40)
	}
	f.upsertPost(t, "es1", "ana", "es", time.Hour, 30)
	f.upsertPost(t, "es2", "luis", "es", time.Hour, 20)
	f.upsertPost(t, "es3", "sol", "es", time.Hour, 10)

	rec := f.do(http.MethodGet, "/api/v1/timelines/recommended?languages=es&limit=20", "", anonIdentity())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cold_start", rec.Header().Get(types.HeaderSource))
	statuses := decodeStatuses(t, rec)
	require.Len(t, statuses, 3)
	// Trending order: highest engagement first.
	assert.Equal(t, "es1", statuses[0].ID)
	assert.Equal(t, "es2", statuses[1].ID)
	assert.Equal(t, "es3", statuses[2].ID)
	for _, s := range statuses {
		assert.Equal(t, "es", s.Language)
	}
}

func TestRecommendedTimeline_AnonymousRateLimited(t *testing.T) {
	rates := testRates()
	rates.AnonTimeline = 2
	f := newFixture(t, rates)
	f.upsertPost(t, "p1", "amy", "en", time.Hour, 10)

	for i := 0; i < 2; i++ {
		rec := f.do(http.MethodGet, "/api/v1/timelines/recommended?limit=5", "", anonIdentity())
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := f.do(http.MethodGet, "/api/v1/timelines/recommended?limit=5", "", anonIdentity())

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	e := decodeErr(t, rec)
	assert.Equal(t, "rate_limited", e.Code)
	assert.Greater(t, e.RetryAfter, 0)
}

func TestRecommendedTimeline_PaginatesWithLinkHeader(t *testing.T) {
	f := newFixture(t, testRates())
	for i, favs := range []int64{50, 40, 30, 20, 10} {
		f.upsertPost(t, fmt.Sprintf("p%d", i+1), fmt.Sprintf("author-%d", i), "en", time.Hour, favs)
	}

	first := f.do(http.MethodGet, "/api/v1/timelines/recommended?limit=2", "", anonIdentity())
	require.Equal(t, http.StatusOK, first.Code)
	page := decodeStatuses(t, first)
	require.Len(t, page, 2)
	assert.Equal(t, "p1", page[0].ID)
	assert.Equal(t, "p2", page[1].ID)
	link := first.Header().Get("Link")
	assert.Contains(t, link, `rel="next"`)
	assert.Contains(t, link, "max_id=p2")
	assert.Contains(t, link, `rel="prev"`)

	second := f.do(http.MethodGet, "/api/v1/timelines/recommended?limit=2&max_id=p2", "", anonIdentity())
	require.Equal(t, http.StatusOK, second.Code)
	page = decodeStatuses(t, second)
	require.Len(t, page, 2)
	assert.Equal(t, "p3", page[0].ID)
	assert.Equal(t, "p4", page[1].ID)
	assert.Contains(t, second.Header().Get("Link"), "max_id=p4")

	last := f.do(http.MethodGet, "/api/v1/timelines/recommended?limit=2&max_id=p4", "", anonIdentity())
	require.Equal(t, http.StatusOK, last.Code)
	page = decodeStatuses(t, last)
	require.Len(t, page, 1)
	assert.Equal(t, "p5", page[0].ID)
	// The last page has nothing below it.
	assert.NotContains(t, last.Header().Get("Link"), `rel="next"`)
}

func TestRecommendedTimeline_CacheIsScopedToAlias(t *testing.T) {
	f := newFixture(t, testRates())
	f.upsertPost(t, "p1", "amy", "en", time.Hour, 10)
	f.upsertPost(t, "p2", "bob", "en", 2*time.Hour, 5)

	aliasA := authIdentity("aaaa1111")
	aliasB := authIdentity("bbbb2222")
	const target = "/api/v1/timelines/recommended?limit=5"

	first := f.do(http.MethodGet, target, "", aliasA)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "recommended", first.Header().Get(types.HeaderSource))

	// Same alias, same query: served from cache.
	hit := f.do(http.MethodGet, target, "", aliasA)
	require.Equal(t, http.StatusOK, hit.Code)
	assert.Equal(t, "cache", hit.Header().Get(types.HeaderSource))

	// Another alias must not see A's entry.
	other := f.do(http.MethodGet, target, "", aliasB)
	require.Equal(t, http.StatusOK, other.Code)
	assert.Equal(t, "recommended", other.Header().Get(types.HeaderSource))
}

func TestRecommendedTimeline_SkipCacheBypassesReadAndWrite(t *testing.T) {
	f := newFixture(t, testRates())
	f.upsertPost(t, "p1", "amy", "en", time.Hour, 10)
	alias := authIdentity("aaaa1111")
	const target = "/api/v1/timelines/recommended?limit=5&skip_cache=1"

	for i := 0; i < 2; i++ {
		rec := f.do(http.MethodGet, target, "", alias)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "recommended", rec.Header().Get(types.HeaderSource))
	}
}

func TestRecommendations_ReturnsRecordsWithoutBodies(t *testing.T) {
	f := newFixture(t, testRates())
	f.upsertPost(t, "p1", "amy", "en", time.Hour, 50)

	rec := f.do(http.MethodGet, "/api/v1/recommendations?limit=10", "", anonIdentity())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cold_start", rec.Header().Get(types.HeaderSource))
	var recs []types.RankingRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "p1", recs[0].Post.PostID)
	assert.Greater(t, recs[0].Score, 0.0)
}

func TestRecordInteraction_FavoriteIsIdempotentOnCounts(t *testing.T) {
	f := newFixture(t, testRates())
	f.upsertPost(t, "p1", "amy", "en", time.Hour, 3)
	alias := authIdentity("aaaa1111")
	body := `{"post_key":"mastodon.example/p1","action":"favorite"}`

	first := f.do(http.MethodPost, "/api/v1/interactions", body, alias)
	require.Equal(t, http.StatusOK, first.Code)
	var s1 types.Status
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &s1))
	assert.True(t, s1.Favourited)
	assert.Equal(t, int64(4), s1.FavouritesCount)

	second := f.do(http.MethodPost, "/api/v1/interactions", body, alias)
	require.Equal(t, http.StatusOK, second.Code)
	var s2 types.Status
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &s2))
	assert.True(t, s2.Favourited)
	assert.Equal(t, s1.FavouritesCount, s2.FavouritesCount)
}

func TestRecordInteraction_AnonymousRecordsUnderSharedAlias(t *testing.T) {
	f := newFixture(t, testRates())
	f.upsertPost(t, "p1", "amy", "en", time.Hour, 0)

	rec := f.do(http.MethodPost, "/api/v1/interactions", `{"post_key":"mastodon.example/p1","action":"view"}`, anonIdentity())

	require.Equal(t, http.StatusOK, rec.Code)
	ins, err := f.st.Interactions.ForAlias(f.ctx, string(identity.Anonymous), 0)
	require.NoError(t, err)
	require.Len(t, ins, 1)
	assert.Equal(t, types.ActionView, ins[0].Action)
}

func TestRecordInteraction_FailedCredentialsRefused(t *testing.T) {
	f := newFixture(t, testRates())

	rec := f.doAuthFailed(http.MethodPost, "/api/v1/interactions", `{"post_key":"mastodon.example/p1","action":"favorite"}`)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "auth_required", decodeErr(t, rec).Code)
}

func TestRecordInteraction_MalformedBodyRefused(t *testing.T) {
	f := newFixture(t, testRates())

	rec := f.do(http.MethodPost, "/api/v1/interactions", `{"post_key":`, authIdentity("aaaa1111"))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeErr(t, rec).Code)
}

func TestBatchCounts_TalliesPerPost(t *testing.T) {
	f := newFixture(t, testRates())
	f.favorite(t, "aaaa1111", "p1")
	f.favorite(t, "bbbb2222", "p1")
	f.favorite(t, "aaaa1111", "p2")

	rec := f.do(http.MethodGet, "/api/v1/interactions/counts/batch?ids=mastodon.example/p1,mastodon.example/p2,mastodon.example/p3,bogus", "", anonIdentity())

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 3)
	assert.Equal(t, int64(2), out["mastodon.example/p1"]["favorite"])
	assert.Equal(t, int64(1), out["mastodon.example/p2"]["favorite"])
	// A post nobody touched still resolves, with zero counts.
	assert.Empty(t, out["mastodon.example/p3"])
	// The malformed id counts against the success rate.
	assert.Equal(t, "0.75", rec.Header().Get(types.HeaderSuccessRate))
}

func TestBatchCounts_NoIDs_Refused(t *testing.T) {
	f := newFixture(t, testRates())

	rec := f.do(http.MethodGet, "/api/v1/interactions/counts/batch", "", anonIdentity())

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeErr(t, rec).Code)
}

func TestBatchCounts_TooManyIDs_Refused(t *testing.T) {
	f := newFixture(t, testRates())
	ids := make([]string, 101)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s/p%d", testInstance, i)
	}

	rec := f.do(http.MethodGet, "/api/v1/interactions/counts/batch?ids="+strings.Join(ids, ","), "", anonIdentity())

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeErr(t, rec).Code)
}

func TestPrivacyData_RequiresIdentity(t *testing.T) {
	f := newFixture(t, testRates())

	get := f.do(http.MethodGet, "/api/v1/privacy/data", "", anonIdentity())
	require.Equal(t, http.StatusUnauthorized, get.Code)
	assert.Equal(t, "auth_required", decodeErr(t, get).Code)

	del := f.do(http.MethodDelete, "/api/v1/privacy/data", "", anonIdentity())
	require.Equal(t, http.StatusUnauthorized, del.Code)
	assert.Equal(t, "auth_required", decodeErr(t, del).Code)
}

func TestPrivacyData_ReportsStoredRecordCounts(t *testing.T) {
	f := newFixture(t, testRates())
	const alias = "aaaa1111"
	f.upsertPost(t, "p1", "amy", "en", time.Hour, 0)
	f.favorite(t, alias, "p1")
	f.favorite(t, alias, "p2")
	require.NoError(t, f.st.Rankings.Save(f.ctx, alias, []types.RankingRecord{{
		Alias:       alias,
		Post:        types.PostKey{Instance: testInstance, PostID: "p1"},
		Score:       0.5,
		GeneratedAt: testTime,
	}}))

	rec := f.do(http.MethodGet, "/api/v1/privacy/data", "", authIdentity(alias))

	require.Equal(t, http.StatusOK, rec.Code)
	var sum privacySummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, alias, sum.Alias)
	assert.Equal(t, 2, sum.Interactions)
	assert.Equal(t, 1, sum.Rankings)
}

func TestPrivacyErase_LeavesNothingBehind(t *testing.T) {
	f := newFixture(t, testRates())
	const alias = "aaaa1111"
	f.upsertPost(t, "p1", "amy", "en", time.Hour, 0)
	f.favorite(t, alias, "p1")
	f.favorite(t, alias, "p2")
	require.NoError(t, f.st.Rankings.Save(f.ctx, alias, []types.RankingRecord{{
		Alias:       alias,
		Post:        types.PostKey{Instance: testInstance, PostID: "p1"},
		Score:       0.5,
		GeneratedAt: testTime,
	}}))
	require.NoError(t, f.st.Tokens.Upsert(f.ctx, types.TokenMapping{
		Alias:     alias,
		Instance:  testInstance,
		Token:     "tokenhash123",
		ExpiresAt: testTime.Add(24 * time.Hour),
	}))

	rec := f.do(http.MethodDelete, "/api/v1/privacy/data", "", authIdentity(alias))

	require.Equal(t, http.StatusOK, rec.Code)
	var receipt eraseReceipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.Equal(t, "erased", receipt.Status)
	assert.Equal(t, 2, receipt.Interactions)
	assert.Equal(t, 1, receipt.Rankings)
	assert.Equal(t, 1, receipt.Tokens)

	ins, err := f.st.Interactions.ForAlias(f.ctx, alias, 0)
	require.NoError(t, err)
	assert.Empty(t, ins)
	_, err = f.st.Rankings.Latest(f.ctx, alias)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.st.Tokens.Lookup(f.ctx, "tokenhash123")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHealth_AlwaysOK(t *testing.T) {
	f := newFixture(t, testRates())

	rec := f.do(http.MethodGet, "/health", "", anonIdentity())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReady_ProbesStore(t *testing.T) {
	f := newFixture(t, testRates())

	rec := f.do(http.MethodGet, "/ready", "", anonIdentity())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}
