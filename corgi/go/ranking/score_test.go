package ranking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
)

func TestAuthorAffinity(t *testing.T) {
	assert.Equal(t, 0.0, authorAffinity(types.AffinityCounts{}, 5))
	assert.InDelta(t, 0.375, authorAffinity(types.AffinityCounts{PositiveCount: 3, TotalCount: 3}, 5), 1e-9)
	assert.InDelta(t, 10.0/15.0, authorAffinity(types.AffinityCounts{PositiveCount: 10, TotalCount: 10}, 5), 1e-9)
	// Smoothing keeps a single favorite well below saturation.
	assert.InDelta(t, 1.0/6.0, authorAffinity(types.AffinityCounts{PositiveCount: 1, TotalCount: 1}, 5), 1e-9)
}

func TestRecencyScore(t *testing.T) {
	halfLife := 24 * time.Hour
	assert.Equal(t, 1.0, recencyScore(0, halfLife))
	assert.Equal(t, 1.0, recencyScore(-time.Hour, halfLife))
	assert.InDelta(t, 0.5, recencyScore(24*time.Hour, halfLife), 1e-9)
	assert.InDelta(t, 0.25, recencyScore(48*time.Hour, halfLife), 1e-9)
}

func postWithEngagement(id string, favs int64) *types.Post {
	return &types.Post{
		Key:       types.PostKey{Instance: "mastodon.example", PostID: id},
		Favorites: favs,
	}
}

func TestEngagementNormalizer_MinMax(t *testing.T) {
	pool := []*types.Post{
		postWithEngagement("low", 0),
		postWithEngagement("mid", 10),
		postWithEngagement("high", 100),
	}
	norm := engagementNormalizer(NormMinMax, pool)
	assert.Equal(t, 0.0, norm(pool[0]))
	assert.Equal(t, 1.0, norm(pool[2]))
	mid := norm(pool[1])
	assert.Greater(t, mid, 0.0)
	assert.Less(t, mid, 1.0)
}

func TestEngagementNormalizer_MinMaxDegeneratePool(t *testing.T) {
	pool := []*types.Post{
		postWithEngagement("a", 5),
		postWithEngagement("b", 5),
	}
	norm := engagementNormalizer(NormMinMax, pool)
	assert.Equal(t, 0.0, norm(pool[0]))
	assert.Equal(t, 0.0, norm(pool[1]))
}

func TestEngagementNormalizer_LogClip(t *testing.T) {
	pool := []*types.Post{postWithEngagement("a", 0)}
	norm := engagementNormalizer(NormLogClip, pool)
	assert.Equal(t, 0.0, norm(postWithEngagement("zero", 0)))
	assert.Equal(t, 1.0, norm(postWithEngagement("saturated", 5000)))
	v := norm(postWithEngagement("mid", 30))
	assert.Greater(t, v, 0.0)
	assert.Less(t, v, 1.0)
}

func TestEngagementNormalizer_Rank(t *testing.T) {
	pool := []*types.Post{
		postWithEngagement("a", 1),
		postWithEngagement("b", 10),
		postWithEngagement("c", 100),
	}
	norm := engagementNormalizer(NormRank, pool)
	assert.Equal(t, 0.0, norm(pool[0]))
	assert.Equal(t, 0.5, norm(pool[1]))
	assert.Equal(t, 1.0, norm(pool[2]))
}

func TestContentAffinity(t *testing.T) {
	prof := &profile{
		langShare: map[string]float64{"en": 1.0},
		tagWeight: map[string]float64{"golang": 1.0, "rust": 0.5},
	}

	score, detail := contentAffinity(&types.Post{Language: "en", Tags: []string{"golang"}}, prof)
	assert.InDelta(t, 1.0, score, 1e-9)
	assert.Equal(t, "#golang", detail)

	score, detail = contentAffinity(&types.Post{Language: "en"}, prof)
	assert.InDelta(t, 0.5, score, 1e-9)
	assert.Equal(t, "en", detail)

	// The strongest tag wins the detail slot.
	_, detail = contentAffinity(&types.Post{Language: "de", Tags: []string{"rust", "golang"}}, prof)
	assert.Equal(t, "#golang", detail)

	score, detail = contentAffinity(&types.Post{Language: "de", Tags: []string{"knitting"}}, prof)
	assert.Equal(t, 0.0, score)
	assert.Equal(t, "", detail)
}

func TestAttribute_LargestContributorWins(t *testing.T) {
	reason, detail := attribute([]contribution{
		{types.ReasonAuthorAffinity, 0.10, "alice@x.example"},
		{types.ReasonContentAffinity, 0.20, "#golang"},
		{types.ReasonEngagement, 0.15, ""},
		{types.ReasonRecency, 0.05, ""},
	})
	assert.Equal(t, types.ReasonContentAffinity, reason)
	assert.Equal(t, "#golang", detail)
}

func TestAttribute_TiesPreferPersonalSignals(t *testing.T) {
	reason, _ := attribute([]contribution{
		{types.ReasonAuthorAffinity, 0.20, "alice@x.example"},
		{types.ReasonContentAffinity, 0.20, "#golang"},
		{types.ReasonEngagement, 0.20, ""},
		{types.ReasonRecency, 0.20, ""},
	})
	assert.Equal(t, types.ReasonAuthorAffinity, reason)
}

func TestInterleave_RatiosAndDeterminism(t *testing.T) {
	mk := func(prefix string, n int) []scoredCandidate {
		out := make([]scoredCandidate, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, scoredCandidate{
				post: &types.Post{Key: types.PostKey{Instance: prefix + ".example", PostID: string(rune('a' + i))}},
			})
		}
		return out
	}
	top := mk("top", 10)
	outside := mk("out", 5)
	serendip := mk("ser", 3)
	ratios := [3]float64{0.7, 0.2, 0.1}

	page := interleave(top, outside, serendip, ratios, 10)
	assert.Len(t, page, 10)
	counts := map[string]int{}
	for _, c := range page {
		counts[c.post.Key.Instance]++
	}
	assert.Equal(t, 7, counts["top.example"])
	assert.Equal(t, 2, counts["out.example"])
	assert.Equal(t, 1, counts["ser.example"])

	again := interleave(top, outside, serendip, ratios, 10)
	assert.Equal(t, page, again)
}

func TestInterleave_DrainedBucketFallsBack(t *testing.T) {
	mk := func(prefix string, n int) []scoredCandidate {
		out := make([]scoredCandidate, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, scoredCandidate{
				post: &types.Post{Key: types.PostKey{Instance: prefix + ".example", PostID: string(rune('a' + i))}},
			})
		}
		return out
	}
	page := interleave(mk("top", 10), nil, nil, [3]float64{0.7, 0.2, 0.1}, 10)
	assert.Len(t, page, 10)
	for _, c := range page {
		assert.Equal(t, "top.example", c.post.Key.Instance)
	}
}

func TestInterleave_DuplicateKeysTakenOnce(t *testing.T) {
	shared := scoredCandidate{post: &types.Post{Key: types.PostKey{Instance: "x.example", PostID: "dup"}}}
	top := []scoredCandidate{shared}
	outside := []scoredCandidate{shared}
	page := interleave(top, outside, nil, [3]float64{0.5, 0.5, 0}, 10)
	assert.Len(t, page, 1)
}
