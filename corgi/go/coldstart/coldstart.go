// Package coldstart produces recommendation lists for callers with no usable
// history: anonymous aliases, brand-new accounts, and language filters the
// personalized pipeline cannot satisfy.
//
// Selection is trending-based and falls back through progressively weaker
// criteria until something can be served; the final stage is a small seed
// list compiled into the binary, so the engine never returns an empty page
// for a non-empty limit.
package coldstart

import (
	"context"
	_ "embed"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/optout"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/now"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
)

// Fallback stages, strongest first.
const (
	StageStrict    = "strict"
	StageRelaxed   = "relaxed"
	StageAnyRecent = "any_recent"
	StageSeed      = "seed"
)

// strictMinEngagement is the raw engagement floor for the strict stage.
// Posts nobody engaged with are not trending, whatever their age.
const strictMinEngagement = 2.0

// poolCap bounds how much of the corpus one trending query considers.
const poolCap = 2000

//go:embed seeds.json
var seedJSON []byte

type seedPost struct {
	ID        string   `json:"id"`
	Author    string   `json:"author"`
	Content   string   `json:"content"`
	Language  string   `json:"language"`
	Tags      []string `json:"tags"`
	Favorites int64    `json:"favorites"`
	Reblogs   int64    `json:"reblogs"`
	Replies   int64    `json:"replies"`
}

// ScoredPost pairs a corpus post with its trending score.
type ScoredPost struct {
	Post  *types.Post
	Score float64
}

// Request narrows a trending query.
type Request struct {
	Languages []string
	Limit     int
	// Exclude drops specific posts, e.g. ones the caller already holds.
	Exclude map[types.PostKey]bool
}

// Engine serves trending posts with staged fallbacks.
type Engine struct {
	posts       store.PostStore
	optOut      *optout.Registry
	freshness   time.Duration
	maxAuthor   int
	maxInstance int
	seeds       []seedPost
}

// New returns an Engine. optOut may be nil, disabling the opt-out filter.
func New(posts store.PostStore, optOut *optout.Registry, freshness time.Duration, maxAuthor, maxInstance int) (*Engine, error) {
	var seeds []seedPost
	if err := json.Unmarshal(seedJSON, &seeds); err != nil {
		return nil, skerr.Wrapf(err, "parsing embedded seed list")
	}
	return &Engine{
		posts:       posts,
		optOut:      optOut,
		freshness:   freshness,
		maxAuthor:   maxAuthor,
		maxInstance: maxInstance,
		seeds:       seeds,
	}, nil
}

// RecencyFactor weights engagement by age: full within a day, 0.8 within a
// week, half after that.
func RecencyFactor(age time.Duration) float64 {
	switch {
	case age <= 24*time.Hour:
		return 1.0
	case age <= 7*24*time.Hour:
		return 0.8
	default:
		return 0.5
	}
}

// TrendingScore is a post's raw engagement weighted by its age.
func TrendingScore(ctx context.Context, p *types.Post) float64 {
	age := now.Now(ctx).Sub(p.CreatedAt)
	if age < 0 {
		age = 0
	}
	return p.EngagementScore() * RecencyFactor(age)
}

// Trending returns up to req.Limit posts ordered by trending score, and the
// name of the fallback stage that produced them. Stages weaken in order:
// strict (language filter plus engagement floor), relaxed (language filter
// only), any recent corpus post, and finally the embedded seed list.
func (e *Engine) Trending(ctx context.Context, req Request) ([]ScoredPost, string, error) {
	if req.Limit <= 0 {
		return nil, StageStrict, nil
	}
	since := now.Now(ctx).Add(-e.freshness)
	recent, err := e.posts.RecentPosts(ctx, since, poolCap)
	if err != nil {
		return nil, "", skerr.Wrapf(err, "loading recent corpus")
	}
	eligible := e.eligible(ctx, recent, req.Exclude)

	if out := e.takeTop(ctx, filterPosts(eligible, req.Languages, strictMinEngagement), req.Limit); len(out) > 0 {
		return out, StageStrict, nil
	}
	sklog.Infof("Cold-start: strict stage empty (langs=%v), relaxing engagement floor", req.Languages)

	if out := e.takeTop(ctx, filterPosts(eligible, req.Languages, 0), req.Limit); len(out) > 0 {
		return out, StageRelaxed, nil
	}
	sklog.Infof("Cold-start: relaxed stage empty (langs=%v), dropping language filter", req.Languages)

	if out := e.takeTop(ctx, eligible, req.Limit); len(out) > 0 {
		return out, StageAnyRecent, nil
	}
	sklog.Infof("Cold-start: corpus has no recent posts, serving embedded seeds")

	// The seed list is curated and single-origin, so the share caps do not
	// apply to it.
	seeds := e.seedPosts(ctx)
	filtered := filterPosts(seeds, req.Languages, 0)
	if len(filtered) == 0 {
		filtered = seeds
	}
	out := scoreAndSort(ctx, filtered)
	if len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, StageSeed, nil
}

// scoreCeiling is the trending score that maps to 1.0 in ranking records.
// Record scores live on the same [0,1] scale as the personalized pipeline so
// min_score filters apply uniformly.
const scoreCeiling = 1000.0

// NormalizeScore maps a raw trending score onto [0,1], monotonically.
func NormalizeScore(trending float64) float64 {
	if trending <= 0 {
		return 0
	}
	v := math.Log1p(trending) / math.Log1p(scoreCeiling)
	if v > 1 {
		return 1
	}
	return v
}

// Records converts scored posts into persistable ranking records for an
// alias-free generation.
func Records(alias string, scored []ScoredPost, generatedAt time.Time) []types.RankingRecord {
	recs := make([]types.RankingRecord, 0, len(scored))
	for _, sp := range scored {
		recs = append(recs, types.RankingRecord{
			Alias:          alias,
			Post:           sp.Post.Key,
			Score:          NormalizeScore(sp.Score),
			ReasonCategory: types.ReasonTrending,
			ReasonDetail:   sp.Post.Key.Instance,
			GeneratedAt:    generatedAt,
		})
	}
	return recs
}

// eligible drops excluded posts and posts by opted-out authors.
func (e *Engine) eligible(ctx context.Context, posts []*types.Post, exclude map[types.PostKey]bool) []*types.Post {
	out := make([]*types.Post, 0, len(posts))
	for _, p := range posts {
		if exclude[p.Key] {
			continue
		}
		if e.optOut != nil && e.optOut.Known(ctx, p.AuthorHandle) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// filterPosts keeps posts matching any of langs (all posts when langs is
// empty) with raw engagement at or above minEngagement.
func filterPosts(posts []*types.Post, langs []string, minEngagement float64) []*types.Post {
	want := make(map[string]bool, len(langs))
	for _, l := range langs {
		want[l] = true
	}
	out := make([]*types.Post, 0, len(posts))
	for _, p := range posts {
		if len(want) > 0 && !want[p.Language] {
			continue
		}
		if p.EngagementScore() < minEngagement {
			continue
		}
		out = append(out, p)
	}
	return out
}

// takeTop scores, orders, caps, and truncates.
func (e *Engine) takeTop(ctx context.Context, posts []*types.Post, limit int) []ScoredPost {
	scored := ApplyCaps(scoreAndSort(ctx, posts), e.maxAuthor, e.maxInstance)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// scoreAndSort orders posts by trending score. Ties break on recency and
// then key so the output is stable.
func scoreAndSort(ctx context.Context, posts []*types.Post) []ScoredPost {
	scored := make([]ScoredPost, 0, len(posts))
	for _, p := range posts {
		scored = append(scored, ScoredPost{Post: p, Score: TrendingScore(ctx, p)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if !scored[i].Post.CreatedAt.Equal(scored[j].Post.CreatedAt) {
			return scored[i].Post.CreatedAt.After(scored[j].Post.CreatedAt)
		}
		return scored[i].Post.Key.String() < scored[j].Post.Key.String()
	})
	return scored
}

// ApplyCaps enforces per-author and per-instance ceilings over an ordered
// slice, preserving order. A cap of zero means unlimited.
func ApplyCaps(scored []ScoredPost, maxPerAuthor, maxPerInstance int) []ScoredPost {
	if maxPerAuthor <= 0 && maxPerInstance <= 0 {
		return scored
	}
	byAuthor := map[string]int{}
	byInstance := map[string]int{}
	out := make([]ScoredPost, 0, len(scored))
	for _, sp := range scored {
		if maxPerAuthor > 0 && byAuthor[sp.Post.AuthorHandle] >= maxPerAuthor {
			continue
		}
		if maxPerInstance > 0 && byInstance[sp.Post.Key.Instance] >= maxPerInstance {
			continue
		}
		byAuthor[sp.Post.AuthorHandle]++
		byInstance[sp.Post.Key.Instance]++
		out = append(out, sp)
	}
	return out
}

// seedPosts materializes the embedded list as corpus-shaped posts. Creation
// times are staggered just below the call time so recency weighting leaves
// the curated engagement order intact.
func (e *Engine) seedPosts(ctx context.Context) []*types.Post {
	base := now.Now(ctx)
	out := make([]*types.Post, 0, len(e.seeds))
	for i, s := range e.seeds {
		out = append(out, &types.Post{
			Key:          types.PostKey{Instance: types.SyntheticInstance, PostID: s.ID},
			AuthorHandle: s.Author,
			Content:      s.Content,
			CreatedAt:    base.Add(-time.Duration(i+1) * time.Minute),
			Language:     s.Language,
			Tags:         s.Tags,
			Favorites:    s.Favorites,
			Reblogs:      s.Reblogs,
			Replies:      s.Replies,
			Source:       types.SourceTimeline,
			DiscoveredAt: base,
		})
	}
	return out
}
