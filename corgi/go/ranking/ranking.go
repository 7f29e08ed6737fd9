// Package ranking generates personalized recommendation sets. The pipeline
// is: candidate selection, pre-aggregation of the alias's history, in-memory
// scoring, reason attribution, caps and diversity, then persistence.
//
// Candidate scoring never touches the store; everything it needs is bulk
// loaded up front. Per-candidate store calls were the historical bottleneck
// of this system's predecessors and are not allowed back in.
package ranking

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/coldstart"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/config"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/optout"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/metrics2"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/now"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
)

// overlapAliasLimit caps how many overlapping aliases feed candidate
// selection.
const overlapAliasLimit = 50

// refreshLimit is the page size background refreshes generate.
const refreshLimit = 40

// Sources reported on Result, in decreasing order of freshness.
const (
	SourceFresh     = "fresh"
	SourcePersisted = "persisted"
	SourceStale     = "stale"
	SourceColdStart = "cold_start"
)

// Request asks for one recommendation page.
type Request struct {
	Alias     string
	Limit     int
	MinScore  float64
	Exclude   map[types.PostKey]bool
	Languages []string
	ModelID   string
	Diversify bool
	SkipCache bool
}

// Result is one recommendation page plus the posts backing it.
type Result struct {
	Records []types.RankingRecord
	// Posts carries the corpus snapshot for each record.
	Posts map[types.PostKey]*types.Post
	// Source says where the set came from.
	Source string
	// Stage is the cold-start fallback stage when Source is SourceColdStart.
	Stage string
}

// Statuses renders the result as augmented status objects, in record order.
// Records whose posts are gone are skipped.
func (r *Result) Statuses() []*types.Status {
	out := make([]*types.Status, 0, len(r.Records))
	for _, rec := range r.Records {
		p, ok := r.Posts[rec.Post]
		if !ok {
			continue
		}
		s := p.Status()
		s.IsRecommendation = true
		s.ReasonCategory = string(rec.ReasonCategory)
		s.ReasonDetail = rec.ReasonDetail
		s.Score = rec.Score
		out = append(out, s)
	}
	return out
}

// scoredCandidate is one candidate mid-pipeline.
type scoredCandidate struct {
	post     *types.Post
	score    float64
	trending float64
	reason   types.ReasonCategory
	detail   string
}

// Engine generates, persists, and serves ranking sets.
type Engine struct {
	posts        store.PostStore
	interactions store.InteractionStore
	rankings     store.RankingStore
	optOut       *optout.Registry
	cold         *coldstart.Engine
	cfg          config.RankingConfig
	freshness    time.Duration

	models   map[string]Model
	profiles *gocache.Cache
	genLocks sync.Map // alias -> *sync.Mutex

	generations metrics2.Counter
}

// New returns an Engine. optOut may be nil, disabling the opt-out filter.
func New(st store.Stores, reg *optout.Registry, cold *coldstart.Engine, cfg config.RankingConfig, freshness time.Duration) *Engine {
	return &Engine{
		posts:        st.Posts,
		interactions: st.Interactions,
		rankings:     st.Rankings,
		optOut:       reg,
		cold:         cold,
		cfg:          cfg,
		freshness:    freshness,
		models: map[string]Model{
			DefaultModelID: {
				ID:       DefaultModelID,
				Weights:  cfg.Weights,
				HalfLife: cfg.RecencyHalfLife,
				Norm:     NormMinMax,
			},
		},
		profiles:    gocache.New(cfg.Staleness, 2*cfg.Staleness),
		generations: metrics2.GetCounter("corgi_ranking_generation"),
	}
}

// RegisterModel adds or replaces a scoring model.
func (e *Engine) RegisterModel(m Model) {
	e.models[m.ID] = m
}

// Recommend returns a recommendation page for the request. Anonymous aliases
// delegate to cold start. Persisted sets are reused while fresh; a failed
// generation falls back to the last persisted set before surfacing
// ranking_unavailable.
func (e *Engine) Recommend(ctx context.Context, req Request) (*Result, error) {
	if req.Limit <= 0 {
		return &Result{Source: SourceFresh}, nil
	}
	if req.Alias == "" {
		return e.coldResult(ctx, req)
	}

	// A language filter cannot be applied to persisted records, so those
	// requests always regenerate.
	reusable := !req.SkipCache && len(req.Languages) == 0
	if reusable {
		if res, err := e.servePersisted(ctx, req, false); err == nil && res != nil {
			return res, nil
		}
	}

	// One generation in flight per alias. Waiters re-check the persisted set
	// so a burst of identical requests does one generation.
	mu := e.lockFor(req.Alias)
	mu.Lock()
	defer mu.Unlock()
	if reusable {
		if res, err := e.servePersisted(ctx, req, false); err == nil && res != nil {
			return res, nil
		}
	}

	res, err := e.generate(ctx, req)
	if err != nil {
		if cerr.KindOf(err) == cerr.RankingUnavailable {
			if stale, serr := e.servePersisted(ctx, req, true); serr == nil && stale != nil {
				sklog.Warningf("Ranking generation for %.8s... failed, serving stale set: %s", req.Alias, err)
				return stale, nil
			}
		}
		return nil, err
	}
	return res, nil
}

// Refresh regenerates and persists the alias's ranking set with default page
// parameters. The background job runner calls it after interactions change.
// An alias without any interactions, such as one that just erased its data,
// has its persisted set dropped instead.
func (e *Engine) Refresh(ctx context.Context, alias string) error {
	if alias == "" {
		return nil
	}
	mu := e.lockFor(alias)
	mu.Lock()
	defer mu.Unlock()
	prof, err := e.profileFor(ctx, alias)
	if err != nil {
		// Classified so the job runner retries transient store failures
		// instead of dead-lettering on the first attempt.
		return cerr.Wrap(cerr.Store, err, "pre-aggregating for refresh")
	}
	if prof.interactions == 0 {
		// Nothing to personalize on. An erased alias lands here; dropping
		// the persisted set keeps no row behind for it.
		if err := e.rankings.Delete(ctx, alias); err != nil {
			return cerr.Wrap(cerr.Store, err, "dropping persisted rankings")
		}
		return nil
	}
	_, err = e.generate(ctx, Request{Alias: alias, Limit: refreshLimit, Diversify: true})
	return skerr.Wrap(err)
}

// Staleness returns the configured freshness window for persisted sets.
func (e *Engine) Staleness() time.Duration {
	return e.cfg.Staleness
}

// generate runs the full pipeline and persists the outcome.
func (e *Engine) generate(ctx context.Context, req Request) (*Result, error) {
	defer metrics2.FuncTimer().Stop()

	modelID := req.ModelID
	if modelID == "" {
		modelID = DefaultModelID
	}
	model, ok := e.models[modelID]
	if !ok {
		return nil, cerr.Newf(cerr.Validation, "unknown model %q", modelID).WithDetails("model_id")
	}

	prof, err := e.profileFor(ctx, req.Alias)
	if err != nil {
		return nil, cerr.Wrap(cerr.RankingUnavailable, err, "pre-aggregation failed")
	}
	cands, err := e.selectCandidates(ctx, req, prof)
	if err != nil {
		return nil, cerr.Wrap(cerr.RankingUnavailable, err, "candidate selection failed")
	}
	if len(cands) == 0 {
		res, err := e.coldResult(ctx, req)
		if err != nil {
			return nil, err
		}
		// Seed posts are not corpus-backed, so persisting records for them
		// would produce dangling keys.
		if len(res.Records) > 0 && res.Stage != coldstart.StageSeed {
			if err := e.rankings.Save(ctx, req.Alias, res.Records); err != nil {
				return nil, cerr.Wrap(cerr.RankingUnavailable, err, "persisting rankings")
			}
		}
		return res, nil
	}

	scored := e.scoreCandidates(ctx, cands, prof, model)
	if req.MinScore > 0 {
		kept := scored[:0]
		for _, c := range scored {
			if c.score >= req.MinScore {
				kept = append(kept, c)
			}
		}
		scored = kept
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].trending != scored[j].trending {
			return scored[i].trending > scored[j].trending
		}
		return scored[i].post.Key.String() < scored[j].post.Key.String()
	})
	capped := applyCaps(scored, e.cfg.MaxAuthorShare, e.cfg.MaxInstanceShare)

	genAt := now.Now(ctx).UTC()
	var final []scoredCandidate
	if req.Diversify && len(capped) > 0 {
		top, outside, serendip := e.diversityBuckets(capped, prof, diversitySeed(req.Alias, genAt))
		final = interleave(top, outside, serendip, e.cfg.DiversityRatios, req.Limit)
	} else {
		final = capped
		if len(final) > req.Limit {
			final = final[:req.Limit]
		}
	}

	recs := make([]types.RankingRecord, 0, len(final))
	posts := make(map[types.PostKey]*types.Post, len(final))
	for _, c := range final {
		recs = append(recs, types.RankingRecord{
			Alias:          req.Alias,
			Post:           c.post.Key,
			Score:          c.score,
			ReasonCategory: c.reason,
			ReasonDetail:   c.detail,
			GeneratedAt:    genAt,
		})
		posts[c.post.Key] = c.post
	}
	if len(recs) > 0 {
		if err := e.rankings.Save(ctx, req.Alias, recs); err != nil {
			return nil, cerr.Wrap(cerr.RankingUnavailable, err, "persisting rankings")
		}
	}
	e.generations.Inc(1)
	return &Result{Records: recs, Posts: posts, Source: SourceFresh}, nil
}

// coldResult delegates to the cold-start engine, on the shared [0,1] score
// scale.
func (e *Engine) coldResult(ctx context.Context, req Request) (*Result, error) {
	scored, stage, err := e.cold.Trending(ctx, coldstart.Request{
		Languages: req.Languages,
		Limit:     req.Limit,
		Exclude:   req.Exclude,
	})
	if err != nil {
		return nil, cerr.Wrap(cerr.RankingUnavailable, err, "cold-start selection failed")
	}
	recs := coldstart.Records(req.Alias, scored, now.Now(ctx).UTC())
	posts := make(map[types.PostKey]*types.Post, len(scored))
	for _, sp := range scored {
		posts[sp.Post.Key] = sp.Post
	}
	if req.MinScore > 0 {
		kept := recs[:0]
		for _, r := range recs {
			if r.Score >= req.MinScore {
				kept = append(kept, r)
			}
		}
		recs = kept
	}
	return &Result{Records: recs, Posts: posts, Source: SourceColdStart, Stage: stage}, nil
}

// servePersisted loads the alias's last persisted set and applies the
// request's filters. It returns nil when there is nothing usable: no set,
// a stale set (unless stale fallback is allowed), or no record surviving the
// filters.
func (e *Engine) servePersisted(ctx context.Context, req Request, allowStale bool) (*Result, error) {
	recs, err := e.rankings.Latest(ctx, req.Alias)
	if err != nil || len(recs) == 0 {
		return nil, nil
	}
	if !allowStale && now.Now(ctx).Sub(recs[0].GeneratedAt) >= e.cfg.Staleness {
		return nil, nil
	}

	kept := make([]types.RankingRecord, 0, len(recs))
	keys := make([]types.PostKey, 0, len(recs))
	for _, r := range recs {
		if req.MinScore > 0 && r.Score < req.MinScore {
			continue
		}
		if req.Exclude[r.Post] {
			continue
		}
		kept = append(kept, r)
		keys = append(keys, r.Post)
		if len(kept) >= req.Limit {
			break
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}
	posts, err := e.posts.GetPosts(ctx, keys)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	// Swept posts drop out of the page.
	final := kept[:0]
	for _, r := range kept {
		if _, ok := posts[r.Post]; ok {
			final = append(final, r)
		}
	}
	if len(final) == 0 {
		return nil, nil
	}
	source := SourcePersisted
	if allowStale {
		source = SourceStale
	}
	return &Result{Records: final, Posts: posts, Source: source}, nil
}

// selectCandidates unions the three candidate sources, newest-biased, up to
// the configured cap: the recent corpus, posts engaged by overlapping
// aliases, and posts by positively-engaged authors.
func (e *Engine) selectCandidates(ctx context.Context, req Request, prof *profile) ([]*types.Post, error) {
	capN := e.cfg.CandidateCap
	since := now.Now(ctx).Add(-e.freshness)
	wantLang := make(map[string]bool, len(req.Languages))
	for _, l := range req.Languages {
		wantLang[l] = true
	}

	out := make([]*types.Post, 0, capN)
	seen := make(map[types.PostKey]bool, capN)
	add := func(posts []*types.Post) {
		for _, p := range posts {
			if len(out) >= capN {
				return
			}
			if p == nil || seen[p.Key] || req.Exclude[p.Key] || prof.seen[p.Key] {
				continue
			}
			if len(wantLang) > 0 && !wantLang[p.Language] {
				continue
			}
			if e.optOut != nil && e.optOut.Known(ctx, p.AuthorHandle) {
				continue
			}
			seen[p.Key] = true
			out = append(out, p)
		}
	}

	recent, err := e.posts.RecentPosts(ctx, since, capN)
	if err != nil {
		return nil, skerr.Wrapf(err, "loading recent corpus")
	}
	add(recent)

	if prof.interactions > 0 && len(out) < capN {
		overlap, err := e.interactions.OverlapAliases(ctx, req.Alias, overlapAliasLimit)
		if err != nil {
			return nil, skerr.Wrapf(err, "finding overlapping aliases")
		}
		if len(overlap) > 0 {
			keys, err := e.interactions.PostKeysForAliases(ctx, overlap, capN)
			if err != nil {
				return nil, skerr.Wrapf(err, "loading overlap post keys")
			}
			posts, err := e.posts.GetPosts(ctx, keys)
			if err != nil {
				return nil, skerr.Wrapf(err, "resolving overlap posts")
			}
			add(orderPosts(posts))
		}
	}

	if len(prof.topAuthors) > 0 && len(out) < capN {
		byAuthor, err := e.posts.PostsByAuthors(ctx, prof.topAuthors, since, capN)
		if err != nil {
			return nil, skerr.Wrapf(err, "loading posts by favored authors")
		}
		add(byAuthor)
	}
	return out, nil
}

// orderPosts flattens a bulk-lookup map into a deterministic slice, newest
// first.
func orderPosts(posts map[types.PostKey]*types.Post) []*types.Post {
	out := make([]*types.Post, 0, len(posts))
	for _, p := range posts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// scoreCandidates runs the weighted sum over the pool. Malformed candidates
// are logged and dropped.
func (e *Engine) scoreCandidates(ctx context.Context, cands []*types.Post, prof *profile, model Model) []scoredCandidate {
	normEngagement := engagementNormalizer(model.Norm, cands)
	nowTS := now.Now(ctx)
	w := model.Weights

	out := make([]scoredCandidate, 0, len(cands))
	for _, p := range cands {
		if p == nil || p.Key.IsZero() {
			sklog.Warningf("Dropping malformed ranking candidate: %+v", p)
			continue
		}
		aff := authorAffinity(prof.affinity[p.AuthorHandle], e.cfg.AffinityAlpha)
		eng := normEngagement(p)
		rec := recencyScore(nowTS.Sub(p.CreatedAt), model.HalfLife)
		con, conDetail := contentAffinity(p, prof)

		contribs := []contribution{
			{types.ReasonAuthorAffinity, w.Author * aff, p.AuthorHandle},
			{types.ReasonContentAffinity, w.Content * con, conDetail},
			{types.ReasonEngagement, w.Engagement * eng, ""},
			{types.ReasonRecency, w.Recency * rec, ""},
		}
		reason, detail := attribute(contribs)
		out = append(out, scoredCandidate{
			post:     p,
			score:    clip01(w.Author*aff + w.Engagement*eng + w.Recency*rec + w.Content*con),
			trending: coldstart.TrendingScore(ctx, p),
			reason:   reason,
			detail:   detail,
		})
	}
	return out
}

// applyCaps enforces the per-author and per-instance ceilings over the
// ordered list. A cap of zero means unlimited.
func applyCaps(scored []scoredCandidate, maxPerAuthor, maxPerInstance int) []scoredCandidate {
	if maxPerAuthor <= 0 && maxPerInstance <= 0 {
		return scored
	}
	byAuthor := map[string]int{}
	byInstance := map[string]int{}
	out := make([]scoredCandidate, 0, len(scored))
	for _, c := range scored {
		if maxPerAuthor > 0 && byAuthor[c.post.AuthorHandle] >= maxPerAuthor {
			continue
		}
		if maxPerInstance > 0 && byInstance[c.post.Key.Instance] >= maxPerInstance {
			continue
		}
		byAuthor[c.post.AuthorHandle]++
		byInstance[c.post.Key.Instance]++
		out = append(out, c)
	}
	return out
}

func (e *Engine) lockFor(alias string) *sync.Mutex {
	v, _ := e.genLocks.LoadOrStore(alias, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// diversitySeed derives a per-generation seed so serendipity picks are
// stable within a generation.
func diversitySeed(alias string, genAt time.Time) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(alias))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(genAt.UnixNano()))
	_, _ = h.Write(buf[:])
	return int64(h.Sum64())
}
