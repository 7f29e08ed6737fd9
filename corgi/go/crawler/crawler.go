// Package crawler builds and maintains the corpus of recent posts across the
// configured upstream instances.
//
// Each cycle walks one instance's streams: the federated and local public
// timelines, the configured hashtag timelines, and the recent posts of
// authors whose posts draw engagement. Streams advance through per-stream
// watermarks, so a cycle only fetches what is new.
//
// Politeness rules: at most one fetcher per instance (enforced by the job
// scheduler collapsing duplicate cycles), a floor on inter-request delay,
// exponential backoff with jitter on rate-limit signals, and a cool-down
// once an instance keeps failing.
package crawler

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/config"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/langdetect"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/optout"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/upstream"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/metrics2"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/now"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
)

// engagedAuthorLimit caps how many engagement-discovered authors are crawled
// per instance per cycle.
const engagedAuthorLimit = 5

// authorScanCap bounds the corpus scan that discovers engaged authors.
const authorScanCap = 500

// TimelineSource is the slice of the upstream client the crawler needs.
type TimelineSource interface {
	PublicTimeline(ctx context.Context, instance string, local bool, sinceID string, limit int) ([]*types.Status, error)
	HashtagTimeline(ctx context.Context, instance, tag, sinceID string, limit int) ([]*types.Status, error)
	AccountStatuses(ctx context.Context, instance, accountID, sinceID string, limit int) ([]*types.Status, error)
	GetStatus(ctx context.Context, instance, id string) (*types.Status, error)
}

// Crawler ingests upstream posts into the corpus.
type Crawler struct {
	src       TimelineSource
	posts     store.PostStore
	health    store.HealthStore
	optOut    *optout.Registry
	cfg       config.CrawlConfig
	freshness time.Duration

	ingested          metrics2.Counter
	optOutSkipped     metrics2.Counter
	swept             metrics2.Counter
	countersRefreshed metrics2.Counter
}

// New returns a Crawler. optOut may be nil, disabling the opt-out filter.
func New(src TimelineSource, st store.Stores, reg *optout.Registry, cfg config.CrawlConfig, freshness time.Duration) *Crawler {
	return &Crawler{
		src:               src,
		posts:             st.Posts,
		health:            st.Health,
		optOut:            reg,
		cfg:               cfg,
		freshness:         freshness,
		ingested:          metrics2.GetCounter("corgi_crawler_ingested"),
		optOutSkipped:     metrics2.GetCounter("corgi_crawler_optout_skipped"),
		swept:             metrics2.GetCounter("corgi_crawler_swept"),
		countersRefreshed: metrics2.GetCounter("corgi_crawler_counters_refreshed"),
	}
}

// Instances returns the configured crawl targets.
func (c *Crawler) Instances() []string {
	return c.cfg.Instances
}

// stream is one fetchable timeline within an instance.
type stream struct {
	name   string
	source types.DiscoverySource
	reason string
	fetch  func(ctx context.Context, sinceID string) ([]*types.Status, error)
}

// CrawlInstance runs one crawl cycle against a single instance. A cycle
// fetches one page per stream, so repeated cycles converge without ever
// hammering the instance. Rate-limit signals and repeated hard failures
// abort the cycle and put the instance into cool-down.
func (c *Crawler) CrawlInstance(ctx context.Context, instance string) error {
	h, err := c.health.GetHealth(ctx, instance)
	if err != nil {
		// Classified so a background crawl job retries transient store
		// failures instead of dead-lettering them.
		return cerr.Wrap(cerr.Store, err, "loading instance health")
	}
	if !h.Healthy(now.Now(ctx)) {
		sklog.Infof("Skipping crawl of %s, cooling down until %s", instance, h.CooldownUntil.Format(time.RFC3339))
		return nil
	}

	streams, err := c.streams(ctx, instance)
	if err != nil {
		return cerr.Wrap(cerr.Store, err, "discovering crawl streams")
	}
	var total int
	for i, s := range streams {
		if i > 0 {
			if err := c.pause(ctx); err != nil {
				return err
			}
		}
		n, err := c.crawlStream(ctx, instance, s)
		total += n
		if err != nil {
			cooled, herr := c.recordFailure(ctx, instance, err)
			if herr != nil {
				return cerr.Wrap(cerr.Store, herr, "recording crawl failure")
			}
			if cooled {
				return cerr.Wrap(cerr.Upstream,
					skerr.Wrapf(err, "crawling %s stream %s", instance, s.name),
					"instance cooling down")
			}
			sklog.Warningf("Crawl of %s stream %s failed, continuing cycle: %s", instance, s.name, err)
			continue
		}
	}
	if err := c.recordSuccess(ctx, instance); err != nil {
		return cerr.Wrap(cerr.Store, err, "recording crawl success")
	}
	c.ingested.Inc(int64(total))
	sklog.Infof("Crawled %s: %d posts ingested", instance, total)
	return nil
}

// Sweep deletes corpus posts older than the freshness window, expires
// persisted opt-out verdicts past their TTL, and returns how many posts were
// removed.
func (c *Crawler) Sweep(ctx context.Context) (int, error) {
	cutoff := now.Now(ctx).Add(-c.freshness)
	n, err := c.posts.SweepOlderThan(ctx, cutoff)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	if n > 0 {
		sklog.Infof("Swept %d posts created before %s", n, cutoff.Format(time.RFC3339))
	}
	c.swept.Inc(int64(n))
	if c.optOut != nil {
		expired, err := c.optOut.ExpireStale(ctx)
		if err != nil {
			return n, skerr.Wrap(err)
		}
		if expired > 0 {
			sklog.Infof("Expired %d stale opt-out entries", expired)
		}
	}
	return n, nil
}

// streams assembles the cycle's fetch plan for one instance.
func (c *Crawler) streams(ctx context.Context, instance string) ([]stream, error) {
	out := []stream{
		{
			name:   "public",
			source: types.SourceTimeline,
			fetch: func(ctx context.Context, sinceID string) ([]*types.Status, error) {
				return c.src.PublicTimeline(ctx, instance, false, sinceID, upstream.MaxPageSize)
			},
		},
		{
			name:   "local",
			source: types.SourceTimeline,
			fetch: func(ctx context.Context, sinceID string) ([]*types.Status, error) {
				return c.src.PublicTimeline(ctx, instance, true, sinceID, upstream.MaxPageSize)
			},
		},
	}
	for _, tag := range c.cfg.Hashtags {
		tag := tag
		out = append(out, stream{
			name:   "tag:" + tag,
			source: types.SourceHashtag,
			reason: "#" + tag,
			fetch: func(ctx context.Context, sinceID string) ([]*types.Status, error) {
				return c.src.HashtagTimeline(ctx, instance, tag, sinceID, upstream.MaxPageSize)
			},
		})
	}

	authors, err := c.engagedAuthors(ctx, instance)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	for _, a := range authors {
		a := a
		out = append(out, stream{
			name:   "account:" + a.id,
			source: types.SourceAccount,
			reason: a.handle,
			fetch: func(ctx context.Context, sinceID string) ([]*types.Status, error) {
				return c.src.AccountStatuses(ctx, instance, a.id, sinceID, upstream.MaxPageSize)
			},
		})
	}
	return out, nil
}

// crawlStream fetches one page above the stream's watermark and ingests it.
func (c *Crawler) crawlStream(ctx context.Context, instance string, s stream) (int, error) {
	wm, err := c.health.GetWatermark(ctx, instance, s.name)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	statuses, err := s.fetch(ctx, wm)
	if err != nil {
		return 0, skerr.Wrapf(err, "fetching %s", s.name)
	}
	if len(statuses) == 0 {
		return 0, nil
	}
	n := c.ingest(ctx, instance, statuses, s.source, s.reason)
	// Pages are newest first; the first ID becomes the next cursor.
	if err := c.health.SetWatermark(ctx, instance, s.name, statuses[0].ID); err != nil {
		return n, skerr.Wrap(err)
	}
	return n, nil
}

// ingest converts statuses into corpus posts. Authors who opted out are
// skipped, unlabeled posts go through language detection, and re-crawled
// posts keep their original discovery metadata while refreshing counters.
func (c *Crawler) ingest(ctx context.Context, instance string, statuses []*types.Status, source types.DiscoverySource, reason string) int {
	since := now.Now(ctx).Add(-c.freshness)
	var n int
	for _, s := range statuses {
		if s == nil || s.ID == "" || s.CreatedAt.Before(since) {
			continue
		}
		handle := s.Account.Handle(instance)
		if c.optOut != nil && c.optOut.OptedOut(ctx, handle) {
			c.optOutSkipped.Inc(1)
			continue
		}
		lang, conf := s.Language, 1.0
		if lang == "" {
			det := langdetect.DetectHTML(s.Content)
			lang, conf = det.Language, det.Confidence
		}
		p := &types.Post{
			Key:                types.PostKey{Instance: instance, PostID: s.ID},
			AuthorHandle:       handle,
			AuthorID:           s.Account.ID,
			Content:            s.Content,
			CreatedAt:          s.CreatedAt.UTC(),
			Language:           lang,
			LanguageConfidence: conf,
			Tags:               s.TagNames(),
			Media:              s.MediaAttachments,
			Favorites:          s.FavouritesCount,
			Reblogs:            s.ReblogsCount,
			Replies:            s.RepliesCount,
			Source:             source,
			DiscoveredAt:       now.Now(ctx).UTC(),
			DiscoveryReason:    reason,
		}
		if err := c.posts.UpsertPost(ctx, p); err != nil {
			sklog.Errorf("Failed to upsert %s: %s", p.Key, err)
			continue
		}
		n++
	}
	return n
}

type engagedAuthor struct {
	id     string
	handle string
}

// engagedAuthors ranks the instance's corpus authors by total engagement and
// returns the top few, so authors who draw attention get crawled directly.
func (c *Crawler) engagedAuthors(ctx context.Context, instance string) ([]engagedAuthor, error) {
	recent, err := c.posts.RecentPosts(ctx, now.Now(ctx).Add(-c.freshness), authorScanCap)
	if err != nil {
		return nil, skerr.Wrapf(err, "scanning corpus for engaged authors")
	}
	score := map[string]float64{}
	ids := map[string]string{}
	for _, p := range recent {
		if p.Key.Instance != instance || p.AuthorID == "" {
			continue
		}
		score[p.AuthorHandle] += p.EngagementScore()
		ids[p.AuthorHandle] = p.AuthorID
	}
	handles := make([]string, 0, len(score))
	for handle, s := range score {
		if s > 0 {
			handles = append(handles, handle)
		}
	}
	sort.Slice(handles, func(i, j int) bool {
		if score[handles[i]] != score[handles[j]] {
			return score[handles[i]] > score[handles[j]]
		}
		return handles[i] < handles[j]
	})
	if len(handles) > engagedAuthorLimit {
		handles = handles[:engagedAuthorLimit]
	}
	out := make([]engagedAuthor, 0, len(handles))
	for _, h := range handles {
		out = append(out, engagedAuthor{id: ids[h], handle: h})
	}
	return out, nil
}

// recordFailure bumps the instance's failure count and decides whether to
// put it into cool-down: immediately on a rate-limit signal, or after the
// configured number of consecutive hard failures.
func (c *Crawler) recordFailure(ctx context.Context, instance string, cause error) (bool, error) {
	h, err := c.health.GetHealth(ctx, instance)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	h.ConsecutiveFailures++
	nowTS := now.Now(ctx)

	var cooled bool
	if upstream.IsRateSignal(cause) {
		wait := c.backoffFor(h.ConsecutiveFailures)
		if hint := upstream.RetryAfterHint(cause); hint > wait {
			wait = hint
		}
		h.CooldownUntil = nowTS.Add(wait)
		cooled = true
		sklog.Warningf("Instance %s rate-limited, cooling down for %s", instance, wait)
	} else if h.ConsecutiveFailures >= c.cfg.FailureLimit {
		h.CooldownUntil = nowTS.Add(c.cfg.Cooldown)
		cooled = true
		sklog.Warningf("Instance %s unhealthy after %d failures, cooling down for %s", instance, h.ConsecutiveFailures, c.cfg.Cooldown)
	}
	if err := c.health.SetHealth(ctx, h); err != nil {
		return cooled, skerr.Wrap(err)
	}
	return cooled, nil
}

// recordSuccess resets the failure streak.
func (c *Crawler) recordSuccess(ctx context.Context, instance string) error {
	h, err := c.health.GetHealth(ctx, instance)
	if err != nil {
		return skerr.Wrap(err)
	}
	h.ConsecutiveFailures = 0
	h.LastSuccessAt = now.Now(ctx).UTC()
	h.CooldownUntil = time.Time{}
	return skerr.Wrap(c.health.SetHealth(ctx, h))
}

// backoffFor doubles the minimum delay per consecutive failure, capped at
// the cool-down ceiling, with up to 25% jitter so synchronized crawlers
// spread out.
func (c *Crawler) backoffFor(failures int) time.Duration {
	base := c.cfg.MinDelay
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if c.cfg.Cooldown > 0 && d >= c.cfg.Cooldown {
			d = c.cfg.Cooldown
			break
		}
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

// pause enforces the inter-request delay floor.
func (c *Crawler) pause(ctx context.Context) error {
	if c.cfg.MinDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return skerr.Wrapf(ctx.Err(), "crawl cycle canceled")
	case <-time.After(c.cfg.MinDelay):
		return nil
	}
}
