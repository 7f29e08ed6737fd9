package jobs

import (
	"context"
	"time"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/metrics2"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/util"
)

// Crawl is the slice of the crawler the scheduled loops need.
type Crawl interface {
	Instances() []string
	CrawlInstance(ctx context.Context, instance string) error
	Sweep(ctx context.Context) (int, error)
	RefreshCounters(ctx context.Context, limit int) (int, error)
}

// RankingEngine is the slice of the ranking engine the refresher needs.
type RankingEngine interface {
	MarkDirty(alias string)
	Refresh(ctx context.Context, alias string) error
}

// counterRefreshLimit caps how many posts one counter refresh cycle
// re-fetches.
const counterRefreshLimit = 200

// rankingRefreshTimeout bounds one refresh attempt; a refresh reads the full
// interaction history, so it gets longer than an interactive request.
const rankingRefreshTimeout = 30 * time.Second

// StartCrawlCycles schedules one recurring crawl per configured instance.
// Each instance gets its own liveness; admission through the runner keeps at
// most one fetcher per instance even when a cycle overruns the interval.
func StartCrawlCycles(ctx context.Context, r *Runner, cr Crawl, interval time.Duration) {
	for _, instance := range cr.Instances() {
		instance := instance
		liveness := metrics2.NewLiveness("corgi_periodic_tasks", map[string]string{
			"task":     "crawl",
			"instance": instance,
		})
		go util.RepeatCtx(ctx, interval, func(ctx context.Context) {
			r.Enqueue(Job{
				Class:   ClassCrawl,
				Key:     "crawl/" + instance,
				Timeout: interval,
				Run: func(ctx context.Context) error {
					if err := cr.CrawlInstance(ctx, instance); err != nil {
						return err
					}
					liveness.Reset()
					return nil
				},
			})
		})
	}
}

// StartLifecycleSweep schedules the corpus retention sweep.
func StartLifecycleSweep(ctx context.Context, r *Runner, cr Crawl, interval time.Duration) {
	liveness := metrics2.NewLiveness("corgi_periodic_tasks", map[string]string{
		"task": "sweep",
	})
	go util.RepeatCtx(ctx, interval, func(ctx context.Context) {
		r.Enqueue(Job{
			Class: ClassSweep,
			Key:   "sweep",
			Run: func(ctx context.Context) error {
				n, err := cr.Sweep(ctx)
				if err != nil {
					return err
				}
				sklog.Infof("Lifecycle sweep removed %d post(s)", n)
				liveness.Reset()
				return nil
			},
		})
	})
}

// StartCounterRefresh schedules the engagement counter refresh, which
// re-fetches recently surfaced posts so cached favourite/reblog/reply
// tallies stay close to upstream.
func StartCounterRefresh(ctx context.Context, r *Runner, cr Crawl, interval time.Duration) {
	liveness := metrics2.NewLiveness("corgi_periodic_tasks", map[string]string{
		"task": "counter_refresh",
	})
	go util.RepeatCtx(ctx, interval, func(ctx context.Context) {
		r.Enqueue(Job{
			Class: ClassCounterRefresh,
			Key:   "counter_refresh",
			Run: func(ctx context.Context) error {
				n, err := cr.RefreshCounters(ctx, counterRefreshLimit)
				if err != nil {
					return err
				}
				sklog.Infof("Counter refresh updated %d post(s)", n)
				liveness.Reset()
				return nil
			},
		})
	})
}

// Refresher regenerates an alias's persisted ranking set in the background.
// It implements interactions.AffinityMarker: recording an interaction marks
// the affinity profile dirty and queues a refresh, so the next timeline read
// finds a fresh set instead of regenerating inline. Duplicate requests for
// an alias collapse in the runner.
type Refresher struct {
	runner *Runner
	engine RankingEngine
}

// NewRefresher returns a Refresher enqueuing onto r.
func NewRefresher(r *Runner, engine RankingEngine) *Refresher {
	return &Refresher{runner: r, engine: engine}
}

// MarkDirty implements interactions.AffinityMarker.
func (rf *Refresher) MarkDirty(alias string) {
	rf.engine.MarkDirty(alias)
	rf.Request(alias)
}

// Request queues one background refresh for the alias.
func (rf *Refresher) Request(alias string) {
	if alias == "" {
		return
	}
	rf.runner.Enqueue(Job{
		Class:   ClassRankingRefresh,
		Key:     "ranking/" + alias,
		Timeout: rankingRefreshTimeout,
		Run: func(ctx context.Context) error {
			return rf.engine.Refresh(ctx, alias)
		},
	})
}
