package crawler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/upstream"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/now"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
)

// counterWorkers bounds the concurrent re-fetches one refresh cycle runs.
const counterWorkers = 4

// RefreshCounters re-fetches up to limit of the freshest corpus posts and
// folds the upstream engagement tallies back into the corpus, so favourite,
// reblog, and reply counts stay close to upstream between crawls. Posts on
// instances in cool-down are skipped for the cycle. Posts that are gone
// upstream are not fatal; a rate-limit signal puts the instance into
// cool-down and stops its remaining fetches.
func (c *Crawler) RefreshCounters(ctx context.Context, limit int) (int, error) {
	since := now.Now(ctx).Add(-c.freshness)
	posts, err := c.posts.RecentPosts(ctx, since, limit)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	if len(posts) == 0 {
		return 0, nil
	}

	// One health read per instance, not per post.
	allowed := map[string]bool{}
	for _, p := range posts {
		instance := p.Key.Instance
		if _, ok := allowed[instance]; ok {
			continue
		}
		h, err := c.health.GetHealth(ctx, instance)
		if err != nil {
			return 0, skerr.Wrap(err)
		}
		allowed[instance] = h.Healthy(now.Now(ctx))
	}

	var updated int64
	var cooled sync.Map
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(counterWorkers)
	for _, p := range posts {
		p := p
		if !allowed[p.Key.Instance] {
			continue
		}
		eg.Go(func() error {
			if _, bad := cooled.Load(p.Key.Instance); bad {
				return nil
			}
			s, err := c.src.GetStatus(egCtx, p.Key.Instance, p.Key.PostID)
			if err != nil {
				if upstream.IsRateSignal(err) {
					cooled.Store(p.Key.Instance, true)
					if _, herr := c.recordFailure(egCtx, p.Key.Instance, err); herr != nil {
						return skerr.Wrap(herr)
					}
					return nil
				}
				// Deleted or hidden posts age out through the sweep.
				sklog.Debugf("Counter refresh skipping %s: %s", p.Key, err)
				return nil
			}
			if err := c.posts.UpdateCounters(egCtx, p.Key, s.FavouritesCount, s.ReblogsCount, s.RepliesCount); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					// Swept between the scan and the write.
					return nil
				}
				return skerr.Wrap(err)
			}
			atomic.AddInt64(&updated, 1)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return int(updated), skerr.Wrap(err)
	}
	c.countersRefreshed.Inc(updated)
	return int(updated), nil
}
