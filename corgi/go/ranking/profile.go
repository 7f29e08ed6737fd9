package ranking

import (
	"context"
	"sort"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
)

// topAuthorCount caps how many positively-engaged authors feed candidate
// selection.
const topAuthorCount = 20

// profile is the pre-aggregated view of one alias's interaction history.
// Everything the scoring loop needs is in memory after one interaction query
// and one bulk post lookup; the loop itself never touches the store.
type profile struct {
	// affinity maps author handle to interaction tallies.
	affinity map[string]types.AffinityCounts
	// langShare maps language to its share of positive interactions.
	langShare map[string]float64
	// tagWeight maps tag to frequency, normalized by the most frequent tag.
	tagWeight map[string]float64
	// instances and tags are the alias's typical signals, used to steer the
	// diversity buckets away from them.
	instances map[string]bool
	tags      map[string]bool
	// topAuthors are positively-engaged author handles, strongest first.
	topAuthors []string
	// seen marks posts the alias already interacted with.
	seen map[types.PostKey]bool

	interactions int
}

// buildProfile aggregates the alias's full history. Affinity tallies come
// from the store's bulk aggregation (one query on the SQL backend); the
// candidate→author map comes from one bulk post lookup. Uncrawled posts
// contribute nothing.
func (e *Engine) buildProfile(ctx context.Context, alias string) (*profile, error) {
	ins, err := e.interactions.ForAlias(ctx, alias, 0)
	if err != nil {
		return nil, skerr.Wrapf(err, "loading interactions for profile")
	}
	prof := &profile{
		affinity:  map[string]types.AffinityCounts{},
		langShare: map[string]float64{},
		tagWeight: map[string]float64{},
		instances: map[string]bool{},
		tags:      map[string]bool{},
		seen:      map[types.PostKey]bool{},

		interactions: len(ins),
	}
	if len(ins) == 0 {
		return prof, nil
	}

	affinity, err := e.interactions.AffinityByAuthor(ctx, alias, e.cfg.ViewAffinity)
	if err != nil {
		return nil, skerr.Wrapf(err, "aggregating author affinity")
	}
	prof.affinity = affinity

	keys := make([]types.PostKey, 0, len(ins))
	for _, in := range ins {
		if !prof.seen[in.Post] {
			prof.seen[in.Post] = true
			keys = append(keys, in.Post)
		}
	}
	posts, err := e.posts.GetPosts(ctx, keys)
	if err != nil {
		return nil, skerr.Wrapf(err, "resolving interacted posts")
	}

	langCounts := map[string]float64{}
	tagCounts := map[string]float64{}
	var langTotal float64
	for _, in := range ins {
		post, ok := posts[in.Post]
		if !ok {
			continue
		}
		prof.instances[in.Post.Instance] = true
		for _, tag := range post.Tags {
			prof.tags[tag] = true
		}

		isView := in.Action == types.ActionView
		if isView && !e.cfg.ViewAffinity {
			continue
		}
		if in.Action.IsPositive() || isView {
			if post.Language != "" {
				langCounts[post.Language]++
				langTotal++
			}
			for _, tag := range post.Tags {
				tagCounts[tag]++
			}
		}
	}

	if langTotal > 0 {
		for lang, n := range langCounts {
			prof.langShare[lang] = n / langTotal
		}
	}
	var tagMax float64
	for _, n := range tagCounts {
		if n > tagMax {
			tagMax = n
		}
	}
	if tagMax > 0 {
		for tag, n := range tagCounts {
			prof.tagWeight[tag] = n / tagMax
		}
	}

	authors := make([]string, 0, len(prof.affinity))
	for handle, counts := range prof.affinity {
		if counts.PositiveCount > 0 {
			authors = append(authors, handle)
		}
	}
	sort.Slice(authors, func(i, j int) bool {
		ci, cj := prof.affinity[authors[i]], prof.affinity[authors[j]]
		if ci.PositiveCount != cj.PositiveCount {
			return ci.PositiveCount > cj.PositiveCount
		}
		return authors[i] < authors[j]
	})
	if len(authors) > topAuthorCount {
		authors = authors[:topAuthorCount]
	}
	prof.topAuthors = authors
	return prof, nil
}

// profileFor returns the alias's profile, memoized until the staleness
// window passes or an interaction marks it dirty.
func (e *Engine) profileFor(ctx context.Context, alias string) (*profile, error) {
	if v, ok := e.profiles.Get(alias); ok {
		return v.(*profile), nil
	}
	prof, err := e.buildProfile(ctx, alias)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	e.profiles.SetDefault(alias, prof)
	return prof, nil
}

// MarkDirty drops the alias's memoized profile. The interaction pipeline
// calls it after every append.
func (e *Engine) MarkDirty(alias string) {
	e.profiles.Delete(alias)
}
