// Package interactions is the write path for behavior signals. It validates
// and sanitizes client input, appends to the interaction log, fires the cache
// invalidations the new record implies, and reports the post's effective
// engagement state back to the caller.
//
// The pipeline never retries. A store failure surfaces as store_error and the
// client resubmits; the log is append-only so a duplicate write only restates
// the same effective state.
package interactions

import (
	"context"
	"errors"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cache"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/now"
)

// AffinityMarker flags an alias's author-affinity summary for lazy
// recomputation. The ranking engine implements it.
type AffinityMarker interface {
	MarkDirty(alias string)
}

// Request is one interaction write as the client submits it, pre-validation.
type Request struct {
	PostKey string                 `json:"post_key"`
	Action  string                 `json:"action"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// State is one alias's effective toggle state for a post: the most recent
// record in each action family wins.
type State struct {
	Favourited bool
	Reblogged  bool
	Bookmarked bool
}

// Result is what a recorded interaction returns to the client.
type Result struct {
	Interaction *types.Interaction
	State       State
	// Post is the corpus copy, nil when the post was never crawled.
	Post *types.Post
}

// Status renders the canonical status for the post with the alias's effective
// engagement state applied. The alias's own active toggles count on top of
// the cached upstream tallies, so repeating a toggle never double-counts. For
// uncrawled posts a minimal status is synthesized from the key.
func (r *Result) Status() *types.Status {
	var s *types.Status
	if r.Post != nil {
		s = r.Post.Status()
	} else {
		s = &types.Status{
			ID:        r.Interaction.Post.PostID,
			CreatedAt: r.Interaction.CreatedAt,
		}
	}
	s.Favourited = r.State.Favourited
	s.Reblogged = r.State.Reblogged
	s.Bookmarked = r.State.Bookmarked
	if r.State.Favourited {
		s.FavouritesCount++
	}
	if r.State.Reblogged {
		s.ReblogsCount++
	}
	return s
}

// Pipeline validates and records interactions.
type Pipeline struct {
	interactions store.InteractionStore
	posts        store.PostStore
	responses    *cache.ResponseCache
	counters     *cache.CounterCache
	affinity     AffinityMarker
	maxDepth     int
	maxTextLen   int
}

// New returns a Pipeline. Any of responses, counters, and affinity may be
// nil; the corresponding side effect is skipped.
func New(st store.Stores, responses *cache.ResponseCache, counters *cache.CounterCache, affinity AffinityMarker, maxContextDepth, maxTextLen int) *Pipeline {
	return &Pipeline{
		interactions: st.Interactions,
		posts:        st.Posts,
		responses:    responses,
		counters:     counters,
		affinity:     affinity,
		maxDepth:     maxContextDepth,
		maxTextLen:   maxTextLen,
	}
}

// Record validates req, appends it to the alias's log, and returns the
// post's new effective state.
func (p *Pipeline) Record(ctx context.Context, alias string, req Request) (*Result, error) {
	if alias == "" {
		return nil, cerr.New(cerr.AuthRequired, "no identity for interaction")
	}
	action, key, err := p.validate(req)
	if err != nil {
		return nil, err
	}
	in := &types.Interaction{
		Alias:     alias,
		Post:      key,
		Action:    action,
		Context:   req.Context,
		CreatedAt: now.Now(ctx).UTC(),
	}
	if err := p.interactions.Append(ctx, in); err != nil {
		return nil, cerr.Wrap(cerr.Store, err, "recording interaction")
	}

	// The new record may change what the alias's timeline and the post's
	// tallies look like.
	if p.responses != nil {
		p.responses.InvalidateAlias(ctx, alias)
	}
	if p.counters != nil {
		p.counters.Invalidate(key)
	}
	if p.affinity != nil {
		p.affinity.MarkDirty(alias)
	}

	state, err := p.EffectiveState(ctx, alias, key)
	if err != nil {
		return nil, err
	}
	post, err := p.posts.GetPost(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, cerr.Wrap(cerr.Store, err, "loading post")
	}
	return &Result{Interaction: in, State: state, Post: post}, nil
}

// EffectiveState folds the alias's history with one post into per-family
// toggle state.
func (p *Pipeline) EffectiveState(ctx context.Context, alias string, key types.PostKey) (State, error) {
	history, err := p.interactions.ForAliasAndPost(ctx, alias, key)
	if err != nil {
		return State{}, cerr.Wrap(cerr.Store, err, "loading interaction history")
	}
	return FoldState(history), nil
}

// FoldState reduces a history, ordered oldest first, to the effective toggle
// state. Non-toggle actions pass through without effect.
func FoldState(history []*types.Interaction) State {
	var s State
	for _, in := range history {
		family, assert := in.Action.Family()
		switch family {
		case "favorite":
			s.Favourited = assert
		case "reblog":
			s.Reblogged = assert
		case "bookmark":
			s.Bookmarked = assert
		}
	}
	return s
}

// Counts answers the batch engagement-count lookup, serving from the counter
// cache where possible. On a store failure the cached portion is still
// returned alongside the error so callers can degrade.
func (p *Pipeline) Counts(ctx context.Context, keys []types.PostKey) (map[types.PostKey]store.Counts, error) {
	out := make(map[types.PostKey]store.Counts, len(keys))
	var misses []types.PostKey
	for _, k := range keys {
		if p.counters != nil {
			if c, ok := p.counters.Get(k); ok {
				out[k] = c
				continue
			}
		}
		misses = append(misses, k)
	}
	if len(misses) == 0 {
		return out, nil
	}
	fetched, err := p.interactions.CountsForPosts(ctx, misses)
	if err != nil {
		return out, cerr.Wrap(cerr.Store, err, "counting interactions")
	}
	for _, k := range misses {
		c := fetched[k]
		if c == nil {
			c = store.Counts{}
		}
		out[k] = c
		if p.counters != nil {
			p.counters.Set(k, c)
		}
	}
	return out, nil
}

// History returns the alias's interaction log, oldest first, for the privacy
// data endpoint.
func (p *Pipeline) History(ctx context.Context, alias string, limit int) ([]*types.Interaction, error) {
	ins, err := p.interactions.ForAlias(ctx, alias, limit)
	if err != nil {
		return nil, cerr.Wrap(cerr.Store, err, "loading interaction history")
	}
	return ins, nil
}

// Erase deletes the alias's interaction log and returns how many records were
// removed. Rankings and token mappings are erased by the caller.
func (p *Pipeline) Erase(ctx context.Context, alias string) (int, error) {
	n, err := p.interactions.DeleteForAlias(ctx, alias)
	if err != nil {
		return 0, cerr.Wrap(cerr.Store, err, "deleting interactions")
	}
	if p.responses != nil {
		p.responses.InvalidateAlias(ctx, alias)
	}
	if p.affinity != nil {
		p.affinity.MarkDirty(alias)
	}
	return n, nil
}
