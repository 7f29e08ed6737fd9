// Package injector merges ranked recommendations into a forwarded upstream
// timeline page.
//
// The merge is pure and deterministic: the same page, recommendation set,
// and options always produce the same output. Upstream statuses keep their
// relative order and are never modified. Recommendations already present in
// the page are dropped before placement, and at most MaxInjections survive.
package injector

import (
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
)

// Strategy selects where recommendations land within a page.
type Strategy string

const (
	// StrategyUniform spaces injections evenly, one after every Gap
	// upstream posts. Leftovers go at the end of the page.
	StrategyUniform Strategy = "uniform"
	// StrategyTop prepends the recommendations to the page.
	StrategyTop Strategy = "top"
	// StrategyTagMatch places each recommendation after the first upstream
	// post sharing one of its hashtags, falling back to uniform spacing.
	StrategyTagMatch Strategy = "tag_match"
)

// ParseStrategy maps a wire value onto a known strategy. Unknown values fall
// back to uniform.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyTop:
		return StrategyTop
	case StrategyTagMatch:
		return StrategyTagMatch
	default:
		return StrategyUniform
	}
}

// Options bound one merge.
type Options struct {
	Strategy      Strategy
	MaxInjections int
	// Gap is the minimum number of upstream posts between two injections
	// while upstream posts remain.
	Gap int
}

// Merge returns a new page with up to MaxInjections recommendations placed
// into upstream. Injected statuses are marked as recommendations; upstream
// statuses pass through untouched.
func Merge(upstream, recs []*types.Status, opts Options) []*types.Status {
	gap := opts.Gap
	if gap < 0 {
		gap = 0
	}
	picks := dedup(upstream, recs, opts.MaxInjections)
	if len(picks) == 0 {
		return append([]*types.Status(nil), upstream...)
	}
	switch opts.Strategy {
	case StrategyTop:
		out := make([]*types.Status, 0, len(upstream)+len(picks))
		out = append(out, picks...)
		return append(out, upstream...)
	case StrategyTagMatch:
		anchors, rest := anchorByTag(upstream, picks)
		return weave(upstream, anchors, rest, gap)
	default:
		return weave(upstream, nil, picks, gap)
	}
}

// UpstreamBounds returns the newest and oldest upstream status IDs in a
// merged page, for cursor construction. Pages are newest first, and cursors
// must never point at an injected post.
func UpstreamBounds(page []*types.Status) (newest, oldest string) {
	for _, s := range page {
		if s == nil || s.IsRecommendation {
			continue
		}
		if newest == "" {
			newest = s.ID
		}
		oldest = s.ID
	}
	return newest, oldest
}

// dedup returns up to max recommendations not already present in the page,
// marked as recommendations. Presence is matched on status ID and URI.
func dedup(upstream, recs []*types.Status, max int) []*types.Status {
	if max <= 0 {
		return nil
	}
	present := make(map[string]bool, 2*len(upstream))
	for _, u := range upstream {
		if u == nil {
			continue
		}
		present[u.ID] = true
		if u.URI != "" {
			present[u.URI] = true
		}
	}
	picks := make([]*types.Status, 0, max)
	for _, r := range recs {
		if len(picks) >= max {
			break
		}
		if r == nil || present[r.ID] || (r.URI != "" && present[r.URI]) {
			continue
		}
		present[r.ID] = true
		if r.URI != "" {
			present[r.URI] = true
		}
		r.IsRecommendation = true
		picks = append(picks, r)
	}
	return picks
}

// anchorByTag assigns each pick to the earliest upstream post sharing a
// hashtag. Picks with no shared tag are returned for uniform placement.
func anchorByTag(upstream, picks []*types.Status) (map[int][]*types.Status, []*types.Status) {
	tagAt := map[string]int{}
	for i, u := range upstream {
		if u == nil {
			continue
		}
		for _, tag := range u.TagNames() {
			if _, ok := tagAt[tag]; !ok {
				tagAt[tag] = i
			}
		}
	}
	anchors := map[int][]*types.Status{}
	var rest []*types.Status
	for _, r := range picks {
		best := -1
		for _, tag := range r.TagNames() {
			if i, ok := tagAt[tag]; ok && (best == -1 || i < best) {
				best = i
			}
		}
		if best >= 0 {
			anchors[best] = append(anchors[best], r)
		} else {
			rest = append(rest, r)
		}
	}
	return anchors, rest
}

// weave walks the upstream page, emitting anchored picks after their anchor
// and unanchored picks after every gap-th upstream post. Picks that find no
// slot are appended once upstream is exhausted, so an empty upstream page
// still serves the recommendations.
func weave(upstream []*types.Status, anchors map[int][]*types.Status, rest []*types.Status, gap int) []*types.Status {
	out := make([]*types.Status, 0, len(upstream)+len(rest)+len(anchors))
	sinceLast := 0
	for i, u := range upstream {
		out = append(out, u)
		sinceLast++
		for _, r := range anchors[i] {
			out = append(out, r)
			sinceLast = 0
		}
		if sinceLast >= gap && len(rest) > 0 {
			out = append(out, rest[0])
			rest = rest[1:]
			sinceLast = 0
		}
	}
	return append(out, rest...)
}
