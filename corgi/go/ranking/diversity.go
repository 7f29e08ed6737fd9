package ranking

import (
	"math"
	"math/rand"
	"sort"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
)

// diversityBuckets splits the capped, score-ordered list into the three
// interleave sources: the top-ranked list itself, trending posts from
// outside the alias's typical instances and tags, and serendipitous picks
// drawn from the top trending tercile away from the alias's usual signals.
//
// The serendipity draw uses the provided seed, so one generation always
// produces the same page.
func (e *Engine) diversityBuckets(ranked []scoredCandidate, prof *profile, seed int64) (top, outside, serendip []scoredCandidate) {
	top = ranked

	isTypical := func(p *types.Post) bool {
		if prof.instances[p.Key.Instance] {
			return true
		}
		for _, t := range p.Tags {
			if prof.tags[t] {
				return true
			}
		}
		return false
	}

	for _, c := range ranked {
		if !isTypical(c.post) {
			c.reason = types.ReasonTrending
			c.detail = c.post.Key.Instance
			outside = append(outside, c)
		}
	}
	sort.SliceStable(outside, func(i, j int) bool {
		if outside[i].trending != outside[j].trending {
			return outside[i].trending > outside[j].trending
		}
		return outside[i].post.Key.String() < outside[j].post.Key.String()
	})

	byTrending := append([]scoredCandidate(nil), ranked...)
	sort.SliceStable(byTrending, func(i, j int) bool {
		if byTrending[i].trending != byTrending[j].trending {
			return byTrending[i].trending > byTrending[j].trending
		}
		return byTrending[i].post.Key.String() < byTrending[j].post.Key.String()
	})
	tercile := byTrending[:intMax(1, len(byTrending)/3)]
	for _, c := range tercile {
		if !isTypical(c.post) {
			c.reason = types.ReasonSerendipity
			c.detail = ""
			serendip = append(serendip, c)
		}
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(serendip), func(i, j int) {
		serendip[i], serendip[j] = serendip[j], serendip[i]
	})
	return top, outside, serendip
}

// interleave merges the buckets into one page of up to limit posts. Slots
// are assigned by largest remainder so the ratios hold at any page size; a
// drained bucket falls back to the others in bucket order. Duplicate keys
// across buckets are taken once.
func interleave(top, outside, serendip []scoredCandidate, ratios [3]float64, limit int) []scoredCandidate {
	lists := [3][]scoredCandidate{top, outside, serendip}
	idx := [3]int{}
	used := [3]float64{}
	seen := map[types.PostKey]bool{}
	out := make([]scoredCandidate, 0, limit)

	take := func(b int) bool {
		for idx[b] < len(lists[b]) {
			c := lists[b][idx[b]]
			idx[b]++
			if seen[c.post.Key] {
				continue
			}
			seen[c.post.Key] = true
			used[b]++
			out = append(out, c)
			return true
		}
		return false
	}

	for len(out) < limit {
		best, bestDeficit := 0, math.Inf(-1)
		for b := 0; b < 3; b++ {
			deficit := ratios[b]*float64(len(out)+1) - used[b]
			if deficit > bestDeficit {
				best, bestDeficit = b, deficit
			}
		}
		if take(best) {
			continue
		}
		progressed := false
		for b := 0; b < 3; b++ {
			if b != best && take(b) {
				progressed = true
				break
			}
		}
		if !progressed {
			break
		}
	}
	return out
}

func intMax(a, b int) int {
	if a > b {
		return a
	}
	return b
}
