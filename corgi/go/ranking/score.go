package ranking

import (
	"math"
	"sort"
	"time"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/config"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
)

// NormKind selects how pool-dependent raw values are mapped onto [0,1]. The
// mapping is part of the model, not fixed by the pipeline.
type NormKind string

const (
	// NormMinMax rescales linearly between the pool minimum and maximum.
	NormMinMax NormKind = "minmax"
	// NormLogClip divides by a fixed ceiling and clips at 1.
	NormLogClip NormKind = "logclip"
	// NormRank maps a value to its percentile rank within the pool.
	NormRank NormKind = "rank"
)

// logClipCeiling is the raw engagement whose log maps to 1.0 under
// NormLogClip. Engagement above it saturates.
const logClipCeiling = 1000.0

// Model is one scoring configuration, selectable per request via model_id.
type Model struct {
	ID       string
	Weights  config.Weights
	HalfLife time.Duration
	Norm     NormKind
}

// DefaultModelID is the model used when a request names none.
const DefaultModelID = "default"

// authorAffinity is positive/(total+alpha). The smoothing term keeps one
// favorite from pinning an author to the top.
func authorAffinity(counts types.AffinityCounts, alpha float64) float64 {
	if counts.TotalCount <= 0 {
		return 0
	}
	v := float64(counts.PositiveCount) / (float64(counts.TotalCount) + alpha)
	return clip01(v)
}

// recencyScore decays exponentially with age at the model's half-life.
func recencyScore(age, halfLife time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	if halfLife <= 0 {
		halfLife = 24 * time.Hour
	}
	return clip01(math.Exp(-math.Ln2 * age.Seconds() / halfLife.Seconds()))
}

// engagementNormalizer builds the pool-dependent mapping from a post's raw
// engagement to [0,1]. All kinds operate on log(1+engagement).
func engagementNormalizer(kind NormKind, pool []*types.Post) func(*types.Post) float64 {
	logOf := func(p *types.Post) float64 {
		return math.Log1p(p.EngagementScore())
	}
	switch kind {
	case NormLogClip:
		ceiling := math.Log1p(logClipCeiling)
		return func(p *types.Post) float64 {
			return clip01(logOf(p) / ceiling)
		}
	case NormRank:
		logs := make([]float64, 0, len(pool))
		for _, p := range pool {
			logs = append(logs, logOf(p))
		}
		sort.Float64s(logs)
		n := len(logs)
		return func(p *types.Post) float64 {
			if n <= 1 {
				return 0
			}
			// Rank of the first element >= v, so ties share a percentile.
			v := logOf(p)
			i := sort.SearchFloat64s(logs, v)
			return clip01(float64(i) / float64(n-1))
		}
	default: // NormMinMax
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, p := range pool {
			v := logOf(p)
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		return func(p *types.Post) float64 {
			if hi <= lo {
				return 0
			}
			return clip01((logOf(p) - lo) / (hi - lo))
		}
	}
}

// contentAffinity measures language and tag overlap with the alias's recent
// positive interactions. The returned detail names the strongest matching
// tag, falling back to the language.
func contentAffinity(p *types.Post, prof *profile) (float64, string) {
	lang := prof.langShare[p.Language]
	var bestTag float64
	var bestName string
	for _, tag := range p.Tags {
		if w := prof.tagWeight[tag]; w > bestTag {
			bestTag = w
			bestName = tag
		}
	}
	score := clip01(0.5*lang + 0.5*bestTag)
	detail := ""
	switch {
	case bestTag > 0:
		detail = "#" + bestName
	case lang > 0:
		detail = p.Language
	}
	return score, detail
}

// contribution is one weighted sub-score, kept for reason attribution.
type contribution struct {
	reason types.ReasonCategory
	value  float64
	detail string
}

// attribute picks the largest contributor. Ties resolve in declaration
// order, which prefers the personal signals.
func attribute(contribs []contribution) (types.ReasonCategory, string) {
	best := contribs[0]
	for _, c := range contribs[1:] {
		if c.value > best.value {
			best = c
		}
	}
	return best.reason, best.detail
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
