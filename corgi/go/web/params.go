package web

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/ranking"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
)

// timelineParams are the recommended-timeline query parameters after
// validation.
type timelineParams struct {
	limit     int
	explicit  bool // limit was present in the query
	minScore  float64
	languages []string
	exclude   map[types.PostKey]bool
	maxID     string
	sinceID   string
	skipCache bool
}

func parseTimelineParams(r *http.Request) (timelineParams, error) {
	q := r.URL.Query()
	p := timelineParams{
		limit:     defaultLimit,
		maxID:     q.Get("max_id"),
		sinceID:   q.Get("since_id"),
		skipCache: parseBool(q.Get("skip_cache")),
		languages: parseCSV(q.Get("languages")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return p, cerr.Newf(cerr.Validation, "limit %q is not an integer", raw).WithDetails("limit")
		}
		if n < 0 || n > maxLimit {
			return p, cerr.Newf(cerr.Validation, "limit must be between 0 and %d", maxLimit).WithDetails("limit")
		}
		p.limit = n
		p.explicit = true
	}
	if raw := q.Get("min_score"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 || f > 1 {
			return p, cerr.New(cerr.Validation, "min_score must be a number in [0,1]").WithDetails("min_score")
		}
		p.minScore = f
	}
	if raw := q.Get("exclude_ids"); raw != "" {
		p.exclude = map[types.PostKey]bool{}
		for _, s := range parseCSV(raw) {
			key, err := types.ParsePostKey(s)
			if err != nil {
				return p, cerr.Newf(cerr.Validation, "exclude_ids entry %q is not instance/post_id", s).WithDetails("exclude_ids")
			}
			p.exclude[key] = true
		}
	}
	return p, nil
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	fields := strings.Split(raw, ",")
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func parseBool(raw string) bool {
	b, err := strconv.ParseBool(raw)
	return err == nil && b
}

// sourceHeader maps a ranking source to the X-Corgi-Source value. Clients
// only distinguish recommendations from cold-start filler.
func sourceHeader(source string) string {
	if source == ranking.SourceColdStart {
		return "cold_start"
	}
	return "recommended"
}

// paginate applies max_id/since_id cursors to the ranked page. Cursors name
// positions in the ranked order; an unknown cursor serves from the top.
// more reports whether items remain below the served page.
func paginate(statuses []*types.Status, maxID, sinceID string, limit int) (page []*types.Status, more bool) {
	start := 0
	end := len(statuses)
	if maxID != "" {
		for i, s := range statuses {
			if s.ID == maxID {
				start = i + 1
				break
			}
		}
	}
	if sinceID != "" {
		for i := start; i < end; i++ {
			if statuses[i].ID == sinceID {
				end = i
				break
			}
		}
	}
	if start > end {
		start = end
	}
	window := statuses[start:end]
	if limit >= 0 && len(window) > limit {
		window = window[:limit]
	}
	return window, start+len(window) < len(statuses)
}

// linkHeader builds the RFC 5988 pagination header for the served page. The
// next link is present iff more items remain.
func linkHeader(r *http.Request, page []*types.Status, more bool) string {
	if len(page) == 0 {
		return ""
	}
	var parts []string
	if more {
		parts = append(parts, pageLink(r, "max_id", page[len(page)-1].ID, "next"))
	}
	parts = append(parts, pageLink(r, "since_id", page[0].ID, "prev"))
	return strings.Join(parts, ", ")
}

func pageLink(r *http.Request, cursorParam, cursor, rel string) string {
	q := r.URL.Query()
	q.Del("max_id")
	q.Del("since_id")
	q.Set(cursorParam, cursor)
	u := url.URL{
		Scheme:   requestScheme(r),
		Host:     r.Host,
		Path:     r.URL.Path,
		RawQuery: q.Encode(),
	}
	return "<" + u.String() + `>; rel="` + rel + `"`
}

func requestScheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
