package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cache"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/identity"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/ranking"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/ratelimit"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
)

// recommendedTimelineHandler serves the standalone ranked timeline: corpus
// posts ordered by the caller's ranking set, rendered as augmented statuses.
func (a *Api) recommendedTimelineHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()
	if !a.allow(w, r, ratelimit.ClassTimeline) {
		return
	}
	p, err := parseTimelineParams(r)
	if err != nil {
		cerr.ReportError(w, err)
		return
	}
	alias := requestAlias(identity.FromContext(ctx))

	key := cache.Key{
		Class:  cache.ClassTimeline,
		Method: http.MethodGet,
		Path:   r.URL.Path,
		Params: r.URL.Query(),
		Alias:  alias,
	}
	if !p.skipCache && a.responses != nil {
		if e, ok := a.responses.Get(ctx, key); ok {
			serveCached(w, e)
			return
		}
	}

	if p.explicit && p.limit == 0 {
		// An explicit zero asks for an empty page.
		writeJSON(w, []*types.Status{})
		return
	}

	req := ranking.Request{
		Alias:     alias,
		Limit:     p.limit,
		MinScore:  p.minScore,
		Languages: p.languages,
		Exclude:   p.exclude,
		SkipCache: p.skipCache,
		Diversify: true,
	}
	// Cursors address a position in the full ranked set, so fetch the whole
	// window and slice.
	if p.maxID != "" || p.sinceID != "" {
		req.Limit = maxLimit
	}
	res, err := a.engine.Recommend(ctx, req)
	if err != nil {
		cerr.ReportError(w, err)
		return
	}
	page, more := paginate(res.Statuses(), p.maxID, p.sinceID, p.limit)

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(types.HeaderSource, sourceHeader(res.Source))
	if link := linkHeader(r, page, more); link != "" {
		header.Set("Link", link)
	}

	body, err := json.Marshal(page)
	if err != nil {
		cerr.ReportError(w, skerr.Wrap(err))
		return
	}
	copyHeader(w.Header(), header)
	if _, err := w.Write(body); err != nil {
		sklog.Errorf("Failed to write timeline response: %s", err)
		return
	}
	if !p.skipCache && a.responses != nil {
		a.responses.Set(ctx, key, &cache.Entry{Body: body, Header: header})
	}
}

// recommendationsHandler returns the caller's ranking records without post
// bodies: post keys, scores, and reason attributions.
func (a *Api) recommendationsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()
	if !a.allow(w, r, ratelimit.ClassTimeline) {
		return
	}
	p, err := parseTimelineParams(r)
	if err != nil {
		cerr.ReportError(w, err)
		return
	}
	if p.explicit && p.limit == 0 {
		writeJSON(w, []types.RankingRecord{})
		return
	}
	res, err := a.engine.Recommend(ctx, ranking.Request{
		Alias:     requestAlias(identity.FromContext(ctx)),
		Limit:     p.limit,
		MinScore:  p.minScore,
		Languages: p.languages,
		Exclude:   p.exclude,
		SkipCache: p.skipCache,
		Diversify: true,
	})
	if err != nil {
		cerr.ReportError(w, err)
		return
	}
	w.Header().Set(types.HeaderSource, sourceHeader(res.Source))
	writeJSON(w, res.Records)
}

// serveCached writes a stored response verbatim, with the source header
// marking the hit.
func serveCached(w http.ResponseWriter, e *cache.Entry) {
	copyHeader(w.Header(), e.Header)
	w.Header().Set(types.HeaderSource, "cache")
	if _, err := w.Write(e.Body); err != nil {
		sklog.Errorf("Failed to write cached response: %s", err)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		dst[k] = append([]string(nil), vs...)
	}
}
