package proxy

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cache"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/identity"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/ratelimit"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
)

// classifyPath buckets a client API path into its metric label and cache
// class.
func classifyPath(path string) (string, cache.Class) {
	switch {
	case strings.HasPrefix(path, "/api/v1/timelines/"):
		return "timeline", cache.ClassTimeline
	case strings.HasPrefix(path, "/api/v1/statuses/"):
		return "status", cache.ClassStatus
	case strings.HasPrefix(path, "/api/v1/accounts/"):
		return "profile", cache.ClassProfile
	case path == "/api/v1/instance" || strings.HasPrefix(path, "/api/v1/instance/") || path == "/api/v2/instance":
		return "instance", cache.ClassInstance
	default:
		return "other", cache.ClassDefault
	}
}

// passThroughHandler forwards any client API request this service does not
// own. GET responses with upstream status 200 are cached by content class;
// writes are never cached. Failed timeline fetches degrade to recommendation
// pages, every other failure surfaces with the upstream status preserved.
func (p *Proxy) passThroughHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()
	start := time.Now()
	metricClass, cacheClass := classifyPath(r.URL.Path)
	limClass := ratelimit.ClassTimeline
	if r.Method != http.MethodGet {
		limClass = ratelimit.ClassInteract
	}
	if !p.allow(w, r, limClass) {
		return
	}
	id := identity.FromContext(ctx)
	alias := requestAlias(id)
	instance := p.instanceFor(id)
	skipCache := parseBool(r.URL.Query().Get("skip_cache"))
	cacheable := r.Method == http.MethodGet && p.responses != nil && !skipCache

	// Instance metadata does not vary by caller; it shares the public scope.
	cacheAlias := alias
	if cacheClass == cache.ClassInstance {
		cacheAlias = ""
	}
	key := cache.Key{
		Class:    cacheClass,
		Method:   r.Method,
		Path:     r.URL.Path,
		Params:   r.URL.Query(),
		Alias:    cacheAlias,
		Instance: instance,
	}
	if cacheable {
		if e, ok := p.responses.Get(ctx, key); ok {
			serveCached(w, e)
			p.observe(metricClass, id.Tier, "ok", true)
			return
		}
	}

	up, err := p.forward(ctx, instance, r, id.AccessToken)
	if err != nil || up.StatusCode >= 500 {
		if err != nil {
			sklog.Warningf("Pass-through %s %s to %s failed: %s", r.Method, r.URL.Path, instance, err)
		} else {
			sklog.Warningf("Pass-through %s %s to %s returned %d", r.Method, r.URL.Path, instance, up.StatusCode)
		}
		if cacheClass == cache.ClassTimeline && r.Method == http.MethodGet {
			p.serveSynthesized(ctx, w, r, alias, metricClass, id.Tier, up, err)
			p.observeLatency(metricClass, instance, up, start)
			return
		}
		p.observe(metricClass, id.Tier, "upstream_error", false)
		if err != nil {
			cerr.ReportError(w, err)
		} else {
			cerr.ReportError(w, cerr.Newf(cerr.Upstream, "upstream returned %d", up.StatusCode).WithDetails(strconv.Itoa(up.StatusCode)))
		}
		p.observeLatency(metricClass, instance, up, start)
		return
	}

	writeUpstream(w, up, "upstream")
	if cacheable && up.StatusCode == http.StatusOK {
		p.responses.Set(ctx, key, &cache.Entry{Body: up.Body, Header: up.Header})
	}
	p.observe(metricClass, id.Tier, "ok", false)
	p.observeLatency(metricClass, instance, up, start)
}
