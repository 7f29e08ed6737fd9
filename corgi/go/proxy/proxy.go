// Package proxy is the transparent middleware face of the service: it
// resolves the caller's identity, forwards requests to the caller's upstream
// instance, and augments eligible responses before relaying them.
//
// The home timeline gets recommendations woven in. Other timelines and the
// rest of the client API pass through with class-scoped caching. On upstream
// failure, graceful endpoints synthesize a page from recommendations instead
// of propagating the failure.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cache"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/config"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/identity"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/injector"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/ranking"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/ratelimit"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/metrics2"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
)

// handlerTimeout bounds one proxied request end to end, upstream call
// included.
const handlerTimeout = 30 * time.Second

// defaultPageLimit is the page size synthesized on upstream failure when the
// request names none.
const defaultPageLimit = 20

// Proxy forwards client API requests and augments eligible responses.
type Proxy struct {
	engine          *ranking.Engine
	responses       *cache.ResponseCache
	limiter         *ratelimit.Limiter
	client          *http.Client
	inject          injector.Options
	defaultInstance string
}

// New returns a Proxy. client is the outbound HTTP client; build it with the
// upstream request timeout so a slow instance cannot pin a handler.
func New(engine *ranking.Engine, responses *cache.ResponseCache, limiter *ratelimit.Limiter, client *http.Client, cfg *config.Config) *Proxy {
	return &Proxy{
		engine:    engine,
		responses: responses,
		limiter:   limiter,
		client:    client,
		inject: injector.Options{
			Strategy:      injector.ParseStrategy(cfg.Inject.Strategy),
			MaxInjections: cfg.Inject.Max,
			Gap:           cfg.Inject.Gap,
		},
		defaultInstance: cfg.DefaultInstance,
	}
}

// RegisterHandlers registers the proxied routes. The catch-all picks up
// every client API path not owned by this service.
func (p *Proxy) RegisterHandlers(router *chi.Mux) {
	router.Get("/api/v1/timelines/home", p.homeTimelineHandler)
	router.HandleFunc("/api/*", p.passThroughHandler)
}

// instanceFor returns the upstream instance a request routes to.
func (p *Proxy) instanceFor(id identity.Identity) string {
	if id.Instance != "" {
		return id.Instance
	}
	return p.defaultInstance
}

// allow enforces the endpoint class rate limit, writing the 429 itself.
func (p *Proxy) allow(w http.ResponseWriter, r *http.Request, class ratelimit.Class) bool {
	if p.limiter == nil {
		return true
	}
	id := identity.FromContext(r.Context())
	ok, retryAfter := p.limiter.Allow(string(id.Alias), class, id.IsAnonymous())
	if ok {
		return true
	}
	p.observe("timeline", id.Tier, "rate_limited", false)
	cerr.ReportError(w, cerr.New(cerr.RateLimited, "rate limit exceeded").WithRetryAfter(retryAfter))
	return false
}

// observe records one proxied call outcome.
func (p *Proxy) observe(class string, tier identity.Tier, outcome string, cacheHit bool) {
	metrics2.GetCounter("corgi_proxy_requests", map[string]string{
		"class":   class,
		"tier":    string(tier),
		"outcome": outcome,
		"cache":   strconv.FormatBool(cacheHit),
	}).Inc(1)
}

// observeLatency records upstream and total time for one proxied call.
func (p *Proxy) observeLatency(class, instance string, up *upstreamResponse, start time.Time) {
	if up != nil {
		metrics2.GetFloat64SummaryMetric("corgi_proxy_upstream_latency_ms", map[string]string{
			"class":    class,
			"instance": instance,
		}).Observe(float64(up.Latency.Milliseconds()))
	}
	metrics2.GetFloat64SummaryMetric("corgi_proxy_total_latency_ms", map[string]string{
		"class": class,
	}).Observe(float64(time.Since(start).Milliseconds()))
}

// homeTimelineHandler forwards the caller's home timeline and weaves
// recommendations into the page. Upstream 5xx or timeout degrades to a page
// built from recommendations alone.
func (p *Proxy) homeTimelineHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()
	start := time.Now()
	if !p.allow(w, r, ratelimit.ClassTimeline) {
		return
	}
	id := identity.FromContext(ctx)
	alias := requestAlias(id)
	instance := p.instanceFor(id)
	skipCache := parseBool(r.URL.Query().Get("skip_cache"))

	key := cache.Key{
		Class:    cache.ClassTimeline,
		Method:   http.MethodGet,
		Path:     r.URL.Path,
		Params:   r.URL.Query(),
		Alias:    alias,
		Instance: instance,
	}
	if !skipCache && p.responses != nil {
		if e, ok := p.responses.Get(ctx, key); ok {
			serveCached(w, e)
			p.observe("timeline", id.Tier, "ok", true)
			return
		}
	}

	up, err := p.forward(ctx, instance, r, id.AccessToken)
	if err != nil || up.StatusCode >= 500 {
		if err != nil {
			sklog.Warningf("Home timeline fetch from %s failed: %s", instance, err)
		} else {
			sklog.Warningf("Home timeline fetch from %s returned %d", instance, up.StatusCode)
		}
		p.serveSynthesized(ctx, w, r, alias, "timeline", id.Tier, up, err)
		p.observeLatency("timeline", instance, up, start)
		return
	}
	if up.StatusCode != http.StatusOK {
		writeUpstream(w, up, "upstream")
		p.observe("timeline", id.Tier, "upstream_"+strconv.Itoa(up.StatusCode), false)
		p.observeLatency("timeline", instance, up, start)
		return
	}

	var page []*types.Status
	if err := json.Unmarshal(up.Body, &page); err != nil {
		// Not a page we understand; relay it untouched.
		sklog.Warningf("Home timeline from %s is not a status page: %s", instance, err)
		writeUpstream(w, up, "upstream")
		p.observe("timeline", id.Tier, "ok", false)
		p.observeLatency("timeline", instance, up, start)
		return
	}

	recs := p.recommendations(ctx, alias, p.inject.MaxInjections+1)
	merged := injector.Merge(page, recs, p.inject)
	body, err := json.Marshal(merged)
	if err != nil {
		cerr.ReportError(w, cerr.Wrap(cerr.Internal, err, "encoding merged page"))
		return
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(types.HeaderSource, "upstream")
	if link := homeLink(r, up, page, merged, len(recs) > p.inject.MaxInjections); link != "" {
		header.Set("Link", link)
	}
	copyHeader(w.Header(), header)
	if _, err := w.Write(body); err != nil {
		sklog.Errorf("Failed to write merged timeline: %s", err)
		return
	}
	if !skipCache && p.responses != nil {
		p.responses.Set(ctx, key, &cache.Entry{Body: body, Header: header})
	}
	p.observe("timeline", id.Tier, "ok", false)
	p.observeLatency("timeline", instance, up, start)
}

// recommendations returns up to limit ranked statuses for injection. Ranking
// failures cost the caller the augmentation, never the page.
func (p *Proxy) recommendations(ctx context.Context, alias string, limit int) []*types.Status {
	res, err := p.engine.Recommend(ctx, ranking.Request{
		Alias:     alias,
		Limit:     limit,
		Diversify: true,
	})
	if err != nil {
		sklog.Warningf("Recommendations for injection unavailable: %s", err)
		return nil
	}
	return res.Statuses()
}

// serveSynthesized answers a failed graceful-degradation fetch with a page
// built entirely from recommendations. With nothing to recommend, the
// upstream failure surfaces as upstream_error or timeout.
func (p *Proxy) serveSynthesized(ctx context.Context, w http.ResponseWriter, r *http.Request, alias, class string, tier identity.Tier, up *upstreamResponse, fetchErr error) {
	limit := defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	recs := p.recommendations(ctx, alias, limit)
	if len(recs) == 0 {
		p.observe(class, tier, "upstream_error", false)
		if fetchErr != nil {
			cerr.ReportError(w, fetchErr)
			return
		}
		cerr.ReportError(w, cerr.Newf(cerr.Upstream, "upstream returned %d", up.StatusCode))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(types.HeaderSource, "cold_start")
	writeJSON(w, recs)
	p.observe(class, tier, "synthesized", false)
}

// homeLink picks the pagination header for a merged page. A page with
// upstream posts keeps the upstream cursor header. An injected-only page
// gets a next link iff more recommendations exist beyond it.
func homeLink(r *http.Request, up *upstreamResponse, page, merged []*types.Status, moreRecs bool) string {
	if newest, _ := injector.UpstreamBounds(merged); newest != "" {
		return up.Header.Get("Link")
	}
	if len(merged) == 0 || !moreRecs {
		return ""
	}
	last := merged[len(merged)-1].ID
	q := r.URL.Query()
	q.Set("max_id", last)
	return fmt.Sprintf("<%s://%s%s?%s>; rel=\"next\"", requestScheme(r), r.Host, r.URL.Path, q.Encode())
}

// requestAlias maps the resolved identity to the alias stores key on.
// Anonymous callers have none.
func requestAlias(id identity.Identity) string {
	if id.IsAnonymous() {
		return ""
	}
	return string(id.Alias)
}

func parseBool(raw string) bool {
	b, err := strconv.ParseBool(raw)
	return err == nil && b
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

// serveCached writes a stored response verbatim, with the source header
// marking the hit.
func serveCached(w http.ResponseWriter, e *cache.Entry) {
	copyHeader(w.Header(), e.Header)
	w.Header().Set(types.HeaderSource, "cache")
	if _, err := w.Write(e.Body); err != nil {
		sklog.Errorf("Failed to write cached response: %s", err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		sklog.Errorf("Failed to write response: %s", err)
	}
}
