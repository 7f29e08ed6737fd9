// Package web serves the service's own API surface: the recommended
// timeline, interaction recording, batch engagement counts, and the privacy
// endpoints. Proxied upstream endpoints live in the proxy package; both
// register on the same router behind the identity middleware.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cache"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/identity"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/interactions"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/ranking"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/ratelimit"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
)

const (
	// handlerTimeout bounds one API request end to end.
	handlerTimeout = 30 * time.Second

	// defaultLimit is the page size when the request names none.
	defaultLimit = 20

	// maxLimit is the page size ceiling; larger requests are refused.
	maxLimit = 100
)

// Api serves the service's own endpoints.
type Api struct {
	engine    *ranking.Engine
	pipeline  *interactions.Pipeline
	limiter   *ratelimit.Limiter
	responses *cache.ResponseCache
	st        store.Stores
	rdb       redis.UniversalClient
}

// NewApi returns an Api. rdb may be nil; readiness then only probes the
// store.
func NewApi(engine *ranking.Engine, pipeline *interactions.Pipeline, limiter *ratelimit.Limiter, responses *cache.ResponseCache, st store.Stores, rdb redis.UniversalClient) *Api {
	return &Api{
		engine:    engine,
		pipeline:  pipeline,
		limiter:   limiter,
		responses: responses,
		st:        st,
		rdb:       rdb,
	}
}

// RegisterHandlers registers the api handlers for their respective routes.
func (a *Api) RegisterHandlers(router *chi.Mux) {
	router.Get("/api/v1/timelines/recommended", a.recommendedTimelineHandler)
	router.Get("/api/v1/recommendations", a.recommendationsHandler)
	router.Post("/api/v1/interactions", a.recordInteractionHandler)
	router.Get("/api/v1/interactions/counts/batch", a.batchCountsHandler)
	router.Get("/api/v1/privacy/data", a.privacyDataHandler)
	router.Delete("/api/v1/privacy/data", a.erasePrivacyDataHandler)
	router.Get("/health", a.healthHandler)
	router.Get("/ready", a.readyHandler)
}

// requestAlias maps the resolved identity to the alias the stores are keyed
// by. Anonymous callers have no alias of their own.
func requestAlias(id identity.Identity) string {
	if id.IsAnonymous() {
		return ""
	}
	return string(id.Alias)
}

// allow enforces the endpoint class rate limit, writing the 429 itself.
func (a *Api) allow(w http.ResponseWriter, r *http.Request, class ratelimit.Class) bool {
	if a.limiter == nil {
		return true
	}
	id := identity.FromContext(r.Context())
	ok, retryAfter := a.limiter.Allow(string(id.Alias), class, id.IsAnonymous())
	if ok {
		return true
	}
	cerr.ReportError(w, cerr.New(cerr.RateLimited, "rate limit exceeded").WithRetryAfter(retryAfter))
	return false
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		sklog.Errorf("Failed to write response: %s", err)
	}
}

// healthHandler is the liveness probe. It says the process is up, nothing
// more.
func (a *Api) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// readyHandler is the readiness probe: the store must answer and, when a
// shared cache is configured, Redis must respond to a ping.
func (a *Api) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if _, err := a.st.Posts.CountPosts(ctx); err != nil {
		sklog.Warningf("Readiness probe failed on the store: %s", err)
		cerr.ReportError(w, cerr.Wrap(cerr.Store, err, "store unavailable"))
		return
	}
	if a.rdb != nil {
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			sklog.Warningf("Readiness probe failed on Redis: %s", err)
			cerr.ReportError(w, cerr.Wrap(cerr.Store, err, "cache unavailable"))
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ready"})
}
