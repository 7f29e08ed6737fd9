// corgiserver is the personalization middleware: a Mastodon-compatible proxy
// that resolves caller identities, ranks the crawled corpus, and weaves
// recommendations into proxied timelines.
package main

import (
	"context"
	"net/http"

	// See https://golang.org/pkg/net/http/pprof/
	_ "net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cache"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/coldstart"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/config"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/crawler"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/identity"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/interactions"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/jobs"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/optout"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/proxy"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/ranking"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/ratelimit"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store/boltstore"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store/sqlstore"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/upstream"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/web"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/cleanup"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/common"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/httputils"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/util"
)

const (
	// hotCacheSize is the per-process LRU capacity of the response cache.
	hotCacheSize = 4096

	// drainGrace is how long shutdown waits for in-flight background jobs.
	drainGrace = 10 * time.Second
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		sklog.Fatalf("Invalid configuration: %s", err)
	}
	common.InitWithMust(
		"corgiserver",
		common.PrometheusOpt(&cfg.PromPort),
	)
	ctx := context.Background()

	// Stores.
	var st store.Stores
	var closeStore func()
	switch cfg.StoreBackend {
	case "postgres":
		db, err := pgxpool.Connect(ctx, cfg.PostgresURL)
		if err != nil {
			sklog.Fatalf("Failed to connect to postgres: %s", err)
		}
		if err := sqlstore.EnsureSchema(ctx, db); err != nil {
			sklog.Fatalf("Failed to apply schema: %s", err)
		}
		st = sqlstore.New(db)
		closeStore = db.Close
	default:
		bs, err := boltstore.New(cfg.BoltPath)
		if err != nil {
			sklog.Fatalf("Failed to open bolt store at %s: %s", cfg.BoltPath, err)
		}
		st = bs.Stores()
		closeStore = func() { util.LogErr(bs.Close()) }
	}
	sklog.Infof("Store backend: %s", cfg.StoreBackend)

	// Shared cache tier, if configured.
	var rdb redis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			sklog.Fatalf("Invalid CORGI_REDIS_URL: %s", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			sklog.Fatalf("Redis unreachable: %s", err)
		}
		rdb = client
		sklog.Infof("Shared cache: redis at %s", opts.Addr)
	}

	src := upstream.NewClient(cfg.UpstreamTimeout)
	reg := optout.New(cfg.OptOut, src, st.OptOut)

	cold, err := coldstart.New(st.Posts, reg, cfg.PostFreshness, cfg.Ranking.MaxAuthorShare, cfg.Ranking.MaxInstanceShare)
	if err != nil {
		sklog.Fatalf("Failed to build cold-start engine: %s", err)
	}
	engine := ranking.New(st, reg, cold, cfg.Ranking, cfg.PostFreshness)

	responses, err := cache.New(cfg.CacheTTLs, hotCacheSize, rdb)
	if err != nil {
		sklog.Fatalf("Failed to build response cache: %s", err)
	}

	// Background work: ranking refreshes, crawl cycles, sweeps.
	runner := jobs.New(st.DLQ, 0, 0)
	runner.Start(ctx)
	refresher := jobs.NewRefresher(runner, engine)

	pipeline := interactions.New(st, responses, cache.NewCounterCache(cfg.CacheTTLs.Default), refresher, cfg.MaxContextDepth, cfg.MaxTextLen)
	limiter := ratelimit.New(cfg.Rates)

	deriver, err := identity.NewDeriver(cfg.UserHashSalt)
	if err != nil {
		sklog.Fatalf("Failed to build identity deriver: %s", err)
	}

	router := chi.NewRouter()
	resolver := proxy.NewResolver(deriver, st.Tokens, cfg)
	router.Use(resolver.Middleware)
	router.Use(proxy.Headers)

	web.NewApi(engine, pipeline, limiter, responses, st, rdb).RegisterHandlers(router)

	proxyClient := httputils.DefaultClientConfig().
		WithRequestTimeout(cfg.UpstreamTimeout).
		Client()
	proxy.New(engine, responses, limiter, proxyClient, cfg).RegisterHandlers(router)

	cr := crawler.New(src, st, reg, cfg.Crawl, cfg.PostFreshness)
	jobs.StartCrawlCycles(ctx, runner, cr, cfg.Crawl.Interval)
	jobs.StartLifecycleSweep(ctx, runner, cr, cfg.SweepInterval)
	jobs.StartCounterRefresh(ctx, runner, cr, cfg.Crawl.Interval)
	if len(cfg.Crawl.Instances) == 0 {
		sklog.Warningf("No crawl instances configured; the corpus only grows through interactions.")
	}

	cleanup.AtExit(func() {
		runner.Drain(drainGrace)
		closeStore()
	})

	h := httputils.LoggingRequestResponse(router)
	h = httputils.Healthz(h)
	http.Handle("/", h)
	sklog.Infof("Ready to serve on %s", cfg.ListenAddr)
	sklog.Fatal(http.ListenAndServe(cfg.ListenAddr, nil))
}
