// Package config builds the single frozen configuration struct for the
// service. All tuning values are read from environment variables once at
// start-up; there is no hot reload.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
)

// Environment selects the deployment mode. Production refuses to start with
// development-only settings.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// DefaultSalt is the shipped identity salt. Production start fails closed if
// the salt has not been changed.
const DefaultSalt = "corgi-dev-salt"

// Weights are the ranking sub-score weights, in the order author affinity,
// engagement, recency, content affinity.
type Weights struct {
	Author     float64
	Engagement float64
	Recency    float64
	Content    float64
}

// CacheTTLs are the per-content-class response cache TTLs.
type CacheTTLs struct {
	Timeline time.Duration
	Profile  time.Duration
	Instance time.Duration
	Status   time.Duration
	Default  time.Duration
}

// RankingConfig tunes the scoring pipeline.
type RankingConfig struct {
	CandidateCap     int
	InClauseLimit    int
	Staleness        time.Duration
	ViewAffinity     bool
	Weights          Weights
	RecencyHalfLife  time.Duration
	AffinityAlpha    float64
	DiversityRatios  [3]float64
	MaxAuthorShare   int
	MaxInstanceShare int
}

// CrawlConfig tunes the crawler.
type CrawlConfig struct {
	Instances    []string
	Hashtags     []string
	Interval     time.Duration
	MinDelay     time.Duration
	FailureLimit int
	Cooldown     time.Duration
}

// OptOutConfig tunes opt-out detection.
type OptOutConfig struct {
	Tokens []string
	TTL    time.Duration
}

// RateConfig sets the sliding-window request ceilings per endpoint class.
type RateConfig struct {
	AuthTimeline int
	AnonTimeline int
	AuthInteract int
	AnonInteract int
	Window       time.Duration
}

// InjectConfig sets the timeline injection defaults.
type InjectConfig struct {
	Max      int
	Gap      int
	Strategy string
}

// Config is the frozen service configuration.
type Config struct {
	Env               Environment
	ListenAddr        string
	PromPort          string
	UserHashSalt      string
	DevIdentityBypass bool
	DefaultInstance   string

	StoreBackend string
	BoltPath     string
	PostgresURL  string
	RedisURL     string

	CacheTTLs CacheTTLs
	Ranking   RankingConfig
	Crawl     CrawlConfig
	OptOut    OptOutConfig
	Rates     RateConfig
	Inject    InjectConfig

	UpstreamTimeout time.Duration
	MaxContextDepth int
	MaxTextLen      int
	PostFreshness   time.Duration
	SweepInterval   time.Duration
}

// FromEnv reads the environment and returns a validated Config.
func FromEnv() (*Config, error) {
	c := &Config{
		Env:               Environment(envString("CORGI_ENV", string(Development))),
		ListenAddr:        envString("CORGI_LISTEN_ADDR", ":8000"),
		PromPort:          envString("CORGI_PROM_PORT", ":20000"),
		UserHashSalt:      envString("CORGI_USER_HASH_SALT", DefaultSalt),
		DevIdentityBypass: envBool("CORGI_DEV_IDENTITY_BYPASS", false),
		DefaultInstance:   envString("CORGI_DEFAULT_INSTANCE", "https://mastodon.social"),
		StoreBackend:      envString("CORGI_STORE_BACKEND", "bolt"),
		BoltPath:          envString("CORGI_BOLT_PATH", "/tmp/corgi.db"),
		PostgresURL:       envString("CORGI_POSTGRES_URL", ""),
		RedisURL:          envString("CORGI_REDIS_URL", ""),
		CacheTTLs: CacheTTLs{
			Timeline: envDuration("CORGI_CACHE_TTL_TIMELINE", 120*time.Second),
			Profile:  envDuration("CORGI_CACHE_TTL_PROFILE", 600*time.Second),
			Instance: envDuration("CORGI_CACHE_TTL_INSTANCE", 3600*time.Second),
			Status:   envDuration("CORGI_CACHE_TTL_STATUS", 1800*time.Second),
			Default:  envDuration("CORGI_CACHE_TTL_DEFAULT", 900*time.Second),
		},
		Ranking: RankingConfig{
			CandidateCap:     envInt("CORGI_RANKING_CANDIDATE_CAP", 2000),
			InClauseLimit:    envInt("CORGI_RANKING_IN_CLAUSE_LIMIT", 5000),
			Staleness:        envDuration("CORGI_RANKING_STALENESS", 10*time.Minute),
			ViewAffinity:     envBool("CORGI_RANKING_VIEW_AFFINITY", false),
			RecencyHalfLife:  envDuration("CORGI_RECENCY_HALF_LIFE", 24*time.Hour),
			AffinityAlpha:    envFloat("CORGI_AFFINITY_ALPHA", 5),
			MaxAuthorShare:   envInt("CORGI_MAX_AUTHOR_SHARE", 3),
			MaxInstanceShare: envInt("CORGI_MAX_INSTANCE_SHARE", 5),
		},
		Crawl: CrawlConfig{
			Instances:    envList("CORGI_CRAWL_INSTANCES", nil),
			Hashtags:     envList("CORGI_CRAWL_HASHTAGS", nil),
			Interval:     envDuration("CORGI_CRAWL_INTERVAL", 15*time.Minute),
			MinDelay:     envDuration("CORGI_CRAWL_MIN_DELAY", time.Second),
			FailureLimit: envInt("CORGI_CRAWL_FAILURE_LIMIT", 3),
			Cooldown:     envDuration("CORGI_CRAWL_COOLDOWN", 30*time.Minute),
		},
		OptOut: OptOutConfig{
			Tokens: envList("CORGI_OPTOUT_TOKENS", []string{"#nobots", "#noindex", "#nocorgi"}),
			TTL:    envDuration("CORGI_OPTOUT_TTL", 48*time.Hour),
		},
		Rates: RateConfig{
			AuthTimeline: envInt("CORGI_RATE_AUTH_TIMELINE", 300),
			AnonTimeline: envInt("CORGI_RATE_ANON_TIMELINE", 30),
			AuthInteract: envInt("CORGI_RATE_AUTH_INTERACT", 120),
			AnonInteract: envInt("CORGI_RATE_ANON_INTERACT", 10),
			Window:       envDuration("CORGI_RATE_WINDOW", 60*time.Second),
		},
		Inject: InjectConfig{
			Max:      envInt("CORGI_INJECT_MAX", 5),
			Gap:      envInt("CORGI_INJECT_GAP", 3),
			Strategy: envString("CORGI_INJECT_STRATEGY", "uniform"),
		},
		UpstreamTimeout: envDuration("CORGI_UPSTREAM_TIMEOUT", 10*time.Second),
		MaxContextDepth: envInt("CORGI_MAX_CONTEXT_DEPTH", 4),
		MaxTextLen:      envInt("CORGI_MAX_TEXT_LEN", 5000),
		PostFreshness:   envDuration("CORGI_POST_FRESHNESS", 14*24*time.Hour),
		SweepInterval:   envDuration("CORGI_SWEEP_INTERVAL", 24*time.Hour),
	}

	weights, err := parseWeights(envString("CORGI_MODEL_WEIGHTS", "0.35,0.25,0.25,0.15"))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	c.Ranking.Weights = weights

	ratios, err := parseRatios(envString("CORGI_DIVERSITY_RATIOS", "0.7,0.2,0.1"))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	c.Ranking.DiversityRatios = ratios

	if err := c.Validate(); err != nil {
		return nil, skerr.Wrap(err)
	}
	return c, nil
}

// Validate checks invariants that must hold for the process to start.
// Production fails closed on development-only settings.
func (c *Config) Validate() error {
	switch c.Env {
	case Development, Production:
	default:
		return skerr.Fmt("CORGI_ENV must be development or production, got %q", c.Env)
	}
	if c.Env == Production {
		if c.UserHashSalt == DefaultSalt || c.UserHashSalt == "" {
			return skerr.Fmt("CORGI_USER_HASH_SALT must be set to a non-default value in production")
		}
		if c.DevIdentityBypass {
			return skerr.Fmt("CORGI_DEV_IDENTITY_BYPASS must not be enabled in production")
		}
	}
	switch c.StoreBackend {
	case "bolt":
		if c.BoltPath == "" {
			return skerr.Fmt("CORGI_BOLT_PATH is required for the bolt backend")
		}
	case "postgres":
		if c.PostgresURL == "" {
			return skerr.Fmt("CORGI_POSTGRES_URL is required for the postgres backend")
		}
	default:
		return skerr.Fmt("CORGI_STORE_BACKEND must be bolt or postgres, got %q", c.StoreBackend)
	}
	if c.Ranking.CandidateCap < 1 {
		return skerr.Fmt("CORGI_RANKING_CANDIDATE_CAP must be positive")
	}
	if c.Ranking.InClauseLimit < 1 {
		return skerr.Fmt("CORGI_RANKING_IN_CLAUSE_LIMIT must be positive")
	}
	if c.Ranking.AffinityAlpha <= 0 {
		return skerr.Fmt("CORGI_AFFINITY_ALPHA must be positive")
	}
	if c.Inject.Max < 0 || c.Inject.Gap < 0 {
		return skerr.Fmt("injection bounds must be non-negative")
	}
	return nil
}

// IsProduction is shorthand for Env == Production.
func (c *Config) IsProduction() bool {
	return c.Env == Production
}

func parseWeights(s string) (Weights, error) {
	parts, err := parseFloats(s, 4)
	if err != nil {
		return Weights{}, skerr.Wrapf(err, "parsing CORGI_MODEL_WEIGHTS")
	}
	w := Weights{Author: parts[0], Engagement: parts[1], Recency: parts[2], Content: parts[3]}
	sum := w.Author + w.Engagement + w.Recency + w.Content
	if sum <= 0 {
		return Weights{}, skerr.Fmt("CORGI_MODEL_WEIGHTS must sum to a positive value")
	}
	// Normalize so the weighted sum stays in [0,1].
	w.Author /= sum
	w.Engagement /= sum
	w.Recency /= sum
	w.Content /= sum
	return w, nil
}

func parseRatios(s string) ([3]float64, error) {
	parts, err := parseFloats(s, 3)
	if err != nil {
		return [3]float64{}, skerr.Wrapf(err, "parsing CORGI_DIVERSITY_RATIOS")
	}
	sum := parts[0] + parts[1] + parts[2]
	if sum < 0.999 || sum > 1.001 {
		return [3]float64{}, skerr.Fmt("CORGI_DIVERSITY_RATIOS must sum to 1.0, got %f", sum)
	}
	return [3]float64{parts[0], parts[1], parts[2]}, nil
}

func parseFloats(s string, n int) ([]float64, error) {
	fields := strings.Split(s, ",")
	if len(fields) != n {
		return nil, skerr.Fmt("expected %d comma-separated values, got %d", n, len(fields))
	}
	ret := make([]float64, n)
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, skerr.Wrapf(err, "value %d", i)
		}
		if v < 0 {
			return nil, skerr.Fmt("value %d must be non-negative", i)
		}
		ret[i] = v
	}
	return ret, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	fields := strings.Split(v, ",")
	ret := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			ret = append(ret, f)
		}
	}
	return ret
}
