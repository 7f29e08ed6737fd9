package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults_Development(t *testing.T) {
	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, Development, c.Env)
	assert.Equal(t, ":8000", c.ListenAddr)
	assert.Equal(t, DefaultSalt, c.UserHashSalt)
	assert.Equal(t, "bolt", c.StoreBackend)
	assert.Equal(t, 2000, c.Ranking.CandidateCap)
	assert.Equal(t, 120*time.Second, c.CacheTTLs.Timeline)
	assert.Equal(t, 30, c.Rates.AnonTimeline)
	assert.Equal(t, []string{"#nobots", "#noindex", "#nocorgi"}, c.OptOut.Tokens)
	assert.False(t, c.IsProduction())
}

func TestFromEnv_ProductionWithDefaultSalt_Fails(t *testing.T) {
	t.Setenv("CORGI_ENV", "production")
	t.Setenv("CORGI_USER_HASH_SALT", "")
	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CORGI_USER_HASH_SALT")
}

func TestFromEnv_ProductionWithDevBypass_Fails(t *testing.T) {
	t.Setenv("CORGI_ENV", "production")
	t.Setenv("CORGI_USER_HASH_SALT", "a-real-salt-value")
	t.Setenv("CORGI_DEV_IDENTITY_BYPASS", "true")
	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CORGI_DEV_IDENTITY_BYPASS")
}

func TestFromEnv_ProductionWithRealSalt_Succeeds(t *testing.T) {
	t.Setenv("CORGI_ENV", "production")
	t.Setenv("CORGI_USER_HASH_SALT", "a-real-salt-value")
	c, err := FromEnv()
	require.NoError(t, err)
	assert.True(t, c.IsProduction())
}

func TestFromEnv_WeightsNormalized(t *testing.T) {
	t.Setenv("CORGI_MODEL_WEIGHTS", "2,2,2,2")
	c, err := FromEnv()
	require.NoError(t, err)
	assert.InDelta(t, 0.25, c.Ranking.Weights.Author, 1e-9)
	assert.InDelta(t, 0.25, c.Ranking.Weights.Engagement, 1e-9)
	assert.InDelta(t, 0.25, c.Ranking.Weights.Recency, 1e-9)
	assert.InDelta(t, 0.25, c.Ranking.Weights.Content, 1e-9)
}

func TestFromEnv_BadWeightCount_Fails(t *testing.T) {
	t.Setenv("CORGI_MODEL_WEIGHTS", "0.5,0.5")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestFromEnv_RatiosMustSumToOne(t *testing.T) {
	t.Setenv("CORGI_DIVERSITY_RATIOS", "0.5,0.2,0.1")
	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CORGI_DIVERSITY_RATIOS")
}

func TestFromEnv_PostgresBackendRequiresURL(t *testing.T) {
	t.Setenv("CORGI_STORE_BACKEND", "postgres")
	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CORGI_POSTGRES_URL")

	t.Setenv("CORGI_POSTGRES_URL", "postgresql://localhost:5432/corgi")
	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "postgres", c.StoreBackend)
}

func TestFromEnv_UnknownBackend_Fails(t *testing.T) {
	t.Setenv("CORGI_STORE_BACKEND", "dynamo")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestFromEnv_ListParsing_TrimsAndSkipsEmpty(t *testing.T) {
	t.Setenv("CORGI_CRAWL_INSTANCES", " https://a.example , ,https://b.example")
	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.Crawl.Instances)
}

func TestFromEnv_MalformedNumbersFallBackToDefaults(t *testing.T) {
	t.Setenv("CORGI_RANKING_CANDIDATE_CAP", "not-a-number")
	t.Setenv("CORGI_UPSTREAM_TIMEOUT", "soon")
	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 2000, c.Ranking.CandidateCap)
	assert.Equal(t, 10*time.Second, c.UpstreamTimeout)
}
