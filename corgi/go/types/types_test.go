package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePostKey_CanonicalForm_RoundTrips(t *testing.T) {
	key, err := ParsePostKey("mastodon.social/109372")
	require.NoError(t, err)
	assert.Equal(t, PostKey{Instance: "mastodon.social", PostID: "109372"}, key)
	assert.Equal(t, "mastodon.social/109372", key.String())
}

func TestParsePostKey_IDWithSlashes_KeepsRemainder(t *testing.T) {
	key, err := ParsePostKey("example.social/users/alice/statuses/5")
	require.NoError(t, err)
	assert.Equal(t, "example.social", key.Instance)
	assert.Equal(t, "users/alice/statuses/5", key.PostID)
}

func TestParsePostKey_Malformed_ReturnsError(t *testing.T) {
	for _, bad := range []string{"", "noslash", "/leading", "trailing/"} {
		_, err := ParsePostKey(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestAccountHandle_LocalAndRemoteAccts(t *testing.T) {
	local := Account{Acct: "alice"}
	assert.Equal(t, "alice@example.social", local.Handle("example.social"))

	remote := Account{Acct: "bob@other.town"}
	assert.Equal(t, "bob@other.town", remote.Handle("example.social"))
}

func TestNormalizeAction_SynonymsResolveBeforeMembership(t *testing.T) {
	tests := []struct {
		raw  string
		want Action
		ok   bool
	}{
		{"favorite", ActionFavorite, true},
		{"share", ActionReblog, true},
		{"comment", ActionReply, true},
		{"click", ActionView, true},
		{"  Boost  ", ActionReblog, true},
		{"LIKE", ActionFavorite, true},
		{"more_like_this", ActionMoreLikeThis, true},
		{"explode", Action("explode"), false},
		{"", Action(""), false},
	}
	for _, tc := range tests {
		got, ok := NormalizeAction(tc.raw)
		assert.Equal(t, tc.ok, ok, "raw %q", tc.raw)
		if tc.ok {
			assert.Equal(t, tc.want, got, "raw %q", tc.raw)
		}
	}
}

func TestActionFamily_TogglePairsShareFamily(t *testing.T) {
	fam, positive := ActionFavorite.Family()
	assert.Equal(t, "favorite", fam)
	assert.True(t, positive)

	fam, positive = ActionUnfavorite.Family()
	assert.Equal(t, "favorite", fam)
	assert.False(t, positive)

	fam, positive = ActionView.Family()
	assert.Equal(t, "view", fam)
	assert.True(t, positive)
}

func TestEngagementScore_WeightsReblogsAndReplies(t *testing.T) {
	p := Post{Favorites: 10, Reblogs: 4, Replies: 2}
	assert.InDelta(t, 10+8+3, p.EngagementScore(), 1e-9)
}

func TestTokenMappingExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	assert.False(t, TokenMapping{}.Expired(now))
	assert.False(t, TokenMapping{ExpiresAt: now.Add(time.Hour)}.Expired(now))
	assert.True(t, TokenMapping{ExpiresAt: now.Add(-time.Hour)}.Expired(now))
}

func TestInstanceHealthHealthy(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, InstanceHealth{}.Healthy(now))
	assert.False(t, InstanceHealth{CooldownUntil: now.Add(time.Minute)}.Healthy(now))
	assert.True(t, InstanceHealth{CooldownUntil: now.Add(-time.Minute)}.Healthy(now))
}
