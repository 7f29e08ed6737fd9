package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive_SameInputs_SameAlias(t *testing.T) {
	d, err := NewDeriver("test-salt")
	require.NoError(t, err)
	a1 := d.Derive("mastodon.social", "12345")
	a2 := d.Derive("mastodon.social", "12345")
	assert.Equal(t, a1, a2)
	assert.Len(t, string(a1), 64)
}

func TestDerive_DifferentAccounts_DifferentAliases(t *testing.T) {
	d, err := NewDeriver("test-salt")
	require.NoError(t, err)
	assert.NotEqual(t, d.Derive("mastodon.social", "12345"), d.Derive("mastodon.social", "12346"))
	assert.NotEqual(t, d.Derive("mastodon.social", "12345"), d.Derive("fosstodon.org", "12345"))
}

func TestDerive_DifferentSalts_DifferentAliases(t *testing.T) {
	d1, err := NewDeriver("salt-one")
	require.NoError(t, err)
	d2, err := NewDeriver("salt-two")
	require.NoError(t, err)
	assert.NotEqual(t, d1.Derive("mastodon.social", "12345"), d2.Derive("mastodon.social", "12345"))
}

func TestDerive_FieldBoundaries_NoCollision(t *testing.T) {
	d, err := NewDeriver("test-salt")
	require.NoError(t, err)
	// ("ab", "c") and ("a", "bc") must not collide.
	assert.NotEqual(t, d.Derive("ab", "c"), d.Derive("a", "bc"))
}

func TestDeriveToken_DistinctFromAccountDerivation(t *testing.T) {
	d, err := NewDeriver("test-salt")
	require.NoError(t, err)
	assert.NotEqual(t, d.Derive("x", "y"), d.DeriveToken("xy"))
}

func TestNewDeriver_EmptySalt_Fails(t *testing.T) {
	_, err := NewDeriver("")
	require.Error(t, err)
}

func TestFromContext_NoIdentity_Anonymous(t *testing.T) {
	id := FromContext(context.Background())
	assert.True(t, id.IsAnonymous())
	assert.Equal(t, Anonymous, id.Alias)
	assert.Equal(t, TierAnonymous, id.Tier)
}

func TestFromContext_RoundTrip(t *testing.T) {
	want := Identity{Alias: "abc123", Tier: TierAuthenticated, Instance: "mastodon.social", AccessToken: "tok"}
	ctx := WithIdentity(context.Background(), want)
	assert.Equal(t, want, FromContext(ctx))
	assert.False(t, FromContext(ctx).IsAnonymous())
}
