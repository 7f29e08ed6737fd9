// Package identity derives stable pseudonymous aliases for upstream accounts
// and carries the resolved identity through request contexts.
//
// An alias is a 256-bit salted hash of (instance, account id). Raw account
// identifiers never reach the stores; every table keys on the alias.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
)

// Alias is the hex form of the salted account hash.
type Alias string

// Anonymous is the reserved alias for unauthenticated callers. It is never a
// valid hash output, so it cannot collide with a derived alias.
const Anonymous Alias = "anonymous"

// Tier records how the caller was identified.
type Tier string

const (
	// TierAuthenticated means a bearer token mapped to a known alias.
	TierAuthenticated Tier = "authenticated"
	// TierDevBypass means the alias came from a development-only query
	// parameter. Refused outside development.
	TierDevBypass Tier = "dev_bypass"
	// TierAnonymous means no credentials were presented.
	TierAnonymous Tier = "anonymous"
)

// Identity is the resolved caller identity for one request.
type Identity struct {
	Alias    Alias
	Tier     Tier
	Instance string
	// AccessToken is the caller's opaque upstream token, forwarded verbatim
	// on proxied calls. Empty for anonymous callers.
	AccessToken string
}

// IsAnonymous returns true when no account is attached.
func (id Identity) IsAnonymous() bool {
	return id.Alias == Anonymous || id.Alias == ""
}

// Deriver computes aliases with a process-wide salt.
type Deriver struct {
	salt []byte
}

// NewDeriver returns a Deriver. The salt must be non-empty.
func NewDeriver(salt string) (*Deriver, error) {
	if salt == "" {
		return nil, skerr.Fmt("identity salt must not be empty")
	}
	return &Deriver{salt: []byte(salt)}, nil
}

// Derive returns the alias for an account on an instance. The same inputs
// always produce the same alias for a given salt.
func (d *Deriver) Derive(instance, accountID string) Alias {
	h := sha256.New()
	h.Write(d.salt)
	h.Write([]byte{0})
	h.Write([]byte(instance))
	h.Write([]byte{0})
	h.Write([]byte(accountID))
	return Alias(hex.EncodeToString(h.Sum(nil)))
}

// DeriveToken returns the alias for an opaque bearer token whose account is
// not yet known. Token text is hashed with the same salt so the raw token is
// never stored.
func (d *Deriver) DeriveToken(token string) Alias {
	h := sha256.New()
	h.Write(d.salt)
	h.Write([]byte{1})
	h.Write([]byte(token))
	return Alias(hex.EncodeToString(h.Sum(nil)))
}

type contextKeyType string

const contextKey contextKeyType = "corgiIdentity"

// WithIdentity returns a child context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey, id)
}

// FromContext returns the identity stored by WithIdentity. Requests that
// never passed through the identity middleware resolve as anonymous.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(contextKey).(Identity); ok {
		return id
	}
	return Identity{Alias: Anonymous, Tier: TierAnonymous}
}

const authFailKey contextKeyType = "corgiAuthFailed"

// WithAuthFailure marks ctx as carrying credentials that failed to resolve.
// The request proceeds anonymously; endpoints that require authentication
// check AuthFailed and refuse.
func WithAuthFailure(ctx context.Context) context.Context {
	return context.WithValue(ctx, authFailKey, true)
}

// AuthFailed reports whether presented credentials failed to resolve.
func AuthFailed(ctx context.Context) bool {
	failed, _ := ctx.Value(authFailKey).(bool)
	return failed
}
