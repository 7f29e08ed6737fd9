package proxy

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/config"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/identity"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/now"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
)

// Resolver resolves each request's identity ahead of every handler.
//
// Tiers, tried in order: a bearer token mapped through the token store, the
// development-only alias query parameter, and finally the anonymous alias.
// A token the store does not know still names a stable caller, so it gets
// the token-derived alias and routes to the default instance. Expired
// mappings and store failures demote the caller to anonymous with the
// failed-credentials marker set, so strict endpoints refuse instead of
// silently serving someone else's data.
type Resolver struct {
	deriver         *identity.Deriver
	tokens          store.TokenStore
	defaultInstance string
	devBypass       bool
}

// NewResolver returns a Resolver. The dev alias bypass only activates
// outside production, whatever the flag says.
func NewResolver(deriver *identity.Deriver, tokens store.TokenStore, cfg *config.Config) *Resolver {
	return &Resolver{
		deriver:         deriver,
		tokens:          tokens,
		defaultInstance: cfg.DefaultInstance,
		devBypass:       cfg.DevIdentityBypass && !cfg.IsProduction(),
	}
}

// Middleware stores the resolved identity on the request context.
func (res *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, failed := res.resolve(ctx, r)
		ctx = identity.WithIdentity(ctx, id)
		if failed {
			ctx = identity.WithAuthFailure(ctx)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (res *Resolver) resolve(ctx context.Context, r *http.Request) (identity.Identity, bool) {
	anonymous := identity.Identity{Alias: identity.Anonymous, Tier: identity.TierAnonymous}
	if token := bearerToken(r); token != "" {
		hash := string(res.deriver.DeriveToken(token))
		m, err := res.tokens.Lookup(ctx, hash)
		switch {
		case err == nil && !m.Expired(now.Now(ctx)):
			return identity.Identity{
				Alias:       identity.Alias(m.Alias),
				Tier:        identity.TierAuthenticated,
				Instance:    m.Instance,
				AccessToken: token,
			}, false
		case err == nil:
			sklog.Debugf("Token mapping for %.8s... expired at %s", m.Alias, m.ExpiresAt)
			return anonymous, true
		case errors.Is(err, store.ErrNotFound):
			return identity.Identity{
				Alias:       identity.Alias(hash),
				Tier:        identity.TierAuthenticated,
				Instance:    res.defaultInstance,
				AccessToken: token,
			}, false
		default:
			sklog.Warningf("Token lookup failed: %s", err)
			return anonymous, true
		}
	}
	if res.devBypass {
		if alias := r.URL.Query().Get("alias"); alias != "" {
			return identity.Identity{Alias: identity.Alias(alias), Tier: identity.TierDevBypass}, false
		}
	}
	return anonymous, false
}

// bearerToken extracts the bearer token, or "".
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
