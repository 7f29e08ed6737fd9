// Package optout tracks which authors have asked to be excluded from
// recommendation systems. Authors signal opt-out with tokens like #nobots in
// their bio or profile fields.
//
// Lookups are read-through: an in-process cache in front of the persisted
// registry in front of a live profile fetch. When the profile cannot be
// fetched the author is treated as not opted out, but only for a short
// window so the next crawl retries.
package optout

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/config"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/langdetect"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/now"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
)

// failureTTL is how long a default-allow verdict from a failed profile fetch
// sticks before the next lookup retries.
const failureTTL = 10 * time.Minute

// ProfileFetcher loads the current upstream profile for an author handle.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, handle string) (*types.Account, error)
}

// Registry answers opt-out lookups.
type Registry struct {
	tokens  []string
	ttl     time.Duration
	fetcher ProfileFetcher
	store   store.OptOutStore
	memo    *gocache.Cache
	group   singleflight.Group
}

// New returns a Registry using the given tokens and freshness window.
func New(cfg config.OptOutConfig, fetcher ProfileFetcher, st store.OptOutStore) *Registry {
	tokens := make([]string, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens = append(tokens, strings.ToLower(strings.TrimSpace(t)))
	}
	return &Registry{
		tokens:  tokens,
		ttl:     cfg.TTL,
		fetcher: fetcher,
		store:   st,
		memo:    gocache.New(cfg.TTL, 2*cfg.TTL),
	}
}

// OptedOut reports whether the author has opted out. Concurrent lookups for
// the same author collapse into one profile fetch.
func (r *Registry) OptedOut(ctx context.Context, handle string) bool {
	if v, ok := r.memo.Get(handle); ok {
		return v.(bool)
	}
	v, _, _ := r.group.Do(handle, func() (interface{}, error) {
		return r.lookup(ctx, handle), nil
	})
	return v.(bool)
}

// Known reports whether the author is recorded as opted out, consulting only
// the memo and the persisted entries. It never fetches a profile, so it is
// safe on the ranking hot path; the crawler keeps the persisted entries
// current.
func (r *Registry) Known(ctx context.Context, handle string) bool {
	if v, ok := r.memo.Get(handle); ok {
		return v.(bool)
	}
	entry, err := r.store.GetOptOut(ctx, handle)
	if err != nil {
		return false
	}
	return entry.OptedOut
}

// ExpireStale deletes persisted entries whose verdict is older than the
// freshness window. The next lookup for an expired author re-fetches the
// profile.
func (r *Registry) ExpireStale(ctx context.Context) (int, error) {
	cutoff := now.Now(ctx).Add(-r.ttl)
	n, err := r.store.ExpireOptOutsBefore(ctx, cutoff)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	return n, nil
}

func (r *Registry) lookup(ctx context.Context, handle string) bool {
	// A sibling waiter may have just filled the memo.
	if v, ok := r.memo.Get(handle); ok {
		return v.(bool)
	}

	nowTS := now.Now(ctx)
	if entry, err := r.store.GetOptOut(ctx, handle); err == nil {
		if nowTS.Sub(entry.FetchedAt) < r.ttl {
			r.memo.Set(handle, entry.OptedOut, gocache.DefaultExpiration)
			return entry.OptedOut
		}
	}

	account, err := r.fetcher.FetchProfile(ctx, handle)
	if err != nil {
		sklog.Debugf("Profile fetch for %s failed, defaulting to allow: %s", handle, err)
		r.memo.Set(handle, false, failureTTL)
		return false
	}

	optedOut := ContainsOptOut(r.tokens, account)
	if err := r.store.SetOptOut(ctx, types.OptOutEntry{
		AuthorHandle: handle,
		OptedOut:     optedOut,
		FetchedAt:    nowTS,
	}); err != nil {
		sklog.Warningf("Failed to persist opt-out entry for %s: %s", handle, skerr.Unwrap(err))
	}
	r.memo.Set(handle, optedOut, gocache.DefaultExpiration)
	return optedOut
}

// ContainsOptOut scans an account's bio and profile fields for any of the
// given lowercase tokens. Markup and whitespace are stripped first since
// upstream servers render bio hashtags as nested elements.
func ContainsOptOut(tokens []string, a *types.Account) bool {
	if a == nil {
		return false
	}
	var b strings.Builder
	b.WriteString(a.Note)
	for _, f := range a.Fields {
		b.WriteString(" ")
		b.WriteString(f.Name)
		b.WriteString(" ")
		b.WriteString(f.Value)
	}
	haystack := squash(b.String())
	for _, token := range tokens {
		if token == "" {
			continue
		}
		if strings.Contains(haystack, squash(token)) {
			return true
		}
	}
	return false
}

// squash strips markup, lowercases, and removes all whitespace.
func squash(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(langdetect.StripTags(s)), ""))
}
