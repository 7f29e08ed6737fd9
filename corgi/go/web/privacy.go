package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/identity"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/ratelimit"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
)

// privacySummary reports how many records the service holds for one alias.
type privacySummary struct {
	Alias        string `json:"alias"`
	Interactions int    `json:"interactions"`
	Rankings     int    `json:"rankings"`
}

// eraseReceipt reports what the erase removed.
type eraseReceipt struct {
	Alias        string `json:"alias"`
	Interactions int    `json:"interactions_deleted"`
	Rankings     int    `json:"rankings_deleted"`
	Tokens       int    `json:"tokens_deleted"`
	Status       string `json:"status"`
}

// privacyIdentity resolves the caller for the privacy endpoints. All the data
// is alias-keyed, so an identity is required; there is nothing to show an
// anonymous caller. In development the identity middleware's alias bypass
// lets an operator act as a chosen alias.
func privacyIdentity(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	if identity.AuthFailed(r.Context()) {
		cerr.ReportError(w, cerr.New(cerr.AuthRequired, "credentials did not resolve"))
		return identity.Identity{}, false
	}
	id := identity.FromContext(r.Context())
	if id.IsAnonymous() {
		cerr.ReportError(w, cerr.New(cerr.AuthRequired, "privacy data requires an identity"))
		return identity.Identity{}, false
	}
	return id, true
}

func (a *Api) privacyDataHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()
	if !a.allow(w, r, ratelimit.ClassInteract) {
		return
	}
	id, ok := privacyIdentity(w, r)
	if !ok {
		return
	}
	alias := string(id.Alias)
	ins, err := a.pipeline.History(ctx, alias, 0)
	if err != nil {
		cerr.ReportError(w, err)
		return
	}
	recs, err := a.st.Rankings.Latest(ctx, alias)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		cerr.ReportError(w, cerr.Wrap(cerr.Store, err, "loading rankings"))
		return
	}
	writeJSON(w, privacySummary{
		Alias:        alias,
		Interactions: len(ins),
		Rankings:     len(recs),
	})
}

// erasePrivacyDataHandler deletes everything keyed by the calling alias: the
// interaction log, the persisted ranking set, and any token mappings. The
// erase also marks the alias dirty, so a background refresh that races the
// handler converges on the same empty state.
func (a *Api) erasePrivacyDataHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()
	if !a.allow(w, r, ratelimit.ClassInteract) {
		return
	}
	id, ok := privacyIdentity(w, r)
	if !ok {
		return
	}
	alias := string(id.Alias)
	recs, err := a.st.Rankings.Latest(ctx, alias)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		cerr.ReportError(w, cerr.Wrap(cerr.Store, err, "loading rankings"))
		return
	}
	interactionsDeleted, err := a.pipeline.Erase(ctx, alias)
	if err != nil {
		cerr.ReportError(w, err)
		return
	}
	if err := a.st.Rankings.Delete(ctx, alias); err != nil {
		cerr.ReportError(w, cerr.Wrap(cerr.Store, err, "deleting rankings"))
		return
	}
	tokensDeleted, err := a.st.Tokens.RevokeForAlias(ctx, alias)
	if err != nil {
		cerr.ReportError(w, cerr.Wrap(cerr.Store, err, "deleting token mappings"))
		return
	}
	sklog.Infof("Erased alias %s: %d interactions, %d rankings, %d token mappings.", alias, interactionsDeleted, len(recs), tokensDeleted)
	writeJSON(w, eraseReceipt{
		Alias:        alias,
		Interactions: interactionsDeleted,
		Rankings:     len(recs),
		Tokens:       tokensDeleted,
		Status:       "erased",
	})
}
