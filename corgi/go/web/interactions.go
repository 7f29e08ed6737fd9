package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/identity"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/interactions"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/ratelimit"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
)

// recordInteractionHandler appends one interaction to the caller's log and
// returns the post with the caller's effective engagement state applied.
// Anonymous callers record under the shared anonymous alias; callers whose
// credentials failed to resolve are refused instead of silently demoted.
func (a *Api) recordInteractionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()
	if !a.allow(w, r, ratelimit.ClassInteract) {
		return
	}
	if identity.AuthFailed(ctx) {
		cerr.ReportError(w, cerr.New(cerr.AuthRequired, "credentials did not resolve"))
		return
	}
	var req interactions.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.ReportError(w, cerr.Wrap(cerr.Validation, err, "decoding interaction"))
		return
	}
	id := identity.FromContext(ctx)
	res, err := a.pipeline.Record(ctx, string(id.Alias), req)
	if err != nil {
		cerr.ReportError(w, err)
		return
	}
	writeJSON(w, res.Status())
}

// batchCountsHandler answers engagement-count lookups for up to maxLimit
// posts per call. Malformed keys are skipped rather than failing the batch,
// and a store failure degrades to the cached portion; the success-rate header
// tells the client how much of the request resolved.
func (a *Api) batchCountsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()
	if !a.allow(w, r, ratelimit.ClassInteract) {
		return
	}
	ids := parseCSV(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		cerr.ReportError(w, cerr.New(cerr.Validation, "ids is required").WithDetails("ids"))
		return
	}
	if len(ids) > maxLimit {
		cerr.ReportError(w, cerr.Newf(cerr.Validation, "at most %d ids per call", maxLimit).WithDetails("ids"))
		return
	}
	keys := make([]types.PostKey, 0, len(ids))
	for _, raw := range ids {
		key, err := types.ParsePostKey(raw)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	counts, err := a.pipeline.Counts(ctx, keys)
	if err != nil {
		sklog.Warningf("Batch counts degraded to %d of %d ids: %s", len(counts), len(ids), err)
	}
	out := make(map[string]store.Counts, len(counts))
	for key, c := range counts {
		out[key.String()] = c
	}
	w.Header().Set(types.HeaderSuccessRate, fmt.Sprintf("%.2f", float64(len(out))/float64(len(ids))))
	writeJSON(w, out)
}
