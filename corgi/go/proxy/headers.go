package proxy

import (
	"fmt"
	"net/http"
	"time"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/identity"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
)

// timedWriter stamps the debug headers immediately before the first byte of
// the response goes out, once the processing time is actually known.
type timedWriter struct {
	http.ResponseWriter
	start time.Time
	tier  identity.Tier
	wrote bool
}

func (t *timedWriter) WriteHeader(code int) {
	if !t.wrote {
		t.wrote = true
		ms := float64(time.Since(t.start).Microseconds()) / 1000.0
		t.Header().Set(types.HeaderProcessingTime, fmt.Sprintf("%.2f", ms))
		t.Header().Set(types.HeaderAliasTier, string(t.tier))
	}
	t.ResponseWriter.WriteHeader(code)
}

func (t *timedWriter) Write(b []byte) (int, error) {
	if !t.wrote {
		t.WriteHeader(http.StatusOK)
	}
	return t.ResponseWriter.Write(b)
}

// Flush lets streaming handlers keep working through the wrapper.
func (t *timedWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Headers adds the processing-time and identity-tier headers to every
// response. It must run inside the identity middleware so the tier is
// resolved.
func Headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := identity.FromContext(r.Context())
		tw := &timedWriter{ResponseWriter: w, start: time.Now(), tier: id.Tier}
		next.ServeHTTP(tw, r)
	})
}
