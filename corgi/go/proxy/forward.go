package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/upstream"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/util"
)

// maxBodyBytes bounds how much of an upstream response is buffered.
const maxBodyBytes = 8 << 20

// ownParams are query parameters this service consumes; they are stripped
// before the request goes upstream.
var ownParams = []string{"skip_cache", "alias"}

// hopHeaders are dropped in both directions, per RFC 7230 section 6.1.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// upstreamResponse is one forwarded reply, fully buffered.
type upstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Latency    time.Duration
}

// forward replays r against instance, with the caller's bearer attached, and
// buffers the reply. Network failures map to upstream_error and deadline hits
// to timeout.
func (p *Proxy) forward(ctx context.Context, instance string, r *http.Request, bearer string) (*upstreamResponse, error) {
	q := url.Values{}
	for name, vals := range r.URL.Query() {
		q[name] = vals
	}
	for _, name := range ownParams {
		q.Del(name)
	}
	u := upstream.BaseURL(instance) + r.URL.Path
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, u, r.Body)
	if err != nil {
		return nil, skerr.Wrapf(err, "building upstream request for %s", u)
	}
	copyHeader(req.Header, r.Header)
	for _, name := range hopHeaders {
		req.Header.Del(name)
	}
	req.Header.Del("Authorization")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, cerr.Wrap(cerr.Timeout, err, "upstream deadline exceeded")
		}
		return nil, cerr.Wrap(cerr.Upstream, err, "upstream unreachable")
	}
	defer util.Close(resp.Body)
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, cerr.Wrap(cerr.Upstream, err, "reading upstream response")
	}

	header := http.Header{}
	copyHeader(header, resp.Header)
	for _, name := range hopHeaders {
		header.Del(name)
	}
	header.Del("Content-Length")
	return &upstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		Latency:    latency,
	}, nil
}

// writeUpstream relays a buffered upstream reply to the client verbatim.
func writeUpstream(w http.ResponseWriter, up *upstreamResponse, source string) {
	copyHeader(w.Header(), up.Header)
	if source != "" {
		w.Header().Set(types.HeaderSource, source)
	}
	w.WriteHeader(up.StatusCode)
	if _, err := w.Write(up.Body); err != nil {
		sklog.Errorf("Failed to relay upstream response: %s", err)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		dst[k] = append([]string(nil), vs...)
	}
}
