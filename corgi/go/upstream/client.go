// Package upstream is the HTTP client for federated servers exposing the
// Mastodon client API. The crawler, identity resolution, and counter refresh
// jobs all go through it.
//
// The client never retries on its own. Callers watch for rate signals and
// apply their own backoff, so a 429 must surface immediately.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/httputils"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/util"
)

// MaxPageSize is the largest page the Mastodon API serves.
const MaxPageSize = 40

const userAgent = "corgi-recommender/1.0"

// StatusError is a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d for %s", e.StatusCode, e.URL)
}

// IsRateSignal reports whether err is an upstream response asking us to slow
// down.
func IsRateSignal(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == http.StatusTooManyRequests || se.StatusCode == http.StatusServiceUnavailable
}

// RetryAfterHint returns the server-provided wait duration, or 0.
func RetryAfterHint(err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// Client talks to upstream servers.
type Client struct {
	client *http.Client
}

// NewClient returns a Client with the given per-request timeout.
func NewClient(requestTimeout time.Duration) *Client {
	return &Client{
		client: httputils.DefaultClientConfig().
			WithRequestTimeout(requestTimeout).
			Client(),
	}
}

// NewClientWithHTTP returns a Client on an existing http.Client.
func NewClientWithHTTP(httpClient *http.Client) *Client {
	return &Client{client: httpClient}
}

// BaseURL normalizes an instance reference to a URL with a scheme.
func BaseURL(instance string) string {
	if strings.HasPrefix(instance, "http://") || strings.HasPrefix(instance, "https://") {
		return strings.TrimRight(instance, "/")
	}
	return "https://" + strings.TrimRight(instance, "/")
}

// get fetches u and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, u, bearer string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return skerr.Wrapf(err, "building request for %s", u)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return skerr.Wrapf(err, "fetching %s", u)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp),
			URL:        u,
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return skerr.Wrapf(err, "decoding response from %s", u)
	}
	return nil
}

// parseRetryAfter reads the Retry-After header, in either delta-seconds or
// HTTP date form.
func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// timelineQuery builds the shared timeline paging parameters.
func timelineQuery(sinceID string, limit int) url.Values {
	q := url.Values{}
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	q.Set("limit", strconv.Itoa(limit))
	return q
}

// PublicTimeline returns the instance's public timeline, newest first.
func (c *Client) PublicTimeline(ctx context.Context, instance string, local bool, sinceID string, limit int) ([]*types.Status, error) {
	q := timelineQuery(sinceID, limit)
	if local {
		q.Set("local", "true")
	}
	u := BaseURL(instance) + "/api/v1/timelines/public?" + q.Encode()
	var statuses []*types.Status
	if err := c.get(ctx, u, "", &statuses); err != nil {
		return nil, skerr.Wrap(err)
	}
	return statuses, nil
}

// HashtagTimeline returns the instance's timeline for one hashtag, newest
// first. The tag is passed without the leading '#'.
func (c *Client) HashtagTimeline(ctx context.Context, instance, tag, sinceID string, limit int) ([]*types.Status, error) {
	tag = strings.TrimPrefix(tag, "#")
	q := timelineQuery(sinceID, limit)
	u := BaseURL(instance) + "/api/v1/timelines/tag/" + url.PathEscape(tag) + "?" + q.Encode()
	var statuses []*types.Status
	if err := c.get(ctx, u, "", &statuses); err != nil {
		return nil, skerr.Wrap(err)
	}
	return statuses, nil
}

// AccountStatuses returns an account's recent posts, newest first.
func (c *Client) AccountStatuses(ctx context.Context, instance, accountID, sinceID string, limit int) ([]*types.Status, error) {
	q := timelineQuery(sinceID, limit)
	q.Set("exclude_replies", "true")
	u := BaseURL(instance) + "/api/v1/accounts/" + url.PathEscape(accountID) + "/statuses?" + q.Encode()
	var statuses []*types.Status
	if err := c.get(ctx, u, "", &statuses); err != nil {
		return nil, skerr.Wrap(err)
	}
	return statuses, nil
}

// GetStatus returns one status, used to refresh engagement counters.
func (c *Client) GetStatus(ctx context.Context, instance, id string) (*types.Status, error) {
	u := BaseURL(instance) + "/api/v1/statuses/" + url.PathEscape(id)
	var status types.Status
	if err := c.get(ctx, u, "", &status); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &status, nil
}

// LookupAccount resolves an acct (user or user@domain) on the given instance.
func (c *Client) LookupAccount(ctx context.Context, instance, acct string) (*types.Account, error) {
	q := url.Values{}
	q.Set("acct", acct)
	u := BaseURL(instance) + "/api/v1/accounts/lookup?" + q.Encode()
	var account types.Account
	if err := c.get(ctx, u, "", &account); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &account, nil
}

// VerifyCredentials resolves a bearer token to its account.
func (c *Client) VerifyCredentials(ctx context.Context, instance, bearer string) (*types.Account, error) {
	u := BaseURL(instance) + "/api/v1/accounts/verify_credentials"
	var account types.Account
	if err := c.get(ctx, u, bearer, &account); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &account, nil
}

// SplitHandle splits "user@domain" into its parts.
func SplitHandle(handle string) (user, domain string, err error) {
	handle = strings.TrimPrefix(handle, "@")
	i := strings.LastIndex(handle, "@")
	if i <= 0 || i == len(handle)-1 {
		return "", "", skerr.Fmt("handle %q is not of the form user@domain", handle)
	}
	return handle[:i], handle[i+1:], nil
}

// FetchProfile implements optout.ProfileFetcher. The author's home instance
// answers the lookup.
func (c *Client) FetchProfile(ctx context.Context, handle string) (*types.Account, error) {
	user, domain, err := SplitHandle(handle)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	account, err := c.LookupAccount(ctx, domain, user)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return account, nil
}
