// Package types contains the domain types shared by the corgi packages: the
// upstream-shaped JSON objects (statuses, accounts) plus the records this
// service persists (posts, interactions, rankings).
package types

import (
	"fmt"
	"strings"
	"time"
)

// SyntheticInstance is the instance name under which this service's own
// synthetic posts live, e.g. the embedded cold-start seed corpus. It is not
// a resolvable domain.
const SyntheticInstance = "corgi.internal"

// Diagnostic response headers. HeaderSource says where the primary content
// came from: "upstream", "cache", "recommended", or "cold_start".
const (
	HeaderSource         = "X-Corgi-Source"
	HeaderProcessingTime = "X-Corgi-Processing-Time"
	HeaderSuccessRate    = "X-Corgi-Success-Rate"
	HeaderAliasTier      = "X-Corgi-Alias-Tier"
)

// PostKey uniquely identifies a post across instances. The canonical string
// form is "instance/post_id", e.g. "mastodon.social/109372".
type PostKey struct {
	Instance string `json:"instance"`
	PostID   string `json:"post_id"`
}

// ParsePostKey parses the canonical "instance/post_id" form. The instance
// part never contains a slash, so the first separator wins.
func ParsePostKey(s string) (PostKey, error) {
	idx := strings.Index(s, "/")
	if idx <= 0 || idx == len(s)-1 {
		return PostKey{}, fmt.Errorf("invalid post key %q", s)
	}
	return PostKey{Instance: s[:idx], PostID: s[idx+1:]}, nil
}

func (k PostKey) String() string {
	return k.Instance + "/" + k.PostID
}

// IsZero returns true for the zero PostKey.
func (k PostKey) IsZero() bool {
	return k.Instance == "" && k.PostID == ""
}

// AccountField is one entry of an account's profile metadata table.
type AccountField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Account is the upstream-shaped account object. Only the fields this
// service reads are declared; unknown fields pass through untouched in
// proxied responses because those bodies are never re-marshaled from this
// struct.
type Account struct {
	ID          string         `json:"id"`
	Username    string         `json:"username"`
	Acct        string         `json:"acct"`
	DisplayName string         `json:"display_name,omitempty"`
	URL         string         `json:"url,omitempty"`
	Note        string         `json:"note,omitempty"`
	Fields      []AccountField `json:"fields,omitempty"`
	Bot         bool           `json:"bot,omitempty"`
}

// Handle returns the fully qualified user@instance handle for an account
// seen on the given instance. Local accounts have a bare Acct.
func (a Account) Handle(instance string) string {
	if strings.Contains(a.Acct, "@") {
		return a.Acct
	}
	return a.Acct + "@" + instance
}

// Tag is an upstream-shaped hashtag reference.
type Tag struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// MediaAttachment is an upstream-shaped media descriptor.
type MediaAttachment struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	URL         string `json:"url,omitempty"`
	PreviewURL  string `json:"preview_url,omitempty"`
	Description string `json:"description,omitempty"`
}

// Status is the upstream-shaped status object, extended with the
// augmentation-only fields this service adds to injected posts. Compliant
// clients ignore the extra fields.
type Status struct {
	ID               string            `json:"id"`
	URI              string            `json:"uri,omitempty"`
	URL              string            `json:"url,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	Content          string            `json:"content"`
	Language         string            `json:"language,omitempty"`
	Account          Account           `json:"account"`
	Tags             []Tag             `json:"tags,omitempty"`
	MediaAttachments []MediaAttachment `json:"media_attachments,omitempty"`
	FavouritesCount  int64             `json:"favourites_count"`
	ReblogsCount     int64             `json:"reblogs_count"`
	RepliesCount     int64             `json:"replies_count"`
	Favourited       bool              `json:"favourited,omitempty"`
	Reblogged        bool              `json:"reblogged,omitempty"`
	Bookmarked       bool              `json:"bookmarked,omitempty"`

	// Augmentation-only fields, present on injected posts.
	IsRecommendation bool    `json:"is_recommendation,omitempty"`
	ReasonCategory   string  `json:"reason_category,omitempty"`
	ReasonDetail     string  `json:"reason_detail,omitempty"`
	Score            float64 `json:"score,omitempty"`
}

// TagNames returns the lowercased names of the status's tags.
func (s *Status) TagNames() []string {
	if len(s.Tags) == 0 {
		return nil
	}
	ret := make([]string, 0, len(s.Tags))
	for _, t := range s.Tags {
		ret = append(ret, strings.ToLower(t.Name))
	}
	return ret
}

// DiscoverySource says which crawl source first surfaced a post.
type DiscoverySource string

const (
	SourceTimeline DiscoverySource = "timeline"
	SourceHashtag  DiscoverySource = "hashtag"
	SourceAccount  DiscoverySource = "account"
)

// Post is a corpus record: a cached copy of an upstream post plus discovery
// metadata. Engagement counters are cached from upstream and refreshed
// opportunistically; they are never authoritative.
type Post struct {
	Key                PostKey
	AuthorHandle       string
	AuthorID           string
	Content            string
	CreatedAt          time.Time
	Language           string
	LanguageConfidence float64
	Tags               []string
	Media              []MediaAttachment

	Favorites int64
	Reblogs   int64
	Replies   int64

	Source          DiscoverySource
	DiscoveredAt    time.Time
	DiscoveryReason string
}

// EngagementScore is the raw engagement sum used by trending and ranking:
// favorites + 2*reblogs + 1.5*replies.
func (p *Post) EngagementScore() float64 {
	return float64(p.Favorites) + 2*float64(p.Reblogs) + 1.5*float64(p.Replies)
}

// Status converts a corpus post back into the upstream-shaped status object
// served to clients.
func (p *Post) Status() *Status {
	username := p.AuthorHandle
	if i := strings.Index(username, "@"); i > 0 {
		username = username[:i]
	}
	tags := make([]Tag, 0, len(p.Tags))
	for _, name := range p.Tags {
		tags = append(tags, Tag{Name: name})
	}
	return &Status{
		ID:        p.Key.PostID,
		CreatedAt: p.CreatedAt,
		Content:   p.Content,
		Language:  p.Language,
		Account: Account{
			ID:       p.AuthorID,
			Username: username,
			Acct:     p.AuthorHandle,
		},
		Tags:             tags,
		MediaAttachments: p.Media,
		FavouritesCount:  p.Favorites,
		ReblogsCount:     p.Reblogs,
		RepliesCount:     p.Replies,
	}
}

// Action is an interaction verb. The canonical set is below; synonyms are
// normalized before validation.
type Action string

const (
	ActionFavorite     Action = "favorite"
	ActionUnfavorite   Action = "unfavorite"
	ActionReblog       Action = "reblog"
	ActionUnreblog     Action = "unreblog"
	ActionReply        Action = "reply"
	ActionBookmark     Action = "bookmark"
	ActionUnbookmark   Action = "unbookmark"
	ActionView         Action = "view"
	ActionMoreLikeThis Action = "more_like_this"
	ActionLessLikeThis Action = "less_like_this"
)

// AllActions is the allowed action set, post-normalization.
var AllActions = []Action{
	ActionFavorite, ActionUnfavorite,
	ActionReblog, ActionUnreblog,
	ActionReply,
	ActionBookmark, ActionUnbookmark,
	ActionView,
	ActionMoreLikeThis, ActionLessLikeThis,
}

// actionSynonyms maps accepted synonyms to canonical actions. Applied before
// the membership check.
var actionSynonyms = map[string]Action{
	"share":   ActionReblog,
	"boost":   ActionReblog,
	"comment": ActionReply,
	"click":   ActionView,
	"like":    ActionFavorite,
	"unlike":  ActionUnfavorite,
}

// NormalizeAction lowercases, trims and resolves synonyms. The returned bool
// reports whether the result is in the allowed set.
func NormalizeAction(raw string) (Action, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := actionSynonyms[s]; ok {
		return canonical, true
	}
	a := Action(s)
	for _, known := range AllActions {
		if a == known {
			return a, true
		}
	}
	return a, false
}

// Family returns the toggle family an action belongs to, and whether the
// action asserts (true) or clears (false) the family state. Non-toggle
// actions are their own family and always assert.
func (a Action) Family() (string, bool) {
	switch a {
	case ActionFavorite:
		return "favorite", true
	case ActionUnfavorite:
		return "favorite", false
	case ActionReblog:
		return "reblog", true
	case ActionUnreblog:
		return "reblog", false
	case ActionBookmark:
		return "bookmark", true
	case ActionUnbookmark:
		return "bookmark", false
	default:
		return string(a), true
	}
}

// IsPositive reports whether the action counts toward positive affinity.
// Views are excluded here; the ranking config may opt them in separately.
func (a Action) IsPositive() bool {
	switch a {
	case ActionFavorite, ActionReblog, ActionReply, ActionBookmark, ActionMoreLikeThis:
		return true
	default:
		return false
	}
}

// IsNegative reports whether the action is an explicit negative signal.
func (a Action) IsNegative() bool {
	return a == ActionLessLikeThis
}

// Interaction is one append-only behavior record.
type Interaction struct {
	ID        int64
	Alias     string
	Post      PostKey
	Action    Action
	Context   map[string]interface{}
	CreatedAt time.Time
}

// AffinityCounts is the per-author summary derived from an alias's
// interaction log.
type AffinityCounts struct {
	PositiveCount int64
	TotalCount    int64
}

// ReasonCategory names the dominant sub-score behind a recommendation.
type ReasonCategory string

const (
	ReasonAuthorAffinity  ReasonCategory = "author_affinity"
	ReasonEngagement      ReasonCategory = "engagement"
	ReasonRecency         ReasonCategory = "recency"
	ReasonContentAffinity ReasonCategory = "content_affinity"
	ReasonTrending        ReasonCategory = "trending"
	ReasonSerendipity     ReasonCategory = "serendipity"
)

// RankingRecord is one scored recommendation persisted per alias per
// generation. Records from the same pipeline run share GeneratedAt.
type RankingRecord struct {
	Alias          string         `json:"alias"`
	Post           PostKey        `json:"post"`
	Score          float64        `json:"score"`
	ReasonCategory ReasonCategory `json:"reason_category"`
	ReasonDetail   string         `json:"reason_detail,omitempty"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// TokenMapping routes a bearer token to an alias and its home instance.
// Writes are owned by the identity component; this service only reads.
type TokenMapping struct {
	Alias     string
	Instance  string
	Token     string
	ExpiresAt time.Time
	Scopes    []string
}

// Expired returns true if the mapping has an expiry in the past.
func (t TokenMapping) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && t.ExpiresAt.Before(now)
}

// OptOutEntry caches an author's crawl opt-out state.
type OptOutEntry struct {
	AuthorHandle string
	OptedOut     bool
	FetchedAt    time.Time
}

// InstanceHealth is the crawler's per-instance failure record.
type InstanceHealth struct {
	Instance            string
	ConsecutiveFailures int
	LastSuccessAt       time.Time
	CooldownUntil       time.Time
}

// Healthy returns true if the instance is not cooling down at the given time.
func (h InstanceHealth) Healthy(now time.Time) bool {
	return h.CooldownUntil.IsZero() || !now.Before(h.CooldownUntil)
}
