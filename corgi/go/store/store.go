// Package store defines the persistence interfaces for the corpus of crawled
// posts, recorded interactions, persisted rankings, token mappings, and
// operational state. Implementations live in the boltstore and sqlstore
// subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
)

// ErrNotFound is returned when a requested row does not exist. Callers use
// errors.Is to distinguish absence from store failure.
var ErrNotFound = errors.New("not found")

// InClauseChunk is the maximum number of values bound into a single IN
// clause. Larger lookups are split into multiple queries.
const InClauseChunk = 5000

// Counts tallies recorded interactions for one post, keyed by action.
type Counts map[types.Action]int64

// DeadJob is a background job that exhausted its retry budget.
type DeadJob struct {
	ID        string    `json:"id"`
	Class     string    `json:"class"`
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload,omitempty"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// PostStore holds the crawled corpus.
type PostStore interface {
	// UpsertPost inserts or refreshes a post. DiscoveredAt and the discovery
	// source survive re-crawls of the same post.
	UpsertPost(ctx context.Context, post *types.Post) error

	// GetPost returns one post or ErrNotFound.
	GetPost(ctx context.Context, key types.PostKey) (*types.Post, error)

	// GetPosts bulk-fetches posts. Missing keys are absent from the result.
	GetPosts(ctx context.Context, keys []types.PostKey) (map[types.PostKey]*types.Post, error)

	// RecentPosts returns posts created at or after since, newest first,
	// capped at limit.
	RecentPosts(ctx context.Context, since time.Time, limit int) ([]*types.Post, error)

	// PostsByAuthors returns posts by the given author handles created at or
	// after since, newest first, capped at limit.
	PostsByAuthors(ctx context.Context, handles []string, since time.Time, limit int) ([]*types.Post, error)

	// UpdateCounters overwrites the upstream engagement counters.
	UpdateCounters(ctx context.Context, key types.PostKey, favorites, reblogs, replies int64) error

	// SweepOlderThan deletes posts created before cutoff and returns how many
	// were removed.
	SweepOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// CountPosts returns the corpus size.
	CountPosts(ctx context.Context) (int, error)
}

// InteractionStore is the append-only interaction log.
type InteractionStore interface {
	// Append stores one interaction. The store assigns ID, and CreatedAt when
	// unset. IDs increase with insertion order, so the newest interaction in
	// an action family is the one with the highest ID.
	Append(ctx context.Context, in *types.Interaction) error

	// CountsForPosts tallies interactions per post for the given keys.
	CountsForPosts(ctx context.Context, keys []types.PostKey) (map[types.PostKey]Counts, error)

	// AffinityByAuthor aggregates one alias's interactions per post author.
	// Views count only when includeViews is set.
	AffinityByAuthor(ctx context.Context, alias string, includeViews bool) (map[string]types.AffinityCounts, error)

	// OverlapAliases returns other aliases that interacted with at least one
	// post this alias interacted with.
	OverlapAliases(ctx context.Context, alias string, limit int) ([]string, error)

	// PostKeysForAliases returns the distinct posts the given aliases
	// interacted with, capped at limit.
	PostKeysForAliases(ctx context.Context, aliases []string, limit int) ([]types.PostKey, error)

	// ForAliasAndPost returns this alias's interactions with one post, oldest
	// first.
	ForAliasAndPost(ctx context.Context, alias string, key types.PostKey) ([]*types.Interaction, error)

	// ForAlias returns the alias's interactions, oldest first, capped at
	// limit when limit > 0.
	ForAlias(ctx context.Context, alias string, limit int) ([]*types.Interaction, error)

	// DeleteForAlias removes every interaction recorded for the alias and
	// returns how many were removed.
	DeleteForAlias(ctx context.Context, alias string) (int, error)
}

// RankingStore persists generated recommendation sets.
type RankingStore interface {
	// Save replaces the alias's ranking set. Every record must carry the same
	// GeneratedAt and post keys must be unique within the set.
	Save(ctx context.Context, alias string, recs []types.RankingRecord) error

	// Latest returns the most recent ranking set, highest score first, or
	// ErrNotFound when none was ever persisted.
	Latest(ctx context.Context, alias string) ([]types.RankingRecord, error)

	// Delete drops the alias's persisted rankings.
	Delete(ctx context.Context, alias string) error
}

// TokenStore maps hashed bearer tokens to aliases. Raw tokens are never
// stored.
type TokenStore interface {
	Upsert(ctx context.Context, m types.TokenMapping) error

	// Lookup returns the mapping for a token hash or ErrNotFound.
	Lookup(ctx context.Context, tokenHash string) (types.TokenMapping, error)

	// RevokeForAlias removes every mapping for the alias and returns how many
	// were removed.
	RevokeForAlias(ctx context.Context, alias string) (int, error)
}

// HealthStore tracks per-instance crawler health and stream watermarks.
type HealthStore interface {
	SetHealth(ctx context.Context, h types.InstanceHealth) error

	// GetHealth returns the health record, or a zero record with the instance
	// filled in when none exists yet.
	GetHealth(ctx context.Context, instance string) (types.InstanceHealth, error)

	ListHealth(ctx context.Context) ([]types.InstanceHealth, error)

	// GetWatermark returns the last seen post ID for a crawl stream, or ""
	// when the stream was never crawled.
	GetWatermark(ctx context.Context, instance, stream string) (string, error)

	SetWatermark(ctx context.Context, instance, stream, id string) error
}

// OptOutStore persists author opt-out decisions between bio refreshes.
type OptOutStore interface {
	SetOptOut(ctx context.Context, e types.OptOutEntry) error

	// GetOptOut returns the entry or ErrNotFound.
	GetOptOut(ctx context.Context, authorHandle string) (types.OptOutEntry, error)

	// ExpireOptOutsBefore deletes entries fetched before cutoff and returns
	// how many were removed.
	ExpireOptOutsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// DLQStore holds jobs that exhausted their retry budget.
type DLQStore interface {
	AppendDead(ctx context.Context, job DeadJob) error
	ListDead(ctx context.Context, limit int) ([]DeadJob, error)

	// PurgeDead removes all dead jobs and returns how many were removed.
	PurgeDead(ctx context.Context) (int, error)
}

// ValidateRankingSet enforces the invariants every RankingStore.Save
// implementation requires: a non-empty set, one shared GeneratedAt, and
// unique post keys.
func ValidateRankingSet(recs []types.RankingRecord) error {
	if len(recs) == 0 {
		return skerr.Fmt("ranking set must not be empty")
	}
	generatedAt := recs[0].GeneratedAt
	seen := make(map[types.PostKey]bool, len(recs))
	for _, r := range recs {
		if !r.GeneratedAt.Equal(generatedAt) {
			return skerr.Fmt("all records in a ranking set must share one generated_at")
		}
		if seen[r.Post] {
			return skerr.Fmt("duplicate post key %s in ranking set", r.Post)
		}
		seen[r.Post] = true
	}
	return nil
}

// Stores bundles every persistence interface behind one value.
type Stores struct {
	Posts        PostStore
	Interactions InteractionStore
	Rankings     RankingStore
	Tokens       TokenStore
	Health       HealthStore
	OptOut       OptOutStore
	DLQ          DLQStore
}
