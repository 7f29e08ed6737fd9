// Package sqlstore implements the store interfaces on a Postgres-compatible
// database via pgx. It is the backend for multi-replica deployments; single
// node deployments default to boltstore.
package sqlstore

import (
	"context"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sql/pool"
)

// Schema is the DDL for every table. Statements are idempotent so EnsureSchema
// can run at every start.
const Schema = `
CREATE TABLE IF NOT EXISTS Posts (
	post_key TEXT PRIMARY KEY,
	instance TEXT NOT NULL,
	author_handle TEXT NOT NULL,
	author_id TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	language TEXT NOT NULL DEFAULT '',
	language_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	tags TEXT[],
	media JSONB,
	favorites BIGINT NOT NULL DEFAULT 0,
	reblogs BIGINT NOT NULL DEFAULT 0,
	replies BIGINT NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT '',
	discovered_at TIMESTAMPTZ NOT NULL,
	discovery_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS posts_by_created ON Posts (created_at DESC);
CREATE INDEX IF NOT EXISTS posts_by_author ON Posts (author_handle, created_at DESC);

CREATE TABLE IF NOT EXISTS Interactions (
	id BIGSERIAL PRIMARY KEY,
	alias TEXT NOT NULL,
	post_key TEXT NOT NULL,
	action TEXT NOT NULL,
	context JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS interactions_by_alias ON Interactions (alias, id);
CREATE INDEX IF NOT EXISTS interactions_by_post ON Interactions (post_key);

CREATE TABLE IF NOT EXISTS Rankings (
	alias TEXT NOT NULL,
	post_key TEXT NOT NULL,
	score DOUBLE PRECISION NOT NULL,
	reason_category TEXT NOT NULL,
	reason_detail TEXT NOT NULL DEFAULT '',
	generated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (alias, post_key)
);

CREATE TABLE IF NOT EXISTS Tokens (
	token_hash TEXT PRIMARY KEY,
	alias TEXT NOT NULL,
	instance TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMPTZ NOT NULL,
	scopes TEXT[]
);
CREATE INDEX IF NOT EXISTS tokens_by_alias ON Tokens (alias);

CREATE TABLE IF NOT EXISTS InstanceHealth (
	instance TEXT PRIMARY KEY,
	consecutive_failures INT NOT NULL DEFAULT 0,
	last_success_at TIMESTAMPTZ NOT NULL,
	cooldown_until TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS Watermarks (
	instance TEXT NOT NULL,
	stream TEXT NOT NULL,
	post_id TEXT NOT NULL,
	PRIMARY KEY (instance, stream)
);

CREATE TABLE IF NOT EXISTS OptOuts (
	author_handle TEXT PRIMARY KEY,
	opted_out BOOL NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS DeadJobs (
	id TEXT PRIMARY KEY,
	class TEXT NOT NULL,
	key TEXT NOT NULL,
	payload BYTEA,
	attempts INT NOT NULL,
	last_error TEXT NOT NULL,
	failed_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema applies the DDL.
func EnsureSchema(ctx context.Context, db pool.Pool) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return skerr.Wrapf(err, "applying schema")
	}
	return nil
}

// New returns the full store bundle backed by db.
func New(db pool.Pool) store.Stores {
	return store.Stores{
		Posts:        NewPostStore(db),
		Interactions: NewInteractionStore(db),
		Rankings:     NewRankingStore(db),
		Tokens:       NewTokenStore(db),
		Health:       NewHealthStore(db),
		OptOut:       NewOptOutStore(db),
		DLQ:          NewDLQStore(db),
	}
}
