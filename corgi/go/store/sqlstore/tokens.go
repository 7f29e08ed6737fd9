package sqlstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sql/pool"
)

// tokenStatement is an SQL statement identifier.
type tokenStatement int

const (
	upsertToken tokenStatement = iota
	lookupToken
	deleteTokensForAlias
)

// tokenStatements holds all the raw SQL statements.
var tokenStatements = map[tokenStatement]string{
	upsertToken: `
		INSERT INTO
			Tokens (token_hash, alias, instance, expires_at, scopes)
		VALUES
			($1, $2, $3, $4, $5)
		ON CONFLICT (token_hash) DO UPDATE SET
			alias=EXCLUDED.alias,
			instance=EXCLUDED.instance,
			expires_at=EXCLUDED.expires_at,
			scopes=EXCLUDED.scopes
	`,
	lookupToken: `
		SELECT
			token_hash, alias, instance, expires_at, scopes
		FROM
			Tokens
		WHERE
			token_hash = $1
	`,
	deleteTokensForAlias: `
		DELETE
		FROM
			Tokens
		WHERE
			alias = $1
	`,
}

// TokenStore implements store.TokenStore using an SQL database.
type TokenStore struct {
	db pool.Pool
}

// NewTokenStore returns a new *TokenStore.
func NewTokenStore(db pool.Pool) *TokenStore {
	return &TokenStore{db: db}
}

// Upsert implements store.TokenStore.
func (s *TokenStore) Upsert(ctx context.Context, m types.TokenMapping) error {
	if m.Token == "" {
		return skerr.Fmt("token hash must be set")
	}
	if _, err := s.db.Exec(ctx, tokenStatements[upsertToken],
		m.Token, m.Alias, m.Instance, m.ExpiresAt, m.Scopes); err != nil {
		return skerr.Wrapf(err, "upserting token mapping")
	}
	return nil
}

// Lookup implements store.TokenStore.
func (s *TokenStore) Lookup(ctx context.Context, tokenHash string) (types.TokenMapping, error) {
	var m types.TokenMapping
	if err := s.db.QueryRow(ctx, tokenStatements[lookupToken], tokenHash).Scan(
		&m.Token, &m.Alias, &m.Instance, &m.ExpiresAt, &m.Scopes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.TokenMapping{}, skerr.Wrapf(store.ErrNotFound, "token mapping")
		}
		return types.TokenMapping{}, skerr.Wrapf(err, "loading token mapping")
	}
	m.ExpiresAt = m.ExpiresAt.UTC()
	return m, nil
}

// RevokeForAlias implements store.TokenStore.
func (s *TokenStore) RevokeForAlias(ctx context.Context, alias string) (int, error) {
	res, err := s.db.Exec(ctx, tokenStatements[deleteTokensForAlias], alias)
	if err != nil {
		return 0, skerr.Wrapf(err, "deleting token mappings")
	}
	return int(res.RowsAffected()), nil
}

var _ store.TokenStore = (*TokenStore)(nil)
