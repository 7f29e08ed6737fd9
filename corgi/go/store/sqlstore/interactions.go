package sqlstore

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v4"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sql/pool"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sql/sqlutil"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/util"
)

// interactionStatement is an SQL statement identifier.
type interactionStatement int

const (
	insertInteraction interactionStatement = iota
	countsForPostsPrefix
	affinityByAuthor
	overlapAliases
	postKeysForAliasesPrefix
	forAliasAndPost
	forAlias
	forAliasLimited
	deleteForAlias
)

// interactionStatements holds all the raw SQL statements.
//
// The positive action list in affinityByAuthor mirrors
// types.Action.IsPositive.
var interactionStatements = map[interactionStatement]string{
	insertInteraction: `
		INSERT INTO
			Interactions (alias, post_key, action, context, created_at)
		VALUES
			($1, $2, $3, $4, COALESCE($5, now()))
		RETURNING
			id, created_at
	`,
	countsForPostsPrefix: `
		SELECT
			post_key, action, COUNT(*)
		FROM
			Interactions
		WHERE
			post_key IN
	`,
	affinityByAuthor: `
		SELECT
			p.author_handle,
			SUM(CASE WHEN i.action IN
				('favorite', 'reblog', 'reply', 'bookmark', 'more_like_this', 'view')
				AND (i.action != 'view' OR $2) THEN 1 ELSE 0 END),
			COUNT(*)
		FROM
			Interactions i
		JOIN
			Posts p ON p.post_key = i.post_key
		WHERE
			i.alias = $1 AND (i.action != 'view' OR $2)
		GROUP BY
			p.author_handle
	`,
	overlapAliases: `
		SELECT DISTINCT
			i2.alias
		FROM
			Interactions i1
		JOIN
			Interactions i2 ON i1.post_key = i2.post_key
		WHERE
			i1.alias = $1 AND i2.alias != $1
		LIMIT $2
	`,
	postKeysForAliasesPrefix: `
		SELECT DISTINCT
			post_key
		FROM
			Interactions
		WHERE
			alias IN
	`,
	forAliasAndPost: `
		SELECT
			id, alias, post_key, action, context, created_at
		FROM
			Interactions
		WHERE
			alias = $1 AND post_key = $2
		ORDER BY
			id
	`,
	forAlias: `
		SELECT
			id, alias, post_key, action, context, created_at
		FROM
			Interactions
		WHERE
			alias = $1
		ORDER BY
			id
	`,
	forAliasLimited: `
		SELECT
			id, alias, post_key, action, context, created_at
		FROM
			Interactions
		WHERE
			alias = $1
		ORDER BY
			id
		LIMIT $2
	`,
	deleteForAlias: `
		DELETE
		FROM
			Interactions
		WHERE
			alias = $1
	`,
}

// InteractionStore implements store.InteractionStore using an SQL database.
type InteractionStore struct {
	db pool.Pool
}

// NewInteractionStore returns a new *InteractionStore.
func NewInteractionStore(db pool.Pool) *InteractionStore {
	return &InteractionStore{db: db}
}

// Append implements store.InteractionStore.
func (s *InteractionStore) Append(ctx context.Context, in *types.Interaction) error {
	if in.Alias == "" {
		return skerr.Fmt("interaction alias must be set")
	}
	if in.Post.IsZero() {
		return skerr.Fmt("interaction post key must be set")
	}
	var contextJSON []byte
	if in.Context != nil {
		var err error
		contextJSON, err = json.Marshal(in.Context)
		if err != nil {
			return skerr.Wrap(err)
		}
	}
	var createdAt interface{}
	if !in.CreatedAt.IsZero() {
		createdAt = in.CreatedAt
	}
	if err := s.db.QueryRow(ctx, interactionStatements[insertInteraction],
		in.Alias,
		in.Post.String(),
		string(in.Action),
		contextJSON,
		createdAt,
	).Scan(&in.ID, &in.CreatedAt); err != nil {
		return skerr.Wrapf(err, "appending interaction")
	}
	in.CreatedAt = in.CreatedAt.UTC()
	return nil
}

// CountsForPosts implements store.InteractionStore.
func (s *InteractionStore) CountsForPosts(ctx context.Context, keys []types.PostKey) (map[types.PostKey]store.Counts, error) {
	ret := make(map[types.PostKey]store.Counts, len(keys))
	err := util.ChunkIter(len(keys), store.InClauseChunk, func(start, end int) error {
		chunk := keys[start:end]
		args := make([]interface{}, 0, len(chunk))
		for _, key := range chunk {
			args = append(args, key.String())
		}
		stmt := interactionStatements[countsForPostsPrefix] +
			"(" + sqlutil.InPlaceholders(1, len(chunk)) + ") GROUP BY post_key, action"
		rows, err := s.db.Query(ctx, stmt, args...)
		if err != nil {
			return skerr.Wrapf(err, "counting interactions")
		}
		defer rows.Close()
		for rows.Next() {
			var rawKey, action string
			var n int64
			if err := rows.Scan(&rawKey, &action, &n); err != nil {
				return skerr.Wrap(err)
			}
			key, err := types.ParsePostKey(rawKey)
			if err != nil {
				return skerr.Wrap(err)
			}
			counts := ret[key]
			if counts == nil {
				counts = store.Counts{}
				ret[key] = counts
			}
			counts[types.Action(action)] = n
		}
		return nil
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return ret, nil
}

// AffinityByAuthor implements store.InteractionStore. The aggregation happens
// in one query; interactions with posts missing from the corpus drop out of
// the join.
func (s *InteractionStore) AffinityByAuthor(ctx context.Context, alias string, includeViews bool) (map[string]types.AffinityCounts, error) {
	rows, err := s.db.Query(ctx, interactionStatements[affinityByAuthor], alias, includeViews)
	if err != nil {
		return nil, skerr.Wrapf(err, "aggregating affinity for alias")
	}
	defer rows.Close()
	ret := map[string]types.AffinityCounts{}
	for rows.Next() {
		var handle string
		var counts types.AffinityCounts
		if err := rows.Scan(&handle, &counts.PositiveCount, &counts.TotalCount); err != nil {
			return nil, skerr.Wrap(err)
		}
		ret[handle] = counts
	}
	return ret, nil
}

// OverlapAliases implements store.InteractionStore.
func (s *InteractionStore) OverlapAliases(ctx context.Context, alias string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, interactionStatements[overlapAliases], alias, limit)
	if err != nil {
		return nil, skerr.Wrapf(err, "finding overlap aliases")
	}
	defer rows.Close()
	var ret []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, skerr.Wrap(err)
		}
		ret = append(ret, a)
	}
	return ret, nil
}

// PostKeysForAliases implements store.InteractionStore.
func (s *InteractionStore) PostKeysForAliases(ctx context.Context, aliases []string, limit int) ([]types.PostKey, error) {
	if limit <= 0 || len(aliases) == 0 {
		return nil, nil
	}
	seen := map[types.PostKey]bool{}
	var ret []types.PostKey
	err := util.ChunkIter(len(aliases), store.InClauseChunk, func(start, end int) error {
		if len(ret) >= limit {
			return nil
		}
		chunk := aliases[start:end]
		args := make([]interface{}, 0, len(chunk)+1)
		for _, a := range chunk {
			args = append(args, a)
		}
		args = append(args, limit)
		stmt := interactionStatements[postKeysForAliasesPrefix] +
			"(" + sqlutil.InPlaceholders(1, len(chunk)) + ")" +
			" LIMIT " + sqlutil.InPlaceholders(len(chunk)+1, 1)
		rows, err := s.db.Query(ctx, stmt, args...)
		if err != nil {
			return skerr.Wrapf(err, "loading post keys for aliases")
		}
		defer rows.Close()
		for rows.Next() {
			var rawKey string
			if err := rows.Scan(&rawKey); err != nil {
				return skerr.Wrap(err)
			}
			key, err := types.ParsePostKey(rawKey)
			if err != nil {
				return skerr.Wrap(err)
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			ret = append(ret, key)
			if len(ret) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return ret, nil
}

// scanInteractions reads rows in (id, alias, post_key, action, context,
// created_at) order.
func scanInteractions(rows pgx.Rows) ([]*types.Interaction, error) {
	var ret []*types.Interaction
	for rows.Next() {
		var in types.Interaction
		var rawKey, action string
		var contextJSON []byte
		if err := rows.Scan(&in.ID, &in.Alias, &rawKey, &action, &contextJSON, &in.CreatedAt); err != nil {
			return nil, skerr.Wrap(err)
		}
		key, err := types.ParsePostKey(rawKey)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		in.Post = key
		in.Action = types.Action(action)
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &in.Context); err != nil {
				return nil, skerr.Wrapf(err, "decoding interaction context")
			}
		}
		in.CreatedAt = in.CreatedAt.UTC()
		ret = append(ret, &in)
	}
	return ret, nil
}

// ForAliasAndPost implements store.InteractionStore.
func (s *InteractionStore) ForAliasAndPost(ctx context.Context, alias string, key types.PostKey) ([]*types.Interaction, error) {
	rows, err := s.db.Query(ctx, interactionStatements[forAliasAndPost], alias, key.String())
	if err != nil {
		return nil, skerr.Wrapf(err, "loading interactions for post")
	}
	defer rows.Close()
	return scanInteractions(rows)
}

// ForAlias implements store.InteractionStore.
func (s *InteractionStore) ForAlias(ctx context.Context, alias string, limit int) ([]*types.Interaction, error) {
	var rows pgx.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(ctx, interactionStatements[forAliasLimited], alias, limit)
	} else {
		rows, err = s.db.Query(ctx, interactionStatements[forAlias], alias)
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "loading interactions for alias")
	}
	defer rows.Close()
	return scanInteractions(rows)
}

// DeleteForAlias implements store.InteractionStore.
func (s *InteractionStore) DeleteForAlias(ctx context.Context, alias string) (int, error) {
	res, err := s.db.Exec(ctx, interactionStatements[deleteForAlias], alias)
	if err != nil {
		return 0, skerr.Wrapf(err, "deleting interactions for alias")
	}
	return int(res.RowsAffected()), nil
}

var _ store.InteractionStore = (*InteractionStore)(nil)
