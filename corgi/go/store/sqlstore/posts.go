package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sql/pool"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sql/sqlutil"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/util"
)

// postStatement is an SQL statement identifier.
type postStatement int

const (
	upsertPost postStatement = iota
	getPost
	getPostsPrefix
	recentPosts
	postsByAuthorsPrefix
	updateCounters
	sweepPosts
	countPosts
)

// postCols is the column list every post SELECT uses, in scanPost order.
const postCols = `
	post_key, instance, author_handle, author_id, content, created_at,
	language, language_confidence, tags, media, favorites, reblogs, replies,
	source, discovered_at, discovery_reason`

// postStatements holds all the raw SQL statements. Statements ending in
// Prefix are completed with placeholders at call time.
var postStatements = map[postStatement]string{
	upsertPost: `
		INSERT INTO
			Posts (post_key, instance, author_handle, author_id, content,
				created_at, language, language_confidence, tags, media,
				favorites, reblogs, replies, source, discovered_at,
				discovery_reason)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (post_key) DO UPDATE SET
			author_handle=EXCLUDED.author_handle,
			author_id=EXCLUDED.author_id,
			content=EXCLUDED.content,
			language=EXCLUDED.language,
			language_confidence=EXCLUDED.language_confidence,
			tags=EXCLUDED.tags,
			media=EXCLUDED.media,
			favorites=EXCLUDED.favorites,
			reblogs=EXCLUDED.reblogs,
			replies=EXCLUDED.replies
	`,
	getPost: `
		SELECT` + postCols + `
		FROM
			Posts
		WHERE
			post_key=$1
	`,
	getPostsPrefix: `
		SELECT` + postCols + `
		FROM
			Posts
		WHERE
			post_key IN
	`,
	recentPosts: `
		SELECT` + postCols + `
		FROM
			Posts
		WHERE
			created_at >= $1
		ORDER BY
			created_at DESC
		LIMIT $2
	`,
	postsByAuthorsPrefix: `
		SELECT` + postCols + `
		FROM
			Posts
		WHERE
			author_handle IN
	`,
	updateCounters: `
		UPDATE
			Posts
		SET
			(favorites, reblogs, replies) = ($1, $2, $3)
		WHERE
			post_key=$4
	`,
	sweepPosts: `
		DELETE
		FROM
			Posts
		WHERE
			created_at < $1
	`,
	countPosts: `
		SELECT
			COUNT(*)
		FROM
			Posts
	`,
}

// PostStore implements store.PostStore using an SQL database.
type PostStore struct {
	db pool.Pool
}

// NewPostStore returns a new *PostStore.
func NewPostStore(db pool.Pool) *PostStore {
	return &PostStore{db: db}
}

// scanPost reads one row in postCols order.
func scanPost(row pgx.Row) (*types.Post, error) {
	var p types.Post
	var postKey string
	var instance string
	var media []byte
	if err := row.Scan(
		&postKey,
		&instance,
		&p.AuthorHandle,
		&p.AuthorID,
		&p.Content,
		&p.CreatedAt,
		&p.Language,
		&p.LanguageConfidence,
		&p.Tags,
		&media,
		&p.Favorites,
		&p.Reblogs,
		&p.Replies,
		&p.Source,
		&p.DiscoveredAt,
		&p.DiscoveryReason,
	); err != nil {
		return nil, err
	}
	key, err := types.ParsePostKey(postKey)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	p.Key = key
	if len(media) > 0 {
		if err := json.Unmarshal(media, &p.Media); err != nil {
			return nil, skerr.Wrapf(err, "decoding media for %s", postKey)
		}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.DiscoveredAt = p.DiscoveredAt.UTC()
	return &p, nil
}

// UpsertPost implements store.PostStore.
func (s *PostStore) UpsertPost(ctx context.Context, post *types.Post) error {
	if post.Key.IsZero() {
		return skerr.Fmt("post key must be set")
	}
	media, err := json.Marshal(post.Media)
	if err != nil {
		return skerr.Wrap(err)
	}
	discoveredAt := post.DiscoveredAt
	if discoveredAt.IsZero() {
		discoveredAt = time.Now().UTC()
	}
	if _, err := s.db.Exec(ctx, postStatements[upsertPost],
		post.Key.String(),
		post.Key.Instance,
		post.AuthorHandle,
		post.AuthorID,
		post.Content,
		post.CreatedAt,
		post.Language,
		post.LanguageConfidence,
		post.Tags,
		media,
		post.Favorites,
		post.Reblogs,
		post.Replies,
		string(post.Source),
		discoveredAt,
		post.DiscoveryReason,
	); err != nil {
		return skerr.Wrapf(err, "upserting post %s", post.Key)
	}
	return nil
}

// GetPost implements store.PostStore.
func (s *PostStore) GetPost(ctx context.Context, key types.PostKey) (*types.Post, error) {
	p, err := scanPost(s.db.QueryRow(ctx, postStatements[getPost], key.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, skerr.Wrapf(store.ErrNotFound, "post %s", key)
		}
		return nil, skerr.Wrapf(err, "loading post %s", key)
	}
	return p, nil
}

// GetPosts implements store.PostStore. Lookups are chunked to stay under the
// IN clause limit.
func (s *PostStore) GetPosts(ctx context.Context, keys []types.PostKey) (map[types.PostKey]*types.Post, error) {
	ret := make(map[types.PostKey]*types.Post, len(keys))
	err := util.ChunkIter(len(keys), store.InClauseChunk, func(start, end int) error {
		chunk := keys[start:end]
		args := make([]interface{}, 0, len(chunk))
		for _, key := range chunk {
			args = append(args, key.String())
		}
		stmt := postStatements[getPostsPrefix] + "(" + sqlutil.InPlaceholders(1, len(chunk)) + ")"
		rows, err := s.db.Query(ctx, stmt, args...)
		if err != nil {
			return skerr.Wrapf(err, "bulk loading posts")
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanPost(rows)
			if err != nil {
				return skerr.Wrap(err)
			}
			ret[p.Key] = p
		}
		return nil
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return ret, nil
}

// RecentPosts implements store.PostStore.
func (s *PostStore) RecentPosts(ctx context.Context, since time.Time, limit int) ([]*types.Post, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, postStatements[recentPosts], since, limit)
	if err != nil {
		return nil, skerr.Wrapf(err, "loading recent posts")
	}
	defer rows.Close()
	var ret []*types.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		ret = append(ret, p)
	}
	return ret, nil
}

// PostsByAuthors implements store.PostStore.
func (s *PostStore) PostsByAuthors(ctx context.Context, handles []string, since time.Time, limit int) ([]*types.Post, error) {
	if limit <= 0 || len(handles) == 0 {
		return nil, nil
	}
	var ret []*types.Post
	err := util.ChunkIter(len(handles), store.InClauseChunk, func(start, end int) error {
		chunk := handles[start:end]
		args := make([]interface{}, 0, len(chunk)+2)
		for _, h := range chunk {
			args = append(args, h)
		}
		args = append(args, since, limit)
		stmt := postStatements[postsByAuthorsPrefix] +
			"(" + sqlutil.InPlaceholders(1, len(chunk)) + ")" +
			" AND created_at >= " + sqlutil.InPlaceholders(len(chunk)+1, 1) +
			" ORDER BY created_at DESC LIMIT " + sqlutil.InPlaceholders(len(chunk)+2, 1)
		rows, err := s.db.Query(ctx, stmt, args...)
		if err != nil {
			return skerr.Wrapf(err, "loading posts by authors")
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanPost(rows)
			if err != nil {
				return skerr.Wrap(err)
			}
			ret = append(ret, p)
		}
		return nil
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].CreatedAt.After(ret[j].CreatedAt) })
	if len(ret) > limit {
		ret = ret[:limit]
	}
	return ret, nil
}

// UpdateCounters implements store.PostStore.
func (s *PostStore) UpdateCounters(ctx context.Context, key types.PostKey, favorites, reblogs, replies int64) error {
	res, err := s.db.Exec(ctx, postStatements[updateCounters], favorites, reblogs, replies, key.String())
	if err != nil {
		return skerr.Wrapf(err, "updating counters for %s", key)
	}
	if res.RowsAffected() == 0 {
		return skerr.Wrapf(store.ErrNotFound, "post %s", key)
	}
	return nil
}

// SweepOlderThan implements store.PostStore.
func (s *PostStore) SweepOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.Exec(ctx, postStatements[sweepPosts], cutoff)
	if err != nil {
		return 0, skerr.Wrapf(err, "sweeping posts")
	}
	return int(res.RowsAffected()), nil
}

// CountPosts implements store.PostStore.
func (s *PostStore) CountPosts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, postStatements[countPosts]).Scan(&n); err != nil {
		return 0, skerr.Wrapf(err, "counting posts")
	}
	return n, nil
}

var _ store.PostStore = (*PostStore)(nil)
