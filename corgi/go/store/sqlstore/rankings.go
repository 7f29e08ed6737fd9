package sqlstore

import (
	"context"

	"github.com/jackc/pgx/v4"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sql/pool"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sql/sqlutil"
)

// rankingStatement is an SQL statement identifier.
type rankingStatement int

const (
	deleteRankings rankingStatement = iota
	insertRankingsPrefix
	latestRankings
)

// rankingStatements holds all the raw SQL statements.
var rankingStatements = map[rankingStatement]string{
	deleteRankings: `
		DELETE
		FROM
			Rankings
		WHERE
			alias = $1
	`,
	insertRankingsPrefix: `
		INSERT INTO
			Rankings (alias, post_key, score, reason_category, reason_detail, generated_at)
		VALUES
	`,
	latestRankings: `
		SELECT
			alias, post_key, score, reason_category, reason_detail, generated_at
		FROM
			Rankings
		WHERE
			alias = $1
		ORDER BY
			score DESC
	`,
}

// RankingStore implements store.RankingStore using an SQL database.
type RankingStore struct {
	db pool.Pool
}

// NewRankingStore returns a new *RankingStore.
func NewRankingStore(db pool.Pool) *RankingStore {
	return &RankingStore{db: db}
}

// Save implements store.RankingStore. The old set is replaced in one
// transaction so readers never see a partial generation.
func (s *RankingStore) Save(ctx context.Context, alias string, recs []types.RankingRecord) error {
	if alias == "" {
		return skerr.Fmt("alias must be set")
	}
	if err := store.ValidateRankingSet(recs); err != nil {
		return skerr.Wrap(err)
	}
	err := s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, rankingStatements[deleteRankings], alias); err != nil {
			return skerr.Wrapf(err, "clearing previous rankings")
		}
		stmt := rankingStatements[insertRankingsPrefix] + sqlutil.ValuesPlaceholders(6, len(recs))
		args := make([]interface{}, 0, 6*len(recs))
		for _, r := range recs {
			args = append(args, alias, r.Post.String(), r.Score, string(r.ReasonCategory), r.ReasonDetail, r.GeneratedAt)
		}
		if _, err := tx.Exec(ctx, stmt, args...); err != nil {
			return skerr.Wrapf(err, "inserting ranking set")
		}
		return nil
	})
	return skerr.Wrap(err)
}

// Latest implements store.RankingStore.
func (s *RankingStore) Latest(ctx context.Context, alias string) ([]types.RankingRecord, error) {
	rows, err := s.db.Query(ctx, rankingStatements[latestRankings], alias)
	if err != nil {
		return nil, skerr.Wrapf(err, "loading rankings")
	}
	defer rows.Close()
	var ret []types.RankingRecord
	for rows.Next() {
		var r types.RankingRecord
		var rawKey, category string
		if err := rows.Scan(&r.Alias, &rawKey, &r.Score, &category, &r.ReasonDetail, &r.GeneratedAt); err != nil {
			return nil, skerr.Wrap(err)
		}
		key, err := types.ParsePostKey(rawKey)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		r.Post = key
		r.ReasonCategory = types.ReasonCategory(category)
		r.GeneratedAt = r.GeneratedAt.UTC()
		ret = append(ret, r)
	}
	if len(ret) == 0 {
		return nil, skerr.Wrapf(store.ErrNotFound, "rankings for alias")
	}
	return ret, nil
}

// Delete implements store.RankingStore.
func (s *RankingStore) Delete(ctx context.Context, alias string) error {
	if _, err := s.db.Exec(ctx, rankingStatements[deleteRankings], alias); err != nil {
		return skerr.Wrapf(err, "deleting rankings")
	}
	return nil
}

var _ store.RankingStore = (*RankingStore)(nil)
