package boltstore

import (
	"context"
	"encoding/json"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
)

// Save implements store.RankingStore. The new set replaces the old one
// atomically.
func (s *Store) Save(ctx context.Context, alias string, recs []types.RankingRecord) error {
	if alias == "" {
		return skerr.Fmt("alias must be set")
	}
	if err := store.ValidateRankingSet(recs); err != nil {
		return skerr.Wrap(err)
	}
	serialized, err := json.Marshal(recs)
	if err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRankings).Put([]byte(alias), serialized)
	}))
}

// Latest implements store.RankingStore.
func (s *Store) Latest(ctx context.Context, alias string) ([]types.RankingRecord, error) {
	var ret []types.RankingRecord
	if err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRankings).Get([]byte(alias))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &ret); err != nil {
			return skerr.Wrap(err)
		}
		return nil
	}); err != nil {
		return nil, skerr.Wrap(err)
	}
	if ret == nil {
		return nil, skerr.Wrapf(store.ErrNotFound, "rankings for %s", alias)
	}
	for i := range ret {
		ret[i].GeneratedAt = ret[i].GeneratedAt.UTC()
	}
	sort.SliceStable(ret, func(i, j int) bool { return ret[i].Score > ret[j].Score })
	return ret, nil
}

// Delete implements store.RankingStore.
func (s *Store) Delete(ctx context.Context, alias string) error {
	return skerr.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRankings).Delete([]byte(alias))
	}))
}
