package boltstore

import (
	"context"
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
)

// Upsert implements store.TokenStore.
func (s *Store) Upsert(ctx context.Context, m types.TokenMapping) error {
	if m.Token == "" {
		return skerr.Fmt("token hash must be set")
	}
	serialized, err := json.Marshal(m)
	if err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).Put([]byte(m.Token), serialized)
	}))
}

// Lookup implements store.TokenStore.
func (s *Store) Lookup(ctx context.Context, tokenHash string) (types.TokenMapping, error) {
	var m types.TokenMapping
	found := false
	if err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTokens).Get([]byte(tokenHash))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return skerr.Wrap(err)
		}
		found = true
		return nil
	}); err != nil {
		return types.TokenMapping{}, skerr.Wrap(err)
	}
	if !found {
		return types.TokenMapping{}, skerr.Wrapf(store.ErrNotFound, "token mapping")
	}
	m.ExpiresAt = m.ExpiresAt.UTC()
	return m, nil
}

// RevokeForAlias implements store.TokenStore.
func (s *Store) RevokeForAlias(ctx context.Context, alias string) (int, error) {
	removed := 0
	if err := s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(bucketTokens)
		var doomed [][]byte
		c := tokens.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m types.TokenMapping
			if err := json.Unmarshal(v, &m); err != nil {
				return skerr.Wrap(err)
			}
			if m.Alias == alias {
				doomed = append(doomed, dup(k))
			}
		}
		for _, k := range doomed {
			if err := tokens.Delete(k); err != nil {
				return skerr.Wrap(err)
			}
			removed++
		}
		return nil
	}); err != nil {
		return 0, skerr.Wrap(err)
	}
	return removed, nil
}
