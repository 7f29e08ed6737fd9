package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
)

// interactionKey returns the interactions bucket key for an alias and ID.
func interactionKey(alias string, id int64) []byte {
	return joinKey(alias, seqKey(uint64(id)))
}

// byPostKey returns the interactionsByPost index key.
func byPostKey(key types.PostKey, id int64) []byte {
	return joinKey(key.String(), seqKey(uint64(id)))
}

func unmarshalInteraction(raw []byte) (*types.Interaction, error) {
	var in types.Interaction
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, skerr.Wrap(err)
	}
	in.CreatedAt = in.CreatedAt.UTC()
	return &in, nil
}

// Append implements store.InteractionStore.
func (s *Store) Append(ctx context.Context, in *types.Interaction) error {
	if in.Alias == "" {
		return skerr.Fmt("interaction alias must be set")
	}
	if in.Post.IsZero() {
		return skerr.Fmt("interaction post key must be set")
	}
	return skerr.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		interactions := tx.Bucket(bucketInteractions)
		seq, err := interactions.NextSequence()
		if err != nil {
			return skerr.Wrap(err)
		}
		in.ID = int64(seq)
		if in.CreatedAt.IsZero() {
			in.CreatedAt = time.Now().UTC()
		}
		serialized, err := json.Marshal(in)
		if err != nil {
			return skerr.Wrap(err)
		}
		if err := interactions.Put(interactionKey(in.Alias, in.ID), serialized); err != nil {
			return skerr.Wrap(err)
		}
		// The index value carries alias and action so counting and overlap
		// scans never need the full record.
		indexValue := joinKey(in.Alias, string(in.Action))
		return skerr.Wrap(tx.Bucket(bucketByPost).Put(byPostKey(in.Post, in.ID), indexValue))
	}))
}

// CountsForPosts implements store.InteractionStore.
func (s *Store) CountsForPosts(ctx context.Context, keys []types.PostKey) (map[types.PostKey]store.Counts, error) {
	ret := make(map[types.PostKey]store.Counts, len(keys))
	if err := s.db.View(func(tx *bolt.Tx) error {
		byPost := tx.Bucket(bucketByPost)
		for _, key := range keys {
			counts := store.Counts{}
			prefix := joinKey(key.String(), "")
			c := byPost.Cursor()
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				parts := strings.SplitN(string(v), keySep, 2)
				if len(parts) != 2 {
					continue
				}
				counts[types.Action(parts[1])]++
			}
			if len(counts) > 0 {
				ret[key] = counts
			}
		}
		return nil
	}); err != nil {
		return nil, skerr.Wrap(err)
	}
	return ret, nil
}

// AffinityByAuthor implements store.InteractionStore. Interactions with posts
// no longer in the corpus are skipped since their author is unknown.
func (s *Store) AffinityByAuthor(ctx context.Context, alias string, includeViews bool) (map[string]types.AffinityCounts, error) {
	ret := map[string]types.AffinityCounts{}
	if err := s.db.View(func(tx *bolt.Tx) error {
		posts := tx.Bucket(bucketPosts)
		prefix := joinKey(alias, "")
		c := tx.Bucket(bucketInteractions).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			in, err := unmarshalInteraction(v)
			if err != nil {
				return skerr.Wrap(err)
			}
			if in.Action == types.ActionView && !includeViews {
				continue
			}
			raw := posts.Get([]byte(in.Post.String()))
			if raw == nil {
				continue
			}
			p, err := unmarshalPost(raw)
			if err != nil {
				return skerr.Wrap(err)
			}
			counts := ret[p.AuthorHandle]
			counts.TotalCount++
			if in.Action.IsPositive() || in.Action == types.ActionView {
				counts.PositiveCount++
			}
			ret[p.AuthorHandle] = counts
		}
		return nil
	}); err != nil {
		return nil, skerr.Wrap(err)
	}
	return ret, nil
}

// OverlapAliases implements store.InteractionStore.
func (s *Store) OverlapAliases(ctx context.Context, alias string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	seen := map[string]bool{}
	var ret []string
	if err := s.db.View(func(tx *bolt.Tx) error {
		myKeys, err := postKeysInTx(tx, alias, 0)
		if err != nil {
			return skerr.Wrap(err)
		}
		byPost := tx.Bucket(bucketByPost)
		for _, key := range myKeys {
			prefix := joinKey(key.String(), "")
			c := byPost.Cursor()
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				parts := strings.SplitN(string(v), keySep, 2)
				if len(parts) != 2 {
					continue
				}
				other := parts[0]
				if other == alias || seen[other] {
					continue
				}
				seen[other] = true
				ret = append(ret, other)
				if len(ret) >= limit {
					return nil
				}
			}
		}
		return nil
	}); err != nil {
		return nil, skerr.Wrap(err)
	}
	return ret, nil
}

// postKeysInTx collects the distinct post keys one alias interacted with.
// limit 0 means unbounded.
func postKeysInTx(tx *bolt.Tx, alias string, limit int) ([]types.PostKey, error) {
	seen := map[types.PostKey]bool{}
	var ret []types.PostKey
	prefix := joinKey(alias, "")
	c := tx.Bucket(bucketInteractions).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		in, err := unmarshalInteraction(v)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		if seen[in.Post] {
			continue
		}
		seen[in.Post] = true
		ret = append(ret, in.Post)
		if limit > 0 && len(ret) >= limit {
			break
		}
	}
	return ret, nil
}

// PostKeysForAliases implements store.InteractionStore.
func (s *Store) PostKeysForAliases(ctx context.Context, aliases []string, limit int) ([]types.PostKey, error) {
	if limit <= 0 || len(aliases) == 0 {
		return nil, nil
	}
	seen := map[types.PostKey]bool{}
	var ret []types.PostKey
	if err := s.db.View(func(tx *bolt.Tx) error {
		for _, alias := range aliases {
			keys, err := postKeysInTx(tx, alias, limit)
			if err != nil {
				return skerr.Wrap(err)
			}
			for _, key := range keys {
				if seen[key] {
					continue
				}
				seen[key] = true
				ret = append(ret, key)
				if len(ret) >= limit {
					return nil
				}
			}
		}
		return nil
	}); err != nil {
		return nil, skerr.Wrap(err)
	}
	return ret, nil
}

// ForAliasAndPost implements store.InteractionStore.
func (s *Store) ForAliasAndPost(ctx context.Context, alias string, key types.PostKey) ([]*types.Interaction, error) {
	var ret []*types.Interaction
	if err := s.db.View(func(tx *bolt.Tx) error {
		prefix := joinKey(alias, "")
		c := tx.Bucket(bucketInteractions).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			in, err := unmarshalInteraction(v)
			if err != nil {
				return skerr.Wrap(err)
			}
			if in.Post == key {
				ret = append(ret, in)
			}
		}
		return nil
	}); err != nil {
		return nil, skerr.Wrap(err)
	}
	return ret, nil
}

// ForAlias implements store.InteractionStore.
func (s *Store) ForAlias(ctx context.Context, alias string, limit int) ([]*types.Interaction, error) {
	var ret []*types.Interaction
	if err := s.db.View(func(tx *bolt.Tx) error {
		prefix := joinKey(alias, "")
		c := tx.Bucket(bucketInteractions).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			in, err := unmarshalInteraction(v)
			if err != nil {
				return skerr.Wrap(err)
			}
			ret = append(ret, in)
			if limit > 0 && len(ret) >= limit {
				break
			}
		}
		return nil
	}); err != nil {
		return nil, skerr.Wrap(err)
	}
	return ret, nil
}

// DeleteForAlias implements store.InteractionStore.
func (s *Store) DeleteForAlias(ctx context.Context, alias string) (int, error) {
	removed := 0
	if err := s.db.Update(func(tx *bolt.Tx) error {
		interactions := tx.Bucket(bucketInteractions)
		byPost := tx.Bucket(bucketByPost)

		prefix := joinKey(alias, "")
		var keys [][]byte
		var indexKeys [][]byte
		c := interactions.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			in, err := unmarshalInteraction(v)
			if err != nil {
				return skerr.Wrap(err)
			}
			keys = append(keys, dup(k))
			indexKeys = append(indexKeys, byPostKey(in.Post, in.ID))
		}
		for i, k := range keys {
			if err := interactions.Delete(k); err != nil {
				return skerr.Wrap(err)
			}
			if err := byPost.Delete(indexKeys[i]); err != nil {
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
