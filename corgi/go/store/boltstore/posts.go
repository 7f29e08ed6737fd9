package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
)

// postTimeKey returns the postsByTime index key for a post.
func postTimeKey(p *types.Post) []byte {
	return joinKey(timeKey(p.CreatedAt), p.Key.String())
}

// postAuthorKey returns the postsByAuthor index key for a post.
func postAuthorKey(p *types.Post) []byte {
	return joinKey(p.AuthorHandle, timeKey(p.CreatedAt), p.Key.String())
}

func unmarshalPost(raw []byte) (*types.Post, error) {
	var p types.Post
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, skerr.Wrap(err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.DiscoveredAt = p.DiscoveredAt.UTC()
	return &p, nil
}

// UpsertPost implements store.PostStore. Re-crawling a post keeps its
// original DiscoveredAt and discovery source.
func (s *Store) UpsertPost(ctx context.Context, post *types.Post) error {
	if post.Key.IsZero() {
		return skerr.Fmt("post key must be set")
	}
	return skerr.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		posts := tx.Bucket(bucketPosts)
		key := []byte(post.Key.String())

		toWrite := *post
		if raw := posts.Get(key); raw != nil {
			old, err := unmarshalPost(raw)
			if err != nil {
				return skerr.Wrapf(err, "decoding existing post %s", post.Key)
			}
			toWrite.DiscoveredAt = old.DiscoveredAt
			toWrite.Source = old.Source
			toWrite.DiscoveryReason = old.DiscoveryReason
		} else if toWrite.DiscoveredAt.IsZero() {
			toWrite.DiscoveredAt = time.Now().UTC()
		}

		serialized, err := json.Marshal(&toWrite)
		if err != nil {
			return skerr.Wrap(err)
		}
		if err := posts.Put(key, serialized); err != nil {
			return skerr.Wrap(err)
		}
		if err := tx.Bucket(bucketPostsByTime).Put(postTimeKey(&toWrite), key); err != nil {
			return skerr.Wrap(err)
		}
		return skerr.Wrap(tx.Bucket(bucketPostsByAuthor).Put(postAuthorKey(&toWrite), key))
	}))
}

// GetPost implements store.PostStore.
func (s *Store) GetPost(ctx context.Context, key types.PostKey) (*types.Post, error) {
	var post *types.Post
	if err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPosts).Get([]byte(key.String()))
		if raw == nil {
			return nil
		}
		var err error
		post, err = unmarshalPost(raw)
		return err
	}); err != nil {
		return nil, skerr.Wrap(err)
	}
	if post == nil {
		return nil, skerr.Wrapf(store.ErrNotFound, "post %s", key)
	}
	return post, nil
}

// GetPosts implements store.PostStore.
func (s *Store) GetPosts(ctx context.Context, keys []types.PostKey) (map[types.PostKey]*types.Post, error) {
	ret := make(map[types.PostKey]*types.Post, len(keys))
	if err := s.db.View(func(tx *bolt.Tx) error {
		posts := tx.Bucket(bucketPosts)
		for _, key := range keys {
			raw := posts.Get([]byte(key.String()))
			if raw == nil {
				continue
			}
			p, err := unmarshalPost(raw)
			if err != nil {
				return skerr.Wrapf(err, "decoding post %s", key)
			}
			ret[key] = p
		}
		return nil
	}); err != nil {
		return nil, skerr.Wrap(err)
	}
	return ret, nil
}

// RecentPosts implements store.PostStore.
func (s *Store) RecentPosts(ctx context.Context, since time.Time, limit int) ([]*types.Post, error) {
	if limit <= 0 {
		return nil, nil
	}
	floor := []byte(timeKey(since))
	var ret []*types.Post
	if err := s.db.View(func(tx *bolt.Tx) error {
		posts := tx.Bucket(bucketPosts)
		c := tx.Bucket(bucketPostsByTime).Cursor()
		for k, v := c.Last(); k != nil && len(ret) < limit; k, v = c.Prev() {
			if bytes.Compare(k, floor) < 0 {
				break
			}
			raw := posts.Get(v)
			if raw == nil {
				continue
			}
			p, err := unmarshalPost(raw)
			if err != nil {
				return skerr.Wrapf(err, "decoding post %s", string(v))
			}
			ret = append(ret, p)
		}
		return nil
	}); err != nil {
		return nil, skerr.Wrap(err)
	}
	return ret, nil
}

// PostsByAuthors implements store.PostStore.
func (s *Store) PostsByAuthors(ctx context.Context, handles []string, since time.Time, limit int) ([]*types.Post, error) {
	if limit <= 0 || len(handles) == 0 {
		return nil, nil
	}
	var ret []*types.Post
	if err := s.db.View(func(tx *bolt.Tx) error {
		posts := tx.Bucket(bucketPosts)
		byAuthor := tx.Bucket(bucketPostsByAuthor)
		for _, handle := range handles {
			prefix := joinKey(handle, timeKey(since))
			scanPrefix := joinKey(handle, "")
			c := byAuthor.Cursor()
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, scanPrefix); k, v = c.Next() {
				raw := posts.Get(v)
				if raw == nil {
					continue
				}
				p, err := unmarshalPost(raw)
				if err != nil {
					return skerr.Wrapf(err, "decoding post %s", string(v))
				}
				ret = append(ret, p)
			}
		}
		return nil
	}); err != nil {
		return nil, skerr.Wrap(err)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].CreatedAt.After(ret[j].CreatedAt) })
	if len(ret) > limit {
		ret = ret[:limit]
	}
	return ret, nil
}

// UpdateCounters implements store.PostStore.
func (s *Store) UpdateCounters(ctx context.Context, key types.PostKey, favorites, reblogs, replies int64) error {
	return skerr.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		posts := tx.Bucket(bucketPosts)
		bkey := []byte(key.String())
		raw := posts.Get(bkey)
		if raw == nil {
			return skerr.Wrapf(store.ErrNotFound, "post %s", key)
		}
		p, err := unmarshalPost(raw)
		if err != nil {
			return skerr.Wrap(err)
		}
		p.Favorites = favorites
		p.Reblogs = reblogs
		p.Replies = replies
		serialized, err := json.Marshal(p)
		if err != nil {
			return skerr.Wrap(err)
		}
		return skerr.Wrap(posts.Put(bkey, serialized))
	}))
}

// SweepOlderThan implements store.PostStore.
func (s *Store) SweepOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ceiling := []byte(timeKey(cutoff))
	removed := 0
	if err := s.db.Update(func(tx *bolt.Tx) error {
		posts := tx.Bucket(bucketPosts)
		byTime := tx.Bucket(bucketPostsByTime)
		byAuthor := tx.Bucket(bucketPostsByAuthor)

		type doomed struct {
			timeKey []byte
			postKey []byte
		}
		var batch []doomed
		c := byTime.Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k, ceiling) < 0; k, v = c.Next() {
			batch = append(batch, doomed{timeKey: dup(k), postKey: dup(v)})
		}

		for _, d := range batch {
			raw := posts.Get(d.postKey)
			if raw != nil {
				p, err := unmarshalPost(raw)
				if err != nil {
					return skerr.Wrap(err)
				}
				if err := byAuthor.Delete(postAuthorKey(p)); err != nil {
					return skerr.Wrap(err)
				}
				if err := posts.Delete(d.postKey); err != nil {
					return skerr.Wrap(err)
				}
				removed++
			}
			if err := byTime.Delete(d.timeKey); err != nil {
				return skerr.Wrap(err)
			}
		}
		return nil
	}); err != nil {
		return 0, skerr.Wrap(err)
	}
	return removed, nil
}

// CountPosts implements store.PostStore.
func (s *Store) CountPosts(ctx context.Context) (int, error) {
	count := 0
	if err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketPosts).Stats().KeyN
		return nil
	}); err != nil {
		return 0, skerr.Wrap(err)
	}
	return count, nil
}
