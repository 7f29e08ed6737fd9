package boltstore

import (
	"context"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/types"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
)

// SetHealth implements store.HealthStore.
func (s *Store) SetHealth(ctx context.Context, h types.InstanceHealth) error {
	if h.Instance == "" {
		return skerr.Fmt("instance must be set")
	}
	serialized, err := json.Marshal(h)
	if err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHealth).Put([]byte(h.Instance), serialized)
	}))
}

// GetHealth implements store.HealthStore. A never-seen instance gets a zero
// record.
func (s *Store) GetHealth(ctx context.Context, instance string) (types.InstanceHealth, error) {
	ret := types.InstanceHealth{Instance: instance}
	if err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketHealth).Get([]byte(instance))
		if raw == nil {
			return nil
		}
		return skerr.Wrap(json.Unmarshal(raw, &ret))
	}); err != nil {
		return types.InstanceHealth{}, skerr.Wrap(err)
	}
	ret.LastSuccessAt = ret.LastSuccessAt.UTC()
	ret.CooldownUntil = ret.CooldownUntil.UTC()
	return ret, nil
}

// ListHealth implements store.HealthStore.
func (s *Store) ListHealth(ctx context.Context) ([]types.InstanceHealth, error) {
	var ret []types.InstanceHealth
	if err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHealth).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var h types.InstanceHealth
			if err := json.Unmarshal(v, &h); err != nil {
				return skerr.Wrap(err)
			}
			h.LastSuccessAt = h.LastSuccessAt.UTC()
			h.CooldownUntil = h.CooldownUntil.UTC()
			ret = append(ret, h)
		}
		return nil
	}); err != nil {
		return nil, skerr.Wrap(err)
	}
	return ret, nil
}

// GetWatermark implements store.HealthStore. A never-crawled stream returns "".
func (s *Store) GetWatermark(ctx context.Context, instance, stream string) (string, error) {
	ret := ""
	if err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketWatermarks).Get(joinKey(instance, stream))
		if raw != nil {
			ret = string(dup(raw))
		}
		return nil
	}); err != nil {
		return "", skerr.Wrap(err)
	}
	return ret, nil
}

// SetWatermark implements store.HealthStore.
func (s *Store) SetWatermark(ctx context.Context, instance, stream, id string) error {
	return skerr.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWatermarks).Put(joinKey(instance, stream), []byte(id))
	}))
}

// SetOptOut implements store.OptOutStore.
func (s *Store) SetOptOut(ctx context.Context, e types.OptOutEntry) error {
	if e.AuthorHandle == "" {
		return skerr.Fmt("author handle must be set")
	}
	serialized, err := json.Marshal(e)
	if err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOptOut).Put([]byte(e.AuthorHandle), serialized)
	}))
}

// GetOptOut implements store.OptOutStore.
func (s *Store) GetOptOut(ctx context.Context, authorHandle string) (types.OptOutEntry, error) {
	var e types.OptOutEntry
	found := false
	if err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketOptOut).Get([]byte(authorHandle))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return skerr.Wrap(err)
		}
		found = true
		return nil
	}); err != nil {
		return types.OptOutEntry{}, skerr.Wrap(err)
	}
	if !found {
		return types.OptOutEntry{}, skerr.Wrapf(store.ErrNotFound, "opt-out entry for %s", authorHandle)
	}
	e.FetchedAt = e.FetchedAt.UTC()
	return e, nil
}

// ExpireOptOutsBefore implements store.OptOutStore.
func (s *Store) ExpireOptOutsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	if err := s.db.Update(func(tx *bolt.Tx) error {
		optOuts := tx.Bucket(bucketOptOut)
		var doomed [][]byte
		c := optOuts.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e types.OptOutEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return skerr.Wrap(err)
			}
			if e.FetchedAt.Before(cutoff) {
				doomed = append(doomed, dup(k))
			}
		}
		for _, k := range doomed {
			if err := optOuts.Delete(k); err != nil {
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

// AppendDead implements store.DLQStore.
func (s *Store) AppendDead(ctx context.Context, job store.DeadJob) error {
	return skerr.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		dead := tx.Bucket(bucketDeadJobs)
		seq, err := dead.NextSequence()
		if err != nil {
			return skerr.Wrap(err)
		}
		if job.ID == "" {
			job.ID = seqKey(seq)
		}
		serialized, err := json.Marshal(job)
		if err != nil {
			return skerr.Wrap(err)
		}
		return skerr.Wrap(dead.Put([]byte(seqKey(seq)), serialized))
	}))
}

// ListDead implements store.DLQStore, newest first.
func (s *Store) ListDead(ctx context.Context, limit int) ([]store.DeadJob, error) {
	var ret []store.DeadJob
	if err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeadJobs).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(ret) >= limit {
				break
			}
			var job store.DeadJob
			if err := json.Unmarshal(v, &job); err != nil {
				return skerr.Wrap(err)
			}
			job.FailedAt = job.FailedAt.UTC()
			ret = append(ret, job)
		}
		return nil
	}); err != nil {
		return nil, skerr.Wrap(err)
	}
	return ret, nil
}

// PurgeDead implements store.DLQStore.
func (s *Store) PurgeDead(ctx context.Context) (int, error) {
	removed := 0
	if err := s.db.Update(func(tx *bolt.Tx) error {
		dead := tx.Bucket(bucketDeadJobs)
		var doomed [][]byte
		c := dead.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			doomed = append(doomed, dup(k))
		}
		for _, k := range doomed {
			if err := dead.Delete(k); err != nil {
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
