// Package boltstore implements the store interfaces on a single embedded
// BoltDB file. It is the default backend and the one the tests run against.
package boltstore

import (
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
)

var (
	bucketPosts         = []byte("posts")
	bucketPostsByTime   = []byte("postsByTime")
	bucketPostsByAuthor = []byte("postsByAuthor")
	bucketInteractions  = []byte("interactions")
	bucketByPost        = []byte("interactionsByPost")
	bucketRankings      = []byte("rankings")
	bucketTokens        = []byte("tokens")
	bucketHealth        = []byte("instanceHealth")
	bucketWatermarks    = []byte("watermarks")
	bucketOptOut        = []byte("optOut")
	bucketDeadJobs      = []byte("deadJobs")
)

var allBuckets = [][]byte{
	bucketPosts,
	bucketPostsByTime,
	bucketPostsByAuthor,
	bucketInteractions,
	bucketByPost,
	bucketRankings,
	bucketTokens,
	bucketHealth,
	bucketWatermarks,
	bucketOptOut,
	bucketDeadJobs,
}

// keySep joins key components. It never occurs in instance domains, post IDs,
// aliases, or handles.
const keySep = "|"

// Store implements every interface in the store package on one bolt file.
type Store struct {
	db *bolt.DB
}

// New opens (or creates) the bolt file at filename and ensures all buckets
// exist.
func New(filename string) (*Store, error) {
	db, err := bolt.Open(filename, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, skerr.Wrapf(err, "opening bolt file %q", filename)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return skerr.Wrapf(err, "creating bucket %q", string(name))
			}
		}
		return nil
	}); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying file.
func (s *Store) Close() error {
	return skerr.Wrap(s.db.Close())
}

// Stores returns the bundle with every interface backed by this Store.
func (s *Store) Stores() store.Stores {
	return store.Stores{
		Posts:        s,
		Interactions: s,
		Rankings:     s,
		Tokens:       s,
		Health:       s,
		OptOut:       s,
		DLQ:          s,
	}
}

// seqKey renders a uint64 as a fixed-width decimal so lexicographic order
// matches numeric order.
func seqKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// timeKey renders a time as a fixed-width nanosecond count for index keys.
func timeKey(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func joinKey(parts ...string) []byte {
	return []byte(strings.Join(parts, keySep))
}

// dup copies a byte slice. Values returned from bolt are only valid for the
// life of the transaction.
func dup(b []byte) []byte {
	ret := make([]byte, len(b))
	copy(ret, b)
	return ret
}

var _ store.PostStore = (*Store)(nil)
var _ store.InteractionStore = (*Store)(nil)
var _ store.RankingStore = (*Store)(nil)
var _ store.TokenStore = (*Store)(nil)
var _ store.HealthStore = (*Store)(nil)
var _ store.OptOutStore = (*Store)(nil)
var _ store.DLQStore = (*Store)(nil)
