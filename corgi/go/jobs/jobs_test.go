package jobs

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store/boltstore"
)

func newRunnerForTest(t *testing.T) (*Runner, store.Stores) {
	t.Helper()
	bs, err := boltstore.New(filepath.Join(t.TempDir(), "corgi.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, bs.Close())
	})
	r := New(bs.Stores().DLQ, 2, 16)
	r.retryBase = time.Millisecond
	return r, bs.Stores()
}

func TestRunner_SuccessfulJob_ReleasesKeyForReuse(t *testing.T) {
	r, _ := newRunnerForTest(t)
	r.Start(context.Background())
	defer r.Drain(time.Second)

	done := make(chan struct{}, 2)
	job := Job{Class: ClassSweep, Key: "sweep", Run: func(ctx context.Context) error {
		done <- struct{}{}
		return nil
	}}
	require.True(t, r.Enqueue(job))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
	// The key frees up once the first run finishes.
	require.Eventually(t, func() bool {
		return r.Enqueue(job)
	}, 5*time.Second, 10*time.Millisecond)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("re-enqueued job never ran")
	}
}

func TestRunner_DuplicateKey_CollapsesWhileInFlight(t *testing.T) {
	r, _ := newRunnerForTest(t)
	r.Start(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	blocked := Job{Class: ClassCrawl, Key: "crawl/mastodon.social", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	require.True(t, r.Enqueue(blocked))
	<-started
	assert.False(t, r.Enqueue(blocked), "duplicate key must collapse while running")
	close(release)
	r.Drain(5 * time.Second)
}

func TestRunner_JobsWithoutKeys_NeverCollapse(t *testing.T) {
	r, _ := newRunnerForTest(t)
	// Workers not started: both jobs should sit in the queue.
	ran := func(ctx context.Context) error { return nil }
	assert.True(t, r.Enqueue(Job{Class: ClassSweep, Run: ran}))
	assert.True(t, r.Enqueue(Job{Class: ClassSweep, Run: ran}))
	assert.Equal(t, 2, len(r.queue))
}

func TestRunner_PermanentFailure_DeadLettersWithoutRetry(t *testing.T) {
	r, st := newRunnerForTest(t)
	r.Start(context.Background())

	var attempts int32
	require.True(t, r.Enqueue(Job{
		Class:       ClassRankingRefresh,
		Key:         "ranking/alias-a",
		MaxAttempts: 5,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&attempts, 1)
			return cerr.New(cerr.Validation, "post_key is malformed")
		},
	}))
	r.Drain(5 * time.Second)

	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "validation errors must not burn the retry budget")
	dead, err := st.DLQ.ListDead(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, ClassRankingRefresh, dead[0].Class)
	assert.Equal(t, "ranking/alias-a", dead[0].Key)
	assert.Equal(t, 1, dead[0].Attempts)
	assert.Contains(t, dead[0].LastError, "post_key is malformed")
	assert.NotEmpty(t, dead[0].ID)
}

func TestRunner_RetryableFailure_RetriesUntilBudgetThenDeadLetters(t *testing.T) {
	r, st := newRunnerForTest(t)
	r.Start(context.Background())

	var attempts int32
	require.True(t, r.Enqueue(Job{
		Class:       ClassCrawl,
		Key:         "crawl/mastodon.social",
		MaxAttempts: 3,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&attempts, 1)
			return cerr.New(cerr.Upstream, "instance unreachable")
		},
	}))
	r.Drain(10 * time.Second)

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	dead, err := st.DLQ.ListDead(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)
}

func TestRunner_RetryableFailure_SucceedsWithinBudget(t *testing.T) {
	r, st := newRunnerForTest(t)
	r.Start(context.Background())

	var attempts int32
	require.True(t, r.Enqueue(Job{
		Class:       ClassCounterRefresh,
		Key:         "counter_refresh",
		MaxAttempts: 5,
		Run: func(ctx context.Context) error {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return cerr.New(cerr.Timeout, "upstream slow")
			}
			return nil
		},
	}))
	r.Drain(10 * time.Second)

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	dead, err := st.DLQ.ListDead(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestRunner_AfterDrain_RejectsEnqueues(t *testing.T) {
	r, _ := newRunnerForTest(t)
	r.Start(context.Background())
	r.Drain(time.Second)

	ok := r.Enqueue(Job{Class: ClassSweep, Key: "sweep", Run: func(ctx context.Context) error {
		return nil
	}})
	assert.False(t, ok)
}

func TestRunner_Drain_FinishesQueuedJobs(t *testing.T) {
	r, _ := newRunnerForTest(t)

	var ran int32
	for i := 0; i < 5; i++ {
		require.True(t, r.Enqueue(Job{Class: ClassSweep, Run: func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}}))
	}
	// Start after enqueueing so all five are queued, then drain.
	r.Start(context.Background())
	r.Drain(5 * time.Second)
	assert.Equal(t, int32(5), atomic.LoadInt32(&ran))
}

type fakeEngine struct {
	mtx       sync.Mutex
	dirty     []string
	refreshed []string
	done      chan struct{}
}

func (f *fakeEngine) MarkDirty(alias string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.dirty = append(f.dirty, alias)
}

func (f *fakeEngine) Refresh(ctx context.Context, alias string) error {
	f.mtx.Lock()
	f.refreshed = append(f.refreshed, alias)
	f.mtx.Unlock()
	f.done <- struct{}{}
	return nil
}

func TestRefresher_MarkDirty_QueuesBackgroundRefresh(t *testing.T) {
	r, _ := newRunnerForTest(t)
	r.Start(context.Background())
	defer r.Drain(time.Second)

	eng := &fakeEngine{done: make(chan struct{}, 1)}
	rf := NewRefresher(r, eng)
	rf.MarkDirty("alias-a")

	select {
	case <-eng.done:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh never ran")
	}
	eng.mtx.Lock()
	defer eng.mtx.Unlock()
	assert.Equal(t, []string{"alias-a"}, eng.dirty)
	assert.Equal(t, []string{"alias-a"}, eng.refreshed)
}

func TestRefresher_EmptyAlias_IsIgnored(t *testing.T) {
	r, _ := newRunnerForTest(t)
	eng := &fakeEngine{done: make(chan struct{}, 1)}
	rf := NewRefresher(r, eng)
	rf.Request("")
	assert.Zero(t, len(r.queue))
}
