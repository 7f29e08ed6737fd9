// Package jobs runs the service's background work: crawl cycles, lifecycle
// sweeps, ranking refreshes, and engagement counter refreshes.
//
// The runner is an in-process worker pool. Admission is keyed: while a job
// with a given idempotency key is queued or running, further enqueues with
// the same key collapse into it, so a hot alias never stacks up refreshes
// and an instance never has two concurrent crawlers. Execution is
// at-least-once with a per-attempt deadline; failures retry on an
// exponential backoff with jitter until the attempt budget runs out, unless
// the error is permanent. Jobs that fail for good land in the dead-letter
// store for operator triage.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/cerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/store"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/metrics2"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/now"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/skerr"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/sklog"
	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/go/util"
)

const (
	// DefaultWorkers is the pool size when New is passed 0.
	DefaultWorkers = 4

	// DefaultQueueDepth is the queue capacity when New is passed 0.
	DefaultQueueDepth = 256

	// DefaultTimeout bounds one attempt of a job that sets none.
	DefaultTimeout = 2 * time.Minute

	// DefaultMaxAttempts is the attempt budget for a job that sets none.
	DefaultMaxAttempts = 3

	// retryInterval is the initial backoff delay between attempts.
	retryInterval = 5 * time.Second

	// retryMaxInterval caps the backoff delay between attempts.
	retryMaxInterval = 2 * time.Minute

	// maxDeadErrorLen bounds the error text recorded on a dead-letter row.
	maxDeadErrorLen = 1024
)

// Job classes, recorded on metrics and dead-letter rows.
const (
	ClassCrawl          = "crawl"
	ClassSweep          = "sweep"
	ClassRankingRefresh = "ranking_refresh"
	ClassCounterRefresh = "counter_refresh"
)

// Job is one unit of background work.
type Job struct {
	// Class groups jobs for metrics and dead-letter triage.
	Class string

	// Key is the idempotency key. While a job with the same key is queued or
	// running, later enqueues collapse into it.
	Key string

	// Payload rides along and is recorded if the job dead-letters.
	Payload []byte

	// Timeout bounds each attempt. Zero means DefaultTimeout.
	Timeout time.Duration

	// MaxAttempts is the attempt budget. Zero means DefaultMaxAttempts.
	// Permanent errors stop earlier regardless of budget.
	MaxAttempts int

	// Run does the work. A nil error retires the job.
	Run func(ctx context.Context) error
}

type task struct {
	id  string
	job Job
}

// Runner executes Jobs on a fixed worker pool.
type Runner struct {
	dlq     store.DLQStore
	queue   chan *task
	workers int

	// retryBase seeds the backoff between attempts. Tests shorten it.
	retryBase time.Duration

	mtx      sync.Mutex
	inflight map[string]bool
	draining bool

	wg sync.WaitGroup

	enqueued  metrics2.Counter
	collapsed metrics2.Counter
	rejected  metrics2.Counter
	succeeded metrics2.Counter
	retried   metrics2.Counter
	dead      metrics2.Counter
}

// New returns a Runner that dead-letters exhausted jobs to dlq. dlq may be
// nil, in which case exhausted jobs are only logged. Zero workers or
// queueDepth select the defaults. Call Start before Enqueue.
func New(dlq store.DLQStore, workers, queueDepth int) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Runner{
		dlq:       dlq,
		queue:     make(chan *task, queueDepth),
		workers:   workers,
		retryBase: retryInterval,
		inflight:  map[string]bool{},
		enqueued:  metrics2.GetCounter("corgi_jobs_enqueued"),
		collapsed: metrics2.GetCounter("corgi_jobs_collapsed"),
		rejected:  metrics2.GetCounter("corgi_jobs_rejected"),
		succeeded: metrics2.GetCounter("corgi_jobs_succeeded"),
		retried:   metrics2.GetCounter("corgi_jobs_retried"),
		dead:      metrics2.GetCounter("corgi_jobs_dead"),
	}
}

// Start launches the worker pool. Workers exit once the queue is closed by
// Drain and emptied; ctx cancellation aborts the attempt in flight.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for t := range r.queue {
				r.execute(ctx, t)
			}
		}()
	}
	sklog.Infof("Job runner started with %d workers", r.workers)
}

// Enqueue submits a job. It returns false when the job was collapsed into an
// in-flight duplicate, the queue is full, or the runner is draining. Jobs
// without a key are never collapsed.
func (r *Runner) Enqueue(job Job) bool {
	if job.Run == nil {
		sklog.Errorf("Dropping %s job with nil Run", job.Class)
		return false
	}
	t := &task{id: uuid.NewString(), job: job}

	// The send happens under the lock so it cannot race Drain closing the
	// queue. The send never blocks; a full queue rejects the job.
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.draining {
		r.rejected.Inc(1)
		return false
	}
	if job.Key != "" && r.inflight[job.Key] {
		r.collapsed.Inc(1)
		return false
	}
	select {
	case r.queue <- t:
		if job.Key != "" {
			r.inflight[job.Key] = true
		}
		r.enqueued.Inc(1)
		return true
	default:
		r.rejected.Inc(1)
		sklog.Warningf("Job queue full, dropping %s job %q", job.Class, job.Key)
		return false
	}
}

// Drain stops admission, lets queued jobs finish, and waits for the workers
// to exit, up to the given grace period.
func (r *Runner) Drain(grace time.Duration) {
	r.mtx.Lock()
	if r.draining {
		r.mtx.Unlock()
		return
	}
	r.draining = true
	r.mtx.Unlock()
	close(r.queue)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		sklog.Infof("Job runner drained")
	case <-time.After(grace):
		sklog.Warningf("Job runner drain timed out after %s", grace)
	}
}

func (r *Runner) release(key string) {
	if key == "" {
		return
	}
	r.mtx.Lock()
	delete(r.inflight, key)
	r.mtx.Unlock()
}

// execute runs one task to success, permanent failure, or budget exhaustion.
func (r *Runner) execute(ctx context.Context, t *task) {
	defer r.release(t.job.Key)

	timeout := t.job.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	budget := t.job.MaxAttempts
	if budget <= 0 {
		budget = DefaultMaxAttempts
	}

	attempts := 0
	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := t.job.Run(attemptCtx)
		if err == nil {
			return nil
		}
		// Validation and access failures never heal on their own, so they
		// skip the remaining budget.
		if !cerr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     r.retryBase,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         retryMaxInterval,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(budget-1)), ctx)
	notify := func(err error, wait time.Duration) {
		r.retried.Inc(1)
		sklog.Warningf("Job %s (%s, key %q) failed, retrying in %s: %s", t.id, t.job.Class, t.job.Key, wait, err)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		r.deadLetter(ctx, t, attempts, err)
		return
	}
	r.succeeded.Inc(1)
}

// deadLetter records the exhausted job for operator triage.
func (r *Runner) deadLetter(ctx context.Context, t *task, attempts int, cause error) {
	r.dead.Inc(1)
	sklog.Errorf("Job %s (%s, key %q) failed after %d attempt(s): %s", t.id, t.job.Class, t.job.Key, attempts, cause)
	if r.dlq == nil {
		return
	}
	dead := store.DeadJob{
		ID:        t.id,
		Class:     t.job.Class,
		Key:       t.job.Key,
		Payload:   t.job.Payload,
		Attempts:  attempts,
		LastError: util.Truncate(cause.Error(), maxDeadErrorLen),
		FailedAt:  now.Now(ctx),
	}
	// Write with a fresh deadline: the job's own context may already be
	// canceled or expired.
	dlqCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.dlq.AppendDead(dlqCtx, dead); err != nil {
		sklog.Errorf("Failed to dead-letter job %s: %s", t.id, skerr.Unwrap(err))
	}
}
