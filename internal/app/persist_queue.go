package app

import (
	"context"
	"hash/fnv"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"live-quiz-service/internal/metrics"
)

// RetryPolicy bounds how hard a persistence job is retried.
type RetryPolicy struct {
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DrainTimeout   time.Duration
}

// DefaultRetryPolicy is used when the config leaves the policy empty.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:     5,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	DrainTimeout:   5 * time.Second,
}

type persistJob struct {
	name string
	run  func(ctx context.Context) error
}

// PersistQueue is a write-behind queue: engines enqueue durable writes and
// move on, workers apply them with retries. A failed job never touches the
// in-memory session. Jobs sharing a key go to the same worker and apply in
// enqueue order, retries included.
type PersistQueue struct {
	shards []chan persistJob
	next   atomic.Uint32
	policy RetryPolicy

	mu     sync.RWMutex
	closed bool

	idleMu  sync.Mutex
	idle    *sync.Cond
	pending int
}

func NewPersistQueue(size, workers int, policy RetryPolicy) *PersistQueue {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 2
	}
	if policy.MaxRetries == 0 && policy.InitialBackoff == 0 {
		policy = DefaultRetryPolicy
	}
	if policy.DrainTimeout <= 0 {
		policy.DrainTimeout = DefaultRetryPolicy.DrainTimeout
	}
	perShard := size / workers
	if perShard < 1 {
		perShard = 1
	}
	q := &PersistQueue{
		shards: make([]chan persistJob, workers),
		policy: policy,
	}
	for i := range q.shards {
		q.shards[i] = make(chan persistJob, perShard)
	}
	q.idle = sync.NewCond(&q.idleMu)
	return q
}

// Enqueue schedules fn without blocking. It returns false when the queue is
// full or closed; the job is then dropped. Jobs with an empty key carry no
// ordering constraint and are spread over the workers.
func (q *PersistQueue) Enqueue(name, key string, fn func(ctx context.Context) error) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		log.Printf("[persist] queue closed, dropping %s", name)
		metrics.PersistenceDropped.Inc()
		return false
	}
	q.track(1)
	select {
	case q.shard(key) <- persistJob{name: name, run: fn}:
		return true
	default:
		q.track(-1)
		log.Printf("[persist] queue full, dropping %s", name)
		metrics.PersistenceDropped.Inc()
		return false
	}
}

// Run processes jobs until ctx is done, then drains accepted jobs for at most
// the policy's drain timeout.
func (q *PersistQueue) Run(ctx context.Context) error {
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var wg sync.WaitGroup
	for _, jobs := range q.shards {
		wg.Add(1)
		go func(jobs <-chan persistJob) {
			defer wg.Done()
			for job := range jobs {
				q.process(workCtx, job)
				q.track(-1)
			}
		}(jobs)
	}

	<-ctx.Done()
	q.close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(q.policy.DrainTimeout):
		log.Printf("[persist] drain timeout, abandoning in-flight jobs")
		cancel()
		<-done
	}
	return nil
}

// Wait blocks until every accepted job has been processed.
func (q *PersistQueue) Wait() {
	q.idleMu.Lock()
	defer q.idleMu.Unlock()
	for q.pending > 0 {
		q.idle.Wait()
	}
}

func (q *PersistQueue) track(delta int) {
	q.idleMu.Lock()
	q.pending += delta
	if q.pending == 0 {
		q.idle.Broadcast()
	}
	q.idleMu.Unlock()
}

func (q *PersistQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		for _, jobs := range q.shards {
			close(jobs)
		}
	}
}

func (q *PersistQueue) shard(key string) chan persistJob {
	if key == "" {
		return q.shards[int(q.next.Add(1))%len(q.shards)]
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return q.shards[h.Sum32()%uint32(len(q.shards))]
}

func (q *PersistQueue) process(ctx context.Context, job persistJob) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = q.policy.InitialBackoff
	if q.policy.MaxBackoff > 0 {
		exp.MaxInterval = q.policy.MaxBackoff
	}
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, q.policy.MaxRetries), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return job.run(ctx)
	}, policy, func(err error, next time.Duration) {
		log.Printf("[persist] %s attempt %d failed: %v (retry in %s)", job.name, attempt, err, next)
	})
	if err != nil {
		log.Printf("[persist] %s failed after %d attempts: %v", job.name, attempt, err)
		metrics.PersistenceFailures.WithLabelValues(job.name).Inc()
	}
}
