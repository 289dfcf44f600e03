package resolve

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/wherefrom/wherefrom/internal/platform/observability"
)

// Queue is the third lookup tier: a FIFO dispatcher in front of the
// upstream fetcher. It bounds in-flight fetches, spaces dispatch
// starts, and suspends entirely while a rate-limit window is in effect.
// The queue is unbounded on the producer side; the only backpressure is
// the dispatch-side concurrency cap.
type Queue struct {
	fetcher Fetcher
	limiter *RateLimiter

	maxConcurrent   int64
	itemTimeout     time.Duration
	redispatchDelay time.Duration
	recheckMax      time.Duration
	defaultFreeze   time.Duration

	pacer *rate.Limiter
	sem   *semaphore.Weighted

	mu           sync.Mutex
	fifo         []*queueItem
	byKey        map[string]*queueItem
	closed       bool

	wake chan struct{}
	stop chan struct{}

	now     func() time.Time
	logger  *observability.Logger
	metrics *observability.Metrics
}

// queueItem is one pending upstream fetch. Concurrent Do calls for the
// same key share the item and therefore the result.
type queueItem struct {
	key        string
	enqueuedAt time.Time
	result     FetchResult
	done       chan struct{}
}

// QueueConfig holds Queue configuration.
type QueueConfig struct {
	Fetcher Fetcher
	Limiter *RateLimiter

	// MaxConcurrent caps simultaneously in-flight fetches (default 4).
	MaxConcurrent int64

	// DispatchInterval is the minimum spacing between dispatch starts
	// (default 500ms).
	DispatchInterval time.Duration

	// ItemTimeout bounds each dispatched fetch from the caller's view
	// (default 10s). The fetch itself is not cancelled.
	ItemTimeout time.Duration

	// RedispatchDelay debounces the dispatch attempt scheduled after a
	// completion (default 200ms).
	RedispatchDelay time.Duration

	// RecheckMax caps how long the dispatcher sleeps on a rate-limit
	// window before re-checking, so an externally cleared window is
	// noticed promptly (default 60s).
	RecheckMax time.Duration

	// DefaultFreeze is the window applied when a rate-limited result
	// carries no retry-after hint (default 15 minutes).
	DefaultFreeze time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// NewQueue creates and starts the dispatcher.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 500 * time.Millisecond
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 10 * time.Second
	}
	if cfg.RedispatchDelay <= 0 {
		cfg.RedispatchDelay = 200 * time.Millisecond
	}
	if cfg.RecheckMax <= 0 {
		cfg.RecheckMax = 60 * time.Second
	}
	if cfg.DefaultFreeze <= 0 {
		cfg.DefaultFreeze = 15 * time.Minute
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	q := &Queue{
		fetcher:         cfg.Fetcher,
		limiter:         cfg.Limiter,
		maxConcurrent:   cfg.MaxConcurrent,
		itemTimeout:     cfg.ItemTimeout,
		redispatchDelay: cfg.RedispatchDelay,
		recheckMax:      cfg.RecheckMax,
		defaultFreeze:   cfg.DefaultFreeze,
		pacer:           rate.NewLimiter(rate.Every(cfg.DispatchInterval), 1),
		sem:             semaphore.NewWeighted(cfg.MaxConcurrent),
		byKey:           make(map[string]*queueItem),
		wake:            make(chan struct{}, 1),
		stop:            make(chan struct{}),
		now:             time.Now,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
	}

	go q.run()

	return q
}

// Do enqueues key and waits for its fetch result. A key already queued
// or in flight is joined rather than enqueued again. Do always
// settles: the per-item timeout bounds the wait, and a cancelled ctx or
// closed queue yields a timed-out (retryable) result.
func (q *Queue) Do(ctx context.Context, key string) FetchResult {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return FetchResult{TimedOut: true}
	}

	it, joined := q.byKey[key]
	if !joined {
		it = &queueItem{
			key:        key,
			enqueuedAt: q.now(),
			done:       make(chan struct{}),
		}
		q.byKey[key] = it
		q.fifo = append(q.fifo, it)
	}
	depth := len(q.fifo)
	q.mu.Unlock()

	if !joined {
		if q.metrics != nil {
			q.metrics.SetQueueDepth(ctx, depth)
		}
		q.signalWake()
	}

	select {
	case <-it.done:
		return it.result
	case <-ctx.Done():
		return FetchResult{TimedOut: true}
	case <-q.stop:
		return FetchResult{TimedOut: true}
	}
}

// Len returns the number of items awaiting dispatch.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// Close stops the dispatcher. Outstanding Do calls settle with a
// timed-out result; in-flight fetches are abandoned, not cancelled.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stop)
}

// run is the dispatcher loop. It drains as much of the FIFO as the
// gates allow on each wake, scheduling its own future wake whenever a
// gate is closed.
func (q *Queue) run() {
	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
		}

		q.drain()
	}
}

// drain dispatches queue head items until a gate closes or the queue
// empties. Dispatch order is strict FIFO; completion order is not.
func (q *Queue) drain() {
	ctx := context.Background()

	for {
		q.mu.Lock()
		empty := len(q.fifo) == 0
		q.mu.Unlock()
		if empty {
			return
		}

		// Global gate: a rate-limit window suspends dispatch entirely.
		// Sleep in capped chunks so an externally cleared window is
		// picked up without waiting out the full duration.
		if q.limiter.Blocked() {
			wait := q.limiter.Remaining()
			if wait > q.recheckMax {
				wait = q.recheckMax
			}
			if q.metrics != nil {
				q.metrics.SetRateLimited(ctx, true)
			}
			q.scheduleWake(wait)
			return
		}
		if q.metrics != nil {
			q.metrics.SetRateLimited(ctx, false)
		}

		// Spacing gate between dispatch starts.
		r := q.pacer.Reserve()
		if delay := r.Delay(); delay > 0 {
			r.Cancel()
			q.scheduleWake(delay)
			return
		}

		// Concurrency gate. A completion wakes us again.
		if !q.sem.TryAcquire(1) {
			return
		}

		q.mu.Lock()
		if len(q.fifo) == 0 {
			q.mu.Unlock()
			q.sem.Release(1)
			return
		}
		it := q.fifo[0]
		q.fifo = q.fifo[1:]
		depth := len(q.fifo)
		q.mu.Unlock()

		if q.metrics != nil {
			q.metrics.SetQueueDepth(ctx, depth)
			q.metrics.RecordQueueWait(ctx, q.now().Sub(it.enqueuedAt))
		}

		go q.dispatch(it)
	}
}

// dispatch runs one upstream fetch with a soft-cancel timeout: on
// deadline the item settles as timed out while the fetch keeps running;
// whatever it eventually returns is discarded.
func (q *Queue) dispatch(it *queueItem) {
	defer q.sem.Release(1)

	resCh := make(chan FetchResult, 1)
	go func() {
		resCh <- q.fetcher.Fetch(context.Background(), it.key)
	}()

	var res FetchResult
	select {
	case res = <-resCh:
	case <-time.After(q.itemTimeout):
		res = FetchResult{TimedOut: true}
		q.logger.LogWarn(context.Background(), "upstream fetch timed out", "key", it.key, "timeout", q.itemTimeout)
	}

	if res.RateLimited {
		freeze := res.RetryAfter
		if freeze <= 0 {
			freeze = q.defaultFreeze
		}
		q.limiter.SetResumeAt(q.now().Add(freeze))
		q.logger.LogWarn(context.Background(), "upstream rate limited, freezing dispatch", "key", it.key, "resume_in", freeze)
		if q.metrics != nil {
			q.metrics.RecordRateLimitFreeze(context.Background())
		}
	}

	if q.metrics != nil {
		q.metrics.RecordUpstreamFetch(context.Background(), fetchResultLabel(res))
	}

	q.complete(it, res)

	// Debounce the next dispatch attempt instead of looping immediately.
	q.scheduleWake(q.redispatchDelay)
}

func (q *Queue) complete(it *queueItem, res FetchResult) {
	q.mu.Lock()
	delete(q.byKey, it.key)
	q.mu.Unlock()

	it.result = res
	close(it.done)
}

func (q *Queue) signalWake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) scheduleWake(d time.Duration) {
	if d <= 0 {
		q.signalWake()
		return
	}
	time.AfterFunc(d, q.signalWake)
}

func fetchResultLabel(res FetchResult) string {
	switch {
	case res.RateLimited:
		return "rate_limited"
	case res.TimedOut:
		return "timed_out"
	case res.Found:
		return "found"
	default:
		return "absent"
	}
}
