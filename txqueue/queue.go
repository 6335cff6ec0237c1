// Package txqueue serializes every mutating ledger call issued by this
// process through a single ordered consumer. The queue owns the only writer
// of the admin account's transaction nonce: the cached value is consumed
// exactly once per confirmed call and strictly increases.
package txqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"arenasettle/observability"
)

// Backend exposes what the queue needs from the external service connection:
// the account's pending nonce plus connection maintenance hooks.
type Backend interface {
	PendingNonce(ctx context.Context) (uint64, error)
	// Refresh re-establishes the current connection.
	Refresh(ctx context.Context) error
	// Rotate switches to the next equivalent endpoint, if one is configured.
	Rotate(ctx context.Context) error
}

// SubmitFunc builds, signs, submits, and confirms one external call using the
// supplied account nonce, returning an opaque transaction reference. Any
// protocol-level sequence number must be fetched inside this function, never
// cached ahead of time.
type SubmitFunc func(ctx context.Context, accountNonce uint64) (string, error)

// Result reports a confirmed submission.
type Result struct {
	Ref          string
	AccountNonce uint64
}

type outcome struct {
	result Result
	err    error
}

type item struct {
	label  string
	submit SubmitFunc
	done   chan outcome
}

// Queue is the single-consumer submission queue.
type Queue struct {
	backend  Backend
	classify func(error) Class
	limiter  *rate.Limiter
	log      *slog.Logger
	metrics  *observability.QueueMetrics

	maxRetries    int
	sequenceDelay time.Duration
	retryBase     time.Duration
	refreshEvery  time.Duration

	items   chan *item
	stopped chan struct{}
	once    sync.Once

	// Consumer-loop state. Only the run goroutine reads or writes these.
	nonce       uint64
	nonceKnown  bool
	lastRefresh time.Time
}

// Option customises the queue.
type Option func(*Queue)

// WithMaxRetries bounds the retry budget per submission.
func WithMaxRetries(n int) Option {
	return func(q *Queue) { q.maxRetries = n }
}

// WithSequenceDelay sets the settle delay applied to protocol sequence mismatches.
func WithSequenceDelay(d time.Duration) Option {
	return func(q *Queue) { q.sequenceDelay = d }
}

// WithRetryBaseDelay sets the initial transient-retry delay; it doubles per attempt.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(q *Queue) { q.retryBase = d }
}

// WithRefreshInterval sets how often the backend connection is re-established.
func WithRefreshInterval(d time.Duration) Option {
	return func(q *Queue) { q.refreshEvery = d }
}

// WithRateLimiter throttles submission attempts against the external service.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(q *Queue) { q.limiter = l }
}

// WithCapacity sets the number of waiting submissions the queue accepts.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.items = make(chan *item, n)
		}
	}
}

// WithLogger supplies the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// WithClassifier overrides error classification.
func WithClassifier(fn func(error) Class) Option {
	return func(q *Queue) { q.classify = fn }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.QueueMetrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New constructs a queue over the supplied backend.
func New(backend Backend, opts ...Option) *Queue {
	q := &Queue{
		backend:       backend,
		classify:      Classify,
		log:           slog.Default(),
		metrics:       observability.Queue(),
		maxRetries:    5,
		sequenceDelay: 500 * time.Millisecond,
		retryBase:     250 * time.Millisecond,
		refreshEvery:  5 * time.Minute,
		items:         make(chan *item, 64),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the consumer loop. It exits when ctx is cancelled, after
// finishing the item in flight.
func (q *Queue) Start(ctx context.Context) {
	q.once.Do(func() {
		go q.run(ctx)
	})
}

// Done is closed once the consumer loop has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.stopped
}

// Submit enqueues one external call and blocks until the consumer confirms
// or gives up on it. Producers may call Submit concurrently; execution is
// strictly ordered.
func (q *Queue) Submit(ctx context.Context, label string, fn SubmitFunc) (Result, error) {
	if fn == nil {
		return Result{}, fmt.Errorf("txqueue: submit function required")
	}
	it := &item{label: label, submit: fn, done: make(chan outcome, 1)}
	select {
	case q.items <- it:
		q.metrics.SetDepth(len(q.items))
	case <-q.stopped:
		return Result{}, fmt.Errorf("txqueue: queue stopped")
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case out := <-it.done:
		return out.result, out.err
	case <-q.stopped:
		// The consumer exited before popping this item. It finishes its
		// in-flight item first, so a result may already be buffered.
		select {
		case out := <-it.done:
			return out.result, out.err
		default:
		}
		return Result{}, fmt.Errorf("txqueue: queue stopped")
	case <-ctx.Done():
		// The consumer still finishes the item; the buffered channel keeps
		// its report from blocking the loop.
		return Result{}, ctx.Err()
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.stopped)
	q.lastRefresh = time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-q.items:
			q.metrics.SetDepth(len(q.items))
			result, err := q.process(ctx, it)
			it.done <- outcome{result: result, err: err}
		}
	}
}

// Safety valve on the otherwise unbudgeted nonce-stale refresh loop.
const maxNonceRefreshes = 32

func (q *Queue) process(ctx context.Context, it *item) (Result, error) {
	retries := 0
	staleRefreshes := 0
	delay := q.retryBase
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		q.maybeRefreshConnection(ctx)

		if !q.nonceKnown {
			nonce, err := q.backend.PendingNonce(ctx)
			if err != nil {
				retries++
				q.metrics.RecordRetry(ClassTransient.String())
				if retries > q.maxRetries {
					q.rotate(ctx, it.label)
					q.metrics.RecordSubmission("failed")
					return Result{}, fmt.Errorf("txqueue: fetch account nonce: %w", err)
				}
				if err := q.sleep(ctx, delay); err != nil {
					return Result{}, err
				}
				delay *= 2
				continue
			}
			q.nonce = nonce
			q.nonceKnown = true
			q.metrics.RecordNonceRefresh()
		}

		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return Result{}, err
			}
		}

		ref, err := it.submit(ctx, q.nonce)
		if err == nil {
			used := q.nonce
			// Confirmed: advance the cached nonce locally instead of
			// re-reading it for the next item.
			q.nonce++
			q.metrics.RecordSubmission("confirmed")
			q.log.Info("submission confirmed", "label", it.label, "ref", ref, "nonce", used)
			return Result{Ref: ref, AccountNonce: used}, nil
		}

		class := q.classify(err)
		switch class {
		case ClassNonceStale:
			// Expected and cheap: refresh and retry the same item without
			// advancing the queue or spending budget.
			q.nonceKnown = false
			staleRefreshes++
			q.metrics.RecordRetry(class.String())
			if staleRefreshes > maxNonceRefreshes {
				q.metrics.RecordSubmission("failed")
				return Result{}, fmt.Errorf("txqueue: nonce refresh loop on %s: %w", it.label, err)
			}
		case ClassReplacement:
			q.nonceKnown = false
			retries++
			q.metrics.RecordRetry(class.String())
			if retries > q.maxRetries {
				q.metrics.RecordSubmission("failed")
				return Result{}, fmt.Errorf("txqueue: replacement retries exhausted on %s: %w", it.label, err)
			}
		case ClassSequence:
			retries++
			q.metrics.RecordRetry(class.String())
			if retries > q.maxRetries {
				q.metrics.RecordSubmission("failed")
				return Result{}, fmt.Errorf("txqueue: sequence retries exhausted on %s: %w", it.label, err)
			}
			if err := q.sleep(ctx, q.sequenceDelay); err != nil {
				return Result{}, err
			}
		case ClassTerminal:
			q.metrics.RecordSubmission("rejected")
			q.log.Warn("submission rejected", "label", it.label, "err", err)
			return Result{}, err
		default:
			q.nonceKnown = false
			retries++
			q.metrics.RecordRetry(class.String())
			if retries > q.maxRetries {
				q.rotate(ctx, it.label)
				q.metrics.RecordSubmission("failed")
				return Result{}, fmt.Errorf("txqueue: transient retries exhausted on %s: %w", it.label, err)
			}
			if err := q.sleep(ctx, delay); err != nil {
				return Result{}, err
			}
			delay *= 2
		}
	}
}

func (q *Queue) maybeRefreshConnection(ctx context.Context) {
	if q.refreshEvery <= 0 || time.Since(q.lastRefresh) < q.refreshEvery {
		return
	}
	if err := q.backend.Refresh(ctx); err != nil {
		q.log.Warn("connection refresh failed", "err", err)
	}
	q.lastRefresh = time.Now()
	q.nonceKnown = false
}

func (q *Queue) rotate(ctx context.Context, label string) {
	if err := q.backend.Rotate(ctx); err != nil {
		q.log.Warn("endpoint rotation failed", "label", label, "err", err)
		return
	}
	q.metrics.RecordRotation()
	q.nonceKnown = false
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
