// Package refresh implements the background stale-ahead refresh engine: a
// scanner tick loop that proactively re-resolves popular, near-expiry cache
// entries (stale-while-revalidate) plus a bounded worker pool fed by an
// explicit queue with duplicate/overflow accounting, rather than a single
// sweep-and-block loop.
package refresh

import (
	"context"
	"sync"
	"time"

	"dnsrelay/pkg/cache"
	"dnsrelay/pkg/logging"
	"dnsrelay/pkg/metrics"
)

// Reason tags why a key was enqueued, observability only.
type Reason string

const (
	ReasonStaleServed Reason = "stale_served"
	ReasonTick        Reason = "tick"
	ReasonWarmup      Reason = "warmup"
)

// Resolver is the narrow capability the engine needs from the handler: run
// a refresh for key through the same singleflight coordinator and keyspace
// a foreground cold miss would use, so a coincident foreground miss joins
// this work instead of issuing a second upstream query. Defined here
// (rather than depending on pkg/handler) so handler can depend on refresh
// without a cycle; *handler.Handler satisfies this interface via its
// ResolveForeground method.
type Resolver interface {
	ResolveForeground(ctx context.Context, key cache.Key) bool
}

// Config tunes the scanner and worker pool.
type Config struct {
	AheadSeconds           int
	PopularityThreshold    int
	PopularityDecaySeconds int
	TickMs                 int
	BatchSize              int
	Concurrency            int
	QueueMax               int
}

type item struct {
	key    cache.Key
	reason Reason
}

type enqueueOutcome int

const (
	outcomeEnqueued enqueueOutcome = iota
	outcomeDuplicate
	outcomeFull
)

// Engine owns the scan ticker, the bounded FIFO queue, and the worker
// pool. queuedKeys and inflightKeys together guarantee that at any instant
// the two sets are disjoint and no key appears twice in the queue.
type Engine struct {
	cacheStore *cache.Cache
	resolver   Resolver
	cfg        Config

	mu           sync.Mutex
	queuedKeys   map[cache.Key]struct{}
	inflightKeys map[cache.Key]struct{}
	queue        chan item

	metrics *metrics.Registry
	logger  *logging.Logger

	wg sync.WaitGroup
}

// New builds an Engine bound to c, resolving popular near-expiry entries
// through resolver according to cfg.
func New(c *cache.Cache, resolver Resolver, cfg Config, reg *metrics.Registry, logger *logging.Logger) *Engine {
	queueMax := cfg.QueueMax
	if queueMax <= 0 {
		queueMax = 1
	}
	return &Engine{
		cacheStore:   c,
		resolver:     resolver,
		cfg:          cfg,
		queuedKeys:   make(map[cache.Key]struct{}),
		inflightKeys: make(map[cache.Key]struct{}),
		queue:        make(chan item, queueMax),
		metrics:      reg,
		logger:       logger,
	}
}

func (e *Engine) inc(name string) {
	if e.metrics != nil {
		e.metrics.Inc(name)
	}
}

// Start launches the scanner goroutine and the worker pool. Cancel ctx and
// call Wait to shut down cleanly.
func (e *Engine) Start(ctx context.Context) {
	concurrency := e.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	e.wg.Add(1)
	go e.scannerLoop(ctx)

	for i := 0; i < concurrency; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx)
	}
}

// Wait blocks until the scanner and all workers have returned, used by
// cmd/dnsrelay during graceful shutdown after cancelling the engine's
// context.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// EnqueueRefresh is the enqueue primitive: drop on duplicate (already
// queued or in flight) or on a full queue, accounting each distinctly;
// otherwise push and account the enqueue. Used by the scanner, the
// handler's SWR kick (reason stale_served), and warmup.
func (e *Engine) EnqueueRefresh(key cache.Key, reason Reason) bool {
	switch e.enqueueLocked(key, reason) {
	case outcomeEnqueued:
		e.inc(metrics.RefreshEnqueuedTotal)
		return true
	case outcomeDuplicate:
		e.inc(metrics.RefreshDroppedDuplicate)
		return false
	default:
		e.inc(metrics.RefreshDroppedQueueFull)
		return false
	}
}

func (e *Engine) enqueueLocked(key cache.Key, reason Reason) enqueueOutcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.queuedKeys[key]; ok {
		return outcomeDuplicate
	}
	if _, ok := e.inflightKeys[key]; ok {
		return outcomeDuplicate
	}

	select {
	case e.queue <- item{key: key, reason: reason}:
		e.queuedKeys[key] = struct{}{}
		return outcomeEnqueued
	default:
		return outcomeFull
	}
}

func (e *Engine) scannerLoop(ctx context.Context) {
	defer e.wg.Done()

	tick := time.Duration(e.cfg.TickMs) * time.Millisecond
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.scanTick()
		}
	}
}

// scanTick performs one pass over a snapshot of the cache, enqueuing
// entries that pass the hybrid gate, stopping at batch_size or a full
// queue.
func (e *Engine) scanTick() {
	now := time.Now()
	entries := e.cacheStore.EntriesSnapshot()

	batchSize := e.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(entries)
	}

	enqueuedCount := 0
	for _, pair := range entries {
		if enqueuedCount >= batchSize {
			return
		}
		if !e.hybridGate(pair.Entry, now) {
			continue
		}

		switch e.enqueueLocked(pair.Key, ReasonTick) {
		case outcomeEnqueued:
			e.inc(metrics.RefreshEnqueuedTotal)
			enqueuedCount++
		case outcomeDuplicate:
			e.inc(metrics.RefreshDroppedDuplicate)
		case outcomeFull:
			e.inc(metrics.RefreshDroppedQueueFull)
			return
		}
	}
}

// hybridGate is the conjunction that decides whether an entry is worth
// refreshing: not expired, within the lookahead window, popular, and (if
// decay is configured) recently touched. Used both by the scanner and,
// re-applied against current state, by the worker before it contacts
// upstream.
func (e *Engine) hybridGate(entry cache.Entry, now time.Time) bool {
	remaining := entry.ExpiresAt.Sub(now)
	if remaining < 0 {
		return false
	}
	if remaining > time.Duration(e.cfg.AheadSeconds)*time.Second {
		return false
	}
	if entry.Hits < e.cfg.PopularityThreshold {
		return false
	}
	if e.cfg.PopularityDecaySeconds > 0 {
		if entry.LastHitMono.IsZero() {
			return false
		}
		if now.Sub(entry.LastHitMono) > time.Duration(e.cfg.PopularityDecaySeconds)*time.Second {
			return false
		}
	}
	return true
}

func (e *Engine) workerLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-e.queue:
			if !ok {
				return
			}
			e.process(ctx, it)
		}
	}
}

// process pops one item, re-applies the hybrid gate against current state
// (accounting result=skipped if it no longer holds), and otherwise resolves
// through the shared singleflight coordinator. inflightKeys removal always
// runs, including when ctx is already cancelled.
func (e *Engine) process(ctx context.Context, it item) {
	e.mu.Lock()
	delete(e.queuedKeys, it.key)
	e.inflightKeys[it.key] = struct{}{}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inflightKeys, it.key)
		e.mu.Unlock()
	}()

	e.inc(metrics.RefreshStartedTotal)

	entry, ok := e.cacheStore.Peek(it.key)
	if !ok || !e.hybridGate(entry, time.Now()) {
		e.inc(metrics.RefreshCompletedSkipped)
		return
	}

	if e.resolver.ResolveForeground(ctx, it.key) {
		e.inc(metrics.RefreshCompletedSuccess)
		return
	}
	if e.logger != nil {
		e.logger.Debug("background refresh failed", "name", it.key.Name, "qtype", it.key.Qtype, "reason", it.reason)
	}
	e.inc(metrics.RefreshCompletedFail)
}

// QueuedAndInflight reports the current size of each set, used by tests to
// assert the queued/in-flight disjointness invariant.
func (e *Engine) QueuedAndInflight() (queued, inflight int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queuedKeys), len(e.inflightKeys)
}
