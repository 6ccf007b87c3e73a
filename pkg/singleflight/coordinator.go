// Package singleflight deduplicates concurrent in-flight work by key,
// built on golang.org/x/sync/singleflight.Group with an explicit
// leader/follower contract layered on top for synchronous call-site
// bookkeeping.
package singleflight

import (
	"context"
	"sync"
	"time"

	"dnsrelay/pkg/metrics"

	"golang.org/x/sync/singleflight"
)

// Result is the outcome of a factory call, delivered to every caller sharing
// the same key.
type Result struct {
	Val any
	Err error
}

// Future is a handle to a pending or completed call. It can be awaited
// synchronously (Wait) or observed with a bounded watchdog that never
// cancels the underlying work (WaitFor) — the shape the stale-while-
// revalidate kick needs: time out on the *caller* side only.
type Future struct {
	ch <-chan singleflight.Result
}

// Wait blocks until the call completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case res := <-f.ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitFor observes the call for at most d before giving up. A timeout means
// the caller stops waiting; it does not cancel the in-flight factory, which
// keeps running and will still populate the cache on completion for the next
// lookup to find.
func (f *Future) WaitFor(d time.Duration) (res Result, timedOut bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case r := <-f.ch:
		return Result{Val: r.Val, Err: r.Err}, false
	case <-t.C:
		return Result{}, true
	}
}

// Coordinator wraps a singleflight.Group with synchronous leader detection:
// x/sync/singleflight reports "shared" only once a call completes, but the
// handler needs to know leader-vs-follower at call time (the follower path
// increments singleflight_dedup_total and otherwise does no work of its
// own). A small guarded set tracks which keys currently have a call
// in-flight; the actual coalescing and factory execution is delegated
// entirely to the wrapped Group.
type Coordinator struct {
	g group

	mu       sync.Mutex
	inflight map[string]struct{}

	metrics *metrics.Registry
}

// group is the subset of singleflight.Group's API this package depends on.
type group interface {
	DoChan(key string, fn func() (any, error)) <-chan singleflight.Result
}

// New returns a Coordinator whose dedup counter (if reg is non-nil) is
// singleflight_dedup_total.
func New(reg *metrics.Registry) *Coordinator {
	return &Coordinator{
		g:        new(singleflight.Group),
		inflight: make(map[string]struct{}),
		metrics:  reg,
	}
}

// GetOrCreate returns a Future for key. The first caller for a currently-idle
// key becomes leader (isLeader=true) and its factory is the one that runs;
// every concurrent caller that arrives before the call completes is a
// follower (isLeader=false) and singleflight_dedup_total is incremented once
// per follower.
func (c *Coordinator) GetOrCreate(key string, factory func() (any, error)) (future *Future, isLeader bool) {
	c.mu.Lock()
	_, exists := c.inflight[key]
	isLeader = !exists
	if isLeader {
		c.inflight[key] = struct{}{}
	} else if c.metrics != nil {
		c.metrics.Inc(metrics.SingleflightDedupTotal)
	}
	c.mu.Unlock()

	ch := c.g.DoChan(key, func() (any, error) {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
		}()
		return factory()
	})

	return &Future{ch: ch}, isLeader
}

// InFlight reports whether key currently has a call in progress. Only the
// tests call it; the refresh engine tracks its own in-flight keys.
func (c *Coordinator) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[key]
	return ok
}
