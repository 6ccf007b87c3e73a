// Package cache implements the TTL-aware, serve-stale DNS response cache:
// bounded LRU storage with popularity tracking over a map plus an explicit
// container/list MRU/LRU ordering, giving O(1) touch/evict rather than a
// linear eviction scan.
package cache

import (
	"container/list"
	"sync"
	"time"

	"dnsrelay/pkg/logging"
	"dnsrelay/pkg/metrics"

	"github.com/miekg/dns"
)

const maxHits = 1024

// Entry is one cached DNS response and its bookkeeping.
type Entry struct {
	ResponseWire []byte
	ExpiresAt    time.Time
	StaleUntil   time.Time
	Rcode        int
	Hits         int
	LastHitMono  time.Time
}

// IsNegative reports whether this entry represents a negative answer
// (non-zero rcode), which was cached from an SOA MINIMUM rather than
// answer-record TTLs.
func (e Entry) IsNegative() bool { return e.Rcode != 0 }

type node struct {
	key   Key
	entry Entry
}

// Cache is the bounded, TTL-aware, serve-stale response cache. All mutation
// happens under mu in short critical sections; no suspension point (network
// call, channel receive) ever executes while mu is held.
type Cache struct {
	mu       sync.Mutex
	order    *list.List // front = MRU, back = LRU
	elements map[Key]*list.Element

	maxEntries    int
	negativeTTL   time.Duration
	serveStaleMax time.Duration

	metrics *metrics.Registry
	logger  *logging.Logger
}

// New builds a cache bounded at maxEntries (0 = unbounded), deriving
// negative-cache TTL from negativeTTL when no SOA MINIMUM is available and
// extending every entry's serveable window by serveStaleMax beyond expiry.
// logger may be nil, in which case eviction/clear logging is skipped.
func New(maxEntries int, negativeTTL, serveStaleMax time.Duration, reg *metrics.Registry, logger *logging.Logger) *Cache {
	return &Cache{
		order:         list.New(),
		elements:      make(map[Key]*list.Element),
		maxEntries:    maxEntries,
		negativeTTL:   negativeTTL,
		serveStaleMax: serveStaleMax,
		metrics:       reg,
		logger:        logger,
	}
}

// GetFresh returns the stored wire iff now <= expires_at. A hit moves the
// key to the MRU end and saturates the hit counter at 1024; a miss or
// expired lookup mutates nothing.
func (c *Cache) GetFresh(key Key) ([]byte, bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.elements[key]
	if !ok {
		return nil, false
	}
	n := el.Value.(*node)
	if now.After(n.entry.ExpiresAt) {
		return nil, false
	}
	c.touch(el, n, now)
	return n.entry.ResponseWire, true
}

// GetStale returns the stored wire iff expires_at < now <= stale_until,
// with the same hit-accounting side effects as GetFresh.
func (c *Cache) GetStale(key Key) ([]byte, bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.elements[key]
	if !ok {
		return nil, false
	}
	n := el.Value.(*node)
	if !now.After(n.entry.ExpiresAt) || now.After(n.entry.StaleUntil) {
		return nil, false
	}
	c.touch(el, n, now)
	return n.entry.ResponseWire, true
}

// touch applies the shared hit-accounting side effects (hits saturation,
// last_hit_mono, MRU move, negative-cache-hit counter) under the held lock.
func (c *Cache) touch(el *list.Element, n *node, now time.Time) {
	if n.entry.Hits < maxHits {
		n.entry.Hits++
	}
	n.entry.LastHitMono = now
	c.order.MoveToFront(el)
	if c.metrics != nil && n.entry.IsNegative() {
		c.metrics.Inc(metrics.NegativeCacheHitTotal)
	}
}

// Peek is a read-only lookup with no hit-accounting side effects, used by
// the refresh scanner via EntriesSnapshot.
func (c *Cache) Peek(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.elements[key]
	if !ok {
		return Entry{}, false
	}
	return el.Value.(*node).entry, true
}

// Put computes the TTL for the parsed response (section 4.1), builds a
// fresh entry at the MRU end, and runs the eviction policy.
func (c *Cache) Put(key Key, resp *dns.Msg) error {
	wire, err := resp.Pack()
	if err != nil {
		return err
	}
	ttl := c.determineTTL(resp)
	now := time.Now()
	entry := Entry{
		ResponseWire: wire,
		ExpiresAt:    now.Add(ttl),
		StaleUntil:   now.Add(ttl).Add(c.serveStaleMax),
		Rcode:        resp.Rcode,
		Hits:         0,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, exists := c.elements[key]; exists {
		el.Value.(*node).entry = entry
		c.order.MoveToFront(el)
	} else {
		el := c.order.PushFront(&node{key: key, entry: entry})
		c.elements[key] = el
	}
	c.evictLocked(now)
	if c.metrics != nil {
		c.metrics.Set(metrics.CacheEntries, int64(len(c.elements)))
	}
	return nil
}

// evictLocked enforces max_entries with the two-pass policy from section
// 4.1: expired-but-unserveable entries first, then strict LRU. Must be
// called with mu held.
func (c *Cache) evictLocked(now time.Time) {
	if c.maxEntries <= 0 {
		return
	}

	for el := c.order.Back(); el != nil && c.order.Len() > c.maxEntries; {
		prev := el.Prev()
		n := el.Value.(*node)
		if now.After(n.entry.StaleUntil) {
			c.removeLocked(el, n.key)
		}
		el = prev
	}

	for c.order.Len() > c.maxEntries {
		el := c.order.Back()
		if el == nil {
			break
		}
		n := el.Value.(*node)
		c.removeLocked(el, n.key)
	}
}

func (c *Cache) removeLocked(el *list.Element, key Key) {
	c.order.Remove(el)
	delete(c.elements, key)
	if c.metrics != nil {
		c.metrics.Inc(metrics.EvictionsTotal)
	}
	if c.logger != nil {
		c.logger.Debug("cache entry evicted", "name", key.Name, "qtype", key.Qtype, "qclass", key.Qclass)
	}
}

// EntriesSnapshot returns a shallow copy of all (key, entry) pairs for the
// refresh scanner; it never mutates hit accounting, matching Peek
// semantics.
func (c *Cache) EntriesSnapshot() []struct {
	Key   Key
	Entry Entry
} {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]struct {
		Key   Key
		Entry Entry
	}, 0, len(c.elements))
	for el := c.order.Front(); el != nil; el = el.Next() {
		n := el.Value.(*node)
		out = append(out, struct {
			Key   Key
			Entry Entry
		}{Key: n.key, Entry: n.entry})
	}
	return out
}

// Stats is the on-demand scan result from section 4.1's stats_snapshot.
type Stats struct {
	EntriesTotal       int
	FreshTotal         int
	ExpiredTotal       int
	StaleServableTotal int
	NegativeTotal      int
	EvictionsTotal     int64
}

// StatsSnapshot scans the current entry set and classifies each one.
func (c *Cache) StatsSnapshot() Stats {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{EntriesTotal: len(c.elements)}
	for el := c.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*node).entry
		switch {
		case !now.After(entry.ExpiresAt):
			stats.FreshTotal++
		case !now.After(entry.StaleUntil):
			stats.StaleServableTotal++
		default:
			stats.ExpiredTotal++
		}
		if entry.IsNegative() {
			stats.NegativeTotal++
		}
	}
	if c.metrics != nil {
		stats.EvictionsTotal = c.metrics.Get(metrics.EvictionsTotal)
	}
	return stats
}

// Clear removes all entries, publishing cache_entries=0 and incrementing
// cache_clears_total.
func (c *Cache) Clear() {
	c.mu.Lock()
	n := len(c.elements)
	c.order = list.New()
	c.elements = make(map[Key]*list.Element)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.Set(metrics.CacheEntries, 0)
		c.metrics.Inc(metrics.CacheClearsTotal)
	}
	if c.logger != nil {
		c.logger.Debug("cache cleared", "entries_removed", n)
	}
}

// determineTTL follows section 4.1's TTL policy: minimum answer TTL for a
// positive response, SOA MINIMUM for a negative/NODATA response, falling
// back to the configured negative TTL, clamped to >= 0.
func (c *Cache) determineTTL(resp *dns.Msg) time.Duration {
	if resp.Rcode == dns.RcodeSuccess && len(resp.Answer) > 0 {
		var min uint32
		for i, rr := range resp.Answer {
			ttl := rr.Header().Ttl
			if i == 0 || ttl < min {
				min = ttl
			}
		}
		return clampNonNegative(time.Duration(min) * time.Second)
	}

	for _, rr := range resp.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			return clampNonNegative(time.Duration(soa.Minttl) * time.Second)
		}
	}

	return clampNonNegative(c.negativeTTL)
}

func clampNonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
