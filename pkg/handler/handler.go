// Package handler implements the decision ladder that turns one inbound
// DNS query into one outbound DNS response: fresh cache hit, stale hit with
// a stale-while-revalidate kick, cold miss coordinated through singleflight,
// or SERVFAIL. A pooled *dns.Msg is used for outbound replies and every
// step returns as soon as it has an answer, the same early-return shape as
// a typical ServeDNS handler.
package handler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"dnsrelay/pkg/cache"
	"dnsrelay/pkg/logging"
	"dnsrelay/pkg/metrics"
	"dnsrelay/pkg/refresh"
	"dnsrelay/pkg/singleflight"
	"dnsrelay/pkg/upstream"

	"github.com/miekg/dns"
)

// msgPool reduces per-query allocation for the short-lived *dns.Msg values
// built on every reply path.
var msgPool = sync.Pool{
	New: func() any { return new(dns.Msg) },
}

// Handler implements the decision ladder over the cache, the singleflight
// coordinator, and the configured upstream transport.
type Handler struct {
	Cache    *cache.Cache
	Upstream upstream.Transport

	// foreground dedups cold misses by cache key; refreshFlight dedups
	// background/kicked refreshes by ("refresh", cache key) — two distinct
	// keyspaces so a foreground miss never coalesces with a refresh.
	foreground    *singleflight.Coordinator
	refreshFlight *singleflight.Coordinator

	upstreamTimeout     time.Duration
	refreshWatchTimeout time.Duration

	// Refresher is set by cmd/dnsrelay after the refresh engine is
	// constructed (the engine holds a reference back to the handler's
	// cache, so the handler is built first). Nil-safe: a handler with no
	// refresher just skips the enqueue side of the SWR kick.
	Refresher RefreshEnqueuer

	metrics *metrics.Registry
	logger  *logging.Logger
}

// RefreshEnqueuer is the narrow slice of *refresh.Engine the handler needs,
// kept as an interface so handler tests can substitute a spy.
type RefreshEnqueuer interface {
	EnqueueRefresh(key cache.Key, reason refresh.Reason) bool
}

// New builds a Handler. refreshFlight is a separate Coordinator instance
// from foreground: two distinct keyspaces so a foreground miss never
// coalesces with a background refresh for the same key.
func New(c *cache.Cache, up upstream.Transport, foreground, refreshFlight *singleflight.Coordinator, upstreamTimeout, refreshWatchTimeout time.Duration, reg *metrics.Registry, logger *logging.Logger) *Handler {
	return &Handler{
		Cache:               c,
		Upstream:            up,
		foreground:          foreground,
		refreshFlight:       refreshFlight,
		upstreamTimeout:     upstreamTimeout,
		refreshWatchTimeout: refreshWatchTimeout,
		metrics:             reg,
		logger:              logger,
	}
}

func (h *Handler) inc(name string) {
	if h.metrics != nil {
		h.metrics.Inc(name)
	}
}

// Handle runs the full decision ladder for one inbound request and returns
// the wire bytes to send back. clientAddr is accepted for parity with the
// listener contract and is not otherwise used by the core ladder; it is
// passed through for log correlation only.
func (h *Handler) Handle(ctx context.Context, req *dns.Msg, clientAddr string) []byte {
	h.inc(metrics.QueriesTotal)

	// Step 1: validate.
	if len(req.Question) == 0 {
		h.inc(metrics.MalformedTotal)
		return rcodeReply(req, dns.RcodeFormatError)
	}

	ctx = logging.ContextWithRequestID(ctx, requestID(clientAddr, req.Id))

	// Step 2: normalize.
	q := req.Question[0]
	key := cache.NewKey(q.Name, q.Qtype, q.Qclass)

	// Step 3: fresh hit.
	if wire, ok := h.Cache.GetFresh(key); ok {
		h.inc(metrics.CacheHitFreshTotal)
		return rewriteID(wire, req.Id, h.logger)
	}

	// Step 4: stale hit.
	if wire, ok := h.Cache.GetStale(key); ok {
		h.inc(metrics.CacheHitStaleTotal)
		h.kickRefresh(key)
		return rewriteID(wire, req.Id, h.logger)
	}

	// Step 5: cold miss.
	h.inc(metrics.CacheMissTotal)
	wireQuery, err := req.Pack()
	if err != nil {
		h.inc(metrics.MalformedTotal)
		return rcodeReply(req, dns.RcodeServerFailure)
	}

	future, _ := h.foreground.GetOrCreate(foregroundKey(key), func() (any, error) {
		return h.resolveAndCache(ctx, key, wireQuery)
	})

	result, err := future.Wait(ctx)

	// Step 6: upstream succeeded.
	if err == nil && result != nil {
		if wire, ok := result.([]byte); ok && wire != nil {
			return rewriteID(wire, req.Id, h.logger)
		}
	}

	h.inc(metrics.UpstreamFailTotal)

	// Step 7: late stale — a concurrent refresher may have populated the
	// cache while we were waiting on the failed upstream call.
	if wire, ok := h.Cache.GetStale(key); ok {
		h.inc(metrics.CacheHitStaleTotal)
		h.kickRefresh(key)
		return rewriteID(wire, req.Id, h.logger)
	}

	// Step 8: SERVFAIL.
	return rcodeReply(req, dns.RcodeServerFailure)
}

// ResolveForeground runs a refresh for key through the same foreground
// singleflight coordinator and keyspace a cold miss would use, so a
// coincident foreground miss joins this work instead of issuing a second
// upstream query. It satisfies refresh.Resolver, letting the refresh
// engine's worker pool call back into the handler without an import cycle
// (refresh depends on this method's signature, not on *Handler).
func (h *Handler) ResolveForeground(ctx context.Context, key cache.Key) bool {
	wireQuery, err := buildQuery(key)
	if err != nil {
		return false
	}

	future, _ := h.foreground.GetOrCreate(foregroundKey(key), func() (any, error) {
		return h.resolveAndCache(ctx, key, wireQuery)
	})

	result, err := future.Wait(ctx)
	if err != nil || result == nil {
		return false
	}
	wire, ok := result.([]byte)
	return ok && wire != nil
}

// resolveAndCache is the singleflight factory for a cold miss: query
// upstream, parse, and on success populate the cache. It never returns an
// error to the caller for an upstream failure (a nil wire is the failure
// signal, not an exception); the returned error is always nil.
func (h *Handler) resolveAndCache(ctx context.Context, key cache.Key, wireQuery []byte) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, h.upstreamTimeout)
	defer cancel()

	log := h.logger
	if log != nil {
		log = log.WithContext(ctx)
	}

	wire, err := h.Upstream.Query(ctx, wireQuery, logging.RequestIDFromContext(ctx))
	if err != nil || wire == nil {
		if log != nil {
			log.Debug("upstream query failed", "name", key.Name, "qtype", key.Qtype, "error", err)
		}
		return nil, nil
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(wire); err != nil {
		if log != nil {
			log.Debug("upstream response unparseable", "name", key.Name, "error", err)
		}
		return nil, nil
	}

	if err := h.Cache.Put(key, resp); err != nil {
		if log != nil {
			log.Debug("cache put failed", "name", key.Name, "error", err)
		}
	}
	return wire, nil
}

// kickRefresh implements the stale-while-revalidate kick: an immediate
// single-flight refresh under the ("refresh", key) keyspace, observed with
// a shielded watchdog that never cancels the underlying task, plus a
// best-effort enqueue into the background refresh queue as a backstop (the
// queue enqueue is redundant for hot entries but intentionally kept). The
// watchdog runs in its own goroutine, so the caller returns immediately.
func (h *Handler) kickRefresh(key cache.Key) {
	h.inc(metrics.SWRRefreshTriggered)

	if h.Refresher != nil {
		h.Refresher.EnqueueRefresh(key, refresh.ReasonStaleServed)
	}

	future, _ := h.refreshFlight.GetOrCreate("refresh\x00"+foregroundKey(key), func() (any, error) {
		wireQuery, err := buildQuery(key)
		if err != nil {
			return nil, nil
		}
		return h.resolveAndCache(context.Background(), key, wireQuery)
	})

	if h.refreshWatchTimeout <= 0 {
		return
	}
	go func() {
		_, timedOut := future.WaitFor(h.refreshWatchTimeout)
		if timedOut && h.logger != nil {
			h.logger.Debug("swr refresh kick watchdog timed out; refresh continues in background", "name", key.Name, "qtype", key.Qtype)
		}
	}()
}

// buildQuery constructs a fresh outbound query wire for (qname, qtype,
// qclass), used whenever a refresh has no inbound request to re-forward
// (the SWR kick and the background worker pool both resolve from a bare
// cache key rather than a live client packet).
func buildQuery(key cache.Key) ([]byte, error) {
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(key.Name), key.Qtype)
	query.Question[0].Qclass = key.Qclass
	query.RecursionDesired = true
	return query.Pack()
}

// rcodeReply builds a minimal reply to req carrying rcode, using the
// msgPool-backed *dns.Msg for outbound replies.
func rcodeReply(req *dns.Msg, rcode int) []byte {
	msg := msgPool.Get().(*dns.Msg)
	defer msgPool.Put(msg)
	*msg = dns.Msg{}
	msg.SetRcode(req, rcode)

	wire, err := msg.Pack()
	if err != nil {
		return nil
	}
	return wire
}

// rewriteID unpacks the stored/returned wire, overwrites the header ID to
// match the inbound request, and re-packs — the single surface mutation
// applied to every outbound response.
func rewriteID(wire []byte, id uint16, logger *logging.Logger) []byte {
	msg := msgPool.Get().(*dns.Msg)
	defer msgPool.Put(msg)
	*msg = dns.Msg{}

	if err := msg.Unpack(wire); err != nil {
		if logger != nil {
			logger.Debug("failed to unpack cached wire for ID rewrite", "error", err)
		}
		return nil
	}
	msg.Id = id
	out, err := msg.Pack()
	if err != nil {
		if logger != nil {
			logger.Debug("failed to re-pack after ID rewrite", "error", err)
		}
		return nil
	}
	return out
}

// requestID builds a correlation ID for log/relay purposes from the
// client's address and the inbound transaction ID. It is not a uniqueness
// guarantee (a client can reuse a transaction ID), only a best-effort
// handle for grepping one query's hops out of the logs.
func requestID(clientAddr string, txID uint16) string {
	return clientAddr + "#" + strconv.FormatUint(uint64(txID), 10)
}

// foregroundKey is the singleflight key for a cache Key, shared by the
// cold-miss path and ResolveForeground so both coalesce on the same key.
func foregroundKey(key cache.Key) string {
	return key.Name + "\x00" + dns.TypeToString[key.Qtype] + "\x00" + dns.ClassToString[key.Qclass]
}
