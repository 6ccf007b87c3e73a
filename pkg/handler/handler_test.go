package handler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dnsrelay/pkg/cache"
	"dnsrelay/pkg/metrics"
	"dnsrelay/pkg/singleflight"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedTransport returns answers from a queue of builder funcs, one per
// call, falling back to the last entry once exhausted; calls is the
// observed invocation count.
type scriptedTransport struct {
	mu      sync.Mutex
	answers []func(q dns.Question) *dns.Msg
	calls   int32
	fail    bool
}

func (t *scriptedTransport) Query(_ context.Context, wireQuery []byte, _ string) ([]byte, error) {
	atomic.AddInt32(&t.calls, 1)
	if t.fail {
		return nil, nil
	}

	req := new(dns.Msg)
	_ = req.Unpack(wireQuery)

	t.mu.Lock()
	idx := 0
	if len(t.answers) > 1 {
		idx = int(atomic.LoadInt32(&t.calls)) - 1
		if idx >= len(t.answers) {
			idx = len(t.answers) - 1
		}
	}
	build := t.answers[idx]
	t.mu.Unlock()

	resp := build(req.Question[0])
	resp.SetReply(req)
	return resp.Pack()
}

func aRecord(name, ip string, ttl uint32) func(dns.Question) *dns.Msg {
	return func(q dns.Question) *dns.Msg {
		msg := new(dns.Msg)
		rr, _ := dns.NewRR(name + " " + itoa(ttl) + " IN A " + ip)
		msg.Answer = []dns.RR{rr}
		return msg
	}
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func newTestHandler(t *testing.T, transport *scriptedTransport) (*Handler, *cache.Cache, *metrics.Registry) {
	t.Helper()
	reg := metrics.New()
	c := cache.New(0, 60*time.Second, 300*time.Second, reg, nil)
	h := New(c, transport, singleflight.New(reg), singleflight.New(reg), 2*time.Second, 50*time.Millisecond, reg, nil)
	return h, c, reg
}

func query(name string, qtype uint16, id uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Id = id
	return m
}

func TestHandler_ColdMissThenFreshHit(t *testing.T) {
	transport := &scriptedTransport{answers: []func(dns.Question) *dns.Msg{aRecord("example.com.", "1.2.3.4", 60)}}
	h, _, reg := newTestHandler(t, transport)

	resp1 := unpack(t, h.Handle(context.Background(), query("example.com", dns.TypeA, 0x1234), "client1"))
	assert.Equal(t, uint16(0x1234), resp1.Id)
	assert.Equal(t, dns.RcodeSuccess, resp1.Rcode)
	require.Len(t, resp1.Answer, 1)
	assert.Equal(t, "1.2.3.4", resp1.Answer[0].(*dns.A).A.String())

	resp2 := unpack(t, h.Handle(context.Background(), query("example.com", dns.TypeA, 0x5678), "client2"))
	assert.Equal(t, uint16(0x5678), resp2.Id)
	require.Len(t, resp2.Answer, 1)
	assert.Equal(t, "1.2.3.4", resp2.Answer[0].(*dns.A).A.String())

	assert.Equal(t, int64(1), reg.Get(metrics.CacheMissTotal))
	assert.Equal(t, int64(1), reg.Get(metrics.CacheHitFreshTotal))
	assert.Equal(t, int32(1), atomic.LoadInt32(&transport.calls))
}

func TestHandler_StaleWhileRevalidate(t *testing.T) {
	transport := &scriptedTransport{answers: []func(dns.Question) *dns.Msg{aRecord("example.com.", "5.6.7.8", 60)}}
	h, c, reg := newTestHandler(t, transport)

	key := cache.NewKey("example.com", dns.TypeA, dns.ClassINET)

	// A TTL=0 put is immediately non-fresh but still stale-serveable for
	// serve_stale_max_s beyond expiry, the cheapest way to get a pre-expired
	// entry without manipulating the clock.
	rr, _ := dns.NewRR("example.com. 0 IN A 1.2.3.4")
	zero := new(dns.Msg)
	zero.Answer = []dns.RR{rr}
	zero.Rcode = dns.RcodeSuccess
	require.NoError(t, c.Put(key, zero))

	start := time.Now()
	resp := unpack(t, h.Handle(context.Background(), query("example.com", dns.TypeA, 0x9), "c"))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 50*time.Millisecond, "stale serve must return without waiting on the refresh")
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "1.2.3.4", resp.Answer[0].(*dns.A).A.String())
	assert.Equal(t, int64(1), reg.Get(metrics.CacheHitStaleTotal))
	assert.Equal(t, int64(1), reg.Get(metrics.SWRRefreshTriggered))

	require.Eventually(t, func() bool {
		got, ok := c.GetFresh(key)
		if !ok {
			return false
		}
		msg := new(dns.Msg)
		_ = msg.Unpack(got)
		return len(msg.Answer) == 1 && msg.Answer[0].(*dns.A).A.String() == "5.6.7.8"
	}, time.Second, 5*time.Millisecond, "background refresh should populate the cache with the new answer")
}

func TestHandler_UpstreamFailureNoCache(t *testing.T) {
	transport := &scriptedTransport{fail: true, answers: []func(dns.Question) *dns.Msg{aRecord("a.", "1.1.1.1", 1)}}
	h, _, reg := newTestHandler(t, transport)

	resp := unpack(t, h.Handle(context.Background(), query("nowhere.example", dns.TypeA, 0x42), "c"))
	assert.Equal(t, uint16(0x42), resp.Id)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	assert.Equal(t, int64(1), reg.Get(metrics.CacheMissTotal))
	assert.Equal(t, int64(1), reg.Get(metrics.UpstreamFailTotal))
}

func TestHandler_NegativeCachingFromSOAMinimum(t *testing.T) {
	transport := &scriptedTransport{answers: []func(dns.Question) *dns.Msg{func(q dns.Question) *dns.Msg {
		msg := new(dns.Msg)
		msg.Rcode = dns.RcodeNameError
		soa, _ := dns.NewRR("example.com. 3600 IN SOA ns.example.com. hostmaster.example.com. 1 3600 600 86400 42")
		msg.Ns = []dns.RR{soa}
		return msg
	}}}
	h, _, reg := newTestHandler(t, transport)

	resp := unpack(t, h.Handle(context.Background(), query("nx.example.com", dns.TypeA, 0x1), "c"))
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)

	resp2 := unpack(t, h.Handle(context.Background(), query("nx.example.com", dns.TypeA, 0x2), "c"))
	assert.Equal(t, dns.RcodeNameError, resp2.Rcode)
	assert.Equal(t, int64(1), reg.Get(metrics.NegativeCacheHitTotal))
}

func TestHandler_FormErrOnEmptyQuestion(t *testing.T) {
	h, _, _ := newTestHandler(t, &scriptedTransport{answers: []func(dns.Question) *dns.Msg{aRecord("a.", "1.1.1.1", 1)}})

	req := new(dns.Msg)
	req.Id = 0x77
	resp := unpack(t, h.Handle(context.Background(), req, "c"))
	assert.Equal(t, uint16(0x77), resp.Id)
	assert.Equal(t, dns.RcodeFormatError, resp.Rcode)
}

func TestHandler_TransactionIDAlwaysRewritten(t *testing.T) {
	transport := &scriptedTransport{answers: []func(dns.Question) *dns.Msg{aRecord("example.com.", "1.2.3.4", 60)}}
	h, _, _ := newTestHandler(t, transport)

	ids := []uint16{1, 2, 3}
	for _, id := range ids {
		resp := unpack(t, h.Handle(context.Background(), query("example.com", dns.TypeA, id), "c"))
		assert.Equal(t, id, resp.Id)
	}
}

func unpack(t *testing.T, wire []byte) *dns.Msg {
	t.Helper()
	require.NotNil(t, wire)
	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(wire))
	return msg
}
