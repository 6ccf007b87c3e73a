package upstream

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"dnsrelay/pkg/logging"
	"dnsrelay/pkg/metrics"

	"github.com/miekg/dns"
)

// UDPTransport forwards to a single configured upstream over UDP using a
// pooled *dns.Client and ExchangeContext. There is no round-robin or
// circuit-breaker layer here: a single target per transport needs neither,
// and the handler already owns stale-serving/SERVFAIL failure policy.
// Blocking Exchange calls are offloaded to a bounded worker pool
// (udp_max_workers) via a semaphore.
type UDPTransport struct {
	addr       string
	clientPool sync.Pool
	sem        chan struct{}

	metrics *metrics.Registry
	logger  *logging.Logger
}

// NewUDP builds a UDP transport to host:port, bounding concurrent in-flight
// Exchange calls at maxWorkers.
func NewUDP(host string, port int, timeout time.Duration, maxWorkers int, reg *metrics.Registry, logger *logging.Logger) *UDPTransport {
	t := &UDPTransport{
		addr: net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		sem:  make(chan struct{}, maxWorkers),

		metrics: reg,
		logger:  logger,
	}
	t.clientPool.New = func() any {
		return &dns.Client{Net: "udp", Timeout: timeout}
	}
	return t
}

// Query acquires a worker slot, exchanges the query, and returns the packed
// response. Any valid DNS response (including SERVFAIL/NXDOMAIN) is a
// success; only network/parse failures return an error.
func (t *UDPTransport) Query(ctx context.Context, wireQuery []byte, _ string) ([]byte, error) {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-t.sem }()

	req := new(dns.Msg)
	if err := req.Unpack(wireQuery); err != nil {
		return nil, fmt.Errorf("upstream: unpack outgoing query: %w", err)
	}

	client := t.clientPool.Get().(*dns.Client)
	defer t.clientPool.Put(client)

	if t.metrics != nil {
		t.metrics.Inc(metrics.UpstreamRequestsTotal)
	}

	resp, rtt, err := client.ExchangeContext(ctx, req, t.addr)
	if err != nil {
		if t.logger != nil {
			t.logger.Debug("udp upstream query failed", "upstream", t.addr, "error", err)
		}
		return nil, fmt.Errorf("upstream udp exchange: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("upstream udp exchange: nil response from %s", t.addr)
	}

	if t.logger != nil {
		t.logger.Debug("udp upstream query succeeded",
			"upstream", t.addr, "rcode", dns.RcodeToString[resp.Rcode], "rtt", rtt)
	}

	return resp.Pack()
}
