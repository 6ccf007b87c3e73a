package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"dnsrelay/pkg/logging"
	"dnsrelay/pkg/metrics"

	"github.com/miekg/dns"
)

// pooledConn is one idle connection sitting in the pool.
type pooledConn struct {
	conn      *dns.Conn
	idleSince time.Time
}

// TCPTransport is a connection-pooled TCP upstream.
type TCPTransport struct {
	addr        string
	client      *dns.Client
	ch          chan *pooledConn
	idleTimeout time.Duration
	drained     atomic.Bool

	metrics *metrics.Registry
	logger  *logging.Logger
}

// NewTCP builds a TCP transport with a connection pool bounded at
// maxConns, evicting connections idle longer than idleTimeout.
func NewTCP(host string, port int, timeout time.Duration, maxConns int, idleTimeout time.Duration, reg *metrics.Registry, logger *logging.Logger) *TCPTransport {
	if maxConns <= 0 {
		maxConns = 1
	}
	return &TCPTransport{
		addr:        net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		client:      &dns.Client{Net: "tcp", Timeout: timeout},
		ch:          make(chan *pooledConn, maxConns),
		idleTimeout: idleTimeout,
		metrics:     reg,
		logger:      logger,
	}
}

// Query exchanges the query over a pooled connection, retrying once with a
// freshly dialed connection if the pooled one turns out to be dead.
func (t *TCPTransport) Query(ctx context.Context, wireQuery []byte, _ string) ([]byte, error) {
	req := new(dns.Msg)
	if err := req.Unpack(wireQuery); err != nil {
		return nil, fmt.Errorf("upstream: unpack outgoing query: %w", err)
	}

	if t.metrics != nil {
		t.metrics.Inc(metrics.UpstreamRequestsTotal)
	}

	resp, err := t.exchange(ctx, req)
	if err != nil {
		if t.metrics != nil {
			t.metrics.Inc(metrics.UpstreamFailTotal)
		}
		if t.logger != nil {
			t.logger.Debug("tcp upstream query failed", "upstream", t.addr, "error", err)
		}
		return nil, fmt.Errorf("upstream tcp exchange: %w", err)
	}

	return resp.Pack()
}

func (t *TCPTransport) exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	pc, fresh, err := t.getConn(ctx)
	if err != nil {
		return nil, err
	}

	resp, _, err := t.client.ExchangeWithConnContext(ctx, req, pc.conn)
	if err != nil && !fresh && isRetriableError(err) {
		pc.conn.Close()
		pc, err = t.dial(ctx)
		if err != nil {
			return nil, err
		}
		resp, _, err = t.client.ExchangeWithConnContext(ctx, req, pc.conn)
	}
	if err != nil {
		pc.conn.Close()
		return nil, err
	}

	t.putConn(pc)
	return resp, nil
}

func (t *TCPTransport) getConn(ctx context.Context) (*pooledConn, bool, error) {
	for {
		select {
		case pc := <-t.ch:
			if t.idleTimeout > 0 && time.Since(pc.idleSince) > t.idleTimeout {
				pc.conn.Close()
				continue
			}
			return pc, false, nil
		default:
			pc, err := t.dial(ctx)
			return pc, true, err
		}
	}
}

func (t *TCPTransport) dial(ctx context.Context) (*pooledConn, error) {
	conn, err := t.client.DialContext(ctx, t.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.addr, err)
	}
	return &pooledConn{conn: conn}, nil
}

func (t *TCPTransport) putConn(pc *pooledConn) {
	if t.drained.Load() {
		pc.conn.Close()
		return
	}
	pc.idleSince = time.Now()
	select {
	case t.ch <- pc:
	default:
		pc.conn.Close()
	}
}

// Close drains and closes every pooled connection; no further Query calls
// should be made once Close returns.
func (t *TCPTransport) Close() error {
	t.drained.Store(true)
	for {
		select {
		case pc := <-t.ch:
			pc.conn.Close()
		default:
			return nil
		}
	}
}

func isRetriableError(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	for _, substr := range []string{
		"EOF", "write:", "broken pipe",
		"connection reset", "connection refused",
		"use of closed network connection",
	} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}
