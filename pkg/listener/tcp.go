package listener

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"dnsrelay/pkg/logging"
	"dnsrelay/pkg/metrics"

	"github.com/miekg/dns"
)

const defaultMaxMessageSize = 65535

// TCPListener is the TCP front door: one goroutine per connection, each
// connection framed with a 2-byte big-endian length prefix per RFC 1035
// section 4.2.2, served strictly in request order.
type TCPListener struct {
	ln             net.Listener
	handler        Handler
	limiter        *InflightLimiter
	maxMessageSize int
	readTimeout    time.Duration
	idleTimeout    time.Duration

	metrics *metrics.Registry
	logger  *logging.Logger

	wg sync.WaitGroup
}

// NewTCP binds a TCP listener at host:port. readTimeout bounds how long a
// connection may take to finish sending one framed message after its
// length prefix arrives; idleTimeout bounds how long a connection may sit
// with no message in flight before being closed.
func NewTCP(host string, port int, h Handler, limiter *InflightLimiter, maxMessageSize int, readTimeout, idleTimeout time.Duration, reg *metrics.Registry, logger *logging.Logger) (*TCPListener, error) {
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listener: listen tcp %s: %w", addr, err)
	}

	return &TCPListener{
		ln:             ln,
		handler:        h,
		limiter:        limiter,
		maxMessageSize: maxMessageSize,
		readTimeout:    readTimeout,
		idleTimeout:    idleTimeout,
		metrics:        reg,
		logger:         logger,
	}, nil
}

// Addr returns the bound local address.
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

// Close closes the underlying listener, unblocking any pending Accept.
func (l *TCPListener) Close() error { return l.ln.Close() }

// Serve accepts connections until ctx is cancelled or the listener errors.
func (l *TCPListener) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.ln.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("listener: tcp accept: %w", err)
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serveConn(ctx, conn)
		}()
	}
}

// serveConn processes one connection's framed messages sequentially, which
// is what guarantees the per-connection response-order invariant without
// any extra bookkeeping: a second message on the same connection is never
// read until the first has been answered.
func (l *TCPListener) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil && l.logger != nil {
			l.logger.Error("recovered from panic handling tcp connection", "panic", r)
		}
	}()

	addr := conn.RemoteAddr().String()

	for {
		if l.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(l.idleTimeout))
		}

		var lenBuf [2]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		msgLen := int(binary.BigEndian.Uint16(lenBuf[:]))

		if msgLen > l.maxMessageSize {
			l.inc(metrics.DroppedTotal)
			return
		}

		if l.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(l.readTimeout))
		}

		payload := make([]byte, msgLen)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		if !l.limiter.TryAcquire() {
			l.inc(metrics.DroppedTotal)
			continue
		}
		wire := l.handleOne(ctx, payload, addr)
		l.limiter.Release()

		if wire == nil {
			continue
		}
		if len(wire) > l.maxMessageSize {
			l.inc(metrics.DroppedTotal)
			continue
		}

		if err := writeFramed(conn, wire); err != nil {
			return
		}
	}
}

func (l *TCPListener) handleOne(ctx context.Context, payload []byte, addr string) []byte {
	req := new(dns.Msg)
	if err := req.Unpack(payload); err != nil {
		l.inc(metrics.MalformedTotal)
		return nil
	}
	return l.handler.Handle(ctx, req, addr)
}

func writeFramed(conn net.Conn, wire []byte) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(wire)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(wire)
	return err
}

func (l *TCPListener) inc(name string) {
	if l.metrics != nil {
		l.metrics.Inc(name)
	}
}
