package listener

import (
	"context"
	"fmt"
	"net"
	"sync"

	"dnsrelay/pkg/logging"
	"dnsrelay/pkg/metrics"

	"github.com/miekg/dns"
)

// defaultMaxUDPPayload matches the conservative EDNS0 default most
// resolvers advertise; configurable via max_udp_payload.
const defaultMaxUDPPayload = 1232

// Handler is the narrow slice of *handler.Handler the listeners need,
// kept as an interface so pkg/listener never imports pkg/handler.
type Handler interface {
	Handle(ctx context.Context, req *dns.Msg, clientAddr string) []byte
}

// UDPListener is the UDP front door: one shared socket, one goroutine per
// accepted packet, all bounded by a shared InflightLimiter.
type UDPListener struct {
	conn       *net.UDPConn
	handler    Handler
	limiter    *InflightLimiter
	maxPayload int

	metrics *metrics.Registry
	logger  *logging.Logger

	wg sync.WaitGroup
}

// NewUDP binds a UDP socket at host:port and returns a listener ready to
// Serve. maxPayload caps the wire size written back to a client; larger
// responses are truncated with TC=1 instead of being sent oversize.
func NewUDP(host string, port int, h Handler, limiter *InflightLimiter, maxPayload int, reg *metrics.Registry, logger *logging.Logger) (*UDPListener, error) {
	if maxPayload <= 0 {
		maxPayload = defaultMaxUDPPayload
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listener: resolve udp addr %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listener: listen udp %s: %w", addr, err)
	}

	return &UDPListener{
		conn:       conn,
		handler:    h,
		limiter:    limiter,
		maxPayload: maxPayload,
		metrics:    reg,
		logger:     logger,
	}, nil
}

// Addr returns the bound local address.
func (l *UDPListener) Addr() net.Addr { return l.conn.LocalAddr() }

// Close closes the underlying socket, unblocking any pending Serve call.
func (l *UDPListener) Close() error { return l.conn.Close() }

// Serve reads datagrams until ctx is cancelled or the socket errors. Each
// packet is handled on its own goroutine bounded by the shared
// InflightLimiter; when the limiter is saturated the packet is dropped
// before the handler ever runs.
func (l *UDPListener) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.conn.Close()
		case <-stop:
		}
	}()

	buf := make([]byte, 65535)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			l.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("listener: udp read: %w", err)
		}

		if !l.limiter.TryAcquire() {
			l.inc(metrics.DroppedTotal)
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])
		remote := &net.UDPAddr{IP: addr.IP, Port: addr.Port, Zone: addr.Zone}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.limiter.Release()
			l.handleOne(ctx, packet, remote)
		}()
	}
}

func (l *UDPListener) handleOne(ctx context.Context, packet []byte, addr *net.UDPAddr) {
	defer func() {
		if r := recover(); r != nil && l.logger != nil {
			l.logger.Error("recovered from panic handling udp query", "panic", r)
		}
	}()

	req := new(dns.Msg)
	if err := req.Unpack(packet); err != nil {
		l.inc(metrics.MalformedTotal)
		return
	}

	wire := l.handler.Handle(ctx, req, addr.String())
	if wire == nil {
		return
	}

	if len(wire) > l.maxPayload {
		wire = truncate(wire)
		if wire == nil || len(wire) > l.maxPayload {
			l.inc(metrics.DroppedTotal)
			return
		}
	}

	if _, err := l.conn.WriteToUDP(wire, addr); err != nil && l.logger != nil {
		l.logger.Debug("udp write failed", "addr", addr.String(), "error", err)
	}
}

// truncate re-packs wire as an empty-bodied response with TC=1 instead of
// letting an oversize UDP response go out unbounded.
func truncate(wire []byte) []byte {
	msg := new(dns.Msg)
	if err := msg.Unpack(wire); err != nil {
		return nil
	}
	msg.Truncated = true
	msg.Answer = nil
	msg.Ns = nil
	msg.Extra = nil

	out, err := msg.Pack()
	if err != nil {
		return nil
	}
	return out
}

func (l *UDPListener) inc(name string) {
	if l.metrics != nil {
		l.metrics.Inc(name)
	}
}
