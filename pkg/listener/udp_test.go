package listener

import (
	"context"
	"net"
	"testing"
	"time"

	"dnsrelay/pkg/metrics"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHandler answers every query with a canned response built by build,
// or nil when build is nil (simulating a dropped/no-response query).
type stubHandler struct {
	build func(req *dns.Msg) *dns.Msg
}

func (s *stubHandler) Handle(_ context.Context, req *dns.Msg, _ string) []byte {
	if s.build == nil {
		return nil
	}
	resp := s.build(req)
	wire, err := resp.Pack()
	if err != nil {
		return nil
	}
	return wire
}

func aResponse(ip string) func(*dns.Msg) *dns.Msg {
	return func(req *dns.Msg) *dns.Msg {
		resp := new(dns.Msg)
		resp.SetReply(req)
		rr, _ := dns.NewRR(req.Question[0].Name + " 60 IN A " + ip)
		resp.Answer = []dns.RR{rr}
		return resp
	}
}

func startUDPListener(t *testing.T, h Handler, limiter *InflightLimiter, maxPayload int) (*UDPListener, context.CancelFunc) {
	t.Helper()
	reg := metrics.New()
	l, err := NewUDP("127.0.0.1", 0, h, limiter, maxPayload, reg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go l.Serve(ctx)
	return l, cancel
}

func TestUDPListener_RespondsToQuery(t *testing.T) {
	l, cancel := startUDPListener(t, &stubHandler{build: aResponse("1.2.3.4")}, NewInflightLimiter(8), 0)
	defer cancel()

	client, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	q.Id = 0xabcd
	wire, err := q.Pack()
	require.NoError(t, err)

	_, err = client.Write(wire)
	require.NoError(t, err)

	buf := make([]byte, 512)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := client.Read(buf)
	require.NoError(t, err)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(buf[:n]))
	assert.Equal(t, uint16(0xabcd), resp.Id)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "1.2.3.4", resp.Answer[0].(*dns.A).A.String())
}

func TestUDPListener_TruncatesOversizeResponse(t *testing.T) {
	build := func(req *dns.Msg) *dns.Msg {
		resp := new(dns.Msg)
		resp.SetReply(req)
		for i := 0; i < 60; i++ {
			rr, _ := dns.NewRR(req.Question[0].Name + " 60 IN TXT \"padding-to-exceed-the-tiny-payload-cap-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\"")
			resp.Answer = append(resp.Answer, rr)
		}
		return resp
	}

	l, cancel := startUDPListener(t, &stubHandler{build: build}, NewInflightLimiter(8), 128)
	defer cancel()

	client, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	q := new(dns.Msg)
	q.SetQuestion("big.example.", dns.TypeTXT)
	wire, err := q.Pack()
	require.NoError(t, err)
	_, err = client.Write(wire)
	require.NoError(t, err)

	buf := make([]byte, 4096)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.LessOrEqual(t, n, 128)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(buf[:n]))
	assert.True(t, resp.Truncated)
	assert.Empty(t, resp.Answer)
}

func TestUDPListener_DropsWhenInflightSaturated(t *testing.T) {
	limiter := NewInflightLimiter(1)
	require.True(t, limiter.TryAcquire()) // hold the only slot

	l, cancel := startUDPListener(t, &stubHandler{build: aResponse("9.9.9.9")}, limiter, 0)
	defer cancel()

	client, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	q := new(dns.Msg)
	q.SetQuestion("dropped.example.", dns.TypeA)
	wire, err := q.Pack()
	require.NoError(t, err)
	_, err = client.Write(wire)
	require.NoError(t, err)

	buf := make([]byte, 512)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = client.Read(buf)
	assert.Error(t, err, "a saturated limiter must drop the packet before the handler runs")
}
