// Package upstream implements the three transports a cache miss or refresh
// can resolve through: plain UDP, TCP with a pooled connection, and an HTTP
// batch relay. Each satisfies the same narrow contract so the handler and
// refresh engine never branch on transport.
package upstream

import "context"

// Transport resolves one already-packed DNS query and returns the raw wire
// response. requestID is opaque correlation data passed straight through to
// transports that carry one (the relay's JSON envelope "id" field); UDP/TCP
// transports ignore it.
type Transport interface {
	Query(ctx context.Context, wireQuery []byte, requestID string) ([]byte, error)
}
