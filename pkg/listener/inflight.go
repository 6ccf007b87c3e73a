// Package listener implements the UDP and TCP front doors that frame DNS
// wire traffic and hand parsed messages to the handler. Both listeners are
// built directly on net.ListenUDP/net.Listen rather than a library's DNS
// server type, because in-flight-cap enforcement must happen *before* the
// handler runs, and truncation/framing need listener-level control that a
// higher-level server type does not expose as a pre-handler hook.
package listener

// InflightLimiter is the listener-level semaphore bounding concurrent
// handler invocations at max_inflight; both listeners share the same
// discipline so saturation is counted once regardless of transport.
type InflightLimiter struct {
	slots chan struct{}
}

// NewInflightLimiter builds a limiter with max concurrent slots (clamped to
// at least 1).
func NewInflightLimiter(max int) *InflightLimiter {
	if max <= 0 {
		max = 1
	}
	return &InflightLimiter{slots: make(chan struct{}, max)}
}

// TryAcquire reports whether a slot was available and, if so, claims it.
// Callers that get false must not invoke the handler for this packet.
func (l *InflightLimiter) TryAcquire() bool {
	select {
	case l.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a previously acquired slot.
func (l *InflightLimiter) Release() {
	select {
	case <-l.slots:
	default:
	}
}
