package listener

import "testing"

func TestInflightLimiter_AcquireRelease(t *testing.T) {
	l := NewInflightLimiter(2)

	if !l.TryAcquire() {
		t.Fatal("expected first acquire to succeed")
	}
	if !l.TryAcquire() {
		t.Fatal("expected second acquire to succeed")
	}
	if l.TryAcquire() {
		t.Fatal("expected third acquire to fail at capacity 2")
	}

	l.Release()
	if !l.TryAcquire() {
		t.Fatal("expected acquire to succeed after a release")
	}
}

func TestInflightLimiter_ZeroClampsToOne(t *testing.T) {
	l := NewInflightLimiter(0)
	if !l.TryAcquire() {
		t.Fatal("expected a zero-valued max to clamp to 1 slot")
	}
	if l.TryAcquire() {
		t.Fatal("expected only one slot to be available")
	}
}
