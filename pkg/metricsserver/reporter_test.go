package metricsserver

import (
	"context"
	"testing"
	"time"

	"dnsrelay/pkg/config"
	"dnsrelay/pkg/logging"
	"dnsrelay/pkg/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.New(&config.LoggingConfig{Level: "debug", Format: "text", Output: "stdout"})
	require.NoError(t, err)
	return logger
}

func TestPeriodicReporter_SilentWhenAllZero(t *testing.T) {
	reg := metrics.New()
	reporter := NewPeriodicReporter(reg, newTestLogger(t), time.Millisecond)
	// reportOnce should not panic and, more importantly, should not be
	// observable here beyond "doesn't error" since nothing is non-zero;
	// a handler-level logger injection would be needed to assert silence
	// precisely, so this exercises the no-op path for coverage.
	reporter.reportOnce()
}

func TestPeriodicReporter_ReportsNonZeroCounters(t *testing.T) {
	reg := metrics.New()
	reg.Inc(metrics.QueriesTotal)
	reg.Inc(metrics.CacheHitFreshTotal)

	reporter := NewPeriodicReporter(reg, newTestLogger(t), time.Millisecond)
	reporter.reportOnce()
}

func TestPeriodicReporter_RunStopsOnContextCancel(t *testing.T) {
	reg := metrics.New()
	reporter := NewPeriodicReporter(reg, newTestLogger(t), time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reporter.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestNewPeriodicReporter_DefaultsInterval(t *testing.T) {
	reporter := NewPeriodicReporter(metrics.New(), nil, 0)
	assert.Equal(t, 30*time.Second, reporter.interval)
}
