package metricsserver

import (
	"context"
	"time"

	"dnsrelay/pkg/logging"
	"dnsrelay/pkg/metrics"
)

// reportedCounters is the fixed, human-labeled subset of Registry names a
// PeriodicReporter summarizes. It intentionally excludes gauges, the
// label-shaped refresh counters and the relay counters: this is a coarse liveness signal for
// an operator tailing logs, not a replacement for /metrics.
var reportedCounters = []struct {
	label string
	name  string
}{
	{"queries", metrics.QueriesTotal},
	{"hit_fresh", metrics.CacheHitFreshTotal},
	{"hit_stale", metrics.CacheHitStaleTotal},
	{"miss", metrics.CacheMissTotal},
	{"negative_hit", metrics.NegativeCacheHitTotal},
	{"upstream_req", metrics.UpstreamRequestsTotal},
	{"upstream_fail", metrics.UpstreamFailTotal},
	{"refresh", metrics.SWRRefreshTriggered},
	{"dedup", metrics.SingleflightDedupTotal},
	{"dropped", metrics.DroppedTotal},
}

// PeriodicReporter logs a one-line counter summary on a fixed interval, a
// convenience for operators tailing logs rather than scraping /metrics.
// It never touches the HTTP exposition surface and is silent for any tick
// where every reported counter is still zero.
type PeriodicReporter struct {
	reg      *metrics.Registry
	logger   *logging.Logger
	interval time.Duration
}

// NewPeriodicReporter builds a reporter over reg. interval <= 0 defaults to
// 30 seconds, matching the interval the stats reporter this is grounded on
// uses.
func NewPeriodicReporter(reg *metrics.Registry, logger *logging.Logger, interval time.Duration) *PeriodicReporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PeriodicReporter{reg: reg, logger: logger, interval: interval}
}

// Run logs a summary every interval until ctx is cancelled. It is meant to
// be started in its own goroutine.
func (p *PeriodicReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reportOnce()
		}
	}
}

func (p *PeriodicReporter) reportOnce() {
	if p.logger == nil || p.reg == nil {
		return
	}

	args := make([]any, 0, len(reportedCounters)*2)
	var anyNonZero bool
	for _, c := range reportedCounters {
		v := p.reg.Get(c.name)
		if v != 0 {
			anyNonZero = true
		}
		args = append(args, c.label, v)
	}
	if !anyNonZero {
		return
	}
	p.logger.Info("periodic stats", args...)
}
