// Package metrics is the process-wide counter/gauge registry. It is backed
// by github.com/prometheus/client_golang/prometheus, so increments go
// through prometheus.Counter/prometheus.Gauge rather than a hand-rolled
// map, but the public surface still addresses metrics by opaque name
// strings — including label-shaped suffixes such as
// "cache_refresh_dropped_total{reason=duplicate}" — since pkg/metricsserver
// must reproduce that exact literal exposition line rather than Prometheus's
// quoted-label syntax.
package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Authoritative counter/gauge names, shared by every package that reports
// into a Registry so the exposition surface never drifts from the handler
// and refresh engine's call sites.
const (
	QueriesTotal           = "queries_total"
	CacheHitFreshTotal     = "cache_hit_fresh_total"
	CacheHitStaleTotal     = "cache_hit_stale_total"
	CacheMissTotal         = "cache_miss_total"
	NegativeCacheHitTotal  = "negative_cache_hit_total"
	UpstreamRequestsTotal  = "upstream_requests_total"
	UpstreamFailTotal      = "upstream_fail_total"
	SingleflightDedupTotal = "singleflight_dedup_total"
	SWRRefreshTriggered    = "swr_refresh_triggered_total"
	DroppedTotal           = "dropped_total"
	MalformedTotal         = "malformed_total"
	CacheEntries           = "cache_entries"
	CacheClearsTotal       = "cache_clears_total"
	EvictionsTotal         = "evictions_total"

	RefreshEnqueuedTotal      = "cache_refresh_enqueued_total"
	RefreshDroppedDuplicate   = "cache_refresh_dropped_total{reason=duplicate}"
	RefreshDroppedQueueFull   = "cache_refresh_dropped_total{reason=queue_full}"
	RefreshStartedTotal       = "cache_refresh_started_total"
	RefreshCompletedSuccess   = "cache_refresh_completed_total{result=success}"
	RefreshCompletedFail      = "cache_refresh_completed_total{result=fail}"
	RefreshCompletedSkipped   = "cache_refresh_completed_total{result=skipped}"
	RefreshWarmupLoadedTotal  = "cache_refresh_warmup_loaded_total"
	RefreshWarmupInvalidTotal = "cache_refresh_warmup_invalid_lines_total"

	// Relay-specific counters, finer-grained than upstream_fail_total so a
	// relay deployment can tell a timeout apart from a 5xx or a malformed
	// envelope.
	RelayHTTP4xxTotal        = "upstream_relay_http_4xx_total"
	RelayHTTP5xxTotal        = "upstream_relay_http_5xx_total"
	RelayTimeoutsTotal       = "upstream_relay_timeouts_total"
	RelayClientErrorsTotal   = "upstream_relay_client_errors_total"
	RelayProtocolErrorsTotal = "upstream_relay_protocol_errors_total"
)

// gaugeNames holds the (small) set of names that behave as gauges
// (set-able, can decrease) rather than monotonic counters.
var gaugeNames = map[string]bool{
	CacheEntries: true,
}

// Registry lazily creates and registers one Prometheus instrument per
// distinct name on first use, and resolves label-shaped names
// ("base{key=val}") onto a shared *prometheus.CounterVec for that base name.
type Registry struct {
	reg *prometheus.Registry

	mu       sync.Mutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	vecs     map[string]*prometheus.CounterVec
}

// New returns an empty Registry with its own private prometheus.Registry
// (never the global DefaultRegisterer, so tests can run in parallel without
// colliding on metric names).
func New() *Registry {
	return &Registry{
		reg:      prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
		vecs:     make(map[string]*prometheus.CounterVec),
	}
}

// Inc increments the named counter by 1.
func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

// Add increments the named counter/gauge by delta (delta may be negative for
// gauge-shaped names such as cache_entries).
func (r *Registry) Add(name string, delta int64) {
	if base, labelKey, labelVal, ok := splitLabel(name); ok {
		r.vecFor(base, labelKey).WithLabelValues(labelVal).Add(float64(delta))
		return
	}
	if gaugeNames[name] {
		r.gaugeFor(name).Add(float64(delta))
		return
	}
	r.counterFor(name).Add(float64(delta))
}

// Set assigns an absolute value, used for gauge-shaped counters such as
// cache_entries after a clear.
func (r *Registry) Set(name string, value int64) {
	r.gaugeFor(name).Set(float64(value))
}

// Get returns the current value of a counter or gauge (0 if never touched).
func (r *Registry) Get(name string) int64 {
	if base, labelKey, labelVal, ok := splitLabel(name); ok {
		return readCounter(r.vecFor(base, labelKey).WithLabelValues(labelVal))
	}
	if gaugeNames[name] {
		return int64(readGauge(r.gaugeFor(name)))
	}
	return readCounter(r.counterFor(name))
}

// Sample is one (name, value) pair from a Registry snapshot.
type Sample struct {
	Name  string
	Value int64
}

// Snapshot gathers every registered instrument and returns one Sample per
// series, sorted by name, reconstructing the label-shaped literal name
// ("base{key=val}") from the underlying CounterVec's label pairs.
func (r *Registry) Snapshot() []Sample {
	families, err := r.reg.Gather()
	if err != nil {
		return nil
	}

	out := make([]Sample, 0, len(families))
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			name := fam.GetName()
			if labels := m.GetLabel(); len(labels) > 0 {
				parts := make([]string, 0, len(labels))
				for _, l := range labels {
					parts = append(parts, l.GetName()+"="+l.GetValue())
				}
				name = name + "{" + strings.Join(parts, ",") + "}"
			}

			var value float64
			switch {
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			}
			out = append(out, Sample{Name: name, Value: int64(value)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) counterFor(name string) prometheus.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: name})
	r.reg.MustRegister(c)
	r.counters[name] = c
	return c
}

func (r *Registry) gaugeFor(name string) prometheus.Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: name})
	r.reg.MustRegister(g)
	r.gauges[name] = g
	return g
}

func (r *Registry) vecFor(base, labelKey string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.vecs[base]; ok {
		return v
	}
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: base, Help: base}, []string{labelKey})
	r.reg.MustRegister(v)
	r.vecs[base] = v
	return v
}

// splitLabel parses the "base{key=val}" literal shape used by the
// authoritative refresh-counter names into its components.
func splitLabel(name string) (base, key, val string, ok bool) {
	i := strings.IndexByte(name, '{')
	if i < 0 || !strings.HasSuffix(name, "}") {
		return "", "", "", false
	}
	base = name[:i]
	inner := name[i+1 : len(name)-1]
	kv := strings.SplitN(inner, "=", 2)
	if len(kv) != 2 {
		return "", "", "", false
	}
	return base, kv[0], kv[1], true
}

func readCounter(c prometheus.Counter) int64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

func readGauge(g prometheus.Gauge) int64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return int64(m.GetGauge().GetValue())
}
