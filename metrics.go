package eduauth

import (
	"sort"
	"sync/atomic"
	"time"
)

// MetricID identifies a counter or histogram tracked by [Metrics].
type MetricID uint16

const (
	// MetricLoginSuccess counts logins committed to the session.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts logins rejected or failed by the auth service.
	MetricLoginFailure
	// MetricLogout counts logout calls.
	MetricLogout
	// MetricLogoutRemoteFailure counts logouts whose remote invalidation failed.
	MetricLogoutRemoteFailure
	// MetricFetchRestored counts FetchUser calls that resolved to an identity.
	MetricFetchRestored
	// MetricFetchAbsent counts FetchUser calls that found nobody signed in.
	MetricFetchAbsent
	// MetricFetchFailure counts FetchUser calls that gave up after retries.
	MetricFetchFailure
	// MetricFetchRetry counts individual FetchUser retries.
	MetricFetchRetry
	// MetricStaleDiscarded counts results dropped because a newer operation started.
	MetricStaleDiscarded
	// MetricGuardAllowed counts guarded requests that rendered protected content.
	MetricGuardAllowed
	// MetricGuardPending counts guarded requests answered with the placeholder.
	MetricGuardPending
	// MetricGuardRedirectLogin counts guarded requests redirected to login.
	MetricGuardRedirectLogin
	// MetricGuardForbidden counts guarded requests denied for role mismatch.
	MetricGuardForbidden
	// MetricLoginLatency is the latency histogram of Login round-trips.
	MetricLoginLatency
	// MetricFetchLatency is the latency histogram of FetchUser including retries.
	MetricFetchLatency
	metricIDCount
)

// LatencyBuckets are the inclusive upper bounds of the latency histograms.
// Every histogram carries one extra overflow bucket past the last bound.
var LatencyBuckets = []time.Duration{
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// latencyIDs lists the histogram metrics in slot order.
var latencyIDs = [...]MetricID{MetricLoginLatency, MetricFetchLatency}

// one cache line per counter
type paddedCounter struct {
	atomic.Uint64
	_ [56]byte
}

type latencyHistogram struct {
	buckets []atomic.Uint64
	sum     atomic.Int64
}

func (h *latencyHistogram) observe(d time.Duration) {
	if d < 0 {
		d = 0
	}
	i := sort.Search(len(LatencyBuckets), func(i int) bool { return d <= LatencyBuckets[i] })
	h.buckets[i].Add(1)
	h.sum.Add(int64(d))
}

func (h *latencyHistogram) snapshot() LatencySnapshot {
	out := LatencySnapshot{
		Buckets: make([]uint64, len(h.buckets)),
		Sum:     time.Duration(h.sum.Load()),
	}
	for i := range h.buckets {
		out.Buckets[i] = h.buckets[i].Load()
	}
	return out
}

// Metrics holds lock-free counters for session and guard activity. One set
// may be shared by many Managers; the web shell aggregates every browser
// session into a single set this way.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	latency       [len(latencyIDs)]latencyHistogram
}

// LatencySnapshot is one histogram at a point in time. Buckets are per-bucket
// counts, not cumulative, aligned with [LatencyBuckets] plus the overflow.
type LatencySnapshot struct {
	Buckets []uint64
	Sum     time.Duration
}

// Count is the number of samples in the histogram.
func (s LatencySnapshot) Count() uint64 {
	var n uint64
	for _, c := range s.Buckets {
		n += c
	}
	return n
}

// MetricsSnapshot is a point-in-time copy of [Metrics]. Both maps are empty
// when metrics are disabled.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID]LatencySnapshot
}

// NewMetrics creates a metrics set. A disabled set ignores every update.
func NewMetrics(cfg MetricsConfig) *Metrics {
	m := &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
	if m.enableLatency {
		for i := range m.latency {
			m.latency[i].buckets = make([]atomic.Uint64, len(LatencyBuckets)+1)
		}
	}
	return m
}

// Enabled reports whether counters are recorded. Safe on a nil set.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether histograms are recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc increments counter id by one. Histogram ids are ignored.
func (m *Metrics) Inc(id MetricID) {
	if !m.Enabled() || id >= metricIDCount || id.IsLatency() {
		return
	}
	m.counters[id].Add(1)
}

// Observe records d into the histogram id. Counter ids are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if !m.LatencyEnabled() {
		return
	}
	if slot, ok := latencySlot(id); ok {
		m.latency[slot].observe(d)
	}
}

// Value returns the current value of counter id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return m.counters[id].Load()
}

// Snapshot copies all counters and, when enabled, the latency histograms.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Counters:   map[MetricID]uint64{},
		Histograms: map[MetricID]LatencySnapshot{},
	}
	if !m.Enabled() {
		return s
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if !id.IsLatency() {
			s.Counters[id] = m.counters[id].Load()
		}
	}
	if m.enableLatency {
		for slot, id := range latencyIDs {
			s.Histograms[id] = m.latency[slot].snapshot()
		}
	}
	return s
}

// IsLatency reports whether id names a histogram rather than a counter.
func (id MetricID) IsLatency() bool {
	_, ok := latencySlot(id)
	return ok
}

func latencySlot(id MetricID) (int, bool) {
	for slot, l := range latencyIDs {
		if l == id {
			return slot, true
		}
	}
	return 0, false
}
