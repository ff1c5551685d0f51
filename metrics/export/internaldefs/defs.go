package internaldefs

import (
	"strconv"
	"time"

	"github.com/edusync/eduauth"
)

// Def names one exported eduauth series.
type Def struct {
	ID   eduauth.MetricID
	Name string
	Help string
}

// AuditDropped is exported next to the manager counters; it is read from the
// audit relay rather than the metric set.
var AuditDropped = Def{
	Name: "edusync_audit_dropped_total",
	Help: "Audit events dropped under relay backpressure.",
}

var CounterDefs = []Def{
	{eduauth.MetricLoginSuccess, "edusync_login_success_total", "Logins committed to a session."},
	{eduauth.MetricLoginFailure, "edusync_login_failure_total", "Logins rejected or failed by the auth service."},
	{eduauth.MetricLogout, "edusync_logout_total", "Logout operations."},
	{eduauth.MetricLogoutRemoteFailure, "edusync_logout_remote_failure_total", "Logouts whose remote invalidation failed."},
	{eduauth.MetricFetchRestored, "edusync_session_restored_total", "Session fetches that restored an identity."},
	{eduauth.MetricFetchAbsent, "edusync_session_absent_total", "Session fetches that found nobody signed in."},
	{eduauth.MetricFetchFailure, "edusync_session_fetch_failure_total", "Session fetches that gave up after retries."},
	{eduauth.MetricFetchRetry, "edusync_session_fetch_retry_total", "Individual session fetch retries."},
	{eduauth.MetricStaleDiscarded, "edusync_stale_result_discarded_total", "Results dropped because a newer operation started."},
	{eduauth.MetricGuardAllowed, "edusync_guard_allowed_total", "Guarded requests that rendered protected content."},
	{eduauth.MetricGuardPending, "edusync_guard_pending_total", "Guarded requests answered with the placeholder."},
	{eduauth.MetricGuardRedirectLogin, "edusync_guard_redirect_login_total", "Guarded requests sent to the login page."},
	{eduauth.MetricGuardForbidden, "edusync_guard_forbidden_total", "Guarded requests denied for role mismatch."},
}

var HistogramDefs = []Def{
	{eduauth.MetricLoginLatency, "edusync_login_latency_seconds", "Login round-trip latency."},
	{eduauth.MetricFetchLatency, "edusync_session_fetch_latency_seconds", "Session fetch latency including retries."},
}

// Bucket is one cumulative histogram bucket. Le is the upper bound in
// seconds as Prometheus prints it.
type Bucket struct {
	Le    string
	Count uint64
}

var leLabels = func() []string {
	out := make([]string, 0, len(eduauth.LatencyBuckets)+1)
	for _, d := range eduauth.LatencyBuckets {
		out = append(out, Seconds(d))
	}
	return append(out, "+Inf")
}()

// BucketLabels returns the le label of every bucket, "+Inf" last.
func BucketLabels() []string {
	return append([]string(nil), leLabels...)
}

// Cumulative converts s to running totals over the shared bounds. Missing
// trailing buckets count as empty; extra ones are ignored.
func Cumulative(s eduauth.LatencySnapshot) []Bucket {
	out := make([]Bucket, len(leLabels))
	var running uint64
	for i, le := range leLabels {
		if i < len(s.Buckets) {
			running += s.Buckets[i]
		}
		out[i] = Bucket{Le: le, Count: running}
	}
	return out
}

// Seconds formats d the way Prometheus expects a float sample.
func Seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'g', -1, 64)
}
