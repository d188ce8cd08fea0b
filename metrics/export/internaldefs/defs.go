package internaldefs

import (
	"github.com/MrEthical07/authflow"
)

// CounterDef binds an engine counter to its exported name.
type CounterDef struct {
	ID   authflow.MetricID
	Name string
	Help string
}

type HistogramDef struct {
	ID   authflow.MetricID
	Name string
	Help string
}

// CounterDefs lists every counter in exposition order.
var CounterDefs = []CounterDef{
	{ID: authflow.MetricLoginStarted, Name: "authflow_login_started_total", Help: "Login flows started."},
	{ID: authflow.MetricLoginSuccess, Name: "authflow_login_success_total", Help: "Login flows that issued credentials."},
	{ID: authflow.MetricLoginAbandoned, Name: "authflow_login_abandoned_total", Help: "Login flows cancelled, expired or exhausted."},
	{ID: authflow.MetricLoginRateLimited, Name: "authflow_login_rate_limited_total", Help: "Login actions refused by the rate limiter."},
	{ID: authflow.MetricStageVerified, Name: "authflow_stage_verified_total", Help: "Login stages completed."},
	{ID: authflow.MetricStageFailed, Name: "authflow_stage_failed_total", Help: "Rejected stage submissions."},
	{ID: authflow.MetricProviderLogin, Name: "authflow_provider_login_total", Help: "Logins through an external identity provider."},
	{ID: authflow.MetricMFASuccess, Name: "authflow_mfa_success_total", Help: "Successful second-factor verifications."},
	{ID: authflow.MetricMFAFailure, Name: "authflow_mfa_failure_total", Help: "Failed second-factor verifications."},
	{ID: authflow.MetricCodeResent, Name: "authflow_code_resent_total", Help: "One-time codes sent again."},
	{ID: authflow.MetricRefreshSuccess, Name: "authflow_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: authflow.MetricRefreshFailure, Name: "authflow_refresh_failure_total", Help: "Failed refresh attempts."},
	{ID: authflow.MetricRefreshReuseDetected, Name: "authflow_refresh_reuse_detected_total", Help: "Refresh tokens presented after rotation."},
	{ID: authflow.MetricRefreshRateLimited, Name: "authflow_refresh_rate_limited_total", Help: "Refresh attempts refused by the rate limiter."},
	{ID: authflow.MetricRateLimitHit, Name: "authflow_rate_limit_hit_total", Help: "Rate limit checks that denied a request."},
	{ID: authflow.MetricSessionCreated, Name: "authflow_session_created_total", Help: "Sessions created."},
	{ID: authflow.MetricSessionInvalidated, Name: "authflow_session_invalidated_total", Help: "Sessions or token families removed."},
	{ID: authflow.MetricLogout, Name: "authflow_logout_total", Help: "Logout operations."},
	{ID: authflow.MetricAuthenticateSuccess, Name: "authflow_authenticate_success_total", Help: "Credentials accepted."},
	{ID: authflow.MetricAuthenticateFailure, Name: "authflow_authenticate_failure_total", Help: "Credentials rejected."},
	{ID: authflow.MetricAuthenticateRevoked, Name: "authflow_authenticate_revoked_total", Help: "Credentials rejected as revoked or gone."},
	{ID: authflow.MetricPasswordChangeSuccess, Name: "authflow_password_change_success_total", Help: "Password changes."},
	{ID: authflow.MetricPasswordChangeInvalidOld, Name: "authflow_password_change_invalid_old_total", Help: "Password changes refused for a wrong current password."},
	{ID: authflow.MetricStoreUnavailable, Name: "authflow_store_unavailable_total", Help: "Key-value operations that failed or timed out."},
}

var HistogramDefs = []HistogramDef{
	{ID: authflow.MetricAuthenticateLatency, Name: "authflow_authenticate_latency_seconds", Help: "Authenticate latency."},
}

// HistogramBounds are the upper bounds of the engine's latency buckets, in
// seconds.
var HistogramBounds = []string{
	"0.001",
	"0.002",
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"+Inf",
}

// HistogramBoundSuffix is HistogramBounds in a form usable inside an
// instrument name.
var HistogramBoundSuffix = []string{
	"0_001",
	"0_002",
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the fixed bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
