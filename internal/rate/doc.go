// Package rate implements per-action fixed-window rate limiting on top of
// a kv.Store.
//
// # Grammar
//
// Limits are configured per action as a comma-separated list of rates:
//
//	<amount>/<duration>[/<per>]
//
// where duration is a unit (s, m, h, d) with an optional numeric prefix
// ("m", "5m", "1.5h") and per is one of ip, user or key (default ip).
// "5/m/ip,20/h/user" allows 5 calls per minute per client IP and 20 per
// hour per user.
//
// # Window semantics
//
// Each rate counts in buckets of floor(now/period). The counter key is
//
//	rl:<action>:<scope>:<bucket>
//
// and is created with TTL = period through kv.Store.IncrWithTTL, so the
// increment is atomic across processes. Rates are evaluated in configured
// order and evaluation stops at the first one that is exceeded. Every rate
// must pass for the call to be allowed.
//
// # Failure model
//
// Store errors are returned to the caller, which must treat them as a
// rejection.
package rate
