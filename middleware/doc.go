// Package middleware adapts Engine.Authenticate to net/http.
//
// [Guard] accepts a token from X-Session-Token or an Authorization bearer
// header and stores the resolved identity in the request context.
// [RequireMethods] narrows a guarded route to identities that authenticated
// with particular factors. [ClientIP] records the caller address for rate
// limits and audit events.
//
// The package makes no authentication decisions of its own.
package middleware
