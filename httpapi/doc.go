// Package httpapi serves login flows and credential management as JSON over
// HTTP.
//
// Every response uses one envelope:
//
//	{"status":"success","data":{...}}
//	{"status":"error","error":{"code":"rate_limited","message":"..."}}
//
// Status codes: 400 for malformed bodies, 401 for rejected credentials, 409
// for abandoned flows, 410 for revoked or vanished tokens, 429 with
// Retry-After when rate limited and 503 when the store is down.
package httpapi
