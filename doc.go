// Package authflow runs multi-stage logins and issues the credentials they
// end in: opaque session tokens or stateful JWT access/refresh pairs.
//
// An [Engine] is assembled once with a [Builder] and is then safe for
// concurrent use. All per-login and per-token state lives in a kv.Store
// (memory, Redis or bbolt); the engine itself keeps none.
//
// # Login flows
//
// [Engine.StartLogin] opens a flow for an identifier and a primary method.
// Each [Engine.SubmitStage] call verifies one credential for the flow's
// current stage. Stages that follow (email or phone verification, MFA) are
// planned from the user's enrolled authenticators. A flow for an unknown
// identifier looks the same to the caller and never completes.
//
// # Rate limits
//
// Every operation first consumes its action in [Config.RateLimits]. A denial
// is a [*RateLimitError] that matches [ErrRateLimited] and carries the time
// to wait.
//
// # What this package must NOT do
//
//   - Log or audit presented secrets, codes or tokens.
//   - Report whether an identifier belongs to an account.
//   - Treat a store failure as success.
package authflow
