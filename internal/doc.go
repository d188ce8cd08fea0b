// Package internal holds helpers private to authflow: token and code
// generation (NewToken, NewNumericCode, NewHexSeed) and token hashing.
//
// Sub-packages:
//
//   - audit: buffered event dispatch to an AuditSink
//   - authenticators: per-method verification against directory records
//   - flows: the staged login machine
//   - rate: declarative rate specs over the kv store
//   - stores: login-flow persistence
//   - verify: TOTP, recovery codes and one-time email/phone codes
package internal
