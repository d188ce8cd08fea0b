// Package stores persists short-lived login sessions in a kv.Store.
//
// # Design
//
// A session is a versioned record (one version byte followed by JSON) kept
// under "flow:{id}" with the flow timeout as TTL. Every mutation goes through
// Update, which reads the raw encoding, applies a callback and writes back
// with a compare-and-swap on exactly the bytes it read. A lost swap re-reads
// and retries up to four times before reporting ErrLoginSessionConflict.
//
// Abandoned sessions are overwritten with a tombstone that carries no stage
// data, so a late submission can be told the flow was abandoned rather than
// that it never existed. Completed sessions are swapped to a completion
// marker and deleted, which lets exactly one concurrent caller finish.
//
// # What this package must NOT do
//
//   - Verify credentials or make authentication decisions.
//   - Import the root package or internal/flows.
package stores
