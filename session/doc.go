// Package session issues opaque session tokens backed by a kv.Store.
//
// # Tokens
//
// A token is 32 random bytes, base64url encoded. The store key is
// "st:" + hex(SHA-256(token)), so a store dump yields no usable token, and a
// lookup is a single GET.
//
// # Revocation
//
// Invalidate writes a tombstone under "stx:" + hash before deleting the
// record. Lookup reports ErrRevoked while the tombstone lives and ErrNotFound
// for tokens that never existed or simply expired.
//
// # Binary encoding
//
// Records use a compact versioned binary format (see Encode). Decoding
// rejects unknown versions and trailing bytes.
//
// # What this package must NOT do
//
//   - Recreate a record on lookup.
//   - Store or log the plaintext token.
package session
