package session

// Record is the server-side state behind one opaque session token. It is
// stored under the SHA-256 of the token, never under the token itself.
type Record struct {
	UserID  string
	Methods []string

	// Unix seconds.
	CreatedAt int64
	ExpiresAt int64
}
