// Package password hashes and verifies password authenticator secrets.
//
// # Encodings
//
// New hashes are argon2id in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Hashes imported from older systems in bcrypt format ($2a$, $2b$, $2y$) are
// verified but never produced. [Hasher.NeedsUpgrade] reports true for them so
// the caller can rehash after the next successful login.
//
// An LDAP bind verifier is provided for directories that delegate password
// checks to an LDAP server instead of storing a hash.
//
// This package never logs or returns the presented password.
package password
