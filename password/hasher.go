package password

import (
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMalformedHash   = errors.New("password: malformed hash")
	ErrUnsupportedHash = errors.New("password: unsupported hash scheme")
	ErrPolicy          = errors.New("password: does not meet length policy")
)

// Scheme identifies the encoding of a stored hash.
type Scheme string

const (
	SchemeArgon2id Scheme = "argon2id"
	SchemeBcrypt   Scheme = "bcrypt"
)

// SchemeOf reports the scheme of an encoded hash.
func SchemeOf(encoded string) (Scheme, error) {
	switch {
	case strings.HasPrefix(encoded, argon2Prefix):
		return SchemeArgon2id, nil
	case strings.HasPrefix(encoded, "$2a$"),
		strings.HasPrefix(encoded, "$2b$"),
		strings.HasPrefix(encoded, "$2y$"):
		return SchemeBcrypt, nil
	}
	return "", ErrUnsupportedHash
}

// Hasher produces argon2id hashes and verifies argon2id or bcrypt hashes.
type Hasher struct {
	params   Argon2Params
	minBytes int
	maxBytes int

	dummyOnce sync.Once
	dummy     *argon2Hash
}

// NewHasher validates params and returns a Hasher. Passwords shorter than
// minBytes are rejected by Hash; maxBytes bounds the work an attacker can
// force per request (bcrypt silently truncates at 72 bytes).
func NewHasher(params Argon2Params, minBytes, maxBytes int) (*Hasher, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if minBytes < 1 {
		minBytes = 1
	}
	if maxBytes < minBytes {
		return nil, errors.New("password: max length below min length")
	}
	return &Hasher{params: params, minBytes: minBytes, maxBytes: maxBytes}, nil
}

// Hash encodes plain as a new argon2id hash.
func (h *Hasher) Hash(plain string) (string, error) {
	if len(plain) < h.minBytes || len(plain) > h.maxBytes {
		return "", ErrPolicy
	}
	return hashArgon2(h.params, []byte(plain))
}

// Verify reports whether plain matches encoded. A malformed or unknown
// encoding is an error, not a mismatch: it means the stored secret is corrupt.
func (h *Hasher) Verify(plain, encoded string) (bool, error) {
	scheme, err := SchemeOf(encoded)
	if err != nil {
		return false, err
	}
	if len(plain) > h.maxBytes {
		h.DummyVerify()
		return false, nil
	}

	switch scheme {
	case SchemeArgon2id:
		parsed, err := decodeArgon2(encoded)
		if err != nil {
			return false, err
		}
		return parsed.matches([]byte(plain)), nil
	case SchemeBcrypt:
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(plain))
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return false, nil
		default:
			return false, ErrMalformedHash
		}
	}
	return false, ErrUnsupportedHash
}

// NeedsUpgrade reports whether encoded should be replaced by a fresh Hash.
func (h *Hasher) NeedsUpgrade(encoded string) (bool, error) {
	scheme, err := SchemeOf(encoded)
	if err != nil {
		return false, err
	}
	if scheme != SchemeArgon2id {
		return true, nil
	}
	parsed, err := decodeArgon2(encoded)
	if err != nil {
		return false, err
	}
	return parsed.weakerThan(h.params), nil
}

// DummyVerify spends the same work as a real argon2id verification. It is
// called when no account matches an identifier so that response timing does
// not reveal whether the account exists.
func (h *Hasher) DummyVerify() {
	h.dummyOnce.Do(func() {
		encoded, err := hashArgon2(h.params, []byte("authflow-dummy-password"))
		if err == nil {
			h.dummy, _ = decodeArgon2(encoded)
		}
	})
	if h.dummy != nil {
		h.dummy.matches([]byte("not-the-password"))
	}
}
