package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const argon2Prefix = "$argon2id$"

// Argon2Params are the cost parameters for new argon2id hashes.
type Argon2Params struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Params follows the OWASP argon2id baseline.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func (p Argon2Params) validate() error {
	switch {
	case p.Memory < 8*1024:
		return errors.New("argon2 memory must be >= 8192 KiB")
	case p.Time < 1:
		return errors.New("argon2 time must be >= 1")
	case p.Parallelism < 1:
		return errors.New("argon2 parallelism must be >= 1")
	case p.SaltLength < 16:
		return errors.New("argon2 salt length must be >= 16")
	case p.KeyLength < 16:
		return errors.New("argon2 key length must be >= 16")
	}
	return nil
}

type argon2Hash struct {
	params Argon2Params
	salt   []byte
	sum    []byte
}

func hashArgon2(p Argon2Params, secret []byte) (string, error) {
	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum := argon2.IDKey(secret, salt, p.Time, p.Memory, p.Parallelism, p.KeyLength)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Prefix, argon2.Version, p.Memory, p.Time, p.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(sum)), nil
}

func decodeArgon2(encoded string) (*argon2Hash, error) {
	fields := strings.Split(encoded, "$")
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, hash
	if len(fields) != 6 || fields[0] != "" || fields[1] != "argon2id" {
		return nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil {
		return nil, ErrMalformedHash
	}
	if version != argon2.Version {
		return nil, fmt.Errorf("%w: argon2 version %d", ErrUnsupportedHash, version)
	}

	var (
		h           argon2Hash
		parallelism uint32
	)
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &h.params.Memory, &h.params.Time, &parallelism); err != nil {
		return nil, ErrMalformedHash
	}
	if parallelism == 0 || parallelism > 255 || h.params.Memory < 8*1024 || h.params.Time == 0 {
		return nil, ErrMalformedHash
	}
	h.params.Parallelism = uint8(parallelism)

	var err error
	if h.salt, err = decodeB64(fields[4]); err != nil || len(h.salt) < 16 {
		return nil, ErrMalformedHash
	}
	if h.sum, err = decodeB64(fields[5]); err != nil || len(h.sum) < 16 {
		return nil, ErrMalformedHash
	}
	h.params.SaltLength = uint32(len(h.salt))
	h.params.KeyLength = uint32(len(h.sum))
	return &h, nil
}

// decodeB64 accepts both padded and unpadded standard base64, since PHC
// strings from other libraries differ on padding.
func decodeB64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

func (h *argon2Hash) matches(secret []byte) bool {
	sum := argon2.IDKey(secret, h.salt, h.params.Time, h.params.Memory, h.params.Parallelism, h.params.KeyLength)
	return subtle.ConstantTimeCompare(sum, h.sum) == 1
}

func (h *argon2Hash) weakerThan(p Argon2Params) bool {
	return h.params.Memory < p.Memory ||
		h.params.Time < p.Time ||
		h.params.Parallelism < p.Parallelism ||
		h.params.KeyLength != p.KeyLength
}
