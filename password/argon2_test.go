package password

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func testParams() Argon2Params {
	return Argon2Params{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(testParams(), 8, 256)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	return h
}

func TestHashAndVerify(t *testing.T) {
	h := newTestHasher(t)

	encoded, err := h.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected PHC prefix: %s", encoded)
	}

	ok, err := h.Verify("correct horse battery", encoded)
	if err != nil || !ok {
		t.Fatalf("expected match, ok=%v err=%v", ok, err)
	}
	ok, err = h.Verify("correct horse battery!", encoded)
	if err != nil || ok {
		t.Fatalf("expected mismatch, ok=%v err=%v", ok, err)
	}
}

func TestHashRejectsPolicyViolations(t *testing.T) {
	h := newTestHasher(t)
	if _, err := h.Hash("short"); !errors.Is(err, ErrPolicy) {
		t.Fatalf("expected ErrPolicy for short password, got %v", err)
	}
	if _, err := h.Hash(strings.Repeat("a", 257)); !errors.Is(err, ErrPolicy) {
		t.Fatalf("expected ErrPolicy for long password, got %v", err)
	}
}

func TestVerifyAcceptsPaddedBase64(t *testing.T) {
	h := newTestHasher(t)
	encoded, err := h.Hash("padding-agnostic")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	parts := strings.Split(encoded, "$")
	parts[4] += "=="
	padded := strings.Join(parts, "$")

	ok, err := h.Verify("padding-agnostic", padded)
	if err != nil || !ok {
		t.Fatalf("expected padded salt to verify, ok=%v err=%v", ok, err)
	}
}

func TestVerifyMalformedIsError(t *testing.T) {
	h := newTestHasher(t)
	for _, encoded := range []string{
		"$argon2id$v=19$m=8192,t=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$!!$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=19$m=1,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaA",
	} {
		if _, err := h.Verify("whatever-pass", encoded); !errors.Is(err, ErrMalformedHash) {
			t.Fatalf("expected ErrMalformedHash for %q, got %v", encoded, err)
		}
	}
	if _, err := h.Verify("whatever-pass", "$argon2id$v=16$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaA"); !errors.Is(err, ErrUnsupportedHash) {
		t.Fatalf("expected ErrUnsupportedHash for old version, got %v", err)
	}
	if _, err := h.Verify("whatever-pass", "plaintext"); !errors.Is(err, ErrUnsupportedHash) {
		t.Fatalf("expected ErrUnsupportedHash, got %v", err)
	}
}

func TestVerifyLegacyBcrypt(t *testing.T) {
	h := newTestHasher(t)
	legacy, err := bcrypt.GenerateFromPassword([]byte("imported-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	ok, err := h.Verify("imported-secret", string(legacy))
	if err != nil || !ok {
		t.Fatalf("expected bcrypt match, ok=%v err=%v", ok, err)
	}
	ok, err = h.Verify("wrong-secret", string(legacy))
	if err != nil || ok {
		t.Fatalf("expected bcrypt mismatch, ok=%v err=%v", ok, err)
	}

	upgrade, err := h.NeedsUpgrade(string(legacy))
	if err != nil || !upgrade {
		t.Fatalf("bcrypt hashes should need upgrade, upgrade=%v err=%v", upgrade, err)
	}
}

func TestNeedsUpgrade(t *testing.T) {
	weak := newTestHasher(t)
	encoded, err := weak.Hash("upgrade-me-please")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	upgrade, err := weak.NeedsUpgrade(encoded)
	if err != nil || upgrade {
		t.Fatalf("same params should not need upgrade, upgrade=%v err=%v", upgrade, err)
	}

	stronger := testParams()
	stronger.Time = 2
	strong, err := NewHasher(stronger, 8, 256)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	upgrade, err = strong.NeedsUpgrade(encoded)
	if err != nil || !upgrade {
		t.Fatalf("weaker params should need upgrade, upgrade=%v err=%v", upgrade, err)
	}
}

func TestNewHasherRejectsWeakParams(t *testing.T) {
	p := testParams()
	p.Memory = 1024
	if _, err := NewHasher(p, 8, 256); err == nil {
		t.Fatal("expected error for low memory")
	}
	if _, err := NewHasher(testParams(), 10, 5); err == nil {
		t.Fatal("expected error for max below min")
	}
}

func TestDummyVerifyDoesNotPanic(t *testing.T) {
	h := newTestHasher(t)
	h.DummyVerify()
	h.DummyVerify()
}

type fakeBinder struct {
	accept map[string]string
	closed *bool
}

func (f fakeBinder) Bind(user, pass string) error {
	if f.accept[user] == pass {
		return nil
	}
	return errors.New("invalid credentials")
}

func (f fakeBinder) Close() { *f.closed = true }

func TestLDAPVerifier(t *testing.T) {
	closed := false
	v := &LDAPVerifier{
		Host:         "ldap.test",
		Port:         389,
		BindDNFormat: "uid=%s,ou=people,dc=test",
		dial: func(string, uint16, LDAPMode) (ldapBinder, error) {
			return fakeBinder{
				accept: map[string]string{"uid=alice,ou=people,dc=test": "s3cret"},
				closed: &closed,
			}, nil
		},
	}
	ctx := context.Background()

	ok, err := v.Verify(ctx, "alice", "s3cret")
	if err != nil || !ok {
		t.Fatalf("expected bind success, ok=%v err=%v", ok, err)
	}
	if !closed {
		t.Fatal("connection should be closed after verify")
	}
	ok, err = v.Verify(ctx, "alice", "wrong")
	if err != nil || ok {
		t.Fatalf("expected bind failure, ok=%v err=%v", ok, err)
	}
	ok, err = v.Verify(ctx, "alice", "")
	if err != nil || ok {
		t.Fatalf("empty password must never bind, ok=%v err=%v", ok, err)
	}
}

func TestLDAPVerifierConnectFailure(t *testing.T) {
	v := &LDAPVerifier{
		dial: func(string, uint16, LDAPMode) (ldapBinder, error) {
			return nil, errors.New("connection refused")
		},
	}
	if _, err := v.Verify(context.Background(), "bob", "pw"); !errors.Is(err, ErrLDAPConnect) {
		t.Fatalf("expected ErrLDAPConnect, got %v", err)
	}
}

func TestEscapeDNValue(t *testing.T) {
	if got := escapeDNValue("a,b=c"); got != `a\,b\=c` {
		t.Fatalf("unexpected escape: %s", got)
	}
	if got := escapeDNValue("#lead"); got != `\#lead` {
		t.Fatalf("unexpected escape: %s", got)
	}
}
