package password

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mavricknz/ldap"
)

// LDAPMode selects the transport for LDAP connections.
type LDAPMode int

const (
	LDAPPlainText LDAPMode = iota
	LDAPSSL
	LDAPTLS
)

// ErrLDAPConnect wraps failures to reach the LDAP server. It is a transient
// infrastructure error, not a credential mismatch.
var ErrLDAPConnect = errors.New("password: ldap connect failed")

type ldapBinder interface {
	Bind(user, password string) error
	Close()
}

type ldapConn struct {
	c *ldap.LDAPConnection
}

func (l ldapConn) Bind(user, password string) error { return l.c.Bind(user, password) }
func (l ldapConn) Close()                           { l.c.Close() }

// LDAPVerifier checks passwords by binding to an LDAP server as the user.
type LDAPVerifier struct {
	Host string
	Port uint16
	Mode LDAPMode
	// BindDNFormat turns a username into a bind DN, e.g.
	// "uid=%s,ou=people,dc=example,dc=org". Empty binds with the bare username
	// (UPN style, as Active Directory accepts).
	BindDNFormat string

	dial func(host string, port uint16, mode LDAPMode) (ldapBinder, error)
}

func dialLDAP(host string, port uint16, mode LDAPMode) (ldapBinder, error) {
	con := ldap.NewLDAPConnection(host, port)
	switch mode {
	case LDAPSSL:
		con.IsSSL = true
	case LDAPTLS:
		con.IsTLS = true
	}
	if err := con.Connect(); err != nil {
		con.Close()
		return nil, err
	}
	return ldapConn{c: con}, nil
}

// Verify binds as username with plain. A failed bind is a mismatch; a failed
// connection is an error.
func (v *LDAPVerifier) Verify(ctx context.Context, username, plain string) (bool, error) {
	// An empty password would be accepted by servers that allow anonymous bind.
	if plain == "" || username == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	dial := v.dial
	if dial == nil {
		dial = dialLDAP
	}
	con, err := dial(v.Host, v.Port, v.Mode)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLDAPConnect, err)
	}
	defer con.Close()

	dn := username
	if v.BindDNFormat != "" {
		dn = fmt.Sprintf(v.BindDNFormat, escapeDNValue(username))
	}
	if err := con.Bind(dn, plain); err != nil {
		return false, nil
	}
	return true, nil
}

// escapeDNValue escapes the characters RFC 4514 reserves in attribute values.
func escapeDNValue(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch r {
		case ',', '+', '"', '\\', '<', '>', ';', '=':
			b.WriteByte('\\')
		case '#', ' ':
			if i == 0 {
				b.WriteByte('\\')
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}
