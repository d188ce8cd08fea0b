// Package sqldir is a SQL-backed directory.Directory. It runs on Postgres
// (driver "postgres", github.com/lib/pq) and SQLite (driver "sqlite",
// modernc.org/sqlite).
package sqldir

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/migration"
	"github.com/MrEthical07/authflow/directory"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DB implements directory.Directory and directory.Provisioner.
type DB struct {
	db     *sql.DB
	driver string
	clock  func() time.Time
}

// Open connects, brings the schema up to date, and returns a ready DB.
func Open(driver, dsn string) (*DB, error) {
	if err := bootstrap(driver, dsn); err != nil {
		return nil, err
	}
	db, err := migration.Open(driver, dsn, createMigrations())
	if err != nil {
		return nil, fmt.Errorf("sqldir: migrate: %w", err)
	}
	if driver == "sqlite" {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	return &DB{db: db, driver: driver, clock: time.Now}, nil
}

// Migrate applies pending migrations and closes the connection.
func Migrate(driver, dsn string) error {
	d, err := Open(driver, dsn)
	if err != nil {
		return err
	}
	return d.Close()
}

// bootstrap creates the migration version table up front. On Postgres a
// failed check query would abort the migration tool's transaction.
func bootstrap(driver, dsn string) error {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("sqldir: connect: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS migration_version (version INTEGER)"); err != nil {
		return fmt.Errorf("sqldir: bootstrap: %w", err)
	}
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM migration_version").Scan(&n); err != nil {
		return fmt.Errorf("sqldir: bootstrap: %w", err)
	}
	if n == 0 {
		if _, err := db.Exec("INSERT INTO migration_version (version) VALUES (0)"); err != nil {
			return fmt.Errorf("sqldir: bootstrap: %w", err)
		}
	}
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// q rewrites ? placeholders to $n for Postgres.
func (d *DB) q(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const userColumns = "id, email, username, phone, email_verified, phone_verified, active, created_at"

func scanUser(row interface{ Scan(...any) error }) (*directory.User, error) {
	var (
		u                      directory.User
		email, username, phone sql.NullString
		emailV, phoneV, active bool
		created                int64
	)
	if err := row.Scan(&u.ID, &email, &username, &phone, &emailV, &phoneV, &active, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, directory.ErrUserNotFound
		}
		return nil, err
	}
	u.Email, u.Username, u.Phone = email.String, username.String, phone.String
	u.EmailVerified, u.PhoneVerified, u.Active = emailV, phoneV, active
	u.CreatedAt = time.Unix(0, created)
	return &u, nil
}

func (d *DB) GetUser(ctx context.Context, id string) (*directory.User, error) {
	return scanUser(d.db.QueryRowContext(ctx, d.q("SELECT "+userColumns+" FROM af_users WHERE id = ?"), id))
}

func (d *DB) FindByIdentifier(ctx context.Context, identifier string) (*directory.User, error) {
	norm := directory.NormalizeIdentifier(identifier)
	if norm == "" {
		return nil, directory.ErrUserNotFound
	}
	return scanUser(d.db.QueryRowContext(ctx,
		d.q("SELECT "+userColumns+" FROM af_users WHERE email_norm = ? OR username_norm = ? OR phone = ?"),
		norm, norm, norm))
}

func (d *DB) FindByExternalIdentity(ctx context.Context, providerID, externalUID string) (*directory.User, error) {
	return scanUser(d.db.QueryRowContext(ctx, d.q(
		"SELECT u.id, u.email, u.username, u.phone, u.email_verified, u.phone_verified, u.active, u.created_at "+
			"FROM af_users u JOIN af_external_identities x ON x.user_id = u.id "+
			"WHERE x.provider_id = ? AND x.external_uid = ?"), providerID, externalUID))
}

func (d *DB) ListAuthenticators(ctx context.Context, userID string) ([]directory.Authenticator, error) {
	rows, err := d.db.QueryContext(ctx, d.q(
		"SELECT id, user_id, kind, secret, metadata, created_at, last_used_at "+
			"FROM af_authenticators WHERE user_id = ? ORDER BY created_at, id"), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []directory.Authenticator
	for rows.Next() {
		var (
			a             directory.Authenticator
			kind, meta    string
			created, used int64
		)
		if err := rows.Scan(&a.ID, &a.UserID, &kind, &a.Secret, &meta, &created, &used); err != nil {
			return nil, err
		}
		a.Kind = directory.Kind(kind)
		if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
			return nil, fmt.Errorf("sqldir: authenticator %s metadata: %w", a.ID, err)
		}
		a.CreatedAt = time.Unix(0, created)
		if used != 0 {
			a.LastUsedAt = time.Unix(0, used)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (d *DB) AddAuthenticator(ctx context.Context, a directory.Authenticator) (directory.Authenticator, error) {
	if _, err := d.GetUser(ctx, a.UserID); err != nil {
		return directory.Authenticator{}, err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = d.clock()
	}
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return directory.Authenticator{}, err
	}

	_, err = d.db.ExecContext(ctx, d.q(
		"INSERT INTO af_authenticators (id, user_id, kind, secret, metadata, created_at, last_used_at) "+
			"VALUES (?, ?, ?, ?, ?, ?, 0)"),
		a.ID, a.UserID, string(a.Kind), a.Secret, string(meta), a.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) && a.Kind == directory.KindPassword {
			return directory.Authenticator{}, directory.ErrDuplicatePassword
		}
		return directory.Authenticator{}, err
	}
	return a, nil
}

func (d *DB) UpdateAuthenticator(ctx context.Context, a directory.Authenticator) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return err
	}
	res, err := d.db.ExecContext(ctx, d.q("UPDATE af_authenticators SET secret = ?, metadata = ? WHERE id = ?"),
		a.Secret, string(meta), a.ID)
	return affectedOne(res, err, directory.ErrAuthenticatorNotFound)
}

func (d *DB) CompareAndSwapMetadata(ctx context.Context, id string, prev, next directory.Metadata) (bool, error) {
	var stored string
	err := d.db.QueryRowContext(ctx, d.q("SELECT metadata FROM af_authenticators WHERE id = ?"), id).Scan(&stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, directory.ErrAuthenticatorNotFound
		}
		return false, err
	}
	var cur directory.Metadata
	if err := json.Unmarshal([]byte(stored), &cur); err != nil {
		return false, fmt.Errorf("sqldir: authenticator %s metadata: %w", id, err)
	}
	if !cur.Equal(prev) {
		return false, nil
	}
	meta, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	// The stored text is the guard, so a concurrent writer makes this update
	// match no row.
	res, err := d.db.ExecContext(ctx, d.q("UPDATE af_authenticators SET metadata = ? WHERE id = ? AND metadata = ?"),
		string(meta), id, stored)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d *DB) RemoveAuthenticator(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, d.q("DELETE FROM af_authenticators WHERE id = ?"), id)
	return affectedOne(res, err, directory.ErrAuthenticatorNotFound)
}

func (d *DB) RecordAuthenticatorUsage(ctx context.Context, authenticatorID string, at time.Time) error {
	res, err := d.db.ExecContext(ctx, d.q("UPDATE af_authenticators SET last_used_at = ? WHERE id = ?"),
		at.UnixNano(), authenticatorID)
	return affectedOne(res, err, directory.ErrAuthenticatorNotFound)
}

func (d *DB) CreateUser(ctx context.Context, u directory.User) (*directory.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = d.clock()
	}
	_, err := d.db.ExecContext(ctx, d.q(
		"INSERT INTO af_users (id, email, email_norm, username, username_norm, phone, email_verified, phone_verified, active, created_at) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		u.ID,
		nullable(u.Email), nullable(directory.NormalizeIdentifier(u.Email)),
		nullable(u.Username), nullable(directory.NormalizeIdentifier(u.Username)),
		nullable(u.Phone),
		u.EmailVerified, u.PhoneVerified, u.Active, u.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, directory.ErrDuplicateUser
		}
		return nil, err
	}
	return &u, nil
}

func (d *DB) LinkExternalIdentity(ctx context.Context, link directory.ExternalIdentity) error {
	if _, err := d.GetUser(ctx, link.UserID); err != nil {
		return err
	}
	_, err := d.db.ExecContext(ctx, d.q(
		"INSERT INTO af_external_identities (provider_id, external_uid, user_id) VALUES (?, ?, ?)"),
		link.ProviderID, link.ExternalUID, link.UserID)
	if err != nil && isUniqueViolation(err) {
		return directory.ErrDuplicateIdentity
	}
	return err
}

func (d *DB) MarkEmailVerified(ctx context.Context, userID string) error {
	res, err := d.db.ExecContext(ctx, d.q("UPDATE af_users SET email_verified = ? WHERE id = ?"), true, userID)
	return affectedOne(res, err, directory.ErrUserNotFound)
}

func (d *DB) MarkPhoneVerified(ctx context.Context, userID string) error {
	res, err := d.db.ExecContext(ctx, d.q("UPDATE af_users SET phone_verified = ? WHERE id = ?"), true, userID)
	return affectedOne(res, err, directory.ErrUserNotFound)
}

func affectedOne(res sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
