package sqldir

import (
	"github.com/BurntSushi/migration"
)

// Each entry is one schema version. Entries are append-only: never edit a
// statement once released, add a new entry instead.
var schema = [][]string{
	// 1. users
	{
		`CREATE TABLE af_users (
			id             VARCHAR(64) PRIMARY KEY,
			email          VARCHAR(320),
			email_norm     VARCHAR(320),
			username       VARCHAR(150),
			username_norm  VARCHAR(150),
			phone          VARCHAR(32),
			email_verified BOOLEAN NOT NULL DEFAULT FALSE,
			phone_verified BOOLEAN NOT NULL DEFAULT FALSE,
			active         BOOLEAN NOT NULL DEFAULT TRUE,
			created_at     BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX idx_af_users_email ON af_users (email_norm)`,
		`CREATE UNIQUE INDEX idx_af_users_username ON af_users (username_norm)`,
		`CREATE INDEX idx_af_users_phone ON af_users (phone)`,
	},

	// 2. authenticators; at most one password per user
	{
		`CREATE TABLE af_authenticators (
			id           VARCHAR(64) PRIMARY KEY,
			user_id      VARCHAR(64) NOT NULL REFERENCES af_users (id),
			kind         VARCHAR(32) NOT NULL,
			secret       TEXT NOT NULL,
			metadata     TEXT NOT NULL,
			created_at   BIGINT NOT NULL,
			last_used_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX idx_af_authenticators_user ON af_authenticators (user_id)`,
		`CREATE UNIQUE INDEX idx_af_authenticators_password ON af_authenticators (user_id) WHERE kind = 'password'`,
	},

	// 3. external identities
	{
		`CREATE TABLE af_external_identities (
			provider_id  VARCHAR(64) NOT NULL,
			external_uid VARCHAR(255) NOT NULL,
			user_id      VARCHAR(64) NOT NULL REFERENCES af_users (id),
			PRIMARY KEY (provider_id, external_uid)
		)`,
	},
}

func createMigrations() []migration.Migrator {
	var migrations []migration.Migrator
	for _, stmts := range schema {
		stmts := stmts
		migrations = append(migrations, func(tx migration.LimitedTx) error {
			for _, s := range stmts {
				if _, err := tx.Exec(s); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return migrations
}

// SchemaVersion is the number of migrations this package knows about.
func SchemaVersion() int {
	return len(schema)
}
