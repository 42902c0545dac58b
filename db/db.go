// Package db provides the Postgres connection, schema migration and the
// configuration store: watch groups, source credentials, the cached source
// token and a small kv table.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/threadwatch/crypto"
)

var (
	// encryptor seals the client secret and cached token at rest
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	errEncryptor  error
)

// initEncryptor initializes the global encryptor from ENCRYPTION_KEY.
// Without a key secrets are stored in plaintext (encryption_version = 0).
func initEncryptor() {
	encryptorOnce.Do(func() {
		enc, err := crypto.FromEnv()
		switch {
		case errors.Is(err, crypto.ErrNoKey):
			slog.Warn("ENCRYPTION_KEY not set, Reddit credentials will be stored in plaintext (not recommended for production)", slog.String("component", "db_encryption"))
		case err != nil:
			errEncryptor = fmt.Errorf("failed to initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("error", errEncryptor), slog.String("component", "db_encryption"))
		default:
			encryptor = enc
			slog.Info("secret encryption enabled (AES-256-GCM)", slog.String("component", "db_encryption"))
		}
	})
}

// getEncryptor returns the global encryptor, or nil when encryption is off.
func getEncryptor() (crypto.Encryptor, error) {
	initEncryptor()
	if errEncryptor != nil {
		return nil, errEncryptor
	}
	return encryptor, nil
}

// seal encrypts s when encryption is configured and returns the stored form
// with its encryption_version.
func seal(s string) (string, int, error) {
	enc, err := getEncryptor()
	if err != nil {
		return "", 0, fmt.Errorf("get encryptor: %w", err)
	}
	if enc == nil || s == "" {
		return s, 0, nil
	}
	out, err := crypto.EncryptString(enc, s)
	if err != nil {
		return "", 0, err
	}
	return out, 1, nil
}

// unseal reverses seal. Plaintext rows (version 0) pass through unchanged.
func unseal(s string, version int) (string, error) {
	if version != 1 || s == "" {
		return s, nil
	}
	enc, err := getEncryptor()
	if err != nil {
		return "", fmt.Errorf("get encryptor for decryption: %w", err)
	}
	if enc == nil {
		return "", fmt.Errorf("secret is encrypted but ENCRYPTION_KEY not configured")
	}
	return crypto.DecryptString(enc, s)
}

// Connect opens a Postgres connection pool for dsn.
func Connect(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
// It is the fallback when versioned migrations cannot run.
func Migrate(ctx context.Context, db *sql.DB) error { return migratePostgres(ctx, db) }

func migratePostgres(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS watch_groups (
			guild_id TEXT PRIMARY KEY,
			thread_url TEXT NOT NULL DEFAULT '',
			channel_id BIGINT NOT NULL DEFAULT 0,
			watermark BIGINT NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS source_credentials (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			client_id TEXT NOT NULL DEFAULT '',
			client_secret TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			encryption_version INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			token_type TEXT,
			expires_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			encryption_version INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`ALTER TABLE watch_groups ADD COLUMN IF NOT EXISTS enabled BOOLEAN NOT NULL DEFAULT TRUE`,
		`CREATE INDEX IF NOT EXISTS idx_watch_groups_enabled ON watch_groups(enabled)`,
		`ALTER TABLE watch_groups ADD COLUMN IF NOT EXISTS thread_id TEXT NOT NULL DEFAULT ''`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
