// Package main provides a CLI tool that encrypts secrets stored before
// ENCRYPTION_KEY was configured.
//
// Rows with encryption_version=0 (plaintext) in source_credentials and
// oauth_tokens are rewritten with AES-256-GCM (version 1).
//
// Usage:
//
//	encrypt-secrets [--dry-run]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/threadwatch/crypto"
)

// secretColumn names one encrypted column and the key of its table.
type secretColumn struct {
	table  string
	key    string
	column string
}

var secretColumns = []secretColumn{
	{table: "source_credentials", key: "id", column: "client_secret"},
	{table: "oauth_tokens", key: "provider", column: "access_token"},
}

// plainRow is one row still holding a plaintext secret.
type plainRow struct {
	key   string
	value string
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be encrypted without making changes")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	encryptor, err := crypto.FromEnv()
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("error", err))
		os.Exit(1)
	}

	database, err := sql.Open("pgx", dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1)
	}

	total, err := encryptAll(ctx, database, encryptor, *dryRun)
	if err != nil {
		slog.Error("encryption failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("encryption completed", slog.Int("rows", total), slog.Bool("dry_run", *dryRun))
}

// encryptAll encrypts every plaintext secret and returns the number of rows
// handled (or that would be handled in dry-run mode).
func encryptAll(ctx context.Context, database *sql.DB, enc crypto.Encryptor, dryRun bool) (int, error) {
	total := 0
	for _, col := range secretColumns {
		rows, err := plaintextRows(ctx, database, col)
		if err != nil {
			return total, err
		}
		log := slog.With(slog.String("table", col.table), slog.Int("count", len(rows)))
		if len(rows) == 0 {
			log.Info("no plaintext secrets")
			continue
		}
		if dryRun {
			log.Info("would encrypt secrets (dry-run)")
			total += len(rows)
			continue
		}
		for _, row := range rows {
			if err := encryptRow(ctx, database, enc, col, row); err != nil {
				return total, fmt.Errorf("%s %s=%s: %w", col.table, col.key, row.key, err)
			}
			total++
		}
		log.Info("encrypted secrets")
	}
	return total, nil
}

func plaintextRows(ctx context.Context, database *sql.DB, col secretColumn) ([]plainRow, error) {
	q := fmt.Sprintf(`SELECT %s::text, %s FROM %s WHERE COALESCE(encryption_version, 0) = 0 ORDER BY 1`,
		col.key, col.column, col.table)
	rows, err := database.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query plaintext %s: %w", col.table, err)
	}
	defer rows.Close()
	var out []plainRow
	for rows.Next() {
		var r plainRow
		if err := rows.Scan(&r.key, &r.value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", col.table, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// encryptRow rewrites one secret. The version guard keeps a row changed
// concurrently by the running service from being encrypted twice.
func encryptRow(ctx context.Context, database *sql.DB, enc crypto.Encryptor, col secretColumn, row plainRow) error {
	sealed, err := crypto.EncryptString(enc, row.value)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	q := fmt.Sprintf(`UPDATE %s SET %s = $1, encryption_version = 1, updated_at = NOW()
		WHERE %s::text = $2 AND COALESCE(encryption_version, 0) = 0`, col.table, col.column, col.key)
	res, err := database.ExecContext(ctx, q, sealed, row.key)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (row may have been modified concurrently)", n)
	}
	return nil
}
