// Package main provides a CLI tool that applies or rolls back the versioned
// schema migrations outside of the service.
//
// Usage:
//
//	migrate [--down]
//
// Without flags every pending migration is applied. --down rolls back the
// most recent one; rolling back the first migration drops all watch groups.
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/threadwatch/db"
)

func main() {
	down := flag.Bool("down", false, "Roll back the most recent migration instead of applying pending ones")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
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

	version, err := run(ctx, database, *down)
	if err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("schema version", slog.Uint64("version", uint64(version)), slog.Bool("down", *down))
}

// run migrates database one step down or all the way up and returns the
// resulting schema version.
func run(ctx context.Context, database *sql.DB, down bool) (uint, error) {
	migrateFn := db.RunMigrations
	if down {
		migrateFn = db.MigrateDown
	}
	if err := migrateFn(database); err != nil {
		return 0, err
	}
	version, dirty, err := db.GetMigrationVersion(ctx, database)
	if err != nil {
		return 0, err
	}
	if dirty {
		return version, fmt.Errorf("schema left dirty at version %d", version)
	}
	return version, nil
}
