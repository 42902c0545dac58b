package main

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS watch_groups, source_credentials, oauth_tokens, kv, schema_migrations CASCADE`,
	} {
		if _, err := database.Exec(stmt); err != nil {
			t.Fatalf("clean: %v", err)
		}
	}
	return database
}

func TestRunUpThenDown(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	top, err := run(ctx, database, false)
	if err != nil {
		t.Fatalf("run(up) error = %v", err)
	}
	if top < 2 {
		t.Fatalf("version after up = %d, want >= 2", top)
	}

	v, err := run(ctx, database, true)
	if err != nil {
		t.Fatalf("run(down) error = %v", err)
	}
	if v != top-1 {
		t.Errorf("version after down = %d, want %d", v, top-1)
	}
	var hasColumn bool
	if err := database.QueryRow(`SELECT EXISTS (
		SELECT FROM information_schema.columns WHERE table_name = 'watch_groups' AND column_name = 'thread_id'
	)`).Scan(&hasColumn); err != nil {
		t.Fatal(err)
	}
	if hasColumn {
		t.Error("thread_id column survived rolling back its migration")
	}

	if v, err := run(ctx, database, false); err != nil || v != top {
		t.Errorf("re-apply = %d, %v; want %d", v, err, top)
	}
}
