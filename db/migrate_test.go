package db

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func cleanDatabase(t *testing.T, ctx context.Context, db *sql.DB) {
	t.Helper()
	stmts := []string{
		`DROP TABLE IF EXISTS schema_migrations`,
		`DROP TABLE IF EXISTS chat_messages`,
		`DROP TABLE IF EXISTS oauth_tokens`,
		`DROP TABLE IF EXISTS kv`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			t.Fatalf("clean step %q: %v", s, err)
		}
	}
}

// TestRunMigrations tests that versioned migrations apply to an empty database.
func TestRunMigrations(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping migration test")
	}
	if _, err := os.Stat("migrations"); err != nil {
		t.Skip("migrations directory not found")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	cleanDatabase(t, ctx, db)

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	tables := []string{"chat_messages", "oauth_tokens", "kv"}
	for _, table := range tables {
		var exists bool
		err := db.QueryRow(`SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_name = $1
		)`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("table %s does not exist after migration", table)
		}
	}

	version, dirty, err := GetMigrationVersion(db)
	if err != nil {
		t.Fatalf("GetMigrationVersion() error = %v", err)
	}
	if dirty {
		t.Errorf("migration version is dirty")
	}
	if version < 1 {
		t.Errorf("migration version = %d, want >= 1", version)
	}

	// Re-running applied migrations must be a no-op.
	if err := RunMigrations(db); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}
}
