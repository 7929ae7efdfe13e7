package db

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// setupTestDB creates a test database connection and runs migrations.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	ctx := context.Background()
	if err := Migrate(ctx, database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

func resetEncryptor() {
	tokenCipher = newTokenCipher()
}

func TestMigrateIdempotent(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	// Second run must be a no-op, not an error.
	if err := Migrate(ctx, database); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	tables := []string{"chat_messages", "oauth_tokens", "kv"}
	for _, table := range tables {
		var exists bool
		err := database.QueryRow(`SELECT EXISTS (
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
}

func TestOAuthTokenRoundTripPlaintext(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	t.Setenv("ENCRYPTION_KEY", "")
	resetEncryptor()
	t.Cleanup(resetEncryptor)

	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := UpsertOAuthToken(ctx, database, "twitch", "acc-123", "ref-456", exp, "chat:read"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	access, refresh, gotExp, scope, err := GetOAuthToken(ctx, database, "twitch")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if access != "acc-123" || refresh != "ref-456" || scope != "chat:read" {
		t.Errorf("round trip mismatch: %q %q %q", access, refresh, scope)
	}
	if !gotExp.Equal(exp) {
		t.Errorf("expiry = %v, want %v", gotExp, exp)
	}
}

func TestOAuthTokenRoundTripEncrypted(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	t.Setenv("ENCRYPTION_KEY", "dGVzdC1lbmNyeXB0aW9uLWtleS0zMi1ieXRlc3h4")
	resetEncryptor()
	t.Cleanup(resetEncryptor)

	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := UpsertOAuthToken(ctx, database, "twitch", "secret-access", "secret-refresh", exp, "chat:read chat:edit"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Stored form must not be the plaintext.
	var stored string
	if err := database.QueryRowContext(ctx, `SELECT access_token FROM oauth_tokens WHERE provider='twitch'`).Scan(&stored); err != nil {
		t.Fatalf("select raw: %v", err)
	}
	if stored == "secret-access" {
		t.Errorf("access token stored in plaintext despite ENCRYPTION_KEY")
	}

	access, refresh, _, _, err := GetOAuthToken(ctx, database, "twitch")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if access != "secret-access" || refresh != "secret-refresh" {
		t.Errorf("decrypted round trip mismatch: %q %q", access, refresh)
	}
}

func TestGetOAuthTokenMissing(t *testing.T) {
	database := setupTestDB(t)
	access, refresh, exp, scope, err := GetOAuthToken(context.Background(), database, "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if access != "" || refresh != "" || scope != "" || !exp.IsZero() {
		t.Errorf("expected zero values for missing provider")
	}
}
