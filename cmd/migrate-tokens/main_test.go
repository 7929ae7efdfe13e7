package main

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/onnwee/chat-tender/crypto"
)

// setupTestDB creates a test database connection for migration tests
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

	// Ensure oauth_tokens table exists
	ctx := context.Background()
	_, err = database.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			encryption_version INTEGER DEFAULT 0,
			encryption_key_id TEXT
		)
	`)
	if err != nil {
		database.Close()
		t.Fatalf("failed to create oauth_tokens table: %v", err)
	}

	t.Cleanup(func() {
		_, _ = database.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider LIKE 'test-%'`)
		database.Close()
	})

	return database
}

func insertPlaintextToken(t *testing.T, db *sql.DB, provider, access, refresh string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, encryption_version)
		 VALUES ($1, $2, $3, $4, $5, 0)
		 ON CONFLICT (provider) DO UPDATE SET access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token, encryption_version = 0, encryption_key_id = NULL`,
		provider, access, refresh, time.Now().Add(time.Hour), "test:scope")
	if err != nil {
		t.Fatalf("failed to insert test token: %v", err)
	}
}

// TestMigrateTokens_DryRun verifies dry-run mode leaves rows untouched.
func TestMigrateTokens_DryRun(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	testKey := "dGVzdC1lbmNyeXB0aW9uLWtleS0zMi1ieXRlcwo="
	encryptor, err := crypto.NewAESEncryptor(testKey)
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	provider := "test-provider-dryrun"
	accessToken := "test-access-token"
	insertPlaintextToken(t, db, provider, accessToken, "test-refresh-token")

	if err := migrateTokens(ctx, db, encryptor, true, provider); err != nil {
		t.Fatalf("migrateTokens(dry-run) failed: %v", err)
	}

	var storedAccess string
	var encVersion int
	err = db.QueryRowContext(ctx,
		`SELECT access_token, encryption_version FROM oauth_tokens WHERE provider = $1`,
		provider).Scan(&storedAccess, &encVersion)
	if err != nil {
		t.Fatalf("failed to query token: %v", err)
	}

	if encVersion != 0 {
		t.Errorf("dry-run should not change encryption_version, got %d", encVersion)
	}
	if storedAccess != accessToken {
		t.Errorf("dry-run should not change access_token, got %q, want %q", storedAccess, accessToken)
	}
}

// TestMigrateTokens_RealMigration verifies tokens are encrypted in place and
// round-trip back to the original plaintext.
func TestMigrateTokens_RealMigration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	testKey := "dGVzdC1lbmNyeXB0aW9uLWtleS0zMi1ieXRlcwo="
	encryptor, err := crypto.NewAESEncryptor(testKey)
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	provider := "test-provider-real"
	accessToken := "test-access-token-real"
	refreshToken := "test-refresh-token-real"
	insertPlaintextToken(t, db, provider, accessToken, refreshToken)

	if err := migrateTokens(ctx, db, encryptor, false, provider); err != nil {
		t.Fatalf("migrateTokens failed: %v", err)
	}

	var storedAccess, storedRefresh string
	var encVersion int
	var keyID sql.NullString
	err = db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, encryption_version, encryption_key_id
		 FROM oauth_tokens WHERE provider = $1`,
		provider).Scan(&storedAccess, &storedRefresh, &encVersion, &keyID)
	if err != nil {
		t.Fatalf("failed to query token: %v", err)
	}

	if encVersion != 1 {
		t.Fatalf("encryption_version = %d, want 1", encVersion)
	}
	if !keyID.Valid || keyID.String != "default" {
		t.Errorf("encryption_key_id = %v, want default", keyID)
	}
	if storedAccess == accessToken {
		t.Error("access_token still plaintext after migration")
	}

	gotAccess, err := crypto.DecryptString(encryptor, storedAccess)
	if err != nil {
		t.Fatalf("decrypt access token: %v", err)
	}
	if gotAccess != accessToken {
		t.Errorf("decrypted access token = %q, want %q", gotAccess, accessToken)
	}
	gotRefresh, err := crypto.DecryptString(encryptor, storedRefresh)
	if err != nil {
		t.Fatalf("decrypt refresh token: %v", err)
	}
	if gotRefresh != refreshToken {
		t.Errorf("decrypted refresh token = %q, want %q", gotRefresh, refreshToken)
	}
}

// TestMigrateTokens_ProviderFilter verifies that only the filtered provider is migrated.
func TestMigrateTokens_ProviderFilter(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	testKey := "dGVzdC1lbmNyeXB0aW9uLWtleS0zMi1ieXRlcwo="
	encryptor, err := crypto.NewAESEncryptor(testKey)
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	insertPlaintextToken(t, db, "test-filter-a", "token-a", "refresh-a")
	insertPlaintextToken(t, db, "test-filter-b", "token-b", "refresh-b")

	if err := migrateTokens(ctx, db, encryptor, false, "test-filter-a"); err != nil {
		t.Fatalf("migrateTokens failed: %v", err)
	}

	var versionA, versionB int
	if err := db.QueryRowContext(ctx,
		`SELECT encryption_version FROM oauth_tokens WHERE provider = 'test-filter-a'`).Scan(&versionA); err != nil {
		t.Fatalf("query a: %v", err)
	}
	if err := db.QueryRowContext(ctx,
		`SELECT encryption_version FROM oauth_tokens WHERE provider = 'test-filter-b'`).Scan(&versionB); err != nil {
		t.Fatalf("query b: %v", err)
	}
	if versionA != 1 {
		t.Errorf("filtered provider version = %d, want 1", versionA)
	}
	if versionB != 0 {
		t.Errorf("unfiltered provider version = %d, want 0", versionB)
	}
}
