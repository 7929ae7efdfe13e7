// Command migrate-tokens encrypts OAuth token rows that are still stored in
// plaintext (encryption_version=0), bringing them to AES-256-GCM
// (encryption_version=1). It needs DB_DSN and ENCRYPTION_KEY in the
// environment; --dry-run previews the work and --provider narrows it to one
// provider row.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/onnwee/chat-tender/crypto"
)

type plaintextToken struct {
	provider     string
	accessToken  string
	refreshToken string
}

func main() {
	dryRun := flag.Bool("dry-run", false, "report what would be migrated without writing")
	provider := flag.String("provider", "", "migrate a single provider instead of all")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	key := os.Getenv("ENCRYPTION_KEY")
	if dsn == "" || key == "" {
		slog.Error("DB_DSN and ENCRYPTION_KEY must both be set")
		os.Exit(1)
	}

	encryptor, err := crypto.NewAESEncryptor(key)
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

	if err := migrateTokens(ctx, database, encryptor, *dryRun, *provider); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully")
}

func loadPlaintextTokens(ctx context.Context, database *sql.DB, providerFilter string) ([]plaintextToken, error) {
	query := `SELECT provider, access_token, refresh_token FROM oauth_tokens WHERE encryption_version = 0`
	var args []any
	if providerFilter != "" {
		query += ` AND provider = $1`
		args = append(args, providerFilter)
	}
	query += ` ORDER BY provider`

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query plaintext tokens: %w", err)
	}
	defer rows.Close()

	var tokens []plaintextToken
	for rows.Next() {
		var tok plaintextToken
		if err := rows.Scan(&tok.provider, &tok.accessToken, &tok.refreshToken); err != nil {
			return nil, fmt.Errorf("failed to scan token row: %w", err)
		}
		tokens = append(tokens, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating token rows: %w", err)
	}
	return tokens, nil
}

// migrateTokens encrypts every plaintext row, one transaction per provider so
// a single failure leaves the rest migrated.
func migrateTokens(ctx context.Context, database *sql.DB, encryptor crypto.Encryptor, dryRun bool, providerFilter string) error {
	tokens, err := loadPlaintextTokens(ctx, database, providerFilter)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		slog.Info("no plaintext tokens found to migrate")
		return nil
	}
	slog.Info("found plaintext tokens to migrate",
		slog.Int("count", len(tokens)),
		slog.Bool("dry_run", dryRun))

	migrated, failed := 0, 0
	for i, tok := range tokens {
		logger := slog.With(
			slog.String("provider", tok.provider),
			slog.Int("index", i+1),
			slog.Int("total", len(tokens)))

		if dryRun {
			logger.Info("would migrate token (dry-run)")
			migrated++
			continue
		}
		if err := migrateToken(ctx, database, encryptor, tok); err != nil {
			logger.Error("failed to migrate token", slog.Any("error", err))
			failed++
			continue
		}
		logger.Info("migrated token successfully")
		migrated++
	}

	slog.Info("migration summary",
		slog.Int("total", len(tokens)),
		slog.Int("migrated", migrated),
		slog.Int("errors", failed),
		slog.Bool("dry_run", dryRun))

	if failed > 0 {
		return fmt.Errorf("migration completed with %d errors", failed)
	}
	return nil
}

func migrateToken(ctx context.Context, database *sql.DB, encryptor crypto.Encryptor, tok plaintextToken) error {
	access, err := crypto.EncryptString(encryptor, tok.accessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := crypto.EncryptString(encryptor, tok.refreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	// The encryption_version guard makes the update a no-op if another run
	// migrated this row first.
	result, err := tx.ExecContext(ctx, `
		UPDATE oauth_tokens
		SET access_token = $1,
		    refresh_token = $2,
		    encryption_version = 1,
		    encryption_key_id = 'default',
		    updated_at = NOW()
		WHERE provider = $3 AND encryption_version = 0`,
		access, refresh, tok.provider)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (token may have been modified concurrently)", affected)
	}
	return tx.Commit()
}
