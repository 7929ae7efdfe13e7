package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// migrationsPath probes the locations used by the different execution
// contexts (repo root, db/, container image) for the migrations directory.
func migrationsPath() (string, error) {
	candidates := []string{"db/migrations", "migrations", "./db/migrations", "./migrations"}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			abs, err := filepath.Abs(path)
			if err != nil {
				return "", fmt.Errorf("failed to get absolute path for %s: %w", path, err)
			}
			return "file://" + abs, nil
		}
	}
	return "", fmt.Errorf("migrations directory not found in any of the expected locations: %v", candidates)
}

// newMigrator builds a golang-migrate instance over an existing connection.
func newMigrator(db *sql.DB, sourcePath string) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourcePath, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// RunMigrations applies the versioned migrations in db/migrations/.
// Idempotent; files follow the 000001_description.up.sql/.down.sql pairing.
func RunMigrations(db *sql.DB) error {
	path, err := migrationsPath()
	if err != nil {
		return err
	}
	return RunMigrationsFromPath(db, path)
}

// RunMigrationsFromPath applies migrations from a custom source path, which
// tests use to point at scratch directories.
func RunMigrationsFromPath(db *sql.DB, sourcePath string) error {
	m, err := newMigrator(db, sourcePath)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("database schema is up to date", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		slog.Warn("could not determine migration version", slog.Any("error", err), slog.String("component", "db_migrate"))
		return nil
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d - manual intervention required", version)
	}
	slog.Info("migrations applied successfully",
		slog.Uint64("version", uint64(version)),
		slog.String("component", "db_migrate"))
	return nil
}

// MigrateDown rolls back the most recent migration. Development and emergency
// use only; depending on the migration this loses data.
func MigrateDown(db *sql.DB) error {
	path, err := migrationsPath()
	if err != nil {
		return err
	}
	return MigrateDownFromPath(db, path)
}

// MigrateDownFromPath rolls back the most recent migration from a custom path.
func MigrateDownFromPath(db *sql.DB, sourcePath string) error {
	m, err := newMigrator(db, sourcePath)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("no migrations to roll back", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("failed to roll back migration: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		// Version() errors once every migration is rolled back.
		slog.Info("rolled back to no migrations", slog.String("component", "db_migrate"))
		return nil
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d after rollback - manual intervention required", version)
	}
	slog.Info("migration rolled back successfully",
		slog.Uint64("version", uint64(version)),
		slog.String("component", "db_migrate"))
	return nil
}

// GetMigrationVersion returns the current migration version and dirty state.
func GetMigrationVersion(db *sql.DB) (uint, bool, error) {
	path, err := migrationsPath()
	if err != nil {
		return 0, false, err
	}
	m, err := newMigrator(db, path)
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return v, dirty, nil
}
