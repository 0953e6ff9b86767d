// Package migrations holds the schema of the SQLite listing cache.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// ErrSchemaMismatch means the stored schema is not one this binary can use:
// a migration failed part way, or a newer binary wrote the file.
var ErrSchemaMismatch = errors.New("listing cache schema mismatch")

// CheckDBMigrationStatus returns nil when the listing cache schema matches
// the migrations compiled into the binary.
func CheckDBMigrationStatus(db *sql.DB) error {
	// m is not closed: closing it would close db, which the caller owns.
	m, err := newMigrate(db)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return checkStatus(m, false)
}

// MigrateUp applies every pending migration. An up-to-date schema is not an
// error; a dirty schema or one ahead of the binary is never touched.
func MigrateUp(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := checkStatus(m, true); err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return checkStatus(m, false)
}

// checkStatus compares the schema version with the newest compiled-in
// migration. pending accepts a schema that is merely behind.
func checkStatus(m *migrate.Migrate, pending bool) error {
	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			if pending {
				return nil
			}
			return fmt.Errorf("database has no schema version (needs migration): %w", ErrSchemaMismatch)
		}
		return fmt.Errorf("failed to get database version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d (migration failed previously): %w", version, ErrSchemaMismatch)
	}

	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return fmt.Errorf("failed to read migration files: %w", err)
	}
	defer src.Close()

	latest, err := latestVersion(src)
	if err != nil {
		return fmt.Errorf("failed to determine latest version: %w", err)
	}

	switch {
	case version > latest:
		return fmt.Errorf("database version %d is ahead of binary version %d: %w", version, latest, ErrSchemaMismatch)
	case version < latest && !pending:
		return fmt.Errorf("database is at version %d but latest is %d: %w", version, latest, ErrSchemaMismatch)
	}
	return nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// latestVersion walks the source to its last migration.
func latestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(version)
		if err != nil {
			return version, nil
		}
		version = next
	}
}
