package storage

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"

	"github.com/runnerhub/runnerhub/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

func configureGoose() error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	return goose.SetDialect("sqlite3")
}

// Migrate applies all pending migrations.
func Migrate(db *sql.DB) error {
	if err := configureGoose(); err != nil {
		return types.Unavailablef("migration setup failed: %v", err)
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		return types.Unavailablef("migration failed: %v", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func MigrateDown(db *sql.DB) error {
	if err := configureGoose(); err != nil {
		return types.Unavailablef("migration setup failed: %v", err)
	}
	if err := goose.Down(db, migrationsDir); err != nil {
		return types.Unavailablef("rollback failed: %v", err)
	}
	return nil
}

// MigrationVersion reports the current schema version.
func MigrationVersion(db *sql.DB) (int64, error) {
	if err := configureGoose(); err != nil {
		return 0, types.Unavailablef("migration setup failed: %v", err)
	}
	v, err := goose.GetDBVersion(db)
	if err != nil {
		return 0, types.Unavailablef("schema version lookup failed: %v", err)
	}
	return v, nil
}
