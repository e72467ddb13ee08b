package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed queries/*.sql
var Migrations embed.FS

// MigrateUp applies all pending migrations.
func MigrateUp(d *sql.DB, driver string) (version int, dirty bool, err error) {
	source, err := iofs.New(Migrations, "queries")
	if err != nil {
		return -1, false, fmt.Errorf("failed to create source driver: %w", err)
	}

	dbDriver, err := databaseDriver(d, driver)
	if err != nil {
		return -1, false, err
	}

	if driver == "sqlite" {
		if _, err := d.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return -1, false, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	m, err := migrate.NewWithInstance("iofs", source, driver, dbDriver)
	if err != nil {
		return -1, false, fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return -1, false, fmt.Errorf("failed to run migrations: %w", err)
	}

	v, dirty, err := dbDriver.Version()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}

	return v, dirty, nil
}

func databaseDriver(d *sql.DB, driver string) (database.Driver, error) {
	switch driver {
	case "sqlite":
		dbDriver, err := sqlite.WithInstance(d, &sqlite.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
		}
		return dbDriver, nil
	case "postgres":
		dbDriver, err := postgres.WithInstance(d, &postgres.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres driver: %w", err)
		}
		return dbDriver, nil
	default:
		return nil, fmt.Errorf("unsupported migration driver: %s", driver)
	}
}
