// Package migrations holds the embedded schema migrations for the
// durable stores and applies them with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sqlite postgres
var FS embed.FS

// Dialect selects which embedded migration set to apply.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Run applies all pending migrations for the given dialect against db.
// It operates on the passed connection (not a URL) so that in-memory
// SQLite databases migrate the same connection the stores use. Run is
// idempotent.
func Run(db *sql.DB, dialect Dialect) error {
	source, err := iofs.New(FS, string(dialect))
	if err != nil {
		return err
	}

	var driver database.Driver
	switch dialect {
	case DialectSQLite:
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case DialectPostgres:
		driver, err = migratepg.WithInstance(db, &migratepg.Config{})
	default:
		return fmt.Errorf("unknown migration dialect: %s", dialect)
	}
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, string(dialect), driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
