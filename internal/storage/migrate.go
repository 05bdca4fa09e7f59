package storage

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/pressly/goose"
)

// Migrate applies the goose migrations under dir/<backend>. backend is
// "postgres" or "sqlite".
func Migrate(db *sql.DB, backend, dir string) error {
	dialect := backend
	if backend == "sqlite" {
		dialect = "sqlite3"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("goose dialect %s: %w", dialect, err)
	}
	if err := goose.Up(db, filepath.Join(dir, backend)); err != nil {
		return fmt.Errorf("migrate %s: %w", backend, err)
	}
	return nil
}
