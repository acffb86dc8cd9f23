// internal/storage/init.go
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"

	"github.com/pressly/goose/v3"

	_ "github.com/lib/pq"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

func runMigrations(ctx context.Context, db *sql.DB, dialect goose.Dialect, dir string) error {
	const op = "storage.migrations"

	fsys, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if len(results) == 0 {
		log.Println("No migrations to apply.")
		return nil
	}
	log.Printf("Database migrations applied successfully (%d).", len(results))
	return nil
}
