package app

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate moves the sponsored operation schema up to the latest version, or down to nothing
func Migrate(databaseDSN, migrationPath string, up bool) error {
	migration, err := migrate.New(migrationPath, databaseDSN)
	if err != nil {
		return fmt.Errorf("failed to create migrate: %w", err)
	}
	defer migration.Close()

	direction, step := "up", migration.Up
	if !up {
		direction, step = "down", migration.Down
	}
	if err := step(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migration %s: %w", direction, err)
	}
	return nil
}
