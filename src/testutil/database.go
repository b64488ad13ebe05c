package testutil

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetupTestDB connects to TEST_DB_URL with the schema migrated up, and migrates it back down when the
// test ends. The test is skipped when no database is configured.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := GetEnv("TEST_DB_URL")
	if dsn == "" {
		t.Skip("TEST_DB_URL is not set")
	}

	migration, err := migrate.New("file://"+filepath.Join(projectRoot(), "migrations"), dsn)
	if err != nil {
		t.Fatalf("failed to create migrate: %v", err)
	}
	if err := migration.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("failed to run migration up: %v", err)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
		if err := migration.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			t.Logf("failed to run migration down: %v", err)
		}
		migration.Close()
	})
	return db
}
