// Command migrate applies or rolls back the sponsored operation schema without starting the service.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/ethaccount/paymaster/src/app"
	"github.com/joho/godotenv"
)

func main() {
	down := flag.Bool("down", false, "roll every migration back")
	flag.Parse()

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Overload(".env"); err != nil {
			log.Fatalf("Error loading .env file: %v", err)
		}
	}

	dsn := os.Getenv("DB_URL")
	if dsn == "" {
		log.Fatalf("REQUIRED: DB_URL not set in environment")
	}
	migrationPath := os.Getenv("MIGRATION_PATH")
	if migrationPath == "" {
		migrationPath = "file://migrations"
	}

	logger := app.InitLogger("info", "")
	if err := app.Migrate(dsn, migrationPath, !*down); err != nil {
		logger.Fatal().Err(err).Msg("Migration failed")
	}
	logger.Info().Bool("down", *down).Str("path", migrationPath).Msg("Migration complete")
}
