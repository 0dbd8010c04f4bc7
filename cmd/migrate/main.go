package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"SettleLedger/internal/persistence"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|redo>")
	fmt.Println("  up   - apply all pending migrations")
	fmt.Println("  down - roll back the last migration")
	fmt.Println("  redo - roll back the last migration and apply it again")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  SETTLE_POSTGRES_DSN    - Postgres connection string (required)")
	fmt.Println("  SETTLE_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	dsn := os.Getenv("SETTLE_POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("FATAL: SETTLE_POSTGRES_DSN is required")
	}
	migrationsDir := os.Getenv("SETTLE_MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	migrator := persistence.NewMigrator(db, migrationsDir)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Println("INFO: all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		log.Println("INFO: last migration rolled back")

	case "redo":
		if err := migrator.Down(ctx); err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		if err := migrator.Up(ctx); err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Println("INFO: last migration re-applied")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
