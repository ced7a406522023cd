package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"wager/internal/config"
	"wager/internal/database"
	"wager/internal/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level, cfg.Log.File)
	defer logger.Sync()

	command := os.Args[1]
	if command == "create" {
		if len(os.Args) < 3 {
			logger.Fatal("usage: migrate create <migration_name>")
		}
		createMigration(getEnv("MIGRATIONS_DIR", "internal/database/migrations"), os.Args[2])
		return
	}

	// Each migrate call closes the handle it is given.
	open := func() *sql.DB {
		db, err := sql.Open("pgx", cfg.Database.URL())
		if err != nil {
			logger.Fatal("failed to open database", zap.Error(err))
		}
		return db
	}

	switch command {
	case "up":
		logger.Info("running migrations")
		if err := database.RunMigrations(open()); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		logger.Info("migrations completed")

	case "down":
		logger.Info("rolling back last migration")
		if err := database.RollbackMigration(open()); err != nil {
			logger.Fatal("rollback failed", zap.Error(err))
		}
		logger.Info("rollback completed")

	case "version":
		version, dirty, err := database.GetMigrationVersion(open())
		if err != nil {
			logger.Fatal("failed to read version", zap.Error(err))
		}
		if dirty {
			fmt.Printf("Current version: %d (DIRTY - needs manual intervention)\n", version)
		} else {
			fmt.Printf("Current version: %d\n", version)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// createMigration writes an empty up/down pair numbered after the highest
// existing version. New files are picked up by the next build's embed.
func createMigration(dir, name string) {
	files, err := os.ReadDir(dir)
	if err != nil {
		logger.Fatal("failed to read migrations directory", zap.String("dir", dir), zap.Error(err))
	}

	next := 1
	for _, file := range files {
		var v int
		if _, err := fmt.Sscanf(file.Name(), "%06d_", &v); err == nil && v >= next {
			next = v + 1
		}
	}

	name = strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
	upFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.up.sql", next, name))
	downFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.down.sql", next, name))

	upContent := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n", name, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(upFile, []byte(upContent), 0o644); err != nil {
		logger.Fatal("failed to create up migration", zap.Error(err))
	}
	downContent := fmt.Sprintf("-- Rollback: %s\n\n", name)
	if err := os.WriteFile(downFile, []byte(downContent), 0o644); err != nil {
		logger.Fatal("failed to create down migration", zap.Error(err))
	}

	fmt.Println("Created migration files:")
	fmt.Println("   -", upFile)
	fmt.Println("   -", downFile)
}

func printUsage() {
	fmt.Println("Database Migration Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  migrate up              Run all pending migrations")
	fmt.Println("  migrate down            Rollback the last migration")
	fmt.Println("  migrate version         Show current migration version")
	fmt.Println("  migrate create <name>   Create a new migration file")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  BLUEPRINT_DB_HOST       Database host (default: localhost)")
	fmt.Println("  BLUEPRINT_DB_PORT       Database port (default: 5432)")
	fmt.Println("  BLUEPRINT_DB_DATABASE   Database name (default: wagerdb)")
	fmt.Println("  BLUEPRINT_DB_USERNAME   Database user (default: postgres)")
	fmt.Println("  BLUEPRINT_DB_PASSWORD   Database password (default: postgres)")
	fmt.Println("  MIGRATIONS_DIR          Where create writes (default: internal/database/migrations)")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
