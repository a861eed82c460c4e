package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"aviatorclient/internal/config"
	"aviatorclient/internal/database"
	"aviatorclient/internal/logger"
)

const defaultSeedFile = "./seeds/local.sql"

var errUsage = errors.New("invalid usage")

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Load()
	log, err := logger.New(cfg.ServiceName+"-migrate", cfg.Env)
	if err != nil {
		panic(err)
	}

	err = run(os.Args[1], os.Args[2:], cfg, log)
	if errors.Is(err, errUsage) {
		printUsage()
	}
	os.Exit(exitCode(err, log))
}

// exitCode logs err, flushes the logger and returns the process status.
func exitCode(err error, log *zap.Logger) int {
	code := 0
	if err != nil {
		log.Error("migrate failed", zap.Error(err))
		code = 1
	}
	_ = log.Sync()
	return code
}

func run(command string, args []string, cfg config.Config, log *zap.Logger) error {
	if command == "create" {
		if len(args) < 1 {
			return fmt.Errorf("create needs a migration name: %w", errUsage)
		}
		if err := createMigration(cfg.MigrationsPath, args[0], log); err != nil {
			return fmt.Errorf("create migration: %w", err)
		}
		return nil
	}

	switch command {
	case "up", "down", "version", "seed":
	default:
		return fmt.Errorf("unknown command %q: %w", command, errUsage)
	}

	srv, err := database.New(cfg, log)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer srv.Close()
	db := srv.DB()

	switch command {
	case "up":
		log.Info("running migrations", zap.String("path", cfg.MigrationsPath))
		if err := database.RunMigrations(db, cfg.MigrationsPath); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		log.Info("migrations completed")

	case "down":
		log.Info("rolling back last migration")
		if err := database.RollbackMigration(db, cfg.MigrationsPath); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		log.Info("rollback completed")

	case "version":
		version, dirty, err := database.GetMigrationVersion(db, cfg.MigrationsPath)
		if err != nil {
			return fmt.Errorf("get version: %w", err)
		}
		if dirty {
			log.Warn("current version is dirty, needs manual intervention", zap.Uint("version", version))
		} else {
			log.Info("current version", zap.Uint("version", version))
		}

	case "seed":
		file := defaultSeedFile
		if len(args) > 0 {
			file = args[0]
		}
		if err := database.Seed(db, file); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		log.Info("seed applied", zap.String("file", file))
	}
	return nil
}

// createMigration writes an empty up/down pair numbered after the highest
// existing version.
func createMigration(dir, name string, log *zap.Logger) error {
	ups, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return err
	}
	next := len(ups) + 1

	upFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.up.sql", next, name))
	downFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.down.sql", next, name))

	upContent := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n-- Add your SQL here\n", name, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(upFile, []byte(upContent), 0644); err != nil {
		return fmt.Errorf("write up migration: %w", err)
	}
	downContent := fmt.Sprintf("-- Rollback: %s\n\n-- Add your rollback SQL here\n", name)
	if err := os.WriteFile(downFile, []byte(downContent), 0644); err != nil {
		return fmt.Errorf("write down migration: %w", err)
	}

	log.Info("created migration files", zap.String("up", upFile), zap.String("down", downFile))
	return nil
}

func printUsage() {
	fmt.Println("Database Migration Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  migrate up              Run all pending migrations")
	fmt.Println("  migrate down            Rollback the last migration")
	fmt.Println("  migrate version         Show current migration version")
	fmt.Println("  migrate create <name>   Create a new migration file")
	fmt.Println("  migrate seed [file]     Apply local test data (default: " + defaultSeedFile + ")")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  BLUEPRINT_DB_HOST       Database host (default: localhost)")
	fmt.Println("  BLUEPRINT_DB_PORT       Database port (default: 5432)")
	fmt.Println("  BLUEPRINT_DB_DATABASE   Database name (default: crashdb)")
	fmt.Println("  BLUEPRINT_DB_USERNAME   Database user (default: postgres)")
	fmt.Println("  BLUEPRINT_DB_PASSWORD   Database password (default: postgres)")
	fmt.Println("  MIGRATIONS_PATH         Path to migrations (default: ./migrations)")
}
