package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/fwportal/settingdb/config"
	"github.com/fwportal/settingdb/db"
	"github.com/fwportal/settingdb/logger"
	"github.com/golang-migrate/migrate/v4"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Settings Table Schema Migration Management

Migrations run against the portal database named in [config_store.database].
The server applies pending migrations itself when config_store.migrate is set;
both use the same advisory lock so they never run at once.

Usage:
  settingdb-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  settingdb-admin migrate up
  settingdb-admin migrate down --limit 1
  settingdb-admin migrate version
  settingdb-admin migrate force 1
`)
}

// migrator bundles a migrate instance with the connection holding the lock.
type migrator struct {
	m     *migrate.Migrate
	sqlDB *sql.DB
	lock  *sql.Conn
}

func (mg *migrator) close() {
	if mg.lock != nil {
		db.ReleaseMigrationLock(context.Background(), mg.lock)
		mg.lock.Close()
	}
	mg.sqlDB.Close()
}

func newMigrator(ctx context.Context, cfg config.Config, exclusive bool) (*migrator, error) {
	if cfg.ConfigStore.Driver != config.StoreDriverPostgres {
		return nil, fmt.Errorf("migrations only apply to the postgres config store (driver is %q)", cfg.ConfigStore.Driver)
	}
	m, sqlDB, err := db.NewMigrator(ctx, db.StoreConnString(cfg.ConfigStore.Database))
	if err != nil {
		return nil, err
	}
	mg := &migrator{m: m, sqlDB: sqlDB}
	if !exclusive {
		return mg, nil
	}

	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to reserve lock connection: %w", err)
	}
	if err := db.AcquireMigrationLock(ctx, conn); err != nil {
		conn.Close()
		sqlDB.Close()
		return nil, err
	}
	mg.lock = conn
	logger.Info("Acquired exclusive database lock for migration.")
	return mg, nil
}

func migrateFlags(name, usage string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() { fmt.Println(usage) }
	return fs, configPath
}

func handleMigrateUp(ctx context.Context) {
	fs, configPath := migrateFlags("migrate up", "Usage: settingdb-admin migrate up [--config config.toml]\nApplies all pending upwards migrations.")
	fs.Parse(os.Args[3:])

	mg, err := newMigrator(ctx, loadConfig(*configPath, isFlagSet(fs, "config")), true)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer mg.close()

	logger.Info("Applying UP migrations...")
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatalf("Failed to apply UP migrations: %v", err)
	}
	logger.Info("Migrations applied successfully.")
	showVersion(mg.m)
}

func handleMigrateDown(ctx context.Context) {
	fs, configPath := migrateFlags("migrate down", "Usage: settingdb-admin migrate down [--config config.toml] [--limit N | --all]\nReverts migrations. Defaults to reverting one migration.")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Parse(os.Args[3:])

	mg, err := newMigrator(ctx, loadConfig(*configPath, isFlagSet(fs, "config")), true)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer mg.close()

	if *all {
		logger.Info("Reverting all migrations...")
		if err := mg.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatalf("Failed to revert all migrations: %v", err)
		}
	} else {
		logger.Infof("Reverting %d migration(s)...", *limit)
		if err := mg.m.Steps(-(*limit)); err != nil {
			logger.Fatalf("Failed to revert migrations: %v", err)
		}
	}
	logger.Info("Migrations reverted successfully.")
	showVersion(mg.m)
}

func handleMigrateVersion(ctx context.Context) {
	fs, configPath := migrateFlags("migrate version", "Usage: settingdb-admin migrate version [--config config.toml]\nShows the current migration version and dirty state.")
	fs.Parse(os.Args[3:])

	mg, err := newMigrator(ctx, loadConfig(*configPath, isFlagSet(fs, "config")), false)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer mg.close()

	showVersion(mg.m)
}

func handleMigrateForce(ctx context.Context) {
	fs, configPath := migrateFlags("migrate force", "Usage: settingdb-admin migrate force [--config config.toml] <version>\nForcibly sets the database migration version. USE WITH CAUTION.")
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		logger.Fatalf("Invalid version number: %v", err)
	}

	mg, err := newMigrator(ctx, loadConfig(*configPath, isFlagSet(fs, "config")), true)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer mg.close()

	logger.Infof("Forcing database version to %d...", version)
	if err := mg.m.Force(version); err != nil {
		logger.Fatalf("Failed to force version: %v", err)
	}
	logger.Info("Version forced successfully.")
	showVersion(mg.m)
}

func showVersion(m *migrate.Migrate) {
	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("Current migration version: none")
			return
		}
		logger.Infof("Failed to get migration version: %v", err)
		return
	}

	logger.Infof("Current migration version: %d", version)
	if dirty {
		logger.Info("Dirty state: YES (Database may be in an inconsistent state. Use 'force' to fix.)")
	} else {
		logger.Info("Dirty state: no")
	}
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
