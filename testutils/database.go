package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fwportal/settingdb/config"
	"github.com/fwportal/settingdb/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// TestConfig is the subset of config-test.toml the tests read.
type TestConfig struct {
	Database config.StoreEndpointConfig `toml:"database"`
}

// TestDatabase is a migrated portal database reserved for tests.
type TestDatabase struct {
	Pool   *pgxpool.Pool
	Config *TestConfig
}

// SetupTestDatabase connects to the PostgreSQL server named in config-test.toml
// and applies the settings migrations. The test is skipped when no server is
// configured.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	configPath, err := findTestConfig()
	if err != nil {
		t.Skipf("Skipping database integration test: %v", err)
	}

	var cfg TestConfig
	_, err = toml.DecodeFile(configPath, &cfg)
	require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.MigrateUp(ctx, db.StoreConnString(cfg.Database), time.Minute); err != nil {
		t.Skipf("Skipping database integration test, database %q not usable: %v", cfg.Database.Name, err)
	}

	pool, err := db.NewStorePool(ctx, cfg.Database, false)
	require.NoError(t, err, "Failed to connect to test database %s", cfg.Database.Name)

	return &TestDatabase{Pool: pool, Config: &cfg}
}

// DatabaseConfig returns the test server as a named connection target.
func (td *TestDatabase) DatabaseConfig(name string) db.DatabaseConfig {
	ep := td.Config.Database
	return db.DatabaseConfig{
		Name:     name,
		Host:     ep.Host,
		Port:     ep.GetPort(),
		Database: ep.Name,
		Username: ep.User,
		Password: ep.Password,
		SSL:      ep.TLSMode,
		MinConns: 1,
		MaxConns: 4,
	}
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}

// TruncateSettings empties the settings table.
func (td *TestDatabase) TruncateSettings(t *testing.T) {
	t.Helper()
	_, err := td.Pool.Exec(context.Background(), "TRUNCATE TABLE settings RESTART IDENTITY")
	require.NoError(t, err)
}

// Cleanup truncates the settings table and closes the pool.
func (td *TestDatabase) Cleanup(t *testing.T) {
	if td.Pool != nil {
		td.TruncateSettings(t)
		td.Pool.Close()
	}
}
