package configstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fwportal/settingdb/logger"
	_ "modernc.org/sqlite"
)

type sqliteBackend struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) a settings table in the SQLite file at path.
func NewSQLiteStore(ctx context.Context, path, secretKey string) (*SettingsStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	// One writer at a time; readers go through the same connection.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Failed to enable WAL on sqlite store", "component", "CONFIGSTORE", "path", path, "error", err)
	}
	if _, err := sqlDB.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`); err != nil {
		logger.Warn("Failed to set busy_timeout on sqlite store", "component", "CONFIGSTORE", "path", path, "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL,
		key_name TEXT NOT NULL,
		value TEXT NOT NULL,
		user_id INTEGER,
		mandant_id INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (category, key_name)
	);
	CREATE INDEX IF NOT EXISTS idx_settings_category ON settings(category);
	`
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create sqlite store schema: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("sqlite store ping failed: %w", err)
	}

	store, err := newSettingsStore(&sqliteBackend{db: sqlDB, path: path}, secretKey)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	logger.Info("Opened sqlite config store", "component", "CONFIGSTORE", "path", path)
	return store, nil
}

func (b *sqliteBackend) name() string { return "sqlite" }

func (b *sqliteBackend) getValue(ctx context.Context, category, key string) (settingsRow, error) {
	row := settingsRow{Key: key}
	var value string
	var updated int64
	err := b.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM settings WHERE category = ? AND key_name = ?`,
		category, key).Scan(&value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return settingsRow{}, errNoRow
	}
	if err != nil {
		return settingsRow{}, err
	}
	row.Value = []byte(value)
	row.UpdatedAt = time.Unix(0, updated).UTC()
	return row, nil
}

// Timestamps are unix nanoseconds and never move backwards for a row.
func (b *sqliteBackend) upsertValue(ctx context.Context, category, key string, value []byte) error {
	now := time.Now().UnixNano()
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO settings (category, key_name, value, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (category, key_name) DO UPDATE
		 SET value = excluded.value,
		     updated_at = max(excluded.updated_at, settings.updated_at + 1)`,
		category, key, string(value), now, now)
	return err
}

func (b *sqliteBackend) listValues(ctx context.Context, category string) ([]settingsRow, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key_name, value, updated_at FROM settings WHERE category = ? ORDER BY key_name`,
		category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []settingsRow
	for rows.Next() {
		var (
			key     string
			value   string
			updated int64
		)
		if err := rows.Scan(&key, &value, &updated); err != nil {
			return nil, err
		}
		result = append(result, settingsRow{Key: key, Value: []byte(value), UpdatedAt: time.Unix(0, updated).UTC()})
	}
	return result, rows.Err()
}

func (b *sqliteBackend) deleteValue(ctx context.Context, category, key string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM settings WHERE category = ? AND key_name = ?`, category, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *sqliteBackend) close() {
	if err := b.db.Close(); err != nil {
		logger.Warn("Failed to close sqlite store", "component", "CONFIGSTORE", "path", b.path, "error", err)
	}
}
