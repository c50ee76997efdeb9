package configstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fwportal/settingdb/config"
	"github.com/fwportal/settingdb/db"
	"github.com/fwportal/settingdb/logger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresBackend struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
	ownsPool     bool
}

// NewPostgresStore connects to the portal database and, when configured,
// applies the settings table migrations first.
func NewPostgresStore(ctx context.Context, cfg config.ConfigStoreConfig) (*SettingsStore, error) {
	queryTimeout, err := cfg.Database.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid config_store.database.query_timeout: %w", err)
	}

	if cfg.Migrate {
		migrationTimeout, err := cfg.GetMigrationTimeout()
		if err != nil {
			return nil, fmt.Errorf("invalid config_store.migration_timeout: %w", err)
		}
		if err := db.MigrateUp(ctx, db.StoreConnString(cfg.Database), migrationTimeout); err != nil {
			return nil, err
		}
	}

	pool, err := db.NewStorePool(ctx, cfg.Database, false)
	if err != nil {
		return nil, err
	}

	store, err := newSettingsStore(&postgresBackend{pool: pool, queryTimeout: queryTimeout, ownsPool: true}, cfg.SecretKey)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithPool wraps an existing pool. The pool stays owned by
// the caller and is not closed by Close.
func NewPostgresStoreWithPool(pool *pgxpool.Pool, queryTimeout time.Duration, secretKey string) (*SettingsStore, error) {
	return newSettingsStore(&postgresBackend{pool: pool, queryTimeout: queryTimeout}, secretKey)
}

func (b *postgresBackend) name() string { return "postgres" }

func (b *postgresBackend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.queryTimeout)
}

func (b *postgresBackend) getValue(ctx context.Context, category, key string) (settingsRow, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	row := settingsRow{Key: key}
	err := b.pool.QueryRow(ctx,
		`SELECT value::text, updated_at FROM settings
		 WHERE category = $1 AND key_name = $2
		 ORDER BY updated_at DESC LIMIT 1`,
		category, key).Scan(&row.Value, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return settingsRow{}, errNoRow
	}
	if err != nil {
		return settingsRow{}, err
	}
	return row, nil
}

// upsertValue keeps updated_at strictly increasing per row so that readers
// ordering by it always see the latest write.
func (b *postgresBackend) upsertValue(ctx context.Context, category, key string, value []byte) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err := b.pool.Exec(ctx,
		`INSERT INTO settings (category, key_name, value, created_at, updated_at)
		 VALUES ($1, $2, $3::jsonb, now(), now())
		 ON CONFLICT (category, key_name) DO UPDATE
		 SET value = EXCLUDED.value,
		     updated_at = GREATEST(now(), settings.updated_at + interval '1 microsecond')`,
		category, key, string(value))
	return err
}

func (b *postgresBackend) listValues(ctx context.Context, category string) ([]settingsRow, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	rows, err := b.pool.Query(ctx,
		`SELECT key_name, value::text, updated_at FROM settings
		 WHERE category = $1
		 ORDER BY key_name`,
		category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []settingsRow
	for rows.Next() {
		var row settingsRow
		if err := rows.Scan(&row.Key, &row.Value, &row.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (b *postgresBackend) deleteValue(ctx context.Context, category, key string) (bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	tag, err := b.pool.Exec(ctx, `DELETE FROM settings WHERE category = $1 AND key_name = $2`, category, key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (b *postgresBackend) close() {
	if b.ownsPool {
		logger.Info("Closing config store pool", "component", "CONFIGSTORE")
		b.pool.Close()
	}
}
