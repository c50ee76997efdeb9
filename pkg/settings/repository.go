// Package settings reads and writes portal settings rows on whichever
// database the failover controller currently routes to.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fwportal/settingdb/consts"
	"github.com/fwportal/settingdb/db"
	"github.com/fwportal/settingdb/logger"
	"github.com/fwportal/settingdb/pkg/poolregistry"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when no row matches.
var ErrNotFound = errors.New("setting not found")

// ConnProvider runs fn with a connection from the active database.
type ConnProvider interface {
	WithConn(ctx context.Context, fn func(poolregistry.Conn) error) error
}

// Setting is one row of the settings table.
type Setting struct {
	ID        int64           `json:"id"`
	Category  string          `json:"category"`
	KeyName   string          `json:"key_name"`
	Value     json.RawMessage `json:"value"`
	UserID    *int32          `json:"user_id,omitempty"`
	MandantID *int32          `json:"mandant_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Category  string
	UserID    *int32
	MandantID *int32
}

// Repository is the settings data access layer.
type Repository struct {
	conns        ConnProvider
	queryTimeout time.Duration
}

func New(conns ConnProvider, queryTimeout time.Duration) *Repository {
	if queryTimeout <= 0 {
		queryTimeout = 10 * time.Second
	}
	return &Repository{conns: conns, queryTimeout: queryTimeout}
}

const selectColumns = `id, category, key_name, value, user_id, mandant_id, created_at, updated_at`

// reserved categories hold connection configurations and the active marker.
func reserved(category string) bool {
	return category == consts.SettingsCategoryData || category == consts.SettingsCategorySystem
}

func checkCategory(category string) error {
	if strings.TrimSpace(category) == "" {
		return &db.ValidationError{Field: "category", Reason: "must not be empty"}
	}
	if reserved(category) {
		return &db.ValidationError{Field: "category", Reason: fmt.Sprintf("%q is managed by the config store", category)}
	}
	return nil
}

func scanSetting(row pgx.Row) (Setting, error) {
	var s Setting
	var value []byte
	if err := row.Scan(&s.ID, &s.Category, &s.KeyName, &value, &s.UserID, &s.MandantID, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return Setting{}, err
	}
	s.Value = json.RawMessage(value)
	return s, nil
}

// List returns matching settings, newest first. Rows of the config store's
// own categories are never returned.
func (r *Repository) List(ctx context.Context, f Filter) ([]Setting, error) {
	if f.Category != "" {
		if err := checkCategory(f.Category); err != nil {
			return nil, err
		}
	}

	query := `SELECT ` + selectColumns + ` FROM settings WHERE category NOT IN ($1, $2)`
	args := []any{consts.SettingsCategoryData, consts.SettingsCategorySystem}
	if f.Category != "" {
		args = append(args, f.Category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if f.UserID != nil {
		args = append(args, *f.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if f.MandantID != nil {
		args = append(args, *f.MandantID)
		query += fmt.Sprintf(" AND mandant_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	var out []Setting
	err := r.conns.WithConn(ctx, func(conn poolregistry.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			s, err := scanSetting(rows)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		logger.Warn("Failed to list settings", "component", "SETTINGS", "category", f.Category, "error", err)
		return nil, fmt.Errorf("list settings: %w", err)
	}
	return out, nil
}

// Get returns the newest row for category and key.
func (r *Repository) Get(ctx context.Context, category, key string) (Setting, error) {
	if err := checkCategory(category); err != nil {
		return Setting{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	var s Setting
	err := r.conns.WithConn(ctx, func(conn poolregistry.Conn) error {
		var err error
		s, err = scanSetting(conn.QueryRow(ctx,
			`SELECT `+selectColumns+` FROM settings WHERE category = $1 AND key_name = $2
			 ORDER BY updated_at DESC LIMIT 1`, category, key))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return Setting{}, fmt.Errorf("%s/%s: %w", category, key, ErrNotFound)
	}
	if err != nil {
		return Setting{}, fmt.Errorf("get setting %s/%s: %w", category, key, err)
	}
	return s, nil
}

// Put inserts or replaces the row for (category, key_name) and returns it.
func (r *Repository) Put(ctx context.Context, s Setting) (Setting, error) {
	if err := checkCategory(s.Category); err != nil {
		return Setting{}, err
	}
	if strings.TrimSpace(s.KeyName) == "" {
		return Setting{}, &db.ValidationError{Field: "key_name", Reason: "must not be empty"}
	}
	if !json.Valid(s.Value) {
		return Setting{}, &db.ValidationError{Field: "value", Reason: "must be valid JSON"}
	}

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	var saved Setting
	err := r.conns.WithConn(ctx, func(conn poolregistry.Conn) error {
		var err error
		saved, err = scanSetting(conn.QueryRow(ctx, `
			INSERT INTO settings (category, key_name, value, user_id, mandant_id, created_at, updated_at)
			VALUES ($1, $2, $3::jsonb, $4, $5, now(), now())
			ON CONFLICT (category, key_name) DO UPDATE
			SET value = EXCLUDED.value,
			    user_id = EXCLUDED.user_id,
			    mandant_id = EXCLUDED.mandant_id,
			    updated_at = now()
			RETURNING `+selectColumns,
			s.Category, s.KeyName, string(s.Value), s.UserID, s.MandantID))
		return err
	})
	if err != nil {
		return Setting{}, fmt.Errorf("put setting %s/%s: %w", s.Category, s.KeyName, err)
	}
	logger.Debug("Setting saved", "component", "SETTINGS", "category", saved.Category, "key", saved.KeyName, "id", saved.ID)
	return saved, nil
}

// Delete removes a row by id. Rows of reserved categories are left alone.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	var affected int64
	err := r.conns.WithConn(ctx, func(conn poolregistry.Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM settings WHERE id = $1 AND category NOT IN ($2, $3)`,
			id, consts.SettingsCategoryData, consts.SettingsCategorySystem)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete setting %d: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("setting %d: %w", id, ErrNotFound)
	}
	return nil
}
