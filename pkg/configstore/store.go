// Package configstore persists named database configurations and the active
// configuration marker in the portal's settings table.
//
// Configurations live in rows with category "data" keyed by name; the marker
// lives in category "system" under "active_config". Two backends share the
// same layout: PostgreSQL (the portal database) and SQLite (single-node
// installs and tests).
package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fwportal/settingdb/config"
	"github.com/fwportal/settingdb/consts"
	"github.com/fwportal/settingdb/db"
	"github.com/fwportal/settingdb/logger"
	"github.com/fwportal/settingdb/pkg/metrics"
	"github.com/fwportal/settingdb/pkg/retry"
)

// ActiveMarker records which configuration was last activated.
type ActiveMarker struct {
	Name         string    `json:"name"`
	ActivatedAt  time.Time `json:"activatedAt"`
	ActivatedBy  string    `json:"activatedBy,omitempty"`
	ActivationID string    `json:"activationId,omitempty"`
}

// Store is the configuration store used by the failover controller and the HTTP API.
type Store interface {
	Get(ctx context.Context, name string) (db.DatabaseConfig, error)
	Put(ctx context.Context, cfg db.DatabaseConfig) error
	List(ctx context.Context) ([]db.ConfigSummary, error)
	Delete(ctx context.Context, name string) error
	GetActiveMarker(ctx context.Context) (ActiveMarker, error)
	SetActiveMarker(ctx context.Context, marker ActiveMarker) error
	Close()
}

var errNoRow = errors.New("no settings row")

type settingsRow struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// rowBackend is the storage dialect underneath SettingsStore. Writes must be
// durable when upsertValue returns.
type rowBackend interface {
	getValue(ctx context.Context, category, key string) (settingsRow, error)
	upsertValue(ctx context.Context, category, key string, value []byte) error
	listValues(ctx context.Context, category string) ([]settingsRow, error)
	deleteValue(ctx context.Context, category, key string) (bool, error)
	name() string
	close()
}

// SettingsStore implements Store on top of a rowBackend.
type SettingsStore struct {
	backend rowBackend
	sealer  *sealer
	backoff retry.BackoffConfig

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func newSettingsStore(backend rowBackend, secretKey string) (*SettingsStore, error) {
	s, err := newSealer(secretKey)
	if err != nil {
		return nil, err
	}
	return &SettingsStore{
		backend: backend,
		sealer:  s,
		backoff: retry.StoreWriteBackoff(),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// New opens the store selected by cfg.Driver.
func New(ctx context.Context, cfg config.ConfigStoreConfig) (*SettingsStore, error) {
	switch cfg.Driver {
	case config.StoreDriverPostgres:
		return NewPostgresStore(ctx, cfg)
	case config.StoreDriverSQLite:
		return NewSQLiteStore(ctx, cfg.Path, cfg.SecretKey)
	default:
		return nil, fmt.Errorf("unknown config store driver %q", cfg.Driver)
	}
}

func (s *SettingsStore) lockName(name string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	s.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

func observe(op string, err error) {
	status := "success"
	if err != nil && !errors.Is(err, db.ErrConfigNotFound) {
		status = "error"
	}
	metrics.ConfigStoreOperationsTotal.WithLabelValues(op, status).Inc()
}

// Get returns the stored configuration for name.
func (s *SettingsStore) Get(ctx context.Context, name string) (cfg db.DatabaseConfig, err error) {
	defer func() { observe("get", err) }()

	row, err := s.backend.getValue(ctx, consts.SettingsCategoryData, name)
	if errors.Is(err, errNoRow) {
		return db.DatabaseConfig{}, fmt.Errorf("config %q: %w", name, db.ErrConfigNotFound)
	}
	if err != nil {
		return db.DatabaseConfig{}, &db.PersistenceError{Op: "get", Err: err}
	}
	return s.decode(name, row.Value)
}

func (s *SettingsStore) decode(name string, value []byte) (db.DatabaseConfig, error) {
	cfg, err := db.Decode(name, value)
	if err != nil {
		return db.DatabaseConfig{}, err
	}
	if isSealed(cfg.Password) {
		if s.sealer == nil {
			return db.DatabaseConfig{}, &db.ValidationError{Field: "password", Reason: "stored password is encrypted but no secret key is configured"}
		}
		plain, err := s.sealer.open(cfg.Password)
		if err != nil {
			return db.DatabaseConfig{}, &db.ValidationError{Field: "password", Reason: err.Error()}
		}
		cfg.Password = plain
	}
	return cfg, nil
}

// Put validates cfg and replaces the stored record with the same name.
// Replacing an existing record requires a password; credentials are never
// carried over from the previous record.
func (s *SettingsStore) Put(ctx context.Context, cfg db.DatabaseConfig) (err error) {
	defer func() { observe("put", err) }()

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	unlock := s.lockName(cfg.Name)
	defer unlock()

	if cfg.Password == "" {
		_, getErr := s.backend.getValue(ctx, consts.SettingsCategoryData, cfg.Name)
		switch {
		case getErr == nil:
			return &db.ValidationError{Field: "password", Reason: "must be supplied when replacing an existing configuration"}
		case !errors.Is(getErr, errNoRow):
			return &db.PersistenceError{Op: "put", Err: getErr}
		}
	}

	stored := cfg
	if s.sealer != nil && stored.Password != "" {
		sealed, err := s.sealer.seal(stored.Password)
		if err != nil {
			return &db.PersistenceError{Op: "put", Err: err}
		}
		stored.Password = sealed
	}

	value, err := json.Marshal(stored)
	if err != nil {
		return &db.PersistenceError{Op: "put", Err: err}
	}

	if err := s.write(ctx, consts.SettingsCategoryData, cfg.Name, value); err != nil {
		return &db.PersistenceError{Op: "put", Err: err}
	}

	logger.Info("Stored database configuration", "component", "CONFIGSTORE", "backend", s.backend.name(),
		"config", cfg.Name, "host", cfg.Host, "database", cfg.Database)
	return nil
}

func (s *SettingsStore) write(ctx context.Context, category, key string, value []byte) error {
	return retry.WithRetry(ctx, retry.OnlyIf(db.IsRetryableError, func() error {
		return s.backend.upsertValue(ctx, category, key, value)
	}), s.backoff)
}

// List returns summaries of all stored configurations ordered by name.
// Records that no longer decode are skipped and logged.
func (s *SettingsStore) List(ctx context.Context) (summaries []db.ConfigSummary, err error) {
	defer func() { observe("list", err) }()

	rows, err := s.backend.listValues(ctx, consts.SettingsCategoryData)
	if err != nil {
		return nil, &db.PersistenceError{Op: "list", Err: err}
	}

	summaries = make([]db.ConfigSummary, 0, len(rows))
	for _, row := range rows {
		// Summaries never need the password, so sealed values are not opened.
		cfg, err := db.Decode(row.Key, row.Value)
		if err != nil {
			logger.Warn("Skipping invalid stored configuration", "component", "CONFIGSTORE", "config", row.Key, "error", err)
			continue
		}
		summary := cfg.Summary()
		summary.UpdatedAt = row.UpdatedAt
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Delete removes a stored configuration.
func (s *SettingsStore) Delete(ctx context.Context, name string) (err error) {
	defer func() { observe("delete", err) }()

	unlock := s.lockName(name)
	defer unlock()

	found, err := s.backend.deleteValue(ctx, consts.SettingsCategoryData, name)
	if err != nil {
		return &db.PersistenceError{Op: "delete", Err: err}
	}
	if !found {
		return fmt.Errorf("config %q: %w", name, db.ErrConfigNotFound)
	}
	logger.Info("Deleted database configuration", "component", "CONFIGSTORE", "config", name)
	return nil
}

// GetActiveMarker returns the last activation record, or ErrConfigNotFound if
// nothing was ever activated.
func (s *SettingsStore) GetActiveMarker(ctx context.Context) (marker ActiveMarker, err error) {
	defer func() { observe("get_active", err) }()

	row, err := s.backend.getValue(ctx, consts.SettingsCategorySystem, consts.ActiveConfigKey)
	if errors.Is(err, errNoRow) {
		return ActiveMarker{}, fmt.Errorf("active marker: %w", db.ErrConfigNotFound)
	}
	if err != nil {
		return ActiveMarker{}, &db.PersistenceError{Op: "get_active", Err: err}
	}
	if err := json.Unmarshal(row.Value, &marker); err != nil {
		return ActiveMarker{}, &db.ValidationError{Field: consts.ActiveConfigKey, Reason: err.Error()}
	}
	if marker.Name == "" {
		return ActiveMarker{}, &db.ValidationError{Field: consts.ActiveConfigKey, Reason: "name is empty"}
	}
	return marker, nil
}

// SetActiveMarker records an activation.
func (s *SettingsStore) SetActiveMarker(ctx context.Context, marker ActiveMarker) (err error) {
	defer func() { observe("set_active", err) }()

	if marker.Name == "" {
		return &db.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	value, err := json.Marshal(marker)
	if err != nil {
		return &db.PersistenceError{Op: "set_active", Err: err}
	}

	unlock := s.lockName("\x00" + consts.ActiveConfigKey)
	defer unlock()

	if err := s.write(ctx, consts.SettingsCategorySystem, consts.ActiveConfigKey, value); err != nil {
		return &db.PersistenceError{Op: "set_active", Err: err}
	}
	return nil
}

// Seed stores cfg unless a record with the same name already exists.
// It reports whether a record was written.
func Seed(ctx context.Context, store Store, cfg db.DatabaseConfig) (bool, error) {
	_, err := store.Get(ctx, cfg.Name)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, db.ErrConfigNotFound) {
		return false, err
	}
	if err := store.Put(ctx, cfg); err != nil {
		return false, err
	}
	return true, nil
}

// FromSeed converts a [[seed]] entry of the server configuration.
func FromSeed(s config.SeedConfig) db.DatabaseConfig {
	return db.DatabaseConfig{
		Name:                s.Name,
		Host:                s.Host,
		Port:                s.Port,
		Database:            s.Database,
		Username:            s.Username,
		Password:            s.Password,
		SSL:                 s.SSL,
		SSLMode:             s.SSLMode,
		Schema:              s.Schema,
		ConnectionTimeoutMs: s.ConnectionTimeoutMs,
		MinConns:            s.MinConns,
		MaxConns:            s.MaxConns,
	}
}

// Close releases the backend.
func (s *SettingsStore) Close() {
	s.backend.close()
}
