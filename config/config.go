package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fwportal/settingdb/helpers"
)

// Config store drivers
const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

// StoreEndpointConfig holds the connection settings of the portal database
// that hosts the settings table. It is bootstrap configuration: it never
// changes at runtime and is not managed through the HTTP API.
type StoreEndpointConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"` // default 5432
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	MaxConnIdleTime string `toml:"max_conn_idle_time"`
	QueryTimeout    string `toml:"query_timeout"`
}

// GetMaxConnLifetime parses the max connection lifetime of the store pool
func (e *StoreEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max idle time of the store pool
func (e *StoreEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// GetQueryTimeout parses the timeout applied to each store statement
func (e *StoreEndpointConfig) GetQueryTimeout() (time.Duration, error) {
	if e.QueryTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(e.QueryTimeout)
}

// GetPort returns the configured port or the PostgreSQL default
func (e *StoreEndpointConfig) GetPort() int {
	if e.Port <= 0 {
		return 5432
	}
	return e.Port
}

// ConfigStoreConfig selects and configures the backend of the config store.
type ConfigStoreConfig struct {
	Driver           string              `toml:"driver"`            // "postgres" or "sqlite"
	Path             string              `toml:"path"`              // sqlite file path
	Migrate          bool                `toml:"migrate"`           // apply embedded migrations at startup (postgres)
	MigrationTimeout string              `toml:"migration_timeout"` // default 2m
	SecretKey        string              `toml:"secret_key"`        // 64 hex chars; seals stored passwords when set
	Database         StoreEndpointConfig `toml:"database"`
}

// GetMigrationTimeout parses the migration timeout duration
func (c *ConfigStoreConfig) GetMigrationTimeout() (time.Duration, error) {
	if c.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(c.MigrationTimeout)
}

// FailoverConfig controls the failover controller and the pool registry.
type FailoverConfig struct {
	PrimaryName          string `toml:"primary_name"`
	FallbackName         string `toml:"fallback_name"`
	HealthCheckInterval  string `toml:"health_check_interval"`
	ProbeTimeout         string `toml:"probe_timeout"`
	OpenTimeout          string `toml:"open_timeout"`
	DrainGrace           string `toml:"drain_grace"`
	ActivationTimeout    string `toml:"activation_timeout"`
	AcquireTimeout       string `toml:"acquire_timeout"`
	ShutdownGrace        string `toml:"shutdown_grace"`
	FailureThreshold     int    `toml:"failure_threshold"` // consecutive failed probes before failing over
	RestartAfterActivate bool   `toml:"restart_after_activate"`
	ExitOnRestart        bool   `toml:"exit_on_restart"`
	LogQueries           bool   `toml:"log_queries"`
	BreakerFailures      int    `toml:"breaker_failures"` // consecutive acquire failures that open a pool's breaker
	BreakerTimeout       string `toml:"breaker_timeout"`
	SlowAcquireThreshold string `toml:"slow_acquire_threshold"`
}

func durationOr(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	return helpers.ParseDuration(value)
}

// GetHealthCheckInterval parses the health tick interval
func (f *FailoverConfig) GetHealthCheckInterval() (time.Duration, error) {
	return durationOr(f.HealthCheckInterval, 30*time.Second)
}

// GetProbeTimeout parses the deadline of a single probe
func (f *FailoverConfig) GetProbeTimeout() (time.Duration, error) {
	return durationOr(f.ProbeTimeout, 5*time.Second)
}

// GetOpenTimeout parses the deadline for opening a pool
func (f *FailoverConfig) GetOpenTimeout() (time.Duration, error) {
	return durationOr(f.OpenTimeout, 10*time.Second)
}

// GetDrainGrace parses the grace period given to in-flight leases on a drained pool
func (f *FailoverConfig) GetDrainGrace() (time.Duration, error) {
	return durationOr(f.DrainGrace, 5*time.Second)
}

// GetActivationTimeout parses the overall activation deadline
func (f *FailoverConfig) GetActivationTimeout() (time.Duration, error) {
	return durationOr(f.ActivationTimeout, 30*time.Second)
}

// GetAcquireTimeout parses the bound on acquiring a connection from a pool
func (f *FailoverConfig) GetAcquireTimeout() (time.Duration, error) {
	return durationOr(f.AcquireTimeout, 5*time.Second)
}

// GetShutdownGrace parses how long shutdown waits for in-flight leases
func (f *FailoverConfig) GetShutdownGrace() (time.Duration, error) {
	return durationOr(f.ShutdownGrace, 30*time.Second)
}

// GetBreakerTimeout parses how long an open pool breaker stays open
func (f *FailoverConfig) GetBreakerTimeout() (time.Duration, error) {
	return durationOr(f.BreakerTimeout, 30*time.Second)
}

// GetSlowAcquireThreshold parses the acquisition time above which a warning is logged
func (f *FailoverConfig) GetSlowAcquireThreshold() (time.Duration, error) {
	return durationOr(f.SlowAcquireThreshold, 100*time.Millisecond)
}

// GetFailureThreshold returns the number of consecutive failed probes that trigger failover
func (f *FailoverConfig) GetFailureThreshold() int {
	if f.FailureThreshold <= 0 {
		return 1
	}
	return f.FailureThreshold
}

// GetBreakerFailures returns the consecutive acquire failures that open a breaker
func (f *FailoverConfig) GetBreakerFailures() int {
	if f.BreakerFailures <= 0 {
		return 5
	}
	return f.BreakerFailures
}

// SeedConfig is a connection configuration written to the store at startup
// when no record with the same name exists yet.
type SeedConfig struct {
	Name                string `toml:"name"`
	Host                string `toml:"host"`
	Port                int    `toml:"port"`
	Database            string `toml:"database"`
	Username            string `toml:"username"`
	Password            string `toml:"password"`
	SSL                 bool   `toml:"ssl"`
	SSLMode             string `toml:"ssl_mode"`
	Schema              string `toml:"schema"`
	ConnectionTimeoutMs int    `toml:"connection_timeout_ms"`
	MinConns            int    `toml:"min_conns"`
	MaxConns            int    `toml:"max_conns"`
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled         bool   `toml:"enabled"`
	Addr            string `toml:"addr"`
	Path            string `toml:"path"`
	CollectInterval string `toml:"collect_interval"`
}

// GetCollectInterval parses the pool statistics collection interval
func (m *MetricsConfig) GetCollectInterval() (time.Duration, error) {
	return durationOr(m.CollectInterval, 15*time.Second)
}

// HTTPAPIConfig holds HTTP API server configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// Config holds all configuration for the application.
type Config struct {
	Logging     LoggingConfig     `toml:"logging"`
	ConfigStore ConfigStoreConfig `toml:"config_store"`
	Failover    FailoverConfig    `toml:"failover"`
	Seeds       []SeedConfig      `toml:"seed"`
	HTTPAPI     HTTPAPIConfig     `toml:"http_api"`
	Metrics     MetricsConfig     `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		ConfigStore: ConfigStoreConfig{
			Driver:           StoreDriverPostgres,
			Path:             "settingdb.sqlite",
			Migrate:          true,
			MigrationTimeout: "2m",
			Database: StoreEndpointConfig{
				Host:            "localhost",
				Port:            5432,
				User:            "postgres",
				Name:            "portal",
				MaxConns:        5,
				MinConns:        1,
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
				QueryTimeout:    "10s",
			},
		},
		Failover: FailoverConfig{
			PrimaryName:          "settingdb",
			FallbackName:         "fallback",
			HealthCheckInterval:  "30s",
			ProbeTimeout:         "5s",
			OpenTimeout:          "10s",
			DrainGrace:           "5s",
			ActivationTimeout:    "30s",
			AcquireTimeout:       "5s",
			ShutdownGrace:        "30s",
			FailureThreshold:     1,
			BreakerFailures:      5,
			BreakerTimeout:       "30s",
			SlowAcquireThreshold: "100ms",
		},
		HTTPAPI: HTTPAPIConfig{
			Start: true,
			Addr:  ":8085",
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			Addr:            ":9090",
			Path:            "/metrics",
			CollectInterval: "15s",
		},
	}
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.ConfigStore.Driver {
	case StoreDriverPostgres:
		if c.ConfigStore.Database.Host == "" {
			return fmt.Errorf("config_store.database.host is required for the postgres driver")
		}
		if c.ConfigStore.Database.Name == "" {
			return fmt.Errorf("config_store.database.name is required for the postgres driver")
		}
	case StoreDriverSQLite:
		if c.ConfigStore.Path == "" {
			return fmt.Errorf("config_store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown config_store.driver %q (expected %q or %q)", c.ConfigStore.Driver, StoreDriverPostgres, StoreDriverSQLite)
	}

	if key := c.ConfigStore.SecretKey; key != "" && len(key) != 64 {
		return fmt.Errorf("config_store.secret_key must be 64 hex characters, got %d", len(key))
	}

	if c.Failover.PrimaryName == "" {
		return fmt.Errorf("failover.primary_name must not be empty")
	}
	if c.Failover.PrimaryName == c.Failover.FallbackName {
		return fmt.Errorf("failover.primary_name and failover.fallback_name must differ")
	}

	durations := map[string]func() (time.Duration, error){
		"failover.health_check_interval":  c.Failover.GetHealthCheckInterval,
		"failover.probe_timeout":          c.Failover.GetProbeTimeout,
		"failover.open_timeout":           c.Failover.GetOpenTimeout,
		"failover.drain_grace":            c.Failover.GetDrainGrace,
		"failover.activation_timeout":     c.Failover.GetActivationTimeout,
		"failover.acquire_timeout":        c.Failover.GetAcquireTimeout,
		"failover.shutdown_grace":         c.Failover.GetShutdownGrace,
		"failover.breaker_timeout":        c.Failover.GetBreakerTimeout,
		"failover.slow_acquire_threshold": c.Failover.GetSlowAcquireThreshold,
		"metrics.collect_interval":        c.Metrics.GetCollectInterval,
	}
	for key, get := range durations {
		d, err := get()
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	if c.HTTPAPI.Start {
		if c.HTTPAPI.APIKey == "" {
			return fmt.Errorf("http_api.api_key is required when the HTTP API is started")
		}
		if c.HTTPAPI.TLS && (c.HTTPAPI.TLSCertFile == "" || c.HTTPAPI.TLSKeyFile == "") {
			return fmt.Errorf("http_api.tls_cert_file and http_api.tls_key_file are required when TLS is enabled")
		}
	}
	return nil
}

// LoadConfigFromFile decodes a TOML file over cfg. Unknown keys are reported
// as warnings rather than errors.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please remove or comment out the duplicate entry.", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if field := v.Field(i); field.CanSet() {
				trimStringFields(field)
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
