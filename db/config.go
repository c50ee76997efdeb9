package db

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"lukechampine.com/blake3"
)

const (
	DefaultPort                = 5432
	DefaultSchema              = "public"
	DefaultConnectionTimeoutMs = 10000
	DefaultMinConns            = 2
	DefaultMaxConns            = 10

	maxConnectionTimeoutMs = 300000
	maxPoolConns           = 100
)

var (
	namePattern       = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,99}$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]{0,62}$`)
)

var sslModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// DatabaseConfig describes one named PostgreSQL connection target. The JSON
// layout matches the value column of the settings table.
type DatabaseConfig struct {
	Name                string `json:"name"`
	Host                string `json:"host"`
	Port                int    `json:"port"`
	Database            string `json:"database"`
	Username            string `json:"username"`
	Password            string `json:"password"`
	SSL                 bool   `json:"ssl"`
	SSLMode             string `json:"sslMode,omitempty"`
	Schema              string `json:"schema,omitempty"`
	ConnectionTimeoutMs int    `json:"connectionTimeout,omitempty"`
	MinConns            int    `json:"minConns,omitempty"`
	MaxConns            int    `json:"maxConns,omitempty"`
}

// ConfigSummary is the non-secret view of a DatabaseConfig.
type ConfigSummary struct {
	Name                string    `json:"name"`
	Host                string    `json:"host"`
	Port                int       `json:"port"`
	Database            string    `json:"database"`
	Username            string    `json:"username"`
	SSL                 bool      `json:"ssl"`
	SSLMode             string    `json:"ssl_mode"`
	Schema              string    `json:"schema"`
	ConnectionTimeoutMs int       `json:"connection_timeout_ms"`
	HasPassword         bool      `json:"has_password"`
	UpdatedAt           time.Time `json:"updated_at,omitempty"`
}

// WithDefaults returns a copy with unset optional fields filled in.
func (c DatabaseConfig) WithDefaults() DatabaseConfig {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Schema == "" {
		c.Schema = DefaultSchema
	}
	if c.ConnectionTimeoutMs == 0 {
		c.ConnectionTimeoutMs = DefaultConnectionTimeoutMs
	}
	if c.MinConns == 0 {
		c.MinConns = DefaultMinConns
	}
	if c.MaxConns == 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	return c
}

// Validate checks every field and returns the first *ValidationError found.
func (c DatabaseConfig) Validate() error {
	switch {
	case c.Name == "":
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	case !namePattern.MatchString(c.Name):
		return &ValidationError{Field: "name", Reason: "may only contain letters, digits, '.', '_' and '-' (max 100)"}
	case c.Host == "":
		return &ValidationError{Field: "host", Reason: "must not be empty"}
	case len(c.Host) > 255:
		return &ValidationError{Field: "host", Reason: "longer than 255 characters"}
	case c.Port < 1 || c.Port > 65535:
		return &ValidationError{Field: "port", Reason: fmt.Sprintf("%d is outside 1-65535", c.Port)}
	case c.Database == "":
		return &ValidationError{Field: "database", Reason: "must not be empty"}
	case c.Username == "":
		return &ValidationError{Field: "username", Reason: "must not be empty"}
	case c.SSLMode != "" && !sslModes[c.SSLMode]:
		return &ValidationError{Field: "sslMode", Reason: fmt.Sprintf("unsupported mode %q", c.SSLMode)}
	case c.Schema != "" && !identifierPattern.MatchString(c.Schema):
		return &ValidationError{Field: "schema", Reason: "not a valid identifier"}
	case c.ConnectionTimeoutMs < 0 || c.ConnectionTimeoutMs > maxConnectionTimeoutMs:
		return &ValidationError{Field: "connectionTimeout", Reason: fmt.Sprintf("must be between 0 and %d ms", maxConnectionTimeoutMs)}
	case c.MinConns < 0 || c.MinConns > maxPoolConns:
		return &ValidationError{Field: "minConns", Reason: fmt.Sprintf("must be between 0 and %d", maxPoolConns)}
	case c.MaxConns < 0 || c.MaxConns > maxPoolConns:
		return &ValidationError{Field: "maxConns", Reason: fmt.Sprintf("must be between 0 and %d", maxPoolConns)}
	}
	return nil
}

// EffectiveSSLMode resolves the libpq sslmode for this configuration.
func (c DatabaseConfig) EffectiveSSLMode() string {
	if c.SSLMode != "" {
		return c.SSLMode
	}
	if c.SSL {
		return "require"
	}
	return "disable"
}

// ConnectTimeout is the dial timeout as a duration.
func (c DatabaseConfig) ConnectTimeout() time.Duration {
	ms := c.ConnectionTimeoutMs
	if ms <= 0 {
		ms = DefaultConnectionTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// ConnString builds a postgres URL for pgx. The result contains the password
// and must never be logged; use RedactedConnString for that.
func (c DatabaseConfig) ConnString() string {
	c = c.WithDefaults()
	return c.connURL(url.UserPassword(c.Username, c.Password)).String()
}

// RedactedConnString is ConnString without the password.
func (c DatabaseConfig) RedactedConnString() string {
	c = c.WithDefaults()
	return c.connURL(url.User(c.Username)).String()
}

func (c DatabaseConfig) connURL(user *url.Userinfo) *url.URL {
	query := url.Values{}
	query.Set("sslmode", c.EffectiveSSLMode())
	// libpq connect_timeout has second resolution; never round down to zero.
	query.Set("connect_timeout", strconv.Itoa(int((c.ConnectTimeout()+time.Second-1)/time.Second)))
	query.Set("application_name", "settingdb")
	if c.Schema != "" && c.Schema != DefaultSchema {
		query.Set("search_path", c.Schema)
	}
	return &url.URL{
		Scheme:   "postgres",
		User:     user,
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: query.Encode(),
	}
}

// Fingerprint identifies the full connection identity, password included.
// Two configs with equal fingerprints can share a pool.
func (c DatabaseConfig) Fingerprint() string {
	c = c.WithDefaults()
	canonical, _ := json.Marshal(c)
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:16])
}

// Summary returns the non-secret projection used by listings and logs.
func (c DatabaseConfig) Summary() ConfigSummary {
	d := c.WithDefaults()
	return ConfigSummary{
		Name:                d.Name,
		Host:                d.Host,
		Port:                d.Port,
		Database:            d.Database,
		Username:            d.Username,
		SSL:                 d.SSL,
		SSLMode:             d.EffectiveSSLMode(),
		Schema:              d.Schema,
		ConnectionTimeoutMs: d.ConnectionTimeoutMs,
		HasPassword:         d.Password != "",
	}
}

// Decode parses a stored settings value and validates it. The name column is
// authoritative when the stored JSON omits or disagrees with it.
func Decode(name string, value []byte) (DatabaseConfig, error) {
	var cfg DatabaseConfig
	if err := json.Unmarshal(value, &cfg); err != nil {
		return DatabaseConfig{}, &ValidationError{Field: "value", Reason: fmt.Sprintf("stored configuration is not valid JSON: %v", err)}
	}
	cfg.Name = name
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return DatabaseConfig{}, err
	}
	return cfg, nil
}
