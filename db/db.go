package db

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/fwportal/settingdb/config"
	"github.com/fwportal/settingdb/logger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions are the pool settings that do not belong to a stored configuration.
type PoolOptions struct {
	LogQueries      bool
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// NewPool opens a connection pool for cfg and verifies it with a ping before
// returning. The pool is closed again if the ping fails.
func NewPool(ctx context.Context, cfg DatabaseConfig, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg = cfg.WithDefaults()

	logger.Info("Connecting to database", "component", "DB", "config", cfg.Name, "dsn", cfg.RedactedConnString())

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string for %q: %w", cfg.Name, err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	if opts.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	if opts.LogQueries {
		poolConfig.ConnConfig.Tracer = &queryTracer{configName: cfg.Name}
	}

	return openAndPing(ctx, poolConfig)
}

// NewStorePool opens the pool of the portal database hosting the settings table.
func NewStorePool(ctx context.Context, endpoint config.StoreEndpointConfig, logQueries bool) (*pgxpool.Pool, error) {
	connString := StoreConnString(endpoint)

	logger.Info("Connecting to config store", "component", "DB", "dsn", redactStoreConnString(endpoint))

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse config store connection string: %w", err)
	}
	if endpoint.MaxConns > 0 {
		poolConfig.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		poolConfig.MinConns = int32(endpoint.MinConns)
	}
	if lifetime, err := endpoint.GetMaxConnLifetime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	} else {
		poolConfig.MaxConnLifetime = lifetime
	}
	if idle, err := endpoint.GetMaxConnIdleTime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	} else {
		poolConfig.MaxConnIdleTime = idle
	}
	if logQueries {
		poolConfig.ConnConfig.Tracer = &queryTracer{configName: "config-store"}
	}

	return openAndPing(ctx, poolConfig)
}

// StoreConnString builds the postgres URL of the config store.
func StoreConnString(endpoint config.StoreEndpointConfig) string {
	return storeURL(endpoint, url.UserPassword(endpoint.User, endpoint.Password)).String()
}

func redactStoreConnString(endpoint config.StoreEndpointConfig) string {
	return storeURL(endpoint, url.User(endpoint.User)).String()
}

func storeURL(endpoint config.StoreEndpointConfig, user *url.Userinfo) *url.URL {
	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}
	return &url.URL{
		Scheme:   "postgres",
		User:     user,
		Host:     net.JoinHostPort(endpoint.Host, strconv.Itoa(endpoint.GetPort())),
		Path:     "/" + endpoint.Name,
		RawQuery: url.Values{"sslmode": {sslMode}, "application_name": {"settingdb"}}.Encode(),
	}
}

func openAndPing(ctx context.Context, poolConfig *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}
	return pool, nil
}

type queryStartKey struct{}

// queryTracer logs every statement at debug level.
type queryTracer struct {
	configName string
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debug("Query start", "component", "DB", "config", t.configName, "sql", data.SQL)
	return context.WithValue(ctx, queryStartKey{}, time.Now())
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	var elapsed time.Duration
	if start, ok := ctx.Value(queryStartKey{}).(time.Time); ok {
		elapsed = time.Since(start)
	}
	if data.Err != nil {
		logger.Debug("Query failed", "component", "DB", "config", t.configName, "duration", elapsed, "error", data.Err)
		return
	}
	logger.Debug("Query done", "component", "DB", "config", t.configName, "duration", elapsed, "tag", data.CommandTag.String())
}
