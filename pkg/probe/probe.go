// Package probe tests whether a database configuration is reachable using one
// short-lived connection that is always closed again.
package probe

import (
	"context"
	"time"

	"github.com/fwportal/settingdb/db"
	"github.com/fwportal/settingdb/helpers"
	"github.com/fwportal/settingdb/logger"
	"github.com/fwportal/settingdb/pkg/metrics"
	"github.com/jackc/pgx/v5"
)

// closeTimeout bounds the graceful close of a probe connection.
const closeTimeout = 2 * time.Second

// Conn is the part of a database connection a probe needs.
type Conn interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Dialer opens a single connection for cfg.
type Dialer interface {
	Dial(ctx context.Context, cfg db.DatabaseConfig) (Conn, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, cfg db.DatabaseConfig) (Conn, error)

func (f DialFunc) Dial(ctx context.Context, cfg db.DatabaseConfig) (Conn, error) {
	return f(ctx, cfg)
}

// PgxDialer dials with pgx.Connect.
type PgxDialer struct{}

func (PgxDialer) Dial(ctx context.Context, cfg db.DatabaseConfig) (Conn, error) {
	conn, err := pgx.Connect(ctx, cfg.ConnString())
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Result is the outcome of one probe. Message holds the redacted driver error
// and is meant for logs; callers branch on ErrorKind.
type Result struct {
	Reachable bool         `json:"reachable"`
	LatencyMs int64        `json:"latency_ms"`
	ErrorKind db.ErrorKind `json:"error_kind,omitempty"`
	Message   string       `json:"-"`
}

// Err returns a *db.ProbeError for an unreachable result and nil otherwise.
func (r Result) Err() error {
	if r.Reachable {
		return nil
	}
	return &db.ProbeError{Kind: r.ErrorKind, Message: r.Message}
}

// Prober runs probes. The zero value is not usable; call New.
type Prober struct {
	dialer Dialer
}

// New returns a Prober using dialer, or pgx when dialer is nil.
func New(dialer Dialer) *Prober {
	if dialer == nil {
		dialer = PgxDialer{}
	}
	return &Prober{dialer: dialer}
}

type outcome struct {
	err error
}

// Test dials cfg, pings it and closes the connection. It returns no later than
// timeout (cfg's connection timeout when timeout is zero) even if the dialer
// ignores cancellation; a connection that arrives after the deadline is closed
// by the background attempt.
func (p *Prober) Test(ctx context.Context, cfg db.DatabaseConfig, timeout time.Duration) Result {
	cfg = cfg.WithDefaults()
	if timeout <= 0 {
		timeout = cfg.ConnectTimeout()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		done <- outcome{err: p.attempt(ctx, cfg)}
	}()

	var err error
	select {
	case o := <-done:
		err = o.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	elapsed := time.Since(start)

	result := Result{Reachable: err == nil, LatencyMs: elapsed.Milliseconds()}
	label := "ok"
	if err != nil {
		result.ErrorKind = db.ClassifyError(err)
		result.Message = helpers.MaskSensitive(err.Error(), cfg.Password)
		label = string(result.ErrorKind)
		logger.Info("Probe failed", "component", "PROBE", "config", cfg.Name, "host", cfg.Host,
			"kind", result.ErrorKind, "latency_ms", result.LatencyMs, "error", result.Message)
	} else {
		logger.Debug("Probe succeeded", "component", "PROBE", "config", cfg.Name, "latency_ms", result.LatencyMs)
	}

	metrics.ProbesTotal.WithLabelValues(cfg.Name, label).Inc()
	metrics.ProbeDuration.WithLabelValues(cfg.Name).Observe(elapsed.Seconds())
	return result
}

// attempt owns the connection for its whole life and always closes it, also
// when Test has already returned.
func (p *Prober) attempt(ctx context.Context, cfg db.DatabaseConfig) error {
	conn, err := p.dialer.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := conn.Close(closeCtx); cerr != nil {
			logger.Debug("Probe connection close failed", "component", "PROBE", "config", cfg.Name,
				"error", helpers.MaskSensitive(cerr.Error(), cfg.Password))
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return conn.Ping(ctx)
}
