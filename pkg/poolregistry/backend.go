package poolregistry

import (
	"context"
	"sync"
	"time"

	"github.com/fwportal/settingdb/db"
	"github.com/fwportal/settingdb/logger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Conn is a borrowed database connection.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PooledConn is a Conn that goes back to its pool on Release.
type PooledConn interface {
	Conn
	Release()
}

// BackendStats mirrors the pool counters exported as metrics. The acquire
// counters are cumulative since the pool was opened.
type BackendStats struct {
	TotalConns    int32
	IdleConns     int32
	AcquiredConns int32

	AcquireCount         int64
	EmptyAcquireCount    int64
	CanceledAcquireCount int64
	AcquireDuration      time.Duration
}

// Backend is one live connection pool.
type Backend interface {
	Acquire(ctx context.Context) (PooledConn, error)
	Stats() BackendStats
	Close()
}

// ForceCloser is implemented by backends that can close while connections
// are still leased. Drains use it once their grace period has run out.
type ForceCloser interface {
	ForceClose()
}

// Opener creates backends. Open must return a backend that answered a ping.
type Opener interface {
	Open(ctx context.Context, cfg db.DatabaseConfig) (Backend, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, cfg db.DatabaseConfig) (Backend, error)

func (f OpenerFunc) Open(ctx context.Context, cfg db.DatabaseConfig) (Backend, error) {
	return f(ctx, cfg)
}

// PgxOpener opens pgxpool backends.
type PgxOpener struct {
	Options db.PoolOptions
}

func (o PgxOpener) Open(ctx context.Context, cfg db.DatabaseConfig) (Backend, error) {
	pool, err := db.NewPool(ctx, cfg, o.Options)
	if err != nil {
		return nil, err
	}
	return newPgxBackend(cfg.Name, pool), nil
}

// forceCloseWait bounds how long ForceClose waits for pgxpool to collect
// connections whose queries were cancelled.
const forceCloseWait = 5 * time.Second

// queryCanceler is a leased connection whose running query can be cancelled
// from another goroutine.
type queryCanceler interface {
	cancelQuery(ctx context.Context) error
}

type pgxBackend struct {
	name      string
	pool      *pgxpool.Pool
	closePool func()
	closeWait time.Duration

	mu     sync.Mutex
	leased map[queryCanceler]struct{}
}

func newPgxBackend(name string, pool *pgxpool.Pool) *pgxBackend {
	return &pgxBackend{
		name:      name,
		pool:      pool,
		closePool: pool.Close,
		closeWait: forceCloseWait,
		leased:    make(map[queryCanceler]struct{}),
	}
}

func (b *pgxBackend) Acquire(ctx context.Context) (PooledConn, error) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	c := &pgxConn{Conn: conn, backend: b}
	b.track(c)
	return c, nil
}

func (b *pgxBackend) track(c queryCanceler) {
	b.mu.Lock()
	b.leased[c] = struct{}{}
	b.mu.Unlock()
}

func (b *pgxBackend) untrack(c queryCanceler) {
	b.mu.Lock()
	delete(b.leased, c)
	b.mu.Unlock()
}

func (b *pgxBackend) Stats() BackendStats {
	s := b.pool.Stat()
	return BackendStats{
		TotalConns:           s.TotalConns(),
		IdleConns:            s.IdleConns(),
		AcquiredConns:        s.AcquiredConns(),
		AcquireCount:         s.AcquireCount(),
		EmptyAcquireCount:    s.EmptyAcquireCount(),
		CanceledAcquireCount: s.CanceledAcquireCount(),
		AcquireDuration:      s.AcquireDuration(),
	}
}

// Close waits for every leased connection to come back.
func (b *pgxBackend) Close() {
	b.closePool()
}

// ForceClose cancels the queries running on leased connections so their
// holders release them, then closes the pool. It returns after closeWait even
// if a holder never releases; the pool finishes closing in the background.
func (b *pgxBackend) ForceClose() {
	b.mu.Lock()
	leased := make([]queryCanceler, 0, len(b.leased))
	for c := range b.leased {
		leased = append(leased, c)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.closeWait)
	defer cancel()
	for _, c := range leased {
		if err := c.cancelQuery(ctx); err != nil {
			logger.Debug("Cancel request failed", "component", "POOL", "config", b.name, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		b.closePool()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("Pool still has leased connections, abandoning close", "component", "POOL",
			"config", b.name, "leased", len(leased))
	}
}

// pgxConn is a leased pgxpool connection that the backend can interrupt.
type pgxConn struct {
	*pgxpool.Conn
	backend *pgxBackend
	once    sync.Once
}

func (c *pgxConn) cancelQuery(ctx context.Context) error {
	return c.Conn.Conn().PgConn().CancelRequest(ctx)
}

func (c *pgxConn) Release() {
	c.once.Do(func() {
		c.backend.untrack(c)
		c.Conn.Release()
	})
}
