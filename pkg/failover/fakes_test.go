package failover

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fwportal/settingdb/db"
	"github.com/fwportal/settingdb/pkg/configstore"
	"github.com/fwportal/settingdb/pkg/poolregistry"
	"github.com/fwportal/settingdb/pkg/probe"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// network simulates database hosts that can be taken down and brought back.
type network struct {
	mu       sync.Mutex
	down     map[string]db.ErrorKind
	backends []*fakeBackend
	probes   atomic.Int64
	// gate, when set, blocks every probe until it is closed or ctx ends.
	gate chan struct{}
}

func newNetwork() *network {
	return &network{down: make(map[string]db.ErrorKind)}
}

func (n *network) setDown(host string, kind db.ErrorKind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[host] = kind
}

func (n *network) setUp(host string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.down, host)
}

func (n *network) failure(cfg db.DatabaseConfig) (db.ErrorKind, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	kind, down := n.down[cfg.Host]
	if !down && cfg.Password == "wrong" {
		return db.KindAuthFailed, true
	}
	return kind, down
}

func (n *network) Test(ctx context.Context, cfg db.DatabaseConfig, timeout time.Duration) probe.Result {
	n.probes.Add(1)
	n.mu.Lock()
	gate := n.gate
	n.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return probe.Result{ErrorKind: db.KindTimeout, Message: ctx.Err().Error()}
		}
	}
	if kind, down := n.failure(cfg); down {
		return probe.Result{ErrorKind: kind, Message: "probe of " + cfg.Host + " failed for password " + cfg.Password}
	}
	return probe.Result{Reachable: true, LatencyMs: 1}
}

func (n *network) Open(ctx context.Context, cfg db.DatabaseConfig) (poolregistry.Backend, error) {
	if kind, down := n.failure(cfg); down {
		return nil, &db.ProbeError{Kind: kind, Message: "open failed"}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	b := &fakeBackend{host: cfg.Host}
	n.backends = append(n.backends, b)
	return b, nil
}

func (n *network) openBackends(host string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, b := range n.backends {
		if b.host == host && !b.closed.Load() {
			count++
		}
	}
	return count
}

type fakeBackend struct {
	host     string
	closed   atomic.Bool
	acquired atomic.Int32
}

func (b *fakeBackend) Acquire(ctx context.Context) (poolregistry.PooledConn, error) {
	if b.closed.Load() {
		return nil, errors.New("pool closed")
	}
	b.acquired.Add(1)
	return &fakeConn{b: b}, nil
}

func (b *fakeBackend) Stats() poolregistry.BackendStats {
	return poolregistry.BackendStats{TotalConns: 2, AcquiredConns: b.acquired.Load()}
}

func (b *fakeBackend) Close() { b.closed.Store(true) }

type fakeConn struct {
	b    *fakeBackend
	once sync.Once
}

func (c *fakeConn) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	if c.b.closed.Load() {
		return pgconn.CommandTag{}, errors.New("conn closed")
	}
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (c *fakeConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeConn) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func (c *fakeConn) Release() {
	c.once.Do(func() { c.b.acquired.Add(-1) })
}

func dbConfig(name, host string) db.DatabaseConfig {
	return db.DatabaseConfig{Name: name, Host: host, Database: "portal", Username: "portal", Password: "pw-" + name}
}

type harness struct {
	net      *network
	store    *configstore.SettingsStore
	registry *poolregistry.Registry
	ctrl     *Controller
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store, err := configstore.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "store.sqlite"), "")
	require.NoError(t, err)
	t.Cleanup(store.Close)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, dbConfig("settingdb", "primary.internal")))
	require.NoError(t, store.Put(ctx, dbConfig("fallback", "fallback.internal")))

	n := newNetwork()
	reg := poolregistry.New(n, poolregistry.Options{AcquireTimeout: time.Second, DrainGrace: time.Second})
	t.Cleanup(func() { reg.CloseAll(time.Second) })

	if opts.DrainGrace == 0 {
		opts.DrainGrace = time.Second
	}
	return &harness{net: n, store: store, registry: reg, ctrl: New(store, n, reg, opts)}
}

// markFailStore refuses to record the active marker.
type markFailStore struct {
	*configstore.SettingsStore
}

func (s *markFailStore) SetActiveMarker(context.Context, configstore.ActiveMarker) error {
	return &db.PersistenceError{Op: "set_active_marker", Err: errors.New("store write failed")}
}

// slowOpenNetwork delays every pool open by delay once it is set.
type slowOpenNetwork struct {
	*network
	delay atomic.Int64
}

func (n *slowOpenNetwork) Open(ctx context.Context, cfg db.DatabaseConfig) (poolregistry.Backend, error) {
	time.Sleep(time.Duration(n.delay.Load()))
	return n.network.Open(ctx, cfg)
}
