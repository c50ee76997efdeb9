// Package poolregistry owns the live connection pools, one per configuration
// name. Callers never hold a pool, only a Lease on one connection.
package poolregistry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fwportal/settingdb/db"
	"github.com/fwportal/settingdb/helpers"
	"github.com/fwportal/settingdb/logger"
	"github.com/fwportal/settingdb/pkg/circuitbreaker"
	"github.com/fwportal/settingdb/pkg/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrDraining is returned by Borrow for a handle whose drain has started.
var ErrDraining = errors.New("pool is draining")

type Options struct {
	AcquireTimeout       time.Duration
	DrainGrace           time.Duration
	SlowAcquireThreshold time.Duration
	BreakerFailures      uint32
	BreakerTimeout       time.Duration
}

func (o Options) withDefaults() Options {
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 5 * time.Second
	}
	if o.DrainGrace <= 0 {
		o.DrainGrace = 5 * time.Second
	}
	if o.SlowAcquireThreshold <= 0 {
		o.SlowAcquireThreshold = 100 * time.Millisecond
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	return o
}

// Handle is a live pool bound to one DatabaseConfig.
type Handle struct {
	name        string
	host        string
	fingerprint string
	createdAt   time.Time
	backend     Backend
	breaker     *circuitbreaker.CircuitBreaker
	healthy     atomic.Bool

	waiting      atomic.Int64
	borrows      atomic.Int64
	borrowErrors atomic.Int64
	leases       atomic.Int64
	leaseNanos   atomic.Int64

	// draining and inFlight change together so no borrow can start once a
	// drain has begun.
	mu       sync.Mutex
	draining bool
	inFlight int64
	idle     chan struct{}
	idleOnce sync.Once
	closed   chan struct{}
}

func (h *Handle) Name() string         { return h.name }
func (h *Handle) Fingerprint() string  { return h.fingerprint }
func (h *Handle) CreatedAt() time.Time { return h.createdAt }
func (h *Handle) Healthy() bool        { return h.healthy.Load() }

// InFlight returns the number of outstanding leases.
func (h *Handle) InFlight() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inFlight
}

// Draining reports whether the handle stopped accepting borrows.
func (h *Handle) Draining() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.draining
}

// Closed is closed once the backend pool has been closed.
func (h *Handle) Closed() <-chan struct{} { return h.closed }

func (h *Handle) begin() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return ErrDraining
	}
	h.inFlight++
	return nil
}

func (h *Handle) end() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inFlight--
	if h.draining && h.inFlight == 0 {
		h.idleOnce.Do(func() { close(h.idle) })
	}
}

// HandleInfo is a point-in-time description of a handle. ErrorRate is the
// percentage of borrows that failed; the averages are in milliseconds.
type HandleInfo struct {
	Name            string    `json:"name"`
	Host            string    `json:"host"`
	CreatedAt       time.Time `json:"created_at"`
	Healthy         bool      `json:"healthy"`
	Draining        bool      `json:"draining"`
	InFlight        int64     `json:"in_flight"`
	WaitingRequests int64     `json:"waiting_requests"`
	TotalConns      int32     `json:"total_conns"`
	IdleConns       int32     `json:"idle_conns"`
	AcquiredConns   int32     `json:"acquired_conns"`
	TotalBorrows    int64     `json:"total_borrows"`
	BorrowErrors    int64     `json:"borrow_errors"`
	ErrorRate       float64   `json:"error_rate"`
	AvgLeaseMs      float64   `json:"avg_lease_ms"`
	AcquireCount    int64     `json:"acquire_count"`
	EmptyAcquires   int64     `json:"empty_acquire_count"`
	CanceledAcquire int64     `json:"canceled_acquire_count"`
	AvgAcquireMs    float64   `json:"avg_acquire_ms"`
	Breaker         string    `json:"circuit_breaker"`
}

func roundMs(d time.Duration, n int64) float64 {
	if n <= 0 {
		return 0
	}
	return math.Round(float64(d)/float64(n)/float64(time.Millisecond)*100) / 100
}

func (h *Handle) info() HandleInfo {
	stats := h.backend.Stats()
	h.mu.Lock()
	draining, inFlight := h.draining, h.inFlight
	h.mu.Unlock()
	borrows, failed := h.borrows.Load(), h.borrowErrors.Load()
	var rate float64
	if borrows > 0 {
		rate = math.Round(float64(failed)/float64(borrows)*10000) / 100
	}
	return HandleInfo{
		Name:            h.name,
		Host:            h.host,
		CreatedAt:       h.createdAt,
		Healthy:         h.healthy.Load(),
		Draining:        draining,
		InFlight:        inFlight,
		WaitingRequests: h.waiting.Load(),
		TotalConns:      stats.TotalConns,
		IdleConns:       stats.IdleConns,
		AcquiredConns:   stats.AcquiredConns,
		TotalBorrows:    borrows,
		BorrowErrors:    failed,
		ErrorRate:       rate,
		AvgLeaseMs:      roundMs(time.Duration(h.leaseNanos.Load()), h.leases.Load()),
		AcquireCount:    stats.AcquireCount,
		EmptyAcquires:   stats.EmptyAcquireCount,
		CanceledAcquire: stats.CanceledAcquireCount,
		AvgAcquireMs:    roundMs(stats.AcquireDuration, stats.AcquireCount),
		Breaker:         h.breaker.State().String(),
	}
}

// Registry holds at most one current handle per configuration name.
type Registry struct {
	opener Opener
	opts   Options

	mu      sync.RWMutex
	handles map[string]*Handle

	opens  singleflight.Group
	drains sync.WaitGroup
}

func New(opener Opener, opts Options) *Registry {
	return &Registry{
		opener:  opener,
		opts:    opts.withDefaults(),
		handles: make(map[string]*Handle),
	}
}

// Open returns the current handle for cfg.Name when it is healthy and was
// opened from an identical configuration; otherwise it opens a new pool,
// installs it and retires the previous handle in the background.
func (r *Registry) Open(ctx context.Context, cfg db.DatabaseConfig) (*Handle, error) {
	h, err := r.OpenCandidate(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r.Install(h)
	return h, nil
}

// OpenCandidate is Open without the install: a freshly opened pool is not
// visible to Borrow by name and the current handle keeps serving. The caller
// either Installs the candidate or Discards it. Concurrent opens of the same
// configuration share one dial.
func (r *Registry) OpenCandidate(ctx context.Context, cfg db.DatabaseConfig) (*Handle, error) {
	cfg = cfg.WithDefaults()
	fp := cfg.Fingerprint()

	if h := r.reusable(cfg.Name, fp); h != nil {
		return h, nil
	}

	v, err, _ := r.opens.Do(cfg.Name+"/"+fp, func() (any, error) {
		if h := r.reusable(cfg.Name, fp); h != nil {
			return h, nil
		}

		start := time.Now()
		backend, err := r.opener.Open(ctx, cfg)
		if err != nil {
			kind := db.ClassifyError(err)
			msg := helpers.MaskSensitive(err.Error(), cfg.Password)
			logger.Warn("Failed to open pool", "component", "POOL", "config", cfg.Name, "host", cfg.Host, "kind", kind, "error", msg)
			return nil, &db.ProbeError{Kind: kind, Message: msg}
		}

		logger.Info("Opened pool", "component", "POOL", "config", cfg.Name, "host", cfg.Host,
			"min_conns", cfg.MinConns, "max_conns", cfg.MaxConns, "duration", time.Since(start))
		return r.newHandle(cfg, fp, backend), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (r *Registry) reusable(name, fp string) *Handle {
	if h := r.current(name); h != nil && h.fingerprint == fp && h.Healthy() && !h.Draining() {
		return h
	}
	return nil
}

// Install makes h the current handle for its name and drains the handle it
// replaced in the background. It returns the replaced handle, or nil when h
// was already current or nothing was registered under the name.
func (r *Registry) Install(h *Handle) *Handle {
	r.mu.Lock()
	old := r.handles[h.name]
	if old == h {
		r.mu.Unlock()
		return nil
	}
	r.handles[h.name] = h
	r.mu.Unlock()

	if old != nil {
		logger.Info("Replaced pool", "component", "POOL", "config", h.name, "previous_created_at", old.createdAt)
		r.drainInBackground(old, r.opts.DrainGrace)
	}
	return old
}

// Discard closes a candidate that was never installed. It leaves a handle
// that is current for its name alone and reports whether it closed h.
func (r *Registry) Discard(h *Handle) bool {
	r.mu.RLock()
	installed := r.handles[h.name] == h
	r.mu.RUnlock()
	if installed {
		return false
	}
	r.drainInBackground(h, 0)
	return true
}

func (r *Registry) newHandle(cfg db.DatabaseConfig, fp string, backend Backend) *Handle {
	name := cfg.Name
	h := &Handle{
		name:        name,
		host:        cfg.Host,
		fingerprint: fp,
		createdAt:   time.Now(),
		backend:     backend,
		idle:        make(chan struct{}),
		closed:      make(chan struct{}),
	}
	h.healthy.Store(true)
	h.breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        "pool-" + name,
		Timeout:     r.opts.BreakerTimeout,
		ReadyToTrip: circuitbreaker.ConsecutiveFailures(r.opts.BreakerFailures),
		IsSuccessful: func(err error) bool {
			// A caller giving up is not a backend failure.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(_ string, from, to circuitbreaker.State) {
			logger.Warn("Pool circuit breaker state changed", "component", "POOL", "config", name, "from", from, "to", to)
			metrics.DBCircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	return h
}

func (r *Registry) current(name string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[name]
}

// Get returns the current handle for name.
func (r *Registry) Get(name string) (*Handle, bool) {
	h := r.current(name)
	return h, h != nil
}

// Lease is one borrowed connection. Release must be called exactly once;
// further calls are no-ops.
type Lease struct {
	handle *Handle
	conn   PooledConn
	start  time.Time
	once   sync.Once
}

func (l *Lease) Conn() Conn         { return l.conn }
func (l *Lease) ConfigName() string { return l.handle.name }

func (l *Lease) Release() {
	l.once.Do(func() {
		l.conn.Release()
		l.handle.leases.Add(1)
		l.handle.leaseNanos.Add(int64(time.Since(l.start)))
		l.handle.end()
	})
}

// Borrow acquires a connection from the pool named name. It fails fast with
// db.ErrPoolUnavailable when the handle is missing, draining, unhealthy or its
// breaker is open, and waits at most the acquire timeout otherwise.
func (r *Registry) Borrow(ctx context.Context, name string) (*Lease, error) {
	h := r.current(name)
	if h == nil {
		metrics.DBBorrowsTotal.WithLabelValues(name, "unavailable").Inc()
		return nil, fmt.Errorf("no pool for %q: %w", name, db.ErrPoolUnavailable)
	}
	return r.borrowFrom(ctx, h)
}

// BorrowFrom acquires a connection from a specific handle.
func (r *Registry) BorrowFrom(ctx context.Context, h *Handle) (*Lease, error) {
	return r.borrowFrom(ctx, h)
}

func (r *Registry) borrowFrom(ctx context.Context, h *Handle) (*Lease, error) {
	h.borrows.Add(1)
	if !h.Healthy() {
		h.borrowErrors.Add(1)
		metrics.DBBorrowsTotal.WithLabelValues(h.name, "unavailable").Inc()
		return nil, fmt.Errorf("pool %q is unhealthy: %w", h.name, db.ErrPoolUnavailable)
	}
	if err := h.begin(); err != nil {
		h.borrowErrors.Add(1)
		metrics.DBBorrowsTotal.WithLabelValues(h.name, "unavailable").Inc()
		return nil, fmt.Errorf("pool %q: %w: %w", h.name, db.ErrPoolUnavailable, err)
	}

	acquireCtx, cancel := context.WithTimeout(ctx, r.opts.AcquireTimeout)
	defer cancel()

	start := time.Now()
	h.waiting.Add(1)
	var conn PooledConn
	err := h.breaker.Execute(func() error {
		var err error
		conn, err = h.backend.Acquire(acquireCtx)
		return err
	})
	h.waiting.Add(-1)
	elapsed := time.Since(start)
	metrics.DBAcquireDuration.WithLabelValues(h.name).Observe(elapsed.Seconds())

	if err != nil {
		h.end()
		h.borrowErrors.Add(1)
		outcome := "error"
		switch {
		case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
			outcome = "breaker_open"
		case errors.Is(err, context.DeadlineExceeded):
			outcome = "timeout"
		}
		metrics.DBBorrowsTotal.WithLabelValues(h.name, outcome).Inc()
		return nil, fmt.Errorf("pool %q: %w: %w", h.name, db.ErrPoolUnavailable, err)
	}

	if elapsed > r.opts.SlowAcquireThreshold {
		metrics.DBSlowAcquiresTotal.WithLabelValues(h.name).Inc()
		logger.Warn("Slow connection acquire", "component", "POOL", "config", h.name, "duration", elapsed)
	}
	metrics.DBBorrowsTotal.WithLabelValues(h.name, "ok").Inc()
	return &Lease{handle: h, conn: conn, start: time.Now()}, nil
}

// WithConn borrows a connection from name, runs fn and releases the
// connection on every exit path, including a panic in fn.
func (r *Registry) WithConn(ctx context.Context, name string, fn func(Conn) error) error {
	lease, err := r.Borrow(ctx, name)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Conn())
}

// MarkHealthy records the last probe result for name. Marking a handle
// healthy again also resets its circuit breaker.
func (r *Registry) MarkHealthy(name string, healthy bool) {
	h := r.current(name)
	if h == nil {
		return
	}
	if prev := h.healthy.Swap(healthy); prev != healthy {
		logger.Info("Pool health changed", "component", "POOL", "config", name, "healthy", healthy)
	}
	if healthy {
		h.breaker.Reset()
	}
}

// Drain removes the handle for name from the registry, waits up to grace for
// its leases to be released and then closes the pool.
func (r *Registry) Drain(name string, grace time.Duration) error {
	r.mu.Lock()
	h := r.handles[name]
	delete(r.handles, name)
	r.mu.Unlock()

	if h == nil {
		return fmt.Errorf("no pool for %q: %w", name, db.ErrPoolUnavailable)
	}
	r.drainHandle(h, grace)
	return nil
}

// DrainHandle retires h if it is still the current handle for its name.
// It returns false when h had already been replaced or removed.
func (r *Registry) DrainHandle(h *Handle, grace time.Duration) bool {
	r.mu.Lock()
	if r.handles[h.name] != h {
		r.mu.Unlock()
		return false
	}
	delete(r.handles, h.name)
	r.mu.Unlock()

	r.drainHandle(h, grace)
	return true
}

// DrainInBackground is DrainHandle without waiting for the pool to close.
func (r *Registry) DrainInBackground(h *Handle, grace time.Duration) {
	r.mu.Lock()
	if r.handles[h.name] == h {
		delete(r.handles, h.name)
	}
	r.mu.Unlock()
	r.drainInBackground(h, grace)
}

func (r *Registry) drainInBackground(h *Handle, grace time.Duration) {
	r.drains.Add(1)
	go func() {
		defer r.drains.Done()
		r.drainHandle(h, grace)
	}()
}

func (r *Registry) drainHandle(h *Handle, grace time.Duration) {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		<-h.closed
		return
	}
	h.draining = true
	inFlight := h.inFlight
	if inFlight == 0 {
		h.idleOnce.Do(func() { close(h.idle) })
	}
	h.mu.Unlock()

	logger.Info("Draining pool", "component", "POOL", "config", h.name, "in_flight", inFlight, "grace", grace)

	result := "clean"
	select {
	case <-h.idle:
	default:
		timer := time.NewTimer(grace)
		select {
		case <-h.idle:
			timer.Stop()
		case <-timer.C:
			result = "forced"
			logger.Warn("Drain grace expired, closing pool with leases outstanding", "component", "POOL",
				"config", h.name, "in_flight", h.InFlight())
		}
	}

	if fc, ok := h.backend.(ForceCloser); ok && result == "forced" {
		fc.ForceClose()
	} else {
		h.backend.Close()
	}
	close(h.closed)
	metrics.DBPoolDrainsTotal.WithLabelValues(result).Inc()
	logger.Info("Closed pool", "component", "POOL", "config", h.name, "result", result)
}

// Handles describes every registered handle, ordered by name.
func (r *Registry) Handles() []HandleInfo {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	infos := make([]HandleInfo, 0, len(handles))
	for _, h := range handles {
		infos = append(infos, h.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// PoolSamples implements metrics.PoolStatsProvider.
func (r *Registry) PoolSamples() []metrics.PoolSample {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	samples := make([]metrics.PoolSample, 0, len(handles))
	for _, h := range handles {
		info := h.info()
		samples = append(samples, metrics.PoolSample{
			Config:        info.Name,
			TotalConns:    info.TotalConns,
			IdleConns:     info.IdleConns,
			AcquiredConns: info.AcquiredConns,
			InFlight:      info.InFlight,
			Healthy:       info.Healthy,
			BreakerState:  int(h.breaker.State()),
		})
	}
	return samples
}

// CloseAll drains every handle concurrently and waits for background drains.
func (r *Registry) CloseAll(grace time.Duration) {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error {
			r.drainHandle(h, grace)
			return nil
		})
	}
	_ = g.Wait()
	r.drains.Wait()
	logger.Info("All pools closed", "component", "POOL", "count", len(handles))
}
