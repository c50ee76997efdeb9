// Package failover decides which database configuration backs the
// application. It opens the primary at startup, falls back when the primary
// stops answering health probes, returns to it once it recovers, and runs
// operator activations of new configurations.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fwportal/settingdb/db"
	"github.com/fwportal/settingdb/helpers"
	"github.com/fwportal/settingdb/logger"
	"github.com/fwportal/settingdb/pkg/configstore"
	"github.com/fwportal/settingdb/pkg/metrics"
	"github.com/fwportal/settingdb/pkg/poolregistry"
	"github.com/fwportal/settingdb/pkg/probe"
)

type Status string

const (
	StatusDisconnected   Status = "Disconnected"
	StatusConnecting     Status = "Connecting"
	StatusPrimaryActive  Status = "PrimaryActive"
	StatusFallbackActive Status = "FallbackActive"
	StatusActivating     Status = "Activating"
	StatusError          Status = "Error"
)

var allStatuses = []Status{
	StatusDisconnected, StatusConnecting, StatusPrimaryActive,
	StatusFallbackActive, StatusActivating, StatusError,
}

// State is an immutable snapshot of the controller. A new value is published
// for every change; published values are never modified.
type State struct {
	Status             Status
	ActiveConfigName   string
	PrimaryConfigName  string
	FallbackConfigName string
	UsingFallback      bool
	PrimaryOnline      bool
	LastHealthCheckAt  time.Time
	LastError          string
	LastErrorKind      db.ErrorKind
	LastTransitionAt   time.Time
	ActivatedAt        time.Time
	ActivatedBy        string
	ActivationID       string
	RestartGeneration  uint64

	active *poolregistry.Handle
}

// ConfigStore is the part of configstore.Store the controller uses.
type ConfigStore interface {
	Get(ctx context.Context, name string) (db.DatabaseConfig, error)
	Put(ctx context.Context, cfg db.DatabaseConfig) error
	Delete(ctx context.Context, name string) error
	GetActiveMarker(ctx context.Context) (configstore.ActiveMarker, error)
	SetActiveMarker(ctx context.Context, marker configstore.ActiveMarker) error
}

// Prober tests a configuration with a single connection.
type Prober interface {
	Test(ctx context.Context, cfg db.DatabaseConfig, timeout time.Duration) probe.Result
}

// Controller owns the failover state machine.
type Controller struct {
	store    ConfigStore
	prober   Prober
	registry *poolregistry.Registry
	opts     Options

	state atomic.Pointer[State]
	// mu orders transitions.
	mu sync.Mutex
	// op is held by a health tick or an activation, never both.
	op         chan struct{}
	activating atomic.Bool

	// Guarded by op.
	primaryFailures int
	lastKnown       map[string]db.DatabaseConfig

	secretsMu sync.RWMutex
	secrets   map[string]string

	subsMu sync.Mutex
	subs   map[int]chan RestartEvent
	nextID int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func New(store ConfigStore, prober Prober, registry *poolregistry.Registry, opts Options) *Controller {
	opts = opts.withDefaults()
	c := &Controller{
		store:     store,
		prober:    prober,
		registry:  registry,
		opts:      opts,
		op:        make(chan struct{}, 1),
		lastKnown: make(map[string]db.DatabaseConfig),
		secrets:   make(map[string]string),
		subs:      make(map[int]chan RestartEvent),
		now:       time.Now,
	}
	c.state.Store(&State{
		Status:             StatusDisconnected,
		PrimaryConfigName:  opts.PrimaryName,
		FallbackConfigName: opts.FallbackName,
	})
	return c
}

// Snapshot returns the last published state.
func (c *Controller) Snapshot() State {
	return *c.state.Load()
}

// Registry returns the pool registry the controller routes to.
func (c *Controller) Registry() *poolregistry.Registry {
	return c.registry
}

// transition applies fn to a copy of the current state and publishes it.
func (c *Controller) transition(reason string, fn func(s *State)) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state.Load()
	next := *prev
	fn(&next)
	now := c.now()
	if next.Status != prev.Status {
		next.LastTransitionAt = now
	}
	c.state.Store(&next)

	if next.Status != prev.Status {
		logger.Info("Failover state changed", "component", "FAILOVER",
			"from", prev.Status, "to", next.Status, "active", next.ActiveConfigName,
			"using_fallback", next.UsingFallback, "reason", reason)
		metrics.FailoverTransitionsTotal.WithLabelValues(string(prev.Status), string(next.Status)).Inc()
		for _, s := range allStatuses {
			v := 0.0
			if s == next.Status {
				v = 1
			}
			metrics.FailoverState.WithLabelValues(string(s)).Set(v)
		}
	}
	if next.UsingFallback {
		metrics.UsingFallback.Set(1)
	} else {
		metrics.UsingFallback.Set(0)
	}
	return next
}

func (c *Controller) acquireOp(ctx context.Context) error {
	select {
	case c.op <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) tryAcquireOp() bool {
	select {
	case c.op <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *Controller) releaseOp() { <-c.op }

func (c *Controller) remember(cfg db.DatabaseConfig) {
	c.lastKnown[cfg.Name] = cfg
	c.secretsMu.Lock()
	c.secrets[cfg.Name] = cfg.Password
	c.secretsMu.Unlock()
}

func (c *Controller) knownSecrets() []string {
	c.secretsMu.RLock()
	defer c.secretsMu.RUnlock()
	out := make([]string, 0, len(c.secrets))
	for _, s := range c.secrets {
		out = append(out, s)
	}
	return out
}

func (c *Controller) redact(err error) string {
	if err == nil {
		return ""
	}
	return helpers.MaskSensitive(err.Error(), c.knownSecrets()...)
}

// loadConfig reads name from the store and falls back to the last successful
// read when the store is unreachable.
func (c *Controller) loadConfig(ctx context.Context, name string) (db.DatabaseConfig, error) {
	cfg, err := c.store.Get(ctx, name)
	if err == nil {
		c.remember(cfg)
		return cfg, nil
	}
	if errors.Is(err, db.ErrPersistence) {
		if cached, ok := c.lastKnown[name]; ok {
			logger.Warn("Config store unavailable, using last known configuration", "component", "FAILOVER",
				"config", name, "error", err)
			return cached, nil
		}
	}
	return db.DatabaseConfig{}, err
}

func (c *Controller) openConfig(ctx context.Context, name string) (*poolregistry.Handle, error) {
	cfg, err := c.loadConfig(ctx, name)
	if err != nil {
		return nil, err
	}
	openCtx, cancel := context.WithTimeout(ctx, c.opts.OpenTimeout)
	defer cancel()
	return c.registry.Open(openCtx, cfg)
}

// Start connects to the primary (or the fallback) and starts the health
// ticker. It returns once the initial connection attempt has settled; the
// controller keeps running in the Error state when nothing could be opened.
func (c *Controller) Start(ctx context.Context) State {
	st := c.Connect(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Run(runCtx)
	}()
	return st
}

// Stop ends the health ticker and waits for it.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Connect performs the Disconnected -> Connecting -> PrimaryActive |
// FallbackActive | Error transition.
func (c *Controller) Connect(ctx context.Context) State {
	if err := c.acquireOp(ctx); err != nil {
		return c.Snapshot()
	}
	defer c.releaseOp()

	primary := c.opts.PrimaryName
	marker, err := c.store.GetActiveMarker(ctx)
	switch {
	case err == nil && marker.Name != c.opts.FallbackName:
		primary = marker.Name
	case err != nil && !errors.Is(err, db.ErrConfigNotFound):
		logger.Warn("Could not read active configuration marker, using default primary", "component", "FAILOVER",
			"primary", primary, "error", err)
	}

	c.transition("startup", func(s *State) {
		s.Status = StatusConnecting
		s.PrimaryConfigName = primary
		if err == nil {
			s.ActivatedAt = marker.ActivatedAt
			s.ActivatedBy = marker.ActivatedBy
			s.ActivationID = marker.ActivationID
		}
	})

	h, primaryErr := c.openConfig(ctx, primary)
	if primaryErr == nil {
		return c.transition("primary opened", func(s *State) {
			s.Status = StatusPrimaryActive
			s.ActiveConfigName = primary
			s.UsingFallback = false
			s.PrimaryOnline = true
			s.LastHealthCheckAt = c.now()
			s.LastError = ""
			s.LastErrorKind = db.KindNone
			s.active = h
		})
	}
	logger.Warn("Primary database unavailable at startup", "component", "FAILOVER",
		"config", primary, "kind", db.KindOf(primaryErr), "error", c.redact(primaryErr))

	fh, fallbackErr := c.openConfig(ctx, c.opts.FallbackName)
	if fallbackErr == nil {
		c.primaryFailures = c.opts.FailureThreshold
		return c.transition("primary unavailable at startup", func(s *State) {
			s.Status = StatusFallbackActive
			s.ActiveConfigName = c.opts.FallbackName
			s.UsingFallback = true
			s.PrimaryOnline = false
			s.LastHealthCheckAt = c.now()
			s.LastError = c.redact(primaryErr)
			s.LastErrorKind = db.KindOf(primaryErr)
			s.active = fh
		})
	}
	logger.Error("Fallback database unavailable at startup", "component", "FAILOVER",
		"config", c.opts.FallbackName, "kind", db.KindOf(fallbackErr), "error", c.redact(fallbackErr))

	return c.transition("no database reachable", func(s *State) {
		s.Status = StatusError
		s.ActiveConfigName = ""
		s.UsingFallback = false
		s.PrimaryOnline = false
		s.LastHealthCheckAt = c.now()
		s.LastError = fmt.Sprintf("primary %q: %s; fallback %q: %s",
			primary, c.redact(primaryErr), c.opts.FallbackName, c.redact(fallbackErr))
		s.LastErrorKind = db.KindOf(primaryErr)
		s.active = nil
	})
}

// Run ticks the health check every HealthCheckInterval until ctx ends.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HealthCheckInterval)
	defer ticker.Stop()

	logger.Info("Health checks started", "component", "FAILOVER", "interval", c.opts.HealthCheckInterval,
		"primary", c.Snapshot().PrimaryConfigName, "fallback", c.opts.FallbackName)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Health checks stopped", "component", "FAILOVER")
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one health check. It is skipped while an activation holds the
// operation lock.
func (c *Controller) Tick(ctx context.Context) {
	if !c.tryAcquireOp() {
		metrics.HealthChecksTotal.WithLabelValues("primary", "skipped").Inc()
		logger.Debug("Health check skipped, operation in progress", "component", "FAILOVER")
		return
	}
	defer c.releaseOp()

	st := c.Snapshot()
	switch st.Status {
	case StatusPrimaryActive:
		c.checkPrimaryActive(ctx, st)
	case StatusFallbackActive:
		c.checkFallbackActive(ctx, st)
	default:
		metrics.HealthChecksTotal.WithLabelValues("primary", "skipped").Inc()
	}
}

func (c *Controller) probeConfig(ctx context.Context, target, name string) (probe.Result, error) {
	cfg, err := c.loadConfig(ctx, name)
	if err != nil {
		metrics.HealthChecksTotal.WithLabelValues(target, "failed").Inc()
		return probe.Result{ErrorKind: db.KindOf(err), Message: c.redact(err)}, err
	}
	res := c.prober.Test(ctx, cfg, c.opts.ProbeTimeout)
	result := "ok"
	if !res.Reachable {
		result = "failed"
	}
	metrics.HealthChecksTotal.WithLabelValues(target, result).Inc()
	return res, res.Err()
}

func (c *Controller) checkPrimaryActive(ctx context.Context, st State) {
	primary := st.PrimaryConfigName
	_, err := c.probeConfig(ctx, "primary", primary)
	if err == nil {
		c.primaryFailures = 0
		c.registry.MarkHealthy(primary, true)
		if st.active != nil && st.active.Draining() {
			c.reopenActive(ctx, primary)
			return
		}
		c.transition("primary healthy", func(s *State) {
			s.PrimaryOnline = true
			s.LastHealthCheckAt = c.now()
		})
		return
	}

	c.primaryFailures++
	logger.Warn("Primary health check failed", "component", "FAILOVER", "config", primary,
		"consecutive_failures", c.primaryFailures, "threshold", c.opts.FailureThreshold,
		"kind", db.KindOf(err), "error", c.redact(err))

	if c.primaryFailures < c.opts.FailureThreshold {
		c.transition("primary probe failed", func(s *State) {
			s.LastHealthCheckAt = c.now()
			s.LastError = c.redact(err)
			s.LastErrorKind = db.KindOf(err)
		})
		return
	}

	if primary == c.opts.FallbackName {
		// The fallback itself was activated as primary; there is nothing to fail over to.
		c.registry.MarkHealthy(primary, false)
		c.transition("primary probe failed, no separate fallback", func(s *State) {
			s.PrimaryOnline = false
			s.LastHealthCheckAt = c.now()
			s.LastError = c.redact(err)
			s.LastErrorKind = db.KindOf(err)
		})
		return
	}

	fh, ferr := c.openConfig(ctx, c.opts.FallbackName)
	if ferr != nil {
		logger.Error("Primary is down and fallback cannot be opened", "component", "FAILOVER",
			"fallback", c.opts.FallbackName, "kind", db.KindOf(ferr), "error", c.redact(ferr))
		c.transition("fallback unavailable", func(s *State) {
			s.PrimaryOnline = false
			s.LastHealthCheckAt = c.now()
			s.LastError = fmt.Sprintf("primary: %s; fallback: %s", c.redact(err), c.redact(ferr))
			s.LastErrorKind = db.KindOf(err)
		})
		return
	}

	// The primary pool stays open for re-probing; new borrows go to the fallback.
	c.registry.MarkHealthy(primary, false)
	c.registry.MarkHealthy(c.opts.FallbackName, true)
	c.transition("primary failed health check", func(s *State) {
		s.Status = StatusFallbackActive
		s.ActiveConfigName = c.opts.FallbackName
		s.UsingFallback = true
		s.PrimaryOnline = false
		s.LastHealthCheckAt = c.now()
		s.LastError = c.redact(err)
		s.LastErrorKind = db.KindOf(err)
		s.active = fh
	})
}

func (c *Controller) checkFallbackActive(ctx context.Context, st State) {
	primary := st.PrimaryConfigName
	_, err := c.probeConfig(ctx, "primary", primary)
	if err == nil {
		// Reuse the warm primary pool when its configuration is unchanged.
		c.registry.MarkHealthy(primary, true)
		h, oerr := c.openConfig(ctx, primary)
		if oerr == nil {
			c.primaryFailures = 0
			c.transition("primary recovered", func(s *State) {
				s.Status = StatusPrimaryActive
				s.ActiveConfigName = primary
				s.UsingFallback = false
				s.PrimaryOnline = true
				s.LastHealthCheckAt = c.now()
				s.LastError = ""
				s.LastErrorKind = db.KindNone
				s.active = h
			})
			if st.active != nil && st.active != h {
				c.registry.DrainInBackground(st.active, c.opts.DrainGrace)
			}
			return
		}
		c.registry.MarkHealthy(primary, false)
		err = oerr
		logger.Warn("Primary answered probe but pool could not be opened", "component", "FAILOVER",
			"config", primary, "kind", db.KindOf(oerr), "error", c.redact(oerr))
	}

	// Keep the fallback's health current so a dead fallback fails fast.
	_, ferr := c.probeConfig(ctx, "fallback", st.ActiveConfigName)
	c.registry.MarkHealthy(st.ActiveConfigName, ferr == nil)

	c.transition("primary still down", func(s *State) {
		s.PrimaryOnline = false
		s.LastHealthCheckAt = c.now()
		s.LastError = c.redact(err)
		s.LastErrorKind = db.KindOf(err)
		if ferr != nil {
			s.LastError = fmt.Sprintf("primary: %s; fallback: %s", c.redact(err), c.redact(ferr))
		}
	})
}

// reopenActive replaces an active handle that was retired underneath the
// controller, for example by an administrative drain.
func (c *Controller) reopenActive(ctx context.Context, name string) {
	h, err := c.openConfig(ctx, name)
	if err != nil {
		logger.Warn("Could not reopen active pool", "component", "FAILOVER", "config", name, "error", c.redact(err))
		return
	}
	c.transition("active pool reopened", func(s *State) {
		s.active = h
		s.LastHealthCheckAt = c.now()
	})
}

// Borrow leases a connection from the active pool. When a swap retires the
// handle between reading the state and borrowing, it retries once against
// the new state.
func (c *Controller) Borrow(ctx context.Context) (*poolregistry.Lease, error) {
	st := c.state.Load()
	lease, err := c.borrowFrom(ctx, st)
	if err != nil && errors.Is(err, poolregistry.ErrDraining) {
		if next := c.state.Load(); next.active != st.active {
			return c.borrowFrom(ctx, next)
		}
	}
	return lease, err
}

func (c *Controller) borrowFrom(ctx context.Context, st *State) (*poolregistry.Lease, error) {
	if st.active == nil {
		return nil, fmt.Errorf("no active database (%s): %w", st.Status, db.ErrPoolUnavailable)
	}
	return c.registry.BorrowFrom(ctx, st.active)
}

// WithConn runs fn with a connection from the active pool and releases it on
// every exit path.
func (c *Controller) WithConn(ctx context.Context, fn func(poolregistry.Conn) error) error {
	lease, err := c.Borrow(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Conn())
}
