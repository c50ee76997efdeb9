package failover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fwportal/settingdb/db"
	"github.com/fwportal/settingdb/logger"
	"github.com/fwportal/settingdb/pkg/configstore"
	"github.com/fwportal/settingdb/pkg/metrics"
	"github.com/fwportal/settingdb/pkg/poolregistry"
	"github.com/google/uuid"
)

// ActivateRequest asks the controller to make Name the active configuration.
// With Config set, that configuration is probed and stored under Name first.
type ActivateRequest struct {
	Name        string
	Config      *db.DatabaseConfig
	ActivatedBy string
}

// Activate probes, persists (when a configuration is supplied), opens and
// swaps to the named configuration, then drains the previous pool. Any
// failure leaves the previously active configuration in place and returns an
// *db.ActivationError whose kind tells why.
func (c *Controller) Activate(ctx context.Context, req ActivateRequest) (Report, error) {
	start := time.Now()
	report, err := c.activate(ctx, req)
	metrics.ActivationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ActivationsTotal.WithLabelValues(string(db.KindOf(err))).Inc()
		return report, err
	}
	metrics.ActivationsTotal.WithLabelValues("success").Inc()
	return report, nil
}

func aborted(step string, cause error) error {
	return &db.ActivationError{Step: step, Err: fmt.Errorf("%w: %w", db.ErrActivationAborted, cause)}
}

func (c *Controller) activate(ctx context.Context, req ActivateRequest) (Report, error) {
	if req.Name == "" {
		return c.Status(), &db.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if !c.activating.CompareAndSwap(false, true) {
		return c.Status(), aborted("lock", errors.New("another activation is in progress"))
	}
	defer c.activating.Store(false)

	ctx, cancel := context.WithTimeout(ctx, c.opts.ActivationTimeout)
	defer cancel()

	if err := c.acquireOp(ctx); err != nil {
		return c.Status(), aborted("lock", err)
	}
	defer c.releaseOp()

	activationID := uuid.NewString()
	prev := *c.state.Load()
	logger.Info("Activation started", "component", "FAILOVER", "config", req.Name,
		"activation_id", activationID, "activated_by", req.ActivatedBy, "previous", prev.ActiveConfigName)

	c.transition("activation of "+req.Name, func(s *State) {
		s.Status = StatusActivating
	})

	fail := func(err error) (Report, error) {
		logger.Warn("Activation failed, keeping previous configuration", "component", "FAILOVER",
			"config", req.Name, "activation_id", activationID, "kind", db.KindOf(err), "error", c.redact(err))
		c.transition("activation failed", func(s *State) {
			s.Status = prev.Status
			s.LastError = c.redact(err)
			s.LastErrorKind = db.KindOf(err)
		})
		return c.Status(), err
	}

	checkDeadline := func(step string) error {
		if err := ctx.Err(); err != nil {
			return aborted(step, err)
		}
		return nil
	}

	// Resolve the candidate.
	var cfg db.DatabaseConfig
	if req.Config != nil {
		cfg = req.Config.WithDefaults()
		cfg.Name = req.Name
		if err := cfg.Validate(); err != nil {
			return fail(err)
		}
	} else {
		stored, err := c.store.Get(ctx, req.Name)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fail(aborted("load", err))
			}
			return fail(&db.ActivationError{Step: "load", Err: err})
		}
		cfg = stored
	}
	c.secretsMu.Lock()
	c.secrets["candidate:"+cfg.Name] = cfg.Password
	c.secretsMu.Unlock()

	// Probe before anything is written.
	res := c.prober.Test(ctx, cfg, c.opts.ProbeTimeout)
	if err := checkDeadline("probe"); err != nil {
		return fail(err)
	}
	if !res.Reachable {
		return fail(&db.ActivationError{Step: "probe", Err: res.Err()})
	}

	// Persist a supplied configuration, remembering what it replaced.
	var (
		persisted   bool
		previousCfg *db.DatabaseConfig
	)
	if req.Config != nil {
		if old, err := c.store.Get(ctx, cfg.Name); err == nil {
			previousCfg = &old
		} else if !errors.Is(err, db.ErrConfigNotFound) {
			return fail(&db.ActivationError{Step: "persist", Err: err})
		}
		if err := c.store.Put(ctx, cfg); err != nil {
			return fail(&db.ActivationError{Step: "persist", Err: err})
		}
		persisted = true
	}
	rollback := func() {
		if !persisted {
			return
		}
		rctx, rcancel := context.WithTimeout(context.Background(), c.opts.OpenTimeout)
		defer rcancel()
		var err error
		if previousCfg != nil {
			err = c.store.Put(rctx, *previousCfg)
		} else {
			err = c.store.Delete(rctx, cfg.Name)
		}
		if err != nil {
			logger.Error("Failed to restore stored configuration after failed activation", "component", "FAILOVER",
				"config", cfg.Name, "error", err)
		}
	}
	if err := checkDeadline("persist"); err != nil {
		rollback()
		return fail(err)
	}

	// Open the replacement while the previous pool keeps serving. The
	// candidate stays out of the registry until the swap.
	openCtx, openCancel := context.WithTimeout(ctx, c.opts.OpenTimeout)
	h, err := c.registry.OpenCandidate(openCtx, cfg)
	openCancel()
	if err != nil {
		rollback()
		if ctx.Err() != nil {
			return fail(aborted("open", ctx.Err()))
		}
		return fail(&db.ActivationError{Step: "open", Err: err})
	}

	discardNew := func() {
		if h != prev.active && c.registry.Discard(h) {
			logger.Info("Discarded candidate pool", "component", "FAILOVER", "config", cfg.Name,
				"activation_id", activationID)
		}
	}
	if err := checkDeadline("open"); err != nil {
		discardNew()
		rollback()
		return fail(err)
	}

	activatedAt := c.now().UTC()
	marker := configstore.ActiveMarker{
		Name:         cfg.Name,
		ActivatedAt:  activatedAt,
		ActivatedBy:  req.ActivatedBy,
		ActivationID: activationID,
	}
	if err := c.store.SetActiveMarker(ctx, marker); err != nil {
		discardNew()
		rollback()
		return fail(&db.ActivationError{Step: "mark_active", Err: err})
	}

	// Swap.
	c.remember(cfg)
	c.primaryFailures = 0
	c.transition("activation of "+cfg.Name+" succeeded", func(s *State) {
		s.Status = StatusPrimaryActive
		s.ActiveConfigName = cfg.Name
		s.PrimaryConfigName = cfg.Name
		s.UsingFallback = false
		s.PrimaryOnline = true
		s.LastHealthCheckAt = c.now()
		s.LastError = ""
		s.LastErrorKind = db.KindNone
		s.ActivatedAt = activatedAt
		s.ActivatedBy = req.ActivatedBy
		s.ActivationID = activationID
		s.active = h
	})

	// Retire what the swap replaced. Borrowers still holding the old snapshot
	// see it draining and retry against the new one.
	replaced := c.registry.Install(h)
	retired := map[*poolregistry.Handle]bool{}
	if prev.active != nil && prev.active != h && prev.active != replaced {
		retired[prev.active] = true
	}
	if old, ok := c.registry.Get(prev.PrimaryConfigName); ok && old != h && prev.PrimaryConfigName != cfg.Name {
		retired[old] = true
	}
	for old := range retired {
		c.registry.DrainInBackground(old, c.opts.DrainGrace)
	}
	if replaced != nil {
		retired[replaced] = true
	}

	logger.Info("Activation completed", "component", "FAILOVER", "config", cfg.Name,
		"activation_id", activationID, "latency_ms", res.LatencyMs, "retired_pools", len(retired))

	if c.opts.RestartAfterActivate {
		c.RequestRestart("activation of " + cfg.Name)
	}
	return c.Status(), nil
}
