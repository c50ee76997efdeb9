package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fwportal/settingdb/config"
	"github.com/fwportal/settingdb/db"
	"github.com/fwportal/settingdb/logger"
	"github.com/fwportal/settingdb/pkg/configstore"
	"github.com/fwportal/settingdb/pkg/errors"
	"github.com/fwportal/settingdb/pkg/failover"
	"github.com/fwportal/settingdb/pkg/metrics"
	"github.com/fwportal/settingdb/pkg/poolregistry"
	"github.com/fwportal/settingdb/pkg/probe"
	"github.com/fwportal/settingdb/pkg/retry"
	"github.com/fwportal/settingdb/pkg/settings"
	"github.com/fwportal/settingdb/server/httpapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serverDependencies holds every long-lived component of the process.
type serverDependencies struct {
	config       config.Config
	failoverOpts failover.Options
	store        *configstore.SettingsStore
	registry     *poolregistry.Registry
	prober       *probe.Prober
	controller   *failover.Controller
	settings     *settings.Repository
	collector    *metrics.Collector
	collectEvery time.Duration
	wg           sync.WaitGroup
}

func initializeServices(ctx context.Context, cfg config.Config) (*serverDependencies, error) {
	collectEvery, err := cfg.Metrics.GetCollectInterval()
	if err != nil {
		return nil, fmt.Errorf("metrics.collect_interval: %w", err)
	}
	if collectEvery <= 0 {
		return nil, fmt.Errorf("metrics.collect_interval: must be positive, got %s", collectEvery)
	}

	backoff := retry.DefaultBackoffConfig()
	backoff.OperationName = "config store connect"

	var store *configstore.SettingsStore
	err = retry.WithRetry(ctx, func() error {
		s, err := configstore.New(ctx, cfg.ConfigStore)
		if err != nil {
			logger.Warn("Config store unavailable, retrying", "component", "CONFIGSTORE", "driver", cfg.ConfigStore.Driver, "error", err)
			return err
		}
		store = s
		return nil
	}, backoff)
	if err != nil {
		return nil, fmt.Errorf("open config store: %w", err)
	}

	for _, seed := range cfg.Seeds {
		written, err := configstore.Seed(ctx, store, configstore.FromSeed(seed))
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("seed configuration %q: %w", seed.Name, err)
		}
		if written {
			logger.Info("Seeded database configuration", "component", "CONFIGSTORE", "config", seed.Name, "host", seed.Host)
		}
	}

	failoverOpts, registryOpts, err := failover.OptionsFromConfig(cfg.Failover)
	if err != nil {
		store.Close()
		return nil, err
	}

	registry := poolregistry.New(poolregistry.PgxOpener{Options: db.PoolOptions{LogQueries: cfg.Failover.LogQueries}}, registryOpts)
	prober := probe.New(nil)
	controller := failover.New(store, prober, registry, failoverOpts)

	queryTimeout, err := cfg.ConfigStore.Database.GetQueryTimeout()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("config_store.database.query_timeout: %w", err)
	}

	return &serverDependencies{
		config:       cfg,
		failoverOpts: failoverOpts,
		store:        store,
		registry:     registry,
		prober:       prober,
		controller:   controller,
		settings:     settings.New(controller, queryTimeout),
		collectEvery: collectEvery,
	}, nil
}

// startServices connects to the active database and starts the background
// loops and listeners. Listener failures are sent on the returned channel.
func startServices(ctx context.Context, cancel context.CancelFunc, deps *serverDependencies, errorHandler *errors.ErrorHandler) chan error {
	errChan := make(chan error, 4)

	st := deps.controller.Start(ctx)
	if st.Status == failover.StatusError {
		logger.Error("No database reachable at startup, waiting for an activation", "component", "FAILOVER",
			"primary", st.PrimaryConfigName, "fallback", st.FallbackConfigName, "kind", st.LastErrorKind)
	}

	events, unsubscribe := deps.controller.Subscribe()
	deps.wg.Add(1)
	go func() {
		defer deps.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if !deps.config.Failover.ExitOnRestart {
					logger.Info("Restart generation advanced, pools are resolved per request", "component", "FAILOVER",
						"generation", ev.Generation, "reason", ev.Reason)
					continue
				}
				errorHandler.RestartRequested(ev.Generation, ev.Reason)
				cancel()
				return
			}
		}
	}()

	if deps.config.Metrics.Enabled {
		deps.collector = metrics.NewCollector(deps.registry, deps.collectEvery)
		deps.wg.Add(2)
		go func() {
			defer deps.wg.Done()
			deps.collector.Start(ctx)
		}()
		go func() {
			defer deps.wg.Done()
			startMetricsServer(ctx, deps.config.Metrics, errChan)
		}()
	}

	if deps.config.HTTPAPI.Start {
		api := deps.config.HTTPAPI
		deps.wg.Add(1)
		go func() {
			defer deps.wg.Done()
			httpapi.Start(ctx, httpapi.ServerOptions{
				Addr:         api.Addr,
				APIKey:       api.APIKey,
				AllowedHosts: api.AllowedHosts,
				ProbeTimeout: deps.failoverOpts.ProbeTimeout,
				Failover:     deps.controller,
				Store:        deps.store,
				Prober:       deps.prober,
				Pools:        deps.registry,
				Settings:     deps.settings,
				TLS:          api.TLS,
				TLSCertFile:  api.TLSCertFile,
				TLSKeyFile:   api.TLSKeyFile,
			}, errChan)
		}()
	}

	return errChan
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Infof("Shutting down metrics server %s...", cfg.Addr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Infof("Error shutting down metrics server: %v", err)
		}
	}()

	logger.Info("Metrics server listening", "component", "METRICS", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

// shutdown stops the background loops, then drains every pool with grace
// before closing the config store.
func (d *serverDependencies) shutdown(grace time.Duration) {
	d.controller.Stop()
	if d.collector != nil {
		d.collector.Stop()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	if !waitTimeout(done, 10*time.Second) {
		logger.Warn("Server shutdown timeout reached after 10 seconds")
	}

	logger.Info("Draining connection pools", "grace", grace)
	d.registry.CloseAll(grace)
	d.store.Close()
}
