package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/fwportal/settingdb/logger"
)

// PoolSample is one pool's statistics at collection time.
type PoolSample struct {
	Config        string
	TotalConns    int32
	IdleConns     int32
	AcquiredConns int32
	InFlight      int64
	Healthy       bool
	BreakerState  int
}

// PoolStatsProvider reports the pools currently registered.
type PoolStatsProvider interface {
	PoolSamples() []PoolSample
}

// Collector periodically copies pool statistics into the pool gauges.
type Collector struct {
	provider PoolStatsProvider
	interval time.Duration
	known    map[string]bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a new metrics collector
func NewCollector(provider PoolStatsProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		provider: provider,
		interval: interval,
		known:    make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is cancelled or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.Collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("Metrics collector started", "component", "METRICS", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Stop ends the collection loop.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect takes one sample of every pool. Series of pools that disappeared
// since the previous sample are removed.
func (c *Collector) Collect() {
	seen := make(map[string]bool)
	for _, s := range c.provider.PoolSamples() {
		seen[s.Config] = true
		DBPoolTotalConns.WithLabelValues(s.Config).Set(float64(s.TotalConns))
		DBPoolIdleConns.WithLabelValues(s.Config).Set(float64(s.IdleConns))
		DBPoolInUseConns.WithLabelValues(s.Config).Set(float64(s.AcquiredConns))
		DBPoolInFlight.WithLabelValues(s.Config).Set(float64(s.InFlight))
		DBCircuitBreakerState.WithLabelValues(s.Config).Set(float64(s.BreakerState))
		healthy := 0.0
		if s.Healthy {
			healthy = 1
		}
		DBPoolHealthy.WithLabelValues(s.Config).Set(healthy)
	}

	for name := range c.known {
		if !seen[name] {
			ForgetPool(name)
		}
	}
	c.known = seen
}
