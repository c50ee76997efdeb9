package failover

import (
	"fmt"
	"time"

	"github.com/fwportal/settingdb/config"
	"github.com/fwportal/settingdb/pkg/poolregistry"
)

// Options controls the controller. Zero durations take the defaults of
// config.FailoverConfig.
type Options struct {
	PrimaryName          string
	FallbackName         string
	HealthCheckInterval  time.Duration
	ProbeTimeout         time.Duration
	OpenTimeout          time.Duration
	DrainGrace           time.Duration
	ActivationTimeout    time.Duration
	FailureThreshold     int
	RestartAfterActivate bool
}

func (o Options) withDefaults() Options {
	if o.PrimaryName == "" {
		o.PrimaryName = "settingdb"
	}
	if o.FallbackName == "" {
		o.FallbackName = "fallback"
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = 30 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 10 * time.Second
	}
	if o.DrainGrace <= 0 {
		o.DrainGrace = 5 * time.Second
	}
	if o.ActivationTimeout <= 0 {
		o.ActivationTimeout = 30 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 1
	}
	return o
}

// OptionsFromConfig converts the [failover] section into controller and
// registry options.
func OptionsFromConfig(cfg config.FailoverConfig) (Options, poolregistry.Options, error) {
	var (
		opts Options
		reg  poolregistry.Options
		err  error
	)
	opts.PrimaryName = cfg.PrimaryName
	opts.FallbackName = cfg.FallbackName
	opts.FailureThreshold = cfg.GetFailureThreshold()
	opts.RestartAfterActivate = cfg.RestartAfterActivate

	durations := []struct {
		name string
		get  func() (time.Duration, error)
		dst  *time.Duration
	}{
		{"health_check_interval", cfg.GetHealthCheckInterval, &opts.HealthCheckInterval},
		{"probe_timeout", cfg.GetProbeTimeout, &opts.ProbeTimeout},
		{"open_timeout", cfg.GetOpenTimeout, &opts.OpenTimeout},
		{"drain_grace", cfg.GetDrainGrace, &opts.DrainGrace},
		{"activation_timeout", cfg.GetActivationTimeout, &opts.ActivationTimeout},
		{"acquire_timeout", cfg.GetAcquireTimeout, &reg.AcquireTimeout},
		{"breaker_timeout", cfg.GetBreakerTimeout, &reg.BreakerTimeout},
		{"slow_acquire_threshold", cfg.GetSlowAcquireThreshold, &reg.SlowAcquireThreshold},
	}
	for _, d := range durations {
		if *d.dst, err = d.get(); err != nil {
			return Options{}, poolregistry.Options{}, fmt.Errorf("invalid failover.%s: %w", d.name, err)
		}
	}
	reg.DrainGrace = opts.DrainGrace
	reg.BreakerFailures = uint32(cfg.GetBreakerFailures())
	return opts, reg, nil
}
