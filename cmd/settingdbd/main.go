package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fwportal/settingdb/config"
	"github.com/fwportal/settingdb/logger"
	"github.com/fwportal/settingdb/pkg/errors"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("settingdbd version %s (commit: %s, built at: %s)\n", version, commit, date)
		return errors.ExitOK
	}

	if code, ok := loadAndValidateConfig(*configPath, &cfg, errorHandler); !ok {
		return code
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SETTINGDB: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "SETTINGDB: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Infof("settingdbd starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-signalChan:
			logger.Infof("Received signal: %s, shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	deps, err := initializeServices(ctx, cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		return errorHandler.WaitForExit()
	}

	errChan := startServices(ctx, cancel, deps, errorHandler)

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
	case err := <-errChan:
		errorHandler.FatalError("serve", err)
		cancel()
	}

	shutdownGrace, _ := cfg.Failover.GetShutdownGrace()
	deps.shutdown(shutdownGrace)

	code := errorHandler.Exit()
	logger.Info("settingdbd stopped", "exit_code", code)
	return code
}

// loadAndValidateConfig reads configPath over cfg. A missing default file is
// not an error; defaults are used instead.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) (int, bool) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if !os.IsNotExist(err) || configPath != "config.toml" {
			errorHandler.ConfigError(configPath, err)
			return errorHandler.WaitForExit(), false
		}
		logger.Infof("WARNING: default configuration file '%s' not found. Using application defaults.", configPath)
	} else {
		logger.Infof("loaded configuration from %s", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		return errorHandler.WaitForExit(), false
	}
	return 0, true
}

// waitTimeout waits for done or gives up after d.
func waitTimeout(done <-chan struct{}, d time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
