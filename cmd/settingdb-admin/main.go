package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fwportal/settingdb/config"
	"github.com/fwportal/settingdb/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	switch command {
	case "migrate":
		handleMigrateCommand(ctx)
	case "list":
		handleList(ctx)
	case "show":
		handleShow(ctx)
	case "probe":
		handleProbe(ctx)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`settingdb Admin Tool

Usage:
  settingdb-admin <command> [options]

Commands:
  migrate   Manage the settings table schema (up, down, version, force)
  list      List stored database configurations without credentials
  show      Show one stored configuration and the active marker
  probe     Test a stored configuration with a single connection
  help      Show this help message

Examples:
  settingdb-admin migrate up --config /etc/settingdb/config.toml
  settingdb-admin list
  settingdb-admin probe --name fallback --timeout 3s

Use 'settingdb-admin <command> --help' for more information about a command.
`)
}

// loadConfig reads the server configuration. A missing file is only fatal
// when the path was given explicitly.
func loadConfig(configPath string, explicit bool) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(configPath, &cfg); err != nil {
		if os.IsNotExist(err) && !explicit {
			logger.Infof("WARNING: default configuration file '%s' not found. Using defaults.", configPath)
		} else {
			logger.Fatalf("Failed to load configuration file '%s': %v", configPath, err)
		}
	}
	return cfg
}
