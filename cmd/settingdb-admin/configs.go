package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fwportal/settingdb/db"
	"github.com/fwportal/settingdb/logger"
	"github.com/fwportal/settingdb/pkg/configstore"
	"github.com/fwportal/settingdb/pkg/probe"
)

func openStore(ctx context.Context, configPath string, explicit bool) *configstore.SettingsStore {
	cfg := loadConfig(configPath, explicit)
	store, err := configstore.New(ctx, cfg.ConfigStore)
	if err != nil {
		logger.Fatalf("Failed to open config store: %v", err)
	}
	return store
}

func handleList(ctx context.Context) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: settingdb-admin list [--config config.toml]\nLists stored database configurations. Passwords are never printed.")
	}
	fs.Parse(os.Args[2:])

	store := openStore(ctx, *configPath, isFlagSet(fs, "config"))
	defer store.Close()

	summaries, err := store.List(ctx)
	if err != nil {
		logger.Fatalf("Failed to list configurations: %v", err)
	}

	marker, err := store.GetActiveMarker(ctx)
	if err != nil && !errors.Is(err, db.ErrConfigNotFound) {
		logger.Fatalf("Failed to read active marker: %v", err)
	}

	if len(summaries) == 0 {
		fmt.Println("No database configurations stored.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tHOST\tPORT\tDATABASE\tUSER\tSSL\tPASSWORD\tACTIVE\tUPDATED")
	for _, s := range summaries {
		active := ""
		if s.Name == marker.Name {
			active = "*"
		}
		password := "no"
		if s.HasPassword {
			password = "yes"
		}
		updated := "-"
		if !s.UpdatedAt.IsZero() {
			updated = s.UpdatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Name, s.Host, s.Port, s.Database, s.Username, s.SSLMode, password, active, updated)
	}
	w.Flush()
}

func handleShow(ctx context.Context) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	name := fs.String("name", "", "Configuration name (required)")
	fs.Usage = func() {
		fmt.Println("Usage: settingdb-admin show --name <name> [--config config.toml]")
	}
	fs.Parse(os.Args[2:])

	if *name == "" {
		fs.Usage()
		os.Exit(1)
	}

	store := openStore(ctx, *configPath, isFlagSet(fs, "config"))
	defer store.Close()

	cfg, err := store.Get(ctx, *name)
	if err != nil {
		logger.Fatalf("Failed to load configuration %q: %v", *name, err)
	}
	s := cfg.WithDefaults().Summary()

	fmt.Printf("Name:             %s\n", s.Name)
	fmt.Printf("Connection:       %s\n", cfg.RedactedConnString())
	fmt.Printf("SSL mode:         %s\n", s.SSLMode)
	fmt.Printf("Schema:           %s\n", s.Schema)
	fmt.Printf("Connect timeout:  %dms\n", s.ConnectionTimeoutMs)
	fmt.Printf("Password set:     %t\n", s.HasPassword)
	fmt.Printf("Fingerprint:      %s\n", cfg.Fingerprint())

	marker, err := store.GetActiveMarker(ctx)
	switch {
	case errors.Is(err, db.ErrConfigNotFound):
		fmt.Println("Active:           no (no activation recorded)")
	case err != nil:
		logger.Fatalf("Failed to read active marker: %v", err)
	case marker.Name == cfg.Name:
		fmt.Printf("Active:           yes (since %s by %s)\n", marker.ActivatedAt.Local().Format(time.DateTime), marker.ActivatedBy)
	default:
		fmt.Printf("Active:           no (%s is active)\n", marker.Name)
	}
}

func handleProbe(ctx context.Context) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	name := fs.String("name", "", "Configuration name (required)")
	timeout := fs.Duration("timeout", 0, "Probe timeout (default: the configuration's connection timeout)")
	fs.Usage = func() {
		fmt.Println("Usage: settingdb-admin probe --name <name> [--timeout 5s] [--config config.toml]\nOpens one connection to the configured database and runs a trivial query.")
	}
	fs.Parse(os.Args[2:])

	if *name == "" {
		fs.Usage()
		os.Exit(1)
	}

	store := openStore(ctx, *configPath, isFlagSet(fs, "config"))
	defer store.Close()

	cfg, err := store.Get(ctx, *name)
	if err != nil {
		logger.Fatalf("Failed to load configuration %q: %v", *name, err)
	}

	result := probe.New(nil).Test(ctx, cfg, *timeout)
	if !result.Reachable {
		fmt.Printf("%s: unreachable (%s) after %dms\n", cfg.Name, result.ErrorKind, result.LatencyMs)
		if result.Message != "" {
			fmt.Printf("  %s\n", result.Message)
		}
		os.Exit(2)
	}
	fmt.Printf("%s: reachable in %dms\n", cfg.Name, result.LatencyMs)
}
