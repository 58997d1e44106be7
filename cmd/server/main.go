// Command keymux runs the key pool coordination engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mbd888/keymux/internal/config"
	"github.com/mbd888/keymux/internal/logging"
	"github.com/mbd888/keymux/internal/server"
)

// Populated through -ldflags at release build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("keymux %s (%s)\n", version, commit)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "keymux:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.Env)
	storage := "memory"
	if cfg.DatabaseURL != "" {
		storage = "postgres"
	}
	logger.Info("starting keymux",
		"version", version,
		"commit", commit,
		"env", cfg.Env,
		"storage", storage,
		"strategy", cfg.Strategy,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(context.Background())
}
