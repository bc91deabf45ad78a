// Command beetled launches the beetle server: load configuration, open
// the sharded storage engine, and serve RESP connections until
// signaled to stop.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/beetledb/beetle/internal/config"
	"github.com/beetledb/beetle/internal/logging"
	"github.com/beetledb/beetle/internal/server"
	"github.com/beetledb/beetle/internal/shard"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "beetled:", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	engine, err := shard.Open(cfg)
	if err != nil {
		return fmt.Errorf("open storage engine: %w", err)
	}

	srv := server.New(cfg, engine)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.L().Infow("beetled: shutting down", "signal", sig.String())
		srv.Shutdown()
	}()

	logging.L().Infow("beetled: listening", "port", cfg.Port, "shards", cfg.DatabaseShards, "storage_directory", cfg.StorageDirectory)
	if err := srv.ListenAndServe(); err != nil {
		engine.Close()
		return fmt.Errorf("serve: %w", err)
	}

	if err := engine.Close(); err != nil {
		return fmt.Errorf("close storage engine: %w", err)
	}
	return nil
}
