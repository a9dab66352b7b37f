package main

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"Shardveil/internal/attest"
	"Shardveil/internal/connect"
	"Shardveil/internal/ledger"
	"Shardveil/internal/logger"
	"Shardveil/internal/router"
	"Shardveil/internal/sharding"
	"Shardveil/internal/watcher"
)

func main() {
	logger.Init(slog.LevelInfo)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg, err := parseFlags()
	if err != nil {
		return err
	}

	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	directory, err := sharding.NewDirectory(sharding.StaticSource(cfg.Shards), cfg.RefreshInterval)
	if err != nil {
		return err
	}
	defer directory.Close()

	server, err := router.NewServer(router.Config{
		Addr:          cfg.QUICAddress,
		Identity:      cfg.PrivateKey,
		ChainID:       cfg.ChainID,
		StoreVerifier: attest.NewVerifier(cfg.ChainID, cfg.StoreMeasurements),
		Retry: connect.RetryConfig{
			MaxAttempts:  cfg.RetryAttempts,
			BackoffDelay: cfg.RetryDelay,
		},
		QueryTimeout: cfg.QueryTimeout,
	}, directory)
	if err != nil {
		return fmt.Errorf("start router:\n%w", err)
	}
	defer server.Close()

	lgr, err := ledger.Open(filepath.Join(cfg.DataPath, "ledger"))
	if err != nil {
		return err
	}
	defer lgr.Close()

	var watcherStore *watcher.Store
	if len(cfg.WatcherSources) > 0 {
		watcherStore, err = watcher.Open(filepath.Join(cfg.DataPath, "watcher"), cfg.WatcherSources)
		if err != nil {
			return err
		}
		defer watcherStore.Close()
	}

	untrusted, err := router.NewUntrustedServer(cfg.HTTPAddress, lgr, watcherStore)
	if err != nil {
		return err
	}
	if err := untrusted.Start(); err != nil {
		return fmt.Errorf("start untrusted api:\n%w", err)
	}
	defer untrusted.Stop()

	printStartupInfo(cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	return nil
}

// printStartupInfo displays the router configuration at startup.
func printStartupInfo(cfg *Config) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	logger.Info("starting router",
		"measurement", attest.MeasurementOf(pubKey, cfg.ChainID),
		"chain", cfg.ChainID,
		"quic", cfg.QUICAddress,
		"http", cfg.HTTPAddress,
		"shards", len(cfg.Shards),
		"data", cfg.DataPath,
	)
}
