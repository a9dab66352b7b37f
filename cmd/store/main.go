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
	"Shardveil/internal/ledger"
	"Shardveil/internal/logger"
	"Shardveil/internal/sharding"
	"Shardveil/internal/store"
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
	cfg := parseFlags()
	if cfg.EpochWidth == 0 {
		return fmt.Errorf("epoch width must be positive")
	}

	var err error
	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	lgr, err := ledger.Open(filepath.Join(cfg.DataPath, "ledger"))
	if err != nil {
		return err
	}
	defer lgr.Close()

	watcherStore, err := watcher.Open(filepath.Join(cfg.DataPath, "watcher"), cfg.WatcherSources)
	if err != nil {
		return err
	}
	defer watcherStore.Close()

	shard := sharding.EpochStrategy{Width: cfg.EpochWidth}.RangeFor(cfg.Epoch)

	server, err := store.NewServer(store.Config{
		Addr:           cfg.QUICAddress,
		Identity:       cfg.PrivateKey,
		ChainID:        cfg.ChainID,
		Shard:          shard,
		TableCapacity:  cfg.TableCapacity,
		FollowInterval: cfg.FollowInterval,
	}, lgr, watcher.NewResolver(watcherStore))
	if err != nil {
		return fmt.Errorf("start store:\n%w", err)
	}
	defer server.Close()

	printStartupInfo(cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	return nil
}

// printStartupInfo displays the shard configuration at startup.
func printStartupInfo(cfg *Config) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	logger.Info("starting store shard",
		"measurement", attest.MeasurementOf(pubKey, cfg.ChainID),
		"chain", cfg.ChainID,
		"quic", cfg.QUICAddress,
		"shard", sharding.EpochStrategy{Width: cfg.EpochWidth}.RangeFor(cfg.Epoch),
		"data", cfg.DataPath,
	)
}
