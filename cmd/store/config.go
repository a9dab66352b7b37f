package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds the store shard configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// QUICAddress is the attested query listen address.
	QUICAddress string

	// KeyPath is the path to the Ed25519 identity key file.
	KeyPath string

	// PrivateKey is the shard's Ed25519 signing identity.
	PrivateKey ed25519.PrivateKey

	// ChainID names the chain this deployment serves.
	ChainID string

	// Epoch is the epoch this shard owns; with EpochWidth it determines
	// the owned block range.
	Epoch      uint64
	EpochWidth uint64

	// TableCapacity sizes the key-image table.
	TableCapacity uint64

	// FollowInterval paces ledger follow-up.
	FollowInterval time.Duration

	// WatcherSources are the configured timestamp observer URLs.
	WatcherSources []string
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}
	var sources string

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.QUICAddress, "quic", ":9100", "Attested query address")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 identity key path (generates new if missing)")
	flag.StringVar(&cfg.ChainID, "chain-id", "local", "Chain ID")
	flag.Uint64Var(&cfg.Epoch, "epoch", 0, "Owned epoch")
	flag.Uint64Var(&cfg.EpochWidth, "epoch-width", 1_000_000, "Blocks per epoch")
	flag.Uint64Var(&cfg.TableCapacity, "capacity", 1<<20, "Key-image table capacity")
	flag.DurationVar(&cfg.FollowInterval, "follow-interval", time.Second, "Ledger follow interval")
	flag.StringVar(&sources, "watcher-sources", "", "Comma-separated timestamp observer URLs")
	flag.Parse()

	for _, src := range strings.Split(sources, ",") {
		if src = strings.TrimSpace(src); src != "" {
			cfg.WatcherSources = append(cfg.WatcherSources, src)
		}
	}

	return cfg
}

// loadOrGenerateKey loads the identity key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key:\n%w", err)
		}
		return priv, nil
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key:\n%w", err)
		}
		if err := os.WriteFile(keyPath, priv, 0600); err != nil {
			return nil, fmt.Errorf("save key to %s:\n%w", keyPath, err)
		}
		return priv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}
