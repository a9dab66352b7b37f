package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"Shardveil/internal/attest"
	"Shardveil/internal/sharding"
)

// Config holds the router configuration.
type Config struct {
	// DataPath is the directory for the ledger and watcher replicas the
	// untrusted read path serves from.
	DataPath string

	// HTTPAddress is the untrusted read API listen address.
	HTTPAddress string

	// QUICAddress is the attested query listen address.
	QUICAddress string

	// KeyPath is the path to the Ed25519 identity key file.
	KeyPath string

	// PrivateKey is the router's Ed25519 signing identity.
	PrivateKey ed25519.PrivateKey

	// ChainID names the chain this deployment serves.
	ChainID string

	// Shards are the store endpoints and their block ranges.
	Shards []sharding.Endpoint

	// StoreMeasurements pins which store identities the router accepts.
	StoreMeasurements []attest.Measurement

	// RetryAttempts and RetryDelay shape the per-shard retry policy.
	RetryAttempts int
	RetryDelay    time.Duration

	// RefreshInterval paces shard-assignment refresh.
	RefreshInterval time.Duration

	// QueryTimeout bounds one shard fan-out.
	QueryTimeout time.Duration

	// WatcherSources are the configured timestamp observer URLs.
	WatcherSources []string
}

// parseFlags parses command-line flags into Config.
func parseFlags() (*Config, error) {
	cfg := &Config{}
	var shards, measurements, sources string

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "Untrusted read API address")
	flag.StringVar(&cfg.QUICAddress, "quic", ":9000", "Attested query address")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 identity key path (generates new if missing)")
	flag.StringVar(&cfg.ChainID, "chain-id", "local", "Chain ID")
	flag.StringVar(&shards, "shards", "", "Comma-separated shards as addr=start-end")
	flag.StringVar(&measurements, "store-measurements", "", "Comma-separated hex measurements of accepted stores")
	flag.IntVar(&cfg.RetryAttempts, "retry-attempts", 3, "Attempts per shard call")
	flag.DurationVar(&cfg.RetryDelay, "retry-delay", 200*time.Millisecond, "Delay between shard call attempts")
	flag.DurationVar(&cfg.RefreshInterval, "refresh-interval", 30*time.Second, "Shard assignment refresh interval")
	flag.DurationVar(&cfg.QueryTimeout, "query-timeout", 10*time.Second, "Shard fan-out timeout")
	flag.StringVar(&sources, "watcher-sources", "", "Comma-separated timestamp observer URLs")
	flag.Parse()

	var err error
	if cfg.Shards, err = parseShards(shards); err != nil {
		return nil, err
	}
	if cfg.StoreMeasurements, err = parseMeasurements(measurements); err != nil {
		return nil, err
	}

	for _, src := range strings.Split(sources, ",") {
		if src = strings.TrimSpace(src); src != "" {
			cfg.WatcherSources = append(cfg.WatcherSources, src)
		}
	}

	return cfg, nil
}

// parseShards parses "addr=start-end" entries.
func parseShards(raw string) ([]sharding.Endpoint, error) {
	var endpoints []sharding.Endpoint

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		addr, rangeSpec, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid shard %q: want addr=start-end", entry)
		}

		startStr, endStr, ok := strings.Cut(rangeSpec, "-")
		if !ok {
			return nil, fmt.Errorf("invalid shard range %q: want start-end", rangeSpec)
		}

		start, err := strconv.ParseUint(startStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid shard start %q:\n%w", startStr, err)
		}

		end, err := strconv.ParseUint(endStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid shard end %q:\n%w", endStr, err)
		}

		endpoints = append(endpoints, sharding.Endpoint{
			Addr:  addr,
			Range: sharding.BlockRange{Start: start, End: end},
		})
	}

	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one -shards entry is required")
	}

	return endpoints, nil
}

// parseMeasurements parses comma-separated hex measurements.
func parseMeasurements(raw string) ([]attest.Measurement, error) {
	var out []attest.Measurement

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		m, err := attest.ParseMeasurement(entry)
		if err != nil {
			return nil, err
		}

		out = append(out, m)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("at least one -store-measurements entry is required")
	}

	return out, nil
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
