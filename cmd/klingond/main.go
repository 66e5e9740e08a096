// Package main provides klingond, the auction network's DHT and blockchain
// node daemon.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/klingon-tech/klingdht/internal/config"
	"github.com/klingon-tech/klingdht/internal/p2p"
	"github.com/klingon-tech/klingdht/internal/storage"
	"github.com/klingon-tech/klingdht/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir        = flag.String("data-dir", "~/.klingdht", "Data directory")
		configFile     = flag.String("config", "", "Config file path; only its directory is used, and config.yaml is read from there (default: <data-dir>/config.yaml)")
		listenAddr     = flag.String("listen", "", "Listen address (multiaddr), overrides config")
		enableMDNS     = flag.Bool("mdns", true, "Enable mDNS discovery")
		testnet        = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peers (comma-separated host:port)")
		mode           = flag.String("mode", "", "Node mode: bootstrap, join, or client, overrides config")
		logLevel       = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("klingond %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	configDir := effectiveDataDir
	if *configFile != "" {
		configDir = filepath.Dir(*configFile)
	}
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	if *listenAddr != "" {
		cfg.Network.ListenAddrs = []string{*listenAddr}
	}
	cfg.Network.EnableMDNS = *enableMDNS
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = effectiveDataDir

	if *testnet {
		cfg.NetworkType = config.NetworkTestnet
	} else {
		cfg.NetworkType = config.NetworkMainnet
	}

	if *bootstrapPeers != "" {
		cfg.Network.BootstrapPeers = parseBootstrapPeers(*bootstrapPeers)
	}
	if *mode != "" {
		cfg.Mode = config.Mode(*mode)
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(configDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", cfg.Storage.DataDir)

	log.Info("Starting klingdht node...", "mode", cfg.Mode)
	n, err := p2p.New(ctx, cfg, store)
	if err != nil {
		log.Fatal("Failed to create node", "error", err)
	}

	for addr, hexKey := range cfg.Network.BootstrapPeerKeys {
		host, port, err := splitBootstrapAddr(addr)
		if err != nil {
			log.Warn("invalid bootstrap_peer_keys address", "addr", addr, "error", err)
			continue
		}
		raw, err := hex.DecodeString(hexKey)
		if err != nil || len(raw) != 32 {
			log.Warn("invalid bootstrap_peer_keys public key", "addr", addr, "error", err)
			continue
		}
		var pub [32]byte
		copy(pub[:], raw)
		n.RememberPeerKey(host, port, pub)
	}

	printBanner(log, n, cfg)

	go func() {
		if err := n.Run(ctx); err != nil {
			log.Error("node run loop exited", "error", err)
		}
	}()

	checkpointPeriod := 60 * time.Second
	go func() {
		ticker := time.NewTicker(checkpointPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := n.Checkpoint(); err != nil {
					log.Warn("checkpoint failed", "error", err)
				} else if head, ok := n.Chain().GetBlockchainHead(); ok {
					log.Info("Status", "chain_height", head.Header.Index, "peers", n.Table().Len())
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down...")

	cancel()

	if err := n.Checkpoint(); err != nil {
		log.Error("final checkpoint failed", "error", err)
	}

	log.Info("Goodbye!")
}

func splitBootstrapAddr(addr string) (string, uint16, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("%q is not a host:port address", addr)
	}
	port, err := strconv.ParseUint(addr[idx+1:], 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return addr[:idx], uint16(port), nil
}

func printBanner(log *logging.Logger, n *p2p.Node, cfg *config.Config) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  klingdht node (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Node ID: %s", n.ID().String())
	log.Infof("  Mode: %s", cfg.Mode)
	if cfg.Mode == config.ModeBootstrap {
		log.Infof("  Public key (for joiners' bootstrap_peer_keys): %s", n.PublicKeyHex())
	}
	log.Info("")
	log.Infof("  Network: %s | mDNS: %v", networkLabel, cfg.Network.EnableMDNS)
	log.Infof("  Data dir: %s", cfg.Storage.DataDir)
	log.Info("=================================================")
	log.Info("")
}

func parseBootstrapPeers(s string) []string {
	if s == "" {
		return nil
	}
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
