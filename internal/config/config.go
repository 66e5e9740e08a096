// Package config loads and saves klingond's YAML configuration file,
// generalized from the teacher's swap-node config of the same shape:
// network identity, transport, DHT admission/timeouts, chain mining
// parameters, and storage/logging, all round-tripped through
// gopkg.in/yaml.v3 exactly as the teacher does.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkType selects mainnet or testnet. It changes the mDNS discovery
// tag (see ProtocolPrefix); DHT RPC streams use the same protocol ID on
// both networks.
type NetworkType string

const (
	NetworkMainnet NetworkType = "mainnet"
	NetworkTestnet NetworkType = "testnet"
)

const (
	MainnetProtocolPrefix = "/klingdht"
	TestnetProtocolPrefix = "/klingdht-testnet"
)

// Mode decides how a node behaves at startup: Bootstrap nodes issue
// tickets and seed a routing table from scratch; Join nodes obtain a
// ticket from a configured bootstrap and run node_lookup(self) once
// admitted; Client behaves like Join but never issues tickets itself
// (supplemented from original_source's NetworkMode enum, see SPEC_FULL.md §4).
type Mode string

const (
	ModeBootstrap Mode = "bootstrap"
	ModeJoin      Mode = "join"
	ModeClient    Mode = "client"
)

// Config holds every setting klingond needs at startup.
type Config struct {
	NetworkType NetworkType `yaml:"network_type"`
	Mode        Mode        `yaml:"mode"`

	Identity IdentityConfig `yaml:"identity"`
	Network  NetworkConfig  `yaml:"network"`
	DHT      DHTConfig      `yaml:"dht"`
	Chain    ChainConfig    `yaml:"chain"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// IdentityConfig locates the node's persisted Ed25519 seed.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds transport-level settings for the libp2p host that
// carries every DHT RPC stream.
type NetworkConfig struct {
	ListenAddrs    []string `yaml:"listen_addrs"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
	// BootstrapPeerKeys maps a bootstrap's "host:port" dial address (as it
	// appears in BootstrapPeers) to the hex-encoded Ed25519 public key it
	// signs tickets with. The admission handshake has no way to discover a
	// peer's key before dialing it, so a freshly joining node must be told
	// out of band which key to expect from each configured bootstrap.
	BootstrapPeerKeys map[string]string `yaml:"bootstrap_peer_keys"`
	EnableMDNS        bool              `yaml:"enable_mdns"`

	ConnMgr ConnMgrConfig `yaml:"conn_mgr"`
}

// ConnMgrConfig tunes libp2p's connection manager, pruning idle transport
// connections independently of Kademlia routing-table membership.
type ConnMgrConfig struct {
	LowWater    int           `yaml:"low_water"`
	HighWater   int           `yaml:"high_water"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// DHTConfig parameterizes the routing table, admission protocol, and
// reconciliation walk.
type DHTConfig struct {
	// K is the bucket-capacity constant (reference value 2).
	K int `yaml:"k"`
	// AdmissionDifficulty is the leading-zero-nibble requirement every
	// ticket's PoW must meet (reference value 5).
	AdmissionDifficulty int `yaml:"admission_difficulty"`
	// RPCTimeout bounds every outbound PING/STORE/FIND_NODE/FIND_VALUE call.
	RPCTimeout time.Duration `yaml:"rpc_timeout"`
	// MaxTTL bounds how many predecessor hops fix_chain will walk back
	// while reconciling a divergent chain tip.
	MaxTTL int `yaml:"max_ttl"`
	// PeerHealthPeriod is the cadence of the periodic PING sweep.
	PeerHealthPeriod time.Duration `yaml:"peer_health_period"`
}

// ChainConfig parameterizes mining.
type ChainConfig struct {
	// Difficulty is the leading-zero-nibble PoW target for mined blocks.
	Difficulty int `yaml:"difficulty"`
	// BatchSize caps how many pooled transactions one mined block seals,
	// itself capped by chain.MaxTransactionsPerBlock.
	BatchSize int `yaml:"batch_size"`
	// BatchPeriod is how often the miner loop wakes to drain the pool.
	// The reference uses 10s; other variants in original_source use up
	// to 2 minutes, so this is configurable rather than hardcoded.
	BatchPeriod time.Duration `yaml:"batch_period"`
}

// StorageConfig locates the node's SQLite database.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig controls pkg/logging's default logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ProtocolPrefix returns the protocol namespace for the configured
// network. Only the mDNS discovery tag is scoped by it; the DHT RPC
// protocol ID (dht.RPCProtocol) is the same on mainnet and testnet.
func (c *Config) ProtocolPrefix() string {
	if c.NetworkType == NetworkTestnet {
		return TestnetProtocolPrefix
	}
	return MainnetProtocolPrefix
}

// IsTestnet reports whether this config targets the testnet overlay.
func (c *Config) IsTestnet() bool {
	return c.NetworkType == NetworkTestnet
}

// DefaultConfig returns a Config with the reference constants from spec.md.
func DefaultConfig() *Config {
	return &Config{
		NetworkType: NetworkMainnet,
		Mode:        ModeJoin,
		Identity: IdentityConfig{
			KeyFile: "node.key",
		},
		Network: NetworkConfig{
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/4001",
			},
			BootstrapPeers: []string{},
			EnableMDNS:     true,
			ConnMgr: ConnMgrConfig{
				LowWater:    50,
				HighWater:   200,
				GracePeriod: time.Minute,
			},
		},
		DHT: DHTConfig{
			K:                   2,
			AdmissionDifficulty: 5,
			RPCTimeout:          10 * time.Second,
			MaxTTL:              1024,
			PeerHealthPeriod:    10 * time.Second,
		},
		Chain: ChainConfig{
			Difficulty:  5,
			BatchSize:   200,
			BatchPeriod: 10 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: "~/.klingdht",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ConfigFileName is the default config file name within a data directory.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from <dataDir>/config.yaml, creating a
// default file on first run.
func LoadConfig(dataDir string) (*Config, error) {
	expanded := expandPath(dataDir)
	path := filepath.Join(expanded, ConfigFileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("config: create default: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	header := []byte("# klingond configuration\n# Generated automatically on first run\n\n")
	if err := os.WriteFile(path, append(header, data...), 0600); err != nil {
		return fmt.Errorf("config: write file: %w", err)
	}
	return nil
}

// ConfigPath returns the full config file path for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
