// Package config provides centralized configuration for the crosshatch
// orchestrator. ALL tunable parameters (timelock windows, auction pricing,
// session limits, retry schedules) MUST be defined here. No hardcoded
// values should exist elsewhere in the codebase.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crosshatch-labs/crosshatch/internal/backend"
	"github.com/crosshatch-labs/crosshatch/internal/chain"
)

// Network-specific constants for peer separation on the announce layer.
const (
	// Mainnet
	MainnetDHTPrefix   = "/crosshatch"
	MainnetDiscoveryNS = "crosshatch-mainnet"

	// Testnet
	TestnetDHTPrefix   = "/crosshatch-testnet"
	TestnetDiscoveryNS = "crosshatch-testnet"
)

// MaxSlippageBPS caps requested slippage tolerance (1000 = 10%).
// Duration bounds on the finality lock live in the timelock package.
const MaxSlippageBPS = 1000

// Config holds all configuration for the orchestrator daemon.
type Config struct {
	// Network selects mainnet or testnet chain parameters.
	Network chain.Network `yaml:"network"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// RPC is the JSON-RPC and WebSocket API surface.
	RPC RPCConfig `yaml:"rpc"`

	// Secrets controls the preimage vault.
	Secrets SecretsConfig `yaml:"secrets"`

	// Sessions controls the session store.
	Sessions SessionsConfig `yaml:"sessions"`

	// Timelock holds the escrow window durations.
	Timelock TimelockConfig `yaml:"timelock"`

	// Auction holds Dutch auction pricing parameters.
	Auction AuctionConfig `yaml:"auction"`

	// Monitor controls chain event polling.
	Monitor MonitorConfig `yaml:"monitor"`

	// Coordinator holds retry schedules for escrow writes.
	Coordinator CoordinatorConfig `yaml:"coordinator"`

	// Oracle selects the price source for quoting.
	Oracle OracleConfig `yaml:"oracle"`

	// Notify controls the subscription registry.
	Notify NotifyConfig `yaml:"notify"`

	// Wallet controls operator key derivation.
	Wallet WalletConfig `yaml:"wallet"`

	// Announce controls the optional P2P announce layer.
	Announce AnnounceConfig `yaml:"announce"`

	// Chains holds per-symbol endpoint configuration. Symbols not listed
	// here fall back to built-in defaults.
	Chains map[string]*ChainConfig `yaml:"chains,omitempty"`

	// Backends holds UTXO chain API configurations per chain symbol.
	// If not specified, defaults to public APIs (mempool.space, etc.)
	Backends map[string]*backend.Config `yaml:"backends,omitempty"`
}

// DHTPrefix returns the DHT protocol prefix for the configured network.
func (c *Config) DHTPrefix() string {
	if c.IsTestnet() {
		return TestnetDHTPrefix
	}
	return MainnetDHTPrefix
}

// DiscoveryNamespace returns the discovery namespace for the configured network.
func (c *Config) DiscoveryNamespace() string {
	if c.IsTestnet() {
		return TestnetDiscoveryNS
	}
	return MainnetDiscoveryNS
}

// IsTestnet returns true if running on testnet.
func (c *Config) IsTestnet() bool {
	return c.Network == chain.Testnet
}

// GetChainConfig returns the chain config for a symbol, or nil if the
// symbol has no explicit entry.
func (c *Config) GetChainConfig(symbol string) *ChainConfig {
	if c.Chains == nil {
		return nil
	}
	return c.Chains[symbol]
}

// GetBackendConfig returns the backend config for a chain symbol.
// Returns default config if not explicitly configured.
func (c *Config) GetBackendConfig(symbol string) *backend.Config {
	if c.Backends != nil {
		if cfg, ok := c.Backends[symbol]; ok {
			return cfg
		}
	}
	defaults := backend.DefaultConfigs()
	if cfg, ok := defaults[symbol]; ok {
		return cfg
	}
	return nil
}

// GetBackendURL returns the appropriate backend URL for the chain and network.
func (c *Config) GetBackendURL(symbol string) string {
	cfg := c.GetBackendConfig(symbol)
	if cfg == nil {
		return ""
	}
	if c.IsTestnet() {
		return cfg.TestnetURL
	}
	return cfg.MainnetURL
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stdout).
	File string `yaml:"file"`
}

// RPCConfig holds API server settings.
type RPCConfig struct {
	// Listen is the HTTP listen address for JSON-RPC and WebSocket.
	Listen string `yaml:"listen"`

	// AuthToken, if set, is required in the WebSocket auth handshake.
	AuthToken string `yaml:"auth_token,omitempty"`
}

// SecretsConfig holds preimage vault settings.
type SecretsConfig struct {
	// Lifetime is how long a preimage is retained after creation.
	Lifetime time.Duration `yaml:"lifetime"`

	// SweepInterval is how often expired preimages are purged.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// PassphraseEnv names the environment variable holding the vault
	// passphrase. Takes precedence over PassphraseFile.
	PassphraseEnv string `yaml:"passphrase_env"`

	// PassphraseFile is a file containing the vault passphrase.
	PassphraseFile string `yaml:"passphrase_file,omitempty"`
}

// SessionsConfig holds session store settings.
type SessionsConfig struct {
	// Capacity is the maximum number of concurrently active sessions.
	Capacity int `yaml:"capacity"`

	// ExpiryGrace is how long terminal sessions remain readable before
	// eviction.
	ExpiryGrace time.Duration `yaml:"expiry_grace"`

	// Backend selects the store implementation: "memory" or "sqlite".
	Backend string `yaml:"backend"`
}

// TimelockConfig holds escrow window durations. The finality lock itself
// is a per-session parameter supplied at creation time.
type TimelockConfig struct {
	// PublicWindow is how long after the exclusive withdrawal opens that
	// any party may trigger withdrawal on the source escrow.
	PublicWindow time.Duration `yaml:"public_window"`

	// CancelWindow is how long after the public window closes that the
	// source escrow becomes cancellable.
	CancelWindow time.Duration `yaml:"cancel_window"`

	// SafetyBuffer is how much earlier the destination escrow expires
	// than the source withdrawal opens.
	SafetyBuffer time.Duration `yaml:"safety_buffer"`
}

// AuctionConfig holds Dutch auction pricing parameters.
type AuctionConfig struct {
	// PremiumBPS is the starting markup over the oracle rate (50 = 0.5%).
	PremiumBPS uint32 `yaml:"premium_bps"`

	// DiscountBPS is the final markdown under the oracle rate.
	DiscountBPS uint32 `yaml:"discount_bps"`

	// ProtocolFeeBPS is charged on the source amount of every session.
	ProtocolFeeBPS uint32 `yaml:"protocol_fee_bps"`

	// BaseDuration is the decay duration at normal urgency.
	BaseDuration time.Duration `yaml:"base_duration"`

	// QuoteValidity is how long an issued quote remains executable.
	QuoteValidity time.Duration `yaml:"quote_validity"`
}

// MonitorConfig holds chain event polling settings.
type MonitorConfig struct {
	// PollInterval is the cadence of the scan loop per chain.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ChunkSize is the maximum block span per log query.
	ChunkSize uint64 `yaml:"chunk_size"`

	// ReorgBuffer is how many recent blocks are re-checked for hash
	// divergence on each pass.
	ReorgBuffer uint64 `yaml:"reorg_buffer"`
}

// CoordinatorConfig holds the retry schedule for escrow writes.
type CoordinatorConfig struct {
	// RetryInterval is the initial wait after a transient failure.
	RetryInterval time.Duration `yaml:"retry_interval"`

	// RetryFactor scales the wait after every failed attempt.
	RetryFactor float64 `yaml:"retry_factor"`

	// RetryMaxInterval caps the wait between attempts.
	RetryMaxInterval time.Duration `yaml:"retry_max_interval"`

	// RetryAttempts bounds the tries per escrow write before the
	// session is failed.
	RetryAttempts int `yaml:"retry_attempts"`
}

// OracleConfig selects the price source for quoting.
type OracleConfig struct {
	// Provider is "static" or "http".
	Provider string `yaml:"provider"`

	// URL is the price API base URL for the http provider.
	URL string `yaml:"url,omitempty"`

	// RefreshInterval is how often cached rates are refreshed.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// Pairs are streamed on the price feed.
	Pairs []string `yaml:"pairs,omitempty"`

	// Rates seeds the static provider, keyed by pair ("ETH/USD").
	Rates map[string]float64 `yaml:"rates,omitempty"`
}

// NotifyConfig holds subscription registry settings.
type NotifyConfig struct {
	// Backlog is the per-subscriber pending message cap. Subscribers
	// that fall further behind are dropped.
	Backlog int `yaml:"backlog"`
}

// WalletConfig holds operator wallet settings.
type WalletConfig struct {
	// MnemonicEnv names the environment variable holding the BIP39
	// mnemonic. Takes precedence over MnemonicFile.
	MnemonicEnv string `yaml:"mnemonic_env"`

	// MnemonicFile is a file containing the mnemonic.
	MnemonicFile string `yaml:"mnemonic_file,omitempty"`

	// Account is the BIP44 account index for operator keys.
	Account uint32 `yaml:"account"`
}

// AnnounceConfig holds P2P announce layer settings.
type AnnounceConfig struct {
	// Enabled turns the announce layer on. Off by default; the daemon is
	// fully functional without it.
	Enabled bool `yaml:"enabled"`

	// KeyFile is the path to the announce identity key file.
	KeyFile string `yaml:"key_file"`

	// ListenAddrs are the multiaddrs to listen on.
	ListenAddrs []string `yaml:"listen_addrs"`

	// BootstrapPeers are the initial peers to connect to.
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	// EnableMDNS enables local peer discovery via mDNS.
	EnableMDNS bool `yaml:"enable_mdns"`

	// EnableDHT enables the Kademlia DHT for peer discovery.
	EnableDHT bool `yaml:"enable_dht"`

	// ConnMgr holds connection manager settings.
	ConnMgr ConnMgrConfig `yaml:"conn_mgr"`
}

// ConnMgrConfig holds connection manager settings.
type ConnMgrConfig struct {
	// LowWater is the minimum number of connections to maintain.
	LowWater int `yaml:"low_water"`

	// HighWater is the maximum number of connections before pruning.
	HighWater int `yaml:"high_water"`

	// GracePeriod is how long to wait before closing new connections.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// ChainConfig holds per-symbol endpoint configuration.
type ChainConfig struct {
	// Endpoints are ranked RPC endpoints. The first reachable endpoint
	// whose chain ID matches is used; later entries are failover.
	Endpoints []string `yaml:"endpoints"`

	// Escrow overrides the built-in escrow contract address (EVM only).
	Escrow string `yaml:"escrow,omitempty"`

	// Confirmations overrides the chain's default finality depth.
	Confirmations uint64 `yaml:"confirmations,omitempty"`

	// PollInterval overrides the monitor's scan cadence for this chain.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// SentinelInterval is the health probe cadence for ranked failover.
	SentinelInterval time.Duration `yaml:"sentinel_interval,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: chain.Mainnet,
		Storage: StorageConfig{
			DataDir: "~/.crosshatch",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
		RPC: RPCConfig{
			Listen: "127.0.0.1:8080",
		},
		Secrets: SecretsConfig{
			Lifetime:      24 * time.Hour,
			SweepInterval: time.Minute,
			PassphraseEnv: "CROSSHATCH_VAULT_PASSPHRASE",
		},
		Sessions: SessionsConfig{
			Capacity:    1000,
			ExpiryGrace: 2 * time.Hour,
			Backend:     "sqlite",
		},
		Timelock: TimelockConfig{
			PublicWindow: 10 * time.Minute,
			CancelWindow: time.Hour,
			SafetyBuffer: 2 * time.Hour,
		},
		Auction: AuctionConfig{
			PremiumBPS:     50,
			DiscountBPS:    50,
			ProtocolFeeBPS: 10,
			BaseDuration:   5 * time.Minute,
			QuoteValidity:  time.Minute,
		},
		Monitor: MonitorConfig{
			PollInterval: 5 * time.Second,
			ChunkSize:    100,
			ReorgBuffer:  10,
		},
		Coordinator: CoordinatorConfig{
			RetryInterval:    time.Second,
			RetryFactor:      2,
			RetryMaxInterval: 5 * time.Second,
			RetryAttempts:    3,
		},
		Oracle: OracleConfig{
			Provider:        "static",
			RefreshInterval: 30 * time.Second,
			Pairs:           []string{"ETH/BTC"},
			Rates: map[string]float64{
				"ETH/USD": 3000,
				"BTC/USD": 60000,
			},
		},
		Notify: NotifyConfig{
			Backlog: 64,
		},
		Wallet: WalletConfig{
			MnemonicEnv: "CROSSHATCH_MNEMONIC",
			Account:     0,
		},
		Announce: AnnounceConfig{
			Enabled: false,
			KeyFile: "announce.key",
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/4002",
				"/ip4/0.0.0.0/udp/4002/quic-v1",
			},
			BootstrapPeers: []string{},
			EnableMDNS:     true,
			EnableDHT:      true,
			ConnMgr: ConnMgrConfig{
				LowWater:    100,
				HighWater:   400,
				GracePeriod: time.Minute,
			},
		},
		Chains: map[string]*ChainConfig{
			"ETH": {
				Endpoints: []string{
					"https://eth.llamarpc.com",
					"https://ethereum-rpc.publicnode.com",
				},
				SentinelInterval: 30 * time.Second,
			},
		},
	}
}

// Validate checks configuration ranges. Called after load so a bad config
// file fails fast instead of surfacing mid-swap.
func (c *Config) Validate() error {
	if c.Network != chain.Mainnet && c.Network != chain.Testnet {
		return fmt.Errorf("invalid network %q", c.Network)
	}
	if c.Sessions.Capacity <= 0 {
		return fmt.Errorf("sessions.capacity must be positive, got %d", c.Sessions.Capacity)
	}
	if c.Sessions.Backend != "memory" && c.Sessions.Backend != "sqlite" {
		return fmt.Errorf("sessions.backend must be memory or sqlite, got %q", c.Sessions.Backend)
	}
	if c.Secrets.Lifetime <= 0 {
		return fmt.Errorf("secrets.lifetime must be positive")
	}
	if c.Monitor.ChunkSize == 0 || c.Monitor.ChunkSize > 1000 {
		return fmt.Errorf("monitor.chunk_size must be in 1..1000, got %d", c.Monitor.ChunkSize)
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive")
	}
	if c.Auction.PremiumBPS > 10000 || c.Auction.DiscountBPS > 10000 {
		return fmt.Errorf("auction premium/discount must be at most 10000 bps")
	}
	if c.Auction.ProtocolFeeBPS > 10000 {
		return fmt.Errorf("auction protocol fee must be at most 10000 bps")
	}
	if c.Auction.BaseDuration <= 0 || c.Auction.QuoteValidity <= 0 {
		return fmt.Errorf("auction durations must be positive")
	}
	if c.Timelock.PublicWindow <= 0 || c.Timelock.CancelWindow <= 0 || c.Timelock.SafetyBuffer <= 0 {
		return fmt.Errorf("timelock windows must be positive")
	}
	if c.Coordinator.RetryAttempts <= 0 {
		return fmt.Errorf("coordinator.retry_attempts must be positive, got %d", c.Coordinator.RetryAttempts)
	}
	if c.Coordinator.RetryFactor < 1 {
		return fmt.Errorf("coordinator.retry_factor must be at least 1, got %v", c.Coordinator.RetryFactor)
	}
	if c.Oracle.Provider != "static" && c.Oracle.Provider != "http" {
		return fmt.Errorf("oracle.provider must be static or http, got %q", c.Oracle.Provider)
	}
	if c.Oracle.Provider == "static" && len(c.Oracle.Rates) == 0 {
		return fmt.Errorf("oracle.rates must be set for the static provider")
	}
	if c.Oracle.Provider == "http" && c.Oracle.URL == "" {
		return fmt.Errorf("oracle.url must be set for the http provider")
	}
	if c.Notify.Backlog < 0 {
		return fmt.Errorf("notify.backlog must not be negative, got %d", c.Notify.Backlog)
	}
	return nil
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := ExpandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Create default config
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		// Save default config
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	// Load existing config
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add header comment
	header := []byte("# Crosshatch Orchestrator Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// VaultPassphrase resolves the vault passphrase from the environment or the
// configured passphrase file.
func (c *Config) VaultPassphrase() (string, error) {
	if c.Secrets.PassphraseEnv != "" {
		if v := os.Getenv(c.Secrets.PassphraseEnv); v != "" {
			return v, nil
		}
	}
	if c.Secrets.PassphraseFile != "" {
		data, err := os.ReadFile(ExpandPath(c.Secrets.PassphraseFile))
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase file: %w", err)
		}
		// Trim a single trailing newline from editors that add one.
		s := string(data)
		for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
			s = s[:len(s)-1]
		}
		if s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("vault passphrase not configured (set %s or secrets.passphrase_file)", c.Secrets.PassphraseEnv)
}

// WalletMnemonic resolves the operator mnemonic from the environment or
// the configured mnemonic file.
func (c *Config) WalletMnemonic() (string, error) {
	if c.Wallet.MnemonicEnv != "" {
		if v := os.Getenv(c.Wallet.MnemonicEnv); v != "" {
			return v, nil
		}
	}
	if c.Wallet.MnemonicFile != "" {
		data, err := os.ReadFile(ExpandPath(c.Wallet.MnemonicFile))
		if err != nil {
			return "", fmt.Errorf("failed to read mnemonic file: %w", err)
		}
		s := string(data)
		for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
			s = s[:len(s)-1]
		}
		if s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("operator mnemonic not configured (set %s or wallet.mnemonic_file)", c.Wallet.MnemonicEnv)
}
