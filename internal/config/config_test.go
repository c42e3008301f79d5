package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosshatch-labs/crosshatch/internal/chain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Network != chain.Mainnet {
		t.Errorf("Network = %s, want mainnet", cfg.Network)
	}
	if cfg.Secrets.Lifetime != 24*time.Hour {
		t.Errorf("Secrets.Lifetime = %v, want 24h", cfg.Secrets.Lifetime)
	}
	if cfg.Sessions.Capacity != 1000 {
		t.Errorf("Sessions.Capacity = %d, want 1000", cfg.Sessions.Capacity)
	}
	if cfg.Sessions.ExpiryGrace != 2*time.Hour {
		t.Errorf("Sessions.ExpiryGrace = %v, want 2h", cfg.Sessions.ExpiryGrace)
	}
	if cfg.Timelock.PublicWindow != 10*time.Minute {
		t.Errorf("Timelock.PublicWindow = %v, want 10m", cfg.Timelock.PublicWindow)
	}
	if cfg.Timelock.SafetyBuffer != 2*time.Hour {
		t.Errorf("Timelock.SafetyBuffer = %v, want 2h", cfg.Timelock.SafetyBuffer)
	}
	if cfg.Auction.PremiumBPS != 50 {
		t.Errorf("Auction.PremiumBPS = %d, want 50", cfg.Auction.PremiumBPS)
	}
	if cfg.Auction.BaseDuration != 5*time.Minute {
		t.Errorf("Auction.BaseDuration = %v, want 5m", cfg.Auction.BaseDuration)
	}
	if cfg.Auction.QuoteValidity != time.Minute {
		t.Errorf("Auction.QuoteValidity = %v, want 1m", cfg.Auction.QuoteValidity)
	}
	if cfg.Monitor.PollInterval != 5*time.Second {
		t.Errorf("Monitor.PollInterval = %v, want 5s", cfg.Monitor.PollInterval)
	}
	if cfg.Monitor.ChunkSize != 100 {
		t.Errorf("Monitor.ChunkSize = %d, want 100", cfg.Monitor.ChunkSize)
	}
	if cfg.Monitor.ReorgBuffer != 10 {
		t.Errorf("Monitor.ReorgBuffer = %d, want 10", cfg.Monitor.ReorgBuffer)
	}
	if cfg.Coordinator.RetryInterval != time.Second || cfg.Coordinator.RetryAttempts != 3 {
		t.Errorf("retry schedule = %v/%d attempts, want 1s/3",
			cfg.Coordinator.RetryInterval, cfg.Coordinator.RetryAttempts)
	}
	if cfg.Coordinator.RetryMaxInterval != 5*time.Second {
		t.Errorf("Coordinator.RetryMaxInterval = %v, want 5s", cfg.Coordinator.RetryMaxInterval)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidationBounds(t *testing.T) {
	if MaxSlippageBPS != 1000 {
		t.Errorf("MaxSlippageBPS = %d, want 1000", MaxSlippageBPS)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.Sessions.Capacity = 0 }},
		{"bad store backend", func(c *Config) { c.Sessions.Backend = "redis" }},
		{"zero chunk size", func(c *Config) { c.Monitor.ChunkSize = 0 }},
		{"oversized chunk", func(c *Config) { c.Monitor.ChunkSize = 5000 }},
		{"bad oracle provider", func(c *Config) { c.Oracle.Provider = "chainlink" }},
		{"static oracle without rates", func(c *Config) { c.Oracle.Rates = nil }},
		{"http oracle without url", func(c *Config) { c.Oracle.Provider = "http" }},
		{"negative notify backlog", func(c *Config) { c.Notify.Backlog = -1 }},
		{"bad network", func(c *Config) { c.Network = "devnet" }},
		{"zero secret lifetime", func(c *Config) { c.Secrets.Lifetime = 0 }},
		{"zero public window", func(c *Config) { c.Timelock.PublicWindow = 0 }},
		{"oversized premium", func(c *Config) { c.Auction.PremiumBPS = 20000 }},
		{"zero retry attempts", func(c *Config) { c.Coordinator.RetryAttempts = 0 }},
		{"shrinking retry factor", func(c *Config) { c.Coordinator.RetryFactor = 0.5 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Sessions.Capacity != 1000 {
		t.Errorf("Sessions.Capacity = %d, want 1000", cfg.Sessions.Capacity)
	}

	// The file should now exist and reload cleanly.
	if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	cfg2, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() reload error = %v", err)
	}
	if cfg2.Sessions.Capacity != cfg.Sessions.Capacity {
		t.Error("reloaded config should match saved defaults")
	}
}

func TestLoadConfigOverlay(t *testing.T) {
	dir := t.TempDir()

	partial := `
network: testnet
sessions:
  capacity: 50
auction:
  premium_bps: 25
`
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(partial), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	// Overridden values
	if cfg.Network != chain.Testnet {
		t.Errorf("Network = %s, want testnet", cfg.Network)
	}
	if cfg.Sessions.Capacity != 50 {
		t.Errorf("Sessions.Capacity = %d, want 50", cfg.Sessions.Capacity)
	}
	if cfg.Auction.PremiumBPS != 25 {
		t.Errorf("Auction.PremiumBPS = %d, want 25", cfg.Auction.PremiumBPS)
	}

	// Untouched values keep defaults
	if cfg.Sessions.Backend != "sqlite" {
		t.Errorf("Sessions.Backend = %s, want sqlite default", cfg.Sessions.Backend)
	}
	if cfg.Monitor.ChunkSize != 100 {
		t.Errorf("Monitor.ChunkSize = %d, want 100 default", cfg.Monitor.ChunkSize)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	bad := `
sessions:
  capacity: -5
`
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(bad), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(dir); err == nil {
		t.Error("LoadConfig() should reject invalid config")
	}
}

func TestNetworkHelpers(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.IsTestnet() {
		t.Error("default config should be mainnet")
	}
	if cfg.DHTPrefix() != MainnetDHTPrefix {
		t.Errorf("DHTPrefix = %s, want %s", cfg.DHTPrefix(), MainnetDHTPrefix)
	}
	if cfg.DiscoveryNamespace() != MainnetDiscoveryNS {
		t.Errorf("DiscoveryNamespace = %s, want %s", cfg.DiscoveryNamespace(), MainnetDiscoveryNS)
	}

	cfg.Network = chain.Testnet
	if !cfg.IsTestnet() {
		t.Error("testnet config should report testnet")
	}
	if cfg.DHTPrefix() != TestnetDHTPrefix {
		t.Errorf("DHTPrefix = %s, want %s", cfg.DHTPrefix(), TestnetDHTPrefix)
	}
}

func TestGetBackendURL(t *testing.T) {
	cfg := DefaultConfig()

	// Defaults come from the backend package.
	url := cfg.GetBackendURL("BTC")
	if url != "https://mempool.space/api" {
		t.Errorf("BTC mainnet backend URL = %s, want mempool.space", url)
	}

	cfg.Network = chain.Testnet
	url = cfg.GetBackendURL("BTC")
	if url == "" {
		t.Error("BTC testnet backend URL should not be empty")
	}

	// Unknown symbols have no backend.
	if cfg.GetBackendURL("INVALID") != "" {
		t.Error("unknown symbol should return empty URL")
	}
}

func TestVaultPassphraseEnv(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv(cfg.Secrets.PassphraseEnv, "hunter2-but-longer")

	pass, err := cfg.VaultPassphrase()
	if err != nil {
		t.Fatalf("VaultPassphrase() error = %v", err)
	}
	if pass != "hunter2-but-longer" {
		t.Errorf("passphrase = %q, want env value", pass)
	}
}

func TestVaultPassphraseFile(t *testing.T) {
	dir := t.TempDir()
	passFile := filepath.Join(dir, "vault.pass")
	if err := os.WriteFile(passFile, []byte("file-secret\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Secrets.PassphraseEnv = "CROSSHATCH_TEST_UNSET_VAR"
	cfg.Secrets.PassphraseFile = passFile

	pass, err := cfg.VaultPassphrase()
	if err != nil {
		t.Fatalf("VaultPassphrase() error = %v", err)
	}
	if pass != "file-secret" {
		t.Errorf("passphrase = %q, want file contents without newline", pass)
	}
}

func TestVaultPassphraseMissing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Secrets.PassphraseEnv = "CROSSHATCH_TEST_UNSET_VAR"
	cfg.Secrets.PassphraseFile = ""

	if _, err := cfg.VaultPassphrase(); err == nil {
		t.Error("VaultPassphrase() should fail when nothing is configured")
	}
}

// =============================================================================
// EVM Contract Tests
// =============================================================================

func TestGetEscrowContract(t *testing.T) {
	// Sepolia should have the escrow deployed
	sepolia := GetEscrowContract(11155111)
	expectedAddr := common.HexToAddress("0x91b7f23a7dd9c45ab0de1a86e9952fd2e4a0c381")
	if sepolia != expectedAddr {
		t.Errorf("Sepolia escrow = %s, want %s", sepolia.Hex(), expectedAddr.Hex())
	}

	// Mainnet should NOT have the escrow deployed (pending audit)
	mainnet := GetEscrowContract(1)
	if mainnet != (common.Address{}) {
		t.Errorf("Mainnet escrow should be zero address (not deployed), got %s", mainnet.Hex())
	}

	// Unknown chain should return zero address
	unknown := GetEscrowContract(999999)
	if unknown != (common.Address{}) {
		t.Errorf("Unknown chain escrow should be zero address, got %s", unknown.Hex())
	}
}

func TestIsEscrowDeployed(t *testing.T) {
	if !IsEscrowDeployed(11155111) {
		t.Error("escrow should be deployed on Sepolia")
	}
	if IsEscrowDeployed(1) {
		t.Error("escrow should NOT be deployed on mainnet yet")
	}
	if IsEscrowDeployed(999999) {
		t.Error("escrow should NOT be deployed on unknown chain")
	}
}

func TestListDeployedEscrowChains(t *testing.T) {
	chains := ListDeployedEscrowChains()

	found := false
	for _, chainID := range chains {
		if chainID == 11155111 {
			found = true
		}
		if chainID == 1 {
			t.Error("Mainnet (1) should NOT be in deployed chains list")
		}
	}
	if !found {
		t.Error("Sepolia (11155111) should be in deployed chains list")
	}
}

func TestSetEscrowContract(t *testing.T) {
	// Runtime override for a chain with no registry entry.
	addr := common.HexToAddress("0x00000000000000000000000000000000deadbeef")
	SetEscrowContract(424242, addr)
	defer delete(evmContractRegistry, 424242)

	if GetEscrowContract(424242) != addr {
		t.Error("SetEscrowContract should register the address")
	}
	if !IsEscrowDeployed(424242) {
		t.Error("overridden chain should report deployed")
	}
}
