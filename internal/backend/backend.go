// Package backend provides read/broadcast access to destination-chain
// APIs. Backends never see private keys; all signing happens in the
// wallet and adapter packages.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/crosshatch-labs/crosshatch/internal/chain"
)

var (
	ErrNotConnected    = errors.New("backend not connected")
	ErrTxNotFound      = errors.New("transaction not found")
	ErrAddressNotFound = errors.New("address not found")
	ErrBlockNotFound   = errors.New("block not found")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrRateLimited     = errors.New("rate limited")
)

// Type identifies a backend API flavor.
type Type string

const (
	TypeEsplora Type = "esplora" // blockstream.info-style API
	TypeMempool Type = "mempool" // mempool.space variant
)

// UTXO is an unspent output in smallest units.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"`
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
}

// Transaction is a chain transaction with enough detail to track escrow
// spends: witness data on inputs carries revealed preimages.
type Transaction struct {
	TxID          string     `json:"txid"`
	Version       int32      `json:"version"`
	Size          int64      `json:"size"`
	VSize         int64      `json:"vsize"`
	Weight        int64      `json:"weight"`
	LockTime      uint32     `json:"locktime"`
	Fee           uint64     `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	BlockHash     string     `json:"block_hash,omitempty"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	BlockTime     int64      `json:"block_time,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin"`
	Outputs       []TxOutput `json:"vout"`
}

// TxInput is a transaction input.
type TxInput struct {
	TxID      string    `json:"txid"`
	Vout      uint32    `json:"vout"`
	ScriptSig string    `json:"scriptsig,omitempty"`
	Witness   []string  `json:"witness,omitempty"`
	Sequence  uint32    `json:"sequence"`
	PrevOut   *TxOutput `json:"prevout,omitempty"`
}

// TxOutput is a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type,omitempty"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// AddressInfo is confirmed balance and activity for an address.
type AddressInfo struct {
	Address        string `json:"address"`
	TxCount        int64  `json:"tx_count"`
	Balance        uint64 `json:"balance"`
	MempoolBalance int64  `json:"mempool_balance"`
}

// BlockHeader carries the fields the reorg monitor compares.
type BlockHeader struct {
	Hash         string `json:"hash"`
	Height       int64  `json:"height"`
	PreviousHash string `json:"previousblockhash"`
	Timestamp    int64  `json:"timestamp"`
	TxCount      int64  `json:"tx_count"`
}

// FeeEstimate is sat/vB for a few confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`
	HalfHourFee uint64 `json:"half_hour_fee"`
	HourFee     uint64 `json:"hour_fee"`
	EconomyFee  uint64 `json:"economy_fee"`
	MinimumFee  uint64 `json:"minimum_fee"`
}

// Backend is a destination-chain data provider. All methods are
// read-only except BroadcastTransaction.
type Backend interface {
	Type() Type
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error)
	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)
	GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error)

	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetRawTransaction(ctx context.Context, txID string) ([]byte, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	GetBlockHeight(ctx context.Context) (int64, error)
	GetBlockHash(ctx context.Context, height int64) (string, error)
	GetBlockHeader(ctx context.Context, hash string) (*BlockHeader, error)

	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// Config selects and locates a backend for one chain.
type Config struct {
	Type       Type   `yaml:"type"`
	MainnetURL string `yaml:"mainnet"`
	TestnetURL string `yaml:"testnet"`

	// Timeout in seconds, default 30.
	Timeout int `yaml:"timeout,omitempty"`
}

// DefaultConfigs returns public API endpoints for the supported UTXO
// chains. DOGE has no public esplora deployment; operators supply one.
func DefaultConfigs() map[string]*Config {
	return map[string]*Config{
		"BTC": {
			Type:       TypeMempool,
			MainnetURL: "https://mempool.space/api",
			TestnetURL: "https://mempool.space/testnet4/api",
		},
		"LTC": {
			Type:       TypeMempool,
			MainnetURL: "https://litecoinspace.org/api",
			TestnetURL: "https://litecoinspace.org/testnet/api",
		},
	}
}

// New constructs a backend from a config for the given network.
func New(cfg *Config, network chain.Network) (Backend, error) {
	url := cfg.MainnetURL
	if network == chain.Testnet {
		url = cfg.TestnetURL
	}
	if url == "" {
		return nil, fmt.Errorf("no %s URL configured", network)
	}

	switch cfg.Type {
	case TypeEsplora:
		return NewEsploraBackend(url), nil
	case TypeMempool:
		return NewMempoolBackend(url), nil
	default:
		return nil, fmt.Errorf("unsupported backend type %q", cfg.Type)
	}
}

// Registry holds ranked backends per chain symbol. The first registered
// backend for a symbol is the primary; the rest are failover candidates
// in registration order.
type Registry struct {
	mu       sync.RWMutex
	backends map[string][]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string][]Backend),
	}
}

// NewDefaultRegistry builds a registry from the default public endpoints.
func NewDefaultRegistry(network chain.Network) *Registry {
	r := NewRegistry()
	for symbol, cfg := range DefaultConfigs() {
		b, err := New(cfg, network)
		if err != nil {
			continue
		}
		r.Register(symbol, b)
	}
	return r
}

// Register appends a backend to a symbol's ranked list.
func (r *Registry) Register(symbol string, backend Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[symbol] = append(r.backends[symbol], backend)
}

// Get returns the primary backend for a symbol.
func (r *Registry) Get(symbol string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.backends[symbol]
	if len(list) == 0 {
		return nil, false
	}
	return list[0], true
}

// Ranked returns the failover-ordered backends for a symbol.
func (r *Registry) Ranked(symbol string) []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.backends[symbol]
	out := make([]Backend, len(list))
	copy(out, list)
	return out
}

// List returns all registered symbols.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	symbols := make([]string, 0, len(r.backends))
	for s := range r.backends {
		symbols = append(symbols, s)
	}
	return symbols
}

// ConnectAll probes every symbol's backends. A symbol is healthy when at
// least one of its backends connects; the first symbol with none fails
// the call.
func (r *Registry) ConnectAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for symbol, list := range r.backends {
		var lastErr error
		connected := false
		for _, b := range list {
			if err := b.Connect(ctx); err != nil {
				lastErr = err
				continue
			}
			connected = true
		}
		if !connected {
			return fmt.Errorf("no reachable backend for %s: %w", symbol, lastErr)
		}
	}
	return nil
}

// CloseAll closes every registered backend.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, list := range r.backends {
		for _, b := range list {
			b.Close()
		}
	}
}
