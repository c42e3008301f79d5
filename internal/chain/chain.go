// Package chain defines chain parameters for the networks crosshatch can
// orchestrate swaps across. All chain-specific values are hardcoded here -
// no external configuration needed.
package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// Family represents the blockchain family an adapter implementation serves.
type Family string

const (
	FamilyEVM  Family = "evm"  // Ethereum and EVM chains (source side)
	FamilyUTXO Family = "utxo" // Bitcoin and forks (destination side)
)

// Params contains all parameters for a blockchain.
type Params struct {
	// Identity
	Symbol   string // ETH, BTC, LTC, etc.
	Name     string // Ethereum, Bitcoin, etc.
	Family   Family // evm or utxo
	Decimals uint8  // 18 for ETH, 8 for BTC

	// BIP44 derivation for the operator wallet
	CoinType       uint32 // 60=ETH, 0=BTC, 2=LTC, 3=DOGE (1 on testnets)
	DefaultPurpose uint32 // 44 for EVM, 84 for native SegWit chains

	// EVM params
	ChainID     uint64 // EVM chain ID, pinned by the adapter
	NativeToken string // ETH, POL, etc. Empty means same as Symbol.

	// UTXO network params (Bitcoin-like)
	Net              wire.BitcoinNet
	PubKeyHashAddrID byte
	ScriptHashAddrID byte
	Bech32HRP        string
	WIF              byte
	HDPrivateKeyID   [4]byte
	HDPublicKeyID    [4]byte

	// GenesisHash pins backend identity: adapters reject endpoints whose
	// block 0 differs. Empty skips the check.
	GenesisHash string

	// Monitoring defaults, overridable per deployment
	Confirmations   uint64 // blocks behind tip considered final
	AvgBlockSeconds int64  // used for projected refund times
}

// GetNativeToken returns the native token symbol for a chain.
func (p *Params) GetNativeToken() string {
	if p.NativeToken != "" {
		return p.NativeToken
	}
	return p.Symbol
}

// NetParams builds btcd chaincfg params for a UTXO chain. Returns nil for
// EVM chains. The result is safe for address encoding and script building
// without registering the network globally.
func (p *Params) NetParams() *chaincfg.Params {
	if p.Family != FamilyUTXO {
		return nil
	}
	return &chaincfg.Params{
		Name:             p.Name,
		Net:              p.Net,
		PubKeyHashAddrID: p.PubKeyHashAddrID,
		ScriptHashAddrID: p.ScriptHashAddrID,
		Bech32HRPSegwit:  p.Bech32HRP,
		PrivateKeyID:     p.WIF,
		HDPrivateKeyID:   p.HDPrivateKeyID,
		HDPublicKeyID:    p.HDPublicKeyID,
		HDCoinType:       p.CoinType,
	}
}

// Registry holds all chain parameters indexed by symbol.
// hardenedOffset is the BIP32 hardened derivation offset.
const hardenedOffset = 0x80000000

// DerivationPath returns the BIP44/BIP84 path components for an account,
// change branch, and address index: m/purpose'/coin_type'/account'/change/index.
func (p *Params) DerivationPath(account, change, index uint32) []uint32 {
	return []uint32{
		p.DefaultPurpose + hardenedOffset,
		p.CoinType + hardenedOffset,
		account + hardenedOffset,
		change,
		index,
	}
}

// DerivationPathString renders the path in the conventional m/84'/0'/0'/0/0 form.
func (p *Params) DerivationPathString(account, change, index uint32) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d",
		p.DefaultPurpose, p.CoinType, account, change, index)
}

var registry = make(map[string]map[Network]*Params)

// Register adds chain params to the registry.
func Register(symbol string, network Network, params *Params) {
	if registry[symbol] == nil {
		registry[symbol] = make(map[Network]*Params)
	}
	registry[symbol][network] = params
}

// Get returns chain params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// List returns all registered chain symbols.
func List() []string {
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// ListByFamily returns all chains of a specific family.
func ListByFamily(family Family) []string {
	var symbols []string
	for symbol, nets := range registry {
		for _, params := range nets {
			if params.Family == family {
				symbols = append(symbols, symbol)
				break
			}
		}
	}
	return symbols
}

// IsSupported returns true if the chain is registered.
func IsSupported(symbol string) bool {
	_, ok := registry[symbol]
	return ok
}

// IsEVM returns true if the chain is a registered EVM chain.
func IsEVM(symbol string, network Network) bool {
	params, ok := Get(symbol, network)
	return ok && params.Family == FamilyEVM
}

// IsUTXO returns true if the chain is a registered UTXO chain.
func IsUTXO(symbol string, network Network) bool {
	params, ok := Get(symbol, network)
	return ok && params.Family == FamilyUTXO
}

// GetByChainID returns chain params for an EVM chain ID.
func GetByChainID(chainID uint64, network Network) (*Params, bool) {
	for _, nets := range registry {
		if params, ok := nets[network]; ok {
			if params.Family == FamilyEVM && params.ChainID == chainID {
				return params, true
			}
		}
	}
	return nil, false
}
