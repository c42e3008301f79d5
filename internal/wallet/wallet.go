// Package wallet holds the operator's HD keys. A single BIP39 seed
// yields per-chain signing keys: BIP44/BIP84 derivation for UTXO chains,
// coin type 60 with keccak addresses for EVM chains.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/crosshatch-labs/crosshatch/internal/chain"
)

// Wallet derives chain keys from a BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	network   chain.Network

	mu    sync.Mutex
	cache map[string]*hdkeychain.ExtendedKey
}

// GenerateMnemonic returns a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks a BIP39 mnemonic.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic. The passphrase
// may be empty.
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return NewFromSeed(bip39.NewSeed(mnemonic, passphrase), network)
}

// NewFromSeed creates a wallet from a raw 64-byte seed.
func NewFromSeed(seed []byte, network chain.Network) (*Wallet, error) {
	params := &chaincfg.MainNetParams
	if network == chain.Testnet {
		params = &chaincfg.TestNet3Params
	}

	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		network:   network,
		cache:     make(map[string]*hdkeychain.ExtendedKey),
	}, nil
}

// Network returns the wallet's network.
func (w *Wallet) Network() chain.Network {
	return w.network
}

// DeriveKey walks the given path from the master key. Derived keys are
// cached; the wallet only ever sees a handful of paths.
func (w *Wallet) DeriveKey(path []uint32) (*hdkeychain.ExtendedKey, error) {
	cacheKey := fmt.Sprint(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	if key, ok := w.cache[cacheKey]; ok {
		return key, nil
	}

	key := w.masterKey
	for i, step := range path {
		child, err := key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("derive path element %d: %w", i, err)
		}
		key = child
	}

	w.cache[cacheKey] = key
	return key, nil
}

// DeriveKeyForChain derives the key at the chain's conventional path
// m/purpose'/coin'/account'/0/index.
func (w *Wallet) DeriveKeyForChain(symbol string, account, index uint32) (*hdkeychain.ExtendedKey, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %s", symbol)
	}
	return w.DeriveKey(params.DerivationPath(account, 0, index))
}

// DerivePrivateKey returns the secp256k1 private key for a chain path.
func (w *Wallet) DerivePrivateKey(symbol string, account, index uint32) (*btcec.PrivateKey, error) {
	key, err := w.DeriveKeyForChain(symbol, account, index)
	if err != nil {
		return nil, err
	}
	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("extract private key: %w", err)
	}
	return privKey, nil
}

// DerivePublicKey returns the secp256k1 public key for a chain path.
func (w *Wallet) DerivePublicKey(symbol string, account, index uint32) (*btcec.PublicKey, error) {
	key, err := w.DeriveKeyForChain(symbol, account, index)
	if err != nil {
		return nil, err
	}
	pubKey, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("extract public key: %w", err)
	}
	return pubKey, nil
}

// ECDSAKey returns the private key in crypto/ecdsa form for go-ethereum
// transactors.
func (w *Wallet) ECDSAKey(symbol string, account, index uint32) (*ecdsa.PrivateKey, error) {
	privKey, err := w.DerivePrivateKey(symbol, account, index)
	if err != nil {
		return nil, err
	}
	return privKey.ToECDSA(), nil
}

// DeriveAddress returns the chain's canonical address at the given path:
// EIP-55 hex for EVM chains, bech32 P2WPKH or base58 P2PKH for UTXO
// chains depending on SegWit support.
func (w *Wallet) DeriveAddress(symbol string, account, index uint32) (string, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return "", fmt.Errorf("unsupported chain: %s", symbol)
	}

	pubKey, err := w.DerivePublicKey(symbol, account, index)
	if err != nil {
		return "", err
	}

	if params.Family == chain.FamilyEVM {
		return PublicKeyToEVMAddress(pubKey), nil
	}
	return EncodeAddress(pubKey, params)
}

// DerivationPath renders the conventional path string for a chain,
// e.g. m/84'/0'/0'/0/0.
func (w *Wallet) DerivationPath(symbol string, account, index uint32) (string, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return "", fmt.Errorf("unsupported chain: %s", symbol)
	}
	return params.DerivationPathString(account, 0, index), nil
}
