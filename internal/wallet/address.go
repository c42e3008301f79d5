package wallet

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"

	"github.com/crosshatch-labs/crosshatch/internal/chain"
)

// EncodeAddress encodes a public key as the chain's default address
// type: P2WPKH where the chain has a bech32 prefix, legacy P2PKH
// otherwise (DOGE).
func EncodeAddress(pubKey *btcec.PublicKey, params *chain.Params) (string, error) {
	netParams := params.NetParams()
	if netParams == nil {
		return "", fmt.Errorf("%s is not a UTXO chain", params.Symbol)
	}

	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())

	if params.Bech32HRP != "" {
		addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, netParams)
		if err != nil {
			return "", fmt.Errorf("encode p2wpkh: %w", err)
		}
		return addr.EncodeAddress(), nil
	}

	addr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, netParams)
	if err != nil {
		return "", fmt.Errorf("encode p2pkh: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// ScriptAddress encodes a redeem or witness script as the chain's script
// address: P2WSH on SegWit chains, P2SH otherwise. Escrow scripts on the
// destination chain live behind these.
func ScriptAddress(script []byte, params *chain.Params) (btcutil.Address, error) {
	netParams := params.NetParams()
	if netParams == nil {
		return nil, fmt.Errorf("%s is not a UTXO chain", params.Symbol)
	}

	if params.Bech32HRP != "" {
		scriptHash := sha256.Sum256(script)
		return btcutil.NewAddressWitnessScriptHash(scriptHash[:], netParams)
	}
	return btcutil.NewAddressScriptHashFromHash(btcutil.Hash160(script), netParams)
}

// ParseAddress decodes an address for a UTXO chain and verifies it
// belongs to the chain's network.
func ParseAddress(address string, params *chain.Params) (btcutil.Address, error) {
	netParams := params.NetParams()
	if netParams == nil {
		return nil, fmt.Errorf("%s is not a UTXO chain", params.Symbol)
	}

	decoded, err := btcutil.DecodeAddress(address, netParams)
	if err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	if !decoded.IsForNet(netParams) {
		return nil, fmt.Errorf("address %s is for a different network", address)
	}
	return decoded, nil
}

// ValidateAddress reports whether an address is valid for a UTXO chain.
func ValidateAddress(address string, params *chain.Params) bool {
	_, err := ParseAddress(address, params)
	return err == nil
}
