package wallet

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/sha3"

	"github.com/crosshatch-labs/crosshatch/pkg/helpers"
)

// PublicKeyToEVMAddress converts a secp256k1 public key to an EIP-55
// checksummed address: last 20 bytes of keccak256 over the uncompressed
// key without its 0x04 prefix.
func PublicKeyToEVMAddress(pubKey *btcec.PublicKey) string {
	pubKeyBytes := pubKey.SerializeUncompressed()
	hash := Keccak256(pubKeyBytes[1:])
	return ChecksumAddress(hex.EncodeToString(hash[12:]))
}

// PrivateKeyToEVMAddress converts a private key to an EVM address.
func PrivateKeyToEVMAddress(privKey *btcec.PrivateKey) string {
	return PublicKeyToEVMAddress(privKey.PubKey())
}

// Keccak256 computes the legacy Keccak-256 hash Ethereum uses.
func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// ChecksumAddress applies the EIP-55 mixed-case checksum.
func ChecksumAddress(addr string) string {
	addr = strings.ToLower(strings.TrimPrefix(addr, "0x"))
	hash := hex.EncodeToString(Keccak256([]byte(addr)))

	var b strings.Builder
	b.WriteString("0x")
	for i, c := range addr {
		if c >= 'a' && c <= 'f' && hash[i] >= '8' {
			b.WriteRune(c - 32)
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// ValidateEVMAddress checks the 0x-prefixed 20-byte hex shape.
func ValidateEVMAddress(address string) bool {
	address = strings.TrimPrefix(address, "0x")
	if len(address) != 40 {
		return false
	}
	_, err := hex.DecodeString(address)
	return err == nil
}

// IsChecksumValid reports whether a mixed-case address carries a valid
// EIP-55 checksum. All-lower and all-upper addresses carry none and
// pass.
func IsChecksumValid(address string) bool {
	trimmed := strings.TrimPrefix(address, "0x")
	if len(trimmed) != 40 {
		return false
	}
	if trimmed == strings.ToLower(trimmed) || trimmed == strings.ToUpper(trimmed) {
		return ValidateEVMAddress(address)
	}
	return ChecksumAddress(trimmed) == "0x"+trimmed
}

// PrivateKeyHex renders a private key as unprefixed hex.
func PrivateKeyHex(privKey *btcec.PrivateKey) string {
	return hex.EncodeToString(privKey.Serialize())
}

// PrivateKeyFromHex parses a hex private key, with or without 0x prefix.
func PrivateKeyFromHex(hexStr string) (*btcec.PrivateKey, error) {
	raw, err := helpers.HexToBytes(hexStr)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	privKey, _ := btcec.PrivKeyFromBytes(raw)
	return privKey, nil
}
