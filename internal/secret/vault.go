package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for vault key derivation.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // 64 MB
	argon2Parallelism = 4
	argon2KeyLen      = 32
	saltLen           = 32
)

// vault encrypts preimages at rest. One key is derived per manager from the
// operator passphrase; each preimage gets its own GCM nonce.
type vault struct {
	aead cipher.AEAD
	salt []byte
}

// newVault derives the vault key from a passphrase using Argon2id.
func newVault(passphrase string) (*vault, error) {
	if len(passphrase) < 8 {
		return nil, fmt.Errorf("vault passphrase must be at least 8 characters")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLen)
	defer zeroize(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &vault{aead: aead, salt: salt}, nil
}

// seal encrypts a preimage. The hash is bound as additional data so a
// ciphertext cannot be replayed under a different hashlock.
func (v *vault) seal(hash [32]byte, preimage []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	box := v.aead.Seal(nonce, nonce, preimage, hash[:])
	return box, nil
}

// open decrypts a sealed preimage.
func (v *vault) open(hash [32]byte, box []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	if len(box) < ns {
		return nil, fmt.Errorf("sealed preimage too short")
	}
	plain, err := v.aead.Open(nil, box[:ns], box[ns:], hash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt preimage: %w", err)
	}
	return plain, nil
}

// zeroize overwrites sensitive data in memory.
func zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
