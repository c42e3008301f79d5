// Package secret manages hashlock preimages for swap sessions.
//
// Preimages are generated here and never leave the process unencrypted
// except through Reveal, which releases each preimage exactly once. The
// hash (SHA-256 of the preimage) is the public identifier shared with both
// escrow contracts.
package secret

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crosshatch-labs/crosshatch/pkg/logging"
)

// Secret errors
var (
	ErrNotFound        = errors.New("secret not found")
	ErrExpired         = errors.New("secret expired")
	ErrAlreadyRevealed = errors.New("secret already revealed")
	ErrMismatch        = errors.New("secret mismatch")
)

// PreimageSize is the byte length of generated preimages.
const PreimageSize = 32

// Config holds manager settings.
type Config struct {
	// Passphrase protects preimages at rest.
	Passphrase string

	// Lifetime is how long a preimage is retained after creation.
	Lifetime time.Duration

	// SweepInterval is how often the expiry janitor runs.
	SweepInterval time.Duration
}

// Info describes a stored secret without exposing the preimage.
type Info struct {
	Hash       [32]byte
	SessionID  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Revealed   bool
	RevealedAt *time.Time
}

type entry struct {
	sessionID  string
	box        []byte // sealed preimage
	createdAt  time.Time
	expiresAt  time.Time
	revealed   bool
	revealedAt time.Time
}

// Manager generates, stores, and releases hashlock preimages.
type Manager struct {
	mu      sync.Mutex
	vault   *vault
	entries map[[32]byte]*entry

	lifetime      time.Duration
	sweepInterval time.Duration

	log    *logging.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a secret manager. The passphrase must be non-trivial;
// key derivation parameters follow the vault defaults.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg.Lifetime <= 0 {
		return nil, fmt.Errorf("secret lifetime must be positive")
	}
	v, err := newVault(cfg.Passphrase)
	if err != nil {
		return nil, err
	}

	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}

	return &Manager{
		vault:         v,
		entries:       make(map[[32]byte]*entry),
		lifetime:      cfg.Lifetime,
		sweepInterval: sweep,
		log:           logging.GetDefault().Component("secret"),
	}, nil
}

// Create generates a fresh preimage for a session and returns its hash.
// The preimage itself stays sealed in the vault until Reveal.
func (m *Manager) Create(sessionID string) ([32]byte, error) {
	preimage := make([]byte, PreimageSize)
	if _, err := rand.Read(preimage); err != nil {
		return [32]byte{}, fmt.Errorf("failed to generate preimage: %w", err)
	}
	defer zeroize(preimage)

	hash := sha256.Sum256(preimage)

	box, err := m.vault.seal(hash, preimage)
	if err != nil {
		return [32]byte{}, err
	}

	now := time.Now()
	m.mu.Lock()
	m.entries[hash] = &entry{
		sessionID: sessionID,
		box:       box,
		createdAt: now,
		expiresAt: now.Add(m.lifetime),
	}
	m.mu.Unlock()

	m.log.Debug("Secret created", "session_id", sessionID, "expires_at", now.Add(m.lifetime))
	return hash, nil
}

// Reveal decrypts and returns the preimage for a hash, exactly once.
// A second call returns ErrAlreadyRevealed no matter who made the first.
// The caller owns the returned slice and should zero it after use.
func (m *Manager) Reveal(hash [32]byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[hash]
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(e.expiresAt) {
		return nil, ErrExpired
	}
	if e.revealed {
		return nil, ErrAlreadyRevealed
	}

	preimage, err := m.vault.open(hash, e.box)
	if err != nil {
		return nil, err
	}

	// The opened preimage must hash back to its key.
	check := sha256.Sum256(preimage)
	if subtle.ConstantTimeCompare(check[:], hash[:]) != 1 {
		zeroize(preimage)
		return nil, ErrMismatch
	}

	e.revealed = true
	e.revealedAt = time.Now()

	m.log.Info("Secret revealed", "session_id", e.sessionID)
	return preimage, nil
}

// Verify checks a candidate preimage against a hash in constant time.
// Used when a preimage is recovered from on-chain data rather than the vault.
func (m *Manager) Verify(hash [32]byte, preimage []byte) error {
	check := sha256.Sum256(preimage)
	if subtle.ConstantTimeCompare(check[:], hash[:]) != 1 {
		return ErrMismatch
	}
	return nil
}

// Expire deletes a secret ahead of its natural expiry. Called when a session
// refunds without ever needing the preimage. Later reveals return ErrNotFound.
func (m *Manager) Expire(hash [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[hash]
	if !ok {
		return ErrNotFound
	}

	zeroize(e.box)
	delete(m.entries, hash)

	m.log.Debug("Secret expired", "session_id", e.sessionID)
	return nil
}

// Info returns metadata for a stored secret.
func (m *Manager) Info(hash [32]byte) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[hash]
	if !ok {
		return nil, ErrNotFound
	}

	info := &Info{
		Hash:      hash,
		SessionID: e.sessionID,
		CreatedAt: e.createdAt,
		ExpiresAt: e.expiresAt,
		Revealed:  e.revealed,
	}
	if e.revealed {
		t := e.revealedAt
		info.RevealedAt = &t
	}
	return info, nil
}

// Count returns the number of stored secrets, expired entries included
// until the janitor sweeps them.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Start launches the expiry janitor. Stop or context cancellation ends it.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.sweep(time.Now()); n > 0 {
					m.log.Debug("Expired secrets purged", "count", n)
				}
			}
		}
	}()
}

// Stop halts the janitor and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// sweep deletes entries past their expiry and returns how many were removed.
// Sealed boxes are zeroed before the map entries are dropped.
func (m *Manager) sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for hash, e := range m.entries {
		if now.After(e.expiresAt) {
			zeroize(e.box)
			delete(m.entries, hash)
			removed++
		}
	}
	return removed
}
