package secret

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"
)

const testPassphrase = "correct-horse-battery-staple"

func newTestManager(t *testing.T, lifetime time.Duration) *Manager {
	t.Helper()
	m, err := NewManager(&Config{
		Passphrase:    testPassphrase,
		Lifetime:      lifetime,
		SweepInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestCreateAndReveal(t *testing.T) {
	m := newTestManager(t, time.Hour)

	hash, err := m.Create("sess-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if hash == [32]byte{} {
		t.Fatal("Create() returned zero hash")
	}

	preimage, err := m.Reveal(hash)
	if err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	if len(preimage) != PreimageSize {
		t.Errorf("preimage length = %d, want %d", len(preimage), PreimageSize)
	}

	check := sha256.Sum256(preimage)
	if !bytes.Equal(check[:], hash[:]) {
		t.Error("revealed preimage does not hash to the stored hash")
	}
}

func TestRevealOnlyOnce(t *testing.T) {
	m := newTestManager(t, time.Hour)

	hash, err := m.Create("sess-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := m.Reveal(hash); err != nil {
		t.Fatalf("first Reveal() error = %v", err)
	}

	_, err = m.Reveal(hash)
	if !errors.Is(err, ErrAlreadyRevealed) {
		t.Errorf("second Reveal() error = %v, want ErrAlreadyRevealed", err)
	}
}

func TestRevealUnknownHash(t *testing.T) {
	m := newTestManager(t, time.Hour)

	var hash [32]byte
	hash[0] = 0xAB

	_, err := m.Reveal(hash)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Reveal() error = %v, want ErrNotFound", err)
	}
}

func TestRevealExpired(t *testing.T) {
	m := newTestManager(t, 30*time.Millisecond)

	hash, err := m.Create("sess-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	// Past expiry but not yet swept.
	_, err = m.Reveal(hash)
	if !errors.Is(err, ErrExpired) {
		t.Errorf("Reveal() after expiry error = %v, want ErrExpired", err)
	}

	// After the sweep the entry is gone entirely.
	m.sweep(time.Now())
	_, err = m.Reveal(hash)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Reveal() after sweep error = %v, want ErrNotFound", err)
	}
}

func TestConcurrentReveal(t *testing.T) {
	m := newTestManager(t, time.Hour)

	hash, err := m.Create("sess-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	const callers = 100
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		preimages [][]byte
		repeats   int
	)

	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			p, err := m.Reveal(hash)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				preimages = append(preimages, p)
			case errors.Is(err, ErrAlreadyRevealed):
				repeats++
			default:
				t.Errorf("Reveal() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	if len(preimages) != 1 {
		t.Errorf("got %d successful reveals, want exactly 1", len(preimages))
	}
	if repeats != callers-1 {
		t.Errorf("got %d ErrAlreadyRevealed, want %d", repeats, callers-1)
	}
}

func TestExpire(t *testing.T) {
	m := newTestManager(t, time.Hour)

	hash, err := m.Create("sess-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := m.Expire(hash); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}

	_, err = m.Reveal(hash)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Reveal() after Expire() error = %v, want ErrNotFound", err)
	}

	if err := m.Expire(hash); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Expire() error = %v, want ErrNotFound", err)
	}
}

func TestVerify(t *testing.T) {
	m := newTestManager(t, time.Hour)

	hash, err := m.Create("sess-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	preimage, err := m.Reveal(hash)
	if err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}

	if err := m.Verify(hash, preimage); err != nil {
		t.Errorf("Verify() with correct preimage error = %v", err)
	}

	bad := make([]byte, PreimageSize)
	if err := m.Verify(hash, bad); !errors.Is(err, ErrMismatch) {
		t.Errorf("Verify() with wrong preimage error = %v, want ErrMismatch", err)
	}
}

func TestInfo(t *testing.T) {
	m := newTestManager(t, time.Hour)

	hash, err := m.Create("sess-42")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	info, err := m.Info(hash)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.SessionID != "sess-42" {
		t.Errorf("SessionID = %s, want sess-42", info.SessionID)
	}
	if info.Revealed {
		t.Error("fresh secret should not be revealed")
	}
	if !info.ExpiresAt.After(info.CreatedAt) {
		t.Error("ExpiresAt should be after CreatedAt")
	}

	if _, err := m.Reveal(hash); err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}

	info, err = m.Info(hash)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if !info.Revealed || info.RevealedAt == nil {
		t.Error("revealed secret should report Revealed with a timestamp")
	}

	var unknown [32]byte
	unknown[5] = 1
	if _, err := m.Info(unknown); !errors.Is(err, ErrNotFound) {
		t.Errorf("Info() unknown hash error = %v, want ErrNotFound", err)
	}
}

func TestSweep(t *testing.T) {
	m := newTestManager(t, 20*time.Millisecond)

	for i := 0; i < 3; i++ {
		if _, err := m.Create("sess"); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	if m.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", m.Count())
	}

	time.Sleep(40 * time.Millisecond)
	if removed := m.sweep(time.Now()); removed != 3 {
		t.Errorf("sweep() removed %d, want 3", removed)
	}
	if m.Count() != 0 {
		t.Errorf("Count() after sweep = %d, want 0", m.Count())
	}
}

func TestJanitor(t *testing.T) {
	m := newTestManager(t, 20*time.Millisecond)

	if _, err := m.Create("sess"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	deadline := time.Now().Add(time.Second)
	for m.Count() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("janitor did not purge expired secret in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWeakPassphraseRejected(t *testing.T) {
	_, err := NewManager(&Config{
		Passphrase: "short",
		Lifetime:   time.Hour,
	})
	if err == nil {
		t.Error("NewManager() should reject a trivial passphrase")
	}
}

func TestDistinctSecrets(t *testing.T) {
	m := newTestManager(t, time.Hour)

	h1, err := m.Create("sess-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	h2, err := m.Create("sess-2")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if h1 == h2 {
		t.Error("two secrets should never share a hash")
	}
}
