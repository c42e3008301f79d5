// Package storage implements the session store: an in-memory map for
// the baseline deployment and a SQLite-backed variant for durable
// ones. Both hand out deep copies and serialize mutations through
// Update, so callers never share memory with a stored record.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crosshatch-labs/crosshatch/internal/swap"
	"github.com/crosshatch-labs/crosshatch/pkg/logging"
)

// Defaults for both store variants.
const (
	DefaultCapacity      = 1000
	DefaultExpiryGrace   = 2 * time.Hour
	DefaultSweepInterval = time.Minute
)

// MemoryConfig holds in-memory store settings.
type MemoryConfig struct {
	// Capacity caps concurrently active (non-terminal) sessions.
	Capacity int

	// ExpiryGrace is how long terminal sessions linger before the
	// janitor purges them.
	ExpiryGrace time.Duration

	// SweepInterval is how often the janitor runs.
	SweepInterval time.Duration
}

// Memory is the baseline session store: a mutex-guarded map with a TTL
// janitor for terminal sessions. Contents do not survive a restart.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*swap.Session

	capacity int
	grace    time.Duration
	sweep    time.Duration

	log    *logging.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

var _ swap.Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory(cfg *MemoryConfig) *Memory {
	m := &Memory{
		sessions: make(map[string]*swap.Session),
		capacity: DefaultCapacity,
		grace:    DefaultExpiryGrace,
		sweep:    DefaultSweepInterval,
		log:      logging.GetDefault().Component("storage"),
	}
	if cfg != nil {
		if cfg.Capacity > 0 {
			m.capacity = cfg.Capacity
		}
		if cfg.ExpiryGrace > 0 {
			m.grace = cfg.ExpiryGrace
		}
		if cfg.SweepInterval > 0 {
			m.sweep = cfg.SweepInterval
		}
	}
	return m
}

// Start launches the TTL janitor.
func (m *Memory) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if purged := m.purge(time.Now()); purged > 0 {
					m.log.Debug("Purged terminal sessions", "count", purged)
				}
			}
		}
	}()
}

// Stop halts the janitor. Stored sessions stay readable until Close.
func (m *Memory) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}
}

// Put stores a new session, or replaces an existing one wholesale.
// Inserting past the active-session cap returns ErrSessionLimit.
func (m *Memory) Put(s *swap.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; !exists {
		if m.activeLocked() >= m.capacity {
			return fmt.Errorf("%w: %d active sessions", swap.ErrSessionLimit, m.capacity)
		}
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

// Get returns a deep copy of a session.
func (m *Memory) Get(id string) (*swap.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, swap.ErrSessionNotFound
	}
	return s.Clone(), nil
}

// Update applies mutate to a private copy of the stored record and
// swaps it in only when mutate succeeds, so a failed mutation leaves
// the record untouched. The returned session is the caller's copy.
func (m *Memory) Update(id string, mutate func(*swap.Session) error) (*swap.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[id]
	if !ok {
		return nil, swap.ErrSessionNotFound
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	m.sessions[id] = next
	return next.Clone(), nil
}

// Delete removes a session.
func (m *Memory) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return swap.ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

// IterateActive visits a copy of every non-terminal session, oldest
// first. The callback runs outside the store lock.
func (m *Memory) IterateActive(fn func(*swap.Session) bool) error {
	m.mu.RLock()
	active := make([]*swap.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !s.Status.Terminal() {
			active = append(active, s.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	for _, s := range active {
		if !fn(s) {
			break
		}
	}
	return nil
}

// Count reports how many sessions the store holds, terminal ones
// included until the janitor purges them.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close stops the janitor and drops all sessions.
func (m *Memory) Close() error {
	m.Stop()
	m.mu.Lock()
	m.sessions = make(map[string]*swap.Session)
	m.mu.Unlock()
	return nil
}

// purge removes terminal sessions whose grace period has lapsed and
// returns how many went.
func (m *Memory) purge(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, s := range m.sessions {
		if s.Status.Terminal() && now.Sub(s.UpdatedAt) >= m.grace {
			delete(m.sessions, id)
			purged++
		}
	}
	return purged
}

func (m *Memory) activeLocked() int {
	n := 0
	for _, s := range m.sessions {
		if !s.Status.Terminal() {
			n++
		}
	}
	return n
}
