// Package monitor multiplexes chain adapters into one ordered event
// feed. Every registered adapter gets its own cursor loop that scans
// finalized blocks in bounded chunks, re-checks recent block hashes for
// reorgs, and forwards escrow events to a shared sink channel.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crosshatch-labs/crosshatch/internal/adapter"
	"github.com/crosshatch-labs/crosshatch/internal/config"
	"github.com/crosshatch-labs/crosshatch/internal/retry"
	"github.com/crosshatch-labs/crosshatch/pkg/logging"
)

// sinkDepth buffers the shared feed so a briefly slow consumer does not
// stall every scan loop.
const sinkDepth = 256

// Reorg reports that previously scanned blocks left the canonical
// chain. Everything at or above FromHeight must be treated as unseen;
// the monitor rescans it on the following ticks.
type Reorg struct {
	Chain      string
	FromHeight uint64
}

// Message is one item on the monitor sink: an escrow event, a reorg
// notice, or a scan error that exhausted its retry budget.
type Message struct {
	Chain string
	Event *adapter.Event
	Reorg *Reorg
	Err   error
}

// checkpoint is one scanned block kept for reorg detection.
type checkpoint struct {
	height uint64
	hash   string
}

// feed is the scan state for one chain.
type feed struct {
	adapter adapter.Adapter
	every   time.Duration

	// cursor is the newest fully delivered height. ring holds the last
	// ReorgBuffer scanned checkpoints, oldest first.
	cursor uint64
	ring   []checkpoint

	log *logging.Logger
}

// Monitor runs one scan loop per registered chain and delivers all
// observations to a single sink.
type Monitor struct {
	cfg    config.MonitorConfig
	policy retry.Policy
	log    *logging.Logger
	sink   chan Message

	mu      sync.Mutex
	feeds   []*feed
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor builds a stopped monitor. Zero config fields fall back to
// the defaults (5s ticks, 100-block chunks, 10-block reorg buffer).
func NewMonitor(cfg config.MonitorConfig, log *logging.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 100
	}
	if cfg.ReorgBuffer == 0 {
		cfg.ReorgBuffer = 10
	}
	if log == nil {
		log = logging.GetDefault()
	}
	return &Monitor{
		cfg:    cfg,
		policy: retry.DefaultPolicy(),
		log:    log.Component("monitor"),
		sink:   make(chan Message, sinkDepth),
	}
}

// Sink is the shared feed of events, reorgs, and scan errors.
func (m *Monitor) Sink() <-chan Message {
	return m.sink
}

// Register adds a chain feed. Scanning begins at the first block after
// startHeight. A positive every overrides the configured poll interval
// for this chain. Feeds registered after Start begin scanning at once.
func (m *Monitor) Register(a adapter.Adapter, startHeight uint64, every time.Duration) {
	if every <= 0 {
		every = m.cfg.PollInterval
	}
	f := &feed{
		adapter: a,
		every:   every,
		cursor:  startHeight,
		log:     m.log.With("chain", a.ChainTag()),
	}

	m.mu.Lock()
	m.feeds = append(m.feeds, f)
	running := m.started
	if running {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	if running {
		go m.scanLoop(f)
	}
}

// Start launches the scan loops. The context bounds all of them; Stop
// or cancelling the context shuts the monitor down.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	feeds := make([]*feed, len(m.feeds))
	copy(feeds, m.feeds)
	m.wg.Add(len(feeds))
	m.mu.Unlock()

	for _, f := range feeds {
		go m.scanLoop(f)
	}
	m.log.Info("monitor started", "chains", len(feeds))
}

// Stop halts every scan loop and closes the sink once all of them have
// drained.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	close(m.sink)
	m.log.Info("monitor stopped")
}

func (m *Monitor) scanLoop(f *feed) {
	defer m.wg.Done()

	ticker := time.NewTicker(f.every)
	defer ticker.Stop()

	f.log.Debug("scan loop started", "cursor", f.cursor, "interval", f.every)
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.scanOnce(f); err != nil {
				if m.ctx.Err() != nil {
					return
				}
				if !errors.Is(err, adapter.ErrConnectionFailed) {
					err = fmt.Errorf("%w: %v", adapter.ErrConnectionFailed, err)
				}
				f.log.Warn("chain scan failed", "cursor", f.cursor, "err", err)
				m.emit(Message{Chain: f.adapter.ChainTag(), Err: err})
			}
		}
	}
}

// scanOnce runs one pass for a feed: reorg check, then one chunk of the
// window (cursor, finalized]. The cursor only advances after the chunk's
// events are delivered and its closing block hash is recorded, so a
// failed pass is retried in full on the next tick. Duplicate delivery
// after a partial pass is acceptable; the coordinator drops replays.
func (m *Monitor) scanOnce(f *feed) error {
	if err := m.checkReorg(f); err != nil {
		return err
	}

	var finalized uint64
	err := retry.Do(m.ctx, m.policy, scanRetryable, func() error {
		var err error
		finalized, err = f.adapter.FinalizedHeight(m.ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("finalized height: %w", err)
	}
	if finalized <= f.cursor {
		return nil
	}

	to := f.cursor + m.cfg.ChunkSize
	if to > finalized {
		to = finalized
	}

	hash, err := m.fetchHash(f, to)
	if err != nil {
		return fmt.Errorf("block hash %d: %w", to, err)
	}

	var events []adapter.Event
	err = retry.Do(m.ctx, m.policy, scanRetryable, func() error {
		var err error
		events, err = f.adapter.GetLogs(m.ctx, f.cursor, to)
		return err
	})
	if err != nil {
		return fmt.Errorf("logs (%d,%d]: %w", f.cursor, to, err)
	}

	tag := f.adapter.ChainTag()
	for i := range events {
		ev := events[i]
		f.log.Debug("escrow event",
			"type", ev.Type, "height", ev.Height, "tx", ev.TxRef)
		m.emit(Message{Chain: tag, Event: &ev})
	}

	f.cursor = to
	f.ring = append(f.ring, checkpoint{height: to, hash: hash})
	if over := len(f.ring) - int(m.cfg.ReorgBuffer); over > 0 {
		f.ring = f.ring[over:]
	}
	return nil
}

// checkReorg compares the newest checkpoint against the chain. On a
// mismatch it walks the ring back to the highest block still canonical,
// rewinds the cursor there, and announces the divergence.
func (m *Monitor) checkReorg(f *feed) error {
	if len(f.ring) == 0 {
		return nil
	}

	newest := f.ring[len(f.ring)-1]
	hash, err := m.fetchHash(f, newest.height)
	if err != nil && !errors.Is(err, adapter.ErrBlockNotFound) {
		return fmt.Errorf("reorg check %d: %w", newest.height, err)
	}
	if err == nil && hash == newest.hash {
		return nil
	}

	keep := -1
	for i := len(f.ring) - 2; i >= 0; i-- {
		h, err := m.fetchHash(f, f.ring[i].height)
		if err != nil {
			if errors.Is(err, adapter.ErrBlockNotFound) {
				continue
			}
			return fmt.Errorf("reorg walk %d: %w", f.ring[i].height, err)
		}
		if h == f.ring[i].hash {
			keep = i
			break
		}
	}

	var rewound uint64
	if keep >= 0 {
		rewound = f.ring[keep].height
		f.ring = f.ring[:keep+1]
	} else {
		// The whole ring diverged; rescan everything we remember.
		if oldest := f.ring[0].height; oldest > 0 {
			rewound = oldest - 1
		}
		f.ring = f.ring[:0]
	}
	f.cursor = rewound

	tag := f.adapter.ChainTag()
	f.log.Warn("chain reorg detected", "from", rewound+1, "rewound_to", rewound)
	m.emit(Message{Chain: tag, Reorg: &Reorg{Chain: tag, FromHeight: rewound + 1}})
	return nil
}

func (m *Monitor) fetchHash(f *feed, height uint64) (string, error) {
	var hash string
	err := retry.Do(m.ctx, m.policy, scanRetryable, func() error {
		var err error
		hash, err = f.adapter.BlockHash(m.ctx, height)
		return err
	})
	return hash, err
}

func (m *Monitor) emit(msg Message) {
	select {
	case m.sink <- msg:
	case <-m.ctx.Done():
	}
}

// scanRetryable treats everything except a missing block as a transport
// hiccup. Missing blocks are a reorg signal and handled by the caller.
func scanRetryable(err error) bool {
	return !errors.Is(err, adapter.ErrBlockNotFound)
}
