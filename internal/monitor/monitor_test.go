package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/crosshatch-labs/crosshatch/internal/adapter"
	"github.com/crosshatch-labs/crosshatch/internal/config"
	"github.com/crosshatch-labs/crosshatch/internal/retry"
	"github.com/crosshatch-labs/crosshatch/pkg/logging"
)

// fakeAdapter serves canned heights, hashes, and events so the scan
// loops run against a deterministic chain.
type fakeAdapter struct {
	tag string

	mu      sync.Mutex
	final   uint64
	hashes  map[uint64]string
	events  []adapter.Event
	logErr  error
	windows [][2]uint64
}

func newFakeAdapter(tag string, final uint64) *fakeAdapter {
	f := &fakeAdapter{tag: tag, hashes: make(map[uint64]string)}
	f.setFinal(final)
	return f
}

func (f *fakeAdapter) setFinal(final uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.final = final
	for h := uint64(0); h <= final; h++ {
		if _, ok := f.hashes[h]; !ok {
			f.hashes[h] = fmt.Sprintf("h%d", h)
		}
	}
}

func (f *fakeAdapter) setHash(height uint64, hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes[height] = hash
}

func (f *fakeAdapter) setEvents(events []adapter.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = events
}

func (f *fakeAdapter) setLogErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logErr = err
}

func (f *fakeAdapter) windowsSeen() [][2]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][2]uint64, len(f.windows))
	copy(out, f.windows)
	return out
}

func (f *fakeAdapter) ChainTag() string              { return f.tag }
func (f *fakeAdapter) Connect(context.Context) error { return nil }
func (f *fakeAdapter) Close() error                  { return nil }
func (f *fakeAdapter) Watch(*adapter.Escrow)         {}
func (f *fakeAdapter) Unwatch([32]byte)              {}

func (f *fakeAdapter) CurrentHeight(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.final, nil
}

func (f *fakeAdapter) FinalizedHeight(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.final, nil
}

func (f *fakeAdapter) BlockHash(_ context.Context, height uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash, ok := f.hashes[height]
	if !ok {
		return "", adapter.ErrBlockNotFound
	}
	return hash, nil
}

func (f *fakeAdapter) GetLogs(_ context.Context, from, to uint64) ([]adapter.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, [2]uint64{from, to})
	if f.logErr != nil {
		return nil, f.logErr
	}
	var out []adapter.Event
	for _, ev := range f.events {
		if ev.Height > from && ev.Height <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeAdapter) TxStatus(context.Context, string) (*adapter.TxStatus, error) {
	return &adapter.TxStatus{State: adapter.TxPending}, nil
}

func (f *fakeAdapter) Lock(context.Context, adapter.ActionKey, *adapter.Escrow) (string, error) {
	return "", nil
}

func (f *fakeAdapter) Reveal(context.Context, adapter.ActionKey, *adapter.Escrow, [32]byte) (string, error) {
	return "", nil
}

func (f *fakeAdapter) Refund(context.Context, adapter.ActionKey, *adapter.Escrow) (string, error) {
	return "", nil
}

func quietLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "error", Output: io.Discard})
}

func newTestMonitor(chunk, ring uint64) *Monitor {
	m := NewMonitor(config.MonitorConfig{
		PollInterval: 2 * time.Millisecond,
		ChunkSize:    chunk,
		ReorgBuffer:  ring,
	}, quietLogger())
	m.policy = retry.Policy{Interval: time.Millisecond, Factor: 2, MaxInterval: 4 * time.Millisecond, Attempts: 3}
	return m
}

func collect(t *testing.T, sink <-chan Message, n int) []Message {
	t.Helper()
	var out []Message
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case msg, ok := <-sink:
			if !ok {
				t.Fatalf("sink closed after %d of %d messages", len(out), n)
			}
			out = append(out, msg)
		case <-deadline:
			t.Fatalf("timed out with %d of %d messages", len(out), n)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMonitorDeliversOrderedEvents(t *testing.T) {
	fake := newFakeAdapter("ETH", 120)
	fake.setEvents([]adapter.Event{
		{Chain: "ETH", Type: adapter.EventEscrowCreated, Height: 105, LogIndex: 0, TxRef: "0xaa", Amount: big.NewInt(1)},
		{Chain: "ETH", Type: adapter.EventEscrowClaimed, Height: 105, LogIndex: 1, TxRef: "0xab"},
		{Chain: "ETH", Type: adapter.EventEscrowRefunded, Height: 110, LogIndex: 0, TxRef: "0xac"},
	})

	m := newTestMonitor(100, 10)
	m.Register(fake, 100, 0)
	m.Start(context.Background())
	defer m.Stop()

	msgs := collect(t, m.Sink(), 3)
	wantTypes := []adapter.EventType{
		adapter.EventEscrowCreated,
		adapter.EventEscrowClaimed,
		adapter.EventEscrowRefunded,
	}
	for i, msg := range msgs {
		if msg.Err != nil || msg.Reorg != nil {
			t.Fatalf("msgs[%d] = %+v, want event", i, msg)
		}
		if msg.Chain != "ETH" {
			t.Errorf("msgs[%d].Chain = %q, want ETH", i, msg.Chain)
		}
		if msg.Event.Type != wantTypes[i] {
			t.Errorf("msgs[%d].Type = %q, want %q", i, msg.Event.Type, wantTypes[i])
		}
	}
	if msgs[0].Event.Height != 105 || msgs[2].Event.Height != 110 {
		t.Errorf("event heights = %d, %d, want 105, 110",
			msgs[0].Event.Height, msgs[2].Event.Height)
	}

	windows := fake.windowsSeen()
	if len(windows) == 0 || windows[0] != [2]uint64{100, 120} {
		t.Errorf("first window = %v, want (100,120]", windows)
	}
}

func TestMonitorChunksWideWindows(t *testing.T) {
	fake := newFakeAdapter("BTC", 135)

	m := newTestMonitor(10, 10)
	m.Register(fake, 100, 0)
	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, "cursor to reach the tip", func() bool {
		ws := fake.windowsSeen()
		return len(ws) > 0 && ws[len(ws)-1][1] == 135
	})

	want := [][2]uint64{{100, 110}, {110, 120}, {120, 130}, {130, 135}}
	got := fake.windowsSeen()
	if len(got) != len(want) {
		t.Fatalf("windows = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("windows[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMonitorRewindsOnReorg(t *testing.T) {
	fake := newFakeAdapter("ETH", 112)

	m := newTestMonitor(4, 10)
	m.Register(fake, 100, 0)
	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, "initial scan to finish", func() bool {
		ws := fake.windowsSeen()
		return len(ws) > 0 && ws[len(ws)-1][1] == 112
	})

	// Fork off blocks 108 and 112; 104 stays canonical. The next pass
	// must rewind to 104 and rescan, finding the replacement event.
	fake.setHash(108, "fork108")
	fake.setHash(112, "fork112")
	fake.setEvents([]adapter.Event{
		{Chain: "ETH", Type: adapter.EventEscrowCreated, Height: 110, TxRef: "0xnew", Amount: big.NewInt(5)},
	})
	fake.setFinal(113)

	msgs := collect(t, m.Sink(), 2)
	if msgs[0].Reorg == nil {
		t.Fatalf("msgs[0] = %+v, want reorg", msgs[0])
	}
	if msgs[0].Reorg.FromHeight != 105 {
		t.Errorf("Reorg.FromHeight = %d, want 105", msgs[0].Reorg.FromHeight)
	}
	if msgs[0].Reorg.Chain != "ETH" {
		t.Errorf("Reorg.Chain = %q, want ETH", msgs[0].Reorg.Chain)
	}
	if msgs[1].Event == nil || msgs[1].Event.TxRef != "0xnew" {
		t.Fatalf("msgs[1] = %+v, want rescanned event 0xnew", msgs[1])
	}
}

func TestMonitorSurfacesScanErrors(t *testing.T) {
	fake := newFakeAdapter("ETH", 120)
	fake.setLogErr(errors.New("connection refused"))

	m := newTestMonitor(100, 10)
	m.Register(fake, 100, 0)
	m.Start(context.Background())
	defer m.Stop()

	msgs := collect(t, m.Sink(), 1)
	if msgs[0].Err == nil {
		t.Fatalf("msgs[0] = %+v, want error", msgs[0])
	}
	if !errors.Is(msgs[0].Err, adapter.ErrConnectionFailed) {
		t.Errorf("Err = %v, want wrapped ErrConnectionFailed", msgs[0].Err)
	}
	if msgs[0].Chain != "ETH" {
		t.Errorf("Chain = %q, want ETH", msgs[0].Chain)
	}
	if calls := len(fake.windowsSeen()); calls < 3 {
		t.Errorf("GetLogs calls = %d, want the full retry budget", calls)
	}

	// The loop keeps ticking: once the chain recovers the scan lands.
	fake.setLogErr(nil)
	fake.setEvents([]adapter.Event{
		{Chain: "ETH", Type: adapter.EventEscrowCreated, Height: 101, TxRef: "0xok", Amount: big.NewInt(1)},
	})
	waitFor(t, "recovery event", func() bool {
		select {
		case msg := <-m.Sink():
			return msg.Event != nil && msg.Event.TxRef == "0xok"
		default:
			return false
		}
	})
}

func TestMonitorIdlesAtFinalizedTip(t *testing.T) {
	fake := newFakeAdapter("ETH", 100)

	m := newTestMonitor(100, 10)
	m.Register(fake, 100, 0)
	m.Start(context.Background())
	defer m.Stop()

	time.Sleep(30 * time.Millisecond)
	if calls := len(fake.windowsSeen()); calls != 0 {
		t.Errorf("GetLogs calls = %d, want 0 while cursor is at the tip", calls)
	}
	select {
	case msg := <-m.Sink():
		t.Errorf("unexpected message %+v", msg)
	default:
	}
}

func TestMonitorStopClosesSink(t *testing.T) {
	fake := newFakeAdapter("ETH", 100)

	m := newTestMonitor(100, 10)
	m.Register(fake, 100, 0)
	m.Start(context.Background())
	m.Stop()

	if _, ok := <-m.Sink(); ok {
		t.Error("sink should be closed after Stop")
	}
}

func TestMonitorRegisterAfterStart(t *testing.T) {
	m := newTestMonitor(100, 10)
	m.Start(context.Background())
	defer m.Stop()

	fake := newFakeAdapter("LTC", 60)
	fake.setEvents([]adapter.Event{
		{Chain: "LTC", Type: adapter.EventEscrowCreated, Height: 55, TxRef: "late", Amount: big.NewInt(1)},
	})
	m.Register(fake, 50, 0)

	msgs := collect(t, m.Sink(), 1)
	if msgs[0].Event == nil || msgs[0].Event.TxRef != "late" {
		t.Fatalf("msgs[0] = %+v, want event from late-registered feed", msgs[0])
	}
}
