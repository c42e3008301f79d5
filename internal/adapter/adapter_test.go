package adapter

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestActionLedgerReplay(t *testing.T) {
	ledger := newActionLedger()
	key := ActionKey{SessionID: "sess-1", Action: ActionLockSource}

	if _, ok := ledger.replay(key); ok {
		t.Fatal("empty ledger replayed a key")
	}

	ledger.record(key, "0xabc")
	txRef, ok := ledger.replay(key)
	if !ok || txRef != "0xabc" {
		t.Fatalf("replay = %q, %v; want 0xabc, true", txRef, ok)
	}

	// Same session, different action is a different key.
	other := ActionKey{SessionID: "sess-1", Action: ActionRefundSource}
	if _, ok := ledger.replay(other); ok {
		t.Error("ledger replayed an unrecorded action")
	}
}

func TestChunkRange(t *testing.T) {
	tests := []struct {
		name   string
		lo, hi uint64
		size   uint64
		want   []span
	}{
		{"empty", 10, 9, 100, nil},
		{"zero size", 1, 10, 0, nil},
		{"single block", 5, 5, 100, []span{{5, 5}}},
		{"fits one chunk", 1, 100, 100, []span{{1, 100}}},
		{"splits evenly", 1, 200, 100, []span{{1, 100}, {101, 200}}},
		{"ragged tail", 1, 250, 100, []span{{1, 100}, {101, 200}, {201, 250}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chunkRange(tt.lo, tt.hi, tt.size)
			if len(got) != len(tt.want) {
				t.Fatalf("chunk count = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestChunkRangeCoversWindow(t *testing.T) {
	spans := chunkRange(101, 747, 100)
	next := uint64(101)
	for _, s := range spans {
		if s.lo != next {
			t.Fatalf("gap before %d", s.lo)
		}
		if s.hi < s.lo || s.hi-s.lo+1 > 100 {
			t.Fatalf("span %+v exceeds chunk size", s)
		}
		next = s.hi + 1
	}
	if next != 748 {
		t.Fatalf("coverage ends at %d, want 748", next)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("rpc: %w", context.DeadlineExceeded), true},
		{"connection refused", errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"), true},
		{"bad gateway", errors.New("502 Bad Gateway"), true},
		{"rate limited", errors.New("429 Too Many Requests"), true},
		{"dns", errors.New("lookup rpc.example.org: no such host"), true},
		{"revert", errors.New("execution reverted: escrow exists"), false},
		{"plain", errors.New("invalid argument"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.err); got != tt.want {
				t.Errorf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
