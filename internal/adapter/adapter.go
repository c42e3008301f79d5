// Package adapter drives escrow operations on one chain. The EVM
// implementation speaks to the escrow contract through ethclient; the
// UTXO implementation builds HTLC script transactions over the backend
// APIs. The coordinator only sees this package's Adapter interface.
package adapter

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"
)

var (
	ErrConnectionFailed = errors.New("chain connection failed")
	ErrTxFailed         = errors.New("transaction failed")
	ErrBlockNotFound    = errors.New("block not found")
	ErrEscrowNotFound   = errors.New("escrow not found")
)

// EventType classifies escrow lifecycle events.
type EventType string

const (
	EventEscrowCreated  EventType = "escrow_created"
	EventEscrowClaimed  EventType = "escrow_claimed"
	EventEscrowRefunded EventType = "escrow_refunded"
)

// Event is an escrow lifecycle observation. Events from one chain are
// ordered by (Height, LogIndex).
type Event struct {
	Chain    string
	Type     EventType
	Hashlock [32]byte

	// Secret is the revealed preimage, set on claims only.
	Secret []byte

	// Amount is the locked value, set on creations only.
	Amount *big.Int

	TxRef     string
	Height    uint64
	LogIndex  uint
	Timestamp int64
}

// TxState is the lifecycle position of a submitted transaction.
type TxState string

const (
	TxPending   TxState = "pending"
	TxIncluded  TxState = "included"
	TxFinalized TxState = "finalized"
	TxFailed    TxState = "failed"
)

// TxStatus reports where a submitted transaction stands.
type TxStatus struct {
	State         TxState
	Height        uint64
	Confirmations uint64

	// Reason is set when State is TxFailed.
	Reason string
}

// Action names for the idempotency ledger.
const (
	ActionLockSource        = "lock_source"
	ActionLockDestination   = "lock_destination"
	ActionRevealSource      = "reveal_source"
	ActionRevealDestination = "reveal_destination"
	ActionRefundSource      = "refund_source"
	ActionRefundDestination = "refund_destination"
)

// ActionKey identifies one escrow write for one session. Adapters must
// never submit the same key twice; retries replay the recorded TxRef.
type ActionKey struct {
	SessionID string
	Action    string
}

// Escrow is the order for one side of a swap, built by the coordinator
// from the session record.
type Escrow struct {
	// Hashlock keys the escrow on both chains.
	Hashlock [32]byte

	// Amount in the chain's smallest unit.
	Amount *big.Int

	// Fee is the protocol fee withheld on claim (EVM source side).
	Fee *big.Int

	// Token is the ERC-20 contract address for token escrows; empty
	// means the chain's native asset. Ignored on UTXO chains.
	Token string

	// Receiver is who the claim pays: the escrow receiver argument on
	// EVM, the payout output of the claim transaction on UTXO chains.
	// Empty selects the adapter's own operator address.
	Receiver string

	// RefundAfter is when the refund branch opens.
	RefundAfter time.Time

	// FundingTxRef is the lock transaction, recorded after Lock.
	// Reveal and Refund on UTXO chains spend its escrow output.
	FundingTxRef string

	// Script and Address are the HTLC witness script and its script
	// address, set by the UTXO Lock and persisted with the session so
	// a restarted daemon can keep watching and spending the escrow.
	Script  []byte
	Address string
}

// Adapter is one chain's escrow driver.
type Adapter interface {
	// ChainTag returns the chain symbol (ETH, BTC, ...).
	ChainTag() string

	// Connect verifies endpoints and pins chain identity.
	Connect(ctx context.Context) error
	Close() error

	CurrentHeight(ctx context.Context) (uint64, error)

	// FinalizedHeight is the newest height considered safe to act on:
	// CurrentHeight minus the chain's confirmation depth.
	FinalizedHeight(ctx context.Context) (uint64, error)

	BlockHash(ctx context.Context, height uint64) (string, error)

	// GetLogs returns escrow events in (from, to], oldest first.
	// Implementations chunk large windows internally.
	GetLogs(ctx context.Context, from, to uint64) ([]Event, error)

	TxStatus(ctx context.Context, txRef string) (*TxStatus, error)

	// Lock creates the escrow. Reveal claims it with the preimage.
	// Refund reclaims it after RefundAfter. All three are idempotent
	// by key: a key that already produced a transaction returns the
	// recorded TxRef without resubmitting.
	Lock(ctx context.Context, key ActionKey, esc *Escrow) (string, error)
	Reveal(ctx context.Context, key ActionKey, esc *Escrow, preimage [32]byte) (string, error)
	Refund(ctx context.Context, key ActionKey, esc *Escrow) (string, error)

	// Watch adds an escrow to the scan set. EVM adapters filter by
	// contract address and need no per-escrow state; UTXO adapters
	// scan the escrow's script address. Unwatch drops it once the
	// session is terminal.
	Watch(esc *Escrow)
	Unwatch(hashlock [32]byte)
}

// actionLedger records completed escrow writes so retried calls replay
// the original TxRef instead of double-submitting.
type actionLedger struct {
	mu   sync.Mutex
	done map[ActionKey]string
}

func newActionLedger() *actionLedger {
	return &actionLedger{done: make(map[ActionKey]string)}
}

// replay returns the recorded TxRef for a key, if any.
func (l *actionLedger) replay(key ActionKey) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	txRef, ok := l.done[key]
	return txRef, ok
}

// record stores the TxRef for a completed write.
func (l *actionLedger) record(key ActionKey, txRef string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done[key] = txRef
}
