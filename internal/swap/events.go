package swap

import "time"

// EventKind labels the events a session driver consumes.
type EventKind string

const (
	// Escrow observations routed from the monitor by hashlock.
	EventSourceLock   EventKind = "source_lock_observed"
	EventDestLock     EventKind = "destination_lock_observed"
	EventDestReveal   EventKind = "destination_reveal_finalized"
	EventSourceReveal EventKind = "source_reveal_finalized"
	EventRefundSeen   EventKind = "refund_observed"

	// API requests forwarded to the driver.
	EventCancel  EventKind = "cancel_requested"
	EventExecute EventKind = "order_attached"
)

// Event is one message on a driver's channel. Escrow observations
// carry the chain and transaction they were seen in; claims carry the
// revealed preimage.
type Event struct {
	Kind   EventKind
	Chain  string
	TxRef  string
	Height uint64
	Secret []byte
	At     time.Time
}
