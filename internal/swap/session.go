// Package swap runs cross-chain swap sessions. A Coordinator owns one
// driver goroutine per session; the driver walks the session through
// the escrow protocol (lock source, lock destination, reveal on the
// destination, reveal on the source) and through the refund schedule
// when a deadline lapses. Every state change is committed through the
// session store and broadcast through the notifier.
package swap

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/crosshatch-labs/crosshatch/internal/auction"
	"github.com/crosshatch-labs/crosshatch/internal/timelock"
	"github.com/crosshatch-labs/crosshatch/pkg/helpers"
)

// Common errors
var (
	ErrInvalidState    = errors.New("invalid session state")
	ErrInvalidSession  = errors.New("invalid session")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionLimit    = errors.New("session limit reached")
	ErrUnknownChain    = errors.New("no adapter for chain")
)

// MaxSlippageBPS bounds the slippage tolerance a session may carry.
const MaxSlippageBPS = 10000

// EscrowRef records what the coordinator knows about one on-chain
// escrow: the transactions it has submitted against it and, for UTXO
// chains, the script material needed to keep watching and spending it
// across restarts.
type EscrowRef struct {
	Chain    string `json:"chain"`
	LockTx   string `json:"lock_tx,omitempty"`
	ClaimTx  string `json:"claim_tx,omitempty"`
	RefundTx string `json:"refund_tx,omitempty"`
	Address  string `json:"address,omitempty"`
	Script   []byte `json:"script,omitempty"`

	// Height is where the lock was observed, zero until the escrow
	// event arrives.
	Height uint64 `json:"height,omitempty"`
}

// Step is one entry in the session's progress history. A step is
// appended on every status transition; the transaction that drove the
// phase is stamped onto it once submitted.
type Step struct {
	Status Status    `json:"status"`
	TxRef  string    `json:"tx_ref,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Session is the unit of work: one cross-chain swap from creation to a
// terminal state. Stores hand out deep copies; all mutation funnels
// through Store.Update so writes to one session serialize.
type Session struct {
	ID string `json:"id"`

	SourceChain string `json:"source_chain"`
	DestChain   string `json:"dest_chain"`
	SourceToken string `json:"source_token,omitempty"`
	DestToken   string `json:"dest_token,omitempty"`

	// Amounts in each chain's smallest unit.
	SourceAmount *big.Int `json:"source_amount"`
	DestAmount   *big.Int `json:"dest_amount"`

	// Maker is the source-chain address funding the source escrow.
	// Taker is the destination-chain address the destination claim
	// pays out to.
	Maker string `json:"maker"`
	Taker string `json:"taker"`

	SlippageBPS int64 `json:"slippage_bps"`

	// Hashlock keys both escrows. Exposed to callers as hex through
	// HashlockHex, never marshaled raw.
	Hashlock [32]byte `json:"-"`

	Status   Status `json:"status"`
	Progress int    `json:"progress"`

	Deadlines *timelock.Set  `json:"deadlines"`
	Quote     *auction.Quote `json:"quote,omitempty"`

	SourceEscrow *EscrowRef `json:"source_escrow,omitempty"`
	DestEscrow   *EscrowRef `json:"dest_escrow,omitempty"`

	// RevealedSecret is persisted before the first claim is submitted
	// so a restarted daemon can finish both reveals.
	RevealedSecret []byte `json:"-"`

	LastError string `json:"last_error,omitempty"`

	// Passive sessions wait for a signed order before locking;
	// Execute attaches the order and releases the driver.
	Passive bool   `json:"passive,omitempty"`
	Order   []byte `json:"order,omitempty"`

	Steps []Step `json:"steps"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionParams carries the validated inputs for a new session.
type SessionParams struct {
	// ID is optional; NewSession generates one when empty. The API
	// layer pre-generates it so the secret entry can carry it.
	ID string

	SourceChain string
	DestChain   string
	SourceToken string
	DestToken   string

	SourceAmount *big.Int
	DestAmount   *big.Int

	Maker string
	Taker string

	SlippageBPS int64

	Hashlock  [32]byte
	Deadlines *timelock.Set
	Quote     *auction.Quote

	Passive bool
}

// NewSession builds a session in the initialized state.
func NewSession(p SessionParams) (*Session, error) {
	switch {
	case p.SourceChain == "" || p.DestChain == "":
		return nil, fmt.Errorf("%w: missing chain tag", ErrInvalidSession)
	case p.SourceChain == p.DestChain:
		return nil, fmt.Errorf("%w: source and destination chain are both %s", ErrInvalidSession, p.SourceChain)
	case p.SourceAmount == nil || p.SourceAmount.Sign() <= 0:
		return nil, fmt.Errorf("%w: non-positive source amount", ErrInvalidSession)
	case p.DestAmount == nil || p.DestAmount.Sign() <= 0:
		return nil, fmt.Errorf("%w: non-positive destination amount", ErrInvalidSession)
	case p.SlippageBPS < 0 || p.SlippageBPS > MaxSlippageBPS:
		return nil, fmt.Errorf("%w: slippage %d bps out of range", ErrInvalidSession, p.SlippageBPS)
	case p.Hashlock == [32]byte{}:
		return nil, fmt.Errorf("%w: zero hashlock", ErrInvalidSession)
	case p.Deadlines == nil:
		return nil, fmt.Errorf("%w: missing deadlines", ErrInvalidSession)
	}
	if err := p.Deadlines.Validate(); err != nil {
		return nil, err
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()
	return &Session{
		ID:           id,
		SourceChain:  p.SourceChain,
		DestChain:    p.DestChain,
		SourceToken:  p.SourceToken,
		DestToken:    p.DestToken,
		SourceAmount: new(big.Int).Set(p.SourceAmount),
		DestAmount:   new(big.Int).Set(p.DestAmount),
		Maker:        p.Maker,
		Taker:        p.Taker,
		SlippageBPS:  p.SlippageBPS,
		Hashlock:     p.Hashlock,
		Status:       StatusInitialized,
		Progress:     progress[StatusInitialized],
		Deadlines:    p.Deadlines,
		Quote:        p.Quote,
		Passive:      p.Passive,
		Steps:        []Step{{Status: StatusInitialized, At: now}},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// HashlockHex returns the hashlock as a 0x-prefixed hex string.
func (s *Session) HashlockHex() string {
	return helpers.Hash32ToHex(s.Hashlock)
}

// StampTx records a transaction reference on the most recent step.
func (s *Session) StampTx(txRef string) {
	if n := len(s.Steps); n > 0 {
		s.Steps[n-1].TxRef = txRef
	}
	s.UpdatedAt = time.Now()
}

// Clone returns a deep copy. Stores hand clones to callers so nothing
// outside Update can mutate the stored record.
func (s *Session) Clone() *Session {
	c := *s
	if s.SourceAmount != nil {
		c.SourceAmount = new(big.Int).Set(s.SourceAmount)
	}
	if s.DestAmount != nil {
		c.DestAmount = new(big.Int).Set(s.DestAmount)
	}
	if s.Deadlines != nil {
		d := *s.Deadlines
		c.Deadlines = &d
	}
	if s.Quote != nil {
		q := *s.Quote
		c.Quote = &q
	}
	c.SourceEscrow = s.SourceEscrow.clone()
	c.DestEscrow = s.DestEscrow.clone()
	if s.RevealedSecret != nil {
		c.RevealedSecret = append([]byte(nil), s.RevealedSecret...)
	}
	if s.Order != nil {
		c.Order = append([]byte(nil), s.Order...)
	}
	if s.Steps != nil {
		c.Steps = append([]Step(nil), s.Steps...)
	}
	return &c
}

func (r *EscrowRef) clone() *EscrowRef {
	if r == nil {
		return nil
	}
	c := *r
	if r.Script != nil {
		c.Script = append([]byte(nil), r.Script...)
	}
	return &c
}
