// Package swap - cross-chain coordinator.
package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/crosshatch-labs/crosshatch/internal/adapter"
	"github.com/crosshatch-labs/crosshatch/internal/monitor"
	"github.com/crosshatch-labs/crosshatch/internal/notify"
	"github.com/crosshatch-labs/crosshatch/internal/retry"
	"github.com/crosshatch-labs/crosshatch/internal/secret"
	"github.com/crosshatch-labs/crosshatch/pkg/logging"
)

// ErrNotStarted is returned when session work is requested before
// Start.
var ErrNotStarted = errors.New("coordinator not started")

// eventBuffer sizes each driver's event channel. A session sees a
// handful of escrow events over its lifetime; duplicates from reorg
// rescans ride in the slack.
const eventBuffer = 16

// CoordinatorConfig carries the coordinator's collaborators.
type CoordinatorConfig struct {
	Store    Store
	Secrets  *secret.Manager
	Adapters map[string]adapter.Adapter
	Notifier *notify.Registry

	// Events is the monitor's sink. The coordinator owns draining it.
	Events <-chan monitor.Message

	// Retry governs escrow writes. Zero value means retry.DefaultPolicy.
	Retry retry.Policy

	// Announce, when set, is called after every committed transition and
	// when StartSession adopts a fresh session.
	Announce func(*Session)

	Logger *logging.Logger
}

// route maps a hashlock back to the session driving it.
type route struct {
	sessionID string
	source    string
	dest      string
}

// Coordinator runs the swap protocol for every active session. One
// driver goroutine per session; monitor messages are routed to drivers
// by hashlock; all session mutations serialize through the store.
type Coordinator struct {
	cfg    CoordinatorConfig
	policy retry.Policy
	log    *logging.Logger

	mu      sync.Mutex
	started bool
	drivers map[string]*driver
	routes  map[[32]byte]route

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator wires a coordinator. Store, Secrets, and Adapters are
// required.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("coordinator needs a session store")
	}
	if cfg.Secrets == nil {
		return nil, errors.New("coordinator needs a secret manager")
	}
	if len(cfg.Adapters) == 0 {
		return nil, errors.New("coordinator needs at least one chain adapter")
	}
	policy := cfg.Retry
	if policy.Attempts == 0 {
		policy = retry.DefaultPolicy()
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault()
	}
	return &Coordinator{
		cfg:     cfg,
		policy:  policy,
		log:     log.Component("coordinator"),
		drivers: make(map[string]*driver),
		routes:  make(map[[32]byte]route),
	}, nil
}

// Start adopts every active session from the store and begins draining
// the monitor sink. Idempotent.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = true

	var adopted []*Session
	err := c.cfg.Store.IterateActive(func(sess *Session) bool {
		adopted = append(adopted, sess)
		return true
	})
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("adopt sessions: %w", err)
	}
	for _, sess := range adopted {
		c.spawnLocked(sess)
	}
	c.mu.Unlock()

	if c.cfg.Events != nil {
		c.wg.Add(1)
		go c.dispatch()
	}
	c.log.Info("Coordinator started", "adopted", len(adopted))
	return nil
}

// Stop cancels all drivers and waits for them to unwind. Sessions stay
// wherever they are in the store; a restart adopts them.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.log.Info("Coordinator stopped")
}

// StartSession spawns the driver for a stored session. Called by the
// API after create; idempotent while the driver is alive.
func (c *Coordinator) StartSession(id string) error {
	sess, err := c.cfg.Store.Get(id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("%w: session %s is %s", ErrInvalidState, id, sess.Status)
	}

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if _, exists := c.drivers[id]; exists {
		c.mu.Unlock()
		return nil
	}
	c.spawnLocked(sess)
	c.mu.Unlock()

	if c.cfg.Announce != nil {
		c.cfg.Announce(sess)
	}
	return nil
}

// Execute attaches a signed order to a session still in initialized
// and releases its driver if it was created passive.
func (c *Coordinator) Execute(id string, order []byte) error {
	_, err := c.cfg.Store.Update(id, func(s *Session) error {
		if s.Status != StatusInitialized {
			return fmt.Errorf("%w: cannot attach order to session in %s", ErrInvalidState, s.Status)
		}
		s.Order = append([]byte(nil), order...)
		s.Passive = false
		s.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	d := c.drivers[id]
	c.mu.Unlock()
	if d != nil {
		d.deliver(Event{Kind: EventExecute, At: time.Now()})
	}
	return nil
}

// Cancel requests cancellation. Legal only while nothing irreversible
// has confirmed: initialized or source_locking. The returned time is
// when any funds already submitted become reclaimable; zero when the
// session never touched a chain.
func (c *Coordinator) Cancel(id string) (time.Time, error) {
	sess, err := c.cfg.Store.Get(id)
	if err != nil {
		return time.Time{}, err
	}

	var refundAt time.Time
	switch sess.Status {
	case StatusInitialized:
	case StatusSourceLocking:
		refundAt = sess.Deadlines.SrcCancel
	default:
		return time.Time{}, fmt.Errorf("%w: cannot cancel session in %s", ErrInvalidState, sess.Status)
	}

	c.mu.Lock()
	d := c.drivers[id]
	c.mu.Unlock()
	if d == nil {
		return time.Time{}, fmt.Errorf("%w: session %s is not being driven", ErrInvalidState, id)
	}
	d.deliver(Event{Kind: EventCancel, At: time.Now()})
	return refundAt, nil
}

// ActiveSessions reports how many drivers are running.
func (c *Coordinator) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.drivers)
}

// spawnLocked registers routing for a session and starts its driver.
// Caller holds c.mu.
func (c *Coordinator) spawnLocked(sess *Session) {
	d := &driver{
		c:      c,
		id:     sess.ID,
		events: make(chan Event, eventBuffer),
		log:    c.log.WithSession(sess.ID),
	}
	c.drivers[sess.ID] = d
	c.routes[sess.Hashlock] = route{sessionID: sess.ID, source: sess.SourceChain, dest: sess.DestChain}

	// Re-arm adapter watches for escrows that already exist so a
	// restarted daemon keeps observing them.
	if sess.SourceEscrow != nil {
		if ad, err := c.adapter(sess.SourceChain); err == nil {
			ad.Watch(sourceEscrow(sess))
		}
	}
	if sess.DestEscrow != nil {
		if ad, err := c.adapter(sess.DestChain); err == nil {
			ad.Watch(destEscrow(sess))
		}
	}

	c.wg.Add(1)
	go d.run(c.ctx, sess)
}

// release drops a session's driver registration without touching
// watches or secrets. Used when a driver stops on a non-terminal
// session (shutdown, store failure).
func (c *Coordinator) release(id string, hashlock [32]byte) {
	c.mu.Lock()
	delete(c.drivers, id)
	delete(c.routes, hashlock)
	c.mu.Unlock()
}

// retire tears a terminal session out of the routing tables, stops the
// adapter watches, and destroys the preimage unless it was consumed by
// a completed swap.
func (c *Coordinator) retire(sess *Session) {
	c.release(sess.ID, sess.Hashlock)

	if ad, err := c.adapter(sess.SourceChain); err == nil {
		ad.Unwatch(sess.Hashlock)
	}
	if ad, err := c.adapter(sess.DestChain); err == nil {
		ad.Unwatch(sess.Hashlock)
	}
	if sess.Status != StatusCompleted {
		if err := c.cfg.Secrets.Expire(sess.Hashlock); err != nil && !errors.Is(err, secret.ErrNotFound) {
			c.log.Warn("Secret expiry failed", "session_id", sess.ID, "err", err)
		}
	}
	c.log.Info("Session retired", "session_id", sess.ID, "status", sess.Status)
}

// dispatch drains the monitor sink and routes escrow events to session
// drivers by hashlock.
func (c *Coordinator) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.cfg.Events:
			if !ok {
				return
			}
			c.handle(msg)
		}
	}
}

func (c *Coordinator) handle(msg monitor.Message) {
	switch {
	case msg.Err != nil:
		c.log.Warn("Monitor error", "chain", msg.Chain, "err", msg.Err)
		c.alert(map[string]interface{}{
			"kind":  "monitor_error",
			"chain": msg.Chain,
			"error": msg.Err.Error(),
		})
	case msg.Reorg != nil:
		// Deadlines are wall-clock and writes are idempotent by
		// action key, so a rewind needs no session rollback; the
		// rescan redelivers events and drivers ignore duplicates.
		c.log.Warn("Chain reorganization", "chain", msg.Chain, "from_height", msg.Reorg.FromHeight)
		c.alert(map[string]interface{}{
			"kind":        "reorg",
			"chain":       msg.Chain,
			"from_height": msg.Reorg.FromHeight,
		})
	case msg.Event != nil:
		c.routeEvent(msg.Event)
	}
}

func (c *Coordinator) routeEvent(ev *adapter.Event) {
	c.mu.Lock()
	rt, ok := c.routes[ev.Hashlock]
	var d *driver
	if ok {
		d = c.drivers[rt.sessionID]
	}
	c.mu.Unlock()
	if d == nil {
		// Escrows created by others share the contract; not ours.
		c.log.Debug("Event for unknown hashlock", "chain", ev.Chain, "type", ev.Type)
		return
	}

	var kind EventKind
	switch {
	case ev.Type == adapter.EventEscrowCreated && ev.Chain == rt.source:
		kind = EventSourceLock
	case ev.Type == adapter.EventEscrowCreated && ev.Chain == rt.dest:
		kind = EventDestLock
	case ev.Type == adapter.EventEscrowClaimed && ev.Chain == rt.dest:
		kind = EventDestReveal
	case ev.Type == adapter.EventEscrowClaimed && ev.Chain == rt.source:
		kind = EventSourceReveal
	case ev.Type == adapter.EventEscrowRefunded:
		kind = EventRefundSeen
	default:
		return
	}
	d.deliver(Event{
		Kind:   kind,
		Chain:  ev.Chain,
		TxRef:  ev.TxRef,
		Height: ev.Height,
		Secret: ev.Secret,
		At:     time.Unix(ev.Timestamp, 0),
	})
}

// transition commits a status change, running any extra mutations in
// the same store write, then broadcasts the committed session.
func (c *Coordinator) transition(id string, next Status, cause error, extra ...func(*Session) error) (*Session, error) {
	sess, err := c.cfg.Store.Update(id, func(s *Session) error {
		for _, fn := range extra {
			if err := fn(s); err != nil {
				return err
			}
		}
		return s.TransitionWithError(next, cause)
	})
	if err != nil {
		return nil, err
	}

	if cause != nil {
		c.log.Warn("Session transition", "session_id", id, "status", next, "cause", cause)
	} else {
		c.log.Info("Session transition", "session_id", id, "status", next)
	}
	c.publish(sess)
	if c.cfg.Announce != nil {
		c.cfg.Announce(sess)
	}
	return sess, nil
}

// update commits a mutation that is not a status change. No broadcast.
func (c *Coordinator) update(id string, mutate func(*Session) error) (*Session, error) {
	return c.cfg.Store.Update(id, mutate)
}

func (c *Coordinator) publish(sess *Session) {
	if c.cfg.Notifier == nil {
		return
	}
	msg := notify.SessionUpdate(sess.ID, string(sess.Status), sess.Progress, sess)
	c.cfg.Notifier.PublishSession(sess.ID, msg)
}

func (c *Coordinator) alert(payload interface{}) {
	if c.cfg.Notifier == nil {
		return
	}
	c.cfg.Notifier.PublishAlert(notify.Alert(payload))
}

func (c *Coordinator) adapter(chain string) (adapter.Adapter, error) {
	ad, ok := c.cfg.Adapters[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chain)
	}
	return ad, nil
}

// scheduleEmergencyRefund reclaims whatever a dead session left locked
// on chain. Each leg waits for its refund window to open, submits once
// through the retry policy, and alerts on failure. Refunds share
// action keys with the normal refund path, so double scheduling cannot
// double spend.
func (c *Coordinator) scheduleEmergencyRefund(sess *Session) {
	type leg struct {
		chain  string
		action string
		esc    *adapter.Escrow
		after  time.Time
		record func(*Session, string)
	}
	var legs []leg
	if ref := sess.DestEscrow; ref != nil && ref.LockTx != "" && ref.RefundTx == "" {
		legs = append(legs, leg{
			chain:  sess.DestChain,
			action: adapter.ActionRefundDestination,
			esc:    destEscrow(sess),
			after:  sess.Deadlines.DstCancel,
			record: func(s *Session, tx string) {
				if s.DestEscrow != nil {
					s.DestEscrow.RefundTx = tx
				}
			},
		})
	}
	if ref := sess.SourceEscrow; ref != nil && ref.LockTx != "" && ref.RefundTx == "" {
		legs = append(legs, leg{
			chain:  sess.SourceChain,
			action: adapter.ActionRefundSource,
			esc:    sourceEscrow(sess),
			after:  sess.Deadlines.SrcCancel,
			record: func(s *Session, tx string) {
				if s.SourceEscrow != nil {
					s.SourceEscrow.RefundTx = tx
				}
			},
		})
	}
	if len(legs) == 0 {
		return
	}

	c.log.Info("Emergency refund scheduled", "session_id", sess.ID, "legs", len(legs))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for _, l := range legs {
			if err := sleepUntil(c.ctx, l.after); err != nil {
				return
			}
			ad, err := c.adapter(l.chain)
			if err != nil {
				c.log.Error("Emergency refund has no adapter", "session_id", sess.ID, "chain", l.chain)
				continue
			}
			key := adapter.ActionKey{SessionID: sess.ID, Action: l.action}
			var txRef string
			err = retry.Do(c.ctx, c.policy, writeRetryable, func() error {
				var rerr error
				txRef, rerr = ad.Refund(c.ctx, key, l.esc)
				return rerr
			})
			if err != nil {
				c.log.Error("Emergency refund failed", "session_id", sess.ID, "chain", l.chain, "err", err)
				c.alert(map[string]interface{}{
					"kind":       "emergency_refund_failed",
					"session_id": sess.ID,
					"chain":      l.chain,
					"error":      err.Error(),
				})
				continue
			}
			c.log.Info("Emergency refund submitted", "session_id", sess.ID, "chain", l.chain, "tx", txRef)
			record := l.record
			if _, uerr := c.cfg.Store.Update(sess.ID, func(s *Session) error {
				record(s, txRef)
				s.UpdatedAt = time.Now()
				return nil
			}); uerr != nil && !errors.Is(uerr, ErrSessionNotFound) {
				c.log.Warn("Emergency refund not recorded", "session_id", sess.ID, "err", uerr)
			}
		}
	}()
}

// writeRetryable classifies escrow write errors for the retry policy:
// rejected transactions and missing escrows are terminal, anything
// else is assumed to be transport trouble worth another attempt.
func writeRetryable(err error) bool {
	return !errors.Is(err, adapter.ErrTxFailed) && !errors.Is(err, adapter.ErrEscrowNotFound)
}

// sourceEscrow builds the adapter order for the session's source leg.
// The claim receiver is left empty so the adapter pays its own
// operator address.
func sourceEscrow(s *Session) *adapter.Escrow {
	esc := &adapter.Escrow{
		Hashlock:    s.Hashlock,
		Amount:      new(big.Int).Set(s.SourceAmount),
		Token:       s.SourceToken,
		RefundAfter: s.Deadlines.SrcCancel,
	}
	if s.Quote != nil {
		if fee, ok := new(big.Int).SetString(s.Quote.Fees.ProtocolFee, 10); ok {
			esc.Fee = fee
		}
	}
	fillEscrowRef(esc, s.SourceEscrow)
	return esc
}

// destEscrow builds the adapter order for the destination leg. The
// claim pays the taker.
func destEscrow(s *Session) *adapter.Escrow {
	esc := &adapter.Escrow{
		Hashlock:    s.Hashlock,
		Amount:      new(big.Int).Set(s.DestAmount),
		Token:       s.DestToken,
		Receiver:    s.Taker,
		RefundAfter: s.Deadlines.DstCancel,
	}
	fillEscrowRef(esc, s.DestEscrow)
	return esc
}

func fillEscrowRef(esc *adapter.Escrow, ref *EscrowRef) {
	if ref == nil {
		return
	}
	esc.FundingTxRef = ref.LockTx
	esc.Address = ref.Address
	if ref.Script != nil {
		esc.Script = append([]byte(nil), ref.Script...)
	}
}

// sleepUntil blocks until t or until the context ends.
func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
