// Package swap - per-session driver loop.
package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosshatch-labs/crosshatch/internal/adapter"
	"github.com/crosshatch-labs/crosshatch/internal/retry"
	"github.com/crosshatch-labs/crosshatch/pkg/logging"
)

// driver walks one session through the swap protocol. It is the only
// goroutine that advances the session's status; API requests and
// monitor observations reach it as events on its channel.
type driver struct {
	c      *Coordinator
	id     string
	events chan Event
	log    *logging.Logger
}

// deliver hands an event to the driver without blocking the sender.
// The buffer holds a session's lifetime of events; overflow means
// duplicates, which the phase checks ignore anyway.
func (d *driver) deliver(ev Event) {
	select {
	case d.events <- ev:
	default:
		d.log.Warn("Driver event buffer full, dropping", "kind", ev.Kind)
	}
}

func (d *driver) drop(ev Event, status Status) {
	d.log.Debug("Ignoring event", "kind", ev.Kind, "status", status)
}

// await blocks until an event arrives, the deadline passes, or the
// context ends. A zero deadline waits on events alone. ok is false
// when the deadline won.
func (d *driver) await(ctx context.Context, deadline time.Time) (ev Event, ok bool, err error) {
	var timerC <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case <-ctx.Done():
		return Event{}, false, ctx.Err()
	case <-timerC:
		return Event{}, false, nil
	case ev := <-d.events:
		return ev, true, nil
	}
}

// probeTx asks the chain where a submitted transaction stands. Used
// when an awaited event never arrived: after a restart the monitor may
// have scanned past it.
func (d *driver) probeTx(ctx context.Context, chain, txRef string) (adapter.TxState, bool) {
	if txRef == "" {
		return "", false
	}
	ad, err := d.c.adapter(chain)
	if err != nil {
		return "", false
	}
	st, err := ad.TxStatus(ctx, txRef)
	if err != nil || st == nil {
		return "", false
	}
	return st.State, true
}

// run drives the session until it reaches a terminal status. Phase
// handlers return the refreshed session; a non-nil error means the
// driver itself cannot continue (shutdown or store failure) and the
// session is left in place for the next adoption.
func (d *driver) run(ctx context.Context, sess *Session) {
	defer d.c.wg.Done()
	d.log.Debug("Driver started", "status", sess.Status)

	for !sess.Status.Terminal() {
		var (
			next *Session
			err  error
		)
		switch sess.Status {
		case StatusInitialized:
			next, err = d.runInitialized(ctx, sess)
		case StatusSourceLocking:
			next, err = d.runSourceLocking(ctx, sess)
		case StatusSourceLocked:
			next, err = d.runSourceLocked(ctx, sess)
		case StatusDestLocking:
			next, err = d.runDestLocking(ctx, sess)
		case StatusBothLocked:
			next, err = d.runBothLocked(ctx, sess)
		case StatusRevealing:
			next, err = d.runRevealing(ctx, sess)
		case StatusTimeout:
			next, err = d.runTimeout(ctx, sess)
		case StatusRefunding:
			next, err = d.runRefunding(ctx, sess)
		case StatusCancelling:
			next, err = d.runCancelling(ctx, sess)
		default:
			d.log.Error("Driver halted on unexpected status", "status", sess.Status)
			d.c.release(d.id, sess.Hashlock)
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				d.log.Error("Driver stopped", "status", sess.Status, "err", err)
			}
			d.c.release(d.id, sess.Hashlock)
			return
		}
		sess = next
	}
	d.c.retire(sess)
}

// runInitialized starts the protocol, or parks a passive session until
// its signed order arrives.
func (d *driver) runInitialized(ctx context.Context, sess *Session) (*Session, error) {
	if !sess.Passive {
		return d.c.transition(sess.ID, StatusSourceLocking, nil)
	}
	for {
		ev, ok, err := d.await(ctx, sess.Deadlines.SrcCancel)
		if err != nil {
			return nil, err
		}
		if !ok {
			return d.c.transition(sess.ID, StatusFailed, errors.New("signed order never attached"))
		}
		switch ev.Kind {
		case EventExecute:
			return d.c.transition(sess.ID, StatusSourceLocking, nil)
		case EventCancel:
			return d.c.transition(sess.ID, StatusCancelling, nil)
		default:
			d.drop(ev, StatusInitialized)
		}
	}
}

// runSourceLocking submits the source escrow lock and waits for it to
// confirm on chain.
func (d *driver) runSourceLocking(ctx context.Context, sess *Session) (*Session, error) {
	if sess.SourceEscrow == nil || sess.SourceEscrow.LockTx == "" {
		ad, err := d.c.adapter(sess.SourceChain)
		if err != nil {
			return d.c.transition(sess.ID, StatusFailed, err)
		}
		esc := sourceEscrow(sess)
		key := adapter.ActionKey{SessionID: sess.ID, Action: adapter.ActionLockSource}
		var txRef string
		lockErr := retry.Do(ctx, d.c.policy, writeRetryable, func() error {
			var err error
			txRef, err = ad.Lock(ctx, key, esc)
			return err
		})
		if lockErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return d.c.transition(sess.ID, StatusFailed, fmt.Errorf("source lock: %w", lockErr))
		}
		sess, err = d.c.update(sess.ID, func(s *Session) error {
			s.SourceEscrow = &EscrowRef{Chain: s.SourceChain, LockTx: txRef, Address: esc.Address, Script: esc.Script}
			s.StampTx(txRef)
			return nil
		})
		if err != nil {
			return nil, err
		}
		ad.Watch(esc)
		d.log.Info("Source escrow lock submitted", "chain", sess.SourceChain, "tx", txRef)
	}

	for {
		ev, ok, err := d.await(ctx, sess.Deadlines.SrcCancel)
		if err != nil {
			return nil, err
		}
		if !ok {
			if st, known := d.probeTx(ctx, sess.SourceChain, sess.SourceEscrow.LockTx); known && st == adapter.TxFinalized {
				return d.c.transition(sess.ID, StatusSourceLocked, nil)
			}
			next, terr := d.c.transition(sess.ID, StatusFailed, errors.New("source escrow never confirmed"))
			if terr != nil {
				return nil, terr
			}
			d.c.scheduleEmergencyRefund(next)
			return next, nil
		}
		switch ev.Kind {
		case EventSourceLock:
			height := ev.Height
			return d.c.transition(sess.ID, StatusSourceLocked, nil, func(s *Session) error {
				if s.SourceEscrow != nil {
					s.SourceEscrow.Height = height
				}
				return nil
			})
		case EventCancel:
			return d.c.transition(sess.ID, StatusCancelling, nil)
		default:
			d.drop(ev, StatusSourceLocking)
		}
	}
}

// runSourceLocked moves straight into the destination leg unless the
// destination window already closed while nobody was driving.
func (d *driver) runSourceLocked(ctx context.Context, sess *Session) (*Session, error) {
	if time.Now().After(sess.Deadlines.DstCancel) {
		return d.c.transition(sess.ID, StatusTimeout, errors.New("destination window closed"))
	}
	return d.c.transition(sess.ID, StatusDestLocking, nil)
}

// runDestLocking submits the destination escrow lock and waits for it
// to confirm before the destination cancel deadline.
func (d *driver) runDestLocking(ctx context.Context, sess *Session) (*Session, error) {
	if sess.DestEscrow == nil || sess.DestEscrow.LockTx == "" {
		ad, err := d.c.adapter(sess.DestChain)
		if err != nil {
			return d.c.transition(sess.ID, StatusFailed, err)
		}
		esc := destEscrow(sess)
		key := adapter.ActionKey{SessionID: sess.ID, Action: adapter.ActionLockDestination}
		var txRef string
		lockErr := retry.Do(ctx, d.c.policy, writeRetryable, func() error {
			var err error
			txRef, err = ad.Lock(ctx, key, esc)
			return err
		})
		if lockErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			next, terr := d.c.transition(sess.ID, StatusFailed, fmt.Errorf("destination lock: %w", lockErr))
			if terr != nil {
				return nil, terr
			}
			d.c.scheduleEmergencyRefund(next)
			return next, nil
		}
		sess, err = d.c.update(sess.ID, func(s *Session) error {
			s.DestEscrow = &EscrowRef{Chain: s.DestChain, LockTx: txRef, Address: esc.Address, Script: esc.Script}
			s.StampTx(txRef)
			return nil
		})
		if err != nil {
			return nil, err
		}
		ad.Watch(esc)
		d.log.Info("Destination escrow lock submitted", "chain", sess.DestChain, "tx", txRef)
	}

	for {
		ev, ok, err := d.await(ctx, sess.Deadlines.DstCancel)
		if err != nil {
			return nil, err
		}
		if !ok {
			if st, known := d.probeTx(ctx, sess.DestChain, sess.DestEscrow.LockTx); known && st == adapter.TxFinalized {
				return d.c.transition(sess.ID, StatusBothLocked, nil)
			}
			return d.c.transition(sess.ID, StatusTimeout, errors.New("destination escrow never confirmed"))
		}
		switch ev.Kind {
		case EventDestLock:
			height := ev.Height
			return d.c.transition(sess.ID, StatusBothLocked, nil, func(s *Session) error {
				if s.DestEscrow != nil {
					s.DestEscrow.Height = height
				}
				return nil
			})
		default:
			d.drop(ev, StatusDestLocking)
		}
	}
}

// runBothLocked enters the reveal phase, or the refund path when the
// destination claim window already closed.
func (d *driver) runBothLocked(ctx context.Context, sess *Session) (*Session, error) {
	if time.Now().After(sess.Deadlines.DstCancel) {
		return d.c.transition(sess.ID, StatusTimeout, errors.New("destination claim window closed"))
	}
	return d.c.transition(sess.ID, StatusRevealing, nil)
}

// runRevealing claims the destination escrow with the preimage, waits
// for that claim to finalize, then claims the source escrow. Once the
// destination claim lands the preimage is public and the session
// completes no matter how the source claim goes.
func (d *driver) runRevealing(ctx context.Context, sess *Session) (*Session, error) {
	preimage := sess.RevealedSecret
	if len(preimage) == 0 {
		p, err := d.c.cfg.Secrets.Reveal(sess.Hashlock)
		if err != nil {
			next, terr := d.c.transition(sess.ID, StatusFailed, fmt.Errorf("preimage unavailable: %w", err))
			if terr != nil {
				return nil, terr
			}
			d.c.scheduleEmergencyRefund(next)
			return next, nil
		}
		preimage = p
		sess, err = d.c.update(sess.ID, func(s *Session) error {
			s.RevealedSecret = append([]byte(nil), p...)
			s.UpdatedAt = time.Now()
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	var p32 [32]byte
	copy(p32[:], preimage)

	if sess.DestEscrow == nil || sess.DestEscrow.ClaimTx == "" {
		ad, err := d.c.adapter(sess.DestChain)
		if err != nil {
			return d.c.transition(sess.ID, StatusFailed, err)
		}
		esc := destEscrow(sess)
		key := adapter.ActionKey{SessionID: sess.ID, Action: adapter.ActionRevealDestination}
		var txRef string
		claimErr := retry.Do(ctx, d.c.policy, writeRetryable, func() error {
			var err error
			txRef, err = ad.Reveal(ctx, key, esc, p32)
			return err
		})
		if claimErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			next, terr := d.c.transition(sess.ID, StatusFailed, fmt.Errorf("destination claim: %w", claimErr))
			if terr != nil {
				return nil, terr
			}
			d.c.scheduleEmergencyRefund(next)
			return next, nil
		}
		sess, err = d.c.update(sess.ID, func(s *Session) error {
			if s.DestEscrow != nil {
				s.DestEscrow.ClaimTx = txRef
			}
			s.StampTx(txRef)
			return nil
		})
		if err != nil {
			return nil, err
		}
		d.log.Info("Destination claim submitted", "chain", sess.DestChain, "tx", txRef)
	}

	for confirmed := false; !confirmed; {
		ev, ok, err := d.await(ctx, sess.Deadlines.SrcCancel)
		if err != nil {
			return nil, err
		}
		if !ok {
			if st, known := d.probeTx(ctx, sess.DestChain, sess.DestEscrow.ClaimTx); known && st == adapter.TxFinalized {
				break
			}
			next, terr := d.c.transition(sess.ID, StatusFailed, errors.New("destination claim never finalized"))
			if terr != nil {
				return nil, terr
			}
			d.c.scheduleEmergencyRefund(next)
			return next, nil
		}
		switch ev.Kind {
		case EventDestReveal:
			confirmed = true
		default:
			d.drop(ev, StatusRevealing)
		}
	}
	d.log.Info("Destination claim finalized", "chain", sess.DestChain)

	return d.claimSource(ctx, sess, p32)
}

// claimSource runs the source-side reveal. Failures here do not fail
// the session: the preimage is already public on the destination
// chain, so the funds stay recoverable; the fault is recorded and
// alerted instead.
func (d *driver) claimSource(ctx context.Context, sess *Session, preimage [32]byte) (*Session, error) {
	ad, err := d.c.adapter(sess.SourceChain)
	if err != nil {
		return d.completeDespite(sess, fmt.Errorf("source claim: %w", err))
	}

	if sess.SourceEscrow == nil || sess.SourceEscrow.ClaimTx == "" {
		esc := sourceEscrow(sess)
		key := adapter.ActionKey{SessionID: sess.ID, Action: adapter.ActionRevealSource}
		var txRef string
		claimErr := retry.Do(ctx, d.c.policy, writeRetryable, func() error {
			var err error
			txRef, err = ad.Reveal(ctx, key, esc, preimage)
			return err
		})
		if claimErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return d.completeDespite(sess, fmt.Errorf("source claim: %w", claimErr))
		}
		sess, err = d.c.update(sess.ID, func(s *Session) error {
			if s.SourceEscrow != nil {
				s.SourceEscrow.ClaimTx = txRef
			}
			s.StampTx(txRef)
			return nil
		})
		if err != nil {
			return nil, err
		}
		d.log.Info("Source claim submitted", "chain", sess.SourceChain, "tx", txRef)
	}

	for {
		ev, ok, err := d.await(ctx, sess.Deadlines.SrcCancel)
		if err != nil {
			return nil, err
		}
		if !ok {
			if st, known := d.probeTx(ctx, sess.SourceChain, sess.SourceEscrow.ClaimTx); known && st == adapter.TxFinalized {
				return d.c.transition(sess.ID, StatusCompleted, nil)
			}
			return d.completeDespite(sess, errors.New("source claim never finalized"))
		}
		switch ev.Kind {
		case EventSourceReveal:
			return d.c.transition(sess.ID, StatusCompleted, nil)
		default:
			d.drop(ev, StatusRevealing)
		}
	}
}

func (d *driver) completeDespite(sess *Session, cause error) (*Session, error) {
	d.c.alert(map[string]interface{}{
		"kind":       "source_claim_failed",
		"session_id": sess.ID,
		"error":      cause.Error(),
	})
	return d.c.transition(sess.ID, StatusCompleted, cause)
}

func (d *driver) runTimeout(ctx context.Context, sess *Session) (*Session, error) {
	return d.c.transition(sess.ID, StatusRefunding, nil)
}

// runRefunding reclaims locked escrows in safety order: destination
// once its cancel window opens, then source once its cancel window
// opens. A destination leg that never confirmed gets a best-effort
// probe; a confirmed one must refund or the session fails.
func (d *driver) runRefunding(ctx context.Context, sess *Session) (*Session, error) {
	reached := reachedBothLocked(sess)
	destSubmitted := sess.DestEscrow != nil && sess.DestEscrow.LockTx != "" &&
		sess.DestEscrow.ClaimTx == "" && sess.DestEscrow.RefundTx == ""

	if reached || destSubmitted {
		if err := sleepUntil(ctx, sess.Deadlines.DstCancel); err != nil {
			return nil, err
		}
		ad, err := d.c.adapter(sess.DestChain)
		if err != nil {
			return d.c.transition(sess.ID, StatusFailed, err)
		}
		esc := destEscrow(sess)
		key := adapter.ActionKey{SessionID: sess.ID, Action: adapter.ActionRefundDestination}
		var txRef string
		refErr := retry.Do(ctx, d.c.policy, writeRetryable, func() error {
			var err error
			txRef, err = ad.Refund(ctx, key, esc)
			return err
		})
		switch {
		case refErr == nil:
			sess, err = d.c.update(sess.ID, func(s *Session) error {
				if s.DestEscrow != nil {
					s.DestEscrow.RefundTx = txRef
				}
				s.StampTx(txRef)
				return nil
			})
			if err != nil {
				return nil, err
			}
			d.log.Info("Destination refund submitted", "chain", sess.DestChain, "tx", txRef)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case reached:
			next, terr := d.c.transition(sess.ID, StatusFailed, fmt.Errorf("destination refund: %w", refErr))
			if terr != nil {
				return nil, terr
			}
			d.c.scheduleEmergencyRefund(next)
			return next, nil
		default:
			// The lock never confirmed, so a missing escrow is the
			// expected answer here.
			d.log.Debug("Destination refund probe", "chain", sess.DestChain, "err", refErr)
		}
	}

	if sess.SourceEscrow != nil && sess.SourceEscrow.LockTx != "" && sess.SourceEscrow.ClaimTx == "" {
		if err := sleepUntil(ctx, sess.Deadlines.SrcCancel); err != nil {
			return nil, err
		}
		ad, err := d.c.adapter(sess.SourceChain)
		if err != nil {
			return d.c.transition(sess.ID, StatusFailed, err)
		}
		esc := sourceEscrow(sess)
		key := adapter.ActionKey{SessionID: sess.ID, Action: adapter.ActionRefundSource}
		var txRef string
		refErr := retry.Do(ctx, d.c.policy, writeRetryable, func() error {
			var err error
			txRef, err = ad.Refund(ctx, key, esc)
			return err
		})
		if refErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return d.c.transition(sess.ID, StatusFailed, fmt.Errorf("source refund: %w", refErr))
		}
		sess, err = d.c.update(sess.ID, func(s *Session) error {
			if s.SourceEscrow != nil {
				s.SourceEscrow.RefundTx = txRef
			}
			s.StampTx(txRef)
			return nil
		})
		if err != nil {
			return nil, err
		}
		d.log.Info("Source refund submitted", "chain", sess.SourceChain, "tx", txRef)
	}

	return d.c.transition(sess.ID, StatusRefunded, nil)
}

// runCancelling winds the session down. Anything already submitted to
// the source chain is handed to the emergency refund path.
func (d *driver) runCancelling(ctx context.Context, sess *Session) (*Session, error) {
	if sess.SourceEscrow != nil && sess.SourceEscrow.LockTx != "" {
		d.c.scheduleEmergencyRefund(sess)
	}
	return d.c.transition(sess.ID, StatusCancelled, nil)
}

// reachedBothLocked reports whether the destination escrow was ever
// observed confirmed, which decides whether the refund planner must
// reclaim it.
func reachedBothLocked(s *Session) bool {
	for _, st := range s.Steps {
		if st.Status == StatusBothLocked {
			return true
		}
	}
	return false
}
