// Package timelock derives the escrow deadline schedule for a swap session.
//
// Both escrows hash-lock the same secret but expire on different schedules.
// The destination escrow always expires before the source withdrawal window
// opens, so an abandoned swap can never leave the counterparty holding a
// claimable destination lock while the source lock is still live.
package timelock

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTimeout is returned when the requested finality lock is outside
// the accepted range.
var ErrInvalidTimeout = errors.New("invalid timeout")

// Bounds on the per-session finality lock duration.
const (
	MinFinalityLock = 30 * time.Minute
	MaxFinalityLock = 7 * 24 * time.Hour
)

// Params holds the window durations appended to the finality lock.
type Params struct {
	// PublicWindow is how long exclusive withdrawal lasts on the source
	// escrow before anyone may trigger the withdrawal.
	PublicWindow time.Duration

	// CancelWindow is how long public withdrawal lasts before the source
	// escrow becomes cancellable.
	CancelWindow time.Duration

	// SafetyBuffer is how much earlier the destination escrow expires
	// than the source withdrawal opens. Clamped to a quarter of the
	// finality lock so short swaps keep a valid ordering.
	SafetyBuffer time.Duration
}

// DefaultParams returns the production window durations.
func DefaultParams() Params {
	return Params{
		PublicWindow: 10 * time.Minute,
		CancelWindow: time.Hour,
		SafetyBuffer: 2 * time.Hour,
	}
}

// Set holds the five derived deadlines for one session. All values are
// absolute times computed once at session start; they never shift.
type Set struct {
	// SrcWithdrawal is when the taker may claim the source escrow with
	// the revealed secret.
	SrcWithdrawal time.Time `json:"src_withdrawal"`

	// SrcPublicWithdrawal is when anyone may trigger the source claim.
	SrcPublicWithdrawal time.Time `json:"src_public_withdrawal"`

	// SrcCancel is when the maker may reclaim the source escrow.
	SrcCancel time.Time `json:"src_cancel"`

	// DstWithdrawal is when the maker may claim the destination escrow.
	DstWithdrawal time.Time `json:"dst_withdrawal"`

	// DstCancel is when the taker may reclaim the destination escrow.
	DstCancel time.Time `json:"dst_cancel"`
}

// Calculate derives the deadline set from a session start time and the
// requested finality lock. Returns ErrInvalidTimeout if the lock is shorter
// than MinFinalityLock or longer than MaxFinalityLock.
func Calculate(start time.Time, finalityLock time.Duration, p Params) (*Set, error) {
	if finalityLock < MinFinalityLock {
		return nil, fmt.Errorf("%w: finality lock %v below minimum %v",
			ErrInvalidTimeout, finalityLock, MinFinalityLock)
	}
	if finalityLock > MaxFinalityLock {
		return nil, fmt.Errorf("%w: finality lock %v above maximum %v",
			ErrInvalidTimeout, finalityLock, MaxFinalityLock)
	}
	if p.PublicWindow < 0 || p.CancelWindow <= 0 || p.SafetyBuffer <= 0 {
		return nil, fmt.Errorf("%w: non-positive window duration", ErrInvalidTimeout)
	}

	// A 2h buffer would invert the schedule for locks under 8h.
	buffer := p.SafetyBuffer
	if max := finalityLock / 4; buffer > max {
		buffer = max
	}

	s := &Set{
		SrcWithdrawal:       start.Add(finalityLock),
		SrcPublicWithdrawal: start.Add(finalityLock + p.PublicWindow),
		SrcCancel:           start.Add(finalityLock + p.PublicWindow + p.CancelWindow),
		DstWithdrawal:       start.Add(finalityLock / 2),
		DstCancel:           start.Add(finalityLock - buffer),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate re-checks the ordering invariants. Calculate always produces a
// valid set; this guards sets loaded from storage.
func (s *Set) Validate() error {
	if !s.DstCancel.Before(s.SrcWithdrawal) {
		return fmt.Errorf("%w: destination cancel %v not before source withdrawal %v",
			ErrInvalidTimeout, s.DstCancel, s.SrcWithdrawal)
	}
	if s.SrcPublicWithdrawal.Before(s.SrcWithdrawal) {
		return fmt.Errorf("%w: public withdrawal %v before source withdrawal %v",
			ErrInvalidTimeout, s.SrcPublicWithdrawal, s.SrcWithdrawal)
	}
	if !s.SrcPublicWithdrawal.Before(s.SrcCancel) {
		return fmt.Errorf("%w: public withdrawal %v not before source cancel %v",
			ErrInvalidTimeout, s.SrcPublicWithdrawal, s.SrcCancel)
	}
	if !s.DstWithdrawal.Before(s.DstCancel) {
		return fmt.Errorf("%w: destination withdrawal %v not before destination cancel %v",
			ErrInvalidTimeout, s.DstWithdrawal, s.DstCancel)
	}
	return nil
}

// DstWithdrawOpen reports whether the maker may claim the destination escrow.
func (s *Set) DstWithdrawOpen(now time.Time) bool {
	return !now.Before(s.DstWithdrawal)
}

// DstCancelReady reports whether the destination escrow is refundable.
func (s *Set) DstCancelReady(now time.Time) bool {
	return !now.Before(s.DstCancel)
}

// SrcWithdrawOpen reports whether the taker may claim the source escrow.
func (s *Set) SrcWithdrawOpen(now time.Time) bool {
	return !now.Before(s.SrcWithdrawal)
}

// SrcPublicOpen reports whether anyone may trigger the source claim.
func (s *Set) SrcPublicOpen(now time.Time) bool {
	return !now.Before(s.SrcPublicWithdrawal)
}

// SrcCancelReady reports whether the source escrow is refundable.
func (s *Set) SrcCancelReady(now time.Time) bool {
	return !now.Before(s.SrcCancel)
}
