// Package swap - session state machine.
package swap

import (
	"fmt"
	"time"
)

// Status is the session's position in the swap lifecycle.
type Status string

const (
	StatusInitialized   Status = "initialized"         // created, nothing on chain yet
	StatusSourceLocking Status = "source_locking"      // source lock submitted
	StatusSourceLocked  Status = "source_locked"       // source escrow confirmed
	StatusDestLocking   Status = "destination_locking" // destination lock submitted
	StatusBothLocked    Status = "both_locked"         // both escrows confirmed
	StatusRevealing     Status = "revealing_secret"    // claims in flight
	StatusCompleted     Status = "completed"           // both sides claimed
	StatusCancelling    Status = "cancelling"          // cancel accepted, winding down
	StatusCancelled     Status = "cancelled"           // cancelled before completion
	StatusTimeout       Status = "timeout"             // a deadline lapsed
	StatusRefunding     Status = "refunding"           // refunds in flight
	StatusRefunded      Status = "refunded"            // locked funds reclaimed
	StatusFailed        Status = "failed"              // unrecoverable error
)

// transitions is the allowed edge list. Anything not listed is
// rejected with ErrInvalidState.
var transitions = map[Status][]Status{
	StatusInitialized:   {StatusSourceLocking, StatusCancelling, StatusFailed},
	StatusSourceLocking: {StatusSourceLocked, StatusFailed, StatusCancelling},
	StatusSourceLocked:  {StatusDestLocking, StatusTimeout},
	StatusDestLocking:   {StatusBothLocked, StatusFailed, StatusTimeout},
	StatusBothLocked:    {StatusRevealing, StatusTimeout},
	StatusRevealing:     {StatusCompleted, StatusFailed},
	StatusTimeout:       {StatusRefunding},
	StatusRefunding:     {StatusRefunded, StatusFailed},
	StatusCancelling:    {StatusCancelled, StatusFailed},
	StatusCompleted:     {},
	StatusCancelled:     {},
	StatusRefunded:      {},
	StatusFailed:        {},
}

// progress maps each status to a 0-100 phase indicator for clients.
var progress = map[Status]int{
	StatusInitialized:   0,
	StatusSourceLocking: 15,
	StatusSourceLocked:  35,
	StatusDestLocking:   50,
	StatusBothLocked:    70,
	StatusRevealing:     85,
	StatusCompleted:     100,
	StatusCancelling:    85,
	StatusCancelled:     100,
	StatusTimeout:       70,
	StatusRefunding:     85,
	StatusRefunded:      100,
	StatusFailed:        100,
}

// Terminal reports whether the status ends the session.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded, StatusFailed:
		return true
	default:
		return false
	}
}

// TransitionTo moves the session to the next status if the edge list
// allows it, stamping UpdatedAt and appending a progress step.
func (s *Session) TransitionTo(next Status) error {
	allowed, ok := transitions[s.Status]
	if !ok {
		return fmt.Errorf("%w: unknown status %s", ErrInvalidState, s.Status)
	}
	for _, a := range allowed {
		if a != next {
			continue
		}
		s.Status = next
		s.Progress = progress[next]
		s.UpdatedAt = time.Now()
		s.Steps = append(s.Steps, Step{Status: next, At: s.UpdatedAt})
		return nil
	}
	return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidState, s.Status, next)
}

// TransitionWithError is TransitionTo plus a recorded cause. The cause
// lands on the session's LastError and on the appended step.
func (s *Session) TransitionWithError(next Status, cause error) error {
	if err := s.TransitionTo(next); err != nil {
		return err
	}
	if cause != nil {
		s.LastError = cause.Error()
		s.Steps[len(s.Steps)-1].Error = cause.Error()
	}
	return nil
}
