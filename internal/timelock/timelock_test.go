package timelock

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestCalculateOneHourLock(t *testing.T) {
	s, err := Calculate(t0, time.Hour, DefaultParams())
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}

	if got, want := s.SrcWithdrawal, t0.Add(time.Hour); !got.Equal(want) {
		t.Errorf("SrcWithdrawal = %v, want %v", got, want)
	}
	if got, want := s.SrcPublicWithdrawal, t0.Add(70*time.Minute); !got.Equal(want) {
		t.Errorf("SrcPublicWithdrawal = %v, want %v", got, want)
	}
	if got, want := s.SrcCancel, t0.Add(130*time.Minute); !got.Equal(want) {
		t.Errorf("SrcCancel = %v, want %v", got, want)
	}
	if got, want := s.DstWithdrawal, t0.Add(30*time.Minute); !got.Equal(want) {
		t.Errorf("DstWithdrawal = %v, want %v", got, want)
	}
	// Buffer clamps to a quarter of the lock: 15m, so cancel at +45m.
	if got, want := s.DstCancel, t0.Add(45*time.Minute); !got.Equal(want) {
		t.Errorf("DstCancel = %v, want %v", got, want)
	}
}

func TestCalculateLongLockUsesFullBuffer(t *testing.T) {
	// 24h lock: quarter is 6h, so the 2h buffer applies unclamped.
	s, err := Calculate(t0, 24*time.Hour, DefaultParams())
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}

	if got, want := s.DstCancel, t0.Add(22*time.Hour); !got.Equal(want) {
		t.Errorf("DstCancel = %v, want %v", got, want)
	}
	if got, want := s.DstWithdrawal, t0.Add(12*time.Hour); !got.Equal(want) {
		t.Errorf("DstWithdrawal = %v, want %v", got, want)
	}
}

func TestCalculateBounds(t *testing.T) {
	// Exactly 30 minutes is accepted.
	if _, err := Calculate(t0, 30*time.Minute, DefaultParams()); err != nil {
		t.Errorf("30m lock should be accepted, got %v", err)
	}

	// 29 minutes is refused.
	_, err := Calculate(t0, 29*time.Minute, DefaultParams())
	if !errors.Is(err, ErrInvalidTimeout) {
		t.Errorf("29m lock error = %v, want ErrInvalidTimeout", err)
	}

	// Exactly 7 days is accepted.
	if _, err := Calculate(t0, 7*24*time.Hour, DefaultParams()); err != nil {
		t.Errorf("7d lock should be accepted, got %v", err)
	}

	// A second over 7 days is refused.
	_, err = Calculate(t0, 7*24*time.Hour+time.Second, DefaultParams())
	if !errors.Is(err, ErrInvalidTimeout) {
		t.Errorf("7d+1s lock error = %v, want ErrInvalidTimeout", err)
	}
}

func TestOrderingInvariants(t *testing.T) {
	locks := []time.Duration{
		30 * time.Minute,
		time.Hour,
		4 * time.Hour,
		8 * time.Hour,
		24 * time.Hour,
		7 * 24 * time.Hour,
	}

	for _, d := range locks {
		s, err := Calculate(t0, d, DefaultParams())
		if err != nil {
			t.Fatalf("Calculate(%v) error = %v", d, err)
		}

		if !s.DstCancel.Before(s.SrcWithdrawal) {
			t.Errorf("lock %v: destination cancel %v should precede source withdrawal %v",
				d, s.DstCancel, s.SrcWithdrawal)
		}
		if s.SrcPublicWithdrawal.Before(s.SrcWithdrawal) {
			t.Errorf("lock %v: public withdrawal before exclusive withdrawal", d)
		}
		if !s.SrcPublicWithdrawal.Before(s.SrcCancel) {
			t.Errorf("lock %v: public withdrawal should precede cancel", d)
		}
		if !s.DstWithdrawal.Before(s.DstCancel) {
			t.Errorf("lock %v: destination withdrawal should precede destination cancel", d)
		}
	}
}

func TestShortestLockKeepsOrdering(t *testing.T) {
	// The 30m minimum is the tightest schedule: buffer clamps to 7.5m.
	s, err := Calculate(t0, 30*time.Minute, DefaultParams())
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}

	if got, want := s.DstCancel, t0.Add(22*time.Minute+30*time.Second); !got.Equal(want) {
		t.Errorf("DstCancel = %v, want %v", got, want)
	}
	if !s.DstCancel.Before(s.SrcWithdrawal) {
		t.Error("clamped buffer must keep destination cancel before source withdrawal")
	}
}

func TestValidateRejectsCorruptSet(t *testing.T) {
	s, err := Calculate(t0, time.Hour, DefaultParams())
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}

	// Swap two deadlines as a stand-in for corrupted storage.
	s.DstCancel = s.SrcWithdrawal.Add(time.Minute)
	if err := s.Validate(); !errors.Is(err, ErrInvalidTimeout) {
		t.Errorf("Validate() error = %v, want ErrInvalidTimeout", err)
	}
}

func TestPhaseHelpers(t *testing.T) {
	s, err := Calculate(t0, time.Hour, DefaultParams())
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}

	if s.DstWithdrawOpen(t0.Add(29 * time.Minute)) {
		t.Error("destination withdrawal should be closed before the half lock")
	}
	if !s.DstWithdrawOpen(t0.Add(30 * time.Minute)) {
		t.Error("destination withdrawal should open at the half lock")
	}
	if s.DstCancelReady(t0.Add(44 * time.Minute)) {
		t.Error("destination cancel should not be ready yet")
	}
	if !s.DstCancelReady(t0.Add(45 * time.Minute)) {
		t.Error("destination cancel should be ready")
	}
	if s.SrcWithdrawOpen(t0.Add(59 * time.Minute)) {
		t.Error("source withdrawal should be closed before the lock")
	}
	if !s.SrcWithdrawOpen(t0.Add(time.Hour)) {
		t.Error("source withdrawal should open at the lock")
	}
	if !s.SrcPublicOpen(t0.Add(70 * time.Minute)) {
		t.Error("public withdrawal should be open")
	}
	if s.SrcCancelReady(t0.Add(2 * time.Hour)) {
		t.Error("source cancel should not be ready before its window")
	}
	if !s.SrcCancelReady(t0.Add(130 * time.Minute)) {
		t.Error("source cancel should be ready")
	}
}

func TestCalculateRejectsBadParams(t *testing.T) {
	p := DefaultParams()
	p.SafetyBuffer = 0
	if _, err := Calculate(t0, time.Hour, p); !errors.Is(err, ErrInvalidTimeout) {
		t.Errorf("zero safety buffer error = %v, want ErrInvalidTimeout", err)
	}

	p = DefaultParams()
	p.CancelWindow = 0
	if _, err := Calculate(t0, time.Hour, p); !errors.Is(err, ErrInvalidTimeout) {
		t.Errorf("zero cancel window error = %v, want ErrInvalidTimeout", err)
	}
}
