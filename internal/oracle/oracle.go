// Package oracle provides exchange rates for the auction quoter.
//
// Rates are expressed as big.Float multipliers: Rate(base, quote) is how
// many quote units one base unit buys, both in whole-coin terms. Amount
// scaling by token decimals is the quoter's job, not the oracle's.
package oracle

import (
	"context"
	"errors"
	"math/big"
	"sync"
)

// ErrUnavailable is returned when no rate can be produced for a pair.
var ErrUnavailable = errors.New("price unavailable")

// Reference is the cross currency used when no direct pair exists.
const Reference = "USD"

// Oracle provides exchange rates between assets.
type Oracle interface {
	// Rate returns the price of base expressed in quote units.
	Rate(ctx context.Context, base, quote string) (*big.Float, error)
}

// Static is an in-memory oracle seeded with fixed rates. Used for tests and
// for operator-pinned pricing; rates may be replaced at runtime.
type Static struct {
	mu    sync.RWMutex
	rates map[string]*big.Float // key "BASE/QUOTE"
}

// NewStatic creates a static oracle from whole-coin rates.
func NewStatic(rates map[string]float64) *Static {
	s := &Static{rates: make(map[string]*big.Float, len(rates))}
	for pair, rate := range rates {
		s.rates[pair] = big.NewFloat(rate)
	}
	return s
}

// Set replaces the rate for a pair ("ETH/USD").
func (s *Static) Set(pair string, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[pair] = big.NewFloat(rate)
}

// Rate resolves a pair directly, by inversion, or by crossing through the
// reference currency. Returns ErrUnavailable when none of those apply.
func (s *Static) Rate(_ context.Context, base, quote string) (*big.Float, error) {
	if base == quote {
		return big.NewFloat(1), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.rates[base+"/"+quote]; ok {
		return new(big.Float).Set(r), nil
	}
	if r, ok := s.rates[quote+"/"+base]; ok && r.Sign() > 0 {
		return new(big.Float).Quo(big.NewFloat(1), r), nil
	}

	// Cross through the reference currency.
	rb, okB := s.rates[base+"/"+Reference]
	rq, okQ := s.rates[quote+"/"+Reference]
	if okB && okQ && rq.Sign() > 0 {
		return new(big.Float).Quo(rb, rq), nil
	}

	return nil, ErrUnavailable
}

var _ Oracle = (*Static)(nil)
