// Package auction prices swap sessions with a Dutch auction: the quoted
// price starts above the oracle rate and decays linearly to a discount
// over a bounded window, so takers who wait pay less until the quote
// expires. Quotes are pure arithmetic over the oracle snapshot; nothing
// is reserved and an unexecuted quote costs nothing.
package auction

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/crosshatch-labs/crosshatch/internal/chain"
	"github.com/crosshatch-labs/crosshatch/internal/oracle"
)

var (
	// ErrInvalidRequest is returned when the request references unknown
	// chains, a non-positive amount, or an unrecognized urgency.
	ErrInvalidRequest = errors.New("invalid quote request")

	// ErrQuoteUnavailable is returned when the oracle cannot price the pair.
	ErrQuoteUnavailable = errors.New("quote unavailable")
)

// Urgency selects how fast the price decays from premium to discount.
type Urgency string

const (
	UrgencyFast   Urgency = "fast"
	UrgencyNormal Urgency = "normal"
	UrgencySlow   Urgency = "slow"
)

// multiplier scales the base auction duration. Fast halves it, slow
// doubles it.
func (u Urgency) multiplier() (float64, error) {
	switch u {
	case UrgencyFast:
		return 0.5, nil
	case UrgencyNormal, "":
		return 1.0, nil
	case UrgencySlow:
		return 2.0, nil
	default:
		return 0, fmt.Errorf("%w: unknown urgency %q", ErrInvalidRequest, string(u))
	}
}

// Config holds the pricing parameters.
type Config struct {
	// BaseDuration is the decay window at normal urgency.
	BaseDuration time.Duration

	// PremiumBps is the starting markup over the oracle rate (50 = 0.5%).
	PremiumBps int64

	// DiscountBps is the final markdown under the oracle rate.
	DiscountBps int64

	// ProtocolFeeBps is charged on the source amount.
	ProtocolFeeBps int64

	// QuoteValidity is how long an issued quote remains executable.
	QuoteValidity time.Duration

	// TokenDecimals overrides decimals for non-native tokens ("USDC": 6).
	// Native tokens resolve through the chain registry.
	TokenDecimals map[string]uint8
}

// DefaultConfig returns the standard pricing parameters.
func DefaultConfig() *Config {
	return &Config{
		BaseDuration:   5 * time.Minute,
		PremiumBps:     50,
		DiscountBps:    50,
		ProtocolFeeBps: 10,
		QuoteValidity:  time.Minute,
	}
}

// Request describes the swap to price. Amount is in the source token's
// smallest units. Empty tokens default to the chain's native coin. A zero
// AuctionStart means the auction starts now.
type Request struct {
	SourceChain  string
	DestChain    string
	SourceToken  string
	DestToken    string
	Amount       *big.Int
	Urgency      Urgency
	AuctionStart time.Time
}

// Fees is the cost breakdown for a quoted swap, in source smallest units.
type Fees struct {
	ProtocolFeeBps int64  `json:"protocol_fee_bps"`
	ProtocolFee    string `json:"protocol_fee"`
	ImpactBps      int64  `json:"impact_bps"`
	ImpactFee      string `json:"impact_fee"`
	Total          string `json:"total"`
}

// Quote is a priced swap, valid until ValidUntil. Prices are decimal
// strings in destination units per source unit, whole-coin terms.
type Quote struct {
	Pair            string    `json:"pair"`
	Rate            string    `json:"rate"`
	StartPrice      string    `json:"start_price"`
	EndPrice        string    `json:"end_price"`
	CurrentPrice    string    `json:"current_price"`
	DurationSeconds int64     `json:"duration_seconds"`
	PriceImpactBps  int64     `json:"price_impact_bps"`
	Fees            Fees      `json:"fees"`
	CreatedAt       time.Time `json:"created_at"`
	ValidUntil      time.Time `json:"valid_until"`
}

// Quoter produces Dutch auction quotes from oracle rates.
type Quoter struct {
	oracle  oracle.Oracle
	cfg     *Config
	network chain.Network
	now     func() time.Time
}

// New creates a quoter against the given oracle.
func New(o oracle.Oracle, cfg *Config, network chain.Network) *Quoter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Quoter{
		oracle:  o,
		cfg:     cfg,
		network: network,
		now:     time.Now,
	}
}

// Quote prices a swap request. The current price reflects how far the
// auction has decayed since AuctionStart.
func (q *Quoter) Quote(ctx context.Context, req *Request) (*Quote, error) {
	srcParams, srcToken, err := q.resolve(req.SourceChain, req.SourceToken)
	if err != nil {
		return nil, err
	}
	_, dstToken, err := q.resolve(req.DestChain, req.DestToken)
	if err != nil {
		return nil, err
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	mult, err := req.Urgency.multiplier()
	if err != nil {
		return nil, err
	}

	market, err := q.oracle.Rate(ctx, srcToken, dstToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrQuoteUnavailable, srcToken, dstToken, err)
	}

	start := applyBps(market, q.cfg.PremiumBps)
	end := applyBps(market, -q.cfg.DiscountBps)
	duration := time.Duration(float64(q.cfg.BaseDuration) * mult)

	now := q.now()
	auctionStart := req.AuctionStart
	if auctionStart.IsZero() {
		auctionStart = now
	}
	current := interpolate(start, end, now.Sub(auctionStart), duration)

	wholeAmount := fromSmallest(req.Amount, q.decimals(srcParams, srcToken))
	impactBps, err := q.priceImpact(ctx, srcToken, wholeAmount)
	if err != nil {
		return nil, err
	}

	protocolFee := feeOn(req.Amount, q.cfg.ProtocolFeeBps)
	impactFee := feeOn(req.Amount, impactBps)

	return &Quote{
		Pair:            srcToken + "/" + dstToken,
		Rate:            text(current),
		StartPrice:      text(start),
		EndPrice:        text(end),
		CurrentPrice:    text(current),
		DurationSeconds: int64(duration.Seconds()),
		PriceImpactBps:  impactBps,
		Fees: Fees{
			ProtocolFeeBps: q.cfg.ProtocolFeeBps,
			ProtocolFee:    protocolFee.String(),
			ImpactBps:      impactBps,
			ImpactFee:      impactFee.String(),
			Total:          new(big.Int).Add(protocolFee, impactFee).String(),
		},
		CreatedAt:  now,
		ValidUntil: now.Add(q.cfg.QuoteValidity),
	}, nil
}

// resolve checks the chain tag against the registry and fills an empty
// token with the chain's native coin.
func (q *Quoter) resolve(chainTag, token string) (*chain.Params, string, error) {
	params, ok := chain.Get(chainTag, q.network)
	if !ok {
		return nil, "", fmt.Errorf("%w: unsupported chain %q", ErrInvalidRequest, chainTag)
	}
	if token == "" {
		token = params.GetNativeToken()
	}
	return params, strings.ToUpper(token), nil
}

// decimals resolves a token's decimal places: chain decimals for the
// native coin, the token registry for listed contracts, then the
// configured override.
func (q *Quoter) decimals(params *chain.Params, token string) uint8 {
	if strings.EqualFold(token, params.GetNativeToken()) {
		return params.Decimals
	}
	if params.ChainID != 0 {
		if info := chain.GetToken(params.ChainID, token); info != nil {
			return info.Decimals
		}
	}
	if d, ok := q.cfg.TokenDecimals[strings.ToUpper(token)]; ok {
		return d
	}
	return params.Decimals
}

// priceImpact buckets the trade's reference-currency notional into the
// stepped impact table. An unpricable reference leg is a quoting failure,
// not a silent zero impact.
func (q *Quoter) priceImpact(ctx context.Context, token string, wholeAmount *big.Float) (int64, error) {
	refRate, err := q.oracle.Rate(ctx, token, oracle.Reference)
	if err != nil {
		return 0, fmt.Errorf("%w: %s/%s: %v", ErrQuoteUnavailable, token, oracle.Reference, err)
	}
	notional := new(big.Float).Mul(wholeAmount, refRate)

	switch {
	case notional.Cmp(big.NewFloat(10_000)) < 0:
		return 10, nil
	case notional.Cmp(big.NewFloat(100_000)) < 0:
		return 30, nil
	case notional.Cmp(big.NewFloat(1_000_000)) < 0:
		return 50, nil
	default:
		return 100, nil
	}
}

// interpolate walks the price linearly from start to end over the
// duration, clamped at both ends.
func interpolate(start, end *big.Float, elapsed, duration time.Duration) *big.Float {
	if elapsed <= 0 || duration <= 0 {
		return new(big.Float).Set(start)
	}
	if elapsed >= duration {
		return new(big.Float).Set(end)
	}
	ratio := elapsed.Seconds() / duration.Seconds()
	diff := new(big.Float).Sub(end, start)
	adjustment := new(big.Float).Mul(diff, big.NewFloat(ratio))
	return new(big.Float).Add(start, adjustment)
}

// applyBps scales a price by (1 + bps/10000). Negative bps discounts.
func applyBps(p *big.Float, bps int64) *big.Float {
	factor := new(big.Float).Quo(
		big.NewFloat(float64(10000+bps)),
		big.NewFloat(10000),
	)
	return new(big.Float).Mul(p, factor)
}

// feeOn computes bps of an integer amount, rounding down.
func feeOn(amount *big.Int, bps int64) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(bps))
	return fee.Div(fee, big.NewInt(10000))
}

// fromSmallest converts smallest units to whole coins.
func fromSmallest(amount *big.Int, decimals uint8) *big.Float {
	f := new(big.Float).SetInt(amount)
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	return f.Quo(f, scale)
}

// text renders a price with the fewest digits that round-trip.
func text(p *big.Float) string {
	return p.Text('f', -1)
}
