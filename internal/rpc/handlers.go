package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/crosshatch-labs/crosshatch/internal/auction"
	"github.com/crosshatch-labs/crosshatch/internal/chain"
	"github.com/crosshatch-labs/crosshatch/internal/config"
	"github.com/crosshatch-labs/crosshatch/internal/swap"
	"github.com/crosshatch-labs/crosshatch/internal/timelock"
	"github.com/crosshatch-labs/crosshatch/internal/wallet"
)

// DefaultFinalityLock is used when session_create omits the finality
// lock. Bounds live in the timelock package.
const DefaultFinalityLock = time.Hour

// ========================================
// Session handlers
// ========================================

// SessionCreateParams is the parameters for session_create. Amounts are
// decimal strings in each chain's smallest unit.
type SessionCreateParams struct {
	SourceChain string `json:"source_chain"`
	DestChain   string `json:"dest_chain"`
	SourceToken string `json:"source_token,omitempty"`
	DestToken   string `json:"dest_token,omitempty"`

	SourceAmount string `json:"source_amount"`
	DestAmount   string `json:"dest_amount"`

	Maker string `json:"maker"`
	Taker string `json:"taker"`

	SlippageBPS int64 `json:"slippage_bps"`

	// FinalityLockSeconds sets the destination finality window the
	// deadline schedule is derived from. Zero means DefaultFinalityLock.
	FinalityLockSeconds int64 `json:"finality_lock_seconds,omitempty"`

	// Passive sessions wait for session_execute before locking.
	Passive bool `json:"passive,omitempty"`
}

// SessionCreateResult is the response for session_create.
type SessionCreateResult struct {
	ID        string        `json:"id"`
	Status    string        `json:"status"`
	Hashlock  string        `json:"hashlock"`
	Deadlines *timelock.Set `json:"deadlines"`
	Fees      auction.Fees  `json:"fees"`
}

func (s *Server) sessionCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}

	srcParams, err := s.resolveChain(p.SourceChain)
	if err != nil {
		return nil, err
	}
	dstParams, err := s.resolveChain(p.DestChain)
	if err != nil {
		return nil, err
	}
	if srcParams.Family != chain.FamilyEVM {
		return nil, fmt.Errorf("%w: source chain %s is not an EVM chain", errValidation, p.SourceChain)
	}
	if dstParams.Family != chain.FamilyUTXO {
		return nil, fmt.Errorf("%w: destination chain %s is not a UTXO chain", errValidation, p.DestChain)
	}

	srcAmount, err := parseAmount("source_amount", p.SourceAmount)
	if err != nil {
		return nil, err
	}
	dstAmount, err := parseAmount("dest_amount", p.DestAmount)
	if err != nil {
		return nil, err
	}

	if p.SlippageBPS < 0 || p.SlippageBPS > config.MaxSlippageBPS {
		return nil, fmt.Errorf("%w: slippage_bps %d out of range 0..%d",
			errValidation, p.SlippageBPS, config.MaxSlippageBPS)
	}

	if err := validateAddress(srcParams, "maker", p.Maker); err != nil {
		return nil, err
	}
	if err := validateAddress(dstParams, "taker", p.Taker); err != nil {
		return nil, err
	}

	finality := DefaultFinalityLock
	if p.FinalityLockSeconds != 0 {
		finality = time.Duration(p.FinalityLockSeconds) * time.Second
	}
	deadlines, err := timelock.Calculate(time.Now(), finality, s.timelock)
	if err != nil {
		return nil, err
	}

	// Price the swap before anything is allocated. An unpricable pair
	// refuses the session.
	quote, err := s.quoter.Quote(ctx, &auction.Request{
		SourceChain: p.SourceChain,
		DestChain:   p.DestChain,
		SourceToken: p.SourceToken,
		DestToken:   p.DestToken,
		Amount:      srcAmount,
		Urgency:     auction.UrgencyNormal,
	})
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	hashlock, err := s.secrets.Create(id)
	if err != nil {
		return nil, fmt.Errorf("allocate secret: %w", err)
	}

	sess, err := swap.NewSession(swap.SessionParams{
		ID:           id,
		SourceChain:  p.SourceChain,
		DestChain:    p.DestChain,
		SourceToken:  p.SourceToken,
		DestToken:    p.DestToken,
		SourceAmount: srcAmount,
		DestAmount:   dstAmount,
		Maker:        p.Maker,
		Taker:        p.Taker,
		SlippageBPS:  p.SlippageBPS,
		Hashlock:     hashlock,
		Deadlines:    deadlines,
		Quote:        quote,
		Passive:      p.Passive,
	})
	if err != nil {
		s.secrets.Expire(hashlock)
		return nil, err
	}

	if err := s.store.Put(sess); err != nil {
		s.secrets.Expire(hashlock)
		return nil, err
	}

	// Passive sessions get a driver too; it parks until execute or
	// cancel so deadlines stay enforced.
	if err := s.coord.StartSession(id); err != nil {
		s.log.Error("Failed to start session driver", "id", id, "error", err)
		return nil, err
	}

	s.log.Info("Session created",
		"id", id,
		"pair", quote.Pair,
		"source", p.SourceChain,
		"dest", p.DestChain,
		"passive", p.Passive,
	)

	return &SessionCreateResult{
		ID:        id,
		Status:    string(sess.Status),
		Hashlock:  sess.HashlockHex(),
		Deadlines: sess.Deadlines,
		Fees:      quote.Fees,
	}, nil
}

// SessionView is a session snapshot with the hashlock rendered as hex.
type SessionView struct {
	*swap.Session
	Hashlock string `json:"hashlock"`
}

func newSessionView(sess *swap.Session) *SessionView {
	return &SessionView{Session: sess, Hashlock: sess.HashlockHex()}
}

// SessionGetParams is the parameters for session_get.
type SessionGetParams struct {
	ID string `json:"id"`
}

func (s *Server) sessionGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: id is required", errValidation)
	}

	sess, err := s.store.Get(p.ID)
	if err != nil {
		return nil, err
	}
	return newSessionView(sess), nil
}

// SessionListParams is the parameters for session_list.
type SessionListParams struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// SessionListResult is the response for session_list. Only active
// sessions are listed; terminal sessions stay reachable through
// session_get until the store purges them.
type SessionListResult struct {
	Sessions []*SessionView `json:"sessions"`
	Count    int            `json:"count"`
	Active   int            `json:"active"`
}

func (s *Server) sessionList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionListParams
	if params != nil {
		json.Unmarshal(params, &p)
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 500 {
		p.Limit = 500
	}
	if p.Offset < 0 {
		p.Offset = 0
	}

	var all []*swap.Session
	err := s.store.IterateActive(func(sess *swap.Session) bool {
		all = append(all, sess)
		return true
	})
	if err != nil {
		return nil, err
	}

	views := make([]*SessionView, 0, p.Limit)
	for i := p.Offset; i < len(all) && len(views) < p.Limit; i++ {
		views = append(views, newSessionView(all[i]))
	}

	return &SessionListResult{
		Sessions: views,
		Count:    len(views),
		Active:   len(all),
	}, nil
}

// SessionExecuteParams is the parameters for session_execute. Order is
// the signed-order blob, base64 in transit.
type SessionExecuteParams struct {
	ID    string `json:"id"`
	Order []byte `json:"order"`
}

func (s *Server) sessionExecute(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionExecuteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: id is required", errValidation)
	}
	if len(p.Order) == 0 {
		return nil, fmt.Errorf("%w: order is required", errValidation)
	}

	if err := s.coord.Execute(p.ID, p.Order); err != nil {
		return nil, err
	}

	s.log.Info("Session order attached", "id", p.ID, "order_bytes", len(p.Order))
	return map[string]interface{}{
		"success": true,
		"id":      p.ID,
	}, nil
}

// SessionCancelParams is the parameters for session_cancel.
type SessionCancelParams struct {
	ID string `json:"id"`
}

// SessionCancelResult is the response for session_cancel. RefundAt is
// when already-submitted funds become reclaimable; absent when nothing
// touched a chain.
type SessionCancelResult struct {
	ID       string     `json:"id"`
	Accepted bool       `json:"accepted"`
	RefundAt *time.Time `json:"refund_at,omitempty"`
}

func (s *Server) sessionCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SessionCancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: id is required", errValidation)
	}

	refundAt, err := s.coord.Cancel(p.ID)
	if err != nil {
		return nil, err
	}

	result := &SessionCancelResult{ID: p.ID, Accepted: true}
	if !refundAt.IsZero() {
		result.RefundAt = &refundAt
	}
	s.log.Info("Session cancel requested", "id", p.ID)
	return result, nil
}

// ========================================
// Pricing handlers
// ========================================

// QuoteParams is the parameters for quote. Amount is a decimal string
// in the source token's smallest unit.
type QuoteParams struct {
	SourceChain string `json:"source_chain"`
	DestChain   string `json:"dest_chain"`
	SourceToken string `json:"source_token,omitempty"`
	DestToken   string `json:"dest_token,omitempty"`
	Amount      string `json:"amount"`
	Urgency     string `json:"urgency,omitempty"`
}

func (s *Server) quote(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p QuoteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}

	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return nil, err
	}

	return s.quoter.Quote(ctx, &auction.Request{
		SourceChain: p.SourceChain,
		DestChain:   p.DestChain,
		SourceToken: p.SourceToken,
		DestToken:   p.DestToken,
		Amount:      amount,
		Urgency:     auction.Urgency(p.Urgency),
	})
}

// PricesGetParams is the parameters for prices_get. Empty pairs default
// to every source-chain native against every destination-chain native.
type PricesGetParams struct {
	Pairs []string `json:"pairs,omitempty"`
}

// PricesGetResult is the response for prices_get. Pairs the oracle
// cannot price are omitted.
type PricesGetResult struct {
	Prices map[string]string `json:"prices"`
	At     time.Time         `json:"at"`
}

func (s *Server) pricesGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PricesGetParams
	if params != nil {
		json.Unmarshal(params, &p)
	}
	if s.rates == nil {
		return nil, fmt.Errorf("no price source configured")
	}

	pairs := p.Pairs
	if len(pairs) == 0 {
		pairs = s.defaultPairs()
	}

	prices := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		base, quote, ok := splitPair(pair)
		if !ok {
			return nil, fmt.Errorf("%w: malformed pair %q", errValidation, pair)
		}
		rate, err := s.rates.Rate(ctx, base, quote)
		if err != nil {
			continue
		}
		prices[pair] = rate.Text('f', -1)
	}

	return &PricesGetResult{Prices: prices, At: time.Now()}, nil
}

// defaultPairs crosses every EVM native with every UTXO native.
func (s *Server) defaultPairs() []string {
	var pairs []string
	for _, src := range chain.ListByFamily(chain.FamilyEVM) {
		srcParams, ok := chain.Get(src, s.network)
		if !ok {
			continue
		}
		for _, dst := range chain.ListByFamily(chain.FamilyUTXO) {
			dstParams, ok := chain.Get(dst, s.network)
			if !ok {
				continue
			}
			pairs = append(pairs, srcParams.GetNativeToken()+"/"+dstParams.GetNativeToken())
		}
	}
	return pairs
}

// ========================================
// Service handlers
// ========================================

// ServiceInfoResult is the response for service_info.
type ServiceInfoResult struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Network      string   `json:"network"`
	SourceChains []string `json:"source_chains"`
	DestChains   []string `json:"dest_chains"`
}

func (s *Server) serviceInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	version := s.version
	if version == "" {
		version = "dev"
	}
	return &ServiceInfoResult{
		Name:         "crosshatch",
		Version:      version,
		Network:      string(s.network),
		SourceChains: chain.ListByFamily(chain.FamilyEVM),
		DestChains:   chain.ListByFamily(chain.FamilyUTXO),
	}, nil
}

// ServiceStatusResult is the response for service_status.
type ServiceStatusResult struct {
	Running        bool   `json:"running"`
	Uptime         string `json:"uptime"`
	ActiveSessions int    `json:"active_sessions"`
	StoredSessions int    `json:"stored_sessions"`
	PendingSecrets int    `json:"pending_secrets"`
	Subscribers    int    `json:"subscribers"`
}

func (s *Server) serviceStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	uptime := time.Duration(0)
	if !s.started.IsZero() {
		uptime = time.Since(s.started)
	}
	subscribers := 0
	if s.notifier != nil {
		subscribers = s.notifier.SubscriberCount()
	}
	return &ServiceStatusResult{
		Running:        true,
		Uptime:         uptime.Round(time.Second).String(),
		ActiveSessions: s.coord.ActiveSessions(),
		StoredSessions: s.store.Count(),
		PendingSecrets: s.secrets.Count(),
		Subscribers:    subscribers,
	}, nil
}

// ========================================
// Validation helpers
// ========================================

// resolveChain checks a chain tag against the registry for the server's
// network.
func (s *Server) resolveChain(tag string) (*chain.Params, error) {
	if tag == "" {
		return nil, fmt.Errorf("%w: missing chain tag", errValidation)
	}
	params, ok := chain.Get(tag, s.network)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported chain %q", errValidation, tag)
	}
	return params, nil
}

// parseAmount parses a positive decimal-string amount in smallest units.
func parseAmount(field, value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: %s is required", errValidation, field)
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s %q is not a decimal integer", errValidation, field, value)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s must be positive", errValidation, field)
	}
	return amount, nil
}

// validateAddress checks an address against the chain family's format.
func validateAddress(params *chain.Params, field, addr string) error {
	if addr == "" {
		return fmt.Errorf("%w: %s is required", errValidation, field)
	}
	switch params.Family {
	case chain.FamilyEVM:
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%w: %s %q is not a valid %s address", errValidation, field, addr, params.Symbol)
		}
	case chain.FamilyUTXO:
		if !wallet.ValidateAddress(addr, params) {
			return fmt.Errorf("%w: %s %q is not a valid %s address", errValidation, field, addr, params.Symbol)
		}
	}
	return nil
}

// splitPair splits "ETH/BTC" into its legs.
func splitPair(pair string) (base, quote string, ok bool) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '/' {
			base, quote = pair[:i], pair[i+1:]
			return base, quote, base != "" && quote != ""
		}
	}
	return "", "", false
}
