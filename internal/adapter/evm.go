package adapter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/crosshatch-labs/crosshatch/internal/chain"
	"github.com/crosshatch-labs/crosshatch/internal/contracts/escrow"
	"github.com/crosshatch-labs/crosshatch/pkg/logging"
)

// evmLogChunk caps the span of a single eth_getLogs query. Public RPC
// providers commonly reject wider ranges.
const evmLogChunk = 100

// EVMAdapter drives the escrow contract on one EVM chain through a
// ranked list of RPC endpoints. Reads fail over to the next endpoint on
// transport errors; writes stick to the active endpoint so nonce state
// stays coherent.
type EVMAdapter struct {
	params     *chain.Params
	escrowAddr common.Address
	endpoints  []string
	key        *ecdsa.PrivateKey
	log        *logging.Logger
	ledger     *actionLedger

	mu      sync.Mutex
	clients []*evmEndpoint
	active  int
}

type evmEndpoint struct {
	url    string
	ec     *ethclient.Client
	escrow *escrow.Client
}

var _ Adapter = (*EVMAdapter)(nil)

// NewEVM creates an adapter for the escrow contract at escrowAddr. The
// key signs every write. Endpoints are tried in order.
func NewEVM(params *chain.Params, escrowAddr common.Address, endpoints []string, key *ecdsa.PrivateKey, log *logging.Logger) (*EVMAdapter, error) {
	if params.Family != chain.FamilyEVM {
		return nil, fmt.Errorf("%s is not an EVM chain", params.Symbol)
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints configured for %s", params.Symbol)
	}
	if escrowAddr == (common.Address{}) {
		return nil, fmt.Errorf("no escrow contract deployed on %s", params.Symbol)
	}
	return &EVMAdapter{
		params:     params,
		escrowAddr: escrowAddr,
		endpoints:  endpoints,
		key:        key,
		log:        log.With("chain", params.Symbol),
		ledger:     newActionLedger(),
	}, nil
}

func (a *EVMAdapter) ChainTag() string {
	return a.params.Symbol
}

// Connect dials every endpoint, keeps the ones whose chain id matches
// and where the escrow contract has code, and fails if none survive.
func (a *EVMAdapter) Connect(ctx context.Context) error {
	chainID := new(big.Int).SetUint64(a.params.ChainID)

	var clients []*evmEndpoint
	var lastErr error
	for _, url := range a.endpoints {
		ec, err := ethclient.DialContext(ctx, url)
		if err != nil {
			a.log.Warn("endpoint unreachable", "url", url, "err", err)
			lastErr = err
			continue
		}

		got, err := ec.ChainID(ctx)
		if err != nil {
			a.log.Warn("chain id probe failed", "url", url, "err", err)
			ec.Close()
			lastErr = err
			continue
		}
		if got.Cmp(chainID) != 0 {
			a.log.Warn("endpoint serves wrong chain", "url", url, "got", got, "want", chainID)
			ec.Close()
			lastErr = fmt.Errorf("endpoint %s serves chain %s, want %s", url, got, chainID)
			continue
		}

		code, err := ec.CodeAt(ctx, a.escrowAddr, nil)
		if err != nil || len(code) == 0 {
			a.log.Warn("escrow contract missing at endpoint", "url", url, "addr", a.escrowAddr.Hex())
			ec.Close()
			lastErr = fmt.Errorf("no contract code at %s via %s", a.escrowAddr.Hex(), url)
			continue
		}

		client, err := escrow.NewClient(ec, a.escrowAddr, chainID)
		if err != nil {
			ec.Close()
			return err
		}
		clients = append(clients, &evmEndpoint{url: url, ec: ec, escrow: client})
	}

	if len(clients) == 0 {
		return fmt.Errorf("%w: no usable endpoint for %s: %v", ErrConnectionFailed, a.params.Symbol, lastErr)
	}

	a.mu.Lock()
	old := a.clients
	a.clients = clients
	a.active = 0
	a.mu.Unlock()

	// Reconnect replaces the client set; the displaced ones are dead.
	for _, ep := range old {
		ep.ec.Close()
	}

	a.log.Info("connected", "endpoints", len(clients), "escrow", a.escrowAddr.Hex())
	return nil
}

func (a *EVMAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ep := range a.clients {
		ep.ec.Close()
	}
	a.clients = nil
	return nil
}

// read runs fn against the active endpoint, rotating to the next one on
// transport errors. Contract errors surface unchanged.
func (a *EVMAdapter) read(fn func(*evmEndpoint) error) error {
	a.mu.Lock()
	clients := a.clients
	start := a.active
	a.mu.Unlock()

	if len(clients) == 0 {
		return fmt.Errorf("%w: %s adapter not connected", ErrConnectionFailed, a.params.Symbol)
	}

	var lastErr error
	for i := 0; i < len(clients); i++ {
		idx := (start + i) % len(clients)
		err := fn(clients[idx])
		if err == nil {
			if idx != start {
				a.mu.Lock()
				a.active = idx
				a.mu.Unlock()
			}
			return nil
		}
		if !isTransient(err) {
			return err
		}
		a.log.Warn("endpoint error, rotating", "url", clients[idx].url, "err", err)
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrConnectionFailed, lastErr)
}

// write runs fn against the active endpoint only. Rotating mid-write
// risks double submission with diverging nonces.
func (a *EVMAdapter) write(fn func(*evmEndpoint) error) error {
	a.mu.Lock()
	clients := a.clients
	active := a.active
	a.mu.Unlock()

	if len(clients) == 0 {
		return fmt.Errorf("%w: %s adapter not connected", ErrConnectionFailed, a.params.Symbol)
	}
	return fn(clients[active])
}

func (a *EVMAdapter) CurrentHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := a.read(func(ep *evmEndpoint) error {
		h, err := ep.ec.BlockNumber(ctx)
		if err != nil {
			return err
		}
		height = h
		return nil
	})
	return height, err
}

func (a *EVMAdapter) FinalizedHeight(ctx context.Context) (uint64, error) {
	height, err := a.CurrentHeight(ctx)
	if err != nil {
		return 0, err
	}
	if height < a.params.Confirmations {
		return 0, nil
	}
	return height - a.params.Confirmations, nil
}

func (a *EVMAdapter) BlockHash(ctx context.Context, height uint64) (string, error) {
	var hash string
	err := a.read(func(ep *evmEndpoint) error {
		header, err := ep.ec.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
			}
			return err
		}
		hash = header.Hash().Hex()
		return nil
	})
	return hash, err
}

// GetLogs scans (from, to] for escrow events, splitting wide windows
// into evmLogChunk spans.
func (a *EVMAdapter) GetLogs(ctx context.Context, from, to uint64) ([]Event, error) {
	if to <= from {
		return nil, nil
	}

	var events []Event
	blockTimes := make(map[uint64]int64)

	for _, span := range chunkRange(from+1, to, evmLogChunk) {
		var logs []*escrow.LogEvent
		err := a.read(func(ep *evmEndpoint) error {
			got, err := ep.escrow.Events(ctx, span.lo, span.hi, nil)
			if err != nil {
				return err
			}
			logs = got
			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, lg := range logs {
			ev := Event{
				Chain:    a.params.Symbol,
				Hashlock: lg.Hashlock,
				TxRef:    lg.TxHash.Hex(),
				Height:   lg.Block,
				LogIndex: lg.Index,
			}
			switch lg.Kind {
			case escrow.KindCreated:
				ev.Type = EventEscrowCreated
				ev.Amount = lg.Amount
			case escrow.KindClaimed:
				ev.Type = EventEscrowClaimed
				preimage := lg.Preimage
				ev.Secret = preimage[:]
			case escrow.KindRefunded:
				ev.Type = EventEscrowRefunded
			}

			ts, ok := blockTimes[lg.Block]
			if !ok {
				if err := a.read(func(ep *evmEndpoint) error {
					header, err := ep.ec.HeaderByNumber(ctx, new(big.Int).SetUint64(lg.Block))
					if err != nil {
						return err
					}
					ts = int64(header.Time)
					return nil
				}); err != nil {
					return nil, err
				}
				blockTimes[lg.Block] = ts
			}
			ev.Timestamp = ts

			events = append(events, ev)
		}
	}
	return events, nil
}

func (a *EVMAdapter) TxStatus(ctx context.Context, txRef string) (*TxStatus, error) {
	txHash := common.HexToHash(txRef)

	status := &TxStatus{State: TxPending}
	err := a.read(func(ep *evmEndpoint) error {
		receipt, err := ep.ec.TransactionReceipt(ctx, txHash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				status = &TxStatus{State: TxPending}
				return nil
			}
			return err
		}

		tip, err := ep.ec.BlockNumber(ctx)
		if err != nil {
			return err
		}

		height := receipt.BlockNumber.Uint64()
		confs := uint64(0)
		if tip >= height {
			confs = tip - height + 1
		}

		if receipt.Status == 0 {
			status = &TxStatus{State: TxFailed, Height: height, Confirmations: confs, Reason: "reverted"}
			return nil
		}
		state := TxIncluded
		if confs > a.params.Confirmations {
			state = TxFinalized
		}
		status = &TxStatus{State: state, Height: height, Confirmations: confs}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// Lock opens the source escrow. The contract is probed for its paused
// flag first so a paused deployment fails fast instead of reverting.
func (a *EVMAdapter) Lock(ctx context.Context, key ActionKey, esc *Escrow) (string, error) {
	if txRef, ok := a.ledger.replay(key); ok {
		return txRef, nil
	}

	receiver := common.HexToAddress(esc.Receiver)
	if esc.Receiver == "" {
		receiver = crypto.PubkeyToAddress(a.key.PublicKey)
	}
	deadline := big.NewInt(esc.RefundAfter.Unix())

	var txRef string
	err := a.write(func(ep *evmEndpoint) error {
		paused, err := ep.escrow.IsPaused(ctx)
		if err != nil {
			return err
		}
		if paused {
			return fmt.Errorf("%w: escrow contract is paused", ErrTxFailed)
		}

		if esc.Token == "" {
			tx, err := ep.escrow.CreateNative(ctx, a.key, esc.Hashlock, receiver, deadline, esc.Amount)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrTxFailed, err)
			}
			txRef = tx.Hash().Hex()
			return nil
		}

		token := common.HexToAddress(esc.Token)
		if _, err := ep.escrow.ApproveERC20(ctx, a.key, token, esc.Amount); err != nil {
			return fmt.Errorf("%w: approve: %v", ErrTxFailed, err)
		}
		tx, err := ep.escrow.CreateERC20(ctx, a.key, esc.Hashlock, receiver, token, esc.Amount, deadline)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTxFailed, err)
		}
		txRef = tx.Hash().Hex()
		return nil
	})
	if err != nil {
		return "", err
	}

	a.ledger.record(key, txRef)
	a.log.Info("escrow locked", "session", key.SessionID, "tx", txRef)
	return txRef, nil
}

// Reveal claims the escrow, publishing the preimage in the contract log.
func (a *EVMAdapter) Reveal(ctx context.Context, key ActionKey, esc *Escrow, preimage [32]byte) (string, error) {
	if txRef, ok := a.ledger.replay(key); ok {
		return txRef, nil
	}

	var txRef string
	err := a.write(func(ep *evmEndpoint) error {
		tx, err := ep.escrow.Claim(ctx, a.key, esc.Hashlock, preimage)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTxFailed, err)
		}
		txRef = tx.Hash().Hex()
		return nil
	})
	if err != nil {
		return "", err
	}

	a.ledger.record(key, txRef)
	a.log.Info("escrow claimed", "session", key.SessionID, "tx", txRef)
	return txRef, nil
}

// Refund reclaims an expired escrow. The contract enforces the deadline;
// canRefund is probed first for a clean error.
func (a *EVMAdapter) Refund(ctx context.Context, key ActionKey, esc *Escrow) (string, error) {
	if txRef, ok := a.ledger.replay(key); ok {
		return txRef, nil
	}

	var txRef string
	err := a.write(func(ep *evmEndpoint) error {
		ok, err := ep.escrow.CanRefund(ctx, esc.Hashlock)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: escrow not refundable yet", ErrTxFailed)
		}

		tx, err := ep.escrow.Refund(ctx, a.key, esc.Hashlock)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTxFailed, err)
		}
		txRef = tx.Hash().Hex()
		return nil
	})
	if err != nil {
		return "", err
	}

	a.ledger.record(key, txRef)
	a.log.Info("escrow refunded", "session", key.SessionID, "tx", txRef)
	return txRef, nil
}

/// Watch is a no-op: the contract address filter already covers every
// escrow on this chain.
func (a *EVMAdapter) Watch(esc *Escrow) {}

// Unwatch is a no-op for the same reason.
func (a *EVMAdapter) Unwatch(hashlock [32]byte) {}

// span is a closed block range.
type span struct {
	lo, hi uint64
}

// chunkRange splits [lo, hi] into spans of at most size blocks.
func chunkRange(lo, hi, size uint64) []span {
	if hi < lo || size == 0 {
		return nil
	}
	var spans []span
	for start := lo; start <= hi; start += size {
		end := start + size - 1
		if end > hi {
			end = hi
		}
		spans = append(spans, span{lo: start, hi: end})
	}
	return spans
}

// isTransient reports whether an error looks like a transport failure
// worth retrying on another endpoint.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"EOF",
		"i/o timeout",
		"502", "503", "429",
		"no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
