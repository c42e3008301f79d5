package adapter

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/crosshatch-labs/crosshatch/internal/backend"
	"github.com/crosshatch-labs/crosshatch/internal/chain"
	"github.com/crosshatch-labs/crosshatch/internal/wallet"
	"github.com/crosshatch-labs/crosshatch/pkg/helpers"
	"github.com/crosshatch-labs/crosshatch/pkg/logging"
)

// Virtual size estimates for fee math. Inputs are the operator's
// P2WPKH coins; the escrow output is P2WSH, change is P2WPKH.
const (
	dustLimit    = 546
	vbOverhead   = 10
	vbInP2WPKH   = 68
	vbOutP2WSH   = 43
	vbOutP2WPKH  = 31
	vbEscrowSize = 150 // one HTLC input with script witness, one output
)

// UTXOAdapter drives HTLC escrows on a Bitcoin-family chain through a
// ranked list of backends. The operator wallet funds escrows from its
// P2WPKH address and holds both script branches: claim transactions pay
// the swap counterparty while publishing the preimage, refunds return
// to the operator.
type UTXOAdapter struct {
	params   *chain.Params
	backends []backend.Backend
	log      *logging.Logger
	ledger   *actionLedger

	opKey    *btcec.PrivateKey
	opPub    *btcec.PublicKey
	opAddr   string
	opScript []byte

	mu      sync.Mutex
	live    []backend.Backend
	active  int
	watched map[[32]byte]*watchedEscrow
}

// watchedEscrow is one script address the log scan covers.
type watchedEscrow struct {
	hashlock [32]byte
	address  string
}

var _ Adapter = (*UTXOAdapter)(nil)

// NewUTXO creates an adapter for one UTXO chain. The wallet supplies
// the operator key at account 0, index 0. Backends are tried in order.
func NewUTXO(params *chain.Params, backends []backend.Backend, w *wallet.Wallet, log *logging.Logger) (*UTXOAdapter, error) {
	if params.Family != chain.FamilyUTXO {
		return nil, fmt.Errorf("%s is not a UTXO chain", params.Symbol)
	}
	if params.Bech32HRP == "" {
		return nil, fmt.Errorf("%s has no segwit address format; escrow outputs need P2WSH", params.Symbol)
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no backends configured for %s", params.Symbol)
	}

	opKey, err := w.DerivePrivateKey(params.Symbol, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("derive %s operator key: %w", params.Symbol, err)
	}
	opAddr, err := w.DeriveAddress(params.Symbol, 0, 0)
	if err != nil {
		return nil, err
	}
	decoded, err := wallet.ParseAddress(opAddr, params)
	if err != nil {
		return nil, err
	}
	opScript, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, err
	}

	return &UTXOAdapter{
		params:   params,
		backends: backends,
		log:      log.With("chain", params.Symbol),
		ledger:   newActionLedger(),
		opKey:    opKey,
		opPub:    opKey.PubKey(),
		opAddr:   opAddr,
		opScript: opScript,
		watched:  make(map[[32]byte]*watchedEscrow),
	}, nil
}

func (a *UTXOAdapter) ChainTag() string {
	return a.params.Symbol
}

// Connect probes every backend and keeps the ones serving the right
// chain. When the params pin a genesis hash, backends whose block 0
// differs are rejected.
func (a *UTXOAdapter) Connect(ctx context.Context) error {
	var live []backend.Backend
	var lastErr error
	for _, b := range a.backends {
		if err := b.Connect(ctx); err != nil {
			a.log.Warn("backend unreachable", "type", b.Type(), "err", err)
			lastErr = err
			continue
		}
		if a.params.GenesisHash != "" {
			genesis, err := b.GetBlockHash(ctx, 0)
			if err != nil {
				a.log.Warn("genesis probe failed", "type", b.Type(), "err", err)
				lastErr = err
				continue
			}
			if genesis != a.params.GenesisHash {
				a.log.Warn("backend serves a different chain", "type", b.Type(), "genesis", genesis)
				lastErr = fmt.Errorf("backend genesis %s does not match %s", genesis, a.params.Symbol)
				continue
			}
		}
		live = append(live, b)
	}

	if len(live) == 0 {
		return fmt.Errorf("%w: no usable backend for %s: %v", ErrConnectionFailed, a.params.Symbol, lastErr)
	}

	a.mu.Lock()
	a.live = live
	a.active = 0
	a.mu.Unlock()

	balance := uint64(0)
	if info, err := a.operatorInfo(ctx); err == nil {
		balance = info.Balance
	}
	a.log.Info("connected", "backends", len(live), "operator", a.opAddr,
		"balance", helpers.FormatAmount(balance, a.params.Decimals))
	return nil
}

// Close drops the live backend set. The registry owns the backends
// themselves and closes them at shutdown.
func (a *UTXOAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live = nil
	return nil
}

// call runs fn against the active backend, rotating to the next one on
// transport errors. Broadcasts rotate too: resubmitting identical bytes
// yields the same txid, so a backend that accepted the transaction but
// timed out on the response costs nothing.
func (a *UTXOAdapter) call(fn func(backend.Backend) error) error {
	a.mu.Lock()
	live := a.live
	start := a.active
	a.mu.Unlock()

	if len(live) == 0 {
		return fmt.Errorf("%w: %s adapter not connected", ErrConnectionFailed, a.params.Symbol)
	}

	var lastErr error
	for i := 0; i < len(live); i++ {
		idx := (start + i) % len(live)
		err := fn(live[idx])
		if err == nil {
			if idx != start {
				a.mu.Lock()
				a.active = idx
				a.mu.Unlock()
			}
			return nil
		}
		if !retryableBackendErr(err) {
			return err
		}
		a.log.Warn("backend error, rotating", "type", live[idx].Type(), "err", err)
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrConnectionFailed, lastErr)
}

// retryableBackendErr reports whether another backend is worth trying.
// Definitive answers (tx not found, block not found) surface unchanged.
func retryableBackendErr(err error) bool {
	if errors.Is(err, backend.ErrNotConnected) || errors.Is(err, backend.ErrRateLimited) {
		return true
	}
	return isTransient(err)
}

func (a *UTXOAdapter) operatorInfo(ctx context.Context) (*backend.AddressInfo, error) {
	var info *backend.AddressInfo
	err := a.call(func(b backend.Backend) error {
		got, err := b.GetAddressInfo(ctx, a.opAddr)
		if err != nil {
			return err
		}
		info = got
		return nil
	})
	return info, err
}

func (a *UTXOAdapter) CurrentHeight(ctx context.Context) (uint64, error) {
	var height int64
	err := a.call(func(b backend.Backend) error {
		h, err := b.GetBlockHeight(ctx)
		if err != nil {
			return err
		}
		height = h
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(height), nil
}

func (a *UTXOAdapter) FinalizedHeight(ctx context.Context) (uint64, error) {
	height, err := a.CurrentHeight(ctx)
	if err != nil {
		return 0, err
	}
	if height < a.params.Confirmations {
		return 0, nil
	}
	return height - a.params.Confirmations, nil
}

func (a *UTXOAdapter) BlockHash(ctx context.Context, height uint64) (string, error) {
	var hash string
	err := a.call(func(b backend.Backend) error {
		h, err := b.GetBlockHash(ctx, int64(height))
		if err != nil {
			return err
		}
		hash = h
		return nil
	})
	if err != nil {
		if errors.Is(err, backend.ErrBlockNotFound) {
			return "", fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
		}
		return "", err
	}
	return hash, nil
}

// GetLogs derives escrow events in (from, to] by scanning the watched
// script addresses: a transaction paying the address is a creation, a
// transaction spending it is a claim or refund depending on which
// witness branch it took.
func (a *UTXOAdapter) GetLogs(ctx context.Context, from, to uint64) ([]Event, error) {
	if to <= from {
		return nil, nil
	}

	a.mu.Lock()
	watched := make([]*watchedEscrow, 0, len(a.watched))
	for _, w := range a.watched {
		watched = append(watched, w)
	}
	a.mu.Unlock()

	var events []Event
	for _, w := range watched {
		found, err := a.scanEscrow(ctx, w, from, to)
		if err != nil {
			return nil, err
		}
		events = append(events, found...)
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].Height != events[j].Height {
			return events[i].Height < events[j].Height
		}
		if events[i].LogIndex != events[j].LogIndex {
			return events[i].LogIndex < events[j].LogIndex
		}
		return events[i].TxRef < events[j].TxRef
	})
	return events, nil
}

// scanEscrow pages through one address's history, newest first, and
// collects events inside the window. An escrow address sees at most two
// transactions so paging rarely goes past the first request.
func (a *UTXOAdapter) scanEscrow(ctx context.Context, w *watchedEscrow, from, to uint64) ([]Event, error) {
	var events []Event
	lastSeen := ""
	for {
		var page []backend.Transaction
		err := a.call(func(b backend.Backend) error {
			txs, err := b.GetAddressTxs(ctx, w.address, lastSeen)
			if err != nil {
				return err
			}
			page = txs
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return events, nil
		}

		oldest := ""
		for i := range page {
			tx := &page[i]
			if !tx.Confirmed {
				continue
			}
			height := uint64(tx.BlockHeight)
			if height <= from {
				// Pages run newest to oldest; the rest is behind
				// the cursor already.
				return events, nil
			}
			oldest = tx.TxID
			if height > to {
				continue
			}
			events = append(events, a.classifyEscrowTx(tx, w, height)...)
		}
		if oldest == "" || oldest == lastSeen {
			return events, nil
		}
		lastSeen = oldest
	}
}

// classifyEscrowTx emits events for one confirmed transaction touching
// an escrow address. UTXO chains have no native log index; creations
// take index 0 and spends index 1 so a fund-and-spend block orders
// correctly.
func (a *UTXOAdapter) classifyEscrowTx(tx *backend.Transaction, w *watchedEscrow, height uint64) []Event {
	var events []Event

	for i := range tx.Outputs {
		out := &tx.Outputs[i]
		if out.ScriptPubKeyAddr != w.address {
			continue
		}
		events = append(events, Event{
			Chain:     a.params.Symbol,
			Type:      EventEscrowCreated,
			Hashlock:  w.hashlock,
			Amount:    new(big.Int).SetUint64(out.Value),
			TxRef:     tx.TxID,
			Height:    height,
			LogIndex:  0,
			Timestamp: tx.BlockTime,
		})
		break
	}

	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		if in.PrevOut == nil || in.PrevOut.ScriptPubKeyAddr != w.address {
			continue
		}
		ev := Event{
			Chain:     a.params.Symbol,
			Hashlock:  w.hashlock,
			TxRef:     tx.TxID,
			Height:    height,
			LogIndex:  1,
			Timestamp: tx.BlockTime,
		}
		if preimage, ok := extractPreimage(in.Witness, w.hashlock); ok {
			ev.Type = EventEscrowClaimed
			ev.Secret = preimage
		} else {
			ev.Type = EventEscrowRefunded
		}
		events = append(events, ev)
		break
	}

	return events
}

func (a *UTXOAdapter) TxStatus(ctx context.Context, txRef string) (*TxStatus, error) {
	status := &TxStatus{State: TxPending}
	err := a.call(func(b backend.Backend) error {
		tx, err := b.GetTransaction(ctx, txRef)
		if err != nil {
			if errors.Is(err, backend.ErrTxNotFound) {
				// Not propagated yet, or evicted. The caller's
				// deadline schedule decides when to give up.
				status = &TxStatus{State: TxPending}
				return nil
			}
			return err
		}
		if !tx.Confirmed {
			status = &TxStatus{State: TxPending}
			return nil
		}
		state := TxIncluded
		if uint64(tx.Confirmations) > a.params.Confirmations {
			state = TxFinalized
		}
		status = &TxStatus{
			State:         state,
			Height:        uint64(tx.BlockHeight),
			Confirmations: uint64(tx.Confirmations),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// Lock funds a fresh escrow from the operator wallet. Both script
// branches use the operator key: the claim transaction pays the swap
// counterparty directly, so no counterparty key is needed on-chain. The
// escrow script and address are written back to esc for persistence.
func (a *UTXOAdapter) Lock(ctx context.Context, key ActionKey, esc *Escrow) (string, error) {
	if txRef, ok := a.ledger.replay(key); ok {
		return txRef, nil
	}
	if esc.Amount == nil || !esc.Amount.IsUint64() {
		return "", fmt.Errorf("%w: amount %s overflows the chain unit range", ErrTxFailed, esc.Amount)
	}
	amount := esc.Amount.Uint64()
	if amount <= dustLimit {
		return "", fmt.Errorf("%w: amount %d is below the dust limit", ErrTxFailed, amount)
	}

	script, err := buildHTLCScript(esc.Hashlock, a.opPub, a.opPub, esc.RefundAfter.Unix())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTxFailed, err)
	}
	scriptAddr, err := wallet.ScriptAddress(script, a.params)
	if err != nil {
		return "", err
	}

	feeRate, err := a.feeRate(ctx)
	if err != nil {
		return "", err
	}
	utxos, err := a.confirmedUTXOs(ctx)
	if err != nil {
		return "", err
	}
	selected, total, fee, err := selectCoins(utxos, amount, feeRate)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTxFailed, err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, u := range selected {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return "", fmt.Errorf("bad utxo txid %s: %w", u.TxID, err)
		}
		in := wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil)
		in.Sequence = wire.MaxTxInSequenceNum - 2 // opt in to RBF
		tx.AddTxIn(in)
	}
	tx.AddTxOut(wire.NewTxOut(int64(amount), htlcPayScript(script)))
	if change := total - amount - fee; change > dustLimit {
		tx.AddTxOut(wire.NewTxOut(int64(change), a.opScript))
	}

	if err := a.signFundingInputs(tx, selected); err != nil {
		return "", fmt.Errorf("%w: sign: %v", ErrTxFailed, err)
	}

	txid, err := a.broadcast(ctx, tx)
	if err != nil {
		return "", err
	}

	esc.Script = script
	esc.Address = scriptAddr.EncodeAddress()
	a.Watch(esc)

	a.ledger.record(key, txid)
	a.log.Info("escrow funded",
		"session", key.SessionID, "address", esc.Address,
		"amount", amount, "fee", fee, "tx", txid)
	return txid, nil
}

// Reveal spends the escrow output through the claim branch, paying the
// receiver and publishing the preimage in the witness.
func (a *UTXOAdapter) Reveal(ctx context.Context, key ActionKey, esc *Escrow, preimage [32]byte) (string, error) {
	if txRef, ok := a.ledger.replay(key); ok {
		return txRef, nil
	}

	outpoint, value, err := a.escrowOutpoint(ctx, esc)
	if err != nil {
		return "", err
	}
	payScript := a.opScript
	if esc.Receiver != "" {
		payAddr, err := wallet.ParseAddress(esc.Receiver, a.params)
		if err != nil {
			return "", fmt.Errorf("%w: receiver: %v", ErrTxFailed, err)
		}
		payScript, err = txscript.PayToAddrScript(payAddr)
		if err != nil {
			return "", err
		}
	}

	tx, err := a.buildEscrowSpend(ctx, outpoint, value, payScript, 0)
	if err != nil {
		return "", err
	}
	sig, err := a.signEscrowSpend(tx, esc.Script, value)
	if err != nil {
		return "", fmt.Errorf("%w: sign: %v", ErrTxFailed, err)
	}
	tx.TxIn[0].Witness = claimWitness(sig, preimage[:], esc.Script)

	txid, err := a.broadcast(ctx, tx)
	if err != nil {
		return "", err
	}

	a.ledger.record(key, txid)
	a.log.Info("escrow claimed", "session", key.SessionID, "receiver", esc.Receiver, "tx", txid)
	return txid, nil
}

// Refund reclaims an expired escrow to the operator wallet through the
// timeout branch. The transaction's locktime carries the script
// deadline, so a premature broadcast would be rejected as non-final;
// the local clock is checked first for a cleaner error.
func (a *UTXOAdapter) Refund(ctx context.Context, key ActionKey, esc *Escrow) (string, error) {
	if txRef, ok := a.ledger.replay(key); ok {
		return txRef, nil
	}
	if time.Now().Before(esc.RefundAfter) {
		return "", fmt.Errorf("%w: escrow not refundable until %s", ErrTxFailed, esc.RefundAfter.UTC().Format(time.RFC3339))
	}

	outpoint, value, err := a.escrowOutpoint(ctx, esc)
	if err != nil {
		return "", err
	}

	tx, err := a.buildEscrowSpend(ctx, outpoint, value, a.opScript, uint32(esc.RefundAfter.Unix()))
	if err != nil {
		return "", err
	}
	sig, err := a.signEscrowSpend(tx, esc.Script, value)
	if err != nil {
		return "", fmt.Errorf("%w: sign: %v", ErrTxFailed, err)
	}
	tx.TxIn[0].Witness = refundWitness(sig, esc.Script)

	txid, err := a.broadcast(ctx, tx)
	if err != nil {
		return "", err
	}

	a.ledger.record(key, txid)
	a.log.Info("escrow refunded", "session", key.SessionID, "tx", txid)
	return txid, nil
}

// Watch adds the escrow's script address to the log scan. Lock calls
// this itself; the coordinator also calls it when adopting persisted
// sessions after a restart.
func (a *UTXOAdapter) Watch(esc *Escrow) {
	if esc.Address == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.watched[esc.Hashlock] = &watchedEscrow{
		hashlock: esc.Hashlock,
		address:  esc.Address,
	}
}

func (a *UTXOAdapter) Unwatch(hashlock [32]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.watched, hashlock)
}

// buildEscrowSpend assembles the one-input one-output skeleton shared
// by claim and refund transactions. A nonzero locktime marks a refund:
// the input sequence must back off from the maximum for the locktime to
// be enforced.
func (a *UTXOAdapter) buildEscrowSpend(ctx context.Context, outpoint *wire.OutPoint, value uint64, payScript []byte, locktime uint32) (*wire.MsgTx, error) {
	feeRate, err := a.feeRate(ctx)
	if err != nil {
		return nil, err
	}
	fee := vbEscrowSize * feeRate
	if value <= fee+dustLimit {
		return nil, fmt.Errorf("%w: escrow value %d cannot cover spend fee %d", ErrTxFailed, value, fee)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	in := wire.NewTxIn(outpoint, nil, nil)
	if locktime != 0 {
		tx.LockTime = locktime
		in.Sequence = wire.MaxTxInSequenceNum - 1
	}
	tx.AddTxIn(in)
	tx.AddTxOut(wire.NewTxOut(int64(value-fee), payScript))
	return tx, nil
}

// escrowOutpoint locates the escrow output inside the funding
// transaction recorded on the session.
func (a *UTXOAdapter) escrowOutpoint(ctx context.Context, esc *Escrow) (*wire.OutPoint, uint64, error) {
	if esc.FundingTxRef == "" || esc.Address == "" || len(esc.Script) == 0 {
		return nil, 0, fmt.Errorf("%w: escrow has no funding record", ErrEscrowNotFound)
	}

	var funding *backend.Transaction
	err := a.call(func(b backend.Backend) error {
		tx, err := b.GetTransaction(ctx, esc.FundingTxRef)
		if err != nil {
			return err
		}
		funding = tx
		return nil
	})
	if err != nil {
		if errors.Is(err, backend.ErrTxNotFound) {
			return nil, 0, fmt.Errorf("%w: funding tx %s", ErrEscrowNotFound, esc.FundingTxRef)
		}
		return nil, 0, err
	}

	for i := range funding.Outputs {
		if funding.Outputs[i].ScriptPubKeyAddr != esc.Address {
			continue
		}
		hash, err := chainhash.NewHashFromStr(funding.TxID)
		if err != nil {
			return nil, 0, err
		}
		return wire.NewOutPoint(hash, uint32(i)), funding.Outputs[i].Value, nil
	}
	return nil, 0, fmt.Errorf("%w: funding tx %s pays nothing to %s", ErrEscrowNotFound, esc.FundingTxRef, esc.Address)
}

// signFundingInputs signs every input of the funding transaction. All
// inputs are the operator's P2WPKH coins, so one prevout script covers
// them.
func (a *UTXOAdapter) signFundingInputs(tx *wire.MsgTx, selected []backend.UTXO) error {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(selected))
	for i, u := range selected {
		prevOuts[tx.TxIn[i].PreviousOutPoint] = wire.NewTxOut(int64(u.Amount), a.opScript)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, u := range selected {
		witness, err := txscript.WitnessSignature(
			tx, sigHashes, i, int64(u.Amount), a.opScript,
			txscript.SigHashAll, a.opKey, true)
		if err != nil {
			return err
		}
		tx.TxIn[i].Witness = witness
	}
	return nil
}

// signEscrowSpend produces the signature for spending the escrow
// output. P2WSH commits to the witness script itself.
func (a *UTXOAdapter) signEscrowSpend(tx *wire.MsgTx, script []byte, value uint64) ([]byte, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(htlcPayScript(script), int64(value))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	return txscript.RawTxInWitnessSignature(
		tx, sigHashes, 0, int64(value), script, txscript.SigHashAll, a.opKey)
}

// broadcast serializes and submits a signed transaction. The txid is
// computed locally so a backend that accepts the bytes but drops the
// response cannot lose it.
func (a *UTXOAdapter) broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	raw := hex.EncodeToString(buf.Bytes())
	txid := tx.TxHash().String()

	err := a.call(func(b backend.Backend) error {
		_, err := b.BroadcastTransaction(ctx, raw)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTxFailed, err)
	}
	return txid, nil
}

// feeRate picks the half-hour target from the backend estimates.
func (a *UTXOAdapter) feeRate(ctx context.Context) (uint64, error) {
	var rate uint64
	err := a.call(func(b backend.Backend) error {
		est, err := b.GetFeeEstimates(ctx)
		if err != nil {
			return err
		}
		rate = est.HalfHourFee
		return nil
	})
	if err != nil {
		return 0, err
	}
	if rate == 0 {
		rate = 1
	}
	return rate, nil
}

// confirmedUTXOs returns the operator's spendable coins, largest first.
func (a *UTXOAdapter) confirmedUTXOs(ctx context.Context) ([]backend.UTXO, error) {
	var utxos []backend.UTXO
	err := a.call(func(b backend.Backend) error {
		got, err := b.GetAddressUTXOs(ctx, a.opAddr)
		if err != nil {
			return err
		}
		utxos = got
		return nil
	})
	if err != nil {
		return nil, err
	}

	spendable := utxos[:0]
	for _, u := range utxos {
		if u.Confirmations > 0 {
			spendable = append(spendable, u)
		}
	}
	sort.Slice(spendable, func(i, j int) bool {
		return spendable[i].Amount > spendable[j].Amount
	})
	return spendable, nil
}

// selectCoins picks inputs greedily until they cover the target plus
// the fee at the resulting input count.
func selectCoins(utxos []backend.UTXO, target, feeRate uint64) (selected []backend.UTXO, total, fee uint64, err error) {
	for _, u := range utxos {
		selected = append(selected, u)
		total += u.Amount
		fee = fundingFee(len(selected), feeRate)
		if total >= target+fee {
			return selected, total, fee, nil
		}
	}
	return nil, 0, 0, fmt.Errorf("insufficient funds: need %d plus fees, have %d", target, total)
}

// fundingFee estimates the funding transaction fee for a given input
// count: escrow output, change output, and a couple of vbytes margin
// for rounding.
func fundingFee(inputs int, feeRate uint64) uint64 {
	vsize := vbOverhead + inputs*vbInP2WPKH + vbOutP2WSH + vbOutP2WPKH + 2
	return uint64(vsize) * feeRate
}
