package adapter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/crosshatch-labs/crosshatch/internal/backend"
	"github.com/crosshatch-labs/crosshatch/internal/chain"
	"github.com/crosshatch-labs/crosshatch/internal/wallet"
	"github.com/crosshatch-labs/crosshatch/pkg/logging"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// fakeBackend is an in-memory backend.Backend for adapter tests.
type fakeBackend struct {
	mu        sync.Mutex
	connected bool
	failConn  bool
	heightErr error
	genesis   string
	height    int64
	fees      backend.FeeEstimate
	utxos     map[string][]backend.UTXO
	txs       map[string]*backend.Transaction
	addrTxs   map[string][]backend.Transaction
	broadcast []string
}

var _ backend.Backend = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		height:  800100,
		fees:    backend.FeeEstimate{FastestFee: 5, HalfHourFee: 2, HourFee: 1, EconomyFee: 1, MinimumFee: 1},
		utxos:   make(map[string][]backend.UTXO),
		txs:     make(map[string]*backend.Transaction),
		addrTxs: make(map[string][]backend.Transaction),
	}
}

func (f *fakeBackend) Type() backend.Type { return backend.TypeEsplora }

func (f *fakeBackend) Connect(ctx context.Context) error {
	if f.failConn {
		return backend.ErrNotConnected
	}
	f.connected = true
	return nil
}

func (f *fakeBackend) Close() error      { f.connected = false; return nil }
func (f *fakeBackend) IsConnected() bool { return f.connected }

func (f *fakeBackend) GetAddressInfo(ctx context.Context, address string) (*backend.AddressInfo, error) {
	return &backend.AddressInfo{Address: address}, nil
}

func (f *fakeBackend) GetAddressUTXOs(ctx context.Context, address string) ([]backend.UTXO, error) {
	return f.utxos[address], nil
}

func (f *fakeBackend) GetAddressTxs(ctx context.Context, address, lastSeenTxID string) ([]backend.Transaction, error) {
	txs := f.addrTxs[address]
	if lastSeenTxID == "" {
		return txs, nil
	}
	for i := range txs {
		if txs[i].TxID == lastSeenTxID {
			return txs[i+1:], nil
		}
	}
	return nil, nil
}

func (f *fakeBackend) GetTransaction(ctx context.Context, txID string) (*backend.Transaction, error) {
	tx, ok := f.txs[txID]
	if !ok {
		return nil, backend.ErrTxNotFound
	}
	return tx, nil
}

func (f *fakeBackend) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	return nil, backend.ErrTxNotFound
}

func (f *fakeBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, rawTxHex)
	return "", nil
}

func (f *fakeBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	if f.heightErr != nil {
		return 0, f.heightErr
	}
	return f.height, nil
}

func (f *fakeBackend) GetBlockHash(ctx context.Context, height int64) (string, error) {
	if height == 0 && f.genesis != "" {
		return f.genesis, nil
	}
	return "", backend.ErrBlockNotFound
}

func (f *fakeBackend) GetBlockHeader(ctx context.Context, hash string) (*backend.BlockHeader, error) {
	return nil, backend.ErrBlockNotFound
}

func (f *fakeBackend) GetFeeEstimates(ctx context.Context) (*backend.FeeEstimate, error) {
	est := f.fees
	return &est, nil
}

func quietLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "error", Output: io.Discard})
}

func newTestUTXOAdapter(t *testing.T) (*UTXOAdapter, *fakeBackend, *wallet.Wallet) {
	t.Helper()
	w, err := wallet.NewFromMnemonic(testMnemonic, "", chain.Testnet)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	params, ok := chain.Get("BTC", chain.Testnet)
	if !ok {
		t.Fatal("BTC testnet params missing")
	}
	fb := newFakeBackend()
	a, err := NewUTXO(params, []backend.Backend{fb}, w, quietLogger())
	if err != nil {
		t.Fatalf("NewUTXO: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return a, fb, w
}

func decodeTx(t *testing.T, rawHex string) *wire.MsgTx {
	t.Helper()
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		t.Fatalf("broadcast is not hex: %v", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatalf("broadcast does not deserialize: %v", err)
	}
	return &tx
}

// runSpendEngine executes a one-input transaction against its prevout
// script through the full script engine.
func runSpendEngine(t *testing.T, tx *wire.MsgTx, pkScript []byte, value int64) {
	t.Helper()
	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, value)
	hashCache := txscript.NewTxSigHashes(tx, fetcher)
	vm, err := txscript.NewEngine(pkScript, tx, 0, txscript.StandardVerifyFlags, nil, hashCache, value, fetcher)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := vm.Execute(); err != nil {
		t.Fatalf("spend does not verify: %v", err)
	}
}

func TestNewUTXORejectsUnsuitableChains(t *testing.T) {
	w, err := wallet.NewFromMnemonic(testMnemonic, "", chain.Testnet)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}

	eth, _ := chain.Get("ETH", chain.Testnet)
	if _, err := NewUTXO(eth, []backend.Backend{newFakeBackend()}, w, quietLogger()); err == nil {
		t.Error("expected error for EVM chain")
	}

	doge, _ := chain.Get("DOGE", chain.Testnet)
	if _, err := NewUTXO(doge, []backend.Backend{newFakeBackend()}, w, quietLogger()); err == nil {
		t.Error("expected error for chain without segwit")
	}

	btc, _ := chain.Get("BTC", chain.Testnet)
	if _, err := NewUTXO(btc, nil, w, quietLogger()); err == nil {
		t.Error("expected error for empty backend list")
	}
}

func TestUTXOConnectPinsGenesis(t *testing.T) {
	w, err := wallet.NewFromMnemonic(testMnemonic, "", chain.Testnet)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	base, _ := chain.Get("BTC", chain.Testnet)
	params := *base
	params.GenesisHash = "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"

	fb := newFakeBackend()
	fb.genesis = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
	a, err := NewUTXO(&params, []backend.Backend{fb}, w, quietLogger())
	if err != nil {
		t.Fatalf("NewUTXO: %v", err)
	}
	if err := a.Connect(context.Background()); !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect with wrong genesis = %v, want ErrConnectionFailed", err)
	}

	fb.genesis = params.GenesisHash
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect with matching genesis: %v", err)
	}
}

func TestUTXOCallRotatesOnBackendFailure(t *testing.T) {
	w, err := wallet.NewFromMnemonic(testMnemonic, "", chain.Testnet)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	params, _ := chain.Get("BTC", chain.Testnet)

	dead := newFakeBackend()
	dead.heightErr = backend.ErrNotConnected
	live := newFakeBackend()
	live.height = 812345

	a, err := NewUTXO(params, []backend.Backend{dead, live}, w, quietLogger())
	if err != nil {
		t.Fatalf("NewUTXO: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	height, err := a.CurrentHeight(context.Background())
	if err != nil {
		t.Fatalf("CurrentHeight: %v", err)
	}
	if height != 812345 {
		t.Errorf("height = %d, want 812345", height)
	}
}

func TestUTXOLockFundsEscrow(t *testing.T) {
	a, fb, _ := newTestUTXOAdapter(t)
	fb.utxos[a.opAddr] = []backend.UTXO{
		{TxID: strings.Repeat("66", 32), Vout: 0, Amount: 50_000, Confirmations: 12},
		{TxID: strings.Repeat("77", 32), Vout: 1, Amount: 200_000, Confirmations: 3},
		{TxID: strings.Repeat("88", 32), Vout: 0, Amount: 900_000, Confirmations: 0},
	}

	secret := bytes.Repeat([]byte{0x5a}, 32)
	esc := &Escrow{
		Hashlock:    sha256.Sum256(secret),
		Amount:      big.NewInt(150_000),
		RefundAfter: time.Unix(1893456000, 0),
	}
	key := ActionKey{SessionID: "sess-lock", Action: ActionLockDestination}

	txid, err := a.Lock(context.Background(), key, esc)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if len(fb.broadcast) != 1 {
		t.Fatalf("broadcast count = %d, want 1", len(fb.broadcast))
	}

	tx := decodeTx(t, fb.broadcast[0])
	if tx.TxHash().String() != txid {
		t.Errorf("returned txid %s does not match broadcast %s", txid, tx.TxHash())
	}

	// Largest confirmed coin covers amount plus fee in one input; the
	// unconfirmed 900k coin must not be touched.
	if len(tx.TxIn) != 1 {
		t.Fatalf("input count = %d, want 1", len(tx.TxIn))
	}
	if got := tx.TxIn[0].PreviousOutPoint.Hash.String(); got != strings.Repeat("77", 32) {
		t.Errorf("spent utxo %s, want the largest confirmed one", got)
	}

	if len(esc.Script) == 0 || esc.Address == "" {
		t.Fatal("Lock did not record script material on the escrow")
	}
	if !strings.HasPrefix(esc.Address, "tb1") {
		t.Errorf("escrow address %s is not testnet bech32", esc.Address)
	}
	gotHash, _, _, gotLock, err := parseHTLCScript(esc.Script)
	if err != nil {
		t.Fatalf("recorded script does not parse: %v", err)
	}
	if gotHash != esc.Hashlock || gotLock != 1893456000 {
		t.Error("recorded script does not match the escrow terms")
	}

	if !bytes.Equal(tx.TxOut[0].PkScript, htlcPayScript(esc.Script)) {
		t.Error("output 0 does not pay the escrow script")
	}
	if tx.TxOut[0].Value != 150_000 {
		t.Errorf("escrow value = %d, want 150000", tx.TxOut[0].Value)
	}

	wantChange := int64(200_000 - 150_000 - fundingFee(1, 2))
	if len(tx.TxOut) != 2 {
		t.Fatalf("output count = %d, want escrow plus change", len(tx.TxOut))
	}
	if tx.TxOut[1].Value != wantChange {
		t.Errorf("change = %d, want %d", tx.TxOut[1].Value, wantChange)
	}
	if !bytes.Equal(tx.TxOut[1].PkScript, a.opScript) {
		t.Error("change does not return to the operator wallet")
	}

	runSpendEngine(t, tx, a.opScript, 200_000)

	if _, ok := a.watched[esc.Hashlock]; !ok {
		t.Error("Lock did not start watching the escrow address")
	}

	// Replaying the same action key must not rebroadcast.
	again, err := a.Lock(context.Background(), key, esc)
	if err != nil {
		t.Fatalf("Lock replay: %v", err)
	}
	if again != txid {
		t.Errorf("replay returned %s, want %s", again, txid)
	}
	if len(fb.broadcast) != 1 {
		t.Errorf("replay broadcast a second transaction")
	}
}

func TestUTXOLockInsufficientFunds(t *testing.T) {
	a, fb, _ := newTestUTXOAdapter(t)
	fb.utxos[a.opAddr] = []backend.UTXO{
		{TxID: strings.Repeat("66", 32), Vout: 0, Amount: 10_000, Confirmations: 2},
	}

	esc := &Escrow{
		Hashlock:    sha256.Sum256([]byte("x")),
		Amount:      big.NewInt(150_000),
		RefundAfter: time.Unix(1893456000, 0),
	}
	_, err := a.Lock(context.Background(), ActionKey{SessionID: "sess-poor", Action: ActionLockDestination}, esc)
	if !errors.Is(err, ErrTxFailed) {
		t.Fatalf("err = %v, want ErrTxFailed", err)
	}
	if !strings.Contains(err.Error(), "insufficient funds") {
		t.Errorf("err = %v, want insufficient funds detail", err)
	}
}

func TestUTXOLockRejectsDustEscrow(t *testing.T) {
	a, _, _ := newTestUTXOAdapter(t)
	esc := &Escrow{
		Hashlock:    sha256.Sum256([]byte("y")),
		Amount:      big.NewInt(500),
		RefundAfter: time.Unix(1893456000, 0),
	}
	_, err := a.Lock(context.Background(), ActionKey{SessionID: "sess-dust", Action: ActionLockDestination}, esc)
	if !errors.Is(err, ErrTxFailed) {
		t.Fatalf("err = %v, want ErrTxFailed", err)
	}
}

// fundEscrow plants a confirmed funding transaction for an escrow in
// the fake backend and fills the escrow's script material the way Lock
// would have.
func fundEscrow(t *testing.T, a *UTXOAdapter, fb *fakeBackend, esc *Escrow, value uint64) {
	t.Helper()
	script, err := buildHTLCScript(esc.Hashlock, a.opPub, a.opPub, esc.RefundAfter.Unix())
	if err != nil {
		t.Fatalf("buildHTLCScript: %v", err)
	}
	addr, err := wallet.ScriptAddress(script, a.params)
	if err != nil {
		t.Fatalf("ScriptAddress: %v", err)
	}
	esc.Script = script
	esc.Address = addr.EncodeAddress()
	esc.FundingTxRef = strings.Repeat("f0", 32)

	fb.txs[esc.FundingTxRef] = &backend.Transaction{
		TxID:        esc.FundingTxRef,
		Confirmed:   true,
		BlockHeight: 800050,
		BlockTime:   1700000050,
		Outputs: []backend.TxOutput{
			{ScriptPubKeyAddr: a.opAddr, Value: 33_000},
			{ScriptPubKeyAddr: esc.Address, Value: value},
		},
	}
}

func TestUTXORevealPublishesPreimage(t *testing.T) {
	a, fb, w := newTestUTXOAdapter(t)

	secret := bytes.Repeat([]byte{0x5a}, 32)
	receiver, err := w.DeriveAddress("BTC", 0, 1)
	if err != nil {
		t.Fatalf("receiver address: %v", err)
	}
	esc := &Escrow{
		Hashlock:    sha256.Sum256(secret),
		Amount:      big.NewInt(120_000),
		Receiver:    receiver,
		RefundAfter: time.Unix(1893456000, 0),
	}
	fundEscrow(t, a, fb, esc, 120_000)

	var preimage [32]byte
	copy(preimage[:], secret)
	txid, err := a.Reveal(context.Background(), ActionKey{SessionID: "sess-claim", Action: ActionRevealDestination}, esc, preimage)
	if err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	if len(fb.broadcast) != 1 {
		t.Fatalf("broadcast count = %d, want 1", len(fb.broadcast))
	}

	tx := decodeTx(t, fb.broadcast[0])
	if tx.TxHash().String() != txid {
		t.Errorf("returned txid %s does not match broadcast %s", txid, tx.TxHash())
	}
	if len(tx.TxIn) != 1 {
		t.Fatalf("input count = %d, want 1", len(tx.TxIn))
	}
	op := tx.TxIn[0].PreviousOutPoint
	if op.Hash.String() != esc.FundingTxRef || op.Index != 1 {
		t.Errorf("spends %s:%d, want %s:1", op.Hash, op.Index, esc.FundingTxRef)
	}

	wit := tx.TxIn[0].Witness
	if len(wit) != 4 {
		t.Fatalf("witness has %d items, want 4", len(wit))
	}
	if !bytes.Equal(wit[1], secret) {
		t.Error("witness does not carry the preimage")
	}
	if !bytes.Equal(wit[3], esc.Script) {
		t.Error("witness does not carry the escrow script")
	}

	wantValue := int64(120_000) - int64(vbEscrowSize*2)
	if tx.TxOut[0].Value != wantValue {
		t.Errorf("payout = %d, want %d", tx.TxOut[0].Value, wantValue)
	}
	recvAddr, err := wallet.ParseAddress(receiver, a.params)
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	recvScript, err := txscript.PayToAddrScript(recvAddr)
	if err != nil {
		t.Fatalf("PayToAddrScript: %v", err)
	}
	if !bytes.Equal(tx.TxOut[0].PkScript, recvScript) {
		t.Error("payout does not go to the receiver")
	}

	runSpendEngine(t, tx, htlcPayScript(esc.Script), 120_000)
}

func TestUTXORefundAfterDeadline(t *testing.T) {
	a, fb, _ := newTestUTXOAdapter(t)

	refundAfter := time.Unix(1756000000, 0) // in the past
	esc := &Escrow{
		Hashlock:    sha256.Sum256([]byte("refund-me")),
		Amount:      big.NewInt(80_000),
		RefundAfter: refundAfter,
	}
	fundEscrow(t, a, fb, esc, 80_000)

	txid, err := a.Refund(context.Background(), ActionKey{SessionID: "sess-refund", Action: ActionRefundDestination}, esc)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}

	tx := decodeTx(t, fb.broadcast[0])
	if tx.TxHash().String() != txid {
		t.Errorf("returned txid %s does not match broadcast %s", txid, tx.TxHash())
	}
	if tx.LockTime != uint32(refundAfter.Unix()) {
		t.Errorf("locktime = %d, want %d", tx.LockTime, refundAfter.Unix())
	}
	if tx.TxIn[0].Sequence != wire.MaxTxInSequenceNum-1 {
		t.Errorf("sequence = %x, want locktime-enabled", tx.TxIn[0].Sequence)
	}

	wit := tx.TxIn[0].Witness
	if len(wit) != 3 || len(wit[1]) != 0 {
		t.Fatal("witness does not take the refund branch")
	}
	if !bytes.Equal(tx.TxOut[0].PkScript, a.opScript) {
		t.Error("refund does not return to the operator wallet")
	}

	runSpendEngine(t, tx, htlcPayScript(esc.Script), 80_000)
}

func TestUTXORefundBeforeDeadline(t *testing.T) {
	a, fb, _ := newTestUTXOAdapter(t)

	esc := &Escrow{
		Hashlock:    sha256.Sum256([]byte("too-early")),
		Amount:      big.NewInt(80_000),
		RefundAfter: time.Now().Add(time.Hour),
	}
	fundEscrow(t, a, fb, esc, 80_000)

	_, err := a.Refund(context.Background(), ActionKey{SessionID: "sess-early", Action: ActionRefundDestination}, esc)
	if !errors.Is(err, ErrTxFailed) {
		t.Fatalf("err = %v, want ErrTxFailed", err)
	}
	if len(fb.broadcast) != 0 {
		t.Error("premature refund was broadcast")
	}
}

func TestUTXORevealWithoutFunding(t *testing.T) {
	a, _, _ := newTestUTXOAdapter(t)
	esc := &Escrow{Hashlock: sha256.Sum256([]byte("nothing"))}
	_, err := a.Reveal(context.Background(), ActionKey{SessionID: "sess-none", Action: ActionRevealDestination}, esc, [32]byte{})
	if !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("err = %v, want ErrEscrowNotFound", err)
	}
}

func TestUTXOGetLogs(t *testing.T) {
	a, fb, _ := newTestUTXOAdapter(t)

	secret := bytes.Repeat([]byte{0x5a}, 32)
	esc := &Escrow{
		Hashlock:    sha256.Sum256(secret),
		Amount:      big.NewInt(99_000),
		RefundAfter: time.Unix(1893456000, 0),
	}
	fundEscrow(t, a, fb, esc, 99_000)
	a.Watch(esc)

	sigHex := hex.EncodeToString(bytes.Repeat([]byte{0x30}, 71))
	scriptHex := hex.EncodeToString(esc.Script)
	claimTxID := strings.Repeat("c1", 32)

	// Newest first, the way esplora pages address history.
	fb.addrTxs[esc.Address] = []backend.Transaction{
		{
			TxID:        claimTxID,
			Confirmed:   true,
			BlockHeight: 800055,
			BlockTime:   1700000055,
			Inputs: []backend.TxInput{{
				TxID:    esc.FundingTxRef,
				Vout:    1,
				Witness: []string{sigHex, hex.EncodeToString(secret), "01", scriptHex},
				PrevOut: &backend.TxOutput{ScriptPubKeyAddr: esc.Address, Value: 99_000},
			}},
		},
		{
			TxID:        esc.FundingTxRef,
			Confirmed:   true,
			BlockHeight: 800050,
			BlockTime:   1700000050,
			Outputs: []backend.TxOutput{
				{ScriptPubKeyAddr: a.opAddr, Value: 33_000},
				{ScriptPubKeyAddr: esc.Address, Value: 99_000},
			},
		},
	}

	events, err := a.GetLogs(context.Background(), 800049, 800060)
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("event count = %d, want 2", len(events))
	}

	created, claimed := events[0], events[1]
	if created.Type != EventEscrowCreated || created.Height != 800050 {
		t.Errorf("first event = %s@%d, want creation at 800050", created.Type, created.Height)
	}
	if created.Amount.Uint64() != 99_000 {
		t.Errorf("created amount = %s, want 99000", created.Amount)
	}
	if created.Hashlock != esc.Hashlock {
		t.Error("created event carries wrong hashlock")
	}
	if claimed.Type != EventEscrowClaimed || claimed.Height != 800055 {
		t.Errorf("second event = %s@%d, want claim at 800055", claimed.Type, claimed.Height)
	}
	if !bytes.Equal(claimed.Secret, secret) {
		t.Error("claim event does not carry the preimage")
	}
	if claimed.TxRef != claimTxID {
		t.Errorf("claim tx = %s, want %s", claimed.TxRef, claimTxID)
	}

	// Window boundaries: (from, to] excludes from, includes to.
	events, err = a.GetLogs(context.Background(), 800050, 800055)
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventEscrowClaimed {
		t.Fatalf("window (800050,800055] = %d events, want just the claim", len(events))
	}

	events, err = a.GetLogs(context.Background(), 800055, 800060)
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("window (800055,800060] = %d events, want none", len(events))
	}

	// Unwatched escrows disappear from the scan.
	a.Unwatch(esc.Hashlock)
	events, err = a.GetLogs(context.Background(), 800049, 800060)
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("unwatched escrow still produced %d events", len(events))
	}
}

func TestUTXOGetLogsClassifiesRefund(t *testing.T) {
	a, fb, _ := newTestUTXOAdapter(t)

	esc := &Escrow{
		Hashlock:    sha256.Sum256([]byte("timed-out")),
		Amount:      big.NewInt(70_000),
		RefundAfter: time.Unix(1756000000, 0),
	}
	fundEscrow(t, a, fb, esc, 70_000)
	a.Watch(esc)

	sigHex := hex.EncodeToString(bytes.Repeat([]byte{0x30}, 71))
	fb.addrTxs[esc.Address] = []backend.Transaction{{
		TxID:        strings.Repeat("d2", 32),
		Confirmed:   true,
		BlockHeight: 800070,
		BlockTime:   1700000070,
		Inputs: []backend.TxInput{{
			Witness: []string{sigHex, "", hex.EncodeToString(esc.Script)},
			PrevOut: &backend.TxOutput{ScriptPubKeyAddr: esc.Address, Value: 70_000},
		}},
	}}

	events, err := a.GetLogs(context.Background(), 800060, 800080)
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("event count = %d, want 1", len(events))
	}
	if events[0].Type != EventEscrowRefunded {
		t.Errorf("event type = %s, want refund", events[0].Type)
	}
	if len(events[0].Secret) != 0 {
		t.Error("refund event must not carry a secret")
	}
}

func TestUTXOTxStatus(t *testing.T) {
	a, fb, _ := newTestUTXOAdapter(t)

	fb.txs["deep"] = &backend.Transaction{TxID: "deep", Confirmed: true, BlockHeight: 800090, Confirmations: 11}
	fb.txs["fresh"] = &backend.Transaction{TxID: "fresh", Confirmed: true, BlockHeight: 800100, Confirmations: 1}
	fb.txs["mempool"] = &backend.Transaction{TxID: "mempool", Confirmed: false}

	tests := []struct {
		txRef string
		want  TxState
	}{
		{"deep", TxFinalized},
		{"fresh", TxIncluded},
		{"mempool", TxPending},
		{"unknown", TxPending},
	}
	for _, tt := range tests {
		t.Run(tt.txRef, func(t *testing.T) {
			status, err := a.TxStatus(context.Background(), tt.txRef)
			if err != nil {
				t.Fatalf("TxStatus: %v", err)
			}
			if status.State != tt.want {
				t.Errorf("state = %s, want %s", status.State, tt.want)
			}
		})
	}
}

func TestUTXOHeights(t *testing.T) {
	a, fb, _ := newTestUTXOAdapter(t)
	fb.height = 800100

	tip, err := a.CurrentHeight(context.Background())
	if err != nil {
		t.Fatalf("CurrentHeight: %v", err)
	}
	if tip != 800100 {
		t.Errorf("tip = %d, want 800100", tip)
	}

	final, err := a.FinalizedHeight(context.Background())
	if err != nil {
		t.Fatalf("FinalizedHeight: %v", err)
	}
	if want := uint64(800100) - a.params.Confirmations; final != want {
		t.Errorf("finalized = %d, want %d", final, want)
	}

	if _, err := a.BlockHash(context.Background(), 12345); !errors.Is(err, ErrBlockNotFound) {
		t.Errorf("BlockHash for unknown height = %v, want ErrBlockNotFound", err)
	}
}
