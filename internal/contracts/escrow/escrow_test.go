// Unit tests need no network. Integration tests require a node with the
// escrow contract deployed and are gated on TEST_RPC_URL / TEST_ESCROW_ADDRESS.
package escrow

import (
	"context"
	"crypto/sha256"
	"errors"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(nil, common.HexToAddress("0x1000000000000000000000000000000000000001"), big.NewInt(1))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestContractABIParses(t *testing.T) {
	cabi, err := contractABI()
	if err != nil {
		t.Fatalf("contractABI failed: %v", err)
	}

	ids := map[string]common.Hash{}
	for _, name := range []string{EventCreated, EventClaimed, EventRefunded} {
		ev, ok := cabi.Events[name]
		if !ok {
			t.Fatalf("ABI missing event %s", name)
		}
		if ev.ID == (common.Hash{}) {
			t.Errorf("event %s has zero ID", name)
		}
		ids[name] = ev.ID
	}
	if ids[EventCreated] == ids[EventClaimed] || ids[EventClaimed] == ids[EventRefunded] {
		t.Error("event IDs are not distinct")
	}

	for _, name := range []string{"createEscrow", "createEscrowERC20", "claim", "refund", "getEscrow", "canClaim", "canRefund", "paused"} {
		if _, ok := cabi.Methods[name]; !ok {
			t.Errorf("ABI missing method %s", name)
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateEmpty, "empty"},
		{StateActive, "active"},
		{StateClaimed, "claimed"},
		{StateRefunded, "refunded"},
		{State(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestEscrowIsNative(t *testing.T) {
	e := &Escrow{Token: common.Address{}}
	if !e.IsNative() {
		t.Error("zero token address should be native")
	}
	e.Token = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	if e.IsNative() {
		t.Error("token escrow reported as native")
	}
}

func TestEscrowIsActive(t *testing.T) {
	for _, s := range []State{StateEmpty, StateClaimed, StateRefunded} {
		if (&Escrow{State: s}).IsActive() {
			t.Errorf("state %s reported active", s)
		}
	}
	if !(&Escrow{State: StateActive}).IsActive() {
		t.Error("active escrow reported inactive")
	}
}

func TestDecodeClaimed(t *testing.T) {
	c := newTestClient(t)

	preimage := sha256.Sum256([]byte("preimage"))
	hashlock := sha256.Sum256(preimage[:])
	receiver := common.HexToAddress("0x2000000000000000000000000000000000000002")

	data, err := c.abi.Events[EventClaimed].Inputs.NonIndexed().Pack(preimage)
	if err != nil {
		t.Fatalf("failed to pack event data: %v", err)
	}

	log := types.Log{
		Address: c.address,
		Topics: []common.Hash{
			c.claimedID,
			common.BytesToHash(hashlock[:]),
			common.BytesToHash(common.LeftPadBytes(receiver.Bytes(), 32)),
		},
		Data:        data,
		BlockNumber: 1042,
		TxHash:      common.HexToHash("0xbeef"),
		Index:       3,
	}

	ev, err := c.Decode(log)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if ev.Kind != KindClaimed {
		t.Errorf("kind = %s, want claimed", ev.Kind)
	}
	if ev.Hashlock != hashlock {
		t.Error("hashlock mismatch")
	}
	if ev.Preimage != preimage {
		t.Error("preimage mismatch")
	}
	if ev.Receiver != receiver {
		t.Error("receiver mismatch")
	}
	if ev.Block != 1042 || ev.Index != 3 {
		t.Errorf("position = (%d, %d), want (1042, 3)", ev.Block, ev.Index)
	}
}

func TestDecodeCreated(t *testing.T) {
	c := newTestClient(t)

	hashlock := sha256.Sum256([]byte("lock"))
	sender := common.HexToAddress("0x3000000000000000000000000000000000000003")
	receiver := common.HexToAddress("0x4000000000000000000000000000000000000004")
	amount := big.NewInt(5_000_000)
	fee := big.NewInt(5_000)
	deadline := big.NewInt(1_900_000_000)

	data, err := c.abi.Events[EventCreated].Inputs.NonIndexed().Pack(
		common.Address{}, amount, fee, deadline,
	)
	if err != nil {
		t.Fatalf("failed to pack event data: %v", err)
	}

	log := types.Log{
		Address: c.address,
		Topics: []common.Hash{
			c.createdID,
			common.BytesToHash(hashlock[:]),
			common.BytesToHash(common.LeftPadBytes(sender.Bytes(), 32)),
			common.BytesToHash(common.LeftPadBytes(receiver.Bytes(), 32)),
		},
		Data: data,
	}

	ev, err := c.Decode(log)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if ev.Kind != KindCreated {
		t.Errorf("kind = %s, want created", ev.Kind)
	}
	if ev.Sender != sender || ev.Receiver != receiver {
		t.Error("party mismatch")
	}
	if ev.Amount.Cmp(amount) != 0 {
		t.Errorf("amount = %s, want %s", ev.Amount, amount)
	}
	if ev.Deadline.Cmp(deadline) != 0 {
		t.Errorf("deadline = %s, want %s", ev.Deadline, deadline)
	}
	if ev.Token != (common.Address{}) {
		t.Error("native creation should carry zero token")
	}
}

func TestDecodeRefunded(t *testing.T) {
	c := newTestClient(t)

	hashlock := sha256.Sum256([]byte("refund-lock"))
	sender := common.HexToAddress("0x5000000000000000000000000000000000000005")

	log := types.Log{
		Address: c.address,
		Topics: []common.Hash{
			c.refundedID,
			common.BytesToHash(hashlock[:]),
			common.BytesToHash(common.LeftPadBytes(sender.Bytes(), 32)),
		},
	}

	ev, err := c.Decode(log)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if ev.Kind != KindRefunded {
		t.Errorf("kind = %s, want refunded", ev.Kind)
	}
	if ev.Hashlock != hashlock || ev.Sender != sender {
		t.Error("field mismatch")
	}
}

func TestDecodeUnknownLog(t *testing.T) {
	c := newTestClient(t)

	_, err := c.Decode(types.Log{})
	if !errors.Is(err, ErrUnknownLog) {
		t.Errorf("empty log error = %v, want ErrUnknownLog", err)
	}

	_, err = c.Decode(types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}})
	if !errors.Is(err, ErrUnknownLog) {
		t.Errorf("foreign log error = %v, want ErrUnknownLog", err)
	}
}

// =============================================================================
// Integration tests (require a node with the contract deployed)
// =============================================================================

func integrationClient(t *testing.T) *Client {
	t.Helper()
	rpcURL := os.Getenv("TEST_RPC_URL")
	addr := os.Getenv("TEST_ESCROW_ADDRESS")
	if rpcURL == "" || addr == "" {
		t.Skip("set TEST_RPC_URL and TEST_ESCROW_ADDRESS to run integration tests")
	}

	ec, err := ethclient.Dial(rpcURL)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", rpcURL, err)
	}
	t.Cleanup(ec.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	chainID, err := ec.ChainID(ctx)
	if err != nil {
		t.Fatalf("failed to get chain id: %v", err)
	}

	c, err := NewClient(ec, common.HexToAddress(addr), chainID)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestIntegrationGetEmpty(t *testing.T) {
	c := integrationClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var unused [32]byte
	e, err := c.Get(ctx, unused)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if e.State != StateEmpty {
		t.Errorf("unused hashlock state = %s, want empty", e.State)
	}
}

func TestIntegrationPaused(t *testing.T) {
	c := integrationClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	paused, err := c.IsPaused(ctx)
	if err != nil {
		t.Fatalf("IsPaused failed: %v", err)
	}
	if paused {
		t.Log("contract is paused; writes will be rejected")
	}
}
