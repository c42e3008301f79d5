// Package escrow is the Go client for the CrosshatchEscrow contract, the
// hash-timelocked vault holding the EVM side of every swap. Escrows are
// keyed by their sha256 hashlock, one escrow per hashlock, so contract
// events route straight to sessions without an id lookup.
package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// contractJSON is the ABI surface the orchestrator drives. The full
// contract carries admin methods as well; they are not bound here.
const contractJSON = `[
{"type":"function","name":"createEscrow","stateMutability":"payable","inputs":[{"name":"hashlock","type":"bytes32"},{"name":"receiver","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[]},
{"type":"function","name":"createEscrowERC20","stateMutability":"nonpayable","inputs":[{"name":"hashlock","type":"bytes32"},{"name":"receiver","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"deadline","type":"uint256"}],"outputs":[]},
{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[{"name":"hashlock","type":"bytes32"},{"name":"preimage","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"hashlock","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"getEscrow","stateMutability":"view","inputs":[{"name":"hashlock","type":"bytes32"}],"outputs":[{"name":"","type":"tuple","components":[{"name":"sender","type":"address"},{"name":"receiver","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"fee","type":"uint256"},{"name":"hashlock","type":"bytes32"},{"name":"deadline","type":"uint256"},{"name":"state","type":"uint8"}]}]},
{"type":"function","name":"canClaim","stateMutability":"view","inputs":[{"name":"hashlock","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"canRefund","stateMutability":"view","inputs":[{"name":"hashlock","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"paused","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
{"type":"event","name":"EscrowCreated","anonymous":false,"inputs":[{"name":"hashlock","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"receiver","type":"address","indexed":true},{"name":"token","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false},{"name":"fee","type":"uint256","indexed":false},{"name":"deadline","type":"uint256","indexed":false}]},
{"type":"event","name":"EscrowClaimed","anonymous":false,"inputs":[{"name":"hashlock","type":"bytes32","indexed":true},{"name":"receiver","type":"address","indexed":true},{"name":"preimage","type":"bytes32","indexed":false}]},
{"type":"event","name":"EscrowRefunded","anonymous":false,"inputs":[{"name":"hashlock","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true}]}
]`

var (
	parsedABI abi.ABI
	parseErr  error
	parseOnce sync.Once
)

// contractABI parses the ABI once and caches it for every client.
func contractABI() (abi.ABI, error) {
	parseOnce.Do(func() {
		parsedABI, parseErr = abi.JSON(strings.NewReader(contractJSON))
	})
	return parsedABI, parseErr
}

// Event names as they appear in the contract ABI.
const (
	EventCreated  = "EscrowCreated"
	EventClaimed  = "EscrowClaimed"
	EventRefunded = "EscrowRefunded"
)

// State is the on-chain lifecycle position of an escrow.
type State uint8

const (
	StateEmpty    State = 0
	StateActive   State = 1
	StateClaimed  State = 2
	StateRefunded State = 3
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateActive:
		return "active"
	case StateClaimed:
		return "claimed"
	case StateRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Escrow is the stored record for one hashlock.
type Escrow struct {
	Sender   common.Address
	Receiver common.Address
	Token    common.Address // zero address for the native coin
	Amount   *big.Int
	Fee      *big.Int
	Hashlock [32]byte
	Deadline *big.Int // unix seconds after which refund opens
	State    State
}

// IsNative reports whether the escrow holds the chain's native coin.
func (e *Escrow) IsNative() bool {
	return e.Token == (common.Address{})
}

// IsActive reports whether the escrow is funded and unclaimed.
func (e *Escrow) IsActive() bool {
	return e.State == StateActive
}

// escrowTuple mirrors the getEscrow return tuple for abi unpacking.
type escrowTuple struct {
	Sender   common.Address
	Receiver common.Address
	Token    common.Address
	Amount   *big.Int
	Fee      *big.Int
	Hashlock [32]byte
	Deadline *big.Int
	State    uint8
}

// CreatedEvent is an unpacked EscrowCreated log.
type CreatedEvent struct {
	Hashlock [32]byte
	Sender   common.Address
	Receiver common.Address
	Token    common.Address
	Amount   *big.Int
	Fee      *big.Int
	Deadline *big.Int
	Raw      types.Log
}

// ClaimedEvent is an unpacked EscrowClaimed log. Preimage is the revealed
// secret; anyone reading this log can claim the matching escrow on the
// other chain.
type ClaimedEvent struct {
	Hashlock [32]byte
	Receiver common.Address
	Preimage [32]byte
	Raw      types.Log
}

// RefundedEvent is an unpacked EscrowRefunded log.
type RefundedEvent struct {
	Hashlock [32]byte
	Sender   common.Address
	Raw      types.Log
}

// Kind discriminates decoded escrow logs.
type Kind string

const (
	KindCreated  Kind = "created"
	KindClaimed  Kind = "claimed"
	KindRefunded Kind = "refunded"
)

// LogEvent is the uniform decode of any escrow contract log.
type LogEvent struct {
	Kind     Kind
	Hashlock [32]byte
	Sender   common.Address
	Receiver common.Address
	Token    common.Address
	Amount   *big.Int
	Deadline *big.Int // creations
	Preimage [32]byte // claims
	TxHash   common.Hash
	Block    uint64
	Index    uint
}

// ErrUnknownLog is returned when a log does not decode as an escrow event.
var ErrUnknownLog = errors.New("not an escrow event")

// Client wraps the escrow contract on one RPC connection.
type Client struct {
	ec       *ethclient.Client
	abi      abi.ABI
	contract *bind.BoundContract
	address  common.Address
	chainID  *big.Int

	createdID  common.Hash
	claimedID  common.Hash
	refundedID common.Hash
}

// NewClient binds the escrow contract at address over an existing
// connection. The caller keeps ownership of the connection.
func NewClient(ec *ethclient.Client, address common.Address, chainID *big.Int) (*Client, error) {
	cabi, err := contractABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}
	if chainID == nil {
		return nil, errors.New("escrow client requires a chain id")
	}
	return &Client{
		ec:         ec,
		abi:        cabi,
		contract:   bind.NewBoundContract(address, cabi, ec, ec, ec),
		address:    address,
		chainID:    chainID,
		createdID:  cabi.Events[EventCreated].ID,
		claimedID:  cabi.Events[EventClaimed].ID,
		refundedID: cabi.Events[EventRefunded].ID,
	}, nil
}

// Address returns the contract address.
func (c *Client) Address() common.Address {
	return c.address
}

// ChainID returns the chain the client transacts against.
func (c *Client) ChainID() *big.Int {
	return c.chainID
}

// CreateNative opens a native-coin escrow under hashlock. The amount rides
// as transaction value.
func (c *Client) CreateNative(
	ctx context.Context,
	key *ecdsa.PrivateKey,
	hashlock [32]byte,
	receiver common.Address,
	deadline *big.Int,
	amount *big.Int,
) (*types.Transaction, error) {
	auth, err := c.newTransactor(ctx, key)
	if err != nil {
		return nil, err
	}
	auth.Value = amount
	return c.contract.Transact(auth, "createEscrow", hashlock, receiver, deadline)
}

// CreateERC20 opens a token escrow under hashlock. The contract pulls the
// tokens, so the spender allowance must cover amount first (ApproveERC20).
func (c *Client) CreateERC20(
	ctx context.Context,
	key *ecdsa.PrivateKey,
	hashlock [32]byte,
	receiver common.Address,
	token common.Address,
	amount *big.Int,
	deadline *big.Int,
) (*types.Transaction, error) {
	auth, err := c.newTransactor(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.contract.Transact(auth, "createEscrowERC20", hashlock, receiver, token, amount, deadline)
}

// Claim collects an escrow by revealing the preimage. The preimage becomes
// public in the transaction logs.
func (c *Client) Claim(
	ctx context.Context,
	key *ecdsa.PrivateKey,
	hashlock [32]byte,
	preimage [32]byte,
) (*types.Transaction, error) {
	auth, err := c.newTransactor(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.contract.Transact(auth, "claim", hashlock, preimage)
}

// Refund returns an expired escrow to its sender.
func (c *Client) Refund(ctx context.Context, key *ecdsa.PrivateKey, hashlock [32]byte) (*types.Transaction, error) {
	auth, err := c.newTransactor(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.contract.Transact(auth, "refund", hashlock)
}

// Get reads the escrow stored under hashlock. An unused hashlock returns a
// record in StateEmpty.
func (c *Client) Get(ctx context.Context, hashlock [32]byte) (*Escrow, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getEscrow", hashlock)
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}
	rec := *abi.ConvertType(out[0], new(escrowTuple)).(*escrowTuple)
	return &Escrow{
		Sender:   rec.Sender,
		Receiver: rec.Receiver,
		Token:    rec.Token,
		Amount:   rec.Amount,
		Fee:      rec.Fee,
		Hashlock: rec.Hashlock,
		Deadline: rec.Deadline,
		State:    State(rec.State),
	}, nil
}

// CanClaim reports whether the escrow is active and before its deadline.
func (c *Client) CanClaim(ctx context.Context, hashlock [32]byte) (bool, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "canClaim", hashlock)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// CanRefund reports whether the escrow is active and past its deadline.
func (c *Client) CanRefund(ctx context.Context, hashlock [32]byte) (bool, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "canRefund", hashlock)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// IsPaused reports whether the contract currently rejects new escrows.
func (c *Client) IsPaused(ctx context.Context) (bool, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "paused")
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// Events fetches and decodes every escrow log in [from, to], oldest first.
// A non-empty hashlocks list narrows the query to those escrows. One
// eth_getLogs round trip covers all three event types.
func (c *Client) Events(ctx context.Context, from, to uint64, hashlocks [][32]byte) ([]*LogEvent, error) {
	topics := [][]common.Hash{{c.createdID, c.claimedID, c.refundedID}}
	if len(hashlocks) > 0 {
		locks := make([]interface{}, len(hashlocks))
		for i, h := range hashlocks {
			locks[i] = h
		}
		t, err := abi.MakeTopics(locks)
		if err != nil {
			return nil, fmt.Errorf("failed to build hashlock topics: %w", err)
		}
		topics = append(topics, t[0])
	}

	logs, err := c.ec.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics:    topics,
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter escrow logs: %w", err)
	}

	events := make([]*LogEvent, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		ev, err := c.Decode(log)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// Decode unpacks a raw contract log into a LogEvent.
func (c *Client) Decode(log types.Log) (*LogEvent, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownLog
	}

	out := &LogEvent{
		TxHash: log.TxHash,
		Block:  log.BlockNumber,
		Index:  log.Index,
	}

	switch log.Topics[0] {
	case c.createdID:
		var ev CreatedEvent
		if err := c.contract.UnpackLog(&ev, EventCreated, log); err != nil {
			return nil, fmt.Errorf("failed to unpack %s: %w", EventCreated, err)
		}
		out.Kind = KindCreated
		out.Hashlock = ev.Hashlock
		out.Sender = ev.Sender
		out.Receiver = ev.Receiver
		out.Token = ev.Token
		out.Amount = ev.Amount
		out.Deadline = ev.Deadline
	case c.claimedID:
		var ev ClaimedEvent
		if err := c.contract.UnpackLog(&ev, EventClaimed, log); err != nil {
			return nil, fmt.Errorf("failed to unpack %s: %w", EventClaimed, err)
		}
		out.Kind = KindClaimed
		out.Hashlock = ev.Hashlock
		out.Receiver = ev.Receiver
		out.Preimage = ev.Preimage
	case c.refundedID:
		var ev RefundedEvent
		if err := c.contract.UnpackLog(&ev, EventRefunded, log); err != nil {
			return nil, fmt.Errorf("failed to unpack %s: %w", EventRefunded, err)
		}
		out.Kind = KindRefunded
		out.Hashlock = ev.Hashlock
		out.Sender = ev.Sender
	default:
		return nil, ErrUnknownLog
	}

	return out, nil
}

// ApproveERC20 grants the escrow contract an allowance so createEscrowERC20
// can pull the tokens.
func (c *Client) ApproveERC20(
	ctx context.Context,
	key *ecdsa.PrivateKey,
	token common.Address,
	amount *big.Int,
) (*types.Transaction, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	// approve(address,uint256) selector + padded args.
	data := make([]byte, 68)
	copy(data[0:4], []byte{0x09, 0x5e, 0xa7, 0xb3})
	copy(data[4:36], common.LeftPadBytes(c.address.Bytes(), 32))
	copy(data[36:68], common.LeftPadBytes(amount.Bytes(), 32))

	nonce, err := c.ec.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, err
	}
	gasPrice, err := c.ec.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	tx := types.NewTransaction(nonce, token, big.NewInt(0), 60000, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), key)
	if err != nil {
		return nil, err
	}
	if err := c.ec.SendTransaction(ctx, signedTx); err != nil {
		return nil, err
	}
	return signedTx, nil
}

func (c *Client) newTransactor(ctx context.Context, key *ecdsa.PrivateKey) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	return auth, nil
}
