package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// EsploraBackend talks to a blockstream.info-compatible REST API.
// mempool.space and litecoinspace.org expose the same surface plus a
// nicer fee endpoint; see MempoolBackend.
type EsploraBackend struct {
	baseURL    string
	httpClient *http.Client

	mu        sync.RWMutex
	connected bool
}

var _ Backend = (*EsploraBackend)(nil)

// NewEsploraBackend creates a backend for the given API base URL,
// e.g. "https://blockstream.info/api".
func NewEsploraBackend(baseURL string) *EsploraBackend {
	return &EsploraBackend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (e *EsploraBackend) Type() Type {
	return TypeEsplora
}

// Connect probes the tip height endpoint to verify reachability.
func (e *EsploraBackend) Connect(ctx context.Context) error {
	if _, err := e.GetBlockHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return nil
}

func (e *EsploraBackend) Close() error {
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
	return nil
}

func (e *EsploraBackend) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// esploraAddress mirrors the /address/{addr} response.
type esploraAddress struct {
	Address    string `json:"address"`
	ChainStats struct {
		FundedSum uint64 `json:"funded_txo_sum"`
		SpentSum  uint64 `json:"spent_txo_sum"`
		TxCount   int64  `json:"tx_count"`
	} `json:"chain_stats"`
	MempoolStats struct {
		FundedSum uint64 `json:"funded_txo_sum"`
		SpentSum  uint64 `json:"spent_txo_sum"`
		TxCount   int64  `json:"tx_count"`
	} `json:"mempool_stats"`
}

func (e *EsploraBackend) GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error) {
	var resp esploraAddress
	if err := e.get(ctx, "/address/"+address, &resp); err != nil {
		return nil, err
	}
	return &AddressInfo{
		Address:        resp.Address,
		TxCount:        resp.ChainStats.TxCount + resp.MempoolStats.TxCount,
		Balance:        resp.ChainStats.FundedSum - resp.ChainStats.SpentSum,
		MempoolBalance: int64(resp.MempoolStats.FundedSum) - int64(resp.MempoolStats.SpentSum),
	}, nil
}

// esploraUTXO mirrors the /address/{addr}/utxo response entries.
type esploraUTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  uint64 `json:"value"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

func (e *EsploraBackend) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var resp []esploraUTXO
	if err := e.get(ctx, "/address/"+address+"/utxo", &resp); err != nil {
		return nil, err
	}

	tip, err := e.GetBlockHeight(ctx)
	if err != nil {
		tip = 0 // degrade to zero confirmations
	}

	utxos := make([]UTXO, 0, len(resp))
	for _, u := range resp {
		var confs int64
		if u.Status.Confirmed && tip > 0 {
			confs = tip - u.Status.BlockHeight + 1
		}
		utxos = append(utxos, UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        u.Value,
			Confirmations: confs,
			BlockHeight:   u.Status.BlockHeight,
		})
	}
	return utxos, nil
}

func (e *EsploraBackend) GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error) {
	path := "/address/" + address + "/txs"
	if lastSeenTxID != "" {
		path += "/chain/" + lastSeenTxID
	}

	var resp []esploraTx
	if err := e.get(ctx, path, &resp); err != nil {
		return nil, err
	}

	tip, err := e.GetBlockHeight(ctx)
	if err != nil {
		tip = 0
	}

	txs := make([]Transaction, 0, len(resp))
	for _, t := range resp {
		txs = append(txs, t.convert(tip))
	}
	return txs, nil
}

func (e *EsploraBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var resp esploraTx
	if err := e.get(ctx, "/tx/"+txID, &resp); err != nil {
		if strings.Contains(err.Error(), "404") {
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	tip, err := e.GetBlockHeight(ctx)
	if err != nil {
		tip = 0
	}
	tx := resp.convert(tip)
	return &tx, nil
}

func (e *EsploraBackend) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	body, err := e.getBody(ctx, "/tx/"+txID+"/hex")
	if err != nil {
		if strings.Contains(err.Error(), "404") {
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("decode raw tx: %w", err)
	}
	return raw, nil
}

func (e *EsploraBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	url := e.baseURL + "/tx"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(rawTxHex))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrBroadcastFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrBroadcastFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

func (e *EsploraBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	body, err := e.getBody(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse tip height: %w", err)
	}
	return height, nil
}

// GetBlockHash resolves a height to its block hash. The monitor uses
// this to detect reorgs by re-reading heights it has already seen.
func (e *EsploraBackend) GetBlockHash(ctx context.Context, height int64) (string, error) {
	body, err := e.getBody(ctx, "/block-height/"+strconv.FormatInt(height, 10))
	if err != nil {
		if strings.Contains(err.Error(), "404") {
			return "", ErrBlockNotFound
		}
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (e *EsploraBackend) GetBlockHeader(ctx context.Context, hash string) (*BlockHeader, error) {
	var resp struct {
		ID           string `json:"id"`
		Height       int64  `json:"height"`
		Timestamp    int64  `json:"timestamp"`
		TxCount      int64  `json:"tx_count"`
		PreviousHash string `json:"previousblockhash"`
	}
	if err := e.get(ctx, "/block/"+hash, &resp); err != nil {
		if strings.Contains(err.Error(), "404") {
			return nil, ErrBlockNotFound
		}
		return nil, err
	}
	return &BlockHeader{
		Hash:         resp.ID,
		Height:       resp.Height,
		PreviousHash: resp.PreviousHash,
		Timestamp:    resp.Timestamp,
		TxCount:      resp.TxCount,
	}, nil
}

// GetFeeEstimates reads /fee-estimates, a map of confirmation target to
// sat/vB. Targets 1, 3, 6 and 144 map onto the named tiers.
func (e *EsploraBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var resp map[string]float64
	if err := e.get(ctx, "/fee-estimates", &resp); err != nil {
		return nil, err
	}

	rate := func(target string) uint64 {
		if v, ok := resp[target]; ok && v > 0 {
			return uint64(math.Ceil(v))
		}
		return 1
	}
	return &FeeEstimate{
		FastestFee:  rate("1"),
		HalfHourFee: rate("3"),
		HourFee:     rate("6"),
		EconomyFee:  rate("144"),
		MinimumFee:  1,
	}, nil
}

// get fetches a path and decodes the JSON response into out.
func (e *EsploraBackend) get(ctx context.Context, path string, out interface{}) error {
	body, err := e.getBody(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// getBody fetches a path and returns the raw response body. Esplora
// serves plain text for scalar endpoints, so decoding is the caller's
// business.
func (e *EsploraBackend) getBody(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: 404 for %s", ErrAddressNotFound, path)
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, path)
	}

	return io.ReadAll(resp.Body)
}

// esploraTx mirrors the /tx/{txid} and /address/{addr}/txs responses.
type esploraTx struct {
	TxID     string `json:"txid"`
	Version  int32  `json:"version"`
	LockTime uint32 `json:"locktime"`
	Size     int64  `json:"size"`
	Weight   int64  `json:"weight"`
	Fee      uint64 `json:"fee"`
	Status   struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight int64  `json:"block_height"`
		BlockHash   string `json:"block_hash"`
		BlockTime   int64  `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		TxID      string    `json:"txid"`
		Vout      uint32    `json:"vout"`
		ScriptSig string    `json:"scriptsig"`
		Witness   []string  `json:"witness"`
		Sequence  uint32    `json:"sequence"`
		PrevOut   *TxOutput `json:"prevout"`
	} `json:"vin"`
	Vout []TxOutput `json:"vout"`
}

func (t esploraTx) convert(tip int64) Transaction {
	tx := Transaction{
		TxID:        t.TxID,
		Version:     t.Version,
		Size:        t.Size,
		VSize:       (t.Weight + 3) / 4,
		Weight:      t.Weight,
		LockTime:    t.LockTime,
		Fee:         t.Fee,
		Confirmed:   t.Status.Confirmed,
		BlockHash:   t.Status.BlockHash,
		BlockHeight: t.Status.BlockHeight,
		BlockTime:   t.Status.BlockTime,
		Outputs:     t.Vout,
	}
	if t.Status.Confirmed && tip > 0 {
		tx.Confirmations = tip - t.Status.BlockHeight + 1
	}
	for _, in := range t.Vin {
		tx.Inputs = append(tx.Inputs, TxInput{
			TxID:      in.TxID,
			Vout:      in.Vout,
			ScriptSig: in.ScriptSig,
			Witness:   in.Witness,
			Sequence:  in.Sequence,
			PrevOut:   in.PrevOut,
		})
	}
	return tx
}
