package backend

import (
	"context"
)

// MempoolBackend is an EsploraBackend variant for mempool.space and
// litecoinspace.org, which add a recommended-fees endpoint on top of the
// esplora surface.
type MempoolBackend struct {
	*EsploraBackend
}

var _ Backend = (*MempoolBackend)(nil)

// NewMempoolBackend creates a backend for a mempool.space-style API,
// e.g. "https://mempool.space/api".
func NewMempoolBackend(baseURL string) *MempoolBackend {
	return &MempoolBackend{
		EsploraBackend: NewEsploraBackend(baseURL),
	}
}

func (m *MempoolBackend) Type() Type {
	return TypeMempool
}

// GetFeeEstimates reads /v1/fees/recommended, which serves pre-bucketed
// sat/vB tiers instead of the raw target map.
func (m *MempoolBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var resp struct {
		FastestFee  uint64 `json:"fastestFee"`
		HalfHourFee uint64 `json:"halfHourFee"`
		HourFee     uint64 `json:"hourFee"`
		EconomyFee  uint64 `json:"economyFee"`
		MinimumFee  uint64 `json:"minimumFee"`
	}
	if err := m.get(ctx, "/v1/fees/recommended", &resp); err != nil {
		return nil, err
	}
	return &FeeEstimate{
		FastestFee:  resp.FastestFee,
		HalfHourFee: resp.HalfHourFee,
		HourFee:     resp.HourFee,
		EconomyFee:  resp.EconomyFee,
		MinimumFee:  resp.MinimumFee,
	}, nil
}
