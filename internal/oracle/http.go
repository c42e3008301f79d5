package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPOracle fetches rates from a REST price API and caches them for the
// refresh interval. A fetch failure within the cache window serves the
// cached rate; past the window it surfaces ErrUnavailable.
type HTTPOracle struct {
	baseURL    string
	httpClient *http.Client
	refresh    time.Duration

	mu    sync.Mutex
	cache map[string]cachedRate
}

type cachedRate struct {
	rate      *big.Float
	fetchedAt time.Time
}

// staleFactor is how many refresh intervals a cached rate stays servable
// after fetches start failing.
const staleFactor = 5

// NewHTTPOracle creates an HTTP oracle against a price API base URL.
func NewHTTPOracle(baseURL string, refresh time.Duration) *HTTPOracle {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	return &HTTPOracle{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		refresh: refresh,
		cache:   make(map[string]cachedRate),
	}
}

// Rate returns the price of base in quote units, consulting the cache first.
func (o *HTTPOracle) Rate(ctx context.Context, base, quote string) (*big.Float, error) {
	if base == quote {
		return big.NewFloat(1), nil
	}

	key := base + "/" + quote
	now := time.Now()

	o.mu.Lock()
	if c, ok := o.cache[key]; ok && now.Sub(c.fetchedAt) < o.refresh {
		r := new(big.Float).Set(c.rate)
		o.mu.Unlock()
		return r, nil
	}
	o.mu.Unlock()

	rate, err := o.fetch(ctx, base, quote)
	if err != nil {
		// Serve a recent cached rate through transient API failures.
		o.mu.Lock()
		defer o.mu.Unlock()
		if c, ok := o.cache[key]; ok && now.Sub(c.fetchedAt) < staleFactor*o.refresh {
			return new(big.Float).Set(c.rate), nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	o.mu.Lock()
	o.cache[key] = cachedRate{rate: new(big.Float).Set(rate), fetchedAt: now}
	o.mu.Unlock()

	return rate, nil
}

// fetch performs the API request.
func (o *HTTPOracle) fetch(ctx context.Context, base, quote string) (*big.Float, error) {
	url := fmt.Sprintf("%s/v1/rate?base=%s&quote=%s", o.baseURL, base, quote)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("price API status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		Rate      json.Number `json:"rate"`
		Timestamp int64       `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode rate: %w", err)
	}

	rate, ok := new(big.Float).SetString(result.Rate.String())
	if !ok || rate.Sign() <= 0 {
		return nil, fmt.Errorf("price API returned invalid rate %q", result.Rate)
	}
	return rate, nil
}

var _ Oracle = (*HTTPOracle)(nil)
