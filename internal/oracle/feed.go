package oracle

import (
	"context"
	"strings"
	"time"

	"github.com/crosshatch-labs/crosshatch/internal/notify"
	"github.com/crosshatch-labs/crosshatch/pkg/logging"
)

// PricePayload is the body of a price_update push message.
type PricePayload struct {
	Pair string `json:"pair"`
	Rate string `json:"rate"`
}

// Feed polls the oracle for a fixed set of pairs and publishes ticks to the
// prices channel. A pair the oracle cannot price this round is skipped; the
// tick for the other pairs still goes out.
type Feed struct {
	oracle   Oracle
	registry *notify.Registry
	pairs    []string
	interval time.Duration

	log    *logging.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFeed creates a price feed. Pairs are "BASE/QUOTE" strings; malformed
// entries are dropped with a warning at Start.
func NewFeed(o Oracle, registry *notify.Registry, pairs []string, interval time.Duration) *Feed {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Feed{
		oracle:   o,
		registry: registry,
		pairs:    pairs,
		interval: interval,
		log:      logging.GetDefault().Component("feed"),
	}
}

// Start launches the polling loop. An immediate first poll seeds subscribers
// before the first interval elapses.
func (f *Feed) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})

	valid := f.pairs[:0]
	for _, pair := range f.pairs {
		if base, quote, ok := splitPair(pair); !ok || base == "" || quote == "" {
			f.log.Warn("Dropping malformed price pair", "pair", pair)
		} else {
			valid = append(valid, pair)
		}
	}
	f.pairs = valid

	go func() {
		defer close(f.done)

		f.poll(ctx)

		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.poll(ctx)
			}
		}
	}()

	f.log.Info("Price feed started", "pairs", len(f.pairs), "interval", f.interval)
}

// Stop halts the loop and waits for it to exit.
func (f *Feed) Stop() {
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}
}

// poll fetches every pair once and publishes the ticks.
func (f *Feed) poll(ctx context.Context) {
	for _, pair := range f.pairs {
		base, quote, _ := splitPair(pair)

		rate, err := f.oracle.Rate(ctx, base, quote)
		if err != nil {
			f.log.Debug("Price fetch failed", "pair", pair, "error", err)
			continue
		}

		f.registry.PublishPrice(pair, notify.PriceUpdate(&PricePayload{
			Pair: pair,
			Rate: rate.Text('f', -1),
		}))
	}
}

// splitPair splits "ETH/BTC" into base and quote.
func splitPair(pair string) (base, quote string, ok bool) {
	base, quote, ok = strings.Cut(pair, "/")
	return base, quote, ok
}
