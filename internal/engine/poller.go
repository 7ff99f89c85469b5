package engine

import (
	"context"
	"fmt"
	"time"

	"cross-arb-bot-go/internal/exchange"
	"go.uber.org/zap"
)

// Poller runs one independent polling loop for a single trading pair.
// Each tick it requests tickers from both exchange legs concurrently; a
// failure on either leg is logged and the cycle skipped. Only engine stop
// (context cancellation) terminates the loop.
type Poller struct {
	logger    *zap.Logger
	pair      TradingPair
	clientA   exchange.Client
	clientB   exchange.Client
	table     *tickerTable
	bus       *Bus
	interval  time.Duration
	timeout   time.Duration
	freshness time.Duration

	// onFresh is called after a cycle in which both legs were refreshed
	// within the freshness window. Detection strictly follows the
	// completion of that cycle's two-leg fetch.
	onFresh func(pair TradingPair, a, b *exchange.Ticker)
}

type legFetch struct {
	ticker *exchange.Ticker
	err    error
}

// Run executes the polling loop until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	l := p.logger.With(zap.String("symbol", p.pair.Symbol))
	l.Info("Starting market data poller",
		zap.String("exchange_a", p.pair.ExchangeA),
		zap.String("exchange_b", p.pair.ExchangeB),
		zap.Duration("interval", p.interval),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Info("Stopping market data poller")
			return
		case <-ticker.C:
			a, b, err := p.Poll(ctx)
			if err != nil {
				// Transient market-data errors are expected; skip the cycle.
				l.Warn("Poll cycle skipped", zap.Error(err))
				pollErrors.WithLabelValues(p.pair.Symbol).Inc()
				continue
			}

			now := time.Now()
			if !fresh(a, p.freshness, now) || !fresh(b, p.freshness, now) {
				// Never detect on partially-stale data.
				l.Debug("Skipping detection on stale tickers")
				continue
			}

			if p.onFresh != nil {
				p.onFresh(p.pair, a, b)
			}
		}
	}
}

// Poll fetches tickers for both legs concurrently, each bounded by the
// per-call timeout, and refreshes the shared ticker table.
func (p *Poller) Poll(ctx context.Context) (*exchange.Ticker, *exchange.Ticker, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	chA := make(chan legFetch, 1)
	chB := make(chan legFetch, 1)

	go func() {
		t, err := p.clientA.GetTicker(callCtx, p.pair.NativeSymbol(p.pair.ExchangeA))
		chA <- legFetch{ticker: t, err: err}
	}()
	go func() {
		t, err := p.clientB.GetTicker(callCtx, p.pair.NativeSymbol(p.pair.ExchangeB))
		chB <- legFetch{ticker: t, err: err}
	}()

	resA := <-chA
	resB := <-chB

	if resA.err != nil {
		return nil, nil, fmt.Errorf("leg %s: %w", p.pair.ExchangeA, resA.err)
	}
	if resB.err != nil {
		return nil, nil, fmt.Errorf("leg %s: %w", p.pair.ExchangeB, resB.err)
	}

	// Native symbols differ per exchange; key the shared table by the
	// pair's canonical symbol so the detector sees one name.
	resA.ticker.Symbol = p.pair.Symbol
	resB.ticker.Symbol = p.pair.Symbol

	p.table.update(resA.ticker)
	p.table.update(resB.ticker)

	if p.bus != nil {
		p.bus.Publish(EventPriceUpdated, resA.ticker)
		p.bus.Publish(EventPriceUpdated, resB.ticker)
	}

	return resA.ticker, resB.ticker, nil
}
