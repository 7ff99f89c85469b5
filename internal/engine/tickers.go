package engine

import (
	"sync"
	"time"

	"cross-arb-bot-go/internal/exchange"
)

type tickerKey struct {
	exchange string
	symbol   string
}

// tickerTable is the in-memory "latest ticker" view shared by the pollers
// (writers) and the detector (reader). Entries are replaced wholesale on
// every poll.
type tickerTable struct {
	mu      sync.RWMutex
	tickers map[tickerKey]*exchange.Ticker
}

func newTickerTable() *tickerTable {
	return &tickerTable{tickers: make(map[tickerKey]*exchange.Ticker)}
}

func (t *tickerTable) update(ticker *exchange.Ticker) {
	t.mu.Lock()
	t.tickers[tickerKey{exchange: ticker.Exchange, symbol: ticker.Symbol}] = ticker
	t.mu.Unlock()
}

func (t *tickerTable) get(exchangeName, symbol string) (*exchange.Ticker, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ticker, ok := t.tickers[tickerKey{exchange: exchangeName, symbol: symbol}]
	return ticker, ok
}

// LastPrice returns the most recent last-trade price seen for a symbol on
// any exchange. Implements the balance pool's PriceSource: assets are
// valued from live market data, not a separate price feed.
func (t *tickerTable) LastPrice(symbol string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *exchange.Ticker
	for k, ticker := range t.tickers {
		if k.symbol != symbol {
			continue
		}
		if best == nil || ticker.Timestamp.After(best.Timestamp) {
			best = ticker
		}
	}
	if best == nil || best.Last <= 0 {
		return 0, false
	}
	return best.Last, true
}

// fresh reports whether the ticker was refreshed within the window.
func fresh(t *exchange.Ticker, window time.Duration, now time.Time) bool {
	return t != nil && now.Sub(t.Timestamp) <= window
}
