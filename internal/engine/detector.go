package engine

import (
	"fmt"
	"sync"
	"time"

	"cross-arb-bot-go/internal/config"
	"cross-arb-bot-go/internal/exchange"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EquitySource exposes the pooled equity the position sizer caps against.
type EquitySource interface {
	TotalValue() float64
}

// Detector computes fee-adjusted spreads from the latest two-leg tickers
// and applies the strategy's entry rules. Market-data gaps produce a
// non-tradeable opportunity, never an error.
type Detector struct {
	logger   *zap.Logger
	strategy *config.Strategy
	trading  *config.Trading
	fees     map[string]float64 // taker fee percent per exchange
	equity   EquitySource

	mu            sync.Mutex
	lastNetSpread map[string]float64
	midHistory    map[string][]midPoint
}

type midPoint struct {
	at  time.Time
	mid float64
}

// NewDetector creates a detector over the given strategy and fee table.
func NewDetector(logger *zap.Logger, strategy *config.Strategy, trading *config.Trading, fees map[string]float64, equity EquitySource) *Detector {
	return &Detector{
		logger:        logger,
		strategy:      strategy,
		trading:       trading,
		fees:          fees,
		equity:        equity,
		lastNetSpread: make(map[string]float64),
		midHistory:    make(map[string][]midPoint),
	}
}

// Evaluate computes the opportunity for a pair from its two leg tickers.
func (d *Detector) Evaluate(pair TradingPair, a, b *exchange.Ticker) SpreadOpportunity {
	return d.EvaluateWithBooks(pair, a, b, nil)
}

// EvaluateWithBooks additionally applies the order-book depth rule when
// the strategy enables it. Books belong to the chosen buy and sell legs.
func (d *Detector) EvaluateWithBooks(pair TradingPair, a, b *exchange.Ticker, books map[string]*exchange.OrderBook) SpreadOpportunity {
	opp := SpreadOpportunity{
		ID:         uuid.NewString(),
		Symbol:     pair.Symbol,
		DetectedAt: time.Now(),
	}

	if a == nil || b == nil || a.Ask <= 0 || a.Bid <= 0 || b.Ask <= 0 || b.Bid <= 0 {
		opp.Reason = "market data unavailable"
		return opp
	}

	window := time.Duration(d.trading.FreshnessWindow) * time.Second
	now := time.Now()
	if !fresh(a, window, now) || !fresh(b, window, now) {
		opp.Reason = "market data stale"
		return opp
	}

	// Evaluate both directions and take the wider gross spread.
	grossAB := grossSpreadPercent(a.Ask, b.Bid) // buy on A, sell on B
	grossBA := grossSpreadPercent(b.Ask, a.Bid) // buy on B, sell on A

	var buyLeg, sellLeg *exchange.Ticker
	var gross float64
	switch {
	case grossAB > grossBA:
		buyLeg, sellLeg, gross = a, b, grossAB
	case grossBA > grossAB:
		buyLeg, sellLeg, gross = b, a, grossBA
	case d.strategy.Advanced.PreferLowerFeeExchange && d.fees[b.Exchange] < d.fees[a.Exchange]:
		// Tie-break: pay the smaller taker fee on the buy leg.
		buyLeg, sellLeg, gross = b, a, grossBA
	default:
		buyLeg, sellLeg, gross = a, b, grossAB
	}

	opp.BuyExchange = buyLeg.Exchange
	opp.SellExchange = sellLeg.Exchange
	opp.BuyPrice = buyLeg.Ask
	opp.SellPrice = sellLeg.Bid
	opp.GrossSpreadPercent = gross
	opp.NetSpreadPercent = gross -
		d.fees[buyLeg.Exchange] -
		d.fees[sellLeg.Exchange] -
		d.strategy.Advanced.SlippagePercent

	opp.Quantity = d.suggestedQuantity(opp.BuyPrice)
	opp.ExpectedProfit = opp.Quantity * opp.BuyPrice * opp.NetSpreadPercent / 100

	prevNet, hadPrev := d.recordObservation(pair.Symbol, buyLeg, sellLeg, opp.NetSpreadPercent)

	ec := &entryContext{
		opp:        &opp,
		entry:      &d.strategy.Entry,
		buyTicker:  buyLeg,
		sellTicker: sellLeg,
		prevNet:    prevNet,
		hadPrev:    hadPrev,
		volatility: d.recentVolatility(pair.Symbol),
		books:      books,
	}

	opp.ShouldTrade = true
	for _, rule := range entryRules {
		if !rule.enabled(&d.strategy.Entry) {
			continue
		}
		if ok, reason := rule.check(ec); !ok {
			opp.ShouldTrade = false
			opp.Reason = reason
			break
		}
	}

	netSpreadObserved.WithLabelValues(pair.Symbol).Observe(opp.NetSpreadPercent)
	return opp
}

// grossSpreadPercent is (sell − buy) / buy, in percent.
func grossSpreadPercent(buyPrice, sellPrice float64) float64 {
	return (sellPrice - buyPrice) / buyPrice * 100
}

// suggestedQuantity derives the trade size in base currency from the
// configured amount, capped by the strategy's position limits against the
// current pooled equity.
func (d *Detector) suggestedQuantity(buyPrice float64) float64 {
	if buyPrice <= 0 {
		return 0
	}

	amount := d.trading.TradeAmount
	if max := d.strategy.Risk.MaxPositionSize; max > 0 && amount > max {
		amount = max
	}
	if pct := d.strategy.Risk.MaxBalancePercentPerTrade; pct > 0 && d.equity != nil {
		if total := d.equity.TotalValue(); total > 0 {
			if limit := total * pct / 100; amount > limit {
				amount = limit
			}
		}
	}
	return amount / buyPrice
}

// recordObservation stores this cycle's net spread and mid price and
// returns the previous net spread for the momentum rule.
func (d *Detector) recordObservation(symbol string, buyLeg, sellLeg *exchange.Ticker, net float64) (float64, bool) {
	windowSec := d.strategy.Entry.ConfirmationSeconds
	if windowSec <= 0 {
		windowSec = 60
	}
	window := time.Duration(windowSec) * time.Second

	d.mu.Lock()
	defer d.mu.Unlock()

	prev, hadPrev := d.lastNetSpread[symbol]
	d.lastNetSpread[symbol] = net

	mid := (buyLeg.Bid + buyLeg.Ask + sellLeg.Bid + sellLeg.Ask) / 4
	now := time.Now()
	hist := append(d.midHistory[symbol], midPoint{at: now, mid: mid})

	// Prune samples older than the window.
	cutoff := now.Add(-window)
	start := 0
	for start < len(hist) && hist[start].at.Before(cutoff) {
		start++
	}
	d.midHistory[symbol] = hist[start:]

	return prev, hadPrev
}

// recentVolatility is the mid-price range over the confirmation window,
// in percent of the window low. Returns -1 with too few samples.
func (d *Detector) recentVolatility(symbol string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	hist := d.midHistory[symbol]
	if len(hist) < 3 {
		return -1
	}
	low, high := hist[0].mid, hist[0].mid
	for _, p := range hist[1:] {
		if p.mid < low {
			low = p.mid
		}
		if p.mid > high {
			high = p.mid
		}
	}
	if low <= 0 {
		return -1
	}
	return (high - low) / low * 100
}

// entryContext carries everything an entry rule may inspect.
type entryContext struct {
	opp        *SpreadOpportunity
	entry      *config.Entry
	buyTicker  *exchange.Ticker
	sellTicker *exchange.Ticker
	prevNet    float64
	hadPrev    bool
	volatility float64 // -1 when not enough samples
	books      map[string]*exchange.OrderBook
}

// entryRule is one composable entry predicate. Rules are data, not a
// switch: adding a rule means appending to the table.
type entryRule struct {
	name    string
	enabled func(e *config.Entry) bool
	check   func(ec *entryContext) (bool, string)
}

var always = func(*config.Entry) bool { return true }

var entryRules = []entryRule{
	{
		name:    "positive_quantity",
		enabled: always,
		check: func(ec *entryContext) (bool, string) {
			if ec.opp.Quantity <= 0 {
				return false, "no capital available for sizing"
			}
			return true, ""
		},
	},
	{
		// Boundary inclusive: net spread exactly at the minimum is tradeable.
		name:    "min_spread",
		enabled: always,
		check: func(ec *entryContext) (bool, string) {
			if ec.opp.NetSpreadPercent < ec.entry.MinSpreadPercent {
				return false, fmt.Sprintf("net spread %.4f%% below minimum %.4f%%",
					ec.opp.NetSpreadPercent, ec.entry.MinSpreadPercent)
			}
			return true, ""
		},
	},
	{
		// Implausibly wide spreads usually mean a stale or erroneous quote.
		name:    "max_spread",
		enabled: func(e *config.Entry) bool { return e.MaxSpreadPercent > 0 },
		check: func(ec *entryContext) (bool, string) {
			if ec.opp.NetSpreadPercent > ec.entry.MaxSpreadPercent {
				return false, fmt.Sprintf("net spread %.4f%% above maximum %.4f%%, quote suspect",
					ec.opp.NetSpreadPercent, ec.entry.MaxSpreadPercent)
			}
			return true, ""
		},
	},
	{
		name:    "volume_24h",
		enabled: func(e *config.Entry) bool { return e.MinVolume24h > 0 },
		check: func(ec *entryContext) (bool, string) {
			if ec.buyTicker.Volume24h < ec.entry.MinVolume24h || ec.sellTicker.Volume24h < ec.entry.MinVolume24h {
				return false, "24h volume below minimum on at least one leg"
			}
			return true, ""
		},
	},
	{
		// The spread must not be collapsing between observations.
		name:    "momentum",
		enabled: func(e *config.Entry) bool { return e.MomentumCheck },
		check: func(ec *entryContext) (bool, string) {
			if ec.hadPrev && ec.opp.NetSpreadPercent < ec.prevNet {
				return false, "spread narrowing since previous observation"
			}
			return true, ""
		},
	},
	{
		name:    "volatility",
		enabled: func(e *config.Entry) bool { return e.VolatilityCheck && e.MaxVolatilityPercent > 0 },
		check: func(ec *entryContext) (bool, string) {
			if ec.volatility < 0 {
				return true, "" // not enough samples yet
			}
			if ec.volatility > ec.entry.MaxVolatilityPercent {
				return false, fmt.Sprintf("volatility %.4f%% above maximum %.4f%%",
					ec.volatility, ec.entry.MaxVolatilityPercent)
			}
			return true, ""
		},
	},
	{
		name:    "order_book_depth",
		enabled: func(e *config.Entry) bool { return e.OrderBookDepthCheck },
		check: func(ec *entryContext) (bool, string) {
			buyBook := ec.books[ec.opp.BuyExchange]
			sellBook := ec.books[ec.opp.SellExchange]
			if buyBook == nil || sellBook == nil {
				return false, "order book unavailable"
			}
			need := ec.entry.MinOrderBookDepth
			if need < ec.opp.Quantity {
				need = ec.opp.Quantity
			}
			if buyBook.AskDepth() < need || sellBook.BidDepth() < need {
				return false, "insufficient order book depth"
			}
			return true, ""
		},
	},
}
