package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cross-arb-bot-go/internal/exchange"
	"go.uber.org/zap"
)

// PriceSource values non-quote assets from live market data.
type PriceSource interface {
	LastPrice(symbol string) (float64, bool)
}

type tradeOutcome struct {
	at  time.Time
	pnl float64
}

// BalancePool reconciles balances across the participating exchanges into
// a combined snapshot and tracks running equity, its high-water mark and
// drawdown. All state lives behind one mutex: the periodic refresh and
// trade-completion updates are serialized through the same writer, so the
// two can never race an update away from each other.
type BalancePool struct {
	logger  *zap.Logger
	clients map[string]exchange.Client
	quote   string
	prices  PriceSource
	bus     *Bus

	// onUpdate runs after every refresh, outside the lock.
	onUpdate func(*CombinedBalanceSnapshot)

	mu          sync.Mutex
	snapshot    *CombinedBalanceSnapshot
	equity      float64
	peakEquity  float64
	realizedPnL float64
	outcomes    []tradeOutcome
	stats       DailyStats
}

// NewBalancePool creates a pool over the given clients.
func NewBalancePool(logger *zap.Logger, clients map[string]exchange.Client, quote string, prices PriceSource, bus *Bus) *BalancePool {
	return &BalancePool{
		logger:  logger,
		clients: clients,
		quote:   quote,
		prices:  prices,
		bus:     bus,
		stats:   DailyStats{Date: todayUTC()},
	}
}

// Initialize performs the first refresh and seeds the equity high-water mark.
func (bp *BalancePool) Initialize(ctx context.Context) error {
	if _, err := bp.Refresh(ctx); err != nil {
		return fmt.Errorf("initial balance refresh failed: %w", err)
	}
	return nil
}

// Run refreshes the pool on the given interval until the context ends.
func (bp *BalancePool) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := bp.Refresh(ctx); err != nil {
				bp.logger.Warn("Balance refresh failed", zap.Error(err))
			}
		}
	}
}

type balanceFetch struct {
	exchange string
	balances []exchange.AssetBalance
	err      error
}

// Refresh fetches balances from every exchange concurrently, merges them
// into a fresh snapshot and re-bases equity on the observed total value.
func (bp *BalancePool) Refresh(ctx context.Context) (*CombinedBalanceSnapshot, error) {
	results := make(chan balanceFetch, len(bp.clients))
	var wg sync.WaitGroup
	for name, client := range bp.clients {
		wg.Add(1)
		go func(name string, client exchange.Client) {
			defer wg.Done()
			balances, err := client.GetBalances(ctx)
			results <- balanceFetch{exchange: name, balances: balances, err: err}
		}(name, client)
	}
	wg.Wait()
	close(results)

	snapshot := &CombinedBalanceSnapshot{
		Timestamp:   time.Now(),
		PerExchange: make(map[string][]exchange.AssetBalance),
		Assets:      make(map[string]AssetTotal),
	}

	for res := range results {
		if res.err != nil {
			return nil, fmt.Errorf("balances from %s: %w", res.exchange, res.err)
		}
		snapshot.PerExchange[res.exchange] = res.balances
		for _, b := range res.balances {
			total := snapshot.Assets[b.Asset]
			if total.ByExchange == nil {
				total = AssetTotal{Asset: b.Asset, ByExchange: make(map[string]float64)}
			}
			total.Total += b.Total
			total.Available += b.Available
			total.ByExchange[res.exchange] += b.Total
			snapshot.Assets[b.Asset] = total
		}
	}

	for asset, total := range snapshot.Assets {
		for exch, qty := range total.ByExchange {
			if qty > total.ByExchange[total.HeaviestExchange] || total.HeaviestExchange == "" {
				total.HeaviestExchange = exch
			}
		}
		if total.Total > 0 {
			total.DistributionRatio = total.ByExchange[total.HeaviestExchange] / total.Total
		}
		snapshot.Assets[asset] = total
		snapshot.TotalValue += bp.valueOf(asset, total.Total)
	}

	bp.mu.Lock()
	bp.snapshot = snapshot
	bp.equity = snapshot.TotalValue
	if bp.equity > bp.peakEquity {
		bp.peakEquity = bp.equity
	}
	bp.rollDayLocked()
	equityGauge.Set(bp.equity)
	drawdownGauge.Set(bp.drawdownLocked())
	bp.mu.Unlock()

	if bp.bus != nil {
		bp.bus.Publish(EventBalanceUpdated, snapshot)
	}
	if bp.onUpdate != nil {
		bp.onUpdate(snapshot)
	}
	return snapshot, nil
}

// valueOf converts an asset amount to quote currency using live prices.
// Assets with no known price contribute zero rather than a guess.
func (bp *BalancePool) valueOf(asset string, amount float64) float64 {
	if asset == bp.quote {
		return amount
	}
	if bp.prices == nil {
		return 0
	}
	if price, ok := bp.prices.LastPrice(asset + bp.quote); ok {
		return amount * price
	}
	return 0
}

// RecordTrade applies a completed trade's realized PnL immediately, in
// trade-completion order, so emergency checks react without waiting for
// the next balance poll.
func (bp *BalancePool) RecordTrade(result *TradeResult) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	bp.rollDayLocked()

	bp.realizedPnL += result.NetPnL
	bp.equity += result.NetPnL
	if bp.equity > bp.peakEquity {
		bp.peakEquity = bp.equity
	}

	bp.stats.Trades++
	bp.stats.GrossVolume += result.BuyValue
	bp.stats.TotalFees += result.TotalFees
	bp.stats.NetPnL += result.NetPnL
	if result.IsLoss() {
		bp.stats.Losses++
		bp.stats.ConsecutiveLosses++
	} else {
		bp.stats.Wins++
		bp.stats.ConsecutiveLosses = 0
	}

	bp.outcomes = append(bp.outcomes, tradeOutcome{at: time.Now(), pnl: result.NetPnL})
	bp.pruneOutcomesLocked(time.Hour)

	equityGauge.Set(bp.equity)
	drawdownGauge.Set(bp.drawdownLocked())
	tradePnL.Observe(result.NetPnL)
}

// CurrentDrawdown is the percent decline from the equity high-water mark,
// clamped to [0, 100].
func (bp *BalancePool) CurrentDrawdown() float64 {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.drawdownLocked()
}

func (bp *BalancePool) drawdownLocked() float64 {
	if bp.peakEquity <= 0 {
		return 0
	}
	dd := (bp.peakEquity - bp.equity) / bp.peakEquity * 100
	if dd < 0 {
		return 0
	}
	if dd > 100 {
		return 100
	}
	return dd
}

// TotalValue implements EquitySource for position sizing.
func (bp *BalancePool) TotalValue() float64 {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.equity
}

// Snapshot returns the latest combined snapshot, nil before the first refresh.
func (bp *BalancePool) Snapshot() *CombinedBalanceSnapshot {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.snapshot
}

// TodayStats returns a copy of today's aggregates.
func (bp *BalancePool) TodayStats() DailyStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.rollDayLocked()
	return bp.stats
}

// ResetDailyStats zeroes today's aggregates.
func (bp *BalancePool) ResetDailyStats() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.stats = DailyStats{Date: todayUTC()}
}

// DailyLoss is today's cumulative loss as a positive quote amount,
// zero when the day is profitable.
func (bp *BalancePool) DailyLoss() float64 {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.rollDayLocked()
	if bp.stats.NetPnL < 0 {
		return -bp.stats.NetPnL
	}
	return 0
}

// RecentLossPercent is the loss over the rolling window as a percent of
// current equity, for the rapid-loss-rate guard rule.
func (bp *BalancePool) RecentLossPercent(window time.Duration) float64 {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if bp.equity <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-window)
	var loss float64
	for _, o := range bp.outcomes {
		if o.at.Before(cutoff) || o.pnl >= 0 {
			continue
		}
		loss += -o.pnl
	}
	return loss / bp.equity * 100
}

// MaxImbalance returns the worst asset distribution between exchanges.
// Dust positions (under 0.5% of equity) are ignored so residual balances
// cannot trip the imbalance guard.
func (bp *BalancePool) MaxImbalance() (ratio float64, asset, heaviest string) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if bp.snapshot == nil {
		return 0, "", ""
	}
	dustLimit := bp.equity * 0.005
	for name, total := range bp.snapshot.Assets {
		if bp.valueOf(name, total.Total) < dustLimit {
			continue
		}
		if total.DistributionRatio > ratio {
			ratio = total.DistributionRatio
			asset = name
			heaviest = total.HeaviestExchange
		}
	}
	return ratio, asset, heaviest
}

// setOnUpdate wires the post-refresh callback; engine use only.
func (bp *BalancePool) setOnUpdate(fn func(*CombinedBalanceSnapshot)) {
	bp.onUpdate = fn
}

func (bp *BalancePool) rollDayLocked() {
	if today := todayUTC(); !bp.stats.Date.Equal(today) {
		bp.stats = DailyStats{Date: today}
	}
}

func (bp *BalancePool) pruneOutcomesLocked(keep time.Duration) {
	cutoff := time.Now().Add(-keep)
	start := 0
	for start < len(bp.outcomes) && bp.outcomes[start].at.Before(cutoff) {
		start++
	}
	bp.outcomes = bp.outcomes[start:]
}

func todayUTC() time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour)
}
