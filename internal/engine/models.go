package engine

import (
	"time"

	"cross-arb-bot-go/internal/config"
	"cross-arb-bot-go/internal/exchange"
)

// TradingPair is one arbitrage route between exactly two distinct exchanges.
// Identity fields are immutable; only Enabled may change after creation.
type TradingPair struct {
	Symbol        string            `json:"symbol"`
	BaseCurrency  string            `json:"base_currency"`
	QuoteCurrency string            `json:"quote_currency"`
	ExchangeA     string            `json:"exchange_a"`
	ExchangeB     string            `json:"exchange_b"`
	SymbolMapping map[string]string `json:"symbol_mapping,omitempty"`
	Enabled       bool              `json:"enabled"`
}

// NewTradingPair builds a pair from its config entry.
func NewTradingPair(cfg config.Pair) TradingPair {
	return TradingPair{
		Symbol:        cfg.Symbol,
		BaseCurrency:  cfg.BaseCurrency,
		QuoteCurrency: cfg.QuoteCurrency,
		ExchangeA:     cfg.ExchangeA,
		ExchangeB:     cfg.ExchangeB,
		SymbolMapping: cfg.SymbolMapping,
		Enabled:       cfg.Enabled,
	}
}

// NativeSymbol returns the exchange-local symbol for this pair.
func (p *TradingPair) NativeSymbol(exchangeName string) string {
	if s, ok := p.SymbolMapping[exchangeName]; ok {
		return s
	}
	return p.Symbol
}

// SpreadOpportunity is an immutable snapshot of one detection cycle.
// Never mutated after creation; a fresh one is produced every cycle.
type SpreadOpportunity struct {
	ID                 string    `json:"id"`
	Symbol             string    `json:"symbol"`
	BuyExchange        string    `json:"buy_exchange"`
	SellExchange       string    `json:"sell_exchange"`
	BuyPrice           float64   `json:"buy_price"`  // ask on the buy leg
	SellPrice          float64   `json:"sell_price"` // bid on the sell leg
	GrossSpreadPercent float64   `json:"gross_spread_percent"`
	NetSpreadPercent   float64   `json:"net_spread_percent"`
	ExpectedProfit     float64   `json:"expected_profit"` // quote currency
	Quantity           float64   `json:"quantity"`        // base currency
	ShouldTrade        bool      `json:"should_trade"`
	Reason             string    `json:"reason,omitempty"` // first failed entry rule
	DetectedAt         time.Time `json:"detected_at"`
}

// TradeStatus is the overall outcome of a two-leg attempt.
type TradeStatus string

const (
	// TradeCompleted means both legs reached a terminal filled state.
	TradeCompleted TradeStatus = "completed"
	// TradeFailed means the attempt aborted with no held inventory.
	TradeFailed TradeStatus = "failed"
	// TradePartialFailure means the buy leg filled but the sell leg did
	// not; inventory is stranded on the buy exchange.
	TradePartialFailure TradeStatus = "partial_failure"
)

// AttemptState is the last milestone an execution attempt reached before
// going terminal; the result metadata records it for post-mortems.
type AttemptState string

const (
	AttemptPending          AttemptState = "pending"
	AttemptBuyLegSubmitted  AttemptState = "buy_leg_submitted"
	AttemptBuyLegFilled     AttemptState = "buy_leg_filled"
	AttemptSellLegSubmitted AttemptState = "sell_leg_submitted"
	AttemptCompleted        AttemptState = "completed"
	AttemptPartialFailure   AttemptState = "partial_failure"
)

// TradeResult is the terminal record of one arbitrage attempt. It is only
// emitted once both legs are terminal (or a leg failure is recorded), and
// is immutable afterwards.
type TradeResult struct {
	TradeID      string            `json:"trade_id"`
	Symbol       string            `json:"symbol"`
	BuyExchange  string            `json:"buy_exchange"`
	SellExchange string            `json:"sell_exchange"`
	Status       TradeStatus       `json:"status"`
	BuyOrder     *exchange.Order   `json:"buy_order,omitempty"`
	SellOrder    *exchange.Order   `json:"sell_order,omitempty"`
	Opportunity  SpreadOpportunity `json:"opportunity"`
	BuyValue     float64           `json:"buy_value"`  // quote spent
	SellValue    float64           `json:"sell_value"` // quote received
	TotalFees    float64           `json:"total_fees"`
	NetPnL       float64           `json:"net_pnl"`
	PnLPercent   float64           `json:"pnl_percent"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  time.Time         `json:"completed_at"`
	Duration     time.Duration     `json:"duration"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Error        string            `json:"error,omitempty"`
	IsSimulation bool              `json:"is_simulation"`
}

// IsLoss reports whether the attempt lost money (failures with fees paid count).
func (t *TradeResult) IsLoss() bool {
	return t.NetPnL < 0
}

// AssetTotal is the cross-exchange view of one asset.
type AssetTotal struct {
	Asset      string             `json:"asset"`
	Total      float64            `json:"total"`
	Available  float64            `json:"available"`
	ByExchange map[string]float64 `json:"by_exchange"`

	// DistributionRatio is the share held on the heaviest exchange,
	// in [1/n, 1]. Near 1 means one exchange holds nearly everything.
	DistributionRatio float64 `json:"distribution_ratio"`
	HeaviestExchange  string  `json:"heaviest_exchange"`
}

// CombinedBalanceSnapshot merges per-exchange balances into one view.
// Snapshots supersede each other; older ones are never mutated.
type CombinedBalanceSnapshot struct {
	Timestamp   time.Time                          `json:"timestamp"`
	PerExchange map[string][]exchange.AssetBalance `json:"per_exchange"`
	Assets      map[string]AssetTotal              `json:"assets"`
	TotalValue  float64                            `json:"total_value"` // quote currency
}

// DailyStats aggregates today's trading outcomes.
type DailyStats struct {
	Date              time.Time `json:"date"`
	Trades            int       `json:"trades"`
	Wins              int       `json:"wins"`
	Losses            int       `json:"losses"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	GrossVolume       float64   `json:"gross_volume"` // quote currency
	TotalFees         float64   `json:"total_fees"`
	NetPnL            float64   `json:"net_pnl"`
}

// WinRate returns the share of winning trades, 0 when none were made.
func (s *DailyStats) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}

// TriggerReason names the emergency rule that fired.
type TriggerReason string

const (
	ReasonDrawdownExceeded  TriggerReason = "drawdown_exceeded"
	ReasonDailyLossExceeded TriggerReason = "daily_loss_exceeded"
	ReasonConsecutiveLosses TriggerReason = "consecutive_losses"
	ReasonRapidLossRate     TriggerReason = "rapid_loss_rate"
	ReasonCriticalImbalance TriggerReason = "critical_imbalance"
)

// GuardAction is what the guard recommends; only the engine acts on it.
type GuardAction string

const (
	ActionNone         GuardAction = "none"
	ActionPauseTrading GuardAction = "pause_trading"
	ActionStopTrading  GuardAction = "stop_trading"
)

// EmergencyCheck is one guard verdict. Broadcast, never persisted.
type EmergencyCheck struct {
	Reason  TriggerReason `json:"reason"`
	Message string        `json:"message"`
	Action  GuardAction   `json:"action"`
	Value   float64       `json:"value"`
	Limit   float64       `json:"limit"`
}
