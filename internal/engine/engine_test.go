package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"cross-arb-bot-go/internal/config"
	"cross-arb-bot-go/internal/exchange"
)

func testConfig() *config.Config {
	return &config.Config{
		Exchanges: map[string]config.Exchange{
			"alpha": {TakerFeeRate: 0.1},
			"beta":  {TakerFeeRate: 0.1},
		},
		Trading: *testTrading(),
		Strategy: config.Strategy{
			Entry:    config.Entry{MinSpreadPercent: 0.08, MaxSpreadPercent: 5.0},
			Risk:     config.Risk{MaxBalancePercentPerTrade: 25.0},
			Advanced: config.Advanced{SlippagePercent: 0.05, OrderTimeoutSeconds: 1},
		},
	}
}

// setupEngine builds an engine over mock clients with no enabled pairs,
// so no pollers run and lifecycle behavior can be tested in isolation.
func setupEngine(t *testing.T) (*Engine, *mockClient, *mockClient) {
	alpha := newMockClient("alpha", 0.1)
	beta := newMockClient("beta", 0.1)
	for _, m := range []*mockClient{alpha, beta} {
		m.On("TestConnection").Return(nil)
		m.On("GetBalances").Return([]exchange.AssetBalance{
			{Asset: "USDT", Available: 500, Total: 500},
		}, nil)
	}
	factory := &mockFactory{clients: map[string]exchange.Client{"alpha": alpha, "beta": beta}}
	e := New(zap.NewNop(), testConfig(), factory, NewBus(64), nil)
	t.Cleanup(func() { e.Stop() })
	return e, alpha, beta
}

func TestEngine_Lifecycle(t *testing.T) {
	// Arrange
	e, _, _ := setupEngine(t)
	assert.Equal(t, StatusIdle, e.Status())

	// Act + Assert: the full legal path.
	assert.NoError(t, e.Start(context.Background()))
	assert.Equal(t, StatusRunning, e.Status())

	// A second Start is a no-op, not an error and not a restart.
	assert.NoError(t, e.Start(context.Background()))
	assert.Equal(t, StatusRunning, e.Status())

	assert.NoError(t, e.Pause())
	assert.Equal(t, StatusPaused, e.Status())

	assert.NoError(t, e.Resume())
	assert.Equal(t, StatusRunning, e.Status())

	assert.NoError(t, e.Stop())
	assert.Equal(t, StatusStopped, e.Status())

	// Stopped engines can start a fresh run.
	assert.NoError(t, e.Start(context.Background()))
	assert.Equal(t, StatusRunning, e.Status())
}

func TestEngine_ResumeWhenNotPausedIsNoop(t *testing.T) {
	e, _, _ := setupEngine(t)

	assert.NoError(t, e.Resume())
	assert.Equal(t, StatusIdle, e.Status())
}

func TestEngine_StopWhenIdleIsNoop(t *testing.T) {
	e, _, _ := setupEngine(t)

	assert.NoError(t, e.Stop())
	assert.Equal(t, StatusIdle, e.Status())
}

func TestEngine_StartFailsWhenExchangeUnreachable(t *testing.T) {
	// Arrange
	alpha := newMockClient("alpha", 0.1)
	beta := newMockClient("beta", 0.1)
	alpha.On("TestConnection").Return(assert.AnError)
	beta.On("TestConnection").Return(assert.AnError)
	factory := &mockFactory{clients: map[string]exchange.Client{"alpha": alpha, "beta": beta}}
	e := New(zap.NewNop(), testConfig(), factory, nil, nil)

	// Act
	err := e.Start(context.Background())

	// Assert: failed startup lands in Error, recoverable via Start.
	assert.Error(t, err)
	assert.Equal(t, StatusError, e.Status())
	assert.True(t, e.Status().CanTransitionTo(StatusStarting))
}

func TestEngine_UpdateConfigRejectedWhileActive(t *testing.T) {
	// Arrange
	e, _, _ := setupEngine(t)
	assert.NoError(t, e.Start(context.Background()))

	// Act + Assert: strategy is immutable during a run.
	err := e.UpdateConfig(testConfig())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "running")

	assert.NoError(t, e.Stop())
	assert.NoError(t, e.UpdateConfig(testConfig()))
}

func TestEngine_PairRegistry(t *testing.T) {
	// Arrange
	e, _, _ := setupEngine(t)

	// Act
	err := e.AddTradingPair(config.Pair{
		Symbol: "ETHUSDT", BaseCurrency: "ETH", QuoteCurrency: "USDT",
		ExchangeA: "alpha", ExchangeB: "beta",
	})

	// Assert
	assert.NoError(t, err)
	assert.Len(t, e.GetTradingPairs(), 1)

	// Duplicates and malformed pairs are rejected.
	assert.Error(t, e.AddTradingPair(config.Pair{
		Symbol: "ETHUSDT", ExchangeA: "alpha", ExchangeB: "beta",
	}))
	assert.Error(t, e.AddTradingPair(config.Pair{
		Symbol: "SOLUSDT", ExchangeA: "alpha", ExchangeB: "alpha",
	}))
	assert.Error(t, e.AddTradingPair(config.Pair{
		Symbol: "SOLUSDT", ExchangeA: "alpha", ExchangeB: "unknown",
	}))

	assert.NoError(t, e.RemoveTradingPair("ETHUSDT"))
	assert.Error(t, e.RemoveTradingPair("ETHUSDT"))
	assert.Empty(t, e.GetTradingPairs())
}

func TestEngine_AnalyzeOpportunity(t *testing.T) {
	// Arrange
	e, alpha, beta := setupEngine(t)
	assert.NoError(t, e.AddTradingPair(config.Pair{
		Symbol: "BTCUSDT", BaseCurrency: "BTC", QuoteCurrency: "USDT",
		ExchangeA: "alpha", ExchangeB: "beta",
	}))

	// Analysis needs the clients and detector from an active run.
	_, err := e.AnalyzeOpportunity(context.Background(), "BTCUSDT")
	assert.Error(t, err)

	assert.NoError(t, e.Start(context.Background()))
	alpha.On("GetTicker", "BTCUSDT").Return(testTicker("alpha", 100.00, 100.05), nil)
	beta.On("GetTicker", "BTCUSDT").Return(testTicker("beta", 100.40, 100.45), nil)

	// Act
	opp, err := e.AnalyzeOpportunity(context.Background(), "BTCUSDT")

	// Assert
	assert.NoError(t, err)
	assert.Equal(t, "alpha", opp.BuyExchange)
	assert.Equal(t, "beta", opp.SellExchange)
	assert.True(t, opp.ShouldTrade)

	_, err = e.AnalyzeOpportunity(context.Background(), "NOPEUSDT")
	assert.Error(t, err)
}

func TestEngine_ExecuteArbitrageRequiresRunning(t *testing.T) {
	e, _, _ := setupEngine(t)
	assert.NoError(t, e.AddTradingPair(config.Pair{
		Symbol: "BTCUSDT", BaseCurrency: "BTC", QuoteCurrency: "USDT",
		ExchangeA: "alpha", ExchangeB: "beta",
	}))

	opp := testOpportunity()
	_, err := e.ExecuteArbitrage(context.Background(), opp)
	assert.Error(t, err)

	assert.NoError(t, e.Start(context.Background()))
	assert.NoError(t, e.Pause())
	_, err = e.ExecuteArbitrage(context.Background(), opp)
	assert.Error(t, err)
}

func TestEngine_GuardPausesOnConsecutiveLosses(t *testing.T) {
	// Arrange
	e, _, _ := setupEngine(t)
	e.cfg.Strategy.Risk.MaxConsecutiveLosses = 3
	e.guard = NewEmergencyGuard(&e.cfg.Strategy.Risk)
	assert.NoError(t, e.Start(context.Background()))

	// Act: three straight losers through the accounting path.
	for i := 0; i < 3; i++ {
		e.pool.RecordTrade(&TradeResult{Status: TradeFailed, NetPnL: -1})
	}
	e.checkGuards()

	// Assert: the guard recommends a pause and the engine applies it.
	assert.Equal(t, StatusPaused, e.Status())
}

func TestEngine_StopAbandonsSlowExecutionAfterGrace(t *testing.T) {
	// Arrange: the buy leg fills instantly, the sell venue hangs well past
	// the 1s shutdown grace.
	e, alpha, beta := setupEngine(t)
	events := e.bus.Subscribe()
	assert.NoError(t, e.Start(context.Background()))

	alpha.On("PlaceOrder", mock.Anything).Return(filledOrder(exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: 1.0,
	}, 1.0, 100.05, 0.1), nil)
	beta.On("PlaceOrder", mock.Anything).
		WaitUntil(time.After(5*time.Second)).
		Return(nil, errors.New("venue hung"))

	// Act: a fresh quote triggers execution, then Stop arrives mid-trade.
	e.onFresh(testPair(),
		testTicker("alpha", 100.00, 100.05),
		testTicker("beta", 100.40, 100.45))
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	assert.NoError(t, e.Stop())
	elapsed := time.Since(start)

	// Assert: Stop returned once the grace elapsed instead of waiting out
	// the hung venue, and the abandoned execution was reported.
	assert.Equal(t, StatusStopped, e.Status())
	assert.Less(t, elapsed, 3*time.Second)

	ee := findEngineError(events, "shutdown_drain_timeout")
	assert.NotNil(t, ee)
}

func TestEngine_DryRunFlagPropagates(t *testing.T) {
	e, _, _ := setupEngine(t)
	e.cfg.Trading.DryRun = true
	assert.NoError(t, e.AddTradingPair(config.Pair{
		Symbol: "BTCUSDT", BaseCurrency: "BTC", QuoteCurrency: "USDT",
		ExchangeA: "alpha", ExchangeB: "beta",
	}))
	assert.NoError(t, e.Start(context.Background()))

	result, err := e.ExecuteArbitrage(context.Background(), testOpportunity())

	assert.NoError(t, err)
	assert.True(t, result.IsSimulation)
	assert.Equal(t, TradeCompleted, result.Status)
}
