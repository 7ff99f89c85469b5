package engine

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"cross-arb-bot-go/internal/config"
	"cross-arb-bot-go/internal/exchange"
)

// mockClient is a mock implementation of exchange.Client.
type mockClient struct {
	mock.Mock
	name string
	fee  float64 // taker fee percent
}

var _ exchange.Client = (*mockClient)(nil)

func newMockClient(name string, fee float64) *mockClient {
	return &mockClient{name: name, fee: fee}
}

func (m *mockClient) Name() string          { return m.name }
func (m *mockClient) TakerFeeRate() float64 { return m.fee }

func (m *mockClient) TestConnection(_ context.Context) error {
	return m.Called().Error(0)
}

func (m *mockClient) GetTicker(_ context.Context, symbol string) (*exchange.Ticker, error) {
	args := m.Called(symbol)
	if t, ok := args.Get(0).(*exchange.Ticker); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockClient) GetOrderBook(_ context.Context, symbol string, depth int) (*exchange.OrderBook, error) {
	args := m.Called(symbol, depth)
	if b, ok := args.Get(0).(*exchange.OrderBook); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockClient) GetBalances(_ context.Context) ([]exchange.AssetBalance, error) {
	args := m.Called()
	if b, ok := args.Get(0).([]exchange.AssetBalance); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockClient) PlaceOrder(_ context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	args := m.Called(req)
	if o, ok := args.Get(0).(*exchange.Order); ok {
		return o, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockClient) GetOrderStatus(_ context.Context, symbol, orderID string) (*exchange.Order, error) {
	args := m.Called(symbol, orderID)
	if o, ok := args.Get(0).(*exchange.Order); ok {
		return o, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockClient) CancelOrder(_ context.Context, symbol, orderID string) error {
	return m.Called(symbol, orderID).Error(0)
}

// mockFactory hands out pre-built clients by name.
type mockFactory struct {
	clients map[string]exchange.Client
}

var _ exchange.Factory = (*mockFactory)(nil)

func (f *mockFactory) CreateClient(name string) (exchange.Client, error) {
	if c, ok := f.clients[name]; ok {
		return c, nil
	}
	return nil, &exchange.Error{Exchange: name, Message: "unsupported exchange"}
}

// fixedEquity is an EquitySource with a constant value.
type fixedEquity float64

func (f fixedEquity) TotalValue() float64 { return float64(f) }

// stubPrices is a PriceSource backed by a map.
type stubPrices map[string]float64

func (s stubPrices) LastPrice(symbol string) (float64, bool) {
	p, ok := s[symbol]
	return p, ok
}

func testPair() TradingPair {
	return TradingPair{
		Symbol:        "BTCUSDT",
		BaseCurrency:  "BTC",
		QuoteCurrency: "USDT",
		ExchangeA:     "alpha",
		ExchangeB:     "beta",
		Enabled:       true,
	}
}

func testTicker(exchangeName string, bid, ask float64) *exchange.Ticker {
	return &exchange.Ticker{
		Exchange:  exchangeName,
		Symbol:    "BTCUSDT",
		Bid:       bid,
		Ask:       ask,
		Last:      (bid + ask) / 2,
		Volume24h: 5_000_000,
		Timestamp: time.Now(),
	}
}

func testStrategy() *config.Strategy {
	return &config.Strategy{
		Name:    "test",
		Version: 1,
		Entry: config.Entry{
			MinSpreadPercent: 0.08,
			MaxSpreadPercent: 5.0,
		},
		Risk: config.Risk{
			MaxBalancePercentPerTrade: 25.0,
		},
		Advanced: config.Advanced{
			SlippagePercent:     0.05,
			OrderTimeoutSeconds: 1,
		},
	}
}

func testTrading() *config.Trading {
	return &config.Trading{
		QuoteCurrency:          "USDT",
		TradeAmount:            100.0,
		PollInterval:           1,
		RequestTimeout:         1,
		FreshnessWindow:        10,
		BalanceRefreshInterval: 1,
		ShutdownGrace:          1,
	}
}

// testFees is the taker fee table used across detector tests.
func testFees() map[string]float64 {
	return map[string]float64{"alpha": 0.1, "beta": 0.1}
}
