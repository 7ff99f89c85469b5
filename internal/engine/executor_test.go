package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"cross-arb-bot-go/internal/exchange"
)

func setupCoordinator(dryRun bool) (*Coordinator, *mockClient, *mockClient, *Bus) {
	buyClient := newMockClient("alpha", 0.1)
	sellClient := newMockClient("beta", 0.1)
	trading := testTrading()
	trading.DryRun = dryRun
	bus := NewBus(64)
	c := NewCoordinator(zap.NewNop(), testStrategy(), trading, map[string]exchange.Client{
		"alpha": buyClient,
		"beta":  sellClient,
	}, bus)
	return c, buyClient, sellClient, bus
}

func testOpportunity() SpreadOpportunity {
	return SpreadOpportunity{
		ID:                 "opp-1",
		Symbol:             "BTCUSDT",
		BuyExchange:        "alpha",
		SellExchange:       "beta",
		BuyPrice:           100.05,
		SellPrice:          100.40,
		GrossSpreadPercent: 0.3498,
		NetSpreadPercent:   0.0998,
		Quantity:           1.0,
		ShouldTrade:        true,
	}
}

// filledOrder fabricates a terminal order as an exchange would report it.
func filledOrder(req exchange.OrderRequest, qty, price, feePercent float64) *exchange.Order {
	return &exchange.Order{
		OrderRequest:    req,
		ExchangeOrderID: "ex-1",
		Status:          exchange.StatusFilled,
		FilledQuantity:  qty,
		AvgFillPrice:    price,
		Fee:             qty * price * feePercent / 100,
	}
}

func TestCoordinator_DryRunCompletes(t *testing.T) {
	// Arrange
	c, buyClient, sellClient, _ := setupCoordinator(true)

	// Act
	result, err := c.Execute(context.Background(), testPair(), testOpportunity())

	// Assert: simulated fills at the opportunity prices, no exchange calls.
	assert.NoError(t, err)
	assert.Equal(t, TradeCompleted, result.Status)
	assert.True(t, result.IsSimulation)
	assert.Equal(t, 1.0, result.BuyOrder.FilledQuantity)
	assert.Equal(t, 1.0, result.SellOrder.FilledQuantity)
	// PnL = 100.40 - 100.05 - fees (0.1% of each leg's value).
	expectedFees := 100.05*0.001 + 100.40*0.001
	assert.InDelta(t, 0.35-expectedFees, result.NetPnL, 1e-9)
	assert.Greater(t, result.NetPnL, 0.0)
	assert.Equal(t, string(AttemptCompleted), result.Metadata["final_state"])
	buyClient.AssertNotCalled(t, "PlaceOrder", mock.Anything)
	sellClient.AssertNotCalled(t, "PlaceOrder", mock.Anything)
}

func TestCoordinator_SplitOrdersDivideEachLeg(t *testing.T) {
	// Arrange: each leg goes out as two equal child orders.
	c, buyClient, sellClient, _ := setupCoordinator(false)
	c.strategy.Advanced.SplitOrders = true
	c.strategy.Advanced.OrderSplitCount = 2

	buyClient.On("PlaceOrder", mock.MatchedBy(func(r exchange.OrderRequest) bool {
		return r.Side == exchange.SideBuy && r.Quantity == 0.5
	})).Return(filledOrder(exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: 0.5,
	}, 0.5, 100.05, 0.1), nil).Twice()
	sellClient.On("PlaceOrder", mock.MatchedBy(func(r exchange.OrderRequest) bool {
		return r.Side == exchange.SideSell && r.Quantity == 0.5
	})).Return(filledOrder(exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideSell, Quantity: 0.5,
	}, 0.5, 100.40, 0.1), nil).Twice()

	// Act
	result, err := c.Execute(context.Background(), testPair(), testOpportunity())

	// Assert: the full size traded across the children and the aggregate
	// carries the summed fills.
	assert.NoError(t, err)
	assert.Equal(t, TradeCompleted, result.Status)
	assert.Equal(t, 1.0, result.BuyOrder.FilledQuantity)
	assert.Equal(t, 1.0, result.SellOrder.FilledQuantity)
	assert.InDelta(t, 100.05, result.BuyOrder.AvgFillPrice, 1e-9)
	buyClient.AssertNumberOfCalls(t, "PlaceOrder", 2)
	sellClient.AssertNumberOfCalls(t, "PlaceOrder", 2)
}

func TestCoordinator_SellLegSizedToActualBuyFill(t *testing.T) {
	// Arrange: the buy order half-fills and is then cancelled by the venue.
	c, buyClient, sellClient, _ := setupCoordinator(false)

	buyClient.On("PlaceOrder", mock.MatchedBy(func(r exchange.OrderRequest) bool {
		return r.Side == exchange.SideBuy && r.Quantity == 1.0
	})).Return(&exchange.Order{
		OrderRequest: exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: 1.0},
		Status:       exchange.StatusNew,
	}, nil)
	buyClient.On("GetOrderStatus", mock.Anything, mock.Anything).Return(&exchange.Order{
		OrderRequest:   exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: 1.0},
		Status:         exchange.StatusCancelled,
		FilledQuantity: 0.5,
		AvgFillPrice:   100.05,
		Fee:            0.5 * 100.05 * 0.001,
	}, nil)

	sellClient.On("PlaceOrder", mock.MatchedBy(func(r exchange.OrderRequest) bool {
		return r.Side == exchange.SideSell && r.Quantity == 0.5
	})).Return(filledOrder(exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideSell, Quantity: 0.5,
	}, 0.5, 100.40, 0.1), nil)

	// Act
	result, err := c.Execute(context.Background(), testPair(), testOpportunity())

	// Assert: the sell leg was sized to the 0.5 that actually filled.
	assert.NoError(t, err)
	assert.Equal(t, TradeCompleted, result.Status)
	assert.Equal(t, 0.5, result.SellOrder.Quantity)
	assert.InDelta(t, 0.5*100.05, result.BuyValue, 1e-9)
	assert.InDelta(t, 0.5*100.40, result.SellValue, 1e-9)
	buyClient.AssertExpectations(t)
	sellClient.AssertExpectations(t)
}

func TestCoordinator_ZeroBuyFillSkipsSellLeg(t *testing.T) {
	// Arrange: the buy order times out with nothing filled.
	c, buyClient, sellClient, bus := setupCoordinator(false)
	events := bus.Subscribe()

	buyClient.On("PlaceOrder", mock.Anything).Return(&exchange.Order{
		OrderRequest: exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: 1.0},
		Status:       exchange.StatusNew,
	}, nil)
	buyClient.On("GetOrderStatus", mock.Anything, mock.Anything).Return(&exchange.Order{
		OrderRequest: exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: 1.0},
		Status:       exchange.StatusCancelled,
	}, nil)

	// Act
	result, err := c.Execute(context.Background(), testPair(), testOpportunity())

	// Assert: no inventory means no sell leg and no held position.
	assert.NoError(t, err)
	assert.Equal(t, TradeFailed, result.Status)
	assert.Contains(t, result.Error, "unfilled")
	assert.Equal(t, string(AttemptBuyLegSubmitted), result.Metadata["final_state"])
	assert.Nil(t, result.SellOrder)
	sellClient.AssertNotCalled(t, "PlaceOrder", mock.Anything)

	ee := findEngineError(events, "buy_leg_unfilled")
	assert.NotNil(t, ee)
	assert.Zero(t, ee.HeldQuantity)
}

func TestCoordinator_SellFailureHoldsInventory(t *testing.T) {
	// Arrange: buy fills, sell submission fails outright.
	c, buyClient, sellClient, bus := setupCoordinator(false)
	events := bus.Subscribe()

	buyClient.On("PlaceOrder", mock.Anything).Return(filledOrder(exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: 1.0,
	}, 1.0, 100.05, 0.1), nil)
	sellClient.On("PlaceOrder", mock.Anything).Return(nil, errors.New("venue rejected"))

	// Act
	result, err := c.Execute(context.Background(), testPair(), testOpportunity())

	// Assert
	assert.NoError(t, err)
	assert.Equal(t, TradePartialFailure, result.Status)
	// The attempt never got a sell order accepted.
	assert.Equal(t, string(AttemptBuyLegFilled), result.Metadata["final_state"])
	// Inventory stays where it is: exactly one order on the buy exchange,
	// no compensating sell was placed there.
	buyClient.AssertNumberOfCalls(t, "PlaceOrder", 1)

	ee := findEngineError(events, "partial_leg_failure")
	assert.NotNil(t, ee)
	assert.Equal(t, "BTC", ee.HeldAsset)
	assert.Equal(t, 1.0, ee.HeldQuantity)
	assert.Equal(t, "alpha", ee.HeldExchange)

	// Realized PnL is just the buy fee; the held coins are valued at cost.
	assert.InDelta(t, -(1.0 * 100.05 * 0.001), result.NetPnL, 1e-9)
}

func TestCoordinator_PartialSellReportsResidual(t *testing.T) {
	// Arrange: buy fills 1.0 but only 0.6 sells before the timeout.
	c, buyClient, sellClient, bus := setupCoordinator(false)
	events := bus.Subscribe()

	buyClient.On("PlaceOrder", mock.Anything).Return(filledOrder(exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: 1.0,
	}, 1.0, 100.05, 0.1), nil)
	sellClient.On("PlaceOrder", mock.Anything).Return(&exchange.Order{
		OrderRequest:   exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideSell, Quantity: 1.0},
		Status:         exchange.StatusCancelled,
		FilledQuantity: 0.6,
		AvgFillPrice:   100.40,
		Fee:            0.6 * 100.40 * 0.001,
	}, nil)

	// Act
	result, err := c.Execute(context.Background(), testPair(), testOpportunity())

	// Assert
	assert.NoError(t, err)
	assert.Equal(t, TradePartialFailure, result.Status)
	assert.Equal(t, string(AttemptPartialFailure), result.Metadata["final_state"])

	ee := findEngineError(events, "partial_leg_failure")
	assert.NotNil(t, ee)
	assert.InDelta(t, 0.4, ee.HeldQuantity, 1e-9)
}

func TestCoordinator_ConcurrentOpportunityDropped(t *testing.T) {
	// Arrange: the symbol is already mid-execution.
	c, _, _, _ := setupCoordinator(true)
	assert.True(t, c.acquire("BTCUSDT"))

	// Act
	result, err := c.Execute(context.Background(), testPair(), testOpportunity())

	// Assert: dropped, not queued.
	assert.ErrorIs(t, err, ErrExecutionInFlight)
	assert.Nil(t, result)

	// Other symbols are unaffected.
	assert.True(t, c.acquire("ETHUSDT"))
}

func TestCoordinator_NotTradeableRejected(t *testing.T) {
	c, _, _, _ := setupCoordinator(true)
	opp := testOpportunity()
	opp.ShouldTrade = false

	result, err := c.Execute(context.Background(), testPair(), opp)

	assert.ErrorIs(t, err, ErrNotTradeable)
	assert.Nil(t, result)
	assert.Zero(t, c.InFlight())
}

// findEngineError drains buffered events looking for an EngineError with
// the given reason.
func findEngineError(events <-chan Event, reason string) *EngineError {
	for {
		select {
		case ev := <-events:
			if ev.Type != EventErrorOccurred {
				continue
			}
			if ee, ok := ev.Data.(EngineError); ok && ee.Reason == reason {
				return &ee
			}
		default:
			return nil
		}
	}
}
