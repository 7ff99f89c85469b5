package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"cross-arb-bot-go/internal/config"
	"cross-arb-bot-go/internal/exchange"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrExecutionInFlight is returned when an opportunity arrives for a pair
// that is already mid-execution. The opportunity is dropped, not queued.
var ErrExecutionInFlight = errors.New("execution already in flight for this pair")

// ErrNotTradeable is returned when an opportunity with ShouldTrade=false
// is submitted for execution.
var ErrNotTradeable = errors.New("opportunity is not tradeable")

const fillPollInterval = 500 * time.Millisecond

// Coordinator executes approved opportunities as two sequential legs:
// buy first, then sell sized to the actual buy fill. A sell-leg failure
// leaves inventory in place and raises an error event; reversal is a
// human/guard decision, never automatic.
type Coordinator struct {
	logger   *zap.Logger
	strategy *config.Strategy
	trading  *config.Trading
	clients  map[string]exchange.Client
	bus      *Bus

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// NewCoordinator creates an execution coordinator over the given clients.
func NewCoordinator(logger *zap.Logger, strategy *config.Strategy, trading *config.Trading, clients map[string]exchange.Client, bus *Bus) *Coordinator {
	return &Coordinator{
		logger:   logger,
		strategy: strategy,
		trading:  trading,
		clients:  clients,
		bus:      bus,
		inFlight: make(map[string]struct{}),
	}
}

// acquire takes the per-symbol exclusivity lock, failing when held.
func (c *Coordinator) acquire(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.inFlight[symbol]; held {
		return false
	}
	c.inFlight[symbol] = struct{}{}
	return true
}

func (c *Coordinator) release(symbol string) {
	c.mu.Lock()
	delete(c.inFlight, symbol)
	c.mu.Unlock()
}

// InFlight returns the number of executions currently running.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

// Wait blocks until all in-flight executions finish or the grace period
// elapses; it reports whether the drain completed in time.
func (c *Coordinator) Wait(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

// Execute runs one two-leg arbitrage attempt. The context governs the buy
// leg only: once inventory is held, the sell leg runs on its own deadline
// so a shutdown or pause never strands a half-finished trade mid-flight.
func (c *Coordinator) Execute(ctx context.Context, pair TradingPair, opp SpreadOpportunity) (*TradeResult, error) {
	if !opp.ShouldTrade {
		return nil, ErrNotTradeable
	}
	if !c.acquire(opp.Symbol) {
		return nil, ErrExecutionInFlight
	}
	c.wg.Add(1)
	defer c.wg.Done()
	defer c.release(opp.Symbol)

	result := &TradeResult{
		TradeID:      uuid.NewString(),
		Symbol:       opp.Symbol,
		BuyExchange:  opp.BuyExchange,
		SellExchange: opp.SellExchange,
		Opportunity:  opp,
		StartedAt:    time.Now(),
		Metadata:     make(map[string]string),
		IsSimulation: c.trading.DryRun,
	}
	l := c.logger.With(
		zap.String("trade_id", result.TradeID),
		zap.String("symbol", opp.Symbol),
		zap.String("buy_exchange", opp.BuyExchange),
		zap.String("sell_exchange", opp.SellExchange),
	)

	buyClient, okBuy := c.clients[opp.BuyExchange]
	sellClient, okSell := c.clients[opp.SellExchange]
	state := AttemptPending
	if !okBuy || !okSell {
		return c.finalize(result, TradeFailed, state, fmt.Sprintf("exchange client missing: buy=%v sell=%v", okBuy, okSell)), nil
	}

	timeout := time.Duration(c.strategy.Advanced.OrderTimeoutSeconds) * time.Second

	// Buy leg.
	buyStart := time.Now()
	buyOrder, err := c.submitLeg(ctx, buyClient, legParams{
		pair:     pair,
		side:     exchange.SideBuy,
		quantity: opp.Quantity,
		price:    opp.BuyPrice,
		timeout:  timeout,
	})
	result.Metadata["buy_leg_ms"] = strconv.FormatInt(time.Since(buyStart).Milliseconds(), 10)

	if err != nil {
		// Order-submission errors abort the attempt; the engine keeps running.
		l.Error("Buy leg submission failed", zap.Error(err))
		c.publishError(result, "order_submission_failed", err.Error(), nil)
		return c.finalize(result, TradeFailed, state, fmt.Sprintf("buy leg: %v", err)), nil
	}
	state = AttemptBuyLegSubmitted
	result.BuyOrder = buyOrder

	if buyOrder.FilledQuantity <= 0 {
		// Nothing filled before cancel: no inventory, no sell leg.
		l.Warn("Buy leg unfilled within timeout, attempt abandoned")
		c.publishError(result, "buy_leg_unfilled", "buy leg did not fill before timeout", nil)
		return c.finalize(result, TradeFailed, state, "buy leg unfilled within timeout"), nil
	}
	state = AttemptBuyLegFilled

	// Sell leg, sized to the actual buy fill rather than the requested
	// quantity, so a partial buy can never over-sell. Runs on its own
	// deadline, detached from the run context.
	sellCtx, cancel := context.WithTimeout(context.Background(), timeout+time.Duration(c.trading.ShutdownGrace)*time.Second)
	defer cancel()

	sellStart := time.Now()
	sellOrder, err := c.submitLeg(sellCtx, sellClient, legParams{
		pair:     pair,
		side:     exchange.SideSell,
		quantity: buyOrder.FilledQuantity,
		price:    opp.SellPrice,
		timeout:  timeout,
	})
	result.Metadata["sell_leg_ms"] = strconv.FormatInt(time.Since(sellStart).Milliseconds(), 10)
	if err == nil {
		state = AttemptSellLegSubmitted
	}

	if err != nil || sellOrder.FilledQuantity <= 0 {
		// Inventory is stranded on the buy exchange. It is surfaced,
		// not auto-reversed: a reversal trade must be a deliberate
		// decision.
		msg := "sell leg did not fill before timeout"
		if err != nil {
			msg = err.Error()
		}
		l.Error("Sell leg failed with inventory held",
			zap.Float64("held_quantity", buyOrder.FilledQuantity),
			zap.String("held_exchange", opp.BuyExchange),
			zap.String("error", msg),
		)
		c.publishError(result, "partial_leg_failure", msg, &heldInventory{
			asset:    pair.BaseCurrency,
			quantity: buyOrder.FilledQuantity,
			exch:     opp.BuyExchange,
		})
		result.SellOrder = sellOrder
		return c.finalize(result, TradePartialFailure, state, fmt.Sprintf("sell leg: %s", msg)), nil
	}
	result.SellOrder = sellOrder

	if sellOrder.FilledQuantity < buyOrder.FilledQuantity {
		held := buyOrder.FilledQuantity - sellOrder.FilledQuantity
		state = AttemptPartialFailure
		l.Warn("Sell leg partially filled, residual inventory held",
			zap.Float64("held_quantity", held))
		c.publishError(result, "partial_leg_failure", "sell leg partially filled", &heldInventory{
			asset:    pair.BaseCurrency,
			quantity: held,
			exch:     opp.BuyExchange,
		})
		return c.finalize(result, TradePartialFailure, state, "sell leg partially filled"), nil
	}

	state = AttemptCompleted
	l.Info("Arbitrage attempt completed",
		zap.Float64("quantity", sellOrder.FilledQuantity),
		zap.Float64("net_spread_percent", opp.NetSpreadPercent),
	)
	return c.finalize(result, TradeCompleted, state, ""), nil
}

type legParams struct {
	pair     TradingPair
	side     exchange.OrderSide
	quantity float64
	price    float64 // reference price for limit orders
	timeout  time.Duration
}

type heldInventory struct {
	asset    string
	quantity float64
	exch     string
}

// submitLeg places one leg, splitting it into equal child orders when the
// strategy asks for it, and returns the aggregate fill.
func (c *Coordinator) submitLeg(ctx context.Context, client exchange.Client, p legParams) (*exchange.Order, error) {
	count := 1
	if c.strategy.Advanced.SplitOrders && c.strategy.Advanced.OrderSplitCount > 1 {
		count = c.strategy.Advanced.OrderSplitCount
	}
	if count == 1 {
		return c.placeChild(ctx, client, p)
	}

	child := p
	child.quantity = p.quantity / float64(count)
	orders := make([]*exchange.Order, 0, count)
	for i := 0; i < count; i++ {
		order, err := c.placeChild(ctx, client, child)
		if err != nil {
			if len(orders) == 0 {
				return nil, err
			}
			// Earlier children may have filled. Stop splitting and report
			// what was actually taken instead of losing track of it.
			c.logger.Warn("Child order failed mid-split",
				zap.Int("child", i+1), zap.Int("of", count), zap.Error(err))
			break
		}
		orders = append(orders, order)
	}
	return mergeChildOrders(p.quantity, orders), nil
}

// placeChild places one order and waits for it to reach a terminal state,
// cancelling at the timeout. The returned order carries the final fill
// state even when cancelled part-way.
func (c *Coordinator) placeChild(ctx context.Context, client exchange.Client, p legParams) (*exchange.Order, error) {
	symbol := p.pair.NativeSymbol(client.Name())

	req := exchange.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Exchange:      client.Name(),
		Symbol:        symbol,
		Side:          p.side,
		Type:          exchange.TypeMarket,
		Quantity:      p.quantity,
	}
	if c.strategy.Advanced.UseLimitOrders {
		req.Type = exchange.TypeLimit
		req.Price = limitPrice(p.side, p.price, c.strategy.Advanced.SlippagePercent)
	}

	if c.trading.DryRun {
		return simulateFill(req, p.price, client.TakerFeeRate()), nil
	}

	order, err := client.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.waitForFill(ctx, client, symbol, order, p.timeout), nil
}

// waitForFill polls order status until terminal or the timeout elapses,
// then cancels and captures whatever filled before the cancel.
func (c *Coordinator) waitForFill(ctx context.Context, client exchange.Client, symbol string, order *exchange.Order, timeout time.Duration) *exchange.Order {
	if order.Status.Terminal() {
		return order
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(fillPollInterval)
	defer poll.Stop()

	last := order
	for {
		select {
		case <-poll.C:
			updated, err := client.GetOrderStatus(ctx, symbol, order.ClientOrderID)
			if err != nil {
				c.logger.Warn("Order status poll failed",
					zap.String("order_id", order.ClientOrderID), zap.Error(err))
				continue
			}
			last = updated
			if updated.Status.Terminal() {
				return updated
			}
		case <-deadline.C:
			return c.cancelAndSettle(client, symbol, last)
		case <-ctx.Done():
			return c.cancelAndSettle(client, symbol, last)
		}
	}
}

// cancelAndSettle cancels an open order and fetches its final state so
// partial fills are never lost.
func (c *Coordinator) cancelAndSettle(client exchange.Client, symbol string, order *exchange.Order) *exchange.Order {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.CancelOrder(cancelCtx, symbol, order.ClientOrderID); err != nil {
		c.logger.Warn("Order cancel failed",
			zap.String("order_id", order.ClientOrderID), zap.Error(err))
	}
	final, err := client.GetOrderStatus(cancelCtx, symbol, order.ClientOrderID)
	if err != nil {
		return order
	}
	return final
}

// mergeChildOrders folds the fills of a split leg into one aggregate order
// with a volume-weighted average price.
func mergeChildOrders(requested float64, orders []*exchange.Order) *exchange.Order {
	agg := &exchange.Order{
		OrderRequest:    orders[0].OrderRequest,
		ExchangeOrderID: orders[0].ExchangeOrderID,
		Status:          exchange.StatusCancelled,
		CreatedAt:       orders[0].CreatedAt,
	}
	agg.Quantity = requested

	var quote float64
	for _, o := range orders {
		agg.FilledQuantity += o.FilledQuantity
		quote += o.FilledQuantity * o.AvgFillPrice
		agg.Fee += o.Fee
		agg.UpdatedAt = o.UpdatedAt
	}
	if agg.FilledQuantity > 0 {
		agg.AvgFillPrice = quote / agg.FilledQuantity
	}
	if agg.FilledQuantity >= requested-1e-9 {
		agg.Status = exchange.StatusFilled
	}
	return agg
}

// finalize computes PnL and emits the terminal TradeResult. Unmatched
// inventory after a partial failure is valued at cost, so realized PnL
// reflects only the matched portion plus fees. The attempt state records
// the last milestone the attempt reached before going terminal.
func (c *Coordinator) finalize(result *TradeResult, status TradeStatus, state AttemptState, errMsg string) *TradeResult {
	result.Status = status
	result.Error = errMsg
	result.Metadata["final_state"] = string(state)
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	result.Metadata["total_ms"] = strconv.FormatInt(result.Duration.Milliseconds(), 10)

	var buyFilled, sellFilled, buyAvg float64
	if result.BuyOrder != nil {
		buyFilled = result.BuyOrder.FilledQuantity
		buyAvg = result.BuyOrder.AvgFillPrice
		result.TotalFees += result.BuyOrder.Fee
	}
	if result.SellOrder != nil {
		sellFilled = result.SellOrder.FilledQuantity
		result.SellValue = result.SellOrder.FilledValue()
		result.TotalFees += result.SellOrder.Fee
	}

	matched := buyFilled
	if sellFilled < matched {
		matched = sellFilled
	}
	result.BuyValue = matched * buyAvg
	result.NetPnL = result.SellValue - result.BuyValue - result.TotalFees
	if result.BuyValue > 0 {
		result.PnLPercent = result.NetPnL / result.BuyValue * 100
	}

	tradesTotal.WithLabelValues(string(status)).Inc()
	executionDuration.Observe(result.Duration.Seconds())
	if c.bus != nil {
		c.bus.Publish(EventTradeCompleted, result)
	}
	return result
}

// publishError emits a structured ErrorOccurred event; expected failure
// modes never surface as raised errors across the engine boundary.
func (c *Coordinator) publishError(result *TradeResult, reason, msg string, held *heldInventory) {
	if c.bus == nil {
		return
	}
	ee := EngineError{
		Reason:  reason,
		Symbol:  result.Symbol,
		TradeID: result.TradeID,
		Message: msg,
	}
	if held != nil {
		ee.HeldAsset = held.asset
		ee.HeldQuantity = held.quantity
		ee.HeldExchange = held.exch
	}
	c.bus.Publish(EventErrorOccurred, ee)
}

// limitPrice shifts the reference price by the slippage allowance in the
// direction that still fills: up for buys, down for sells.
func limitPrice(side exchange.OrderSide, reference, slippagePercent float64) float64 {
	if side == exchange.SideBuy {
		return reference * (1 + slippagePercent/100)
	}
	return reference * (1 - slippagePercent/100)
}

// simulateFill fabricates a fully filled order for dry runs.
func simulateFill(req exchange.OrderRequest, price, feePercent float64) *exchange.Order {
	now := time.Now()
	return &exchange.Order{
		OrderRequest:    req,
		ExchangeOrderID: "sim-" + req.ClientOrderID,
		Status:          exchange.StatusFilled,
		FilledQuantity:  req.Quantity,
		AvgFillPrice:    price,
		Fee:             req.Quantity * price * feePercent / 100,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
