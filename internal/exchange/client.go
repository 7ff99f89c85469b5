package exchange

import "context"

// Client is the uniform capability the engine core requires from every
// exchange. Anything exchange-specific (signing, wire formats, symbol
// conventions) stays behind this interface.
type Client interface {
	// Name returns the exchange identifier used in configuration and events.
	Name() string

	// TakerFeeRate returns the taker fee in percent (0.1 means 0.1%).
	TakerFeeRate() float64

	// TestConnection verifies the API is reachable.
	TestConnection(ctx context.Context) error

	// GetTicker fetches the latest quote for a symbol.
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// GetOrderBook fetches a depth snapshot for a symbol.
	GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)

	// GetBalances fetches all non-zero asset balances.
	GetBalances(ctx context.Context) ([]AssetBalance, error)

	// PlaceOrder submits an order and returns its accepted state.
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)

	// GetOrderStatus fetches the current state of a previously placed order.
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*Order, error)

	// CancelOrder cancels an open order. Cancelling an already terminal
	// order is not an error.
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// Factory creates clients by exchange name. Supplied to the engine so the
// core never constructs concrete clients itself.
type Factory interface {
	CreateClient(name string) (Client, error)
}
