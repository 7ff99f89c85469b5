package exchange

import "time"

// OrderSide is the direction of an order.
type OrderSide string

// OrderType distinguishes market and limit orders.
type OrderType string

// OrderStatus is the exchange-reported lifecycle state of an order.
type OrderStatus string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"

	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"

	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether the order can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Ticker is the latest quote for one exchange+symbol.
// Ephemeral: replaced on every poll, never persisted.
type Ticker struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume24h float64   `json:"volume_24h"` // quote currency
	Timestamp time.Time `json:"timestamp"`
}

// PriceLevel is one level of an order book.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook is a depth snapshot for one exchange+symbol.
type OrderBook struct {
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// BidDepth sums the quantity on the bid side, in base currency.
func (b *OrderBook) BidDepth() float64 {
	var total float64
	for _, l := range b.Bids {
		total += l.Quantity
	}
	return total
}

// AskDepth sums the quantity on the ask side, in base currency.
func (b *OrderBook) AskDepth() float64 {
	var total float64
	for _, l := range b.Asks {
		total += l.Quantity
	}
	return total
}

// OrderRequest is a client-assigned order to be submitted to one exchange.
type OrderRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	Exchange      string    `json:"exchange"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"type"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price,omitempty"` // limit orders only
}

// Order is an OrderRequest the exchange has accepted, plus its fill state.
// FilledQuantity never exceeds Quantity.
type Order struct {
	OrderRequest
	ExchangeOrderID string      `json:"exchange_order_id"`
	Status          OrderStatus `json:"status"`
	FilledQuantity  float64     `json:"filled_quantity"`
	AvgFillPrice    float64     `json:"avg_fill_price"`
	Fee             float64     `json:"fee"` // quote currency
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// FilledValue is the executed value of the order in quote currency.
func (o *Order) FilledValue() float64 {
	return o.FilledQuantity * o.AvgFillPrice
}

// AssetBalance is the balance of one asset on one exchange.
type AssetBalance struct {
	Asset     string  `json:"asset"`
	Available float64 `json:"available"`
	Total     float64 `json:"total"`
}

// Error is an error reported by an exchange API.
type Error struct {
	Exchange string
	Code     string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	return e.Exchange + ": " + e.Message
}

// Unwrap returns the underlying error for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}
