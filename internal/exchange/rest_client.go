package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"cross-arb-bot-go/internal/config"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const recvWindow = "5000" // How long a signed request is valid in milliseconds

const defaultMaxRetries = 3

// RestClient implements Client against a Binance-style REST surface.
// The base URL comes from configuration, so any exchange exposing this
// surface (or a translating proxy) can be plugged in without code changes.
type RestClient struct {
	name       string
	client     *resty.Client
	apiKey     string
	secretKey  string
	feeRate    float64
	maxRetries int
	logger     *zap.Logger
	limiter    *rate.Limiter
}

// ensure RestClient implements the interface
var _ Client = (*RestClient)(nil)

// NewRestClient creates a REST API client for one configured exchange.
// maxRetries is the total attempt budget per request; values below one
// fall back to the default.
func NewRestClient(name string, cfg *config.Exchange, maxRetries int, logger *zap.Logger) *RestClient {
	client := resty.New().SetBaseURL(cfg.BaseURL)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	return &RestClient{
		name:       name,
		client:     client,
		apiKey:     cfg.ApiKey,
		secretKey:  cfg.SecretKey,
		feeRate:    cfg.TakerFeeRate,
		maxRetries: maxRetries,
		logger:     logger.With(zap.String("exchange", name)),
		limiter:    limiter,
	}
}

// Name returns the configured exchange identifier.
func (c *RestClient) Name() string { return c.name }

// TakerFeeRate returns the configured taker fee in percent.
func (c *RestClient) TakerFeeRate() float64 { return c.feeRate }

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	for i := 0; i < c.maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.SetContext(ctx).Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil && resp.RawResponse != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == 418 { // HTTP 429 or 418
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}
		if i == c.maxRetries-1 {
			break
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err == nil && resp != nil {
		return nil, fmt.Errorf("request failed after %d attempts with status %s", c.maxRetries, resp.Status())
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxRetries, err)
}

// TestConnection fetches the server time to verify connectivity.
func (c *RestClient) TestConnection(ctx context.Context) error {
	type serverTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.client.R().SetResult(&serverTimeResponse{})

	if _, err := c.doRequest(ctx, "GET", "/time", req); err != nil {
		return &Error{Exchange: c.name, Message: "connection test failed", Err: err}
	}
	return nil
}

// tickerResponse is the 24h ticker statistics payload.
type tickerResponse struct {
	Symbol      string `json:"symbol"`
	BidPrice    string `json:"bidPrice"`
	AskPrice    string `json:"askPrice"`
	LastPrice   string `json:"lastPrice"`
	QuoteVolume string `json:"quoteVolume"`
}

// GetTicker fetches the latest quote and 24h volume for a symbol.
func (c *RestClient) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var result tickerResponse

	req := c.client.R().
		SetQueryParam("symbol", symbol).
		SetResult(&result)

	if _, err := c.doRequest(ctx, "GET", "/ticker/24hr", req); err != nil {
		return nil, fmt.Errorf("failed to get ticker for %s: %w", symbol, err)
	}

	return &Ticker{
		Exchange:  c.name,
		Symbol:    symbol,
		Bid:       parseFloat(result.BidPrice),
		Ask:       parseFloat(result.AskPrice),
		Last:      parseFloat(result.LastPrice),
		Volume24h: parseFloat(result.QuoteVolume),
		Timestamp: time.Now(),
	}, nil
}

// depthResponse is the order book payload; levels are [price, quantity] string pairs.
type depthResponse struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

// GetOrderBook fetches a depth snapshot for a symbol.
func (c *RestClient) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	var result depthResponse

	req := c.client.R().
		SetQueryParam("symbol", symbol).
		SetQueryParam("limit", strconv.Itoa(depth)).
		SetResult(&result)

	if _, err := c.doRequest(ctx, "GET", "/depth", req); err != nil {
		return nil, fmt.Errorf("failed to get order book for %s: %w", symbol, err)
	}

	book := &OrderBook{
		Exchange:  c.name,
		Symbol:    symbol,
		Timestamp: time.Now(),
	}
	for _, level := range result.Bids {
		if len(level) >= 2 {
			book.Bids = append(book.Bids, PriceLevel{Price: parseFloat(level[0]), Quantity: parseFloat(level[1])})
		}
	}
	for _, level := range result.Asks {
		if len(level) >= 2 {
			book.Asks = append(book.Asks, PriceLevel{Price: parseFloat(level[0]), Quantity: parseFloat(level[1])})
		}
	}
	return book, nil
}

// accountResponse is the signed account information payload.
type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// GetBalances fetches all non-zero asset balances.
func (c *RestClient) GetBalances(ctx context.Context) ([]AssetBalance, error) {
	var result accountResponse

	params := url.Values{}
	params.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	params.Set("recvWindow", recvWindow)
	params.Set("signature", c.sign(params.Encode()))

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(params).
		SetResult(&result)

	if _, err := c.doRequest(ctx, "GET", "/account", req); err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}

	balances := make([]AssetBalance, 0, len(result.Balances))
	for _, b := range result.Balances {
		free := parseFloat(b.Free)
		locked := parseFloat(b.Locked)
		if free+locked == 0 {
			continue
		}
		balances = append(balances, AssetBalance{
			Asset:     b.Asset,
			Available: free,
			Total:     free + locked,
		})
	}
	return balances, nil
}

// orderResponse is the payload returned by order placement and status queries.
type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	OrigQuantity        string `json:"origQty"`
	ExecutedQuantity    string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
}

// PlaceOrder submits an order and returns its accepted state.
func (c *RestClient) PlaceOrder(ctx context.Context, reqOrder OrderRequest) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", reqOrder.Symbol)
	params.Set("side", string(reqOrder.Side))
	params.Set("type", string(reqOrder.Type))
	params.Set("quantity", strconv.FormatFloat(reqOrder.Quantity, 'f', -1, 64))
	if reqOrder.Type == TypeLimit {
		params.Set("price", strconv.FormatFloat(reqOrder.Price, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}
	if reqOrder.ClientOrderID != "" {
		params.Set("newClientOrderId", reqOrder.ClientOrderID)
	}
	params.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	params.Set("recvWindow", recvWindow)

	queryString := params.Encode()
	params.Set("signature", c.sign(queryString))

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(params.Encode()).
		SetResult(&orderResponse{})

	resp, err := c.doRequest(ctx, "POST", "/order", req)
	if err != nil {
		c.logger.Error("Failed to place order",
			zap.Error(err),
			zap.String("symbol", reqOrder.Symbol),
			zap.String("side", string(reqOrder.Side)),
		)
		return nil, &Error{Exchange: c.name, Message: "order placement failed", Err: err}
	}

	order := c.toOrder(reqOrder, resp.Result().(*orderResponse))
	c.logger.Info("Order placed",
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("status", string(order.Status)),
		zap.Float64("filled", order.FilledQuantity),
	)
	return order, nil
}

// GetOrderStatus fetches the current state of a previously placed order.
func (c *RestClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", orderID)
	params.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	params.Set("recvWindow", recvWindow)
	params.Set("signature", c.sign(params.Encode()))

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(params).
		SetResult(&orderResponse{})

	resp, err := c.doRequest(ctx, "GET", "/order", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get order status for %s: %w", orderID, err)
	}

	result := resp.Result().(*orderResponse)
	return c.toOrder(OrderRequest{
		ClientOrderID: orderID,
		Exchange:      c.name,
		Symbol:        symbol,
		Side:          OrderSide(result.Side),
		Type:          OrderType(result.Type),
		Quantity:      parseFloat(result.OrigQuantity),
		Price:         parseFloat(result.Price),
	}, result), nil
}

// CancelOrder cancels an open order.
func (c *RestClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", orderID)
	params.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	params.Set("recvWindow", recvWindow)
	params.Set("signature", c.sign(params.Encode()))

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(params)

	if _, err := c.doRequest(ctx, "DELETE", "/order", req); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	c.logger.Info("Order cancelled", zap.String("symbol", symbol), zap.String("order_id", orderID))
	return nil
}

// toOrder converts the wire payload to the engine-facing Order.
func (c *RestClient) toOrder(req OrderRequest, resp *orderResponse) *Order {
	filledQty := parseFloat(resp.ExecutedQuantity)
	quoteQty := parseFloat(resp.CummulativeQuoteQty)

	avgPrice := 0.0
	if filledQty > 0 {
		avgPrice = quoteQty / filledQty
	}

	now := time.Now()
	return &Order{
		OrderRequest:    req,
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          mapStatus(resp.Status),
		FilledQuantity:  filledQty,
		AvgFillPrice:    avgPrice,
		Fee:             quoteQty * c.feeRate / 100,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// mapStatus normalizes the wire status names.
func mapStatus(s string) OrderStatus {
	switch s {
	case "NEW":
		return StatusNew
	case "PARTIALLY_FILLED":
		return StatusPartiallyFilled
	case "FILLED":
		return StatusFilled
	case "CANCELED", "EXPIRED":
		return StatusCancelled
	case "REJECTED":
		return StatusRejected
	default:
		return StatusNew
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
