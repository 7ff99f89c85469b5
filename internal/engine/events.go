package engine

import (
	"sync"
	"time"
)

// EventType identifies the kind of engine event.
type EventType string

const (
	EventStatusChanged        EventType = "status_changed"
	EventPriceUpdated         EventType = "price_updated"
	EventOpportunityFound     EventType = "opportunity_found"
	EventTradeCompleted       EventType = "trade_completed"
	EventErrorOccurred        EventType = "error_occurred"
	EventBalanceUpdated       EventType = "balance_updated"
	EventEmergencyTriggered   EventType = "emergency_triggered"
	EventRebalanceRecommended EventType = "rebalance_recommended"
)

// Event is one engine notification. Data holds the typed payload:
// StatusChange, *exchange.Ticker, SpreadOpportunity, *TradeResult,
// EngineError, *CombinedBalanceSnapshot, EmergencyCheck or RebalanceAdvice.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// StatusChange is the payload of EventStatusChanged.
type StatusChange struct {
	From Status `json:"from"`
	To   Status `json:"to"`
}

// EngineError is the payload of EventErrorOccurred. Expected failure modes
// are reported through this payload instead of being raised to callers.
type EngineError struct {
	Reason  string `json:"reason"`
	Symbol  string `json:"symbol,omitempty"`
	TradeID string `json:"trade_id,omitempty"`
	Message string `json:"message"`

	// Held inventory after a partial-leg failure. The engine never
	// auto-reverses a filled leg; a human or guard decides.
	HeldAsset    string  `json:"held_asset,omitempty"`
	HeldQuantity float64 `json:"held_quantity,omitempty"`
	HeldExchange string  `json:"held_exchange,omitempty"`
}

// RebalanceAdvice is the payload of EventRebalanceRecommended.
type RebalanceAdvice struct {
	Asset        string  `json:"asset"`
	FromExchange string  `json:"from_exchange"`
	ToExchange   string  `json:"to_exchange"`
	Ratio        float64 `json:"ratio"`
}

// Bus is a typed fan-out channel for engine events. Any number of external
// consumers subscribe; the engine never knows who is listening. Publishing
// never blocks: a subscriber that falls behind loses events rather than
// stalling the trading loops.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	buffer int
	closed bool
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{buffer: buffer}
}

// Subscribe registers a new consumer and returns its event channel.
// The channel is closed when the bus is closed.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(t EventType, data any) {
	ev := Event{Type: t, Timestamp: time.Now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full, drop for this consumer.
		}
	}
}

// Close closes all subscriber channels. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
