package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"cross-arb-bot-go/internal/engine"
)

// TelegramNotifier forwards the events an operator needs to see to a
// Telegram chat. It is a plain bus subscriber; losing a notification
// never affects trading.
type TelegramNotifier struct {
	logger *zap.Logger
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier connects to the Telegram Bot API.
func NewTelegramNotifier(logger *zap.Logger, token string, chatID int64) (*TelegramNotifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init failed: %w", err)
	}
	logger.Info("Telegram notifier connected", zap.String("bot", api.Self.UserName))
	return &TelegramNotifier{logger: logger, api: api, chatID: chatID}, nil
}

// Run consumes the event stream until the context ends or the channel closes.
func (n *TelegramNotifier) Run(ctx context.Context, events <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if msg := n.format(ev); msg != "" {
				n.send(msg)
			}
		}
	}
}

// format renders the operator-relevant events; everything else is skipped.
func (n *TelegramNotifier) format(ev engine.Event) string {
	switch ev.Type {
	case engine.EventTradeCompleted:
		result, ok := ev.Data.(*engine.TradeResult)
		if !ok {
			return ""
		}
		tag := ""
		if result.IsSimulation {
			tag = " [dry run]"
		}
		switch result.Status {
		case engine.TradeCompleted:
			return fmt.Sprintf("✅ %s%s\n%s -> %s\nPnL: %.4f (%.3f%%)",
				result.Symbol, tag, result.BuyExchange, result.SellExchange,
				result.NetPnL, result.PnLPercent)
		case engine.TradePartialFailure:
			return fmt.Sprintf("⚠️ Partial failure on %s%s\n%s -> %s\n%s",
				result.Symbol, tag, result.BuyExchange, result.SellExchange, result.Error)
		default:
			return fmt.Sprintf("❌ Trade failed on %s%s\n%s", result.Symbol, tag, result.Error)
		}

	case engine.EventEmergencyTriggered:
		check, ok := ev.Data.(*engine.EmergencyCheck)
		if !ok {
			return ""
		}
		return fmt.Sprintf("🚨 EMERGENCY: %s\n%s\nAction: %s",
			check.Reason, check.Message, check.Action)

	case engine.EventErrorOccurred:
		ee, ok := ev.Data.(engine.EngineError)
		if !ok {
			return ""
		}
		if ee.HeldQuantity > 0 {
			return fmt.Sprintf("⚠️ %s: %s\nHeld: %.8f %s on %s",
				ee.Reason, ee.Message, ee.HeldQuantity, ee.HeldAsset, ee.HeldExchange)
		}
		return fmt.Sprintf("⚠️ %s: %s", ee.Reason, ee.Message)

	case engine.EventStatusChanged:
		change, ok := ev.Data.(engine.StatusChange)
		if !ok {
			return ""
		}
		return fmt.Sprintf("Engine: %s -> %s", change.From, change.To)
	}
	return ""
}

func (n *TelegramNotifier) send(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		n.logger.Warn("Telegram send failed", zap.Error(err))
	}
}
