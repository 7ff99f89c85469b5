package engine

import (
	"fmt"
	"time"

	"cross-arb-bot-go/internal/config"
)

// GuardInput is the state the emergency guard evaluates. Built by the
// engine from the balance pool after every balance update and completed
// trade.
type GuardInput struct {
	DrawdownPercent   float64
	DailyLoss         float64 // positive quote amount
	ConsecutiveLosses int
	RecentLossPercent float64 // loss over the rolling window, percent of equity

	ImbalanceRatio    float64
	ImbalanceAsset    string
	ImbalanceExchange string
}

// EmergencyGuard evaluates the risk rules over balance pool state and the
// trade outcome stream. It is pure with respect to its inputs: it only
// reads and recommends. The engine controller is the sole actor allowed
// to pause or stop, keeping every state transition in one place.
type EmergencyGuard struct {
	risk *config.Risk
}

// NewEmergencyGuard creates a guard over the strategy's risk rules.
func NewEmergencyGuard(risk *config.Risk) *EmergencyGuard {
	return &EmergencyGuard{risk: risk}
}

// RapidLossWindow is the rolling window the rapid-loss rule looks at.
func (g *EmergencyGuard) RapidLossWindow() time.Duration {
	if g.risk.RapidLossWindowSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(g.risk.RapidLossWindowSeconds) * time.Second
}

// Check runs the trigger rules in severity order; the first match wins.
// Returns nil when no rule fires.
func (g *EmergencyGuard) Check(in GuardInput) *EmergencyCheck {
	if g.risk.DrawdownProtection && g.risk.MaxDrawdownPercent > 0 && in.DrawdownPercent >= g.risk.MaxDrawdownPercent {
		return &EmergencyCheck{
			Reason: ReasonDrawdownExceeded,
			Message: fmt.Sprintf("drawdown %.2f%% reached the %.2f%% limit",
				in.DrawdownPercent, g.risk.MaxDrawdownPercent),
			Action: ActionStopTrading,
			Value:  in.DrawdownPercent,
			Limit:  g.risk.MaxDrawdownPercent,
		}
	}

	if g.risk.MaxDailyLoss > 0 && in.DailyLoss >= g.risk.MaxDailyLoss {
		return &EmergencyCheck{
			Reason: ReasonDailyLossExceeded,
			Message: fmt.Sprintf("daily loss %.2f reached the %.2f limit",
				in.DailyLoss, g.risk.MaxDailyLoss),
			Action: ActionStopTrading,
			Value:  in.DailyLoss,
			Limit:  g.risk.MaxDailyLoss,
		}
	}

	if g.risk.MaxConsecutiveLosses > 0 && in.ConsecutiveLosses >= g.risk.MaxConsecutiveLosses {
		return &EmergencyCheck{
			Reason: ReasonConsecutiveLosses,
			Message: fmt.Sprintf("%d consecutive losing trades reached the limit of %d",
				in.ConsecutiveLosses, g.risk.MaxConsecutiveLosses),
			Action: ActionPauseTrading,
			Value:  float64(in.ConsecutiveLosses),
			Limit:  float64(g.risk.MaxConsecutiveLosses),
		}
	}

	if g.risk.RapidLossPercent > 0 && in.RecentLossPercent >= g.risk.RapidLossPercent {
		return &EmergencyCheck{
			Reason: ReasonRapidLossRate,
			Message: fmt.Sprintf("lost %.2f%% of equity within %s",
				in.RecentLossPercent, g.RapidLossWindow()),
			Action: ActionPauseTrading,
			Value:  in.RecentLossPercent,
			Limit:  g.risk.RapidLossPercent,
		}
	}

	if g.risk.CriticalImbalanceRatio > 0 && in.ImbalanceRatio >= g.risk.CriticalImbalanceRatio {
		return &EmergencyCheck{
			Reason: ReasonCriticalImbalance,
			Message: fmt.Sprintf("%.0f%% of %s sits on %s, counterparty leg is starved",
				in.ImbalanceRatio*100, in.ImbalanceAsset, in.ImbalanceExchange),
			Action: ActionPauseTrading,
			Value:  in.ImbalanceRatio,
			Limit:  g.risk.CriticalImbalanceRatio,
		}
	}

	return nil
}
