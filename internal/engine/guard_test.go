package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"cross-arb-bot-go/internal/config"
)

func testRisk() *config.Risk {
	return &config.Risk{
		MaxDailyLoss:           100.0,
		MaxConsecutiveLosses:   3,
		MaxDrawdownPercent:     10.0,
		DrawdownProtection:     true,
		RapidLossWindowSeconds: 300,
		RapidLossPercent:       5.0,
		CriticalImbalanceRatio: 0.9,
	}
}

func TestGuard_NoTrigger(t *testing.T) {
	g := NewEmergencyGuard(testRisk())

	check := g.Check(GuardInput{
		DrawdownPercent:   2.0,
		DailyLoss:         10.0,
		ConsecutiveLosses: 1,
		RecentLossPercent: 0.5,
		ImbalanceRatio:    0.6,
	})

	assert.Nil(t, check)
}

func TestGuard_DrawdownStopsTrading(t *testing.T) {
	g := NewEmergencyGuard(testRisk())

	check := g.Check(GuardInput{DrawdownPercent: 10.0})

	assert.NotNil(t, check)
	assert.Equal(t, ReasonDrawdownExceeded, check.Reason)
	assert.Equal(t, ActionStopTrading, check.Action)
	assert.Equal(t, 10.0, check.Value)
}

func TestGuard_DrawdownProtectionDisabled(t *testing.T) {
	risk := testRisk()
	risk.DrawdownProtection = false
	g := NewEmergencyGuard(risk)

	check := g.Check(GuardInput{DrawdownPercent: 50.0})

	assert.Nil(t, check)
}

func TestGuard_DailyLossStopsTrading(t *testing.T) {
	g := NewEmergencyGuard(testRisk())

	check := g.Check(GuardInput{DailyLoss: 120.0})

	assert.NotNil(t, check)
	assert.Equal(t, ReasonDailyLossExceeded, check.Reason)
	assert.Equal(t, ActionStopTrading, check.Action)
}

func TestGuard_ConsecutiveLossesPausesTrading(t *testing.T) {
	g := NewEmergencyGuard(testRisk())

	// Two losses are tolerated, the third trips the rule.
	assert.Nil(t, g.Check(GuardInput{ConsecutiveLosses: 2}))

	check := g.Check(GuardInput{ConsecutiveLosses: 3})
	assert.NotNil(t, check)
	assert.Equal(t, ReasonConsecutiveLosses, check.Reason)
	assert.Equal(t, ActionPauseTrading, check.Action)
}

func TestGuard_RapidLossPausesTrading(t *testing.T) {
	g := NewEmergencyGuard(testRisk())

	check := g.Check(GuardInput{RecentLossPercent: 6.0})

	assert.NotNil(t, check)
	assert.Equal(t, ReasonRapidLossRate, check.Reason)
	assert.Equal(t, ActionPauseTrading, check.Action)
}

func TestGuard_CriticalImbalancePausesTrading(t *testing.T) {
	g := NewEmergencyGuard(testRisk())

	check := g.Check(GuardInput{
		ImbalanceRatio:    0.95,
		ImbalanceAsset:    "USDT",
		ImbalanceExchange: "alpha",
	})

	assert.NotNil(t, check)
	assert.Equal(t, ReasonCriticalImbalance, check.Reason)
	assert.Equal(t, ActionPauseTrading, check.Action)
	assert.Contains(t, check.Message, "USDT")
	assert.Contains(t, check.Message, "alpha")
}

func TestGuard_SeverityOrder(t *testing.T) {
	// Every rule would fire; the most severe wins.
	g := NewEmergencyGuard(testRisk())

	check := g.Check(GuardInput{
		DrawdownPercent:   15.0,
		DailyLoss:         200.0,
		ConsecutiveLosses: 5,
		RecentLossPercent: 10.0,
		ImbalanceRatio:    0.99,
	})

	assert.NotNil(t, check)
	assert.Equal(t, ReasonDrawdownExceeded, check.Reason)
	assert.Equal(t, ActionStopTrading, check.Action)
}

func TestGuard_DisabledRulesNeverFire(t *testing.T) {
	g := NewEmergencyGuard(&config.Risk{})

	check := g.Check(GuardInput{
		DrawdownPercent:   99.0,
		DailyLoss:         1e9,
		ConsecutiveLosses: 100,
		RecentLossPercent: 99.0,
		ImbalanceRatio:    1.0,
	})

	assert.Nil(t, check)
}
