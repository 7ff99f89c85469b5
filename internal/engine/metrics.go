package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	statusGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arb_engine_status",
		Help: "Current engine status (0=idle 1=starting 2=running 3=paused 4=stopping 5=stopped 6=error)",
	})

	pollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_poll_errors_total",
		Help: "Market data poll cycles skipped due to fetch errors",
	}, []string{"symbol"})

	netSpreadObserved = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arb_net_spread_percent",
		Help:    "Fee-adjusted net spread observed per detection cycle",
		Buckets: []float64{-1, -0.5, -0.2, -0.1, 0, 0.05, 0.1, 0.2, 0.5, 1, 2},
	}, []string{"symbol"})

	opportunitiesFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_opportunities_total",
		Help: "Detected opportunities by outcome (tradeable or rejected)",
	}, []string{"symbol", "outcome"})

	tradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_trades_total",
		Help: "Completed trade attempts by final status",
	}, []string{"status"})

	executionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arb_execution_duration_seconds",
		Help:    "Wall time of a two-leg execution from first submit to settlement",
		Buckets: prometheus.DefBuckets,
	})

	tradePnL = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arb_trade_pnl",
		Help:    "Realized net PnL per trade in quote currency",
		Buckets: []float64{-50, -20, -10, -5, -1, 0, 1, 5, 10, 20, 50},
	})

	equityGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arb_pool_equity",
		Help: "Combined pool equity in quote currency",
	})

	drawdownGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arb_pool_drawdown_percent",
		Help: "Percent decline from the equity high-water mark",
	})

	emergencyTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_emergency_triggers_total",
		Help: "Emergency guard activations by reason",
	}, []string{"reason"})
)

// statusValue maps a status onto the gauge scale documented above.
func statusValue(s Status) float64 {
	switch s {
	case StatusIdle:
		return 0
	case StatusStarting:
		return 1
	case StatusRunning:
		return 2
	case StatusPaused:
		return 3
	case StatusStopping:
		return 4
	case StatusStopped:
		return 5
	case StatusError:
		return 6
	}
	return -1
}
