package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cross-arb-bot-go/internal/config"
	"cross-arb-bot-go/internal/exchange"
	"go.uber.org/zap"
)

// Recorder persists completed trade results. Implemented by the history
// store; nil disables persistence.
type Recorder interface {
	Record(ctx context.Context, result *TradeResult) error
}

// Engine owns the run lifecycle: it builds exchange clients, starts one
// poller per enabled pair, routes fresh quotes through the detector into
// the coordinator and applies the emergency guard's recommendations. It
// is the only component that mutates engine status.
type Engine struct {
	logger   *zap.Logger
	cfg      *config.Config
	factory  exchange.Factory
	bus      *Bus
	recorder Recorder
	guard    *EmergencyGuard
	table    *tickerTable

	mu          sync.Mutex
	status      Status
	pairs       map[string]TradingPair
	clients     map[string]exchange.Client
	pool        *BalancePool
	detector    *Detector
	coordinator *Coordinator
	runCtx      context.Context
	runCancel   context.CancelFunc
	pollerWg    sync.WaitGroup
	pollerStops map[string]context.CancelFunc
	tradeTimes  []time.Time
}

// New creates an engine in the Idle state. Nothing runs until Start.
func New(logger *zap.Logger, cfg *config.Config, factory exchange.Factory, bus *Bus, recorder Recorder) *Engine {
	e := &Engine{
		logger:      logger,
		cfg:         cfg,
		factory:     factory,
		bus:         bus,
		recorder:    recorder,
		guard:       NewEmergencyGuard(&cfg.Strategy.Risk),
		table:       newTickerTable(),
		status:      StatusIdle,
		pairs:       make(map[string]TradingPair),
		pollerStops: make(map[string]context.CancelFunc),
	}
	for _, p := range cfg.Trading.Pairs {
		pair := NewTradingPair(p)
		e.pairs[pair.Symbol] = pair
	}
	statusGauge.Set(statusValue(StatusIdle))
	return e
}

// Status returns the current lifecycle state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// setStatusLocked performs one validated transition and announces it.
func (e *Engine) setStatusLocked(to Status) error {
	from := e.status
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("illegal status transition %s -> %s", from, to)
	}
	e.status = to
	statusGauge.Set(statusValue(to))
	e.logger.Info("Engine status changed",
		zap.String("from", string(from)), zap.String("to", string(to)))
	if e.bus != nil {
		e.bus.Publish(EventStatusChanged, StatusChange{From: from, To: to})
	}
	return nil
}

// Start brings the engine to Running: connects every configured exchange,
// seeds the balance pool and launches one poller per enabled pair. Start
// on an already Running engine returns nil and changes nothing.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == StatusRunning {
		e.logger.Warn("Start ignored, engine already running")
		return nil
	}
	if err := e.setStatusLocked(StatusStarting); err != nil {
		return err
	}

	if err := e.startLocked(ctx); err != nil {
		e.setStatusLocked(StatusError)
		return err
	}
	return e.setStatusLocked(StatusRunning)
}

func (e *Engine) startLocked(ctx context.Context) error {
	clients := make(map[string]exchange.Client, len(e.cfg.Exchanges))
	for name := range e.cfg.Exchanges {
		client, err := e.factory.CreateClient(name)
		if err != nil {
			return fmt.Errorf("create client %s: %w", name, err)
		}
		if err := client.TestConnection(ctx); err != nil {
			return fmt.Errorf("connectivity check for %s: %w", name, err)
		}
		clients[name] = client
	}
	e.clients = clients

	fees := make(map[string]float64, len(clients))
	for name, client := range clients {
		fees[name] = client.TakerFeeRate()
	}

	e.pool = NewBalancePool(e.logger, clients, e.cfg.Trading.QuoteCurrency, e.table, e.bus)
	if err := e.pool.Initialize(ctx); err != nil {
		return err
	}
	e.pool.setOnUpdate(func(*CombinedBalanceSnapshot) { e.checkGuards() })

	e.detector = NewDetector(e.logger, &e.cfg.Strategy, &e.cfg.Trading, fees, e.pool)
	e.coordinator = NewCoordinator(e.logger, &e.cfg.Strategy, &e.cfg.Trading, clients, e.bus)
	e.tradeTimes = nil

	// The run context is rooted in Background, not the Start context:
	// the run outlives the call that started it.
	e.runCtx, e.runCancel = context.WithCancel(context.Background())

	refresh := time.Duration(e.cfg.Trading.BalanceRefreshInterval) * time.Second
	e.pollerWg.Add(1)
	go func() {
		defer e.pollerWg.Done()
		e.pool.Run(e.runCtx, refresh)
	}()

	for _, pair := range e.pairs {
		if pair.Enabled {
			e.startPollerLocked(pair)
		}
	}
	return nil
}

// startPollerLocked launches the polling goroutine for one pair.
func (e *Engine) startPollerLocked(pair TradingPair) {
	p := &Poller{
		logger:    e.logger,
		pair:      pair,
		clientA:   e.clients[pair.ExchangeA],
		clientB:   e.clients[pair.ExchangeB],
		table:     e.table,
		bus:       e.bus,
		interval:  time.Duration(e.cfg.Trading.PollInterval) * time.Second,
		timeout:   time.Duration(e.cfg.Trading.RequestTimeout) * time.Second,
		freshness: time.Duration(e.cfg.Trading.FreshnessWindow) * time.Second,
		onFresh:   e.onFresh,
	}

	pollCtx, cancel := context.WithCancel(e.runCtx)
	e.pollerStops[pair.Symbol] = cancel
	e.pollerWg.Add(1)
	go func() {
		defer e.pollerWg.Done()
		defer e.recoverPanic("poller " + pair.Symbol)
		p.Run(pollCtx)
	}()
}

// recoverPanic converts a goroutine panic into the Error state and halts
// the run, instead of taking the process down.
func (e *Engine) recoverPanic(where string) {
	if r := recover(); r != nil {
		e.logger.Error("Panic recovered, engine entering error state",
			zap.String("where", where), zap.Any("panic", r))
		e.mu.Lock()
		if e.runCancel != nil {
			e.runCancel()
		}
		e.setStatusLocked(StatusError)
		e.mu.Unlock()
		if e.bus != nil {
			e.bus.Publish(EventErrorOccurred, EngineError{
				Reason:  "panic",
				Message: fmt.Sprintf("panic in %s: %v", where, r),
			})
		}
	}
}

// Pause suspends trading. Pollers keep running so market data stays warm;
// detected opportunities are discarded until Resume.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusPaused {
		return nil
	}
	return e.setStatusLocked(StatusPaused)
}

// Resume re-enables trading after a pause. Resuming an engine that is not
// paused is a no-op.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusPaused {
		return nil
	}
	return e.setStatusLocked(StatusRunning)
}

// Stop ends the run: pollers are cancelled, then in-flight executions get
// the shutdown grace period to settle their sell legs. An execution still
// running after the grace period is abandoned and reported, never killed
// silently.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.status.Active() || e.status == StatusStopping {
		e.mu.Unlock()
		return nil
	}
	if err := e.setStatusLocked(StatusStopping); err != nil {
		e.mu.Unlock()
		return err
	}
	cancel := e.runCancel
	coordinator := e.coordinator
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.pollerWg.Wait()

	grace := time.Duration(e.cfg.Trading.ShutdownGrace) * time.Second
	if coordinator != nil && !coordinator.Wait(grace) {
		e.logger.Error("Executions still in flight after shutdown grace, abandoning",
			zap.Int("in_flight", coordinator.InFlight()))
		if e.bus != nil {
			e.bus.Publish(EventErrorOccurred, EngineError{
				Reason:  "shutdown_drain_timeout",
				Message: fmt.Sprintf("%d executions abandoned at shutdown", coordinator.InFlight()),
			})
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pollerStops = make(map[string]context.CancelFunc)
	return e.setStatusLocked(StatusStopped)
}

// onFresh is the detection path, called by a poller after every cycle in
// which both legs are fresh.
func (e *Engine) onFresh(pair TradingPair, a, b *exchange.Ticker) {
	defer e.recoverPanic("detection " + pair.Symbol)

	e.mu.Lock()
	running := e.status == StatusRunning
	detector := e.detector
	runCtx := e.runCtx
	e.mu.Unlock()
	if !running || detector == nil {
		return
	}

	var books map[string]*exchange.OrderBook
	if e.cfg.Strategy.Entry.OrderBookDepthCheck {
		books = e.fetchBooks(runCtx, pair)
	}

	opp := detector.EvaluateWithBooks(pair, a, b, books)
	outcome := "rejected"
	if opp.ShouldTrade {
		outcome = "tradeable"
	}
	opportunitiesFound.WithLabelValues(pair.Symbol, outcome).Inc()
	if e.bus != nil {
		e.bus.Publish(EventOpportunityFound, opp)
	}

	if !opp.ShouldTrade {
		e.logger.Debug("Opportunity rejected",
			zap.String("symbol", pair.Symbol),
			zap.Float64("net_spread_percent", opp.NetSpreadPercent),
			zap.String("reason", opp.Reason))
		return
	}

	if !e.admitTrade() {
		return
	}

	// Execution runs on its own goroutine so the pair's price flow keeps
	// moving and pollers can exit promptly on cancel. The coordinator's
	// per-symbol lock drops overlapping opportunities for the same pair,
	// and its WaitGroup is what Stop drains within the grace period.
	go func() {
		defer e.recoverPanic("execution " + pair.Symbol)
		e.runTrade(runCtx, pair, opp)
	}()
}

// fetchBooks pulls order books for both legs; a failed leg yields a nil
// book, which the depth rule treats as unavailable.
func (e *Engine) fetchBooks(ctx context.Context, pair TradingPair) map[string]*exchange.OrderBook {
	timeout := time.Duration(e.cfg.Trading.RequestTimeout) * time.Second
	books := make(map[string]*exchange.OrderBook, 2)
	for _, name := range []string{pair.ExchangeA, pair.ExchangeB} {
		client, ok := e.clients[name]
		if !ok {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		book, err := client.GetOrderBook(callCtx, pair.NativeSymbol(name), 20)
		cancel()
		if err != nil {
			e.logger.Warn("Order book fetch failed",
				zap.String("exchange", name), zap.Error(err))
			continue
		}
		books[name] = book
	}
	return books
}

// admitTrade applies the engine-level throughput gates.
func (e *Engine) admitTrade() bool {
	risk := &e.cfg.Strategy.Risk

	if max := risk.MaxOpenPositions; max > 0 {
		e.mu.Lock()
		coordinator := e.coordinator
		e.mu.Unlock()
		if coordinator != nil && coordinator.InFlight() >= max {
			e.logger.Debug("Trade gated, open position limit reached",
				zap.Int("limit", max))
			return false
		}
	}

	if max := risk.MaxTradesPerHour; max > 0 {
		e.mu.Lock()
		defer e.mu.Unlock()
		cutoff := time.Now().Add(-time.Hour)
		start := 0
		for start < len(e.tradeTimes) && e.tradeTimes[start].Before(cutoff) {
			start++
		}
		e.tradeTimes = e.tradeTimes[start:]
		if len(e.tradeTimes) >= max {
			e.logger.Debug("Trade gated, hourly trade limit reached",
				zap.Int("limit", max))
			return false
		}
		e.tradeTimes = append(e.tradeTimes, time.Now())
	}
	return true
}

// runTrade executes one approved opportunity and feeds the result through
// accounting, persistence and the emergency guard.
func (e *Engine) runTrade(ctx context.Context, pair TradingPair, opp SpreadOpportunity) {
	e.mu.Lock()
	coordinator := e.coordinator
	pool := e.pool
	e.mu.Unlock()
	if coordinator == nil {
		return
	}

	result, err := coordinator.Execute(ctx, pair, opp)
	if err != nil {
		// In-flight collisions are expected under concurrent pollers.
		e.logger.Debug("Execution skipped",
			zap.String("symbol", opp.Symbol), zap.Error(err))
		return
	}

	if pool != nil {
		pool.RecordTrade(result)
	}
	if e.recorder != nil {
		recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.recorder.Record(recordCtx, result); err != nil {
			e.logger.Warn("Trade history write failed",
				zap.String("trade_id", result.TradeID), zap.Error(err))
		}
		cancel()
	}

	e.checkGuards()
}

// checkGuards evaluates the emergency rules against the pool and acts on
// the first recommendation.
func (e *Engine) checkGuards() {
	e.mu.Lock()
	pool := e.pool
	active := e.status == StatusRunning
	e.mu.Unlock()
	if pool == nil || !active {
		return
	}

	ratio, asset, heaviest := pool.MaxImbalance()
	stats := pool.TodayStats()
	check := e.guard.Check(GuardInput{
		DrawdownPercent:   pool.CurrentDrawdown(),
		DailyLoss:         pool.DailyLoss(),
		ConsecutiveLosses: stats.ConsecutiveLosses,
		RecentLossPercent: pool.RecentLossPercent(e.guard.RapidLossWindow()),
		ImbalanceRatio:    ratio,
		ImbalanceAsset:    asset,
		ImbalanceExchange: heaviest,
	})
	if check != nil {
		e.applyGuard(check)
	}
}

// applyGuard acts on an emergency recommendation. Stops run on their own
// goroutine: Stop waits for the poller goroutines, and the guard may fire
// from one of them.
func (e *Engine) applyGuard(check *EmergencyCheck) {
	e.logger.Error("Emergency guard triggered",
		zap.String("reason", string(check.Reason)),
		zap.String("action", string(check.Action)),
		zap.Float64("value", check.Value),
		zap.Float64("limit", check.Limit),
		zap.String("detail", check.Message))
	emergencyTriggers.WithLabelValues(string(check.Reason)).Inc()
	if e.bus != nil {
		e.bus.Publish(EventEmergencyTriggered, check)
	}

	if check.Reason == ReasonCriticalImbalance {
		if pool := e.poolRef(); pool != nil {
			if _, asset, heaviest := pool.MaxImbalance(); asset != "" {
				e.bus.Publish(EventRebalanceRecommended, RebalanceAdvice{
					Asset:        asset,
					FromExchange: heaviest,
					Ratio:        check.Value,
				})
			}
		}
	}

	switch check.Action {
	case ActionPauseTrading:
		if err := e.Pause(); err != nil {
			e.logger.Error("Emergency pause failed", zap.Error(err))
		}
	case ActionStopTrading:
		go func() {
			if err := e.Stop(); err != nil {
				e.logger.Error("Emergency stop failed", zap.Error(err))
			}
		}()
	}
}

func (e *Engine) poolRef() *BalancePool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool
}

// AddTradingPair registers a pair at runtime; its poller starts
// immediately when the engine is active.
func (e *Engine) AddTradingPair(p config.Pair) error {
	pair := NewTradingPair(p)
	if pair.ExchangeA == pair.ExchangeB {
		return fmt.Errorf("pair %s must use two distinct exchanges", pair.Symbol)
	}
	if _, ok := e.cfg.Exchanges[pair.ExchangeA]; !ok {
		return fmt.Errorf("pair %s references unknown exchange %q", pair.Symbol, pair.ExchangeA)
	}
	if _, ok := e.cfg.Exchanges[pair.ExchangeB]; !ok {
		return fmt.Errorf("pair %s references unknown exchange %q", pair.Symbol, pair.ExchangeB)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.pairs[pair.Symbol]; exists {
		return fmt.Errorf("pair %s already registered", pair.Symbol)
	}
	e.pairs[pair.Symbol] = pair
	if (e.status == StatusRunning || e.status == StatusPaused) && pair.Enabled {
		e.startPollerLocked(pair)
	}
	return nil
}

// RemoveTradingPair unregisters a pair and stops its poller if running.
func (e *Engine) RemoveTradingPair(symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.pairs[symbol]; !exists {
		return fmt.Errorf("pair %s not registered", symbol)
	}
	if stop, ok := e.pollerStops[symbol]; ok {
		stop()
		delete(e.pollerStops, symbol)
	}
	delete(e.pairs, symbol)
	return nil
}

// GetTradingPairs returns the registered pairs.
func (e *Engine) GetTradingPairs() []TradingPair {
	e.mu.Lock()
	defer e.mu.Unlock()
	pairs := make([]TradingPair, 0, len(e.pairs))
	for _, p := range e.pairs {
		pairs = append(pairs, p)
	}
	return pairs
}

// AnalyzeOpportunity fetches fresh tickers for one registered pair and
// evaluates it on demand, without executing. Requires an active run.
func (e *Engine) AnalyzeOpportunity(ctx context.Context, symbol string) (SpreadOpportunity, error) {
	e.mu.Lock()
	pair, ok := e.pairs[symbol]
	detector := e.detector
	clients := e.clients
	e.mu.Unlock()

	if !ok {
		return SpreadOpportunity{}, fmt.Errorf("pair %s not registered", symbol)
	}
	if detector == nil {
		return SpreadOpportunity{}, fmt.Errorf("engine has not been started")
	}

	p := &Poller{
		logger:  e.logger,
		pair:    pair,
		clientA: clients[pair.ExchangeA],
		clientB: clients[pair.ExchangeB],
		table:   e.table,
		timeout: time.Duration(e.cfg.Trading.RequestTimeout) * time.Second,
	}
	a, b, err := p.Poll(ctx)
	if err != nil {
		return SpreadOpportunity{}, err
	}
	return detector.Evaluate(pair, a, b), nil
}

// ExecuteArbitrage runs one opportunity through the full execution and
// accounting path, bypassing detection. Used by operator tooling.
func (e *Engine) ExecuteArbitrage(ctx context.Context, opp SpreadOpportunity) (*TradeResult, error) {
	e.mu.Lock()
	pair, ok := e.pairs[opp.Symbol]
	coordinator := e.coordinator
	pool := e.pool
	running := e.status == StatusRunning
	e.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("pair %s not registered", opp.Symbol)
	}
	if !running || coordinator == nil {
		return nil, fmt.Errorf("engine is not running")
	}

	result, err := coordinator.Execute(ctx, pair, opp)
	if err != nil {
		return nil, err
	}
	if pool != nil {
		pool.RecordTrade(result)
	}
	if e.recorder != nil {
		if err := e.recorder.Record(ctx, result); err != nil {
			e.logger.Warn("Trade history write failed",
				zap.String("trade_id", result.TradeID), zap.Error(err))
		}
	}
	e.checkGuards()
	return result, nil
}

// UpdateConfig swaps the configuration between runs. Rejected while a run
// is active: strategy parameters are immutable for the lifetime of a run.
func (e *Engine) UpdateConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Active() {
		return fmt.Errorf("cannot update config while engine is %s", e.status)
	}
	e.cfg = cfg
	e.guard = NewEmergencyGuard(&cfg.Strategy.Risk)
	e.pairs = make(map[string]TradingPair, len(cfg.Trading.Pairs))
	for _, p := range cfg.Trading.Pairs {
		pair := NewTradingPair(p)
		e.pairs[pair.Symbol] = pair
	}
	return nil
}

// GetTodayStats returns today's trade aggregates, zero before Start.
func (e *Engine) GetTodayStats() DailyStats {
	if pool := e.poolRef(); pool != nil {
		return pool.TodayStats()
	}
	return DailyStats{Date: todayUTC()}
}

// ResetDailyStats zeroes the daily aggregates.
func (e *Engine) ResetDailyStats() {
	if pool := e.poolRef(); pool != nil {
		pool.ResetDailyStats()
	}
}

// BalanceSnapshot returns the latest combined balance view, nil before
// the first refresh.
func (e *Engine) BalanceSnapshot() *CombinedBalanceSnapshot {
	if pool := e.poolRef(); pool != nil {
		return pool.Snapshot()
	}
	return nil
}
