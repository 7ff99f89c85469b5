package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Exchanges map[string]Exchange `mapstructure:"exchanges"`
	Trading   Trading             `mapstructure:"trading"`
	Strategy  Strategy            `mapstructure:"strategy"`
	Logger    Logger              `mapstructure:"logger"`
	Server    Server              `mapstructure:"server"`
	Database  Database            `mapstructure:"database"`
	Telegram  Telegram            `mapstructure:"telegram"`
}

// Exchange holds the connection settings for one exchange REST API.
type Exchange struct {
	BaseURL        string  `mapstructure:"base_url"`
	ApiKey         string  `mapstructure:"apiKey"`
	SecretKey      string  `mapstructure:"secretKey"`
	TakerFeeRate   float64 `mapstructure:"taker_fee_rate"` // percent, e.g. 0.1
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Pair describes one arbitrage route between two exchanges.
type Pair struct {
	Symbol        string            `mapstructure:"symbol"`
	BaseCurrency  string            `mapstructure:"base"`
	QuoteCurrency string            `mapstructure:"quote"`
	ExchangeA     string            `mapstructure:"exchange_a"`
	ExchangeB     string            `mapstructure:"exchange_b"`
	SymbolMapping map[string]string `mapstructure:"symbol_mapping"` // exchange name -> native symbol
	Enabled       bool              `mapstructure:"enabled"`
}

// Trading holds the runtime parameters of the engine loops.
type Trading struct {
	QuoteCurrency          string  `mapstructure:"quote_currency"`
	TradeAmount            float64 `mapstructure:"trade_amount"` // quote currency per attempt
	PollInterval           int     `mapstructure:"poll_interval"`
	RequestTimeout         int     `mapstructure:"request_timeout"`
	FreshnessWindow        int     `mapstructure:"freshness_window"`
	BalanceRefreshInterval int     `mapstructure:"balance_refresh_interval"`
	ShutdownGrace          int     `mapstructure:"shutdown_grace"`
	DryRun                 bool    `mapstructure:"dry_run"`
	Pairs                  []Pair  `mapstructure:"pairs"`
}

// Strategy is the named, versioned rule bundle the engine trades with.
// It is read-only during a run; swapping it requires UpdateConfig between runs.
type Strategy struct {
	Name     string   `mapstructure:"name"`
	Version  int      `mapstructure:"version"`
	Entry    Entry    `mapstructure:"entry"`
	Exit     Exit     `mapstructure:"exit"`
	Risk     Risk     `mapstructure:"risk"`
	Advanced Advanced `mapstructure:"advanced"`
}

// Entry holds the rules that decide whether a detected spread is tradeable.
type Entry struct {
	MinSpreadPercent     float64 `mapstructure:"min_spread_percent"`
	MaxSpreadPercent     float64 `mapstructure:"max_spread_percent"`
	MinVolume24h         float64 `mapstructure:"min_volume_24h"`
	ConfirmationSeconds  int     `mapstructure:"confirmation_seconds"`
	MomentumCheck        bool    `mapstructure:"momentum_check"`
	VolatilityCheck      bool    `mapstructure:"volatility_check"`
	MaxVolatilityPercent float64 `mapstructure:"max_volatility_percent"`
	OrderBookDepthCheck  bool    `mapstructure:"order_book_depth_check"`
	MinOrderBookDepth    float64 `mapstructure:"min_order_book_depth"`
}

// Exit holds the position exit rules.
type Exit struct {
	TakeProfitPercent      float64 `mapstructure:"take_profit_percent"`
	StopLossPercent        float64 `mapstructure:"stop_loss_percent"`
	TrailingStopActivation float64 `mapstructure:"trailing_stop_activation"`
	TrailingStopDistance   float64 `mapstructure:"trailing_stop_distance"`
	MaxHoldTimeSeconds     int     `mapstructure:"max_hold_time_seconds"`
}

// Risk holds position sizing limits and the emergency-guard thresholds.
type Risk struct {
	MaxPositionSize           float64 `mapstructure:"max_position_size"` // quote currency
	MaxBalancePercentPerTrade float64 `mapstructure:"max_balance_percent_per_trade"`
	MaxOpenPositions          int     `mapstructure:"max_open_positions"`
	MaxTradesPerHour          int     `mapstructure:"max_trades_per_hour"`
	MaxDailyLoss              float64 `mapstructure:"max_daily_loss"` // quote currency
	MaxConsecutiveLosses      int     `mapstructure:"max_consecutive_losses"`
	MaxDrawdownPercent        float64 `mapstructure:"max_drawdown_percent"`
	DrawdownProtection        bool    `mapstructure:"drawdown_protection"`
	RapidLossWindowSeconds    int     `mapstructure:"rapid_loss_window_seconds"`
	RapidLossPercent          float64 `mapstructure:"rapid_loss_percent"`
	CriticalImbalanceRatio    float64 `mapstructure:"critical_imbalance_ratio"` // 0.5..1.0
}

// Advanced holds the execution tuning rules.
type Advanced struct {
	SlippagePercent        float64 `mapstructure:"slippage_percent"` // allowance subtracted from the spread
	OrderTimeoutSeconds    int     `mapstructure:"order_timeout_seconds"`
	UseLimitOrders         bool    `mapstructure:"use_limit_orders"`
	SplitOrders            bool    `mapstructure:"split_orders"`
	OrderSplitCount        int     `mapstructure:"order_split_count"`
	MaxRetries             int     `mapstructure:"max_retries"`
	PreferLowerFeeExchange bool    `mapstructure:"prefer_lower_fee_exchange"`
}

// Server holds the configuration for the metrics/event web server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the trade history database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Telegram holds the optional notification settings.
type Telegram struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	ChatID  int64  `mapstructure:"chat_id"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	err = config.Validate()
	return
}

func setDefaults() {
	viper.SetDefault("trading.poll_interval", 3)   // seconds
	viper.SetDefault("trading.request_timeout", 5) // seconds per exchange call
	viper.SetDefault("trading.freshness_window", 10)
	viper.SetDefault("trading.balance_refresh_interval", 10)
	viper.SetDefault("trading.shutdown_grace", 30)
	viper.SetDefault("trading.quote_currency", "USDT")

	viper.SetDefault("strategy.entry.max_spread_percent", 5.0)
	viper.SetDefault("strategy.risk.max_balance_percent_per_trade", 25.0)
	viper.SetDefault("strategy.risk.critical_imbalance_ratio", 0.9)
	viper.SetDefault("strategy.advanced.order_timeout_seconds", 30)
	viper.SetDefault("strategy.advanced.max_retries", 3)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")
	viper.SetDefault("server.port", 8080)
}

// Validate checks the parts of the configuration the engine cannot run without.
func (c *Config) Validate() error {
	if len(c.Exchanges) < 2 {
		return fmt.Errorf("config: at least two exchanges are required, got %d", len(c.Exchanges))
	}
	for _, p := range c.Trading.Pairs {
		if p.ExchangeA == p.ExchangeB {
			return fmt.Errorf("config: pair %s must use two distinct exchanges", p.Symbol)
		}
		if _, ok := c.Exchanges[p.ExchangeA]; !ok {
			return fmt.Errorf("config: pair %s references unknown exchange %q", p.Symbol, p.ExchangeA)
		}
		if _, ok := c.Exchanges[p.ExchangeB]; !ok {
			return fmt.Errorf("config: pair %s references unknown exchange %q", p.Symbol, p.ExchangeB)
		}
	}
	if c.Strategy.Entry.MinSpreadPercent < 0 {
		return fmt.Errorf("config: strategy.entry.min_spread_percent must not be negative")
	}
	if c.Strategy.Entry.MaxSpreadPercent > 0 && c.Strategy.Entry.MaxSpreadPercent < c.Strategy.Entry.MinSpreadPercent {
		return fmt.Errorf("config: strategy.entry.max_spread_percent is below min_spread_percent")
	}
	return nil
}
