package history

import (
	"context"
	"fmt"
	"time"

	"cross-arb-bot-go/internal/engine"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// TradeRecord is one persisted arbitrage attempt.
type TradeRecord struct {
	gorm.Model
	TradeID          string  `json:"trade_id" gorm:"uniqueIndex"`
	Symbol           string  `json:"symbol" gorm:"index"`
	BuyExchange      string  `json:"buy_exchange"`
	SellExchange     string  `json:"sell_exchange"`
	Status           string  `json:"status"`
	NetSpreadPercent float64 `json:"net_spread_percent"`
	Quantity         float64 `json:"quantity"`
	BuyValue         float64 `json:"buy_value"`
	SellValue        float64 `json:"sell_value"`
	TotalFees        float64 `json:"total_fees"`
	NetPnL           float64 `json:"net_pnl"`
	PnLPercent       float64 `json:"pnl_percent"`
	DurationMs       int64   `json:"duration_ms"`
	Error            string  `json:"error,omitempty"`
	IsSimulation     bool    `json:"is_simulation"`
	ExecutedAt       int64   `json:"executed_at" gorm:"index"`
}

// Store persists trade results to the configured database.
type Store struct {
	db *gorm.DB
}

var _ engine.Recorder = (*Store)(nil)

// NewStore opens the database and migrates the schema. History is
// append-only; existing records survive restarts.
func NewStore(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&TradeRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Record implements engine.Recorder.
func (s *Store) Record(ctx context.Context, result *engine.TradeResult) error {
	rec := TradeRecord{
		TradeID:          result.TradeID,
		Symbol:           result.Symbol,
		BuyExchange:      result.BuyExchange,
		SellExchange:     result.SellExchange,
		Status:           string(result.Status),
		NetSpreadPercent: result.Opportunity.NetSpreadPercent,
		Quantity:         result.Opportunity.Quantity,
		BuyValue:         result.BuyValue,
		SellValue:        result.SellValue,
		TotalFees:        result.TotalFees,
		NetPnL:           result.NetPnL,
		PnLPercent:       result.PnLPercent,
		DurationMs:       result.Duration.Milliseconds(),
		Error:            result.Error,
		IsSimulation:     result.IsSimulation,
		ExecutedAt:       result.CompletedAt.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// Recent returns the latest records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]TradeRecord, error) {
	var records []TradeRecord
	err := s.db.WithContext(ctx).
		Order("executed_at desc").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// PnLSince sums realized PnL for records executed at or after the cutoff.
func (s *Store) PnLSince(ctx context.Context, cutoff time.Time) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).
		Model(&TradeRecord{}).
		Where("executed_at >= ?", cutoff.UnixMilli()).
		Select("COALESCE(SUM(net_pn_l), 0)").
		Scan(&total).Error
	return total, err
}
