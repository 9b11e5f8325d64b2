package signal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"crypto-automation-system/internal/model"
	"crypto-automation-system/internal/service"
	"crypto-automation-system/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store 交易信号存储
type Store interface {
	Save(ctx context.Context, sig model.TradeSignal) error
	// Recent 返回 ticker 在 cutoff 之后 (含) 的信号，按时间倒序
	Recent(ctx context.Context, ticker string, cutoff time.Time) ([]model.TradeSignal, error)
}

// DatabaseError 存储读写失败
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error: %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// SignalsFetchError 部分策略的信号读取失败，FailedTickers: ticker -> 错误信息
type SignalsFetchError struct {
	FailedTickers map[string]string
}

func (e *SignalsFetchError) Error() string {
	tickers := make([]string, 0, len(e.FailedTickers))
	for t := range e.FailedTickers {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	parts := make([]string, 0, len(tickers))
	for _, t := range tickers {
		parts = append(parts, t+": "+e.FailedTickers[t])
	}
	return "failed to fetch signals for tickers: {" + strings.Join(parts, ", ") + "}"
}

// TradeSignalPO 交易信号持久化对象
type TradeSignalPO struct {
	gorm.Model
	Ticker         string          `gorm:"column:ticker;type:varchar(32);index:idx_ticker_create_ts,priority:1;not null;comment:策略代码"`
	CreateTS       time.Time       `gorm:"column:create_ts;index:idx_ticker_create_ts,priority:2;not null;comment:信号时间"`
	ExchangeSymbol string          `gorm:"column:exchange_symbol;type:varchar(32);not null;comment:交易对"`
	BaseAsset      string          `gorm:"column:base_asset;type:varchar(16);not null;comment:基础资产"`
	OrderAction    string          `gorm:"column:order_action;type:varchar(8);not null;comment:buy/sell"`
	Percentage     decimal.Decimal `gorm:"column:percentage;type:decimal(10,6);not null;comment:分配比例"`
	OrderComment   string          `gorm:"column:order_comment;type:varchar(255);comment:信号注释"`
}

func (TradeSignalPO) TableName() string { return "trade_signals" }

func toPO(sig model.TradeSignal) *TradeSignalPO {
	return &TradeSignalPO{
		Ticker:         sig.Ticker,
		CreateTS:       sig.CreatedAt.UTC(),
		ExchangeSymbol: sig.ExchangeSymbol,
		BaseAsset:      sig.BaseAsset,
		OrderAction:    sig.OrderAction.String(),
		Percentage:     sig.Percentage,
		OrderComment:   sig.Comment,
	}
}

func (po *TradeSignalPO) toSignal() model.TradeSignal {
	return model.TradeSignal{
		Ticker:         po.Ticker,
		ExchangeSymbol: po.ExchangeSymbol,
		BaseAsset:      po.BaseAsset,
		OrderAction:    model.OrderAction(po.OrderAction),
		Percentage:     po.Percentage,
		CreatedAt:      po.CreateTS.UTC(),
		Comment:        po.OrderComment,
	}
}

// GormStore 基于 gorm (MySQL) 的 Store 实现
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// OpenMySQL 连接数据库，autoMigrate 时创建/更新 trade_signals 表
func OpenMySQL(cfg service.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if cfg.AutoMigrate {
		if err := db.AutoMigrate(&TradeSignalPO{}); err != nil {
			return nil, fmt.Errorf("failed to migrate trade_signals: %w", err)
		}
		logger.Info("Database migrated", zap.String("table", TradeSignalPO{}.TableName()))
	}
	return db, nil
}

func (s *GormStore) Save(ctx context.Context, sig model.TradeSignal) error {
	if err := s.db.WithContext(ctx).Create(toPO(sig)).Error; err != nil {
		return &DatabaseError{Op: "save signal for " + sig.Ticker, Err: err}
	}
	return nil
}

func (s *GormStore) recentQuery(ctx context.Context, ticker string, cutoff time.Time) *gorm.DB {
	return s.db.WithContext(ctx).
		Where("ticker = ? AND create_ts >= ?", ticker, cutoff.UTC()).
		Order("create_ts DESC")
}

func (s *GormStore) Recent(ctx context.Context, ticker string, cutoff time.Time) ([]model.TradeSignal, error) {
	var pos []TradeSignalPO
	if err := s.recentQuery(ctx, ticker, cutoff).Find(&pos).Error; err != nil {
		return nil, &DatabaseError{Op: "query recent signals for " + ticker, Err: err}
	}
	out := make([]model.TradeSignal, 0, len(pos))
	for i := range pos {
		out = append(out, pos[i].toSignal())
	}
	return out, nil
}

// AllRecent 读取所有活跃策略 (比例大于 threshold) 在 cutoff 之后的信号
// 任一策略读取失败时返回 SignalsFetchError，列出全部失败的 ticker
func AllRecent(ctx context.Context, store Store, book strategy.Book, cutoff time.Time, threshold decimal.Decimal) ([]model.TradeSignal, error) {
	var signals []model.TradeSignal
	failed := map[string]string{}

	for _, entry := range book.Active(threshold) {
		recent, err := store.Recent(ctx, entry.Ticker, cutoff)
		if err != nil {
			failed[entry.Ticker] = err.Error()
			continue
		}
		signals = append(signals, recent...)
	}

	if len(failed) > 0 {
		return nil, &SignalsFetchError{FailedTickers: failed}
	}
	return signals, nil
}
