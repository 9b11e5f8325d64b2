package strategy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidConfig 策略配置不满足约束
var ErrInvalidConfig = errors.New("invalid strategy config")

// Entry 单个策略的配置，key 为 ticker (例如 "BTCUSD")
type Entry struct {
	Ticker         string          `mapstructure:"-"`
	ExchangeSymbol string          `mapstructure:"exchange_symbol"` // 例如 "BTC/USD"
	BaseAsset      string          `mapstructure:"base_asset"`      // 例如 "BTC"
	Percentage     decimal.Decimal `mapstructure:"percentage"`      // 占账户总值的目标比例
}

func (e Entry) String() string {
	return fmt.Sprintf("STRATEGY [%s] %s (%s) %s", e.Ticker, e.ExchangeSymbol, e.BaseAsset, e.Percentage)
}

func (e Entry) validate() error {
	if e.ExchangeSymbol == "" {
		return fmt.Errorf("%w: %s: exchange_symbol is required", ErrInvalidConfig, e.Ticker)
	}
	if e.BaseAsset == "" {
		return fmt.Errorf("%w: %s: base_asset is required", ErrInvalidConfig, e.Ticker)
	}
	if e.Percentage.IsNegative() || e.Percentage.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: %s: percentage must be in [0, 1], got %s", ErrInvalidConfig, e.Ticker, e.Percentage)
	}
	return nil
}
