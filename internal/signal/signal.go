package signal

import (
	"fmt"
	"strings"
	"time"

	"crypto-automation-system/internal/model"
	"crypto-automation-system/internal/strategy"
)

// RawSignal 外部推送的原始交易信号 (例如 TradingView webhook)
type RawSignal struct {
	Ticker       string `json:"ticker"`
	Time         string `json:"time"` // RFC3339
	OrderAction  string `json:"order_action"`
	OrderComment string `json:"order_comment"`
}

// Preprocess 校验原始信号，并用策略配置补全交易对、基础资产和比例
func Preprocess(raw RawSignal, book strategy.Book) (model.TradeSignal, error) {
	ticker := strings.ToUpper(strings.TrimSpace(raw.Ticker))
	if ticker == "" {
		return model.TradeSignal{}, fmt.Errorf("%w: trade signal missing 'ticker' attribute", model.ErrInvalidTrade)
	}
	if raw.Time == "" {
		return model.TradeSignal{}, fmt.Errorf("%w: trade signal missing 'time' attribute", model.ErrInvalidTrade)
	}
	createdAt, err := time.Parse(time.RFC3339, raw.Time)
	if err != nil {
		return model.TradeSignal{}, fmt.Errorf("%w: invalid 'time' attribute %q: %v", model.ErrInvalidTrade, raw.Time, err)
	}

	entry, ok := book.Lookup(ticker)
	if !ok {
		return model.TradeSignal{}, fmt.Errorf("%w: no configuration found for ticker '%s'", model.ErrInvalidTrade, ticker)
	}
	action, err := model.ParseOrderAction(raw.OrderAction)
	if err != nil {
		return model.TradeSignal{}, err
	}

	sig := model.TradeSignal{
		Ticker:         ticker,
		ExchangeSymbol: entry.ExchangeSymbol,
		BaseAsset:      entry.BaseAsset,
		OrderAction:    action,
		Percentage:     entry.Percentage,
		CreatedAt:      createdAt.UTC(),
		Comment:        raw.OrderComment,
	}
	return sig, sig.Validate()
}

// IsStopLoss 注释中包含 "stop" (不区分大小写) 的信号立即止损，不进入定时分配
func IsStopLoss(sig model.TradeSignal) bool {
	return strings.Contains(strings.ToLower(sig.Comment), "stop")
}
