package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidTrade 交易信号校验失败，在任何交易所调用之前返回
	ErrInvalidTrade = errors.New("invalid trade")
	// ErrNoTrades 交易信号列表为空
	ErrNoTrades = fmt.Errorf("%w: trades list is empty", ErrInvalidTrade)
)

// OrderAction 定义了信号/订单方向
type OrderAction string

const (
	ActionBuy  OrderAction = "buy"
	ActionSell OrderAction = "sell"
)

func (a OrderAction) String() string {
	return string(a)
}

// Valid 仅 buy / sell 合法
func (a OrderAction) Valid() bool {
	return a == ActionBuy || a == ActionSell
}

// ParseOrderAction 大小写不敏感
func ParseOrderAction(s string) (OrderAction, error) {
	a := OrderAction(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: invalid order action: %q", ErrInvalidTrade, s)
	}
	return a, nil
}

// TradeSignal 是策略发出的一条买卖信号，构造后不再修改
type TradeSignal struct {
	Ticker         string
	ExchangeSymbol string          // 例如 "BTC/USD"
	BaseAsset      string          // 例如 "BTC"
	OrderAction    OrderAction     // buy | sell
	Percentage     decimal.Decimal // 买入时占账户总值的比例，[0, 1]
	CreatedAt      time.Time
	Comment        string
}

// NewTradeSignal 构造并校验一条信号
func NewTradeSignal(exchangeSymbol, baseAsset string, action OrderAction, percentage decimal.Decimal) (TradeSignal, error) {
	t := TradeSignal{
		ExchangeSymbol: exchangeSymbol,
		BaseAsset:      baseAsset,
		OrderAction:    action,
		Percentage:     percentage,
	}
	return t, t.Validate()
}

// Validate 检查必填字段；percentage 仅对买入信号必填
func (t TradeSignal) Validate() error {
	if t.ExchangeSymbol == "" {
		return fmt.Errorf("%w: missing required field in trade: exchange_symbol", ErrInvalidTrade)
	}
	if t.BaseAsset == "" {
		return fmt.Errorf("%w: missing required field in trade: base_asset", ErrInvalidTrade)
	}
	if t.OrderAction == "" {
		return fmt.Errorf("%w: missing required field in trade: order_action", ErrInvalidTrade)
	}
	if !t.OrderAction.Valid() {
		return fmt.Errorf("%w: invalid order action: %s", ErrInvalidTrade, t.OrderAction)
	}
	if t.OrderAction == ActionBuy {
		if t.Percentage.IsNegative() || t.Percentage.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: percentage for %s must be in [0, 1], got %s", ErrInvalidTrade, t.ExchangeSymbol, t.Percentage)
		}
		if t.Percentage.IsZero() {
			return fmt.Errorf("%w: missing required field in trade: percentage", ErrInvalidTrade)
		}
	}
	return nil
}

func (t TradeSignal) String() string {
	if t.OrderAction == ActionBuy {
		return fmt.Sprintf("SIGNAL [%s %s] %s", t.OrderAction, t.ExchangeSymbol, t.Percentage.StringFixed(4))
	}
	return fmt.Sprintf("SIGNAL [%s %s]", t.OrderAction, t.ExchangeSymbol)
}

// ValidateTrades 校验整批信号
func ValidateTrades(trades []TradeSignal) error {
	if len(trades) == 0 {
		return ErrNoTrades
	}
	for _, t := range trades {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SplitByAction 拆分为卖出和买入两组，保持原有顺序
func SplitByAction(trades []TradeSignal) (sells, buys []TradeSignal) {
	for _, t := range trades {
		switch t.OrderAction {
		case ActionSell:
			sells = append(sells, t)
		case ActionBuy:
			buys = append(buys, t)
		}
	}
	return sells, buys
}
