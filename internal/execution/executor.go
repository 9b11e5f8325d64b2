package execution

import (
	"context"
	"errors"
	"fmt"

	"crypto-automation-system/internal/model"

	"github.com/shopspring/decimal"
)

// Exchange 是分配引擎所需的交易所接口，由已连接的 exchange.Client 实现
type Exchange interface {
	// QuoteCurrency 计价货币，例如 "USD"
	QuoteCurrency() string

	CreateLimitOrder(ctx context.Context, symbol string, side model.OrderAction, amount, price decimal.Decimal) (model.Order, error)
	GetOrderStatus(ctx context.Context, orderID string) (model.OrderStatus, error)

	// GetTotalBaseAsset 账户中不存在该资产时 Valid=false
	GetTotalBaseAsset(ctx context.Context, baseAsset string) (decimal.NullDecimal, error)
	// GetLastPrice 没有成交价时 Valid=false
	GetLastPrice(ctx context.Context, symbol string) (decimal.NullDecimal, error)

	GetAccountAllocation(ctx context.Context) (model.AccountAllocation, error)
	GetTotalUSD(ctx context.Context) (decimal.Decimal, error)
}

var (
	// ErrRebalance 调仓卖出未能完成，后续买单不会提交
	ErrRebalance = errors.New("rebalance failed")
	// ErrEmptyAccount 账户总价值为 0，无法计算分配比例
	ErrEmptyAccount = errors.New("account value is zero")
)

// OrderFillError 等待成交期间查询订单状态失败
type OrderFillError struct {
	OrderID string
	Err     error
}

func (e *OrderFillError) Error() string {
	return fmt.Sprintf("failed to check order %s status: %v", e.OrderID, e.Err)
}

func (e *OrderFillError) Unwrap() error { return e.Err }
