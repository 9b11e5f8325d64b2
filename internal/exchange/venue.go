package exchange

import (
	"context"

	"crypto-automation-system/internal/model"
	"crypto-automation-system/internal/service"

	"github.com/shopspring/decimal"
)

// Market 交易对的精度信息，精度为最小变动单位 (例如 0.0001)
// 交易所未声明时 Valid=false，不做取整
type Market struct {
	Symbol          string
	AmountPrecision decimal.NullDecimal
	PricePrecision  decimal.NullDecimal
}

// AssetBalance 单个资产的余额
type AssetBalance struct {
	Free  decimal.Decimal
	Total decimal.Decimal
}

// Balance 资产 -> 余额，未持有的资产不出现在 map 中
type Balance map[string]AssetBalance

// Venue 是单个交易所的底层接口，只负责一次请求，不做重试
//
// 返回的错误应归类为 ErrNetwork / ErrRequestTimeout (可重试) 或 ErrExchange (交易所拒绝)
type Venue interface {
	Name() string

	// Connect 校验密钥并加载交易对信息
	Connect(ctx context.Context, creds service.Credentials, sandbox bool) error

	// Market 返回已加载的交易对信息
	Market(symbol string) (Market, error)

	CreateLimitOrder(ctx context.Context, symbol string, side model.OrderAction, amount, price decimal.Decimal) (model.Order, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]model.Order, error)
	FetchOrderStatus(ctx context.Context, orderID string) (model.OrderStatus, error)
	FetchBalance(ctx context.Context) (Balance, error)

	// FetchTicker 返回最新成交价，没有成交价时 Valid=false
	FetchTicker(ctx context.Context, symbol string) (decimal.NullDecimal, error)

	// FetchMyTrades 返回账户在该交易对上的成交记录，按时间先后排序
	FetchMyTrades(ctx context.Context, symbol string) ([]model.Fill, error)
}
