package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crypto-automation-system/internal/model"
	"crypto-automation-system/internal/service"
	"crypto-automation-system/internal/strategy"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RetryPolicy 网络错误的重试策略：固定间隔，最多 MaxRetries 次尝试
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Delay: 3 * time.Second}
}

// Client 在 Venue 之上提供统一的重试和错误语义
type Client struct {
	venue           Venue
	quoteCurrency   string
	book            strategy.Book
	policy          RetryPolicy
	activeThreshold decimal.Decimal
	logger          *zap.Logger
	metrics         *service.Metrics
	connected       bool
}

type Option func(*Client)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.policy = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *service.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithActiveThreshold 账户分配只统计比例大于 threshold 的策略
func WithActiveThreshold(t decimal.Decimal) Option {
	return func(c *Client) { c.activeThreshold = t }
}

// NewClient quoteCurrency 为计价货币 (例如 "USD")，book 用于计算账户分配
func NewClient(venue Venue, quoteCurrency string, book strategy.Book, opts ...Option) *Client {
	c := &Client{
		venue:         venue,
		quoteCurrency: quoteCurrency,
		book:          book,
		policy:        DefaultRetryPolicy(),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("exchange", venue.Name()))
	return c
}

func (c *Client) QuoteCurrency() string { return c.quoteCurrency }

func (c *Client) Name() string { return c.venue.Name() }

// retry 执行 fn：网络错误按策略重试，其他错误立即返回
func retry[T any](ctx context.Context, c *Client, op string, maxTries int, fn func() (T, error)) (T, error) {
	if maxTries < 1 {
		maxTries = 1
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !errors.Is(err, ErrNetwork) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.policy.Delay)),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.metrics.Retry(op)
			c.logger.Warn("Exchange call failed, retrying",
				zap.String("op", op), zap.Duration("delay", next), zap.Error(err))
		}),
	)
}

// queryError 将查询类操作的错误转换为 ConnectionError
func (c *Client) queryError(action string, attempts int, err error) error {
	switch {
	case errors.Is(err, ErrNetwork):
		return &ConnectionError{Reason: fmt.Sprintf("failed to %s after %d attempts", action, attempts), Err: err}
	case errors.Is(err, ErrExchange):
		return &ConnectionError{Reason: "failed to " + action, Err: err}
	}
	return err
}

// Connect 连接交易所，网络错误最多尝试 maxRetries 次
// 交易所拒绝立即返回 ConnectionError，其他错误原样返回
func (c *Client) Connect(ctx context.Context, creds service.Credentials, sandbox bool, maxRetries int) error {
	_, err := retry(ctx, c, "connect", maxRetries, func() (struct{}, error) {
		return struct{}{}, c.venue.Connect(ctx, creds, sandbox)
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNetwork):
			return &ConnectionError{Reason: fmt.Sprintf("failed to connect after %d attempts", maxRetries), Err: err}
		case errors.Is(err, ErrExchange):
			return &ConnectionError{Reason: "exchange rejected connection", Err: err}
		}
		return err
	}

	c.connected = true
	c.logger.Info("Connected to exchange", zap.Bool("sandbox", sandbox))
	return nil
}

func (c *Client) ensureConnected() error {
	if !c.connected {
		return &ConnectionError{Reason: c.venue.Name(), Err: ErrNotConnected}
	}
	return nil
}

// CreateLimitOrder 按交易对精度取整后下限价单
//
// 超时后查询挂单，存在方向、数量、价格都相同的挂单时视为下单成功，避免重复下单
func (c *Client) CreateLimitOrder(ctx context.Context, symbol string, side model.OrderAction, amount, price decimal.Decimal) (model.Order, error) {
	if err := c.ensureConnected(); err != nil {
		return model.Order{}, &OrderError{Symbol: symbol, Err: err}
	}
	market, err := c.venue.Market(symbol)
	if err != nil {
		return model.Order{}, &OrderError{Symbol: symbol, Reason: "failed to validate order parameters", Err: err}
	}
	amount = RoundToPrecision(amount, market.AmountPrecision)
	price = RoundToPrecision(price, market.PricePrecision)

	attempts := c.policy.MaxRetries
	order, err := retry(ctx, c, "create_order", attempts, func() (model.Order, error) {
		o, err := c.venue.CreateLimitOrder(ctx, symbol, side, amount, price)
		if err == nil || !errors.Is(err, ErrRequestTimeout) {
			return o, err
		}

		c.logger.Warn("Order request timed out, checking open orders", zap.String("symbol", symbol))
		open, ferr := c.venue.FetchOpenOrders(ctx, symbol)
		if ferr != nil {
			// 无法确认时按失败处理，进入下一次尝试
			return model.Order{}, fmt.Errorf("%w: %w", ErrNetwork, ferr)
		}
		for _, o := range open {
			if o.Side == side && o.Amount.Equal(amount) && o.Price.Equal(price) {
				return o, nil
			}
		}
		return model.Order{}, err
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNetwork):
			return model.Order{}, &OrderError{Symbol: symbol, Reason: fmt.Sprintf("failed to place order after %d attempts", attempts), Err: err}
		case errors.Is(err, ErrExchange):
			return model.Order{}, &OrderError{Symbol: symbol, Reason: "exchange rejected order", Err: err}
		}
		return model.Order{}, &OrderError{Symbol: symbol, Reason: "unexpected error placing order", Err: err}
	}

	c.metrics.OrderSubmitted(symbol, side.String())
	c.logger.Info("Limit order placed", zap.String("order", order.String()))
	return order, nil
}

// GetOrderStatus 查询订单状态
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (model.OrderStatus, error) {
	if err := c.ensureConnected(); err != nil {
		return "", err
	}
	status, err := retry(ctx, c, "order_status", c.policy.MaxRetries, func() (model.OrderStatus, error) {
		return c.venue.FetchOrderStatus(ctx, orderID)
	})
	if err != nil {
		return "", c.queryError("fetch status for order "+orderID, c.policy.MaxRetries, err)
	}
	return status, nil
}

// GetTotalBaseAsset 返回资产总量，账户中不存在该资产时 Valid=false
func (c *Client) GetTotalBaseAsset(ctx context.Context, baseAsset string) (decimal.NullDecimal, error) {
	if err := c.ensureConnected(); err != nil {
		return decimal.NullDecimal{}, err
	}
	balance, err := retry(ctx, c, "balance", c.policy.MaxRetries, func() (Balance, error) {
		return c.venue.FetchBalance(ctx)
	})
	if err != nil {
		return decimal.NullDecimal{}, c.queryError("fetch balance", c.policy.MaxRetries, err)
	}
	b, ok := balance[baseAsset]
	if !ok {
		return decimal.NullDecimal{}, nil
	}
	return decimal.NewNullDecimal(b.Total), nil
}

// GetLastPrice 返回最新成交价，没有成交价时 Valid=false
func (c *Client) GetLastPrice(ctx context.Context, symbol string) (decimal.NullDecimal, error) {
	if err := c.ensureConnected(); err != nil {
		return decimal.NullDecimal{}, err
	}
	last, err := retry(ctx, c, "ticker", c.policy.MaxRetries, func() (decimal.NullDecimal, error) {
		return c.venue.FetchTicker(ctx, symbol)
	})
	if err != nil {
		return decimal.NullDecimal{}, c.queryError("fetch price", c.policy.MaxRetries, err)
	}
	return last, nil
}

// GetMostRecentTrade 返回该交易对最近一笔仓位的成交
func (c *Client) GetMostRecentTrade(ctx context.Context, symbol string) ([]model.Fill, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	fills, err := retry(ctx, c, "trades", c.policy.MaxRetries, func() ([]model.Fill, error) {
		return c.venue.FetchMyTrades(ctx, symbol)
	})
	if err != nil {
		return nil, c.queryError("fetch trades", c.policy.MaxRetries, err)
	}
	return MostRecentTrade(fills), nil
}

// GetAccountAllocation 账户分配快照：计价货币取可用余额，
// 每个活跃策略取其最近一笔仓位仍持有部分的买入成本
func (c *Client) GetAccountAllocation(ctx context.Context) (model.AccountAllocation, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	alloc, err := retry(ctx, c, "allocation", c.policy.MaxRetries, func() (model.AccountAllocation, error) {
		balance, err := c.venue.FetchBalance(ctx)
		if err != nil {
			return nil, err
		}
		alloc := model.AccountAllocation{c.quoteCurrency: balance[c.quoteCurrency].Free}

		for _, entry := range c.book.Active(c.activeThreshold) {
			fills, err := c.venue.FetchMyTrades(ctx, entry.ExchangeSymbol)
			if err != nil {
				return nil, err
			}
			alloc[entry.BaseAsset] = TradeValueUSD(MostRecentTrade(fills))
		}
		return alloc, nil
	})
	if err != nil {
		return nil, c.queryError("fetch allocations", c.policy.MaxRetries, err)
	}
	return alloc, nil
}

// GetTotalUSD 账户总价值 (计价货币 + 各持仓成本)
func (c *Client) GetTotalUSD(ctx context.Context) (decimal.Decimal, error) {
	alloc, err := c.GetAccountAllocation(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return alloc.Total(), nil
}
