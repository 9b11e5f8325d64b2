package paper

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"crypto-automation-system/internal/exchange"
	"crypto-automation-system/internal/model"
	"crypto-automation-system/internal/service"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceSource 提供最新价格，可以是静态配置或实时行情
type PriceSource interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// StaticPrices 固定价格表
type StaticPrices map[string]decimal.Decimal

func (p StaticPrices) LastPrice(symbol string) (decimal.Decimal, bool) {
	v, ok := p[symbol]
	return v, ok
}

// Prices 依次查询多个价格源，返回第一个命中的价格
type Prices []PriceSource

func (p Prices) LastPrice(symbol string) (decimal.Decimal, bool) {
	for _, src := range p {
		if src == nil {
			continue
		}
		if v, ok := src.LastPrice(symbol); ok {
			return v, true
		}
	}
	return decimal.Zero, false
}

type restingOrder struct {
	order model.Order
	fee   decimal.Decimal // 买单冻结的手续费
}

// Exchange 内存中的现货模拟账户
// 可成交的限价单立即按挂单价成交，否则挂单并冻结资金，价格变化后在下次查询时撮合
type Exchange struct {
	mu sync.Mutex

	feeRate  decimal.Decimal
	prices   PriceSource
	balances map[string]exchange.AssetBalance
	markets  map[string]exchange.Market
	fills    map[string][]model.Fill
	orders   map[string]*restingOrder
	history  map[string]model.OrderStatus // 已结束订单的状态

	logger *zap.SugaredLogger
}

// New 根据配置创建模拟账户，配置中的 key 统一转为大写
func New(cfg service.PaperConfig, prices PriceSource, logger *zap.Logger) *Exchange {
	e := &Exchange{
		feeRate:  cfg.FeeRate,
		prices:   prices,
		balances: make(map[string]exchange.AssetBalance),
		markets:  make(map[string]exchange.Market),
		fills:    make(map[string][]model.Fill),
		orders:   make(map[string]*restingOrder),
		history:  make(map[string]model.OrderStatus),
		logger:   logger.Sugar().With("exchange", "paper"),
	}
	for asset, amount := range cfg.Balances {
		e.balances[strings.ToUpper(asset)] = exchange.AssetBalance{Free: amount, Total: amount}
	}
	for symbol, m := range cfg.Markets {
		symbol = strings.ToUpper(symbol)
		market := exchange.Market{Symbol: symbol}
		if m.AmountPrecision.IsPositive() {
			market.AmountPrecision = decimal.NewNullDecimal(m.AmountPrecision)
		}
		if m.PricePrecision.IsPositive() {
			market.PricePrecision = decimal.NewNullDecimal(m.PricePrecision)
		}
		e.markets[symbol] = market
	}
	return e
}

func (e *Exchange) Name() string { return "paper" }

func (e *Exchange) Connect(ctx context.Context, creds service.Credentials, sandbox bool) error {
	e.logger.Infof("Paper account connected with %d assets and %d markets", len(e.balances), len(e.markets))
	return ctx.Err()
}

func splitSymbol(symbol string) (base, quote string, ok bool) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Market 未配置精度的交易对按 BASE/QUOTE 格式接受，不做取整
func (e *Exchange) Market(symbol string) (exchange.Market, error) {
	if m, ok := e.markets[symbol]; ok {
		return m, nil
	}
	if _, _, ok := splitSymbol(symbol); !ok {
		return exchange.Market{}, fmt.Errorf("%w: %s", exchange.ErrUnknownSymbol, symbol)
	}
	return exchange.Market{Symbol: symbol}, nil
}

func (e *Exchange) CreateLimitOrder(ctx context.Context, symbol string, side model.OrderAction, amount, price decimal.Decimal) (model.Order, error) {
	if err := ctx.Err(); err != nil {
		return model.Order{}, err
	}
	base, quote, ok := splitSymbol(symbol)
	if !ok {
		return model.Order{}, fmt.Errorf("%w: %s", exchange.ErrUnknownSymbol, symbol)
	}
	if !amount.IsPositive() || !price.IsPositive() {
		return model.Order{}, fmt.Errorf("%w: amount and price must be positive, got %s @ %s", exchange.ErrExchange, amount, price)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	order := model.NewOrder(uuid.NewString(), symbol, side, amount, price, model.StatusOpen)
	fee := order.Cost.Mul(e.feeRate)

	// 1. 冻结资金
	switch side {
	case model.ActionBuy:
		if err := e.lock(quote, order.Cost.Add(fee)); err != nil {
			return model.Order{}, err
		}
	case model.ActionSell:
		if err := e.lock(base, amount); err != nil {
			return model.Order{}, err
		}
	default:
		return model.Order{}, fmt.Errorf("%w: invalid side %q", exchange.ErrExchange, side)
	}

	resting := &restingOrder{order: order, fee: fee}
	e.orders[order.ID] = resting

	// 2. 可成交时立即撮合
	if e.marketable(order) {
		order = e.fill(resting)
	} else {
		e.logger.Infof("Sim ORDER RESTING: %s", order)
	}
	return order, nil
}

func (e *Exchange) lock(asset string, amount decimal.Decimal) error {
	b := e.balances[asset]
	if b.Free.LessThan(amount) {
		return fmt.Errorf("%w: insufficient %s balance: need %s, have %s", exchange.ErrExchange, asset, amount, b.Free)
	}
	b.Free = b.Free.Sub(amount)
	e.balances[asset] = b
	return nil
}

func (e *Exchange) marketable(o model.Order) bool {
	last, ok := e.prices.LastPrice(o.Symbol)
	if !ok {
		return false
	}
	if o.Side == model.ActionBuy {
		return o.Price.GreaterThanOrEqual(last)
	}
	return o.Price.LessThanOrEqual(last)
}

// fill 按挂单价成交，调用方持有锁
func (e *Exchange) fill(r *restingOrder) model.Order {
	o := r.order
	base, quote, _ := splitSymbol(o.Symbol)

	qb, bb := e.balances[quote], e.balances[base]
	switch o.Side {
	case model.ActionBuy:
		qb.Total = qb.Total.Sub(o.Cost.Add(r.fee))
		bb.Free = bb.Free.Add(o.Amount)
		bb.Total = bb.Total.Add(o.Amount)
	case model.ActionSell:
		fee := o.Cost.Mul(e.feeRate)
		bb.Total = bb.Total.Sub(o.Amount)
		qb.Free = qb.Free.Add(o.Cost.Sub(fee))
		qb.Total = qb.Total.Add(o.Cost.Sub(fee))
	}
	e.balances[quote], e.balances[base] = qb, bb

	e.fills[o.Symbol] = append(e.fills[o.Symbol], model.Fill{Side: o.Side, Amount: o.Amount, Cost: o.Cost})
	delete(e.orders, o.ID)
	e.history[o.ID] = model.StatusClosed

	o.Status = model.StatusClosed
	e.logger.Infof("Sim ORDER FILLED: %s", o)
	return o
}

// matchResting 撮合价格变化后可成交的挂单，调用方持有锁
func (e *Exchange) matchResting() {
	for _, r := range e.orders {
		if e.marketable(r.order) {
			e.fill(r)
		}
	}
}

// Cancel 撤销挂单并解冻资金
func (e *Exchange) Cancel(orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %s not open", exchange.ErrExchange, orderID)
	}
	base, quote, _ := splitSymbol(r.order.Symbol)
	if r.order.Side == model.ActionBuy {
		b := e.balances[quote]
		b.Free = b.Free.Add(r.order.Cost.Add(r.fee))
		e.balances[quote] = b
	} else {
		b := e.balances[base]
		b.Free = b.Free.Add(r.order.Amount)
		e.balances[base] = b
	}
	delete(e.orders, orderID)
	e.history[orderID] = model.StatusCanceled
	e.logger.Infof("Sim ORDER CANCELED: %s", orderID)
	return nil
}

func (e *Exchange) FetchOpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.matchResting()

	var out []model.Order
	for _, r := range e.orders {
		if r.order.Symbol == symbol {
			out = append(out, r.order)
		}
	}
	return out, nil
}

func (e *Exchange) FetchOrderStatus(ctx context.Context, orderID string) (model.OrderStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.matchResting()

	if _, ok := e.orders[orderID]; ok {
		return model.StatusOpen, nil
	}
	if s, ok := e.history[orderID]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: order %s not found", exchange.ErrExchange, orderID)
}

func (e *Exchange) FetchBalance(ctx context.Context) (exchange.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.matchResting()

	out := make(exchange.Balance, len(e.balances))
	for asset, b := range e.balances {
		out[asset] = b
	}
	return out, nil
}

func (e *Exchange) FetchTicker(ctx context.Context, symbol string) (decimal.NullDecimal, error) {
	last, ok := e.prices.LastPrice(symbol)
	if !ok {
		return decimal.NullDecimal{}, nil
	}
	return decimal.NewNullDecimal(last), nil
}

func (e *Exchange) FetchMyTrades(ctx context.Context, symbol string) ([]model.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fills := make([]model.Fill, len(e.fills[symbol]))
	copy(fills, e.fills[symbol])
	return fills, nil
}

// Seed 追加历史成交，用于从已有持仓启动
func (e *Exchange) Seed(symbol string, fills ...model.Fill) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fills[symbol] = append(e.fills[symbol], fills...)
}
