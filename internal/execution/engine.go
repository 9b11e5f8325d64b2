package execution

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"crypto-automation-system/internal/exchange"
	"crypto-automation-system/internal/model"
	"crypto-automation-system/internal/service"
	"crypto-automation-system/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Engine 多策略资金分配引擎，不在调用之间保存任何状态
type Engine struct {
	ex      Exchange
	book    strategy.Book
	logger  *zap.Logger
	metrics *service.Metrics
	sleep   service.Sleeper

	fillInterval time.Duration
	fillAttempts int
	settleDelay  time.Duration
}

type Option func(*Engine)

// WithFillWait 调仓卖单的成交等待参数，默认 15s x 4 次
func WithFillWait(interval time.Duration, attempts int) Option {
	return func(e *Engine) {
		e.fillInterval = interval
		if attempts > 0 {
			e.fillAttempts = attempts
		}
	}
}

// WithSettleDelay 卖单成交后到重新读取账户之间的等待，默认 5s
func WithSettleDelay(d time.Duration) Option {
	return func(e *Engine) { e.settleDelay = d }
}

func WithSleeper(s service.Sleeper) Option {
	return func(e *Engine) { e.sleep = s }
}

func WithMetrics(m *service.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine ex 必须已经连接，book 为本次调用使用的策略配置快照
func NewEngine(ex Exchange, book strategy.Book, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		ex:           ex,
		book:         book,
		logger:       logger.With(zap.String("component", "allocation")),
		sleep:        service.Sleep,
		fillInterval: 15 * time.Second,
		fillAttempts: 4,
		settleDelay:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var one = decimal.NewFromInt(1)

// orderError 为下单失败附加交易对，已经是 OrderError 的原样返回
func orderError(symbol string, err error) error {
	var oe *exchange.OrderError
	if errors.As(err, &oe) {
		return err
	}
	return &exchange.OrderError{Symbol: symbol, Err: err}
}

func (e *Engine) lastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	last, err := e.ex.GetLastPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if !last.Valid {
		return decimal.Zero, fmt.Errorf("no last price for %s", symbol)
	}
	return last.Decimal, nil
}

func (e *Engine) owned(ctx context.Context, asset string) (decimal.Decimal, error) {
	total, err := e.ex.GetTotalBaseAsset(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, fmt.Errorf("no %s balance in account", asset)
	}
	return total.Decimal, nil
}

// sell 以 last * (1 - inc) 卖出 amount
func (e *Engine) sell(ctx context.Context, symbol string, amount, inc decimal.Decimal) (model.Order, error) {
	last, err := e.lastPrice(ctx, symbol)
	if err != nil {
		return model.Order{}, err
	}
	price := last.Mul(one.Sub(inc))
	return e.ex.CreateLimitOrder(ctx, symbol, model.ActionSell, amount, price)
}

// sellAll 卖出该资产的全部持仓
func (e *Engine) sellAll(ctx context.Context, symbol, asset string, inc decimal.Decimal) (model.Order, error) {
	amount, err := e.owned(ctx, asset)
	if err != nil {
		return model.Order{}, err
	}
	return e.sell(ctx, symbol, amount, inc)
}

// buy 以 last * (1 + inc) 买入价值 allocatedUSD 的资产
func (e *Engine) buy(ctx context.Context, symbol string, allocatedUSD, inc decimal.Decimal) (model.Order, error) {
	last, err := e.lastPrice(ctx, symbol)
	if err != nil {
		return model.Order{}, err
	}
	price := last.Mul(one.Add(inc))
	return e.ex.CreateLimitOrder(ctx, symbol, model.ActionBuy, allocatedUSD.Div(price), price)
}

// MultiStrategyAllocation 依次独立处理每个信号：
// 卖出信号清空持仓；买入信号按账户总价值 * percentage 买入。
// 某笔下单失败时返回已提交的订单和 OrderError，不回滚
func (e *Engine) MultiStrategyAllocation(ctx context.Context, trades []model.TradeSignal, inc decimal.Decimal) (orders []model.Order, err error) {
	defer func() { e.metrics.Invocation("multi_strategy_allocation", err) }()

	if err := model.ValidateTrades(trades); err != nil {
		return nil, err
	}

	totalUSD, err := e.ex.GetTotalUSD(ctx)
	if err != nil {
		return nil, err
	}

	orders = make([]model.Order, 0, len(trades))
	for _, t := range trades {
		var o model.Order
		if t.OrderAction == model.ActionSell {
			o, err = e.sellAll(ctx, t.ExchangeSymbol, t.BaseAsset, inc)
		} else {
			o, err = e.buy(ctx, t.ExchangeSymbol, totalUSD.Mul(t.Percentage), inc)
		}
		if err != nil {
			return orders, orderError(t.ExchangeSymbol, err)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// ExecuteLongStop 止损：以 last * (1 - inc) 卖出全部持仓，不参与调仓逻辑
func (e *Engine) ExecuteLongStop(ctx context.Context, trade model.TradeSignal, inc decimal.Decimal) (order model.Order, err error) {
	defer func() { e.metrics.Invocation("execute_long_stop", err) }()

	if err := trade.Validate(); err != nil {
		return model.Order{}, err
	}
	if trade.OrderAction != model.ActionSell {
		return model.Order{}, fmt.Errorf("%w: stop loss requires sell order, got: %s", model.ErrInvalidTrade, trade.OrderAction)
	}

	order, err = e.sellAll(ctx, trade.ExchangeSymbol, trade.BaseAsset, inc)
	if err != nil {
		return model.Order{}, orderError(trade.ExchangeSymbol, err)
	}
	e.logger.Info("Long stop executed", zap.String("order", order.String()))
	return order, nil
}

// Branch 买单分配方式
type Branch string

const (
	// BranchFitsHeld 优先策略已持有，空闲资金足够，不卖出
	BranchFitsHeld Branch = "fits_held"
	// BranchSellPrecedence 优先策略已持有，空闲资金不足，卖出部分优先持仓
	BranchSellPrecedence Branch = "sell_precedence"
	// BranchFitsIncoming 优先策略为新信号，空闲资金足够，不卖出
	BranchFitsIncoming Branch = "fits_incoming"
	// BranchSellHeld 优先策略为新信号，空闲资金不足，把比例最低的持仓卖到目标比例
	BranchSellHeld Branch = "sell_held"
	// BranchNoHoldings 没有持仓，按计价货币余额分配
	BranchNoHoldings Branch = "no_holdings"
)

// Snapshot 一次买入分配决策所需的账户与配置数据
type Snapshot struct {
	Allocation      model.AccountAllocation
	TotalUSD        decimal.Decimal // 账户总价值
	QuoteUSD        decimal.Decimal // 计价货币余额
	IncomingSymbols []string
	CurrentSymbols  []string // 已持仓策略的交易对，按字母排序
	UnallocatedPct  decimal.Decimal
	IncomingPct     decimal.Decimal
	AvailablePct    decimal.Decimal
	AvailableUSDPct decimal.Decimal
	Precedence      string
}

// NewSnapshot 由账户分配和买入信号计算分配参数
// 账户中持有但不在策略配置中的资产会被忽略
func (e *Engine) NewSnapshot(alloc model.AccountAllocation, buys []model.TradeSignal) (Snapshot, error) {
	quote := e.ex.QuoteCurrency()
	s := Snapshot{
		Allocation: alloc,
		TotalUSD:   alloc.Total(),
		QuoteUSD:   alloc.Get(quote),
	}
	if !s.TotalUSD.IsPositive() {
		return Snapshot{}, ErrEmptyAccount
	}

	for _, t := range buys {
		s.IncomingSymbols = append(s.IncomingSymbols, t.ExchangeSymbol)
		s.IncomingPct = s.IncomingPct.Add(t.Percentage)
	}

	currentConfigPct := decimal.Zero
	for _, asset := range alloc.Assets() {
		if asset == quote || !alloc[asset].IsPositive() {
			continue
		}
		symbol, ok := e.book.SymbolOf(asset)
		if !ok {
			e.logger.Warn("Held asset has no strategy config, ignoring", zap.String("asset", asset))
			continue
		}
		s.CurrentSymbols = append(s.CurrentSymbols, symbol)
		currentConfigPct = currentConfigPct.Add(e.book.PercentageOf(symbol))
	}
	slices.Sort(s.CurrentSymbols)

	totalConfigPct := e.book.TotalPercentage()
	s.UnallocatedPct = e.book.Unallocated()
	s.AvailablePct = totalConfigPct.Sub(s.IncomingPct).Sub(currentConfigPct)
	s.AvailableUSDPct = s.QuoteUSD.Div(s.TotalUSD).RoundBank(4)

	all := append(slices.Clone(s.IncomingSymbols), s.CurrentSymbols...)
	s.Precedence, _ = e.book.Precedence(all)
	return s, nil
}

// Decide 选择分配方式；优先策略同时为新信号和已持仓时按已持仓处理
func (s Snapshot) Decide() Branch {
	if len(s.CurrentSymbols) == 0 {
		return BranchNoHoldings
	}
	if slices.Contains(s.CurrentSymbols, s.Precedence) {
		if s.IncomingPct.LessThanOrEqual(s.AvailableUSDPct) {
			return BranchFitsHeld
		}
		return BranchSellPrecedence
	}
	if s.IncomingPct.Add(s.AvailablePct).Add(s.UnallocatedPct).LessThanOrEqual(s.AvailableUSDPct) {
		return BranchFitsIncoming
	}
	return BranchSellHeld
}

// BuySideBoost 先执行全部卖出信号，再为买入信号分配资金。
// 比例最高的策略获得配置中未被占用的比例；空闲资金不足时先卖出部分持仓，
// 等待成交并重新读取账户后再买入。每次调用最多处理一次调仓
func (e *Engine) BuySideBoost(ctx context.Context, trades []model.TradeSignal, inc decimal.Decimal) (orders []model.Order, err error) {
	defer func() { e.metrics.Invocation("buy_side_boost", err) }()

	if err := model.ValidateTrades(trades); err != nil {
		return nil, err
	}
	sells, buys := model.SplitByAction(trades)

	for _, t := range sells {
		o, err := e.sellAll(ctx, t.ExchangeSymbol, t.BaseAsset, inc)
		if err != nil {
			return orders, orderError(t.ExchangeSymbol, err)
		}
		orders = append(orders, o)
	}
	if len(buys) == 0 {
		return orders, nil
	}

	alloc, err := e.ex.GetAccountAllocation(ctx)
	if err != nil {
		return orders, err
	}
	e.logger.Debug("Initial allocation", zap.Stringer("allocation", alloc))

	s, err := e.NewSnapshot(alloc, buys)
	if err != nil {
		return orders, err
	}
	branch := s.Decide()
	e.logger.Info("Buy side boost",
		zap.String("branch", string(branch)),
		zap.String("precedence", s.Precedence),
		zap.Strings("incoming", s.IncomingSymbols),
		zap.Strings("current", s.CurrentSymbols),
		zap.String("incoming_pct", s.IncomingPct.String()),
		zap.String("available_pct", s.AvailablePct.String()),
		zap.String("available_usd_pct", s.AvailableUSDPct.String()))

	base := s.TotalUSD
	boost := false
	switch branch {
	case BranchFitsHeld:
	case BranchSellPrecedence:
		accountSellPct := s.IncomingPct.Sub(s.AvailableUSDPct).Add(s.UnallocatedPct)
		o, err := e.rebalance(ctx, s, s.Precedence, func(currentPct decimal.Decimal) decimal.Decimal {
			return accountSellPct.Div(currentPct).RoundBank(2)
		}, inc)
		if o != nil {
			orders = append(orders, *o)
		}
		if err != nil {
			return orders, err
		}
		if base, err = e.refreshTotal(ctx); err != nil {
			return orders, err
		}
	case BranchFitsIncoming:
		boost = true
	case BranchSellHeld:
		boost = true
		sellFrom, _ := e.book.Lowest(s.CurrentSymbols)
		targetPct := e.book.PercentageOf(sellFrom)
		o, err := e.rebalance(ctx, s, sellFrom, func(currentPct decimal.Decimal) decimal.Decimal {
			return currentPct.Sub(targetPct).Div(currentPct).RoundBank(2)
		}, inc)
		if o != nil {
			orders = append(orders, *o)
		}
		if err != nil {
			return orders, err
		}
		if base, err = e.refreshTotal(ctx); err != nil {
			return orders, err
		}
	case BranchNoHoldings:
		boost = true
		base = s.QuoteUSD
	}

	for _, t := range buys {
		pct := t.Percentage
		if boost && t.ExchangeSymbol == s.Precedence {
			pct = pct.Add(s.AvailablePct)
		}
		o, err := e.buy(ctx, t.ExchangeSymbol, base.Mul(pct), inc)
		if err != nil {
			return orders, orderError(t.ExchangeSymbol, err)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// rebalance 卖出 symbol 持仓的 sellPct(currentPct) 比例并等待成交
// currentPct 为该持仓占账户总价值的比例。下单成功时返回订单，即使随后等待失败
func (e *Engine) rebalance(ctx context.Context, s Snapshot, symbol string, sellPct func(currentPct decimal.Decimal) decimal.Decimal, inc decimal.Decimal) (*model.Order, error) {
	asset, ok := e.book.BaseAssetOf(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: no strategy config for %s", ErrRebalance, symbol)
	}
	owned, err := e.owned(ctx, asset)
	if err != nil {
		return nil, orderError(symbol, err)
	}

	currentPct := s.Allocation.Get(asset).Div(s.TotalUSD)
	pct := sellPct(currentPct)
	amount := owned.Mul(pct).RoundBank(4)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: computed sell amount %s for %s is not positive", ErrRebalance, amount, symbol)
	}
	e.logger.Info("Selling to free funds",
		zap.String("symbol", symbol),
		zap.String("owned", owned.String()),
		zap.String("sell_pct", pct.String()),
		zap.String("amount", amount.String()))

	o, err := e.sell(ctx, symbol, amount, inc)
	if err != nil {
		return nil, orderError(symbol, err)
	}

	filled, err := e.WaitForFill(ctx, o.ID, e.fillInterval, e.fillAttempts)
	if err != nil {
		return &o, err
	}
	if !filled {
		return &o, fmt.Errorf("%w: failed to fill sell order on %s in specified time", ErrRebalance, symbol)
	}
	return &o, nil
}

// refreshTotal 等待交易所更新余额后重新读取账户总价值
func (e *Engine) refreshTotal(ctx context.Context) (decimal.Decimal, error) {
	if err := e.sleep(ctx, e.settleDelay); err != nil {
		return decimal.Zero, err
	}
	alloc, err := e.ex.GetAccountAllocation(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	e.logger.Debug("Allocation after sell", zap.Stringer("allocation", alloc))
	return alloc.Total(), nil
}
