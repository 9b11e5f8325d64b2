package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crypto-automation-system/internal/exchange"
	"crypto-automation-system/internal/execution"
	"crypto-automation-system/internal/model"
	"crypto-automation-system/internal/service"
	"crypto-automation-system/internal/signal"
	"crypto-automation-system/internal/strategy"

	"go.uber.org/zap"
)

var _ execution.Exchange = (*exchange.Client)(nil)

// Runner 把信号存储、交易所和分配引擎串起来：
// HTTP 止损信号立即执行，其他信号由定时任务批量执行
type Runner struct {
	cfg     service.Config
	book    strategy.Book
	store   signal.Store
	venue   exchange.Venue
	creds   service.Credentials
	metrics *service.Metrics
	logger  *zap.Logger

	now        func() time.Time
	sleep      service.Sleeper
	engineOpts []execution.Option

	// 同一进程内的止损和定时任务串行执行，容量为 1
	busy chan struct{}
}

type Option func(*Runner)

func WithMetrics(m *service.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithClock 替换当前时间和等待函数，用于测试定时任务
func WithClock(now func() time.Time, sleep service.Sleeper) Option {
	return func(r *Runner) {
		r.now = now
		r.sleep = sleep
	}
}

// WithEngineOptions 追加分配引擎选项
func WithEngineOptions(opts ...execution.Option) Option {
	return func(r *Runner) { r.engineOpts = append(r.engineOpts, opts...) }
}

func New(cfg service.Config, book strategy.Book, store signal.Store, venue exchange.Venue, creds service.Credentials, logger *zap.Logger, opts ...Option) *Runner {
	r := &Runner{
		cfg:    cfg,
		book:   book,
		store:  store,
		venue:  venue,
		creds:  creds,
		logger: logger.With(zap.String("component", "runner")),
		now:    time.Now,
		sleep:  service.Sleep,
		busy:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Book() strategy.Book { return r.book }

// acquire 等待正在执行的任务结束，ctx 结束时放弃
func (r *Runner) acquire(ctx context.Context) error {
	select {
	case r.busy <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) release() { <-r.busy }

// connect 每次执行创建新的 Client 并连接交易所
func (r *Runner) connect(ctx context.Context) (*exchange.Client, error) {
	ex := r.cfg.Exchange
	client := exchange.NewClient(r.venue, r.cfg.Trading.QuoteCurrency, r.book,
		exchange.WithRetryPolicy(exchange.RetryPolicy{MaxRetries: ex.MaxRetries, Delay: ex.RetryDelay}),
		exchange.WithLogger(r.logger),
		exchange.WithMetrics(r.metrics),
		exchange.WithActiveThreshold(r.cfg.Trading.ActiveThreshold),
	)
	if err := client.Connect(ctx, r.creds, ex.Sandbox, ex.MaxRetries); err != nil {
		return nil, err
	}
	r.logger.Debug("Successfully connected to exchange", zap.String("exchange", client.Name()))
	return client, nil
}

func (r *Runner) engine(client *exchange.Client) *execution.Engine {
	t := r.cfg.Trading
	opts := []execution.Option{
		execution.WithFillWait(t.FillWaitInterval, t.FillWaitAttempts),
		execution.WithSettleDelay(t.SettleDelay),
		execution.WithMetrics(r.metrics),
	}
	return execution.NewEngine(client, r.book, r.logger, append(opts, r.engineOpts...)...)
}

// SaveSignal 保存信号，等待下一次定时执行
func (r *Runner) SaveSignal(ctx context.Context, sig model.TradeSignal) error {
	if err := r.store.Save(ctx, sig); err != nil {
		return err
	}
	r.logger.Info("Trade saved to database",
		zap.String("ticker", sig.Ticker), zap.Time("create_ts", sig.CreatedAt))
	return nil
}

// ExecuteStopLoss 连接交易所并卖出该策略的全部持仓
func (r *Runner) ExecuteStopLoss(ctx context.Context, sig model.TradeSignal) (model.Order, error) {
	if err := r.acquire(ctx); err != nil {
		return model.Order{}, fmt.Errorf("waiting for running execution: %w", err)
	}
	defer r.release()

	client, err := r.connect(ctx)
	if err != nil {
		return model.Order{}, err
	}
	order, err := r.engine(client).ExecuteLongStop(ctx, sig, r.cfg.Trading.IncrementPct)
	if err != nil {
		return model.Order{}, err
	}
	r.logger.Info("Successfully executed stop loss order", zap.String("order", order.String()))
	return order, nil
}

// ExecuteScheduled 读取 now 所在整点之后的信号并执行 BuySideBoost
// 没有信号时不连接交易所
func (r *Runner) ExecuteScheduled(ctx context.Context, now time.Time) ([]model.Order, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, fmt.Errorf("waiting for running execution: %w", err)
	}
	defer r.release()

	cutoff := service.UTCNowRounded(now)
	trades, err := signal.AllRecent(ctx, r.store, r.book, cutoff, r.cfg.Trading.ActiveThreshold)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		r.logger.Info("No trade signals", zap.Time("cutoff", cutoff))
		return nil, nil
	}
	r.logger.Debug("Successfully retrieved trade signals from database", zap.Int("count", len(trades)))

	client, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	orders, err := r.engine(client).BuySideBoost(ctx, trades, r.cfg.Trading.IncrementPct)
	for _, o := range orders {
		r.logger.Info("Successfully placed order", zap.String("order", o.String()))
	}
	return orders, err
}

// Schedule 在配置的 UTC 时间点执行 ExecuteScheduled，直到 ctx 取消
// 单次执行失败只记录日志，不中断调度
func (r *Runner) Schedule(ctx context.Context) error {
	s := r.cfg.Schedule
	if !s.Enabled || len(s.Hours) == 0 {
		r.logger.Info("Scheduler disabled")
		<-ctx.Done()
		return nil
	}

	for {
		now := r.now()
		next := service.NextRun(now, s.Hours, s.Minute)
		r.logger.Info("Next scheduled run", zap.Time("at", next))
		if err := r.sleep(ctx, next.Sub(now)); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		if _, err := r.ExecuteScheduled(ctx, next); err != nil {
			r.logger.Error("Failed to execute trade signals", zap.Error(err))
		}
	}
}
