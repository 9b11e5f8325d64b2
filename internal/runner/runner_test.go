package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"crypto-automation-system/internal/exchange/paper"
	"crypto-automation-system/internal/model"
	"crypto-automation-system/internal/service"
	"crypto-automation-system/internal/signal"
	"crypto-automation-system/internal/strategy"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeStore struct {
	saved   []model.TradeSignal
	recent  map[string][]model.TradeSignal
	cutoffs []time.Time
	err     error
}

func (f *fakeStore) Save(_ context.Context, sig model.TradeSignal) error {
	f.saved = append(f.saved, sig)
	return nil
}

func (f *fakeStore) Recent(_ context.Context, ticker string, cutoff time.Time) ([]model.TradeSignal, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	if f.err != nil {
		return nil, f.err
	}
	return f.recent[ticker], nil
}

func testConfig() service.Config {
	return service.Config{
		Exchange: service.ExchangeConfig{Name: "paper", MaxRetries: 1},
		Trading: service.TradingConfig{
			QuoteCurrency:    "USD",
			IncrementPct:     d("0.001"),
			FillWaitAttempts: 4,
		},
		Schedule: service.ScheduleConfig{Enabled: true, Hours: []int{0, 8, 16}, Minute: 1},
	}
}

func testBook(t *testing.T) strategy.Book {
	t.Helper()
	book, err := strategy.NewBook([]strategy.Entry{
		{Ticker: "BTCUSD", ExchangeSymbol: "BTC/USD", BaseAsset: "BTC", Percentage: d("0.2")},
		{Ticker: "ETHUSD", ExchangeSymbol: "ETH/USD", BaseAsset: "ETH", Percentage: d("0.25")},
		{Ticker: "SOLUSD", ExchangeSymbol: "SOL/USD", BaseAsset: "SOL", Percentage: d("0.53")},
	})
	require.NoError(t, err)
	return book
}

func newPaper(balances map[string]decimal.Decimal) *paper.Exchange {
	return paper.New(service.PaperConfig{FeeRate: decimal.Zero, Balances: balances},
		paper.StaticPrices{"BTC/USD": d("50000")}, zap.NewNop())
}

func TestExecuteScheduledBuysFromSignals(t *testing.T) {
	store := &fakeStore{recent: map[string][]model.TradeSignal{
		"BTCUSD": {{Ticker: "BTCUSD", ExchangeSymbol: "BTC/USD", BaseAsset: "BTC", OrderAction: model.ActionBuy, Percentage: d("0.2")}},
	}}
	venue := newPaper(map[string]decimal.Decimal{"USD": d("1000")})
	cfg := testConfig()
	cfg.Trading.IncrementPct = decimal.Zero
	r := New(cfg, testBook(t), store, venue, service.Credentials{}, zap.NewNop())

	now := time.Date(2024, 5, 1, 8, 1, 30, 0, time.UTC)
	orders, err := r.ExecuteScheduled(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, model.ActionBuy, orders[0].Side)
	assert.True(t, orders[0].Amount.Equal(d("0.0196")))
	assert.True(t, orders[0].Cost.Equal(d("980")))

	require.NotEmpty(t, store.cutoffs)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), store.cutoffs[0])

	bal, err := venue.FetchBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, bal["BTC"].Total.Equal(d("0.0196")))
}

func TestExecuteScheduledNoSignals(t *testing.T) {
	store := &fakeStore{}
	r := New(testConfig(), testBook(t), store, newPaper(nil), service.Credentials{}, zap.NewNop())

	orders, err := r.ExecuteScheduled(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Len(t, store.cutoffs, 3)
}

func TestExecuteScheduledFetchFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	r := New(testConfig(), testBook(t), store, newPaper(nil), service.Credentials{}, zap.NewNop())

	orders, err := r.ExecuteScheduled(context.Background(), time.Now())
	assert.Nil(t, orders)
	var fetchErr *signal.SignalsFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Len(t, fetchErr.FailedTickers, 3)
}

func TestExecuteStopLoss(t *testing.T) {
	venue := newPaper(map[string]decimal.Decimal{"BTC": d("0.002")})
	r := New(testConfig(), testBook(t), &fakeStore{}, venue, service.Credentials{}, zap.NewNop())

	sig := model.TradeSignal{Ticker: "BTCUSD", ExchangeSymbol: "BTC/USD", BaseAsset: "BTC", OrderAction: model.ActionSell, Comment: "Long Stop"}
	order, err := r.ExecuteStopLoss(context.Background(), sig)
	require.NoError(t, err)
	assert.True(t, order.Amount.Equal(d("0.002")))
	assert.True(t, order.Price.Equal(d("49950")))
	assert.Equal(t, model.StatusClosed, order.Status)
}

func TestExecuteStopLossGivesUpWaitingOnContext(t *testing.T) {
	venue := newPaper(map[string]decimal.Decimal{"BTC": d("0.002")})
	r := New(testConfig(), testBook(t), &fakeStore{}, venue, service.Credentials{}, zap.NewNop())
	require.NoError(t, r.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	sig := model.TradeSignal{Ticker: "BTCUSD", ExchangeSymbol: "BTC/USD", BaseAsset: "BTC", OrderAction: model.ActionSell}
	_, err := r.ExecuteStopLoss(ctx, sig)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	r.release()
	order, err := r.ExecuteStopLoss(context.Background(), sig)
	require.NoError(t, err)
	assert.True(t, order.Amount.Equal(d("0.002")))
}

func TestSaveSignal(t *testing.T) {
	store := &fakeStore{}
	r := New(testConfig(), testBook(t), store, newPaper(nil), service.Credentials{}, zap.NewNop())

	require.NoError(t, r.SaveSignal(context.Background(), model.TradeSignal{Ticker: "BTCUSD"}))
	assert.Len(t, store.saved, 1)
}

func TestScheduleWaitsForNextRun(t *testing.T) {
	store := &fakeStore{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var slept []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		if len(slept) == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	}
	now := func() time.Time { return time.Date(2024, 5, 1, 7, 30, 0, 0, time.UTC) }

	r := New(testConfig(), testBook(t), store, newPaper(nil), service.Credentials{}, zap.NewNop(), WithClock(now, sleep))
	require.NoError(t, r.Schedule(ctx))

	assert.Equal(t, []time.Duration{31 * time.Minute, 31 * time.Minute}, slept)
	require.NotEmpty(t, store.cutoffs)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), store.cutoffs[0])
}

func TestScheduleDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule.Enabled = false
	r := New(cfg, testBook(t), &fakeStore{}, newPaper(nil), service.Credentials{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, r.Schedule(ctx))
}
