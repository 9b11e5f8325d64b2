package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"crypto-automation-system/internal/model"
	"crypto-automation-system/internal/signal"
	"crypto-automation-system/internal/strategy"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeService struct {
	book    strategy.Book
	saved   []model.TradeSignal
	stopped []model.TradeSignal
	saveErr error
	stopErr error

	// 止损调用时 ctx 的状态
	stopCtxErr      error
	stopHasDeadline bool
}

func (f *fakeService) Book() strategy.Book { return f.book }

func (f *fakeService) ExecuteStopLoss(ctx context.Context, sig model.TradeSignal) (model.Order, error) {
	f.stopped = append(f.stopped, sig)
	f.stopCtxErr = ctx.Err()
	_, f.stopHasDeadline = ctx.Deadline()
	if f.stopErr != nil {
		return model.Order{}, f.stopErr
	}
	return model.NewOrder("o1", sig.ExchangeSymbol, model.ActionSell, decimal.RequireFromString("0.002"), decimal.RequireFromString("49950"), model.StatusOpen), nil
}

func (f *fakeService) SaveSignal(_ context.Context, sig model.TradeSignal) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, sig)
	return nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *fakeService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	book, err := strategy.NewBook([]strategy.Entry{
		{Ticker: "BTCUSD", ExchangeSymbol: "BTC/USD", BaseAsset: "BTC", Percentage: decimal.RequireFromString("0.2")},
	})
	require.NoError(t, err)
	svc := &fakeService{book: book}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_total", Help: "test"}))
	return NewRouter(NewHandler(svc, zap.NewNop()), reg), svc
}

func post(router *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/receive_trade_signals", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestReceiveSignalSaved(t *testing.T) {
	router, svc := newTestRouter(t)

	w := post(router, `{"ticker":"BTCUSD","time":"2024-05-01T08:00:00Z","order_action":"buy","order_comment":"Long"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, svc.saved, 1)
	assert.Equal(t, "BTC/USD", svc.saved[0].ExchangeSymbol)
	assert.Empty(t, svc.stopped)
}

func TestReceiveSignalStopLoss(t *testing.T) {
	router, svc := newTestRouter(t)

	w := post(router, `{"ticker":"BTCUSD","time":"2024-05-01T08:00:00Z","order_action":"sell","order_comment":"Long Stop"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, svc.stopped, 1)
	assert.Empty(t, svc.saved)

	var resp struct {
		Status string        `json:"status"`
		Order  orderResponse `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "stop_loss_executed", resp.Status)
	assert.Equal(t, "49950", resp.Order.Price)
	assert.Equal(t, "sell", resp.Order.Side)
}

func TestReceiveSignalErrors(t *testing.T) {
	router, svc := newTestRouter(t)

	assert.Equal(t, http.StatusBadRequest, post(router, `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, post(router, `{"time":"2024-05-01T08:00:00Z","order_action":"buy"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(router, `{"ticker":"XRPUSD","time":"2024-05-01T08:00:00Z","order_action":"buy"}`).Code)

	svc.saveErr = &signal.DatabaseError{Op: "save", Err: errors.New("down")}
	assert.Equal(t, http.StatusServiceUnavailable, post(router, `{"ticker":"BTCUSD","time":"2024-05-01T08:00:00Z","order_action":"buy"}`).Code)

	svc.stopErr = errors.New("exchange down")
	assert.Equal(t, http.StatusBadGateway, post(router, `{"ticker":"BTCUSD","time":"2024-05-01T08:00:00Z","order_action":"sell","order_comment":"stop"}`).Code)

	svc.stopErr = fmt.Errorf("%w: stop loss requires sell order, got: buy", model.ErrInvalidTrade)
	assert.Equal(t, http.StatusBadRequest, post(router, `{"ticker":"BTCUSD","time":"2024-05-01T08:00:00Z","order_action":"buy","order_comment":"stop"}`).Code)
}

func TestStopLossSurvivesClientDisconnect(t *testing.T) {
	router, svc := newTestRouter(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/receive_trade_signals",
		strings.NewReader(`{"ticker":"BTCUSD","time":"2024-05-01T08:00:00Z","order_action":"sell","order_comment":"Long Stop"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req.WithContext(ctx))

	require.Len(t, svc.stopped, 1)
	assert.NoError(t, svc.stopCtxErr)
	assert.True(t, svc.stopHasDeadline)
}

func TestHealthAndMetrics(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_counter_total")
}
