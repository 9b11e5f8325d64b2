package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"crypto-automation-system/internal/model"
	"crypto-automation-system/internal/signal"
	"crypto-automation-system/internal/strategy"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SignalService 处理已校验的交易信号
type SignalService interface {
	Book() strategy.Book
	// ExecuteStopLoss 连接交易所并立即卖出全部持仓
	ExecuteStopLoss(ctx context.Context, sig model.TradeSignal) (model.Order, error)
	// SaveSignal 保存信号，等待定时任务执行
	SaveSignal(ctx context.Context, sig model.TradeSignal) error
}

// DefaultStopLossTimeout 止损执行的最长时间，包括等待正在进行的定时任务
const DefaultStopLossTimeout = 5 * time.Minute

// Handler 交易信号 HTTP 接口
type Handler struct {
	svc             SignalService
	stopLossTimeout time.Duration
	logger          *zap.Logger
}

type HandlerOption func(*Handler)

func WithStopLossTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) { h.stopLossTimeout = d }
}

func NewHandler(svc SignalService, logger *zap.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		svc:             svc,
		stopLossTimeout: DefaultStopLossTimeout,
		logger:          logger.With(zap.String("component", "http")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewRouter 注册全部路由，gatherer 为 nil 时不暴露 /metrics
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/receive_trade_signals", h.ReceiveTradeSignal)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Unix(),
		})
	})
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return router
}

// NewServer 创建 HTTP 服务器
func NewServer(addr string, router *gin.Engine) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

type orderResponse struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Amount string `json:"amount"`
	Price  string `json:"price"`
	Cost   string `json:"cost"`
	Status string `json:"status"`
}

func toOrderResponse(o model.Order) orderResponse {
	return orderResponse{
		ID:     o.ID,
		Symbol: o.Symbol,
		Side:   o.Side.String(),
		Amount: o.Amount.String(),
		Price:  o.Price.String(),
		Cost:   o.Cost.String(),
		Status: string(o.Status),
	}
}

// ReceiveTradeSignal 止损信号立即执行，其他信号保存到数据库
func (h *Handler) ReceiveTradeSignal(c *gin.Context) {
	var raw signal.RawSignal
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	h.logger.Debug("Trade Signal Received", zap.Any("signal", raw))

	sig, err := signal.Preprocess(raw, h.svc.Book())
	if err != nil {
		h.logger.Warn("Trade signal rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.logger.Debug("Trade Signal Processed", zap.Stringer("signal", sig))

	ctx := c.Request.Context()
	if signal.IsStopLoss(sig) {
		// 发送方断开连接不能中断止损卖出
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.stopLossTimeout)
		defer cancel()

		order, err := h.svc.ExecuteStopLoss(stopCtx, sig)
		if err != nil {
			h.logger.Error("Failed to execute stop loss", zap.String("ticker", sig.Ticker), zap.Error(err))
			status := http.StatusBadGateway
			if errors.Is(err, model.ErrInvalidTrade) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "stop_loss_executed", "order": toOrderResponse(order)})
		return
	}

	if err := h.svc.SaveSignal(ctx, sig); err != nil {
		var dbErr *signal.DatabaseError
		status := http.StatusInternalServerError
		if errors.As(err, &dbErr) {
			status = http.StatusServiceUnavailable
		}
		h.logger.Error("Failed to save trade signal", zap.String("ticker", sig.Ticker), zap.Error(err))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "saved", "ticker": sig.Ticker, "create_ts": sig.CreatedAt})
}
