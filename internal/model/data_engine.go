package model

import (
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceEngine 负责接收 Ticker，维护每个交易对的最新价格
type PriceEngine struct {
	mu         sync.RWMutex
	tickerChan <-chan Ticker
	last       map[string]Ticker
	symbols    map[string]struct{} // 为空时接收全部交易对
	logger     *zap.Logger
}

// NewPriceEngine 创建并初始化 PriceEngine
func NewPriceEngine(tickerChan <-chan Ticker, symbols []string, logger *zap.Logger) *PriceEngine {
	pe := &PriceEngine{
		tickerChan: tickerChan,
		last:       make(map[string]Ticker),
		symbols:    make(map[string]struct{}, len(symbols)),
		logger:     logger.With(zap.String("component", "PriceEngine")),
	}
	for _, s := range symbols {
		pe.symbols[s] = struct{}{}
	}
	return pe
}

// Start 启动数据处理循环，tickerChan 关闭时退出
func (pe *PriceEngine) Start() {
	pe.logger.Info("Price engine started, monitoring ticker stream...")

	for ticker := range pe.tickerChan {
		pe.Update(ticker)
	}

	pe.logger.Info("Price engine stopped")
}

// Update 写入一条 Ticker，时间戳更旧的数据被忽略
func (pe *PriceEngine) Update(ticker Ticker) {
	if len(pe.symbols) > 0 {
		if _, ok := pe.symbols[ticker.Symbol]; !ok {
			return
		}
	}
	if !ticker.Price.IsPositive() {
		return
	}

	pe.mu.Lock()
	defer pe.mu.Unlock()

	if prev, ok := pe.last[ticker.Symbol]; ok && prev.Timestamp > ticker.Timestamp {
		return
	}
	pe.last[ticker.Symbol] = ticker
}

// LastPrice 实现 PriceSource，没有数据时 ok=false
func (pe *PriceEngine) LastPrice(symbol string) (decimal.Decimal, bool) {
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	t, ok := pe.last[symbol]
	if !ok {
		return decimal.Zero, false
	}
	return t.Price, true
}
