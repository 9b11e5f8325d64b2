package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"crypto-automation-system/internal/model"
	"crypto-automation-system/internal/service"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// OkxWsData 适用于 Okx V5 的通用推送结构
type OkxWsData struct {
	Arg struct {
		Channel string `json:"channel"`
		InstId  string `json:"instId"`
	} `json:"arg"`
	Data  json.RawMessage `json:"data"` // 按 channel 延迟解析
	Event string          `json:"event"`
	Msg   string          `json:"msg"`
}

// OkxTickerData tickers 频道数据
type OkxTickerData struct {
	LastPrice string `json:"last"`
	LastSize  string `json:"lastSz"`
	Timestamp string `json:"ts"`
	InstId    string `json:"instId"`
}

// InstMap InstID -> Symbol (例如 BTC-USD -> BTC/USD)
type InstMap map[string]string

// Connector 订阅 Okx 公共 tickers 频道，把最新价推送到 ticker 通道
type Connector struct {
	wsURL          string
	instToSymbol   InstMap
	tickerChannel  chan model.Ticker
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	logger         *zap.Logger
}

// NewConnector symbols 为统一格式交易对，例如 "BTC/USD"
func NewConnector(wsURL string, symbols []string, logger *zap.Logger) *Connector {
	// 缓冲区用于吸收行情突发
	tickerChan := make(chan model.Ticker, 2048)
	instToSymbol := make(InstMap, len(symbols))
	for _, symbol := range symbols {
		instToSymbol[strings.ReplaceAll(symbol, "/", "-")] = symbol
	}

	logger = logger.With(zap.String("component", "connector"))
	logger.Info("Connector initialized", zap.Strings("Symbols", symbols))

	return &Connector{
		wsURL:          wsURL,
		instToSymbol:   instToSymbol,
		tickerChannel:  tickerChan,
		reconnectDelay: 5 * time.Second,
		dialer:         websocket.DefaultDialer,
		logger:         logger,
	}
}

// Run 连接并持续读取行情，断线后等待 reconnectDelay 重连
// ctx 取消时关闭 ticker 通道并返回 nil
func (c *Connector) Run(ctx context.Context) error {
	defer close(c.tickerChannel)

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			c.logger.Info("Connector stopped")
			return nil
		}
		c.logger.Error("WS session ended, reconnecting...", zap.Error(err), zap.Duration("delay", c.reconnectDelay))
		if err := service.Sleep(ctx, c.reconnectDelay); err != nil {
			c.logger.Info("Connector stopped")
			return nil
		}
	}
}

// session 建立一次连接并读取直到出错
func (c *Connector) session(ctx context.Context) error {
	c.logger.Info("Starting Okx WS multi-symbol connection...", zap.String("URL", c.wsURL))

	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WS: %w", err)
	}
	defer conn.Close()

	// ctx 取消时关闭连接，使 ReadMessage 返回
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	args := make([]map[string]string, 0, len(c.instToSymbol))
	for instID := range c.instToSymbol {
		args = append(args, map[string]string{"channel": "tickers", "instId": instID})
	}
	subscribeMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	}
	if err := conn.WriteJSON(subscribeMsg); err != nil {
		return fmt.Errorf("failed to send WS subscription: %w", err)
	}
	c.logger.Info("Subscribed to Okx TICKERS streams successfully")

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := c.handleMessage(message); err != nil {
			return err
		}
	}
}

var errSubscribe = errors.New("okx ws subscription rejected")

// handleMessage 解析一条推送，只有订阅被拒绝时返回错误
func (c *Connector) handleMessage(message []byte) error {
	var wsResp OkxWsData
	if err := json.Unmarshal(message, &wsResp); err != nil {
		return nil
	}

	if wsResp.Event == "error" {
		return fmt.Errorf("%w: %s", errSubscribe, wsResp.Msg)
	}
	if wsResp.Event != "" {
		return nil // 忽略订阅成功事件
	}

	symbol, ok := c.instToSymbol[wsResp.Arg.InstId]
	if !ok || wsResp.Arg.Channel != "tickers" || len(wsResp.Data) == 0 {
		return nil
	}

	var tickers []OkxTickerData
	if err := json.Unmarshal(wsResp.Data, &tickers); err != nil {
		c.logger.Error("Tickers data unmarshal error", zap.Error(err))
		return nil
	}
	if len(tickers) == 0 {
		return nil
	}
	okxTicker := tickers[0] // 仅处理最新的快照

	price, err := service.StringToDecimal(okxTicker.LastPrice)
	if err != nil || !price.IsPositive() {
		return nil
	}
	volume, _ := service.StringToDecimal(okxTicker.LastSize)
	timestamp, _ := service.StringToInt64(okxTicker.Timestamp)

	ticker := model.Ticker{
		Symbol:    symbol,
		Timestamp: timestamp,
		Price:     price,
		Volume:    volume,
	}
	// 通道满时丢弃，不阻塞读循环
	select {
	case c.tickerChannel <- ticker:
	default:
		c.logger.Debug("Ticker channel full! Dropping ticker snapshot for", zap.String("Symbol", symbol))
	}
	return nil
}

// GetTickerChannel Run 返回后关闭
func (c *Connector) GetTickerChannel() <-chan model.Ticker {
	return c.tickerChannel
}
