package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"crypto-automation-system/internal/exchange"
	"crypto-automation-system/internal/model"
	"crypto-automation-system/internal/service"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultRESTURL = "https://www.okx.com"

// Config 定义 Okx 执行器所需的配置
type Config struct {
	RESTURL    string
	Timeout    time.Duration
	HTTPClient *http.Client // 为空时按 Timeout 创建
}

// Exchange 实现 exchange.Venue，对接 Okx V5 现货 REST 接口
type Exchange struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	creds    service.Credentials
	sandbox  bool
	markets  map[string]exchange.Market // 统一格式 symbol -> Market
	orderIns map[string]string          // ordId -> instId
}

func New(cfg Config, logger *zap.Logger) *Exchange {
	if cfg.RESTURL == "" {
		cfg.RESTURL = DefaultRESTURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Exchange{
		cfg:      cfg,
		http:     client,
		logger:   logger.With(zap.String("executor", "Okx")),
		now:      time.Now,
		markets:  make(map[string]exchange.Market),
		orderIns: make(map[string]string),
	}
}

func (e *Exchange) Name() string { return "okx" }

// ToInstID BTC/USDT -> BTC-USDT
func ToInstID(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-")
}

// ToSymbol BTC-USDT -> BTC/USDT
func ToSymbol(instID string) string {
	return strings.ReplaceAll(instID, "-", "/")
}

// response Okx V5 通用响应结构
type response struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type instrument struct {
	InstID string `json:"instId"`
	LotSz  string `json:"lotSz"`
	TickSz string `json:"tickSz"`
}

type ticker struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
}

type balanceDetail struct {
	Ccy      string `json:"ccy"`
	AvailBal string `json:"availBal"`
	CashBal  string `json:"cashBal"`
}

type accountBalance struct {
	Details []balanceDetail `json:"details"`
}

type orderRequest struct {
	InstID  string `json:"instId"`
	TdMode  string `json:"tdMode"`
	Side    string `json:"side"`
	OrdType string `json:"ordType"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
}

type orderAck struct {
	OrdID string `json:"ordId"`
	SCode string `json:"sCode"`
	SMsg  string `json:"sMsg"`
}

type orderDetail struct {
	OrdID  string `json:"ordId"`
	InstID string `json:"instId"`
	Side   string `json:"side"`
	Px     string `json:"px"`
	Sz     string `json:"sz"`
	State  string `json:"state"`
}

type fill struct {
	Side   string `json:"side"`
	FillSz string `json:"fillSz"`
	FillPx string `json:"fillPx"`
	Ts     string `json:"ts"`
}

// 以下错误码按网络错误处理
var retryableCodes = map[string]error{
	"50001": exchange.ErrNetwork,        // 服务暂时不可用
	"50004": exchange.ErrRequestTimeout, // 接口请求超时
	"50011": exchange.ErrNetwork,        // 请求频率过高
	"50013": exchange.ErrNetwork,        // 系统繁忙
}

func (e *Exchange) sign(ts, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(e.creds.APISecret))
	mac.Write([]byte(ts + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// do 发送请求并把 data 解析到 out，private=true 时签名
func (e *Exchange) do(ctx context.Context, method, path string, query url.Values, payload any, private bool, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, e.cfg.RESTURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	e.mu.RLock()
	if private {
		ts := e.now().UTC().Format("2006-01-02T15:04:05.000Z")
		req.Header.Set("OK-ACCESS-KEY", e.creds.APIKey)
		req.Header.Set("OK-ACCESS-SIGN", e.sign(ts, method, path, string(body)))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", e.creds.Passphrase)
	}
	if e.sandbox {
		req.Header.Set("x-simulated-trading", "1")
	}
	e.mu.RUnlock()

	resp, err := e.http.Do(req)
	if err != nil {
		return exchange.ClassifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return exchange.ClassifyTransportError(err)
	}
	if err := exchange.ClassifyStatus("okx", resp.StatusCode, raw); err != nil {
		return err
	}

	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("okx: decode response: %w", err)
	}
	if r.Code != "0" {
		if base, ok := retryableCodes[r.Code]; ok {
			return fmt.Errorf("%w: okx code %s: %s", base, r.Code, r.Msg)
		}
		return fmt.Errorf("%w: okx code %s: %s", exchange.ErrExchange, r.Code, r.Msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(r.Data, out); err != nil {
		return fmt.Errorf("okx: decode data: %w", err)
	}
	return nil
}

// Connect 加载现货交易对，并用账户余额接口校验密钥
func (e *Exchange) Connect(ctx context.Context, creds service.Credentials, sandbox bool) error {
	e.mu.Lock()
	e.creds = creds
	e.sandbox = sandbox
	e.mu.Unlock()

	var instruments []instrument
	q := url.Values{"instType": {"SPOT"}}
	if err := e.do(ctx, http.MethodGet, "/api/v5/public/instruments", q, nil, false, &instruments); err != nil {
		return err
	}

	markets := make(map[string]exchange.Market, len(instruments))
	for _, inst := range instruments {
		symbol := ToSymbol(inst.InstID)
		markets[symbol] = exchange.Market{
			Symbol:          symbol,
			AmountPrecision: parseNull(inst.LotSz),
			PricePrecision:  parseNull(inst.TickSz),
		}
	}

	if _, err := e.FetchBalance(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	e.markets = markets
	e.mu.Unlock()

	e.logger.Info("Okx markets loaded", zap.Int("markets", len(markets)), zap.Bool("sandbox", sandbox))
	return nil
}

func parseNull(s string) decimal.NullDecimal {
	v, err := decimal.NewFromString(s)
	if err != nil || !v.IsPositive() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(v)
}

func (e *Exchange) Market(symbol string) (exchange.Market, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.markets[symbol]
	if !ok {
		return exchange.Market{}, fmt.Errorf("%w: %s", exchange.ErrUnknownSymbol, symbol)
	}
	return m, nil
}

func (e *Exchange) CreateLimitOrder(ctx context.Context, symbol string, side model.OrderAction, amount, price decimal.Decimal) (model.Order, error) {
	instID := ToInstID(symbol)
	req := orderRequest{
		InstID:  instID,
		TdMode:  "cash",
		Side:    side.String(),
		OrdType: "limit",
		Px:      price.String(),
		Sz:      amount.String(),
	}

	e.logger.Info("Sending Okx Order...",
		zap.String("instId", instID),
		zap.String("side", req.Side),
		zap.String("sz", req.Sz),
		zap.String("px", req.Px))

	var acks []orderAck
	if err := e.do(ctx, http.MethodPost, "/api/v5/trade/order", nil, req, true, &acks); err != nil {
		return model.Order{}, err
	}
	if len(acks) == 0 {
		return model.Order{}, fmt.Errorf("%w: okx returned no order ack", exchange.ErrExchange)
	}
	if acks[0].SCode != "" && acks[0].SCode != "0" {
		return model.Order{}, fmt.Errorf("%w: okx order rejected: %s %s", exchange.ErrExchange, acks[0].SCode, acks[0].SMsg)
	}

	e.mu.Lock()
	e.orderIns[acks[0].OrdID] = instID
	e.mu.Unlock()

	return model.NewOrder(acks[0].OrdID, symbol, side, amount, price, model.StatusOpen), nil
}

func (e *Exchange) FetchOpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	var details []orderDetail
	q := url.Values{"instType": {"SPOT"}, "instId": {ToInstID(symbol)}}
	if err := e.do(ctx, http.MethodGet, "/api/v5/trade/orders-pending", q, nil, true, &details); err != nil {
		return nil, err
	}

	orders := make([]model.Order, 0, len(details))
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, od := range details {
		e.orderIns[od.OrdID] = od.InstID
		orders = append(orders, model.NewOrder(od.OrdID, ToSymbol(od.InstID), model.OrderAction(od.Side),
			parseDecimal(od.Sz), parseDecimal(od.Px), mapState(od.State)))
	}
	return orders, nil
}

func parseDecimal(s string) decimal.Decimal {
	v, err := service.StringToDecimal(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

// mapState Okx 订单状态 -> 统一状态
func mapState(state string) model.OrderStatus {
	switch state {
	case "filled":
		return model.StatusClosed
	case "canceled", "mmp_canceled":
		return model.StatusCanceled
	default: // live, partially_filled
		return model.StatusOpen
	}
}

func (e *Exchange) FetchOrderStatus(ctx context.Context, orderID string) (model.OrderStatus, error) {
	e.mu.RLock()
	instID, ok := e.orderIns[orderID]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: unknown order %s", exchange.ErrExchange, orderID)
	}

	var details []orderDetail
	q := url.Values{"instId": {instID}, "ordId": {orderID}}
	if err := e.do(ctx, http.MethodGet, "/api/v5/trade/order", q, nil, true, &details); err != nil {
		return "", err
	}
	if len(details) == 0 {
		return "", fmt.Errorf("%w: order %s not found", exchange.ErrExchange, orderID)
	}
	status := mapState(details[0].State)
	if status != model.StatusOpen {
		// 终态订单不会再被查询
		e.mu.Lock()
		delete(e.orderIns, orderID)
		e.mu.Unlock()
	}
	return status, nil
}

func (e *Exchange) FetchBalance(ctx context.Context) (exchange.Balance, error) {
	var accounts []accountBalance
	if err := e.do(ctx, http.MethodGet, "/api/v5/account/balance", nil, nil, true, &accounts); err != nil {
		return nil, err
	}

	out := exchange.Balance{}
	for _, acct := range accounts {
		for _, det := range acct.Details {
			out[det.Ccy] = exchange.AssetBalance{
				Free:  parseDecimal(det.AvailBal),
				Total: parseDecimal(det.CashBal),
			}
		}
	}
	return out, nil
}

func (e *Exchange) FetchTicker(ctx context.Context, symbol string) (decimal.NullDecimal, error) {
	var tickers []ticker
	q := url.Values{"instId": {ToInstID(symbol)}}
	if err := e.do(ctx, http.MethodGet, "/api/v5/market/ticker", q, nil, false, &tickers); err != nil {
		return decimal.NullDecimal{}, err
	}
	if len(tickers) == 0 || tickers[0].Last == "" {
		return decimal.NullDecimal{}, nil
	}
	return parseNull(tickers[0].Last), nil
}

// FetchMyTrades Okx 按时间倒序返回成交，这里转为正序
func (e *Exchange) FetchMyTrades(ctx context.Context, symbol string) ([]model.Fill, error) {
	var raw []fill
	q := url.Values{"instType": {"SPOT"}, "instId": {ToInstID(symbol)}}
	if err := e.do(ctx, http.MethodGet, "/api/v5/trade/fills-history", q, nil, true, &raw); err != nil {
		return nil, err
	}

	sort.SliceStable(raw, func(i, j int) bool {
		ti, _ := service.StringToInt64(raw[i].Ts)
		tj, _ := service.StringToInt64(raw[j].Ts)
		return ti < tj
	})

	fills := make([]model.Fill, 0, len(raw))
	for _, f := range raw {
		amount := parseDecimal(f.FillSz)
		fills = append(fills, model.Fill{
			Side:   model.OrderAction(f.Side),
			Amount: amount,
			Cost:   amount.Mul(parseDecimal(f.FillPx)),
		})
	}
	return fills, nil
}
