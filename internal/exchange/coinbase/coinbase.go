package coinbase

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
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

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultRESTURL = "https://api.coinbase.com"
	SandboxRESTURL = "https://api-sandbox.coinbase.com"
)

type Config struct {
	RESTURL    string // 为空时根据 sandbox 选择
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Exchange 实现 exchange.Venue，对接 Coinbase Advanced Trade REST 接口
type Exchange struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger

	mu      sync.RWMutex
	baseURL string
	apiKey  string
	key     *ecdsa.PrivateKey
	markets map[string]exchange.Market
}

func New(cfg Config, logger *zap.Logger) *Exchange {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Exchange{
		cfg:     cfg,
		http:    client,
		logger:  logger.With(zap.String("executor", "Coinbase")),
		markets: make(map[string]exchange.Market),
	}
}

func (e *Exchange) Name() string { return "coinbase" }

// ToProductID BTC/USD -> BTC-USD
func ToProductID(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-")
}

// ToSymbol BTC-USD -> BTC/USD
func ToSymbol(productID string) string {
	return strings.ReplaceAll(productID, "-", "/")
}

// ===== 响应结构 =====

type product struct {
	ProductID      string `json:"product_id"`
	BaseIncrement  string `json:"base_increment"`
	QuoteIncrement string `json:"quote_increment"`
	PriceIncrement string `json:"price_increment"`
	Price          string `json:"price"`
}

type productsResponse struct {
	Products []product `json:"products"`
}

type money struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type account struct {
	Currency         string `json:"currency"`
	AvailableBalance money  `json:"available_balance"`
	Hold             money  `json:"hold"`
}

type accountsResponse struct {
	Accounts []account `json:"accounts"`
	HasNext  bool      `json:"has_next"`
	Cursor   string    `json:"cursor"`
}

type limitLimitGTC struct {
	BaseSize   string `json:"base_size"`
	LimitPrice string `json:"limit_price"`
	PostOnly   bool   `json:"post_only"`
}

type orderConfiguration struct {
	LimitLimitGTC *limitLimitGTC `json:"limit_limit_gtc,omitempty"`
}

type createOrderRequest struct {
	ClientOrderID      string             `json:"client_order_id"`
	ProductID          string             `json:"product_id"`
	Side               string             `json:"side"` // BUY | SELL
	OrderConfiguration orderConfiguration `json:"order_configuration"`
}

type createOrderResponse struct {
	Success         bool `json:"success"`
	SuccessResponse struct {
		OrderID       string `json:"order_id"`
		ProductID     string `json:"product_id"`
		Side          string `json:"side"`
		ClientOrderID string `json:"client_order_id"`
	} `json:"success_response"`
	ErrorResponse struct {
		Error        string `json:"error"`
		Message      string `json:"message"`
		ErrorDetails string `json:"error_details"`
	} `json:"error_response"`
}

type order struct {
	OrderID            string             `json:"order_id"`
	ProductID          string             `json:"product_id"`
	Side               string             `json:"side"`
	Status             string             `json:"status"`
	OrderConfiguration orderConfiguration `json:"order_configuration"`
}

type ordersResponse struct {
	Orders []order `json:"orders"`
}

type orderResponse struct {
	Order order `json:"order"`
}

type fillRecord struct {
	Side      string `json:"side"`
	Size      string `json:"size"`
	Price     string `json:"price"`
	TradeTime string `json:"trade_time"`
}

type fillsResponse struct {
	Fills []fillRecord `json:"fills"`
}

// ===== 认证 =====

func parsePrivateKey(secret string) (*ecdsa.PrivateKey, error) {
	// 环境变量中的换行常被转义
	secret = strings.ReplaceAll(secret, `\n`, "\n")
	block, _ := pem.Decode([]byte(secret))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse EC private key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("api secret is not an EC private key")
	}
	return key, nil
}

// buildJWT 每个请求单独签发 ES256 JWT，uri 为 "METHOD host/path"
func (e *Exchange) buildJWT(method, host, path string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": e.apiKey,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"uri": fmt.Sprintf("%s %s%s", method, host, path),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = e.apiKey
	token.Header["nonce"] = strings.ReplaceAll(uuid.NewString(), "-", "")
	return token.SignedString(e.key)
}

func (e *Exchange) send(ctx context.Context, method, path string, query url.Values, payload any, out any) error {
	e.mu.RLock()
	baseURL := e.baseURL
	e.mu.RUnlock()

	u, err := url.Parse(baseURL + path)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body []byte
	if payload != nil {
		if body, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}

	jwtTok, err := e.buildJWT(method, u.Host, u.Path)
	if err != nil {
		return fmt.Errorf("%w: sign request: %v", exchange.ErrExchange, err)
	}
	req.Header.Set("Authorization", "Bearer "+jwtTok)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return exchange.ClassifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return exchange.ClassifyTransportError(err)
	}
	if err := exchange.ClassifyStatus("coinbase", resp.StatusCode, raw); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("coinbase: decode response: %w", err)
	}
	return nil
}

// Connect 解析 API 私钥，加载现货交易对并校验账户权限
func (e *Exchange) Connect(ctx context.Context, creds service.Credentials, sandbox bool) error {
	key, err := parsePrivateKey(creds.APISecret)
	if err != nil {
		return fmt.Errorf("%w: invalid api secret: %v", exchange.ErrExchange, err)
	}

	baseURL := e.cfg.RESTURL
	if baseURL == "" {
		baseURL = DefaultRESTURL
		if sandbox {
			baseURL = SandboxRESTURL
		}
	}

	e.mu.Lock()
	e.baseURL = strings.TrimRight(baseURL, "/")
	e.apiKey = creds.APIKey
	e.key = key
	e.mu.Unlock()

	var products productsResponse
	q := url.Values{"product_type": {"SPOT"}}
	if err := e.send(ctx, http.MethodGet, "/api/v3/brokerage/products", q, nil, &products); err != nil {
		return err
	}

	markets := make(map[string]exchange.Market, len(products.Products))
	for _, p := range products.Products {
		symbol := ToSymbol(p.ProductID)
		priceStep := p.PriceIncrement
		if priceStep == "" {
			priceStep = p.QuoteIncrement
		}
		markets[symbol] = exchange.Market{
			Symbol:          symbol,
			AmountPrecision: parseNull(p.BaseIncrement),
			PricePrecision:  parseNull(priceStep),
		}
	}

	if _, err := e.FetchBalance(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	e.markets = markets
	e.mu.Unlock()

	e.logger.Info("Coinbase products loaded", zap.Int("markets", len(markets)), zap.Bool("sandbox", sandbox))
	return nil
}

func parseNull(s string) decimal.NullDecimal {
	v, err := decimal.NewFromString(s)
	if err != nil || !v.IsPositive() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(v)
}

func parseDecimal(s string) decimal.Decimal {
	v, err := service.StringToDecimal(s)
	if err != nil {
		return decimal.Zero
	}
	return v
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
	body := createOrderRequest{
		ClientOrderID: uuid.New().String(),
		ProductID:     ToProductID(symbol),
		Side:          strings.ToUpper(side.String()),
		OrderConfiguration: orderConfiguration{
			LimitLimitGTC: &limitLimitGTC{
				BaseSize:   amount.String(),
				LimitPrice: price.String(),
			},
		},
	}

	var out createOrderResponse
	if err := e.send(ctx, http.MethodPost, "/api/v3/brokerage/orders", nil, body, &out); err != nil {
		return model.Order{}, err
	}
	if !out.Success {
		return model.Order{}, fmt.Errorf("%w: coinbase order rejected: %s: %s", exchange.ErrExchange,
			out.ErrorResponse.Error, out.ErrorResponse.Message)
	}
	return model.NewOrder(out.SuccessResponse.OrderID, symbol, side, amount, price, model.StatusOpen), nil
}

// mapStatus Coinbase 订单状态 -> 统一状态
func mapStatus(status string) model.OrderStatus {
	switch status {
	case "FILLED":
		return model.StatusClosed
	case "CANCELLED", "EXPIRED", "FAILED":
		return model.StatusCanceled
	default: // OPEN, PENDING, QUEUED, CANCEL_QUEUED
		return model.StatusOpen
	}
}

func toOrder(o order) model.Order {
	var amount, price decimal.Decimal
	if cfg := o.OrderConfiguration.LimitLimitGTC; cfg != nil {
		amount = parseDecimal(cfg.BaseSize)
		price = parseDecimal(cfg.LimitPrice)
	}
	return model.NewOrder(o.OrderID, ToSymbol(o.ProductID), model.OrderAction(strings.ToLower(o.Side)),
		amount, price, mapStatus(o.Status))
}

func (e *Exchange) FetchOpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	var out ordersResponse
	q := url.Values{"product_ids": {ToProductID(symbol)}, "order_status": {"OPEN"}}
	if err := e.send(ctx, http.MethodGet, "/api/v3/brokerage/orders/historical/batch", q, nil, &out); err != nil {
		return nil, err
	}
	orders := make([]model.Order, 0, len(out.Orders))
	for _, o := range out.Orders {
		orders = append(orders, toOrder(o))
	}
	return orders, nil
}

func (e *Exchange) FetchOrderStatus(ctx context.Context, orderID string) (model.OrderStatus, error) {
	var out orderResponse
	if err := e.send(ctx, http.MethodGet, "/api/v3/brokerage/orders/historical/"+url.PathEscape(orderID), nil, nil, &out); err != nil {
		return "", err
	}
	return mapStatus(out.Order.Status), nil
}

// FetchBalance 分页读取所有账户，Total = 可用 + 冻结
func (e *Exchange) FetchBalance(ctx context.Context) (exchange.Balance, error) {
	balance := exchange.Balance{}
	cursor := ""
	for {
		q := url.Values{"limit": {"250"}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var out accountsResponse
		if err := e.send(ctx, http.MethodGet, "/api/v3/brokerage/accounts", q, nil, &out); err != nil {
			return nil, err
		}
		for _, a := range out.Accounts {
			free := parseDecimal(a.AvailableBalance.Value)
			balance[a.Currency] = exchange.AssetBalance{
				Free:  free,
				Total: free.Add(parseDecimal(a.Hold.Value)),
			}
		}
		if !out.HasNext || out.Cursor == "" {
			return balance, nil
		}
		cursor = out.Cursor
	}
}

func (e *Exchange) FetchTicker(ctx context.Context, symbol string) (decimal.NullDecimal, error) {
	var p product
	if err := e.send(ctx, http.MethodGet, "/api/v3/brokerage/products/"+ToProductID(symbol), nil, nil, &p); err != nil {
		return decimal.NullDecimal{}, err
	}
	return parseNull(p.Price), nil
}

// FetchMyTrades Coinbase 按时间倒序返回成交，这里转为正序
func (e *Exchange) FetchMyTrades(ctx context.Context, symbol string) ([]model.Fill, error) {
	var out fillsResponse
	q := url.Values{"product_ids": {ToProductID(symbol)}}
	if err := e.send(ctx, http.MethodGet, "/api/v3/brokerage/orders/historical/fills", q, nil, &out); err != nil {
		return nil, err
	}

	sort.SliceStable(out.Fills, func(i, j int) bool {
		ti, _ := time.Parse(time.RFC3339Nano, out.Fills[i].TradeTime)
		tj, _ := time.Parse(time.RFC3339Nano, out.Fills[j].TradeTime)
		return ti.Before(tj)
	})

	fills := make([]model.Fill, 0, len(out.Fills))
	for _, f := range out.Fills {
		size := parseDecimal(f.Size)
		fills = append(fills, model.Fill{
			Side:   model.OrderAction(strings.ToLower(f.Side)),
			Amount: size,
			Cost:   size.Mul(parseDecimal(f.Price)),
		})
	}
	return fills, nil
}
