package coinbase

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"crypto-automation-system/internal/exchange"
	"crypto-automation-system/internal/model"
	"crypto-automation-system/internal/service"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type cbServer struct {
	t   *testing.T
	key *ecdsa.PrivateKey

	mu         sync.Mutex
	statusCode int
	reject     bool
	lastOrder  createOrderRequest
	lastURI    string
}

func (s *cbServer) verify(r *http.Request) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	tok, err := jwt.Parse(raw, func(tok *jwt.Token) (any, error) {
		return &s.key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if !assert.NoError(s.t, err) {
		return
	}
	assert.Equal(s.t, "organizations/x/apiKeys/y", tok.Header["kid"])
	assert.NotEmpty(s.t, tok.Header["nonce"])
	claims := tok.Claims.(jwt.MapClaims)
	assert.Equal(s.t, "cdp", claims["iss"])
	s.lastURI, _ = claims["uri"].(string)
}

func (s *cbServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.statusCode != 0 {
		w.WriteHeader(s.statusCode)
		return
	}
	s.verify(r)

	var out any
	switch {
	case r.URL.Path == "/api/v3/brokerage/products":
		out = productsResponse{Products: []product{
			{ProductID: "BTC-USD", BaseIncrement: "0.00000001", QuoteIncrement: "0.01", PriceIncrement: "0.01"},
			{ProductID: "ETH-USD", BaseIncrement: "0.0001", QuoteIncrement: "0.01"},
		}}
	case r.URL.Path == "/api/v3/brokerage/accounts":
		if r.URL.Query().Get("cursor") == "" {
			out = accountsResponse{
				Accounts: []account{{Currency: "USD", AvailableBalance: money{Value: "900"}, Hold: money{Value: "100"}}},
				HasNext:  true,
				Cursor:   "next",
			}
		} else {
			out = accountsResponse{Accounts: []account{{Currency: "BTC", AvailableBalance: money{Value: "0.5"}, Hold: money{Value: "0"}}}}
		}
	case r.URL.Path == "/api/v3/brokerage/products/BTC-USD":
		out = product{ProductID: "BTC-USD", Price: "50000.5"}
	case r.URL.Path == "/api/v3/brokerage/orders" && r.Method == http.MethodPost:
		assert.NoError(s.t, json.NewDecoder(r.Body).Decode(&s.lastOrder))
		resp := createOrderResponse{Success: !s.reject}
		if s.reject {
			resp.ErrorResponse.Error = "INSUFFICIENT_FUND"
			resp.ErrorResponse.Message = "Insufficient balance in source account"
		} else {
			resp.SuccessResponse.OrderID = "cb-1"
		}
		out = resp
	case r.URL.Path == "/api/v3/brokerage/orders/historical/batch":
		assert.Equal(s.t, "OPEN", r.URL.Query().Get("order_status"))
		out = ordersResponse{Orders: []order{{
			OrderID: "cb-9", ProductID: "BTC-USD", Side: "BUY", Status: "OPEN",
			OrderConfiguration: orderConfiguration{LimitLimitGTC: &limitLimitGTC{BaseSize: "0.01", LimitPrice: "50000"}},
		}}}
	case r.URL.Path == "/api/v3/brokerage/orders/historical/fills":
		out = fillsResponse{Fills: []fillRecord{
			{Side: "SELL", Size: "0.01", Price: "52000", TradeTime: "2024-01-02T00:00:00Z"},
			{Side: "BUY", Size: "0.01", Price: "50000", TradeTime: "2024-01-01T00:00:00Z"},
		}}
	case strings.HasPrefix(r.URL.Path, "/api/v3/brokerage/orders/historical/"):
		status := map[string]string{"cb-1": "FILLED", "cb-2": "CANCELLED", "cb-3": "PENDING"}
		id := strings.TrimPrefix(r.URL.Path, "/api/v3/brokerage/orders/historical/")
		st, ok := status[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		out = orderResponse{Order: order{OrderID: id, Status: st}}
	default:
		http.NotFound(w, r)
		return
	}
	_ = json.NewEncoder(w).Encode(out)
}

func newTestExchange(t *testing.T) (*Exchange, *cbServer, service.Credentials) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	s := &cbServer{t: t, key: key}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	creds := service.Credentials{APIKey: "organizations/x/apiKeys/y", APISecret: string(pemKey)}
	return New(Config{RESTURL: srv.URL, Timeout: time.Second}, zap.NewNop()), s, creds
}

func TestSymbolMapping(t *testing.T) {
	assert.Equal(t, "BTC-USD", ToProductID("BTC/USD"))
	assert.Equal(t, "ETH/USD", ToSymbol("ETH-USD"))
}

func TestParsePrivateKeyEscapedNewlines(t *testing.T) {
	_, _, creds := newTestExchange(t)
	escaped := strings.ReplaceAll(creds.APISecret, "\n", `\n`)
	_, err := parsePrivateKey(escaped)
	assert.NoError(t, err)

	_, err = parsePrivateKey("not a pem")
	assert.Error(t, err)
}

func TestConnectInvalidSecret(t *testing.T) {
	e, _, creds := newTestExchange(t)
	creds.APISecret = "garbage"
	err := e.Connect(context.Background(), creds, false)
	assert.ErrorIs(t, err, exchange.ErrExchange)
}

func TestConnectLoadsProducts(t *testing.T) {
	e, s, creds := newTestExchange(t)
	require.NoError(t, e.Connect(context.Background(), creds, false))

	u, _ := url.Parse(e.baseURL)
	assert.Equal(t, "GET "+u.Host+"/api/v3/brokerage/accounts", s.lastURI)

	m, err := e.Market("BTC/USD")
	require.NoError(t, err)
	assert.True(t, m.AmountPrecision.Decimal.Equal(d("0.00000001")))
	assert.True(t, m.PricePrecision.Decimal.Equal(d("0.01")))

	// 缺少 price_increment 时使用 quote_increment
	m, err = e.Market("ETH/USD")
	require.NoError(t, err)
	assert.True(t, m.PricePrecision.Decimal.Equal(d("0.01")))

	_, err = e.Market("SOL/USD")
	assert.ErrorIs(t, err, exchange.ErrUnknownSymbol)
}

func TestOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	e, s, creds := newTestExchange(t)
	require.NoError(t, e.Connect(ctx, creds, false))

	o, err := e.CreateLimitOrder(ctx, "BTC/USD", model.ActionBuy, d("0.01"), d("50000"))
	require.NoError(t, err)
	assert.Equal(t, "cb-1", o.ID)
	assert.Equal(t, "BTC-USD", s.lastOrder.ProductID)
	assert.Equal(t, "BUY", s.lastOrder.Side)
	assert.NotEmpty(t, s.lastOrder.ClientOrderID)
	require.NotNil(t, s.lastOrder.OrderConfiguration.LimitLimitGTC)
	assert.Equal(t, "0.01", s.lastOrder.OrderConfiguration.LimitLimitGTC.BaseSize)
	assert.Equal(t, "50000", s.lastOrder.OrderConfiguration.LimitLimitGTC.LimitPrice)

	for id, want := range map[string]model.OrderStatus{
		"cb-1": model.StatusClosed,
		"cb-2": model.StatusCanceled,
		"cb-3": model.StatusOpen,
	} {
		status, err := e.FetchOrderStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, status, id)
	}

	_, err = e.FetchOrderStatus(ctx, "missing")
	assert.ErrorIs(t, err, exchange.ErrExchange)

	open, err := e.FetchOpenOrders(ctx, "BTC/USD")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.ActionBuy, open[0].Side)
	assert.Equal(t, "BTC/USD", open[0].Symbol)
	assert.True(t, open[0].Cost.Equal(d("500")))
}

func TestOrderRejected(t *testing.T) {
	ctx := context.Background()
	e, s, creds := newTestExchange(t)
	require.NoError(t, e.Connect(ctx, creds, false))
	s.reject = true

	_, err := e.CreateLimitOrder(ctx, "BTC/USD", model.ActionSell, d("1"), d("1"))
	assert.ErrorIs(t, err, exchange.ErrExchange)
	assert.Contains(t, err.Error(), "INSUFFICIENT_FUND")
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	e, _, creds := newTestExchange(t)
	require.NoError(t, e.Connect(ctx, creds, false))

	bal, err := e.FetchBalance(ctx)
	require.NoError(t, err)
	assert.True(t, bal["USD"].Free.Equal(d("900")))
	assert.True(t, bal["USD"].Total.Equal(d("1000")))
	assert.True(t, bal["BTC"].Total.Equal(d("0.5")))

	last, err := e.FetchTicker(ctx, "BTC/USD")
	require.NoError(t, err)
	assert.True(t, last.Valid)
	assert.True(t, last.Decimal.Equal(d("50000.5")))

	fills, err := e.FetchMyTrades(ctx, "BTC/USD")
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, model.ActionBuy, fills[0].Side)
	assert.True(t, fills[0].Cost.Equal(d("500")))
	assert.Equal(t, model.ActionSell, fills[1].Side)
	assert.True(t, fills[1].Cost.Equal(d("520")))
}

func TestHTTPErrorsClassified(t *testing.T) {
	ctx := context.Background()
	e, s, creds := newTestExchange(t)

	s.statusCode = http.StatusTooManyRequests
	assert.ErrorIs(t, e.Connect(ctx, creds, false), exchange.ErrNetwork)

	s.statusCode = http.StatusGatewayTimeout
	assert.ErrorIs(t, e.Connect(ctx, creds, false), exchange.ErrRequestTimeout)

	s.statusCode = http.StatusUnauthorized
	err := e.Connect(ctx, creds, false)
	assert.ErrorIs(t, err, exchange.ErrExchange)
	assert.NotErrorIs(t, err, exchange.ErrNetwork)
}
