package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHandleMessage(t *testing.T) {
	c := NewConnector("ws://unused", []string{"BTC/USD"}, zap.NewNop())

	require.NoError(t, c.handleMessage([]byte(`{"event":"subscribe","arg":{"channel":"tickers","instId":"BTC-USD"}}`)))
	require.NoError(t, c.handleMessage([]byte(`garbage`)))
	require.NoError(t, c.handleMessage([]byte(`{"arg":{"channel":"tickers","instId":"ETH-USD"},"data":[{"last":"2500","ts":"1"}]}`)))
	require.NoError(t, c.handleMessage([]byte(`{"arg":{"channel":"tickers","instId":"BTC-USD"},"data":[{"last":"50000.5","lastSz":"0.1","ts":"1700000000000"}]}`)))

	err := c.handleMessage([]byte(`{"event":"error","msg":"Invalid request","code":"60012"}`))
	assert.ErrorIs(t, err, errSubscribe)

	require.Len(t, c.tickerChannel, 1)
	tk := <-c.tickerChannel
	assert.Equal(t, "BTC/USD", tk.Symbol)
	assert.True(t, tk.Price.Equal(decimal.RequireFromString("50000.5")))
	assert.Equal(t, int64(1700000000000), tk.Timestamp)
}

func TestRunStreamsTickers(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		var sub struct {
			Op   string              `json:"op"`
			Args []map[string]string `json:"args"`
		}
		if !assert.NoError(t, conn.ReadJSON(&sub)) {
			return
		}
		assert.Equal(t, "subscribe", sub.Op)
		assert.Equal(t, "BTC-USD", sub.Args[0]["instId"])

		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"arg":{"channel":"tickers","instId":"BTC-USD"},"data":[{"last":"51000","ts":"1700000000000"}]}`))
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := NewConnector("ws"+strings.TrimPrefix(srv.URL, "http"), []string{"BTC/USD"}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case tk := <-c.GetTickerChannel():
		assert.True(t, tk.Price.Equal(decimal.NewFromInt(51000)))
	case <-time.After(5 * time.Second):
		t.Fatal("no ticker received")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("connector did not stop")
	}
	_, open := <-c.GetTickerChannel()
	assert.False(t, open)
}
