package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrNetwork 网络类错误，可重试
	ErrNetwork = errors.New("network error")
	// ErrRequestTimeout 请求超时，结果未知 (下单可能已成功)
	ErrRequestTimeout = fmt.Errorf("request timeout: %w", ErrNetwork)
	// ErrExchange 交易所明确拒绝，不重试
	ErrExchange = errors.New("exchange error")
	// ErrNotConnected 未调用 Connect
	ErrNotConnected = errors.New("client not connected, call Connect first")
	// ErrUnknownSymbol 交易对未加载
	ErrUnknownSymbol = fmt.Errorf("%w: unknown symbol", ErrExchange)
)

// ConnectionError 交易所不可达 (重试耗尽) 或拒绝查询
type ConnectionError struct {
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "connection error: " + e.Reason
	}
	return fmt.Sprintf("connection error: %s: %v", e.Reason, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// OrderError 下单失败，携带交易对
type OrderError struct {
	Symbol string
	Reason string
	Err    error
}

func (e *OrderError) Error() string {
	msg := "failed to create order for " + e.Symbol
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OrderError) Unwrap() error { return e.Err }

// ClassifyTransportError 将 http.Client 返回的错误归类
func ClassifyTransportError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrRequestTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

// ClassifyStatus 根据 HTTP 状态码归类，2xx 返回 nil
func ClassifyStatus(venue string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s http %d", ErrRequestTimeout, venue, status)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %s http %d", ErrNetwork, venue, status)
	default:
		return fmt.Errorf("%w: %s http %d: %s", ErrExchange, venue, status, truncate(body, 256))
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
