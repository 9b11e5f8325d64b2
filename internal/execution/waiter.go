package execution

import (
	"context"
	"time"

	"crypto-automation-system/internal/model"

	"go.uber.org/zap"
)

// WaitForFill 轮询订单状态，最多 maxAttempts 次，每次间隔 interval
//
// closed 返回 true；canceled 立即返回 false；次数用尽仍未成交返回 false。
// 查询失败返回 OrderFillError，这一层不做重试
func (e *Engine) WaitForFill(ctx context.Context, orderID string, interval time.Duration, maxAttempts int) (bool, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err := e.ex.GetOrderStatus(ctx, orderID)
		if err != nil {
			e.metrics.FillWait("error")
			return false, &OrderFillError{OrderID: orderID, Err: err}
		}

		switch status {
		case model.StatusClosed:
			e.metrics.FillWait("filled")
			return true, nil
		case model.StatusCanceled:
			e.metrics.FillWait("canceled")
			e.logger.Warn("Order canceled while waiting for fill", zap.String("order_id", orderID))
			return false, nil
		}

		if attempt == maxAttempts {
			break
		}
		e.logger.Debug("Order still open, waiting",
			zap.String("order_id", orderID), zap.Int("attempt", attempt), zap.Duration("interval", interval))
		if err := e.sleep(ctx, interval); err != nil {
			return false, &OrderFillError{OrderID: orderID, Err: err}
		}
	}

	e.metrics.FillWait("timeout")
	return false, nil
}
