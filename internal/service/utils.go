package service

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// StringToDecimal 解析交易所返回的数字字符串，空字符串视为 0
func StringToDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func StringToInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// UTCNowRounded 返回当前 UTC 时间，向下取整到小时
func UTCNowRounded(now time.Time) time.Time {
	return now.UTC().Truncate(time.Hour)
}

// Sleeper 抽象阻塞等待，测试中替换为立即返回的实现
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep 阻塞 d，ctx 取消时提前返回 ctx.Err()
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NextRun 计算 now 之后下一个 hours:minute (UTC) 的时间点
func NextRun(now time.Time, hours []int, minute int) time.Time {
	now = now.UTC()
	var next time.Time
	for day := 0; day <= 1; day++ {
		base := time.Date(now.Year(), now.Month(), now.Day()+day, 0, 0, 0, 0, time.UTC)
		for _, h := range hours {
			candidate := base.Add(time.Duration(h)*time.Hour + time.Duration(minute)*time.Minute)
			if candidate.After(now) && (next.IsZero() || candidate.Before(next)) {
				next = candidate
			}
		}
		if !next.IsZero() {
			return next
		}
	}
	return next
}
