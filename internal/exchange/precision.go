package exchange

import (
	"github.com/shopspring/decimal"
)

var (
	one = decimal.NewFromInt(1)
	ten = decimal.NewFromInt(10)
)

// PrecisionPlaces 由最小变动单位计算小数位数，即 |trunc(log10(step))|
// 0.0001 -> 4, 0.05 -> 1, 0.5 -> 0, 10 -> 1
func PrecisionPlaces(step decimal.Decimal) int32 {
	if !step.IsPositive() {
		return 0
	}
	var places int32
	x := step
	if x.LessThan(one) {
		for x.LessThan(one) {
			x = x.Shift(1)
			places++
		}
		// 非 10 的整数次幂时 log10 向零截断少一位
		if !x.Equal(one) {
			places--
		}
		return places
	}
	for x.GreaterThanOrEqual(ten) {
		x = x.Shift(-1)
		places++
	}
	return places
}

// RoundToPrecision 按交易对精度四舍五入 (half-up)，精度未知时原样返回
func RoundToPrecision(v decimal.Decimal, step decimal.NullDecimal) decimal.Decimal {
	if !step.Valid {
		return v
	}
	return v.Round(PrecisionPlaces(step.Decimal))
}
