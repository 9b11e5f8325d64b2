package exchange

import (
	"testing"

	"crypto-automation-system/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func buy(amount, cost string) model.Fill {
	return model.Fill{Side: model.ActionBuy, Amount: d(amount), Cost: d(cost)}
}

func sell(amount, cost string) model.Fill {
	return model.Fill{Side: model.ActionSell, Amount: d(amount), Cost: d(cost)}
}

func TestMostRecentTrade(t *testing.T) {
	cases := []struct {
		name  string
		fills []model.Fill
		want  int // 返回最后 want 条
	}{
		{"empty history", nil, 0},
		{"only buys", []model.Fill{buy("1", "10"), buy("1", "11")}, 2},
		{"closed then reopened", []model.Fill{buy("1", "10"), sell("1", "12"), buy("2", "20"), buy("1", "9")}, 2},
		{"partially sold open position", []model.Fill{buy("1", "10"), sell("1", "12"), buy("2", "20"), sell("1", "11")}, 2},
		{"just closed position", []model.Fill{buy("1", "10"), sell("1", "12"), buy("2", "20"), sell("2", "22")}, 2},
		{"leading sells only", []model.Fill{sell("1", "10"), sell("1", "10")}, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := MostRecentTrade(tc.fills)
			assert.Len(t, got, tc.want)
			if tc.want > 0 {
				assert.Equal(t, tc.fills[len(tc.fills)-tc.want:], got)
			}
		})
	}
}

func TestTradeValueUSD(t *testing.T) {
	cases := []struct {
		name  string
		fills []model.Fill
		want  string
	}{
		{"empty", nil, "0"},
		{"fully closed", []model.Fill{buy("1", "100"), sell("1", "120")}, "0"},
		{"pure buys", []model.Fill{buy("0.01", "400"), buy("0.0096", "580")}, "980"},
		{"partially sold", []model.Fill{buy("0.0196", "980"), sell("0.0157", "800.7")}, "196"},
		{"only sells", []model.Fill{sell("1", "100")}, "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := TradeValueUSD(tc.fills)
			assert.True(t, got.Equal(d(tc.want)), "got %s", got)
		})
	}
}

func TestPrecisionPlaces(t *testing.T) {
	cases := map[string]int32{
		"0.0001": 4,
		"0.01":   2,
		"0.05":   1,
		"0.5":    0,
		"1":      0,
		"10":     1,
	}
	for step, want := range cases {
		assert.Equal(t, want, PrecisionPlaces(d(step)), step)
	}
	assert.Equal(t, int32(0), PrecisionPlaces(decimal.Zero))
}

func TestRoundToPrecision(t *testing.T) {
	step := decimal.NewNullDecimal(d("0.0001"))
	assert.Equal(t, "0.0157", RoundToPrecision(d("0.01568"), step).String())
	assert.Equal(t, "0.0001", RoundToPrecision(d("0.00005"), step).String())
	assert.Equal(t, "0.123456", RoundToPrecision(d("0.123456"), decimal.NullDecimal{}).String())
}
