package exchange

import (
	"crypto-automation-system/internal/model"

	"github.com/shopspring/decimal"
)

// MostRecentTrade 从成交历史中截取最近一笔仓位的成交
//
// 一笔仓位由一次或多次买入开始，以卖出平仓结束。从新到旧扫描，
// 第一次在买入之后遇到卖出时，返回该卖出之后 (更新) 的成交；
// 没有这样的转折时返回全部历史。
func MostRecentTrade(fills []model.Fill) []model.Fill {
	if len(fills) == 0 {
		return []model.Fill{}
	}

	var prev model.OrderAction
	for i := len(fills) - 1; i >= 0; i-- {
		switch fills[i].Side {
		case model.ActionSell:
			if prev == model.ActionBuy {
				return fills[i+1:]
			}
			prev = model.ActionSell
		case model.ActionBuy:
			prev = model.ActionBuy
		}
	}
	return fills
}

// TradeValueUSD 仍持有部分对应的原始买入成本
// cost * round(owned / bought, 2)，没有买入时为 0
func TradeValueUSD(fills []model.Fill) decimal.Decimal {
	bought := decimal.Zero
	owned := decimal.Zero
	cost := decimal.Zero

	for _, f := range fills {
		switch f.Side {
		case model.ActionBuy:
			bought = bought.Add(f.Amount)
			owned = owned.Add(f.Amount)
			cost = cost.Add(f.Cost)
		case model.ActionSell:
			owned = owned.Sub(f.Amount)
		}
	}

	if bought.IsZero() {
		return decimal.Zero
	}
	return cost.Mul(owned.Div(bought).RoundBank(2))
}
