package model

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Ticker 代表最小粒度的市场数据（成交或价格快照）
type Ticker struct {
	Symbol    string          // 统一格式交易对，例如 "BTC/USDT"
	Timestamp int64           // 毫秒时间戳
	Price     decimal.Decimal // 最新价格
	Volume    decimal.Decimal // 交易量 (0 表示价格快照)
}

// OrderStatus 订单状态，只能通过轮询观察到
type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusClosed   OrderStatus = "closed"
	StatusCanceled OrderStatus = "canceled"
)

// Order 交易所已接受的限价单
type Order struct {
	ID     string
	Symbol string
	Side   OrderAction
	Amount decimal.Decimal
	Price  decimal.Decimal
	Cost   decimal.Decimal // Amount * Price
	Status OrderStatus
}

// NewOrder 计算 Cost 并构造订单
func NewOrder(id, symbol string, side OrderAction, amount, price decimal.Decimal, status OrderStatus) Order {
	return Order{
		ID:     id,
		Symbol: symbol,
		Side:   side,
		Amount: amount,
		Price:  price,
		Cost:   amount.Mul(price),
		Status: status,
	}
}

func (o Order) String() string {
	return fmt.Sprintf("ORDER %s [%s %s] %s @ %s (%s)", o.ID, o.Side, o.Symbol, o.Amount, o.Price, o.Status)
}

// Fill 一笔成交记录，交易所按时间先后排序
type Fill struct {
	Side   OrderAction
	Amount decimal.Decimal
	Cost   decimal.Decimal
}

// AccountAllocation 资产 (含计价货币) -> USD 价值的时点快照
type AccountAllocation map[string]decimal.Decimal

// Total 账户总价值
func (a AccountAllocation) Total() decimal.Decimal {
	total := decimal.Zero
	for _, v := range a {
		total = total.Add(v)
	}
	return total
}

// Get 不存在的资产返回 0
func (a AccountAllocation) Get(asset string) decimal.Decimal {
	if v, ok := a[asset]; ok {
		return v
	}
	return decimal.Zero
}

// Assets 按字母排序返回资产，保证遍历顺序稳定
func (a AccountAllocation) Assets() []string {
	assets := make([]string, 0, len(a))
	for k := range a {
		assets = append(assets, k)
	}
	sort.Strings(assets)
	return assets
}

func (a AccountAllocation) String() string {
	s := "{"
	for i, k := range a.Assets() {
		if i > 0 {
			s += ", "
		}
		s += k + ": " + a[k].String()
	}
	return s + "}"
}
