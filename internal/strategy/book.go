package strategy

import (
	"fmt"
	"sort"
	"strings"

	"crypto-automation-system/internal/service"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Book 一次调用内只读的策略配置快照
// 所有配置比例之和不超过 1，剩余部分为未分配缓冲
type Book struct {
	entries map[string]Entry // ticker -> Entry
	tickers []string         // 排序后的 ticker
}

// NewBook 校验并构造 Book
func NewBook(entries []Entry) (Book, error) {
	b := Book{entries: make(map[string]Entry, len(entries))}
	total := decimal.Zero
	for _, e := range entries {
		if e.Ticker == "" {
			return Book{}, fmt.Errorf("%w: ticker is required", ErrInvalidConfig)
		}
		if _, dup := b.entries[e.Ticker]; dup {
			return Book{}, fmt.Errorf("%w: duplicate ticker %s", ErrInvalidConfig, e.Ticker)
		}
		if err := e.validate(); err != nil {
			return Book{}, err
		}
		b.entries[e.Ticker] = e
		b.tickers = append(b.tickers, e.Ticker)
		total = total.Add(e.Percentage)
	}
	if total.GreaterThan(decimal.NewFromInt(1)) {
		return Book{}, fmt.Errorf("%w: total percentage %s exceeds 1", ErrInvalidConfig, total)
	}
	sort.Strings(b.tickers)
	return b, nil
}

// LoadBook 读取 JSON 格式的策略配置
//
//	{"BTCUSD": {"exchange_symbol": "BTC/USD", "base_asset": "BTC", "percentage": 0.2}}
//
// viper 会把 key 转成小写，ticker 统一转为大写
func LoadBook(path string) (Book, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return Book{}, fmt.Errorf("error reading strategy config %s: %w", path, err)
	}

	var raw map[string]Entry
	if err := v.Unmarshal(&raw, viper.DecodeHook(service.DecodeHook())); err != nil {
		return Book{}, fmt.Errorf("unable to decode strategy config: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for ticker, e := range raw {
		e.Ticker = strings.ToUpper(ticker)
		entries = append(entries, e)
	}
	return NewBook(entries)
}

// Entries 按 ticker 排序返回全部策略
func (b Book) Entries() []Entry {
	out := make([]Entry, 0, len(b.tickers))
	for _, t := range b.tickers {
		out = append(out, b.entries[t])
	}
	return out
}

func (b Book) Lookup(ticker string) (Entry, bool) {
	e, ok := b.entries[ticker]
	return e, ok
}

func (b Book) bySymbol(symbol string) (Entry, bool) {
	for _, t := range b.tickers {
		if e := b.entries[t]; e.ExchangeSymbol == symbol {
			return e, true
		}
	}
	return Entry{}, false
}

// PercentageOf 未配置的交易对返回 0
func (b Book) PercentageOf(symbol string) decimal.Decimal {
	e, ok := b.bySymbol(symbol)
	if !ok {
		return decimal.Zero
	}
	return e.Percentage
}

func (b Book) BaseAssetOf(symbol string) (string, bool) {
	e, ok := b.bySymbol(symbol)
	return e.BaseAsset, ok
}

func (b Book) SymbolOf(baseAsset string) (string, bool) {
	for _, t := range b.tickers {
		if e := b.entries[t]; e.BaseAsset == baseAsset {
			return e.ExchangeSymbol, true
		}
	}
	return "", false
}

// TotalPercentage 所有策略配置比例之和
func (b Book) TotalPercentage() decimal.Decimal {
	total := decimal.Zero
	for _, e := range b.entries {
		total = total.Add(e.Percentage)
	}
	return total
}

// Unallocated 预留给手续费的未分配比例
func (b Book) Unallocated() decimal.Decimal {
	return decimal.NewFromInt(1).Sub(b.TotalPercentage())
}

// Active 返回比例严格大于 threshold 的策略
func (b Book) Active(threshold decimal.Decimal) []Entry {
	var out []Entry
	for _, e := range b.Entries() {
		if e.Percentage.GreaterThan(threshold) {
			out = append(out, e)
		}
	}
	return out
}

// Precedence 返回配置比例最高的交易对，比例相同时取字母序最小者
// symbols 为空时 ok=false
func (b Book) Precedence(symbols []string) (string, bool) {
	if len(symbols) == 0 {
		return "", false
	}
	best := symbols[0]
	bestPct := b.PercentageOf(best)
	for _, s := range symbols[1:] {
		pct := b.PercentageOf(s)
		if pct.GreaterThan(bestPct) || (pct.Equal(bestPct) && s < best) {
			best, bestPct = s, pct
		}
	}
	return best, true
}

// Lowest 返回配置比例最低的交易对，比例相同时取字母序最小者
func (b Book) Lowest(symbols []string) (string, bool) {
	if len(symbols) == 0 {
		return "", false
	}
	low := symbols[0]
	lowPct := b.PercentageOf(low)
	for _, s := range symbols[1:] {
		pct := b.PercentageOf(s)
		if pct.LessThan(lowPct) || (pct.Equal(lowPct) && s < low) {
			low, lowPct = s, pct
		}
	}
	return low, true
}
