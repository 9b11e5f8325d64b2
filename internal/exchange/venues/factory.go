package venues

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"crypto-automation-system/internal/exchange"
	"crypto-automation-system/internal/exchange/coinbase"
	"crypto-automation-system/internal/exchange/okx"
	"crypto-automation-system/internal/exchange/paper"
	"crypto-automation-system/internal/model"
	"crypto-automation-system/internal/service"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// New 根据配置中的交易所名称创建 Venue
// live 为实时价格源，仅 paper 使用，可为 nil，未命中时回落到配置中的静态价格
func New(cfg service.ExchangeConfig, live paper.PriceSource, logger *zap.Logger) (exchange.Venue, error) {
	switch strings.ToLower(cfg.Name) {
	case "okx":
		return okx.New(okx.Config{RESTURL: cfg.RESTURL, Timeout: cfg.Timeout}, logger), nil
	case "coinbase":
		return coinbase.New(coinbase.Config{RESTURL: cfg.RESTURL, Timeout: cfg.Timeout}, logger), nil
	case "paper":
		static := make(paper.StaticPrices, len(cfg.Paper.Prices))
		for symbol, price := range cfg.Paper.Prices {
			static[strings.ToUpper(symbol)] = price
		}
		var prices paper.Prices
		if live != nil {
			prices = append(prices, live)
		}
		prices = append(prices, static)
		venue := paper.New(cfg.Paper, prices, logger)
		seedHoldings(venue, cfg.Paper.Balances, static, logger)
		return venue, nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %q (supported: %s)", cfg.Name, strings.Join(Names(), ", "))
	}
}

// Names 已支持的交易所
func Names() []string {
	return []string{"coinbase", "okx", "paper"}
}

// seedHoldings 为配置中的非计价资产余额补一笔按配置价格的买入成交，
// 使账户分配能按成本计算这些持仓。同一资产只记一次，按交易对字母序取第一个有价格的
func seedHoldings(venue *paper.Exchange, balances map[string]decimal.Decimal, static paper.StaticPrices, logger *zap.Logger) {
	amounts := make(map[string]decimal.Decimal, len(balances))
	for asset, amount := range balances {
		amounts[strings.ToUpper(asset)] = amount
	}

	seeded := make(map[string]bool)
	for _, symbol := range slices.Sorted(maps.Keys(static)) {
		base, _, ok := strings.Cut(symbol, "/")
		if !ok || seeded[base] {
			continue
		}
		amount := amounts[base]
		if !amount.IsPositive() {
			continue
		}
		price := static[symbol]
		venue.Seed(symbol, model.Fill{Side: model.ActionBuy, Amount: amount, Cost: amount.Mul(price)})
		seeded[base] = true
		logger.Info("Paper holding seeded",
			zap.String("symbol", symbol), zap.String("amount", amount.String()), zap.String("price", price.String()))
	}
}
