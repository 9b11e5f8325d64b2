package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"crypto-automation-system/internal/api"
	"crypto-automation-system/internal/exchange/paper"
	"crypto-automation-system/internal/exchange/venues"
	"crypto-automation-system/internal/model"
	"crypto-automation-system/internal/runner"
	"crypto-automation-system/internal/service"
	"crypto-automation-system/internal/signal"
	"crypto-automation-system/internal/strategy"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := "config"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		service.InitLogger("")
		service.Logger.Fatal("Configuration directory 'config/' not found. Please create it.")
	}

	cfg, err := service.LoadConfig(configPath)
	if err != nil {
		service.InitLogger("")
		service.Logger.Fatal("Failed to load config", zap.Error(err))
	}
	service.InitLogger(cfg.Log.Level)
	defer service.Logger.Sync()
	logger := service.Logger

	book, err := strategy.LoadBook(cfg.Trading.StrategyConfigPath)
	if err != nil {
		logger.Fatal("Failed to load strategy config", zap.Error(err))
	}
	for _, e := range book.Entries() {
		logger.Info("Strategy loaded", zap.String("strategy", e.String()))
	}

	// 1. 指标
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(registry)

	// 2. 交易所密钥，模拟交易所不需要
	var creds service.Credentials
	if !strings.EqualFold(cfg.Exchange.Name, "paper") {
		creds, err = service.LoadCredentials(cfg.Exchange.Name)
		if err != nil {
			logger.Fatal("Failed to load exchange credentials", zap.Error(err))
		}
	}

	// 3. 信号存储
	db, err := signal.OpenMySQL(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	store := signal.NewGormStore(db)

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// 4. 实时行情 (可选)，为模拟交易所提供价格
	var live paper.PriceSource
	if cfg.Exchange.WSURL != "" {
		symbols := make([]string, 0, len(book.Entries()))
		for _, e := range book.Entries() {
			symbols = append(symbols, e.ExchangeSymbol)
		}
		connector := api.NewConnector(cfg.Exchange.WSURL, symbols, logger)
		priceEngine := model.NewPriceEngine(connector.GetTickerChannel(), symbols, logger)
		live = priceEngine

		g.Go(func() error { return connector.Run(ctx) })
		g.Go(func() error {
			priceEngine.Start()
			return nil
		})
	}

	venue, err := venues.New(cfg.Exchange, live, logger)
	if err != nil {
		logger.Fatal("Failed to create exchange", zap.Error(err))
	}
	logger.Info("Exchange selected", zap.String("exchange", venue.Name()), zap.Bool("sandbox", cfg.Exchange.Sandbox))

	r := runner.New(*cfg, book, store, venue, creds, logger, runner.WithMetrics(metrics))

	// 5. HTTP 服务
	server := api.NewServer(cfg.Server.Addr, api.NewRouter(api.NewHandler(r, logger), registry))

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return r.Schedule(ctx) })

	if err := g.Wait(); err != nil {
		logger.Error("Service stopped with error", zap.Error(err))
		return
	}
	logger.Info("Service stopped")
}
