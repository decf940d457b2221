package main

import (
	"context"
	"errors"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"time"

	"pullbackbot/config"
	"pullbackbot/internal/adapters/binanceclient"
	"pullbackbot/internal/adapters/logger"
	"pullbackbot/internal/adapters/metrics"
	"pullbackbot/internal/adapters/sqlite"
	"pullbackbot/internal/adapters/taapi"
	"pullbackbot/internal/adapters/telegram"
	"pullbackbot/internal/adapters/tradelog"
	"pullbackbot/internal/app"
	"pullbackbot/internal/orders"
	"pullbackbot/internal/portfolio"
	"pullbackbot/internal/ports"
	"pullbackbot/internal/signal"
	"pullbackbot/internal/stats"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	if lifetime, err := repo.GetTotalProfit(context.Background()); err != nil {
		appLogger.Warn(context.Background(), "Could not read lifetime realized PnL", map[string]interface{}{"error": err.Error()})
	} else {
		appLogger.Info(context.Background(), "Lifetime realized PnL", map[string]interface{}{"pnl": lifetime})
	}

	// 4. Initialize Trade Journal (CSV Adapter, optional)
	var journal ports.TradeJournal
	if cfg.JournalPath != "" {
		csvJournal, err := tradelog.New(tradelog.Config{
			Path:   cfg.JournalPath,
			Logger: appLogger,
		})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trade journal")
			log.Fatalf("FATAL: Failed to initialize trade journal: %v", err)
		}
		defer func() {
			if err := csvJournal.Close(); err != nil {
				appLogger.Error(context.Background(), err, "Error closing trade journal")
			}
		}()
		journal = csvJournal
		appLogger.Info(context.Background(), "Trade journal initialized", map[string]interface{}{"path": cfg.JournalPath})
	} else {
		appLogger.Info(context.Background(), "Trade journal disabled (no path configured)")
	}

	// 5. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(context.Background(), "Binance client initialized")

	// 6. Initialize Indicator Client (taapi.io Adapter)
	indicatorClient, err := taapi.New(taapi.Config{
		Secret:     cfg.TaapiSecret,
		Endpoint:   cfg.TaapiEndpoint,
		Exchange:   cfg.TaapiExchange,
		Interval:   cfg.TaapiInterval,
		QuoteAsset: cfg.QuoteAsset,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize indicator client")
		log.Fatalf("FATAL: Failed to initialize indicator client: %v", err)
	}
	appLogger.Info(context.Background(), "Indicator client initialized")

	// 7. Initialize Notifier (Telegram Adapter, optional)
	var notifier ports.Notifier
	if cfg.TelegramToken != "" {
		tg, err := telegram.New(telegram.Config{
			Token:  cfg.TelegramToken,
			ChatID: cfg.TelegramChatID,
			Logger: appLogger,
		})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Telegram notifier")
			log.Fatalf("FATAL: Failed to initialize Telegram notifier: %v", err)
		}
		notifier = tg
		appLogger.Info(context.Background(), "Telegram notifier initialized")
	} else {
		appLogger.Info(context.Background(), "Telegram notifier disabled (no token configured)")
	}

	// 8. Initialize Metrics and serve them (listener optional)
	botMetrics := metrics.New(nil)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok\n"))
		})
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			appLogger.Info(context.Background(), "Serving metrics", map[string]interface{}{"addr": cfg.MetricsAddr, "path": "/metrics"})
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error(context.Background(), err, "Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				appLogger.Error(context.Background(), err, "Error shutting down metrics server")
			}
		}()
	} else {
		appLogger.Info(context.Background(), "Metrics server disabled (no address configured)")
	}

	// 9. Initialize Order Manager
	orderManager, err := orders.NewManager(orders.Config{
		Exchange: binanceClient,
		Logger:   appLogger,
		Metrics:  botMetrics,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize order manager")
		log.Fatalf("FATAL: Failed to initialize order manager: %v", err)
	}
	appLogger.Info(context.Background(), "Order manager initialized")

	// 10. Initialize Entry Signal Detectors
	detectors, err := signal.NewRegistry(signal.Config{
		Tiers:         cfg.EntryTiers,
		ConfirmTicks:  cfg.ConfirmTicks,
		DistinctTicks: cfg.ConfirmDistinct,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize signal detectors")
		log.Fatalf("FATAL: Failed to initialize signal detectors: %v", err)
	}
	appLogger.Info(context.Background(), "Signal detectors initialized")

	// 11. Initialize Session Statistics
	tracker := stats.NewTracker()

	// 12. Initialize Portfolio Manager
	portfolioManager, err := portfolio.NewManager(portfolio.Config{
		Logger:     appLogger,
		Exchange:   binanceClient,
		Indicators: indicatorClient,
		Orders:     orderManager,
		Positions:  repo,
		Trades:     repo,
		Detectors:  detectors,
		Stats:      tracker,
		Journal:    journal,
		Notifier:   notifier,
		Metrics:    botMetrics,

		QuoteAsset:          cfg.QuoteAsset,
		TransactionQuantity: cfg.TransactionQuantity,
		TransactionAmount:   cfg.TransactionAmount,
		MaxPositions:        cfg.MaxPositions,
		MaxDailyTrades:      cfg.MaxDailyTrades,
		MinNotional:         cfg.MinNotional,

		BuyTimeout:      cfg.BuyTimeout,
		BuyMaxAttempts:  cfg.BuyMaxAttempts,
		SellTimeout:     cfg.SellTimeout,
		SellMaxAttempts: cfg.SellMaxAttempts,

		ExitTiers:          cfg.ExitTiers,
		AdaptiveMultiplier: cfg.ATRMultiplier,
		AdaptiveDwell:      cfg.StopDwell,
		ATRPeriod:          cfg.ATRPeriod,
		ATRInterval:        cfg.ATRInterval,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize portfolio manager")
		log.Fatalf("FATAL: Failed to initialize portfolio manager: %v", err)
	}
	appLogger.Info(context.Background(), "Portfolio manager initialized")

	// 13. Initialize Application Service
	tradingService, err := app.NewTradingService(
		cfg,
		appLogger,
		binanceClient,
		indicatorClient,
		portfolioManager,
		orderManager,
		detectors,
		tracker,
		notifier,
		botMetrics,
	)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}
	appLogger.Info(context.Background(), "Trading service initialized")

	// 14. Start the Service
	// Use context.Background() as the base context for the application run
	if err := tradingService.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
