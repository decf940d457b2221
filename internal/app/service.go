package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pullbackbot/config"
	"pullbackbot/internal/domain"
	"pullbackbot/internal/indicators"
	"pullbackbot/internal/orders"
	"pullbackbot/internal/portfolio"
	"pullbackbot/internal/ports"
	entry "pullbackbot/internal/signal"
	"pullbackbot/internal/stats"
)

const (
	// Candles fetched when the indicator gateway is down and the oscillator
	// has to be computed from raw OHLCV.
	rsiFallbackCandles = 50

	shutdownTimeout = 10 * time.Second
)

// TradingService orchestrates the trading bot's operations: the entry scan
// over all configured symbols and the protection checks on open positions.
type TradingService struct {
	cfg        *config.Config
	logger     ports.Logger
	exchange   ports.ExchangeClient
	indicators ports.IndicatorClient
	portfolio  *portfolio.Manager
	orders     *orders.Manager
	detectors  *entry.Registry
	stats      *stats.Tracker
	notifier   ports.Notifier
	metrics    ports.Metrics
}

// NewTradingService creates a new application service instance.
func NewTradingService(
	cfg *config.Config,
	logger ports.Logger,
	exchange ports.ExchangeClient,
	indicatorClient ports.IndicatorClient,
	pm *portfolio.Manager,
	om *orders.Manager,
	detectors *entry.Registry,
	tracker *stats.Tracker,
	notifier ports.Notifier,
	metrics ports.Metrics,
) (*TradingService, error) {

	// Validate dependencies; notifier and metrics are optional
	if cfg == nil || logger == nil || exchange == nil || indicatorClient == nil || pm == nil || om == nil || detectors == nil || tracker == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	// Validate config values needed by service
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("configuration Symbols must list at least one trading pair")
	}
	if cfg.AnalysisInterval <= 0 {
		return nil, fmt.Errorf("configuration AnalysisInterval must be positive")
	}
	if cfg.CheckInterval <= 0 {
		return nil, fmt.Errorf("configuration CheckInterval must be positive")
	}

	return &TradingService{
		cfg:        cfg,
		logger:     logger,
		exchange:   exchange,
		indicators: indicatorClient,
		portfolio:  pm,
		orders:     om,
		detectors:  detectors,
		stats:      tracker,
		notifier:   notifier,
		metrics:    metrics,
	}, nil
}

// Start begins the trading bot's main loop. It blocks until the context is
// cancelled or a termination signal arrives, then shuts down in order.
func (s *TradingService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Trading Service...", map[string]interface{}{
		"symbols": s.cfg.Symbols,
		"testnet": s.cfg.IsTestnet,
	})

	// Create a context that can be canceled by signals
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel() // Cancel the main context
		case <-ctx.Done():
		}
	}()

	// --- Initialization Steps ---
	// 1. Set server time (important for signed API calls)
	if err := s.exchange.SetServerTime(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to synchronize server time")
		return fmt.Errorf("failed to set server time: %w", err)
	}
	s.logger.Info(ctx, "Server time synchronized")

	// 2. Restore open positions from the repository so a restart keeps
	// protecting what it already holds.
	if err := s.portfolio.Restore(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to restore open positions")
		return fmt.Errorf("failed to restore open positions: %w", err)
	}
	s.logger.Info(ctx, "Initial state synchronized", map[string]interface{}{"openPositions": s.portfolio.OpenCount()})

	// 3. Start order supervision
	s.orders.Start(ctx)
	s.logger.Info(ctx, "Order supervision started")

	s.notify(ctx, fmt.Sprintf("Trading service started: %v", s.cfg.Symbols))

	// --- Main Loop ---
	// Entry scanning runs only while nothing is held; protection checks run
	// only while something is. Both conditions are re-read every tick because
	// fills resolve asynchronously between ticks.
	analysisTicker := time.NewTicker(s.cfg.AnalysisInterval)
	defer analysisTicker.Stop()
	checkTicker := time.NewTicker(s.cfg.CheckInterval)
	defer checkTicker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Main context cancelled, initiating shutdown...")
			break loop
		case <-analysisTicker.C:
			if s.portfolio.OpenCount() == 0 {
				s.RunEntryScan(ctx)
			}
		case <-checkTicker.C:
			if s.portfolio.OpenCount() > 0 {
				s.RunPositionCheck(ctx)
			}
		}
	}

	// --- Shutdown ---
	// The main context is already cancelled; cleanup gets its own deadline.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	s.portfolio.Shutdown(shutdownCtx)

	summary := s.stats.Format()
	s.logger.Info(shutdownCtx, summary)
	s.notify(shutdownCtx, summary)

	s.logger.Info(shutdownCtx, "Trading Service stopped.")
	return nil
}

// RunEntryScan performs one entry-analysis pass over all configured symbols.
// Symbols holding a position or with an order in flight are skipped.
func (s *TradingService) RunEntryScan(ctx context.Context) {
	for _, symbol := range s.cfg.Symbols {
		if ctx.Err() != nil {
			return
		}
		s.scanSymbol(ctx, symbol)
	}
}

// RunPositionCheck performs one protection pass over all open positions.
func (s *TradingService) RunPositionCheck(ctx context.Context) {
	s.portfolio.CheckPositions(ctx)
}

// scanSymbol feeds one oscillator sample to the symbol's detector and, when a
// pullback signal fires, runs the entry gates and hands the entry to the
// portfolio manager.
func (s *TradingService) scanSymbol(ctx context.Context, symbol string) {
	op := "scanSymbol"

	// 1. Skip symbols that are already busy
	if _, held := s.portfolio.Position(symbol); held {
		return
	}
	if s.orders.HasPending(symbol) {
		s.logger.Debug(ctx, op+": order in flight, skipping", map[string]interface{}{"symbol": symbol})
		return
	}

	// 2. Current market price
	ticker, err := s.exchange.FetchTicker(ctx, symbol)
	if err != nil || ticker.Last <= 0 {
		s.logger.Warn(ctx, op+": ticker unavailable, skipping cycle", map[string]interface{}{"symbol": symbol, "cause": err})
		return
	}

	// 3. Oscillator sample; a missed sample skips the tick rather than
	// feeding the detector a stale value.
	value, err := s.fetchOscillator(ctx, symbol)
	if err != nil {
		s.logger.Warn(ctx, op+": oscillator unavailable, skipping cycle", map[string]interface{}{"symbol": symbol, "cause": err})
		return
	}

	// 4. Feed the detector
	det := s.detectors.For(symbol)
	signalPrice, fired := det.Update(value, ticker.Last)
	if !fired {
		s.logger.Debug(ctx, op+": no signal", map[string]interface{}{
			"symbol": symbol, "oscillator": value, "lowest": det.Lowest(), "confirmations": det.ConfirmCount(),
		})
		return
	}

	s.metrics.SignalDetected(symbol)
	s.logger.Info(ctx, op+": entry signal detected", map[string]interface{}{
		"symbol": symbol, "oscillator": value, "price": signalPrice, "lowest": det.Lowest(),
	})

	// 5. Entry gates choose the protection ladder or veto outright
	exitTiers, ok := s.runEntryGates(ctx, symbol)
	if !ok {
		s.detectors.Abort(symbol)
		return
	}

	// 6. Hand the entry to the portfolio manager
	opened, err := s.portfolio.OpenPosition(ctx, symbol, signalPrice, 1.0, exitTiers)
	if err != nil {
		s.logger.Error(ctx, err, op+": failed to open position", map[string]interface{}{"symbol": symbol})
		s.detectors.Abort(symbol)
		return
	}
	if !opened {
		// Portfolio refused (balance, caps, another order). The signal stays
		// deferred and re-fires once the refusal clears.
		s.detectors.Reset(symbol)
		return
	}
}

// fetchOscillator reads the entry oscillator from the indicator gateway,
// falling back to a local computation from raw candles when the gateway is
// unreachable.
func (s *TradingService) fetchOscillator(ctx context.Context, symbol string) (float64, error) {
	op := "fetchOscillator"

	value, err := s.indicators.GetOscillator(ctx, symbol, s.cfg.RSIPeriod)
	if err == nil {
		return value, nil
	}
	s.logger.Warn(ctx, op+": indicator gateway failed, computing locally", map[string]interface{}{"symbol": symbol, "cause": err})

	candles, cErr := s.exchange.FetchOHLCV(ctx, symbol, s.cfg.TaapiInterval, rsiFallbackCandles)
	if cErr != nil {
		return 0, fmt.Errorf("oscillator gateway failed (%v) and candle fetch failed: %w", err, cErr)
	}

	rsi := indicators.NewRSI(indicators.RSIConfig{IndicatorConfig: indicators.IndicatorConfig{Period: s.cfg.RSIPeriod}})
	value, cErr = rsi.Calculate(ctx, candles)
	if cErr != nil {
		return 0, fmt.Errorf("oscillator gateway failed (%v) and local calculation failed: %w", err, cErr)
	}
	return value, nil
}

// runEntryGates validates a fired signal against the Williams %R band and the
// minus-DI downtrend reading. It returns the exit ladder the position should
// carry and false when the entry is vetoed.
//
// A missing Williams %R reading vetoes: the band is the primary confirmation
// that the dip is worth buying. A missing minus-DI reading passes with the
// standard ladder: the DMI only grades how cautious the exit should be.
func (s *TradingService) runEntryGates(ctx context.Context, symbol string) (domain.TierTable, bool) {
	op := "entryGates"

	willr, err := s.indicators.GetWilliamsR(ctx, symbol, s.cfg.WilliamsPeriod, s.cfg.TaapiInterval)
	if err != nil {
		s.logger.Warn(ctx, op+": Williams %R unavailable, vetoing entry", map[string]interface{}{"symbol": symbol, "cause": err})
		return domain.TierTable{}, false
	}
	if willr <= s.cfg.WilliamsLow || willr >= s.cfg.WilliamsHigh {
		s.logger.Info(ctx, op+": Williams %R outside entry band, vetoing entry", map[string]interface{}{
			"symbol": symbol, "willr": willr, "low": s.cfg.WilliamsLow, "high": s.cfg.WilliamsHigh,
		})
		return domain.TierTable{}, false
	}

	trend, err := s.indicators.GetTrendStrength(ctx, symbol, s.cfg.DMIPeriod, s.cfg.TaapiInterval)
	if err != nil {
		s.logger.Warn(ctx, op+": trend strength unavailable, using standard exit ladder", map[string]interface{}{"symbol": symbol, "cause": err})
		return s.cfg.ExitTiers, true
	}

	switch {
	case trend.MinusDI > s.cfg.DMIThreshold:
		s.logger.Info(ctx, op+": downtrend too strong, vetoing entry", map[string]interface{}{
			"symbol": symbol, "minusDI": trend.MinusDI, "threshold": s.cfg.DMIThreshold,
		})
		return domain.TierTable{}, false
	case trend.MinusDI > s.cfg.DMIModerate:
		s.logger.Info(ctx, op+": moderate downtrend, using vigilance exit ladder", map[string]interface{}{
			"symbol": symbol, "minusDI": trend.MinusDI,
		})
		return s.cfg.VigilanceTiers, true
	default:
		return s.cfg.ExitTiers, true
	}
}

// notify sends a message when a notifier is configured. Delivery failures are
// logged and never interrupt trading.
func (s *TradingService) notify(ctx context.Context, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, message); err != nil {
		s.logger.Warn(ctx, "notification delivery failed", map[string]interface{}{"cause": err})
	}
}
