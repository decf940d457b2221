package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pullbackbot/config"
	"pullbackbot/internal/domain"
	"pullbackbot/internal/orders"
	"pullbackbot/internal/portfolio"
	"pullbackbot/internal/ports"
	entry "pullbackbot/internal/signal"
	"pullbackbot/internal/stats"
)

// Mock implementations. The logger is mutex-guarded because Start spawns
// goroutines that keep logging while the test asserts.
type mockLogger struct {
	mu        sync.Mutex
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

func (m *mockLogger) hasInfo(substr string) bool  { return m.has(&m.infoMsgs, substr) }
func (m *mockLogger) hasWarn(substr string) bool  { return m.has(&m.warnMsgs, substr) }
func (m *mockLogger) hasError(substr string) bool { return m.has(&m.errorMsgs, substr) }

func (m *mockLogger) has(msgs *[]string, substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range *msgs {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

type createdOrder struct {
	symbol   string
	side     domain.OrderSide
	quantity float64
	price    float64
}

type stubExchange struct {
	mu            sync.Mutex
	serverTimeErr error
	balance       float64
	prices        []float64
	tickerErr     error
	candles       []*domain.Candle
	candlesErr    error
	ohlcvCalls    int
	nextID        int64
	createErr     error
	created       []createdOrder
	cancelCalls   []int64
}

func newStubExchange() *stubExchange {
	return &stubExchange{balance: 1000}
}

func (s *stubExchange) SetServerTime(ctx context.Context) error { return s.serverTimeErr }
func (s *stubExchange) Ping(ctx context.Context) error          { return nil }
func (s *stubExchange) GetServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}

func (s *stubExchange) FetchTicker(ctx context.Context, symbol string) (*ports.Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tickerErr != nil {
		return nil, s.tickerErr
	}
	if len(s.prices) == 0 {
		return nil, fmt.Errorf("stub: no ticker scripted for %s", symbol)
	}
	price := s.prices[0]
	if len(s.prices) > 1 {
		s.prices = s.prices[1:]
	}
	return &ports.Ticker{Symbol: symbol, Bid: price, Ask: price, Last: price}, nil
}

func (s *stubExchange) FetchBalance(ctx context.Context, asset string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *stubExchange) FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]*domain.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ohlcvCalls++
	if s.candlesErr != nil {
		return nil, s.candlesErr
	}
	return s.candles, nil
}

func (s *stubExchange) CreateLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price string) (*ports.OrderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	q, _ := strconv.ParseFloat(quantity, 64)
	p, _ := strconv.ParseFloat(price, 64)
	s.created = append(s.created, createdOrder{symbol: symbol, side: side, quantity: q, price: p})
	s.nextID++
	return &ports.OrderResponse{
		OrderID:      s.nextID,
		Symbol:       symbol,
		Side:         side,
		OrigQuantity: q,
		Price:        p,
		Status:       domain.OrderStatusNew,
	}, nil
}

func (s *stubExchange) FetchOrderStatus(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error) {
	return &ports.OrderResponse{OrderID: orderID, Symbol: symbol, Status: domain.OrderStatusNew}, nil
}

func (s *stubExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCalls = append(s.cancelCalls, orderID)
	return nil
}

func (s *stubExchange) setTicker(prices ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices = prices
}

func (s *stubExchange) setBalance(balance float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = balance
}

func (s *stubExchange) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

func (s *stubExchange) lastOrder() createdOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created[len(s.created)-1]
}

func (s *stubExchange) fetchedOHLCV() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ohlcvCalls
}

// stubIndicators serves scripted readings. Oscillator values are consumed one
// per call with the last entry sticking, walking the detector along a path.
type stubIndicators struct {
	mu         sync.Mutex
	oscValues  []float64
	oscErr     error
	oscCalls   int
	willr      float64
	willrErr   error
	trend      ports.TrendStrength
	trendErr   error
	volatility float64
	volErr     error
}

func newStubIndicators() *stubIndicators {
	return &stubIndicators{
		willr:      -50,
		trend:      ports.TrendStrength{ADX: 20, PlusDI: 25, MinusDI: 30},
		volatility: 0.05,
	}
}

func (s *stubIndicators) GetOscillator(ctx context.Context, symbol string, period int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oscCalls++
	if s.oscErr != nil {
		return 0, s.oscErr
	}
	if len(s.oscValues) == 0 {
		return 0, fmt.Errorf("stub: no oscillator scripted for %s", symbol)
	}
	v := s.oscValues[0]
	if len(s.oscValues) > 1 {
		s.oscValues = s.oscValues[1:]
	}
	return v, nil
}

func (s *stubIndicators) GetVolatility(ctx context.Context, symbol string, period int, interval string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.volErr != nil {
		return 0, s.volErr
	}
	return s.volatility, nil
}

func (s *stubIndicators) GetTrendStrength(ctx context.Context, symbol string, period int, interval string) (*ports.TrendStrength, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trendErr != nil {
		return nil, s.trendErr
	}
	trend := s.trend
	return &trend, nil
}

func (s *stubIndicators) GetWilliamsR(ctx context.Context, symbol string, period int, interval string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.willrErr != nil {
		return 0, s.willrErr
	}
	return s.willr, nil
}

func (s *stubIndicators) pushOscillator(values ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oscValues = append(s.oscValues, values...)
}

func (s *stubIndicators) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oscCalls
}

type stubPositionRepo struct {
	mu          sync.Mutex
	nextID      int64
	open        []*domain.Position
	findOpenErr error
}

func (r *stubPositionRepo) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID, nil
}

func (r *stubPositionRepo) Update(ctx context.Context, pos *domain.Position) error { return nil }

func (r *stubPositionRepo) FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pos := range r.open {
		if pos.Symbol == symbol {
			return pos, nil
		}
	}
	return nil, nil
}

func (r *stubPositionRepo) FindOpen(ctx context.Context) ([]*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findOpenErr != nil {
		return nil, r.findOpenErr
	}
	return r.open, nil
}

func (r *stubPositionRepo) FindAll(ctx context.Context) ([]*domain.Position, error) { return nil, nil }
func (r *stubPositionRepo) GetTotalProfit(ctx context.Context) (float64, error)     { return 0, nil }

type stubTradeRepo struct {
	mu         sync.Mutex
	todayCount int
}

func (r *stubTradeRepo) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	return 1, nil
}

func (r *stubTradeRepo) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	return nil, nil
}

func (r *stubTradeRepo) CountTodayBySymbol(ctx context.Context, symbol string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.todayCount, nil
}

type stubNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *stubNotifier) Send(ctx context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, message)
	return nil
}

func (n *stubNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	copy(out, n.sent)
	return out
}

type countingMetrics struct {
	ports.NopMetrics
	mu      sync.Mutex
	signals []string
}

func (m *countingMetrics) SignalDetected(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, symbol)
}

func (m *countingMetrics) signalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.signals)
}

func entryTable(t *testing.T) domain.TierTable {
	t.Helper()
	table, err := domain.NewEntryTable([]domain.Tier{
		{Trigger: 10, Recover: 20, Immediate: true},
		{Trigger: 20, Recover: 25, Immediate: true},
		{Trigger: 25, Recover: 30, Immediate: true},
	})
	require.NoError(t, err)
	return table
}

func exitTable(t *testing.T) domain.TierTable {
	t.Helper()
	table, err := domain.NewExitTable([]domain.Tier{
		{Trigger: 0.20, Recover: 0.12, Immediate: true},
		{Trigger: 0.40, Recover: 0.25, Immediate: true},
	})
	require.NoError(t, err)
	return table
}

func vigilanceTable(t *testing.T) domain.TierTable {
	t.Helper()
	table, err := domain.NewExitTable([]domain.Tier{
		{Trigger: 0.06, Recover: 0.03, Immediate: true},
		{Trigger: 0.12, Recover: 0.09, Immediate: true},
	})
	require.NoError(t, err)
	return table
}

type fixture struct {
	cfg        *config.Config
	exchange   *stubExchange
	indicators *stubIndicators
	positions  *stubPositionRepo
	trades     *stubTradeRepo
	notifier   *stubNotifier
	logger     *mockLogger
	metrics    *countingMetrics
	tracker    *stats.Tracker
	orders     *orders.Manager
	detectors  *entry.Registry
	portfolio  *portfolio.Manager
	service    *TradingService
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	cfg := &config.Config{
		Symbols:             []string{"BTCUSDC"},
		QuoteAsset:          "USDC",
		TransactionQuantity: 0.001,
		TransactionAmount:   50,
		MaxPositions:        1,
		MinNotional:         1.0,
		EntryTiers:          entryTable(t),
		ConfirmTicks:        3,
		ConfirmDistinct:     true,
		RSIPeriod:           4,
		WilliamsPeriod:      14,
		WilliamsLow:         -80,
		WilliamsHigh:        -30,
		DMIPeriod:           5,
		DMIModerate:         50,
		DMIThreshold:        66,
		ExitTiers:           exitTable(t),
		VigilanceTiers:      vigilanceTable(t),
		ATRPeriod:           4,
		ATRInterval:         "15m",
		ATRMultiplier:       1.8,
		StopDwell:           5 * time.Second,
		BuyTimeout:          4 * time.Second,
		BuyMaxAttempts:      3,
		SellTimeout:         2 * time.Second,
		SellMaxAttempts:     10,
		AnalysisInterval:    time.Second,
		CheckInterval:       time.Second,
		TaapiInterval:       "15m",
	}
	if mutate != nil {
		mutate(cfg)
	}

	logger := &mockLogger{}
	exchange := newStubExchange()
	ind := newStubIndicators()
	posRepo := &stubPositionRepo{}
	tradeRepo := &stubTradeRepo{}
	notifier := &stubNotifier{}
	metrics := &countingMetrics{}
	tracker := stats.NewTracker()

	om, err := orders.NewManager(orders.Config{Exchange: exchange, Logger: logger})
	require.NoError(t, err)

	detectors, err := entry.NewRegistry(entry.Config{
		Tiers:         cfg.EntryTiers,
		ConfirmTicks:  cfg.ConfirmTicks,
		DistinctTicks: cfg.ConfirmDistinct,
	})
	require.NoError(t, err)

	pm, err := portfolio.NewManager(portfolio.Config{
		Logger:              logger,
		Exchange:            exchange,
		Indicators:          ind,
		Orders:              om,
		Positions:           posRepo,
		Trades:              tradeRepo,
		Detectors:           detectors,
		Stats:               tracker,
		Notifier:            notifier,
		Metrics:             metrics,
		QuoteAsset:          cfg.QuoteAsset,
		TransactionQuantity: cfg.TransactionQuantity,
		TransactionAmount:   cfg.TransactionAmount,
		MaxPositions:        cfg.MaxPositions,
		MaxDailyTrades:      cfg.MaxDailyTrades,
		MinNotional:         cfg.MinNotional,
		BuyTimeout:          cfg.BuyTimeout,
		BuyMaxAttempts:      cfg.BuyMaxAttempts,
		SellTimeout:         cfg.SellTimeout,
		SellMaxAttempts:     cfg.SellMaxAttempts,
		ExitTiers:           cfg.ExitTiers,
		AdaptiveMultiplier:  cfg.ATRMultiplier,
		AdaptiveDwell:       cfg.StopDwell,
		ATRPeriod:           cfg.ATRPeriod,
		ATRInterval:         cfg.ATRInterval,
	})
	require.NoError(t, err)

	svc, err := NewTradingService(cfg, logger, exchange, ind, pm, om, detectors, tracker, notifier, metrics)
	require.NoError(t, err)

	return &fixture{
		cfg:        cfg,
		exchange:   exchange,
		indicators: ind,
		positions:  posRepo,
		trades:     tradeRepo,
		notifier:   notifier,
		logger:     logger,
		metrics:    metrics,
		tracker:    tracker,
		orders:     om,
		detectors:  detectors,
		portfolio:  pm,
		service:    svc,
	}
}

// driveSignal walks the detector to a fired signal: one dip tick below the
// lowest trigger, then the confirmation ticks above the armed tier's recover
// bound. The scan that sees the last confirmation runs the gates and entry.
func (f *fixture) driveSignal(t *testing.T, price float64) {
	t.Helper()
	ctx := context.Background()
	f.exchange.setTicker(price)
	f.indicators.pushOscillator(8)
	for i := 0; i < f.cfg.ConfirmTicks; i++ {
		f.indicators.pushOscillator(21 + float64(i))
	}
	for i := 0; i < f.cfg.ConfirmTicks+1; i++ {
		f.service.RunEntryScan(ctx)
	}
}

func TestNewTradingService(t *testing.T) {
	base := newFixture(t, nil)

	tests := []struct {
		name    string
		build   func() (*TradingService, error)
		wantErr bool
	}{
		{
			name: "valid dependencies",
			build: func() (*TradingService, error) {
				return NewTradingService(base.cfg, base.logger, base.exchange, base.indicators,
					base.portfolio, base.orders, base.detectors, base.tracker, base.notifier, base.metrics)
			},
		},
		{
			name: "valid without notifier and metrics",
			build: func() (*TradingService, error) {
				return NewTradingService(base.cfg, base.logger, base.exchange, base.indicators,
					base.portfolio, base.orders, base.detectors, base.tracker, nil, nil)
			},
		},
		{
			name: "nil config",
			build: func() (*TradingService, error) {
				return NewTradingService(nil, base.logger, base.exchange, base.indicators,
					base.portfolio, base.orders, base.detectors, base.tracker, nil, nil)
			},
			wantErr: true,
		},
		{
			name: "nil logger",
			build: func() (*TradingService, error) {
				return NewTradingService(base.cfg, nil, base.exchange, base.indicators,
					base.portfolio, base.orders, base.detectors, base.tracker, nil, nil)
			},
			wantErr: true,
		},
		{
			name: "nil portfolio",
			build: func() (*TradingService, error) {
				return NewTradingService(base.cfg, base.logger, base.exchange, base.indicators,
					nil, base.orders, base.detectors, base.tracker, nil, nil)
			},
			wantErr: true,
		},
		{
			name: "nil detectors",
			build: func() (*TradingService, error) {
				return NewTradingService(base.cfg, base.logger, base.exchange, base.indicators,
					base.portfolio, base.orders, nil, base.tracker, nil, nil)
			},
			wantErr: true,
		},
		{
			name: "no symbols",
			build: func() (*TradingService, error) {
				cfg := *base.cfg
				cfg.Symbols = nil
				return NewTradingService(&cfg, base.logger, base.exchange, base.indicators,
					base.portfolio, base.orders, base.detectors, base.tracker, nil, nil)
			},
			wantErr: true,
		},
		{
			name: "zero analysis interval",
			build: func() (*TradingService, error) {
				cfg := *base.cfg
				cfg.AnalysisInterval = 0
				return NewTradingService(&cfg, base.logger, base.exchange, base.indicators,
					base.portfolio, base.orders, base.detectors, base.tracker, nil, nil)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := tt.build()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, svc)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, svc)
			}
		})
	}
}

func TestRunEntryScan_OpensPositionAfterConfirmedSignal(t *testing.T) {
	f := newFixture(t, nil)

	f.driveSignal(t, 50000)

	require.Equal(t, 1, f.exchange.orderCount())
	order := f.exchange.lastOrder()
	assert.Equal(t, "BTCUSDC", order.symbol)
	assert.Equal(t, domain.Buy, order.side)
	assert.InDelta(t, 0.001, order.quantity, 1e-9)
	assert.InDelta(t, 50500, order.price, 0.01) // signal price plus the 1% cross

	assert.Equal(t, entry.PhaseAwaitingFill, f.detectors.For("BTCUSDC").Phase())
	assert.Equal(t, 1, f.metrics.signalCount())
	assert.True(t, f.logger.hasInfo("entry signal detected"))
}

func TestRunEntryScan_ConfirmationNotReachedKeepsScanning(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.exchange.setTicker(50000)
	f.indicators.pushOscillator(8, 21, 22)
	for i := 0; i < 3; i++ {
		f.service.RunEntryScan(ctx)
	}

	assert.Equal(t, 0, f.exchange.orderCount())
	det := f.detectors.For("BTCUSDC")
	assert.Equal(t, entry.PhaseIdle, det.Phase())
	assert.Equal(t, 2, det.ConfirmCount())
}

func TestRunEntryScan_WilliamsOutsideBandVetoes(t *testing.T) {
	f := newFixture(t, nil)
	f.indicators.willr = -85 // deeper than the oversold bound

	f.driveSignal(t, 50000)

	assert.Equal(t, 0, f.exchange.orderCount())
	assert.True(t, f.logger.hasInfo("Williams %R outside entry band"))

	// Veto discards the signal entirely
	det := f.detectors.For("BTCUSDC")
	assert.Equal(t, entry.PhaseIdle, det.Phase())
	assert.True(t, math.IsInf(det.Lowest(), 1))
}

func TestRunEntryScan_WilliamsFetchFailureVetoes(t *testing.T) {
	f := newFixture(t, nil)
	f.indicators.willrErr = errors.New("stub: willr down")

	f.driveSignal(t, 50000)

	assert.Equal(t, 0, f.exchange.orderCount())
	assert.True(t, f.logger.hasWarn("Williams %R unavailable"))
	assert.Equal(t, entry.PhaseIdle, f.detectors.For("BTCUSDC").Phase())
}

func TestRunEntryScan_StrongDowntrendVetoes(t *testing.T) {
	f := newFixture(t, nil)
	f.indicators.trend.MinusDI = 70 // above the hard threshold

	f.driveSignal(t, 50000)

	assert.Equal(t, 0, f.exchange.orderCount())
	assert.True(t, f.logger.hasInfo("downtrend too strong"))
	assert.Equal(t, entry.PhaseIdle, f.detectors.For("BTCUSDC").Phase())
}

func TestRunEntryScan_ModerateDowntrendUsesVigilanceLadder(t *testing.T) {
	f := newFixture(t, nil)
	f.indicators.trend.MinusDI = 55 // between moderate and threshold

	f.driveSignal(t, 50000)

	assert.Equal(t, 1, f.exchange.orderCount())
	assert.True(t, f.logger.hasInfo("moderate downtrend, using vigilance exit ladder"))
}

func TestRunEntryScan_TrendFetchFailureUsesStandardLadder(t *testing.T) {
	f := newFixture(t, nil)
	f.indicators.trendErr = errors.New("stub: dmi down")

	f.driveSignal(t, 50000)

	assert.Equal(t, 1, f.exchange.orderCount())
	assert.True(t, f.logger.hasWarn("trend strength unavailable"))
}

func TestRunEntryScan_OscillatorFallsBackToLocalCalculation(t *testing.T) {
	f := newFixture(t, nil)
	f.indicators.oscErr = errors.New("stub: gateway down")

	// Descending closes make a pure-loss series, so the local oscillator
	// reads zero and the watermark proves the detector was fed.
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 6; i++ {
		c := 110.0 - float64(i)*2
		f.exchange.candles = append(f.exchange.candles, &domain.Candle{
			OpenTime:  base.Add(time.Duration(i) * 15 * time.Minute),
			CloseTime: base.Add(time.Duration(i+1) * 15 * time.Minute),
			Symbol:    "BTCUSDC",
			Interval:  "15m",
			Open:      c + 2,
			High:      c + 3,
			Low:       c - 1,
			Close:     c,
			Volume:    10,
			IsFinal:   true,
		})
	}
	f.exchange.setTicker(50000)

	f.service.RunEntryScan(context.Background())

	assert.Equal(t, 1, f.exchange.fetchedOHLCV())
	assert.True(t, f.logger.hasWarn("indicator gateway failed, computing locally"))
	assert.Equal(t, 0.0, f.detectors.For("BTCUSDC").Lowest())
}

func TestRunEntryScan_OscillatorUnavailableSkipsCycle(t *testing.T) {
	f := newFixture(t, nil)
	f.indicators.oscErr = errors.New("stub: gateway down")
	f.exchange.candlesErr = errors.New("stub: no candles")
	f.exchange.setTicker(50000)

	f.service.RunEntryScan(context.Background())

	assert.Equal(t, 0, f.exchange.orderCount())
	assert.True(t, f.logger.hasWarn("oscillator unavailable, skipping cycle"))
	assert.True(t, math.IsInf(f.detectors.For("BTCUSDC").Lowest(), 1))
}

func TestRunEntryScan_SkipsSymbolWithOrderInFlight(t *testing.T) {
	f := newFixture(t, nil)

	f.driveSignal(t, 50000)
	require.Equal(t, 1, f.exchange.orderCount())

	// The entry order is still pending; the next scan must not even sample
	// the oscillator for this symbol.
	before := f.indicators.calls()
	f.service.RunEntryScan(context.Background())

	assert.Equal(t, before, f.indicators.calls())
	assert.Equal(t, 1, f.exchange.orderCount())
}

func TestRunEntryScan_DeferredSignalRefiresWhenRefusalClears(t *testing.T) {
	f := newFixture(t, nil)
	f.exchange.setBalance(10) // below the required transaction amount

	f.driveSignal(t, 50000)

	assert.Equal(t, 0, f.exchange.orderCount())
	assert.True(t, f.logger.hasInfo("entry skipped"))

	// The refusal defers the signal: idle again but the watermark survives
	det := f.detectors.For("BTCUSDC")
	assert.Equal(t, entry.PhaseIdle, det.Phase())
	assert.Equal(t, 8.0, det.Lowest())

	// Once funds arrive, fresh confirmations re-fire from the same watermark
	f.exchange.setBalance(1000)
	ctx := context.Background()
	for i := 0; i < f.cfg.ConfirmTicks; i++ {
		f.indicators.pushOscillator(24 + float64(i))
		f.service.RunEntryScan(ctx)
	}

	assert.Equal(t, 1, f.exchange.orderCount())
	assert.Equal(t, 2, f.metrics.signalCount())
}

func TestRunEntryScan_CancelledContextIsNoOp(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.service.RunEntryScan(ctx)

	assert.Equal(t, 0, f.indicators.calls())
	assert.Equal(t, 0, f.exchange.orderCount())
}

func TestRunPositionCheck_NoPositionsIsNoOp(t *testing.T) {
	f := newFixture(t, nil)

	f.service.RunPositionCheck(context.Background())

	assert.Equal(t, 0, f.exchange.orderCount())
}

func TestStart_ServerTimeFailureIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.exchange.serverTimeErr = errors.New("stub: clock skew")

	err := f.service.Start(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to set server time")
	assert.True(t, f.logger.hasError("Failed to synchronize server time"))
}

func TestStart_RestoreFailureIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.positions.findOpenErr = errors.New("stub: db locked")

	err := f.service.Start(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to restore open positions")
}

func TestStart_RunsAndShutsDownCleanly(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.service.Start(ctx)
	}()

	// Let initialization finish, then stop the service
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop after context cancellation")
	}

	assert.True(t, f.logger.hasInfo("Server time synchronized"))
	assert.True(t, f.logger.hasInfo("Order supervision started"))
	assert.True(t, f.logger.hasInfo("no trades completed"))
	assert.True(t, f.logger.hasInfo("Trading Service stopped."))

	messages := f.notifier.messages()
	require.NotEmpty(t, messages)
	assert.Contains(t, messages[0], "Trading service started")
}

func TestStart_RestoresOpenPositionsBeforeTrading(t *testing.T) {
	f := newFixture(t, nil)
	f.positions.open = []*domain.Position{{
		ID:         7,
		Symbol:     "BTCUSDC",
		EntryPrice: 100,
		Quantity:   0.001,
		TotalCost:  0.1,
		OpenedAt:   time.Now().UTC().Add(-time.Hour),
		Status:     domain.StatusOpen,
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.service.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop after context cancellation")
	}

	assert.Equal(t, 1, f.portfolio.OpenCount())
	assert.True(t, f.logger.hasInfo("Initial state synchronized"))
}
