package portfolio

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"pullbackbot/internal/domain"
	"pullbackbot/internal/indicators"
	"pullbackbot/internal/orders"
	"pullbackbot/internal/ports"
	"pullbackbot/internal/signal"
	"pullbackbot/internal/stats"
	"pullbackbot/internal/trailing"
)

const (
	// Buy limits cross the book slightly so the order fills fast; sells are
	// shaded below the market for the same reason.
	buyPriceFactor  = 1.01
	sellPriceFactor = 0.99
	// Amended sell quantities overshoot the exchange minimum a little so a
	// moving price cannot push the notional back under it.
	minNotionalPad = 1.01

	atrFallbackCandles = 50
)

// Config holds the dependencies and trading parameters for a Manager.
type Config struct {
	Logger     ports.Logger
	Exchange   ports.ExchangeClient
	Indicators ports.IndicatorClient
	Orders     *orders.Manager
	Positions  ports.PositionRepository
	Trades     ports.TradeRepository
	Detectors  *signal.Registry
	Stats      *stats.Tracker
	Journal    ports.TradeJournal
	Notifier   ports.Notifier
	Metrics    ports.Metrics

	// QuoteAsset is the asset balances are checked in (e.g. "USDC").
	QuoteAsset string
	// TransactionQuantity is the base-asset quantity bought per entry.
	TransactionQuantity float64
	// TransactionAmount is the quote notional that must be free before an
	// entry is attempted.
	TransactionAmount float64
	MaxPositions      int
	// MaxDailyTrades caps closed trades per symbol per day. Zero disables
	// the check.
	MaxDailyTrades int
	// MinNotional is the exchange's minimum order value for sells.
	MinNotional float64

	BuyTimeout      time.Duration
	BuyMaxAttempts  int
	SellTimeout     time.Duration
	SellMaxAttempts int

	// ExitTiers is the ladder used when restoring positions from the
	// repository; fresh entries carry the ladder chosen at signal time.
	ExitTiers          domain.TierTable
	AdaptiveMultiplier float64
	AdaptiveDwell      time.Duration
	ATRPeriod          int
	ATRInterval        string
}

type managedPosition struct {
	pos      *domain.Position
	stop     *trailing.Stop
	adaptive *trailing.AdaptiveStop
}

// Manager is the single authority over the symbol-to-position map. Every
// open or close decision runs under the symbol's exclusive lock, so
// overlapping analysis cycles cannot double-open or double-close. Order
// fills and timeouts arrive asynchronously through the order manager's
// callbacks and take the same lock.
type Manager struct {
	cfg Config

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	mu             sync.Mutex
	positions      map[string]*managedPosition
	pendingEntries map[string]bool
	pendingExits   map[string]bool
}

// NewManager validates the configuration and returns a Manager with no open
// positions. Call Restore to resync state from the repository.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Logger == nil || cfg.Exchange == nil || cfg.Indicators == nil || cfg.Orders == nil ||
		cfg.Positions == nil || cfg.Trades == nil || cfg.Detectors == nil {
		return nil, fmt.Errorf("missing required dependencies for portfolio Manager")
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewTracker()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	if cfg.QuoteAsset == "" {
		return nil, fmt.Errorf("portfolio: quote asset is required")
	}
	if cfg.TransactionQuantity <= 0 {
		return nil, fmt.Errorf("portfolio: transaction quantity must be positive")
	}
	if cfg.TransactionAmount <= 0 {
		return nil, fmt.Errorf("portfolio: transaction amount must be positive")
	}
	if cfg.MaxPositions < 1 {
		return nil, fmt.Errorf("portfolio: max positions must be at least 1")
	}
	if cfg.BuyTimeout <= 0 || cfg.SellTimeout <= 0 {
		return nil, fmt.Errorf("portfolio: order timeouts must be positive")
	}
	if cfg.BuyMaxAttempts < 1 || cfg.SellMaxAttempts < 1 {
		return nil, fmt.Errorf("portfolio: order attempt limits must be at least 1")
	}
	if cfg.ExitTiers.Len() == 0 {
		return nil, fmt.Errorf("portfolio: exit tier table is empty")
	}
	if cfg.AdaptiveMultiplier <= 0 {
		return nil, fmt.Errorf("portfolio: adaptive stop multiplier must be positive")
	}
	if cfg.AdaptiveDwell < 0 {
		return nil, fmt.Errorf("portfolio: adaptive stop dwell must not be negative")
	}
	if cfg.ATRPeriod < 1 {
		return nil, fmt.Errorf("portfolio: ATR period must be at least 1")
	}
	if cfg.ATRInterval == "" {
		return nil, fmt.Errorf("portfolio: ATR interval is required")
	}

	return &Manager{
		cfg:            cfg,
		locks:          make(map[string]*sync.Mutex),
		positions:      make(map[string]*managedPosition),
		pendingEntries: make(map[string]bool),
		pendingExits:   make(map[string]bool),
	}, nil
}

// symbolLock returns the exclusive section for a symbol, creating it on
// first use.
func (p *Manager) symbolLock(symbol string) *sync.Mutex {
	p.lockMu.Lock()
	defer p.lockMu.Unlock()
	l, ok := p.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		p.locks[symbol] = l
	}
	return l
}

// Restore loads open positions from the repository after a restart and
// rebuilds their stop engines. The ladder chosen at entry time is not
// persisted, so restored positions protect with the configured default.
func (p *Manager) Restore(ctx context.Context) error {
	op := "Restore"
	open, err := p.cfg.Positions.FindOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open positions: %w", err)
	}
	for _, pos := range open {
		mp, err := p.newManagedPosition(pos, p.cfg.ExitTiers)
		if err != nil {
			p.cfg.Logger.Error(ctx, err, op+": cannot rebuild stop engines, skipping position", map[string]interface{}{
				"positionID": pos.ID, "symbol": pos.Symbol,
			})
			continue
		}
		p.mu.Lock()
		p.positions[pos.Symbol] = mp
		count := len(p.positions)
		p.mu.Unlock()
		p.cfg.Metrics.SetOpenPositions(count)
		p.cfg.Logger.Info(ctx, op+": restored open position", map[string]interface{}{
			"positionID": pos.ID, "symbol": pos.Symbol, "entryPrice": pos.EntryPrice, "quantity": pos.Quantity,
		})
	}
	return nil
}

func (p *Manager) newManagedPosition(pos *domain.Position, exitTiers domain.TierTable) (*managedPosition, error) {
	stop, err := trailing.NewStop(pos.EntryPrice, exitTiers)
	if err != nil {
		return nil, err
	}
	adaptive, err := trailing.NewAdaptiveStop(pos.EntryPrice, p.cfg.AdaptiveMultiplier, p.cfg.AdaptiveDwell)
	if err != nil {
		return nil, err
	}
	return &managedPosition{pos: pos, stop: stop, adaptive: adaptive}, nil
}

// CanOpen reports whether a new position may be opened for the symbol right
// now. OpenPosition re-validates under the symbol lock, so a stale positive
// answer here is harmless.
func (p *Manager) CanOpen(ctx context.Context, symbol string) bool {
	lock := p.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()
	err := p.canOpenLocked(ctx, symbol)
	if err != nil {
		p.cfg.Logger.Debug(ctx, "cannot open position", map[string]interface{}{"symbol": symbol, "reason": err.Error()})
	}
	return err == nil
}

// canOpenLocked runs the entry invariants and reports the first violation.
// Callers must hold the symbol lock.
func (p *Manager) canOpenLocked(ctx context.Context, symbol string) error {
	p.mu.Lock()
	pendingEntry := p.pendingEntries[symbol]
	pendingExit := p.pendingExits[symbol]
	_, hasPosition := p.positions[symbol]
	openCount := len(p.positions)
	p.mu.Unlock()

	if pendingEntry || pendingExit || p.cfg.Orders.HasPending(symbol) {
		return fmt.Errorf("%w (%s)", ports.ErrPendingOrderExists, symbol)
	}
	if hasPosition {
		return fmt.Errorf("position already open for %s", symbol)
	}
	if openCount >= p.cfg.MaxPositions {
		return fmt.Errorf("%w (%d/%d)", ports.ErrMaxPositionsReached, openCount, p.cfg.MaxPositions)
	}
	if p.cfg.MaxDailyTrades > 0 {
		count, err := p.cfg.Trades.CountTodayBySymbol(ctx, symbol)
		if err != nil {
			p.cfg.Logger.Warn(ctx, "failed to count today's trades", map[string]interface{}{"symbol": symbol, "error": err.Error()})
			return fmt.Errorf("failed to count today's trades: %w", err)
		}
		if count >= p.cfg.MaxDailyTrades {
			return fmt.Errorf("daily trade limit reached (%d/%d)", count, p.cfg.MaxDailyTrades)
		}
	}
	balance, err := p.cfg.Exchange.FetchBalance(ctx, p.cfg.QuoteAsset)
	if err != nil {
		p.cfg.Logger.Warn(ctx, "failed to fetch balance", map[string]interface{}{"asset": p.cfg.QuoteAsset, "error": err.Error()})
		return fmt.Errorf("failed to fetch balance: %w", err)
	}
	if balance < p.cfg.TransactionAmount {
		return fmt.Errorf("%w (%.2f < %.2f)", ports.ErrInsufficientFunds, balance, p.cfg.TransactionAmount)
	}
	return nil
}

// OpenPosition submits the entry buy for a signal. sizeFraction scales the
// configured transaction quantity; exitTiers is the protection ladder chosen
// at signal time and follows the position through fills and retries. The
// returned bool reports whether an order went out; the fill itself resolves
// asynchronously.
func (p *Manager) OpenPosition(ctx context.Context, symbol string, price, sizeFraction float64, exitTiers domain.TierTable) (bool, error) {
	op := "OpenPosition"
	if price <= 0 {
		return false, fmt.Errorf("%s: price must be positive, got %v", op, price)
	}
	if sizeFraction <= 0 || sizeFraction > 1 {
		return false, fmt.Errorf("%s: size fraction must be in (0, 1], got %v", op, sizeFraction)
	}
	if exitTiers.Len() == 0 {
		exitTiers = p.cfg.ExitTiers
	}

	lock := p.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	if err := p.canOpenLocked(ctx, symbol); err != nil {
		p.cfg.Logger.Info(ctx, op+": entry skipped", map[string]interface{}{"symbol": symbol, "reason": err.Error()})
		return false, nil
	}

	quantity := p.cfg.TransactionQuantity * sizeFraction
	limit := price * buyPriceFactor

	p.mu.Lock()
	p.pendingEntries[symbol] = true
	p.mu.Unlock()

	if _, err := p.submitBuy(ctx, symbol, quantity, limit, 1, exitTiers); err != nil {
		p.mu.Lock()
		delete(p.pendingEntries, symbol)
		p.mu.Unlock()
		return false, fmt.Errorf("%s: %w", op, err)
	}

	p.cfg.Logger.Info(ctx, op+": entry order submitted", map[string]interface{}{
		"symbol": symbol, "signalPrice": price, "limitPrice": limit, "quantity": quantity,
	})
	return true, nil
}

func (p *Manager) submitBuy(ctx context.Context, symbol string, quantity, limit float64, attempt int, exitTiers domain.TierTable) (int64, error) {
	return p.cfg.Orders.Submit(ctx, orders.Request{
		Symbol:     symbol,
		Side:       domain.Buy,
		Quantity:   quantity,
		LimitPrice: limit,
		Timeout:    p.cfg.BuyTimeout,
		Attempt:    attempt,
		OnFilled: func(f orders.Fill) {
			p.handleBuyFill(symbol, f, exitTiers)
		},
		OnTimedOut: func() {
			p.handleBuyTimeout(symbol, quantity, attempt, exitTiers)
		},
	})
}

// handleBuyFill turns a confirmed entry fill into an open position with its
// stop engines armed.
func (p *Manager) handleBuyFill(symbol string, fill orders.Fill, exitTiers domain.TierTable) {
	op := "handleBuyFill"
	ctx := context.Background()

	lock := p.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	p.cfg.Orders.ResetAttempts(symbol, domain.Buy)

	now := time.Now().UTC()
	pos := &domain.Position{
		Symbol:     symbol,
		EntryPrice: fill.Price,
		Quantity:   fill.Quantity,
		TotalCost:  fill.Price * fill.Quantity,
		OrderID:    fill.OrderID,
		OpenedAt:   now,
		Status:     domain.StatusOpen,
	}

	id, err := p.cfg.Positions.Create(ctx, pos)
	if err != nil {
		// The coins are already ours; keep trading on the in-memory record
		// rather than desync from the exchange.
		p.cfg.Logger.Error(ctx, err, op+": failed to persist position", map[string]interface{}{"symbol": symbol})
	} else {
		pos.ID = id
	}

	mp, err := p.newManagedPosition(pos, exitTiers)
	if err != nil {
		p.cfg.Logger.Error(ctx, err, op+": failed to build stop engines", map[string]interface{}{"symbol": symbol})
		return
	}

	p.mu.Lock()
	p.positions[symbol] = mp
	delete(p.pendingEntries, symbol)
	count := len(p.positions)
	p.mu.Unlock()

	// The consumed signal must not linger; a fresh cycle arms from scratch
	// after this position closes.
	p.cfg.Detectors.Abort(symbol)

	p.cfg.Metrics.SetOpenPositions(count)
	p.cfg.Logger.Info(ctx, op+": position opened", map[string]interface{}{
		"positionID": pos.ID, "symbol": symbol, "entryPrice": pos.EntryPrice,
		"quantity": pos.Quantity, "totalCost": pos.TotalCost, "orderID": fill.OrderID,
	})
	p.notify(ctx, fmt.Sprintf("Opened %s: %.6f @ %.2f (order %d)", symbol, pos.Quantity, pos.EntryPrice, fill.OrderID))
}

// handleBuyTimeout re-submits the entry at a fresh price until the attempt
// budget runs out, then abandons the entry and rearms the detector.
func (p *Manager) handleBuyTimeout(symbol string, quantity float64, attempt int, exitTiers domain.TierTable) {
	op := "handleBuyTimeout"
	ctx := context.Background()

	lock := p.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	if attempt >= p.cfg.BuyMaxAttempts {
		p.abandonEntry(ctx, symbol, attempt)
		return
	}

	ticker, err := p.cfg.Exchange.FetchTicker(ctx, symbol)
	if err != nil || ticker.Last <= 0 {
		p.cfg.Logger.Error(ctx, err, op+": cannot price the retry, abandoning entry", map[string]interface{}{
			"symbol": symbol, "attempt": attempt,
		})
		p.abandonEntry(ctx, symbol, attempt)
		return
	}

	limit := ticker.Last * buyPriceFactor
	p.cfg.Logger.Warn(ctx, op+": entry order timed out, retrying", map[string]interface{}{
		"symbol": symbol, "attempt": attempt + 1, "maxAttempts": p.cfg.BuyMaxAttempts, "limitPrice": limit,
	})
	if _, err := p.submitBuy(ctx, symbol, quantity, limit, attempt+1, exitTiers); err != nil {
		p.cfg.Logger.Error(ctx, err, op+": retry submission failed, abandoning entry", map[string]interface{}{"symbol": symbol})
		p.abandonEntry(ctx, symbol, attempt)
	}
}

// abandonEntry gives up on the current signal. Callers must hold the symbol
// lock.
func (p *Manager) abandonEntry(ctx context.Context, symbol string, attempt int) {
	p.cfg.Orders.ResetAttempts(symbol, domain.Buy)
	p.mu.Lock()
	delete(p.pendingEntries, symbol)
	p.mu.Unlock()
	p.cfg.Detectors.Abort(symbol)
	p.cfg.Logger.Error(ctx, ports.ErrExhaustedRetries, "entry abandoned", map[string]interface{}{
		"symbol": symbol, "attempts": attempt,
	})
	p.notify(ctx, fmt.Sprintf("Entry abandoned for %s after %d attempts", symbol, attempt))
}

// ClosePosition submits the liquidation sell for an open position. The
// returned bool reports whether an order went out.
func (p *Manager) ClosePosition(ctx context.Context, symbol string, price float64, reason domain.CloseReason) (bool, error) {
	lock := p.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()
	return p.closeLocked(ctx, symbol, price, reason)
}

// closeLocked submits the sell. Callers must hold the symbol lock.
func (p *Manager) closeLocked(ctx context.Context, symbol string, price float64, reason domain.CloseReason) (bool, error) {
	op := "ClosePosition"
	if price <= 0 {
		return false, fmt.Errorf("%s: price must be positive, got %v", op, price)
	}

	p.mu.Lock()
	mp := p.positions[symbol]
	pendingExit := p.pendingExits[symbol]
	p.mu.Unlock()

	if mp == nil {
		p.cfg.Logger.Warn(ctx, op+": no open position to close", map[string]interface{}{"symbol": symbol})
		return false, nil
	}
	if pendingExit {
		p.cfg.Logger.Debug(ctx, op+": sell already in flight", map[string]interface{}{"symbol": symbol})
		return false, nil
	}

	quantity := mp.pos.Quantity
	if quantity*price < p.cfg.MinNotional {
		amended := math.Min((p.cfg.MinNotional/price)*minNotionalPad, mp.pos.Quantity)
		p.cfg.Logger.Warn(ctx, op+": amending sell quantity for min notional", map[string]interface{}{
			"symbol": symbol, "quantity": quantity, "amended": amended, "minNotional": p.cfg.MinNotional,
		})
		quantity = amended
	}

	limit := price * sellPriceFactor

	p.mu.Lock()
	p.pendingExits[symbol] = true
	p.mu.Unlock()

	if _, err := p.submitSell(ctx, symbol, quantity, limit, 1, reason); err != nil {
		p.mu.Lock()
		delete(p.pendingExits, symbol)
		p.mu.Unlock()
		return false, fmt.Errorf("%s: %w", op, err)
	}

	p.cfg.Logger.Info(ctx, op+": liquidation order submitted", map[string]interface{}{
		"symbol": symbol, "price": price, "limitPrice": limit, "quantity": quantity, "reason": reason,
	})
	return true, nil
}

func (p *Manager) submitSell(ctx context.Context, symbol string, quantity, limit float64, attempt int, reason domain.CloseReason) (int64, error) {
	return p.cfg.Orders.Submit(ctx, orders.Request{
		Symbol:     symbol,
		Side:       domain.Sell,
		Quantity:   quantity,
		LimitPrice: limit,
		Timeout:    p.cfg.SellTimeout,
		Attempt:    attempt,
		OnFilled: func(f orders.Fill) {
			p.handleSellFill(symbol, f, reason)
		},
		OnTimedOut: func() {
			p.handleSellTimeout(symbol, quantity, attempt, reason)
		},
	})
}

// handleSellFill finalizes the position: persistence, journal, stats,
// notification, and a clean detector for the next cycle. The completed trade
// is emitted exactly once, from here.
func (p *Manager) handleSellFill(symbol string, fill orders.Fill, reason domain.CloseReason) {
	op := "handleSellFill"
	ctx := context.Background()

	lock := p.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	mp := p.positions[symbol]
	p.mu.Unlock()
	if mp == nil {
		p.cfg.Logger.Warn(ctx, op+": fill for an unknown position", map[string]interface{}{"symbol": symbol, "orderID": fill.OrderID})
		return
	}

	p.cfg.Orders.ResetAttempts(symbol, domain.Sell)

	now := time.Now().UTC()
	pos := mp.pos
	pos.ExitPrice = fill.Price
	pos.ClosedAt = now
	pos.Status = domain.StatusClosed
	pos.PNL = (fill.Price - pos.EntryPrice) * pos.Quantity
	pos.CloseReason = reason

	if err := p.cfg.Positions.Update(ctx, pos); err != nil {
		p.cfg.Logger.Error(ctx, err, op+": failed to persist closed position", map[string]interface{}{"positionID": pos.ID})
	}

	trade := domain.TradeFromPosition(pos, fill.Price, now, reason)
	if _, err := p.cfg.Trades.CreateTrade(ctx, &trade); err != nil {
		p.cfg.Logger.Error(ctx, err, op+": failed to persist trade", map[string]interface{}{"positionID": pos.ID})
	}
	if p.cfg.Journal != nil {
		if err := p.cfg.Journal.Append(ctx, trade); err != nil {
			p.cfg.Logger.Warn(ctx, op+": journal append failed", map[string]interface{}{"error": err.Error()})
		}
	}
	p.cfg.Stats.Record(trade)

	p.mu.Lock()
	delete(p.positions, symbol)
	delete(p.pendingExits, symbol)
	count := len(p.positions)
	p.mu.Unlock()

	// The symbol's entry cycle starts from scratch after a completed trade.
	p.cfg.Detectors.Remove(symbol)
	p.cfg.Metrics.TradeClosed(reason, trade.PNL > 0)
	p.cfg.Metrics.SetOpenPositions(count)

	p.cfg.Logger.Info(ctx, op+": position closed", map[string]interface{}{
		"positionID": pos.ID, "symbol": symbol, "entryPrice": pos.EntryPrice, "exitPrice": fill.Price,
		"pnl": trade.PNL, "pnlPercent": trade.PNLPercent, "reason": reason, "duration": trade.Duration().String(),
	})
	p.notify(ctx, fmt.Sprintf("Closed %s: PnL %.4f (%.2f%%), reason %s", symbol, trade.PNL, trade.PNLPercent, reason))
}

// handleSellTimeout re-submits the sell at a fresh price. When the attempt
// budget runs out the counter resets and the next position check re-triggers
// the close; an unprotected position is never left silently.
func (p *Manager) handleSellTimeout(symbol string, quantity float64, attempt int, reason domain.CloseReason) {
	op := "handleSellTimeout"
	ctx := context.Background()

	lock := p.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	if attempt >= p.cfg.SellMaxAttempts {
		p.cfg.Orders.ResetAttempts(symbol, domain.Sell)
		p.mu.Lock()
		delete(p.pendingExits, symbol)
		p.mu.Unlock()
		p.cfg.Logger.Error(ctx, ports.ErrExhaustedRetries, op+": sell attempts exhausted, next check re-triggers", map[string]interface{}{
			"symbol": symbol, "attempts": attempt,
		})
		return
	}

	ticker, err := p.cfg.Exchange.FetchTicker(ctx, symbol)
	if err != nil || ticker.Last <= 0 {
		p.cfg.Logger.Error(ctx, err, op+": cannot price the retry, next check re-triggers", map[string]interface{}{"symbol": symbol})
		p.mu.Lock()
		delete(p.pendingExits, symbol)
		p.mu.Unlock()
		return
	}

	limit := ticker.Last * sellPriceFactor
	p.cfg.Logger.Warn(ctx, op+": sell order timed out, retrying", map[string]interface{}{
		"symbol": symbol, "attempt": attempt + 1, "maxAttempts": p.cfg.SellMaxAttempts, "limitPrice": limit,
	})
	if _, err := p.submitSell(ctx, symbol, quantity, limit, attempt+1, reason); err != nil {
		p.cfg.Logger.Error(ctx, err, op+": retry submission failed, next check re-triggers", map[string]interface{}{"symbol": symbol})
		p.mu.Lock()
		delete(p.pendingExits, symbol)
		p.mu.Unlock()
	}
}

// CheckPositions runs one protection cycle over every open position: the
// tiered stop first, then the adaptive stop.
func (p *Manager) CheckPositions(ctx context.Context) {
	p.mu.Lock()
	symbols := make([]string, 0, len(p.positions))
	for symbol := range p.positions {
		symbols = append(symbols, symbol)
	}
	p.mu.Unlock()

	for _, symbol := range symbols {
		p.checkSymbol(ctx, symbol)
	}
}

func (p *Manager) checkSymbol(ctx context.Context, symbol string) {
	op := "checkSymbol"

	lock := p.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	mp := p.positions[symbol]
	pendingExit := p.pendingExits[symbol]
	p.mu.Unlock()
	if mp == nil || pendingExit {
		return
	}

	ticker, err := p.cfg.Exchange.FetchTicker(ctx, symbol)
	if err != nil || ticker.Last <= 0 {
		p.cfg.Logger.Warn(ctx, op+": ticker unavailable, skipping cycle", map[string]interface{}{"symbol": symbol})
		return
	}
	price := ticker.Last

	if sellPrice, triggered := mp.stop.Update(price); triggered {
		p.cfg.Logger.Info(ctx, op+": tiered stop triggered", map[string]interface{}{
			"symbol": symbol, "price": price, "sellPrice": sellPrice, "stopLevel": mp.stop.Level(), "highWater": mp.stop.HighWater(),
		})
		if _, err := p.closeLocked(ctx, symbol, sellPrice, domain.CloseReasonTieredStop); err != nil {
			p.cfg.Logger.Error(ctx, err, op+": failed to submit tiered stop sell", map[string]interface{}{"symbol": symbol})
		}
		return
	}

	volatility := p.fetchVolatility(ctx, symbol, price)
	if level, triggered := mp.adaptive.Update(price, volatility); triggered {
		p.cfg.Logger.Info(ctx, op+": adaptive stop triggered", map[string]interface{}{
			"symbol": symbol, "price": price, "stopLevel": level,
		})
		if _, err := p.closeLocked(ctx, symbol, price, domain.CloseReasonAdaptiveStop); err != nil {
			p.cfg.Logger.Error(ctx, err, op+": failed to submit adaptive stop sell", map[string]interface{}{"symbol": symbol})
		}
		return
	}

	p.cfg.Logger.Debug(ctx, op+": position holding", map[string]interface{}{
		"symbol": symbol, "price": price, "entryPrice": mp.pos.EntryPrice,
		"tieredStop": mp.stop.Level(), "adaptiveStop": mp.adaptive.Level(),
	})
}

// fetchVolatility reads the volatility gateway and falls back to a local ATR
// over exchange candles when the gateway is down. Zero means no reading this
// cycle, which the adaptive stop treats as a skip.
func (p *Manager) fetchVolatility(ctx context.Context, symbol string, price float64) float64 {
	op := "fetchVolatility"
	value, err := p.cfg.Indicators.GetVolatility(ctx, symbol, p.cfg.ATRPeriod, p.cfg.ATRInterval)
	if err == nil {
		return value
	}
	p.cfg.Logger.Warn(ctx, op+": gateway failed, computing locally", map[string]interface{}{
		"symbol": symbol, "error": err.Error(),
	})

	candles, cerr := p.cfg.Exchange.FetchOHLCV(ctx, symbol, p.cfg.ATRInterval, atrFallbackCandles)
	if cerr != nil {
		p.cfg.Logger.Warn(ctx, op+": no candles for local fallback", map[string]interface{}{"symbol": symbol, "error": cerr.Error()})
		return 0
	}
	atr := indicators.NewATR(indicators.ATRConfig{IndicatorConfig: indicators.IndicatorConfig{Period: p.cfg.ATRPeriod}})
	value, aerr := atr.Calculate(ctx, candles)
	if aerr != nil {
		p.cfg.Logger.Warn(ctx, op+": local fallback failed", map[string]interface{}{"symbol": symbol, "error": aerr.Error()})
		return 0
	}
	p.cfg.Logger.Debug(ctx, op+": using locally computed reading", map[string]interface{}{"symbol": symbol, "atr": value, "price": price})
	return value
}

// OpenCount returns the number of open positions.
func (p *Manager) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.positions)
}

// Position returns the open position for the symbol, if any.
func (p *Manager) Position(symbol string) (*domain.Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mp, ok := p.positions[symbol]
	if !ok {
		return nil, false
	}
	return mp.pos, true
}

// Shutdown withdraws every in-flight order so nothing fills unattended after
// the process exits. Open positions and their stop state survive in the
// repository for the next start.
func (p *Manager) Shutdown(ctx context.Context) {
	op := "Shutdown"
	p.mu.Lock()
	symbols := make(map[string]bool)
	for s := range p.positions {
		symbols[s] = true
	}
	for s := range p.pendingEntries {
		symbols[s] = true
	}
	for s := range p.pendingExits {
		symbols[s] = true
	}
	p.pendingEntries = make(map[string]bool)
	p.pendingExits = make(map[string]bool)
	p.mu.Unlock()

	for symbol := range symbols {
		if err := p.cfg.Orders.CancelAll(ctx, symbol); err != nil {
			p.cfg.Logger.Error(ctx, err, op+": failed to withdraw orders", map[string]interface{}{"symbol": symbol})
		}
	}
}

func (p *Manager) notify(ctx context.Context, message string) {
	if p.cfg.Notifier == nil {
		return
	}
	if err := p.cfg.Notifier.Send(ctx, message); err != nil {
		p.cfg.Logger.Warn(ctx, "notification delivery failed", map[string]interface{}{"error": err.Error()})
	}
}
