package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"pullbackbot/internal/domain"
	"pullbackbot/internal/ports"
)

const (
	defaultPollInterval   = time.Second
	defaultStatusThrottle = 2 * time.Second

	// Bounded retry for the submission call itself; fill timeouts are a
	// separate mechanism owned by the caller.
	submitMaxTries   = 3
	submitRetryDelay = 500 * time.Millisecond
)

// Config holds the dependencies and tuning for a Manager.
type Config struct {
	Exchange ports.ExchangeClient
	Logger   ports.Logger
	Metrics  ports.Metrics
	// PollInterval is the period of the status polling loop.
	PollInterval time.Duration
	// StatusThrottle is the minimum gap between two status fetches for the
	// same order, so a busy registry does not hammer the exchange.
	StatusThrottle time.Duration
}

// Request describes one limit order to submit and track.
type Request struct {
	Symbol     string
	Side       domain.OrderSide
	Quantity   float64
	LimitPrice float64
	// Timeout is how long the order may stay unfilled before it is canceled
	// and reported through OnTimedOut.
	Timeout time.Duration
	// Attempt is recorded per (symbol, side) for the caller's retry
	// bookkeeping; the manager itself never resubmits.
	Attempt    int
	OnFilled   func(Fill)
	OnTimedOut func()
}

func (r Request) validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("order request: symbol is required")
	}
	if r.Side != domain.Buy && r.Side != domain.Sell {
		return fmt.Errorf("order request: invalid side %q", r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("order request: quantity must be positive, got %v", r.Quantity)
	}
	if r.LimitPrice <= 0 {
		return fmt.Errorf("order request: limit price must be positive, got %v", r.LimitPrice)
	}
	if r.Timeout <= 0 {
		return fmt.Errorf("order request: timeout must be positive, got %v", r.Timeout)
	}
	return nil
}

// Fill is the terminal result delivered for a filled order.
type Fill struct {
	OrderID  int64
	Price    float64
	Quantity float64
}

type slotKey struct {
	symbol string
	side   domain.OrderSide
}

type pendingOrder struct {
	id          int64
	symbol      string
	side        domain.OrderSide
	quantity    float64
	limitPrice  float64
	attempt     int
	timeout     time.Duration
	submittedAt time.Time
	lastChecked time.Time
	onFilled    func(Fill)
	onTimedOut  func()
}

// Manager owns the lifecycle of submitted limit orders: submission with
// bounded retry, timed polling for fills, timeout-triggered cancellation,
// and per-(symbol, side) attempt bookkeeping. Every tracked order resolves
// through exactly one of OnFilled or OnTimedOut; orders withdrawn explicitly
// via Cancel or CancelAll resolve silently unless a fill is discovered during
// the cancellation race.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	orders   map[int64]*pendingOrder
	bySlot   map[slotKey]int64
	attempts map[slotKey]int
}

// NewManager validates the configuration and returns a Manager. The polling
// loop is not running until Start is called.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Exchange == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for order Manager")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.StatusThrottle <= 0 {
		cfg.StatusThrottle = defaultStatusThrottle
	}
	return &Manager{
		cfg:      cfg,
		orders:   make(map[int64]*pendingOrder),
		bySlot:   make(map[slotKey]int64),
		attempts: make(map[slotKey]int),
	}, nil
}

// Start launches the status polling loop. It returns immediately; the loop
// stops when ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkOrders(ctx)
			}
		}
	}()
}

// Submit places a limit order and registers it for tracking. At most one
// order may be in flight per (symbol, side); an existing one is canceled and
// removed first. Transient exchange errors are retried a fixed number of
// times before the submission fails.
func (m *Manager) Submit(ctx context.Context, req Request) (int64, error) {
	op := "Submit"
	if err := req.validate(); err != nil {
		return 0, err
	}

	slot := slotKey{symbol: req.Symbol, side: req.Side}

	m.mu.Lock()
	prevID, hadPrev := m.bySlot[slot]
	m.mu.Unlock()
	if hadPrev {
		m.cfg.Logger.Warn(ctx, op+": superseding existing pending order", map[string]interface{}{
			"symbol": req.Symbol, "side": req.Side, "orderID": prevID,
		})
		if err := m.Cancel(ctx, req.Symbol, prevID); err != nil {
			m.cfg.Logger.Error(ctx, err, op+": failed to cancel superseded order", map[string]interface{}{"orderID": prevID})
		}
	}

	quantityStr := formatQuantity(req.Quantity)
	priceStr := formatPrice(req.LimitPrice)

	var resp *ports.OrderResponse
	var err error
	for try := 1; try <= submitMaxTries; try++ {
		resp, err = m.cfg.Exchange.CreateLimitOrder(ctx, req.Symbol, req.Side, quantityStr, priceStr)
		if err == nil {
			break
		}
		if !ports.IsTransient(err) {
			m.cfg.Logger.Error(ctx, err, op+": order submission failed", map[string]interface{}{
				"symbol": req.Symbol, "side": req.Side, "quantity": quantityStr, "price": priceStr,
			})
			return 0, fmt.Errorf("order submission failed: %w", err)
		}
		m.cfg.Logger.Warn(ctx, op+": transient submission error, retrying", map[string]interface{}{
			"symbol": req.Symbol, "side": req.Side, "try": try, "error": err.Error(),
		})
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(submitRetryDelay):
		}
	}
	if err != nil {
		return 0, fmt.Errorf("order submission failed after %d tries: %w", submitMaxTries, err)
	}

	now := time.Now()
	po := &pendingOrder{
		id:          resp.OrderID,
		symbol:      req.Symbol,
		side:        req.Side,
		quantity:    req.Quantity,
		limitPrice:  req.LimitPrice,
		attempt:     req.Attempt,
		timeout:     req.Timeout,
		submittedAt: now,
		lastChecked: now,
		onFilled:    req.OnFilled,
		onTimedOut:  req.OnTimedOut,
	}

	m.mu.Lock()
	m.orders[resp.OrderID] = po
	m.bySlot[slot] = resp.OrderID
	m.attempts[slot] = req.Attempt
	m.mu.Unlock()

	m.cfg.Metrics.OrderSubmitted(req.Side)
	m.cfg.Logger.Info(ctx, op+": limit order submitted", map[string]interface{}{
		"orderID": resp.OrderID, "symbol": req.Symbol, "side": req.Side,
		"quantity": quantityStr, "price": priceStr, "timeout": req.Timeout.String(), "attempt": req.Attempt,
	})
	return resp.OrderID, nil
}

// Cancel withdraws a tracked order without firing its timeout callback. A
// fill that the cancellation races against is still delivered through
// OnFilled. Canceling an order the exchange no longer knows counts as
// success.
func (m *Manager) Cancel(ctx context.Context, symbol string, orderID int64) error {
	op := "Cancel"
	po, ok := m.claim(orderID)
	if !ok {
		return fmt.Errorf("%w: order %d is not tracked", ports.ErrOrderNotFound, orderID)
	}

	err := m.cfg.Exchange.CancelOrder(ctx, symbol, orderID)
	if err == nil {
		m.cfg.Logger.Info(ctx, op+": order canceled", map[string]interface{}{"orderID": orderID, "symbol": symbol})
		return nil
	}
	if errors.Is(err, ports.ErrOrderNotFound) {
		// Lost the race: the order resolved before the cancel landed. If it
		// was a fill, the money moved and the fill must be delivered.
		status, serr := m.cfg.Exchange.FetchOrderStatus(ctx, symbol, orderID)
		if serr == nil && status.IsFilled() {
			m.cfg.Logger.Info(ctx, op+": order filled before cancellation", map[string]interface{}{"orderID": orderID, "symbol": symbol})
			m.cfg.Metrics.OrderFilled(po.side)
			if po.onFilled != nil {
				po.onFilled(fillFromResponse(po, status))
			}
			return nil
		}
		return nil
	}

	m.cfg.Logger.Error(ctx, err, op+": failed to cancel order", map[string]interface{}{"orderID": orderID, "symbol": symbol})
	return fmt.Errorf("%w: order %d: %w", ports.ErrOrderCancelFailed, orderID, err)
}

// CancelAll withdraws every tracked order for the symbol, silently. Used when
// shutting down or abandoning a symbol.
func (m *Manager) CancelAll(ctx context.Context, symbol string) error {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.orders))
	for id, po := range m.orders {
		if po.symbol == symbol {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Cancel(ctx, symbol, id); err != nil && !errors.Is(err, ports.ErrOrderNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HasPending reports whether any order is in flight for the symbol.
func (m *Manager) HasPending(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, po := range m.orders {
		if po.symbol == symbol {
			return true
		}
	}
	return false
}

// Attempts returns the attempt recorded by the latest Submit for the
// (symbol, side) pair.
func (m *Manager) Attempts(symbol string, side domain.OrderSide) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[slotKey{symbol: symbol, side: side}]
}

// ResetAttempts clears the attempt counter for the (symbol, side) pair.
func (m *Manager) ResetAttempts(symbol string, side domain.OrderSide) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, slotKey{symbol: symbol, side: side})
}

// claim atomically removes the order from the registry. Terminal callbacks
// are dispatched only by the caller that wins the claim, which is what makes
// them fire exactly once.
func (m *Manager) claim(orderID int64) (*pendingOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	po, ok := m.orders[orderID]
	if !ok {
		return nil, false
	}
	delete(m.orders, orderID)
	slot := slotKey{symbol: po.symbol, side: po.side}
	if m.bySlot[slot] == orderID {
		delete(m.bySlot, slot)
	}
	return po, true
}

// checkOrders runs one polling cycle over all tracked orders that are due a
// status fetch.
func (m *Manager) checkOrders(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	due := make([]*pendingOrder, 0, len(m.orders))
	for _, po := range m.orders {
		if now.Sub(po.lastChecked) < m.cfg.StatusThrottle {
			continue
		}
		po.lastChecked = now
		due = append(due, po)
	}
	m.mu.Unlock()

	for _, po := range due {
		m.checkOrder(ctx, po, now)
	}
}

func (m *Manager) checkOrder(ctx context.Context, po *pendingOrder, now time.Time) {
	op := "checkOrder"

	status, err := m.cfg.Exchange.FetchOrderStatus(ctx, po.symbol, po.id)
	if err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			// Gone from the exchange without an observable fill.
			m.resolveTimedOut(ctx, po.id, "order vanished from the exchange")
			return
		}
		m.cfg.Logger.Warn(ctx, op+": status check failed, will retry", map[string]interface{}{
			"orderID": po.id, "symbol": po.symbol, "error": err.Error(),
		})
		return
	}

	switch {
	case status.IsFilled():
		claimed, ok := m.claim(po.id)
		if !ok {
			return
		}
		m.cfg.Metrics.OrderFilled(claimed.side)
		m.cfg.Logger.Info(ctx, op+": order filled", map[string]interface{}{
			"orderID": claimed.id, "symbol": claimed.symbol, "side": claimed.side,
			"avgPrice": status.AvgPrice, "executedQty": status.ExecutedQty,
		})
		if claimed.onFilled != nil {
			claimed.onFilled(fillFromResponse(claimed, status))
		}
	case status.Status.IsTerminal():
		// Canceled, rejected or expired by someone other than us.
		m.resolveTimedOut(ctx, po.id, fmt.Sprintf("order reached terminal status %s externally", status.Status))
	default:
		if now.Sub(po.submittedAt) < po.timeout {
			return
		}
		m.timeoutOrder(ctx, po)
	}
}

// timeoutOrder cancels an order that outlived its fill timeout and reports it
// through OnTimedOut, unless the cancellation discovers a fill.
func (m *Manager) timeoutOrder(ctx context.Context, po *pendingOrder) {
	op := "timeoutOrder"

	err := m.cfg.Exchange.CancelOrder(ctx, po.symbol, po.id)
	if err != nil {
		if !errors.Is(err, ports.ErrOrderNotFound) {
			m.cfg.Logger.Error(ctx, err, op+": cancel failed, will retry next cycle", map[string]interface{}{
				"orderID": po.id, "symbol": po.symbol,
			})
			return
		}
		// The order resolved while we were canceling; a fill beats the
		// timeout.
		status, serr := m.cfg.Exchange.FetchOrderStatus(ctx, po.symbol, po.id)
		if serr == nil && status.IsFilled() {
			claimed, ok := m.claim(po.id)
			if !ok {
				return
			}
			m.cfg.Metrics.OrderFilled(claimed.side)
			m.cfg.Logger.Info(ctx, op+": order filled during timeout cancellation", map[string]interface{}{
				"orderID": claimed.id, "symbol": claimed.symbol, "avgPrice": status.AvgPrice,
			})
			if claimed.onFilled != nil {
				claimed.onFilled(fillFromResponse(claimed, status))
			}
			return
		}
	}
	m.resolveTimedOut(ctx, po.id, "fill timeout exceeded")
}

func (m *Manager) resolveTimedOut(ctx context.Context, orderID int64, reason string) {
	claimed, ok := m.claim(orderID)
	if !ok {
		return
	}
	m.cfg.Metrics.OrderTimedOut(claimed.side)
	m.cfg.Logger.Warn(ctx, "order timed out", map[string]interface{}{
		"orderID": claimed.id, "symbol": claimed.symbol, "side": claimed.side,
		"attempt": claimed.attempt, "reason": reason,
	})
	if claimed.onTimedOut != nil {
		claimed.onTimedOut()
	}
}

func fillFromResponse(po *pendingOrder, resp *ports.OrderResponse) Fill {
	f := Fill{OrderID: po.id, Price: resp.AvgPrice, Quantity: resp.ExecutedQty}
	// The exchange reports 0 for averages on some fill paths; fall back to
	// what we asked for.
	if f.Price == 0 {
		f.Price = po.limitPrice
	}
	if f.Quantity == 0 {
		f.Quantity = po.quantity
	}
	return f
}

// formatPrice formats a price for the exchange API.
// TODO: derive per-symbol precision from exchange info instead of fixing it.
func formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', 2, 64)
}

// formatQuantity formats a quantity for the exchange API.
func formatQuantity(quantity float64) string {
	return strconv.FormatFloat(quantity, 'f', 3, 64)
}
