package ports

import "pullbackbot/internal/domain"

// Metrics records operational counters for monitoring.
// Implementations must be safe for concurrent use.
type Metrics interface {
	OrderSubmitted(side domain.OrderSide)
	OrderFilled(side domain.OrderSide)
	OrderTimedOut(side domain.OrderSide)
	SignalDetected(symbol string)
	TradeClosed(reason domain.CloseReason, profitable bool)
	SetOpenPositions(n int)
}

// NopMetrics is a Metrics implementation that records nothing.
type NopMetrics struct{}

func (NopMetrics) OrderSubmitted(domain.OrderSide)      {}
func (NopMetrics) OrderFilled(domain.OrderSide)         {}
func (NopMetrics) OrderTimedOut(domain.OrderSide)       {}
func (NopMetrics) SignalDetected(string)                {}
func (NopMetrics) TradeClosed(domain.CloseReason, bool) {}
func (NopMetrics) SetOpenPositions(int)                 {}
