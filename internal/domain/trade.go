package domain

import "time"

// Trade represents a completed round trip, emitted exactly once per closed
// position.
type Trade struct {
	ID          int64       // Unique identifier for the trade (usually from DB)
	PositionID  int64       // Identifier of the position this trade closed (optional)
	Symbol      string      // Trading symbol (e.g., "BTCUSDC")
	EntryPrice  float64     // Price at which the position was entered
	ExitPrice   float64     // Price at which the position was exited
	Quantity    float64     // Base-asset quantity traded
	PNL         float64     // Quote-currency profit for this trade
	PNLPercent  float64     // Percentage move from entry to exit
	OpenedAt    time.Time   // Timestamp when the position was entered
	ClosedAt    time.Time   // Timestamp when the position was exited
	CloseReason CloseReason // Reason why the position was closed
}

// Duration returns how long the position was held.
func (t *Trade) Duration() time.Duration {
	return t.ClosedAt.Sub(t.OpenedAt)
}

// TradeFromPosition builds the trade record for a position closed at exitPrice.
func TradeFromPosition(p *Position, exitPrice float64, closedAt time.Time, reason CloseReason) Trade {
	return Trade{
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   exitPrice,
		Quantity:    p.Quantity,
		PNL:         p.ProfitAt(exitPrice),
		PNLPercent:  p.ProfitPctAt(exitPrice),
		OpenedAt:    p.OpenedAt,
		ClosedAt:    closedAt,
		CloseReason: reason,
	}
}
