package domain

import "time"

// Position represents a spot holding created by a confirmed buy fill. It is
// the single source of truth for "this symbol is occupied" between the entry
// fill and the exit fill.
type Position struct {
	ID          int64          // Unique identifier for the position (usually from DB)
	Symbol      string         // Trading symbol (e.g., "BTCUSDC")
	EntryPrice  float64        // Average fill price of the entry order
	ExitPrice   float64        // Average fill price of the exit order (0 if open)
	Quantity    float64        // Base-asset quantity held
	TotalCost   float64        // Quote currency spent at entry (EntryPrice * Quantity)
	OrderID     int64          // Exchange order id of the entry fill
	OpenedAt    time.Time      // Timestamp of the confirmed entry fill
	ClosedAt    time.Time      // Timestamp of the confirmed exit fill (zero value if open)
	Status      PositionStatus // Current status (open, closed)
	PNL         float64        // Profit and Loss for the position (calculated on close)
	CloseReason CloseReason    // Reason for closing
}

// IsOpen checks if the position status is open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// ProfitAt returns the gross quote-currency profit of closing at price.
func (p *Position) ProfitAt(price float64) float64 {
	return (price - p.EntryPrice) * p.Quantity
}

// ProfitPctAt returns the percentage move from the entry price to price.
func (p *Position) ProfitPctAt(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}
