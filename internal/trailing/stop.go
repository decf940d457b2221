// Package trailing implements the per-position protective stop engines: a
// tiered profit-ladder stop and an ATR-derived adaptive stop. Both only ever
// tighten toward the market. Instances are not safe for concurrent use; the
// position coordinator serializes access through its per-symbol lock.
package trailing

import (
	"fmt"
	"math"

	"pullbackbot/internal/domain"
)

// Stop is a ratcheting tiered stop for one open position. It tracks the
// highest price and profit percentage reached, selects the protection tier
// for the peak profit, and derives a stop level that never decreases.
type Stop struct {
	entryPrice   float64
	tiers        domain.TierTable
	highestPrice float64
	highWaterPct float64
	active       domain.Tier
	hasActive    bool
	stopLevel    float64
}

// NewStop builds a stop engine for a position entered at entryPrice using
// the given exit ladder (see domain.NewExitTable).
func NewStop(entryPrice float64, tiers domain.TierTable) (*Stop, error) {
	if !isFinite(entryPrice) || entryPrice <= 0 {
		return nil, fmt.Errorf("trailing stop: entry price must be positive, got %v", entryPrice)
	}
	if tiers.Len() == 0 {
		return nil, fmt.Errorf("trailing stop: exit tier table is empty")
	}
	return &Stop{
		entryPrice:   entryPrice,
		tiers:        tiers,
		highestPrice: entryPrice,
	}, nil
}

// Update feeds one price observation. It returns the liquidation price and
// true when the position should be closed. A tier with Immediate set sells
// at the stop level itself; otherwise the current price is returned.
// Non-finite or non-positive prices are ignored.
func (s *Stop) Update(price float64) (float64, bool) {
	if !isFinite(price) || price <= 0 {
		return 0, false
	}

	profitPct := (price - s.entryPrice) / s.entryPrice * 100

	freshHigh := false
	if price > s.highestPrice {
		s.highestPrice = price
	}
	if profitPct > s.highWaterPct {
		s.highWaterPct = profitPct
		freshHigh = true
	}

	// Tier selection runs on the peak profit, never the instantaneous one,
	// and the active tier never downgrades.
	if tier, ok := s.tiers.ForProfit(s.highWaterPct); ok {
		if !s.hasActive || tier.Trigger >= s.active.Trigger {
			s.active = tier
			s.hasActive = true
		}
	}
	if !s.hasActive {
		return 0, false
	}

	spread := s.active.Trigger - s.active.Recover
	candidate := math.Max(
		s.highestPrice*(1-spread/100),
		s.entryPrice*(1+s.active.Recover/100),
	)
	if candidate > s.stopLevel {
		s.stopLevel = candidate
	}

	// A fresh high never triggers its own stop.
	if freshHigh {
		return 0, false
	}

	if price <= s.stopLevel {
		if s.active.Immediate {
			return s.stopLevel, true
		}
		return price, true
	}
	return 0, false
}

// Level returns the current stop level, or 0 while no tier has armed.
func (s *Stop) Level() float64 { return s.stopLevel }

// HighWater returns the peak profit percentage reached so far.
func (s *Stop) HighWater() float64 { return s.highWaterPct }

// ActiveTier returns the armed protection tier, if any.
func (s *Stop) ActiveTier() (domain.Tier, bool) { return s.active, s.hasActive }

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
