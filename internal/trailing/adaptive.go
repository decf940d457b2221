package trailing

import (
	"fmt"
	"time"
)

// AdaptiveStop derives a single stop level for one open position from a
// volatility reading instead of a tier ladder. The level seeds on the first
// reading and afterwards only ever rises. A trigger additionally requires
// the price to stay at or below the level for a dwell period, so one noisy
// tick cannot liquidate the position.
type AdaptiveStop struct {
	entryPrice float64
	multiplier float64
	dwell      time.Duration
	now        func() time.Time

	level   float64
	armed   bool
	armedAt time.Time
}

// NewAdaptiveStop builds an adaptive stop for a position entered at
// entryPrice. The stop distance is (volatility / price) * multiplier,
// applied below the entry price.
func NewAdaptiveStop(entryPrice, multiplier float64, dwell time.Duration) (*AdaptiveStop, error) {
	if !isFinite(entryPrice) || entryPrice <= 0 {
		return nil, fmt.Errorf("adaptive stop: entry price must be positive, got %v", entryPrice)
	}
	if !isFinite(multiplier) || multiplier <= 0 {
		return nil, fmt.Errorf("adaptive stop: multiplier must be positive, got %v", multiplier)
	}
	if dwell < 0 {
		return nil, fmt.Errorf("adaptive stop: dwell must not be negative, got %v", dwell)
	}
	return &AdaptiveStop{
		entryPrice: entryPrice,
		multiplier: multiplier,
		dwell:      dwell,
		now:        time.Now,
	}, nil
}

// Update feeds one price observation with its volatility reading. It returns
// the current stop level and whether the position should be closed. A missing
// or non-positive volatility reading leaves the level untouched and skips the
// trigger evaluation entirely.
func (s *AdaptiveStop) Update(price, volatility float64) (float64, bool) {
	if !isFinite(price) || price <= 0 || !isFinite(volatility) || volatility <= 0 {
		return s.level, false
	}

	candidate := s.entryPrice * (1 - (volatility/price)*s.multiplier)
	if candidate > s.level {
		s.level = candidate
	}

	if price > s.level {
		// Recovery above the level disarms the dwell timer. A rising level
		// alone never does.
		s.armed = false
		return s.level, false
	}

	if !s.armed {
		s.armed = true
		s.armedAt = s.now()
	}
	if s.now().Sub(s.armedAt) >= s.dwell {
		return s.level, true
	}
	return s.level, false
}

// Level returns the current stop level, or 0 before the first reading.
func (s *AdaptiveStop) Level() float64 { return s.level }

// Armed reports whether the dwell timer is running.
func (s *AdaptiveStop) Armed() bool { return s.armed }
