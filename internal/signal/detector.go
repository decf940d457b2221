package signal

import (
	"fmt"
	"math"
	"sync"

	"pullbackbot/internal/domain"
)

// Phase is the lifecycle state of a Detector.
type Phase int

const (
	// PhaseIdle means the detector is tracking the watermark and may emit.
	PhaseIdle Phase = iota
	// PhaseAwaitingFill means a signal has been emitted and its order is not
	// yet resolved. The watermark keeps updating but no further signal fires.
	PhaseAwaitingFill
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingFill:
		return "awaiting_fill"
	default:
		return "unknown"
	}
}

// Config holds the parameters for a Detector.
type Config struct {
	Symbol string
	// Tiers is the entry ladder (see domain.NewEntryTable).
	Tiers domain.TierTable
	// ConfirmTicks is the number of samples at or above the armed tier's
	// recover boundary required before a signal fires.
	ConfirmTicks int
	// DistinctTicks requires each confirmation sample to differ from the
	// previously counted value, so a poll result repeated verbatim does not
	// count twice.
	DistinctTicks bool
}

// Detector is a per-symbol tiered state machine over a falling oscillator.
// It records the lowest value observed, arms once that watermark reaches the
// ladder, and emits a buy signal when the live value holds at or above the
// armed tier's recover boundary for the configured number of samples.
//
// All methods are safe for concurrent use.
type Detector struct {
	cfg Config

	mu            sync.Mutex
	phase         Phase
	lowest        float64
	active        domain.Tier
	hasActive     bool
	confirmCount  int
	lastConfirmed float64
	hasConfirmed  bool
}

// New validates the configuration and returns an idle Detector.
func New(cfg Config) (*Detector, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("detector: symbol is required")
	}
	if cfg.Tiers.Len() == 0 {
		return nil, fmt.Errorf("detector: entry tier table is empty")
	}
	if cfg.ConfirmTicks < 1 {
		return nil, fmt.Errorf("detector: confirmation ticks must be at least 1, got %d", cfg.ConfirmTicks)
	}
	return &Detector{cfg: cfg, lowest: math.Inf(1)}, nil
}

// Update feeds one oscillator sample together with the concurrent market
// price. It returns the signal price and true when the tiered recovery
// condition holds. Non-finite values and non-positive prices are ignored.
func (d *Detector) Update(value, price float64) (float64, bool) {
	if !isFinite(value) || !isFinite(price) || price <= 0 {
		return 0, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if value < d.lowest {
		d.lowest = value
	}

	if d.phase == PhaseAwaitingFill {
		// A signal is already out being traded; follow the watermark only.
		return 0, false
	}

	tier, ok := d.cfg.Tiers.ForWatermark(d.lowest)
	if !ok {
		return 0, false
	}
	d.active, d.hasActive = tier, true

	if value >= tier.Recover {
		if !d.cfg.DistinctTicks || !d.hasConfirmed || value != d.lastConfirmed {
			d.confirmCount++
			d.lastConfirmed = value
			d.hasConfirmed = true
		}
	} else {
		d.confirmCount = 0
		d.hasConfirmed = false
	}

	if d.confirmCount < d.cfg.ConfirmTicks {
		return 0, false
	}

	d.phase = PhaseAwaitingFill
	d.confirmCount = 0
	d.hasConfirmed = false
	return price, true
}

// Reset returns the detector to idle. Called while a signal is awaiting its
// order it only leaves the awaiting phase, keeping the watermark and armed
// tier so the pending entry is not forgotten; the next Reset performs the
// full clear.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.phase == PhaseAwaitingFill {
		d.phase = PhaseIdle
		return
	}
	d.clearLocked()
}

// Abort unconditionally clears all detector state regardless of phase. Used
// when a pending entry is abandoned, vetoed, or its position is closed.
func (d *Detector) Abort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.phase = PhaseIdle
	d.clearLocked()
}

func (d *Detector) clearLocked() {
	d.lowest = math.Inf(1)
	d.active = domain.Tier{}
	d.hasActive = false
	d.confirmCount = 0
	d.lastConfirmed = 0
	d.hasConfirmed = false
}

// Symbol returns the symbol this detector tracks.
func (d *Detector) Symbol() string { return d.cfg.Symbol }

// Phase returns the current lifecycle phase.
func (d *Detector) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// Lowest returns the watermark, or +Inf when no sample has been seen.
func (d *Detector) Lowest() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lowest
}

// ActiveTier returns the armed tier, if any.
func (d *Detector) ActiveTier() (domain.Tier, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active, d.hasActive
}

// ConfirmCount returns the confirmation samples accumulated so far.
func (d *Detector) ConfirmCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.confirmCount
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
