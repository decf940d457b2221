package domain

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Tier is a single row of a threshold ladder.
//
// Entry ladders read it as "once the watermark has dropped to Trigger, fire
// when the live value recovers past Recover". Exit ladders read it as "while
// the high-water profit sits in the [Recover, Trigger) band, lock a stop at
// Recover percent above entry". Immediate selects whether a triggered exit
// is priced at the stop level or at the current market price.
type Tier struct {
	Trigger   float64
	Recover   float64
	Immediate bool
}

// TierTable is an immutable ladder of tiers, ordered ascending by trigger.
// Ordering is rebuilt at construction so callers may supply rows in any
// order.
type TierTable struct {
	tiers []Tier
}

// NewEntryTable builds and validates a ladder for entry detection. Entry
// rows require Trigger <= Recover: the watermark falls to the trigger and
// the live value must climb back past the recover boundary.
func NewEntryTable(tiers []Tier) (TierTable, error) {
	t, err := newTable(tiers)
	if err != nil {
		return TierTable{}, err
	}
	for _, tier := range t.tiers {
		if tier.Trigger > tier.Recover {
			return TierTable{}, fmt.Errorf("entry tier trigger %.2f exceeds recover %.2f", tier.Trigger, tier.Recover)
		}
	}
	return t, nil
}

// NewExitTable builds and validates a ladder for exit protection. Exit rows
// require Recover < Trigger: the locked-in stop percentage sits below the
// profit that activates the row.
func NewExitTable(tiers []Tier) (TierTable, error) {
	t, err := newTable(tiers)
	if err != nil {
		return TierTable{}, err
	}
	for _, tier := range t.tiers {
		if tier.Recover >= tier.Trigger {
			return TierTable{}, fmt.Errorf("exit tier stop %.2f must be below trigger %.2f", tier.Recover, tier.Trigger)
		}
	}
	return t, nil
}

func newTable(tiers []Tier) (TierTable, error) {
	if len(tiers) == 0 {
		return TierTable{}, errors.New("tier table is empty")
	}
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Trigger < sorted[j].Trigger })
	for i, tier := range sorted {
		if !isFinite(tier.Trigger) || !isFinite(tier.Recover) {
			return TierTable{}, fmt.Errorf("tier %d has a non-finite bound", i)
		}
		if i > 0 && sorted[i-1].Trigger == tier.Trigger {
			return TierTable{}, fmt.Errorf("ambiguous tier table: duplicate trigger %.2f", tier.Trigger)
		}
	}
	return TierTable{tiers: sorted}, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Len returns the number of tiers in the ladder.
func (t TierTable) Len() int { return len(t.tiers) }

// At returns the tier at index i, lowest trigger first.
func (t TierTable) At(i int) Tier { return t.tiers[i] }

// Tiers returns a copy of the ladder, lowest trigger first.
func (t TierTable) Tiers() []Tier {
	out := make([]Tier, len(t.tiers))
	copy(out, t.tiers)
	return out
}

// MaxTrigger returns the highest trigger in the ladder.
func (t TierTable) MaxTrigger() float64 {
	if len(t.tiers) == 0 {
		return 0
	}
	return t.tiers[len(t.tiers)-1].Trigger
}

// ForWatermark returns the row governing a falling watermark: the row with
// the largest trigger at or below the watermark, or the lowest row when the
// watermark has dropped under every trigger. The ladder stays unarmed until
// the watermark reaches the highest trigger.
func (t TierTable) ForWatermark(watermark float64) (Tier, bool) {
	if len(t.tiers) == 0 || watermark > t.MaxTrigger() {
		return Tier{}, false
	}
	selected := t.tiers[0]
	for _, tier := range t.tiers {
		if tier.Trigger <= watermark {
			selected = tier
		}
	}
	return selected, true
}

// ForProfit returns the row whose [Recover, Trigger) band contains the
// high-water profit. At or above the top trigger the top row stays selected.
// Overlapping bands resolve to the lower row. Below every band there is no
// selection.
func (t TierTable) ForProfit(profit float64) (Tier, bool) {
	if len(t.tiers) == 0 {
		return Tier{}, false
	}
	top := t.tiers[len(t.tiers)-1]
	if profit >= top.Trigger {
		return top, true
	}
	for _, tier := range t.tiers {
		if profit >= tier.Recover && profit < tier.Trigger {
			return tier, true
		}
	}
	return Tier{}, false
}
