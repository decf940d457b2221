package stats

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"pullbackbot/internal/domain"
)

// Tracker accumulates closed-trade statistics for the running session.
// Safe for concurrent use; trades arrive from order fill callbacks while
// summaries are read by the shutdown and reporting paths.
type Tracker struct {
	mu     sync.Mutex
	trades []domain.Trade
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Record adds one completed trade.
func (t *Tracker) Record(trade domain.Trade) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trades = append(t.trades, trade)
}

// Summary is a point-in-time aggregate of the recorded trades.
type Summary struct {
	TradeCount  int
	Wins        int
	Losses      int
	WinRate     float64
	TotalPNL    float64
	AvgPNL      float64
	BestPNL     float64
	WorstPNL    float64
	AvgDuration time.Duration
}

// Summary computes the aggregate over all recorded trades.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{TradeCount: len(t.trades)}
	if s.TradeCount == 0 {
		return s
	}

	var totalDuration time.Duration
	s.BestPNL = t.trades[0].PNL
	s.WorstPNL = t.trades[0].PNL
	for _, trade := range t.trades {
		s.TotalPNL += trade.PNL
		if trade.PNL > 0 {
			s.Wins++
		} else {
			s.Losses++
		}
		if trade.PNL > s.BestPNL {
			s.BestPNL = trade.PNL
		}
		if trade.PNL < s.WorstPNL {
			s.WorstPNL = trade.PNL
		}
		totalDuration += trade.Duration()
	}
	s.WinRate = float64(s.Wins) / float64(s.TradeCount) * 100
	s.AvgPNL = s.TotalPNL / float64(s.TradeCount)
	s.AvgDuration = totalDuration / time.Duration(s.TradeCount)
	return s
}

// Format renders the summary as a human-readable block for logs and
// notifications.
func (t *Tracker) Format() string {
	s := t.Summary()
	if s.TradeCount == 0 {
		return "Session stats: no trades completed"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session stats: %d trades, %d wins / %d losses (%.1f%% win rate)\n",
		s.TradeCount, s.Wins, s.Losses, s.WinRate)
	fmt.Fprintf(&b, "Total PnL: %.4f (avg %.4f per trade)\n", s.TotalPNL, s.AvgPNL)
	fmt.Fprintf(&b, "Best: %.4f, worst: %.4f, avg duration: %s",
		s.BestPNL, s.WorstPNL, s.AvgDuration.Round(time.Second))
	return b.String()
}
