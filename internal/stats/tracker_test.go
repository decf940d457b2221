package stats

import (
	"strings"
	"testing"
	"time"

	"pullbackbot/internal/domain"
)

func testTrade(pnl float64, duration time.Duration) domain.Trade {
	opened := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return domain.Trade{
		Symbol:   "BTCUSDC",
		PNL:      pnl,
		OpenedAt: opened,
		ClosedAt: opened.Add(duration),
	}
}

func TestTracker_EmptySummary(t *testing.T) {
	tr := NewTracker()
	s := tr.Summary()
	if s.TradeCount != 0 || s.TotalPNL != 0 || s.WinRate != 0 {
		t.Errorf("Expected zero summary, got %+v", s)
	}
	if got := tr.Format(); !strings.Contains(got, "no trades") {
		t.Errorf("Expected empty-session message, got %q", got)
	}
}

func TestTracker_Summary(t *testing.T) {
	tr := NewTracker()
	tr.Record(testTrade(5.0, 30*time.Minute))
	tr.Record(testTrade(-2.0, 10*time.Minute))
	tr.Record(testTrade(3.0, 20*time.Minute))

	s := tr.Summary()
	if s.TradeCount != 3 {
		t.Errorf("Expected 3 trades, got %d", s.TradeCount)
	}
	if s.Wins != 2 || s.Losses != 1 {
		t.Errorf("Expected 2 wins and 1 loss, got %d and %d", s.Wins, s.Losses)
	}
	if s.WinRate-66.6667 > 0.001 || s.WinRate-66.6667 < -0.001 {
		t.Errorf("Expected win rate near 66.67, got %v", s.WinRate)
	}
	if s.TotalPNL != 6.0 {
		t.Errorf("Expected total PnL 6.0, got %v", s.TotalPNL)
	}
	if s.AvgPNL != 2.0 {
		t.Errorf("Expected avg PnL 2.0, got %v", s.AvgPNL)
	}
	if s.BestPNL != 5.0 || s.WorstPNL != -2.0 {
		t.Errorf("Expected best 5.0 and worst -2.0, got %v and %v", s.BestPNL, s.WorstPNL)
	}
	if s.AvgDuration != 20*time.Minute {
		t.Errorf("Expected avg duration 20m, got %v", s.AvgDuration)
	}
}

func TestTracker_ZeroPNLCountsAsLoss(t *testing.T) {
	tr := NewTracker()
	tr.Record(testTrade(0, time.Minute))
	s := tr.Summary()
	if s.Wins != 0 || s.Losses != 1 {
		t.Errorf("Expected break-even to count as a loss, got %d wins %d losses", s.Wins, s.Losses)
	}
}

func TestTracker_Format(t *testing.T) {
	tr := NewTracker()
	tr.Record(testTrade(1.5, time.Hour))
	got := tr.Format()
	for _, want := range []string{"1 trades", "1 wins", "100.0% win rate", "1.5000"} {
		if !strings.Contains(got, want) {
			t.Errorf("Expected %q in formatted stats, got %q", want, got)
		}
	}
}
