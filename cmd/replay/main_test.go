package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pullbackbot/config"
	"pullbackbot/internal/domain"
)

func testSimConfig(t *testing.T) simConfig {
	t.Helper()
	entry, err := config.DefaultEntryTiers()
	require.NoError(t, err)
	exit, err := config.DefaultExitTiers()
	require.NoError(t, err)
	return simConfig{
		entryTiers: entry,
		exitTiers:  exit,
		rsiPeriod:  4,
		confirm:    3,
		distinct:   true,
		quantity:   1.0,
		adaptive:   true,
		atrPeriod:  4,
		atrMult:    1.8,
	}
}

func candleSeries(t *testing.T, closes []float64) []*domain.Candle {
	t.Helper()
	start := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	candles := make([]*domain.Candle, len(closes))
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		candles[i] = &domain.Candle{
			OpenTime:  start.Add(time.Duration(i) * time.Minute),
			CloseTime: start.Add(time.Duration(i+1) * time.Minute),
			Symbol:    "BTCUSDC",
			Interval:  "1m",
			Open:      open,
			High:      max(open, c) * 1.001,
			Low:       min(open, c) * 0.999,
			Close:     c,
			Volume:    1,
			IsFinal:   true,
		}
	}
	return candles
}

// A series that only ever gains keeps the oscillator away from the entry
// ladder, so the replay must stay flat.
func TestRun_SteadyRallyProducesNoTrades(t *testing.T) {
	closes := make([]float64, 0, 30)
	price := 100.0
	for i := 0; i < 30; i++ {
		closes = append(closes, price)
		price *= 1.005
	}

	res, err := run(candleSeries(t, closes), testSimConfig(t))
	require.NoError(t, err)

	assert.Greater(t, res.samples, 0)
	assert.Empty(t, res.trades)
	assert.Nil(t, res.openAtEnd)
	assert.Equal(t, 0, res.tracker.Summary().TradeCount)
}

// pullbackCloses crashes hard (oscillator pinned at the ladder floor),
// recovers far enough to confirm an entry, rallies, then breaks sharply so
// the ratcheted tiered stop liquidates in profit.
func pullbackCloses() []float64 {
	closes := []float64{100}
	price := 100.0
	for i := 0; i < 20; i++ {
		price *= 0.99
		closes = append(closes, price)
	}
	for i := 0; i < 15; i++ {
		price *= 1.01
		closes = append(closes, price)
	}
	price *= 0.95
	closes = append(closes, price, price, price)
	return closes
}

func TestRun_PullbackEntersAndTieredStopCloses(t *testing.T) {
	res, err := run(candleSeries(t, pullbackCloses()), testSimConfig(t))
	require.NoError(t, err)

	require.Len(t, res.trades, 1)
	trade := res.trades[0]
	assert.Equal(t, domain.CloseReasonTieredStop, trade.CloseReason)
	assert.Greater(t, trade.ExitPrice, trade.EntryPrice)
	assert.Greater(t, trade.PNL, 0.0)
	assert.True(t, trade.ClosedAt.After(trade.OpenedAt))
	assert.Nil(t, res.openAtEnd)

	summary := res.tracker.Summary()
	assert.Equal(t, 1, summary.TradeCount)
	assert.Equal(t, 1, summary.Wins)
}

// Without the final break the rally keeps making fresh highs, so the
// position is still open when the data runs out.
func TestRun_PositionLeftOpenAtEndOfData(t *testing.T) {
	closes := []float64{100}
	price := 100.0
	for i := 0; i < 20; i++ {
		price *= 0.99
		closes = append(closes, price)
	}
	for i := 0; i < 15; i++ {
		price *= 1.01
		closes = append(closes, price)
	}

	res, err := run(candleSeries(t, closes), testSimConfig(t))
	require.NoError(t, err)

	assert.Empty(t, res.trades)
	require.NotNil(t, res.openAtEnd)
	assert.Equal(t, "BTCUSDC", res.openAtEnd.Symbol)
	// The rally carried the price above the fill, so the open position shows
	// an unrealized gain at the final close.
	assert.Greater(t, res.openAtEnd.ProfitAt(res.lastClose), 0.0)
}

func TestExitLadderSelection(t *testing.T) {
	standard, err := exitLadder("standard")
	require.NoError(t, err)
	assert.Equal(t, 12, standard.Len())

	vigilance, err := exitLadder("vigilance")
	require.NoError(t, err)
	assert.Equal(t, 11, vigilance.Len())

	_, err = exitLadder("loose")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown ladder")
}
