package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pullbackbot/internal/domain"
)

func TestCandleCSV_RoundTrip(t *testing.T) {
	opened := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	candles := []*domain.Candle{
		{
			OpenTime:  opened,
			CloseTime: opened.Add(15 * time.Minute),
			Symbol:    "BTCUSDC",
			Interval:  "15m",
			Open:      50000,
			High:      50120.5,
			Low:       49880.25,
			Close:     50090,
			Volume:    12.75,
			IsFinal:   true,
		},
		{
			OpenTime:  opened.Add(15 * time.Minute),
			CloseTime: opened.Add(30 * time.Minute),
			Symbol:    "BTCUSDC",
			Interval:  "15m",
			Open:      50090,
			High:      50300,
			Low:       50010,
			Close:     50210,
			Volume:    9.5,
			IsFinal:   true,
		},
	}

	path := filepath.Join(t.TempDir(), "candles.csv")
	require.NoError(t, WriteCandlesToCSV(candles, path))

	got, err := ReadCandlesFromCSV(path)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, candles[0], got[0])
	assert.Equal(t, candles[1], got[1])
	assert.True(t, got[0].OpenTime.Before(got[1].OpenTime))
}

func TestReadCandlesFromCSV_RejectsMalformedRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	content := "open_time,close_time,symbol,interval,open,high,low,close,volume\n" +
		"2025-03-14T09:00:00Z,2025-03-14T09:15:00Z,BTCUSDC,15m,not-a-price,50120,49880,50090,12.75\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := ReadCandlesFromCSV(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 2")
	assert.Contains(t, err.Error(), "open")
}

func TestReadCandlesFromCSV_RejectsMissingHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "headless.csv")
	content := "2025-03-14T09:00:00Z,2025-03-14T09:15:00Z,BTCUSDC,15m,50000,50120,49880,50090,12.75\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := ReadCandlesFromCSV(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing candle header")
}

func TestReadCandlesFromCSV_MissingFile(t *testing.T) {
	_, err := ReadCandlesFromCSV(filepath.Join(t.TempDir(), "absent.csv"))
	require.Error(t, err)
}
