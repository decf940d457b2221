package indicators

import (
	"context"
	"testing"

	"pullbackbot/internal/domain"
)

func candlesFromCloses(closes []float64) []*domain.Candle {
	candles := make([]*domain.Candle, len(closes))
	for i, c := range closes {
		candles[i] = &domain.Candle{Open: c, High: c, Low: c, Close: c}
	}
	return candles
}

func TestRSI_Calculate(t *testing.T) {
	tests := []struct {
		name          string
		config        RSIConfig
		closes        []float64
		expectedValue float64
		expectError   bool
	}{
		{
			name:          "Only gains",
			config:        RSIConfig{IndicatorConfig: IndicatorConfig{Period: 3}},
			closes:        []float64{1, 2, 3, 4, 5},
			expectedValue: 100,
		},
		{
			name:          "Only losses",
			config:        RSIConfig{IndicatorConfig: IndicatorConfig{Period: 3}},
			closes:        []float64{5, 4, 3, 2, 1},
			expectedValue: 0,
		},
		{
			name:          "No change is neutral",
			config:        RSIConfig{IndicatorConfig: IndicatorConfig{Period: 3}},
			closes:        []float64{2, 2, 2, 2},
			expectedValue: 50,
		},
		{
			name:          "Mixed moves with smoothing",
			config:        RSIConfig{IndicatorConfig: IndicatorConfig{Period: 2}},
			closes:        []float64{10, 11, 10.5, 11.5},
			expectedValue: 85.7143,
		},
		{
			name:        "Not enough data",
			config:      RSIConfig{IndicatorConfig: IndicatorConfig{Period: 3}},
			closes:      []float64{1, 2, 3},
			expectError: true,
		},
		{
			name:        "Empty input",
			config:      RSIConfig{IndicatorConfig: IndicatorConfig{Period: 3}},
			closes:      nil,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rsi := NewRSI(tt.config)
			value, err := rsi.Calculate(context.Background(), candlesFromCloses(tt.closes))

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}
			if value-tt.expectedValue > 0.0001 || value-tt.expectedValue < -0.0001 {
				t.Errorf("Expected RSI %v, got %v", tt.expectedValue, value)
			}
		})
	}
}

func TestRSI_RequiredDataPoints(t *testing.T) {
	rsi := NewRSI(RSIConfig{IndicatorConfig: IndicatorConfig{Period: 4}})
	if got := rsi.RequiredDataPoints(); got != 4 {
		t.Errorf("Expected 4, got %d", got)
	}
	if rsi.Name() != "RSI" {
		t.Errorf("Expected name RSI, got %s", rsi.Name())
	}
}
