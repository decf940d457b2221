package indicators

import (
	"context"
	"testing"

	"pullbackbot/internal/domain"
)

func TestATR_Calculate(t *testing.T) {
	tests := []struct {
		name          string
		config        ATRConfig
		candles       []*domain.Candle
		expectedValue float64
		expectError   bool
	}{
		{
			name:   "Gaps widen the true range",
			config: ATRConfig{IndicatorConfig: IndicatorConfig{Period: 2}},
			candles: []*domain.Candle{
				{High: 10, Low: 8, Close: 9},
				{High: 11, Low: 9, Close: 10},
				{High: 12, Low: 9, Close: 11},
				{High: 11, Low: 10, Close: 10.5},
			},
			expectedValue: 1.75,
		},
		{
			name:   "Flat candles have zero range",
			config: ATRConfig{IndicatorConfig: IndicatorConfig{Period: 2}},
			candles: []*domain.Candle{
				{High: 5, Low: 5, Close: 5},
				{High: 5, Low: 5, Close: 5},
				{High: 5, Low: 5, Close: 5},
			},
			expectedValue: 0,
		},
		{
			name:   "Not enough data",
			config: ATRConfig{IndicatorConfig: IndicatorConfig{Period: 2}},
			candles: []*domain.Candle{
				{High: 10, Low: 8, Close: 9},
				{High: 11, Low: 9, Close: 10},
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			atr := NewATR(tt.config)
			value, err := atr.Calculate(context.Background(), tt.candles)

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
				t.Errorf("Expected ATR %v, got %v", tt.expectedValue, value)
			}
		})
	}
}
