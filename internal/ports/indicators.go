package ports

import "context"

// TrendStrength is a directional-movement reading: the ADX trend intensity
// plus its positive and negative components.
type TrendStrength struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// IndicatorClient defines the interface for an external technical-indicator provider.
type IndicatorClient interface {
	// GetOscillator retrieves the oscillator reading (RSI family) driving
	// entry detection.
	GetOscillator(ctx context.Context, symbol string, period int) (float64, error)

	// GetVolatility retrieves the volatility reading (ATR family) used by
	// the adaptive stop.
	GetVolatility(ctx context.Context, symbol string, period int, interval string) (float64, error)

	// GetTrendStrength retrieves the directional-movement reading used to
	// veto entries into a falling market.
	GetTrendStrength(ctx context.Context, symbol string, period int, interval string) (*TrendStrength, error)

	// GetWilliamsR retrieves the Williams %R reading used as an entry range filter.
	GetWilliamsR(ctx context.Context, symbol string, period int, interval string) (float64, error)
}
