package ports

import (
	"context"
	"time"

	"pullbackbot/internal/domain"
)

// Ticker is a point-in-time book snapshot for one symbol.
type Ticker struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
}

// OrderResponse represents the essential details returned for an order.
type OrderResponse struct {
	OrderID       int64              // Exchange's order ID
	Symbol        string             // Symbol for the order
	ClientOrderID string             // User-defined order ID
	Price         float64            // Limit price of the order
	AvgPrice      float64            // Average filled price
	OrigQuantity  float64            // Original quantity requested
	ExecutedQty   float64            // Quantity filled
	Status        domain.OrderStatus // Exchange-reported status
	TimeInForce   string             // Time in force (e.g., GTC, IOC, FOK)
	Type          string             // Order type (e.g., MARKET, LIMIT)
	Side          domain.OrderSide   // Order side (BUY, SELL)
	Timestamp     time.Time          // Time the order response was generated
}

// IsFilled reports whether the order is fully executed.
func (o *OrderResponse) IsFilled() bool {
	return o.Status == domain.OrderStatusFilled ||
		(o.OrigQuantity > 0 && o.ExecutedQty >= o.OrigQuantity)
}

// ExchangeClient defines the interface for interacting with a spot exchange.
// This abstraction allows decoupling the core bot logic from specific exchange implementations.
type ExchangeClient interface {
	// SetServerTime synchronizes the client's time with the server's time.
	SetServerTime(ctx context.Context) error

	// Ping checks the connectivity to the exchange API.
	Ping(ctx context.Context) error

	// GetServerTime retrieves the current server time from the exchange.
	GetServerTime(ctx context.Context) (time.Time, error)

	// FetchTicker retrieves the current best bid/ask and last trade price.
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)

	// FetchBalance retrieves the free balance for a specific asset (e.g., "USDC").
	FetchBalance(ctx context.Context, asset string) (float64, error)

	// FetchOHLCV retrieves historical candlestick data for the given symbol.
	FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]*domain.Candle, error)

	// CreateLimitOrder places a GTC limit order. Quantity and price are
	// pre-formatted to the symbol's precision.
	CreateLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price string) (*OrderResponse, error)

	// FetchOrderStatus retrieves the current state of an order by its ID.
	FetchOrderStatus(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error)

	// CancelOrder cancels an existing open order by its ID. Cancelling an
	// order the exchange no longer tracks wraps ErrOrderNotFound.
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
}
