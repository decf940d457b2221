package ports

import (
	"context"

	"pullbackbot/internal/domain"
)

// TradeJournal appends completed trades to a durable journal (e.g. a CSV
// file) for offline analysis. Delivery failures must not block trading.
type TradeJournal interface {
	Append(ctx context.Context, trade domain.Trade) error
}
