package ports

import "context"

// Notifier delivers operator-facing event messages (e.g. to a chat channel).
// Implementations must never let a delivery failure block trading.
type Notifier interface {
	Send(ctx context.Context, message string) error
}
