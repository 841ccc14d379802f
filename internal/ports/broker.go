package ports

import (
	"context"

	"github.com/alejandrodnm/exitbot/internal/domain"
)

// OrderCloser is the slice of the broker the portfolio manager needs.
type OrderCloser interface {
	// ClosePosition sells qty of the held symbol at market and returns the
	// acknowledged order. The order status arrives later through the stream.
	ClosePosition(ctx context.Context, symbol string, qty int) (domain.Order, error)
}

// Broker is the brokerage collaborator consumed by the orchestrator.
type Broker interface {
	OrderCloser

	// Connect verifies credentials and starts the streaming sessions.
	Connect(ctx context.Context) error

	// SubscribeOrderStatus registers a handler for trade updates. The handler
	// runs on the stream goroutine and must not block.
	SubscribeOrderStatus(handler func(domain.OrderUpdate))

	// SubscribeQuotes registers a handler for quotes of the given symbols.
	// Same non-blocking contract as SubscribeOrderStatus.
	SubscribeQuotes(handler func(domain.Quote), symbols ...string) error

	PlaceMarketOrder(ctx context.Context, symbol string, qty int, side domain.Side) (domain.Order, error)

	// CloseAllPositions liquidates every open position and cancels open orders.
	CloseAllPositions(ctx context.Context) error

	// GetOpenPosition returns domain.ErrNoPosition when the symbol is not held.
	GetOpenPosition(ctx context.Context, symbol string) (domain.Position, error)

	// GetOrder fetches the current state of an order. Used as a fallback
	// when the stream missed a status event.
	GetOrder(ctx context.Context, orderID string) (domain.OrderUpdate, error)

	GetOptionContract(ctx context.Context, symbol string) (domain.OptionContract, error)

	GetOptionsTradingLevel(ctx context.Context) (int, error)

	// Close stops the streams.
	Close() error
}
