// Package broker defines the Broker interface and provides implementations
// for executing orders and managing accounts across different brokerages.
package broker

import (
	"context"
	"errors"

	"tradebot/internal/domain"
)

// ErrOrderNotFound is returned when cancelling an unknown order.
var ErrOrderNotFound = errors.New("order not found")

// Broker abstracts brokerage operations for order execution and account management.
type Broker interface {
	// Name returns the broker identifier (e.g. "bridge", "alpaca", "simulator").
	Name() string

	// SubmitOrder sends an order to the brokerage for execution.
	SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)

	// CancelOrder requests cancellation of an open order by its ID.
	CancelOrder(ctx context.Context, orderID string) error

	// GetPositions returns all current positions held at the brokerage.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)
}

// EarningsProvider is implemented by brokers that can report upcoming
// earnings dates.
type EarningsProvider interface {
	Earnings(ctx context.Context, symbols []string) ([]domain.EarningsEvent, error)
}

// HealthChecker is implemented by brokers with a cheap liveness probe.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Marker is implemented by paper brokers that need the latest price to fill
// orders.
type Marker interface {
	Mark(symbol string, price float64)
}

// DayResetter is implemented by brokers that compute day P&L locally.
type DayResetter interface {
	ResetDay()
}

// positionFromSigned builds a Position from a signed quantity, or nil when
// flat.
func positionFromSigned(symbol string, qty, avg, multiplier float64) *domain.Position {
	if qty == 0 {
		return nil
	}
	p := &domain.Position{Symbol: symbol, Qty: qty, Side: domain.PositionSideLong, AvgEntryPrice: avg, Multiplier: multiplier}
	if qty < 0 {
		p.Qty = -qty
		p.Side = domain.PositionSideShort
	}
	return p
}
