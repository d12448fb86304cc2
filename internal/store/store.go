// Package store defines storage interfaces for persisting and retrieving
// domain objects such as bars, orders, positions, signals, closed trades,
// backtest results and strategy assignments.
package store

import (
	"context"
	"errors"
	"time"

	"tradebot/internal/backtest"
	"tradebot/internal/domain"
	"tradebot/internal/selection"
	"tradebot/internal/shadow"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars under the given market.
	WriteBars(ctx context.Context, market domain.Market, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end].
	ReadBars(ctx context.Context, symbol string, market domain.Market, start, end time.Time) ([]domain.Bar, error)

	// RecentBars returns up to n of the latest bars strictly before before.
	RecentBars(ctx context.Context, symbol string, market domain.Market, n int, before time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market domain.Market) ([]string, error)
}

// EquityStore archives backtest equity curves.
type EquityStore interface {
	WriteEquity(ctx context.Context, runID string, points []backtest.EquityPoint) error
	ReadEquity(ctx context.Context, runID string) ([]backtest.EquityPoint, error)
}

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// SaveOrder inserts a new order into storage.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrders returns orders matching status, newest first. An empty
	// status matches every order.
	ListOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error)

	// UpdateOrder persists changes to an existing order.
	UpdateOrder(ctx context.Context, order *domain.Order) error
}

// PositionStore persists and retrieves position records.
type PositionStore interface {
	// SavePosition inserts or updates a position for a symbol.
	SavePosition(ctx context.Context, pos *domain.Position) error

	// GetPosition retrieves the current position for a symbol.
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)

	// ListPositions returns all open positions.
	ListPositions(ctx context.Context) ([]domain.Position, error)

	// DeletePosition removes the position for a symbol.
	DeletePosition(ctx context.Context, symbol string) error
}

// SignalStore persists and retrieves trading signals.
type SignalStore interface {
	// SaveSignal inserts a new signal into storage and sets its ID.
	SaveSignal(ctx context.Context, signal *domain.Signal) error

	// ListSignals returns the most recent signals for a strategy, up to
	// limit. An empty strategyID matches every strategy.
	ListSignals(ctx context.Context, strategyID string, limit int) ([]domain.Signal, error)
}

// TradeFilter narrows ListTrades.
type TradeFilter struct {
	Symbol string
	Since  time.Time
	Shadow *bool
	Limit  int
}

// TradeStore persists closed round-trip trades.
type TradeStore interface {
	// SaveTrade inserts a closed trade and sets its ID.
	SaveTrade(ctx context.Context, trade *domain.ClosedTrade) error

	// ListTrades returns trades matching f, newest exit first.
	ListTrades(ctx context.Context, f TradeFilter) ([]domain.ClosedTrade, error)
}

// BacktestStore persists backtest results. The equity curve is not kept.
type BacktestStore interface {
	SaveResult(ctx context.Context, r *backtest.Result) error
	GetResult(ctx context.Context, id string) (*backtest.Result, error)
	ListResults(ctx context.Context, symbol string, limit int) ([]backtest.Result, error)
}

// AssignmentStore persists strategy assignments.
type AssignmentStore interface {
	ListAssignments(ctx context.Context) ([]selection.Assignment, error)
	SaveAssignment(ctx context.Context, a selection.Assignment) error
	ReplaceAssignments(ctx context.Context, as []selection.Assignment) error
}

// ShadowStore persists shadow portfolio snapshots.
type ShadowStore interface {
	SaveSnapshot(ctx context.Context, s shadow.Snapshot) error
	ListSnapshots(ctx context.Context) ([]shadow.Snapshot, error)
}

// EarningsStore persists scheduled earnings dates.
type EarningsStore interface {
	SaveEarnings(ctx context.Context, events []domain.EarningsEvent) error
	ListEarnings(ctx context.Context, from, to time.Time) ([]domain.EarningsEvent, error)
	EarningsFor(ctx context.Context, symbol string) ([]domain.EarningsEvent, error)
}

// Compile-time checks that the stores satisfy the consumers' interfaces.
var (
	_ backtest.ResultSink = BacktestStore(nil)
	_ shadow.Store        = ShadowStore(nil)
)
