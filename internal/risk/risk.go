// Package risk enforces pre-trade limits and sizes positions.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tradebot/internal/domain"
)

// Sentinel reasons carried by a Rejection.
var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrMaxPosition      = errors.New("position size limit")
	ErrMaxOpenPositions = errors.New("open positions limit")
	ErrGrossExposure    = errors.New("gross exposure limit")
	ErrHalted           = errors.New("trading halted: daily loss limit")
)

// Limits are the hard pre-trade constraints. Percentages are fractions of
// equity (0.10 means 10%). Zero disables a limit.
type Limits struct {
	MaxPositionPct      float64
	MaxDailyLossPct     float64
	MaxOpenPositions    int
	MaxGrossExposurePct float64
}

// Rejection is returned by CheckOrder when an order breaches a limit.
type Rejection struct {
	Reason error
	Symbol string
	Limit  float64
	Value  float64
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk rejected %s: %v (value %.2f, limit %.2f)", r.Symbol, r.Reason, r.Value, r.Limit)
}

func (r *Rejection) Unwrap() error { return r.Reason }

// Manager tracks the day's P&L against the start-of-day equity and checks
// orders against Limits. It is safe for concurrent use.
type Manager struct {
	limits Limits
	logger *slog.Logger

	mu          sync.Mutex
	instruments map[string]domain.Instrument
	startEquity float64
	realized    float64
	unrealized  float64
	halted      bool
}

// NewManager creates a Manager with the given limits.
func NewManager(limits Limits, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		limits:      limits,
		logger:      logger.With("component", "risk"),
		instruments: make(map[string]domain.Instrument),
	}
}

// Limits returns the configured limits.
func (m *Manager) Limits() Limits { return m.limits }

// SetInstruments registers contract specs used to compute futures exposure.
func (m *Manager) SetInstruments(insts []domain.Instrument) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range insts {
		m.instruments[strings.ToUpper(inst.Symbol)] = inst
	}
}

// ResetDay starts a new trading day with the given equity as baseline and
// lifts any halt.
func (m *Manager) ResetDay(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startEquity = equity
	m.realized = 0
	m.unrealized = 0
	if m.halted {
		m.logger.Info("daily loss halt lifted", "equity", equity)
	}
	m.halted = false
}

// RecordPnL adds realised P&L from a closed trade.
func (m *Manager) RecordPnL(realized float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realized += realized
	m.evaluateLocked(0)
}

// MarkUnrealized replaces the current open P&L estimate.
func (m *Manager) MarkUnrealized(unrealized float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealized = unrealized
	m.evaluateLocked(0)
}

// DailyPnL returns realised plus unrealised P&L since ResetDay.
func (m *Manager) DailyPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realized + m.unrealized
}

// StartEquity returns the baseline set by the last ResetDay.
func (m *Manager) StartEquity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startEquity
}

// Halted reports whether the daily loss limit has been hit.
func (m *Manager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// evaluateLocked latches the halt once the day's loss crosses the limit.
// brokerPnL, when non-zero, is the broker-reported day P&L; the worse of the
// two figures is used.
func (m *Manager) evaluateLocked(brokerPnL float64) {
	if m.halted || m.limits.MaxDailyLossPct <= 0 || m.startEquity <= 0 {
		return
	}
	pnl := m.realized + m.unrealized
	if brokerPnL != 0 && brokerPnL < pnl {
		pnl = brokerPnL
	}
	if -pnl >= m.limits.MaxDailyLossPct*m.startEquity {
		m.halted = true
		m.logger.Warn("daily loss limit hit, halting new exposure",
			"pnl", pnl, "start_equity", m.startEquity, "limit_pct", m.limits.MaxDailyLossPct)
	}
}

// exposureLocked returns the capital at risk for qty units of symbol. Futures
// with a known margin use margin; everything else uses notional.
func (m *Manager) exposureLocked(symbol string, qty, price, multiplier float64) float64 {
	if inst, ok := m.instruments[strings.ToUpper(symbol)]; ok {
		if inst.IsFuture() && inst.MarginPerContract > 0 {
			return qty * inst.MarginPerContract
		}
		multiplier = inst.PointValue()
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	return qty * price * multiplier
}

// CheckOrder evaluates whether the proposed order complies with the
// configured risk limits given the current account state. Orders that only
// reduce an existing position are always allowed. The returned error is a
// *Rejection when a limit is breached.
func (m *Manager) CheckOrder(_ context.Context, order *domain.Order, price float64, account *domain.AccountInfo, positions []domain.Position) error {
	if order == nil || order.Qty <= 0 || order.Symbol == "" {
		return &Rejection{Reason: ErrInvalidOrder}
	}
	if price <= 0 {
		return &Rejection{Reason: ErrInvalidOrder, Symbol: order.Symbol, Value: price}
	}

	var existing *domain.Position
	open := 0
	for i := range positions {
		if positions[i].Qty <= 0 {
			continue
		}
		open++
		if strings.EqualFold(positions[i].Symbol, order.Symbol) {
			existing = &positions[i]
		}
	}

	// Split the order into the part that reduces and the part that opens.
	opening := order.Qty
	held := 0.0
	mult := 1.0
	if existing != nil {
		mult = existing.Multiplier
		reduces := (existing.Side == domain.PositionSideLong && order.Side == domain.OrderSideSell) ||
			(existing.Side == domain.PositionSideShort && order.Side == domain.OrderSideBuy)
		if reduces {
			opening = order.Qty - existing.Qty
		} else {
			held = existing.Qty
		}
	}
	if opening <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	brokerPnL := 0.0
	if account != nil {
		brokerPnL = account.DayPnL
	}
	m.evaluateLocked(brokerPnL)
	if m.halted {
		return &Rejection{Reason: ErrHalted, Symbol: order.Symbol, Limit: m.limits.MaxDailyLossPct * m.startEquity, Value: -(m.realized + m.unrealized)}
	}

	equity := m.startEquity
	if account != nil && account.Equity > 0 {
		equity = account.Equity
	}
	if equity <= 0 {
		return &Rejection{Reason: ErrInvalidOrder, Symbol: order.Symbol}
	}

	if m.limits.MaxOpenPositions > 0 && existing == nil && open >= m.limits.MaxOpenPositions {
		return &Rejection{Reason: ErrMaxOpenPositions, Symbol: order.Symbol, Limit: float64(m.limits.MaxOpenPositions), Value: float64(open + 1)}
	}

	posExposure := m.exposureLocked(order.Symbol, held+opening, price, mult)
	if m.limits.MaxPositionPct > 0 {
		limit := m.limits.MaxPositionPct * equity
		if posExposure > limit {
			return &Rejection{Reason: ErrMaxPosition, Symbol: order.Symbol, Limit: limit, Value: posExposure}
		}
	}

	if m.limits.MaxGrossExposurePct > 0 {
		gross := m.exposureLocked(order.Symbol, opening, price, mult)
		for _, p := range positions {
			if p.Qty <= 0 {
				continue
			}
			// Positions are valued at entry; only the order symbol has a live price here.
			px := p.AvgEntryPrice
			if strings.EqualFold(p.Symbol, order.Symbol) {
				if existing != nil && held == 0 {
					// Reversal: the old side is being closed.
					continue
				}
				px = price
			}
			gross += m.exposureLocked(p.Symbol, p.Qty, px, p.Multiplier)
		}
		limit := m.limits.MaxGrossExposurePct * equity
		if gross > limit {
			return &Rejection{Reason: ErrGrossExposure, Symbol: order.Symbol, Limit: limit, Value: gross}
		}
	}
	return nil
}
