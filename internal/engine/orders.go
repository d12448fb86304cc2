package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradebot/internal/domain"
	"tradebot/internal/events"
	"tradebot/internal/risk"
)

func rejected(err error) bool {
	var r *risk.Rejection
	return errors.As(err, &r)
}

// SubmitOrder validates a manual order against risk rules and then forwards
// it to the broker for execution. Market orders are checked at the last seen
// price.
func (e *Engine) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	order.Symbol = strings.ToUpper(order.Symbol)
	if order.Type == "" {
		order.Type = domain.OrderTypeMarket
	}
	price := order.LimitPrice
	if order.Type == domain.OrderTypeMarket {
		var ok bool
		if price, ok = e.LastPrice(order.Symbol); !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoPrice, order.Symbol)
		}
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = order.ID
	}
	order.Status = domain.OrderStatusNew
	if order.Reason == "" {
		order.Reason = "manual"
	}
	return e.submit(ctx, order, price)
}

// submit runs the risk check, sends the order and books any fill. A risk
// rejection is persisted and returned as a *risk.Rejection.
func (e *Engine) submit(ctx context.Context, order *domain.Order, price float64) (*domain.Order, error) {
	now := time.Now().UTC()
	order.CreatedAt, order.UpdatedAt = now, now

	if e.risk != nil {
		acct, err := e.broker.GetAccount(ctx)
		if err != nil {
			return nil, fmt.Errorf("risk check %s: %w", order.Symbol, err)
		}
		if err := e.risk.CheckOrder(ctx, order, price, acct, e.positionList()); err != nil {
			e.reject(ctx, order, err.Error())
			e.checkHalt()
			return order, err
		}
	}

	placed, err := e.broker.SubmitOrder(ctx, order)
	if err != nil {
		e.reject(ctx, order, err.Error())
		return nil, fmt.Errorf("submitting %s %s: %w", order.Side, order.Symbol, err)
	}
	if placed.ID == "" {
		placed.ID = order.ID
	}
	if err := e.orders.SaveOrder(ctx, placed); err != nil {
		e.log.Warn("saving order", "id", placed.ID, "error", err)
	}
	if placed.Status == domain.OrderStatusRejected {
		e.log.Warn("broker rejected order", "symbol", placed.Symbol, "reason", placed.Reason)
		e.publish(events.Event{Type: events.OrderRejected, Symbol: placed.Symbol, Message: placed.Reason, Payload: placed})
		return placed, nil
	}

	e.log.Info("order placed", "symbol", placed.Symbol, "side", placed.Side, "qty", placed.Qty,
		"status", placed.Status, "strategy", placed.StrategyID, "reason", placed.Reason)
	e.publish(events.Event{Type: events.OrderSubmitted, Symbol: placed.Symbol,
		Message: fmt.Sprintf("%s %g %s", placed.Side, placed.Qty, placed.Symbol), Payload: placed})

	if placed.FilledQty > 0 {
		if err := e.applyFill(ctx, placed, price); err != nil {
			return placed, err
		}
	}
	return placed, nil
}

func (e *Engine) reject(ctx context.Context, order *domain.Order, reason string) {
	order.Status = domain.OrderStatusRejected
	order.Reason = reason
	if err := e.orders.SaveOrder(ctx, order); err != nil {
		e.log.Warn("saving rejected order", "id", order.ID, "error", err)
	}
	e.log.Warn("order rejected", "symbol", order.Symbol, "side", order.Side, "qty", order.Qty, "reason", reason)
	e.publish(events.Event{Type: events.OrderRejected, Symbol: order.Symbol, Message: reason, Payload: order})
}

// applyFill books the filled quantity of o: it reduces or closes an
// opposite position first, producing one ClosedTrade, and opens or adds
// with the remainder.
func (e *Engine) applyFill(ctx context.Context, o *domain.Order, fallbackPrice float64) error {
	sym := o.Symbol
	mult := e.instrument(sym).PointValue()
	qty := o.FilledQty
	price := o.FilledAvgPrice
	if price <= 0 {
		price = fallbackPrice
	}
	now := o.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	dir := 1.0
	side := domain.PositionSideLong
	if o.Side == domain.OrderSideSell {
		dir = -1
		side = domain.PositionSideShort
	}

	e.mu.Lock()
	pos := e.book[sym]
	var trade *domain.ClosedTrade
	if pos != nil && pos.Side.Sign() != dir {
		closeQty := min(qty, pos.Qty)
		trade = closedTrade(pos, closeQty, price, mult, now)
		if trade.StrategyID == "" {
			trade.StrategyID = o.StrategyID
		}
		pos.Qty -= closeQty
		pos.UpdatedAt = now
		qty -= closeQty
		if pos.Qty <= 0 {
			delete(e.book, sym)
			pos = nil
		}
	}
	if qty > 0 {
		if pos == nil {
			pos = &domain.Position{
				Symbol:        sym,
				Qty:           qty,
				Side:          side,
				AvgEntryPrice: price,
				Multiplier:    mult,
				StrategyID:    o.StrategyID,
				OpenedAt:      now,
				UpdatedAt:     now,
			}
			e.book[sym] = pos
		} else {
			pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Qty + price*qty) / (pos.Qty + qty)
			pos.Qty += qty
			pos.UpdatedAt = now
		}
	}
	var snapshot *domain.Position
	if pos != nil {
		cp := *pos
		snapshot = &cp
	}
	e.mu.Unlock()

	if snapshot != nil {
		if err := e.positions.SavePosition(ctx, snapshot); err != nil {
			return fmt.Errorf("saving position %s: %w", sym, err)
		}
	} else if err := e.positions.DeletePosition(ctx, sym); err != nil {
		return fmt.Errorf("deleting position %s: %w", sym, err)
	}

	if trade != nil {
		return e.recordTrade(ctx, trade)
	}
	return nil
}

// closedTrade books qty of pos as a round trip exiting at price.
func closedTrade(pos *domain.Position, qty, price, mult float64, now time.Time) *domain.ClosedTrade {
	return &domain.ClosedTrade{
		Symbol:     pos.Symbol,
		StrategyID: pos.StrategyID,
		Side:       pos.Side,
		Qty:        qty,
		EntryPrice: pos.AvgEntryPrice,
		ExitPrice:  price,
		EntryTime:  pos.OpenedAt,
		ExitTime:   now,
		PnL:        pos.Side.Sign() * (price - pos.AvgEntryPrice) * qty * mult,
	}
}

// recordTrade persists a closed trade and feeds its P&L to the risk manager.
func (e *Engine) recordTrade(ctx context.Context, trade *domain.ClosedTrade) error {
	if err := e.trades.SaveTrade(ctx, trade); err != nil {
		return fmt.Errorf("saving trade %s: %w", trade.Symbol, err)
	}
	if e.risk != nil {
		e.risk.RecordPnL(trade.PnL)
	}
	e.log.Info("trade closed", "symbol", trade.Symbol, "side", trade.Side, "qty", trade.Qty, "pnl", trade.PnL)
	e.publish(events.Event{Type: events.TradeClosed, Symbol: trade.Symbol,
		Message: fmt.Sprintf("%s %s closed, P&L %.2f", trade.Symbol, trade.Side, trade.PnL), Payload: trade})
	e.markUnrealized()
	return nil
}

// CancelOrder requests cancellation of an open order.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	o, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", orderID, err)
	}
	if !o.Status.Open() {
		return fmt.Errorf("cancel %s: order is %s", orderID, o.Status)
	}
	if err := e.broker.CancelOrder(ctx, orderID); err != nil {
		return fmt.Errorf("cancel %s: %w", orderID, err)
	}
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = time.Now().UTC()
	return e.orders.UpdateOrder(ctx, o)
}

// Flatten closes every open position with market orders, regardless of
// pause. It returns the number of closing orders placed.
func (e *Engine) Flatten(ctx context.Context) (int, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	var errs []error
	n := 0
	for _, p := range e.positionList() {
		side := domain.OrderSideSell
		if p.Side == domain.PositionSideShort {
			side = domain.OrderSideBuy
		}
		price, ok := e.LastPrice(p.Symbol)
		if !ok {
			price = p.AvgEntryPrice
		}
		if _, err := e.submit(ctx, e.newOrder(p.Symbol, p.StrategyID, p.Qty, side, "flatten"), price); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	e.log.Warn("flatten", "orders", n, "errors", len(errs))
	return n, errors.Join(errs...)
}

// Reconcile replaces the book with the broker's positions, keeping local
// strategy attribution where the side matches. Local quantity the broker no
// longer holds is booked as a closed trade at the last price, or at the entry
// price when no price has been seen.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	remote, err := e.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	now := time.Now().UTC()

	e.mu.Lock()
	next := make(map[string]*domain.Position, len(remote))
	for i := range remote {
		p := remote[i]
		p.Symbol = strings.ToUpper(p.Symbol)
		if local, ok := e.book[p.Symbol]; ok && local.Side == p.Side {
			p.StrategyID = local.StrategyID
			p.OpenedAt = local.OpenedAt
		}
		if p.OpenedAt.IsZero() {
			p.OpenedAt = now
		}
		p.UpdatedAt = now
		next[p.Symbol] = &p
	}
	var gone []string
	var trades []*domain.ClosedTrade
	for sym, local := range e.book {
		closed := local.Qty
		r, ok := next[sym]
		if !ok {
			gone = append(gone, sym)
		} else if r.Side == local.Side {
			closed = local.Qty - r.Qty
		}
		if closed <= 0 {
			continue
		}
		price, seen := e.prices[sym]
		if !seen {
			price = local.AvgEntryPrice
		}
		mult := local.Multiplier
		if mult == 0 {
			mult = 1
		}
		trades = append(trades, closedTrade(local, closed, price, mult, now))
	}
	e.book = next
	saved := make([]domain.Position, 0, len(next))
	for _, p := range next {
		saved = append(saved, *p)
	}
	e.mu.Unlock()

	for i := range saved {
		if err := e.positions.SavePosition(ctx, &saved[i]); err != nil {
			return fmt.Errorf("reconcile save %s: %w", saved[i].Symbol, err)
		}
	}
	for _, sym := range gone {
		if err := e.positions.DeletePosition(ctx, sym); err != nil {
			return fmt.Errorf("reconcile delete %s: %w", sym, err)
		}
	}
	if len(gone) > 0 {
		e.log.Warn("positions closed at broker", "symbols", gone)
	}
	var errs []error
	for _, t := range trades {
		if err := e.recordTrade(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
