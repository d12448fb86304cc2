package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"tradebot/internal/broker"
	"tradebot/internal/domain"
	"tradebot/internal/events"
	"tradebot/internal/indicator"
	"tradebot/internal/strategy"
)

// OnBar processes one completed bar:
//
//  1. feed the shadow tracker
//  2. run the live strategy for the symbol
//  3. turn the signal into close and open orders against the book
//  4. gate openings on the earnings blackout, size them, risk-check them
//  5. submit, then persist orders, signals, positions and closed trades
//
// Bars at or before the last processed timestamp for the symbol are ignored.
func (e *Engine) OnBar(ctx context.Context, bar domain.Bar) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	sym := strings.ToUpper(bar.Symbol)
	bar.Symbol = sym

	e.mu.Lock()
	if last, ok := e.lastBar[sym]; ok && !bar.Timestamp.After(last) {
		e.mu.Unlock()
		return nil
	}
	e.lastBar[sym] = bar.Timestamp
	e.prices[sym] = bar.Close
	r := e.runners[sym]
	paused := e.paused
	e.mu.Unlock()

	if m, ok := e.broker.(broker.Marker); ok {
		m.Mark(sym, bar.Close)
	}
	e.markUnrealized()

	if e.shadow != nil {
		closed, err := e.shadow.OnBar(ctx, bar)
		if err != nil {
			e.log.Warn("shadow update failed", "symbol", sym, "error", err)
		}
		for i := range closed {
			if err := e.trades.SaveTrade(ctx, &closed[i]); err != nil {
				e.log.Warn("saving shadow trade", "symbol", sym, "error", err)
			}
		}
	}

	if r == nil {
		return nil
	}
	r.window.Push(bar)

	sig, err := r.strat.OnBar(ctx, e.state(sym), bar)
	if err != nil {
		return fmt.Errorf("strategy %s on %s: %w", r.assignment.Strategy, sym, err)
	}
	if sig.Type == domain.SignalTypeNeutral || sig.Type == "" {
		return nil
	}
	sig.Symbol = sym
	sig.StrategyID = r.assignment.Strategy
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = bar.Timestamp
	}
	if err := e.signals.SaveSignal(ctx, &sig); err != nil {
		e.log.Warn("saving signal", "symbol", sym, "error", err)
	}
	e.publish(events.Event{Type: events.SignalEmitted, Time: bar.Timestamp, Symbol: sym, Message: string(sig.Type), Payload: sig})

	if paused {
		e.log.Info("paused, signal not traded", "symbol", sym, "signal", sig.Type)
		return nil
	}
	atr, _ := indicator.ATR(r.window.Bars(), e.atrPeriod)
	return e.act(ctx, sig, bar, atr)
}

// state builds the strategy view of the book for symbol.
func (e *Engine) state(symbol string) strategy.State {
	st := strategy.State{Symbol: symbol, Position: e.position(symbol)}
	if e.risk != nil {
		st.Equity = e.risk.StartEquity() + e.risk.DailyPnL()
	}
	return st
}

// act reconciles the book with the signal's desired direction.
func (e *Engine) act(ctx context.Context, sig domain.Signal, bar domain.Bar, atr float64) error {
	sym := sig.Symbol
	pos := e.position(sym)

	current := 0
	if pos != nil {
		current = int(pos.Side.Sign())
	}
	want := sig.Type.Direction()
	if sig.Type == domain.SignalTypeExit {
		want = 0
	}
	if want == current {
		return nil
	}

	if pos != nil {
		closeOrder := e.newOrder(sym, sig.StrategyID, pos.Qty, domain.OrderSideSell, "close "+string(pos.Side))
		if pos.Side == domain.PositionSideShort {
			closeOrder.Side = domain.OrderSideBuy
		}
		if _, err := e.submit(ctx, closeOrder, bar.Close); err != nil && !rejected(err) {
			return err
		}
	}
	if want == 0 {
		return nil
	}
	if e.position(sym) != nil {
		// Close not filled yet; the reversal waits for the next signal.
		return nil
	}

	if e.blackout != nil && e.blackout.Blocked(sym, bar.Timestamp) {
		next, _ := e.blackout.Next(sym, bar.Timestamp)
		e.log.Info("entry blocked by earnings blackout", "symbol", sym, "earnings", next.Format("2006-01-02"))
		e.publish(events.Event{Type: events.OrderRejected, Time: bar.Timestamp, Symbol: sym, Message: "earnings blackout"})
		return nil
	}

	qty, err := e.size(ctx, sym, bar.Close, atr)
	if err != nil {
		return err
	}
	if qty <= 0 {
		e.log.Info("sized to zero, no entry", "symbol", sym, "price", bar.Close, "atr", atr)
		return nil
	}
	side := domain.OrderSideBuy
	if want < 0 {
		side = domain.OrderSideSell
	}
	if _, err := e.submit(ctx, e.newOrder(sym, sig.StrategyID, qty, side, "open "+string(sig.Type)), bar.Close); err != nil && !rejected(err) {
		return err
	}
	return nil
}

func (e *Engine) size(ctx context.Context, symbol string, price, atr float64) (float64, error) {
	acct, err := e.broker.GetAccount(ctx)
	if err != nil {
		return 0, fmt.Errorf("sizing %s: %w", symbol, err)
	}
	inst := e.instrument(symbol)
	if inst.IsFuture() {
		return float64(e.scaler.Contracts(acct.Equity, inst)), nil
	}
	return e.sizer.Size(acct.Equity, price, atr, inst), nil
}

func (e *Engine) newOrder(symbol, strategyID string, qty float64, side domain.OrderSide, reason string) *domain.Order {
	id := uuid.NewString()
	return &domain.Order{
		ID:            id,
		ClientOrderID: id,
		Symbol:        symbol,
		Side:          side,
		Type:          domain.OrderTypeMarket,
		Status:        domain.OrderStatusNew,
		Qty:           qty,
		StrategyID:    strategyID,
		Reason:        reason,
	}
}

// markUnrealized pushes the book's open P&L into the risk manager.
func (e *Engine) markUnrealized() {
	if e.risk == nil {
		return
	}
	e.mu.Lock()
	total := 0.0
	for sym, p := range e.book {
		if px, ok := e.prices[sym]; ok {
			total += p.UnrealizedPnL(px)
		}
	}
	e.mu.Unlock()
	e.risk.MarkUnrealized(total)
	e.checkHalt()
}

// checkHalt publishes a risk.halt event the first time the halt latches.
func (e *Engine) checkHalt() {
	if e.risk == nil || !e.risk.Halted() {
		return
	}
	e.mu.Lock()
	first := !e.halted
	e.halted = true
	e.mu.Unlock()
	if first {
		e.log.Error("daily loss limit hit, new exposure blocked", "pnl", e.risk.DailyPnL())
		e.publish(events.Event{Type: events.RiskHalt, Message: fmt.Sprintf("daily P&L %.2f", e.risk.DailyPnL())})
	}
}
