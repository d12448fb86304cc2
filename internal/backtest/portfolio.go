// Package backtest replays historical bars through strategies against a
// simulated portfolio and scores the outcome.
package backtest

import (
	"math"
	"sort"
	"strings"
	"time"

	"tradebot/internal/domain"
	"tradebot/internal/risk"
	"tradebot/internal/strategy"
)

// Costs are the execution frictions applied to every simulated fill.
type Costs struct {
	CommissionPerUnit float64 // per share or contract, each side
	SlippageBps       float64 // adverse price move in basis points
}

// PositionSizer decides how many units a new position gets.
type PositionSizer interface {
	Quantity(equity, price float64, inst domain.Instrument) float64
}

// PctSizer puts a fixed fraction of equity into each stock position and
// scales futures by equity tier.
type PctSizer struct {
	Pct    float64
	Scaler risk.ContractScaler
}

// Quantity implements PositionSizer.
func (s PctSizer) Quantity(equity, price float64, inst domain.Instrument) float64 {
	if equity <= 0 || price <= 0 {
		return 0
	}
	if inst.IsFuture() {
		return float64(s.Scaler.Contracts(equity, inst))
	}
	return math.Floor(equity * s.Pct / (price * inst.PointValue()))
}

// Portfolio is a simulated account holding at most one position per symbol.
//
// The balance holds realised P&L net of commissions on top of the initial
// capital; equity adds open P&L at the last marked price. Notional is not
// debited, so long, short and futures positions are accounted uniformly.
type Portfolio struct {
	initial     float64
	balance     float64
	costs       Costs
	sizer       PositionSizer
	shadow      bool
	instruments map[string]domain.Instrument
	positions   map[string]*domain.Position
	entryFees   map[string]float64
	lastPrice   map[string]float64
	trades      []domain.ClosedTrade
}

// NewPortfolio creates a flat portfolio with the given starting capital.
func NewPortfolio(initial float64, costs Costs, sizer PositionSizer) *Portfolio {
	return &Portfolio{
		initial:     initial,
		balance:     initial,
		costs:       costs,
		sizer:       sizer,
		instruments: make(map[string]domain.Instrument),
		positions:   make(map[string]*domain.Position),
		entryFees:   make(map[string]float64),
		lastPrice:   make(map[string]float64),
	}
}

// MarkShadow flags every trade this portfolio closes as a shadow trade.
func (p *Portfolio) MarkShadow() { p.shadow = true }

// SetInstrument registers the contract spec for a symbol. Unregistered
// symbols are treated as stocks.
func (p *Portfolio) SetInstrument(inst domain.Instrument) {
	p.instruments[strings.ToUpper(inst.Symbol)] = inst
}

func (p *Portfolio) instrument(symbol string) domain.Instrument {
	if inst, ok := p.instruments[strings.ToUpper(symbol)]; ok {
		return inst
	}
	return domain.StockInstrument(symbol)
}

// Initial returns the starting capital.
func (p *Portfolio) Initial() float64 { return p.initial }

// Cash returns the realised balance.
func (p *Portfolio) Cash() float64 { return p.balance }

// Equity returns the balance plus open P&L at the last marked prices.
func (p *Portfolio) Equity() float64 {
	eq := p.balance
	for sym, pos := range p.positions {
		eq += pos.UnrealizedPnL(p.lastPrice[sym])
	}
	return eq
}

// Position returns a copy of the open position for symbol, or nil.
func (p *Portfolio) Position(symbol string) *domain.Position {
	pos, ok := p.positions[strings.ToUpper(symbol)]
	if !ok {
		return nil
	}
	cp := *pos
	return &cp
}

// Positions returns copies of all open positions sorted by symbol.
func (p *Portfolio) Positions() []domain.Position {
	out := make([]domain.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Trades returns every closed trade in close order.
func (p *Portfolio) Trades() []domain.ClosedTrade { return p.trades }

// State builds the strategy view of symbol.
func (p *Portfolio) State(symbol string) strategy.State {
	return strategy.State{
		Symbol:   symbol,
		Position: p.Position(symbol),
		Equity:   p.Equity(),
		Cash:     p.balance,
	}
}

// Mark records bar's close as the latest price for its symbol.
func (p *Portfolio) Mark(bar domain.Bar) {
	p.lastPrice[strings.ToUpper(bar.Symbol)] = bar.Close
}

// fillPrice applies slippage against the trader.
func (p *Portfolio) fillPrice(side domain.OrderSide, price float64) float64 {
	slip := price * p.costs.SlippageBps / 10_000
	if side == domain.OrderSideBuy {
		return price + slip
	}
	return price - slip
}

// Apply executes sig at bar's close. Long and short open a position,
// reversing any opposite one; exit closes; neutral does nothing. It returns
// the trades closed by this call.
func (p *Portfolio) Apply(sig domain.Signal, bar domain.Bar) []domain.ClosedTrade {
	p.Mark(bar)
	sym := strings.ToUpper(bar.Symbol)
	pos := p.positions[sym]

	var closed []domain.ClosedTrade
	switch sig.Type {
	case domain.SignalTypeExit:
		if pos != nil {
			closed = append(closed, p.close(sym, bar))
		}
	case domain.SignalTypeLong, domain.SignalTypeShort:
		want := domain.PositionSideLong
		if sig.Type == domain.SignalTypeShort {
			want = domain.PositionSideShort
		}
		if pos != nil && pos.Side == want {
			return nil
		}
		if pos != nil {
			closed = append(closed, p.close(sym, bar))
		}
		p.open(sym, want, sig.StrategyID, bar)
	}
	return closed
}

func (p *Portfolio) open(sym string, side domain.PositionSide, strategyID string, bar domain.Bar) {
	inst := p.instrument(sym)
	orderSide := domain.OrderSideBuy
	if side == domain.PositionSideShort {
		orderSide = domain.OrderSideSell
	}
	price := p.fillPrice(orderSide, bar.Close)
	qty := p.sizer.Quantity(p.Equity(), price, inst)
	if qty <= 0 {
		return
	}
	fee := qty * p.costs.CommissionPerUnit
	p.balance -= fee
	p.entryFees[sym] = fee
	p.positions[sym] = &domain.Position{
		Symbol:        sym,
		Qty:           qty,
		Side:          side,
		AvgEntryPrice: price,
		Multiplier:    inst.PointValue(),
		StrategyID:    strategyID,
		OpenedAt:      bar.Timestamp,
		UpdatedAt:     bar.Timestamp,
	}
}

func (p *Portfolio) close(sym string, bar domain.Bar) domain.ClosedTrade {
	pos := p.positions[sym]
	orderSide := domain.OrderSideSell
	if pos.Side == domain.PositionSideShort {
		orderSide = domain.OrderSideBuy
	}
	price := p.fillPrice(orderSide, bar.Close)
	exitFee := pos.Qty * p.costs.CommissionPerUnit
	gross := pos.UnrealizedPnL(price)
	p.balance += gross - exitFee

	fees := p.entryFees[sym] + exitFee
	trade := domain.ClosedTrade{
		Symbol:     sym,
		StrategyID: pos.StrategyID,
		Side:       pos.Side,
		Qty:        pos.Qty,
		EntryPrice: pos.AvgEntryPrice,
		ExitPrice:  price,
		EntryTime:  pos.OpenedAt,
		ExitTime:   bar.Timestamp,
		Commission: fees,
		PnL:        gross - fees,
		Shadow:     p.shadow,
	}
	p.trades = append(p.trades, trade)
	delete(p.positions, sym)
	delete(p.entryFees, sym)
	return trade
}

// CloseAll closes every open position at its last marked price.
func (p *Portfolio) CloseAll(at time.Time) []domain.ClosedTrade {
	syms := make([]string, 0, len(p.positions))
	for sym := range p.positions {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	var closed []domain.ClosedTrade
	for _, sym := range syms {
		bar := domain.Bar{Symbol: sym, Timestamp: at, Close: p.lastPrice[sym]}
		closed = append(closed, p.close(sym, bar))
	}
	return closed
}
