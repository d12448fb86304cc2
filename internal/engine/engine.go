// Package engine coordinates live trading: it runs the assigned strategy for
// each symbol on every new bar, turns signals into risk-checked orders, and
// keeps the position book, stores and shadow tracker current.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"tradebot/internal/broker"
	"tradebot/internal/domain"
	"tradebot/internal/events"
	"tradebot/internal/indicator"
	"tradebot/internal/risk"
	"tradebot/internal/selection"
	"tradebot/internal/shadow"
	"tradebot/internal/store"
	"tradebot/internal/strategy"
	"tradebot/internal/util"
)

// ErrNoPrice is returned when an order is submitted for a symbol the engine
// has not seen a price for.
var ErrNoPrice = errors.New("no price for symbol")

// Deps are the collaborators of an Engine. Shadow, Blackout, Bus and History
// are optional.
type Deps struct {
	Broker    broker.Broker
	Orders    store.OrderStore
	Positions store.PositionStore
	Signals   store.SignalStore
	Trades    store.TradeStore
	Registry  *strategy.Registry
	Risk      *risk.Manager
	Sizer     risk.Sizer
	Scaler    risk.ContractScaler
	Blackout  *risk.EarningsBlackout
	Shadow    *shadow.Tracker
	Bus       events.Publisher
	History   strategy.HistoryFunc
	ATRPeriod int
	Logger    *slog.Logger
}

// runner is the live strategy instance for one symbol.
type runner struct {
	assignment selection.Assignment
	strat      strategy.Strategy
	window     *indicator.Window
}

// Status is a point-in-time summary of the engine.
type Status struct {
	Broker      string                 `json:"broker"`
	Paused      bool                   `json:"paused"`
	Halted      bool                   `json:"halted"`
	StartEquity float64                `json:"start_equity"`
	DailyPnL    float64                `json:"daily_pnl"`
	Positions   int                    `json:"positions"`
	Live        []selection.Assignment `json:"live"`
	LastBar     map[string]time.Time   `json:"last_bar"`
}

// Engine orchestrates the trading lifecycle by delegating to a broker for
// execution, stores for persistence, and a risk manager for pre-trade checks.
type Engine struct {
	broker    broker.Broker
	orders    store.OrderStore
	positions store.PositionStore
	signals   store.SignalStore
	trades    store.TradeStore
	registry  *strategy.Registry
	risk      *risk.Manager
	sizer     risk.Sizer
	scaler    risk.ContractScaler
	blackout  *risk.EarningsBlackout
	shadow    *shadow.Tracker
	bus       events.Publisher
	history   strategy.HistoryFunc
	atrPeriod int
	log       *slog.Logger

	// opMu serialises trading operations; mu guards the fields below.
	opMu sync.Mutex

	mu          sync.Mutex
	paused      bool
	halted      bool
	instruments map[string]domain.Instrument
	runners     map[string]*runner
	book        map[string]*domain.Position
	prices      map[string]float64
	lastBar     map[string]time.Time
}

// NewEngine creates a new Engine wired with the given dependencies.
func NewEngine(d Deps) *Engine {
	if d.ATRPeriod <= 0 {
		d.ATRPeriod = 14
	}
	return &Engine{
		broker:      d.Broker,
		orders:      d.Orders,
		positions:   d.Positions,
		signals:     d.Signals,
		trades:      d.Trades,
		registry:    d.Registry,
		risk:        d.Risk,
		sizer:       d.Sizer,
		scaler:      d.Scaler,
		blackout:    d.Blackout,
		shadow:      d.Shadow,
		bus:         d.Bus,
		history:     d.History,
		atrPeriod:   d.ATRPeriod,
		log:         util.Component(d.Logger, "engine"),
		instruments: make(map[string]domain.Instrument),
		runners:     make(map[string]*runner),
		book:        make(map[string]*domain.Position),
		prices:      make(map[string]float64),
		lastBar:     make(map[string]time.Time),
	}
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// SetInstruments registers the traded universe.
func (e *Engine) SetInstruments(insts []domain.Instrument) {
	e.mu.Lock()
	for _, inst := range insts {
		e.instruments[strings.ToUpper(inst.Symbol)] = inst
	}
	e.mu.Unlock()
	if e.risk != nil {
		e.risk.SetInstruments(insts)
	}
	if s, ok := e.broker.(interface{ SetInstruments([]domain.Instrument) }); ok {
		s.SetInstruments(insts)
	}
}

func (e *Engine) instrument(symbol string) domain.Instrument {
	e.mu.Lock()
	defer e.mu.Unlock()
	if inst, ok := e.instruments[symbol]; ok {
		return inst
	}
	return domain.StockInstrument(symbol)
}

// Start loads the persisted position book. Call it once before trading.
func (e *Engine) Start(ctx context.Context) error {
	positions, err := e.positions.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("loading positions: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range positions {
		p := positions[i]
		e.book[p.Symbol] = &p
	}
	e.log.Info("engine started", "broker", e.broker.Name(), "positions", len(positions))
	return nil
}

// SetAssignments installs the live strategy per symbol and syncs the shadow
// tracker with every assignment. Unchanged live combinations keep their
// strategy state.
func (e *Engine) SetAssignments(ctx context.Context, assignments []selection.Assignment) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	live := selection.Live(assignments)
	next := make(map[string]*runner, len(live))

	e.mu.Lock()
	current := e.runners
	e.mu.Unlock()

	for sym, a := range live {
		if r, ok := current[sym]; ok && r.assignment.Key() == a.Key() {
			r.assignment = a
			next[sym] = r
			continue
		}
		strat, err := e.registry.New(a.Strategy, a.Params)
		if err != nil {
			return fmt.Errorf("live %s: %w", a.Key(), err)
		}
		r := &runner{assignment: a, strat: strat, window: indicator.NewWindow(e.atrPeriod + 1)}
		if e.history != nil {
			n := max(strat.Warmup(), e.atrPeriod+1)
			bars, err := e.history(ctx, sym, n)
			if err != nil {
				return fmt.Errorf("live %s history: %w", a.Key(), err)
			}
			if err := strategy.Prime(ctx, strat, bars); err != nil {
				return err
			}
			for _, b := range bars {
				r.window.Push(b)
			}
		}
		next[sym] = r
		e.log.Info("live assignment", "symbol", sym, "strategy", a.Strategy, "params", a.Params.String(), "manual", a.Manual)
	}

	e.mu.Lock()
	e.runners = next
	insts := make([]domain.Instrument, 0, len(e.instruments))
	for _, inst := range e.instruments {
		insts = append(insts, inst)
	}
	e.mu.Unlock()

	if e.shadow != nil {
		if err := e.shadow.Sync(ctx, assignments, insts, e.history); err != nil {
			return fmt.Errorf("syncing shadow: %w", err)
		}
	}
	return nil
}

// Assignments returns the live assignments ordered by symbol.
func (e *Engine) Assignments() []selection.Assignment {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]selection.Assignment, 0, len(e.runners))
	for _, r := range e.runners {
		out = append(out, r.assignment)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Pause stops new orders from signals. Strategies keep consuming bars.
func (e *Engine) Pause(reason string) {
	e.mu.Lock()
	was := e.paused
	e.paused = true
	e.mu.Unlock()
	if !was {
		e.log.Warn("engine paused", "reason", reason)
		e.publish(events.Event{Type: events.EnginePaused, Message: reason})
	}
}

// Resume re-enables signal-driven orders.
func (e *Engine) Resume() {
	e.mu.Lock()
	was := e.paused
	e.paused = false
	e.mu.Unlock()
	if was {
		e.log.Info("engine resumed")
		e.publish(events.Event{Type: events.EngineResumed})
	}
}

// Paused reports whether the engine is paused.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Status returns a summary of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		Broker:    e.broker.Name(),
		Paused:    e.paused,
		Positions: len(e.book),
		LastBar:   make(map[string]time.Time, len(e.lastBar)),
	}
	for sym, t := range e.lastBar {
		st.LastBar[sym] = t
	}
	e.mu.Unlock()

	st.Live = e.Assignments()
	if e.risk != nil {
		st.Halted = e.risk.Halted()
		st.StartEquity = e.risk.StartEquity()
		st.DailyPnL = e.risk.DailyPnL()
	}
	return st
}

// StartOfDay resets the daily risk baseline from the broker account.
func (e *Engine) StartOfDay(ctx context.Context) error {
	if r, ok := e.broker.(broker.DayResetter); ok {
		r.ResetDay()
	}
	acct, err := e.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("start of day: %w", err)
	}
	if e.risk != nil {
		e.risk.ResetDay(acct.Equity)
	}
	e.mu.Lock()
	e.halted = false
	e.mu.Unlock()
	e.log.Info("start of day", "equity", acct.Equity, "cash", acct.Cash)
	return nil
}

// Account returns the broker account snapshot.
func (e *Engine) Account(ctx context.Context) (*domain.AccountInfo, error) {
	return e.broker.GetAccount(ctx)
}

// GetPositions returns all currently open positions.
func (e *Engine) GetPositions(_ context.Context) ([]domain.Position, error) {
	return e.positionList(), nil
}

func (e *Engine) positionList() []domain.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Position, 0, len(e.book))
	for _, p := range e.book {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (e *Engine) position(symbol string) *domain.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.book[symbol]; ok {
		cp := *p
		return &cp
	}
	return nil
}

// LastPrice returns the last price seen for symbol.
func (e *Engine) LastPrice(symbol string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.prices[strings.ToUpper(symbol)]
	return p, ok
}
