package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot/internal/broker"
	"tradebot/internal/domain"
	"tradebot/internal/events"
	"tradebot/internal/risk"
	"tradebot/internal/selection"
	"tradebot/internal/store"
	"tradebot/internal/strategy"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

// scripted emits the signal mapped to its call number (1-based) and neutral
// otherwise.
type scripted struct {
	script map[int]domain.SignalType
	calls  int
}

func (s *scripted) Name() string { return "script" }
func (s *scripted) Warmup() int  { return 0 }

func (s *scripted) OnBar(_ context.Context, _ strategy.State, bar domain.Bar) (domain.Signal, error) {
	s.calls++
	if t, ok := s.script[s.calls]; ok {
		return domain.Signal{StrategyID: "script", Symbol: bar.Symbol, Type: t, Price: bar.Close}, nil
	}
	return domain.Neutral("script", bar), nil
}

type harness struct {
	engine *Engine
	sim    *broker.SimulatorBroker
	store  *store.SQLiteStore
	risk   *risk.Manager
	bus    *events.Bus
	events <-chan events.Event
	strat  *scripted
}

func newHarness(t *testing.T, limits risk.Limits, script map[int]domain.SignalType, blackout *risk.EarningsBlackout) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	strat := &scripted{script: script}
	reg := strategy.NewRegistry()
	reg.Register("script", func(strategy.Params) (strategy.Strategy, error) { return strat, nil })

	sim := broker.NewSimulatorBroker(100000)
	rm := risk.NewManager(limits, nil)
	bus := events.NewBus()
	_, ch := bus.Subscribe(64)

	e := NewEngine(Deps{
		Broker:    sim,
		Orders:    st,
		Positions: st,
		Signals:   st,
		Trades:    st,
		Registry:  reg,
		Risk:      rm,
		Sizer:     risk.Sizer{MaxPositionPct: 0.10, FallbackPct: 0.10},
		Blackout:  blackout,
		Bus:       bus,
	})
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.StartOfDay(ctx))
	require.NoError(t, e.SetAssignments(ctx, []selection.Assignment{
		{Symbol: "AAPL", Strategy: "script", Mode: selection.ModeLive},
	}))
	return &harness{engine: e, sim: sim, store: st, risk: rm, bus: bus, events: ch, strat: strat}
}

func bar(sym string, day int, price float64) domain.Bar {
	return domain.Bar{
		Symbol:    sym,
		Timestamp: time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC),
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    1000,
	}
}

func (h *harness) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func hasEvent(evs []events.Event, typ events.Type) bool {
	for _, ev := range evs {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

var loose = risk.Limits{MaxPositionPct: 0.20, MaxGrossExposurePct: 1.0}

// ---------------------------------------------------------------------------
// Signal flow
// ---------------------------------------------------------------------------

func TestOnBarOpensAndCloses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, loose, map[int]domain.SignalType{
		1: domain.SignalTypeLong,
		3: domain.SignalTypeExit,
	}, nil)

	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 3, 100)))
	positions, err := h.engine.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, domain.PositionSideLong, positions[0].Side)
	assert.Equal(t, 100.0, positions[0].Qty)
	assert.Equal(t, "script", positions[0].StrategyID)

	stored, err := h.store.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 100.0, stored.Qty)

	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 4, 110)))
	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 5, 120)))

	positions, _ = h.engine.GetPositions(ctx)
	assert.Empty(t, positions)
	_, err = h.store.GetPosition(ctx, "AAPL")
	assert.ErrorIs(t, err, store.ErrNotFound)

	trades, err := h.store.ListTrades(ctx, store.TradeFilter{Symbol: "AAPL"})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.InDelta(t, 2000.0, trades[0].PnL, 1e-9)
	assert.False(t, trades[0].Shadow)
	assert.InDelta(t, 2000.0, h.risk.DailyPnL(), 1e-9)

	orders, err := h.store.ListOrders(ctx, domain.OrderStatusFilled, 10)
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	evs := h.drain()
	assert.True(t, hasEvent(evs, events.SignalEmitted))
	assert.True(t, hasEvent(evs, events.OrderSubmitted))
	assert.True(t, hasEvent(evs, events.TradeClosed))
}

func TestOnBarReversal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, loose, map[int]domain.SignalType{
		1: domain.SignalTypeLong,
		2: domain.SignalTypeShort,
	}, nil)

	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 3, 100)))
	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 4, 90)))

	positions, _ := h.engine.GetPositions(ctx)
	require.Len(t, positions, 1)
	assert.Equal(t, domain.PositionSideShort, positions[0].Side)
	assert.Greater(t, positions[0].Qty, 0.0)

	trades, err := h.store.ListTrades(ctx, store.TradeFilter{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.InDelta(t, -1000.0, trades[0].PnL, 1e-9)

	remote, err := h.sim.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, remote, 1)
	assert.Equal(t, positions[0].Qty, remote[0].Qty)
}

func TestOnBarIgnoresStaleBars(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, loose, nil, nil)

	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 4, 100)))
	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 4, 101)))
	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 3, 99)))
	assert.Equal(t, 1, h.strat.calls)

	px, ok := h.engine.LastPrice("aapl")
	assert.True(t, ok)
	assert.Equal(t, 100.0, px)
}

func TestOnBarPausedRecordsSignalOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, loose, map[int]domain.SignalType{1: domain.SignalTypeLong}, nil)

	h.engine.Pause("test")
	assert.True(t, h.engine.Paused())
	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 3, 100)))

	positions, _ := h.engine.GetPositions(ctx)
	assert.Empty(t, positions)
	sigs, err := h.store.ListSignals(ctx, "script", 10)
	require.NoError(t, err)
	assert.Len(t, sigs, 1)

	evs := h.drain()
	assert.True(t, hasEvent(evs, events.EnginePaused))
	assert.False(t, hasEvent(evs, events.OrderSubmitted))

	h.engine.Resume()
	assert.False(t, h.engine.Paused())
	assert.True(t, hasEvent(h.drain(), events.EngineResumed))
}

func TestOnBarEarningsBlackout(t *testing.T) {
	ctx := context.Background()
	bo := risk.NewEarningsBlackout(1, 1)
	bo.Set("AAPL", []time.Time{time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)})
	h := newHarness(t, loose, map[int]domain.SignalType{1: domain.SignalTypeLong}, bo)

	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 3, 100)))
	positions, _ := h.engine.GetPositions(ctx)
	assert.Empty(t, positions)

	var blocked bool
	for _, ev := range h.drain() {
		if ev.Type == events.OrderRejected && ev.Message == "earnings blackout" {
			blocked = true
		}
	}
	assert.True(t, blocked)
}

func TestOnBarRiskRejection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, risk.Limits{MaxPositionPct: 0.05}, map[int]domain.SignalType{1: domain.SignalTypeLong}, nil)

	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 3, 100)))
	positions, _ := h.engine.GetPositions(ctx)
	assert.Empty(t, positions)

	rejected, err := h.store.ListOrders(ctx, domain.OrderStatusRejected, 10)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0].Reason, "position size limit")
	assert.True(t, hasEvent(h.drain(), events.OrderRejected))
}

func TestDailyLossHalt(t *testing.T) {
	ctx := context.Background()
	limits := loose
	limits.MaxDailyLossPct = 0.01
	h := newHarness(t, limits, map[int]domain.SignalType{1: domain.SignalTypeLong}, nil)

	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 3, 100)))
	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 4, 85)))

	assert.True(t, h.risk.Halted())
	st := h.engine.Status()
	assert.True(t, st.Halted)
	assert.InDelta(t, -1500.0, st.DailyPnL, 1e-9)
	assert.True(t, hasEvent(h.drain(), events.RiskHalt))

	// A new day lifts the halt.
	require.NoError(t, h.engine.StartOfDay(ctx))
	assert.False(t, h.risk.Halted())
}

// ---------------------------------------------------------------------------
// Manual operations
// ---------------------------------------------------------------------------

func TestSubmitOrderNeedsPrice(t *testing.T) {
	h := newHarness(t, loose, nil, nil)
	_, err := h.engine.SubmitOrder(context.Background(), &domain.Order{Symbol: "MSFT", Side: domain.OrderSideBuy, Qty: 1})
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestSubmitOrderManual(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, loose, nil, nil)
	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 3, 100)))

	o, err := h.engine.SubmitOrder(ctx, &domain.Order{Symbol: "aapl", Side: domain.OrderSideBuy, Qty: 10})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Equal(t, "manual", o.Reason)

	positions, _ := h.engine.GetPositions(ctx)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.Equal(t, 10.0, positions[0].Qty)
}

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, loose, nil, nil)
	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 3, 100)))

	o, err := h.engine.SubmitOrder(ctx, &domain.Order{
		Symbol:     "AAPL",
		Side:       domain.OrderSideBuy,
		Type:       domain.OrderTypeLimit,
		Qty:        5,
		LimitPrice: 90,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, o.Status)

	require.NoError(t, h.engine.CancelOrder(ctx, o.ID))
	got, err := h.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)

	assert.Error(t, h.engine.CancelOrder(ctx, o.ID))
}

func TestFlatten(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, loose, map[int]domain.SignalType{1: domain.SignalTypeLong}, nil)
	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 3, 100)))
	h.engine.Pause("flatten test")

	n, err := h.engine.Flatten(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	positions, _ := h.engine.GetPositions(ctx)
	assert.Empty(t, positions)
	remote, _ := h.sim.GetPositions(ctx)
	assert.Empty(t, remote)
}

func TestReconcileAdoptsBrokerPositions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, loose, nil, nil)

	h.sim.Mark("MSFT", 50)
	_, err := h.sim.SubmitOrder(ctx, &domain.Order{Symbol: "MSFT", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: 10})
	require.NoError(t, err)

	require.NoError(t, h.engine.Reconcile(ctx))
	positions, _ := h.engine.GetPositions(ctx)
	require.Len(t, positions, 1)
	assert.Equal(t, "MSFT", positions[0].Symbol)
	assert.Equal(t, 10.0, positions[0].Qty)

	stored, err := h.store.ListPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestReconcileBooksPositionsClosedAtBroker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, loose, map[int]domain.SignalType{1: domain.SignalTypeLong}, nil)
	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 3, 100)))
	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 4, 110)))
	h.drain()

	// The position is closed outside the engine, as with a fill that lands
	// after SubmitOrder returned an accepted order.
	_, err := h.sim.SubmitOrder(ctx, &domain.Order{Symbol: "AAPL", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Qty: 100})
	require.NoError(t, err)

	require.NoError(t, h.engine.Reconcile(ctx))
	positions, _ := h.engine.GetPositions(ctx)
	assert.Empty(t, positions)

	trades, err := h.store.ListTrades(ctx, store.TradeFilter{Symbol: "AAPL"})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "script", trades[0].StrategyID)
	assert.Equal(t, 100.0, trades[0].Qty)
	assert.Equal(t, 110.0, trades[0].ExitPrice)
	assert.InDelta(t, 1000, trades[0].PnL, 1e-9)
	assert.InDelta(t, 1000, h.risk.DailyPnL(), 1e-9)
	assert.True(t, hasEvent(h.drain(), events.TradeClosed))
}

func TestReconcileBooksPartialReduction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, loose, map[int]domain.SignalType{1: domain.SignalTypeLong}, nil)
	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 3, 100)))
	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 4, 95)))

	_, err := h.sim.SubmitOrder(ctx, &domain.Order{Symbol: "AAPL", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Qty: 40})
	require.NoError(t, err)

	require.NoError(t, h.engine.Reconcile(ctx))
	positions, _ := h.engine.GetPositions(ctx)
	require.Len(t, positions, 1)
	assert.Equal(t, 60.0, positions[0].Qty)
	assert.Equal(t, "script", positions[0].StrategyID)

	trades, err := h.store.ListTrades(ctx, store.TradeFilter{Symbol: "AAPL"})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, 40.0, trades[0].Qty)
	assert.InDelta(t, -200, trades[0].PnL, 1e-9)

	// A second pass with nothing changed books nothing more.
	require.NoError(t, h.engine.Reconcile(ctx))
	trades, err = h.store.ListTrades(ctx, store.TradeFilter{Symbol: "AAPL"})
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestStartRestoresBook(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, loose, map[int]domain.SignalType{1: domain.SignalTypeLong}, nil)
	require.NoError(t, h.engine.OnBar(ctx, bar("AAPL", 3, 100)))

	again := NewEngine(Deps{
		Broker:    h.sim,
		Orders:    h.store,
		Positions: h.store,
		Signals:   h.store,
		Trades:    h.store,
		Registry:  strategy.NewRegistry(),
	})
	require.NoError(t, again.Start(ctx))
	positions, _ := again.GetPositions(ctx)
	require.Len(t, positions, 1)
	assert.Equal(t, 100.0, positions[0].Qty)
}

func TestSetAssignmentsUnknownStrategy(t *testing.T) {
	h := newHarness(t, loose, nil, nil)
	err := h.engine.SetAssignments(context.Background(), []selection.Assignment{
		{Symbol: "AAPL", Strategy: "nope", Mode: selection.ModeLive},
	})
	assert.ErrorIs(t, err, strategy.ErrUnknownStrategy)
	// The previous runner survives.
	require.Len(t, h.engine.Assignments(), 1)
	assert.Equal(t, "script", h.engine.Assignments()[0].Strategy)
}
