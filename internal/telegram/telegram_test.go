package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot/internal/app"
	"tradebot/internal/backtest"
	"tradebot/internal/domain"
	"tradebot/internal/engine"
	"tradebot/internal/events"
	"tradebot/internal/selection"
	"tradebot/internal/shadow"
	"tradebot/internal/strategy"
)

// ---------------------------------------------------------------------------
// Fake operator
// ---------------------------------------------------------------------------

type fakeOperator struct {
	paused    bool
	flattened int
	assigned  []string
	btReq     app.BacktestRequest
}

var _ app.Operator = (*fakeOperator)(nil)

func (f *fakeOperator) Status() engine.Status {
	return engine.Status{
		Broker:      "simulator",
		Paused:      f.paused,
		StartEquity: 100000,
		DailyPnL:    -250,
		Positions:   1,
		Live:        []selection.Assignment{{Symbol: "AAPL", Strategy: "sma-cross", Mode: selection.ModeLive, Manual: true}},
	}
}

func (f *fakeOperator) Account(context.Context) (*domain.AccountInfo, error) {
	return &domain.AccountInfo{Equity: 99750, Cash: 50000, DayPnL: -250}, nil
}

func (f *fakeOperator) Positions(context.Context) ([]domain.Position, error) {
	return []domain.Position{{Symbol: "AAPL", Side: domain.PositionSideLong, Qty: 10, AvgEntryPrice: 150, StrategyID: "sma-cross"}}, nil
}

func (f *fakeOperator) Pause(string) { f.paused = true }
func (f *fakeOperator) Resume()      { f.paused = false }

func (f *fakeOperator) Flatten(context.Context) (int, error) {
	f.flattened++
	return 1, nil
}

func (f *fakeOperator) SubmitOrder(_ context.Context, o *domain.Order) (*domain.Order, error) {
	return o, nil
}

func (f *fakeOperator) CancelOrder(context.Context, string) error { return nil }

func (f *fakeOperator) Strategies() []string { return []string{"buy-and-hold", "sma-cross"} }

func (f *fakeOperator) RunBacktest(_ context.Context, req app.BacktestRequest) (*backtest.Report, error) {
	f.btReq = req
	if req.Symbols[0] == "NONE" {
		return nil, backtest.ErrNoBars
	}
	return &backtest.Report{
		Results: map[string]*backtest.Result{
			"a": {Symbol: req.Symbols[0], Strategy: "buy-and-hold", Metrics: backtest.Metrics{TotalReturn: 0.1, Sharpe: 0.8, Trades: 1}},
			"b": {Symbol: req.Symbols[0], Strategy: "sma-cross", Metrics: backtest.Metrics{TotalReturn: 0.2, Sharpe: 1.4, Trades: 9}},
		},
		Errors: map[string]error{},
	}, nil
}

func (f *fakeOperator) Assignments(context.Context) ([]selection.Assignment, error) { return nil, nil }

func (f *fakeOperator) Assign(_ context.Context, symbol, name string, _ strategy.Params) (selection.Assignment, error) {
	if name == "nope" {
		return selection.Assignment{}, strategy.ErrUnknownStrategy
	}
	f.assigned = append(f.assigned, symbol+"/"+name)
	return selection.Assignment{Symbol: strings.ToUpper(symbol), Strategy: name}, nil
}

func (f *fakeOperator) SetAssignments(context.Context, []selection.Assignment) error { return nil }

func (f *fakeOperator) ShadowSnapshots() []shadow.Snapshot {
	return []shadow.Snapshot{{Symbol: "AAPL", Strategy: "rsi-reversion", Mode: selection.ModeShadow, Return: 0.05, Trades: 3, Position: "flat"}}
}

func (f *fakeOperator) Promotions() []shadow.Promotion { return nil }

func (f *fakeOperator) Earnings(_ context.Context, symbol string) ([]domain.EarningsEvent, error) {
	return []domain.EarningsEvent{
		{Symbol: symbol, Date: time.Now().UTC().AddDate(0, 0, -30)},
		{Symbol: symbol, Date: time.Now().UTC().AddDate(0, 0, 10)},
	}, nil
}

func (f *fakeOperator) SaveEarnings(context.Context, []domain.EarningsEvent) error { return nil }
func (f *fakeOperator) Report(context.Context) (string, error)                     { return "report", nil }

// ---------------------------------------------------------------------------
// Console
// ---------------------------------------------------------------------------

const chat = int64(42)

func TestConsoleRejectsUnknownChat(t *testing.T) {
	op := &fakeOperator{}
	c := NewConsole(op, []int64{chat}, nil)
	assert.Empty(t, c.Handle(context.Background(), 7, "/flatten"))
	assert.Zero(t, op.flattened)

	empty := NewConsole(op, nil, nil)
	assert.False(t, empty.Allowed(chat))
}

func TestConsoleCommands(t *testing.T) {
	ctx := context.Background()
	op := &fakeOperator{}
	c := NewConsole(op, []int64{chat}, nil)

	tests := []struct {
		text string
		want string
	}{
		{"/help", "/backtest SYMBOL"},
		{"/status", "AAPL sma-cross (manual)"},
		{"/positions", "AAPL long 10 @ 150.00 [sma-cross]"},
		{"/pnl", "Day P&L -250.00 (-0.25%)"},
		{"/strategies", "buy-and-hold\nsma-cross"},
		{"/shadow", "AAPL rsi-reversion [shadow] return 5.00%"},
		{"/assign", "Usage"},
		{"/assign msft nope", "Assign failed"},
		{"/backtest", "Usage"},
		{"/backtest none", "Backtest failed"},
		{"hello", "/help"},
		{"/bogus", "Unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Contains(t, c.Handle(ctx, chat, tt.text), tt.want)
		})
	}
}

func TestConsolePauseResumeFlatten(t *testing.T) {
	ctx := context.Background()
	op := &fakeOperator{}
	c := NewConsole(op, []int64{chat}, nil)

	c.Handle(ctx, chat, "/pause")
	assert.True(t, op.paused)
	assert.Contains(t, c.Handle(ctx, chat, "/status"), "PAUSED")
	c.Handle(ctx, chat, "/resume@TradeBot")
	assert.False(t, op.paused)

	assert.Contains(t, c.Handle(ctx, chat, "/flatten"), "1 closing orders")
	assert.Equal(t, 1, op.flattened)
}

func TestConsoleBacktestSortsBySharpe(t *testing.T) {
	op := &fakeOperator{}
	c := NewConsole(op, []int64{chat}, nil)

	reply := c.Handle(context.Background(), chat, "/backtest aapl sma-cross")
	assert.Equal(t, []string{"AAPL"}, op.btReq.Symbols)
	assert.Equal(t, []string{"sma-cross"}, op.btReq.Strategies)
	assert.Less(t, strings.Index(reply, "sma-cross"), strings.Index(reply, "buy-and-hold"))
	assert.Contains(t, reply, "return 20.0%")
}

func TestConsoleAssignAndEarnings(t *testing.T) {
	ctx := context.Background()
	op := &fakeOperator{}
	c := NewConsole(op, []int64{chat}, nil)

	assert.Equal(t, "MSFT now trades macd-trend live.", c.Handle(ctx, chat, "/assign msft macd-trend"))
	assert.Equal(t, []string{"msft/macd-trend"}, op.assigned)

	reply := c.Handle(ctx, chat, "/earnings aapl")
	assert.Contains(t, reply, time.Now().UTC().AddDate(0, 0, 10).Format(time.DateOnly))
	assert.NotContains(t, reply, time.Now().UTC().AddDate(0, 0, -30).Format(time.DateOnly))
}

// ---------------------------------------------------------------------------
// Notifier
// ---------------------------------------------------------------------------

type recorder struct {
	mu   sync.Mutex
	msgs []string
	fail bool
}

func (r *recorder) Broadcast(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
	if r.fail {
		return errors.New("telegram down")
	}
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestNotifierForwardsSelectedEvents(t *testing.T) {
	bus := events.NewBus()
	rec := &recorder{fail: true}
	n := NewNotifier(bus, rec, []string{string(events.TradeClosed), string(events.RiskHalt)}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool {
		bus.Publish(events.Event{Type: events.RiskHalt, Message: "daily P&L -2500.00"})
		return len(rec.snapshot()) > 0
	}, time.Second, 10*time.Millisecond)

	bus.Publish(events.Event{Type: events.SignalEmitted, Symbol: "AAPL", Message: "long"})
	bus.Publish(events.Event{Type: events.TradeClosed, Symbol: "AAPL", Payload: &domain.ClosedTrade{
		Symbol: "AAPL", Side: domain.PositionSideLong, Qty: 10, EntryPrice: 100, ExitPrice: 110, PnL: 100,
	}})
	require.Eventually(t, func() bool {
		for _, m := range rec.snapshot() {
			if strings.HasPrefix(m, "Trade closed") {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	for _, m := range rec.snapshot() {
		assert.NotContains(t, m, "[signal]")
	}
	assert.Equal(t, "RISK HALT: daily P&L -2500.00", rec.snapshot()[0])
}

func TestFormat(t *testing.T) {
	order := &domain.Order{Symbol: "AAPL", Side: domain.OrderSideBuy, Qty: 5, Status: domain.OrderStatusFilled, StrategyID: "sma-cross"}
	assert.Equal(t, "Order filled: buy 5 AAPL [sma-cross]", Format(events.Event{Type: events.OrderSubmitted, Payload: order}))

	rej := &domain.Order{Symbol: "AAPL", Side: domain.OrderSideSell, Qty: 5, Reason: "open positions limit"}
	assert.Equal(t, "Order rejected: sell 5 AAPL\nopen positions limit", Format(events.Event{Type: events.OrderRejected, Payload: rej}))

	assert.Equal(t, "[job.failed] nightly-backtest: boom", Format(events.Event{Type: events.JobFailed, Message: "nightly-backtest: boom"}))
	assert.Equal(t, "[order.rejected] AAPL: earnings blackout", Format(events.Event{Type: events.OrderRejected, Symbol: "AAPL", Message: "earnings blackout"}))
}

func TestSplit(t *testing.T) {
	assert.Equal(t, []string{"abc"}, split("abc", 10))
	assert.Equal(t, []string{"aaaa", "bbbb"}, split("aaaa\nbbbb", 6))
	assert.Equal(t, []string{"abcde", "fgh"}, split("abcdefgh", 5))
	assert.Empty(t, split("", 5))
}

func TestSplitKeepsRunesWhole(t *testing.T) {
	text := strings.Repeat("é", 5) + "📈📉"
	chunks := split(text, 5)
	assert.Equal(t, text, strings.Join(chunks, ""))
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c), "invalid chunk %q", c)
		assert.LessOrEqual(t, len(c), 5)
	}
	assert.Equal(t, []string{"éé", "éé", "é", "📈", "📉"}, chunks)

	// A rune wider than the limit is sent whole.
	assert.Equal(t, []string{"📈", "a"}, split("📈a", 2))
}
