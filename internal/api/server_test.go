package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"tradebot/internal/app"
	"tradebot/internal/backtest"
	"tradebot/internal/config"
	"tradebot/internal/domain"
	"tradebot/internal/engine"
	"tradebot/internal/events"
	"tradebot/internal/risk"
	"tradebot/internal/scheduler"
	"tradebot/internal/selection"
	"tradebot/internal/shadow"
	"tradebot/internal/store"
	"tradebot/internal/strategy"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type fakeOperator struct {
	mu       sync.Mutex
	paused   string
	earnings []domain.EarningsEvent
	btReq    app.BacktestRequest
}

var _ app.Operator = (*fakeOperator)(nil)

func (f *fakeOperator) Status() engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.Status{Broker: "simulator", Paused: f.paused != "", StartEquity: 100000}
}

func (f *fakeOperator) Account(context.Context) (*domain.AccountInfo, error) {
	return &domain.AccountInfo{Equity: 100000, Cash: 100000}, nil
}

func (f *fakeOperator) Positions(context.Context) ([]domain.Position, error) { return nil, nil }

func (f *fakeOperator) Pause(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = reason
}

func (f *fakeOperator) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = ""
}

func (f *fakeOperator) pausedReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeOperator) Flatten(context.Context) (int, error) { return 2, nil }

func (f *fakeOperator) SubmitOrder(_ context.Context, o *domain.Order) (*domain.Order, error) {
	if o.Symbol == "BIG" {
		return o, &risk.Rejection{Reason: risk.ErrMaxPosition, Symbol: o.Symbol, Limit: 0.1, Value: 0.5}
	}
	o.ID = "ord-1"
	o.Status = domain.OrderStatusAccepted
	return o, nil
}

func (f *fakeOperator) CancelOrder(_ context.Context, id string) error {
	if id == "missing" {
		return store.ErrNotFound
	}
	return nil
}

func (f *fakeOperator) Strategies() []string { return []string{"buy-and-hold", "sma-cross"} }

func (f *fakeOperator) RunBacktest(_ context.Context, req app.BacktestRequest) (*backtest.Report, error) {
	f.btReq = req
	if len(req.Symbols) > 0 && req.Symbols[0] == "NONE" {
		return nil, backtest.ErrNoBars
	}
	return &backtest.Report{
		Results: map[string]*backtest.Result{
			"b": {ID: "r2", Symbol: "AAPL", Strategy: "sma-cross", Equity: []backtest.EquityPoint{{Equity: 1}}},
			"a": {ID: "r1", Symbol: "AAPL", Strategy: "buy-and-hold"},
		},
		Errors:   map[string]error{"MSFT|rsi": errors.New("boom")},
		Duration: time.Second,
	}, nil
}

func (f *fakeOperator) Assignments(context.Context) ([]selection.Assignment, error) {
	return []selection.Assignment{{Symbol: "AAPL", Strategy: "sma-cross", Mode: selection.ModeLive}}, nil
}

func (f *fakeOperator) Assign(_ context.Context, symbol, name string, params strategy.Params) (selection.Assignment, error) {
	if name == "nope" {
		return selection.Assignment{}, strategy.ErrUnknownStrategy
	}
	return selection.Assignment{Symbol: strings.ToUpper(symbol), Strategy: name, Params: params, Mode: selection.ModeLive, Manual: true}, nil
}

func (f *fakeOperator) SetAssignments(context.Context, []selection.Assignment) error { return nil }
func (f *fakeOperator) ShadowSnapshots() []shadow.Snapshot                         { return nil }
func (f *fakeOperator) Promotions() []shadow.Promotion                             { return nil }

func (f *fakeOperator) Earnings(_ context.Context, symbol string) ([]domain.EarningsEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.EarningsEvent
	for _, ev := range f.earnings {
		if ev.Symbol == symbol {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeOperator) SaveEarnings(_ context.Context, evs []domain.EarningsEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.earnings = append(f.earnings, evs...)
	return nil
}

func (f *fakeOperator) Report(context.Context) (string, error) { return "Daily report", nil }

type fixture struct {
	srv *Server
	op  *fakeOperator
	db  *store.SQLiteStore
	pq  *store.ParquetStore
	bus *events.Bus
	h   http.Handler
}

func newFixture(t *testing.T, sched *scheduler.Scheduler) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := store.NewSQLiteStore(filepath.Join(dir, "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	pq := store.NewParquetStore(filepath.Join(dir, "data"))

	f := &fixture{op: &fakeOperator{}, db: db, pq: pq, bus: events.NewBus()}
	f.srv = NewServer(config.Server{Host: "127.0.0.1"}, Deps{
		Operator:  f.op,
		Orders:    db,
		Trades:    db,
		Signals:   db,
		Bars:      pq,
		Backtests: db,
		Equity:    pq,
		Bus:       f.bus,
		Scheduler: sched,
	})
	f.h = f.srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// ---------------------------------------------------------------------------
// REST
// ---------------------------------------------------------------------------

func TestHealthAndCORS(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, map[string]string{"status": "ok"}, decodeBody[map[string]string](t, rec))

	rec = f.do(t, http.MethodOptions, "/api/v1/orders", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/engine/pause", `{"reason":"maintenance"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[engine.Status](t, rec).Paused)
	assert.Equal(t, "maintenance", f.op.pausedReason())

	rec = f.do(t, http.MethodPost, "/api/v1/engine/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[engine.Status](t, rec).Paused)

	f.do(t, http.MethodPost, "/api/v1/engine/pause", "")
	assert.Equal(t, "api", f.op.pausedReason())

	rec = f.do(t, http.MethodPost, "/api/v1/engine/flatten", "")
	assert.Equal(t, map[string]int{"orders": 2}, decodeBody[map[string]int](t, rec))
}

func TestOrders(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	for i, st := range []domain.OrderStatus{domain.OrderStatusFilled, domain.OrderStatusAccepted} {
		require.NoError(t, f.db.SaveOrder(ctx, &domain.Order{
			ID: []string{"o1", "o2"}[i], Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket,
			Status: st, Qty: 10, CreatedAt: now.Add(time.Duration(i) * time.Minute), UpdatedAt: now,
		}))
	}

	rec := f.do(t, http.MethodGet, "/api/v1/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]domain.Order](t, rec), 2)

	rec = f.do(t, http.MethodGet, "/api/v1/orders?status=filled", "")
	orders := decodeBody[[]domain.Order](t, rec)
	require.Len(t, orders, 1)
	assert.Equal(t, "o1", orders[0].ID)

	rec = f.do(t, http.MethodGet, "/api/v1/orders/o2", "")
	assert.Equal(t, domain.OrderStatusAccepted, decodeBody[domain.Order](t, rec).Status)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/orders/nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/orders?limit=x", "").Code)
}

func TestSubmitAndCancelOrder(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/orders", `{"symbol":"AAPL","side":"buy","qty":5}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "ord-1", decodeBody[domain.Order](t, rec).ID)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing qty", `{"symbol":"AAPL","side":"buy"}`, http.StatusBadRequest},
		{"bad side", `{"symbol":"AAPL","side":"hold","qty":1}`, http.StatusBadRequest},
		{"unknown field", `{"symbol":"AAPL","side":"buy","qty":1,"x":1}`, http.StatusBadRequest},
		{"risk rejection", `{"symbol":"BIG","side":"buy","qty":1}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.do(t, http.MethodPost, "/api/v1/orders", tt.body).Code)
		})
	}

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/api/v1/orders/ord-1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/v1/orders/missing", "").Code)
}

func TestTradesFilter(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	exit := time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC)
	require.NoError(t, f.db.SaveTrade(ctx, &domain.ClosedTrade{Symbol: "AAPL", Side: domain.PositionSideLong, Qty: 1, ExitTime: exit, PnL: 5}))
	require.NoError(t, f.db.SaveTrade(ctx, &domain.ClosedTrade{Symbol: "AAPL", Side: domain.PositionSideLong, Qty: 1, ExitTime: exit, PnL: 7, Shadow: true}))
	require.NoError(t, f.db.SaveTrade(ctx, &domain.ClosedTrade{Symbol: "MSFT", Side: domain.PositionSideShort, Qty: 1, ExitTime: exit, PnL: -2}))

	assert.Len(t, decodeBody[[]domain.ClosedTrade](t, f.do(t, http.MethodGet, "/api/v1/trades", "")), 3)
	assert.Len(t, decodeBody[[]domain.ClosedTrade](t, f.do(t, http.MethodGet, "/api/v1/trades?symbol=aapl", "")), 2)

	live := decodeBody[[]domain.ClosedTrade](t, f.do(t, http.MethodGet, "/api/v1/trades?symbol=AAPL&shadow=false", ""))
	require.Len(t, live, 1)
	assert.Equal(t, 5.0, live[0].PnL)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/trades?shadow=maybe", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/trades?since=yesterday", "").Code)
}

func TestBars(t *testing.T) {
	f := newFixture(t, nil)
	day := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	bars := []domain.Bar{
		{Symbol: "AAPL", Timestamp: day, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100},
		{Symbol: "AAPL", Timestamp: day.AddDate(0, 0, 1), Open: 1.5, High: 2, Low: 1, Close: 1.8, Volume: 200},
	}
	require.NoError(t, f.pq.WriteBars(context.Background(), domain.MarketUS, bars))

	rec := f.do(t, http.MethodGet, "/api/v1/bars?symbol=aapl&start=2025-03-01&end=2025-03-31", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[[]domain.Bar](t, rec)
	require.Len(t, got, 2)
	assert.Equal(t, 1.8, got[1].Close)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/bars", "").Code)
}

func TestBacktests(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/backtests", `{"symbols":["AAPL"],"strategies":["sma-cross"],"start":"2024-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"AAPL"}, f.op.btReq.Symbols)
	assert.Equal(t, 2024, f.op.btReq.Start.Year())
	assert.True(t, f.op.btReq.End.IsZero())

	resp := decodeBody[BacktestResponse](t, rec)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "r1", resp.Results[0].ID)
	assert.Nil(t, resp.Results[1].Equity)
	assert.Equal(t, map[string]string{"MSFT|rsi": "boom"}, resp.Errors)

	rec = f.do(t, http.MethodPost, "/api/v1/backtests", `{"symbols":["NONE"]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decodeBody[map[string]string](t, rec)["error"], "no bars")
}

func TestStoredBacktests(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res := &backtest.Result{
		ID: "run-1", Symbol: "AAPL", Strategy: "sma-cross",
		Start: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		Metrics:   backtest.Metrics{TotalReturn: 0.12, Sharpe: 1.1, Trades: 4},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, f.db.SaveResult(ctx, res))
	curve := []backtest.EquityPoint{
		{Time: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Equity: 100000},
		{Time: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), Equity: 101000},
	}
	require.NoError(t, f.pq.WriteEquity(ctx, "run-1", curve))

	list := decodeBody[[]backtest.Result](t, f.do(t, http.MethodGet, "/api/v1/backtests?symbol=aapl", ""))
	require.Len(t, list, 1)
	assert.Equal(t, "run-1", list[0].ID)

	got := decodeBody[backtest.Result](t, f.do(t, http.MethodGet, "/api/v1/backtests/run-1", ""))
	assert.Equal(t, 4, got.Metrics.Trades)

	pts := decodeBody[[]backtest.EquityPoint](t, f.do(t, http.MethodGet, "/api/v1/backtests/run-1/equity", ""))
	if diff := cmp.Diff(curve, pts); diff != "" {
		t.Errorf("equity mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/backtests/none", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/backtests/none/equity", "").Code)
}

func TestAssignments(t *testing.T) {
	f := newFixture(t, nil)

	as := decodeBody[[]selection.Assignment](t, f.do(t, http.MethodGet, "/api/v1/assignments", ""))
	require.Len(t, as, 1)

	rec := f.do(t, http.MethodPost, "/api/v1/assignments/msft", `{"strategy":"sma-cross","params":{"fast":5}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	a := decodeBody[selection.Assignment](t, rec)
	assert.Equal(t, "MSFT", a.Symbol)
	assert.Equal(t, 5.0, a.Params["fast"])
	assert.True(t, a.Manual)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/assignments/msft", `{"strategy":"nope"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/assignments/msft", `{}`).Code)

	rec = f.do(t, http.MethodPut, "/api/v1/assignments", `[{"symbol":"AAPL","strategy":"sma-cross","mode":"live"}]`)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"buy-and-hold", "sma-cross"}, decodeBody[[]string](t, f.do(t, http.MethodGet, "/api/v1/strategies", "")))
}

func TestEarnings(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPut, "/api/v1/earnings", `[{"symbol":"aapl","date":"2025-05-01T00:00:00Z"}]`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"saved": 1}, decodeBody[map[string]int](t, rec))

	evs := decodeBody[[]domain.EarningsEvent](t, f.do(t, http.MethodGet, "/api/v1/earnings?symbol=aapl", ""))
	require.Len(t, evs, 1)
	assert.Equal(t, "manual", evs[0].Source)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/v1/earnings", `[{"symbol":"AAPL"}]`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/earnings", "").Code)
}

func TestJobs(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, newFixture(t, nil).do(t, http.MethodGet, "/api/v1/jobs", "").Code)

	sched := scheduler.New(nil, nil, nil)
	var runs int
	require.NoError(t, sched.Add(scheduler.Job{Name: "noop", Interval: time.Hour, Run: func(context.Context) error {
		runs++
		return nil
	}}))
	f := newFixture(t, sched)

	jobs := decodeBody[[]scheduler.JobStatus](t, f.do(t, http.MethodGet, "/api/v1/jobs", ""))
	require.Len(t, jobs, 1)
	assert.Equal(t, "noop", jobs[0].Name)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/jobs/noop/run", "").Code)
	assert.Equal(t, 1, runs)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/jobs/other/run", "").Code)
}

// ---------------------------------------------------------------------------
// WebSocket
// ---------------------------------------------------------------------------

func TestWebSocketStreamsEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.srv.Hub().Run(ctx)

	ts := httptest.NewServer(f.h)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration is asynchronous; publish until the first event arrives.
	got := make(chan events.Event, 1)
	go func() {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()
	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-got:
			assert.Equal(t, events.RiskHalt, ev.Type)
			assert.Equal(t, "halt", ev.Message)
			return
		case <-tick.C:
			f.bus.Publish(events.Event{Type: events.RiskHalt, Message: "halt"})
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

// ---------------------------------------------------------------------------
// gRPC
// ---------------------------------------------------------------------------

func dialControl(t *testing.T, f *fixture) *grpc.ClientConn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := f.srv.GRPCServer()
	go gs.Serve(ln)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func invoke(t *testing.T, conn *grpc.ClientConn, method string, in map[string]any) (*structpb.Struct, error) {
	t.Helper()
	req, err := structpb.NewStruct(in)
	require.NoError(t, err)
	out := new(structpb.Struct)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = conn.Invoke(ctx, "/"+ControlServiceName+"/"+method, req, out)
	return out, err
}

func TestControlService(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialControl(t, f)

	out, err := invoke(t, conn, "Status", nil)
	require.NoError(t, err)
	assert.Equal(t, "simulator", out.GetFields()["broker"].GetStringValue())

	out, err = invoke(t, conn, "Pause", map[string]any{"reason": "cli"})
	require.NoError(t, err)
	assert.True(t, out.GetFields()["paused"].GetBoolValue())
	assert.Equal(t, "cli", f.op.pausedReason())

	_, err = invoke(t, conn, "Resume", nil)
	require.NoError(t, err)
	assert.Empty(t, f.op.pausedReason())

	out, err = invoke(t, conn, "RunBacktest", map[string]any{"symbols": []any{"AAPL"}})
	require.NoError(t, err)
	var resp BacktestResponse
	require.NoError(t, FromStruct(out, &resp))
	assert.Len(t, resp.Results, 2)

	out, err = invoke(t, conn, "Assign", map[string]any{"symbol": "msft", "strategy": "sma-cross"})
	require.NoError(t, err)
	assert.Equal(t, "MSFT", out.GetFields()["symbol"].GetStringValue())

	out, err = invoke(t, conn, "Report", nil)
	require.NoError(t, err)
	assert.Equal(t, "Daily report", out.GetFields()["report"].GetStringValue())
}

func TestControlServiceErrors(t *testing.T) {
	conn := dialControl(t, newFixture(t, nil))

	tests := []struct {
		method string
		in     map[string]any
		want   codes.Code
	}{
		{"Assign", map[string]any{"symbol": "AAPL", "strategy": "nope"}, codes.InvalidArgument},
		{"Assign", map[string]any{"symbol": "AAPL"}, codes.InvalidArgument},
		{"RunBacktest", map[string]any{"symbols": []any{"NONE"}}, codes.NotFound},
		{"Missing", nil, codes.Unimplemented},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			_, err := invoke(t, conn, tt.method, tt.in)
			assert.Equal(t, tt.want, status.Code(err))
		})
	}
}

func TestStructRoundTrip(t *testing.T) {
	in := app.BacktestRequest{Symbols: []string{"AAPL"}, Start: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}
	s, err := ToStruct(in)
	require.NoError(t, err)
	var out app.BacktestRequest
	require.NoError(t, FromStruct(s, &out))
	assert.True(t, in.Start.Equal(out.Start))
	assert.Equal(t, in.Symbols, out.Symbols)

	_, err = ToStruct([]int{1})
	assert.Error(t, err)
}

func TestServeAndShutdown(t *testing.T) {
	f := newFixture(t, nil)
	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Serve(ctx, httpLn, grpcLn) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + httpLn.Addr().String() + "/api/v1/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
