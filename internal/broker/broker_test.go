package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot/internal/domain"
)

func TestAlpacaBrokerName(t *testing.T) {
	b := NewAlpacaBroker("key", "secret", "https://paper-api.alpaca.markets")
	if got := b.Name(); got != "alpaca" {
		t.Errorf("AlpacaBroker.Name() = %q, want %q", got, "alpaca")
	}
}

func TestSimulatorBrokerName(t *testing.T) {
	b := NewSimulatorBroker(10000)
	if got := b.Name(); got != "simulator" {
		t.Errorf("SimulatorBroker.Name() = %q, want %q", got, "simulator")
	}
}

func TestAlpacaStatus(t *testing.T) {
	tests := []struct {
		in   string
		want domain.OrderStatus
	}{
		{"filled", domain.OrderStatusFilled},
		{"partially_filled", domain.OrderStatusPartial},
		{"canceled", domain.OrderStatusCancelled},
		{"expired", domain.OrderStatusCancelled},
		{"rejected", domain.OrderStatusRejected},
		{"pending_new", domain.OrderStatusNew},
		{"accepted", domain.OrderStatusAccepted},
	}
	for _, tt := range tests {
		if got := alpacaStatus(tt.in); got != tt.want {
			t.Errorf("alpacaStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Simulator
// ---------------------------------------------------------------------------

func marketOrder(symbol string, side domain.OrderSide, qty float64) *domain.Order {
	return &domain.Order{Symbol: symbol, Side: side, Type: domain.OrderTypeMarket, Qty: qty}
}

func TestSimulatorMarketOrders(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker(10000)

	o, err := b.SubmitOrder(ctx, marketOrder("AAPL", domain.OrderSideBuy, 10))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, o.Status, "no price yet")

	b.Mark("AAPL", 100)
	o, err = b.SubmitOrder(ctx, marketOrder("aapl", domain.OrderSideBuy, 10))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Equal(t, 100.0, o.FilledAvgPrice)
	assert.NotEmpty(t, o.ID)

	b.Mark("AAPL", 110)
	acct, err := b.GetAccount(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 9000, acct.Cash, 1e-9)
	assert.InDelta(t, 10100, acct.Equity, 1e-9)
	assert.InDelta(t, 100, acct.DayPnL, 1e-9)

	// Reverse: sell 15 closes the long 10 and opens a short 5 at 110.
	_, err = b.SubmitOrder(ctx, marketOrder("AAPL", domain.OrderSideSell, 15))
	require.NoError(t, err)
	positions, err := b.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, domain.PositionSideShort, positions[0].Side)
	assert.Equal(t, 5.0, positions[0].Qty)
	assert.Equal(t, 110.0, positions[0].AvgEntryPrice)

	_, err = b.SubmitOrder(ctx, marketOrder("AAPL", domain.OrderSideBuy, 5))
	require.NoError(t, err)
	positions, err = b.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)

	acct, err = b.GetAccount(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10100, acct.Equity, 1e-9)
}

func TestSimulatorAveragesAndFutures(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker(50000)
	b.SetInstruments([]domain.Instrument{{Symbol: "ES", AssetClass: domain.AssetFuture, Multiplier: 50}})

	b.Mark("ES", 5000)
	_, err := b.SubmitOrder(ctx, marketOrder("ES", domain.OrderSideBuy, 1))
	require.NoError(t, err)
	b.Mark("ES", 5010)
	_, err = b.SubmitOrder(ctx, marketOrder("ES", domain.OrderSideBuy, 1))
	require.NoError(t, err)

	positions, err := b.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 5005.0, positions[0].AvgEntryPrice)
	assert.Equal(t, 50.0, positions[0].Multiplier)

	b.Mark("ES", 5020)
	acct, err := b.GetAccount(ctx)
	require.NoError(t, err)
	// (5020-5005) * 2 contracts * 50
	assert.InDelta(t, 51500, acct.Equity, 1e-9)
}

func TestSimulatorLimitOrders(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker(10000)
	b.Mark("MSFT", 400)

	o, err := b.SubmitOrder(ctx, &domain.Order{Symbol: "MSFT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Qty: 2, LimitPrice: 395})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, o.Status)

	b.Mark("MSFT", 394)
	got, ok := b.Order(o.ID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Equal(t, 395.0, got.FilledAvgPrice)

	resting, err := b.SubmitOrder(ctx, &domain.Order{Symbol: "MSFT", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit, Qty: 2, LimitPrice: 420})
	require.NoError(t, err)
	require.NoError(t, b.CancelOrder(ctx, resting.ID))
	assert.Error(t, b.CancelOrder(ctx, resting.ID), "already cancelled")
	assert.ErrorIs(t, b.CancelOrder(ctx, "missing"), ErrOrderNotFound)
}

// ---------------------------------------------------------------------------
// Bridge
// ---------------------------------------------------------------------------

func newTestBridge(t *testing.T, h http.HandlerFunc) *BridgeBroker {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewBridgeBroker(BridgeOptions{
		BaseURL:     srv.URL,
		Token:       "secret",
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	})
}

func TestBridgeSubmitOrder(t *testing.T) {
	var got map[string]any
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"b-1","status":"filled","filled_qty":"10","filled_avg_price":"181.25"}`))
	})

	o, err := b.SubmitOrder(context.Background(), &domain.Order{
		Symbol:     "AAPL",
		Side:       domain.OrderSideBuy,
		Type:       domain.OrderTypeLimit,
		Qty:        10,
		LimitPrice: 181.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "b-1", o.ID)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Equal(t, 181.25, o.FilledAvgPrice)
	assert.NotEmpty(t, o.ClientOrderID)

	// Decimals are sent as strings.
	assert.Equal(t, "10", got["qty"])
	assert.Equal(t, "181.5", got["limit_price"])
	assert.Equal(t, o.ClientOrderID, got["client_order_id"])
}

func TestBridgeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"error":"busy"}`, http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"equity":"10500.50","cash":"2000","buying_power":"4000","day_pnl":"-12.5"}`))
	})

	acct, err := b.GetAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 10500.5, acct.Equity)
	assert.Equal(t, -12.5, acct.DayPnL)
}

func TestBridgeDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"insufficient buying power"}`))
	})

	_, err := b.SubmitOrder(context.Background(), marketOrder("AAPL", domain.OrderSideBuy, 1))
	require.Error(t, err)
	var be *BridgeError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, http.StatusUnprocessableEntity, be.StatusCode)
	assert.Equal(t, "insufficient buying power", be.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBridgeCancelNotFound(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/orders/abc", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})
	assert.ErrorIs(t, b.CancelOrder(context.Background(), "abc"), ErrOrderNotFound)
}

func TestBridgePositionsAndEarnings(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/positions":
			w.Write([]byte(`[{"symbol":"aapl","qty":"10","avg_entry_price":"180"},
				{"symbol":"ES","qty":"-2","avg_entry_price":"5000","multiplier":"50"},
				{"symbol":"MSFT","qty":"0","avg_entry_price":"0"}]`))
		case "/earnings":
			assert.Equal(t, "AAPL,MSFT", r.URL.Query().Get("symbols"))
			w.Write([]byte(`[{"symbol":"AAPL","date":"2024-07-30"},{"symbol":"MSFT","date":"bad"}]`))
		case "/health":
			w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	positions, err := b.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.Equal(t, domain.PositionSideShort, positions[1].Side)
	assert.Equal(t, 2.0, positions[1].Qty)
	assert.Equal(t, 50.0, positions[1].Multiplier)

	events, err := b.Earnings(ctx, []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, time.Date(2024, 7, 30, 0, 0, 0, 0, time.UTC), events[0].Date)

	assert.NoError(t, b.Health(ctx))
}

func TestBridgeContextCancelled(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.GetAccount(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
