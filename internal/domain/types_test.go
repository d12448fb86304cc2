package domain

import (
	"testing"
	"time"
)

func TestTypesExist(t *testing.T) {
	bar := Bar{}
	if bar.Symbol != "" {
		t.Error("expected empty Symbol for zero-value Bar")
	}
	if !bar.Timestamp.IsZero() {
		t.Error("expected zero Timestamp for zero-value Bar")
	}

	order := Order{}
	if order.Side != "" || order.Type != "" || order.Status != "" {
		t.Error("expected empty enums for zero-value Order")
	}
	if order.Qty != 0 || order.FilledQty != 0 || order.FilledAvgPrice != 0 {
		t.Error("expected zero Qty/FilledQty/FilledAvgPrice for zero-value Order")
	}

	if OrderSideBuy != "buy" {
		t.Errorf("OrderSideBuy = %q, want %q", OrderSideBuy, "buy")
	}
	if MarketUS != "us" || MarketCME != "cme" {
		t.Error("Market constants have unexpected values")
	}

	now := time.Now()
	signal := Signal{
		StrategyID: "sma-cross",
		Symbol:     "AAPL",
		Type:       SignalTypeLong,
		Strength:   0.85,
		Metadata:   map[string]string{"reason": "breakout"},
		CreatedAt:  now,
	}
	if signal.Type.Direction() != 1 {
		t.Errorf("long Direction() = %d, want 1", signal.Type.Direction())
	}
}

func TestSignalDirection(t *testing.T) {
	tests := []struct {
		typ  SignalType
		want int
	}{
		{SignalTypeLong, 1},
		{SignalTypeShort, -1},
		{SignalTypeNeutral, 0},
		{SignalTypeExit, 0},
	}
	for _, tt := range tests {
		if got := tt.typ.Direction(); got != tt.want {
			t.Errorf("%s.Direction() = %d, want %d", tt.typ, got, tt.want)
		}
	}
}

func TestPositionPnL(t *testing.T) {
	long := Position{Symbol: "AAPL", Qty: 10, Side: PositionSideLong, AvgEntryPrice: 100}
	if got := long.UnrealizedPnL(110); got != 100 {
		t.Errorf("long UnrealizedPnL = %v, want 100", got)
	}
	if got := long.MarketValue(110); got != 1100 {
		t.Errorf("long MarketValue = %v, want 1100", got)
	}

	short := Position{Symbol: "ES", Qty: 2, Side: PositionSideShort, AvgEntryPrice: 5000, Multiplier: 50}
	if got := short.UnrealizedPnL(4990); got != 1000 {
		t.Errorf("short UnrealizedPnL = %v, want 1000", got)
	}
	if got := short.Notional(5000); got != 500000 {
		t.Errorf("short Notional = %v, want 500000", got)
	}
}

func TestClosedTradeReturn(t *testing.T) {
	tr := ClosedTrade{Side: PositionSideShort, EntryPrice: 100, ExitPrice: 90}
	if got := tr.ReturnPct(); got != 0.1 {
		t.Errorf("ReturnPct = %v, want 0.1", got)
	}
}

func TestOrderStatusOpen(t *testing.T) {
	if !OrderStatusAccepted.Open() || OrderStatusFilled.Open() || OrderStatusRejected.Open() {
		t.Error("OrderStatus.Open returned unexpected values")
	}
}
