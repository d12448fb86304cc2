package selection

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot/internal/backtest"
)

func result(sym, strat string, sharpe, dd, ret float64, trades int) *backtest.Result {
	return &backtest.Result{
		ID:       sym + "-" + strat,
		Symbol:   sym,
		Strategy: strat,
		Metrics: backtest.Metrics{
			Sharpe:      sharpe,
			MaxDrawdown: dd,
			TotalReturn: ret,
			Trades:      trades,
		},
	}
}

func fixedSelector() *Selector {
	s := NewSelector(nil)
	s.now = func() time.Time { return time.Date(2024, 6, 3, 22, 0, 0, 0, time.UTC) }
	return s
}

func TestScore(t *testing.T) {
	assert.InDelta(t, 1.6, Score(backtest.Metrics{Sharpe: 2, MaxDrawdown: 0.2}), 1e-9)
	assert.InDelta(t, -0.5, Score(backtest.Metrics{Sharpe: -1, MaxDrawdown: 0.5}), 1e-9)
	// Leveraged losses past 100% must not turn a negative Sharpe positive.
	assert.Equal(t, 0.0, Score(backtest.Metrics{Sharpe: -1.5, MaxDrawdown: 1.4}))
	assert.Equal(t, 0.0, Score(backtest.Metrics{Sharpe: 2, MaxDrawdown: 1.0}))
}

func TestQualifies(t *testing.T) {
	c := Criteria{MinTrades: 5, MinSharpe: 0.5, MaxDrawdown: 0.25}
	assert.True(t, Qualifies(result("A", "s", 1, 0.1, 0.1, 5), c))
	assert.False(t, Qualifies(result("A", "s", 1, 0.1, 0.1, 4), c))
	assert.False(t, Qualifies(result("A", "s", 0.4, 0.1, 0.1, 10), c))
	assert.False(t, Qualifies(result("A", "s", 1, 0.3, 0.1, 10), c))
	assert.True(t, Qualifies(result("A", "s", 1, 0.9, 0.1, 10), Criteria{}))
}

func TestSelect(t *testing.T) {
	results := []*backtest.Result{
		result("AAPL", "sma-cross", 1.5, 0.10, 0.30, 12),       // 1.35
		result("AAPL", "rsi-reversion", 2.0, 0.20, 0.25, 20),   // 1.60 winner
		result("AAPL", "macd-trend", 1.0, 0.05, 0.10, 8),       // 0.95
		result("AAPL", "buy-and-hold", 3.0, 0.10, 0.50, 1),     // too few trades
		result("MSFT", "sma-cross", 0.2, 0.10, 0.05, 10),       // sharpe too low
		result("SPY", "bollinger-breakout", 1.0, 0.30, 0.2, 9), // drawdown too deep
	}
	c := Criteria{MinTrades: 5, MinSharpe: 0.5, MaxDrawdown: 0.25, ShadowPerSymbol: 1}

	got := fixedSelector().Select(results, c)
	require.Len(t, got, 2)
	assert.Equal(t, "rsi-reversion", got[0].Strategy)
	assert.Equal(t, ModeLive, got[0].Mode)
	assert.InDelta(t, 1.6, got[0].Score, 1e-9)
	assert.Equal(t, "AAPL-rsi-reversion", got[0].BacktestID)
	assert.Equal(t, "sma-cross", got[1].Strategy)
	assert.Equal(t, ModeShadow, got[1].Mode)

	live := Live(got)
	assert.Contains(t, live, "AAPL")
	assert.NotContains(t, live, "MSFT")
	assert.Len(t, Shadows(got), 1)
}

func TestSelectTieBreaks(t *testing.T) {
	results := []*backtest.Result{
		result("aapl", "zeta", 1, 0, 0.10, 10),
		result("AAPL", "beta", 1, 0, 0.20, 10),
		result("AAPL", "alpha", 1, 0, 0.10, 10),
	}
	got := fixedSelector().Select(results, Criteria{ShadowPerSymbol: 5})
	names := make([]string, len(got))
	for i, a := range got {
		names[i] = a.Strategy
		assert.Equal(t, "AAPL", a.Symbol)
	}
	if diff := cmp.Diff([]string{"beta", "alpha", "zeta"}, names); diff != "" {
		t.Errorf("ranking mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectNothingQualifies(t *testing.T) {
	got := fixedSelector().Select([]*backtest.Result{result("AAPL", "s", -1, 0, -0.1, 10), nil}, Criteria{MinSharpe: 0})
	assert.Empty(t, got)
}

func TestMergeKeepsManual(t *testing.T) {
	current := []Assignment{
		{Symbol: "AAPL", Strategy: "macd-trend", Mode: ModeLive, Manual: true},
		{Symbol: "MSFT", Strategy: "sma-cross", Mode: ModeLive},
		{Symbol: "QQQ", Strategy: "buy-and-hold", Mode: ModeLive, Manual: true},
	}
	next := []Assignment{
		{Symbol: "AAPL", Strategy: "rsi-reversion", Mode: ModeLive},
		{Symbol: "AAPL", Strategy: "sma-cross", Mode: ModeShadow},
		{Symbol: "MSFT", Strategy: "bollinger-breakout", Mode: ModeLive},
	}
	got := Merge(current, next)

	type row struct {
		Symbol, Strategy string
		Mode             Mode
	}
	var rows []row
	for _, a := range got {
		rows = append(rows, row{a.Symbol, a.Strategy, a.Mode})
	}
	want := []row{
		{"AAPL", "macd-trend", ModeLive},
		{"AAPL", "rsi-reversion", ModeShadow},
		{"AAPL", "sma-cross", ModeShadow},
		{"MSFT", "bollinger-breakout", ModeLive},
		{"QQQ", "buy-and-hold", ModeLive},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("Merge mismatch (-want +got):\n%s", diff)
	}
}

func TestMergePinnedShadowNotDuplicated(t *testing.T) {
	current := []Assignment{{Symbol: "AAPL", Strategy: "sma-cross", Mode: ModeLive, Manual: true}}
	next := []Assignment{
		{Symbol: "AAPL", Strategy: "rsi-reversion", Mode: ModeLive},
		{Symbol: "AAPL", Strategy: "sma-cross", Mode: ModeShadow},
		{Symbol: "MSFT", Strategy: "sma-cross", Mode: ModeShadow},
	}
	got := Merge(current, next)

	seen := make(map[string]bool)
	for _, a := range got {
		assert.False(t, seen[a.Key()], "duplicate key %s", a.Key())
		seen[a.Key()] = true
	}
	require.Len(t, got, 3)
	assert.Equal(t, "sma-cross", got[0].Strategy)
	assert.Equal(t, ModeLive, got[0].Mode)
	assert.True(t, got[0].Manual)
	assert.Equal(t, "rsi-reversion", got[1].Strategy)
	assert.Equal(t, ModeShadow, got[1].Mode)
	assert.Equal(t, "MSFT", got[2].Symbol)

	// Pin on a symbol with no live winner this round.
	got = Merge(current, []Assignment{{Symbol: "AAPL", Strategy: "sma-cross", Mode: ModeShadow}})
	require.Len(t, got, 1)
	assert.Equal(t, ModeLive, got[0].Mode)
}

func TestMergeSameStrategyNotDuplicated(t *testing.T) {
	current := []Assignment{{Symbol: "AAPL", Strategy: "sma-cross", Mode: ModeLive, Manual: true}}
	next := []Assignment{{Symbol: "AAPL", Strategy: "sma-cross", Mode: ModeLive}}
	got := Merge(current, next)
	require.Len(t, got, 1)
	assert.True(t, got[0].Manual)
}
