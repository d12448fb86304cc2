// Package selection turns backtest results into per-symbol strategy
// assignments: one live winner plus a few shadow runners-up.
package selection

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"tradebot/internal/backtest"
	"tradebot/internal/strategy"
)

// Mode says whether an assignment trades real money or only tracks a
// virtual portfolio.
type Mode string

const (
	ModeLive   Mode = "live"
	ModeShadow Mode = "shadow"
)

// Assignment binds a strategy configuration to a symbol.
type Assignment struct {
	Symbol      string          `json:"symbol"`
	Strategy    string          `json:"strategy"`
	Params      strategy.Params `json:"params,omitempty"`
	Mode        Mode            `json:"mode"`
	Score       float64         `json:"score"`
	Sharpe      float64         `json:"sharpe"`
	TotalReturn float64         `json:"total_return"`
	MaxDrawdown float64         `json:"max_drawdown"`
	BacktestID  string          `json:"backtest_id,omitempty"`
	Manual      bool            `json:"manual"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Key returns the symbol/strategy/params identity shared with backtests.
func (a Assignment) Key() string { return backtest.Key(a.Symbol, a.Strategy, a.Params) }

// Criteria filters results before scoring.
type Criteria struct {
	MinTrades       int
	MinSharpe       float64
	MaxDrawdown     float64 // zero disables
	ShadowPerSymbol int
}

// Score ranks a result: Sharpe discounted by the worst drawdown. A drawdown
// of 100% or more zeroes the score.
func Score(m backtest.Metrics) float64 {
	return m.Sharpe * max(0, 1-m.MaxDrawdown)
}

// Qualifies reports whether r passes every filter in c.
func Qualifies(r *backtest.Result, c Criteria) bool {
	m := r.Metrics
	if m.Trades < c.MinTrades {
		return false
	}
	if m.Sharpe < c.MinSharpe {
		return false
	}
	if c.MaxDrawdown > 0 && m.MaxDrawdown > c.MaxDrawdown {
		return false
	}
	return true
}

// Selector picks assignments from backtest results.
type Selector struct {
	now    func() time.Time
	logger *slog.Logger
}

// NewSelector creates a Selector.
func NewSelector(logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{now: time.Now, logger: logger.With("component", "selection")}
}

// ranked orders by score, then total return, then key, all descending
// except the key.
func ranked(rs []*backtest.Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		si, sj := Score(rs[i].Metrics), Score(rs[j].Metrics)
		if si != sj {
			return si > sj
		}
		if rs[i].Metrics.TotalReturn != rs[j].Metrics.TotalReturn {
			return rs[i].Metrics.TotalReturn > rs[j].Metrics.TotalReturn
		}
		return rs[i].Key() < rs[j].Key()
	})
}

// Select chooses, per symbol, the highest scoring qualifying result as the
// live assignment and the next ShadowPerSymbol qualifying results as shadow
// assignments. Symbols with no qualifying result get nothing. The output is
// sorted by symbol with the live assignment first.
func (s *Selector) Select(results []*backtest.Result, c Criteria) []Assignment {
	bySymbol := make(map[string][]*backtest.Result)
	for _, r := range results {
		if r == nil || !Qualifies(r, c) {
			continue
		}
		sym := strings.ToUpper(r.Symbol)
		bySymbol[sym] = append(bySymbol[sym], r)
	}

	symbols := make([]string, 0, len(bySymbol))
	for sym := range bySymbol {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	now := s.now().UTC()
	var out []Assignment
	for _, sym := range symbols {
		rs := bySymbol[sym]
		ranked(rs)
		for i, r := range rs {
			if i > c.ShadowPerSymbol {
				break
			}
			mode := ModeShadow
			if i == 0 {
				mode = ModeLive
			}
			out = append(out, fromResult(sym, r, mode, now))
		}
		s.logger.Info("strategy selected",
			"symbol", sym, "strategy", rs[0].Strategy, "score", Score(rs[0].Metrics), "candidates", len(rs))
	}
	return out
}

func fromResult(sym string, r *backtest.Result, mode Mode, now time.Time) Assignment {
	return Assignment{
		Symbol:      sym,
		Strategy:    r.Strategy,
		Params:      r.Params,
		Mode:        mode,
		Score:       Score(r.Metrics),
		Sharpe:      r.Metrics.Sharpe,
		TotalReturn: r.Metrics.TotalReturn,
		MaxDrawdown: r.Metrics.MaxDrawdown,
		BacktestID:  r.ID,
		UpdatedAt:   now,
	}
}

// Live returns the live assignment for each symbol.
func Live(as []Assignment) map[string]Assignment {
	out := make(map[string]Assignment)
	for _, a := range as {
		if a.Mode == ModeLive {
			out[strings.ToUpper(a.Symbol)] = a
		}
	}
	return out
}

// Shadows returns only shadow assignments.
func Shadows(as []Assignment) []Assignment {
	var out []Assignment
	for _, a := range as {
		if a.Mode == ModeShadow {
			out = append(out, a)
		}
	}
	return out
}

// Merge keeps manual live assignments from current over automatic ones in
// next. Automatic selections for other symbols replace current entirely.
// No key appears twice in the result.
func Merge(current, next []Assignment) []Assignment {
	manual := make(map[string]Assignment)
	pinned := make(map[string]bool)
	for _, a := range current {
		if a.Manual && a.Mode == ModeLive {
			manual[strings.ToUpper(a.Symbol)] = a
			pinned[a.Key()] = true
		}
	}
	out := make([]Assignment, 0, len(next)+len(manual))
	for _, a := range next {
		if a.Mode == ModeShadow && pinned[a.Key()] {
			continue
		}
		if m, ok := manual[strings.ToUpper(a.Symbol)]; ok && a.Mode == ModeLive {
			out = append(out, m)
			delete(manual, strings.ToUpper(a.Symbol))
			if a.Key() == m.Key() {
				continue
			}
			// The automatic winner keeps running in shadow.
			a.Mode = ModeShadow
		}
		out = append(out, a)
	}
	for _, m := range manual {
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Mode == ModeLive && out[j].Mode != ModeLive
	})
	return out
}
