package builtins

import (
	"context"
	"fmt"

	"tradebot/internal/domain"
	"tradebot/internal/indicator"
	"tradebot/internal/strategy"
)

// MACDTrendName is the registry name of MACDTrend.
const MACDTrendName = "macd-trend"

var _ strategy.Strategy = (*MACDTrend)(nil)

// MACDTrend follows MACD/signal line crossovers.
type MACDTrend struct {
	fast, slow, signalPeriod int
	allowShort               bool
	window                   *indicator.Window
}

// NewMACDTrend returns the strategy for the given EMA periods.
func NewMACDTrend(fast, slow, signalPeriod int, allowShort bool) (*MACDTrend, error) {
	if fast <= 0 || slow <= fast || signalPeriod <= 0 {
		return nil, fmt.Errorf("macd-trend: need 0 < fast < slow and signal > 0")
	}
	return &MACDTrend{
		fast:         fast,
		slow:         slow,
		signalPeriod: signalPeriod,
		allowShort:   allowShort,
		window:       indicator.NewWindow((slow + signalPeriod) * 3),
	}, nil
}

// NewMACDTrendFromParams reads fast, slow, signal and allow_short.
func NewMACDTrendFromParams(p strategy.Params) (strategy.Strategy, error) {
	return NewMACDTrend(p.Int("fast", 12), p.Int("slow", 26), p.Int("signal", 9), p.Bool("allow_short", false))
}

func (s *MACDTrend) Name() string { return MACDTrendName }
func (s *MACDTrend) Warmup() int  { return s.slow + s.signalPeriod + 1 }

func (s *MACDTrend) OnBar(_ context.Context, state strategy.State, bar domain.Bar) (domain.Signal, error) {
	s.window.Push(bar)
	m, ok := indicator.MACD(s.window.Closes(), s.fast, s.slow, s.signalPeriod)
	if !ok {
		return domain.Neutral(s.Name(), bar), nil
	}
	meta := map[string]float64{"macd": m.Line, "signal": m.Signal, "histogram": m.Histogram()}
	strength := 0.0
	if bar.Close != 0 {
		strength = abs(m.Histogram()) / bar.Close * 100
	}
	switch {
	case m.CrossedUp():
		return entry(s.Name(), state, bar, 1, s.allowShort, strength, meta), nil
	case m.CrossedDown():
		return entry(s.Name(), state, bar, -1, s.allowShort, strength, meta), nil
	}
	return domain.Neutral(s.Name(), bar), nil
}
