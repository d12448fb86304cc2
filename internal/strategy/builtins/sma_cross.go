package builtins

import (
	"context"
	"fmt"

	"tradebot/internal/domain"
	"tradebot/internal/indicator"
	"tradebot/internal/strategy"
)

// SMACrossName is the registry name of SMACross.
const SMACrossName = "sma-cross"

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACross implements a simple moving average crossover strategy. It goes
// long when the fast SMA crosses above the slow SMA and exits (or reverses
// short when allowed) when it crosses below.
type SMACross struct {
	fast       int
	slow       int
	allowShort bool
	window     *indicator.Window
}

// NewSMACross creates a new SMACross strategy with the given periods.
func NewSMACross(fast, slow int, allowShort bool) (*SMACross, error) {
	if fast <= 0 || slow <= fast {
		return nil, fmt.Errorf("sma-cross: need 0 < fast < slow, got fast=%d slow=%d", fast, slow)
	}
	return &SMACross{
		fast:       fast,
		slow:       slow,
		allowShort: allowShort,
		window:     indicator.NewWindow(slow + 1),
	}, nil
}

// NewSMACrossFromParams reads fast, slow and allow_short.
func NewSMACrossFromParams(p strategy.Params) (strategy.Strategy, error) {
	return NewSMACross(p.Int("fast", 10), p.Int("slow", 30), p.Bool("allow_short", false))
}

// Name returns "sma-cross".
func (s *SMACross) Name() string { return SMACrossName }

// Warmup returns slow+1 bars, enough to compare two consecutive averages.
func (s *SMACross) Warmup() int { return s.slow + 1 }

// OnBar updates the price window and reports crossovers.
func (s *SMACross) OnBar(_ context.Context, state strategy.State, bar domain.Bar) (domain.Signal, error) {
	s.window.Push(bar)
	if !s.window.Full() {
		return domain.Neutral(s.Name(), bar), nil
	}
	closes := s.window.Closes()
	prev := closes[:len(closes)-1]

	fastNow, _ := indicator.SMA(closes, s.fast)
	slowNow, _ := indicator.SMA(closes, s.slow)
	fastPrev, _ := indicator.SMA(prev, s.fast)
	slowPrev, _ := indicator.SMA(prev, s.slow)

	meta := map[string]float64{"fast": fastNow, "slow": slowNow}
	strength := 0.0
	if slowNow != 0 {
		strength = abs(fastNow-slowNow) / slowNow * 100
	}

	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		return entry(s.Name(), state, bar, 1, s.allowShort, strength, meta), nil
	case fastPrev >= slowPrev && fastNow < slowNow:
		return entry(s.Name(), state, bar, -1, s.allowShort, strength, meta), nil
	}
	return domain.Neutral(s.Name(), bar), nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
