package builtins

import (
	"context"
	"fmt"

	"tradebot/internal/domain"
	"tradebot/internal/indicator"
	"tradebot/internal/strategy"
)

// BollingerBreakoutName is the registry name of BollingerBreakout.
const BollingerBreakoutName = "bollinger-breakout"

var _ strategy.Strategy = (*BollingerBreakout)(nil)

// BollingerBreakout enters on a close outside the bands and exits when price
// returns to the middle band.
type BollingerBreakout struct {
	period     int
	k          float64
	allowShort bool
	window     *indicator.Window
}

// NewBollingerBreakout returns the strategy for period and band width k.
func NewBollingerBreakout(period int, k float64, allowShort bool) (*BollingerBreakout, error) {
	if period <= 1 || k <= 0 {
		return nil, fmt.Errorf("bollinger-breakout: need period > 1 and k > 0, got period=%d k=%g", period, k)
	}
	return &BollingerBreakout{
		period:     period,
		k:          k,
		allowShort: allowShort,
		window:     indicator.NewWindow(period),
	}, nil
}

// NewBollingerBreakoutFromParams reads period, k and allow_short.
func NewBollingerBreakoutFromParams(p strategy.Params) (strategy.Strategy, error) {
	return NewBollingerBreakout(p.Int("period", 20), p.Float("k", 2), p.Bool("allow_short", false))
}

func (s *BollingerBreakout) Name() string { return BollingerBreakoutName }
func (s *BollingerBreakout) Warmup() int  { return s.period }

func (s *BollingerBreakout) OnBar(_ context.Context, state strategy.State, bar domain.Bar) (domain.Signal, error) {
	s.window.Push(bar)
	bands, ok := indicator.Bollinger(s.window.Closes(), s.period, s.k)
	if !ok {
		return domain.Neutral(s.Name(), bar), nil
	}
	meta := map[string]float64{"upper": bands.Upper, "middle": bands.Middle, "lower": bands.Lower}
	half := bands.Upper - bands.Middle

	switch {
	case state.Long() && bar.Close < bands.Middle:
		return signal(s.Name(), bar, domain.SignalTypeExit, 1, meta), nil
	case state.Short() && bar.Close > bands.Middle:
		return signal(s.Name(), bar, domain.SignalTypeExit, 1, meta), nil
	case state.Flat() && bar.Close > bands.Upper:
		return signal(s.Name(), bar, domain.SignalTypeLong, ratio(bar.Close-bands.Upper, half), meta), nil
	case state.Flat() && bar.Close < bands.Lower && s.allowShort:
		return signal(s.Name(), bar, domain.SignalTypeShort, ratio(bands.Lower-bar.Close, half), meta), nil
	}
	return domain.Neutral(s.Name(), bar), nil
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 1
	}
	return num / den
}
