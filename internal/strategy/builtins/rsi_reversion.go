package builtins

import (
	"context"
	"fmt"

	"tradebot/internal/domain"
	"tradebot/internal/indicator"
	"tradebot/internal/strategy"
)

// RSIReversionName is the registry name of RSIReversion.
const RSIReversionName = "rsi-reversion"

var _ strategy.Strategy = (*RSIReversion)(nil)

// RSIReversion buys oversold conditions and exits when RSI recovers to the
// exit level. With allow_short it also fades overbought readings.
type RSIReversion struct {
	period     int
	oversold   float64
	overbought float64
	exit       float64
	allowShort bool
	window     *indicator.Window
}

// NewRSIReversion validates thresholds and returns the strategy.
func NewRSIReversion(period int, oversold, overbought, exit float64, allowShort bool) (*RSIReversion, error) {
	if period <= 1 {
		return nil, fmt.Errorf("rsi-reversion: period must be > 1, got %d", period)
	}
	if !(0 < oversold && oversold < exit && exit < overbought && overbought < 100) {
		return nil, fmt.Errorf("rsi-reversion: need 0 < oversold < exit < overbought < 100")
	}
	return &RSIReversion{
		period:     period,
		oversold:   oversold,
		overbought: overbought,
		exit:       exit,
		allowShort: allowShort,
		// A longer window lets the smoothed averages settle.
		window: indicator.NewWindow(period * 5),
	}, nil
}

// NewRSIReversionFromParams reads period, oversold, overbought, exit and
// allow_short.
func NewRSIReversionFromParams(p strategy.Params) (strategy.Strategy, error) {
	return NewRSIReversion(
		p.Int("period", 14),
		p.Float("oversold", 30),
		p.Float("overbought", 70),
		p.Float("exit", 50),
		p.Bool("allow_short", false),
	)
}

func (s *RSIReversion) Name() string { return RSIReversionName }
func (s *RSIReversion) Warmup() int  { return s.period + 1 }

func (s *RSIReversion) OnBar(_ context.Context, state strategy.State, bar domain.Bar) (domain.Signal, error) {
	s.window.Push(bar)
	rsi, ok := indicator.RSI(s.window.Closes(), s.period)
	if !ok {
		return domain.Neutral(s.Name(), bar), nil
	}
	meta := map[string]float64{"rsi": rsi}

	switch {
	case state.Long() && rsi >= s.exit:
		return signal(s.Name(), bar, domain.SignalTypeExit, (rsi-s.exit)/(100-s.exit), meta), nil
	case state.Short() && rsi <= s.exit:
		return signal(s.Name(), bar, domain.SignalTypeExit, (s.exit-rsi)/s.exit, meta), nil
	case state.Flat() && rsi < s.oversold:
		return signal(s.Name(), bar, domain.SignalTypeLong, (s.oversold-rsi)/s.oversold, meta), nil
	case state.Flat() && rsi > s.overbought && s.allowShort:
		return signal(s.Name(), bar, domain.SignalTypeShort, (rsi-s.overbought)/(100-s.overbought), meta), nil
	}
	return domain.Neutral(s.Name(), bar), nil
}
