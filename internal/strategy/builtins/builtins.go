// Package builtins provides built-in strategy implementations that ship with
// tradebot.
package builtins

import (
	"strconv"

	"tradebot/internal/domain"
	"tradebot/internal/strategy"
)

// Register adds every built-in strategy to r.
func Register(r *strategy.Registry) {
	r.Register(SMACrossName, NewSMACrossFromParams)
	r.Register(RSIReversionName, NewRSIReversionFromParams)
	r.Register(BollingerBreakoutName, NewBollingerBreakoutFromParams)
	r.Register(MACDTrendName, NewMACDTrendFromParams)
	r.Register(BuyAndHoldName, NewBuyAndHoldFromParams)
}

// NewRegistry returns a registry pre-populated with the built-ins.
func NewRegistry() *strategy.Registry {
	r := strategy.NewRegistry()
	Register(r)
	return r
}

// signal builds a signal for bar with numeric metadata rendered as strings.
func signal(name string, bar domain.Bar, typ domain.SignalType, strength float64, meta map[string]float64) domain.Signal {
	s := domain.Signal{
		StrategyID: name,
		Symbol:     bar.Symbol,
		Type:       typ,
		Strength:   clamp01(strength),
		Price:      bar.Close,
		CreatedAt:  bar.Timestamp,
	}
	if len(meta) > 0 {
		s.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			s.Metadata[k] = strconv.FormatFloat(v, 'f', 4, 64)
		}
	}
	return s
}

// entry returns the signal that moves state toward dir (+1 long, -1 short).
// It returns an exit when reversing is not allowed and the position is
// opposite, and neutral when already positioned in dir.
func entry(name string, state strategy.State, bar domain.Bar, dir int, allowShort bool, strength float64, meta map[string]float64) domain.Signal {
	switch {
	case dir > 0 && !state.Long():
		return signal(name, bar, domain.SignalTypeLong, strength, meta)
	case dir < 0 && state.Long():
		if allowShort {
			return signal(name, bar, domain.SignalTypeShort, strength, meta)
		}
		return signal(name, bar, domain.SignalTypeExit, strength, meta)
	case dir < 0 && state.Flat() && allowShort:
		return signal(name, bar, domain.SignalTypeShort, strength, meta)
	}
	return domain.Neutral(name, bar)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
