// Package indicator adapts github.com/cinar/indicator/v2 to the bar and
// slice shapes used by strategies. Every function returns the most recent
// value and ok=false when the input is too short.
package indicator

import (
	"math"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"

	"tradebot/internal/domain"
)

// SMA returns the simple moving average of the last period values.
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	sma := trend.NewSmaWithPeriod[float64](period)
	return last(helper.ChanToSlice(sma.Compute(helper.SliceToChan(values))))
}

// SMASeries returns the full SMA series, shorter than values by period-1.
func SMASeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	sma := trend.NewSmaWithPeriod[float64](period)
	return helper.ChanToSlice(sma.Compute(helper.SliceToChan(values)))
}

// EMA returns the exponential moving average.
func EMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	return last(helper.ChanToSlice(ema.Compute(helper.SliceToChan(values))))
}

// RSI returns the relative strength index in [0, 100].
func RSI(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) <= period {
		return 0, false
	}
	rsi := momentum.NewRsiWithPeriod[float64](period)
	v, ok := last(helper.ChanToSlice(rsi.Compute(helper.SliceToChan(values))))
	if !ok || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// ATR returns the average true range over bars.
func ATR(bars []domain.Bar, period int) (float64, bool) {
	if period <= 0 || len(bars) <= period {
		return 0, false
	}
	highs, lows, closes := HLC(bars)
	atr := volatility.NewAtrWithPeriod[float64](period)
	return last(helper.ChanToSlice(atr.Compute(
		helper.SliceToChan(highs),
		helper.SliceToChan(lows),
		helper.SliceToChan(closes),
	)))
}

// MACDValue holds the latest and previous MACD and signal line values so
// callers can detect crossovers.
type MACDValue struct {
	Line       float64
	Signal     float64
	PrevLine   float64
	PrevSignal float64
}

// Histogram returns Line - Signal.
func (m MACDValue) Histogram() float64 { return m.Line - m.Signal }

// CrossedUp reports whether the MACD line crossed above its signal line on
// the latest value.
func (m MACDValue) CrossedUp() bool { return m.PrevLine <= m.PrevSignal && m.Line > m.Signal }

// CrossedDown reports whether the MACD line crossed below its signal line.
func (m MACDValue) CrossedDown() bool { return m.PrevLine >= m.PrevSignal && m.Line < m.Signal }

// MACD computes the MACD line and signal line.
func MACD(values []float64, fast, slow, signal int) (MACDValue, bool) {
	if fast <= 0 || slow <= fast || signal <= 0 || len(values) < slow+signal+1 {
		return MACDValue{}, false
	}
	macd := trend.NewMacdWithPeriod[float64](fast, slow, signal)
	lineCh, signalCh := macd.Compute(helper.SliceToChan(values))

	// Both outputs are fed in lockstep; drain them concurrently.
	sigDone := make(chan []float64, 1)
	go func() { sigDone <- helper.ChanToSlice(signalCh) }()
	lines := helper.ChanToSlice(lineCh)
	sigs := <-sigDone

	if len(lines) < 2 || len(sigs) < 2 {
		return MACDValue{}, false
	}
	return MACDValue{
		Line:       lines[len(lines)-1],
		Signal:     sigs[len(sigs)-1],
		PrevLine:   lines[len(lines)-2],
		PrevSignal: sigs[len(sigs)-2],
	}, true
}

// Bands is a Bollinger band triple.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Width returns (Upper-Lower)/Middle.
func (b Bands) Width() float64 {
	if b.Middle == 0 {
		return 0
	}
	return (b.Upper - b.Lower) / b.Middle
}

// Bollinger returns bands k population standard deviations around the SMA
// of the last period values.
func Bollinger(values []float64, period int, k float64) (Bands, bool) {
	if period <= 0 || len(values) < period {
		return Bands{}, false
	}
	bb := volatility.NewBollingerBandsWithPeriod[float64](period)
	upperCh, middleCh, lowerCh := bb.Compute(helper.SliceToChan(values[len(values)-period:]))

	// The three outputs share upstream duplicates; drain them concurrently.
	upperDone := make(chan []float64, 1)
	lowerDone := make(chan []float64, 1)
	go func() { upperDone <- helper.ChanToSlice(upperCh) }()
	go func() { lowerDone <- helper.ChanToSlice(lowerCh) }()
	mid, ok := last(helper.ChanToSlice(middleCh))
	upper, _ := last(<-upperDone)
	<-lowerDone
	if !ok {
		return Bands{}, false
	}
	// The library fixes the width at two deviations.
	sd := (upper - mid) / 2
	return Bands{Upper: mid + k*sd, Middle: mid, Lower: mid - k*sd}, true
}

// Closes extracts close prices.
func Closes(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// HLC extracts highs, lows and closes.
func HLC(bars []domain.Bar) (highs, lows, closes []float64) {
	highs = make([]float64, len(bars))
	lows = make([]float64, len(bars))
	closes = make([]float64, len(bars))
	for i, b := range bars {
		highs[i], lows[i], closes[i] = b.High, b.Low, b.Close
	}
	return highs, lows, closes
}

func last(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	return values[len(values)-1], true
}
