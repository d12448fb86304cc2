package indicator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot/internal/domain"
)

func flatBars(n int, close, spread float64) []domain.Bar {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, n)
	for i := range bars {
		bars[i] = domain.Bar{
			Symbol:    "TEST",
			Timestamp: start.AddDate(0, 0, i),
			Open:      close,
			High:      close + spread/2,
			Low:       close - spread/2,
			Close:     close,
		}
	}
	return bars
}

func TestSMA(t *testing.T) {
	v, ok := SMA([]float64{1, 2, 3, 4, 5}, 3)
	require.True(t, ok)
	assert.InDelta(t, 4.0, v, 1e-9)

	_, ok = SMA([]float64{1, 2}, 3)
	assert.False(t, ok, "too short")

	series := SMASeries([]float64{1, 2, 3, 4, 5}, 3)
	assert.Len(t, series, 3)
}

func TestEMAConstant(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = 50
	}
	v, ok := EMA(values, 10)
	require.True(t, ok)
	assert.InDelta(t, 50.0, v, 1e-9)
}

func TestRSIDirection(t *testing.T) {
	up := []float64{100}
	down := []float64{100}
	for i := 0; i < 40; i++ {
		if i%2 == 0 {
			up = append(up, up[len(up)-1]+2)
			down = append(down, down[len(down)-1]-2)
		} else {
			up = append(up, up[len(up)-1]-1)
			down = append(down, down[len(down)-1]+1)
		}
	}
	rUp, ok := RSI(up, 14)
	require.True(t, ok)
	rDown, ok := RSI(down, 14)
	require.True(t, ok)

	assert.Greater(t, rUp, 50.0)
	assert.Less(t, rDown, 50.0)

	_, ok = RSI(up[:10], 14)
	assert.False(t, ok)
}

func TestATRFlatRange(t *testing.T) {
	v, ok := ATR(flatBars(40, 10, 2), 14)
	require.True(t, ok)
	assert.InDelta(t, 2.0, v, 1e-6)

	_, ok = ATR(flatBars(5, 10, 2), 14)
	assert.False(t, ok)
}

func TestMACD(t *testing.T) {
	_, ok := MACD([]float64{1, 2, 3}, 12, 26, 9)
	assert.False(t, ok)

	values := make([]float64, 80)
	for i := range values {
		values[i] = 100 + float64(i)
	}
	m, ok := MACD(values, 12, 26, 9)
	require.True(t, ok)
	assert.Greater(t, m.Line, 0.0, "rising prices give a positive MACD line")
}

func TestBollinger(t *testing.T) {
	b, ok := Bollinger([]float64{10, 10, 10, 10, 10}, 5, 2)
	require.True(t, ok)
	assert.Equal(t, Bands{Upper: 10, Middle: 10, Lower: 10}, b)
	assert.Zero(t, b.Width())

	b, ok = Bollinger([]float64{8, 12, 8, 12}, 4, 2)
	require.True(t, ok)
	assert.InDelta(t, 10.0, b.Middle, 1e-9)
	assert.InDelta(t, 14.0, b.Upper, 1e-9)
	assert.InDelta(t, 6.0, b.Lower, 1e-9)
}

func TestBollingerUsesLastWindowAndMultiplier(t *testing.T) {
	values := []float64{100, 1, 2, 3, 4, 5}
	b, ok := Bollinger(values, 5, 1.5)
	require.True(t, ok)
	sd := math.Sqrt(2)
	assert.InDelta(t, 3.0, b.Middle, 1e-9)
	assert.InDelta(t, 3+1.5*sd, b.Upper, 1e-9)
	assert.InDelta(t, 3-1.5*sd, b.Lower, 1e-9)
	assert.InDelta(t, sd, b.Width(), 1e-9)

	_, ok = Bollinger(values, 7, 2)
	assert.False(t, ok)
	_, ok = Bollinger(values, 0, 2)
	assert.False(t, ok)
}

func TestWindow(t *testing.T) {
	w := NewWindow(3)
	_, ok := w.Last()
	assert.False(t, ok)

	for i, bar := range flatBars(5, 1, 0) {
		bar.Close = float64(i)
		w.Push(bar)
	}
	assert.True(t, w.Full())
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, []float64{2, 3, 4}, w.Closes())
	last, ok := w.Last()
	require.True(t, ok)
	assert.Equal(t, 4.0, last.Close)
}
