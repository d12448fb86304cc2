package backtest

import (
	"math"
	"time"

	"tradebot/internal/domain"
)

// TradingDaysPerYear annualises daily return statistics.
const TradingDaysPerYear = 252

// MaxProfitFactor is reported when there are winning trades and no losers.
const MaxProfitFactor = 999.0

// EquityPoint is the marked equity at the close of one bar.
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// Metrics summarises a backtest.
type Metrics struct {
	InitialCapital float64   `json:"initial_capital"`
	FinalEquity    float64   `json:"final_equity"`
	TotalReturn    float64   `json:"total_return"`
	CAGR           float64   `json:"cagr"`
	Sharpe         float64   `json:"sharpe"`
	Sortino        float64   `json:"sortino"`
	MaxDrawdown    float64   `json:"max_drawdown"`
	MaxDrawdownAt  time.Time `json:"max_drawdown_at"`
	WinRate        float64   `json:"win_rate"`
	ProfitFactor   float64   `json:"profit_factor"`
	AvgWin         float64   `json:"avg_win"`
	AvgLoss        float64   `json:"avg_loss"`
	Trades         int       `json:"trades"`
	Exposure       float64   `json:"exposure"`
}

// ComputeMetrics derives Metrics from an equity curve and the closed trades.
// barsInMarket counts bars that ended with an open position.
func ComputeMetrics(initial float64, curve []EquityPoint, trades []domain.ClosedTrade, barsInMarket int) Metrics {
	m := Metrics{InitialCapital: initial, FinalEquity: initial, Trades: len(trades)}
	if len(curve) > 0 {
		m.FinalEquity = curve[len(curve)-1].Equity
		m.Exposure = float64(barsInMarket) / float64(len(curve))
	}
	if initial > 0 {
		m.TotalReturn = m.FinalEquity/initial - 1
	}
	m.CAGR = cagr(initial, m.FinalEquity, curve)

	returns := dailyReturns(curve)
	m.Sharpe = sharpe(returns)
	m.Sortino = sortino(returns)
	m.MaxDrawdown, m.MaxDrawdownAt = maxDrawdown(curve)

	var wins, losses int
	var grossWin, grossLoss float64
	for _, t := range trades {
		switch {
		case t.PnL > 0:
			wins++
			grossWin += t.PnL
		case t.PnL < 0:
			losses++
			grossLoss += t.PnL
		}
	}
	if len(trades) > 0 {
		m.WinRate = float64(wins) / float64(len(trades))
	}
	if wins > 0 {
		m.AvgWin = grossWin / float64(wins)
	}
	if losses > 0 {
		m.AvgLoss = grossLoss / float64(losses)
	}
	switch {
	case grossLoss < 0:
		m.ProfitFactor = math.Min(grossWin/-grossLoss, MaxProfitFactor)
	case grossWin > 0:
		m.ProfitFactor = MaxProfitFactor
	}
	return m
}

func cagr(initial, final float64, curve []EquityPoint) float64 {
	if initial <= 0 || len(curve) < 2 {
		return 0
	}
	years := curve[len(curve)-1].Time.Sub(curve[0].Time).Hours() / 24 / 365.25
	if years <= 0 {
		return 0
	}
	if final <= 0 {
		return -1
	}
	return math.Pow(final/initial, 1/years) - 1
}

func dailyReturns(curve []EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev <= 0 {
			continue
		}
		out = append(out, curve[i].Equity/prev-1)
	}
	return out
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// sharpe is the annualised mean over sample standard deviation, zero
// risk-free rate.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mu := mean(returns)
	var ss float64
	for _, r := range returns {
		ss += (r - mu) * (r - mu)
	}
	sd := math.Sqrt(ss / float64(len(returns)-1))
	if sd < 1e-12 {
		return 0
	}
	return mu / sd * math.Sqrt(TradingDaysPerYear)
}

// sortino divides by downside deviation instead of total volatility.
func sortino(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var ss float64
	for _, r := range returns {
		if r < 0 {
			ss += r * r
		}
	}
	dd := math.Sqrt(ss / float64(len(returns)))
	if dd < 1e-12 {
		return 0
	}
	return mean(returns) / dd * math.Sqrt(TradingDaysPerYear)
}

// maxDrawdown returns the largest peak-to-trough decline as a fraction of
// the peak and the time of the trough.
func maxDrawdown(curve []EquityPoint) (float64, time.Time) {
	var peak, worst float64
	var at time.Time
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - p.Equity) / peak; dd > worst {
			worst = dd
			at = p.Time
		}
	}
	return worst, at
}
