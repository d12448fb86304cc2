package risk

import (
	"github.com/shopspring/decimal"

	"tradebot/internal/domain"
)

// Sizer computes order quantities from account equity and volatility.
type Sizer struct {
	// RiskPerTradePct is the fraction of equity lost if the stop is hit.
	RiskPerTradePct float64
	// StopATRMultiple places the stop this many ATRs from entry.
	StopATRMultiple float64
	// MaxPositionPct caps the position notional as a fraction of equity.
	MaxPositionPct float64
	// FallbackPct is the fraction of equity used when ATR is unknown.
	FallbackPct float64
}

// Size returns a whole-unit quantity for a new position in inst at price.
//
//	qty = floor(equity * RiskPerTradePct / (atr * StopATRMultiple * multiplier))
//
// capped at floor(equity * MaxPositionPct / (price * multiplier)). When atr is
// not positive the fraction-of-equity fallback is used instead.
func (s Sizer) Size(equity, price, atr float64, inst domain.Instrument) float64 {
	if equity <= 0 || price <= 0 {
		return 0
	}
	eq := decimal.NewFromFloat(equity)
	px := decimal.NewFromFloat(price)
	mult := decimal.NewFromFloat(inst.PointValue())
	unit := px.Mul(mult)

	var qty decimal.Decimal
	if atr > 0 && s.RiskPerTradePct > 0 && s.StopATRMultiple > 0 {
		riskBudget := eq.Mul(decimal.NewFromFloat(s.RiskPerTradePct))
		perUnitRisk := decimal.NewFromFloat(atr).Mul(decimal.NewFromFloat(s.StopATRMultiple)).Mul(mult)
		qty = riskBudget.Div(perUnitRisk).Floor()
	} else {
		pct := s.FallbackPct
		if pct <= 0 {
			pct = s.MaxPositionPct
		}
		qty = eq.Mul(decimal.NewFromFloat(pct)).Div(unit).Floor()
	}

	if s.MaxPositionPct > 0 {
		capQty := eq.Mul(decimal.NewFromFloat(s.MaxPositionPct)).Div(unit).Floor()
		if qty.GreaterThan(capQty) {
			qty = capQty
		}
	}
	if qty.IsNegative() {
		return 0
	}
	return qty.InexactFloat64()
}

// ContractScaler sizes futures positions in whole contracts that grow with
// equity.
type ContractScaler struct {
	CapitalPerContract float64
	MinContracts       int
	MaxContracts       int // zero means no upper bound
}

// Contracts returns floor(equity / CapitalPerContract) clamped to
// [MinContracts, MaxContracts] and to the margin the account can post.
func (c ContractScaler) Contracts(equity float64, inst domain.Instrument) int {
	if equity <= 0 {
		return 0
	}
	eq := decimal.NewFromFloat(equity)

	n := c.MinContracts
	if c.CapitalPerContract > 0 {
		n = int(eq.Div(decimal.NewFromFloat(c.CapitalPerContract)).Floor().IntPart())
	}
	if n < c.MinContracts {
		n = c.MinContracts
	}
	if c.MaxContracts > 0 && n > c.MaxContracts {
		n = c.MaxContracts
	}
	if inst.MarginPerContract > 0 {
		capacity := int(eq.Div(decimal.NewFromFloat(inst.MarginPerContract)).Floor().IntPart())
		if n > capacity {
			n = capacity
		}
	}
	if n < 0 {
		return 0
	}
	return n
}
