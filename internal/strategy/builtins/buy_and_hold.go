package builtins

import (
	"context"

	"tradebot/internal/domain"
	"tradebot/internal/strategy"
)

// BuyAndHoldName is the registry name of BuyAndHold.
const BuyAndHoldName = "buy-and-hold"

var _ strategy.Strategy = (*BuyAndHold)(nil)

// BuyAndHold goes long on the first bar and never exits. It is the baseline
// other strategies are compared against.
type BuyAndHold struct{}

// NewBuyAndHoldFromParams ignores params.
func NewBuyAndHoldFromParams(strategy.Params) (strategy.Strategy, error) {
	return &BuyAndHold{}, nil
}

func (s *BuyAndHold) Name() string { return BuyAndHoldName }
func (s *BuyAndHold) Warmup() int  { return 1 }

func (s *BuyAndHold) OnBar(_ context.Context, state strategy.State, bar domain.Bar) (domain.Signal, error) {
	if state.Flat() {
		return signal(s.Name(), bar, domain.SignalTypeLong, 1, nil), nil
	}
	return domain.Neutral(s.Name(), bar), nil
}
