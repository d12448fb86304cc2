package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tradebot/internal/domain"
	"tradebot/internal/risk"
	"tradebot/internal/strategy"
)

// ErrNoBars is returned for a job without any history.
var ErrNoBars = errors.New("no bars")

// Config controls simulated execution.
type Config struct {
	InitialCapital    float64
	CommissionPerUnit float64
	SlippageBps       float64
	PositionPct       float64
	Scaler            risk.ContractScaler
}

// Job is one (instrument, strategy, params) combination to replay over Bars.
type Job struct {
	Instrument domain.Instrument
	Strategy   string
	Params     strategy.Params
	Bars       []domain.Bar
}

// Key identifies the combination independent of the bars.
func (j Job) Key() string {
	return Key(j.Instrument.Symbol, j.Strategy, j.Params)
}

// Key formats the identity of a symbol/strategy/params combination.
func Key(symbol, strategyName string, params strategy.Params) string {
	k := symbol + "/" + strategyName
	if len(params) > 0 {
		k += "/" + params.String()
	}
	return k
}

// Result is the outcome of one Job.
type Result struct {
	ID        string               `json:"id"`
	Symbol    string               `json:"symbol"`
	Strategy  string               `json:"strategy"`
	Params    strategy.Params      `json:"params,omitempty"`
	Start     time.Time            `json:"start"`
	End       time.Time            `json:"end"`
	Bars      int                  `json:"bars"`
	Signals   int                  `json:"signals"`
	Metrics   Metrics              `json:"metrics"`
	Trades    []domain.ClosedTrade `json:"trades,omitempty"`
	Equity    []EquityPoint        `json:"equity,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

// Key returns the combination key of the result.
func (r *Result) Key() string { return Key(r.Symbol, r.Strategy, r.Params) }

// Engine runs single backtests. It is stateless and safe for concurrent use.
type Engine struct {
	registry *strategy.Registry
	cfg      Config
	logger   *slog.Logger
}

// NewEngine creates an Engine that builds strategies from registry.
func NewEngine(registry *strategy.Registry, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{registry: registry, cfg: cfg, logger: logger.With("component", "backtest")}
}

// Config returns the execution settings.
func (e *Engine) Config() Config { return e.cfg }

// NewPortfolio returns an empty portfolio using the engine's costs and sizing.
func (e *Engine) NewPortfolio() *Portfolio {
	return NewPortfolio(e.cfg.InitialCapital, Costs{
		CommissionPerUnit: e.cfg.CommissionPerUnit,
		SlippageBps:       e.cfg.SlippageBps,
	}, PctSizer{Pct: e.cfg.PositionPct, Scaler: e.cfg.Scaler})
}

// Run replays job.Bars in order. The strategy only ever sees bars up to the
// one being processed. Any position still open after the last bar is closed
// at that bar's close.
func (e *Engine) Run(ctx context.Context, job Job) (*Result, error) {
	if len(job.Bars) == 0 {
		return nil, fmt.Errorf("%s: %w", job.Key(), ErrNoBars)
	}
	strat, err := e.registry.New(job.Strategy, job.Params)
	if err != nil {
		return nil, err
	}

	symbol := job.Instrument.Symbol
	if symbol == "" {
		symbol = job.Bars[0].Symbol
		job.Instrument = domain.StockInstrument(symbol)
	}
	pf := e.NewPortfolio()
	pf.SetInstrument(job.Instrument)

	warmup := strat.Warmup()
	curve := make([]EquityPoint, 0, len(job.Bars))
	inMarket, signals := 0, 0
	last := len(job.Bars) - 1

	for i, bar := range job.Bars {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		bar.Symbol = symbol
		pf.Mark(bar)

		sig, err := strat.OnBar(ctx, pf.State(symbol), bar)
		if err != nil {
			return nil, fmt.Errorf("%s bar %s: %w", job.Key(), bar.Timestamp.Format(time.DateOnly), err)
		}
		if i+1 >= warmup && sig.Type != domain.SignalTypeNeutral {
			signals++
			sig.StrategyID = job.Strategy
			pf.Apply(sig, bar)
		}
		if pf.Position(symbol) != nil {
			inMarket++
		}
		if i == last {
			pf.CloseAll(bar.Timestamp)
		}
		curve = append(curve, EquityPoint{Time: bar.Timestamp, Equity: pf.Equity()})
	}

	res := &Result{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Strategy:  job.Strategy,
		Params:    job.Params,
		Start:     job.Bars[0].Timestamp,
		End:       job.Bars[last].Timestamp,
		Bars:      len(job.Bars),
		Signals:   signals,
		Trades:    pf.Trades(),
		Equity:    curve,
		CreatedAt: time.Now().UTC(),
	}
	res.Metrics = ComputeMetrics(e.cfg.InitialCapital, curve, res.Trades, inMarket)
	e.logger.Debug("backtest finished",
		"symbol", symbol, "strategy", job.Strategy,
		"trades", res.Metrics.Trades, "sharpe", res.Metrics.Sharpe, "return", res.Metrics.TotalReturn)
	return res, nil
}
