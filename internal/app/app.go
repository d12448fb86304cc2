// Package app assembles the trading bot from configuration and exposes the
// operator-level actions shared by the scheduler, the Telegram console and
// the API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"tradebot/internal/backtest"
	"tradebot/internal/broker"
	"tradebot/internal/config"
	"tradebot/internal/domain"
	"tradebot/internal/engine"
	"tradebot/internal/events"
	"tradebot/internal/marketdata"
	"tradebot/internal/risk"
	"tradebot/internal/selection"
	"tradebot/internal/shadow"
	"tradebot/internal/store"
	"tradebot/internal/strategy"
	"tradebot/internal/strategy/builtins"
	"tradebot/internal/util"
)

// BacktestRequest selects a backtest grid. Empty fields fall back to the
// configured universe, strategies and lookback.
type BacktestRequest struct {
	Symbols    []string  `json:"symbols,omitempty"`
	Strategies []string  `json:"strategies,omitempty"`
	Start      time.Time `json:"start,omitzero"`
	End        time.Time `json:"end,omitzero"`
}

// Operator is the set of actions an operator surface can trigger.
type Operator interface {
	Status() engine.Status
	Account(ctx context.Context) (*domain.AccountInfo, error)
	Positions(ctx context.Context) ([]domain.Position, error)
	Pause(reason string)
	Resume()
	Flatten(ctx context.Context) (int, error)
	SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)
	CancelOrder(ctx context.Context, id string) error
	Strategies() []string
	RunBacktest(ctx context.Context, req BacktestRequest) (*backtest.Report, error)
	Assignments(ctx context.Context) ([]selection.Assignment, error)
	Assign(ctx context.Context, symbol, strategyName string, params strategy.Params) (selection.Assignment, error)
	SetAssignments(ctx context.Context, as []selection.Assignment) error
	ShadowSnapshots() []shadow.Snapshot
	Promotions() []shadow.Promotion
	Earnings(ctx context.Context, symbol string) ([]domain.EarningsEvent, error)
	SaveEarnings(ctx context.Context, evs []domain.EarningsEvent) error
	Report(ctx context.Context) (string, error)
}

var _ Operator = (*App)(nil)

// App owns every long-lived component of the bot.
type App struct {
	cfg *config.Config
	log *slog.Logger

	Bars     *store.ParquetStore
	DB       *store.SQLiteStore
	Registry *strategy.Registry
	Broker   broker.Broker
	Risk     *risk.Manager
	Blackout *risk.EarningsBlackout
	Backtest *backtest.Engine
	Runner   *backtest.Runner
	Selector *selection.Selector
	Shadow   *shadow.Tracker
	Engine   *engine.Engine
	Ingestor *marketdata.Ingestor
	Bus      *events.Bus
	Calendar *util.TradingCalendar

	mu       sync.Mutex
	resetDay string
}

// New opens the stores and builds the components described by cfg. b
// overrides the configured broker when non-nil.
func New(cfg *config.Config, b broker.Broker, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}
	if b == nil {
		b = NewBroker(cfg, logger)
	}

	a := &App{
		cfg:      cfg,
		log:      util.Component(logger, "app"),
		Bars:     store.NewParquetStore(cfg.Storage.DataDir),
		DB:       db,
		Registry: builtins.NewRegistry(),
		Broker:   b,
		Bus:      events.NewBus(),
		Calendar: util.NewTradingCalendar(domain.MarketUS),
		Selector: selection.NewSelector(logger),
	}

	a.Risk = risk.NewManager(risk.Limits{
		MaxPositionPct:      cfg.Risk.MaxPositionPct,
		MaxDailyLossPct:     cfg.Risk.MaxDailyLossPct,
		MaxOpenPositions:    cfg.Risk.MaxOpenPositions,
		MaxGrossExposurePct: cfg.Risk.MaxGrossExposurePct,
	}, logger)
	a.Blackout = risk.NewEarningsBlackout(cfg.Risk.EarningsDaysBefore, cfg.Risk.EarningsDaysAfter)
	scaler := risk.ContractScaler{
		CapitalPerContract: cfg.Risk.CapitalPerContract,
		MinContracts:       cfg.Risk.MinContracts,
		MaxContracts:       cfg.Risk.MaxContracts,
	}

	a.Backtest = backtest.NewEngine(a.Registry, backtest.Config{
		InitialCapital:    cfg.Backtest.InitialCapital,
		CommissionPerUnit: cfg.Backtest.CommissionPer,
		SlippageBps:       cfg.Backtest.SlippageBps,
		PositionPct:       cfg.Backtest.PositionPct,
		Scaler:            scaler,
	}, logger)
	a.Runner = backtest.NewRunner(a.Backtest, cfg.Backtest.Workers, cfg.Backtest.QueueSize,
		backtest.SinkFunc(a.saveResult), logger)
	a.Shadow = shadow.NewTracker(a.Registry, a.Backtest, db, logger)

	a.Engine = engine.NewEngine(engine.Deps{
		Broker:    b,
		Orders:    db,
		Positions: db,
		Signals:   db,
		Trades:    db,
		Registry:  a.Registry,
		Risk:      a.Risk,
		Sizer: risk.Sizer{
			RiskPerTradePct: cfg.Risk.RiskPerTradePct,
			StopATRMultiple: cfg.Risk.StopATRMultiple,
			MaxPositionPct:  cfg.Risk.MaxPositionPct,
			FallbackPct:     cfg.Backtest.PositionPct,
		},
		Scaler:    scaler,
		Blackout:  a.Blackout,
		Shadow:    a.Shadow,
		Bus:       a.Bus,
		History:   a.history,
		ATRPeriod: cfg.Risk.ATRPeriod,
		Logger:    logger,
	})

	a.Ingestor = marketdata.NewIngestor(a.Bars, marketdata.IngestOptions{}, logger)
	if cfg.Alpaca.APIKey != "" {
		a.Calendar.SetSource(alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.Alpaca.APIKey,
			APISecret: cfg.Alpaca.APISecret,
			BaseURL:   cfg.Alpaca.BaseURL,
		}))
		a.Ingestor.AddSource(domain.MarketUS,
			marketdata.NewAlpacaSource(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.Feed))
	}
	return a, nil
}

// NewBroker builds the execution venue named by cfg.Trading.Broker.
func NewBroker(cfg *config.Config, logger *slog.Logger) broker.Broker {
	switch cfg.Trading.Broker {
	case "bridge":
		return broker.NewBridgeBroker(broker.BridgeOptions{
			BaseURL:         cfg.Bridge.URL,
			Token:           cfg.Bridge.Token,
			Timeout:         cfg.Bridge.Timeout,
			MaxAttempts:     cfg.Bridge.MaxAttempts,
			RateLimitPerMin: cfg.Bridge.RateLimitPerMin,
			Logger:          logger,
		})
	case "alpaca":
		return broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
	default:
		sim := broker.NewSimulatorBroker(cfg.Trading.InitialCapital)
		sim.SetCommission(cfg.Backtest.CommissionPer)
		return sim
	}
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Close releases the database.
func (a *App) Close() error { return a.DB.Close() }

// Start restores persisted state: the position book, the earnings calendar
// and the strategy assignments. It then resets the daily risk baseline.
func (a *App) Start(ctx context.Context) error {
	a.Engine.SetInstruments(a.cfg.Instruments())
	if err := a.Engine.Start(ctx); err != nil {
		return err
	}
	if err := a.Blackout.Load(ctx, a.DB, time.Now()); err != nil {
		return err
	}
	as, err := a.DB.ListAssignments(ctx)
	if err != nil {
		return fmt.Errorf("loading assignments: %w", err)
	}
	if err := a.Engine.SetAssignments(ctx, as); err != nil {
		return err
	}
	if err := a.StartOfDay(ctx); err != nil {
		// The broker may be unreachable at boot; the scheduled job retries.
		a.log.Warn("start of day failed", "error", err)
	}
	a.log.Info("app started", "broker", a.Broker.Name(), "universe", len(a.cfg.Universe), "assignments", len(as))
	return nil
}

func (a *App) instrument(symbol string) domain.Instrument {
	symbol = strings.ToUpper(symbol)
	for _, inst := range a.cfg.Instruments() {
		if inst.Symbol == symbol {
			return inst
		}
	}
	return domain.StockInstrument(symbol)
}

func (a *App) history(ctx context.Context, symbol string, n int) ([]domain.Bar, error) {
	inst := a.instrument(symbol)
	return a.Bars.RecentBars(ctx, inst.Symbol, inst.Market, n, time.Now())
}

// saveResult persists a backtest result and archives its equity curve.
func (a *App) saveResult(ctx context.Context, r *backtest.Result) error {
	if err := a.DB.SaveResult(ctx, r); err != nil {
		return err
	}
	if len(r.Equity) == 0 {
		return nil
	}
	return a.Bars.WriteEquity(ctx, r.ID, r.Equity)
}

// ---------------------------------------------------------------------------
// Operator actions
// ---------------------------------------------------------------------------

func (a *App) Status() engine.Status { return a.Engine.Status() }

func (a *App) Account(ctx context.Context) (*domain.AccountInfo, error) {
	return a.Engine.Account(ctx)
}

func (a *App) Positions(ctx context.Context) ([]domain.Position, error) {
	return a.Engine.GetPositions(ctx)
}

func (a *App) Pause(reason string) { a.Engine.Pause(reason) }

func (a *App) Resume() { a.Engine.Resume() }

func (a *App) Flatten(ctx context.Context) (int, error) { return a.Engine.Flatten(ctx) }

func (a *App) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	return a.Engine.SubmitOrder(ctx, order)
}

func (a *App) CancelOrder(ctx context.Context, id string) error {
	return a.Engine.CancelOrder(ctx, id)
}

func (a *App) Strategies() []string { return a.Registry.List() }

func (a *App) Assignments(ctx context.Context) ([]selection.Assignment, error) {
	return a.DB.ListAssignments(ctx)
}

// Assign pins strategyName as the live strategy for symbol. Manual
// assignments survive the nightly reselection.
func (a *App) Assign(ctx context.Context, symbol, strategyName string, params strategy.Params) (selection.Assignment, error) {
	if !a.Registry.Has(strategyName) {
		return selection.Assignment{}, fmt.Errorf("%w: %q", strategy.ErrUnknownStrategy, strategyName)
	}
	if params == nil {
		params = a.cfg.Backtest.Params(strategyName)
	}
	as := selection.Assignment{
		Symbol:    strings.ToUpper(symbol),
		Strategy:  strategyName,
		Params:    params,
		Mode:      selection.ModeLive,
		Manual:    true,
		UpdatedAt: time.Now().UTC(),
	}
	if err := a.DB.SaveAssignment(ctx, as); err != nil {
		return selection.Assignment{}, err
	}
	all, err := a.DB.ListAssignments(ctx)
	if err != nil {
		return selection.Assignment{}, err
	}
	if err := a.Engine.SetAssignments(ctx, all); err != nil {
		return selection.Assignment{}, err
	}
	a.log.Info("manual assignment", "symbol", as.Symbol, "strategy", strategyName)
	return as, nil
}

// SetAssignments replaces every assignment and reloads the engine.
func (a *App) SetAssignments(ctx context.Context, as []selection.Assignment) error {
	for i := range as {
		if !a.Registry.Has(as[i].Strategy) {
			return fmt.Errorf("%w: %q", strategy.ErrUnknownStrategy, as[i].Strategy)
		}
		as[i].Symbol = strings.ToUpper(as[i].Symbol)
		if as[i].Mode == "" {
			as[i].Mode = selection.ModeShadow
		}
		if as[i].UpdatedAt.IsZero() {
			as[i].UpdatedAt = time.Now().UTC()
		}
	}
	if err := a.DB.ReplaceAssignments(ctx, as); err != nil {
		return err
	}
	return a.Engine.SetAssignments(ctx, as)
}

func (a *App) ShadowSnapshots() []shadow.Snapshot { return a.Shadow.Snapshot() }

func (a *App) Promotions() []shadow.Promotion {
	return a.Shadow.Promotions(a.cfg.Selection.PromotionEdge)
}

func (a *App) Earnings(ctx context.Context, symbol string) ([]domain.EarningsEvent, error) {
	return a.DB.EarningsFor(ctx, symbol)
}

// SaveEarnings stores manually supplied earnings dates and reloads the
// blackout calendar.
func (a *App) SaveEarnings(ctx context.Context, evs []domain.EarningsEvent) error {
	if err := a.DB.SaveEarnings(ctx, evs); err != nil {
		return err
	}
	return a.Blackout.Load(ctx, a.DB, time.Now())
}

// ---------------------------------------------------------------------------
// Backtests and selection
// ---------------------------------------------------------------------------

func (a *App) strategySpecs(names []string) ([]backtest.StrategySpec, error) {
	if len(names) == 0 {
		names = a.cfg.Backtest.Strategies
	}
	if len(names) == 0 {
		names = a.Registry.List()
	}
	specs := make([]backtest.StrategySpec, 0, len(names))
	for _, n := range names {
		if !a.Registry.Has(n) {
			return nil, fmt.Errorf("%w: %q", strategy.ErrUnknownStrategy, n)
		}
		specs = append(specs, backtest.StrategySpec{Name: n, Params: a.cfg.Backtest.Params(n)})
	}
	return specs, nil
}

func (a *App) universe(symbols []string) []domain.Instrument {
	if len(symbols) == 0 {
		return a.cfg.Instruments()
	}
	out := make([]domain.Instrument, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, a.instrument(s))
	}
	return out
}

// RunBacktest replays stored bars for the requested grid on the parallel
// runner. Results are persisted as they complete.
func (a *App) RunBacktest(ctx context.Context, req BacktestRequest) (*backtest.Report, error) {
	specs, err := a.strategySpecs(req.Strategies)
	if err != nil {
		return nil, err
	}
	end := req.End
	if end.IsZero() {
		end = time.Now().UTC()
	}
	start := req.Start
	if start.IsZero() {
		start = end.AddDate(0, 0, -a.cfg.Backtest.LookbackDays)
	}

	insts := a.universe(req.Symbols)
	bars := make(map[string][]domain.Bar, len(insts))
	for _, inst := range insts {
		bs, err := a.Bars.ReadBars(ctx, inst.Symbol, inst.Market, start, end)
		if err != nil {
			return nil, fmt.Errorf("reading bars for %s: %w", inst.Symbol, err)
		}
		bars[inst.Symbol] = bs
	}
	jobs := backtest.Grid(insts, specs, bars)
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w between %s and %s", backtest.ErrNoBars, start.Format(time.DateOnly), end.Format(time.DateOnly))
	}

	report, err := a.Runner.Run(ctx, jobs)
	if err != nil {
		return nil, err
	}
	a.Bus.Publish(events.Event{
		Type:    events.BacktestCompleted,
		Message: fmt.Sprintf("%d results, %d failed in %s", len(report.Results), len(report.Errors), report.Duration.Round(time.Second)),
	})
	return report, nil
}

// NightlyBacktest reruns the full grid, selects the best strategy per
// symbol and installs the new assignments. Manual live assignments are kept.
func (a *App) NightlyBacktest(ctx context.Context) error {
	report, err := a.RunBacktest(ctx, BacktestRequest{})
	if err != nil {
		return err
	}
	next := a.Selector.Select(report.Sorted(), selection.Criteria{
		MinTrades:       a.cfg.Selection.MinTrades,
		MinSharpe:       a.cfg.Selection.MinSharpe,
		MaxDrawdown:     a.cfg.Selection.MaxDrawdown,
		ShadowPerSymbol: a.cfg.Selection.ShadowPerSymbol,
	})
	current, err := a.DB.ListAssignments(ctx)
	if err != nil {
		return err
	}
	merged := selection.Merge(current, next)
	if err := a.DB.ReplaceAssignments(ctx, merged); err != nil {
		return err
	}
	if err := a.Engine.SetAssignments(ctx, merged); err != nil {
		return err
	}
	for _, p := range a.Promotions() {
		a.log.Info("shadow outperforming live", "symbol", p.Candidate.Symbol,
			"candidate", p.Candidate.Strategy, "live", p.Live.Strategy, "edge", p.Edge)
	}
	a.log.Info("nightly selection", "results", len(report.Results), "assignments", len(merged),
		"live", len(selection.Live(merged)))
	return nil
}

// ---------------------------------------------------------------------------
// Scheduled work
// ---------------------------------------------------------------------------

// IngestDaily backfills the last few days of bars for the universe.
func (a *App) IngestDaily(ctx context.Context) error {
	end := time.Now().UTC()
	_, err := a.Ingestor.Backfill(ctx, a.cfg.Instruments(), end.AddDate(0, 0, -5), end)
	return err
}

// since returns the earliest last-processed bar across insts, or a short
// lookback when a symbol has none.
func (a *App) since(insts []domain.Instrument) time.Time {
	last := a.Engine.Status().LastBar
	fallback := time.Now().UTC().AddDate(0, 0, -5)
	var earliest time.Time
	for _, inst := range insts {
		t, ok := last[inst.Symbol]
		if !ok {
			return fallback
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	if earliest.IsZero() {
		return fallback
	}
	return earliest
}

// TradeLoop fetches bars newer than the last processed ones, stores them
// and feeds them to the engine in time order.
func (a *App) TradeLoop(ctx context.Context) error {
	if _, sim := a.Broker.(*broker.SimulatorBroker); !sim {
		if err := a.Engine.Reconcile(ctx); err != nil {
			a.log.Warn("reconcile failed", "error", err)
		}
	}
	insts := a.cfg.Instruments()
	bars, err := a.Ingestor.NewBars(ctx, insts, a.cfg.Trading.Timeframe, a.since(insts))
	if err != nil {
		return err
	}
	byMarket := make(map[domain.Market][]domain.Bar)
	for _, b := range bars {
		m := a.instrument(b.Symbol).Market
		byMarket[m] = append(byMarket[m], b)
	}
	for m, bs := range byMarket {
		if err := a.Bars.WriteBars(ctx, m, bs); err != nil {
			a.log.Warn("storing live bars", "market", m, "error", err)
		}
	}

	var errs []error
	for _, b := range bars {
		if err := a.Engine.OnBar(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RefreshEarnings pulls earnings dates for the stock universe from the
// broker when it provides them, then reloads the blackout calendar.
func (a *App) RefreshEarnings(ctx context.Context) error {
	if p, ok := a.Broker.(broker.EarningsProvider); ok {
		var symbols []string
		for _, inst := range a.cfg.Instruments() {
			if !inst.IsFuture() {
				symbols = append(symbols, inst.Symbol)
			}
		}
		evs, err := p.Earnings(ctx, symbols)
		if err != nil {
			return err
		}
		if err := a.DB.SaveEarnings(ctx, evs); err != nil {
			return err
		}
		a.log.Info("earnings refreshed", "events", len(evs))
	}
	return a.Blackout.Load(ctx, a.DB, time.Now())
}

// StartOfDay resets the daily risk baseline once per exchange day.
func (a *App) StartOfDay(ctx context.Context) error {
	today := time.Now().In(a.Calendar.Location()).Format(time.DateOnly)
	a.mu.Lock()
	done := a.resetDay == today
	a.mu.Unlock()
	if done {
		return nil
	}
	if err := a.Engine.StartOfDay(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.resetDay = today
	a.mu.Unlock()
	return nil
}
