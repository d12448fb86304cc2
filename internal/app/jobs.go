package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tradebot/internal/scheduler"
	"tradebot/internal/store"
)

// Notify delivers a text message to the operators.
type Notify func(ctx context.Context, text string) error

// Jobs returns the recurring work of the bot daemon. notify receives the
// daily report and may be nil.
func (a *App) Jobs(notify Notify) []scheduler.Job {
	s := a.cfg.Schedule
	return []scheduler.Job{
		{Name: "start-of-day", Interval: s.StartOfDay, RunOnStart: true, TradingDaysOnly: true, Run: a.StartOfDay},
		{Name: "trade-loop", Interval: s.TradeLoop, MarketHoursOnly: true, Run: a.TradeLoop},
		{Name: "ingest-daily", Interval: s.IngestDaily, TradingDaysOnly: true, Run: a.IngestDaily},
		{Name: "nightly-backtest", Interval: s.NightlyBacktest, Run: a.NightlyBacktest},
		{Name: "earnings-refresh", Interval: s.EarningsRefresh, RunOnStart: true, Run: a.RefreshEarnings},
		{Name: "daily-report", Interval: s.DailyReport, TradingDaysOnly: true, Run: func(ctx context.Context) error {
			text, err := a.Report(ctx)
			if err != nil {
				return err
			}
			if notify == nil {
				a.log.Info("daily report", "report", text)
				return nil
			}
			return notify(ctx, text)
		}},
	}
}

// Report renders the end-of-day summary: account, daily P&L, today's closed
// trades, open positions and shadow combinations beating live ones.
func (a *App) Report(ctx context.Context) (string, error) {
	acct, err := a.Account(ctx)
	if err != nil {
		return "", err
	}
	st := a.Status()
	positions, _ := a.Positions(ctx)

	loc := a.Calendar.Location()
	now := time.Now().In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	live := false
	trades, err := a.DB.ListTrades(ctx, store.TradeFilter{Since: midnight, Shadow: &live})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Daily report %s\n", now.Format(time.DateOnly))
	fmt.Fprintf(&b, "Equity %.2f  Cash %.2f\n", acct.Equity, acct.Cash)
	fmt.Fprintf(&b, "Day P&L %.2f", st.DailyPnL)
	if st.StartEquity > 0 {
		fmt.Fprintf(&b, " (%.2f%%)", 100*st.DailyPnL/st.StartEquity)
	}
	b.WriteString("\n")
	if st.Paused {
		b.WriteString("Engine PAUSED\n")
	}
	if st.Halted {
		b.WriteString("Risk HALT active\n")
	}

	realized := 0.0
	for _, t := range trades {
		realized += t.PnL
	}
	fmt.Fprintf(&b, "\nTrades closed: %d, realised %.2f\n", len(trades), realized)
	for _, t := range trades {
		fmt.Fprintf(&b, "  %s %s %g @ %.2f -> %.2f  %+.2f\n", t.Symbol, t.Side, t.Qty, t.EntryPrice, t.ExitPrice, t.PnL)
	}

	fmt.Fprintf(&b, "\nOpen positions: %d\n", len(positions))
	for _, p := range positions {
		fmt.Fprintf(&b, "  %s %s %g @ %.2f\n", p.Symbol, p.Side, p.Qty, p.AvgEntryPrice)
	}

	if promos := a.Promotions(); len(promos) > 0 {
		b.WriteString("\nShadow beating live:\n")
		for _, p := range promos {
			fmt.Fprintf(&b, "  %s %s vs %s  +%.2f%%\n", p.Candidate.Symbol, p.Candidate.Strategy, p.Live.Strategy, 100*p.Edge)
		}
	}
	return b.String(), nil
}
