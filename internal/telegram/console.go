// Package telegram is the operator console: chat commands over the bot API
// and push notifications for engine events.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"tradebot/internal/app"
	"tradebot/internal/util"
)

const helpText = `Commands:
/status - engine, risk and live strategies
/positions - open positions
/pnl - account equity and day P&L
/pause - stop trading new signals
/resume - resume trading
/flatten - close every position
/strategies - registered strategies
/backtest SYMBOL [STRATEGY] - run a backtest
/assign SYMBOL STRATEGY - pin the live strategy
/shadow - shadow portfolios
/earnings SYMBOL - upcoming earnings dates`

// Console turns chat commands into operator actions. Only allowed chats are
// served.
type Console struct {
	op      app.Operator
	allowed map[int64]struct{}
	log     *slog.Logger
}

// NewConsole creates a Console. An empty allow list serves nobody.
func NewConsole(op app.Operator, allowedChatIDs []int64, logger *slog.Logger) *Console {
	allowed := make(map[int64]struct{}, len(allowedChatIDs))
	for _, id := range allowedChatIDs {
		allowed[id] = struct{}{}
	}
	return &Console{op: op, allowed: allowed, log: util.Component(logger, "telegram")}
}

// Allowed reports whether chatID may issue commands.
func (c *Console) Allowed(chatID int64) bool {
	_, ok := c.allowed[chatID]
	return ok
}

// ChatIDs returns the allowed chats in ascending order.
func (c *Console) ChatIDs() []int64 {
	out := make([]int64, 0, len(c.allowed))
	for id := range c.allowed {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Handle executes one message and returns the reply. Messages from chats
// that are not allowed get an empty reply.
func (c *Console) Handle(ctx context.Context, chatID int64, text string) string {
	if !c.Allowed(chatID) {
		c.log.Warn("ignoring message from unknown chat", "chat_id", chatID)
		return ""
	}
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "Send a command. /help lists them."
	}
	cmd := strings.ToLower(fields[0])
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]
	c.log.Info("command", "chat_id", chatID, "command", cmd, "args", args)

	switch cmd {
	case "/start", "/help":
		return helpText
	case "/status":
		return c.status()
	case "/positions":
		return c.positions(ctx)
	case "/pnl":
		return c.pnl(ctx)
	case "/pause":
		c.op.Pause(fmt.Sprintf("telegram chat %d", chatID))
		return "Trading paused. Strategies keep running; no new orders."
	case "/resume":
		c.op.Resume()
		return "Trading resumed."
	case "/flatten":
		n, err := c.op.Flatten(ctx)
		if err != nil {
			return fmt.Sprintf("Flatten placed %d orders with errors: %v", n, err)
		}
		return fmt.Sprintf("Flatten placed %d closing orders.", n)
	case "/strategies":
		return "Strategies:\n" + strings.Join(c.op.Strategies(), "\n")
	case "/backtest":
		return c.backtest(ctx, args)
	case "/assign":
		return c.assign(ctx, args)
	case "/shadow":
		return c.shadow()
	case "/earnings":
		return c.earnings(ctx, args)
	}
	return "Unknown command. /help lists them."
}

func (c *Console) status() string {
	st := c.op.Status()
	var b strings.Builder
	state := "running"
	if st.Paused {
		state = "PAUSED"
	}
	fmt.Fprintf(&b, "Engine %s on %s\n", state, st.Broker)
	if st.Halted {
		b.WriteString("Risk HALT: daily loss limit reached\n")
	}
	fmt.Fprintf(&b, "Start equity %.2f, day P&L %.2f\n", st.StartEquity, st.DailyPnL)
	fmt.Fprintf(&b, "Open positions: %d\n", st.Positions)
	if len(st.Live) == 0 {
		b.WriteString("No live strategies")
		return b.String()
	}
	b.WriteString("Live:")
	for _, a := range st.Live {
		fmt.Fprintf(&b, "\n  %s %s", a.Symbol, a.Strategy)
		if a.Manual {
			b.WriteString(" (manual)")
		}
		if t, ok := st.LastBar[a.Symbol]; ok {
			fmt.Fprintf(&b, " last bar %s", t.Format("01-02 15:04"))
		}
	}
	return b.String()
}

func (c *Console) positions(ctx context.Context) string {
	ps, err := c.op.Positions(ctx)
	if err != nil {
		return "Error: " + err.Error()
	}
	if len(ps) == 0 {
		return "No open positions."
	}
	var b strings.Builder
	b.WriteString("Positions:")
	for _, p := range ps {
		fmt.Fprintf(&b, "\n  %s %s %g @ %.2f", p.Symbol, p.Side, p.Qty, p.AvgEntryPrice)
		if p.StrategyID != "" {
			fmt.Fprintf(&b, " [%s]", p.StrategyID)
		}
	}
	return b.String()
}

func (c *Console) pnl(ctx context.Context) string {
	acct, err := c.op.Account(ctx)
	if err != nil {
		return "Error: " + err.Error()
	}
	st := c.op.Status()
	pct := 0.0
	if st.StartEquity > 0 {
		pct = 100 * st.DailyPnL / st.StartEquity
	}
	return fmt.Sprintf("Equity %.2f\nCash %.2f\nDay P&L %.2f (%.2f%%)\nBroker day P&L %.2f",
		acct.Equity, acct.Cash, st.DailyPnL, pct, acct.DayPnL)
}

func (c *Console) backtest(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: /backtest SYMBOL [STRATEGY]"
	}
	req := app.BacktestRequest{Symbols: []string{strings.ToUpper(args[0])}}
	if len(args) > 1 {
		req.Strategies = args[1:2]
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	report, err := c.op.RunBacktest(ctx, req)
	if err != nil {
		return "Backtest failed: " + err.Error()
	}
	results := report.Sorted()
	sort.SliceStable(results, func(i, j int) bool { return results[i].Metrics.Sharpe > results[j].Metrics.Sharpe })

	var b strings.Builder
	fmt.Fprintf(&b, "Backtest %s (%d runs, %s)", req.Symbols[0], len(results), report.Duration.Round(time.Millisecond))
	for _, r := range results {
		m := r.Metrics
		fmt.Fprintf(&b, "\n%s: return %.1f%%, sharpe %.2f, max dd %.1f%%, trades %d, win %.0f%%",
			r.Strategy, 100*m.TotalReturn, m.Sharpe, 100*m.MaxDrawdown, m.Trades, 100*m.WinRate)
	}
	for key, err := range report.Errors {
		fmt.Fprintf(&b, "\n%s failed: %v", key, err)
	}
	return b.String()
}

func (c *Console) assign(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return "Usage: /assign SYMBOL STRATEGY"
	}
	a, err := c.op.Assign(ctx, args[0], args[1], nil)
	if err != nil {
		return "Assign failed: " + err.Error()
	}
	return fmt.Sprintf("%s now trades %s live.", a.Symbol, a.Strategy)
}

func (c *Console) shadow() string {
	snaps := c.op.ShadowSnapshots()
	if len(snaps) == 0 {
		return "No shadow portfolios."
	}
	var b strings.Builder
	b.WriteString("Shadow portfolios:")
	for _, s := range snaps {
		fmt.Fprintf(&b, "\n  %s %s [%s] return %.2f%%, trades %d, %s",
			s.Symbol, s.Strategy, s.Mode, 100*s.Return, s.Trades, s.Position)
	}
	if promos := c.op.Promotions(); len(promos) > 0 {
		b.WriteString("\nBeating live:")
		for _, p := range promos {
			fmt.Fprintf(&b, "\n  %s %s over %s by %.2f%%", p.Candidate.Symbol, p.Candidate.Strategy, p.Live.Strategy, 100*p.Edge)
		}
	}
	return b.String()
}

func (c *Console) earnings(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: /earnings SYMBOL"
	}
	sym := strings.ToUpper(args[0])
	evs, err := c.op.Earnings(ctx, sym)
	if err != nil {
		return "Error: " + err.Error()
	}
	today := time.Now().UTC().Truncate(24 * time.Hour)
	var dates []string
	for _, ev := range evs {
		if !ev.Date.Before(today) {
			dates = append(dates, ev.Date.Format(time.DateOnly))
		}
	}
	if len(dates) == 0 {
		return "No upcoming earnings for " + sym + "."
	}
	return fmt.Sprintf("%s earnings: %s", sym, strings.Join(dates, ", "))
}
