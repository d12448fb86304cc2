// One-shot tool: run the backtest grid over stored bars and print a
// leaderboard. Results and equity curves are persisted like the nightly job.
//
// Usage:
//
//	go run ./cmd/tradebot-backtest -symbols AAPL,MSFT -strategies sma-cross
//	go run ./cmd/tradebot-backtest -select
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"tradebot/internal/app"
	"tradebot/internal/backtest"
	"tradebot/internal/config"
	"tradebot/internal/util"
)

func main() {
	symbols := flag.String("symbols", "", "comma-separated symbols (default: configured universe)")
	strategies := flag.String("strategies", "", "comma-separated strategy names (default: configured list)")
	start := flag.String("start", "", "first bar date YYYY-MM-DD (default: end - lookback_days)")
	end := flag.String("end", "", "last bar date YYYY-MM-DD (default: today)")
	top := flag.Int("top", 0, "print only the best N runs per symbol")
	sel := flag.Bool("select", false, "run the nightly selection and install the new assignments")
	flag.Parse()

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, "text")
	util.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, nil, logger)
	if err != nil {
		log.Fatalf("failed to initialise: %v", err)
	}
	defer a.Close()

	if *sel {
		if err := a.NightlyBacktest(ctx); err != nil {
			log.Fatalf("selection failed: %v", err)
		}
		as, err := a.Assignments(ctx)
		if err != nil {
			log.Fatalf("listing assignments: %v", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SYMBOL\tSTRATEGY\tMODE\tSCORE\tSHARPE\tRETURN\tMANUAL")
		for _, x := range as {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%.2f\t%.1f%%\t%v\n",
				x.Symbol, x.Strategy, x.Mode, x.Score, x.Sharpe, 100*x.TotalReturn, x.Manual)
		}
		w.Flush()
		return
	}

	req := app.BacktestRequest{Symbols: split(*symbols), Strategies: split(*strategies)}
	if req.Start, err = parseDate(*start); err != nil {
		log.Fatalf("invalid -start: %v", err)
	}
	if req.End, err = parseDate(*end); err != nil {
		log.Fatalf("invalid -end: %v", err)
	}

	report, err := a.RunBacktest(ctx, req)
	if err != nil {
		log.Fatalf("backtest failed: %v", err)
	}
	printReport(report, *top)
}

func printReport(report *backtest.Report, top int) {
	results := report.Sorted()
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Symbol != results[j].Symbol {
			return results[i].Symbol < results[j].Symbol
		}
		return results[i].Metrics.Sharpe > results[j].Metrics.Sharpe
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tSTRATEGY\tPARAMS\tRETURN\tCAGR\tSHARPE\tMAX DD\tTRADES\tWIN\tPF")
	shown := map[string]int{}
	for _, r := range results {
		if top > 0 && shown[r.Symbol] >= top {
			continue
		}
		shown[r.Symbol]++
		m := r.Metrics
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%.1f%%\t%.2f\t%.1f%%\t%d\t%.0f%%\t%.2f\n",
			r.Symbol, r.Strategy, r.Params, 100*m.TotalReturn, 100*m.CAGR, m.Sharpe,
			100*m.MaxDrawdown, m.Trades, 100*m.WinRate, m.ProfitFactor)
	}
	w.Flush()

	for key, err := range report.Errors {
		fmt.Fprintf(os.Stderr, "%s: %v\n", key, err)
	}
	fmt.Printf("\n%d runs in %s\n", len(results), report.Duration.Round(time.Millisecond))
}

func split(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.DateOnly, v)
}
