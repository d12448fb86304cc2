// One-shot tool: backfill daily bars for the configured universe into the
// Parquet store.
//
// Usage:
//
//	go run ./cmd/tradebot-ingest -days 730
//	go run ./cmd/tradebot-ingest -symbols AAPL -start 2020-01-01
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"tradebot/internal/app"
	"tradebot/internal/config"
	"tradebot/internal/domain"
	"tradebot/internal/util"
)

func main() {
	symbols := flag.String("symbols", "", "comma-separated subset of the universe")
	days := flag.Int("days", 0, "days of history to fetch (default: backtest lookback_days)")
	start := flag.String("start", "", "first date YYYY-MM-DD, overrides -days")
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

	insts := universe(cfg.Instruments(), *symbols)
	if len(insts) == 0 {
		log.Fatalf("no symbols to ingest")
	}

	end := time.Now().UTC()
	from := end.AddDate(0, 0, -cfg.Backtest.LookbackDays)
	if *days > 0 {
		from = end.AddDate(0, 0, -*days)
	}
	if *start != "" {
		if from, err = time.Parse(time.DateOnly, *start); err != nil {
			log.Fatalf("invalid -start: %v", err)
		}
	}

	counts, err := a.Ingestor.Backfill(ctx, insts, from, end)
	syms := make([]string, 0, len(counts))
	for s := range counts {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	for _, s := range syms {
		slog.Info("ingested", "symbol", s, "bars", counts[s])
	}
	if err != nil {
		log.Fatalf("backfill finished with errors: %v", err)
	}
	slog.Info("backfill complete", "symbols", len(syms), "start", from.Format(time.DateOnly))
}

// universe narrows insts to the comma-separated symbols; empty keeps all.
func universe(insts []domain.Instrument, symbols string) []domain.Instrument {
	if symbols == "" {
		return insts
	}
	want := map[string]bool{}
	for _, s := range strings.Split(symbols, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			want[s] = true
		}
	}
	var out []domain.Instrument
	for _, inst := range insts {
		if want[inst.Symbol] {
			out = append(out, inst)
			delete(want, inst.Symbol)
		}
	}
	for s := range want {
		out = append(out, domain.StockInstrument(s))
	}
	return out
}
