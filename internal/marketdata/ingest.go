package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tradebot/internal/domain"
	"tradebot/internal/store"
	"tradebot/internal/util"
)

// IngestOptions tunes how the Ingestor talks to its sources.
type IngestOptions struct {
	BatchSize       int // symbols per request
	MaxWorkers      int // concurrent requests
	MaxAttempts     int
	RetryDelay      time.Duration
	RateLimitPerMin int
}

func (o IngestOptions) withDefaults() IngestOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	return o
}

// Ingestor pulls bars from per-market sources into a BarStore.
type Ingestor struct {
	store   store.BarStore
	sources map[domain.Market]Source
	opts    IngestOptions
	limiter *util.RateLimiter
	log     *slog.Logger
}

// NewIngestor creates an Ingestor writing into bars.
func NewIngestor(bars store.BarStore, opts IngestOptions, logger *slog.Logger) *Ingestor {
	opts = opts.withDefaults()
	return &Ingestor{
		store:   bars,
		sources: make(map[domain.Market]Source),
		opts:    opts,
		limiter: util.NewRateLimiterBurst(opts.RateLimitPerMin, opts.MaxWorkers),
		log:     util.Component(logger, "ingest"),
	}
}

// AddSource registers the source for a market. Instruments of markets
// without a source are skipped.
func (in *Ingestor) AddSource(market domain.Market, src Source) {
	in.sources[market] = src
}

func batches(symbols []string, size int) [][]string {
	var out [][]string
	for len(symbols) > 0 {
		n := min(size, len(symbols))
		out = append(out, symbols[:n])
		symbols = symbols[n:]
	}
	return out
}

func groupByMarket(insts []domain.Instrument) map[domain.Market][]string {
	out := make(map[domain.Market][]string)
	for _, inst := range insts {
		m := inst.Market
		if m == "" {
			m = domain.MarketUS
		}
		out[m] = append(out[m], strings.ToUpper(inst.Symbol))
	}
	return out
}

func (in *Ingestor) fetch(ctx context.Context, src Source, symbols []string, timeframe string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	err := util.Retry(ctx, in.opts.MaxAttempts, in.opts.RetryDelay, func() error {
		if err := in.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		var err error
		bars, err = src.Bars(ctx, symbols, timeframe, start, end)
		return err
	})
	return bars, err
}

// Backfill fetches daily bars in [start, end] for every instrument and
// merges them into the store. It returns the number of bars written per
// symbol.
func (in *Ingestor) Backfill(ctx context.Context, insts []domain.Instrument, start, end time.Time) (map[string]int, error) {
	counts := make(map[string]int)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(in.opts.MaxWorkers)

	for market, symbols := range groupByMarket(insts) {
		src, ok := in.sources[market]
		if !ok {
			in.log.Warn("no source for market, skipping", "market", market, "symbols", len(symbols))
			continue
		}
		for _, batch := range batches(symbols, in.opts.BatchSize) {
			g.Go(func() error {
				bars, err := in.fetch(ctx, src, batch, "1Day", start, end)
				if err != nil {
					return fmt.Errorf("fetching %s bars for %d symbols: %w", market, len(batch), err)
				}
				if err := in.store.WriteBars(ctx, market, bars); err != nil {
					return fmt.Errorf("writing %s bars: %w", market, err)
				}
				mu.Lock()
				for _, b := range bars {
					counts[b.Symbol]++
				}
				mu.Unlock()
				in.log.Debug("batch ingested", "market", market, "symbols", len(batch), "bars", len(bars))
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return counts, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	in.log.Info("backfill complete", "symbols", len(counts), "bars", total,
		"start", start.Format(time.DateOnly), "end", end.Format(time.DateOnly))
	return counts, nil
}

// Latest returns the newest bar per symbol with a timestamp after since.
// Symbols with no newer bar are absent from the result.
func (in *Ingestor) Latest(ctx context.Context, insts []domain.Instrument, timeframe string, since time.Time) (map[string]domain.Bar, error) {
	out := make(map[string]domain.Bar)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(in.opts.MaxWorkers)

	end := time.Now()
	for market, symbols := range groupByMarket(insts) {
		src, ok := in.sources[market]
		if !ok {
			continue
		}
		for _, batch := range batches(symbols, in.opts.BatchSize) {
			g.Go(func() error {
				bars, err := in.fetch(ctx, src, batch, timeframe, since, end)
				if err != nil {
					return fmt.Errorf("fetching latest %s bars: %w", market, err)
				}
				mu.Lock()
				defer mu.Unlock()
				for _, b := range bars {
					if !b.Timestamp.After(since) {
						continue
					}
					if cur, ok := out[b.Symbol]; !ok || b.Timestamp.After(cur.Timestamp) {
						out[b.Symbol] = b
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// NewBars returns bars after since for every instrument in time order,
// oldest first. The live loop feeds them to the engine one by one.
func (in *Ingestor) NewBars(ctx context.Context, insts []domain.Instrument, timeframe string, since time.Time) ([]domain.Bar, error) {
	latest, err := in.Latest(ctx, insts, timeframe, since)
	if err != nil {
		return nil, err
	}
	bars := make([]domain.Bar, 0, len(latest))
	for _, b := range latest {
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool {
		if !bars[i].Timestamp.Equal(bars[j].Timestamp) {
			return bars[i].Timestamp.Before(bars[j].Timestamp)
		}
		return bars[i].Symbol < bars[j].Symbol
	})
	return bars, nil
}
