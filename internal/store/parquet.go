package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"tradebot/internal/backtest"
	"tradebot/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ EquityStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore and EquityStore using Parquet files on
// disk.
type ParquetStore struct {
	DataDir string

	// Writers read-modify-write whole year files.
	mu sync.Mutex
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for daily bar data.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// EquityRecord is the Parquet schema for one point of a backtest equity curve.
type EquityRecord struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Equity    float64 `parquet:"equity"`
}

func toBarRecord(b domain.Bar) BarRecord {
	return BarRecord{
		Symbol:     strings.ToUpper(b.Symbol),
		Timestamp:  b.Timestamp.UnixMilli(),
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		Volume:     b.Volume,
		TradeCount: b.TradeCount,
		VWAP:       b.VWAP,
	}
}

func (r BarRecord) bar() domain.Bar {
	return domain.Bar{
		Symbol:     r.Symbol,
		Timestamp:  time.UnixMilli(r.Timestamp).UTC(),
		Open:       r.Open,
		High:       r.High,
		Low:        r.Low,
		Close:      r.Close,
		Volume:     r.Volume,
		TradeCount: r.TradeCount,
		VWAP:       r.VWAP,
	}
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bar data to Parquet files organized by symbol and year,
// merging with what is already on disk. Each symbol+year combination
// produces a separate file at:
//
//	<DataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(ctx context.Context, market domain.Market, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	if market == "" {
		market = domain.MarketUS
	}

	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		if b.Symbol == "" {
			return fmt.Errorf("writing bars: bar at %s has no symbol", b.Timestamp)
		}
		k := key{symbol: strings.ToUpper(b.Symbol), year: b.Timestamp.UTC().Year()}
		groups[k] = append(groups[k], toBarRecord(b))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, records := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := s.barPath(k.symbol, market, k.year)

		// Read existing records to merge.
		existing, err := readParquetFile[BarRecord](path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("reading bars for %s/%d: %w", k.symbol, k.year, err)
		}
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bar data from Parquet files for the given symbol and time
// range, oldest first.
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, market domain.Market, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		records, err := readParquetFile[BarRecord](s.barPath(symbol, market, year))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading bars for %s/%d: %w", symbol, year, err)
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp)
			if !ts.Before(start) && !ts.After(end) {
				bars = append(bars, r.bar())
			}
		}
	}
	return bars, nil
}

// RecentBars returns up to n of the latest bars before the given time,
// walking back one year file at a time.
func (s *ParquetStore) RecentBars(_ context.Context, symbol string, market domain.Market, n int, before time.Time) ([]domain.Bar, error) {
	if n <= 0 {
		return nil, nil
	}
	years, err := s.years(symbol, market)
	if err != nil {
		return nil, err
	}
	var out []domain.Bar
	for i := len(years) - 1; i >= 0 && len(out) < n; i-- {
		if years[i] > before.UTC().Year() {
			continue
		}
		records, err := readParquetFile[BarRecord](s.barPath(symbol, market, years[i]))
		if err != nil {
			return nil, fmt.Errorf("reading bars for %s/%d: %w", symbol, years[i], err)
		}
		var chunk []domain.Bar
		for _, r := range records {
			if time.UnixMilli(r.Timestamp).Before(before) {
				chunk = append(chunk, r.bar())
			}
		}
		out = append(chunk, out...)
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// years lists the year files present for symbol in ascending order.
func (s *ParquetStore) years(symbol string, market domain.Market) ([]int, error) {
	dir := filepath.Join(s.DataDir, string(market), "daily", strings.ToUpper(symbol))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var years []int
	for _, e := range entries {
		var y int
		if !strings.HasSuffix(e.Name(), ".parquet") {
			continue
		}
		if _, err := fmt.Sscanf(e.Name(), "%d.parquet", &y); err == nil {
			years = append(years, y)
		}
	}
	sort.Ints(years)
	return years, nil
}

// ListSymbols lists all symbols that have bar data in the given market.
func (s *ParquetStore) ListSymbols(_ context.Context, market domain.Market) ([]string, error) {
	dir := filepath.Join(s.DataDir, string(market), "daily")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// EquityStore implementation
// ---------------------------------------------------------------------------

// WriteEquity stores the equity curve of a backtest run, replacing any
// previous curve with the same ID.
func (s *ParquetStore) WriteEquity(_ context.Context, runID string, points []backtest.EquityPoint) error {
	records := make([]EquityRecord, len(points))
	for i, p := range points {
		records[i] = EquityRecord{Timestamp: p.Time.UnixMilli(), Equity: p.Equity}
	}
	if err := writeParquetFile(s.equityPath(runID), records); err != nil {
		return fmt.Errorf("writing equity curve %s: %w", runID, err)
	}
	return nil
}

// ReadEquity loads the equity curve of a backtest run.
func (s *ParquetStore) ReadEquity(_ context.Context, runID string) ([]backtest.EquityPoint, error) {
	records, err := readParquetFile[EquityRecord](s.equityPath(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading equity curve %s: %w", runID, err)
	}
	points := make([]backtest.EquityPoint, len(records))
	for i, r := range records {
		points[i] = backtest.EquityPoint{Time: time.UnixMilli(r.Timestamp).UTC(), Equity: r.Equity}
	}
	return points, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(symbol string, market domain.Market, year int) string {
	return filepath.Join(s.DataDir, string(market), "daily", strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

// equityPath returns the filesystem path for a backtest equity curve.
// Layout: <dataDir>/backtests/<runID>.parquet
func (s *ParquetStore) equityPath(runID string) string {
	return filepath.Join(s.DataDir, "backtests", filepath.Base(runID)+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Write to a temp file and rename so readers never see a partial file.
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by (symbol, timestamp), preferring
// new records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
