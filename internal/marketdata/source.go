// Package marketdata fetches OHLCV bars from upstream providers and keeps
// the local bar store current.
package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	alpacamd "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"tradebot/internal/domain"
)

// Source fetches historical bars for a set of symbols.
type Source interface {
	Bars(ctx context.Context, symbols []string, timeframe string, start, end time.Time) ([]domain.Bar, error)
}

// Compile-time interface check.
var _ Source = (*AlpacaSource)(nil)

// AlpacaSource reads US equity bars from the Alpaca market-data API.
type AlpacaSource struct {
	client *alpacamd.Client
	feed   string
}

// NewAlpacaSource creates an AlpacaSource. An empty dataURL uses the
// production endpoint; an empty feed defaults to "iex".
func NewAlpacaSource(apiKey, apiSecret, dataURL, feed string) *AlpacaSource {
	opts := alpacamd.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	if feed == "" {
		feed = "iex"
	}
	return &AlpacaSource{client: alpacamd.NewClient(opts), feed: feed}
}

// Bars fetches split-adjusted bars for symbols in one multi-symbol call.
func (s *AlpacaSource) Bars(ctx context.Context, symbols []string, timeframe string, start, end time.Time) ([]domain.Bar, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	tf, err := ParseTimeFrame(timeframe)
	if err != nil {
		return nil, err
	}

	multiBars, err := s.client.GetMultiBars(symbols, alpacamd.GetBarsRequest{
		TimeFrame:  tf,
		Adjustment: alpacamd.All,
		Start:      start,
		End:        end,
		Feed:       s.feed,
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}

	var bars []domain.Bar
	for symbol, alpacaBars := range multiBars {
		for _, ab := range alpacaBars {
			bars = append(bars, domain.Bar{
				Symbol:     strings.ToUpper(symbol),
				Timestamp:  ab.Timestamp,
				Open:       ab.Open,
				High:       ab.High,
				Low:        ab.Low,
				Close:      ab.Close,
				Volume:     int64(ab.Volume),
				TradeCount: int64(ab.TradeCount),
				VWAP:       ab.VWAP,
			})
		}
	}
	return bars, nil
}

// ParseTimeFrame converts "1Day", "1Hour", "15Min" (and "1d", "1h", "15m")
// into an Alpaca timeframe.
func ParseTimeFrame(s string) (alpacamd.TimeFrame, error) {
	if s == "" {
		return alpacamd.OneDay, nil
	}
	lower := strings.ToLower(s)
	i := 0
	for i < len(lower) && lower[i] >= '0' && lower[i] <= '9' {
		i++
	}
	n := 1
	if i > 0 {
		var err error
		if n, err = strconv.Atoi(lower[:i]); err != nil || n <= 0 {
			return alpacamd.TimeFrame{}, fmt.Errorf("invalid timeframe %q", s)
		}
	}
	switch lower[i:] {
	case "min", "m", "t":
		return alpacamd.NewTimeFrame(n, alpacamd.Min), nil
	case "hour", "h":
		return alpacamd.NewTimeFrame(n, alpacamd.Hour), nil
	case "day", "d":
		return alpacamd.NewTimeFrame(n, alpacamd.Day), nil
	case "week", "w":
		return alpacamd.NewTimeFrame(n, alpacamd.Week), nil
	}
	return alpacamd.TimeFrame{}, fmt.Errorf("invalid timeframe %q", s)
}
