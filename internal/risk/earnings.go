package risk

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tradebot/internal/domain"
)

// EarningsSource lists known earnings dates.
type EarningsSource interface {
	ListEarnings(ctx context.Context, from, to time.Time) ([]domain.EarningsEvent, error)
}

// EarningsBlackout blocks new entries around scheduled earnings reports.
type EarningsBlackout struct {
	DaysBefore int
	DaysAfter  int

	mu    sync.RWMutex
	dates map[string][]time.Time // sorted, truncated to calendar days
}

// NewEarningsBlackout creates an empty blackout calendar.
func NewEarningsBlackout(daysBefore, daysAfter int) *EarningsBlackout {
	return &EarningsBlackout{
		DaysBefore: daysBefore,
		DaysAfter:  daysAfter,
		dates:      make(map[string][]time.Time),
	}
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Set replaces the earnings dates for symbol.
func (b *EarningsBlackout) Set(symbol string, dates []time.Time) {
	days := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		days = append(days, day(d))
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	b.mu.Lock()
	defer b.mu.Unlock()
	b.dates[strings.ToUpper(symbol)] = days
}

// Replace swaps the whole calendar for events.
func (b *EarningsBlackout) Replace(events []domain.EarningsEvent) {
	dates := make(map[string][]time.Time)
	for _, ev := range events {
		sym := strings.ToUpper(ev.Symbol)
		dates[sym] = append(dates[sym], day(ev.Date))
	}
	for _, days := range dates {
		sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dates = dates
}

// Load refreshes the calendar from src for the window around now.
func (b *EarningsBlackout) Load(ctx context.Context, src EarningsSource, now time.Time) error {
	from := day(now).AddDate(0, 0, -b.DaysAfter-1)
	to := day(now).AddDate(0, 0, 366)
	events, err := src.ListEarnings(ctx, from, to)
	if err != nil {
		return fmt.Errorf("loading earnings: %w", err)
	}
	b.Replace(events)
	return nil
}

// Blocked reports whether an earnings date for symbol falls within
// [t-DaysAfter, t+DaysBefore], compared by calendar day.
func (b *EarningsBlackout) Blocked(symbol string, t time.Time) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	today := day(t)
	lo := today.AddDate(0, 0, -b.DaysAfter)
	hi := today.AddDate(0, 0, b.DaysBefore)
	for _, d := range b.dates[strings.ToUpper(symbol)] {
		if !d.Before(lo) && !d.After(hi) {
			return true
		}
	}
	return false
}

// Next returns the first earnings date on or after t.
func (b *EarningsBlackout) Next(symbol string, t time.Time) (time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	today := day(t)
	for _, d := range b.dates[strings.ToUpper(symbol)] {
		if !d.Before(today) {
			return d, true
		}
	}
	return time.Time{}, false
}
