package util

import (
	"errors"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"tradebot/internal/domain"
)

// CalendarSource lists exchange sessions. *alpaca.Client satisfies it.
type CalendarSource interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// calendarRetry is how long a failed year fetch falls back to the rule
// table before the source is asked again.
const calendarRetry = 15 * time.Minute

type sessionHours struct {
	open, close time.Time
}

type sourcedYear struct {
	days    map[string]sessionHours
	err     error
	fetched time.Time
}

// TradingCalendar provides market-hours awareness for a market. US equities
// follow NYSE hours, taken from a CalendarSource when one is set and from
// the NYSE holiday and early-close rules otherwise. CME futures trade Sunday
// 18:00 to Friday 17:00 ET with a daily 17:00-18:00 maintenance break. Both
// close on NYSE full-day holidays.
type TradingCalendar struct {
	market domain.Market
	loc    *time.Location

	mu     sync.Mutex
	source CalendarSource
	years  map[int]*sourcedYear
	now    func() time.Time
}

// NewTradingCalendar creates a TradingCalendar for the given market.
func NewTradingCalendar(market domain.Market) *TradingCalendar {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// tzdata missing: fixed EST offset keeps the calendar usable.
		loc = time.FixedZone("EST", -5*3600)
	}
	return &TradingCalendar{market: market, loc: loc, years: make(map[int]*sourcedYear), now: time.Now}
}

// SetSource makes the calendar read sessions from src, one request per
// year. A failed or empty year falls back to the rule table.
func (tc *TradingCalendar) SetSource(src CalendarSource) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.source = src
	tc.years = make(map[int]*sourcedYear)
}

// Location returns the exchange time zone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// IsHoliday reports whether the exchange is closed all day on a weekday.
func (tc *TradingCalendar) IsHoliday(t time.Time) bool {
	t = t.In(tc.loc)
	if weekend(t) {
		return false
	}
	_, _, ok := tc.day(t)
	return !ok
}

// IsTradingDay reports whether t's date has a session.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	_, _, ok := tc.day(t)
	return ok
}

// IsMarketOpen returns whether the market is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	if tc.market == domain.MarketCME {
		return tc.futuresOpen(t)
	}
	open, close, ok := tc.day(t)
	if !ok {
		return false
	}
	return !t.Before(open) && t.Before(close)
}

// NextOpen returns the next market open time at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	if tc.IsMarketOpen(t) {
		return t
	}
	cur := t.In(tc.loc)
	if tc.market == domain.MarketCME {
		// Step hourly to the next reopen; sessions begin on the hour.
		next := time.Date(cur.Year(), cur.Month(), cur.Day(), cur.Hour(), 0, 0, 0, tc.loc).Add(time.Hour)
		for i := 0; i < 24*10; i++ {
			if tc.futuresOpen(next) {
				return next
			}
			next = next.Add(time.Hour)
		}
		return time.Time{}
	}
	for i := 0; i < 15; i++ {
		if open, _, ok := tc.day(cur); ok {
			if !open.Before(t) {
				return open
			}
		}
		cur = time.Date(cur.Year(), cur.Month(), cur.Day()+1, 0, 0, 0, 0, tc.loc)
	}
	return time.Time{}
}

// NextClose returns the next market close time at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	cur := t.In(tc.loc)
	if tc.market == domain.MarketCME {
		next := time.Date(cur.Year(), cur.Month(), cur.Day(), cur.Hour(), 0, 0, 0, tc.loc).Add(time.Hour)
		for i := 0; i < 24*10; i++ {
			if tc.futuresOpen(next.Add(-time.Minute)) && !tc.futuresOpen(next) {
				return next
			}
			next = next.Add(time.Hour)
		}
		return time.Time{}
	}
	for i := 0; i < 15; i++ {
		if _, close, ok := tc.day(cur); ok {
			if !close.Before(t) {
				return close
			}
		}
		cur = time.Date(cur.Year(), cur.Month(), cur.Day()+1, 0, 0, 0, 0, tc.loc)
	}
	return time.Time{}
}

// PreviousTradingDay returns the last trading day strictly before t's date.
func (tc *TradingCalendar) PreviousTradingDay(t time.Time) time.Time {
	cur := t.In(tc.loc)
	for i := 0; i < 15; i++ {
		cur = time.Date(cur.Year(), cur.Month(), cur.Day()-1, 0, 0, 0, 0, tc.loc)
		if tc.IsTradingDay(cur) {
			return cur
		}
	}
	return time.Time{}
}

// day returns the session bounds for t's date, or false when the exchange
// does not open that day.
func (tc *TradingCalendar) day(t time.Time) (time.Time, time.Time, bool) {
	t = t.In(tc.loc)
	if days, ok := tc.sourced(t.Year()); ok {
		h, ok := days[dateKey(t)]
		return h.open, h.close, ok
	}
	if weekend(t) {
		return time.Time{}, time.Time{}, false
	}
	if _, ok := holidays(t.Year())[dateKey(t)]; ok {
		return time.Time{}, time.Time{}, false
	}
	closeHour := 16
	if _, ok := earlyCloses(t.Year())[dateKey(t)]; ok {
		closeHour = 13
	}
	open := time.Date(t.Year(), t.Month(), t.Day(), 9, 30, 0, 0, tc.loc)
	close := time.Date(t.Year(), t.Month(), t.Day(), closeHour, 0, 0, 0, tc.loc)
	return open, close, true
}

// sourced returns the source's sessions for year, fetching them on first
// use.
func (tc *TradingCalendar) sourced(year int) (map[string]sessionHours, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.source == nil {
		return nil, false
	}
	y, ok := tc.years[year]
	if !ok || (y.err != nil && tc.now().Sub(y.fetched) >= calendarRetry) {
		y = tc.fetchLocked(year)
		tc.years[year] = y
	}
	if y.err != nil {
		return nil, false
	}
	return y.days, true
}

func (tc *TradingCalendar) fetchLocked(year int) *sourcedYear {
	y := &sourcedYear{fetched: tc.now()}
	cal, err := tc.source.GetCalendar(alpaca.GetCalendarRequest{
		Start: time.Date(year, time.January, 1, 0, 0, 0, 0, tc.loc),
		End:   time.Date(year, time.December, 31, 0, 0, 0, 0, tc.loc),
	})
	if err != nil {
		y.err = err
		return y
	}
	y.days = make(map[string]sessionHours, len(cal))
	for _, d := range cal {
		open, err1 := time.ParseInLocation("2006-01-02 15:04", d.Date+" "+d.Open, tc.loc)
		close, err2 := time.ParseInLocation("2006-01-02 15:04", d.Date+" "+d.Close, tc.loc)
		if err1 != nil || err2 != nil || open.Year() != year {
			continue
		}
		y.days[d.Date] = sessionHours{open: open, close: close}
	}
	if len(y.days) == 0 {
		y.err = errEmptyCalendar
	}
	return y
}

func (tc *TradingCalendar) futuresOpen(t time.Time) bool {
	t = t.In(tc.loc)
	h := t.Hour()
	switch t.Weekday() {
	case time.Saturday:
		return false
	case time.Sunday:
		return h >= 18
	case time.Friday:
		if h >= 17 {
			return false
		}
	}
	if h == 17 {
		return false
	}
	// The evening session belongs to the next day's trade date.
	tradeDate := t
	if h >= 18 {
		tradeDate = t.AddDate(0, 0, 1)
	}
	return !tc.IsHoliday(tradeDate)
}

// ---------------------------------------------------------------------------
// NYSE holiday rules
// ---------------------------------------------------------------------------

var errEmptyCalendar = errors.New("calendar source returned no sessions")

func dateKey(t time.Time) string { return t.Format("2006-01-02") }

func weekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// earlyCloses returns the NYSE 13:00 closes for year: July 3 and Christmas
// Eve when they fall Monday to Thursday, and the day after Thanksgiving.
func earlyCloses(year int) map[string]struct{} {
	out := make(map[string]struct{}, 3)
	for _, d := range []time.Time{
		time.Date(year, time.July, 3, 0, 0, 0, 0, time.UTC),
		time.Date(year, time.December, 24, 0, 0, 0, 0, time.UTC),
	} {
		if wd := d.Weekday(); wd >= time.Monday && wd <= time.Thursday {
			out[dateKey(d)] = struct{}{}
		}
	}
	out[dateKey(nthWeekday(year, time.November, time.Thursday, 4).AddDate(0, 0, 1))] = struct{}{}
	return out
}

// holidays returns the set of full-day NYSE closures for year.
func holidays(year int) map[string]struct{} {
	out := make(map[string]struct{}, 12)
	add := func(t time.Time) { out[dateKey(t)] = struct{}{} }

	// New Year's Day: a Saturday holiday is not observed.
	ny := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	switch ny.Weekday() {
	case time.Sunday:
		add(ny.AddDate(0, 0, 1))
	case time.Saturday:
	default:
		add(ny)
	}

	add(nthWeekday(year, time.January, time.Monday, 3))  // MLK
	add(nthWeekday(year, time.February, time.Monday, 3)) // Presidents
	add(easter(year).AddDate(0, 0, -2))                  // Good Friday
	add(lastWeekday(year, time.May, time.Monday))        // Memorial
	if year >= 2022 {
		add(observed(time.Date(year, time.June, 19, 0, 0, 0, 0, time.UTC)))
	}
	add(observed(time.Date(year, time.July, 4, 0, 0, 0, 0, time.UTC)))
	add(nthWeekday(year, time.September, time.Monday, 1))  // Labor
	add(nthWeekday(year, time.November, time.Thursday, 4)) // Thanksgiving
	add(observed(time.Date(year, time.December, 25, 0, 0, 0, 0, time.UTC)))
	return out
}

// observed shifts a Saturday holiday to Friday and a Sunday one to Monday.
func observed(t time.Time) time.Time {
	switch t.Weekday() {
	case time.Saturday:
		return t.AddDate(0, 0, -1)
	case time.Sunday:
		return t.AddDate(0, 0, 1)
	}
	return t
}

func nthWeekday(year int, month time.Month, wd time.Weekday, n int) time.Time {
	t := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(wd) - int(t.Weekday()) + 7) % 7
	return t.AddDate(0, 0, offset+7*(n-1))
}

func lastWeekday(year int, month time.Month, wd time.Weekday) time.Time {
	t := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
	offset := (int(t.Weekday()) - int(wd) + 7) % 7
	return t.AddDate(0, 0, -offset)
}

// easter returns Easter Sunday (anonymous Gregorian algorithm).
func easter(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}
