package util

import (
	"time"

	"bracketguard/internal/domain"
)

// TradingCalendar provides market-hours awareness for a specific market.
// Only the US regular session (Mon-Fri 09:30-16:00 America/New_York) is
// modelled; exchange holidays are not.
type TradingCalendar struct {
	market domain.Market
	loc    *time.Location
}

// NewTradingCalendar creates a TradingCalendar for the given market.
func NewTradingCalendar(market domain.Market) *TradingCalendar {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// No tzdata available; fall back to a fixed EST offset.
		loc = time.FixedZone("EST", -5*60*60)
	}
	return &TradingCalendar{
		market: market,
		loc:    loc,
	}
}

func (tc *TradingCalendar) sessionBounds(day time.Time) (open, close time.Time) {
	y, m, d := day.Date()
	open = time.Date(y, m, d, 9, 30, 0, 0, tc.loc)
	close = time.Date(y, m, d, 16, 0, 0, 0, tc.loc)
	return open, close
}

func isWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsMarketOpen returns whether the market is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	local := t.In(tc.loc)
	if !isWeekday(local) {
		return false
	}
	open, close := tc.sessionBounds(local)
	return !local.Before(open) && local.Before(close)
}

// NextOpen returns the next market open time at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	local := t.In(tc.loc)
	for i := 0; i < 8; i++ {
		day := local.AddDate(0, 0, i)
		if !isWeekday(day) {
			continue
		}
		open, _ := tc.sessionBounds(day)
		if !open.Before(local) {
			return open
		}
	}
	return time.Time{}
}

// NextClose returns the next market close time at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	local := t.In(tc.loc)
	for i := 0; i < 8; i++ {
		day := local.AddDate(0, 0, i)
		if !isWeekday(day) {
			continue
		}
		_, close := tc.sessionBounds(day)
		if !close.Before(local) {
			return close
		}
	}
	return time.Time{}
}
