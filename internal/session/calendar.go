package session

import (
	"fmt"
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/aa"
	"github.com/rickar/cal/v2/us"
)

// HolidayCalendar reports market-closed dates.
type HolidayCalendar interface {
	IsHoliday(t time.Time) bool
}

// juneteenthFirstYear is the first year the exchange closed for Juneteenth.
const juneteenthFirstYear = 2022

// MarketCalendar is the NYSE full-day closure schedule plus any extra closures
// listed in the configuration. Early closes are not modelled.
type MarketCalendar struct {
	cal   *cal.BusinessCalendar
	extra map[string]struct{}
}

// NewUSMarketCalendar builds the exchange holiday calendar. extra holds
// additional closed dates as YYYY-MM-DD (e.g. national days of mourning).
func NewUSMarketCalendar(extra []string) (*MarketCalendar, error) {
	c := cal.NewBusinessCalendar()
	c.AddHoliday(
		us.NewYear,
		us.MlkDay,
		us.PresidentsDay,
		aa.GoodFriday,
		us.MemorialDay,
		us.Juneteenth,
		us.IndependenceDay,
		us.LaborDay,
		us.ThanksgivingDay,
		us.ChristmasDay,
	)

	mc := &MarketCalendar{cal: c, extra: make(map[string]struct{}, len(extra))}
	for _, d := range extra {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return nil, fmt.Errorf("session.NewUSMarketCalendar: extra holiday %q: %w", d, err)
		}
		mc.extra[d] = struct{}{}
	}
	return mc, nil
}

// IsHoliday evaluates the calendar date of t in t's own location.
func (c *MarketCalendar) IsHoliday(t time.Time) bool {
	_, ok := c.Holiday(t)
	return ok
}

// Holiday returns the holiday name for t's date, if any.
func (c *MarketCalendar) Holiday(t time.Time) (string, bool) {
	if _, ok := c.extra[t.Format(time.DateOnly)]; ok {
		return "Exchange closure", true
	}
	actual, observed, h := c.cal.IsHoliday(t)
	if h == nil || !observed {
		// the actual date of a holiday moved off a weekend is a regular day
		return "", false
	}
	switch {
	case h == us.NewYear && !actual && t.Month() == time.December:
		// a Saturday New Year's Day is not moved back into the old year
		return "", false
	case h == us.Juneteenth && t.Year() < juneteenthFirstYear:
		return "", false
	}
	return h.Name, true
}

// FixedHolidays is a HolidayCalendar over an explicit set of dates.
type FixedHolidays map[string]struct{}

// NewFixedHolidays accepts YYYY-MM-DD strings.
func NewFixedHolidays(dates ...string) FixedHolidays {
	h := make(FixedHolidays, len(dates))
	for _, d := range dates {
		h[d] = struct{}{}
	}
	return h
}

func (h FixedHolidays) IsHoliday(t time.Time) bool {
	_, ok := h[t.Format(time.DateOnly)]
	return ok
}
