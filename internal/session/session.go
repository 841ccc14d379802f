// Package session decides whether the market is open: trading days, the
// intraday window and the expiry-day liquidation cutoff.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Manager is immutable after construction and safe for concurrent readers.
type Manager struct {
	loc      *time.Location
	start    time.Duration // offset from local midnight
	end      time.Duration
	holidays HolidayCalendar
}

// New builds a Manager for the window [start, end) in the IANA timezone tz.
// start and end accept HHMM, HH:MM or HH:MM:SS. start >= end means the
// session spans midnight. holidays may be nil.
func New(tz, start, end string, holidays HolidayCalendar) (*Manager, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("session.New: timezone %q: %w", tz, err)
	}
	s, err := ParseClock(start)
	if err != nil {
		return nil, fmt.Errorf("session.New: start: %w", err)
	}
	e, err := ParseClock(end)
	if err != nil {
		return nil, fmt.Errorf("session.New: end: %w", err)
	}
	return &Manager{loc: loc, start: s, end: e, holidays: holidays}, nil
}

// ParseClock parses a naive time of day into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var parts []string
	switch {
	case strings.Contains(s, ":"):
		parts = strings.Split(s, ":")
	case len(s) == 4:
		parts = []string{s[:2], s[2:]}
	default:
		return 0, fmt.Errorf("time of day %q: want HHMM or HH:MM", s)
	}
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("time of day %q: want HHMM or HH:MM", s)
	}

	limits := []int{23, 59, 59}
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("time of day %q: bad field %q", s, p)
		}
		d += time.Duration(n) * units[i]
	}
	return d, nil
}

// Location is the configured market timezone.
func (m *Manager) Location() *time.Location { return m.loc }

// Overnight reports whether the window spans midnight.
func (m *Manager) Overnight() bool { return m.start >= m.end }

// IsTradingDay is false on weekends and holidays, evaluated in the market
// timezone.
func (m *Manager) IsTradingDay(t time.Time) bool {
	lt := t.In(m.loc)
	switch lt.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if m.holidays != nil && m.holidays.IsHoliday(lt) {
		return false
	}
	return true
}

// IsTradingHours is start-inclusive and end-exclusive.
func (m *Manager) IsTradingHours(t time.Time) bool {
	tod := sinceMidnight(t.In(m.loc))
	if !m.Overnight() {
		return tod >= m.start && tod < m.end
	}
	return tod >= m.start || tod < m.end
}

// IsOpen combines IsTradingDay and IsTradingHours.
func (m *Manager) IsOpen(t time.Time) bool {
	return m.IsTradingDay(t) && m.IsTradingHours(t)
}

// SessionEnd returns the close of the session that contains, or next follows,
// t. For overnight sessions a time after start closes on the next day.
func (m *Manager) SessionEnd(t time.Time) time.Time {
	lt := t.In(m.loc)
	day := localMidnight(lt)
	if m.Overnight() && sinceMidnight(lt) >= m.start {
		day = day.AddDate(0, 0, 1)
	}
	return atClock(day, m.end)
}

// ExpiryCutoff is the session end minus minutesBeforeClose.
func (m *Manager) ExpiryCutoff(t time.Time, minutesBeforeClose int) time.Time {
	return m.SessionEnd(t).Add(-time.Duration(minutesBeforeClose) * time.Minute)
}

// Day returns the calendar date of t in the market timezone, at local midnight.
func (m *Manager) Day(t time.Time) time.Time {
	return localMidnight(t.In(m.loc))
}

func localMidnight(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

// atClock builds the wall-clock time of day on day's date, so DST shifts do
// not move the session boundaries.
func atClock(day time.Time, tod time.Duration) time.Time {
	y, mo, d := day.Date()
	h := int(tod / time.Hour)
	mi := int(tod % time.Hour / time.Minute)
	s := int(tod % time.Minute / time.Second)
	return time.Date(y, mo, d, h, mi, s, 0, day.Location())
}

func sinceMidnight(t time.Time) time.Duration {
	h, mi, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(mi)*time.Minute + time.Duration(s)*time.Second +
		time.Duration(t.Nanosecond())
}
