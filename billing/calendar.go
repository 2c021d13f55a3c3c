/*
calendar.go - Civil dates and working-day adjustment

PURPOSE:
  Billing cycles operate on whole civil dates, not instants. Date wraps
  a day-precision value with comparison and arithmetic helpers, and
  Calendar answers "what day is it" plus "snap this date to a working
  day" so cycle target dates never land on weekends or holidays.

KEY CONCEPTS:
  - Date: year/month/day only, location-free, stored as "2006-01-02"
  - Calendar: injectable clock + working-day rules; tests supply fixed
    implementations
  - Working-day snap: if the date is already a working day it is
    returned unchanged; otherwise walk in the preferred direction
    (previous first by default), bounded at 365 steps

SEE ALSO:
  - cycle.go: ScheduleCycles snaps target dates through Calendar
  - store/sqlite: Persists dates in ISO form, provides holiday lookups
*/
package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Day-precision civil date
// =============================================================================

// DateLayout is the canonical wire and storage form of a Date.
const DateLayout = "2006-01-02"

// Date is a civil date with day precision and no location.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate constructs a Date, normalizing out-of-range components the
// way time.Date does.
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf extracts the civil date from t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a "2006-01-02" string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// Time returns the date at midnight UTC.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) String() string {
	return d.Time().Format(DateLayout)
}

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool {
	return d == Date{}
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	return d.Time().Before(other.Time())
}

// After reports whether d is strictly later than other.
func (d Date) After(other Date) bool {
	return d.Time().After(other.Time())
}

// AddDays returns the date n days after d (n may be negative).
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

// AddMonths returns the date n months after d.
func (d Date) AddMonths(n int) Date {
	return DateOf(d.Time().AddDate(0, n, 0))
}

// Weekday returns the day of the week.
func (d Date) Weekday() time.Weekday {
	return d.Time().Weekday()
}

// MarshalJSON encodes the date as "2006-01-02".
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON decodes a "2006-01-02" string.
func (d *Date) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("invalid date %s", s)
	}
	parsed, err := ParseDate(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// =============================================================================
// CALENDAR - Clock and working-day rules
// =============================================================================

// SnapDirection selects which neighboring working day to prefer when a
// date falls on a non-working day.
type SnapDirection string

const (
	SnapPrevious SnapDirection = "previous"
	SnapNext     SnapDirection = "next"
)

// Calendar supplies the current date and working-day adjustment.
// Production uses WorkingDayCalendar; tests inject fixed clocks.
type Calendar interface {
	// Today returns the current civil date.
	Today() Date

	// NearestWorkingDay returns d unchanged if it is a working day,
	// otherwise the closest working day in the preferred direction.
	NearestWorkingDay(d Date, prefer SnapDirection) (Date, error)
}

// HolidayProvider answers whether a specific date is a holiday.
// The SQLite store implements this over its holidays table.
type HolidayProvider interface {
	IsHoliday(d Date) (bool, error)
}

// snapBound caps the working-day walk. A span of non-working days this
// long means the holiday table is corrupt.
const snapBound = 365

// WorkingDayCalendar treats Saturday and Sunday plus provider-listed
// holidays as non-working days.
type WorkingDayCalendar struct {
	Holidays HolidayProvider
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewWorkingDayCalendar(holidays HolidayProvider) *WorkingDayCalendar {
	return &WorkingDayCalendar{Holidays: holidays, Now: time.Now}
}

func (c *WorkingDayCalendar) Today() Date {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return DateOf(now())
}

// IsWorkingDay reports whether d is neither a weekend day nor a holiday.
func (c *WorkingDayCalendar) IsWorkingDay(d Date) (bool, error) {
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false, nil
	}
	if c.Holidays == nil {
		return true, nil
	}
	holiday, err := c.Holidays.IsHoliday(d)
	if err != nil {
		return false, fmt.Errorf("holiday lookup for %s: %w", d, err)
	}
	return !holiday, nil
}

func (c *WorkingDayCalendar) NearestWorkingDay(d Date, prefer SnapDirection) (Date, error) {
	step := -1
	if prefer == SnapNext {
		step = 1
	}
	candidate := d
	for i := 0; i <= snapBound; i++ {
		working, err := c.IsWorkingDay(candidate)
		if err != nil {
			return Date{}, err
		}
		if working {
			return candidate, nil
		}
		candidate = candidate.AddDays(step)
	}
	return Date{}, fmt.Errorf("no working day within %d days of %s: %w", snapBound, d, ErrValidation)
}
