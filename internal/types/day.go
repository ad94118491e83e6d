package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SentinelYear is the placeholder year stored on every dob and anniversary
// column so that only month and day take part in comparisons. 2000 is a leap
// year, which keeps February 29 representable.
const SentinelYear = 2000

// Day is a calendar month/day without a meaningful year.
type Day struct {
	Month time.Month
	Day   int
}

// NewDay validates and builds a Day.
func NewDay(month time.Month, day int) (Day, error) {
	if month < time.January || month > time.December {
		return Day{}, fmt.Errorf("invalid month %d", month)
	}
	t := time.Date(SentinelYear, month, day, 0, 0, 0, 0, time.UTC)
	if t.Month() != month || t.Day() != day {
		return Day{}, fmt.Errorf("invalid day %d for %s", day, month)
	}
	return Day{Month: month, Day: day}, nil
}

// DayOf returns the month/day of t in t's own location.
func DayOf(t time.Time) Day {
	return Day{Month: t.Month(), Day: t.Day()}
}

// ParseDay accepts "YYYY-MM-DD" (the year is discarded) or "MM-DD".
func ParseDay(s string) (Day, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, "-")
	switch len(parts) {
	case 3:
		parts = parts[1:]
	case 2:
	default:
		return Day{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD or MM-DD", s)
	}
	m, err := strconv.Atoi(parts[0])
	if err != nil {
		return Day{}, fmt.Errorf("invalid month in %q: %w", s, err)
	}
	d, err := strconv.Atoi(parts[1])
	if err != nil {
		return Day{}, fmt.Errorf("invalid day in %q: %w", s, err)
	}
	return NewDay(time.Month(m), d)
}

// Date returns the sentinel-year calendar date used in store comparisons.
func (d Day) Date() time.Time {
	return time.Date(SentinelYear, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// IsZero reports whether d is the zero Day.
func (d Day) IsZero() bool {
	return d.Month == 0 && d.Day == 0
}

// String renders the normalized form, e.g. "2000-03-10".
func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", SentinelYear, int(d.Month), d.Day)
}

// MarshalJSON encodes the normalized string form.
func (d Day) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts the same forms as ParseDay.
func (d *Day) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDay(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DayFromDate converts a nullable date column into a nullable Day.
func DayFromDate(t *time.Time) *Day {
	if t == nil {
		return nil
	}
	d := DayOf(*t)
	return &d
}
