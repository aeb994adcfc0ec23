// Package timeutil provides calendar-day helpers for a configured time zone.
// Streaks are counted in learner-local calendar days, so every day boundary in
// the engine goes through this package.
package timeutil

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultZone is used when no zone is configured.
var DefaultZone = time.UTC

// LoadZone resolves an IANA zone name. An empty name yields DefaultZone.
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		return DefaultZone, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timeutil: load zone %q: %w", name, err)
	}
	return loc, nil
}

// DayLayout is the textual form of a Day.
const DayLayout = "2006-01-02"

// Day is a calendar date without a clock component. The zero value means "no day".
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// DayOf returns the calendar day of t as observed in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = DefaultZone
	}
	y, m, d := t.In(loc).Date()
	return Day{Year: y, Month: m, Day: d}
}

// ParseDay parses "YYYY-MM-DD".
func ParseDay(s string) (Day, error) {
	if s == "" {
		return Day{}, nil
	}
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("timeutil: parse day %q: %w", s, err)
	}
	return DayOf(t, time.UTC), nil
}

// IsZero reports whether d is unset.
func (d Day) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// String formats the day as YYYY-MM-DD, or "" for the zero day.
func (d Day) String() string {
	if d.IsZero() {
		return ""
	}
	return d.midnight().Format(DayLayout)
}

func (d Day) midnight() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// Before reports whether d is strictly earlier than other.
func (d Day) Before(other Day) bool {
	return d.midnight().Before(other.midnight())
}

// DaysBetween returns the number of calendar days from a to b (negative if b < a).
func DaysBetween(a, b Day) int {
	return int(b.midnight().Sub(a.midnight()).Hours() / 24)
}

// MarshalJSON encodes the day as a string.
func (d Day) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes "YYYY-MM-DD" or "".
func (d *Day) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDay(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
