package inventory

import (
	"fmt"
	"time"
	_ "time/tzdata" // DefaultTimezone must resolve on hosts without zoneinfo
)

// =============================================================================
// OPERATIONAL DAY - Compliance checks are keyed by clinic day, not UTC date
// =============================================================================

// DefaultTimezone is the clinic's operating timezone.
const DefaultTimezone = "America/Denver"

const dayLayout = "2006-01-02"

// Day is a calendar date in the operational timezone, formatted YYYY-MM-DD.
type Day string

// DayOf returns the operational day containing t.
func DayOf(t time.Time, loc *time.Location) Day {
	return Day(t.In(loc).Format(dayLayout))
}

// ParseDay validates a YYYY-MM-DD string.
func ParseDay(s string) (Day, error) {
	if _, err := time.Parse(dayLayout, s); err != nil {
		return "", invalid("day", "%q is not YYYY-MM-DD", s)
	}
	return Day(s), nil
}

// AddDays shifts the day by n calendar days.
func (d Day) AddDays(n int) Day {
	t, err := time.Parse(dayLayout, string(d))
	if err != nil {
		return d
	}
	return Day(t.AddDate(0, 0, n).Format(dayLayout))
}

func (d Day) String() string { return string(d) }

// LoadLocation resolves an IANA timezone name, defaulting to DefaultTimezone.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}
