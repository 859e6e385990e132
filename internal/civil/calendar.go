// Package civil maps instants onto the fixed reference wall clock used by
// recurring schedules. The reference zone is UTC+7 with no daylight saving,
// independent of the host locale.
package civil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultOffset is the offset of the reference zone east of UTC.
const DefaultOffset = 7 * time.Hour

// MinutesPerDay is the number of civil minutes in one day.
const MinutesPerDay = 24 * 60

// Calendar converts instants into civil hour/minute/weekday values.
// The zero value is not usable; use New or Default.
type Calendar struct {
	loc *time.Location
}

// New returns a calendar for a fixed offset east of UTC.
func New(offset time.Duration) Calendar {
	name := fmt.Sprintf("UTC%+d", int(offset.Hours()))
	if offset%time.Hour != 0 {
		name = fmt.Sprintf("UTC%+.2f", offset.Hours())
	}
	return Calendar{loc: time.FixedZone(name, int(offset.Seconds()))}
}

// Default returns the UTC+7 reference calendar.
func Default() Calendar { return New(DefaultOffset) }

// Location exposes the fixed zone, e.g. for cron schedulers.
func (c Calendar) Location() *time.Location { return c.loc }

// In converts t into the reference zone.
func (c Calendar) In(t time.Time) time.Time { return t.In(c.loc) }

// MinuteOfDay returns hour*60+minute of t on the civil clock.
func (c Calendar) MinuteOfDay(t time.Time) int {
	ct := t.In(c.loc)
	return ct.Hour()*60 + ct.Minute()
}

// Weekday returns the civil weekday of t.
func (c Calendar) Weekday(t time.Time) time.Weekday {
	return t.In(c.loc).Weekday()
}

// ParseClock parses "HH:MM" (also accepts "H:MM" and a trailing ":SS")
// into a minute-of-day value.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in clock %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in clock %q", s)
	}
	return h*60 + m, nil
}

// FormatClock renders a minute-of-day value as "HH:MM".
func FormatClock(minute int) string {
	minute = ((minute % MinutesPerDay) + MinutesPerDay) % MinutesPerDay
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}
