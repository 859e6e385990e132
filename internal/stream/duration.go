package stream

import "time"

// ResolveDuration returns the effective duration of a live session and
// whether one is defined. Priority: explicit minutes, then the stored
// schedule window, then the legacy hours field, then the legacy minutes
// field. No match means unlimited.
func ResolveDuration(r Record) (time.Duration, bool) {
	if r.DurationMinutes > 0 {
		return time.Duration(r.DurationMinutes) * time.Minute, true
	}
	if !r.ScheduleTime.IsZero() && !r.ScheduleEndTime.IsZero() {
		if d := r.ScheduleEndTime.Sub(r.ScheduleTime); d > 0 {
			return d, true
		}
	}
	if r.LegacyDurationHours > 0 {
		return time.Duration(r.LegacyDurationHours) * time.Hour, true
	}
	if r.LegacyDurationMinutes > 0 {
		return time.Duration(r.LegacyDurationMinutes) * time.Minute, true
	}
	return 0, false
}

// EndOf returns the computed end of the current live session.
// ok is false when the record has no start time or no duration.
func EndOf(r Record) (end time.Time, ok bool) {
	if r.StartTime.IsZero() {
		return time.Time{}, false
	}
	d, ok := ResolveDuration(r)
	if !ok {
		return time.Time{}, false
	}
	return r.StartTime.Add(d), true
}

// CeilMinutes rounds d up to whole minutes, never below one.
func CeilMinutes(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	m := int((d + time.Minute - 1) / time.Minute)
	if m < 1 {
		m = 1
	}
	return m
}
