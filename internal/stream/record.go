// Package stream holds the stream record model shared by the lifecycle
// components and the narrow interfaces of the collaborators they drive.
package stream

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Status is the persisted lifecycle status of a stream. It is the single
// source of truth for whether a stream should be running.
type Status string

const (
	StatusOffline   Status = "offline"
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOffline, StatusScheduled, StatusLive:
		return true
	}
	return false
}

// ScheduleType selects how a stream is triggered.
type ScheduleType string

const (
	ScheduleOnce   ScheduleType = "once"
	ScheduleDaily  ScheduleType = "daily"
	ScheduleWeekly ScheduleType = "weekly"
)

func (t ScheduleType) Valid() bool {
	switch t {
	case ScheduleOnce, ScheduleDaily, ScheduleWeekly:
		return true
	}
	return false
}

// Recurring reports whether the type repeats on the civil clock.
func (t ScheduleType) Recurring() bool { return t == ScheduleDaily || t == ScheduleWeekly }

// Record is one stored stream definition. Zero time values mean unset.
type Record struct {
	ID     string
	UserID string
	Title  string

	ScheduleType     ScheduleType
	ScheduleTime     time.Time // absolute start, once only
	ScheduleEndTime  time.Time // planned end of the schedule window
	RecurringTime    string    // civil "HH:MM"
	RecurringDays    []time.Weekday
	RecurringEnabled bool

	DurationMinutes       int
	LegacyDurationHours   int
	LegacyDurationMinutes int

	Status          Status
	StartTime       time.Time // most recent live session only
	EndTime         time.Time
	StatusUpdatedAt time.Time

	SourcePath string
	RTMPURL    string
	StreamKey  string
	Loop       bool

	// PostStreamVisibility is the visibility to apply on the platform once
	// the broadcast ends. Empty means no post-stream action.
	PostStreamVisibility string
}

// HasDay reports whether d is one of the recurring days.
func (r Record) HasDay(d time.Weekday) bool {
	for _, x := range r.RecurringDays {
		if x == d {
			return true
		}
	}
	return false
}

// StatusUpdate carries the optional timestamps of a status transition.
type StatusUpdate struct {
	StartTime time.Time
	EndTime   time.Time
}

// Validate checks the invariants a record must satisfy before it is stored.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("stream id required")
	}
	if !r.ScheduleType.Valid() {
		return fmt.Errorf("stream %s: invalid schedule type %q", r.ID, r.ScheduleType)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("stream %s: invalid status %q", r.ID, r.Status)
	}
	if r.Status == StatusLive && r.StartTime.IsZero() {
		return fmt.Errorf("stream %s: live without start time", r.ID)
	}
	if r.ScheduleType == ScheduleWeekly && r.RecurringEnabled && len(r.RecurringDays) == 0 {
		return fmt.Errorf("stream %s: weekly schedule without days", r.ID)
	}
	return nil
}

// FormatDays encodes weekdays as a sorted comma separated list ("1,3").
func FormatDays(days []time.Weekday) string {
	if len(days) == 0 {
		return ""
	}
	ints := make([]int, 0, len(days))
	seen := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		if seen[d] {
			continue
		}
		seen[d] = true
		ints = append(ints, int(d))
	}
	sort.Ints(ints)
	parts := make([]string, len(ints))
	for i, v := range ints {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// ParseDays decodes the FormatDays encoding. 0 is Sunday, 6 is Saturday.
func ParseDays(s string) ([]time.Weekday, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []time.Weekday
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > 6 {
			return nil, fmt.Errorf("invalid weekday %q", p)
		}
		out = append(out, time.Weekday(v))
	}
	return out, nil
}
