package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

// CredentialStore reads the platform credential owning a stream.
type CredentialStore interface {
	CredentialByUser(ctx context.Context, userID string) (stream.Credential, error)
	SaveCredential(ctx context.Context, c stream.Credential) error
}

// Store is the persistence gateway plus schema and record bookkeeping.
// Implementations must be safe for concurrent use.
type Store interface {
	stream.Gateway
	CredentialStore
	EnsureSchema(ctx context.Context) error
	Save(ctx context.Context, rec stream.Record) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Columns is the select list matched by ScanRecord.
const Columns = `id, user_id, title, schedule_type, schedule_time, schedule_end_time,
	recurring_time, recurring_days, recurring_enabled, duration_minutes,
	legacy_duration_hours, legacy_duration_minutes, status, start_time, end_time,
	status_updated_at, source_path, rtmp_url, stream_key, loop_video, post_stream_visibility`

// RowScanner is satisfied by *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// ScanRecord decodes one row selected with Columns.
func ScanRecord(row RowScanner) (stream.Record, error) {
	var (
		r                                         stream.Record
		schedType, status, days                   string
		schedAt, schedEnd, start, end, statusedAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Title, &schedType, &schedAt, &schedEnd,
		&r.RecurringTime, &days, &r.RecurringEnabled, &r.DurationMinutes,
		&r.LegacyDurationHours, &r.LegacyDurationMinutes, &status, &start, &end,
		&statusedAt, &r.SourcePath, &r.RTMPURL, &r.StreamKey, &r.Loop, &r.PostStreamVisibility)
	if err != nil {
		return stream.Record{}, err
	}
	r.ScheduleType = stream.ScheduleType(schedType)
	r.Status = stream.Status(status)
	r.ScheduleTime = FromNull(schedAt)
	r.ScheduleEndTime = FromNull(schedEnd)
	r.StartTime = FromNull(start)
	r.EndTime = FromNull(end)
	r.StatusUpdatedAt = FromNull(statusedAt)
	if r.RecurringDays, err = stream.ParseDays(days); err != nil {
		return stream.Record{}, err
	}
	return r, nil
}

// ScanRecords drains rows through ScanRecord.
func ScanRecords(rows *sql.Rows) ([]stream.Record, error) {
	out := make([]stream.Record, 0)
	for rows.Next() {
		r, err := ScanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Null converts a zero time into a SQL NULL and anything else into UTC.
func Null(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func FromNull(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

// CheckTransition validates a status write before it reaches the database.
func CheckTransition(id string, status stream.Status, upd stream.StatusUpdate) error {
	if !status.Valid() {
		return &TransitionError{ID: id, Status: status, Reason: "unknown status"}
	}
	if status == stream.StatusLive && upd.StartTime.IsZero() {
		return &TransitionError{ID: id, Status: status, Reason: "live requires a start time"}
	}
	return nil
}

// TransitionError is returned for status writes that would break a record invariant.
type TransitionError struct {
	ID     string
	Status stream.Status
	Reason string
}

func (e *TransitionError) Error() string {
	return "stream " + e.ID + ": cannot set status " + string(e.Status) + ": " + e.Reason
}
