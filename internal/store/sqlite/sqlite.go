package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meteoradja-ytmjk/ozanglive/internal/store"
	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one connection: ":memory:" is per connection and writes serialise anyway
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d, now: time.Now}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS streams(
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			schedule_type TEXT NOT NULL,
			schedule_time TIMESTAMP NULL,
			schedule_end_time TIMESTAMP NULL,
			recurring_time TEXT NOT NULL DEFAULT '',
			recurring_days TEXT NOT NULL DEFAULT '',
			recurring_enabled BOOLEAN NOT NULL DEFAULT 0,
			duration_minutes INTEGER NOT NULL DEFAULT 0,
			legacy_duration_hours INTEGER NOT NULL DEFAULT 0,
			legacy_duration_minutes INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			start_time TIMESTAMP NULL,
			end_time TIMESTAMP NULL,
			status_updated_at TIMESTAMP NULL,
			source_path TEXT NOT NULL DEFAULT '',
			rtmp_url TEXT NOT NULL DEFAULT '',
			stream_key TEXT NOT NULL DEFAULT '',
			loop_video BOOLEAN NOT NULL DEFAULT 0,
			post_stream_visibility TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_streams_status ON streams(status);`,
		`CREATE INDEX IF NOT EXISTS idx_streams_schedule ON streams(schedule_type, recurring_enabled);`,
		`CREATE TABLE IF NOT EXISTS platform_credentials(
			user_id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL DEFAULT '',
			client_secret TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Save(ctx context.Context, r stream.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.StatusUpdatedAt.IsZero() {
		r.StatusUpdatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams(`+store.Columns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id=excluded.user_id,
			title=excluded.title,
			schedule_type=excluded.schedule_type,
			schedule_time=excluded.schedule_time,
			schedule_end_time=excluded.schedule_end_time,
			recurring_time=excluded.recurring_time,
			recurring_days=excluded.recurring_days,
			recurring_enabled=excluded.recurring_enabled,
			duration_minutes=excluded.duration_minutes,
			legacy_duration_hours=excluded.legacy_duration_hours,
			legacy_duration_minutes=excluded.legacy_duration_minutes,
			status=excluded.status,
			start_time=excluded.start_time,
			end_time=excluded.end_time,
			status_updated_at=excluded.status_updated_at,
			source_path=excluded.source_path,
			rtmp_url=excluded.rtmp_url,
			stream_key=excluded.stream_key,
			loop_video=excluded.loop_video,
			post_stream_visibility=excluded.post_stream_visibility;`,
		r.ID, r.UserID, r.Title, string(r.ScheduleType), store.Null(r.ScheduleTime), store.Null(r.ScheduleEndTime),
		r.RecurringTime, stream.FormatDays(r.RecurringDays), r.RecurringEnabled, r.DurationMinutes,
		r.LegacyDurationHours, r.LegacyDurationMinutes, string(r.Status), store.Null(r.StartTime), store.Null(r.EndTime),
		store.Null(r.StatusUpdatedAt), r.SourcePath, r.RTMPURL, r.StreamKey, r.Loop, r.PostStreamVisibility)
	return err
}

func (s *DB) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM streams WHERE id=?;`, id)
	return err
}

func (s *DB) GetByID(ctx context.Context, id string) (stream.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+store.Columns+` FROM streams WHERE id=?;`, id)
	r, err := store.ScanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return stream.Record{}, stream.ErrNotFound
	}
	return r, err
}

// FindDue filters the schedule window in Go: SQLite keeps timestamps as
// text, which does not compare reliably across precisions.
func (s *DB) FindDue(ctx context.Context, from, to time.Time) ([]stream.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+store.Columns+`
		FROM streams
		WHERE schedule_type='once' AND status IN ('scheduled', 'offline') AND schedule_time IS NOT NULL;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	all, err := store.ScanRecords(rows)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.ScheduleTime.Before(from) || r.ScheduleTime.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *DB) FindRecurring(ctx context.Context) ([]stream.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+store.Columns+`
		FROM streams
		WHERE recurring_enabled=1 AND status<>'live' AND schedule_type IN ('daily', 'weekly')
		ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanRecords(rows)
}

func (s *DB) FindLive(ctx context.Context) ([]stream.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+store.Columns+` FROM streams WHERE status='live' ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanRecords(rows)
}

func (s *DB) UpdateStatus(ctx context.Context, id string, status stream.Status, upd stream.StatusUpdate) error {
	if err := store.CheckTransition(id, status, upd); err != nil {
		return err
	}
	sets := []string{"status=?", "status_updated_at=?"}
	args := []any{string(status), s.now().UTC()}
	switch {
	case status == stream.StatusScheduled:
		sets = append(sets, "start_time=NULL")
	case !upd.StartTime.IsZero():
		sets = append(sets, "start_time=?")
		args = append(args, upd.StartTime.UTC())
	}
	if !upd.EndTime.IsZero() {
		sets = append(sets, "end_time=?")
		args = append(args, upd.EndTime.UTC())
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE streams SET `+strings.Join(sets, ", ")+` WHERE id=?;`, args...)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *DB) UpdateDuration(ctx context.Context, id string, minutes int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE streams SET duration_minutes=? WHERE id=?;`, minutes, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *DB) CredentialByUser(ctx context.Context, userID string) (stream.Credential, error) {
	c := stream.Credential{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, client_secret, refresh_token
		FROM platform_credentials WHERE user_id=?;`, userID).Scan(&c.ClientID, &c.ClientSecret, &c.RefreshToken)
	if errors.Is(err, sql.ErrNoRows) {
		return stream.Credential{}, stream.ErrCredentialMissing
	}
	return c, err
}

func (s *DB) SaveCredential(ctx context.Context, c stream.Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO platform_credentials(user_id, client_id, client_secret, refresh_token, updated_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			client_id=excluded.client_id,
			client_secret=excluded.client_secret,
			refresh_token=excluded.refresh_token,
			updated_at=excluded.updated_at;`,
		c.UserID, c.ClientID, c.ClientSecret, c.RefreshToken, s.now().UTC())
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return stream.ErrNotFound
	}
	return nil
}

var _ store.Store = (*DB)(nil)
