package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/meteoradja-ytmjk/ozanglive/internal/store"
	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

type DB struct {
	db  *sql.DB
	now func() time.Time
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d, now: time.Now}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS streams(
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			schedule_type TEXT NOT NULL,
			schedule_time TIMESTAMPTZ NULL,
			schedule_end_time TIMESTAMPTZ NULL,
			recurring_time TEXT NOT NULL DEFAULT '',
			recurring_days TEXT NOT NULL DEFAULT '',
			recurring_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			duration_minutes INTEGER NOT NULL DEFAULT 0,
			legacy_duration_hours INTEGER NOT NULL DEFAULT 0,
			legacy_duration_minutes INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			start_time TIMESTAMPTZ NULL,
			end_time TIMESTAMPTZ NULL,
			status_updated_at TIMESTAMPTZ NULL,
			source_path TEXT NOT NULL DEFAULT '',
			rtmp_url TEXT NOT NULL DEFAULT '',
			stream_key TEXT NOT NULL DEFAULT '',
			loop_video BOOLEAN NOT NULL DEFAULT FALSE,
			post_stream_visibility TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_streams_status ON streams(status);`,
		`CREATE INDEX IF NOT EXISTS idx_streams_schedule_time ON streams(schedule_time);`,
		`CREATE TABLE IF NOT EXISTS platform_credentials(
			user_id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL DEFAULT '',
			client_secret TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Save(ctx context.Context, r stream.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.StatusUpdatedAt.IsZero() {
		r.StatusUpdatedAt = p.now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO streams(`+store.Columns+`)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT(id) DO UPDATE SET
			user_id=EXCLUDED.user_id,
			title=EXCLUDED.title,
			schedule_type=EXCLUDED.schedule_type,
			schedule_time=EXCLUDED.schedule_time,
			schedule_end_time=EXCLUDED.schedule_end_time,
			recurring_time=EXCLUDED.recurring_time,
			recurring_days=EXCLUDED.recurring_days,
			recurring_enabled=EXCLUDED.recurring_enabled,
			duration_minutes=EXCLUDED.duration_minutes,
			legacy_duration_hours=EXCLUDED.legacy_duration_hours,
			legacy_duration_minutes=EXCLUDED.legacy_duration_minutes,
			status=EXCLUDED.status,
			start_time=EXCLUDED.start_time,
			end_time=EXCLUDED.end_time,
			status_updated_at=EXCLUDED.status_updated_at,
			source_path=EXCLUDED.source_path,
			rtmp_url=EXCLUDED.rtmp_url,
			stream_key=EXCLUDED.stream_key,
			loop_video=EXCLUDED.loop_video,
			post_stream_visibility=EXCLUDED.post_stream_visibility;`,
		r.ID, r.UserID, r.Title, string(r.ScheduleType), store.Null(r.ScheduleTime), store.Null(r.ScheduleEndTime),
		r.RecurringTime, stream.FormatDays(r.RecurringDays), r.RecurringEnabled, r.DurationMinutes,
		r.LegacyDurationHours, r.LegacyDurationMinutes, string(r.Status), store.Null(r.StartTime), store.Null(r.EndTime),
		store.Null(r.StatusUpdatedAt), r.SourcePath, r.RTMPURL, r.StreamKey, r.Loop, r.PostStreamVisibility)
	return err
}

func (p *DB) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM streams WHERE id=$1;`, id)
	return err
}

func (p *DB) GetByID(ctx context.Context, id string) (stream.Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+store.Columns+` FROM streams WHERE id=$1;`, id)
	r, err := store.ScanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return stream.Record{}, stream.ErrNotFound
	}
	return r, err
}

func (p *DB) FindDue(ctx context.Context, from, to time.Time) ([]stream.Record, error) {
	return p.query(ctx, `
		SELECT `+store.Columns+`
		FROM streams
		WHERE schedule_type='once' AND status IN ('scheduled', 'offline')
			AND schedule_time BETWEEN $1 AND $2
		ORDER BY schedule_time, id;`, from.UTC(), to.UTC())
}

func (p *DB) FindRecurring(ctx context.Context) ([]stream.Record, error) {
	return p.query(ctx, `
		SELECT `+store.Columns+`
		FROM streams
		WHERE recurring_enabled AND status<>'live' AND schedule_type IN ('daily', 'weekly')
		ORDER BY id;`)
}

func (p *DB) FindLive(ctx context.Context) ([]stream.Record, error) {
	return p.query(ctx, `SELECT `+store.Columns+` FROM streams WHERE status='live' ORDER BY id;`)
}

func (p *DB) query(ctx context.Context, q string, args ...any) ([]stream.Record, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanRecords(rows)
}

func (p *DB) UpdateStatus(ctx context.Context, id string, status stream.Status, upd stream.StatusUpdate) error {
	if err := store.CheckTransition(id, status, upd); err != nil {
		return err
	}
	sets := []string{"status=$1", "status_updated_at=$2"}
	args := []any{string(status), p.now().UTC()}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	switch {
	case status == stream.StatusScheduled:
		sets = append(sets, "start_time=NULL")
	case !upd.StartTime.IsZero():
		add("start_time", upd.StartTime.UTC())
	}
	if !upd.EndTime.IsZero() {
		add("end_time", upd.EndTime.UTC())
	}
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE streams SET %s WHERE id=$%d;`, strings.Join(sets, ", "), len(args))
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *DB) UpdateDuration(ctx context.Context, id string, minutes int) error {
	res, err := p.db.ExecContext(ctx, `UPDATE streams SET duration_minutes=$1 WHERE id=$2;`, minutes, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *DB) CredentialByUser(ctx context.Context, userID string) (stream.Credential, error) {
	c := stream.Credential{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT client_id, client_secret, refresh_token
		FROM platform_credentials WHERE user_id=$1;`, userID).Scan(&c.ClientID, &c.ClientSecret, &c.RefreshToken)
	if errors.Is(err, sql.ErrNoRows) {
		return stream.Credential{}, stream.ErrCredentialMissing
	}
	return c, err
}

func (p *DB) SaveCredential(ctx context.Context, c stream.Credential) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO platform_credentials(user_id, client_id, client_secret, refresh_token, updated_at)
		VALUES($1, $2, $3, $4, $5)
		ON CONFLICT(user_id) DO UPDATE SET
			client_id=EXCLUDED.client_id,
			client_secret=EXCLUDED.client_secret,
			refresh_token=EXCLUDED.refresh_token,
			updated_at=EXCLUDED.updated_at;`,
		c.UserID, c.ClientID, c.ClientSecret, c.RefreshToken, p.now().UTC())
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
