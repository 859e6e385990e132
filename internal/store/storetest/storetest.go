// Package storetest holds the behaviour every store.Store must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteoradja-ytmjk/ozanglive/internal/store"
	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

var base = time.Date(2026, 10, 14, 7, 30, 0, 0, time.UTC)

func once(id string, at time.Time, status stream.Status) stream.Record {
	return stream.Record{
		ID:              id,
		UserID:          "u1",
		Title:           "title " + id,
		ScheduleType:    stream.ScheduleOnce,
		ScheduleTime:    at,
		DurationMinutes: 60,
		Status:          status,
		SourcePath:      "/videos/" + id + ".mp4",
		RTMPURL:         "rtmp://a.rtmp.youtube.com/live2",
		StreamKey:       "key-" + id,
	}
}

// Run exercises the gateway contract against a freshly created, empty store.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx))

	t.Run("get missing", func(t *testing.T) {
		_, err := s.GetByID(ctx, "nope")
		require.ErrorIs(t, err, stream.ErrNotFound)
		require.ErrorIs(t, s.UpdateDuration(ctx, "nope", 5), stream.ErrNotFound)
		require.ErrorIs(t, s.UpdateStatus(ctx, "nope", stream.StatusOffline, stream.StatusUpdate{}), stream.ErrNotFound)
	})

	t.Run("save and get", func(t *testing.T) {
		r := once("s-roundtrip", base, stream.StatusScheduled)
		r.ScheduleType = stream.ScheduleWeekly
		r.RecurringEnabled = true
		r.RecurringTime = "14:30"
		r.RecurringDays = []time.Weekday{time.Monday, time.Wednesday}
		r.Loop = true
		r.PostStreamVisibility = "private"
		require.NoError(t, s.Save(ctx, r))

		got, err := s.GetByID(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, stream.ScheduleWeekly, got.ScheduleType)
		assert.Equal(t, []time.Weekday{time.Monday, time.Wednesday}, got.RecurringDays)
		assert.True(t, got.RecurringEnabled)
		assert.True(t, got.Loop)
		assert.Equal(t, "private", got.PostStreamVisibility)
		assert.True(t, got.ScheduleTime.Equal(base))
		assert.True(t, got.StartTime.IsZero())
		require.NoError(t, s.Delete(ctx, r.ID))
	})

	t.Run("find due window", func(t *testing.T) {
		in := once("due-in", base.Add(-5*time.Minute), stream.StatusScheduled)
		edge := once("due-edge", base.Add(time.Minute), stream.StatusOffline)
		late := once("due-late", base.Add(2*time.Minute), stream.StatusScheduled)
		old := once("due-old", base.Add(-11*time.Minute), stream.StatusScheduled)
		live := once("due-live", base, stream.StatusLive)
		live.StartTime = base
		for _, r := range []stream.Record{in, edge, late, old, live} {
			require.NoError(t, s.Save(ctx, r))
		}
		got, err := s.FindDue(ctx, base.Add(-10*time.Minute), base.Add(time.Minute))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"due-edge", "due-in"}, ids(got))
		for _, r := range []stream.Record{in, edge, late, old, live} {
			require.NoError(t, s.Delete(ctx, r.ID))
		}
	})

	t.Run("find recurring and live", func(t *testing.T) {
		daily := once("rec-daily", time.Time{}, stream.StatusScheduled)
		daily.ScheduleType = stream.ScheduleDaily
		daily.RecurringTime = "14:30"
		daily.RecurringEnabled = true
		disabled := daily
		disabled.ID = "rec-disabled"
		disabled.RecurringEnabled = false
		running := daily
		running.ID = "rec-live"
		running.Status = stream.StatusLive
		running.StartTime = base
		for _, r := range []stream.Record{daily, disabled, running} {
			require.NoError(t, s.Save(ctx, r))
		}
		rec, err := s.FindRecurring(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"rec-daily"}, ids(rec))
		live, err := s.FindLive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"rec-live"}, ids(live))
		for _, r := range []stream.Record{daily, disabled, running} {
			require.NoError(t, s.Delete(ctx, r.ID))
		}
	})

	t.Run("status transitions", func(t *testing.T) {
		r := once("st", base, stream.StatusScheduled)
		require.NoError(t, s.Save(ctx, r))

		err := s.UpdateStatus(ctx, r.ID, stream.StatusLive, stream.StatusUpdate{})
		var te *store.TransitionError
		require.ErrorAs(t, err, &te)

		start := base.Add(time.Minute)
		require.NoError(t, s.UpdateStatus(ctx, r.ID, stream.StatusLive, stream.StatusUpdate{StartTime: start}))
		got, err := s.GetByID(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, stream.StatusLive, got.Status)
		assert.True(t, got.StartTime.Equal(start))
		assert.False(t, got.StatusUpdatedAt.IsZero())

		require.NoError(t, s.UpdateDuration(ctx, r.ID, 17))
		end := start.Add(17 * time.Minute)
		require.NoError(t, s.UpdateStatus(ctx, r.ID, stream.StatusScheduled, stream.StatusUpdate{EndTime: end}))
		got, err = s.GetByID(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, stream.StatusScheduled, got.Status)
		assert.Equal(t, 17, got.DurationMinutes)
		assert.True(t, got.StartTime.IsZero(), "scheduled clears start time")
		assert.True(t, got.EndTime.Equal(end))
		require.NoError(t, s.Delete(ctx, r.ID))
	})

	t.Run("credentials", func(t *testing.T) {
		_, err := s.CredentialByUser(ctx, "ghost")
		require.ErrorIs(t, err, stream.ErrCredentialMissing)
		c := stream.Credential{UserID: "u1", ClientID: "cid", ClientSecret: "sec", RefreshToken: "r1"}
		require.NoError(t, s.SaveCredential(ctx, c))
		c.RefreshToken = "r2"
		require.NoError(t, s.SaveCredential(ctx, c))
		got, err := s.CredentialByUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, c, got)
	})
}

func ids(rs []stream.Record) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}
