package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteoradja-ytmjk/ozanglive/internal/health"
	"github.com/meteoradja-ytmjk/ozanglive/internal/history"
	"github.com/meteoradja-ytmjk/ozanglive/internal/store/memory"
	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
	"github.com/meteoradja-ytmjk/ozanglive/internal/stream/streamtest"
)

var t0 = time.Date(2026, 10, 14, 7, 30, 0, 0, time.UTC)

type fixture struct {
	o     *Orchestrator
	gw    *memory.Store
	eng   *streamtest.Engine
	p     *streamtest.Platform
	clock *clockwork.FakeClock
	sink  *history.MemorySink
	rec   *history.Recorder
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		eng:   streamtest.NewEngine(),
		p:     streamtest.NewPlatform(),
		clock: clockwork.NewFakeClockAt(t0),
		sink:  &history.MemorySink{},
	}
	f.gw = memory.New(f.clock)
	f.rec = history.NewRecorder(f.sink)
	cfg := DefaultConfig()
	cfg.Trigger.Stagger = 0
	o, err := New(cfg, Deps{
		Gateway:  f.gw,
		Engine:   f.eng,
		Platform: f.p,
		Clock:    f.clock,
		History:  f.rec,
	})
	require.NoError(t, err)
	f.o = o
	return f
}

// events flushes the recorder and returns the event types of id.
func (f *fixture) events(t *testing.T, id string) []history.EventType {
	t.Helper()
	require.NoError(t, f.rec.Close())
	return f.sink.Types(id)
}

func (f *fixture) save(t *testing.T, r stream.Record) {
	t.Helper()
	require.NoError(t, f.gw.Save(context.Background(), r))
}

func (f *fixture) get(t *testing.T, id string) stream.Record {
	t.Helper()
	r, err := f.gw.GetByID(context.Background(), id)
	require.NoError(t, err)
	return r
}

func onceRecord(id string, minutes int) stream.Record {
	return stream.Record{
		ID:              id,
		UserID:          "u1",
		ScheduleType:    stream.ScheduleOnce,
		ScheduleTime:    t0,
		DurationMinutes: minutes,
		Status:          stream.StatusScheduled,
		StreamKey:       "key-" + id,
	}
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{Engine: streamtest.NewEngine()})
	assert.Error(t, err)
	_, err = New(DefaultConfig(), Deps{Gateway: memory.New(nil)})
	assert.Error(t, err)
}

func TestStartStreamArmsTrackers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.save(t, onceRecord("s1", 60))

	require.NoError(t, f.o.StartStream(ctx, "s1", stream.ReasonManual))

	r := f.get(t, "s1")
	assert.Equal(t, stream.StatusLive, r.Status)
	assert.Equal(t, t0, r.StartTime)
	assert.True(t, f.eng.IsActive("s1"))

	end, ok := f.o.Enforcer().Deadline("s1")
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), end)
	st, ok := f.o.Health().State("s1")
	require.True(t, ok)
	assert.Equal(t, health.Monitoring, st)
	assert.True(t, f.o.Reconciler().Monitoring("s1"))
	assert.Equal(t, []history.EventType{history.EventStart}, f.events(t, "s1"))
}

func TestStartStreamIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.save(t, onceRecord("s1", 60))

	require.NoError(t, f.o.StartStream(ctx, "s1", stream.ReasonManual))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.o.StartStream(ctx, "s1", stream.ReasonManual))

	assert.Equal(t, 1, f.eng.Starts("s1"))
	assert.Equal(t, t0, f.get(t, "s1").StartTime)
}

func TestStartStreamWithoutPlatformBinding(t *testing.T) {
	f := setup(t)
	r := onceRecord("s1", 0)
	r.StreamKey = ""
	f.save(t, r)

	require.NoError(t, f.o.StartStream(context.Background(), "s1", stream.ReasonManual))

	_, armed := f.o.Enforcer().Deadline("s1")
	assert.False(t, armed, "unlimited duration")
	_, monitored := f.o.Health().State("s1")
	assert.False(t, monitored)
	assert.False(t, f.o.Reconciler().Monitoring("s1"))
}

func TestStartFailureLeavesStatus(t *testing.T) {
	f := setup(t)
	f.save(t, onceRecord("s1", 60))
	f.eng.SetStartError("s1", errors.New("ffmpeg: not found"))

	err := f.o.StartStream(context.Background(), "s1", stream.ReasonScheduleOnce)
	require.Error(t, err)

	assert.Equal(t, stream.StatusScheduled, f.get(t, "s1").Status)
	_, armed := f.o.Enforcer().Deadline("s1")
	assert.False(t, armed)
}

type statusFailure struct {
	*memory.Store
}

func (statusFailure) UpdateStatus(context.Context, string, stream.Status, stream.StatusUpdate) error {
	return errors.New("disk I/O error")
}

func TestStartStopsEngineWhenStatusWriteFails(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	gw := memory.New(clock)
	eng := streamtest.NewEngine()
	require.NoError(t, gw.Save(context.Background(), onceRecord("s1", 60)))
	o, err := New(DefaultConfig(), Deps{Gateway: statusFailure{gw}, Engine: eng, Clock: clock})
	require.NoError(t, err)

	err = o.StartStream(context.Background(), "s1", stream.ReasonManual)
	require.Error(t, err)
	assert.Equal(t, 1, eng.Starts("s1"))
	assert.Equal(t, 1, eng.EffectiveStops("s1"))
	assert.False(t, eng.IsActive("s1"))
	_, armed := o.Enforcer().Deadline("s1")
	assert.False(t, armed)
}

func TestStopStreamIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.save(t, onceRecord("s1", 60))
	require.NoError(t, f.o.StartStream(ctx, "s1", stream.ReasonManual))

	f.clock.Advance(10 * time.Minute)
	require.NoError(t, f.o.StopStream(ctx, "s1", stream.ReasonManual))
	require.NoError(t, f.o.StopStream(ctx, "s1", stream.ReasonManual))

	assert.Equal(t, 1, f.eng.Stops("s1"))
	r := f.get(t, "s1")
	assert.Equal(t, stream.StatusOffline, r.Status)
	assert.Equal(t, t0.Add(10*time.Minute), r.EndTime)

	_, armed := f.o.Enforcer().Deadline("s1")
	assert.False(t, armed)
	_, monitored := f.o.Health().State("s1")
	assert.False(t, monitored)
	assert.False(t, f.o.Reconciler().Monitoring("s1"))
	assert.Equal(t, 0, f.o.Trigger().Guard().Len(), "a manual start never claims the guard")
	assert.Equal(t, []history.EventType{history.EventStart, history.EventStop}, f.events(t, "s1"))
}

func TestStopRecurringReturnsToScheduled(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.save(t, stream.Record{
		ID:               "d1",
		ScheduleType:     stream.ScheduleDaily,
		RecurringTime:    "14:30",
		RecurringEnabled: true,
		DurationMinutes:  30,
		Status:           stream.StatusScheduled,
	})
	require.NoError(t, f.o.StartStream(ctx, "d1", stream.ReasonScheduleDaily))
	require.NoError(t, f.o.StopStream(ctx, "d1", stream.ReasonDurationElapsed))

	r := f.get(t, "d1")
	assert.Equal(t, stream.StatusScheduled, r.Status)
	assert.True(t, r.StartTime.IsZero())
}

func TestStopUnknownStream(t *testing.T) {
	f := setup(t)
	assert.NoError(t, f.o.StopStream(context.Background(), "ghost", stream.ReasonManual))
	assert.Equal(t, 0, f.eng.Stops("ghost"))
}

func TestEnforcerAndReconcilerStopOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.save(t, onceRecord("s1", 10))
	f.p.AddBroadcast("key-s1", "b1", stream.LifeCycleLive)
	require.NoError(t, f.o.StartStream(ctx, "s1", stream.ReasonScheduleOnce))
	f.o.Reconciler().Tick(ctx)

	f.p.SetLifeCycle("b1", stream.LifeCycleComplete)
	f.clock.Advance(10 * time.Minute)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); f.o.Enforcer().Tick(ctx) }()
	go func() { defer wg.Done(); f.o.Reconciler().Tick(ctx) }()
	wg.Wait()

	assert.Equal(t, 1, f.eng.EffectiveStops("s1"))
	assert.Equal(t, 1, f.eng.Stops("s1"))
	assert.Equal(t, stream.StatusOffline, f.get(t, "s1").Status)
	assert.Equal(t, 0, f.o.locks.size())
}

func TestReconnectRunsOnlyRemainingTime(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.save(t, onceRecord("s1", 60))
	require.NoError(t, f.o.StartStream(ctx, "s1", stream.ReasonManual))

	f.clock.Advance(20 * time.Minute)
	f.eng.SetActive("s1", false)
	require.NoError(t, f.o.Reconnect(ctx, "s1", 40*time.Minute))

	r := f.get(t, "s1")
	assert.Equal(t, 40, r.DurationMinutes)
	assert.Equal(t, t0.Add(20*time.Minute), r.StartTime)
	end, ok := f.o.Enforcer().Deadline("s1")
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), end)
	assert.Equal(t, 2, f.eng.Starts("s1"))
}

func TestReconnectAbortsWhenNotLive(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.save(t, onceRecord("s1", 60))
	require.NoError(t, f.o.StartStream(ctx, "s1", stream.ReasonManual))
	require.NoError(t, f.o.StopStream(ctx, "s1", stream.ReasonManual))

	err := f.o.Reconnect(ctx, "s1", 30*time.Minute)
	assert.ErrorIs(t, err, stream.ErrNotLive)
	assert.Equal(t, 1, f.eng.Starts("s1"))
	assert.Equal(t, 60, f.get(t, "s1").DurationMinutes)

	err = f.o.Reconnect(ctx, "ghost", time.Minute)
	assert.ErrorIs(t, err, stream.ErrNotFound)
}

func TestProcessExitLeadsToReconnect(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.save(t, onceRecord("s1", 60))
	require.NoError(t, f.o.StartStream(ctx, "s1", stream.ReasonManual))

	f.clock.Advance(time.Minute)
	f.eng.Kill("s1", errors.New("exit status 1"))
	f.o.Health().Tick(ctx)
	f.clock.Advance(DefaultConfig().Health.ReconnectDelay)
	f.o.Health().Tick(ctx)

	assert.Equal(t, 2, f.eng.Starts("s1"))
	assert.True(t, f.eng.IsActive("s1"))
	assert.Equal(t, 59, f.get(t, "s1").DurationMinutes)
	assert.Equal(t, []history.EventType{history.EventStart, history.EventReconnect}, f.events(t, "s1"))
}

func TestRecurringDurationSurvivesReconnect(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.save(t, stream.Record{
		ID:               "d1",
		ScheduleType:     stream.ScheduleDaily,
		RecurringTime:    "14:30",
		RecurringEnabled: true,
		DurationMinutes:  60,
		Status:           stream.StatusScheduled,
	})
	require.NoError(t, f.o.StartStream(ctx, "d1", stream.ReasonScheduleDaily))

	f.clock.Advance(10 * time.Minute)
	f.eng.SetActive("d1", false)
	require.NoError(t, f.o.Reconnect(ctx, "d1", 50*time.Minute))
	f.clock.Advance(3 * time.Minute)
	f.eng.SetActive("d1", false)
	require.NoError(t, f.o.Reconnect(ctx, "d1", 47*time.Minute))
	assert.Equal(t, 47, f.get(t, "d1").DurationMinutes)

	f.clock.Advance(47 * time.Minute)
	f.o.Enforcer().Tick(ctx)

	r := f.get(t, "d1")
	assert.Equal(t, stream.StatusScheduled, r.Status)
	assert.Equal(t, 60, r.DurationMinutes, "next session runs the full hour")
	assert.Empty(t, f.o.configured)
}

func TestWindowDurationRestoredAfterReconnect(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	r := onceRecord("s1", 0)
	r.ScheduleEndTime = t0.Add(30 * time.Minute)
	f.save(t, r)
	require.NoError(t, f.o.StartStream(ctx, "s1", stream.ReasonManual))

	f.clock.Advance(10 * time.Minute)
	f.eng.SetActive("s1", false)
	require.NoError(t, f.o.Reconnect(ctx, "s1", 20*time.Minute))
	assert.Equal(t, 20, f.get(t, "s1").DurationMinutes)

	require.NoError(t, f.o.StopStream(ctx, "s1", stream.ReasonManual))
	r = f.get(t, "s1")
	assert.Equal(t, stream.StatusOffline, r.Status)
	assert.Equal(t, 0, r.DurationMinutes)
}

func TestOnceStreamRunsOnceAcrossSweeps(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	r := onceRecord("s1", 5)
	r.ScheduleTime = t0.Add(20 * time.Second)
	f.save(t, r)

	for elapsed := time.Duration(0); elapsed <= 12*time.Minute; elapsed += 30 * time.Second {
		_, err := f.o.Trigger().Sweep(ctx)
		require.NoError(t, err)
		f.o.Enforcer().Tick(ctx)
		f.clock.Advance(30 * time.Second)
	}

	assert.Equal(t, 1, f.eng.Starts("s1"))
	assert.Equal(t, 1, f.eng.EffectiveStops("s1"))
	assert.Equal(t, stream.StatusOffline, f.get(t, "s1").Status)
}

func TestPlatformEndSchedulesVisibility(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	r := onceRecord("s1", 30)
	r.PostStreamVisibility = "private"
	f.save(t, r)
	f.p.AddBroadcast("key-s1", "b1", stream.LifeCycleLive)
	require.NoError(t, f.o.StartStream(ctx, "s1", stream.ReasonManual))
	f.o.Reconciler().Tick(ctx)

	// the platform ends the broadcast with less than a minute left
	f.clock.Advance(29*time.Minute + 30*time.Second)
	f.p.SetLifeCycle("b1", stream.LifeCycleComplete)
	f.o.Reconciler().Tick(ctx)

	assert.Equal(t, stream.StatusOffline, f.get(t, "s1").Status)
	require.True(t, f.o.Delayed().Pending("b1"))

	f.clock.Advance(time.Minute)
	f.o.Delayed().Tick(ctx)
	assert.False(t, f.o.Delayed().Pending("b1"))
	assert.Equal(t, []streamtest.VisibilityCall{{BroadcastID: "b1", Visibility: "private", Attempt: 1}}, f.p.VisibilityCalls())

	types := f.events(t, "s1")
	assert.Equal(t, []history.EventType{history.EventStart, history.EventStop, history.EventPlatformEnded}, types)
	assert.Equal(t, []history.EventType{history.EventVisibilityChanged}, f.sink.Types("b1"))
}

func TestPlatformEndDeferredWhileTimeRemains(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.save(t, onceRecord("s1", 60))
	f.p.AddBroadcast("key-s1", "b1", stream.LifeCycleLive)
	require.NoError(t, f.o.StartStream(ctx, "s1", stream.ReasonManual))
	f.o.Reconciler().Tick(ctx)

	f.p.SetLifeCycle("b1", stream.LifeCycleComplete)
	f.clock.Advance(5 * time.Minute)
	f.o.Reconciler().Tick(ctx)

	assert.Equal(t, stream.StatusLive, f.get(t, "s1").Status)
	assert.Equal(t, 0, f.eng.Stops("s1"))
}

func TestTriggerStartsThroughOrchestrator(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	r := onceRecord("s1", 45)
	r.ScheduleTime = t0.Add(-2 * time.Minute)
	f.save(t, r)

	started, err := f.o.Trigger().Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	started, err = f.o.Trigger().Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, started)

	assert.Equal(t, 1, f.eng.Starts("s1"))
	assert.Equal(t, stream.StatusLive, f.get(t, "s1").Status)
}

func TestRecoverRearmsLiveStreams(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	alive := onceRecord("alive", 60)
	alive.Status = stream.StatusLive
	alive.StartTime = t0.Add(-10 * time.Minute)
	dead := onceRecord("dead", 60)
	dead.Status = stream.StatusLive
	dead.StartTime = t0.Add(-10 * time.Minute)
	f.save(t, alive)
	f.save(t, dead)
	f.eng.SetActive("alive", true)

	require.NoError(t, f.o.Recover(ctx))

	end, ok := f.o.Enforcer().Deadline("alive")
	require.True(t, ok)
	assert.Equal(t, t0.Add(50*time.Minute), end)
	assert.True(t, f.o.Reconciler().Monitoring("alive"))
	left, ok := f.o.Health().Remaining("dead")
	require.True(t, ok)
	assert.Equal(t, 50*time.Minute, left)

	f.o.Health().Tick(ctx)
	st, _ := f.o.Health().State("dead")
	assert.Equal(t, health.Reconnecting, st)
	st, _ = f.o.Health().State("alive")
	assert.Equal(t, health.Monitoring, st)
}

func TestSnapshot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.save(t, onceRecord("s1", 60))
	require.NoError(t, f.o.StartStream(ctx, "s1", stream.ReasonManual))

	s := f.o.Snapshot()
	assert.Equal(t, t0, s.TakenAt)
	assert.Contains(t, s.Deadlines, "s1")
	require.Len(t, s.Health, 1)
	require.Len(t, s.Sync, 1)
	assert.True(t, s.QuotaUntil.IsZero())
	assert.Empty(t, s.Actions)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.o.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestKeyLockSerialises(t *testing.T) {
	k := newKeyLock()
	unlock := k.Lock("a")
	acquired := make(chan struct{})
	go func() {
		u := k.Lock("a")
		close(acquired)
		u()
	}()
	other := k.Lock("b")
	other()

	select {
	case <-acquired:
		t.Fatal("second holder got the lock")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return k.size() == 0 }, time.Second, 10*time.Millisecond)
}
