package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
	"github.com/meteoradja-ytmjk/ozanglive/internal/stream/streamtest"
)

var t0 = time.Date(2026, 10, 14, 7, 0, 0, 0, time.UTC)

type reconnector struct {
	mu        sync.Mutex
	engine    *streamtest.Engine
	calls     int
	remaining []time.Duration
	err       error
	entered   chan struct{}
	release   chan struct{}
}

func (r *reconnector) Reconnect(ctx context.Context, id string, remaining time.Duration) error {
	r.mu.Lock()
	r.calls++
	r.remaining = append(r.remaining, remaining)
	err := r.err
	entered, release := r.entered, r.release
	r.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	if err != nil {
		return err
	}
	return r.engine.Start(ctx, id)
}

func (r *reconnector) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fixture struct {
	m     *Monitor
	eng   *streamtest.Engine
	rec   *reconnector
	clock *clockwork.FakeClock

	mu      sync.Mutex
	givenUp map[string]int
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		eng:     streamtest.NewEngine(),
		clock:   clockwork.NewFakeClockAt(t0),
		givenUp: map[string]int{},
	}
	f.rec = &reconnector{engine: f.eng}
	f.m = New(DefaultConfig(), f.eng, f.rec, f.clock, Hooks{
		GivenUp: func(id string, reconnects int) {
			f.mu.Lock()
			f.givenUp[id] = reconnects
			f.mu.Unlock()
		},
	})
	return f
}

// cycle advances to the next periodic check and then past the reconnect delay.
func (f *fixture) cycle(ctx context.Context) {
	cfg := DefaultConfig()
	f.clock.Advance(cfg.CheckInterval)
	f.m.Tick(ctx)
	f.clock.Advance(cfg.ReconnectDelay)
	f.m.Tick(ctx)
}

func TestDeadProcessGetsExactlyThreeReconnects(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.eng.SetDead("s1", true)
	f.m.StartMonitoring("s1", t0, 2*time.Hour)

	for i := 0; i < 6; i++ {
		f.cycle(ctx)
	}

	assert.Equal(t, 3, f.rec.count())
	assert.Equal(t, 3, f.eng.Starts("s1"))
	_, ok := f.m.State("s1")
	assert.False(t, ok, "given up entries are dropped")
	assert.Equal(t, map[string]int{"s1": 3}, f.givenUp)
}

func TestReconnectPassesRemainingTime(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.eng.SetDead("s1", true)
	f.m.StartMonitoring("s1", t0, time.Hour)

	f.cycle(ctx)

	require.Equal(t, 1, f.rec.count())
	assert.Equal(t, time.Hour-5*time.Minute-10*time.Second, f.rec.remaining[0])
}

func TestHealthyCheckResetsFailures(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.eng.SetActive("s1", true)
	f.m.StartMonitoring("s1", t0, 4*time.Hour)

	for i := 0; i < 5; i++ {
		f.eng.SetActive("s1", false)
		f.cycle(ctx) // dead, reconnected
		f.clock.Advance(DefaultConfig().CheckInterval)
		f.m.Tick(ctx) // alive again
		st, ok := f.m.State("s1")
		require.True(t, ok)
		assert.Equal(t, Healthy, st)
	}

	assert.Equal(t, 5, f.rec.count())
	assert.Empty(t, f.givenUp)
	info := f.m.Entries()
	require.Len(t, info, 1)
	assert.Equal(t, 0, info[0].Failures)
	assert.Equal(t, 5, info[0].Reconnects)
}

func TestNoReconnectNearTheEnd(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.eng.SetDead("s1", true)
	f.m.StartMonitoring("s1", t0, 6*time.Minute)

	f.cycle(ctx)

	assert.Equal(t, 0, f.rec.count())
	_, ok := f.m.State("s1")
	assert.False(t, ok)
}

func TestElapsedDurationEndsMonitoring(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.eng.SetActive("s1", true)
	f.m.StartMonitoring("s1", t0, 5*time.Minute)

	f.clock.Advance(5 * time.Minute)
	f.m.Tick(ctx)

	_, ok := f.m.State("s1")
	assert.False(t, ok)
	_, ok = f.m.Remaining("s1")
	assert.False(t, ok)
}

func TestExitSignalTriggersImmediateCheck(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.eng.OnExit(func(id string, _ error) { f.m.CheckNow(id) })
	f.eng.SetActive("s1", true)
	f.m.StartMonitoring("s1", t0, time.Hour)

	f.clock.Advance(30 * time.Second)
	f.eng.Kill("s1", errors.New("exit status 1"))
	f.m.Tick(ctx)

	st, ok := f.m.State("s1")
	require.True(t, ok)
	assert.Equal(t, Reconnecting, st)

	f.clock.Advance(DefaultConfig().ReconnectDelay)
	f.m.Tick(ctx)
	assert.Equal(t, 1, f.rec.count())
	assert.True(t, f.eng.IsActive("s1"))
}

func TestSingleReconnectInFlight(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.rec.entered = make(chan struct{})
	f.rec.release = make(chan struct{})
	f.eng.SetDead("s1", true)
	f.m.StartMonitoring("s1", t0, time.Hour)

	f.clock.Advance(DefaultConfig().CheckInterval)
	f.m.Tick(ctx)
	f.clock.Advance(DefaultConfig().ReconnectDelay)

	done := make(chan struct{})
	go func() {
		f.m.Tick(ctx)
		close(done)
	}()
	<-f.rec.entered

	f.m.CheckNow("s1")
	f.m.Tick(ctx)
	f.m.Tick(ctx)
	assert.Equal(t, 1, f.rec.count())

	close(f.rec.release)
	<-done

	// the check requested mid-reconnect runs right after it
	f.m.Tick(ctx)
	st, ok := f.m.State("s1")
	require.True(t, ok)
	assert.Equal(t, Reconnecting, st)
}

func TestReconnectAbortedWhenNotLive(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.rec.err = stream.ErrNotLive
	f.eng.SetDead("s1", true)
	f.m.StartMonitoring("s1", t0, time.Hour)

	f.cycle(ctx)

	assert.Equal(t, 1, f.rec.count())
	_, ok := f.m.State("s1")
	assert.False(t, ok)
}

func TestFailedReconnectDegrades(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.rec.err = errors.New("engine start failed")
	f.eng.SetDead("s1", true)
	f.m.StartMonitoring("s1", t0, 2*time.Hour)

	f.cycle(ctx)
	st, ok := f.m.State("s1")
	require.True(t, ok)
	assert.Equal(t, Degraded, st)

	for i := 0; i < 4; i++ {
		f.cycle(ctx)
	}
	assert.Equal(t, 3, f.rec.count())
	assert.Contains(t, f.givenUp, "s1")
}

func TestStopMonitoringDuringReconnect(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.rec.entered = make(chan struct{})
	f.rec.release = make(chan struct{})
	f.eng.SetDead("s1", true)
	f.m.StartMonitoring("s1", t0, time.Hour)

	f.clock.Advance(DefaultConfig().CheckInterval)
	f.m.Tick(ctx)
	f.clock.Advance(DefaultConfig().ReconnectDelay)

	done := make(chan struct{})
	go func() {
		f.m.Tick(ctx)
		close(done)
	}()
	<-f.rec.entered
	f.m.StopMonitoring("s1")
	close(f.rec.release)
	<-done

	_, ok := f.m.State("s1")
	assert.False(t, ok)
	assert.Empty(t, f.m.Entries())
}

func TestRemaining(t *testing.T) {
	f := setup(t)
	f.m.StartMonitoring("s1", t0, 30*time.Minute)
	f.clock.Advance(10 * time.Minute)

	left, ok := f.m.Remaining("s1")
	require.True(t, ok)
	assert.Equal(t, 20*time.Minute, left)

	_, ok = f.m.Remaining("other")
	assert.False(t, ok)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.m.Run(ctx) }()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
