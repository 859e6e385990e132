// Package enforcer stops live streams once their resolved duration elapsed.
package enforcer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/meteoradja-ytmjk/ozanglive/internal/metrics"
	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

type Stopper interface {
	StopStream(ctx context.Context, id string, reason stream.Reason) error
}

type Config struct {
	TickInterval  time.Duration // deadline resolution
	SweepInterval time.Duration // backstop sweep over all live streams
	Grace         time.Duration // overdue tolerance before a sweep force-stops
}

func DefaultConfig() Config {
	return Config{
		TickInterval:  time.Second,
		SweepInterval: 60 * time.Second,
		Grace:         30 * time.Second,
	}
}

type Enforcer struct {
	cfg     Config
	gw      stream.Gateway
	stopper Stopper
	clock   clockwork.Clock

	mu        sync.Mutex
	deadlines map[string]time.Time
}

func New(cfg Config, gw stream.Gateway, stopper Stopper, clock clockwork.Clock) *Enforcer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Enforcer{cfg: cfg, gw: gw, stopper: stopper, clock: clock, deadlines: make(map[string]time.Time)}
}

// Arm sets the stop deadline of a live record, replacing any earlier one.
// Records without a start time or duration are disarmed and false is returned.
func (e *Enforcer) Arm(rec stream.Record) (time.Time, bool) {
	end, ok := stream.EndOf(rec)
	if !ok {
		e.Disarm(rec.ID)
		return time.Time{}, false
	}
	e.mu.Lock()
	e.deadlines[rec.ID] = end
	n := len(e.deadlines)
	e.mu.Unlock()
	metrics.SetMonitored("enforcer", n)
	slog.Debug("duration deadline armed", "stream_id", rec.ID, "end", end)
	return end, true
}

func (e *Enforcer) Disarm(id string) {
	e.mu.Lock()
	_, had := e.deadlines[id]
	delete(e.deadlines, id)
	n := len(e.deadlines)
	e.mu.Unlock()
	if had {
		metrics.SetMonitored("enforcer", n)
	}
}

func (e *Enforcer) Deadline(id string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.deadlines[id]
	return t, ok
}

// Deadlines copies the deadline table.
func (e *Enforcer) Deadlines() map[string]time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]time.Time, len(e.deadlines))
	for k, v := range e.deadlines {
		out[k] = v
	}
	return out
}

// Tick stops every stream whose deadline passed. The deadline is consumed
// either way; a failed stop is picked up again by Sweep.
func (e *Enforcer) Tick(ctx context.Context) {
	now := e.clock.Now()
	e.mu.Lock()
	var due []string
	for id, end := range e.deadlines {
		if !now.Before(end) {
			due = append(due, id)
			delete(e.deadlines, id)
		}
	}
	e.mu.Unlock()
	sort.Strings(due)
	for _, id := range due {
		e.stop(ctx, id, stream.ReasonDurationElapsed)
	}
}

// Sweep recomputes the end of every live stream. Streams overdue by more
// than Grace are stopped at once, missing deadlines are armed and deadlines
// of streams that are no longer live are dropped.
func (e *Enforcer) Sweep(ctx context.Context) error {
	begin := e.clock.Now()
	defer func() { metrics.ObserveSweep("enforcer", e.clock.Since(begin).Seconds()) }()

	live, err := e.gw.FindLive(ctx)
	if err != nil {
		return fmt.Errorf("find live streams: %w", err)
	}
	now := e.clock.Now()
	seen := make(map[string]bool, len(live))
	for _, r := range live {
		seen[r.ID] = true
		end, ok := stream.EndOf(r)
		if !ok {
			e.Disarm(r.ID)
			continue
		}
		if now.After(end.Add(e.cfg.Grace)) {
			slog.Warn("stream overdue, forcing stop", "stream_id", r.ID, "end", end, "overdue", now.Sub(end))
			e.Disarm(r.ID)
			e.stop(ctx, r.ID, stream.ReasonDurationOverdue)
			continue
		}
		if cur, armed := e.Deadline(r.ID); !armed || !cur.Equal(end) {
			e.Arm(r)
		}
	}
	e.mu.Lock()
	for id := range e.deadlines {
		if !seen[id] {
			delete(e.deadlines, id)
		}
	}
	n := len(e.deadlines)
	e.mu.Unlock()
	metrics.SetMonitored("enforcer", n)
	return nil
}

func (e *Enforcer) stop(ctx context.Context, id string, reason stream.Reason) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("duration stop panicked", "stream_id", id, "panic", r)
		}
	}()
	if err := e.stopper.StopStream(ctx, id, reason); err != nil {
		slog.Warn("duration stop failed, retrying on next sweep", "stream_id", id, "reason", reason, "error", err)
		return
	}
	slog.Info("stream stopped by duration", "stream_id", id, "reason", reason)
}

// Run drives Tick and Sweep until ctx is done. The first sweep runs at once.
func (e *Enforcer) Run(ctx context.Context) error {
	if err := e.Sweep(ctx); err != nil {
		slog.Error("duration sweep failed", "error", err)
	}
	tick := e.clock.NewTicker(e.cfg.TickInterval)
	defer tick.Stop()
	sweep := e.clock.NewTicker(e.cfg.SweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.Chan():
			e.Tick(ctx)
		case <-sweep.Chan():
			if err := e.Sweep(ctx); err != nil {
				slog.Error("duration sweep failed", "error", err)
			}
		}
	}
}
