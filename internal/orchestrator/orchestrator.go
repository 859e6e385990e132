// Package orchestrator owns the stream lifecycle components and is the only
// place that starts and stops streams. Every start, stop and reconnect of
// one stream id is serialised and re-reads the persisted status first.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/meteoradja-ytmjk/ozanglive/internal/civil"
	"github.com/meteoradja-ytmjk/ozanglive/internal/delayed"
	"github.com/meteoradja-ytmjk/ozanglive/internal/enforcer"
	"github.com/meteoradja-ytmjk/ozanglive/internal/health"
	"github.com/meteoradja-ytmjk/ozanglive/internal/history"
	"github.com/meteoradja-ytmjk/ozanglive/internal/metrics"
	"github.com/meteoradja-ytmjk/ozanglive/internal/reconciler"
	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
	"github.com/meteoradja-ytmjk/ozanglive/internal/trigger"
)

type Config struct {
	Trigger    trigger.Config
	Enforcer   enforcer.Config
	Health     health.Config
	Reconciler reconciler.Config
	Delayed    delayed.Config
}

func DefaultConfig() Config {
	return Config{
		Trigger:    trigger.DefaultConfig(),
		Enforcer:   enforcer.DefaultConfig(),
		Health:     health.DefaultConfig(),
		Reconciler: reconciler.DefaultConfig(),
		Delayed:    delayed.DefaultConfig(),
	}
}

// Deps are the collaborators of an orchestrator. Platform is optional;
// without it the reconciler and the delayed scheduler are disabled.
type Deps struct {
	Gateway  stream.Gateway
	Engine   stream.Engine
	Platform stream.Platform
	Calendar civil.Calendar
	Clock    clockwork.Clock
	History  *history.Recorder

	// Processes samples engine processes when set. PIDs feeds it.
	Processes *metrics.ProcessCollector
	PIDs      func() map[string]int32
}

type Orchestrator struct {
	gw     stream.Gateway
	engine stream.Engine
	clock  clockwork.Clock
	hist   *history.Recorder
	locks  *keyLock

	trigger    *trigger.Engine
	enforcer   *enforcer.Enforcer
	health     *health.Monitor
	reconciler *reconciler.Reconciler
	delayed    *delayed.Scheduler

	procs *metrics.ProcessCollector
	pids  func() map[string]int32

	// configured holds the duration a stream had before its first
	// reconnect of the current session
	mu         sync.Mutex
	configured map[string]int
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Gateway == nil {
		return nil, errors.New("orchestrator: gateway is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("orchestrator: engine is required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Calendar.Location() == nil {
		deps.Calendar = civil.Default()
	}

	o := &Orchestrator{
		gw:     deps.Gateway,
		engine: deps.Engine,
		clock:  deps.Clock,
		hist:   deps.History,
		locks:  newKeyLock(),
		procs:  deps.Processes,
		pids:   deps.PIDs,

		configured: make(map[string]int),
	}
	o.trigger = trigger.New(cfg.Trigger, deps.Gateway, o, deps.Calendar, deps.Clock)
	o.enforcer = enforcer.New(cfg.Enforcer, deps.Gateway, o, deps.Clock)
	o.health = health.New(cfg.Health, deps.Engine, o, deps.Clock, health.Hooks{
		GivenUp:   o.onGivenUp,
		Reconnect: o.onReconnect,
	})
	if deps.Platform != nil {
		o.delayed = delayed.New(cfg.Delayed, deps.Platform, deps.Clock, o.onActionDone)
		o.reconciler = reconciler.New(cfg.Reconciler, deps.Platform, o, o.health, o.delayed, deps.Clock, reconciler.Hooks{
			Ended: o.onPlatformEnded,
		})
	}
	if n, ok := deps.Engine.(stream.ExitNotifier); ok {
		n.OnExit(o.onExit)
	}
	return o, nil
}

func (o *Orchestrator) Trigger() *trigger.Engine { return o.trigger }
func (o *Orchestrator) Enforcer() *enforcer.Enforcer { return o.enforcer }
func (o *Orchestrator) Health() *health.Monitor { return o.health }
func (o *Orchestrator) Reconciler() *reconciler.Reconciler { return o.reconciler }
func (o *Orchestrator) Delayed() *delayed.Scheduler { return o.delayed }

// StartStream starts the process of id and marks the stream live. A stream
// that is already live with a running process is left alone.
func (o *Orchestrator) StartStream(ctx context.Context, id string, reason stream.Reason) error {
	unlock := o.locks.Lock(id)
	defer unlock()

	rec, err := o.gw.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load stream %s: %w", id, err)
	}
	if rec.Status == stream.StatusLive && o.engine.IsActive(id) {
		slog.Debug("stream already live", "stream_id", id)
		return nil
	}

	if err := o.engine.Start(ctx, id); err != nil {
		metrics.IncStartFailure(string(reason))
		return fmt.Errorf("start stream %s: %w", id, err)
	}
	now := o.clock.Now()
	if err := o.gw.UpdateStatus(ctx, id, stream.StatusLive, stream.StatusUpdate{StartTime: now}); err != nil {
		if stopErr := o.engine.Stop(ctx, id); stopErr != nil {
			slog.Error("stop after failed status update", "stream_id", id, "error", stopErr)
		}
		metrics.IncStartFailure(string(reason))
		return fmt.Errorf("mark stream %s live: %w", id, err)
	}
	rec.Status = stream.StatusLive
	rec.StartTime = now
	o.track(rec)

	metrics.IncStart(string(reason))
	o.hist.Emit(history.Event{Type: history.EventStart, OccurredAt: now, StreamID: id, UserID: rec.UserID, Reason: string(reason)})
	slog.Info("stream started", "stream_id", id, "reason", reason)
	return nil
}

// StopStream stops id and cancels every tracker tied to it. Stopping a
// stream that is neither live nor running makes no engine call.
func (o *Orchestrator) StopStream(ctx context.Context, id string, reason stream.Reason) error {
	unlock := o.locks.Lock(id)
	defer unlock()

	rec, err := o.gw.GetByID(ctx, id)
	switch {
	case errors.Is(err, stream.ErrNotFound):
		if o.engine.IsActive(id) {
			if err := o.engine.Stop(ctx, id); err != nil {
				return fmt.Errorf("stop orphaned stream %s: %w", id, err)
			}
		}
		o.untrack(id)
		o.forgetDuration(id)
		return nil
	case err != nil:
		return fmt.Errorf("load stream %s: %w", id, err)
	}

	if rec.Status != stream.StatusLive && !o.engine.IsActive(id) {
		o.untrack(id)
		o.restoreDuration(ctx, id)
		return nil
	}
	if err := o.engine.Stop(ctx, id); err != nil {
		return fmt.Errorf("stop stream %s: %w", id, err)
	}
	now := o.clock.Now()
	if rec.Status == stream.StatusLive {
		next := stream.StatusOffline
		if rec.RecurringEnabled && rec.ScheduleType.Recurring() {
			next = stream.StatusScheduled
		}
		if err := o.gw.UpdateStatus(ctx, id, next, stream.StatusUpdate{EndTime: now}); err != nil {
			return fmt.Errorf("mark stream %s %s: %w", id, next, err)
		}
	}
	o.untrack(id)
	o.restoreDuration(ctx, id)

	metrics.IncStop(string(reason))
	o.hist.Emit(history.Event{Type: history.EventStop, OccurredAt: now, StreamID: id, UserID: rec.UserID, Reason: string(reason)})
	slog.Info("stream stopped", "stream_id", id, "reason", reason)
	return nil
}

// Reconnect restarts the process of a live stream so it runs only for the
// remaining time. It returns stream.ErrNotLive when the stream was stopped
// in the meantime.
func (o *Orchestrator) Reconnect(ctx context.Context, id string, remaining time.Duration) error {
	unlock := o.locks.Lock(id)
	defer unlock()

	rec, err := o.gw.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load stream %s: %w", id, err)
	}
	if rec.Status != stream.StatusLive {
		return fmt.Errorf("reconnect %s: %w", id, stream.ErrNotLive)
	}
	if o.engine.IsActive(id) {
		return nil
	}

	minutes := stream.CeilMinutes(remaining)
	o.rememberDuration(id, rec.DurationMinutes)
	if err := o.gw.UpdateDuration(ctx, id, minutes); err != nil {
		return fmt.Errorf("update duration of %s: %w", id, err)
	}
	if err := o.engine.Start(ctx, id); err != nil {
		return fmt.Errorf("restart stream %s: %w", id, err)
	}
	now := o.clock.Now()
	if err := o.gw.UpdateStatus(ctx, id, stream.StatusLive, stream.StatusUpdate{StartTime: now}); err != nil {
		if stopErr := o.engine.Stop(ctx, id); stopErr != nil {
			slog.Error("stop after failed status update", "stream_id", id, "error", stopErr)
		}
		return fmt.Errorf("mark stream %s live: %w", id, err)
	}
	rec.DurationMinutes = minutes
	rec.StartTime = now
	o.enforcer.Arm(rec)
	slog.Info("stream process restarted", "stream_id", id, "minutes", minutes)
	return nil
}

// rememberDuration keeps the first value seen for id until the session ends.
func (o *Orchestrator) rememberDuration(id string, minutes int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.configured[id]; !ok {
		o.configured[id] = minutes
	}
}

func (o *Orchestrator) forgetDuration(id string) (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	minutes, ok := o.configured[id]
	delete(o.configured, id)
	return minutes, ok
}

// restoreDuration puts back the duration a reconnect shortened so the next
// session of a recurring stream runs for its full length.
func (o *Orchestrator) restoreDuration(ctx context.Context, id string) {
	minutes, ok := o.forgetDuration(id)
	if !ok {
		return
	}
	if err := o.gw.UpdateDuration(ctx, id, minutes); err != nil {
		slog.Error("restore configured duration", "stream_id", id, "minutes", minutes, "error", err)
	}
}

// Recover rebuilds the in-memory trackers from the persisted live streams.
// Streams whose process is gone are checked by the health monitor at once.
func (o *Orchestrator) Recover(ctx context.Context) error {
	live, err := o.gw.FindLive(ctx)
	if err != nil {
		return fmt.Errorf("find live streams: %w", err)
	}
	for _, rec := range live {
		o.track(rec)
		if !o.engine.IsActive(rec.ID) {
			o.health.CheckNow(rec.ID)
		}
	}
	slog.Info("lifecycle state recovered", "live", len(live))
	return nil
}

func (o *Orchestrator) track(rec stream.Record) {
	o.enforcer.Arm(rec)
	if d, ok := stream.ResolveDuration(rec); ok {
		o.health.StartMonitoring(rec.ID, rec.StartTime, d)
	}
	if o.reconciler != nil && rec.UserID != "" && rec.StreamKey != "" {
		o.reconciler.StartMonitoring(rec.ID, rec.UserID, rec.StreamKey, rec.PostStreamVisibility)
	}
}

func (o *Orchestrator) untrack(id string) {
	o.enforcer.Disarm(id)
	o.health.StopMonitoring(id)
	if o.reconciler != nil {
		o.reconciler.StopMonitoring(id)
	}
}

func (o *Orchestrator) onExit(id string, err error) {
	slog.Warn("stream process exited", "stream_id", id, "error", err)
	o.health.CheckNow(id)
}

func (o *Orchestrator) onGivenUp(id string, reconnects int) {
	o.hist.Emit(history.Event{Type: history.EventGivenUp, OccurredAt: o.clock.Now(), StreamID: id, Attempt: reconnects})
}

func (o *Orchestrator) onReconnect(id string, attempt int, err error) {
	ev := history.Event{Type: history.EventReconnect, OccurredAt: o.clock.Now(), StreamID: id, Reason: string(stream.ReasonReconnect), Attempt: attempt}
	if err != nil {
		ev.Detail = err.Error()
	}
	o.hist.Emit(ev)
}

func (o *Orchestrator) onPlatformEnded(id, broadcastID, lifeCycle string) {
	o.hist.Emit(history.Event{Type: history.EventPlatformEnded, OccurredAt: o.clock.Now(), StreamID: id, Reason: lifeCycle, Detail: broadcastID})
}

func (o *Orchestrator) onActionDone(r delayed.Result) {
	ev := history.Event{
		Type:       history.EventVisibilityChanged,
		OccurredAt: o.clock.Now(),
		StreamID:   r.SubjectID,
		UserID:     r.OwnerID,
		Reason:     string(r.Outcome),
		Attempt:    r.Attempts,
		Detail:     r.Visibility,
	}
	if r.Outcome != delayed.Succeeded {
		ev.Type = history.EventVisibilityFailed
		if r.Err != nil {
			ev.Detail = r.Err.Error()
		}
	}
	o.hist.Emit(ev)
}

// Run recovers the persisted state and runs every component loop until ctx
// is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Recover(ctx); err != nil {
		slog.Error("recover lifecycle state", "error", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.trigger.Run(ctx) })
	g.Go(func() error { return o.enforcer.Run(ctx) })
	g.Go(func() error { return o.health.Run(ctx) })
	if o.reconciler != nil {
		g.Go(func() error { return o.reconciler.Run(ctx) })
		g.Go(func() error { return o.delayed.Run(ctx) })
	}
	if o.procs != nil && o.procs.Enabled() && o.pids != nil {
		g.Go(func() error { return o.procs.Run(ctx, o.pids) })
	}
	slog.Info("stream orchestrator running", "platform", o.reconciler != nil)
	return g.Wait()
}
