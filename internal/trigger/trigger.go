// Package trigger decides when stored stream definitions start. A sweep
// collects once-streams inside the due window and recurring streams whose
// civil minute matches, then starts each candidate at most once per cooldown.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/meteoradja-ytmjk/ozanglive/internal/civil"
	"github.com/meteoradja-ytmjk/ozanglive/internal/metrics"
	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

// Starter starts a stream. The orchestrator implements it.
type Starter interface {
	StartStream(ctx context.Context, id string, reason stream.Reason) error
}

type Config struct {
	Interval   time.Duration // sweep period
	LookBack   time.Duration // once window start relative to now
	LookAhead  time.Duration // once window end relative to now
	MaxEarly   time.Duration // skip once-streams scheduled further ahead than this
	Cooldown   time.Duration // guard cooldown
	Stagger    time.Duration // pause between starts of one sweep
	MatchSlack int           // recurring match tolerance in minutes
}

func DefaultConfig() Config {
	return Config{
		Interval:   30 * time.Second,
		LookBack:   10 * time.Minute,
		LookAhead:  60 * time.Second,
		MaxEarly:   30 * time.Second,
		Cooldown:   10 * time.Minute,
		Stagger:    time.Second,
		MatchSlack: 1,
	}
}

type Engine struct {
	cfg     Config
	gw      stream.Gateway
	starter Starter
	cal     civil.Calendar
	clock   clockwork.Clock
	guard   *Guard
}

func New(cfg Config, gw stream.Gateway, starter Starter, cal civil.Calendar, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		cfg:     cfg,
		gw:      gw,
		starter: starter,
		cal:     cal,
		clock:   clock,
		guard:   NewGuard(cfg.Cooldown),
	}
}

func (e *Engine) Guard() *Guard { return e.guard }

// Candidate is a stream selected by a sweep.
type Candidate struct {
	ID     string
	Reason stream.Reason
}

// Sweep runs the once and recurring sweeps and starts what is due. A
// persistence error aborts the sweep before anything is started.
func (e *Engine) Sweep(ctx context.Context) (started int, err error) {
	begin := e.clock.Now()
	defer func() { metrics.ObserveSweep("trigger", e.clock.Since(begin).Seconds()) }()

	now := e.clock.Now()
	e.guard.Prune(now)

	cands, err := e.Candidates(ctx, now)
	if err != nil {
		return 0, err
	}
	issued := false
	for _, c := range cands {
		if ctx.Err() != nil {
			return started, ctx.Err()
		}
		if !e.guard.Claim(c.ID, e.clock.Now()) {
			slog.Debug("trigger skipped, cooling down", "stream_id", c.ID)
			continue
		}
		if issued && e.cfg.Stagger > 0 {
			select {
			case <-e.clock.After(e.cfg.Stagger):
			case <-ctx.Done():
				e.guard.Clear(c.ID)
				return started, ctx.Err()
			}
		}
		issued = true
		if err := e.starter.StartStream(ctx, c.ID, c.Reason); err != nil {
			e.guard.Clear(c.ID)
			slog.Warn("scheduled start failed", "stream_id", c.ID, "reason", c.Reason, "error", err)
			continue
		}
		started++
		slog.Info("scheduled start issued", "stream_id", c.ID, "reason", c.Reason)
	}
	return started, nil
}

// Candidates returns the streams due at now, without starting them.
// Streams under guard cooldown are included.
func (e *Engine) Candidates(ctx context.Context, now time.Time) ([]Candidate, error) {
	due, err := e.gw.FindDue(ctx, now.Add(-e.cfg.LookBack), now.Add(e.cfg.LookAhead))
	if err != nil {
		return nil, fmt.Errorf("find due streams: %w", err)
	}
	recurring, err := e.gw.FindRecurring(ctx)
	if err != nil {
		return nil, fmt.Errorf("find recurring streams: %w", err)
	}

	seen := make(map[string]bool, len(due)+len(recurring))
	out := make([]Candidate, 0)
	for _, r := range due {
		if seen[r.ID] || !e.onceDue(r, now) {
			continue
		}
		seen[r.ID] = true
		out = append(out, Candidate{ID: r.ID, Reason: stream.ReasonScheduleOnce})
	}
	for _, r := range recurring {
		if seen[r.ID] || !e.recurringDue(r, now) {
			continue
		}
		seen[r.ID] = true
		out = append(out, Candidate{ID: r.ID, Reason: stream.TriggerReason(r.ScheduleType)})
	}
	return out, nil
}

func (e *Engine) onceDue(r stream.Record, now time.Time) bool {
	if r.ScheduleType != stream.ScheduleOnce || r.ScheduleTime.IsZero() {
		return false
	}
	if r.Status == stream.StatusLive {
		return false
	}
	// a session that ended after the earliest start time already served this schedule
	if !r.EndTime.IsZero() && !r.EndTime.Before(r.ScheduleTime.Add(-e.cfg.MaxEarly)) {
		return false
	}
	return !r.ScheduleTime.After(now.Add(e.cfg.MaxEarly))
}

func (e *Engine) recurringDue(r stream.Record, now time.Time) bool {
	if !r.RecurringEnabled || !r.ScheduleType.Recurring() || r.Status == stream.StatusLive {
		return false
	}
	sched, err := civil.ParseClock(r.RecurringTime)
	if err != nil {
		slog.Warn("invalid recurring time", "stream_id", r.ID, "recurring_time", r.RecurringTime, "error", err)
		return false
	}
	if r.ScheduleType == stream.ScheduleWeekly && !r.HasDay(e.cal.Weekday(now)) {
		return false
	}
	// no wrap across midnight
	diff := e.cal.MinuteOfDay(now) - sched
	return diff >= 0 && diff <= e.cfg.MatchSlack
}

// Run sweeps on a cron schedule in the civil location until ctx is done.
// Overlapping sweeps are skipped.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.Interval <= 0 {
		return errors.New("trigger interval must be positive")
	}
	cl := cron.PrintfLogger(log.New(slogWriter{}, "", 0))
	c := cron.New(
		cron.WithLocation(e.cal.Location()),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", e.cfg.Interval), func() { e.sweepOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule trigger sweep: %w", err)
	}
	slog.Info("trigger engine started", "interval", e.cfg.Interval, "location", e.cal.Location().String())
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	slog.Info("trigger engine stopped")
	return nil
}

func (e *Engine) sweepOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("trigger sweep panicked", "panic", r)
		}
	}()
	if _, err := e.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("trigger sweep aborted", "error", err)
	}
}

// slogWriter forwards cron's own log lines to slog at debug level.
type slogWriter struct{}

func (slogWriter) Write(p []byte) (int, error) {
	slog.Debug("cron", "msg", string(p))
	return len(p), nil
}
