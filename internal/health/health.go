// Package health watches the transmission process of live streams and
// reconnects a dead process a bounded number of times.
//
// Each monitored stream is a small state machine advanced by Tick:
//
//	Monitoring/Healthy/Degraded --dead--> Reconnecting --delay--> Monitoring
//	                            --dead, ceiling reached--> GivenUp (dropped)
//
// The engine exit signal (CheckNow) is the primary detector; the periodic
// check is a backstop.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/meteoradja-ytmjk/ozanglive/internal/metrics"
	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

type State int

const (
	Monitoring State = iota
	Healthy
	Degraded
	Reconnecting
	GivenUp
)

func (s State) String() string {
	switch s {
	case Monitoring:
		return "monitoring"
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Reconnecting:
		return "reconnecting"
	case GivenUp:
		return "given_up"
	default:
		return "unknown"
	}
}

// Reconnector restarts the process of a live stream for the remaining time.
type Reconnector interface {
	Reconnect(ctx context.Context, id string, remaining time.Duration) error
}

// Liveness is the part of the engine the monitor needs.
type Liveness interface {
	IsActive(id string) bool
}

type Config struct {
	TickInterval   time.Duration
	CheckInterval  time.Duration
	ReconnectDelay time.Duration
	MinRemaining   time.Duration // below this a dead stream is not worth reconnecting
	MaxFailures    int
}

func DefaultConfig() Config {
	return Config{
		TickInterval:   time.Second,
		CheckInterval:  5 * time.Minute,
		ReconnectDelay: 10 * time.Second,
		MinRemaining:   2 * time.Minute,
		MaxFailures:    3,
	}
}

// Hooks are optional callbacks fired outside the monitor lock.
type Hooks struct {
	GivenUp   func(id string, reconnects int)
	Reconnect func(id string, attempt int, err error)
}

type entry struct {
	start       time.Time
	duration    time.Duration
	state       State
	failures    int
	reconnects  int
	nextCheck   time.Time
	reconnectAt time.Time
	inFlight    bool
	recheck     bool
}

func (e *entry) remaining(now time.Time) time.Duration {
	return e.start.Add(e.duration).Sub(now)
}

type Monitor struct {
	cfg         Config
	engine      Liveness
	reconnector Reconnector
	clock       clockwork.Clock
	hooks       Hooks

	mu      sync.Mutex
	entries map[string]*entry
}

func New(cfg Config, engine Liveness, reconnector Reconnector, clock clockwork.Clock, hooks Hooks) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{
		cfg:         cfg,
		engine:      engine,
		reconnector: reconnector,
		clock:       clock,
		hooks:       hooks,
		entries:     make(map[string]*entry),
	}
}

// StartMonitoring tracks id for a session that began at start and lasts
// duration. An existing entry is replaced.
func (m *Monitor) StartMonitoring(id string, start time.Time, duration time.Duration) {
	now := m.clock.Now()
	m.mu.Lock()
	m.entries[id] = &entry{
		start:     start,
		duration:  duration,
		state:     Monitoring,
		nextCheck: now.Add(m.cfg.CheckInterval),
	}
	n := len(m.entries)
	m.mu.Unlock()
	metrics.SetMonitored("health", n)
	slog.Debug("health monitoring started", "stream_id", id, "duration", duration)
}

func (m *Monitor) StopMonitoring(id string) {
	m.mu.Lock()
	_, had := m.entries[id]
	delete(m.entries, id)
	n := len(m.entries)
	m.mu.Unlock()
	if had {
		metrics.SetMonitored("health", n)
		slog.Debug("health monitoring stopped", "stream_id", id)
	}
}

// CheckNow makes the next Tick check id. A check requested while a
// reconnect is pending runs right after it.
func (m *Monitor) CheckNow(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return
	}
	if e.inFlight || e.state == Reconnecting {
		e.recheck = true
		return
	}
	e.nextCheck = m.clock.Now()
}

// Remaining reports the intended time left of a monitored stream.
func (m *Monitor) Remaining(id string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return 0, false
	}
	return e.remaining(m.clock.Now()), true
}

func (m *Monitor) State(id string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// EntryInfo is a read-only view of one monitored stream.
type EntryInfo struct {
	ID         string        `json:"id"`
	State      string        `json:"state"`
	Failures   int           `json:"failures"`
	Reconnects int           `json:"reconnects"`
	Remaining  time.Duration `json:"remaining"`
	NextCheck  time.Time     `json:"next_check"`
}

func (m *Monitor) Entries() []EntryInfo {
	now := m.clock.Now()
	m.mu.Lock()
	out := make([]EntryInfo, 0, len(m.entries))
	for id, e := range m.entries {
		next := e.nextCheck
		if e.state == Reconnecting {
			next = e.reconnectAt
		}
		out = append(out, EntryInfo{
			ID:         id,
			State:      e.state.String(),
			Failures:   e.failures,
			Reconnects: e.reconnects,
			Remaining:  e.remaining(now),
			NextCheck:  next,
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type action struct {
	id        string
	e         *entry
	reconnect bool
}

// Tick runs every check and reconnect that is due.
func (m *Monitor) Tick(ctx context.Context) {
	now := m.clock.Now()
	m.mu.Lock()
	var due []action
	for id, e := range m.entries {
		if e.inFlight {
			continue
		}
		switch {
		case e.state == Reconnecting && !now.Before(e.reconnectAt):
			e.inFlight = true
			due = append(due, action{id: id, e: e, reconnect: true})
		case e.state != Reconnecting && !now.Before(e.nextCheck):
			due = append(due, action{id: id, e: e})
		}
	}
	m.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].id < due[j].id })

	for _, a := range due {
		if a.reconnect {
			m.reconnect(ctx, a.id, a.e)
		} else {
			m.check(a.id, a.e)
		}
	}
}

func (m *Monitor) check(id string, e *entry) {
	defer m.recoverEntry(id)
	now := m.clock.Now()
	alive := m.engine.IsActive(id)

	m.mu.Lock()
	if m.entries[id] != e {
		m.mu.Unlock()
		return
	}
	remaining := e.remaining(now)
	switch {
	case remaining <= 0:
		m.dropLocked(id)
		m.mu.Unlock()
		slog.Info("health monitoring finished, duration elapsed", "stream_id", id)
		return
	case alive:
		e.state = Healthy
		e.failures = 0
		e.nextCheck = now.Add(m.cfg.CheckInterval)
		m.mu.Unlock()
		return
	case remaining < m.cfg.MinRemaining:
		m.dropLocked(id)
		m.mu.Unlock()
		slog.Info("process dead near the end, not reconnecting", "stream_id", id, "remaining", remaining)
		return
	case e.failures >= m.cfg.MaxFailures:
		e.state = GivenUp
		reconnects := e.reconnects
		m.dropLocked(id)
		m.mu.Unlock()
		slog.Error("reconnect ceiling reached, giving up", "stream_id", id, "reconnects", reconnects)
		metrics.IncGivenUp()
		if m.hooks.GivenUp != nil {
			m.hooks.GivenUp(id, reconnects)
		}
		return
	}
	e.failures++
	e.state = Reconnecting
	e.reconnectAt = now.Add(m.cfg.ReconnectDelay)
	failures := e.failures
	m.mu.Unlock()
	slog.Warn("process dead, reconnect scheduled", "stream_id", id, "failures", failures, "remaining", remaining)
}

func (m *Monitor) reconnect(ctx context.Context, id string, e *entry) {
	defer m.recoverEntry(id)
	remaining := e.remaining(m.clock.Now())

	err := m.reconnector.Reconnect(ctx, id, remaining)

	now := m.clock.Now()
	m.mu.Lock()
	if m.entries[id] != e {
		// stopped while reconnecting
		m.mu.Unlock()
		return
	}
	e.inFlight = false
	e.reconnects++
	attempt := e.reconnects
	switch {
	case errors.Is(err, stream.ErrNotLive), errors.Is(err, stream.ErrNotFound):
		m.dropLocked(id)
		m.mu.Unlock()
		slog.Info("reconnect aborted, stream no longer live", "stream_id", id)
		return
	case err != nil:
		e.state = Degraded
	default:
		e.state = Monitoring
	}
	e.nextCheck = now.Add(m.cfg.CheckInterval)
	if e.recheck {
		e.recheck = false
		e.nextCheck = now
	}
	m.mu.Unlock()

	metrics.IncReconnect(err == nil)
	if err != nil {
		slog.Warn("reconnect failed", "stream_id", id, "attempt", attempt, "error", err)
	} else {
		slog.Info("stream reconnected", "stream_id", id, "attempt", attempt, "remaining", remaining)
	}
	if m.hooks.Reconnect != nil {
		m.hooks.Reconnect(id, attempt, err)
	}
}

func (m *Monitor) dropLocked(id string) {
	delete(m.entries, id)
	metrics.SetMonitored("health", len(m.entries))
}

func (m *Monitor) recoverEntry(id string) {
	if r := recover(); r != nil {
		slog.Error("health check panicked", "stream_id", id, "panic", r)
		m.mu.Lock()
		if e, ok := m.entries[id]; ok {
			e.inFlight = false
			e.state = Degraded
			e.nextCheck = m.clock.Now().Add(m.cfg.CheckInterval)
		}
		m.mu.Unlock()
	}
}

// Run drives Tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			m.Tick(ctx)
		}
	}
}
