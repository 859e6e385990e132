// Package reconciler polls the remote platform for the lifecycle of every
// live broadcast and stops local streams whose broadcast has ended.
package reconciler

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

// Stopper stops a local stream.
type Stopper interface {
	StopStream(ctx context.Context, id string, reason stream.Reason) error
}

// Durations reports how much intended time a stream has left. It is
// consulted before acting on an ended broadcast because a reconnect may be
// underway.
type Durations interface {
	Remaining(id string) (time.Duration, bool)
}

// ActionScheduler queues the post-stream visibility change.
type ActionScheduler interface {
	Schedule(subjectID, ownerID, visibility string) bool
}

type Config struct {
	TickInterval   time.Duration
	PollInterval   time.Duration
	LocateAttempts int
	QuotaCooldown  time.Duration
	NotFoundGrace  time.Duration
	EndDeferral    time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:   time.Second,
		PollInterval:   5 * time.Minute,
		LocateAttempts: 5,
		QuotaCooldown:  time.Hour,
		NotFoundGrace:  time.Minute,
		EndDeferral:    60 * time.Second,
	}
}

// Hooks are optional callbacks fired outside the reconciler lock.
type Hooks struct {
	Ended func(id, broadcastID, lifeCycle string)
}

const statusNotFound = "not_found"

type entry struct {
	userID         string
	streamKey      string
	visibility     string
	broadcastID    string
	lastStatus     string
	locateAttempts int
	disconnectedAt time.Time
	nextPoll       time.Time
	inFlight       bool
}

type Reconciler struct {
	cfg       Config
	platform  stream.Platform
	stopper   Stopper
	durations Durations
	actions   ActionScheduler
	clock     clockwork.Clock
	hooks     Hooks

	mu         sync.Mutex
	entries    map[string]*entry
	quotaUntil time.Time
}

// New builds a reconciler. actions may be nil when no post-stream action
// is wanted.
func New(cfg Config, platform stream.Platform, stopper Stopper, durations Durations, actions ActionScheduler, clock clockwork.Clock, hooks Hooks) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reconciler{
		cfg:       cfg,
		platform:  platform,
		stopper:   stopper,
		durations: durations,
		actions:   actions,
		clock:     clock,
		hooks:     hooks,
		entries:   make(map[string]*entry),
	}
}

// StartMonitoring queues the broadcast lookup for a live stream. The next
// Tick locates it.
func (r *Reconciler) StartMonitoring(id, userID, streamKey, visibility string) {
	r.mu.Lock()
	r.entries[id] = &entry{
		userID:     userID,
		streamKey:  streamKey,
		visibility: visibility,
		nextPoll:   r.clock.Now(),
	}
	n := len(r.entries)
	r.mu.Unlock()
	metrics.SetMonitored("reconciler", n)
	slog.Debug("platform monitoring started", "stream_id", id, "user_id", userID)
}

func (r *Reconciler) StopMonitoring(id string) {
	r.mu.Lock()
	_, had := r.entries[id]
	delete(r.entries, id)
	n := len(r.entries)
	r.mu.Unlock()
	if had {
		metrics.SetMonitored("reconciler", n)
		slog.Debug("platform monitoring stopped", "stream_id", id)
	}
}

func (r *Reconciler) Monitoring(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// CooldownUntil returns the end of the active quota cooldown, or the zero
// time when polling is allowed.
func (r *Reconciler) CooldownUntil() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clock.Now().Before(r.quotaUntil) {
		return r.quotaUntil
	}
	return time.Time{}
}

// SyncInfo is a read-only view of one monitored stream.
type SyncInfo struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	BroadcastID    string    `json:"broadcast_id,omitempty"`
	LastStatus     string    `json:"last_status,omitempty"`
	DisconnectedAt time.Time `json:"disconnected_at,omitempty"`
	NextPoll       time.Time `json:"next_poll"`
}

func (r *Reconciler) Entries() []SyncInfo {
	r.mu.Lock()
	out := make([]SyncInfo, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, SyncInfo{
			ID:             id,
			UserID:         e.userID,
			BroadcastID:    e.broadcastID,
			LastStatus:     e.lastStatus,
			DisconnectedAt: e.disconnectedAt,
			NextPoll:       e.nextPoll,
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type poll struct {
	id          string
	e           *entry
	userID      string
	streamKey   string
	visibility  string
	broadcastID string
}

// Tick polls every due stream. Nothing is called while the quota cooldown
// is active.
func (r *Reconciler) Tick(ctx context.Context) {
	now := r.clock.Now()
	r.mu.Lock()
	if now.Before(r.quotaUntil) {
		r.mu.Unlock()
		return
	}
	var due []poll
	for id, e := range r.entries {
		if e.inFlight || now.Before(e.nextPoll) {
			continue
		}
		e.inFlight = true
		due = append(due, poll{
			id:          id,
			e:           e,
			userID:      e.userID,
			streamKey:   e.streamKey,
			visibility:  e.visibility,
			broadcastID: e.broadcastID,
		})
	}
	r.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].id < due[j].id })

	for i, p := range due {
		if quota := r.run(ctx, p); quota {
			r.release(due[i+1:])
			return
		}
	}
}

// run handles one stream and reports whether the quota was hit.
func (r *Reconciler) run(ctx context.Context, p poll) (quota bool) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("platform poll panicked", "stream_id", p.id, "panic", rec)
			r.reschedule(p, r.cfg.PollInterval)
		}
	}()

	r.mu.Lock()
	current := r.entries[p.id] == p.e
	r.mu.Unlock()
	if !current {
		return false
	}

	token, err := r.token(ctx, p.userID)
	if err != nil {
		return r.fail(p, "token", err)
	}
	if p.broadcastID == "" {
		return r.locate(ctx, p, token)
	}

	st, err := r.platform.BroadcastStatus(ctx, token, p.broadcastID)
	if err != nil {
		return r.fail(p, "status", err)
	}
	now := r.clock.Now()
	if !st.Exists {
		metrics.IncPoll("not_found")
		since := r.markDisconnected(p, now)
		if now.Sub(since) < r.cfg.NotFoundGrace {
			r.rescheduleAt(p, since.Add(r.cfg.NotFoundGrace))
			slog.Info("broadcast not found, waiting out grace", "stream_id", p.id, "broadcast_id", p.broadcastID)
			return false
		}
		r.ended(ctx, p, statusNotFound)
		return false
	}

	metrics.IncPoll("ok")
	if stream.Terminal(st.LifeCycleStatus) {
		r.ended(ctx, p, st.LifeCycleStatus)
		return false
	}
	r.mu.Lock()
	if r.entries[p.id] == p.e {
		p.e.lastStatus = st.LifeCycleStatus
		p.e.disconnectedAt = time.Time{}
		p.e.nextPoll = now.Add(r.cfg.PollInterval)
		p.e.inFlight = false
	}
	r.mu.Unlock()
	return false
}

func (r *Reconciler) token(ctx context.Context, userID string) (string, error) {
	cred, err := r.platform.ResolveCredential(ctx, userID)
	if err != nil {
		return "", err
	}
	return r.platform.AccessToken(ctx, cred)
}

func (r *Reconciler) locate(ctx context.Context, p poll, token string) bool {
	broadcastID, err := r.platform.FindBroadcastByKey(ctx, token, p.streamKey)
	if err != nil && !errors.Is(err, stream.ErrBroadcastNotFound) {
		return r.fail(p, "locate", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[p.id] != p.e {
		return false
	}
	p.e.inFlight = false
	p.e.nextPoll = r.clock.Now().Add(r.cfg.PollInterval)
	if err == nil {
		p.e.broadcastID = broadcastID
		slog.Info("broadcast located", "stream_id", p.id, "broadcast_id", broadcastID)
		return false
	}
	p.e.locateAttempts++
	if p.e.locateAttempts >= r.cfg.LocateAttempts {
		delete(r.entries, p.id)
		metrics.SetMonitored("reconciler", len(r.entries))
		slog.Warn("broadcast never located, monitoring dropped", "stream_id", p.id, "attempts", p.e.locateAttempts)
		return false
	}
	slog.Info("broadcast not located yet", "stream_id", p.id, "attempt", p.e.locateAttempts)
	return false
}

func (r *Reconciler) ended(ctx context.Context, p poll, lifeCycle string) {
	if left, ok := r.durations.Remaining(p.id); ok && left > r.cfg.EndDeferral {
		slog.Info("broadcast ended with time left, deferring", "stream_id", p.id, "status", lifeCycle, "remaining", left)
		r.mu.Lock()
		if r.entries[p.id] == p.e {
			p.e.lastStatus = lifeCycle
		}
		r.mu.Unlock()
		r.reschedule(p, r.cfg.PollInterval)
		return
	}

	if err := r.stopper.StopStream(ctx, p.id, stream.ReasonPlatformEnded); err != nil {
		slog.Warn("stop after platform end failed", "stream_id", p.id, "error", err)
		r.reschedule(p, r.cfg.PollInterval)
		return
	}
	r.mu.Lock()
	if r.entries[p.id] == p.e {
		delete(r.entries, p.id)
	}
	n := len(r.entries)
	r.mu.Unlock()
	metrics.SetMonitored("reconciler", n)
	slog.Info("stream stopped, platform broadcast ended", "stream_id", p.id, "broadcast_id", p.broadcastID, "status", lifeCycle)

	if p.visibility != "" && r.actions != nil {
		r.actions.Schedule(p.broadcastID, p.userID, p.visibility)
	}
	if r.hooks.Ended != nil {
		r.hooks.Ended(p.id, p.broadcastID, lifeCycle)
	}
}

// fail applies the error taxonomy to a failed platform call.
func (r *Reconciler) fail(p poll, step string, err error) bool {
	switch stream.Classify(err) {
	case stream.QuotaExceeded:
		until := r.clock.Now().Add(r.cfg.QuotaCooldown)
		r.mu.Lock()
		r.quotaUntil = until
		if r.entries[p.id] == p.e {
			p.e.inFlight = false
		}
		r.mu.Unlock()
		metrics.IncPoll("quota_exceeded")
		metrics.IncQuotaCooldown()
		slog.Warn("platform quota exceeded, polling paused", "stream_id", p.id, "until", until)
		return true
	case stream.PermanentAuth:
		n := r.dropUser(p.userID)
		metrics.IncPoll("auth_revoked")
		slog.Error("platform credential invalid, monitoring dropped", "user_id", p.userID, "streams", n, "error", err)
	default:
		r.reschedule(p, r.cfg.PollInterval)
		metrics.IncPoll("error")
		slog.Warn("platform poll failed", "stream_id", p.id, "step", step, "error", err)
	}
	return false
}

func (r *Reconciler) dropUser(userID string) int {
	r.mu.Lock()
	n := 0
	for id, e := range r.entries {
		if e.userID == userID {
			delete(r.entries, id)
			n++
		}
	}
	left := len(r.entries)
	r.mu.Unlock()
	metrics.SetMonitored("reconciler", left)
	return n
}

func (r *Reconciler) markDisconnected(p poll, now time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.e.disconnectedAt.IsZero() {
		p.e.disconnectedAt = now
	}
	return p.e.disconnectedAt
}

func (r *Reconciler) reschedule(p poll, after time.Duration) {
	r.rescheduleAt(p, r.clock.Now().Add(after))
}

func (r *Reconciler) rescheduleAt(p poll, at time.Time) {
	r.mu.Lock()
	if r.entries[p.id] == p.e {
		p.e.inFlight = false
		p.e.nextPoll = at
	}
	r.mu.Unlock()
}

func (r *Reconciler) release(rest []poll) {
	r.mu.Lock()
	for _, p := range rest {
		if r.entries[p.id] == p.e {
			p.e.inFlight = false
		}
	}
	r.mu.Unlock()
}

// Run drives Tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			r.Tick(ctx)
		}
	}
}
