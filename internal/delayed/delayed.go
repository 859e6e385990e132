// Package delayed runs best-effort post-stream actions, such as changing the
// visibility of an ended broadcast, with bounded retries.
package delayed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/meteoradja-ytmjk/ozanglive/internal/metrics"
	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Exhausted Outcome = "exhausted"
	Cancelled Outcome = "cancelled"
	Expired   Outcome = "expired"
)

var errNotReady = errors.New("visibility change not ready")

type Config struct {
	TickInterval time.Duration
	InitialDelay time.Duration
	RetryDelay   time.Duration
	MaxRetries   int
	Deadline     time.Duration // safety ceiling measured from Schedule
}

func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		InitialDelay: 60 * time.Second,
		RetryDelay:   60 * time.Second,
		MaxRetries:   5,
		Deadline:     10 * time.Minute,
	}
}

// Result describes a finished action.
type Result struct {
	SubjectID  string
	OwnerID    string
	Visibility string
	Outcome    Outcome
	Attempts   int
	Err        error
}

type action struct {
	ownerID     string
	visibility  string
	attempts    int
	nextAttempt time.Time
	deadline    time.Time
	inFlight    bool
}

type Scheduler struct {
	cfg      Config
	platform stream.Platform
	clock    clockwork.Clock
	done     func(Result)

	mu      sync.Mutex
	pending map[string]*action
}

// New builds a scheduler. done, when set, is called once per finished
// action outside the scheduler lock.
func New(cfg Config, platform stream.Platform, clock clockwork.Clock, done func(Result)) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		cfg:      cfg,
		platform: platform,
		clock:    clock,
		done:     done,
		pending:  make(map[string]*action),
	}
}

// Schedule queues the visibility change of subjectID. It returns false
// when an action for the subject is already pending.
func (s *Scheduler) Schedule(subjectID, ownerID, visibility string) bool {
	now := s.clock.Now()
	s.mu.Lock()
	if _, ok := s.pending[subjectID]; ok {
		s.mu.Unlock()
		return false
	}
	s.pending[subjectID] = &action{
		ownerID:     ownerID,
		visibility:  visibility,
		nextAttempt: now.Add(s.cfg.InitialDelay),
		deadline:    now.Add(s.cfg.Deadline),
	}
	n := len(s.pending)
	s.mu.Unlock()
	metrics.SetMonitored("delayed", n)
	slog.Info("post-stream action scheduled", "subject_id", subjectID, "visibility", visibility)
	return true
}

// Cancel drops a pending action. Cancelling an unknown subject is a no-op.
func (s *Scheduler) Cancel(subjectID string) {
	s.mu.Lock()
	a, ok := s.pending[subjectID]
	if ok {
		delete(s.pending, subjectID)
	}
	n := len(s.pending)
	s.mu.Unlock()
	if ok {
		metrics.SetMonitored("delayed", n)
		slog.Debug("post-stream action cancelled", "subject_id", subjectID, "attempts", a.attempts)
	}
}

func (s *Scheduler) Pending(subjectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[subjectID]
	return ok
}

// ActionInfo is a read-only view of one pending action.
type ActionInfo struct {
	SubjectID   string    `json:"subject_id"`
	OwnerID     string    `json:"owner_id"`
	Visibility  string    `json:"visibility"`
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"next_attempt"`
	Deadline    time.Time `json:"deadline"`
}

func (s *Scheduler) Actions() []ActionInfo {
	s.mu.Lock()
	out := make([]ActionInfo, 0, len(s.pending))
	for id, a := range s.pending {
		out = append(out, ActionInfo{
			SubjectID:   id,
			OwnerID:     a.ownerID,
			Visibility:  a.visibility,
			Attempts:    a.attempts,
			NextAttempt: a.nextAttempt,
			Deadline:    a.deadline,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out
}

type due struct {
	id         string
	a          *action
	ownerID    string
	visibility string
	attempt    int
}

// Tick expires actions past their deadline and runs due attempts.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()
	var expired []Result
	var run []due

	s.mu.Lock()
	for id, a := range s.pending {
		if a.inFlight {
			continue
		}
		if !now.Before(a.deadline) {
			delete(s.pending, id)
			expired = append(expired, Result{SubjectID: id, OwnerID: a.ownerID, Visibility: a.visibility, Outcome: Expired, Attempts: a.attempts})
			continue
		}
		if now.Before(a.nextAttempt) {
			continue
		}
		a.inFlight = true
		a.attempts++
		run = append(run, due{id: id, a: a, ownerID: a.ownerID, visibility: a.visibility, attempt: a.attempts})
	}
	n := len(s.pending)
	s.mu.Unlock()
	if len(expired) > 0 {
		metrics.SetMonitored("delayed", n)
	}
	for _, r := range expired {
		slog.Warn("post-stream action expired", "subject_id", r.SubjectID, "attempts", r.Attempts)
		s.finish(r)
	}

	sort.Slice(run, func(i, j int) bool { return run[i].id < run[j].id })
	for _, d := range run {
		s.attempt(ctx, d)
	}
}

func (s *Scheduler) attempt(ctx context.Context, d due) {
	var res stream.VisibilityResult
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		cred, err := s.platform.ResolveCredential(ctx, d.ownerID)
		if err != nil {
			return err
		}
		token, err := s.platform.AccessToken(ctx, cred)
		if err != nil {
			return err
		}
		res, err = s.platform.SetVisibility(ctx, token, d.id, d.visibility, d.attempt)
		return err
	}()

	out := Result{SubjectID: d.id, OwnerID: d.ownerID, Visibility: d.visibility, Attempts: d.attempt, Err: err}
	switch {
	case err == nil && res.Success:
		out.Outcome = Succeeded
	case err != nil && stream.Classify(err) == stream.PermanentAuth:
		out.Outcome = Cancelled
	case d.attempt > s.cfg.MaxRetries:
		out.Outcome = Exhausted
		if err == nil {
			err = errNotReady
		}
		out.Err = &stream.ExhaustedError{Attempts: d.attempt, Err: err}
	}

	s.mu.Lock()
	if s.pending[d.id] != d.a {
		// cancelled during the attempt
		s.mu.Unlock()
		return
	}
	if out.Outcome == "" {
		d.a.inFlight = false
		d.a.nextAttempt = s.clock.Now().Add(s.cfg.RetryDelay)
		s.mu.Unlock()
		slog.Info("post-stream action not done, retrying", "subject_id", d.id, "attempt", d.attempt, "error", err)
		return
	}
	delete(s.pending, d.id)
	n := len(s.pending)
	s.mu.Unlock()
	metrics.SetMonitored("delayed", n)

	switch out.Outcome {
	case Succeeded:
		slog.Info("post-stream action done", "subject_id", d.id, "visibility", d.visibility, "attempts", d.attempt)
	default:
		slog.Warn("post-stream action abandoned", "subject_id", d.id, "outcome", out.Outcome, "error", out.Err)
	}
	s.finish(out)
}

func (s *Scheduler) finish(r Result) {
	metrics.IncDelayedAction(string(r.Outcome))
	if s.done != nil {
		s.done(r)
	}
}

// Run drives Tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			s.Tick(ctx)
		}
	}
}
