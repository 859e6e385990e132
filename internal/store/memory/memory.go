// Package memory is an in-process store used by tests and by "memory://"
// deployments that do not need persistence across restarts.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/meteoradja-ytmjk/ozanglive/internal/store"
	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

type Store struct {
	mu    sync.RWMutex
	clock clockwork.Clock
	recs  map[string]stream.Record
	creds map[string]stream.Credential
	// fail, when set, is returned by every gateway call
	fail error
}

func New(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock: clock,
		recs:  make(map[string]stream.Record),
		creds: make(map[string]stream.Credential),
	}
}

// SetError makes every later gateway call fail with err until reset with nil.
func (s *Store) SetError(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *Store) EnsureSchema(context.Context) error { return nil }
func (s *Store) Close() error                       { return nil }

func (s *Store) Save(_ context.Context, r stream.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.StatusUpdatedAt.IsZero() {
		r.StatusUpdatedAt = s.clock.Now()
	}
	s.recs[r.ID] = clone(r)
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.recs, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) GetByID(_ context.Context, id string) (stream.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail != nil {
		return stream.Record{}, s.fail
	}
	r, ok := s.recs[id]
	if !ok {
		return stream.Record{}, stream.ErrNotFound
	}
	return clone(r), nil
}

func (s *Store) FindDue(_ context.Context, from, to time.Time) ([]stream.Record, error) {
	return s.filter(func(r stream.Record) bool {
		if r.ScheduleType != stream.ScheduleOnce || r.ScheduleTime.IsZero() {
			return false
		}
		if r.Status != stream.StatusScheduled && r.Status != stream.StatusOffline {
			return false
		}
		return !r.ScheduleTime.Before(from) && !r.ScheduleTime.After(to)
	})
}

func (s *Store) FindRecurring(context.Context) ([]stream.Record, error) {
	return s.filter(func(r stream.Record) bool {
		return r.RecurringEnabled && r.ScheduleType.Recurring() && r.Status != stream.StatusLive
	})
}

func (s *Store) FindLive(context.Context) ([]stream.Record, error) {
	return s.filter(func(r stream.Record) bool { return r.Status == stream.StatusLive })
}

func (s *Store) filter(keep func(stream.Record) bool) ([]stream.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail != nil {
		return nil, s.fail
	}
	out := make([]stream.Record, 0)
	for _, r := range s.recs {
		if keep(r) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, status stream.Status, upd stream.StatusUpdate) error {
	if err := store.CheckTransition(id, status, upd); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	r, ok := s.recs[id]
	if !ok {
		return stream.ErrNotFound
	}
	r.Status = status
	r.StatusUpdatedAt = s.clock.Now()
	switch {
	case status == stream.StatusScheduled:
		r.StartTime = time.Time{}
	case !upd.StartTime.IsZero():
		r.StartTime = upd.StartTime
	}
	if !upd.EndTime.IsZero() {
		r.EndTime = upd.EndTime
	}
	s.recs[id] = r
	return nil
}

func (s *Store) UpdateDuration(_ context.Context, id string, minutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	r, ok := s.recs[id]
	if !ok {
		return stream.ErrNotFound
	}
	r.DurationMinutes = minutes
	s.recs[id] = r
	return nil
}

func (s *Store) CredentialByUser(_ context.Context, userID string) (stream.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[userID]
	if !ok {
		return stream.Credential{}, stream.ErrCredentialMissing
	}
	return c, nil
}

func (s *Store) SaveCredential(_ context.Context, c stream.Credential) error {
	s.mu.Lock()
	s.creds[c.UserID] = c
	s.mu.Unlock()
	return nil
}

func clone(r stream.Record) stream.Record {
	r.RecurringDays = append([]time.Weekday(nil), r.RecurringDays...)
	return r
}

var _ store.Store = (*Store)(nil)
