package orchestrator

import (
	"time"

	"github.com/meteoradja-ytmjk/ozanglive/internal/delayed"
	"github.com/meteoradja-ytmjk/ozanglive/internal/health"
	"github.com/meteoradja-ytmjk/ozanglive/internal/metrics"
	"github.com/meteoradja-ytmjk/ozanglive/internal/reconciler"
)

// Snapshot is the in-memory tracker state of every component.
type Snapshot struct {
	TakenAt     time.Time                        `json:"taken_at"`
	Guard       map[string]time.Time             `json:"trigger_guard"`
	Deadlines   map[string]time.Time             `json:"deadlines"`
	Health      []health.EntryInfo               `json:"health"`
	Sync        []reconciler.SyncInfo            `json:"sync,omitempty"`
	QuotaUntil  time.Time                        `json:"quota_until,omitempty"`
	Actions     []delayed.ActionInfo             `json:"actions,omitempty"`
	Processes   map[string]metrics.ProcessSample `json:"processes,omitempty"`
	ActiveLocks int                              `json:"active_locks"`
}

func (o *Orchestrator) Snapshot() Snapshot {
	s := Snapshot{
		TakenAt:     o.clock.Now(),
		Guard:       o.trigger.Guard().Snapshot(),
		Deadlines:   o.enforcer.Deadlines(),
		Health:      o.health.Entries(),
		ActiveLocks: o.locks.size(),
	}
	if o.reconciler != nil {
		s.Sync = o.reconciler.Entries()
		s.QuotaUntil = o.reconciler.CooldownUntil()
		s.Actions = o.delayed.Actions()
	}
	if o.procs != nil && o.procs.Enabled() {
		s.Processes = o.procs.Latest()
	}
	return s
}
