package trigger

import (
	"sync"
	"time"
)

// Guard remembers when each stream was last triggered so a start is not
// issued twice inside the cooldown.
type Guard struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     map[string]time.Time
}

func NewGuard(cooldown time.Duration) *Guard {
	return &Guard{cooldown: cooldown, last: make(map[string]time.Time)}
}

// Claim marks id as triggered at now. It returns false while id is still
// cooling down from an earlier claim.
func (g *Guard) Claim(id string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.last[id]; ok && now.Sub(t) < g.cooldown {
		return false
	}
	g.last[id] = now
	return true
}

func (g *Guard) Active(id string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.last[id]
	return ok && now.Sub(t) < g.cooldown
}

func (g *Guard) Clear(id string) {
	g.mu.Lock()
	delete(g.last, id)
	g.mu.Unlock()
}

// Prune drops entries whose cooldown elapsed.
func (g *Guard) Prune(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, t := range g.last {
		if now.Sub(t) >= g.cooldown {
			delete(g.last, id)
		}
	}
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.last)
}

// Snapshot copies the guard table.
func (g *Guard) Snapshot() map[string]time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]time.Time, len(g.last))
	for k, v := range g.last {
		out[k] = v
	}
	return out
}
