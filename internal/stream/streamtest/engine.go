// Package streamtest provides scripted fakes of the stream collaborators for
// component tests.
package streamtest

import (
	"context"
	"sync"

	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

// Engine is a fake transmission engine. Processes stay alive after Start
// unless marked dead with SetDead.
type Engine struct {
	mu             sync.Mutex
	active         map[string]bool
	dead           map[string]bool
	startErr       map[string]error
	starts         map[string]int
	stops          map[string]int
	effectiveStops map[string]int
	activeCalls    map[string]int
	onExit         []func(string, error)
}

func NewEngine() *Engine {
	return &Engine{
		active:         make(map[string]bool),
		dead:           make(map[string]bool),
		startErr:       make(map[string]error),
		starts:         make(map[string]int),
		stops:          make(map[string]int),
		effectiveStops: make(map[string]int),
		activeCalls:    make(map[string]int),
	}
}

func (e *Engine) Start(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts[id]++
	if err := e.startErr[id]; err != nil {
		return err
	}
	if !e.dead[id] {
		e.active[id] = true
	}
	return nil
}

func (e *Engine) Stop(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops[id]++
	if e.active[id] {
		e.effectiveStops[id]++
	}
	delete(e.active, id)
	return nil
}

func (e *Engine) IsActive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activeCalls[id]++
	return e.active[id]
}

func (e *Engine) OnExit(fn func(id string, err error)) {
	e.mu.Lock()
	e.onExit = append(e.onExit, fn)
	e.mu.Unlock()
}

// SetActive marks a process as running without counting a start.
func (e *Engine) SetActive(id string, v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v {
		e.active[id] = true
	} else {
		delete(e.active, id)
	}
}

// SetDead makes every later Start succeed without a live process.
func (e *Engine) SetDead(id string, v bool) {
	e.mu.Lock()
	e.dead[id] = v
	e.mu.Unlock()
}

func (e *Engine) SetStartError(id string, err error) {
	e.mu.Lock()
	e.startErr[id] = err
	e.mu.Unlock()
}

// Kill terminates a running process and fires the exit callbacks.
func (e *Engine) Kill(id string, err error) {
	e.mu.Lock()
	delete(e.active, id)
	fns := make([]func(string, error), len(e.onExit))
	copy(fns, e.onExit)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(id, err)
	}
}

func (e *Engine) Starts(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts[id]
}

func (e *Engine) Stops(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops[id]
}

// EffectiveStops counts stops that terminated a running process.
func (e *Engine) EffectiveStops(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.effectiveStops[id]
}

func (e *Engine) ActiveCalls(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeCalls[id]
}

var _ stream.Engine = (*Engine)(nil)
var _ stream.ExitNotifier = (*Engine)(nil)
