// Package engine runs one transmission process per stream. The process is
// built from a command template and placed in its own process group so a
// stop reaches every child it spawns.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/meteoradja-ytmjk/ozanglive/internal/env"
	"github.com/meteoradja-ytmjk/ozanglive/internal/logger"
	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

const DefaultStopTimeout = 5 * time.Second

// Records resolves the stream a process is started for.
type Records interface {
	GetByID(ctx context.Context, id string) (stream.Record, error)
}

type Config struct {
	Command     string
	Args        []string // placeholders: see BuildArgs
	WorkDir     string
	Env         []string
	StopTimeout time.Duration
	Log         logger.Config
}

type Engine struct {
	cfg     Config
	records Records

	mu     sync.Mutex
	procs  map[string]*proc
	onExit []func(id string, err error)
}

type proc struct {
	cmd      *exec.Cmd
	pid      int
	started  time.Time
	done     chan struct{}
	err      error
	stopping bool
	closers  []io.Closer
}

func New(cfg Config, records Records) (*Engine, error) {
	if cfg.Command == "" {
		return nil, errors.New("engine command required")
	}
	if records == nil {
		return nil, errors.New("engine needs a record source")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Engine{cfg: cfg, records: records, procs: make(map[string]*proc)}, nil
}

// OnExit registers fn for processes that exit without a Stop request.
func (e *Engine) OnExit(fn func(id string, err error)) {
	e.mu.Lock()
	e.onExit = append(e.onExit, fn)
	e.mu.Unlock()
}

// Start spawns the process for id. It is a no-op while one is already running.
func (e *Engine) Start(ctx context.Context, id string) error {
	if e.IsActive(id) {
		return nil
	}
	rec, err := e.records.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("engine start %s: %w", id, err)
	}
	if rec.SourcePath == "" || rec.RTMPURL == "" {
		return fmt.Errorf("engine start %s: source and rtmp url required", id)
	}

	// #nosec G204 -- command comes from operator configuration
	cmd := exec.Command(e.cfg.Command, BuildArgs(e.cfg.Args, rec)...)
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = env.Merge(os.Environ(), e.cfg.Env, env.Stream(rec))
	configureSysProcAttr(cmd)
	p := &proc{cmd: cmd, done: make(chan struct{})}
	e.attachLogs(cmd, p, id)

	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return fmt.Errorf("engine start %s: %w", id, err)
	}
	p.pid = cmd.Process.Pid
	p.started = time.Now()

	e.mu.Lock()
	if old, ok := e.procs[id]; ok && !old.exited() {
		// lost a race with a concurrent Start
		e.mu.Unlock()
		_ = signalGroup(p.pid, true)
		go func() { _ = cmd.Wait(); p.closeWriters() }()
		return nil
	}
	e.procs[id] = p
	e.mu.Unlock()

	slog.Info("engine process started", "stream_id", id, "pid", p.pid)
	go e.wait(id, p)
	return nil
}

func (e *Engine) attachLogs(cmd *exec.Cmd, p *proc, id string) {
	if e.cfg.Log.Dir != "" {
		_ = os.MkdirAll(e.cfg.Log.Dir, 0o750)
	}
	outW, errW, _ := e.cfg.Log.Writers(id)
	if outW != nil {
		cmd.Stdout = outW
		p.closers = append(p.closers, outW)
	}
	if errW != nil {
		cmd.Stderr = errW
		p.closers = append(p.closers, errW)
	}
}

func (e *Engine) wait(id string, p *proc) {
	err := p.cmd.Wait()
	p.closeWriters()

	e.mu.Lock()
	p.err = err
	close(p.done)
	stopping := p.stopping
	if e.procs[id] == p {
		delete(e.procs, id)
	}
	fns := make([]func(string, error), len(e.onExit))
	copy(fns, e.onExit)
	e.mu.Unlock()

	if stopping {
		slog.Info("engine process stopped", "stream_id", id, "pid", p.pid)
		return
	}
	slog.Warn("engine process exited", "stream_id", id, "pid", p.pid, "error", err)
	for _, fn := range fns {
		fn(id, err)
	}
}

// Stop terminates the process group with SIGTERM and escalates to SIGKILL
// after StopTimeout. Stopping a stream without a process is a no-op.
func (e *Engine) Stop(ctx context.Context, id string) error {
	e.mu.Lock()
	p, ok := e.procs[id]
	if ok {
		p.stopping = true
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	_ = signalGroup(p.pid, false)
	timer := time.NewTimer(e.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	_ = signalGroup(p.pid, true)
	select {
	case <-p.done:
	case <-time.After(200 * time.Millisecond):
		// best-effort
	}
	return nil
}

// IsActive reports whether the process for id is running and not a zombie.
func (e *Engine) IsActive(id string) bool {
	e.mu.Lock()
	p, ok := e.procs[id]
	e.mu.Unlock()
	if !ok || p.exited() {
		return false
	}
	return pidAlive(p.pid)
}

// Running lists stream ids with a live process.
func (e *Engine) Running() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.procs))
	for id := range e.procs {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	out := ids[:0]
	for _, id := range ids {
		if e.IsActive(id) {
			out = append(out, id)
		}
	}
	return out
}

// PIDs maps stream ids to the pid of their live process.
func (e *Engine) PIDs() map[string]int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int32, len(e.procs))
	for id, p := range e.procs {
		if !p.exited() {
			out[id] = int32(p.pid)
		}
	}
	return out
}

// Close stops every running process.
func (e *Engine) Close(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range e.Running() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = e.Stop(ctx, id)
		}(id)
	}
	wg.Wait()
}

func (p *proc) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *proc) closeWriters() {
	for _, c := range p.closers {
		_ = c.Close()
	}
	p.closers = nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	gp, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	if ok, err := gp.IsRunning(); err != nil || !ok {
		return false
	}
	st, err := gp.Status()
	if err != nil {
		return true
	}
	for _, s := range st {
		if s == gopsproc.Zombie {
			return false
		}
	}
	return true
}

var _ stream.Engine = (*Engine)(nil)
var _ stream.ExitNotifier = (*Engine)(nil)
