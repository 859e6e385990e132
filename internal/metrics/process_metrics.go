package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessSample holds CPU and memory figures of one engine process.
type ProcessSample struct {
	StreamID   string    `json:"stream_id"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

type ProcessCollectorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ProcessCollector samples the engine processes of live streams.
type ProcessCollector struct {
	enabled  bool
	interval time.Duration
	clock    clockwork.Clock

	mu     sync.RWMutex
	latest map[string]ProcessSample

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewProcessCollector(cfg ProcessCollectorConfig, clock clockwork.Clock) *ProcessCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      name,
			Help:      help,
		}, []string{"stream_id"})
	}
	return &ProcessCollector{
		enabled:    cfg.Enabled,
		interval:   interval,
		clock:      clock,
		latest:     make(map[string]ProcessSample),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the stream process."),
		memoryMB:   gauge("memory_mb", "Resident memory in MB of the stream process."),
		numThreads: gauge("num_threads", "Threads of the stream process."),
		numFDs:     gauge("num_fds", "Open file descriptors of the stream process (Unix only)."),
	}
}

func (c *ProcessCollector) Enabled() bool { return c.enabled }

func (c *ProcessCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, collector := range collectors {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Run samples pids every interval until ctx is done.
func (c *ProcessCollector) Run(ctx context.Context, pids func() map[string]int32) error {
	if !c.enabled {
		return nil
	}
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			c.Collect(pids())
		}
	}
}

// Collect takes one sample of every process and drops series of processes
// that are gone.
func (c *ProcessCollector) Collect(pids map[string]int32) {
	now := c.clock.Now()
	samples := make(map[string]ProcessSample, len(pids))
	for id, pid := range pids {
		if pid <= 0 {
			continue
		}
		s, err := sample(id, pid, now)
		if err != nil {
			slog.Debug("process sample failed", "stream_id", id, "pid", pid, "error", err)
			continue
		}
		samples[id] = s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.latest {
		if _, ok := samples[id]; !ok {
			c.cpuPercent.DeleteLabelValues(id)
			c.memoryMB.DeleteLabelValues(id)
			c.numThreads.DeleteLabelValues(id)
			c.numFDs.DeleteLabelValues(id)
		}
	}
	c.latest = samples
	for id, s := range samples {
		c.cpuPercent.WithLabelValues(id).Set(s.CPUPercent)
		c.memoryMB.WithLabelValues(id).Set(s.MemoryMB)
		c.numThreads.WithLabelValues(id).Set(float64(s.NumThreads))
		if runtime.GOOS != "windows" && s.NumFDs > 0 {
			c.numFDs.WithLabelValues(id).Set(float64(s.NumFDs))
		}
	}
}

// Latest returns the most recent samples keyed by stream id.
func (c *ProcessCollector) Latest() map[string]ProcessSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ProcessSample, len(c.latest))
	for k, v := range c.latest {
		out[k] = v
	}
	return out
}

func sample(id string, pid int32, ts time.Time) (ProcessSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ProcessSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	// first reading after start may be 0
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ProcessSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, _ := proc.NumThreads()
	s := ProcessSample{
		StreamID:   id,
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  ts,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			s.NumFDs = fds
		}
	}
	return s, nil
}
