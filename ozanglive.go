// Package ozanglive wires the stream lifecycle orchestrator: persistence,
// the transmission engine, the platform client, history and the
// operational HTTP surface are built from one Config.
package ozanglive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meteoradja-ytmjk/ozanglive/internal/civil"
	"github.com/meteoradja-ytmjk/ozanglive/internal/config"
	"github.com/meteoradja-ytmjk/ozanglive/internal/delayed"
	"github.com/meteoradja-ytmjk/ozanglive/internal/enforcer"
	"github.com/meteoradja-ytmjk/ozanglive/internal/engine"
	"github.com/meteoradja-ytmjk/ozanglive/internal/health"
	"github.com/meteoradja-ytmjk/ozanglive/internal/history"
	hfactory "github.com/meteoradja-ytmjk/ozanglive/internal/history/factory"
	"github.com/meteoradja-ytmjk/ozanglive/internal/logger"
	"github.com/meteoradja-ytmjk/ozanglive/internal/metrics"
	"github.com/meteoradja-ytmjk/ozanglive/internal/orchestrator"
	"github.com/meteoradja-ytmjk/ozanglive/internal/platform/youtube"
	"github.com/meteoradja-ytmjk/ozanglive/internal/reconciler"
	"github.com/meteoradja-ytmjk/ozanglive/internal/server"
	"github.com/meteoradja-ytmjk/ozanglive/internal/store"
	sfactory "github.com/meteoradja-ytmjk/ozanglive/internal/store/factory"
	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
	"github.com/meteoradja-ytmjk/ozanglive/internal/trigger"
)

// Re-export the types embedders need. These are aliases so conversions are zero-cost.

type Config = config.Config

type Record = stream.Record

type Credential = stream.Credential

type Snapshot = orchestrator.Snapshot

func DefaultConfig() Config { return config.Default() }

func LoadConfig(path string, envFiles ...string) (*Config, error) {
	return config.Load(path, envFiles...)
}

// Service is one running orchestrator with everything it depends on.
type Service struct {
	cfg      Config
	store    store.Store
	engine   *engine.Engine
	recorder *history.Recorder
	orch     *orchestrator.Orchestrator
	logs     io.Closer
}

// New builds a Service. Nothing runs until Run is called.
func New(cfg *Config) (*Service, error) {
	if cfg == nil {
		d := config.Default()
		cfg = &d
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{cfg: *cfg}
	if err := s.build(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build() error {
	c := s.cfg
	logs, err := logger.Setup(logger.AppConfig{
		Level:    c.Log.Level,
		Format:   c.Log.Format,
		File:     c.Log.File,
		ShowTime: c.Log.ShowTime,
		Rotation: logger.Config{
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	})
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	s.logs = logs

	st, err := sfactory.NewFromDSN(c.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.store = st
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	eng, err := engine.New(engineConfig(c.Engine), st)
	if err != nil {
		return err
	}
	s.engine = eng

	var platform stream.Platform
	if c.Platform.Enabled {
		yc, err := youtube.New(youtube.Config{
			ClientID:     c.Platform.ClientID,
			ClientSecret: c.Platform.ClientSecret,
			TokenURL:     c.Platform.TokenURL,
			Endpoint:     c.Platform.Endpoint,
			Timeout:      c.Platform.Timeout,
			RatePerSec:   c.Platform.RatePerSec,
			Burst:        c.Platform.Burst,
		}, st)
		if err != nil {
			return err
		}
		platform = yc
	}

	sinks, err := hfactory.NewSinks(c.History.Sinks)
	if err != nil {
		return fmt.Errorf("history sinks: %w", err)
	}
	s.recorder = history.NewRecorder(sinks...)

	var procs *metrics.ProcessCollector
	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		procs = metrics.NewProcessCollector(metrics.ProcessCollectorConfig{
			Enabled:  c.Metrics.ProcessSampling,
			Interval: c.Metrics.ProcessInterval,
		}, nil)
		if err := procs.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register process metrics: %w", err)
		}
	}

	orch, err := orchestrator.New(orchestratorConfig(c), orchestrator.Deps{
		Gateway:   st,
		Engine:    eng,
		Platform:  platform,
		Calendar:  civil.New(c.Trigger.UTCOffset),
		Clock:     clockwork.NewRealClock(),
		History:   s.recorder,
		Processes: procs,
		PIDs:      eng.PIDs,
	})
	if err != nil {
		return err
	}
	s.orch = orch
	return nil
}

func engineConfig(c config.EngineConfig) engine.Config {
	return engine.Config{
		Command:     c.Command,
		Args:        c.Args,
		WorkDir:     c.WorkDir,
		Env:         c.Env,
		StopTimeout: c.StopTimeout,
		Log: logger.Config{
			Dir:        c.LogDir,
			MaxSizeMB:  c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAgeDays: c.MaxAgeDays,
			Compress:   c.Compress,
		},
	}
}

func orchestratorConfig(c Config) orchestrator.Config {
	return orchestrator.Config{
		Trigger: trigger.Config{
			Interval:   c.Trigger.Interval,
			LookBack:   c.Trigger.LookBack,
			LookAhead:  c.Trigger.LookAhead,
			MaxEarly:   c.Trigger.MaxEarly,
			Cooldown:   c.Trigger.Cooldown,
			Stagger:    c.Trigger.Stagger,
			MatchSlack: c.Trigger.MatchSlack,
		},
		Enforcer: enforcer.Config{
			TickInterval:  c.Enforcer.TickInterval,
			SweepInterval: c.Enforcer.SweepInterval,
			Grace:         c.Enforcer.Grace,
		},
		Health: health.Config{
			TickInterval:   c.Health.TickInterval,
			CheckInterval:  c.Health.CheckInterval,
			ReconnectDelay: c.Health.ReconnectDelay,
			MinRemaining:   c.Health.MinRemaining,
			MaxFailures:    c.Health.MaxFailures,
		},
		Reconciler: reconciler.Config{
			TickInterval:   c.Reconciler.TickInterval,
			PollInterval:   c.Reconciler.PollInterval,
			LocateAttempts: c.Reconciler.LocateAttempts,
			QuotaCooldown:  c.Reconciler.QuotaCooldown,
			NotFoundGrace:  c.Reconciler.NotFoundGrace,
			EndDeferral:    c.Reconciler.EndDeferral,
		},
		Delayed: delayed.Config{
			TickInterval: c.Delayed.TickInterval,
			InitialDelay: c.Delayed.InitialDelay,
			RetryDelay:   c.Delayed.RetryDelay,
			MaxRetries:   c.Delayed.MaxRetries,
			Deadline:     c.Delayed.Deadline,
		},
	}
}

// Handler returns the operational HTTP handler.
func (s *Service) Handler() http.Handler { return s.router().Handler() }

func (s *Service) router() *server.Router {
	if s.cfg.HTTP.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	return server.NewRouter(s.orch, s.store, server.Options{
		BasePath: s.cfg.HTTP.BasePath,
		Metrics:  s.cfg.Metrics.Enabled,
		Ready: func(ctx context.Context) error {
			_, err := s.store.FindLive(ctx)
			return err
		},
	})
}

// Run serves HTTP when enabled and drives the orchestrator until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.HTTP.Enabled {
		srv := server.NewServer(s.cfg.HTTP.Listen, s.router())
		slog.Info("http server listening", "listen", srv.Addr, "base_path", s.cfg.HTTP.BasePath)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	return s.orch.Run(ctx)
}

// SaveStream validates and stores rec.
func (s *Service) SaveStream(ctx context.Context, rec Record) error {
	return s.store.Save(ctx, rec)
}

// SaveCredential stores the platform credential of a user.
func (s *Service) SaveCredential(ctx context.Context, c Credential) error {
	return s.store.SaveCredential(ctx, c)
}

func (s *Service) Stream(ctx context.Context, id string) (Record, error) {
	return s.store.GetByID(ctx, id)
}

// StartStream starts id now, outside its schedule.
func (s *Service) StartStream(ctx context.Context, id string) error {
	return s.orch.StartStream(ctx, id, stream.ReasonManual)
}

func (s *Service) StopStream(ctx context.Context, id string) error {
	return s.orch.StopStream(ctx, id, stream.ReasonManual)
}

func (s *Service) Snapshot() Snapshot { return s.orch.Snapshot() }

// Close stops running processes and releases every resource. Persisted
// statuses are left as they are so the next Run recovers live streams.
func (s *Service) Close() error {
	if s.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.engine.Close(ctx)
		cancel()
	}
	var errs []error
	if s.recorder != nil {
		errs = append(errs, s.recorder.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.logs != nil {
		errs = append(errs, s.logs.Close())
	}
	return errors.Join(errs...)
}
