package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. OZANGLIVE_DATABASE_DSN.
const EnvPrefix = "OZANGLIVE"

// Config represents the top-level TOML structure.
type Config struct {
	Database   DatabaseConfig   `toml:"database" mapstructure:"database"`
	Engine     EngineConfig     `toml:"engine" mapstructure:"engine"`
	Platform   PlatformConfig   `toml:"platform" mapstructure:"platform"`
	Trigger    TriggerConfig    `toml:"trigger" mapstructure:"trigger"`
	Enforcer   EnforcerConfig   `toml:"enforcer" mapstructure:"enforcer"`
	Health     HealthConfig     `toml:"health" mapstructure:"health"`
	Reconciler ReconcilerConfig `toml:"reconciler" mapstructure:"reconciler"`
	Delayed    DelayedConfig    `toml:"delayed" mapstructure:"delayed"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	Log        LogConfig        `toml:"log" mapstructure:"log"`
	HTTP       HTTPConfig       `toml:"http" mapstructure:"http"`
}

type DatabaseConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type EngineConfig struct {
	Command     string        `toml:"command" mapstructure:"command"`
	Args        []string      `toml:"args" mapstructure:"args"`
	WorkDir     string        `toml:"workdir" mapstructure:"workdir"`
	Env         []string      `toml:"env" mapstructure:"env"`
	StopTimeout time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	LogDir      string        `toml:"log_dir" mapstructure:"log_dir"`
	MaxSizeMB   int           `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups  int           `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays  int           `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress    bool          `toml:"compress" mapstructure:"compress"`
}

type PlatformConfig struct {
	Enabled      bool          `toml:"enabled" mapstructure:"enabled"`
	ClientID     string        `toml:"client_id" mapstructure:"client_id"`
	ClientSecret string        `toml:"client_secret" mapstructure:"client_secret"`
	TokenURL     string        `toml:"token_url" mapstructure:"token_url"`
	Endpoint     string        `toml:"endpoint" mapstructure:"endpoint"`
	Timeout      time.Duration `toml:"timeout" mapstructure:"timeout"`
	RatePerSec   float64       `toml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst        int           `toml:"burst" mapstructure:"burst"`
}

type TriggerConfig struct {
	Interval   time.Duration `toml:"interval" mapstructure:"interval"`
	LookBack   time.Duration `toml:"look_back" mapstructure:"look_back"`
	LookAhead  time.Duration `toml:"look_ahead" mapstructure:"look_ahead"`
	MaxEarly   time.Duration `toml:"max_early" mapstructure:"max_early"`
	Cooldown   time.Duration `toml:"cooldown" mapstructure:"cooldown"`
	Stagger    time.Duration `toml:"stagger" mapstructure:"stagger"`
	MatchSlack int           `toml:"match_slack_minutes" mapstructure:"match_slack_minutes"`
	UTCOffset  time.Duration `toml:"utc_offset" mapstructure:"utc_offset"`
}

type EnforcerConfig struct {
	TickInterval  time.Duration `toml:"tick_interval" mapstructure:"tick_interval"`
	SweepInterval time.Duration `toml:"sweep_interval" mapstructure:"sweep_interval"`
	Grace         time.Duration `toml:"grace" mapstructure:"grace"`
}

type HealthConfig struct {
	TickInterval   time.Duration `toml:"tick_interval" mapstructure:"tick_interval"`
	CheckInterval  time.Duration `toml:"check_interval" mapstructure:"check_interval"`
	ReconnectDelay time.Duration `toml:"reconnect_delay" mapstructure:"reconnect_delay"`
	MinRemaining   time.Duration `toml:"min_remaining" mapstructure:"min_remaining"`
	MaxFailures    int           `toml:"max_failures" mapstructure:"max_failures"`
}

type ReconcilerConfig struct {
	TickInterval   time.Duration `toml:"tick_interval" mapstructure:"tick_interval"`
	PollInterval   time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	LocateAttempts int           `toml:"locate_attempts" mapstructure:"locate_attempts"`
	QuotaCooldown  time.Duration `toml:"quota_cooldown" mapstructure:"quota_cooldown"`
	NotFoundGrace  time.Duration `toml:"not_found_grace" mapstructure:"not_found_grace"`
	EndDeferral    time.Duration `toml:"end_deferral" mapstructure:"end_deferral"`
}

type DelayedConfig struct {
	TickInterval time.Duration `toml:"tick_interval" mapstructure:"tick_interval"`
	InitialDelay time.Duration `toml:"initial_delay" mapstructure:"initial_delay"`
	RetryDelay   time.Duration `toml:"retry_delay" mapstructure:"retry_delay"`
	MaxRetries   int           `toml:"max_retries" mapstructure:"max_retries"`
	Deadline     time.Duration `toml:"deadline" mapstructure:"deadline"`
}

// HistoryConfig lists history sink DSNs (sqlite path, postgres:// or
// clickhouse://). Empty disables history.
type HistoryConfig struct {
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

type MetricsConfig struct {
	Enabled         bool          `toml:"enabled" mapstructure:"enabled"`
	ProcessSampling bool          `toml:"process_sampling" mapstructure:"process_sampling"`
	ProcessInterval time.Duration `toml:"process_interval" mapstructure:"process_interval"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	File       string `toml:"file" mapstructure:"file"`
	ShowTime   bool   `toml:"show_time" mapstructure:"show_time"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type HTTPConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	Debug    bool   `toml:"debug" mapstructure:"debug"`
}

// defaultArgs mirrors the engine's ffmpeg template.
var defaultArgs = []string{
	"-hide_banner", "-loglevel", "warning",
	"-re", "{loop}", "-i", "{input}",
	"{duration}",
	"-c", "copy", "-f", "flv", "{output}",
}

// Default returns the configuration used when a key is not set anywhere.
func Default() Config {
	return Config{
		Database: DatabaseConfig{DSN: "sqlite://ozanglive.db"},
		Engine: EngineConfig{
			Command:     "ffmpeg",
			Args:        append([]string(nil), defaultArgs...),
			StopTimeout: 5 * time.Second,
			LogDir:      "logs/streams",
			MaxSizeMB:   10,
			MaxBackups:  3,
			MaxAgeDays:  7,
		},
		Platform: PlatformConfig{
			Timeout:    15 * time.Second,
			RatePerSec: 5,
			Burst:      5,
		},
		Trigger: TriggerConfig{
			Interval:   30 * time.Second,
			LookBack:   10 * time.Minute,
			LookAhead:  60 * time.Second,
			MaxEarly:   30 * time.Second,
			Cooldown:   10 * time.Minute,
			Stagger:    time.Second,
			MatchSlack: 1,
			UTCOffset:  7 * time.Hour,
		},
		Enforcer: EnforcerConfig{
			TickInterval:  time.Second,
			SweepInterval: 60 * time.Second,
			Grace:         30 * time.Second,
		},
		Health: HealthConfig{
			TickInterval:   time.Second,
			CheckInterval:  5 * time.Minute,
			ReconnectDelay: 10 * time.Second,
			MinRemaining:   2 * time.Minute,
			MaxFailures:    3,
		},
		Reconciler: ReconcilerConfig{
			TickInterval:   time.Second,
			PollInterval:   5 * time.Minute,
			LocateAttempts: 5,
			QuotaCooldown:  time.Hour,
			NotFoundGrace:  time.Minute,
			EndDeferral:    60 * time.Second,
		},
		Delayed: DelayedConfig{
			TickInterval: time.Second,
			InitialDelay: 60 * time.Second,
			RetryDelay:   60 * time.Second,
			MaxRetries:   5,
			Deadline:     10 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			ProcessSampling: true,
			ProcessInterval: 15 * time.Second,
		},
		Log: LogConfig{
			Level:    "info",
			Format:   "color",
			ShowTime: true,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Listen:  ":8080",
		},
	}
}

// Load reads the optional TOML file at path on top of the defaults and
// applies OZANGLIVE_* environment overrides. envFiles are loaded into the
// process environment first; without any, a .env in the working directory
// is used when present. Variables already set are never overwritten.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("database.dsn", d.Database.DSN)

	v.SetDefault("engine.command", d.Engine.Command)
	v.SetDefault("engine.args", d.Engine.Args)
	v.SetDefault("engine.workdir", d.Engine.WorkDir)
	v.SetDefault("engine.env", d.Engine.Env)
	v.SetDefault("engine.stop_timeout", d.Engine.StopTimeout)
	v.SetDefault("engine.log_dir", d.Engine.LogDir)
	v.SetDefault("engine.max_size_mb", d.Engine.MaxSizeMB)
	v.SetDefault("engine.max_backups", d.Engine.MaxBackups)
	v.SetDefault("engine.max_age_days", d.Engine.MaxAgeDays)
	v.SetDefault("engine.compress", d.Engine.Compress)

	v.SetDefault("platform.enabled", d.Platform.Enabled)
	v.SetDefault("platform.client_id", d.Platform.ClientID)
	v.SetDefault("platform.client_secret", d.Platform.ClientSecret)
	v.SetDefault("platform.token_url", d.Platform.TokenURL)
	v.SetDefault("platform.endpoint", d.Platform.Endpoint)
	v.SetDefault("platform.timeout", d.Platform.Timeout)
	v.SetDefault("platform.rate_per_sec", d.Platform.RatePerSec)
	v.SetDefault("platform.burst", d.Platform.Burst)

	v.SetDefault("trigger.interval", d.Trigger.Interval)
	v.SetDefault("trigger.look_back", d.Trigger.LookBack)
	v.SetDefault("trigger.look_ahead", d.Trigger.LookAhead)
	v.SetDefault("trigger.max_early", d.Trigger.MaxEarly)
	v.SetDefault("trigger.cooldown", d.Trigger.Cooldown)
	v.SetDefault("trigger.stagger", d.Trigger.Stagger)
	v.SetDefault("trigger.match_slack_minutes", d.Trigger.MatchSlack)
	v.SetDefault("trigger.utc_offset", d.Trigger.UTCOffset)

	v.SetDefault("enforcer.tick_interval", d.Enforcer.TickInterval)
	v.SetDefault("enforcer.sweep_interval", d.Enforcer.SweepInterval)
	v.SetDefault("enforcer.grace", d.Enforcer.Grace)

	v.SetDefault("health.tick_interval", d.Health.TickInterval)
	v.SetDefault("health.check_interval", d.Health.CheckInterval)
	v.SetDefault("health.reconnect_delay", d.Health.ReconnectDelay)
	v.SetDefault("health.min_remaining", d.Health.MinRemaining)
	v.SetDefault("health.max_failures", d.Health.MaxFailures)

	v.SetDefault("reconciler.tick_interval", d.Reconciler.TickInterval)
	v.SetDefault("reconciler.poll_interval", d.Reconciler.PollInterval)
	v.SetDefault("reconciler.locate_attempts", d.Reconciler.LocateAttempts)
	v.SetDefault("reconciler.quota_cooldown", d.Reconciler.QuotaCooldown)
	v.SetDefault("reconciler.not_found_grace", d.Reconciler.NotFoundGrace)
	v.SetDefault("reconciler.end_deferral", d.Reconciler.EndDeferral)

	v.SetDefault("delayed.tick_interval", d.Delayed.TickInterval)
	v.SetDefault("delayed.initial_delay", d.Delayed.InitialDelay)
	v.SetDefault("delayed.retry_delay", d.Delayed.RetryDelay)
	v.SetDefault("delayed.max_retries", d.Delayed.MaxRetries)
	v.SetDefault("delayed.deadline", d.Delayed.Deadline)

	v.SetDefault("history.sinks", d.History.Sinks)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.process_sampling", d.Metrics.ProcessSampling)
	v.SetDefault("metrics.process_interval", d.Metrics.ProcessInterval)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.show_time", d.Log.ShowTime)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("http.enabled", d.HTTP.Enabled)
	v.SetDefault("http.listen", d.HTTP.Listen)
	v.SetDefault("http.base_path", d.HTTP.BasePath)
	v.SetDefault("http.debug", d.HTTP.Debug)
}

// Validate checks required fields and that every interval is positive.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if strings.TrimSpace(c.Engine.Command) == "" {
		errs = append(errs, errors.New("engine.command is required"))
	}
	if c.HTTP.Enabled && c.HTTP.Listen == "" {
		errs = append(errs, errors.New("http.listen is required when http is enabled"))
	}
	if c.Platform.Enabled && c.Platform.ClientID == "" {
		errs = append(errs, errors.New("platform.client_id is required when the platform is enabled"))
	}

	positive := []struct {
		key string
		d   time.Duration
	}{
		{"engine.stop_timeout", c.Engine.StopTimeout},
		{"trigger.interval", c.Trigger.Interval},
		{"trigger.look_back", c.Trigger.LookBack},
		{"trigger.cooldown", c.Trigger.Cooldown},
		{"enforcer.tick_interval", c.Enforcer.TickInterval},
		{"enforcer.sweep_interval", c.Enforcer.SweepInterval},
		{"health.tick_interval", c.Health.TickInterval},
		{"health.check_interval", c.Health.CheckInterval},
		{"reconciler.tick_interval", c.Reconciler.TickInterval},
		{"reconciler.poll_interval", c.Reconciler.PollInterval},
		{"reconciler.quota_cooldown", c.Reconciler.QuotaCooldown},
		{"delayed.tick_interval", c.Delayed.TickInterval},
		{"delayed.initial_delay", c.Delayed.InitialDelay},
		{"delayed.retry_delay", c.Delayed.RetryDelay},
		{"delayed.deadline", c.Delayed.Deadline},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.key, p.d))
		}
	}
	if c.Health.MaxFailures < 0 || c.Delayed.MaxRetries < 0 {
		errs = append(errs, errors.New("retry ceilings must not be negative"))
	}
	if c.Reconciler.LocateAttempts <= 0 {
		errs = append(errs, errors.New("reconciler.locate_attempts must be positive"))
	}
	if c.Metrics.ProcessSampling && c.Metrics.ProcessInterval <= 0 {
		errs = append(errs, errors.New("metrics.process_interval must be positive when sampling"))
	}
	return errors.Join(errs...)
}
