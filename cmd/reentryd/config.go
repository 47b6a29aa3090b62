package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/rendis/reentry/internal/broker"
	"github.com/rendis/reentry/internal/coordinator"
	"github.com/rendis/reentry/internal/engine"
	"github.com/rendis/reentry/internal/maintenance"
)

const envPrefix = "REENTRY_"

const (
	modeDevelopment = "development"
	modeProduction  = "production"
)

// Config holds the reentryd configuration.
// Priority: env vars > config file > defaults.
type Config struct {
	Mode      string `yaml:"mode" env:"MODE"`
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	DBPath       string `yaml:"db_path" env:"DB_PATH"`
	FallbackPath string `yaml:"fallback_path" env:"FALLBACK_PATH"`
	MetricsAddr  string `yaml:"metrics_addr" env:"METRICS_ADDR"`

	NATS        NATSConfig        `yaml:"nats" envPrefix:"NATS_"`
	Engine      EngineConfig      `yaml:"engine" envPrefix:"ENGINE_"`
	Coordinator CoordinatorConfig `yaml:"coordinator" envPrefix:"COORDINATOR_"`
	Maintenance MaintenanceConfig `yaml:"maintenance" envPrefix:"MAINTENANCE_"`
}

type NATSConfig struct {
	URL string `yaml:"url" env:"URL"`
	// TriggerSubject carries reentry requests from the broker.
	TriggerSubject string `yaml:"trigger_subject" env:"TRIGGER_SUBJECT"`
	// TriggerQueue is the queue group shared by all reentryd replicas.
	TriggerQueue string `yaml:"trigger_queue" env:"TRIGGER_QUEUE"`

	broker.NATSConfig `yaml:",inline"`
}

type EngineConfig struct {
	// SaveTimeout defaults to unbounded in development mode.
	SaveTimeout        *time.Duration `yaml:"save_timeout" env:"SAVE_TIMEOUT"`
	MaxRunTime         time.Duration  `yaml:"max_run_time" env:"MAX_RUN_TIME"`
	InstanceLockExpiry time.Duration  `yaml:"instance_lock_expiry" env:"INSTANCE_LOCK_EXPIRY"`
	MaxParallel        int            `yaml:"max_parallel" env:"MAX_PARALLEL"`
}

type CoordinatorConfig struct {
	RaiseAttempts   int           `yaml:"raise_attempts" env:"RAISE_ATTEMPTS"`
	BackoffStrategy string        `yaml:"backoff_strategy" env:"BACKOFF_STRATEGY"`
	BackoffDelay    time.Duration `yaml:"backoff_delay" env:"BACKOFF_DELAY"`
	BackoffMaxDelay time.Duration `yaml:"backoff_max_delay" env:"BACKOFF_MAX_DELAY"`
}

type MaintenanceConfig struct {
	PurgeSchedule  string        `yaml:"purge_schedule" env:"PURGE_SCHEDULE"`
	VacuumSchedule string        `yaml:"vacuum_schedule" env:"VACUUM_SCHEDULE"`
	HolderGrace    time.Duration `yaml:"holder_grace" env:"HOLDER_GRACE"`
	QueueMaxAge    time.Duration `yaml:"queue_max_age" env:"QUEUE_MAX_AGE"`
}

func defaultConfig() Config {
	eng := engine.DefaultConfig()
	return Config{
		Mode:         modeProduction,
		LogLevel:     "info",
		LogFormat:    "json",
		DBPath:       "file:reentry.db",
		FallbackPath: "reentry-fallback.bolt",
		MetricsAddr:  ":9464",
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			TriggerSubject: "reentry.trigger",
			TriggerQueue:   "reentryd",
			NATSConfig: broker.NATSConfig{
				ResponseBucket: "reentry_responses",
				ReadySubject:   "reentry.ready",
			},
		},
		Engine: EngineConfig{
			MaxRunTime:         eng.MaxRunTime,
			InstanceLockExpiry: eng.InstanceLockExpiry,
		},
		Coordinator: CoordinatorConfig{
			RaiseAttempts:   5,
			BackoffStrategy: coordinator.BackoffExponential,
			BackoffDelay:    10 * time.Millisecond,
			BackoffMaxDelay: 200 * time.Millisecond,
		},
		Maintenance: MaintenanceConfig{
			PurgeSchedule:  maintenance.DefaultPurgeSchedule,
			VacuumSchedule: maintenance.DefaultVacuumSchedule,
			HolderGrace:    time.Minute,
			QueueMaxAge:    24 * time.Hour,
		},
	}
}

// loadConfig layers the YAML file at path (skipped when missing) and the
// REENTRY_* environment over the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Mode {
	case modeDevelopment, modeProduction:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", modeDevelopment, modeProduction, c.Mode)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", c.LogFormat)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Coordinator.BackoffStrategy {
	case coordinator.BackoffConstant, coordinator.BackoffLinear, coordinator.BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff strategy %q", c.Coordinator.BackoffStrategy)
	}
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	if c.NATS.URL == "" || c.NATS.TriggerSubject == "" || c.NATS.ResponseBucket == "" || c.NATS.ReadySubject == "" {
		return errors.New("nats url, trigger_subject, response_bucket and ready_subject are required")
	}
	return nil
}

func (c Config) development() bool { return c.Mode == modeDevelopment }

func (c Config) engineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Development = c.development()
	cfg.MaxRunTime = c.Engine.MaxRunTime
	cfg.InstanceLockExpiry = c.Engine.InstanceLockExpiry
	cfg.MaxParallel = c.Engine.MaxParallel
	switch {
	case c.Engine.SaveTimeout != nil:
		cfg.SaveTimeout = *c.Engine.SaveTimeout
	case c.development():
		cfg.SaveTimeout = 0
	}
	return cfg
}

func (c Config) coordinatorOptions() coordinator.Options {
	return coordinator.Options{
		MaxAttempts: c.Coordinator.RaiseAttempts,
		Backoff: coordinator.Backoff{
			Strategy: c.Coordinator.BackoffStrategy,
			Delay:    c.Coordinator.BackoffDelay,
			MaxDelay: c.Coordinator.BackoffMaxDelay,
		},
	}
}

func (c Config) maintenanceConfig() maintenance.Config {
	return maintenance.Config{
		PurgeSchedule:  c.Maintenance.PurgeSchedule,
		VacuumSchedule: c.Maintenance.VacuumSchedule,
		HolderGrace:    c.Maintenance.HolderGrace,
		QueueMaxAge:    c.Maintenance.QueueMaxAge,
	}
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return lvl, fmt.Errorf("invalid log_level %q: %w", s, err)
	}
	return lvl, nil
}
