package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reentry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
	assert.Equal(t, 10*time.Second, cfg.engineConfig().SaveTimeout)
	assert.False(t, cfg.engineConfig().Development)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
mode: development
log_format: text
db_path: file:/var/lib/reentry/state.db
nats:
  url: nats://broker:4222
  response_bucket: responses
engine:
  max_run_time: 90s
  max_parallel: 4
maintenance:
  purge_schedule: "*/5 * * * *"
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "file:/var/lib/reentry/state.db", cfg.DBPath)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, "responses", cfg.NATS.ResponseBucket)
	assert.Equal(t, "reentry.ready", cfg.NATS.ReadySubject)
	assert.Equal(t, "*/5 * * * *", cfg.maintenanceConfig().PurgeSchedule)

	eng := cfg.engineConfig()
	assert.True(t, eng.Development)
	assert.Equal(t, 90*time.Second, eng.MaxRunTime)
	assert.Equal(t, 4, eng.MaxParallel)
	assert.Zero(t, eng.SaveTimeout, "development mode saves without a deadline")
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
log_level: warn
nats:
  trigger_subject: from.file
engine:
  save_timeout: 3s
`)
	t.Setenv("REENTRY_LOG_LEVEL", "debug")
	t.Setenv("REENTRY_NATS_TRIGGER_SUBJECT", "from.env")
	t.Setenv("REENTRY_NATS_READY_SUBJECT", "ready.env")
	t.Setenv("REENTRY_COORDINATOR_RAISE_ATTEMPTS", "9")
	t.Setenv("REENTRY_MAINTENANCE_HOLDER_GRACE", "5m")

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "from.env", cfg.NATS.TriggerSubject)
	assert.Equal(t, "ready.env", cfg.NATS.ReadySubject)
	assert.Equal(t, 9, cfg.coordinatorOptions().MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.maintenanceConfig().HolderGrace)
	assert.Equal(t, 3*time.Second, cfg.engineConfig().SaveTimeout)
}

func TestLoadConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown mode", "mode: staging"},
		{"bad log level", "log_level: loud"},
		{"bad log format", "log_format: xml"},
		{"bad backoff", "coordinator:\n  backoff_strategy: random"},
		{"empty db path", "db_path: \"\""},
		{"missing trigger subject", "nats:\n  trigger_subject: \"\""},
		{"malformed yaml", "engine: [1, 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_BadEnvDuration(t *testing.T) {
	t.Setenv("REENTRY_ENGINE_MAX_RUN_TIME", "soon")
	_, err := loadConfig("")
	assert.Error(t, err)
}
